// Package scheduling runs housekeeping jobs on cron or fixed-interval schedules.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tldr-bot/internal/domain"
)

// Action identifies a kind of scheduled job.
type Action string

// ActionLedgerPrune deletes old delivery ledger rows.
const ActionLedgerPrune Action = "ledger_prune"

// defaultJobTimeout bounds a single job run.
const defaultJobTimeout = 5 * time.Minute

// Job is one recurring job.
type Job struct {
	Name     string
	Schedule string // cron expression "0 * * * *", descriptor "@hourly" or duration "30m"
	Action   Action
}

// Scheduler runs registered actions on their schedules.
type Scheduler struct {
	cron       *cron.Cron
	actions    map[Action]func(ctx context.Context) error
	jobTimeout time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler. A non-positive jobTimeout uses five minutes.
func NewScheduler(jobTimeout time.Duration, logger *slog.Logger) *Scheduler {
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}
	return &Scheduler{
		cron:       cron.New(),
		actions:    make(map[Action]func(ctx context.Context) error),
		jobTimeout: jobTimeout,
		logger:     logger,
	}
}

// RegisterAction registers the handler for an action.
func (s *Scheduler) RegisterAction(action Action, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddJob schedules a job whose action has been registered.
func (s *Scheduler) AddJob(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.actions[job.Action]
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for job %q", job.Action, job.Name)
	}
	schedule, err := ParseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for job %q: %w", job.Schedule, job.Name, err)
	}

	s.cron.Schedule(schedule, cron.FuncJob(func() { s.run(job.Name, fn) }))
	s.logger.Info("job scheduled", "name", job.Name, "schedule", job.Schedule, "action", string(job.Action))
	return nil
}

// RunNow runs a registered action once, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, action Action) error {
	s.mu.Lock()
	fn, ok := s.actions[action]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q", action)
	}
	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()
	return fn(ctx)
}

func (s *Scheduler) run(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if ctx == nil {
		s.logger.Debug("scheduler stopped, skipping job", "job", name)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	start := time.Now()
	if err := fn(jobCtx); err != nil {
		s.logger.Warn("scheduled job failed", "job", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("scheduled job completed", "job", name, "duration", time.Since(start))
}

// Start begins running jobs. Jobs are canceled when ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	// Jobs take the lock to read ctx, so wait without holding it.
	<-s.cron.Stop().Done()

	s.mu.Lock()
	s.ctx = nil
	s.mu.Unlock()
	return nil
}

// ParseSchedule parses a cron expression or descriptor, falling back to a
// positive Go duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(dur), nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every it allows
// sub-second intervals.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}

// PruneLedger returns an action deleting ledger rows older than retention.
func PruneLedger(ledger domain.DeliveryLedger, retention time.Duration, logger *slog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		n, err := ledger.Prune(ctx, retention)
		if err != nil {
			return domain.WrapOp("PruneLedger", err)
		}
		if n > 0 {
			logger.Info("ledger pruned", "rows", n, "retention", retention)
		}
		return nil
	}
}
