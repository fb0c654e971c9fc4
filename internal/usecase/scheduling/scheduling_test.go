package scheduling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tldr-bot/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(0, newTestLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestSchedulerJobFires(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(time.Second, newTestLogger())
	s.RegisterAction(ActionLedgerPrune, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	if err := s.AddJob(Job{Name: "prune", Schedule: "50ms", Action: ActionLedgerPrune}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c < 1 {
		t.Errorf("job fired %d times, expected at least 1", c)
	}
}

func TestSchedulerJobSeesCancellation(t *testing.T) {
	canceled := make(chan struct{})
	var once sync.Once

	s := NewScheduler(time.Minute, newTestLogger())
	s.RegisterAction(ActionLedgerPrune, func(ctx context.Context) error {
		<-ctx.Done()
		once.Do(func() { close(canceled) })
		return ctx.Err()
	})
	if err := s.AddJob(Job{Name: "blocking", Schedule: "20ms", Action: ActionLedgerPrune}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	cancel()

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not observe cancellation")
	}
	s.Stop()
}

func TestSchedulerUnknownAction(t *testing.T) {
	s := NewScheduler(0, newTestLogger())

	if err := s.AddJob(Job{Name: "x", Schedule: "1h", Action: "does_not_exist"}); err == nil {
		t.Fatal("expected error for unknown action")
	}
	if err := s.RunNow(context.Background(), "does_not_exist"); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestSchedulerInvalidSchedule(t *testing.T) {
	s := NewScheduler(0, newTestLogger())
	s.RegisterAction(ActionLedgerPrune, func(context.Context) error { return nil })

	if err := s.AddJob(Job{Name: "bad", Schedule: "every tuesday", Action: ActionLedgerPrune}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestSchedulerRunNow(t *testing.T) {
	s := NewScheduler(50*time.Millisecond, newTestLogger())
	s.RegisterAction(ActionLedgerPrune, func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		if !ok || time.Until(deadline) > 50*time.Millisecond {
			return errors.New("job timeout not applied")
		}
		return nil
	})

	if err := s.RunNow(context.Background(), ActionLedgerPrune); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
}

func TestParseSchedule(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		schedule string
		next     time.Time
	}{
		{"0 * * * *", time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)},
		{"@hourly", time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)},
		{"6h", base.Add(6 * time.Hour)},
		{"250ms", base.Add(250 * time.Millisecond)},
	}

	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			sched, err := ParseSchedule(tt.schedule)
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tt.schedule, err)
			}
			if got := sched.Next(base); !got.Equal(tt.next) {
				t.Errorf("Next = %v, want %v", got, tt.next)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	for _, s := range []string{"", "not-a-schedule", "-5m", "0s"} {
		if _, err := ParseSchedule(s); err == nil {
			t.Errorf("ParseSchedule(%q): expected error", s)
		}
	}
}

type pruneLedger struct {
	domain.DeliveryLedger
	retention time.Duration
	n         int64
	err       error
}

func (l *pruneLedger) Prune(_ context.Context, olderThan time.Duration) (int64, error) {
	l.retention = olderThan
	return l.n, l.err
}

func TestPruneLedger(t *testing.T) {
	l := &pruneLedger{n: 3}
	if err := PruneLedger(l, 72*time.Hour, newTestLogger())(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if l.retention != 72*time.Hour {
		t.Errorf("retention = %v, want 72h", l.retention)
	}

	l.err = errors.New("database is locked")
	err := PruneLedger(l, time.Hour, newTestLogger())(context.Background())
	if err == nil || !errors.Is(err, l.err) {
		t.Errorf("error = %v, want wrapped prune error", err)
	}
}
