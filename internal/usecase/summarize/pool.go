package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"tldr-bot/internal/domain"
)

// ErrPoolFull is returned by TrySubmit when every slot is busy.
var ErrPoolFull = fmt.Errorf("worker pool is full: %w", domain.ErrLimitReached)

// ErrPoolClosed is returned after Shutdown has been called.
var ErrPoolClosed = errors.New("worker pool is closed")

// Handler runs one task.
type Handler interface {
	Handle(ctx context.Context, task domain.SummaryTask) (string, error)
}

// Pool runs tasks concurrently up to a fixed number of slots. Each task
// gets its own goroutine and context; tasks share nothing else.
type Pool struct {
	handler Handler
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool creates a Pool with the given number of slots. Each task is
// bounded by timeout when it is positive.
func NewPool(handler Handler, slots int, timeout time.Duration, logger *slog.Logger) *Pool {
	if slots < 1 {
		slots = 1
	}
	base, cancel := context.WithCancel(context.Background())
	return &Pool{
		handler: handler,
		sem:     semaphore.NewWeighted(int64(slots)),
		timeout: timeout,
		logger:  logger,
		base:    base,
		cancel:  cancel,
	}
}

// Submit waits for a free slot, then runs task in the background. ctx only
// bounds the wait.
func (p *Pool) Submit(ctx context.Context, task domain.SummaryTask) error {
	if !p.reserve() {
		return ErrPoolClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.wg.Done()
		return err
	}
	go p.work(task)
	return nil
}

// TrySubmit runs task in the background if a slot is free.
func (p *Pool) TrySubmit(task domain.SummaryTask) error {
	if !p.reserve() {
		return ErrPoolClosed
	}
	if !p.sem.TryAcquire(1) {
		p.wg.Done()
		return ErrPoolFull
	}
	go p.work(task)
	return nil
}

// Run executes task in the caller's goroutine once a slot is free.
func (p *Pool) Run(ctx context.Context, task domain.SummaryTask) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return domain.OutcomeFailed, err
	}
	defer p.sem.Release(1)
	return p.handle(ctx, task)
}

// Shutdown stops accepting tasks and waits for running ones. When ctx ends
// first, running tasks are canceled and ctx's error is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) reserve() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.wg.Add(1)
	return true
}

func (p *Pool) work(task domain.SummaryTask) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "correlation_id", task.CorrelationID, "panic", r)
		}
	}()
	_, _ = p.handle(p.base, task)
}

func (p *Pool) handle(ctx context.Context, task domain.SummaryTask) (string, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.handler.Handle(ctx, task)
}
