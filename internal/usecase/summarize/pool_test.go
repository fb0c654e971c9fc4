package summarize

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tldr-bot/internal/domain"
)

// handlerFunc adapts a function to Handler.
type handlerFunc func(ctx context.Context, task domain.SummaryTask) (string, error)

func (f handlerFunc) Handle(ctx context.Context, task domain.SummaryTask) (string, error) {
	return f(ctx, task)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)

	p := NewPool(handlerFunc(func(context.Context, domain.SummaryTask) (string, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		started.Done()
		<-release
		running.Add(-1)
		return domain.OutcomeDelivered, nil
	}), 2, 0, slog.Default())

	require.NoError(t, p.TrySubmit(domain.SummaryTask{CorrelationID: "a"}))
	require.NoError(t, p.TrySubmit(domain.SummaryTask{CorrelationID: "b"}))
	started.Wait()

	assert.ErrorIs(t, p.TrySubmit(domain.SummaryTask{CorrelationID: "c"}), ErrPoolFull)

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int32(2), peak.Load())
}

func TestPoolSubmitWaitsForSlot(t *testing.T) {
	var done atomic.Int32
	p := NewPool(handlerFunc(func(context.Context, domain.SummaryTask) (string, error) {
		time.Sleep(5 * time.Millisecond)
		done.Add(1)
		return domain.OutcomeDelivered, nil
	}), 1, 0, slog.Default())

	for range 3 {
		require.NoError(t, p.Submit(context.Background(), domain.SummaryTask{CorrelationID: "x"}))
	}
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int32(3), done.Load())
}

func TestPoolSubmitContextCanceled(t *testing.T) {
	release := make(chan struct{})
	p := NewPool(handlerFunc(func(context.Context, domain.SummaryTask) (string, error) {
		<-release
		return "", nil
	}), 1, 0, slog.Default())

	require.NoError(t, p.TrySubmit(domain.SummaryTask{}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Submit(ctx, domain.SummaryTask{}), context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPoolRunAppliesTimeout(t *testing.T) {
	p := NewPool(handlerFunc(func(ctx context.Context, _ domain.SummaryTask) (string, error) {
		<-ctx.Done()
		return domain.OutcomeFailed, ctx.Err()
	}), 1, 10*time.Millisecond, slog.Default())

	outcome, err := p.Run(context.Background(), domain.SummaryTask{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.OutcomeFailed, outcome)
}

func TestPoolShutdownRejectsAndCancels(t *testing.T) {
	p := NewPool(handlerFunc(func(ctx context.Context, _ domain.SummaryTask) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), 1, 0, slog.Default())

	require.NoError(t, p.TrySubmit(domain.SummaryTask{}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)

	assert.ErrorIs(t, p.TrySubmit(domain.SummaryTask{}), ErrPoolClosed)
	assert.ErrorIs(t, p.Submit(context.Background(), domain.SummaryTask{}), ErrPoolClosed)
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool(handlerFunc(func(context.Context, domain.SummaryTask) (string, error) {
		panic("boom")
	}), 1, 0, slog.Default())

	require.NoError(t, p.TrySubmit(domain.SummaryTask{CorrelationID: "p"}))
	require.NoError(t, p.Shutdown(context.Background()))
	assert.True(t, p.sem.TryAcquire(1), "slot released after panic")
}
