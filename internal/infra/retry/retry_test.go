package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	rec := &sleepRecorder{}
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxAttempts: 5, Jitter: NoJitter, Sleep: rec.sleep}

	calls := 0
	err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.delays)
}

func TestDoExhaustsAttempts(t *testing.T) {
	rec := &sleepRecorder{}
	p := Policy{BaseDelay: time.Millisecond, MaxAttempts: 5, Jitter: NoJitter, Sleep: rec.sleep}
	boom := errors.New("boom")

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 5, calls)
	assert.Len(t, rec.delays, 4, "no sleep after the final attempt")
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	p := Policy{
		BaseDelay:   time.Millisecond,
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return !errors.Is(err, fatal) },
		Sleep:       (&sleepRecorder{}).sleep,
	}

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursRetryAfter(t *testing.T) {
	rec := &sleepRecorder{}
	p := Policy{
		BaseDelay:   time.Millisecond,
		MaxAttempts: 2,
		RetryAfter:  func(error) (time.Duration, bool) { return 3 * time.Second, true },
		Sleep:       rec.sleep,
	}

	_ = p.Do(context.Background(), func(context.Context, int) error { return errors.New("429") })

	assert.Equal(t, []time.Duration{3 * time.Second}, rec.delays)
}

func TestDoContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{BaseDelay: time.Hour, MaxAttempts: 3, Jitter: NoJitter}

	calls := 0
	err := p.Do(ctx, func(context.Context, int) error {
		calls++
		cancel()
		return errors.New("transient")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{40, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestJitterBounds(t *testing.T) {
	d := 400 * time.Millisecond
	for i := 0; i < 200; i++ {
		full := FullJitter(d)
		assert.GreaterOrEqual(t, full, time.Duration(0))
		assert.LessOrEqual(t, full, d)

		partial := PartialJitter(d)
		assert.GreaterOrEqual(t, partial, d)
		assert.LessOrEqual(t, partial, d+d/4)
	}
	assert.Zero(t, FullJitter(0))
	assert.Zero(t, PartialJitter(-time.Second))
}

func TestSleepRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}
