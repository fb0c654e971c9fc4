package streaming

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle enforces a minimum interval between dispatches to a live message.
// It is a single-token bucket driven by an injectable clock.
type Throttle struct {
	limiter *rate.Limiter
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
}

// NewThrottle returns a throttle allowing one dispatch per interval.
// A zero interval never waits.
func NewThrottle(interval time.Duration, now func() time.Time, sleep func(context.Context, time.Duration) error) *Throttle {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	if now == nil {
		now = time.Now
	}
	if sleep == nil {
		sleep = sleepContext
	}
	return &Throttle{limiter: rate.NewLimiter(limit, 1), now: now, sleep: sleep}
}

// Mark records a dispatch that happened without asking first, such as
// creating the live message.
func (t *Throttle) Mark() {
	t.limiter.AllowN(t.now(), 1)
}

// Ready reports whether a dispatch may happen now and, if so, records it.
func (t *Throttle) Ready() bool {
	return t.limiter.AllowN(t.now(), 1)
}

// Wait blocks until a dispatch is allowed and records it.
func (t *Throttle) Wait(ctx context.Context) error {
	now := t.now()
	r := t.limiter.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		if err := t.sleep(ctx, d); err != nil {
			r.CancelAt(t.now())
			return err
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
