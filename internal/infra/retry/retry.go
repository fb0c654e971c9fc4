// Package retry provides an immutable backoff policy for fallible calls.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy retries a call with exponential backoff and jitter.
// A Policy is a value; copies are independent and safe for concurrent use.
type Policy struct {
	// BaseDelay is the delay before the first retry; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps a single delay. Zero means no cap.
	MaxDelay time.Duration
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	// Jitter perturbs each computed delay. Nil uses FullJitter.
	Jitter func(time.Duration) time.Duration
	// Retryable decides whether an error is worth another attempt. Nil retries
	// every error.
	Retryable func(error) bool
	// RetryAfter extracts a server-requested delay from an error, which then
	// replaces the computed backoff.
	RetryAfter func(error) (time.Duration, bool)
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// FullJitter returns a random duration in [0, d].
func FullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}

// PartialJitter adds 0-25% to d.
func PartialJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int64N(int64(d/4)+1))
}

// NoJitter returns d unchanged.
func NoJitter(d time.Duration) time.Duration { return d }

// Backoff returns the un-jittered delay after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if delay > math.MaxInt64/2 {
			break
		}
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. It returns the last error from fn, or the
// context error if the wait was interrupted.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := max(p.MaxAttempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if attempt == attempts || (p.Retryable != nil && !p.Retryable(err)) {
			return err
		}
		if werr := p.sleep(ctx, p.delay(attempt, err)); werr != nil {
			return werr
		}
	}
	return err
}

func (p Policy) delay(attempt int, err error) time.Duration {
	if p.RetryAfter != nil {
		if d, ok := p.RetryAfter(err); ok {
			return d
		}
	}
	return p.Delay(attempt)
}

// Delay returns the jittered backoff after the given failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	jitter := p.Jitter
	if jitter == nil {
		jitter = FullJitter
	}
	return jitter(p.Backoff(attempt))
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
