package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"tldr-bot/internal/domain"
	"tldr-bot/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerStreamer wraps a SummaryStreamer with circuit breaker protection.
// Only opening the stream counts; failures after the first byte do not trip
// the breaker. An oversized prompt is the caller's problem and counts as a
// success.
type BreakerStreamer struct {
	inner   domain.SummaryStreamer
	breaker *gobreaker.CircuitBreaker[domain.EventStream]
	logger  *slog.Logger
}

// NewBreakerStreamer wraps inner with a circuit breaker. Zero-valued fields
// of cfg fall back to defaults.
func NewBreakerStreamer(inner domain.SummaryStreamer, cfg config.CircuitBreakerConfig, logger *slog.Logger) *BreakerStreamer {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[domain.EventStream](gobreaker.Settings{
		Name:        "llm:responses",
		MaxRequests: 1, // one probe while half-open
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrPromptTooLarge)
		},
	})

	return &BreakerStreamer{inner: inner, breaker: cb, logger: logger}
}

// StreamSummary implements domain.SummaryStreamer.
func (b *BreakerStreamer) StreamSummary(ctx context.Context, prompt []domain.PromptMessage) (domain.EventStream, error) {
	stream, err := b.breaker.Execute(func() (domain.EventStream, error) {
		return b.inner.StreamSummary(ctx, prompt)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", domain.ErrCircuitOpen, err)
		}
		return nil, err
	}
	return stream, nil
}

// State returns the current circuit breaker state for monitoring.
func (b *BreakerStreamer) State() gobreaker.State {
	return b.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (b *BreakerStreamer) Counts() gobreaker.Counts {
	return b.breaker.Counts()
}

var _ domain.SummaryStreamer = (*BreakerStreamer)(nil)
