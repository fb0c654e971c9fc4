package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tldr-bot/internal/adapter/channel"
	"tldr-bot/internal/adapter/httpapi"
	"tldr-bot/internal/adapter/ledger"
	"tldr-bot/internal/adapter/llm"
	"tldr-bot/internal/domain"
	"tldr-bot/internal/infra/config"
	"tldr-bot/internal/infra/logger"
	"tldr-bot/internal/infra/metrics"
	"tldr-bot/internal/infra/retry"
	"tldr-bot/internal/infra/tracer"
	"tldr-bot/internal/usecase/scheduling"
	"tldr-bot/internal/usecase/streaming"
	"tldr-bot/internal/usecase/summarize"
)

// app holds the wired runtime of one process.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	signals context.Context

	metrics   *metrics.Metrics
	ledger    *ledger.SQLiteLedger // nil when disabled
	pool      *summarize.Pool
	scheduler *scheduling.Scheduler

	closers []func(context.Context) error
}

// newApp wires every component from cfg. signals is the process signal
// context; it decides how long shutdown waits for running tasks.
func newApp(signals context.Context, cfg *config.Config) (*app, error) {
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: log, signals: signals}
	a.closers = append(a.closers, func(context.Context) error { return closeLog() })

	shutdownTracer, err := tracer.Setup(signals, cfg.Tracer)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("setup tracer: %w", err)
	}
	a.closers = append(a.closers, shutdownTracer)

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(cfg.Metrics.Namespace)
	}

	slackSurface := newSlackSurface(cfg, a.metrics, log)
	summaries := newSummaryStreamer(cfg, log)
	controller := streaming.NewController(slackSurface, cfg.Streaming, log, streaming.WithMetrics(a.metrics))

	var deliveries domain.DeliveryLedger
	if cfg.Ledger.Enabled {
		l, err := openLedger(cfg.Ledger)
		if err != nil {
			a.close()
			return nil, err
		}
		a.ledger = l
		deliveries = l
		a.closers = append(a.closers, func(context.Context) error { return l.Close() })
	}

	var controls func(string) (domain.Attachments, error)
	if cfg.Streaming.FeedbackControls {
		controls = channel.FeedbackBlocks
	}

	service := summarize.NewService(summarize.ServiceDeps{
		History:        slackSurface,
		Chat:           slackSurface,
		LLM:            summaries,
		Streamer:       controller,
		Ledger:         deliveries,
		Metrics:        a.metrics,
		Logger:         log,
		Controls:       controls,
		CleanupTimeout: cfg.Streaming.CleanupTimeout,
	})
	a.pool = summarize.NewPool(service, cfg.Worker.Concurrency, cfg.Worker.TaskTimeout, log)

	a.scheduler = scheduling.NewScheduler(0, log)
	if a.ledger != nil {
		a.scheduler.RegisterAction(scheduling.ActionLedgerPrune,
			scheduling.PruneLedger(a.ledger, cfg.Ledger.Retention, log))
		if err := a.scheduler.AddJob(scheduling.Job{
			Name:     "ledger-prune",
			Schedule: cfg.Ledger.PruneSchedule,
			Action:   scheduling.ActionLedgerPrune,
		}); err != nil {
			a.close()
			return nil, err
		}
	}

	log.Info("tldr ready",
		"version", version,
		"model", cfg.OpenAI.Model,
		"concurrency", cfg.Worker.Concurrency,
		"ledger", cfg.Ledger.Enabled,
		"metrics", cfg.Metrics.Enabled,
	)
	return a, nil
}

func newSlackSurface(cfg *config.Config, m *metrics.Metrics, log *slog.Logger) *channel.SlackSurface {
	backoff := retry.Policy{
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		MaxAttempts: cfg.Retry.MaxAttempts,
	}
	return channel.NewSlackSurface(cfg.Slack.BotToken, cfg.Slack.APIURL, log,
		channel.WithSlackHTTPClient(&http.Client{Timeout: cfg.Slack.Timeout}),
		channel.WithSlackRetryPolicy(backoff),
		channel.WithSlackCallerOptions(channel.CallerOptions{
			MaxAttempts:       cfg.Streaming.MaxAttempts,
			BodyRetryDelay:    cfg.Streaming.BodyRateLimitDelay,
			DefaultRetryAfter: cfg.Streaming.DefaultRetryAfter,
			Backoff:           backoff,
			OnRetry: func(method string, reason channel.RetryReason) {
				m.ChatRetry(method, string(reason))
			},
		}),
	)
}

func newSummaryStreamer(cfg *config.Config, log *slog.Logger) domain.SummaryStreamer {
	tokens := llm.NewTiktokenCounter(cfg.OpenAI.Encoding, log)
	var s domain.SummaryStreamer = llm.NewResponsesClient(cfg.OpenAI, nil, tokens, log)
	if cfg.CircuitBreaker.Enabled {
		s = llm.NewBreakerStreamer(s, cfg.CircuitBreaker, log)
	}
	return s
}

func openLedger(cfg config.LedgerConfig) (*ledger.SQLiteLedger, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: ledger is disabled", domain.ErrConfigLoad)
	}
	l, err := ledger.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return l, nil
}

// apiDeps exposes the app to the HTTP API.
func (a *app) apiDeps() httpapi.Deps {
	deps := httpapi.Deps{Submitter: a.pool, Logger: a.logger}
	if a.ledger != nil {
		deps.Ledger = a.ledger
		deps.Health = a.ledger
	}
	if a.metrics != nil {
		deps.Metrics = a.metrics.Handler()
	}
	return deps
}

// startBackground runs the scheduler until ctx is done, then drains the
// worker pool. After a signal the drain is bounded by the server shutdown
// timeout; otherwise running tasks get their full task timeout.
func (a *app) startBackground(ctx context.Context) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	if err := a.scheduler.Stop(); err != nil {
		a.logger.Warn("scheduler stop", "error", err)
	}

	drain := a.cfg.Worker.TaskTimeout
	if a.signals.Err() != nil {
		drain = a.cfg.Server.ShutdownTimeout
	}
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drain)
	defer cancel()
	if err := a.pool.Shutdown(drainCtx); err != nil {
		a.logger.Warn("worker pool drain", "error", err)
	}
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.pool != nil {
		_ = a.pool.Shutdown(ctx)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}
}
