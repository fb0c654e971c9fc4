// Package summarize turns a summary task into one message in its thread.
package summarize

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"tldr-bot/internal/domain"
	"tldr-bot/internal/infra/metrics"
	"tldr-bot/internal/infra/tracer"
	"tldr-bot/internal/usecase/streaming"
)

// ServiceDeps holds the collaborators of a Service.
type ServiceDeps struct {
	History  domain.HistorySource
	Chat     domain.LiveMessenger
	LLM      domain.SummaryStreamer
	Streamer *streaming.Controller
	Ledger   domain.DeliveryLedger // optional
	Metrics  *metrics.Metrics      // optional
	Logger   *slog.Logger

	// Controls renders the blocks attached when a summary completes.
	// Nil attaches nothing.
	Controls func(correlationID string) (domain.Attachments, error)
	// CleanupTimeout bounds failure cleanup after the task context is done.
	CleanupTimeout time.Duration
}

// Service runs summary tasks end to end.
type Service struct {
	history  domain.HistorySource
	chat     domain.LiveMessenger
	llm      domain.SummaryStreamer
	streamer *streaming.Controller
	prompts  *PromptBuilder
	ledger   domain.DeliveryLedger
	metrics  *metrics.Metrics
	logger   *slog.Logger
	controls func(string) (domain.Attachments, error)
	cleanup  time.Duration
}

// NewService creates a Service.
func NewService(deps ServiceDeps) *Service {
	cleanup := deps.CleanupTimeout
	if cleanup <= 0 {
		cleanup = 30 * time.Second
	}
	return &Service{
		history:  deps.History,
		chat:     deps.Chat,
		llm:      deps.LLM,
		streamer: deps.Streamer,
		prompts:  NewPromptBuilder(deps.History, deps.Logger),
		ledger:   deps.Ledger,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		controls: deps.Controls,
		cleanup:  cleanup,
	}
}

// Handle runs task and returns its outcome. A task whose correlation ID was
// already claimed is skipped with OutcomeDuplicate and no error. Any other
// error has already been reported in the thread.
func (s *Service) Handle(ctx context.Context, task domain.SummaryTask) (outcome string, err error) {
	if err := task.Validate(); err != nil {
		return domain.OutcomeFailed, err
	}

	ctx, span := tracer.StartSpan(ctx, "summarize.handle", trace.WithAttributes(
		tracer.StringAttr("correlation_id", task.CorrelationID),
		tracer.StringAttr("channel", task.ChannelID),
		tracer.IntAttr("message_count", task.Count()),
	))
	defer func() { tracer.End(span, err) }()

	log := s.logger.With("correlation_id", task.CorrelationID, "channel", task.Destination(), "thread", task.ThreadTS)

	if s.ledger != nil {
		if err := s.ledger.Claim(ctx, task.CorrelationID, task.Destination()); err != nil {
			if errors.Is(err, domain.ErrAlreadyClaimed) {
				log.Info("task already handled, skipping")
				s.metrics.TaskFinished(domain.OutcomeDuplicate)
				return domain.OutcomeDuplicate, nil
			}
			return domain.OutcomeFailed, domain.WrapOp("Service.Handle", err)
		}
	}

	s.metrics.TaskStarted()
	defer s.metrics.TaskDone()

	start := time.Now()
	outcome, err = s.deliver(ctx, task, log)
	s.metrics.TaskFinished(outcome)

	if s.ledger != nil {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cleanup)
		if ferr := s.ledger.Finish(fctx, task.CorrelationID, outcome); ferr != nil {
			log.Warn("ledger finish failed", "error", ferr)
		}
		cancel()
	}

	if err != nil {
		log.Error("summary failed", "outcome", outcome, "error", err, "code", domain.ErrorCodeOf(err), "duration", time.Since(start))
		return outcome, err
	}
	log.Info("summary finished", "outcome", outcome, "duration", time.Since(start))
	return outcome, nil
}

func (s *Service) deliver(ctx context.Context, task domain.SummaryTask, log *slog.Logger) (string, error) {
	dest := task.Destination()

	messages, err := s.fetch(ctx, task, log)
	if err != nil {
		return s.failBeforeStream(ctx, task, err)
	}
	if len(messages) == 0 {
		if err := s.chat.PostPlain(ctx, dest, task.ThreadTS, NoMessagesText); err != nil {
			return s.failBeforeStream(ctx, task, err)
		}
		return domain.OutcomeNoMessages, nil
	}

	data, err := s.prompts.Build(ctx, task.ChannelID, messages, task.CustomPrompt)
	if err != nil {
		return s.failBeforeStream(ctx, task, err)
	}
	prefix := StreamPrefix(task)

	stream, err := s.llm.StreamSummary(ctx, data.Prompt)
	if errors.Is(err, domain.ErrPromptTooLarge) {
		log.Info("conversation too large to summarize", "messages", len(messages))
		text := prefix + ApplySafetyNetSections(TooLargeText, data)
		if err := s.chat.PostPlain(ctx, dest, task.ThreadTS, text); err != nil {
			return s.failBeforeStream(ctx, task, err)
		}
		return domain.OutcomeTooLarge, nil
	}
	if err != nil {
		return s.failBeforeStream(ctx, task, err)
	}
	defer stream.Close()

	req := streaming.Request{
		CorrelationID: task.CorrelationID,
		Channel:       dest,
		Thread:        task.ThreadTS,
		Prefix:        prefix,
		Finalize:      func(text string) string { return ApplySafetyNetSections(text, data) },
	}
	if s.controls != nil {
		attachments, err := s.controls(task.CorrelationID)
		if err != nil {
			log.Warn("feedback controls not rendered", "error", err)
		} else {
			req.Attachments = attachments
		}
	}

	if _, err := s.streamer.Run(ctx, stream, req); err != nil {
		return domain.OutcomeFailed, err
	}
	return domain.OutcomeDelivered, nil
}

// fetch returns the history to summarize, oldest first. When the summary is
// visible to others the bot's own messages are dropped.
func (s *Service) fetch(ctx context.Context, task domain.SummaryTask, log *slog.Logger) ([]domain.ChatMessage, error) {
	messages, err := s.history.RecentMessages(ctx, task.ChannelID, task.Count())
	if err != nil {
		return nil, err
	}
	if !task.Visible {
		return messages, nil
	}

	botID, err := s.history.BotUserID(ctx)
	if err != nil {
		log.Warn("bot identity unknown, keeping all messages", "error", err)
		return messages, nil
	}
	kept := messages[:0:0]
	for _, m := range messages {
		if m.UserID != botID {
			kept = append(kept, m)
		}
	}
	return kept, nil
}

// failBeforeStream reports a failure that happened before any live message
// existed.
func (s *Service) failBeforeStream(ctx context.Context, task domain.SummaryTask, cause error) (string, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cleanup)
	defer cancel()
	if err := s.streamer.SafetyNet().EnsureTerminalFailure(cctx, task.Destination(), task.ThreadTS, ""); err != nil {
		return domain.OutcomeFailed, errors.Join(cause, err)
	}
	return domain.OutcomeFailed, cause
}
