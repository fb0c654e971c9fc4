// Package streaming delivers an LLM token stream into a single live chat
// message and guarantees a terminal state when anything fails.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"tldr-bot/internal/domain"
	"tldr-bot/internal/infra/config"
	"tldr-bot/internal/infra/metrics"
	"tldr-bot/internal/infra/tracer"
)

// Delivery describes how the final summary reached the thread.
type Delivery string

const (
	DeliveryStreamed Delivery = "streamed" // live message stopped normally
	DeliveryEdited   Delivery = "edited"   // live message overwritten with the full text
	DeliveryReposted Delivery = "reposted" // live message deleted, summary posted plain

	// DeliveryRepostedUndeleted means the summary was posted but the stale
	// live message could not be deleted, so the thread shows both.
	DeliveryRepostedUndeleted Delivery = "reposted_undeleted"
)

const deleteAttempts = 2

// Request is one stream-to-thread delivery.
type Request struct {
	CorrelationID string
	Channel       string
	Thread        string
	// Prefix is shown before the first chunk and counts against the text limit.
	Prefix string
	// Finalize returns the full summary with any trailing sections added.
	// Nil leaves the text unchanged.
	Finalize func(text string) string
	// Attachments are sent when the live message is closed.
	Attachments domain.Attachments
}

// Result describes a successful delivery.
type Result struct {
	Handle   string
	Text     string // summary without the prefix
	Delivery Delivery
	Chunks   int
}

// Controller drives live messages from model output.
type Controller struct {
	chat    domain.LiveMessenger
	net     *SafetyNet
	cfg     config.StreamingConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock used for throttling.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(c *Controller) {
		c.now = now
		c.sleep = sleep
	}
}

// WithMetrics records delivery metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// NewController creates a Controller.
func NewController(chat domain.LiveMessenger, cfg config.StreamingConfig, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		chat:   chat,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.net = NewSafetyNet(chat, c.metrics, logger)
	return c
}

// SafetyNet returns the failure cleanup used by the controller.
func (c *Controller) SafetyNet() *SafetyNet { return c.net }

// Run consumes stream until it terminates and delivers the text into one
// live message in req.Thread. On any error the safety net runs before Run
// returns, so the thread always ends with exactly one visible message.
func (c *Controller) Run(ctx context.Context, stream domain.EventStream, req Request) (res Result, err error) {
	ctx, span := tracer.StartSpan(ctx, "stream.session", trace.WithAttributes(
		tracer.StringAttr("correlation_id", req.CorrelationID),
		tracer.StringAttr("channel", req.Channel),
	))
	defer func() { tracer.End(span, err) }()

	log := c.logger.With("correlation_id", req.CorrelationID, "channel", req.Channel, "thread", req.Thread)
	r := &run{
		Controller: c,
		req:        req,
		log:        log,
		throttle:   NewThrottle(c.cfg.MinAppendInterval, c.now, c.sleep),
	}

	res, err = r.deliver(ctx, stream)
	r.session.Finish()
	if err == nil {
		c.metrics.Delivered(string(res.Delivery))
		c.metrics.ObserveStreamedRunes(r.session.Sent())
		log.Info("summary delivered", "delivery", res.Delivery, "chunks", res.Chunks,
			"runes_sent", r.session.Sent(), "handle", res.Handle)
		return res, nil
	}

	log.Error("summary stream failed", "error", err, "state", r.session.State(), "handle", r.session.Handle())
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CleanupTimeout)
	defer cancel()
	if nerr := c.net.EnsureTerminalFailure(cctx, req.Channel, req.Thread, r.session.Handle()); nerr != nil {
		err = errors.Join(err, nerr)
	}
	return Result{}, err
}

// run is the state of one Controller.Run call.
type run struct {
	*Controller
	req      Request
	log      *slog.Logger
	session  Session
	pending  PendingBuffer
	text     strings.Builder
	throttle *Throttle
	started  time.Time
}

func (r *run) deliver(ctx context.Context, stream domain.EventStream) (Result, error) {
	prefixLen := utf8.RuneCountInString(r.req.Prefix)
	if prefixLen >= r.cfg.TextLimit {
		return Result{}, fmt.Errorf("%w: prefix is %d runes, limit %d", domain.ErrPrefixTooLong, prefixLen, r.cfg.TextLimit)
	}
	firstMax := min(r.cfg.TextLimit-prefixLen, r.cfg.MaxChunkChars)
	r.started = r.now()

	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return Result{}, &domain.UpstreamError{Kind: domain.UpstreamTruncated, Reason: "stream ended before completion"}
		}
		if err != nil {
			return Result{}, err
		}

		switch ev.Kind {
		case domain.EventTextDelta:
			if ev.Text == "" {
				continue
			}
			r.text.WriteString(ev.Text)
			r.pending.Push(ev.Text)
			if r.session.State() == StateNotStarted {
				err = r.create(ctx, firstMax)
			} else {
				err = r.appendIfDue(ctx)
			}
			if err != nil {
				return Result{}, err
			}
		case domain.EventCompleted:
			return r.finish(ctx)
		case domain.EventFailed:
			return Result{}, &domain.UpstreamError{Kind: domain.UpstreamFailed, Reason: ev.Reason}
		case domain.EventError:
			return Result{}, &domain.UpstreamError{Kind: domain.UpstreamErrorEvent, Reason: ev.Reason}
		}
	}
}

func (r *run) create(ctx context.Context, maxChars int) error {
	chunk, _ := r.pending.Take(maxChars)
	text := r.req.Prefix + chunk
	handle, err := r.chat.CreateLive(ctx, r.req.Channel, r.req.Thread, text)
	if err != nil {
		return err
	}
	if err := r.session.Start(handle, utf8.RuneCountInString(text), r.now()); err != nil {
		return err
	}
	r.throttle.Mark()
	r.metrics.ChunkDispatched("create")
	r.metrics.ObserveFirstChunk(r.now().Sub(r.started))
	r.log.Debug("live message created", "handle", handle, "runes", utf8.RuneCountInString(chunk))
	return nil
}

// appendIfDue sends one chunk when the interval since the last dispatch has
// elapsed. Text that is not due stays pending.
func (r *run) appendIfDue(ctx context.Context) error {
	if r.session.Halted() || r.pending.Empty() || !r.throttle.Ready() {
		return nil
	}
	return r.appendNext(ctx)
}

func (r *run) appendNext(ctx context.Context) error {
	chunk, ok := r.pending.Take(r.cfg.MaxChunkChars)
	if !ok {
		return nil
	}
	err := r.chat.AppendLive(ctx, r.req.Channel, r.session.Handle(), chunk)
	switch {
	case errors.Is(err, domain.ErrNotStreaming):
		r.session.Halt()
		r.metrics.AppendHalted()
		r.log.Warn("live message stopped accepting appends", "handle", r.session.Handle(), "error", err)
		return nil
	case err != nil:
		return err
	}
	r.session.Dispatched(utf8.RuneCountInString(chunk), r.now())
	r.metrics.ChunkDispatched("append")
	return nil
}

// flush sends everything pending, waiting out the interval before each call.
func (r *run) flush(ctx context.Context) error {
	for !r.pending.Empty() && !r.session.Halted() {
		if err := r.throttle.Wait(ctx); err != nil {
			return err
		}
		if err := r.appendNext(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) finish(ctx context.Context) (Result, error) {
	if r.session.State() == StateNotStarted {
		return Result{}, domain.ErrEmptyStream
	}
	if err := r.session.Finalize(); err != nil {
		return Result{}, err
	}
	if err := r.flush(ctx); err != nil {
		return Result{}, err
	}

	text := r.text.String()
	final := text
	if r.req.Finalize != nil {
		final = r.req.Finalize(text)
	}
	if suffix, ok := strings.CutPrefix(final, text); ok {
		r.pending.Push(suffix)
		if err := r.flush(ctx); err != nil {
			return Result{}, err
		}
	} else {
		// The streamed text cannot be extended into the final text.
		r.session.Halt()
	}

	handle := r.session.Handle()
	res := Result{Handle: handle, Text: final, Delivery: DeliveryStreamed}
	closeErr := r.chat.CloseLive(ctx, r.req.Channel, handle, domain.CloseOptions{Attachments: r.req.Attachments})
	switch {
	case closeErr == nil && !r.session.Halted():
		res.Chunks = r.session.Chunks()
		return res, nil
	case closeErr != nil && !errors.Is(closeErr, domain.ErrNotStreaming):
		return Result{}, closeErr
	}

	r.log.Info("replacing live message with the full summary", "handle", handle, "close_error", closeErr)
	full := r.req.Prefix + final
	blocks, err := domain.WithBody(full, r.req.Attachments)
	if err != nil {
		return Result{}, err
	}
	err = r.chat.Overwrite(ctx, r.req.Channel, handle, full, blocks)
	if err == nil {
		res.Delivery = DeliveryEdited
		res.Chunks = r.session.Chunks()
		return res, nil
	}
	r.log.Warn("overwrite failed, reposting summary", "handle", handle, "error", err)

	res.Delivery = DeliveryReposted
	if err := r.deleteLive(ctx, handle); err != nil {
		r.log.Error("live message not deleted, summary will appear twice", "handle", handle, "error", err)
		res.Delivery = DeliveryRepostedUndeleted
	}
	r.session.Forget()
	if err := r.chat.PostPlain(ctx, r.req.Channel, r.req.Thread, full); err != nil {
		return Result{}, err
	}
	res.Handle = ""
	res.Chunks = r.session.Chunks()
	return res, nil
}

// deleteLive removes the live message, trying deleteAttempts times.
func (r *run) deleteLive(ctx context.Context, handle string) error {
	var err error
	for attempt := 1; attempt <= deleteAttempts; attempt++ {
		if err = r.chat.Delete(ctx, r.req.Channel, handle); err == nil {
			return nil
		}
		r.log.Warn("delete of live message failed", "handle", handle, "attempt", attempt, "error", err)
	}
	return err
}
