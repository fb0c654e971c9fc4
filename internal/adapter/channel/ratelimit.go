package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"tldr-bot/internal/domain"
	"tldr-bot/internal/infra/retry"
)

// Slack error codes with dedicated handling.
const (
	codeRateLimited         = "ratelimited"
	codeRateLimitedAlt      = "rate_limited"
	codeNotInStreamingState = "message_not_in_streaming_state"
)

const (
	defaultMaxCallAttempts   = 5
	defaultBodyRetryDelay    = time.Second
	defaultHeaderRetryAfter  = time.Second
	maxSlackResponseBodySize = 1 << 20
)

// RetryReason labels why a call was retried.
type RetryReason string

const (
	RetryHTTP429   RetryReason = "http_429"
	RetryBodyLimit RetryReason = "body_ratelimited"
	RetryTransport RetryReason = "transport"
)

// CallerOptions configures a StreamCaller.
type CallerOptions struct {
	// MaxAttempts bounds every call, including the first attempt.
	MaxAttempts int
	// BodyRetryDelay is the fixed wait after an ok=false rate limit reply.
	BodyRetryDelay time.Duration
	// DefaultRetryAfter is used when a 429 carries no usable Retry-After.
	DefaultRetryAfter time.Duration
	// Backoff spaces retries of network and 5xx failures.
	Backoff retry.Policy
	// Sleep waits between attempts. Nil uses retry.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry observes each retry.
	OnRetry func(method string, reason RetryReason)
}

// StreamCaller posts JSON to Slack Web API methods that slack-go does not
// cover, with Slack's rate limit rules:
//
//   - HTTP 429 waits for Retry-After seconds (default 1s) and retries.
//   - ok=false with ratelimited waits a fixed delay and retries.
//   - message_not_in_streaming_state is reported as *domain.NotStreamingError.
//   - any other ok=false code is a terminal *domain.APIError.
//
// Network and 5xx failures are retried only for idempotent calls.
type StreamCaller struct {
	client *http.Client
	apiURL string
	token  string
	opts   CallerOptions
	logger *slog.Logger
}

// NewStreamCaller creates a caller for apiURL (ending in "/").
func NewStreamCaller(client *http.Client, apiURL, token string, opts CallerOptions, logger *slog.Logger) *StreamCaller {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxCallAttempts
	}
	if opts.BodyRetryDelay <= 0 {
		opts.BodyRetryDelay = defaultBodyRetryDelay
	}
	if opts.DefaultRetryAfter <= 0 {
		opts.DefaultRetryAfter = defaultHeaderRetryAfter
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	return &StreamCaller{client: client, apiURL: apiURL, token: token, opts: opts, logger: logger}
}

// callResponse is the subset of a Web API reply the caller needs.
type callResponse struct {
	slack.SlackResponse
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

// callTarget identifies a call for error reporting.
type callTarget struct {
	method     string
	channel    string
	handle     string
	idempotent bool
}

// transportFailure marks an attempt that failed below the API layer.
type transportFailure struct{ err error }

func (f transportFailure) Error() string { return f.err.Error() }

// Call posts payload to target.method and returns the decoded reply.
func (c *StreamCaller) Call(ctx context.Context, target callTarget, payload any) (*callResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", target.method, err)
	}

	var lastRetryAfter time.Duration
	var lastTransport error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		resp, wait, reason, err := c.attempt(ctx, target, body)
		if err == nil && reason == "" {
			return resp, nil
		}
		if err != nil {
			var tf transportFailure
			if !errors.As(err, &tf) {
				return nil, err
			}
			if !target.idempotent {
				return nil, &domain.TransportError{Method: target.method, Channel: target.channel, Attempts: attempt, Err: tf.err}
			}
			lastTransport = tf.err
			reason = RetryTransport
			wait = c.opts.Backoff.Delay(attempt)
		} else {
			lastTransport = nil
			lastRetryAfter = wait
		}

		if attempt == c.opts.MaxAttempts {
			break
		}
		c.logger.Warn("slack call retrying",
			"method", target.method, "channel", target.channel,
			"reason", string(reason), "wait", wait,
			"attempt", attempt, "max_attempts", c.opts.MaxAttempts)
		if c.opts.OnRetry != nil {
			c.opts.OnRetry(target.method, reason)
		}
		if err := c.opts.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	if lastTransport != nil {
		return nil, &domain.TransportError{Method: target.method, Channel: target.channel, Attempts: c.opts.MaxAttempts, Err: lastTransport}
	}
	return nil, &domain.RateLimitError{Method: target.method, Channel: target.channel, Attempts: c.opts.MaxAttempts, RetryAfter: lastRetryAfter}
}

// attempt performs one HTTP round trip. A non-empty reason asks the caller to
// wait and retry; a transportFailure error is retryable for idempotent calls.
func (c *StreamCaller) attempt(ctx context.Context, target callTarget, body []byte) (*callResponse, time.Duration, RetryReason, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+target.method, bytes.NewReader(body))
	if err != nil {
		return nil, 0, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, 0, "", ctxErr
		}
		return nil, 0, "", transportFailure{err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxSlackResponseBodySize))
	if err != nil {
		return nil, 0, "", transportFailure{fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, c.retryAfter(resp.Header.Get("Retry-After")), RetryHTTP429, nil
	case resp.StatusCode >= 500:
		return nil, 0, "", transportFailure{fmt.Errorf("http %d", resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, 0, "", &domain.APIError{Method: target.method, Code: "http_" + strconv.Itoa(resp.StatusCode), Channel: target.channel, Handle: target.handle}
	}

	var out callResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, 0, "", &domain.APIError{Method: target.method, Code: "invalid_response", Channel: target.channel, Handle: target.handle}
	}
	if out.Ok {
		return &out, 0, "", nil
	}

	switch out.Error {
	case codeRateLimited, codeRateLimitedAlt:
		return nil, c.opts.BodyRetryDelay, RetryBodyLimit, nil
	case codeNotInStreamingState:
		return nil, 0, "", &domain.NotStreamingError{Method: target.method, Channel: target.channel, Handle: target.handle}
	case "":
		out.Error = "unknown"
	}
	return nil, 0, "", &domain.APIError{Method: target.method, Code: out.Error, Channel: target.channel, Handle: target.handle}
}

func (c *StreamCaller) retryAfter(header string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs < 0 {
		return c.opts.DefaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}
