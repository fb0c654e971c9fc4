package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"tldr-bot/internal/domain"
	"tldr-bot/internal/infra/retry"
)

// SlackOption configures a SlackSurface.
type SlackOption func(*SlackSurface)

// WithSlackHTTPClient sets the HTTP client used for every Web API call.
func WithSlackHTTPClient(c *http.Client) SlackOption {
	return func(s *SlackSurface) { s.httpClient = c }
}

// WithSlackCallerOptions configures rate limit handling of streaming calls.
func WithSlackCallerOptions(o CallerOptions) SlackOption {
	return func(s *SlackSurface) { s.callerOpts = o }
}

// WithSlackRetryPolicy sets the backoff for one-shot calls made through slack-go.
func WithSlackRetryPolicy(p retry.Policy) SlackOption {
	return func(s *SlackSurface) { s.oneShot = p }
}

// SlackSurface is the Slack implementation of domain.LiveMessenger and
// domain.HistorySource. Live messages use chat.startStream, chat.appendStream
// and chat.stopStream; everything else goes through slack-go.
type SlackSurface struct {
	token      string
	apiURL     string
	httpClient *http.Client
	callerOpts CallerOptions
	oneShot    retry.Policy
	logger     *slog.Logger

	api    *slack.Client
	caller *StreamCaller

	botMu     sync.Mutex
	botUserID string
	userNames sync.Map // cache: userID -> display name
}

// NewSlackSurface creates a Slack surface for a bot token. apiURL must end in "/".
func NewSlackSurface(token, apiURL string, logger *slog.Logger, opts ...SlackOption) *SlackSurface {
	s := &SlackSurface{
		token:      token,
		apiURL:     apiURL,
		httpClient: http.DefaultClient,
		oneShot: retry.Policy{
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			MaxAttempts: defaultMaxCallAttempts,
		},
		logger:     logger,
	}
	for _, o := range opts {
		o(s)
	}
	if s.oneShot.Retryable == nil {
		s.oneShot.Retryable = isTransientSlackError
	}
	if s.oneShot.RetryAfter == nil {
		s.oneShot.RetryAfter = slackRetryAfter
	}
	if s.oneShot.Sleep == nil {
		s.oneShot.Sleep = s.callerOpts.Sleep
	}
	if s.callerOpts.Backoff.BaseDelay == 0 {
		s.callerOpts.Backoff = s.oneShot
	}

	s.api = slack.New(token, slack.OptionAPIURL(apiURL), slack.OptionHTTPClient(s.httpClient))
	s.caller = NewStreamCaller(s.httpClient, apiURL, token, s.callerOpts, logger)
	return s
}

// --- domain.LiveMessenger ---

type startStreamRequest struct {
	Channel      string `json:"channel"`
	ThreadTS     string `json:"thread_ts"`
	MarkdownText string `json:"markdown_text,omitempty"`
}

type appendStreamRequest struct {
	Channel      string `json:"channel"`
	TS           string `json:"ts"`
	MarkdownText string `json:"markdown_text"`
}

type stopStreamRequest struct {
	Channel      string          `json:"channel"`
	TS           string          `json:"ts"`
	MarkdownText string          `json:"markdown_text,omitempty"`
	Blocks       json.RawMessage `json:"blocks,omitempty"`
}

type updateRequest struct {
	Channel string          `json:"channel"`
	TS      string          `json:"ts"`
	Text    string          `json:"text"`
	Blocks  json.RawMessage `json:"blocks"`
}

// CreateLive implements domain.LiveMessenger. The call is never retried after
// a network failure, so a live message is opened at most once.
func (s *SlackSurface) CreateLive(ctx context.Context, channel, thread, text string) (string, error) {
	resp, err := s.caller.Call(ctx,
		callTarget{method: "chat.startStream", channel: channel},
		startStreamRequest{Channel: channel, ThreadTS: thread, MarkdownText: text})
	if err != nil {
		return "", err
	}
	if resp.TS == "" {
		return "", &domain.APIError{Method: "chat.startStream", Code: "missing_ts", Channel: channel}
	}
	return resp.TS, nil
}

// AppendLive implements domain.LiveMessenger.
func (s *SlackSurface) AppendLive(ctx context.Context, channel, handle, text string) error {
	_, err := s.caller.Call(ctx,
		callTarget{method: "chat.appendStream", channel: channel, handle: handle, idempotent: true},
		appendStreamRequest{Channel: channel, TS: handle, MarkdownText: text})
	return err
}

// CloseLive implements domain.LiveMessenger.
func (s *SlackSurface) CloseLive(ctx context.Context, channel, handle string, opts domain.CloseOptions) error {
	_, err := s.caller.Call(ctx,
		callTarget{method: "chat.stopStream", channel: channel, handle: handle, idempotent: true},
		stopStreamRequest{Channel: channel, TS: handle, MarkdownText: opts.FinalText, Blocks: json.RawMessage(opts.Attachments)})
	return err
}

// Overwrite implements domain.LiveMessenger with chat.update. The message
// blocks are always replaced: a markdown block carrying text, then
// attachments. Attachments that already lead with a body block are sent as is.
func (s *SlackSurface) Overwrite(ctx context.Context, channel, handle, text string, attachments domain.Attachments) error {
	blocks := attachments
	if !domain.HasBody(blocks) {
		var err error
		if blocks, err = domain.WithBody(text, attachments); err != nil {
			return err
		}
	}
	_, err := s.caller.Call(ctx,
		callTarget{method: "chat.update", channel: channel, handle: handle, idempotent: true},
		updateRequest{Channel: channel, TS: handle, Text: text, Blocks: json.RawMessage(blocks)})
	return err
}

// Delete implements domain.LiveMessenger.
func (s *SlackSurface) Delete(ctx context.Context, channel, handle string) error {
	return s.do(ctx, "chat.delete", channel, func(ctx context.Context) error {
		_, _, err := s.api.DeleteMessageContext(ctx, channel, handle)
		return err
	})
}

// PostPlain implements domain.LiveMessenger.
func (s *SlackSurface) PostPlain(ctx context.Context, channel, thread, text string) error {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if thread != "" {
		opts = append(opts, slack.MsgOptionTS(thread))
	}
	return s.do(ctx, "chat.postMessage", channel, func(ctx context.Context) error {
		_, _, err := s.api.PostMessageContext(ctx, channel, opts...)
		return err
	})
}

// --- domain.HistorySource ---

// RecentMessages implements domain.HistorySource. Messages are returned
// oldest first.
func (s *SlackSurface) RecentMessages(ctx context.Context, channel string, limit int) ([]domain.ChatMessage, error) {
	var resp *slack.GetConversationHistoryResponse
	err := s.do(ctx, "conversations.history", channel, func(ctx context.Context) error {
		var err error
		resp, err = s.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
			ChannelID: channel,
			Limit:     limit,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.ChatMessage, 0, len(resp.Messages))
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		out = append(out, toChatMessage(resp.Messages[i]))
	}
	return out, nil
}

func toChatMessage(m slack.Message) domain.ChatMessage {
	msg := domain.ChatMessage{
		Timestamp: m.Timestamp,
		UserID:    m.User,
		BotID:     m.BotID,
		Text:      m.Text,
		HasFiles:  len(m.Files) > 0,
	}
	for _, a := range m.Attachments {
		for _, link := range []string{a.TitleLink, a.FromURL, a.OriginalURL} {
			if link != "" {
				msg.Links = append(msg.Links, link)
			}
		}
	}
	return msg
}

// BotUserID implements domain.HistorySource. A successful auth.test is cached.
func (s *SlackSurface) BotUserID(ctx context.Context) (string, error) {
	s.botMu.Lock()
	defer s.botMu.Unlock()
	if s.botUserID != "" {
		return s.botUserID, nil
	}
	err := s.do(ctx, "auth.test", "", func(ctx context.Context) error {
		resp, err := s.api.AuthTestContext(ctx)
		if err != nil {
			return err
		}
		s.botUserID = resp.UserID
		return nil
	})
	return s.botUserID, err
}

// UserName implements domain.HistorySource, falling back to the ID.
func (s *SlackSurface) UserName(ctx context.Context, userID string) (string, error) {
	if v, ok := s.userNames.Load(userID); ok {
		return v.(string), nil
	}
	var user *slack.User
	err := s.do(ctx, "users.info", "", func(ctx context.Context) error {
		var err error
		user, err = s.api.GetUserInfoContext(ctx, userID)
		return err
	})
	if err != nil {
		s.logger.Warn("slack: failed to resolve user name", "user_id", userID, "error", err)
		return userID, err
	}
	name := user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = user.Name
	}
	if name == "" {
		name = userID
	}
	s.userNames.Store(userID, name)
	return name, nil
}

// ChannelName implements domain.HistorySource.
func (s *SlackSurface) ChannelName(ctx context.Context, channel string) (string, error) {
	var info *slack.Channel
	err := s.do(ctx, "conversations.info", channel, func(ctx context.Context) error {
		var err error
		info, err = s.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channel})
		return err
	})
	if err != nil {
		return "", err
	}
	return info.Name, nil
}

// Permalink implements domain.HistorySource.
func (s *SlackSurface) Permalink(ctx context.Context, channel, ts string) (string, error) {
	var link string
	err := s.do(ctx, "chat.getPermalink", channel, func(ctx context.Context) error {
		var err error
		link, err = s.api.GetPermalinkContext(ctx, &slack.PermalinkParameters{Channel: channel, Ts: ts})
		return err
	})
	return link, err
}

// do runs a slack-go call under the one-shot retry policy and maps its
// failure to a domain error.
func (s *SlackSurface) do(ctx context.Context, method, channel string, fn func(context.Context) error) error {
	attempts := 0
	err := s.oneShot.Do(ctx, func(ctx context.Context, attempt int) error {
		attempts = attempt
		err := fn(ctx)
		if err != nil && attempt < s.oneShot.MaxAttempts && isTransientSlackError(err) {
			s.logger.Warn("slack call retrying", "method", method, "channel", channel, "attempt", attempt, "error", err)
			if s.callerOpts.OnRetry != nil {
				s.callerOpts.OnRetry(method, retryReasonOf(err))
			}
		}
		return err
	})
	if err == nil {
		return nil
	}
	return mapSlackError(method, channel, attempts, err)
}

func isTransientSlackError(err error) bool {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	var sc slack.StatusCodeError
	if errors.As(err, &sc) {
		return sc.Code == http.StatusTooManyRequests || sc.Code >= 500
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

func slackRetryAfter(err error) (time.Duration, bool) {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

func retryReasonOf(err error) RetryReason {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return RetryHTTP429
	}
	return RetryTransport
}

func mapSlackError(method, channel string, attempts int, err error) error {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return &domain.RateLimitError{Method: method, Channel: channel, Attempts: attempts, RetryAfter: rl.RetryAfter}
	}
	var se slack.SlackErrorResponse
	if errors.As(err, &se) {
		return &domain.APIError{Method: method, Code: se.Err, Channel: channel}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.TransportError{Method: method, Channel: channel, Attempts: attempts, Err: err}
}

var (
	_ domain.LiveMessenger = (*SlackSurface)(nil)
	_ domain.HistorySource = (*SlackSurface)(nil)
)
