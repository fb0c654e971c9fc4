package summarize

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"tldr-bot/internal/domain"
)

// fakeHistory serves canned history. Nil funcs use defaults.
type fakeHistory struct {
	messages []domain.ChatMessage
	botID    string
	names    map[string]string

	historyErr   error
	channelErr   error
	permalinkErr func(ts string) error

	mu           sync.Mutex
	historyLimit int
	nameLookups  int
}

func (f *fakeHistory) RecentMessages(_ context.Context, _ string, limit int) ([]domain.ChatMessage, error) {
	f.mu.Lock()
	f.historyLimit = limit
	f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return append([]domain.ChatMessage(nil), f.messages...), nil
}

func (f *fakeHistory) BotUserID(context.Context) (string, error) {
	if f.botID == "" {
		return "", fmt.Errorf("auth.test: %w", domain.ErrChatAPI)
	}
	return f.botID, nil
}

func (f *fakeHistory) UserName(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	f.nameLookups++
	f.mu.Unlock()
	if name, ok := f.names[userID]; ok {
		return name, nil
	}
	return userID, &domain.APIError{Method: "users.info", Code: "user_not_found"}
}

func (f *fakeHistory) ChannelName(context.Context, string) (string, error) {
	if f.channelErr != nil {
		return "", f.channelErr
	}
	return "general", nil
}

func (f *fakeHistory) Permalink(_ context.Context, channel, ts string) (string, error) {
	if f.permalinkErr != nil {
		if err := f.permalinkErr(ts); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("https://acme.slack.com/archives/%s/p%s", channel, ts), nil
}

type chatCall struct {
	Method string
	Text   string
}

type fakeChat struct {
	mu    sync.Mutex
	calls []chatCall

	postErr   error
	createErr error
}

func (f *fakeChat) record(method, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, chatCall{Method: method, Text: text})
}

func (f *fakeChat) CreateLive(_ context.Context, _, _, text string) (string, error) {
	f.record("create", text)
	if f.createErr != nil {
		return "", f.createErr
	}
	return "live-1", nil
}

func (f *fakeChat) AppendLive(_ context.Context, _, _, text string) error {
	f.record("append", text)
	return nil
}

func (f *fakeChat) CloseLive(_ context.Context, _, _ string, opts domain.CloseOptions) error {
	f.record("close", string(opts.Attachments))
	return nil
}

func (f *fakeChat) Overwrite(_ context.Context, _, _, text string, _ domain.Attachments) error {
	f.record("overwrite", text)
	return nil
}

func (f *fakeChat) Delete(context.Context, string, string) error {
	f.record("delete", "")
	return nil
}

func (f *fakeChat) PostPlain(_ context.Context, _, _, text string) error {
	f.record("post", text)
	return f.postErr
}

func (f *fakeChat) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Method
	}
	return out
}

func (f *fakeChat) texts(method string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c.Text)
		}
	}
	return out
}

// llmFunc adapts a function to domain.SummaryStreamer.
type llmFunc func(ctx context.Context, prompt []domain.PromptMessage) (domain.EventStream, error)

func (f llmFunc) StreamSummary(ctx context.Context, prompt []domain.PromptMessage) (domain.EventStream, error) {
	return f(ctx, prompt)
}

type sliceStream struct {
	events []domain.StreamEvent
	closed bool
}

func (s *sliceStream) Next(context.Context) (domain.StreamEvent, error) {
	if len(s.events) == 0 {
		return domain.StreamEvent{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

// memLedger is an in-memory domain.DeliveryLedger.
type memLedger struct {
	mu      sync.Mutex
	records map[string]*domain.DeliveryRecord
}

func newMemLedger() *memLedger {
	return &memLedger{records: map[string]*domain.DeliveryRecord{}}
}

func (l *memLedger) Claim(_ context.Context, id, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[id]; ok {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyClaimed, id)
	}
	l.records[id] = &domain.DeliveryRecord{CorrelationID: id, Channel: channel, ClaimedAt: time.Now()}
	return nil
}

func (l *memLedger) Finish(_ context.Context, id, outcome string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Outcome = outcome
	r.FinishedAt = time.Now()
	return nil
}

func (l *memLedger) Get(_ context.Context, id string) (*domain.DeliveryRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (l *memLedger) Prune(context.Context, time.Duration) (int64, error) { return 0, nil }
