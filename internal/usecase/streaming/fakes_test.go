package streaming

import (
	"context"
	"io"
	"time"

	"tldr-bot/internal/domain"
	"tldr-bot/internal/infra/config"
)

type chatCall struct {
	Method      string
	Handle      string
	Text        string
	Attachments domain.Attachments
}

// fakeChat records every call. Nil funcs succeed.
type fakeChat struct {
	calls []chatCall

	createFn    func(text string) (string, error)
	appendFn    func(text string) error
	closeFn     func(opts domain.CloseOptions) error
	overwriteFn func(text string) error
	deleteFn    func() error
	postFn      func(text string) error
}

func (f *fakeChat) CreateLive(_ context.Context, _, _, text string) (string, error) {
	f.calls = append(f.calls, chatCall{Method: "create", Text: text})
	if f.createFn != nil {
		return f.createFn(text)
	}
	return "live-1", nil
}

func (f *fakeChat) AppendLive(_ context.Context, _, handle, text string) error {
	f.calls = append(f.calls, chatCall{Method: "append", Handle: handle, Text: text})
	if f.appendFn != nil {
		return f.appendFn(text)
	}
	return nil
}

func (f *fakeChat) CloseLive(_ context.Context, _, handle string, opts domain.CloseOptions) error {
	f.calls = append(f.calls, chatCall{Method: "close", Handle: handle, Text: opts.FinalText, Attachments: opts.Attachments})
	if f.closeFn != nil {
		return f.closeFn(opts)
	}
	return nil
}

func (f *fakeChat) Overwrite(_ context.Context, _, handle, text string, attachments domain.Attachments) error {
	f.calls = append(f.calls, chatCall{Method: "overwrite", Handle: handle, Text: text, Attachments: attachments})
	if f.overwriteFn != nil {
		return f.overwriteFn(text)
	}
	return nil
}

func (f *fakeChat) Delete(_ context.Context, _, handle string) error {
	f.calls = append(f.calls, chatCall{Method: "delete", Handle: handle})
	if f.deleteFn != nil {
		return f.deleteFn()
	}
	return nil
}

func (f *fakeChat) PostPlain(_ context.Context, _, _, text string) error {
	f.calls = append(f.calls, chatCall{Method: "post", Text: text})
	if f.postFn != nil {
		return f.postFn(text)
	}
	return nil
}

func (f *fakeChat) methods() []string {
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Method
	}
	return out
}

func (f *fakeChat) textsOf(method string) []string {
	var out []string
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c.Text)
		}
	}
	return out
}

// fakeStream replays events, optionally advancing a clock before each one,
// then returns err or io.EOF.
type fakeStream struct {
	events []domain.StreamEvent
	err    error
	clock  *fakeClock
	step   time.Duration
	closed bool
}

func streamOf(events ...domain.StreamEvent) *fakeStream {
	return &fakeStream{events: events}
}

func (s *fakeStream) Next(context.Context) (domain.StreamEvent, error) {
	if len(s.events) == 0 {
		if s.err != nil {
			return domain.StreamEvent{}, s.err
		}
		return domain.StreamEvent{}, io.EOF
	}
	if s.clock != nil {
		s.clock.Advance(s.step)
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

func deltas(texts ...string) []domain.StreamEvent {
	out := make([]domain.StreamEvent, len(texts))
	for i, t := range texts {
		out[i] = domain.TextDelta(t)
	}
	return out
}

func testStreamingConfig() config.StreamingConfig {
	return config.StreamingConfig{
		MaxChunkChars:  100,
		TextLimit:      12_000,
		CleanupTimeout: time.Second,
	}
}
