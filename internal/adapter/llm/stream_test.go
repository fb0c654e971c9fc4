package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tldr-bot/internal/domain"
)

// chunkedBody returns its chunks one Read at a time.
type chunkedBody struct {
	chunks [][]byte
	err    error // returned after the last chunk instead of io.EOF
	closed bool
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if len(b.chunks) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	if n == len(b.chunks[0]) {
		b.chunks = b.chunks[1:]
	} else {
		b.chunks[0] = b.chunks[0][n:]
	}
	return n, nil
}

func (b *chunkedBody) Close() error {
	b.closed = true
	return nil
}

func bodyOf(parts ...string) *chunkedBody {
	b := &chunkedBody{}
	for _, p := range parts {
		b.chunks = append(b.chunks, []byte(p))
	}
	return b
}

func deltaFrame(text string) string {
	return "data: {\"type\":\"response.output_text.delta\",\"delta\":\"" + text + "\"}\n\n"
}

const completedFrame = "data: {\"type\":\"response.completed\"}\n\n"

// drainStream collects events until the stream returns an error.
func drainStream(t *testing.T, s domain.EventStream) ([]domain.StreamEvent, error) {
	t.Helper()
	var got []domain.StreamEvent
	for range 1000 {
		ev, err := s.Next(context.Background())
		if err != nil {
			return got, err
		}
		got = append(got, ev)
	}
	t.Fatal("stream did not terminate")
	return nil, nil
}

func TestResponseStreamCompleted(t *testing.T) {
	body := bodyOf(deltaFrame("Hel"), deltaFrame("lo")+completedFrame, "data: [DONE]\n\n")
	s := NewResponseStream(body, slog.Default())

	got, err := drainStream(t, s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []domain.StreamEvent{
		domain.TextDelta("Hel"), domain.TextDelta("lo"), domain.Completed(),
	}, got)

	require.NoError(t, s.Close())
	assert.True(t, body.closed)
}

func TestResponseStreamUTF8SplitAcrossReads(t *testing.T) {
	frame := []byte(deltaFrame("naïve 🌍") + completedFrame)
	idx := strings.Index(string(frame), "🌍")
	body := &chunkedBody{chunks: [][]byte{frame[:idx+2], frame[idx+2:]}}

	got, err := drainStream(t, NewResponseStream(body, slog.Default()))
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, got, 2)
	assert.Equal(t, "naïve 🌍", got[0].Text)
}

func TestResponseStreamInvalidUTF8(t *testing.T) {
	body := &chunkedBody{chunks: [][]byte{[]byte("data: \xff\xfe\n\n")}}
	_, err := drainStream(t, NewResponseStream(body, slog.Default()))

	var up *domain.UpstreamError
	require.ErrorAs(t, err, &up)
	assert.Equal(t, domain.UpstreamDecode, up.Kind)
}

func TestResponseStreamEndsInsideRune(t *testing.T) {
	body := &chunkedBody{chunks: [][]byte{[]byte(deltaFrame("ok")), {0xF0, 0x9F}}}
	got, err := drainStream(t, NewResponseStream(body, slog.Default()))

	assert.Equal(t, []domain.StreamEvent{domain.TextDelta("ok")}, got)
	var up *domain.UpstreamError
	require.ErrorAs(t, err, &up)
	assert.Equal(t, domain.UpstreamDecode, up.Kind)
}

func TestResponseStreamDoneBeforeCompleted(t *testing.T) {
	t.Run("with text", func(t *testing.T) {
		got, err := drainStream(t, NewResponseStream(bodyOf(deltaFrame("partial"), "data: [DONE]\n\n"), slog.Default()))
		assert.ErrorIs(t, err, io.EOF)
		assert.Equal(t, []domain.StreamEvent{domain.TextDelta("partial"), domain.Completed()}, got)
	})
	t.Run("without text", func(t *testing.T) {
		got, err := drainStream(t, NewResponseStream(bodyOf("data: [DONE]\n\n"), slog.Default()))
		assert.Empty(t, got)
		var up *domain.UpstreamError
		require.ErrorAs(t, err, &up)
		assert.Equal(t, domain.UpstreamTruncated, up.Kind)
	})
}

func TestResponseStreamEOFBeforeCompleted(t *testing.T) {
	t.Run("with text", func(t *testing.T) {
		got, err := drainStream(t, NewResponseStream(bodyOf(deltaFrame("abc")), slog.Default()))
		assert.ErrorIs(t, err, io.EOF)
		assert.Equal(t, []domain.StreamEvent{domain.TextDelta("abc"), domain.Completed()}, got)
	})
	t.Run("empty body", func(t *testing.T) {
		_, err := drainStream(t, NewResponseStream(bodyOf(), slog.Default()))
		assert.ErrorIs(t, err, domain.ErrUpstream)
	})
	t.Run("unterminated final frame", func(t *testing.T) {
		got, err := drainStream(t, NewResponseStream(bodyOf(deltaFrame("x"), "data: {\"type\":\"response.completed\"}"), slog.Default()))
		assert.ErrorIs(t, err, io.EOF)
		assert.Equal(t, []domain.StreamEvent{domain.TextDelta("x"), domain.Completed()}, got)
	})
}

func TestResponseStreamFailedIsTerminal(t *testing.T) {
	body := bodyOf(deltaFrame("a"),
		"data: {\"type\":\"response.failed\",\"response\":{\"error\":{\"message\":\"quota\"}}}\n\n",
		deltaFrame("ignored"))
	got, err := drainStream(t, NewResponseStream(body, slog.Default()))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []domain.StreamEvent{domain.TextDelta("a"), domain.Failed("quota")}, got)
}

func TestResponseStreamSkipsUnknownEvents(t *testing.T) {
	body := bodyOf(
		"data: {\"type\":\"response.created\"}\n\n",
		"data: {\"type\":\"response.brand_new\"}\n\n",
		"data: {\"type\":\"response.brand_new\"}\n\n",
		deltaFrame("x"), completedFrame)
	got, err := drainStream(t, NewResponseStream(body, slog.Default()))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []domain.StreamEvent{domain.TextDelta("x"), domain.Completed()}, got)
}

func TestResponseStreamReadError(t *testing.T) {
	body := bodyOf(deltaFrame("a"))
	body.err = errors.New("connection reset")
	got, err := drainStream(t, NewResponseStream(body, slog.Default()))
	assert.Equal(t, []domain.StreamEvent{domain.TextDelta("a")}, got)
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestResponseStreamHonoursContext(t *testing.T) {
	s := NewResponseStream(bodyOf(deltaFrame("a")), slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSplitUTF8(t *testing.T) {
	globe := []byte("🌍")
	tests := []struct {
		name      string
		in        []byte
		wantValid string
		wantRest  []byte
		wantOK    bool
	}{
		{"ascii", []byte("abc"), "abc", nil, true},
		{"partial tail", append([]byte("ab"), globe[:3]...), "ab", globe[:3], true},
		{"invalid middle", []byte("a\xffb"), "", nil, false},
		{"lone continuation", []byte{0x80}, "", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			valid, rest, ok := splitUTF8(tc.in)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.wantValid, valid)
			assert.Equal(t, tc.wantRest, rest)
		})
	}
}
