package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"unicode/utf8"

	"tldr-bot/internal/domain"
)

const readBufferSize = 4096

// lifecycleEvents are Responses API events that carry nothing we need.
var lifecycleEvents = map[string]bool{
	"response.created":            true,
	"response.in_progress":        true,
	"response.output_item.added":  true,
	"response.content_part.added": true,
	"response.output_text.done":   true,
	"response.content_part.done":  true,
	"response.output_item.done":   true,
}

// ResponseStream turns an SSE response body into StreamEvents.
//
// A [DONE] sentinel or end of body before response.completed is reported as
// Completed when any text was produced and as a truncated upstream failure
// otherwise. After the terminal event Next returns io.EOF.
type ResponseStream struct {
	body   io.ReadCloser
	parser *FrameParser
	logger *slog.Logger

	buf     []byte
	carry   []byte // incomplete UTF-8 sequence from the previous read
	pending []ParseOutcome
	unknown map[string]bool

	sawText  bool
	finished bool
}

// NewResponseStream wraps body; the stream owns and closes it.
func NewResponseStream(body io.ReadCloser, logger *slog.Logger) *ResponseStream {
	return &ResponseStream{
		body:    body,
		parser:  NewFrameParser(),
		logger:  logger,
		buf:     make([]byte, readBufferSize),
		unknown: make(map[string]bool),
	}
}

// Next implements domain.EventStream.
func (s *ResponseStream) Next(ctx context.Context) (domain.StreamEvent, error) {
	for {
		ev, ok, err := s.drain()
		if err != nil || ok {
			return ev, err
		}
		if s.finished {
			return domain.StreamEvent{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return domain.StreamEvent{}, err
		}

		n, rerr := s.body.Read(s.buf)
		if n > 0 {
			if err := s.feed(s.buf[:n]); err != nil {
				return domain.StreamEvent{}, err
			}
		}
		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF):
			return s.endOfBody()
		default:
			s.finished = true
			return domain.StreamEvent{}, &domain.UpstreamError{Kind: domain.UpstreamDecode, Reason: "read stream: " + rerr.Error()}
		}
	}
}

// Close releases the response body.
func (s *ResponseStream) Close() error {
	return s.body.Close()
}

func (s *ResponseStream) feed(b []byte) error {
	data := append(s.carry, b...)
	valid, rest, ok := splitUTF8(data)
	if !ok {
		s.finished = true
		return &domain.UpstreamError{Kind: domain.UpstreamDecode, Reason: "stream is not valid UTF-8"}
	}
	s.carry = append(s.carry[:0:0], rest...)
	s.pending = append(s.pending, s.parser.Feed(valid)...)
	return nil
}

// drain returns the next event from already parsed frames.
func (s *ResponseStream) drain() (domain.StreamEvent, bool, error) {
	for !s.finished && len(s.pending) > 0 {
		o := s.pending[0]
		s.pending = s.pending[1:]

		switch o.Kind {
		case OutcomeEvent:
			switch o.Event.Kind {
			case domain.EventTextDelta:
				if o.Event.Text != "" {
					s.sawText = true
				}
			default:
				s.finished = true
			}
			return o.Event, true, nil
		case OutcomeUnknown:
			s.noteUnknown(o.Type)
		case OutcomeDone:
			return s.terminate("stream ended with [DONE] before response.completed")
		}
	}
	return domain.StreamEvent{}, false, nil
}

func (s *ResponseStream) endOfBody() (domain.StreamEvent, error) {
	if len(s.carry) > 0 {
		s.finished = true
		return domain.StreamEvent{}, &domain.UpstreamError{Kind: domain.UpstreamDecode, Reason: "stream ended inside a UTF-8 sequence"}
	}
	// A final frame without its trailing blank line still counts.
	s.pending = append(s.pending, s.parser.Feed("\n\n")...)
	if ev, ok, err := s.drain(); err != nil || ok {
		return ev, err
	}
	if s.finished {
		return domain.StreamEvent{}, io.EOF
	}
	ev, _, err := s.terminate("stream ended before response.completed")
	return ev, err
}

func (s *ResponseStream) terminate(reason string) (domain.StreamEvent, bool, error) {
	s.finished = true
	if s.sawText {
		s.logger.Warn("treating incomplete stream as completed", "reason", reason)
		return domain.Completed(), true, nil
	}
	return domain.StreamEvent{}, false, &domain.UpstreamError{Kind: domain.UpstreamTruncated, Reason: reason}
}

func (s *ResponseStream) noteUnknown(kind string) {
	if lifecycleEvents[kind] {
		s.logger.Debug("ignoring stream lifecycle event", "type", kind)
		return
	}
	if !s.unknown[kind] {
		s.unknown[kind] = true
		s.logger.Warn("ignoring unexpected stream event type", "type", kind)
	}
}

// splitUTF8 splits b into its longest valid UTF-8 prefix and a trailing
// incomplete sequence. ok is false when b contains an invalid sequence.
func splitUTF8(b []byte) (valid string, rest []byte, ok bool) {
	if utf8.Valid(b) {
		return string(b), nil, true
	}
	i := 0
	for i < len(b) {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size <= 1 {
			if !utf8.FullRune(b[i:]) {
				return string(b[:i]), b[i:], true
			}
			return "", nil, false
		}
		i += size
	}
	return string(b), nil, true
}

var _ domain.EventStream = (*ResponseStream)(nil)
