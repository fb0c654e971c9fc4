package llm

import (
	"encoding/json"
	"strings"

	"tldr-bot/internal/domain"
)

// Responses API event types.
const (
	eventTextDelta = "response.output_text.delta"
	eventCompleted = "response.completed"
	eventFailed    = "response.failed"
	eventError     = "error"

	doneSentinel        = "[DONE]"
	unknownErrorMessage = "Unknown error"
)

// OutcomeKind identifies a ParseOutcome variant.
type OutcomeKind int

const (
	OutcomeEvent OutcomeKind = iota + 1
	OutcomeUnknown
	OutcomeDone
)

// ParseOutcome is the result of parsing one complete SSE frame.
type ParseOutcome struct {
	Kind  OutcomeKind
	Event domain.StreamEvent // set for OutcomeEvent
	Type  string             // event type, set for OutcomeUnknown
}

// FrameParser reassembles SSE frames from arbitrarily split text chunks.
// It is not safe for concurrent use.
type FrameParser struct {
	buf strings.Builder
}

// NewFrameParser returns an empty parser.
func NewFrameParser() *FrameParser {
	return &FrameParser{}
}

// Feed appends chunk to the buffer and returns the outcomes of every frame
// completed by it, in order. An unterminated tail is kept for the next call.
func (p *FrameParser) Feed(chunk string) []ParseOutcome {
	p.buf.WriteString(chunk)
	rest := p.buf.String()

	var out []ParseOutcome
	for {
		end, next := frameBoundary(rest)
		if end < 0 {
			break
		}
		if o, ok := parseFrame(rest[:end]); ok {
			out = append(out, o)
		}
		rest = rest[next:]
	}

	p.buf.Reset()
	p.buf.WriteString(rest)
	return out
}

// Remaining returns the buffered, not yet terminated input.
func (p *FrameParser) Remaining() string {
	return p.buf.String()
}

// Reset discards any buffered input.
func (p *FrameParser) Reset() {
	p.buf.Reset()
}

// frameBoundary returns the end of the first frame in s and the offset at
// which the next frame starts, or -1 when no delimiter is present.
func frameBoundary(s string) (end, next int) {
	lf := strings.Index(s, "\n\n")
	crlf := strings.Index(s, "\r\n\r\n")
	switch {
	case lf < 0 && crlf < 0:
		return -1, -1
	case crlf < 0 || (lf >= 0 && lf < crlf):
		return lf, lf + 2
	default:
		return crlf, crlf + 4
	}
}

func parseFrame(frame string) (ParseOutcome, bool) {
	var data []string
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		// event: and id: lines are ignored; the type is read from the payload.
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		if payload = strings.TrimSpace(payload); payload != "" {
			data = append(data, payload)
		}
	}
	if len(data) == 0 {
		return ParseOutcome{}, false
	}

	payload := strings.Join(data, "\n")
	if payload == doneSentinel {
		return ParseOutcome{Kind: OutcomeDone}, true
	}
	return parsePayload(payload)
}

type ssePayload struct {
	Type     string          `json:"type"`
	Delta    json.RawMessage `json:"delta"`
	Error    json.RawMessage `json:"error"`
	Response json.RawMessage `json:"response"`
}

func parsePayload(payload string) (ParseOutcome, bool) {
	var p ssePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return ParseOutcome{}, false
	}

	switch p.Type {
	case "":
		return ParseOutcome{}, false
	case eventTextDelta:
		var delta string
		if len(p.Delta) > 0 {
			_ = json.Unmarshal(p.Delta, &delta)
		}
		return ParseOutcome{Kind: OutcomeEvent, Event: domain.TextDelta(delta)}, true
	case eventCompleted:
		return ParseOutcome{Kind: OutcomeEvent, Event: domain.Completed()}, true
	case eventFailed:
		return ParseOutcome{Kind: OutcomeEvent, Event: domain.Failed(errorMessage(p))}, true
	case eventError:
		return ParseOutcome{Kind: OutcomeEvent, Event: domain.Errored(errorMessage(p))}, true
	default:
		return ParseOutcome{Kind: OutcomeUnknown, Type: p.Type}, true
	}
}

// errorMessage probes error.message, then error as a string, then
// response.error.message.
func errorMessage(p ssePayload) string {
	if len(p.Error) > 0 && string(p.Error) != "null" {
		var obj struct {
			Message *string `json:"message"`
		}
		if err := json.Unmarshal(p.Error, &obj); err == nil && obj.Message != nil {
			return *obj.Message
		}
		var s string
		if err := json.Unmarshal(p.Error, &s); err == nil {
			return s
		}
	}
	if len(p.Response) > 0 {
		var resp struct {
			Error *struct {
				Message *string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(p.Response, &resp); err == nil && resp.Error != nil && resp.Error.Message != nil {
			return *resp.Error.Message
		}
	}
	return unknownErrorMessage
}
