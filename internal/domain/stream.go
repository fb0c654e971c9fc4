package domain

import "context"

// StreamEventKind identifies a StreamEvent variant.
type StreamEventKind int

const (
	EventTextDelta StreamEventKind = iota + 1
	EventCompleted
	EventFailed
	EventError
)

func (k StreamEventKind) String() string {
	switch k {
	case EventTextDelta:
		return "text_delta"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamEvent is one typed event of an LLM token stream.
// Text is set for EventTextDelta, Reason for EventFailed and EventError.
type StreamEvent struct {
	Kind   StreamEventKind
	Text   string
	Reason string
}

// TextDelta returns a text delta event.
func TextDelta(text string) StreamEvent { return StreamEvent{Kind: EventTextDelta, Text: text} }

// Completed returns the successful terminal event.
func Completed() StreamEvent { return StreamEvent{Kind: EventCompleted} }

// Failed returns a response.failed terminal event.
func Failed(reason string) StreamEvent { return StreamEvent{Kind: EventFailed, Reason: reason} }

// Errored returns an error terminal event.
func Errored(reason string) StreamEvent { return StreamEvent{Kind: EventError, Reason: reason} }

// Terminal reports whether the event ends a well-formed stream.
func (e StreamEvent) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventFailed || e.Kind == EventError
}

// EventStream yields StreamEvents in upstream order. Next returns io.EOF once
// the stream has been fully consumed after its terminal event.
type EventStream interface {
	Next(ctx context.Context) (StreamEvent, error)
	Close() error
}
