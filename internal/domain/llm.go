package domain

import "context"

// PromptRole is the author role of a prompt message.
type PromptRole string

const (
	RoleSystem    PromptRole = "system"
	RoleUser      PromptRole = "user"
	RoleAssistant PromptRole = "assistant"
)

// PromptMessage is one turn of a summarization prompt.
type PromptMessage struct {
	Role PromptRole
	Text string
}

// SummaryStreamer opens a streaming summary for a prompt.
// It returns ErrPromptTooLarge when the prompt leaves too little room for output.
type SummaryStreamer interface {
	StreamSummary(ctx context.Context, prompt []PromptMessage) (EventStream, error)
}
