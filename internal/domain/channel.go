package domain

import (
	"context"
	"encoding/json"
	"fmt"
)

// Attachments is a pre-rendered set of chat surface blocks (a JSON array).
// An empty, non-nil array clears any existing blocks on overwrite.
type Attachments json.RawMessage

// NoAttachments clears blocks when passed to Overwrite.
var NoAttachments = Attachments("[]")

// BodyBlockType is the block type that renders message text.
const BodyBlockType = "markdown"

type bodyBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// WithBody returns attachments led by a block rendering text. Surfaces show
// blocks instead of the plain text when both are present.
func WithBody(text string, attachments Attachments) (Attachments, error) {
	body, err := json.Marshal(bodyBlock{Type: BodyBlockType, Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal body block: %w", err)
	}
	blocks := []json.RawMessage{body}
	if len(attachments) > 0 {
		var rest []json.RawMessage
		if err := json.Unmarshal(attachments, &rest); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
		blocks = append(blocks, rest...)
	}
	raw, err := json.Marshal(blocks)
	if err != nil {
		return nil, fmt.Errorf("marshal blocks: %w", err)
	}
	return Attachments(raw), nil
}

// HasBody reports whether attachments already lead with a body block.
func HasBody(attachments Attachments) bool {
	var blocks []bodyBlock
	if err := json.Unmarshal(attachments, &blocks); err != nil || len(blocks) == 0 {
		return false
	}
	return blocks[0].Type == BodyBlockType && blocks[0].Text != ""
}

// CloseOptions are the optional arguments of LiveMessenger.CloseLive.
type CloseOptions struct {
	FinalText   string
	Attachments Attachments
}

// LiveMessenger is the chat surface capability set used to deliver a summary.
type LiveMessenger interface {
	// CreateLive opens a live message in a thread and returns its handle.
	CreateLive(ctx context.Context, channel, thread, text string) (string, error)
	// AppendLive appends text; returns an error wrapping ErrNotStreaming when
	// the message no longer accepts appends.
	AppendLive(ctx context.Context, channel, handle, text string) error
	CloseLive(ctx context.Context, channel, handle string, opts CloseOptions) error
	// Overwrite replaces the message with text rendered as a body block,
	// followed by attachments.
	Overwrite(ctx context.Context, channel, handle, text string, attachments Attachments) error
	Delete(ctx context.Context, channel, handle string) error
	PostPlain(ctx context.Context, channel, thread, text string) error
}

// ChatMessage is one message of conversation history.
type ChatMessage struct {
	Timestamp string
	UserID    string
	BotID     string
	Text      string
	Links     []string // URLs found in message blocks or attachments
	HasFiles  bool
}

// HistorySource reads conversation history and the metadata needed to render it.
type HistorySource interface {
	RecentMessages(ctx context.Context, channel string, limit int) ([]ChatMessage, error)
	BotUserID(ctx context.Context) (string, error)
	UserName(ctx context.Context, userID string) (string, error)
	ChannelName(ctx context.Context, channel string) (string, error)
	Permalink(ctx context.Context, channel, ts string) (string, error)
}
