package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Task limits.
const (
	DefaultMessageCount = 50
	MaxMessageCount     = 1000
)

// SummaryTask is one summarization request.
type SummaryTask struct {
	CorrelationID string `json:"correlation_id"`
	// ChannelID is the conversation to summarize.
	ChannelID string `json:"channel_id"`
	// OriginChannelID is where the summary is delivered; defaults to ChannelID.
	OriginChannelID string `json:"origin_channel_id,omitempty"`
	ThreadTS        string `json:"thread_ts"`
	CustomPrompt    string `json:"custom_prompt,omitempty"`
	MessageCount    int    `json:"message_count,omitempty"`
	// Visible drops the bot's own messages from the history.
	Visible bool `json:"visible,omitempty"`
}

// Destination returns the channel the summary is delivered to.
func (t SummaryTask) Destination() string {
	if t.OriginChannelID != "" {
		return t.OriginChannelID
	}
	return t.ChannelID
}

// Count returns the effective number of messages to fetch.
func (t SummaryTask) Count() int {
	if t.MessageCount <= 0 {
		return DefaultMessageCount
	}
	return min(t.MessageCount, MaxMessageCount)
}

// Validate checks the fields every delivery path requires.
func (t SummaryTask) Validate() error {
	var missing []string
	if strings.TrimSpace(t.CorrelationID) == "" {
		missing = append(missing, "correlation_id")
	}
	if strings.TrimSpace(t.ChannelID) == "" {
		missing = append(missing, "channel_id")
	}
	if strings.TrimSpace(t.ThreadTS) == "" {
		missing = append(missing, "thread_ts")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidTask, strings.Join(missing, ", "))
	}
	if t.MessageCount < 0 {
		return fmt.Errorf("%w: message_count must be positive", ErrInvalidTask)
	}
	return nil
}

// Delivery outcomes recorded in the ledger and metrics.
const (
	OutcomeDelivered  = "delivered"
	OutcomeFailed     = "failed"
	OutcomeNoMessages = "no_messages"
	OutcomeTooLarge   = "too_large"
	OutcomeDuplicate  = "duplicate"
)

// DeliveryRecord is a ledger row.
type DeliveryRecord struct {
	CorrelationID string
	Channel       string
	Outcome       string
	ClaimedAt     time.Time
	FinishedAt    time.Time
}

// DeliveryLedger records which tasks have been delivered.
type DeliveryLedger interface {
	// Claim returns ErrAlreadyClaimed when the correlation ID was seen before.
	Claim(ctx context.Context, correlationID, channel string) error
	Finish(ctx context.Context, correlationID, outcome string) error
	Get(ctx context.Context, correlationID string) (*DeliveryRecord, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}
