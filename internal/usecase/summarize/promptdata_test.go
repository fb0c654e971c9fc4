package summarize

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tldr-bot/internal/domain"
)

func TestPromptBuilderBuild(t *testing.T) {
	history := &fakeHistory{
		names: map[string]string{"U1": "Ann"},
		messages: []domain.ChatMessage{
			{Timestamp: "1.000", UserID: "U1", Text: "kickoff"},
			{Timestamp: "2.000", UserID: "U2", Text: "doc at <https://docs.example/plan|plan>"},
			{Timestamp: "3.000", UserID: "U1", Text: "screenshot", HasFiles: true},
			{Timestamp: "4.000", BotID: "B1", Text: "deploy done", Links: []string{"https://ci.example/run/9"}},
		},
	}
	b := NewPromptBuilder(history, slog.Default())

	data, err := b.Build(context.Background(), "C1", history.messages, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"https://docs.example/plan", "https://ci.example/run/9"}, data.Links)
	require.Len(t, data.Receipts, 3)
	assert.Equal(t, Receipt{Permalink: "https://acme.slack.com/archives/C1/p2.000", Author: "U2", Snippet: "doc at <https://docs.example/plan|plan>"}, data.Receipts[0])
	assert.Equal(t, "Ann", data.Receipts[1].Author)
	assert.Equal(t, unknownAuthor, data.Receipts[2].Author)

	user := data.Prompt[len(data.Prompt)-1]
	assert.Equal(t, domain.RoleUser, user.Role)
	assert.Contains(t, user.Text, "Channel: #general")
	assert.Contains(t, user.Text, "[1.000] Ann: kickoff\n[2.000] U2: doc at")
	assert.Contains(t, user.Text, "[4.000] Unknown User: deploy done")
	assert.Equal(t, 2, history.nameLookups)
}

func TestPromptBuilderReceiptFallback(t *testing.T) {
	var messages []domain.ChatMessage
	for i := range 10 {
		messages = append(messages, domain.ChatMessage{Timestamp: string(rune('a' + i)), UserID: "U1", Text: "plain"})
	}
	history := &fakeHistory{names: map[string]string{"U1": "Ann"}}

	data, err := NewPromptBuilder(history, slog.Default()).Build(context.Background(), "C1", messages, "")
	require.NoError(t, err)

	require.Len(t, data.Receipts, MaxReceipts)
	assert.Equal(t, "https://acme.slack.com/archives/C1/pc", data.Receipts[0].Permalink)
	assert.Equal(t, "https://acme.slack.com/archives/C1/pj", data.Receipts[7].Permalink)
}

func TestPromptBuilderSkipsFailedPermalinks(t *testing.T) {
	history := &fakeHistory{
		permalinkErr: func(ts string) error {
			if ts == "1.0" {
				return errors.New("message_not_found")
			}
			return nil
		},
	}
	messages := []domain.ChatMessage{
		{Timestamp: "1.0", UserID: "U1", Text: "a"},
		{Timestamp: "2.0", UserID: "U1", Text: "b"},
	}

	data, err := NewPromptBuilder(history, slog.Default()).Build(context.Background(), "C1", messages, "")
	require.NoError(t, err)
	require.Len(t, data.Receipts, 1)
	assert.Equal(t, "U1", data.Receipts[0].Author)
}

func TestPromptBuilderChannelLookupFails(t *testing.T) {
	history := &fakeHistory{channelErr: &domain.APIError{Method: "conversations.info", Code: "channel_not_found"}}

	_, err := NewPromptBuilder(history, slog.Default()).Build(context.Background(), "C1", []domain.ChatMessage{{Text: "x"}}, "")
	assert.ErrorIs(t, err, domain.ErrChatAPI)
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "one two 'code'", snippet("one\ntwo `code`"))

	long := ""
	for range 90 {
		long += "x"
	}
	assert.Len(t, snippet(long), 77)
	assert.Equal(t, "short", snippet("  short  "))
}
