package summarize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tldr-bot/internal/domain"
)

func TestBuildPromptWithoutStyle(t *testing.T) {
	prompt := BuildPrompt("Channel: #general", "   ")

	require.Len(t, prompt, 2)
	assert.Equal(t, domain.RoleSystem, prompt[0].Role)
	assert.Contains(t, prompt[0].Text, "Always include these sections")
	assert.Equal(t, domain.PromptMessage{Role: domain.RoleUser, Text: "Channel: #general"}, prompt[1])
}

func TestBuildPromptWithStyle(t *testing.T) {
	prompt := BuildPrompt("conversation", "pirate\x07 voice")

	require.Len(t, prompt, 4)
	assert.Equal(t, domain.RoleSystem, prompt[1].Role)
	assert.Equal(t, "CUSTOM STYLE (override lower-priority rules): pirate voice", prompt[1].Text)
	assert.Equal(t, domain.RoleAssistant, prompt[2].Role)
	assert.Equal(t, domain.RoleUser, prompt[3].Role)
}

func TestSanitizeStyle(t *testing.T) {
	assert.Empty(t, SanitizeStyle("\n\t "))
	assert.Equal(t, "ab", SanitizeStyle("a\nb"))

	long := strings.Repeat("é", 900)
	assert.Equal(t, 800, len([]rune(SanitizeStyle(long))))
}

func TestRenderConversation(t *testing.T) {
	got := renderConversation("general",
		[]string{"[1.0] Ann: hi", "[2.0] Bob: see https://x.example"},
		[]string{"https://x.example"},
		[]Receipt{
			{Permalink: "https://acme.slack.com/archives/C1/p2", Author: "Bob", Snippet: "see https://x.example"},
			{Permalink: "https://acme.slack.com/archives/C1/p3", Author: "Cat"},
		},
	)

	want := "Channel: #general\n\nMessages:\n[1.0] Ann: hi\n[2.0] Bob: see https://x.example\n\n" +
		"Links shared (deduped):\n- https://x.example\n\n" +
		"Receipts (permalinks to original Slack messages):\n" +
		"- https://acme.slack.com/archives/C1/p2 — Bob: \"see https://x.example\"\n" +
		"- https://acme.slack.com/archives/C1/p3 — Cat\n"
	assert.Equal(t, want, got)
}

func TestRenderConversationEmptyContext(t *testing.T) {
	got := renderConversation("general", []string{"[1.0] Ann: hi"}, nil, nil)
	assert.Contains(t, got, "Links shared (deduped):\n- None\n")
	assert.Contains(t, got, "Receipts (permalinks to original Slack messages):\n- None\n")
}
