package summarize

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"tldr-bot/internal/domain"
)

// User-facing texts.
const (
	NoMessagesText = "No messages found to summarize."
	TooLargeText   = "The conversation is too long to summarize in full. Please type `summarize last N` in the assistant thread to summarize the most recent N messages instead."
)

const (
	maxStyleLabelRunes = 60
	styleLabelKeep     = 57
)

// StreamPrefix returns the header shown above the summary: an optional
// style line and the source channel, each followed by a blank line.
func StreamPrefix(task domain.SummaryTask) string {
	var sb strings.Builder
	if style := strings.TrimSpace(task.CustomPrompt); style != "" {
		if utf8.RuneCountInString(style) > maxStyleLabelRunes {
			style = string([]rune(style)[:styleLabelKeep]) + "..."
		}
		fmt.Fprintf(&sb, "_Style: %s_\n\n", style)
	}
	fmt.Fprintf(&sb, "*Summary from <#%s>*\n\n", task.ChannelID)
	return sb.String()
}

// ApplySafetyNetSections appends the Links shared, Image highlights and
// Receipts sections the model left out. A section counts as present when
// its title appears anywhere in text, ignoring case.
func ApplySafetyNetSections(text string, data *PromptData) string {
	var sb strings.Builder
	sb.WriteString(text)

	if !containsFold(sb.String(), "links shared") {
		sb.WriteString("\n\n*Links shared*\n")
		writeList(&sb, data.Links, MaxLinks)
	}
	if !containsFold(sb.String(), "image highlights") {
		sb.WriteString("\n\n*Image highlights*\n- None\n")
	}
	if !containsFold(sb.String(), "receipts") {
		sb.WriteString("\n\n*Receipts*\n")
		permalinks := make([]string, len(data.Receipts))
		for i, r := range data.Receipts {
			permalinks[i] = r.Permalink
		}
		writeList(&sb, permalinks, MaxReceipts)
	}
	return sb.String()
}

func writeList(sb *strings.Builder, items []string, limit int) {
	if len(items) == 0 {
		sb.WriteString("- None\n")
		return
	}
	for _, item := range items[:min(len(items), limit)] {
		fmt.Fprintf(sb, "- %s\n", item)
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}
