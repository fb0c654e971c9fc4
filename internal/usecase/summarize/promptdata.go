package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"tldr-bot/internal/domain"
)

// Receipt limits.
const (
	MaxReceipts       = 8
	maxSnippetRunes   = 80
	snippetKeepRunes  = 77
	lookupConcurrency = 8
	unknownAuthor     = "Unknown User"
)

// Receipt is a permalink to a message the summary can cite.
type Receipt struct {
	Permalink string
	Author    string
	Snippet   string
}

// PromptData is the model input plus the context the safety net renders
// without the model.
type PromptData struct {
	Prompt   []domain.PromptMessage
	Links    []string
	Receipts []Receipt
}

// PromptBuilder renders conversation history into a prompt.
type PromptBuilder struct {
	history domain.HistorySource
	logger  *slog.Logger
}

// NewPromptBuilder creates a PromptBuilder.
func NewPromptBuilder(history domain.HistorySource, logger *slog.Logger) *PromptBuilder {
	return &PromptBuilder{history: history, logger: logger}
}

// Build resolves author names and permalinks for messages (oldest first)
// from channel and assembles the prompt. Lookup failures degrade to IDs or
// skipped receipts; only a failed channel lookup is returned.
func (b *PromptBuilder) Build(ctx context.Context, channel string, messages []domain.ChatMessage, style string) (*PromptData, error) {
	channelName, err := b.history.ChannelName(ctx, channel)
	if err != nil {
		return nil, domain.WrapOp("PromptBuilder.Build", err)
	}

	names := b.resolveNames(ctx, messages)
	author := func(m domain.ChatMessage) string {
		if m.UserID == "" {
			return unknownAuthor
		}
		if name, ok := names[m.UserID]; ok {
			return name
		}
		return m.UserID
	}

	lines := make([]string, len(messages))
	var raw []string
	for i, m := range messages {
		lines[i] = fmt.Sprintf("[%s] %s: %s", m.Timestamp, author(m), m.Text)
		raw = append(raw, messageLinks(m)...)
	}
	links := NormalizeLinks(raw)
	receipts := b.resolveReceipts(ctx, channel, receiptCandidates(messages), author)

	return &PromptData{
		Prompt:   BuildPrompt(renderConversation(channelName, lines, links, receipts), style),
		Links:    links,
		Receipts: receipts,
	}, nil
}

func (b *PromptBuilder) resolveNames(ctx context.Context, messages []domain.ChatMessage) map[string]string {
	var ids []string
	seen := map[string]bool{}
	for _, m := range messages {
		if m.UserID != "" && !seen[m.UserID] {
			seen[m.UserID] = true
			ids = append(ids, m.UserID)
		}
	}

	var mu sync.Mutex
	names := make(map[string]string, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lookupConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			name, err := b.history.UserName(gctx, id)
			if err != nil || name == "" {
				b.logger.Warn("user lookup failed, using id", "user", id, "error", err)
				name = id
			}
			mu.Lock()
			names[id] = name
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return names
}

// receiptCandidates prefers messages that carry links or files and falls
// back to the newest messages.
func receiptCandidates(messages []domain.ChatMessage) []domain.ChatMessage {
	var out []domain.ChatMessage
	for _, m := range messages {
		if m.HasFiles || len(messageLinks(m)) > 0 {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		out = messages[max(0, len(messages)-MaxReceipts):]
	}
	return out[:min(len(out), MaxReceipts)]
}

func (b *PromptBuilder) resolveReceipts(ctx context.Context, channel string, candidates []domain.ChatMessage, author func(domain.ChatMessage) string) []Receipt {
	permalinks := make([]string, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lookupConcurrency)
	for i, m := range candidates {
		g.Go(func() error {
			link, err := b.history.Permalink(gctx, channel, m.Timestamp)
			if err != nil {
				b.logger.Warn("permalink lookup failed", "channel", channel, "ts", m.Timestamp, "error", err)
				return nil
			}
			permalinks[i] = link
			return nil
		})
	}
	_ = g.Wait()

	var receipts []Receipt
	for i, m := range candidates {
		if permalinks[i] == "" {
			continue
		}
		receipts = append(receipts, Receipt{Permalink: permalinks[i], Author: author(m), Snippet: snippet(m.Text)})
	}
	return receipts
}

func messageLinks(m domain.ChatMessage) []string {
	return append(ExtractLinks(m.Text), m.Links...)
}

func snippet(text string) string {
	s := strings.ReplaceAll(text, "\n", " ")
	if utf8.RuneCountInString(s) > maxSnippetRunes {
		s = string([]rune(s)[:snippetKeepRunes])
	}
	return strings.TrimSpace(strings.ReplaceAll(s, "`", "'"))
}
