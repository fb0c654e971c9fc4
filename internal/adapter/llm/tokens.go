package llm

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates the number of tokens in a text.
type TokenCounter interface {
	Count(text string) int
}

// EstimateTokens is the encoding-free fallback: one token per four runes.
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text)/4 + 1
}

// TiktokenCounter counts tokens with a tiktoken encoding. The encoding is
// loaded on first use; if it cannot be loaded the rune estimate is used.
type TiktokenCounter struct {
	encoding string
	logger   *slog.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTiktokenCounter returns a counter for the named encoding ("o200k_base").
// An empty name always uses the rune estimate.
func NewTiktokenCounter(encoding string, logger *slog.Logger) *TiktokenCounter {
	return &TiktokenCounter{encoding: encoding, logger: logger}
}

// Count implements TokenCounter.
func (c *TiktokenCounter) Count(text string) int {
	c.once.Do(c.load)
	if c.enc == nil {
		return EstimateTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

func (c *TiktokenCounter) load() {
	if c.encoding == "" {
		return
	}
	enc, err := tiktoken.GetEncoding(c.encoding)
	if err != nil {
		c.logger.Warn("tiktoken encoding unavailable, using rune estimate",
			"encoding", c.encoding, "error", err)
		return
	}
	c.enc = enc
}

// FuncCounter adapts a function to TokenCounter.
type FuncCounter func(string) int

// Count implements TokenCounter.
func (f FuncCounter) Count(text string) int { return f(text) }
