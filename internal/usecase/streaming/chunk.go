package streaming

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// TakeChunk splits off the next chunk of at most maxChars runes from buffer.
// Within budget the whole buffer is taken. Otherwise the cut prefers, inside
// the first maxChars runes, the last paragraph break, then the last newline,
// then the end of the last whitespace rune, and falls back to a hard cut.
// ok is false only for an empty buffer.
func TakeChunk(buffer string, maxChars int) (chunk, rest string, ok bool) {
	if buffer == "" {
		return "", "", false
	}
	if maxChars < 1 {
		maxChars = 1
	}
	if utf8.RuneCountInString(buffer) <= maxChars {
		return buffer, "", true
	}

	limit := byteOffset(buffer, maxChars)
	cut := cutPoint(buffer[:limit])
	if cut <= 0 {
		cut = limit
	}
	return buffer[:cut], buffer[cut:], true
}

// cutPoint returns the preferred boundary in window or 0 when none exists.
func cutPoint(window string) int {
	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return i + 2
	}
	if i := strings.LastIndex(window, "\n"); i > 0 {
		return i + 1
	}
	end := 0
	for i, r := range window {
		if unicode.IsSpace(r) {
			end = i + utf8.RuneLen(r)
		}
	}
	return end
}

// byteOffset returns the byte index just past the first n runes of s.
func byteOffset(s string, n int) int {
	count := 0
	for i := range s {
		if count == n {
			return i
		}
		count++
	}
	return len(s)
}

// PendingBuffer holds text received from the model but not yet dispatched.
// It is unbounded.
type PendingBuffer struct {
	text string
}

// Push appends text.
func (b *PendingBuffer) Push(text string) {
	b.text += text
}

// Empty reports whether nothing is pending.
func (b *PendingBuffer) Empty() bool {
	return b.text == ""
}

// Len returns the number of pending runes.
func (b *PendingBuffer) Len() int {
	return utf8.RuneCountInString(b.text)
}

// Take removes and returns the next chunk of at most maxChars runes.
func (b *PendingBuffer) Take(maxChars int) (string, bool) {
	chunk, rest, ok := TakeChunk(b.text, maxChars)
	if ok {
		b.text = rest
	}
	return chunk, ok
}

// String returns the pending text without consuming it.
func (b *PendingBuffer) String() string {
	return b.text
}
