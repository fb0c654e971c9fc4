package streaming

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTakeChunkParagraphs(t *testing.T) {
	buf := "para1\n\npara2\n\npara3"

	var got []string
	for {
		chunk, rest, ok := TakeChunk(buf, 8)
		if !ok {
			break
		}
		got = append(got, chunk)
		buf = rest
	}
	assert.Equal(t, []string{"para1\n\n", "para2\n\n", "para3"}, got)
}

func TestTakeChunk(t *testing.T) {
	tests := []struct {
		name      string
		buffer    string
		max       int
		wantChunk string
		wantRest  string
		wantOK    bool
	}{
		{name: "empty", buffer: "", max: 10, wantOK: false},
		{name: "within budget", buffer: "hello", max: 10, wantChunk: "hello", wantOK: true},
		{name: "exactly budget", buffer: "hello", max: 5, wantChunk: "hello", wantOK: true},
		{name: "newline", buffer: "one\ntwo three", max: 9, wantChunk: "one\n", wantRest: "two three", wantOK: true},
		{name: "paragraph beats newline", buffer: "a\n\nb\nc long tail", max: 8, wantChunk: "a\n\n", wantRest: "b\nc long tail", wantOK: true},
		{name: "whitespace", buffer: "alpha beta gamma", max: 12, wantChunk: "alpha beta ", wantRest: "gamma", wantOK: true},
		{name: "leading newline ignored", buffer: "\nabcdefgh", max: 4, wantChunk: "\n", wantRest: "abcdefgh", wantOK: true},
		{name: "hard cut", buffer: "abcdefghij", max: 4, wantChunk: "abcd", wantRest: "efghij", wantOK: true},
		{name: "hard cut multibyte", buffer: "ééééé", max: 2, wantChunk: "éé", wantRest: "ééé", wantOK: true},
		{name: "unicode space", buffer: "ab　cdef", max: 4, wantChunk: "ab　", wantRest: "cdef", wantOK: true},
		{name: "zero budget treated as one", buffer: "xyz", max: 0, wantChunk: "x", wantRest: "yz", wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk, rest, ok := TakeChunk(tt.buffer, tt.max)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantChunk, chunk)
			assert.Equal(t, tt.wantRest, rest)
		})
	}
}

func TestTakeChunkProperties(t *testing.T) {
	inputs := []string{
		strings.Repeat("word ", 200),
		strings.Repeat("line of text\n", 50),
		strings.Repeat("paragraph text here.\n\n", 30),
		strings.Repeat("日本語のテキスト", 40),
		"short",
		strings.Repeat("x", 333) + " " + strings.Repeat("y", 20) + "\n\n" + "tail",
	}

	for _, input := range inputs {
		for _, max := range []int{1, 2, 7, 16, 64, 500} {
			var rebuilt strings.Builder
			buf := input
			for {
				chunk, rest, ok := TakeChunk(buf, max)
				if !ok {
					break
				}
				require.NotEmpty(t, chunk)
				require.LessOrEqual(t, utf8.RuneCountInString(chunk), max)
				require.True(t, utf8.ValidString(chunk))
				rebuilt.WriteString(chunk)
				buf = rest
			}
			assert.Equal(t, input, rebuilt.String(), "max=%d", max)
		}
	}
}

func TestPendingBuffer(t *testing.T) {
	var b PendingBuffer
	assert.True(t, b.Empty())

	_, ok := b.Take(10)
	assert.False(t, ok)

	b.Push("hello ")
	b.Push("wörld")
	assert.Equal(t, 11, b.Len())

	chunk, ok := b.Take(8)
	require.True(t, ok)
	assert.Equal(t, "hello ", chunk)
	assert.Equal(t, "wörld", b.String())

	chunk, _ = b.Take(8)
	assert.Equal(t, "wörld", chunk)
	assert.True(t, b.Empty())
}
