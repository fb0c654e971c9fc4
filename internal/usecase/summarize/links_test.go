package summarize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractLinks(t *testing.T) {
	text := "See <https://www.example.com|example> and also https://foo.bar/baz)."
	links := ExtractLinks(text)

	assert.Contains(t, links, "https://www.example.com")
	assert.Contains(t, links, "https://foo.bar/baz")
}

func TestExtractLinksBareMarkup(t *testing.T) {
	assert.Equal(t, []string{"https://a.example/x", "https://a.example/x"}, ExtractLinks("<https://a.example/x>"))
	assert.Empty(t, ExtractLinks("no links here, just ftp://old.example"))
}

func TestNormalizeLinks(t *testing.T) {
	tests := []struct {
		name string
		raw  []string
		want []string
	}{
		{
			name: "dedupe keeps first-seen order",
			raw:  []string{"https://b.example/", "https://a.example", "https://b.example"},
			want: []string{"https://b.example", "https://a.example"},
		},
		{
			name: "drops fragment",
			raw:  []string{"https://docs.example/page#section", "https://docs.example/page"},
			want: []string{"https://docs.example/page"},
		},
		{
			name: "drops slack permalinks and files",
			raw: []string{
				"https://example.com/a",
				"https://acme.slack.com/archives/C123/p1234567890",
				"https://files.slack.com/files-pri/T1-F1/image.png",
				"https://slack-files.com/T1-F1-abc",
			},
			want: []string{"https://example.com/a"},
		},
		{
			name: "trims punctuation and quotes",
			raw:  []string{`"https://q.example/x".`, "<https://q.example/x>"},
			want: []string{"https://q.example/x"},
		},
		{
			name: "rejects non http",
			raw:  []string{"mailto:a@example.com", "ftp://f.example", "https://"},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeLinks(tt.raw))
		})
	}
}
