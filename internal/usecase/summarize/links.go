package summarize

import (
	"net/url"
	"regexp"
	"strings"
)

// MaxLinks caps the links listed in the prompt and the safety-net section.
const MaxLinks = 20

var (
	slackLinkRe = regexp.MustCompile(`<(https?://[^>|\s]+)(?:\|[^>]+)?>`)
	rawURLRe    = regexp.MustCompile(`https?://[^\s<>()\[\]{}"'|]+`)
)

// ExtractLinks returns the URLs in message text, covering both plain URLs
// and <url|label> markup. The result is not deduplicated.
func ExtractLinks(text string) []string {
	var out []string
	for _, m := range slackLinkRe.FindAllStringSubmatch(text, -1) {
		out = append(out, trimTrailingPunct(m[1]))
	}
	for _, m := range rawURLRe.FindAllString(text, -1) {
		out = append(out, trimTrailingPunct(m))
	}
	return out
}

// NormalizeLinks drops fragments, trailing slashes, Slack message permalinks
// and Slack file URLs, then dedupes in first-seen order.
func NormalizeLinks(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	var out []string
	for _, r := range raw {
		norm, ok := normalizeLink(trimTrailingPunct(strings.TrimSpace(r)))
		if !ok || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, norm)
	}
	return out
}

func normalizeLink(raw string) (string, bool) {
	raw = strings.Trim(raw, `<>"'`)
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""

	host := strings.ToLower(u.Hostname())
	slack := strings.HasSuffix(host, "slack.com")
	switch {
	case slack && strings.Contains(u.Path, "/archives/"):
		return "", false
	case host == "slack-files.com", host == "files.slack.com", slack && strings.Contains(u.Path, "/files-pri/"):
		return "", false
	}
	return strings.TrimRight(u.String(), "/"), true
}

func trimTrailingPunct(s string) string {
	return strings.TrimRight(s, ".,;:!?)]}")
}
