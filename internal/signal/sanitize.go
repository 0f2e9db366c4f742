package signal

import (
	"fmt"
	"regexp"
	"strings"
)

// Injected framework blocks must never reach extraction or recall: they
// would re-extract the service's own output.
var strippedTags = []string{
	"cortex_memory", "system", "context", "memory",
	"tool_result", "tool_call", "function_results", "function_result",
}

var (
	blockTagRes []*regexp.Regexp // whole <tag>...</tag> blocks
	openTagRes  []*regexp.Regexp // dangling open tag removes the rest

	roleMarkerPrefixRe = regexp.MustCompile(`(?i)^\s*(user|assistant|system|human|ai)\s*[:：]\s*`)

	// Plain-text metadata prefixes some agent frameworks prepend to messages.
	metadataLineRe = regexp.MustCompile(`(?mi)^\s*(\[\d{4}-\d{2}-\d{2}[^\]]*\]|session[_ ]?id\s*[:：]\s*\S+|message[_ ]?id\s*[:：]\s*\S+|timestamp\s*[:：]\s*\S+)\s*`)
)

func init() {
	for _, tag := range strippedTags {
		blockTagRes = append(blockTagRes, regexp.MustCompile(
			fmt.Sprintf(`(?is)<%s(\s[^>]*)?>.*?</%s>`, tag, tag)))
		openTagRes = append(openTagRes, regexp.MustCompile(
			fmt.Sprintf(`(?is)<%s(\s[^>]*)?>.*$`, tag)))
	}
}

// SanitizeMessage strips injected memory tags, framework blocks, role-marker
// prefixes and plain-text metadata from one message before pattern matching
// or extraction sees it.
func SanitizeMessage(text string) string {
	for _, re := range blockTagRes {
		text = re.ReplaceAllString(text, " ")
	}
	for _, re := range openTagRes {
		text = re.ReplaceAllString(text, " ")
	}
	text = metadataLineRe.ReplaceAllString(text, "")

	// Drop role markers line by line, keeping the content after the marker.
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if m := roleMarkerPrefixRe.FindStringIndex(line); m != nil {
			line = line[m[1]:]
		}
		out = append(out, line)
	}
	text = strings.Join(out, "\n")

	return strings.TrimSpace(collapseSpaces(text))
}

func collapseSpaces(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' {
			if prevSpace {
				continue
			}
			prevSpace = true
			b.WriteByte(' ')
			continue
		}
		prevSpace = false
		b.WriteRune(r)
	}
	return b.String()
}
