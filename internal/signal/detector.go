package signal

import (
	"strings"
	"unicode/utf8"

	"github.com/cortexmem/cortex/pkg/types"
)

// Detector runs the pattern table over a sanitized exchange. It is a pure
// function of its inputs: no model calls, no store access.
type Detector struct {
	rules []Rule
}

// NewDetector builds a detector over the built-in table plus any extra rules.
func NewDetector(extra ...Rule) *Detector {
	rules := make([]Rule, 0, len(builtinRules)+len(extra))
	rules = append(rules, builtinRules...)
	rules = append(rules, extra...)
	return &Detector{rules: rules}
}

// Detect sanitizes both sides and returns at most one signal per rule: the
// first matching pattern wins. User-category rules see only user text,
// agent_* rules only assistant text.
func (d *Detector) Detect(userMessage, assistantMessage string) []types.Signal {
	user := SanitizeMessage(userMessage)
	assistant := SanitizeMessage(assistantMessage)

	var signals []types.Signal
	for _, rule := range d.rules {
		text := user
		if rule.AssistantSide {
			text = assistant
		}
		if text == "" {
			continue
		}
		for _, re := range rule.Patterns {
			loc := re.FindStringIndex(text)
			if loc == nil {
				continue
			}
			signals = append(signals, types.Signal{
				Category:   rule.Category,
				Content:    extractSentence(text, loc[0], loc[1]),
				Importance: rule.Importance,
				Confidence: signalConfidence,
				Pattern:    rule.Name,
			})
			break
		}
	}
	return signals
}

const (
	maxSentenceRunes = 300
	windowBefore     = 50
	windowAfter      = 200
)

// sentence boundaries, CJK and Latin.
var boundaries = map[rune]bool{'。': true, '！': true, '？': true, '\n': true, '.': true, '!': true, '?': true}

// extractSentence returns the sentence surrounding the match at [start,end),
// bounded by sentence punctuation and capped at 300 runes. When the sentence
// would exceed the cap it falls back to a window of −50/+200 runes around
// the match.
func extractSentence(text string, start, end int) string {
	runes := []rune(text)
	rStart := utf8.RuneCountInString(text[:start])
	rEnd := utf8.RuneCountInString(text[:end])

	from := rStart
	for from > 0 && !boundaries[runes[from-1]] {
		from--
	}
	to := rEnd
	for to < len(runes) && !boundaries[runes[to]] {
		to++
	}
	if to < len(runes) && runes[to] != '\n' {
		to++ // keep the terminating punctuation
	}

	if to-from > maxSentenceRunes {
		from = rStart - windowBefore
		if from < 0 {
			from = 0
		}
		to = rEnd + windowAfter
		if to > len(runes) {
			to = len(runes)
		}
	}

	return strings.TrimSpace(string(runes[from:to]))
}
