package sqlite

import (
	"strings"
	"unicode/utf8"
)

// ftsBooleanWords are FTS5 operator keywords that must not survive as
// standalone tokens, or SQLite will parse them as boolean operators.
var ftsBooleanWords = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "NEAR": true,
}

// SanitizeQuery converts free-form user input into a string that is safe to
// hand to the FTS5 MATCH operator with the trigram tokenizer.
//
// It is a deterministic single-pass character classifier: operator characters
// and CJK/full-width punctuation become spaces, boolean operator words are
// dropped when they appear as standalone tokens, leading hyphens are
// stripped, whitespace is collapsed and the result is truncated to 500
// characters. Anything shorter than 2 characters sanitizes to "".
func SanitizeQuery(query string) string {
	var b strings.Builder
	b.Grow(len(query))

	for _, r := range query {
		if isFTSOperator(r) || isCJKPunct(r) {
			b.WriteByte(' ')
			continue
		}
		b.WriteRune(r)
	}

	tokens := strings.Fields(b.String())
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if ftsBooleanWords[strings.ToUpper(tok)] {
			continue
		}
		tok = strings.TrimLeft(tok, "-")
		if tok == "" {
			continue
		}
		out = append(out, tok)
	}

	cleaned := strings.Join(out, " ")
	if utf8.RuneCountInString(cleaned) < 2 {
		return ""
	}
	return truncateRunes(cleaned, 500)
}

// isFTSOperator reports whether r has meaning in FTS5 query syntax or is
// punctuation the trigram tokenizer would choke on.
func isFTSOperator(r rune) bool {
	switch r {
	case '"', '\'', '(', ')', '*', '^', '?', ':', ';',
		'{', '}', '[', ']', '+', '~', '<', '>', '=', '!',
		'@', '#', '$', '%', '&', '|', '/', '\\', ',', '.', '`':
		return true
	}
	return false
}

// isCJKPunct reports whether r is CJK or full-width punctuation.
func isCJKPunct(r rune) bool {
	switch {
	case r >= 0x3000 && r <= 0x303F: // CJK symbols and punctuation (、。〈〉…)
		return true
	case r >= 0xFF00 && r <= 0xFF0F: // full-width ！＂＃…／
		return true
	case r >= 0xFF1A && r <= 0xFF20: // full-width ：；＜＝＞？＠
		return true
	case r >= 0xFF3B && r <= 0xFF40: // full-width ［＼］＾＿｀
		return true
	case r >= 0xFF5B && r <= 0xFF65: // full-width ｛｜｝～ and halfwidth forms
		return true
	}
	return false
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
