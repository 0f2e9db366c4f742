package engine

import "math"

// EstimateTokens approximates the token count of mixed-script text: roughly
// one token per 4 ASCII characters and one per 1.5 CJK characters. The
// estimate only needs to be stable and conservative enough for the injection
// budget; it is not a real tokenizer.
func EstimateTokens(text string) int {
	var ascii, cjk int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			ascii++
		}
	}
	tokens := float64(ascii)/4.0 + float64(cjk)/1.5
	return int(math.Ceil(tokens))
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK unified ideographs
		return true
	case r >= 0x3400 && r <= 0x4DBF: // extension A
		return true
	case r >= 0x3040 && r <= 0x30FF: // hiragana, katakana
		return true
	case r >= 0xAC00 && r <= 0xD7AF: // hangul
		return true
	case r >= 0xFF00 && r <= 0xFFEF: // full-width forms
		return true
	case r >= 0x3000 && r <= 0x303F: // CJK punctuation
		return true
	}
	return false
}
