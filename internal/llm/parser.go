package llm

import (
	"encoding/json"
	"log"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/cortexmem/cortex/pkg/types"
)

// ParseStatus tags the outcome of parsing one raw model response.
type ParseStatus string

const (
	// ParseOK means at least one memory or relation survived validation.
	ParseOK ParseStatus = "ok"

	// ParseEmpty means the model explicitly or implicitly extracted nothing.
	ParseEmpty ParseStatus = "empty"

	// ParseMalformed means no JSON payload could be recovered from the text.
	ParseMalformed ParseStatus = "malformed"
)

// ParsedExtraction is the validated result of one extraction call. Raw
// model output is untrusted; everything outside the closed vocabularies is
// rejected here so downstream code only manipulates validated records.
type ParsedExtraction struct {
	Status    ParseStatus
	Memories  []types.Extraction
	Relations []types.RelationExtraction

	// Skipped counts entries dropped during validation.
	Skipped int
}

// extractionEnvelope mirrors the strict JSON object the extraction prompts
// request: {"memories": [...], "relations": [...], "nothing_extracted": bool}.
type extractionEnvelope struct {
	Memories         []rawMemory   `json:"memories"`
	Relations        []rawRelation `json:"relations"`
	NothingExtracted bool          `json:"nothing_extracted"`
}

type rawMemory struct {
	Content    string  `json:"content"`
	Category   string  `json:"category"`
	Importance float64 `json:"importance"`
	Source     string  `json:"source"`
	Reasoning  string  `json:"reasoning"`
}

type rawRelation struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
	Expired    bool    `json:"expired"`
}

// sensitivePatterns reject relation entities that look like credentials or
// personal identifiers the relation graph must never persist.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bsk-[A-Za-z0-9_-]{16,}\b`),                              // API keys
	regexp.MustCompile(`(?i)\b(api[_-]?key|secret|token|password)\s*[:=]\s*\S{8,}`),  // key=value credentials
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`),                // JWTs
	regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),             // emails
	regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),                                // IPv4 addresses
	regexp.MustCompile(`-----BEGIN [A-Z ]+PRIVATE KEY-----`),                         // PEM blocks
}

// ContainsSensitive reports whether s matches any credential/PII pattern.
func ContainsSensitive(s string) bool {
	for _, re := range sensitivePatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// ParseExtraction parses one raw model response into validated memories and
// relations. It is deliberately tolerant about framing: fenced ```json
// blocks, leading/trailing prose and a bare legacy array are all accepted.
// Individual invalid entries are skipped, never failing the batch.
func ParseExtraction(raw string) ParsedExtraction {
	payload := extractJSONObject(raw, `"memories"`)
	if payload != "" {
		var env extractionEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err == nil {
			return validateEnvelope(env)
		}
	}

	// Legacy fallback: a bare array of memory objects.
	if arr := extractJSONArray(raw); arr != "" {
		var memories []rawMemory
		if err := json.Unmarshal([]byte(arr), &memories); err == nil {
			return validateEnvelope(extractionEnvelope{Memories: memories})
		}
	}

	if strings.TrimSpace(raw) == "" {
		return ParsedExtraction{Status: ParseEmpty}
	}
	return ParsedExtraction{Status: ParseMalformed}
}

func validateEnvelope(env extractionEnvelope) ParsedExtraction {
	out := ParsedExtraction{}

	for _, m := range env.Memories {
		content := strings.TrimSpace(m.Content)
		if utf8.RuneCountInString(content) < 3 {
			out.Skipped++
			continue
		}
		if !types.IsExtractableCategory(types.Category(m.Category)) {
			log.Printf("parser: skipping memory with unknown category %q", m.Category)
			out.Skipped++
			continue
		}
		if m.Importance < 0 || m.Importance > 1 {
			out.Skipped++
			continue
		}
		source := types.ExtractionSource(m.Source)
		if !types.IsValidExtractionSource(source) {
			source = types.SourceUserStated
		}
		out.Memories = append(out.Memories, types.Extraction{
			Content:    content,
			Category:   types.Category(m.Category),
			Importance: m.Importance,
			Source:     source,
			Reasoning:  strings.TrimSpace(m.Reasoning),
		})
	}

	for _, r := range env.Relations {
		subject := strings.TrimSpace(r.Subject)
		object := strings.TrimSpace(r.Object)
		if !validEntity(subject) || !validEntity(object) {
			out.Skipped++
			continue
		}
		if !types.IsValidPredicate(r.Predicate) {
			log.Printf("parser: skipping relation with unknown predicate %q", r.Predicate)
			out.Skipped++
			continue
		}
		if r.Confidence < 0.5 || r.Confidence > 1 {
			out.Skipped++
			continue
		}
		if ContainsSensitive(subject) || ContainsSensitive(object) {
			out.Skipped++
			continue
		}
		out.Relations = append(out.Relations, types.RelationExtraction{
			Subject:    subject,
			Predicate:  r.Predicate,
			Object:     object,
			Confidence: r.Confidence,
			Expired:    r.Expired,
		})
	}

	if len(out.Memories) == 0 && len(out.Relations) == 0 {
		out.Status = ParseEmpty
		return out
	}
	out.Status = ParseOK
	return out
}

func validEntity(s string) bool {
	n := utf8.RuneCountInString(s)
	return n >= 1 && n <= 100
}

// SmartUpdateDecision is the model's verdict on a near-duplicate insertion.
type SmartUpdateDecision struct {
	Action        string `json:"action"` // keep, replace, merge, conflict
	MergedContent string `json:"merged_content,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ParseSmartUpdate parses a smart-update response. Unknown or missing
// actions default to "keep" so a confused model never destroys data.
func ParseSmartUpdate(raw string) SmartUpdateDecision {
	payload := extractJSONObject(raw, `"action"`)
	if payload == "" {
		return SmartUpdateDecision{Action: "keep"}
	}

	var d SmartUpdateDecision
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return SmartUpdateDecision{Action: "keep"}
	}
	switch d.Action {
	case "keep", "replace", "merge", "conflict":
	default:
		d.Action = "keep"
	}
	if d.Action == "merge" && strings.TrimSpace(d.MergedContent) == "" {
		d.Action = "keep"
	}
	return d
}

// ParseQueryVariants parses a query-expansion response: either a JSON array
// of strings or one query per line. Empty and over-long variants are dropped.
func ParseQueryVariants(raw string, max int) []string {
	raw = stripFences(raw)

	var variants []string
	if arr := extractJSONArray(raw); arr != "" {
		var parsed []string
		if err := json.Unmarshal([]byte(arr), &parsed); err == nil {
			variants = parsed
		}
	}
	if variants == nil {
		for _, line := range strings.Split(raw, "\n") {
			line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
			if line != "" {
				variants = append(variants, line)
			}
		}
	}

	out := make([]string, 0, max)
	for _, v := range variants {
		v = strings.TrimSpace(v)
		if v == "" || utf8.RuneCountInString(v) > 200 {
			continue
		}
		out = append(out, v)
		if len(out) == max {
			break
		}
	}
	return out
}

// extractJSONObject finds the first balanced JSON object in text that
// contains the given marker substring. Fenced code blocks are unwrapped
// first. Returns "" when no such object exists.
func extractJSONObject(text, marker string) string {
	text = stripFences(text)

	for start := strings.Index(text, "{"); start != -1; {
		end := matchBrace(text, start)
		if end == -1 {
			return ""
		}
		candidate := text[start : end+1]
		if marker == "" || strings.Contains(candidate, marker) {
			return candidate
		}
		next := strings.Index(text[end+1:], "{")
		if next == -1 {
			return ""
		}
		start = end + 1 + next
	}
	return ""
}

// extractJSONArray finds the first balanced top-level JSON array in text.
func extractJSONArray(text string) string {
	text = stripFences(text)
	start := strings.Index(text, "[")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escape {
			escape = false
			continue
		}
		if ch == '\\' {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// matchBrace returns the index of the brace closing the object opened at
// start, or -1 when the object never closes.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escape {
			escape = false
			continue
		}
		if ch == '\\' {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func stripFences(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}
