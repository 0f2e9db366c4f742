package types

// Extraction is a single candidate memory produced by an extraction channel
// before it reaches the store. Validation happens at the parse boundary;
// downstream code only ever sees validated extractions.
type Extraction struct {
	Content    string           `json:"content"`
	Category   Category         `json:"category"`
	Importance float64          `json:"importance"`
	Source     ExtractionSource `json:"source"`
	Reasoning  string           `json:"reasoning,omitempty"`
}

// RelationExtraction is a candidate (subject, predicate, object) triple
// produced by an extraction channel.
type RelationExtraction struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
	Expired    bool    `json:"expired,omitempty"`
}

// ChatMessage is one conversation message handed to ingest or flush.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Signal is a tentative memory candidate produced by the regex-based fast
// channel, without any model call.
type Signal struct {
	Category   Category `json:"category"`
	Content    string   `json:"content"`
	Importance float64  `json:"importance"`
	Confidence float64  `json:"confidence"`
	Pattern    string   `json:"pattern"` // name of the rule that fired
}
