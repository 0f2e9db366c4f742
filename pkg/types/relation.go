package types

import "time"

// Relation is a (subject, predicate, object) triple extracted alongside
// memories. The tuple (subject, predicate, object, agent_id) is unique;
// repeated extractions update confidence via an exponential moving average
// and append an evidence row.
type Relation struct {
	ID              int64     `json:"id"`
	Subject         string    `json:"subject"`
	Predicate       string    `json:"predicate"`
	Object          string    `json:"object"`
	Confidence      float64   `json:"confidence"`
	SourceMemoryID  string    `json:"source_memory_id,omitempty"`
	AgentID         string    `json:"agent_id"`
	Source          string    `json:"source,omitempty"`
	ExtractionCount int       `json:"extraction_count"`
	Expired         bool      `json:"expired"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RelationEvidence records one extraction event that contributed to a
// relation's confidence.
type RelationEvidence struct {
	ID         int64     `json:"id"`
	RelationID int64     `json:"relation_id"`
	MemoryID   string    `json:"memory_id,omitempty"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
