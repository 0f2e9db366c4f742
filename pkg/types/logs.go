package types

import "time"

// AccessLog records one recalled memory per query, with its rank in the
// result set. Rows are appended by Store.BumpAccess.
type AccessLog struct {
	ID         int64     `json:"id"`
	MemoryID   string    `json:"memory_id"`
	Query      string    `json:"query"`
	Rank       int       `json:"rank"`
	AccessedAt time.Time `json:"accessed_at"`
}

// LifecycleLog is the audit trail of a lifecycle action. MemoryIDs lists
// every memory the action touched; Details carries numeric counters.
type LifecycleLog struct {
	ID        int64                  `json:"id"`
	Action    string                 `json:"action"`
	MemoryIDs []string               `json:"memory_ids,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ExtractionLog captures one extraction attempt: the raw LLM output, what was
// parsed out of it, and per-attempt counters. Channel is one of the closed
// channel set (fast, deep, flush, mcp).
type ExtractionLog struct {
	ID             int64     `json:"id"`
	Channel        Channel   `json:"channel"`
	AgentID        string    `json:"agent_id"`
	SessionID      string    `json:"session_id,omitempty"`
	RawOutput      string    `json:"raw_output,omitempty"`
	ParsedCount    int       `json:"parsed_count"`
	WrittenCount   int       `json:"written_count"`
	DedupedCount   int       `json:"deduped_count"`
	RelationCount  int       `json:"relation_count"`
	Error          string    `json:"error,omitempty"`
	DurationMillis int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}
