package types

import "time"

// Layer identifies the retention stratum a memory lives in.
type Layer string

const (
	// LayerWorking holds session-scale memories with a mandatory TTL.
	LayerWorking Layer = "working"

	// LayerCore holds durable memories that survive lifecycle sweeps.
	LayerCore Layer = "core"

	// LayerArchive holds aging memories awaiting compression or expiry.
	LayerArchive Layer = "archive"
)

// Memory is the primary entity of the system. A memory is a single distilled
// fact or observation about a user or agent, stratified into one of three
// layers and linked into a version chain via SupersededBy.
type Memory struct {
	// ID is a time-ordered unique identifier (UUIDv7), monotonic by creation.
	ID string `json:"id"`

	Layer    Layer    `json:"layer"`
	Category Category `json:"category"`
	Content  string   `json:"content"`

	// Source tags where the memory came from, e.g. "ingest",
	// "flush:<session>", "lifecycle:promotion", "mcp:remember".
	Source string `json:"source"`

	// AgentID is the tenant partition key. Defaults to "default".
	AgentID string `json:"agent_id"`

	Importance float64 `json:"importance"`  // [0,1]
	Confidence float64 `json:"confidence"`  // [0,1]
	DecayScore float64 `json:"decay_score"` // [0,1], 1.0 at insert

	AccessCount  int        `json:"access_count"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"` // mandatory for working layer

	// SupersededBy points at the memory that replaced this one. Empty for
	// the active head of a version chain.
	SupersededBy string `json:"superseded_by,omitempty"`

	// IsPinned exempts a memory from dedup, merge and archival.
	IsPinned bool `json:"is_pinned"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// IsActive reports whether the memory is the live head of its version chain
// and has not expired as of now.
func (m *Memory) IsActive(now time.Time) bool {
	if m.SupersededBy != "" {
		return false
	}
	if m.ExpiresAt != nil && !m.ExpiresAt.After(now) {
		return false
	}
	return true
}

// LayerLabel returns the injection label for a layer. The labels match the
// prompt vocabulary agents are trained against.
func LayerLabel(l Layer) string {
	switch l {
	case LayerCore:
		return "核心记忆"
	case LayerWorking:
		return "工作记忆"
	case LayerArchive:
		return "归档记忆"
	default:
		return string(l)
	}
}

// Agent is a tenant of the memory service. Metadata["profile"] holds the
// synthesized user profile text and its timestamp.
type Agent struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Description    string                 `json:"description,omitempty"`
	ConfigOverride map[string]interface{} `json:"config_override,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// DefaultAgentID is used when a request does not name an agent.
const DefaultAgentID = "default"
