// Package storage defines the store contracts for Cortex: typed errors,
// list/search options and the MemoryStore interface implemented by the
// SQLite backend.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cortexmem/cortex/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict indicates a uniqueness or state conflict (duplicate agent
	// id, lifecycle already running).
	ErrConflict = errors.New("conflict")
)

// ListOptions provides pagination and filtering for memory listings.
type ListOptions struct {
	// Page is 1-indexed. Limit defaults to 50, capped at 500.
	Page  int
	Limit int

	// Layer / Category / AgentID filter when non-empty.
	Layer    types.Layer
	Category types.Category
	AgentID  string

	// ActiveOnly restricts results to non-superseded, non-expired memories.
	ActiveOnly bool

	// Pinned, when non-nil, filters on the pinned flag.
	Pinned *bool

	// CreatedBefore filters to memories created strictly before this time.
	// Zero value means no bound.
	CreatedBefore time.Time

	// MaxDecayScore filters to memories with decay_score < this value when
	// positive. Used by the archive phase.
	MaxDecayScore float64

	// SortBy is one of created_at, updated_at, importance, decay_score,
	// access_count; SortOrder is asc or desc.
	SortBy    string
	SortOrder string
}

// Normalize applies defaults and whitelists sort fields.
func (o *ListOptions) Normalize() {
	allowed := map[string]bool{
		"created_at": true, "updated_at": true, "importance": true,
		"decay_score": true, "access_count": true,
	}
	if !allowed[o.SortBy] {
		o.SortBy = "created_at"
	}
	if o.SortOrder != "asc" && o.SortOrder != "desc" {
		o.SortOrder = "desc"
	}
	if o.Page < 1 {
		o.Page = 1
	}
	if o.Limit < 1 {
		o.Limit = 50
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
}

// Offset calculates the SQL offset from page and limit.
func (o *ListOptions) Offset() int { return (o.Page - 1) * o.Limit }

// PaginatedResult is a paginated result set.
type PaginatedResult[T any] struct {
	Items    []T
	Total    int
	Page     int
	PageSize int
	HasMore  bool
}

// TextResult pairs a memory with its full-text rank. FTS5 ranks are
// negative; lower (more negative) means a better match.
type TextResult struct {
	Memory types.Memory
	Rank   float64
}

// MemoryPatch is the whitelisted set of mutable memory fields. Nil fields
// are left untouched. updated_at is always refreshed.
type MemoryPatch struct {
	Importance *float64
	Confidence *float64
	DecayScore *float64
	Layer      *types.Layer
	ExpiresAt  **time.Time // outer nil = untouched, inner nil = clear
	IsPinned   *bool
	Content    *string
	Metadata   map[string]interface{}
}

// AccessBump names one recalled memory and its rank for BumpAccess.
type AccessBump struct {
	MemoryID string
	Rank     int
}

// RelationFilter narrows ListRelations.
type RelationFilter struct {
	AgentID        string
	Subject        string
	Predicate      string
	IncludeExpired bool
	Limit          int
}

// ExtractionLogFilter narrows ListExtractionLogs.
type ExtractionLogFilter struct {
	AgentID string
	Channel types.Channel
	Limit   int
}

// Stats is the aggregate snapshot served by /api/v1/stats.
type Stats struct {
	TotalMemories   int                  `json:"total_memories"`
	ActiveMemories  int                  `json:"active_memories"`
	ByLayer         map[types.Layer]int  `json:"by_layer"`
	TotalRelations  int                  `json:"total_relations"`
	TotalAgents     int                  `json:"total_agents"`
	ExtractionRuns  int                  `json:"extraction_runs"`
	LastLifecycleAt *time.Time           `json:"last_lifecycle_at,omitempty"`
}

// MemoryStore is the single source of truth for memories, relations, logs
// and agents. All multi-statement writes execute in a transaction.
type MemoryStore interface {
	// Memories.
	InsertMemory(ctx context.Context, m *types.Memory) error
	GetMemory(ctx context.Context, id string) (*types.Memory, error)
	UpdateMemory(ctx context.Context, id string, patch MemoryPatch) error
	DeleteMemory(ctx context.Context, id string) error
	ListMemories(ctx context.Context, opts ListOptions) (*PaginatedResult[types.Memory], error)
	SearchFullText(ctx context.Context, query string, opts ListOptions) ([]TextResult, error)
	GetMemoryVersionChain(ctx context.Context, id string) ([]types.Memory, error)
	MarkSuperseded(ctx context.Context, oldID, newID string) error
	BumpAccess(ctx context.Context, bumps []AccessBump, query string) error

	// Relations.
	UpsertRelation(ctx context.Context, r *types.Relation) (*types.Relation, error)
	ListRelations(ctx context.Context, f RelationFilter) ([]types.Relation, error)
	DeleteRelation(ctx context.Context, id int64) error

	// Logs.
	AppendLifecycleLog(ctx context.Context, l *types.LifecycleLog) error
	ListLifecycleLogs(ctx context.Context, limit int) ([]types.LifecycleLog, error)
	AppendExtractionLog(ctx context.Context, l *types.ExtractionLog) error
	ListExtractionLogs(ctx context.Context, f ExtractionLogFilter) ([]types.ExtractionLog, error)

	// Agents.
	UpsertAgent(ctx context.Context, a *types.Agent) error
	GetAgent(ctx context.Context, id string) (*types.Agent, error)
	ListAgents(ctx context.Context) ([]types.Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
