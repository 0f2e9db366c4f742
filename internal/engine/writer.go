package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cortexmem/cortex/internal/clock"
	"github.com/cortexmem/cortex/internal/config"
	"github.com/cortexmem/cortex/internal/llm"
	"github.com/cortexmem/cortex/internal/storage"
	"github.com/cortexmem/cortex/internal/vector"
	"github.com/cortexmem/cortex/pkg/types"
)

// WriteAction names what the writer decided to do with one extraction.
type WriteAction string

const (
	ActionInserted WriteAction = "inserted"
	ActionDeduped  WriteAction = "deduped"
	ActionKept     WriteAction = "kept"     // smart update said the new adds nothing
	ActionReplaced WriteAction = "replaced" // new memory supersedes the candidate
	ActionMerged   WriteAction = "merged"
	ActionConflict WriteAction = "conflict"
)

// WriteRequest hands one validated extraction to the writer.
type WriteRequest struct {
	Extraction types.Extraction
	AgentID    string
	Source     string // e.g. "ingest", "flush:<session>", "mcp:remember"

	// LegacyPath applies the fast-channel rule: exact-dup skip, otherwise
	// insert. No smart update, no importance bump semantics beyond dedup.
	LegacyPath bool

	// Pinned marks the new memory pinned (MCP remember only).
	Pinned bool

	// Confidence overrides the source-derived initial confidence when
	// positive. The fast channel passes its fixed signal confidence here.
	Confidence float64
}

// WriteResult reports the decision and the written memory, if any.
type WriteResult struct {
	Action       WriteAction   `json:"action"`
	Memory       *types.Memory `json:"memory,omitempty"`
	CandidateID  string        `json:"candidate_id,omitempty"`
	SupersededID string        `json:"superseded_id,omitempty"`
}

// MemoryWriter centralizes dedup, smart update and vector indexing for every
// write path (Sieve fast/deep, Flush, MCP remember). All store writes go
// through the MemoryStore; the writer never bypasses it.
type MemoryWriter struct {
	store    storage.MemoryStore
	index    vector.Index
	embedder llm.EmbeddingProvider
	chat     llm.ChatProvider
	clock    clock.Clock
	cfg      config.MemoryConfig
}

// NewMemoryWriter wires the shared write path.
func NewMemoryWriter(store storage.MemoryStore, index vector.Index, embedder llm.EmbeddingProvider, chat llm.ChatProvider, clk clock.Clock, cfg config.MemoryConfig) *MemoryWriter {
	return &MemoryWriter{store: store, index: index, embedder: embedder, chat: chat, clock: clk, cfg: cfg}
}

const dedupCandidates = 3

// Write runs the dedup / smart-update / insert decision for one extraction.
func (w *MemoryWriter) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	if req.AgentID == "" {
		req.AgentID = types.DefaultAgentID
	}

	embedding, err := w.embedder.Embed(ctx, req.Extraction.Content)
	if err != nil || len(embedding) == 0 {
		// No embedding: dedup is impossible, fall through to a plain insert.
		if err != nil {
			log.Printf("writer: embedding failed, inserting without dedup: %v", err)
		}
		return w.insert(ctx, req, nil, "")
	}

	candidate, distance := w.closestCandidate(ctx, embedding, req.AgentID)
	if candidate == nil {
		return w.insert(ctx, req, embedding, "")
	}

	switch {
	case distance < w.cfg.ExactDupThreshold:
		return w.dedupe(ctx, req, candidate)

	case req.LegacyPath:
		return w.insert(ctx, req, embedding, "")

	case distance < w.cfg.SimilarityThreshold:
		if !w.cfg.SmartUpdateEnabled {
			if distance < w.cfg.LegacyDedupThreshold {
				return &WriteResult{Action: ActionDeduped, CandidateID: candidate.ID}, nil
			}
			return w.insert(ctx, req, embedding, "")
		}
		return w.smartUpdate(ctx, req, embedding, candidate)

	default:
		return w.insert(ctx, req, embedding, "")
	}
}

// closestCandidate returns the nearest active, unpinned memory of the same
// agent, or nil when none qualifies. Pinned memories are invisible to dedup:
// they are never mutated or superseded.
func (w *MemoryWriter) closestCandidate(ctx context.Context, embedding []float32, agentID string) (*types.Memory, float64) {
	matches, err := w.index.Search(ctx, embedding, dedupCandidates, agentID)
	if err != nil {
		log.Printf("writer: dedup vector search failed: %v", err)
		return nil, 0
	}

	now := w.clock.Now()
	for _, match := range matches {
		m, err := w.store.GetMemory(ctx, match.ID)
		if err != nil {
			continue // stale vector, pruned by the next sweep
		}
		if !m.IsActive(now) || m.IsPinned {
			continue
		}
		return m, match.Distance
	}
	return nil, 0
}

// dedupe handles an exact duplicate: no new row; the candidate's importance
// rises to max(old, new) and its confidence gains 0.05, clamped to 1.
func (w *MemoryWriter) dedupe(ctx context.Context, req WriteRequest, candidate *types.Memory) (*WriteResult, error) {
	importance := candidate.Importance
	if req.Extraction.Importance > importance {
		importance = req.Extraction.Importance
	}
	confidence := candidate.Confidence + 0.05
	if confidence > 1 {
		confidence = 1
	}

	patch := storage.MemoryPatch{Importance: &importance, Confidence: &confidence}
	if err := w.store.UpdateMemory(ctx, candidate.ID, patch); err != nil {
		return nil, fmt.Errorf("writer: dedup bump: %w", err)
	}
	return &WriteResult{Action: ActionDeduped, CandidateID: candidate.ID}, nil
}

// smartUpdate asks the model how the new content relates to the candidate
// and applies the verdict. A failed call degrades to keep.
func (w *MemoryWriter) smartUpdate(ctx context.Context, req WriteRequest, embedding []float32, candidate *types.Memory) (*WriteResult, error) {
	raw, err := w.chat.Complete(ctx, llm.SmartUpdatePrompt(candidate.Content, req.Extraction.Content))
	decision := llm.SmartUpdateDecision{Action: "keep"}
	if err != nil {
		log.Printf("writer: smart update call failed, keeping existing: %v", err)
	} else {
		decision = llm.ParseSmartUpdate(raw)
	}

	if decision.Action == "keep" {
		return &WriteResult{Action: ActionKept, CandidateID: candidate.ID}, nil
	}

	content := req.Extraction.Content
	if decision.Action == "merge" {
		content = decision.MergedContent
		req.Extraction.Content = content
		// The merged text differs from what was embedded; re-embed so the
		// index reflects the stored content.
		if vec, err := w.embedder.Embed(ctx, content); err == nil && len(vec) > 0 {
			embedding = vec
		}
	}

	result, err := w.insert(ctx, req, embedding, decision.Action)
	if err != nil {
		return nil, err
	}
	if err := w.store.MarkSuperseded(ctx, candidate.ID, result.Memory.ID); err != nil {
		return nil, fmt.Errorf("writer: mark superseded: %w", err)
	}
	result.SupersededID = candidate.ID
	result.CandidateID = candidate.ID
	switch decision.Action {
	case "replace":
		result.Action = ActionReplaced
	case "merge":
		result.Action = ActionMerged
	case "conflict":
		result.Action = ActionConflict
	}
	return result, nil
}

// insert writes a new memory and its vector. smartUpdateType, when set, is
// persisted under metadata.smart_update_type.
func (w *MemoryWriter) insert(ctx context.Context, req WriteRequest, embedding []float32, smartUpdateType string) (*WriteResult, error) {
	layer := types.LayerWorking
	var expiresAt *time.Time
	if req.Extraction.Importance >= 0.8 {
		layer = types.LayerCore
	} else {
		t := w.clock.Now().UTC().Add(w.cfg.WorkingTTL.Std())
		expiresAt = &t
	}

	metadata := map[string]interface{}{}
	if req.Extraction.Reasoning != "" {
		metadata["reasoning"] = req.Extraction.Reasoning
	}
	if smartUpdateType != "" {
		metadata["smart_update_type"] = smartUpdateType
	}

	confidence := req.Confidence
	if confidence <= 0 {
		confidence = extractionConfidence(req.Extraction.Source)
	}

	m := &types.Memory{
		Layer:      layer,
		Category:   req.Extraction.Category,
		Content:    req.Extraction.Content,
		Source:     req.Source,
		AgentID:    req.AgentID,
		Importance: req.Extraction.Importance,
		Confidence: confidence,
		ExpiresAt:  expiresAt,
		IsPinned:   req.Pinned,
		Metadata:   metadata,
	}
	if err := w.store.InsertMemory(ctx, m); err != nil {
		return nil, fmt.Errorf("writer: insert: %w", err)
	}

	if len(embedding) > 0 {
		if err := w.index.Upsert(ctx, m.ID, embedding, m.AgentID); err != nil {
			log.Printf("writer: vector upsert failed for %s: %v", m.ID, err)
		}
	}
	return &WriteResult{Action: ActionInserted, Memory: m}, nil
}

// extractionConfidence maps grounding to initial confidence: directly stated
// facts start higher than inferred ones.
func extractionConfidence(source types.ExtractionSource) float64 {
	switch source {
	case types.SourceUserStated:
		return 0.9
	case types.SourceUserImplied:
		return 0.7
	case types.SourceObservedPattern:
		return 0.6
	case types.SourceSystemDefined:
		return 1.0
	case types.SourceSelfReflection:
		return 0.6
	}
	return 0.7
}
