package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cortexmem/cortex/internal/clock"
	"github.com/cortexmem/cortex/internal/llm"
	"github.com/cortexmem/cortex/internal/storage"
	"github.com/cortexmem/cortex/internal/vector"
	"github.com/cortexmem/cortex/pkg/types"
)

// HybridWeights tunes score fusion and boosting.
type HybridWeights struct {
	VectorWeight float64 // typical 0.7
	TextWeight   float64 // typical 0.3
	AccessCap    int     // access-boost saturation, typical 10
}

// HybridSearch fuses full-text and vector retrieval into one ranked list.
type HybridSearch struct {
	store    storage.MemoryStore
	index    vector.Index
	embedder llm.EmbeddingProvider
	clock    clock.Clock
	weights  HybridWeights
}

// NewHybridSearch wires the fusion layer over its three retrieval sources.
func NewHybridSearch(store storage.MemoryStore, index vector.Index, embedder llm.EmbeddingProvider, clk clock.Clock, weights HybridWeights) *HybridSearch {
	if weights.VectorWeight == 0 && weights.TextWeight == 0 {
		weights = HybridWeights{VectorWeight: 0.7, TextWeight: 0.3, AccessCap: 10}
	}
	if weights.AccessCap <= 0 {
		weights.AccessCap = 10
	}
	return &HybridSearch{store: store, index: index, embedder: embedder, clock: clk, weights: weights}
}

// SearchRequest is one fusion query.
type SearchRequest struct {
	Query      string
	AgentID    string
	Layers     []types.Layer    // empty means all
	Categories []types.Category // empty means all
	Limit      int
	Debug      bool

	// SkipAccessBump suppresses the best-effort access-count bump, used by
	// query-variant fan-out so one recall bumps each memory once at most.
	SkipAccessBump bool
}

// SearchResult is one ranked memory with explain fields.
type SearchResult struct {
	Memory      *types.Memory `json:"memory"`
	FinalScore  float64       `json:"final_score"`
	TextScore   float64       `json:"text_score"`
	VectorScore float64       `json:"vector_score"`
	Fused       float64       `json:"fused"`
}

// SearchDebug carries per-phase counts and timings when requested.
type SearchDebug struct {
	TextHits     int           `json:"text_hits"`
	VectorHits   int           `json:"vector_hits"`
	UnionSize    int           `json:"union_size"`
	Filtered     int           `json:"filtered"`
	TextElapsed  time.Duration `json:"text_elapsed"`
	VecElapsed   time.Duration `json:"vector_elapsed"`
	EmbedFailed  bool          `json:"embed_failed"`
	VectorFailed bool          `json:"vector_failed"`
}

// SearchResponse bundles results with optional debug info.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Debug   *SearchDebug   `json:"debug,omitempty"`
}

const candidateFetch = 50 // per-side candidate pool before fusion

// Search runs text and vector retrieval in parallel, normalizes and fuses
// the scores, applies layer/recency/access/decay weighting and returns the
// top results. A failing embedder or vector index degrades the call to
// text-only; it never fails recall.
func (h *HybridSearch) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if req.Limit <= 0 {
		req.Limit = 10
	}
	if req.AgentID == "" {
		req.AgentID = types.DefaultAgentID
	}

	debug := &SearchDebug{}

	var (
		wg          sync.WaitGroup
		textResults []storage.TextResult
		textErr     error
		vecMatches  []vector.Match
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		started := time.Now()
		textResults, textErr = h.store.SearchFullText(ctx, req.Query, storage.ListOptions{
			AgentID: req.AgentID,
			Limit:   candidateFetch,
		})
		debug.TextElapsed = time.Since(started)
	}()
	go func() {
		defer wg.Done()
		started := time.Now()
		defer func() { debug.VecElapsed = time.Since(started) }()

		embedding, err := h.embedder.Embed(ctx, req.Query)
		if err != nil || len(embedding) == 0 {
			debug.EmbedFailed = true
			return
		}
		matches, err := h.index.Search(ctx, embedding, candidateFetch, req.AgentID)
		if err != nil {
			log.Printf("hybrid: vector search failed, degrading to text-only: %v", err)
			debug.VectorFailed = true
			return
		}
		vecMatches = matches
	}()
	wg.Wait()

	if textErr != nil {
		return nil, fmt.Errorf("hybrid: text search: %w", textErr)
	}
	debug.TextHits = len(textResults)
	debug.VectorHits = len(vecMatches)

	// Normalize both sides into [0,1].
	textScores := normalizeTextScores(textResults)
	vecScores := normalizeVectorScores(vecMatches)

	// Union by id. Text results carry their memory rows; vector-only hits
	// are fetched individually, pruning ids whose row is gone.
	memories := make(map[string]*types.Memory, len(textResults))
	for i := range textResults {
		memories[textResults[i].Memory.ID] = &textResults[i].Memory
	}
	for id := range vecScores {
		if _, ok := memories[id]; ok {
			continue
		}
		m, err := h.store.GetMemory(ctx, id)
		if err != nil {
			continue // vector without memory: pruned on next sweep
		}
		memories[id] = m
	}
	debug.UnionSize = len(memories)

	now := h.clock.Now()
	results := make([]SearchResult, 0, len(memories))
	for id, m := range memories {
		if !h.passesFilters(m, req, now) {
			continue
		}
		r := SearchResult{
			Memory:      m,
			TextScore:   textScores[id],
			VectorScore: vecScores[id],
		}
		r.Fused = h.weights.VectorWeight*r.VectorScore + h.weights.TextWeight*r.TextScore
		r.FinalScore = r.Fused * layerWeight(m.Layer) * recencyBoost(now, m.CreatedAt) *
			accessBoost(m.AccessCount, h.weights.AccessCap) * m.DecayScore
		results = append(results, r)
	}
	debug.Filtered = len(memories) - len(results)

	// Deterministic ordering: score descending, id ascending on ties.
	sort.Slice(results, func(i, j int) bool {
		if results[i].FinalScore == results[j].FinalScore {
			return results[i].Memory.ID < results[j].Memory.ID
		}
		return results[i].FinalScore > results[j].FinalScore
	})
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}

	if !req.SkipAccessBump && len(results) > 0 {
		bumps := make([]storage.AccessBump, len(results))
		for i, r := range results {
			bumps[i] = storage.AccessBump{MemoryID: r.Memory.ID, Rank: i + 1}
		}
		if err := h.store.BumpAccess(ctx, bumps, req.Query); err != nil {
			log.Printf("hybrid: access bump failed: %v", err)
		}
	}

	resp := &SearchResponse{Results: results}
	if req.Debug {
		resp.Debug = debug
	}
	return resp, nil
}

func (h *HybridSearch) passesFilters(m *types.Memory, req SearchRequest, now time.Time) bool {
	if !m.IsActive(now) {
		return false
	}
	if m.AgentID != req.AgentID {
		return false
	}
	if len(req.Layers) > 0 && !containsLayer(req.Layers, m.Layer) {
		return false
	}
	if len(req.Categories) > 0 && !containsCategory(req.Categories, m.Category) {
		return false
	}
	return true
}

// normalizeTextScores maps FTS ranks (lower = better, typically negative
// BM25) to [0,1] via 1 − |rank|/(max|rank|+1).
func normalizeTextScores(results []storage.TextResult) map[string]float64 {
	out := make(map[string]float64, len(results))
	var maxAbs float64
	for _, r := range results {
		if abs := absFloat(r.Rank); abs > maxAbs {
			maxAbs = abs
		}
	}
	for _, r := range results {
		out[r.Memory.ID] = 1 - absFloat(r.Rank)/(maxAbs+1)
	}
	return out
}

// normalizeVectorScores maps distances (lower = closer) to [0,1] via
// 1 − distance/(maxDistance+ε).
func normalizeVectorScores(matches []vector.Match) map[string]float64 {
	out := make(map[string]float64, len(matches))
	var maxDist float64
	for _, m := range matches {
		if m.Distance > maxDist {
			maxDist = m.Distance
		}
	}
	for _, m := range matches {
		out[m.ID] = 1 - m.Distance/(maxDist+1e-9)
	}
	return out
}

func layerWeight(l types.Layer) float64 {
	switch l {
	case types.LayerCore:
		return 1.0
	case types.LayerWorking:
		return 0.8
	case types.LayerArchive:
		return 0.5
	}
	return 0.5
}

// recencyBoost is 1 + 0.1·(7 − ageDays)/7 for memories under a week old.
func recencyBoost(now, createdAt time.Time) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	if ageDays > 7 {
		return 1
	}
	return 1 + 0.1*(7-ageDays)/7
}

func accessBoost(accessCount, cap int) float64 {
	if accessCount > cap {
		accessCount = cap
	}
	return 1 + 0.05*float64(accessCount)
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func containsLayer(layers []types.Layer, l types.Layer) bool {
	for _, x := range layers {
		if x == l {
			return true
		}
	}
	return false
}

func containsCategory(categories []types.Category, c types.Category) bool {
	for _, x := range categories {
		if x == c {
			return true
		}
	}
	return false
}

// BumpAccess records one access per result, best effort, ranks following
// the given order. Used by callers that fanned out with SkipAccessBump.
func (h *HybridSearch) BumpAccess(ctx context.Context, query string, results []SearchResult) {
	if len(results) == 0 {
		return
	}
	bumps := make([]storage.AccessBump, len(results))
	for i, r := range results {
		bumps[i] = storage.AccessBump{MemoryID: r.Memory.ID, Rank: i + 1}
	}
	if err := h.store.BumpAccess(ctx, bumps, query); err != nil {
		log.Printf("hybrid: access bump failed: %v", err)
	}
}

// FormatForInjection renders ranked results as "[<layer-label>] <content>"
// lines wrapped in <cortex_memory> tags, stopping at the token budget.
// Returns the rendered block and how many lines were injected.
func FormatForInjection(results []SearchResult, maxTokens int) (string, int) {
	if len(results) == 0 {
		return "", 0
	}
	if maxTokens <= 0 {
		maxTokens = 1000
	}

	const openTag, closeTag = "<cortex_memory>\n", "</cortex_memory>"
	budget := maxTokens - EstimateTokens(openTag) - EstimateTokens(closeTag)

	var b strings.Builder
	b.WriteString(openTag)
	injected := 0
	for _, r := range results {
		line := fmt.Sprintf("[%s] %s\n", types.LayerLabel(r.Memory.Layer), r.Memory.Content)
		cost := EstimateTokens(line)
		if cost > budget {
			break
		}
		budget -= cost
		b.WriteString(line)
		injected++
	}
	if injected == 0 {
		return "", 0
	}
	b.WriteString(closeTag)
	return b.String(), injected
}
