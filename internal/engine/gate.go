package engine

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cortexmem/cortex/internal/config"
	"github.com/cortexmem/cortex/internal/llm"
	"github.com/cortexmem/cortex/internal/signal"
	"github.com/cortexmem/cortex/pkg/types"
)

// Gate is the recall pipeline: small-talk gating, query expansion,
// multi-query fusion, reranking and token-bounded injection formatting.
type Gate struct {
	hybrid   *HybridSearch
	chat     llm.ChatProvider
	reranker llm.Reranker // nil disables reranking
	cfg      config.MemoryConfig
	reweight float64 // reranker fusion weight w
}

// NewGate wires the recall pipeline. reranker may be nil.
func NewGate(hybrid *HybridSearch, chat llm.ChatProvider, reranker llm.Reranker, cfg config.MemoryConfig, rerankerWeight float64) *Gate {
	if rerankerWeight <= 0 || rerankerWeight > 1 {
		rerankerWeight = 0.6
	}
	return &Gate{hybrid: hybrid, chat: chat, reranker: reranker, cfg: cfg, reweight: rerankerWeight}
}

// RecallRequest is one recall call.
type RecallRequest struct {
	Query     string        `json:"query"`
	AgentID   string        `json:"agent_id,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Layers    []types.Layer `json:"layers,omitempty"`
}

// RecallMeta explains the recall outcome.
type RecallMeta struct {
	Skipped       bool          `json:"skipped"`
	Reason        string        `json:"reason,omitempty"`
	Variants      []string      `json:"variants,omitempty"`
	InjectedLines int           `json:"injected_lines"`
	Reranked      bool          `json:"reranked"`
	Latency       time.Duration `json:"latency_ms"`
}

// RecallResponse is the formatted context plus the memories behind it.
type RecallResponse struct {
	Context  string         `json:"context"`
	Memories []SearchResult `json:"memories"`
	Meta     RecallMeta     `json:"meta"`
}

const (
	variantLimit      = 15 // per-variant hybrid limit
	shortQueryRunes   = 8
	rerankCandidates  = 10
	defaultMaxTokens  = 1000
	multiHitBoostStep = 0.1
)

// Recall runs the full pipeline for one query.
func (g *Gate) Recall(ctx context.Context, req RecallRequest) (*RecallResponse, error) {
	started := time.Now()
	if req.AgentID == "" {
		req.AgentID = types.DefaultAgentID
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}

	query := signal.SanitizeMessage(req.Query)
	if signal.IsSmallTalk(query) {
		return &RecallResponse{
			Memories: []SearchResult{},
			Meta: RecallMeta{
				Skipped: true,
				Reason:  "small_talk",
				Latency: time.Since(started),
			},
		}, nil
	}

	variants := g.expandQuery(ctx, query)

	merged, err := g.searchVariants(ctx, req, variants)
	if err != nil {
		return nil, err
	}

	results, reranked := g.rerank(ctx, query, merged)

	contextBlock, injected := FormatForInjection(results, req.MaxTokens)

	// One access bump for the whole recall, ranks following the final order.
	g.hybrid.BumpAccess(ctx, query, results)

	return &RecallResponse{
		Context:  contextBlock,
		Memories: results,
		Meta: RecallMeta{
			Variants:      variants,
			InjectedLines: injected,
			Reranked:      reranked,
			Latency:       time.Since(started),
		},
	}, nil
}

// expandQuery produces the variant list, always starting with the original.
// Short queries get one enriched variant; longer ones up to two rephrasings.
// Expansion failures just fall back to the original query.
func (g *Gate) expandQuery(ctx context.Context, query string) []string {
	variants := []string{query}
	if !g.cfg.QueryExpansion || g.chat == nil {
		return variants
	}

	if utf8.RuneCountInString(query) <= shortQueryRunes {
		raw, err := g.chat.Complete(ctx, llm.QueryEnrichPrompt(query))
		if err != nil {
			log.Printf("gate: query enrich failed: %v", err)
			return variants
		}
		if enriched := firstLine(raw); enriched != "" && enriched != query {
			variants = append(variants, enriched)
		}
		return variants
	}

	raw, err := g.chat.Complete(ctx, llm.QueryVariantsPrompt(query))
	if err != nil {
		log.Printf("gate: query expansion failed: %v", err)
		return variants
	}
	for _, v := range llm.ParseQueryVariants(raw, 2) {
		if v != query {
			variants = append(variants, v)
		}
	}
	return variants
}

// searchVariants fans out one hybrid search per variant, merges by id taking
// the max score, and boosts memories hit by multiple variants.
func (g *Gate) searchVariants(ctx context.Context, req RecallRequest, variants []string) ([]SearchResult, error) {
	type variantOut struct {
		results []SearchResult
		err     error
	}

	outs := make([]variantOut, len(variants))
	var wg sync.WaitGroup
	for i, v := range variants {
		wg.Add(1)
		go func(i int, v string) {
			defer wg.Done()
			resp, err := g.hybrid.Search(ctx, SearchRequest{
				Query:          v,
				AgentID:        req.AgentID,
				Layers:         req.Layers,
				Limit:          variantLimit,
				SkipAccessBump: true,
			})
			if err != nil {
				outs[i] = variantOut{err: err}
				return
			}
			outs[i] = variantOut{results: resp.Results}
		}(i, v)
	}
	wg.Wait()

	merged := make(map[string]SearchResult)
	hits := make(map[string]int)
	var firstErr error
	succeeded := 0
	for _, out := range outs {
		if out.err != nil {
			if firstErr == nil {
				firstErr = out.err
			}
			continue
		}
		succeeded++
		for _, r := range out.results {
			id := r.Memory.ID
			hits[id]++
			if prev, ok := merged[id]; !ok || r.FinalScore > prev.FinalScore {
				merged[id] = r
			}
		}
	}
	if succeeded == 0 && firstErr != nil {
		return nil, firstErr
	}

	results := make([]SearchResult, 0, len(merged))
	for id, r := range merged {
		if n := hits[id]; n > 1 {
			r.FinalScore *= 1 + multiHitBoostStep*float64(n-1)
		}
		results = append(results, r)
	}
	sortResults(results)
	return results, nil
}

// rerank fuses reranker scores with the fused ranking:
// final = w·rerank + (1−w)·normalizedOriginal. Entries past the candidate
// window keep a zero rerank contribution but move onto the same normalized
// scale, so the whole list stays comparable and sorted. The bool reports
// whether reranker scores actually shaped the order.
func (g *Gate) rerank(ctx context.Context, query string, results []SearchResult) ([]SearchResult, bool) {
	if g.reranker == nil || len(results) == 0 {
		return results, false
	}

	top := results
	if len(top) > rerankCandidates {
		top = top[:rerankCandidates]
	}
	docs := make([]string, len(top))
	for i, r := range top {
		docs[i] = r.Memory.Content
	}

	scores, err := g.reranker.Rerank(ctx, query, docs)
	if err != nil {
		log.Printf("gate: rerank failed, keeping fused order: %v", err)
		return results, false
	}
	if len(scores) != len(top) {
		log.Printf("gate: rerank returned %d scores for %d candidates, keeping fused order", len(scores), len(top))
		return results, false
	}

	var maxScore float64
	for _, r := range results {
		if r.FinalScore > maxScore {
			maxScore = r.FinalScore
		}
	}
	for i := range results {
		normalized := 0.0
		if maxScore > 0 {
			normalized = results[i].FinalScore / maxScore
		}
		rerankScore := 0.0
		if i < len(scores) {
			rerankScore = scores[i]
		}
		results[i].FinalScore = g.reweight*rerankScore + (1-g.reweight)*normalized
	}
	sortResults(results)
	return results, true
}

func sortResults(results []SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].FinalScore == results[j].FinalScore {
			return results[i].Memory.ID < results[j].Memory.ID
		}
		return results[i].FinalScore > results[j].FinalScore
	})
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
