package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexmem/cortex/internal/clock"
	"github.com/cortexmem/cortex/pkg/types"
)

func newSearchHarness(t *testing.T) (*HybridSearch, *fakeStore, *fakeIndex, *mappedEmbedder, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	store := newFakeStore(clk.Now)
	index := newFakeIndex()
	embedder := newMappedEmbedder()
	hybrid := NewHybridSearch(store, index, embedder, clk, HybridWeights{VectorWeight: 0.7, TextWeight: 0.3, AccessCap: 10})
	return hybrid, store, index, embedder, clk
}

func seedMemory(t *testing.T, store *fakeStore, m types.Memory) string {
	t.Helper()
	if m.Layer == "" {
		m.Layer = types.LayerCore
	}
	if m.Category == "" {
		m.Category = types.CategoryFact
	}
	if m.Importance == 0 {
		m.Importance = 0.7
	}
	if m.Confidence == 0 {
		m.Confidence = 0.8
	}
	require.NoError(t, store.InsertMemory(context.Background(), &m))
	return m.ID
}

func TestSearchFusesTextAndVectorCandidates(t *testing.T) {
	hybrid, store, index, embedder, _ := newSearchHarness(t)
	ctx := context.Background()

	textID := seedMemory(t, store, types.Memory{Content: "User lives in Tokyo"})
	vecID := seedMemory(t, store, types.Memory{Content: "Prefers quiet neighborhoods"})

	embedder.set("tokyo", []float32{1, 0, 0})
	require.NoError(t, index.Upsert(ctx, vecID, []float32{0.9, 0.1, 0}, types.DefaultAgentID))

	resp, err := hybrid.Search(ctx, SearchRequest{Query: "tokyo", Limit: 10, Debug: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	byID := map[string]SearchResult{}
	for _, r := range resp.Results {
		byID[r.Memory.ID] = r
	}
	assert.Greater(t, byID[textID].TextScore, 0.0)
	assert.Zero(t, byID[textID].VectorScore)
	assert.Greater(t, byID[vecID].VectorScore, 0.0)
	assert.Zero(t, byID[vecID].TextScore)

	assert.Equal(t, 1, resp.Debug.TextHits)
	assert.Equal(t, 1, resp.Debug.VectorHits)
	assert.Equal(t, 2, resp.Debug.UnionSize)
}

func TestSearchSurvivesEmbedderFailure(t *testing.T) {
	hybrid, store, _, embedder, _ := newSearchHarness(t)
	ctx := context.Background()

	seedMemory(t, store, types.Memory{Content: "User lives in Tokyo"})
	embedder.err = errors.New("provider down")

	resp, err := hybrid.Search(ctx, SearchRequest{Query: "tokyo", Limit: 10, Debug: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.True(t, resp.Debug.EmbedFailed)
	assert.Equal(t, "User lives in Tokyo", resp.Results[0].Memory.Content)
}

func TestSearchSurvivesVectorIndexFailure(t *testing.T) {
	hybrid, store, index, _, _ := newSearchHarness(t)
	ctx := context.Background()

	seedMemory(t, store, types.Memory{Content: "User lives in Tokyo"})
	index.searchErr = errors.New("index gone")

	resp, err := hybrid.Search(ctx, SearchRequest{Query: "tokyo", Limit: 10, Debug: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.True(t, resp.Debug.VectorFailed)
}

func TestSearchFailsWhenTextSearchFails(t *testing.T) {
	hybrid, store, _, _, _ := newSearchHarness(t)

	store.textErr = errors.New("fts broken")
	_, err := hybrid.Search(context.Background(), SearchRequest{Query: "tokyo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text search")
}

func TestSearchFiltersInactiveAndScoped(t *testing.T) {
	hybrid, store, _, _, clk := newSearchHarness(t)
	ctx := context.Background()

	keep := seedMemory(t, store, types.Memory{Content: "tokyo apartment", Layer: types.LayerCore})
	otherAgent := seedMemory(t, store, types.Memory{Content: "tokyo office", AgentID: "other"})
	expired := clk.Now().Add(-time.Hour)
	seedMemory(t, store, types.Memory{Content: "tokyo hotel", Layer: types.LayerWorking, ExpiresAt: &expired})
	archived := seedMemory(t, store, types.Memory{Content: "tokyo trip", Layer: types.LayerArchive})

	resp, err := hybrid.Search(ctx, SearchRequest{
		Query:  "tokyo",
		Layers: []types.Layer{types.LayerCore},
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, keep, resp.Results[0].Memory.ID)

	// No layer filter still drops the expired and foreign-agent rows.
	resp, err = hybrid.Search(ctx, SearchRequest{Query: "tokyo", Limit: 10})
	require.NoError(t, err)
	ids := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		ids = append(ids, r.Memory.ID)
	}
	assert.ElementsMatch(t, []string{keep, archived}, ids)
	assert.NotContains(t, ids, otherAgent)
}

func TestSearchLayerWeightOrdersCoreFirst(t *testing.T) {
	hybrid, store, _, _, _ := newSearchHarness(t)
	ctx := context.Background()

	ttl := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	working := seedMemory(t, store, types.Memory{Content: "likes tokyo ramen", Layer: types.LayerWorking, ExpiresAt: &ttl})
	core := seedMemory(t, store, types.Memory{Content: "likes tokyo ramen", Layer: types.LayerCore})

	resp, err := hybrid.Search(ctx, SearchRequest{Query: "tokyo ramen", Limit: 10})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, core, resp.Results[0].Memory.ID)
	assert.Equal(t, working, resp.Results[1].Memory.ID)
}

func TestSearchIsDeterministicAcrossRuns(t *testing.T) {
	hybrid, store, index, embedder, _ := newSearchHarness(t)
	ctx := context.Background()

	embedder.set("tokyo", []float32{1, 0, 0})
	for i := 0; i < 20; i++ {
		id := seedMemory(t, store, types.Memory{Content: "tokyo note number " + strings.Repeat("x", i)})
		require.NoError(t, index.Upsert(ctx, id, []float32{1, float32(i) / 100, 0}, types.DefaultAgentID))
	}

	first, err := hybrid.Search(ctx, SearchRequest{Query: "tokyo", Limit: 10, SkipAccessBump: true})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := hybrid.Search(ctx, SearchRequest{Query: "tokyo", Limit: 10, SkipAccessBump: true})
		require.NoError(t, err)
		require.Len(t, again.Results, len(first.Results))
		for j := range first.Results {
			assert.Equal(t, first.Results[j].Memory.ID, again.Results[j].Memory.ID)
			assert.Equal(t, first.Results[j].FinalScore, again.Results[j].FinalScore)
		}
	}
}

func TestSearchBumpsAccessUnlessSkipped(t *testing.T) {
	hybrid, store, _, _, _ := newSearchHarness(t)
	ctx := context.Background()

	id := seedMemory(t, store, types.Memory{Content: "tokyo note"})

	_, err := hybrid.Search(ctx, SearchRequest{Query: "tokyo", Limit: 10})
	require.NoError(t, err)
	m, err := store.GetMemory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, m.AccessCount)
	require.NotNil(t, m.LastAccessed)

	_, err = hybrid.Search(ctx, SearchRequest{Query: "tokyo", Limit: 10, SkipAccessBump: true})
	require.NoError(t, err)
	m, err = store.GetMemory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, m.AccessCount)
}

func TestFormatForInjection(t *testing.T) {
	results := []SearchResult{
		{Memory: &types.Memory{Layer: types.LayerCore, Content: "User lives in Tokyo"}},
		{Memory: &types.Memory{Layer: types.LayerWorking, Content: "Prefers tea over coffee"}},
	}

	block, injected := FormatForInjection(results, 1000)
	assert.Equal(t, 2, injected)
	assert.True(t, strings.HasPrefix(block, "<cortex_memory>\n"))
	assert.True(t, strings.HasSuffix(block, "</cortex_memory>"))
	assert.Contains(t, block, "[核心记忆] User lives in Tokyo")
	assert.Contains(t, block, "[工作记忆] Prefers tea over coffee")
}

func TestFormatForInjectionHonorsTokenBudget(t *testing.T) {
	results := []SearchResult{
		{Memory: &types.Memory{Layer: types.LayerCore, Content: "short fact"}},
		{Memory: &types.Memory{Layer: types.LayerCore, Content: strings.Repeat("long fact ", 200)}},
		{Memory: &types.Memory{Layer: types.LayerCore, Content: "never reached"}},
	}

	block, injected := FormatForInjection(results, 30)
	assert.Equal(t, 1, injected)
	assert.Contains(t, block, "short fact")
	assert.NotContains(t, block, "long fact")
	assert.NotContains(t, block, "never reached")
}

func TestFormatForInjectionEmpty(t *testing.T) {
	block, injected := FormatForInjection(nil, 1000)
	assert.Empty(t, block)
	assert.Zero(t, injected)

	// A budget too small for even one line yields nothing rather than bare tags.
	results := []SearchResult{{Memory: &types.Memory{Layer: types.LayerCore, Content: strings.Repeat("x", 400)}}}
	block, injected = FormatForInjection(results, 10)
	assert.Empty(t, block)
	assert.Zero(t, injected)
}
