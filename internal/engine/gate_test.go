package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexmem/cortex/internal/clock"
	"github.com/cortexmem/cortex/internal/llm"
	"github.com/cortexmem/cortex/pkg/types"
)

func newGateHarness(t *testing.T, reranker llm.Reranker, expansion bool) (*Gate, *fakeStore, *fakeIndex, *mappedEmbedder, *scriptedChat) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	store := newFakeStore(clk.Now)
	index := newFakeIndex()
	embedder := newMappedEmbedder()
	chat := &scriptedChat{}
	hybrid := NewHybridSearch(store, index, embedder, clk, HybridWeights{VectorWeight: 0.7, TextWeight: 0.3, AccessCap: 10})

	cfg := testMemoryConfig()
	cfg.QueryExpansion = expansion
	gate := NewGate(hybrid, chat, reranker, cfg, 0.6)
	return gate, store, index, embedder, chat
}

func TestRecallSkipsSmallTalk(t *testing.T) {
	gate, _, _, _, chat := newGateHarness(t, nil, true)

	for _, query := range []string{"你好", "hi", "thanks", "こんにちは"} {
		resp, err := gate.Recall(context.Background(), RecallRequest{Query: query})
		require.NoError(t, err, query)
		assert.True(t, resp.Meta.Skipped, query)
		assert.Equal(t, "small_talk", resp.Meta.Reason, query)
		assert.Empty(t, resp.Memories, query)
		assert.Empty(t, resp.Context, query)
	}
	assert.Zero(t, chat.callCount(), "small talk must not reach the model")
}

func TestRecallReturnsInjectionBlock(t *testing.T) {
	gate, store, _, _, _ := newGateHarness(t, nil, false)
	ctx := context.Background()

	seedMemory(t, store, types.Memory{Content: "User lives in Tokyo", Layer: types.LayerCore})

	resp, err := gate.Recall(ctx, RecallRequest{Query: "where does the user live? tokyo?"})
	require.NoError(t, err)
	assert.False(t, resp.Meta.Skipped)
	require.NotEmpty(t, resp.Memories)
	assert.Equal(t, 1, resp.Meta.InjectedLines)
	assert.Contains(t, resp.Context, "<cortex_memory>")
	assert.Contains(t, resp.Context, "[核心记忆] User lives in Tokyo")
}

func TestRecallExpandsLongQueries(t *testing.T) {
	gate, store, _, _, chat := newGateHarness(t, nil, true)
	ctx := context.Background()

	chat.on("Rephrase a search query", `["noodle soup preferences"]`)

	both := seedMemory(t, store, types.Memory{Content: "Loves tokyo noodle shops", Layer: types.LayerCore})
	originalOnly := seedMemory(t, store, types.Memory{Content: "Commutes across tokyo daily", Layer: types.LayerCore})
	variantOnly := seedMemory(t, store, types.Memory{Content: "Orders noodle soup every week", Layer: types.LayerCore})

	resp, err := gate.Recall(ctx, RecallRequest{Query: "tell me about tokyo dining"})
	require.NoError(t, err)
	require.Len(t, resp.Meta.Variants, 2)
	assert.Equal(t, "tell me about tokyo dining", resp.Meta.Variants[0])
	assert.Equal(t, "noodle soup preferences", resp.Meta.Variants[1])

	ids := map[string]float64{}
	for _, r := range resp.Memories {
		ids[r.Memory.ID] = r.FinalScore
	}
	assert.Contains(t, ids, both)
	assert.Contains(t, ids, originalOnly)
	assert.Contains(t, ids, variantOnly, "variant-only hits join the union")
	assert.Greater(t, ids[both], ids[originalOnly], "multi-variant hits get boosted")
}

func TestRecallEnrichesShortQueries(t *testing.T) {
	gate, store, _, _, chat := newGateHarness(t, nil, true)
	ctx := context.Background()

	chat.on("Enrich a short search query", "tokyo 东京 city travel\n")
	seedMemory(t, store, types.Memory{Content: "Planning city travel in spring", Layer: types.LayerCore})

	resp, err := gate.Recall(ctx, RecallRequest{Query: "tokyo"})
	require.NoError(t, err)
	require.Len(t, resp.Meta.Variants, 2)
	assert.Equal(t, "tokyo 东京 city travel", resp.Meta.Variants[1])
	require.NotEmpty(t, resp.Memories, "enriched variant should reach the memory")
}

func TestRecallExpansionFailureFallsBack(t *testing.T) {
	gate, store, _, _, chat := newGateHarness(t, nil, true)
	ctx := context.Background()

	chat.err = errors.New("provider down")
	seedMemory(t, store, types.Memory{Content: "User lives in Tokyo", Layer: types.LayerCore})

	resp, err := gate.Recall(ctx, RecallRequest{Query: "where does the user live in tokyo"})
	require.NoError(t, err)
	assert.Equal(t, []string{"where does the user live in tokyo"}, resp.Meta.Variants)
	require.NotEmpty(t, resp.Memories)
}

func TestRecallRerankerReorders(t *testing.T) {
	reranker := &fixedReranker{scores: []float64{0.1, 0.95}}
	gate, store, _, _, _ := newGateHarness(t, reranker, false)
	ctx := context.Background()

	// single matches one query term, triple matches all three; the rank
	// normalization puts single ahead of triple before reranking.
	triple := seedMemory(t, store, types.Memory{Content: "tokyo travel notes", Layer: types.LayerCore})
	single := seedMemory(t, store, types.Memory{Content: "one tokyo reference", Layer: types.LayerCore})

	resp, err := gate.Recall(ctx, RecallRequest{Query: "tokyo travel notes"})
	require.NoError(t, err)
	require.Len(t, resp.Memories, 2)
	assert.True(t, resp.Meta.Reranked)
	assert.Equal(t, triple, resp.Memories[0].Memory.ID, "reranker promoted the second fused hit")
	assert.Equal(t, single, resp.Memories[1].Memory.ID)
}

func TestRecallRerankerFailureKeepsFusedOrder(t *testing.T) {
	reranker := &fixedReranker{err: errors.New("rerank down")}
	gate, store, _, _, _ := newGateHarness(t, reranker, false)
	ctx := context.Background()

	seedMemory(t, store, types.Memory{Content: "tokyo travel notes", Layer: types.LayerCore})
	single := seedMemory(t, store, types.Memory{Content: "one tokyo reference", Layer: types.LayerCore})

	resp, err := gate.Recall(ctx, RecallRequest{Query: "tokyo travel notes"})
	require.NoError(t, err)
	require.Len(t, resp.Memories, 2)
	assert.False(t, resp.Meta.Reranked, "failed rerank must not claim success")
	assert.Equal(t, single, resp.Memories[0].Memory.ID)
}

// emptyReranker reports success with no scores, the shape a hot-swapped
// provider chain produces after reranking is disabled at runtime.
type emptyReranker struct{}

func (emptyReranker) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	return nil, nil
}

func TestRecallRerankerNoScoresKeepsFusedOrder(t *testing.T) {
	gate, store, _, _, _ := newGateHarness(t, emptyReranker{}, false)
	ctx := context.Background()

	seedMemory(t, store, types.Memory{Content: "tokyo travel notes", Layer: types.LayerCore})
	single := seedMemory(t, store, types.Memory{Content: "one tokyo reference", Layer: types.LayerCore})

	resp, err := gate.Recall(ctx, RecallRequest{Query: "tokyo travel notes"})
	require.NoError(t, err)
	require.Len(t, resp.Memories, 2)
	assert.False(t, resp.Meta.Reranked)
	assert.Equal(t, single, resp.Memories[0].Memory.ID, "fused order kept without scores")
}

func TestRecallRerankerKeepsWholeListOrdered(t *testing.T) {
	// All-zero rerank scores collapse the candidate window onto the
	// normalized original scale; entries past the window must land on the
	// same scale and the full list must come back sorted.
	reranker := &fixedReranker{scores: make([]float64, rerankCandidates)}
	gate, store, _, _, _ := newGateHarness(t, reranker, false)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		seedMemory(t, store, types.Memory{Content: "tokyo note " + string(rune('a'+i)), Layer: types.LayerCore})
	}

	resp, err := gate.Recall(ctx, RecallRequest{Query: "tokyo note"})
	require.NoError(t, err)
	require.Greater(t, len(resp.Memories), rerankCandidates)
	assert.True(t, resp.Meta.Reranked)
	for i := 1; i < len(resp.Memories); i++ {
		assert.GreaterOrEqual(t, resp.Memories[i-1].FinalScore, resp.Memories[i].FinalScore,
			"result %d out of order", i)
	}
}

func TestRecallBumpsAccessOncePerCall(t *testing.T) {
	gate, store, _, _, _ := newGateHarness(t, nil, false)
	ctx := context.Background()

	id := seedMemory(t, store, types.Memory{Content: "User lives in Tokyo", Layer: types.LayerCore})

	_, err := gate.Recall(ctx, RecallRequest{Query: "tokyo tokyo where"})
	require.NoError(t, err)

	m, err := store.GetMemory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, m.AccessCount, "variant fan-out must not double-bump")
}

func TestRecallOrderingIsStableAcrossCalls(t *testing.T) {
	gate, store, _, _, _ := newGateHarness(t, nil, false)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		seedMemory(t, store, types.Memory{Content: "tokyo note " + string(rune('a'+i)), Layer: types.LayerCore})
	}

	first, err := gate.Recall(ctx, RecallRequest{Query: "tokyo note"})
	require.NoError(t, err)
	for run := 0; run < 3; run++ {
		again, err := gate.Recall(ctx, RecallRequest{Query: "tokyo note"})
		require.NoError(t, err)
		require.Len(t, again.Memories, len(first.Memories))
		for i := range first.Memories {
			assert.Equal(t, first.Memories[i].Memory.ID, again.Memories[i].Memory.ID)
		}
	}
}
