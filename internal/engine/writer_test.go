package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexmem/cortex/internal/clock"
	"github.com/cortexmem/cortex/internal/storage"
	"github.com/cortexmem/cortex/pkg/types"
)

func newWriterHarness(t *testing.T) (*MemoryWriter, *fakeStore, *fakeIndex, *mappedEmbedder, *scriptedChat, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	store := newFakeStore(clk.Now)
	index := newFakeIndex()
	embedder := newMappedEmbedder()
	chat := &scriptedChat{fallback: `{"action":"keep"}`}
	writer := NewMemoryWriter(store, index, embedder, chat, clk, testMemoryConfig())
	return writer, store, index, embedder, chat, clk
}

// seedCandidate inserts an active memory and registers its vector.
func seedCandidate(t *testing.T, store *fakeStore, index *fakeIndex, content string, vec []float32) *types.Memory {
	t.Helper()
	m := &types.Memory{
		Layer:      types.LayerCore,
		Category:   types.CategoryFact,
		Content:    content,
		Source:     "ingest",
		Importance: 0.6,
		Confidence: 0.8,
	}
	require.NoError(t, store.InsertMemory(context.Background(), m))
	require.NoError(t, index.Upsert(context.Background(), m.ID, vec, m.AgentID))
	return m
}

func TestWriteRoutesLayerByImportance(t *testing.T) {
	writer, _, index, _, _, clk := newWriterHarness(t)
	ctx := context.Background()

	core, err := writer.Write(ctx, WriteRequest{
		Extraction: types.Extraction{Content: "User's name is Harry", Category: types.CategoryIdentity, Importance: 0.9, Source: types.SourceUserStated},
		Source:     "ingest",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionInserted, core.Action)
	assert.Equal(t, types.LayerCore, core.Memory.Layer)
	assert.Nil(t, core.Memory.ExpiresAt)
	assert.InDelta(t, 0.9, core.Memory.Confidence, 1e-9) // user_stated

	working, err := writer.Write(ctx, WriteRequest{
		Extraction: types.Extraction{Content: "Mentioned a trip next month", Category: types.CategoryContext, Importance: 0.4, Source: types.SourceUserImplied},
		Source:     "ingest",
	})
	require.NoError(t, err)
	assert.Equal(t, types.LayerWorking, working.Memory.Layer)
	require.NotNil(t, working.Memory.ExpiresAt)
	assert.Equal(t, clk.Now().UTC().Add(72*time.Hour), *working.Memory.ExpiresAt)
	assert.InDelta(t, 0.7, working.Memory.Confidence, 1e-9) // user_implied

	n, err := index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestWriteExactDuplicateBumpsCandidate(t *testing.T) {
	writer, store, index, embedder, chat, _ := newWriterHarness(t)
	ctx := context.Background()

	candidate := seedCandidate(t, store, index, "User lives in Tokyo", []float32{1, 0, 0})
	embedder.set("User lives in Tokyo.", []float32{1, 0, 0}) // distance 0

	res, err := writer.Write(ctx, WriteRequest{
		Extraction: types.Extraction{Content: "User lives in Tokyo.", Category: types.CategoryIdentity, Importance: 0.8, Source: types.SourceUserStated},
		Source:     "ingest",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionDeduped, res.Action)
	assert.Equal(t, candidate.ID, res.CandidateID)
	assert.Nil(t, res.Memory)

	bumped, err := store.GetMemory(ctx, candidate.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, bumped.Importance, 1e-9)  // max(0.6, 0.8)
	assert.InDelta(t, 0.85, bumped.Confidence, 1e-9) // 0.8 + 0.05

	assert.Zero(t, chat.callCount(), "exact dup must not consult the model")
	assert.Equal(t, 1, store.activeCount())
}

func TestWriteSmartUpdateReplace(t *testing.T) {
	writer, store, index, embedder, chat, _ := newWriterHarness(t)
	ctx := context.Background()

	candidate := seedCandidate(t, store, index, "User works at Acme", []float32{1, 0, 0})
	// cos = 0.8 → distance 0.2, inside the smart-update band.
	embedder.set("User now works at Globex", []float32{0.8, 0.6, 0})
	chat.on("Compare an existing memory", `{"action":"replace","reason":"employer changed"}`)

	res, err := writer.Write(ctx, WriteRequest{
		Extraction: types.Extraction{Content: "User now works at Globex", Category: types.CategoryFact, Importance: 0.7, Source: types.SourceUserStated},
		Source:     "ingest",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionReplaced, res.Action)
	require.NotNil(t, res.Memory)
	assert.Equal(t, candidate.ID, res.SupersededID)

	old, err := store.GetMemory(ctx, candidate.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Memory.ID, old.SupersededBy)
	assert.Equal(t, "replace", res.Memory.Metadata["smart_update_type"])
}

func TestWriteSmartUpdateMergeRewritesContent(t *testing.T) {
	writer, store, index, embedder, chat, _ := newWriterHarness(t)
	ctx := context.Background()

	candidate := seedCandidate(t, store, index, "User drinks coffee", []float32{1, 0, 0})
	embedder.set("User drinks oat-milk coffee", []float32{0.8, 0.6, 0})
	merged := "User drinks coffee, usually with oat milk"
	chat.on("Compare an existing memory", `{"action":"merge","merged_content":"`+merged+`"}`)

	res, err := writer.Write(ctx, WriteRequest{
		Extraction: types.Extraction{Content: "User drinks oat-milk coffee", Category: types.CategoryPreference, Importance: 0.6, Source: types.SourceUserStated},
		Source:     "ingest",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionMerged, res.Action)
	assert.Equal(t, merged, res.Memory.Content)

	old, err := store.GetMemory(ctx, candidate.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Memory.ID, old.SupersededBy)
}

func TestWriteSmartUpdateKeepWritesNothing(t *testing.T) {
	writer, store, index, embedder, chat, _ := newWriterHarness(t)
	ctx := context.Background()

	seedCandidate(t, store, index, "User has two cats", []float32{1, 0, 0})
	embedder.set("User owns a pair of cats", []float32{0.8, 0.6, 0})
	chat.on("Compare an existing memory", `{"action":"keep"}`)

	res, err := writer.Write(ctx, WriteRequest{
		Extraction: types.Extraction{Content: "User owns a pair of cats", Category: types.CategoryFact, Importance: 0.5, Source: types.SourceUserStated},
		Source:     "ingest",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionKept, res.Action)
	assert.Nil(t, res.Memory)
	assert.Equal(t, 1, store.activeCount())
}

func TestWriteSmartUpdateFailureDegradesToKeep(t *testing.T) {
	writer, store, index, embedder, chat, _ := newWriterHarness(t)
	ctx := context.Background()

	seedCandidate(t, store, index, "User has two cats", []float32{1, 0, 0})
	embedder.set("User owns a pair of cats", []float32{0.8, 0.6, 0})
	chat.err = errors.New("provider down")

	res, err := writer.Write(ctx, WriteRequest{
		Extraction: types.Extraction{Content: "User owns a pair of cats", Category: types.CategoryFact, Importance: 0.5, Source: types.SourceUserStated},
		Source:     "ingest",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionKept, res.Action)
	assert.Equal(t, 1, store.activeCount())
}

func TestWriteLegacyPathSkipsSmartUpdate(t *testing.T) {
	writer, store, index, embedder, chat, _ := newWriterHarness(t)
	ctx := context.Background()

	seedCandidate(t, store, index, "User works at Acme", []float32{1, 0, 0})
	embedder.set("User now works at Globex", []float32{0.8, 0.6, 0}) // distance 0.2

	res, err := writer.Write(ctx, WriteRequest{
		Extraction: types.Extraction{Content: "User now works at Globex", Category: types.CategoryFact, Importance: 0.7, Source: types.SourceObservedPattern},
		Source:     "ingest",
		LegacyPath: true,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionInserted, res.Action)
	assert.Zero(t, chat.callCount())
	assert.Equal(t, 2, store.activeCount())
}

func TestWriteDistantContentInserts(t *testing.T) {
	writer, store, index, embedder, _, _ := newWriterHarness(t)
	ctx := context.Background()

	seedCandidate(t, store, index, "User works at Acme", []float32{1, 0, 0})
	// cos = 0.5 → distance 0.5, beyond the similarity band.
	embedder.set("User plays the violin", []float32{0.5, 0.866, 0})

	res, err := writer.Write(ctx, WriteRequest{
		Extraction: types.Extraction{Content: "User plays the violin", Category: types.CategorySkill, Importance: 0.6, Source: types.SourceUserStated},
		Source:     "ingest",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionInserted, res.Action)
	assert.Equal(t, 2, store.activeCount())
}

func TestWritePinnedCandidateIsInvisibleToDedup(t *testing.T) {
	writer, store, index, embedder, _, _ := newWriterHarness(t)
	ctx := context.Background()

	pinned := seedCandidate(t, store, index, "User lives in Tokyo", []float32{1, 0, 0})
	truthy := true
	require.NoError(t, store.UpdateMemory(ctx, pinned.ID, storage.MemoryPatch{IsPinned: &truthy}))

	embedder.set("User lives in Tokyo.", []float32{1, 0, 0})
	res, err := writer.Write(ctx, WriteRequest{
		Extraction: types.Extraction{Content: "User lives in Tokyo.", Category: types.CategoryIdentity, Importance: 0.8, Source: types.SourceUserStated},
		Source:     "ingest",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionInserted, res.Action)

	unchanged, err := store.GetMemory(ctx, pinned.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, unchanged.Importance, 1e-9)
	assert.Empty(t, unchanged.SupersededBy)
}

func TestWriteWithoutEmbeddingStillInserts(t *testing.T) {
	writer, store, index, embedder, _, _ := newWriterHarness(t)
	ctx := context.Background()

	embedder.err = errors.New("provider down")
	res, err := writer.Write(ctx, WriteRequest{
		Extraction: types.Extraction{Content: "User prefers dark mode", Category: types.CategoryPreference, Importance: 0.6, Source: types.SourceUserStated},
		Source:     "ingest",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionInserted, res.Action)
	assert.Equal(t, 1, store.activeCount())

	n, err := index.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "no vector without an embedding")
}

func TestWriteConfidenceOverride(t *testing.T) {
	writer, _, _, _, _, _ := newWriterHarness(t)

	res, err := writer.Write(context.Background(), WriteRequest{
		Extraction: types.Extraction{Content: "用户决定以后用Go写服务", Category: types.CategoryDecision, Importance: 0.7, Source: types.SourceObservedPattern},
		Source:     "ingest",
		Confidence: 0.85,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.85, res.Memory.Confidence, 1e-9)
}
