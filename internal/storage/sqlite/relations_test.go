package sqlite

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexmem/cortex/internal/storage"
	"github.com/cortexmem/cortex/pkg/types"
)

func TestUpsertRelationInsertThenEMA(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	r, err := store.UpsertRelation(ctx, &types.Relation{
		Subject: "Harry", Predicate: "lives_in", Object: "东京",
		Confidence: 0.8, Source: "ingest",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, r.ExtractionCount)
	assert.InDelta(t, 0.8, r.Confidence, 1e-9)

	// Re-extraction folds in via EMA: 0.3*0.6 + 0.7*0.8 = 0.74.
	r2, err := store.UpsertRelation(ctx, &types.Relation{
		Subject: "Harry", Predicate: "lives_in", Object: "东京",
		Confidence: 0.6,
	})
	require.NoError(t, err)
	assert.Equal(t, r.ID, r2.ID)
	assert.Equal(t, 2, r2.ExtractionCount)
	assert.InDelta(t, 0.74, r2.Confidence, 1e-9)

	var evidence int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM relation_evidence WHERE relation_id = ?`, r.ID).Scan(&evidence))
	assert.Equal(t, 2, evidence)
}

func TestUpsertRelationSourceMemoryOnlyFilledWhenNull(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.UpsertRelation(ctx, &types.Relation{
		Subject: "Harry", Predicate: "uses", Object: "Caddy",
		Confidence: 0.7, SourceMemoryID: "mem-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "mem-1", first.SourceMemoryID)

	second, err := store.UpsertRelation(ctx, &types.Relation{
		Subject: "Harry", Predicate: "uses", Object: "Caddy",
		Confidence: 0.9, SourceMemoryID: "mem-2",
	})
	require.NoError(t, err)
	assert.Equal(t, "mem-1", second.SourceMemoryID, "existing source_memory_id must not be overwritten")
}

func TestUpsertRelationValidation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertRelation(ctx, &types.Relation{
		Subject: "Harry", Predicate: "married_to", Object: "X", Confidence: 0.9,
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = store.UpsertRelation(ctx, &types.Relation{
		Subject: "", Predicate: "uses", Object: "X", Confidence: 0.9,
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = store.UpsertRelation(ctx, &types.Relation{
		Subject: "Harry", Predicate: "uses", Object: "X", Confidence: 1.2,
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

// Property: after any sequence of upserts, confidence stays within [0,1].
func TestRelationEMABounds(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		r, err := store.UpsertRelation(ctx, &types.Relation{
			Subject: "Harry", Predicate: "prefers", Object: "dark mode",
			Confidence: rng.Float64(),
		})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, r.Confidence, 0.0)
		assert.LessOrEqual(t, r.Confidence, 1.0)
	}
}

func TestListAndDeleteRelations(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	r, err := store.UpsertRelation(ctx, &types.Relation{
		Subject: "Harry", Predicate: "works_at", Object: "Acme", Confidence: 0.9,
	})
	require.NoError(t, err)
	_, err = store.UpsertRelation(ctx, &types.Relation{
		Subject: "Harry", Predicate: "not_uses", Object: "Nginx", Confidence: 0.8, Expired: true,
	})
	require.NoError(t, err)

	active, err := store.ListRelations(ctx, storage.RelationFilter{AgentID: types.DefaultAgentID})
	require.NoError(t, err)
	assert.Len(t, active, 1, "expired relations are hidden by default")

	all, err := store.ListRelations(ctx, storage.RelationFilter{AgentID: types.DefaultAgentID, IncludeExpired: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	bySubject, err := store.ListRelations(ctx, storage.RelationFilter{Subject: "Harry", Predicate: "works_at"})
	require.NoError(t, err)
	require.Len(t, bySubject, 1)
	assert.Equal(t, "Acme", bySubject[0].Object)

	require.NoError(t, store.DeleteRelation(ctx, r.ID))
	assert.ErrorIs(t, store.DeleteRelation(ctx, r.ID), storage.ErrNotFound)
}
