package testutil

import (
	"context"
	"testing"

	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunVectorIndexSuite exercises the VectorIndex contract against a fresh
// index produced by newIndex for every subtest. Vectors are 3-dimensional.
func RunVectorIndexSuite(t *testing.T, newIndex func(t *testing.T) mem.VectorIndex) {
	ctx := context.Background()
	alice := entity.Partition{TenantID: "acme", UserID: "alice"}
	bob := entity.Partition{TenantID: "acme", UserID: "bob"}
	mallory := entity.Partition{TenantID: "evil", UserID: "alice"}

	t.Run("SearchOrdersBySimilarity", func(t *testing.T) {
		idx := newIndex(t)
		require.NoError(t, idx.Upsert(ctx, alice, "x", []float32{1, 0, 0}))
		require.NoError(t, idx.Upsert(ctx, alice, "xy", []float32{1, 1, 0}))
		require.NoError(t, idx.Upsert(ctx, alice, "z", []float32{0, 0, 1}))

		matches, err := idx.Search(ctx, alice, []float32{1, 0, 0}, 3)
		require.NoError(t, err)
		require.Len(t, matches, 3)
		assert.Equal(t, "x", matches[0].ID)
		assert.InDelta(t, 1.0, matches[0].Similarity, 1e-4)
		assert.Equal(t, "xy", matches[1].ID)
		assert.Equal(t, "z", matches[2].ID)
		assert.InDelta(t, 0.5, matches[2].Similarity, 1e-4)
		for _, m := range matches {
			assert.GreaterOrEqual(t, m.Similarity, 0.0)
			assert.LessOrEqual(t, m.Similarity, 1.0)
		}

		top1, err := idx.Search(ctx, alice, []float32{1, 0, 0}, 1)
		require.NoError(t, err)
		require.Len(t, top1, 1)
		assert.Equal(t, "x", top1[0].ID)
	})

	t.Run("PartitionIsolation", func(t *testing.T) {
		idx := newIndex(t)
		require.NoError(t, idx.Upsert(ctx, alice, "a1", []float32{1, 0, 0}))
		require.NoError(t, idx.Upsert(ctx, bob, "b1", []float32{1, 0, 0}))
		require.NoError(t, idx.Upsert(ctx, mallory, "m1", []float32{1, 0, 0}))

		for _, p := range []entity.Partition{alice, bob, mallory} {
			matches, err := idx.Search(ctx, p, []float32{1, 0, 0}, 10)
			require.NoError(t, err)
			require.Len(t, matches, 1, p.String())
		}

		matches, err := idx.Search(ctx, entity.Partition{TenantID: "acme", UserID: "nobody"}, []float32{1, 0, 0}, 10)
		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("UpsertReplaces", func(t *testing.T) {
		idx := newIndex(t)
		require.NoError(t, idx.Upsert(ctx, alice, "a1", []float32{1, 0, 0}))
		require.NoError(t, idx.Upsert(ctx, alice, "a1", []float32{0, 1, 0}))

		matches, err := idx.Search(ctx, alice, []float32{0, 1, 0}, 5)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.InDelta(t, 1.0, matches[0].Similarity, 1e-4)
	})

	t.Run("Delete", func(t *testing.T) {
		idx := newIndex(t)
		require.NoError(t, idx.Upsert(ctx, alice, "a1", []float32{1, 0, 0}))
		require.NoError(t, idx.Upsert(ctx, alice, "a2", []float32{0, 1, 0}))
		require.NoError(t, idx.Delete(ctx, alice.TenantID, "a1"))
		require.NoError(t, idx.Delete(ctx, alice.TenantID, "never-existed"))

		matches, err := idx.Search(ctx, alice, []float32{1, 0, 0}, 5)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "a2", matches[0].ID)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, newIndex(t).Ping(ctx))
	})
}
