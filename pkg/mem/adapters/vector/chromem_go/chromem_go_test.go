package chromem_go

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/mem"
	"github.com/lexlapax/neurovault/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) mem.VectorIndex {
	client, cleanup := testutil.CreateTempChromemGoClient(t)
	t.Cleanup(cleanup)

	idx, err := NewChromemGoAdapter(client, "test")
	require.NoError(t, err)
	return idx
}

func TestChromemGoAdapterContract(t *testing.T) {
	testutil.RunVectorIndexSuite(t, newTestIndex)
}

func TestChromemGoAdapterRejectsNilClient(t *testing.T) {
	_, err := NewChromemGoAdapter(nil, "x")
	assert.Error(t, err)
}

func TestChromemGoAdapterPersistent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chromem")
	p := entity.Partition{TenantID: "acme", UserID: "u1"}

	idx, err := Open(path, "persist")
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(ctx, p, "m1", []float32{0.1, 0.9, 0}))

	reopened, err := Open(path, "persist")
	require.NoError(t, err)
	matches, err := reopened.Search(ctx, p, []float32{0.1, 0.9, 0}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "m1", matches[0].ID)
}

func TestChromemGoAdapterPing(t *testing.T) {
	ctx := context.Background()

	t.Run("in memory", func(t *testing.T) {
		idx, err := Open("", "mem")
		require.NoError(t, err)
		assert.NoError(t, idx.Ping(ctx))
		require.NoError(t, idx.Close())
		assert.ErrorIs(t, idx.Ping(ctx), ErrClosed)
	})

	t.Run("persistent directory removed", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "chromem")
		idx, err := Open(path, "persist")
		require.NoError(t, err)
		assert.NoError(t, idx.Ping(ctx))

		entries, err := os.ReadDir(path)
		require.NoError(t, err)
		assert.Empty(t, entries, "ping leaves no files behind")

		require.NoError(t, os.RemoveAll(path))
		assert.Error(t, idx.Ping(ctx))
	})
}
