package pgvector

import (
	"context"
	"os"
	"testing"

	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/mem"
	"github.com/lexlapax/neurovault/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T) *PgvectorAdapter {
	dsn := os.Getenv("NEUROVAULT_TEST_POSTGRES_DSN")
	if dsn == "" || testing.Short() {
		t.Skip("Skipping pgvector test. Set NEUROVAULT_TEST_POSTGRES_DSN to run.")
	}

	ctx := context.Background()
	adapter, err := NewPgvectorAdapter(ctx, PgvectorConfig{
		ConnectionString: dsn,
		TableName:        "test_memory_vectors",
		DimensionSize:    3,
	})
	require.NoError(t, err)
	_, err = adapter.DB().Exec(ctx, "TRUNCATE test_memory_vectors")
	require.NoError(t, err)

	t.Cleanup(func() { adapter.Close() })
	return adapter
}

func TestPgvectorAdapterContract(t *testing.T) {
	testutil.RunVectorIndexSuite(t, func(t *testing.T) mem.VectorIndex {
		return connect(t)
	})
}

func TestPgvectorAdapterRejectsWrongDimensions(t *testing.T) {
	adapter := connect(t)
	err := adapter.Upsert(context.Background(), entity.Partition{TenantID: "a", UserID: "b"}, "x", []float32{1, 2})
	assert.Error(t, err)
}

func TestNewPgvectorAdapterRequiresConnectionString(t *testing.T) {
	_, err := NewPgvectorAdapter(context.Background(), PgvectorConfig{})
	assert.Error(t, err)
}
