package mock

import (
	"context"
	"fmt"
	"testing"

	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/mem"
	"github.com/lexlapax/neurovault/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStoreContract(t *testing.T) {
	testutil.RunMetadataStoreSuite(t, func(t *testing.T) mem.MetadataStore {
		return NewMockStore()
	})
}

func TestMockStoreFailureInjection(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()
	p := entity.Partition{TenantID: "acme", UserID: "u1"}

	id, err := store.Put(ctx, testutil.NewRecord(p, "hello"))
	require.NoError(t, err)

	boom := fmt.Errorf("connection lost")
	store.SetFailure(boom)
	_, err = store.Get(ctx, p.TenantID, id)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, store.Ping(ctx), boom)

	store.SetFailure(nil)
	_, err = store.Get(ctx, p.TenantID, id)
	assert.NoError(t, err)
}

func TestMockStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()
	p := entity.Partition{TenantID: "acme", UserID: "u1"}

	id, err := store.Put(ctx, testutil.NewRecord(p, "original"))
	require.NoError(t, err)

	got, err := store.Get(ctx, p.TenantID, id)
	require.NoError(t, err)
	got.Content = "mutated"

	again, err := store.Get(ctx, p.TenantID, id)
	require.NoError(t, err)
	assert.Equal(t, "original", again.Content)
}
