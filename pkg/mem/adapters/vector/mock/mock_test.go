package mock

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/mem"
	"github.com/lexlapax/neurovault/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockIndexContract(t *testing.T) {
	testutil.RunVectorIndexSuite(t, func(t *testing.T) mem.VectorIndex {
		return NewMockIndex()
	})
}

func TestMockIndexInjection(t *testing.T) {
	ctx := context.Background()
	p := entity.Partition{TenantID: "acme", UserID: "u1"}
	idx := NewMockIndex()
	require.NoError(t, idx.Upsert(ctx, p, "a", []float32{1}))
	assert.Equal(t, 1, idx.Len("acme"))

	boom := fmt.Errorf("index down")
	idx.SetFailure(boom)
	_, err := idx.Search(ctx, p, []float32{1}, 1)
	assert.ErrorIs(t, err, boom)
	idx.SetFailure(nil)

	idx.SetLatency(time.Second)
	tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = idx.Search(tctx, p, []float32{1}, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
