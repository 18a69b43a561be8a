package mem

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/errors"
	"github.com/lexlapax/neurovault/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails Get a configurable number of times before answering.
type flakyStore struct {
	MetadataStore
	failures int
	calls    int
	err      error
	delay    time.Duration
}

func (f *flakyStore) Get(ctx context.Context, tenantID entity.TenantID, id string) (*Record, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &Record{ID: id, TenantID: tenantID}, nil
}

func (f *flakyStore) TouchAccess(ctx context.Context, tenantID entity.TenantID, ids []string, at time.Time) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func testGuard() GuardConfig {
	return GuardConfig{
		Timeout: 50 * time.Millisecond,
		Retry:   retry.Policy{Attempts: 3, InitialDelay: time.Millisecond},
	}
}

func TestGuardedStoreRetriesTransientFailures(t *testing.T) {
	inner := &flakyStore{failures: 2, err: fmt.Errorf("connection reset")}
	rec, err := GuardStore(inner, testGuard()).Get(context.Background(), "acme", "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", rec.ID)
	assert.Equal(t, 3, inner.calls)
}

func TestGuardedStoreExhaustion(t *testing.T) {
	inner := &flakyStore{failures: 10, err: fmt.Errorf("connection reset")}
	_, err := GuardStore(inner, testGuard()).Get(context.Background(), "acme", "r1")
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
	assert.Equal(t, 3, inner.calls)
}

func TestGuardedStoreTouchAccessIsSingleShot(t *testing.T) {
	inner := &flakyStore{failures: 1, err: fmt.Errorf("deadline exceeded after commit")}
	err := GuardStore(inner, testGuard()).TouchAccess(context.Background(), "acme", []string{"r1"}, time.Now())
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
	assert.Equal(t, 1, inner.calls)
}

func TestGuardedStoreDoesNotRetryDomainErrors(t *testing.T) {
	inner := &flakyStore{failures: 10, err: errors.ErrNotFound}
	_, err := GuardStore(inner, testGuard()).Get(context.Background(), "acme", "r1")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.NotErrorIs(t, err, errors.ErrStorageUnavailable)
	assert.Equal(t, 1, inner.calls)
}

func TestGuardedStoreTimeout(t *testing.T) {
	inner := &flakyStore{delay: time.Second}
	cfg := testGuard()
	cfg.Retry.Attempts = 1

	start := time.Now()
	_, err := GuardStore(inner, cfg).Get(context.Background(), "acme", "r1")
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

type slowIndex struct {
	VectorIndex
}

func (slowIndex) Search(ctx context.Context, _ entity.Partition, _ []float32, _ int) ([]Match, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestGuardedIndexTimeout(t *testing.T) {
	idx := GuardIndex(slowIndex{}, GuardConfig{Timeout: 20 * time.Millisecond})
	_, err := idx.Search(context.Background(), entity.Partition{TenantID: "acme", UserID: "u1"}, []float32{1}, 3)
	assert.ErrorIs(t, err, errors.ErrIndexUnavailable)
}
