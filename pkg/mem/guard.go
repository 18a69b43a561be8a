package mem

import (
	"context"
	"time"

	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/errors"
	"github.com/lexlapax/neurovault/pkg/log"
	"github.com/lexlapax/neurovault/pkg/retry"
)

// GuardConfig bounds every call made through a guard.
type GuardConfig struct {
	// Timeout applies to each attempt
	Timeout time.Duration
	Retry   retry.Policy
}

// DefaultStoreGuard is 500ms per attempt with three attempts.
func DefaultStoreGuard() GuardConfig {
	return GuardConfig{Timeout: 500 * time.Millisecond, Retry: retry.DefaultPolicy()}
}

// DefaultIndexGuard is a single 500ms attempt; the retrieval path degrades instead of retrying.
func DefaultIndexGuard() GuardConfig {
	p := retry.DefaultPolicy()
	p.Attempts = 1
	return GuardConfig{Timeout: 500 * time.Millisecond, Retry: p}
}

func guarded(ctx context.Context, cfg GuardConfig, sentinel error, op string, fn func(ctx context.Context) error) error {
	policy := cfg.Retry
	policy.Retryable = func(err error) bool { return !errors.IsPermanent(err) }

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		if cfg.Timeout <= 0 {
			return fn(ctx)
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		return fn(cctx)
	})
	if err == nil || errors.IsPermanent(err) {
		return err
	}
	log.WarnContext(ctx, "Backend call failed", "op", op, "error", err)
	return errors.Mark(errors.Wrap(err, "%s", op), sentinel)
}

// GuardedStore decorates a MetadataStore with per-call timeouts and bounded
// retries. Exhausted transient failures surface as errors.ErrStorageUnavailable.
type GuardedStore struct {
	inner MetadataStore
	cfg   GuardConfig
}

// GuardStore wraps store with cfg.
func GuardStore(store MetadataStore, cfg GuardConfig) *GuardedStore {
	return &GuardedStore{inner: store, cfg: cfg}
}

// Inner returns the wrapped store.
func (g *GuardedStore) Inner() MetadataStore { return g.inner }

func (g *GuardedStore) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return guarded(ctx, g.cfg, errors.ErrStorageUnavailable, "metadata "+op, fn)
}

func (g *GuardedStore) Put(ctx context.Context, record *Record) (string, error) {
	var id string
	err := g.call(ctx, "put", func(ctx context.Context) (err error) {
		id, err = g.inner.Put(ctx, record)
		return err
	})
	return id, err
}

func (g *GuardedStore) Get(ctx context.Context, tenantID entity.TenantID, id string) (*Record, error) {
	var rec *Record
	err := g.call(ctx, "get", func(ctx context.Context) (err error) {
		rec, err = g.inner.Get(ctx, tenantID, id)
		return err
	})
	return rec, err
}

func (g *GuardedStore) GetMany(ctx context.Context, tenantID entity.TenantID, ids []string) ([]*Record, error) {
	var recs []*Record
	err := g.call(ctx, "get_many", func(ctx context.Context) (err error) {
		recs, err = g.inner.GetMany(ctx, tenantID, ids)
		return err
	})
	return recs, err
}

func (g *GuardedStore) Update(ctx context.Context, tenantID entity.TenantID, id string, patch Patch) (*Record, error) {
	var rec *Record
	err := g.call(ctx, "update", func(ctx context.Context) (err error) {
		rec, err = g.inner.Update(ctx, tenantID, id, patch)
		return err
	})
	return rec, err
}

func (g *GuardedStore) ListCandidates(ctx context.Context, partition entity.Partition, filter Filter, limit int) ([]*Record, error) {
	var recs []*Record
	err := g.call(ctx, "list_candidates", func(ctx context.Context) (err error) {
		recs, err = g.inner.ListCandidates(ctx, partition, filter, limit)
		return err
	})
	return recs, err
}

func (g *GuardedStore) Archive(ctx context.Context, tenantID entity.TenantID, id string, actor string) error {
	return g.call(ctx, "archive", func(ctx context.Context) error {
		return g.inner.Archive(ctx, tenantID, id, actor)
	})
}

func (g *GuardedStore) Delete(ctx context.Context, tenantID entity.TenantID, id string, actor string) error {
	return g.call(ctx, "delete", func(ctx context.Context) error {
		return g.inner.Delete(ctx, tenantID, id, actor)
	})
}

// TouchAccess makes a single attempt. Incrementing access_count is not
// idempotent, and an attempt that timed out may still have committed.
func (g *GuardedStore) TouchAccess(ctx context.Context, tenantID entity.TenantID, ids []string, at time.Time) error {
	cfg := g.cfg
	cfg.Retry.Attempts = 1
	return guarded(ctx, cfg, errors.ErrStorageUnavailable, "metadata touch_access", func(ctx context.Context) error {
		return g.inner.TouchAccess(ctx, tenantID, ids, at)
	})
}

func (g *GuardedStore) Partitions(ctx context.Context) ([]entity.Partition, error) {
	var parts []entity.Partition
	err := g.call(ctx, "partitions", func(ctx context.Context) (err error) {
		parts, err = g.inner.Partitions(ctx)
		return err
	})
	return parts, err
}

func (g *GuardedStore) AuditLog(ctx context.Context, tenantID entity.TenantID, recordID string) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := g.call(ctx, "audit_log", func(ctx context.Context) (err error) {
		entries, err = g.inner.AuditLog(ctx, tenantID, recordID)
		return err
	})
	return entries, err
}

func (g *GuardedStore) Ping(ctx context.Context) error {
	return guarded(ctx, GuardConfig{Timeout: g.cfg.Timeout}, errors.ErrStorageUnavailable, "metadata ping", g.inner.Ping)
}

func (g *GuardedStore) Close() error {
	return g.inner.Close()
}

// GuardedIndex decorates a VectorIndex the same way; failures and timeouts
// surface as errors.ErrIndexUnavailable.
type GuardedIndex struct {
	inner VectorIndex
	cfg   GuardConfig
}

// GuardIndex wraps index with cfg.
func GuardIndex(index VectorIndex, cfg GuardConfig) *GuardedIndex {
	return &GuardedIndex{inner: index, cfg: cfg}
}

// Inner returns the wrapped index.
func (g *GuardedIndex) Inner() VectorIndex { return g.inner }

func (g *GuardedIndex) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return guarded(ctx, g.cfg, errors.ErrIndexUnavailable, "vector "+op, fn)
}

func (g *GuardedIndex) Upsert(ctx context.Context, partition entity.Partition, id string, vector []float32) error {
	return g.call(ctx, "upsert", func(ctx context.Context) error {
		return g.inner.Upsert(ctx, partition, id, vector)
	})
}

func (g *GuardedIndex) Search(ctx context.Context, partition entity.Partition, query []float32, topK int) ([]Match, error) {
	var matches []Match
	err := g.call(ctx, "search", func(ctx context.Context) (err error) {
		matches, err = g.inner.Search(ctx, partition, query, topK)
		return err
	})
	return matches, err
}

func (g *GuardedIndex) Delete(ctx context.Context, tenantID entity.TenantID, id string) error {
	return g.call(ctx, "delete", func(ctx context.Context) error {
		return g.inner.Delete(ctx, tenantID, id)
	})
}

func (g *GuardedIndex) Ping(ctx context.Context) error {
	return guarded(ctx, GuardConfig{Timeout: g.cfg.Timeout}, errors.ErrIndexUnavailable, "vector ping", g.inner.Ping)
}

func (g *GuardedIndex) Close() error {
	return g.inner.Close()
}
