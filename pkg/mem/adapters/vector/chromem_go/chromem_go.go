package chromem_go

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/log"
	"github.com/lexlapax/neurovault/pkg/mem"
	chromem "github.com/philippgille/chromem-go"
)

// ErrClosed is returned by Ping after Close.
var ErrClosed = errors.New("chromem index is closed")

const (
	metaTenant = "tenant_id"
	metaUser   = "user_id"
)

// ChromemGoAdapter implements VectorIndex on an embedded chromem-go database.
// Each tenant gets its own collection; users are separated by a metadata
// filter on every query.
type ChromemGoAdapter struct {
	db     *chromem.DB
	prefix string
	// path is the persistence directory, empty for an in-memory database
	path   string
	closed atomic.Bool

	mu          sync.RWMutex
	collections map[entity.TenantID]*chromem.Collection
}

var _ mem.VectorIndex = (*ChromemGoAdapter)(nil)

// NewChromemGoAdapter wraps an existing chromem DB. prefix namespaces the
// per-tenant collection names.
func NewChromemGoAdapter(db *chromem.DB, prefix string) (*ChromemGoAdapter, error) {
	if db == nil {
		return nil, fmt.Errorf("chromem client is nil")
	}
	if prefix == "" {
		prefix = "neurovault"
	}
	log.Debug("Initialized chromem-go vector index adapter", "collection_prefix", prefix)
	return &ChromemGoAdapter{
		db:          db,
		prefix:      prefix,
		collections: make(map[entity.TenantID]*chromem.Collection),
	}, nil
}

// Open creates an in-memory database, or a persistent one when path is set.
func Open(path, prefix string) (*ChromemGoAdapter, error) {
	db := chromem.NewDB()
	if path != "" {
		var err error
		if db, err = chromem.NewPersistentDB(path, false); err != nil {
			return nil, fmt.Errorf("failed to open chromem database at %s: %w", path, err)
		}
	}
	adapter, err := NewChromemGoAdapter(db, prefix)
	if err != nil {
		return nil, err
	}
	adapter.path = path
	return adapter, nil
}

func (c *ChromemGoAdapter) collection(tenantID entity.TenantID) (*chromem.Collection, error) {
	c.mu.RLock()
	col, ok := c.collections[tenantID]
	c.mu.RUnlock()
	if ok {
		return col, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok := c.collections[tenantID]; ok {
		return col, nil
	}
	// Embeddings are always supplied by the caller, so no embedding func is needed.
	col, err := c.db.GetOrCreateCollection(fmt.Sprintf("%s_%s", c.prefix, tenantID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection for tenant %s: %w", tenantID, err)
	}
	c.collections[tenantID] = col
	return col, nil
}

// Upsert adds or replaces the vector of a memory.
func (c *ChromemGoAdapter) Upsert(ctx context.Context, partition entity.Partition, id string, vector []float32) error {
	col, err := c.collection(partition.TenantID)
	if err != nil {
		return err
	}
	err = col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Embedding: vector,
		Metadata: map[string]string{
			metaTenant: string(partition.TenantID),
			metaUser:   partition.UserID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to add document %s: %w", id, err)
	}
	return nil
}

// Search queries the tenant collection filtered to the user.
func (c *ChromemGoAdapter) Search(ctx context.Context, partition entity.Partition, query []float32, topK int) ([]mem.Match, error) {
	col, err := c.collection(partition.TenantID)
	if err != nil {
		return nil, err
	}

	// chromem-go rejects nResults larger than the collection
	n := topK
	if count := col.Count(); n > count {
		n = count
	}
	if n <= 0 {
		return []mem.Match{}, nil
	}

	where := map[string]string{
		metaTenant: string(partition.TenantID),
		metaUser:   partition.UserID,
	}
	results, err := col.QueryEmbedding(ctx, query, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}

	matches := make([]mem.Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, mem.Match{ID: r.ID, Similarity: mem.CosineToUnit(float64(r.Similarity))})
	}
	log.DebugContext(ctx, "chromem-go search", "partition", partition.String(), "requested", topK, "returned", len(matches))
	return matches, nil
}

// Delete removes a memory's vector; unknown ids are ignored.
func (c *ChromemGoAdapter) Delete(ctx context.Context, tenantID entity.TenantID, id string) error {
	col, err := c.collection(tenantID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	return nil
}

// Ping fails after Close and, for a persistent database, when the
// persistence directory can no longer be written.
func (c *ChromemGoAdapter) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}
	if c.path == "" {
		return nil
	}
	f, err := os.CreateTemp(c.path, ".ping-*")
	if err != nil {
		return fmt.Errorf("chromem directory %s is not writable: %w", c.path, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Close marks the index closed; persistent databases write through on
// every change, so there is nothing to flush.
func (c *ChromemGoAdapter) Close() error {
	c.closed.Store(true)
	return nil
}
