// Package cache holds recent retrieval results per partition.
//
// Entries are keyed by partition, a per-partition generation number and a
// digest of the query. Invalidating a partition bumps its generation, which
// orphans every older entry at once; orphans age out through the TTL or the
// admission policy.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/log"
)

// ErrClosed is returned by Ping after Close.
var ErrClosed = errors.New("cache is closed")

// Config sizes the cache.
type Config struct {
	MaxEntries int64
	TTL        time.Duration
}

// DefaultConfig returns 10k entries with a 60 second TTL.
func DefaultConfig() Config {
	return Config{MaxEntries: 10_000, TTL: 60 * time.Second}
}

// Key identifies one cached query.
type Key struct {
	Partition      entity.Partition
	Query          string
	TopK           int
	ConversationID string
	MinRelevance   float64

	gen    uint64
	pinned bool
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits   uint64  `json:"hits"`
	Misses uint64  `json:"misses"`
	Ratio  float64 `json:"ratio"`
}

// Cache stores values of type V. Stored values are shared between readers
// and must not be mutated after Set.
type Cache[V any] struct {
	store  *ristretto.Cache
	ttl    time.Duration
	closed atomic.Bool

	mu   sync.Mutex
	gens map[entity.Partition]uint64
}

// New builds a cache. Zero config fields take their defaults.
func New[V any](cfg Config) (*Cache[V], error) {
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}

	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        cfg.MaxEntries * 10,
		MaxCost:            cfg.MaxEntries,
		BufferItems:        64,
		Metrics:            true,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	log.Info("Initialized retrieval cache", "max_entries", cfg.MaxEntries, "ttl", cfg.TTL)
	return &Cache[V]{
		store: store,
		ttl:   cfg.TTL,
		gens:  make(map[entity.Partition]uint64),
	}, nil
}

func (c *Cache[V]) generation(p entity.Partition) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[p]
}

// Pin binds k to the partition's current generation. A value Set under a
// pinned key after the partition was invalidated is never served.
func (c *Cache[V]) Pin(k Key) Key {
	k.gen = c.generation(k.Partition)
	k.pinned = true
	return k
}

func (c *Cache[V]) key(k Key) string {
	gen := k.gen
	if !k.pinned {
		gen = c.generation(k.Partition)
	}
	sum := sha256.Sum256([]byte(k.Query))
	return string(k.Partition.TenantID) + "\x00" +
		k.Partition.UserID + "\x00" +
		strconv.FormatUint(gen, 10) + "\x00" +
		hex.EncodeToString(sum[:]) + "\x00" +
		strconv.Itoa(k.TopK) + "\x00" +
		k.ConversationID + "\x00" +
		strconv.FormatFloat(k.MinRelevance, 'g', -1, 64)
}

// Get returns the cached value for k.
func (c *Cache[V]) Get(k Key) (V, bool) {
	var zero V
	if c.closed.Load() {
		return zero, false
	}
	v, ok := c.store.Get(c.key(k))
	if !ok {
		return zero, false
	}
	typed, ok := v.(V)
	return typed, ok
}

// Set stores v under k. The write is visible to Get when Set returns,
// unless the admission policy rejected it.
func (c *Cache[V]) Set(k Key, v V) bool {
	if c.closed.Load() {
		return false
	}
	ok := c.store.SetWithTTL(c.key(k), v, 1, c.ttl)
	c.store.Wait()
	return ok
}

// InvalidatePartition makes every entry of p unreachable.
func (c *Cache[V]) InvalidatePartition(p entity.Partition) {
	c.mu.Lock()
	c.gens[p]++
	gen := c.gens[p]
	c.mu.Unlock()
	log.Debug("Invalidated cache partition", "partition", p.String(), "generation", gen)
}

// Stats returns hit and miss counters.
func (c *Cache[V]) Stats() Stats {
	m := c.store.Metrics
	if m == nil {
		return Stats{}
	}
	return Stats{Hits: m.Hits(), Misses: m.Misses(), Ratio: m.Ratio()}
}

// Ping fails once the cache is closed.
func (c *Cache[V]) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close releases the cache. It is safe to call more than once.
func (c *Cache[V]) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.store.Close()
	}
	return nil
}
