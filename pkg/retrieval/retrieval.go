// Package retrieval answers recall queries against a partition by combining
// vector similarity with importance, decay and access frequency.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lexlapax/neurovault/pkg/cache"
	"github.com/lexlapax/neurovault/pkg/decay"
	"github.com/lexlapax/neurovault/pkg/embedding"
	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/errors"
	"github.com/lexlapax/neurovault/pkg/log"
	"github.com/lexlapax/neurovault/pkg/mem"
)

// Config tunes the coordinator.
type Config struct {
	DefaultTopK int
	MaxTopK     int
	// Oversample multiplies top_k for the vector search so that records
	// dropped after the metadata fetch do not starve the result
	Oversample int
	// AccessTimeout bounds the background access-stat update
	AccessTimeout time.Duration
	// MaxPendingTouches caps concurrent background updates; extra ones are dropped
	MaxPendingTouches int
}

// DefaultConfig returns top_k 5, oversample 3.
func DefaultConfig() Config {
	return Config{
		DefaultTopK:       5,
		MaxTopK:           100,
		Oversample:        3,
		AccessTimeout:     2 * time.Second,
		MaxPendingTouches: 64,
	}
}

// Query is one recall request.
type Query struct {
	Partition      entity.Partition
	Text           string
	TopK           int
	MinRelevance   float64
	ConversationID string
}

// Item is a scored record. Records in a Result are shared with the cache
// and must be treated as read-only.
type Item struct {
	Record     *mem.Record `json:"record"`
	Score      float64     `json:"relevance_score"`
	Similarity float64     `json:"similarity"`
}

// Result is the answer to a Query.
type Result struct {
	Items           []Item  `json:"memories"`
	CacheHit        bool    `json:"cache_hit"`
	Degraded        bool    `json:"degraded"`
	RetrievalTimeMs float64 `json:"retrieval_time_ms"`
	TotalMatches    int     `json:"total_matches"`
}

// Records returns the records of r in rank order.
func (r *Result) Records() []*mem.Record {
	out := make([]*mem.Record, len(r.Items))
	for i, it := range r.Items {
		out[i] = it.Record
	}
	return out
}

// Coordinator runs the retrieval pipeline.
type Coordinator struct {
	store    mem.MetadataStore
	index    mem.VectorIndex
	embedder embedding.Provider
	cache    *cache.Cache[*Result]
	config   Config
	now      func() time.Time

	touches chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCache enables result caching.
func WithCache(c *cache.Cache[*Result]) Option {
	return func(co *Coordinator) { co.cache = c }
}

// WithClock replaces time.Now for scoring.
func WithClock(now func() time.Time) Option {
	return func(co *Coordinator) { co.now = now }
}

// NewCoordinator builds a Coordinator. Zero config fields take their defaults.
func NewCoordinator(store mem.MetadataStore, index mem.VectorIndex, embedder embedding.Provider, config Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if config.DefaultTopK <= 0 {
		config.DefaultTopK = def.DefaultTopK
	}
	if config.MaxTopK <= 0 {
		config.MaxTopK = def.MaxTopK
	}
	if config.Oversample <= 0 {
		config.Oversample = def.Oversample
	}
	if config.AccessTimeout <= 0 {
		config.AccessTimeout = def.AccessTimeout
	}
	if config.MaxPendingTouches <= 0 {
		config.MaxPendingTouches = def.MaxPendingTouches
	}

	c := &Coordinator{
		store:    store,
		index:    index,
		embedder: embedder,
		config:   config,
		now:      time.Now,
		touches:  make(chan struct{}, config.MaxPendingTouches),
	}
	for _, opt := range opts {
		opt(c)
	}
	log.Debug("Retrieval coordinator initialized",
		"default_top_k", config.DefaultTopK,
		"oversample", config.Oversample,
		"cache_enabled", c.cache != nil)
	return c
}

// Invalidate drops every cached result of p. It is safe to call without a cache.
func (c *Coordinator) Invalidate(p entity.Partition) {
	if c.cache != nil {
		c.cache.InvalidatePartition(p)
	}
}

// Wait blocks until pending access-stat updates have finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) normalize(q *Query) error {
	if !q.Partition.Valid() {
		return errors.Wrap(errors.ErrValidation, "tenant_id and user_id are required")
	}
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return errors.Wrap(errors.ErrValidation, "query text is required")
	}
	if q.TopK == 0 {
		q.TopK = c.config.DefaultTopK
	}
	if q.TopK < 0 || q.TopK > c.config.MaxTopK {
		return errors.Wrap(errors.ErrValidation, "top_k %d outside [1,%d]", q.TopK, c.config.MaxTopK)
	}
	if q.MinRelevance < 0 {
		return errors.Wrap(errors.ErrValidation, "min_relevance must not be negative")
	}
	return nil
}

func (c *Coordinator) cacheKey(q Query) cache.Key {
	return cache.Key{
		Partition:      q.Partition,
		Query:          q.Text,
		TopK:           q.TopK,
		ConversationID: q.ConversationID,
		MinRelevance:   q.MinRelevance,
	}
}

// Retrieve answers q. When the embedding provider or the vector index is
// unavailable it falls back to the most recently accessed records of the
// partition and sets Degraded. Only a metadata failure is returned as an error.
func (c *Coordinator) Retrieve(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()
	if err := c.normalize(&q); err != nil {
		return nil, err
	}
	logger := log.FromContext(ctx).With("tenant_id", q.Partition.TenantID, "user_id", q.Partition.UserID)

	var key cache.Key
	if c.cache != nil {
		// pinned before the search so a write that lands meanwhile orphans this result
		key = c.cache.Pin(c.cacheKey(q))
		if cached, ok := c.cache.Get(key); ok {
			hit := *cached
			hit.CacheHit = true
			hit.RetrievalTimeMs = elapsedMs(start)
			logger.Debug("Retrieval served from cache", "results", len(hit.Items))
			return &hit, nil
		}
	}

	result, err := c.search(ctx, q, logger)
	if err != nil {
		return nil, err
	}

	c.touch(q.Partition.TenantID, result.Items)

	if c.cache != nil && !result.Degraded {
		c.cache.Set(key, result)
	}
	out := *result
	out.RetrievalTimeMs = elapsedMs(start)
	logger.Debug("Retrieval finished",
		"results", len(out.Items),
		"total_matches", out.TotalMatches,
		"degraded", out.Degraded,
		"retrieval_time_ms", out.RetrievalTimeMs)
	return &out, nil
}

func (c *Coordinator) search(ctx context.Context, q Query, logger *slog.Logger) (*Result, error) {
	vec, err := c.embedder.Embed(ctx, q.Text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("Embedding unavailable, serving recent memories", "error", err)
		return c.recent(ctx, q)
	}

	matches, err := c.index.Search(ctx, q.Partition, vec, q.TopK*c.config.Oversample)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("Vector index unavailable, serving recent memories", "error", err)
		return c.recent(ctx, q)
	}
	if len(matches) == 0 {
		return &Result{Items: []Item{}}, nil
	}

	similarity := make(map[string]float64, len(matches))
	ids := make([]string, len(matches))
	for i, m := range matches {
		similarity[m.ID] = m.Similarity
		ids[i] = m.ID
	}
	records, err := c.store.GetMany(ctx, q.Partition.TenantID, ids)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch matched records")
	}

	now := c.now()
	items := make([]Item, 0, len(records))
	for _, rec := range records {
		if !c.admit(rec, q, now) {
			continue
		}
		sim := similarity[rec.ID]
		score := decay.Score(sim, rec, now)
		if score < q.MinRelevance {
			continue
		}
		items = append(items, Item{Record: rec, Score: score, Similarity: sim})
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].Record.Timestamp.After(items[j].Record.Timestamp)
	})

	total := len(items)
	if len(items) > q.TopK {
		items = items[:q.TopK]
	}
	return &Result{Items: items, TotalMatches: total}, nil
}

// recent is the metadata-only fallback. Items keep recency order and carry
// no similarity; their score is relevance plus the access bonus.
func (c *Coordinator) recent(ctx context.Context, q Query) (*Result, error) {
	records, err := c.store.ListCandidates(ctx, q.Partition, mem.Filter{
		ConversationID: q.ConversationID,
		Order:          mem.OrderByRecentAccess,
	}, q.TopK*c.config.Oversample)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recent records")
	}

	now := c.now()
	items := make([]Item, 0, q.TopK)
	for _, rec := range records {
		if !c.admit(rec, q, now) {
			continue
		}
		score := decay.Score(1, rec, now)
		if score < q.MinRelevance {
			continue
		}
		items = append(items, Item{Record: rec, Score: score})
	}
	total := len(items)
	if len(items) > q.TopK {
		items = items[:q.TopK]
	}
	return &Result{Items: items, TotalMatches: total, Degraded: true}, nil
}

func (c *Coordinator) admit(rec *mem.Record, q Query, now time.Time) bool {
	if rec.UserID != q.Partition.UserID || rec.TenantID != q.Partition.TenantID {
		return false
	}
	if rec.Status != mem.StatusActive || rec.ExpiredAt(now) {
		return false
	}
	return q.ConversationID == "" || rec.ConversationID == q.ConversationID
}

// touch records the access in the background. Failures are logged only.
func (c *Coordinator) touch(tenantID entity.TenantID, items []Item) {
	if len(items) == 0 {
		return
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.Record.ID
	}

	select {
	case c.touches <- struct{}{}:
	default:
		log.Warn("Dropping access update, too many pending", "tenant_id", tenantID, "records", len(ids))
		return
	}

	at := c.now()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.touches }()

		ctx, cancel := context.WithTimeout(context.Background(), c.config.AccessTimeout)
		defer cancel()
		if err := c.store.TouchAccess(ctx, tenantID, ids, at); err != nil {
			log.Warn("Failed to update access stats", "tenant_id", tenantID, "records", len(ids), "error", err)
		}
	}()
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
