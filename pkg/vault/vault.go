// Package vault is the NeuroVault memory service. It authorizes every call,
// scrubs personal data on the write path, and coordinates the metadata
// store, vector index, cache and background maintenance.
package vault

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/lexlapax/neurovault/pkg/cache"
	"github.com/lexlapax/neurovault/pkg/consolidation"
	"github.com/lexlapax/neurovault/pkg/decay"
	"github.com/lexlapax/neurovault/pkg/embedding"
	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/errors"
	"github.com/lexlapax/neurovault/pkg/log"
	"github.com/lexlapax/neurovault/pkg/mem"
	"github.com/lexlapax/neurovault/pkg/mem/adapters/vector/fallback"
	"github.com/lexlapax/neurovault/pkg/retrieval"
	"github.com/lexlapax/neurovault/pkg/security"
	"github.com/lexlapax/neurovault/pkg/worker"
	"golang.org/x/sync/errgroup"
)

// Deps are the backends a Service is built on. The Service owns them and
// closes them in Close.
type Deps struct {
	Store    mem.MetadataStore
	Index    mem.VectorIndex
	Embedder embedding.Provider
	// Summarizer defaults to consolidation.JoinSummarizer
	Summarizer consolidation.Summarizer
	// Closers are closed last, in order
	Closers []io.Closer
}

// Options tune a Service.
type Options struct {
	StoreGuard     mem.GuardConfig
	IndexGuard     mem.GuardConfig
	EmbeddingGuard embedding.GuardConfig

	Cache        cache.Config
	DisableCache bool

	Retrieval             retrieval.Config
	Decay                 decay.Config
	DecayInterval         time.Duration
	Consolidation         consolidation.Config
	ConsolidationInterval time.Duration

	// SurpriseThreshold skips a Store whose closest existing memory in the
	// partition has at least this similarity. Zero stores everything.
	SurpriseThreshold float64

	// DrainTimeout bounds Close while background work finishes
	DrainTimeout time.Duration

	// Clock replaces time.Now for timestamps and scoring
	Clock func() time.Time
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		StoreGuard:            mem.DefaultStoreGuard(),
		IndexGuard:            mem.DefaultIndexGuard(),
		EmbeddingGuard:        embedding.DefaultGuardConfig(),
		Cache:                 cache.DefaultConfig(),
		Retrieval:             retrieval.DefaultConfig(),
		Decay:                 decay.DefaultConfig(),
		DecayInterval:         6 * time.Hour,
		Consolidation:         consolidation.DefaultConfig(),
		ConsolidationInterval: 6 * time.Hour,
		DrainTimeout:          30 * time.Second,
	}
}

// Service implements the memory operations exposed to collaborators.
type Service struct {
	store    mem.MetadataStore
	index    mem.VectorIndex
	embedder *embedding.Guard
	gate     *security.Gate
	cache    *cache.Cache[*retrieval.Result]

	retriever    *retrieval.Coordinator
	decay        *decay.Engine
	consolidator *consolidation.Engine
	workers      *worker.Group

	closers      []io.Closer
	surprise     float64
	drainTimeout time.Duration
	now          func() time.Time
	closeOnce    sync.Once
	closeErr     error
}

// New assembles a Service from deps.
func New(deps Deps, opts Options) (*Service, error) {
	if deps.Store == nil || deps.Index == nil || deps.Embedder == nil {
		return nil, errors.Wrap(errors.ErrValidation, "store, index and embedder are required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultOptions().DrainTimeout
	}

	s := &Service{
		store:        mem.GuardStore(deps.Store, opts.StoreGuard),
		index:        mem.GuardIndex(deps.Index, opts.IndexGuard),
		embedder:     embedding.NewGuard(deps.Embedder, opts.EmbeddingGuard),
		gate:         security.NewGate(),
		closers:      deps.Closers,
		surprise:     opts.SurpriseThreshold,
		drainTimeout: opts.DrainTimeout,
		now:          opts.Clock,
	}

	retrievalOpts := []retrieval.Option{retrieval.WithClock(opts.Clock)}
	if !opts.DisableCache {
		c, err := cache.New[*retrieval.Result](opts.Cache)
		if err != nil {
			return nil, err
		}
		s.cache = c
		retrievalOpts = append(retrievalOpts, retrieval.WithCache(c))
	}
	s.retriever = retrieval.NewCoordinator(s.store, s.index, s.embedder, opts.Retrieval, retrievalOpts...)

	s.decay = decay.NewEngine(s.store, s.index, opts.Decay,
		decay.WithClock(opts.Clock),
		decay.WithInvalidator(s.retriever.Invalidate))
	s.consolidator = consolidation.NewEngine(s.store, s.index, deps.Summarizer, opts.Consolidation,
		consolidation.WithClock(opts.Clock),
		consolidation.WithEmbedder(s.embedder),
		consolidation.WithInvalidator(s.retriever.Invalidate))

	s.workers = worker.NewGroup(
		worker.Loop{
			Name:     "decay",
			Interval: opts.DecayInterval,
			Run: func(ctx context.Context) error {
				_, err := s.decay.Sweep(ctx)
				return err
			},
		},
		worker.Loop{
			Name:     "consolidation",
			Interval: opts.ConsolidationInterval,
			Run: func(ctx context.Context) error {
				_, err := s.consolidator.RunOnce(ctx)
				return err
			},
		},
	)

	log.Info("NeuroVault service initialized",
		"store", typeName(deps.Store),
		"index", typeName(deps.Index),
		"cache_enabled", s.cache != nil)
	return s, nil
}

// Start launches the decay and consolidation loops.
func (s *Service) Start(ctx context.Context) error {
	return s.workers.Start(ctx)
}

// Close stops the background loops, waits for them and for pending access
// updates, then closes every backend.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var result *multierror.Error
		if s.workers.Running() {
			ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
			if err := s.workers.Stop(ctx); err != nil {
				result = multierror.Append(result, err)
			}
			cancel()
		}
		s.retriever.Wait()

		if s.cache != nil {
			_ = s.cache.Close()
		}
		if err := s.index.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to close vector index"))
		}
		if err := s.store.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to close metadata store"))
		}
		for _, c := range s.closers {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		s.closeErr = result.ErrorOrNil()
		log.Info("NeuroVault service closed")
	})
	return s.closeErr
}

// StoreRequest is the input of Store. Nil pointers take defaults:
// importance 5, confidence 1.
type StoreRequest struct {
	Content        string
	Type           mem.Type
	Importance     *float64
	Confidence     *float64
	ConversationID string
	TTLDays        int
	Metadata       map[string]any
}

// Store scrubs, embeds and persists a new memory in the caller's partition.
// An embedding failure does not fail the call; the record is stored
// without an embedding and is found through the recency fallback only.
func (s *Service) Store(ctx context.Context, caller entity.Context, req StoreRequest) (*mem.Record, error) {
	ctx, err := s.authorize(ctx, caller, security.OpWrite, "")
	if err != nil {
		return nil, err
	}
	logger := log.FromContext(ctx)

	if req.Type == "" {
		req.Type = mem.Episodic
	}
	typ, err := mem.ParseType(string(req.Type))
	if err != nil {
		return nil, err
	}
	importance, confidence := mem.DefaultImportance, 1.0
	if req.Importance != nil {
		importance = *req.Importance
	}
	if req.Confidence != nil {
		confidence = *req.Confidence
	}

	rec := &mem.Record{
		ID:             uuid.New().String(),
		Type:           typ,
		Content:        s.gate.ScrubPII(req.Content),
		TenantID:       caller.TenantID,
		UserID:         caller.UserID,
		ConversationID: req.ConversationID,
		Timestamp:      s.now().UTC(),
		Importance:     importance,
		Confidence:     confidence,
		TTLDays:        req.TTLDays,
		Metadata:       s.gate.ScrubMetadata(req.Metadata),
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	vec, err := s.embedder.Embed(ctx, rec.Content)
	if err != nil {
		logger.Warn("Storing memory without embedding", "memory_id", rec.ID, "error", err)
	} else if err := s.novel(ctx, caller.Partition(), vec); err != nil {
		return nil, err
	} else if err := s.index.Upsert(ctx, caller.Partition(), rec.ID, vec); err != nil {
		logger.Warn("Storing memory without vector", "memory_id", rec.ID, "error", err)
	} else {
		rec.EmbeddingID = rec.ID
	}

	if _, err := s.store.Put(ctx, rec); err != nil {
		if rec.HasEmbedding() {
			if derr := s.index.Delete(ctx, caller.TenantID, rec.EmbeddingID); derr != nil {
				logger.Warn("Failed to remove vector of unstored memory", "memory_id", rec.ID, "error", derr)
			}
		}
		return nil, errors.Wrap(err, "failed to store memory")
	}
	s.retriever.Invalidate(caller.Partition())

	logger.Debug("Stored memory",
		"memory_id", rec.ID,
		"memory_type", rec.Type,
		"embedded", rec.HasEmbedding())
	return rec, nil
}

// novel rejects vec with errors.ErrDuplicate when the partition already
// holds a memory at least as similar as the surprise threshold. A failed
// lookup counts as novel.
func (s *Service) novel(ctx context.Context, p entity.Partition, vec []float32) error {
	if s.surprise <= 0 {
		return nil
	}
	matches, err := s.index.Search(ctx, p, vec, 1)
	if err != nil {
		log.FromContext(ctx).Warn("Novelty check failed, storing anyway", "error", err)
		return nil
	}
	if len(matches) > 0 && matches[0].Similarity >= s.surprise {
		log.FromContext(ctx).Debug("Skipping near-duplicate memory",
			"similar_to", matches[0].ID, "similarity", matches[0].Similarity)
		return errors.Wrap(errors.ErrDuplicate, "memory %s is %.3f similar", matches[0].ID, matches[0].Similarity)
	}
	return nil
}

// RetrieveRequest is the input of Retrieve. TopK 0 means the default of 5.
type RetrieveRequest struct {
	Query          string
	TopK           int
	MinRelevance   float64
	ConversationID string
}

// Retrieve returns the caller's memories most relevant to the query.
func (s *Service) Retrieve(ctx context.Context, caller entity.Context, req RetrieveRequest) (*retrieval.Result, error) {
	ctx, err := s.authorize(ctx, caller, security.OpRead, "")
	if err != nil {
		return nil, err
	}
	return s.retriever.Retrieve(ctx, retrieval.Query{
		Partition:      caller.Partition(),
		Text:           req.Query,
		TopK:           req.TopK,
		MinRelevance:   req.MinRelevance,
		ConversationID: req.ConversationID,
	})
}

// Get returns one record of the caller's partition in any status.
func (s *Service) Get(ctx context.Context, caller entity.Context, id string) (*mem.Record, error) {
	ctx, err := s.authorize(ctx, caller, security.OpRead, "")
	if err != nil {
		return nil, err
	}
	return s.owned(ctx, caller, id)
}

// owned fetches id and hides records of other users from everyone but
// admin and system callers.
func (s *Service) owned(ctx context.Context, caller entity.Context, id string) (*mem.Record, error) {
	rec, err := s.store.Get(ctx, caller.TenantID, id)
	if err != nil {
		return nil, err
	}
	if rec.UserID != caller.UserID && !security.Allowed(caller.Role, security.OpAdmin) {
		return nil, errors.Wrap(errors.ErrNotFound, "record %s", id)
	}
	return rec, nil
}

// UpdateRequest is the input of Update. ExpectedVersion is required.
type UpdateRequest struct {
	ExpectedVersion int64
	Importance      *float64
	// Metadata is merged; a nil value removes the key
	Metadata map[string]any
}

// Update applies a version-checked change. A stale ExpectedVersion fails
// with errors.ErrVersionConflict; the caller re-fetches and retries.
func (s *Service) Update(ctx context.Context, caller entity.Context, id string, req UpdateRequest) (*mem.Record, error) {
	ctx, err := s.authorize(ctx, caller, security.OpWrite, "")
	if err != nil {
		return nil, err
	}
	if req.ExpectedVersion <= 0 {
		return nil, errors.Wrap(errors.ErrValidation, "expected_version is required")
	}
	rec, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}

	patch := mem.Patch{
		ExpectedVersion: req.ExpectedVersion,
		Importance:      req.Importance,
		Metadata:        scrubPatchMetadata(req.Metadata),
		Actor:           caller.UserID,
	}
	if patch.Empty() {
		return nil, errors.Wrap(errors.ErrValidation, "update changes nothing")
	}
	updated, err := s.store.Update(ctx, caller.TenantID, id, patch)
	if err != nil {
		return nil, err
	}
	s.retriever.Invalidate(rec.Partition())
	return updated, nil
}

// scrubPatchMetadata scrubs values while keeping nil deletions intact.
func scrubPatchMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	out := security.ScrubMetadata(md)
	for k, v := range md {
		if v == nil {
			out[k] = nil
		}
	}
	return out
}

// Delete archives a memory, or with hard set purges it from the metadata
// store and the vector index. The vector goes first so that a failed hard
// delete can be retried.
func (s *Service) Delete(ctx context.Context, caller entity.Context, id string, hard bool) error {
	ctx, err := s.authorize(ctx, caller, security.OpDelete, "")
	if err != nil {
		return err
	}
	rec, err := s.owned(ctx, caller, id)
	if err != nil {
		return err
	}
	logger := log.FromContext(ctx)

	vectorID := rec.EmbeddingID
	if vectorID == "" {
		vectorID = rec.ID
	}
	if hard {
		if err := s.index.Delete(ctx, rec.TenantID, vectorID); err != nil {
			return errors.Wrap(err, "failed to purge vector of %s", id)
		}
		if err := s.store.Delete(ctx, rec.TenantID, id, caller.UserID); err != nil {
			return errors.Wrap(err, "failed to purge %s", id)
		}
	} else {
		if err := s.store.Archive(ctx, rec.TenantID, id, caller.UserID); err != nil {
			return errors.Wrap(err, "failed to archive %s", id)
		}
		if err := s.index.Delete(ctx, rec.TenantID, vectorID); err != nil {
			logger.Warn("Failed to remove vector of archived memory", "memory_id", id, "error", err)
		}
	}
	s.retriever.Invalidate(rec.Partition())
	logger.Info("Deleted memory", "memory_id", id, "hard", hard)
	return nil
}

// ListRequest pages through the caller's own memories in id order.
type ListRequest struct {
	Types []mem.Type
	// Statuses defaults to active only
	Statuses       []mem.Status
	ConversationID string
	// Limit defaults to 50 and is capped at 500
	Limit int
	// Cursor is the NextCursor of the previous page
	Cursor string
}

// ListPage is one page of List. NextCursor is empty on the last page.
type ListPage struct {
	Records    []*mem.Record `json:"memories"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

const (
	defaultListLimit = 50
	maxListLimit     = exportBatch
)

// List returns a page of the caller's memories.
func (s *Service) List(ctx context.Context, caller entity.Context, req ListRequest) (*ListPage, error) {
	ctx, err := s.authorize(ctx, caller, security.OpRead, "")
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	switch {
	case limit < 0:
		return nil, errors.Wrap(errors.ErrValidation, "limit must not be negative")
	case limit == 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	// one extra row tells whether another page exists
	recs, err := s.store.ListCandidates(ctx, caller.Partition(), mem.Filter{
		Types:          req.Types,
		Statuses:       req.Statuses,
		ConversationID: req.ConversationID,
		AfterID:        req.Cursor,
		Order:          mem.OrderByID,
	}, limit+1)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list memories")
	}
	page := &ListPage{Records: recs}
	if len(recs) > limit {
		page.Records = recs[:limit]
		page.NextCursor = page.Records[limit-1].ID
	}
	return page, nil
}

const exportBatch = 500

// Export returns every record of a partition in every status. Only the
// system role may export, and it may do so across tenants.
func (s *Service) Export(ctx context.Context, caller entity.Context, tenantID entity.TenantID, userID string) ([]*mem.Record, error) {
	ctx, err := s.authorize(ctx, caller, security.OpSystem, tenantID)
	if err != nil {
		return nil, err
	}
	p := entity.Partition{TenantID: tenantID, UserID: userID}
	if !p.Valid() {
		return nil, errors.Wrap(errors.ErrValidation, "tenant_id and user_id are required")
	}
	out, err := s.scan(ctx, p)
	if err != nil {
		return nil, err
	}
	log.Info("Exported partition", "tenant_id", tenantID, "user_id", userID, "records", len(out), "actor", caller.UserID)
	return out, nil
}

func (s *Service) scan(ctx context.Context, p entity.Partition) ([]*mem.Record, error) {
	filter := mem.Filter{Statuses: mem.AllStatuses, Order: mem.OrderByID}
	var out []*mem.Record
	for {
		batch, err := s.store.ListCandidates(ctx, p, filter, exportBatch)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan partition %s", p)
		}
		out = append(out, batch...)
		if len(batch) < exportBatch {
			return out, nil
		}
		filter.AfterID = batch[len(batch)-1].ID
	}
}

// Stats counts the records of a partition.
type Stats struct {
	Total    int                `json:"total"`
	ByStatus map[mem.Status]int `json:"by_status"`
	ByType   map[mem.Type]int   `json:"by_type"`
	Cache    *cache.Stats       `json:"cache,omitempty"`
}

// Stats summarises the caller's partition.
func (s *Service) Stats(ctx context.Context, caller entity.Context) (*Stats, error) {
	ctx, err := s.authorize(ctx, caller, security.OpRead, "")
	if err != nil {
		return nil, err
	}
	recs, err := s.scan(ctx, caller.Partition())
	if err != nil {
		return nil, err
	}
	st := &Stats{
		Total:    len(recs),
		ByStatus: make(map[mem.Status]int),
		ByType:   make(map[mem.Type]int),
	}
	for _, r := range recs {
		st.ByStatus[r.Status]++
		st.ByType[r.Type]++
	}
	if s.cache != nil {
		cs := s.cache.Stats()
		st.Cache = &cs
	}
	return st, nil
}

// AuditLog returns the audit trail of a record. Admin or system only.
func (s *Service) AuditLog(ctx context.Context, caller entity.Context, id string) ([]mem.AuditEntry, error) {
	ctx, err := s.authorize(ctx, caller, security.OpAdmin, "")
	if err != nil {
		return nil, err
	}
	return s.store.AuditLog(ctx, caller.TenantID, id)
}

// RunDecay performs one archival sweep now.
func (s *Service) RunDecay(ctx context.Context) (decay.SweepReport, error) {
	return s.decay.Sweep(ctx)
}

// RunConsolidation performs one consolidation pass now.
func (s *Service) RunConsolidation(ctx context.Context) (consolidation.Report, error) {
	return s.consolidator.RunOnce(ctx)
}

// ComponentStatus is the health of one backend.
type ComponentStatus string

const (
	StatusUp       ComponentStatus = "up"
	StatusDegraded ComponentStatus = "degraded"
	StatusDown     ComponentStatus = "down"
)

// HealthReport is the result of Health.
type HealthReport struct {
	MetadataStore ComponentStatus `json:"metadata_store"`
	VectorIndex   ComponentStatus `json:"vector_index"`
	CacheLayer    ComponentStatus `json:"cache_layer"`
	// EmbeddingCircuit is the breaker state of the embedding provider
	EmbeddingCircuit string `json:"embedding_circuit"`
}

// Health pings the backends concurrently. It never fails; a ping error
// is reported as a status.
func (s *Service) Health(ctx context.Context) HealthReport {
	report := HealthReport{EmbeddingCircuit: s.embedder.State()}

	var g errgroup.Group
	g.Go(func() error {
		report.MetadataStore = StatusUp
		if err := s.store.Ping(ctx); err != nil {
			log.Warn("Metadata store health check failed", "error", err)
			report.MetadataStore = StatusDown
		}
		return nil
	})
	g.Go(func() error {
		err := s.index.Ping(ctx)
		switch {
		case err == nil:
			report.VectorIndex = StatusUp
		case errors.Is(err, fallback.ErrDegraded):
			report.VectorIndex = StatusDegraded
		default:
			log.Warn("Vector index health check failed", "error", err)
			report.VectorIndex = StatusDown
		}
		return nil
	})
	g.Go(func() error {
		switch {
		case s.cache == nil:
			report.CacheLayer = StatusDegraded
		case s.cache.Ping(ctx) != nil:
			report.CacheLayer = StatusDown
		default:
			report.CacheLayer = StatusUp
		}
		return nil
	})
	_ = g.Wait()
	return report
}

// authorize checks caller and returns ctx scoped to it for logging.
func (s *Service) authorize(ctx context.Context, caller entity.Context, op security.Operation, target entity.TenantID) (context.Context, error) {
	if !caller.Partition().Valid() {
		return ctx, errors.Wrap(errors.ErrValidation, "tenant_id and user_id are required")
	}
	if err := s.gate.AuthorizeCaller(caller, op, target); err != nil {
		return ctx, err
	}
	return entity.ContextWithEntity(ctx, caller), nil
}

func typeName(v any) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", v), "*")
}
