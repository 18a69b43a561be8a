// Package consolidation promotes qualifying episodic memories into new
// semantic memories.
//
// For each group of sources the semantic record is written first. Only then
// are the sources claimed (Active to Consolidating, version checked) and
// archived. A source that cannot be claimed is dropped from the semantic
// record's parents; if no source can be claimed the semantic record is
// removed again. Sources left in Consolidating by an interrupted run are
// archived at the start of the next one.
package consolidation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/lexlapax/neurovault/pkg/embedding"
	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/errors"
	"github.com/lexlapax/neurovault/pkg/log"
	"github.com/lexlapax/neurovault/pkg/mem"
)

// MetadataKeyConsolidatedFrom lists the source ids on a promoted record.
const MetadataKeyConsolidatedFrom = "consolidated_from"

// Config holds the promotion criteria and batching.
type Config struct {
	MinAgeHours    float64
	MinImportance  float64
	MinAccessCount int

	// GroupByConversation merges eligible sources that share a conversation id
	GroupByConversation bool
	// MaxGroupSize splits larger groups
	MaxGroupSize int

	// ConfidenceFactor scales the lowest source confidence
	ConfidenceFactor float64

	BatchSize int
	Actor     string
}

// DefaultConfig returns the documented criteria: 24h, importance 6, two accesses.
func DefaultConfig() Config {
	return Config{
		MinAgeHours:      24,
		MinImportance:    6,
		MinAccessCount:   2,
		MaxGroupSize:     10,
		ConfidenceFactor: 0.8,
		BatchSize:        100,
		Actor:            "system:consolidation",
	}
}

// Report summarises one run.
type Report struct {
	Partitions int           `json:"partitions"`
	Scanned    int           `json:"scanned"`
	Groups     int           `json:"groups"`
	Promoted   int           `json:"promoted"`
	Archived   int           `json:"archived"`
	Resumed    int           `json:"resumed"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
}

// Engine runs consolidation passes.
type Engine struct {
	store      mem.MetadataStore
	index      mem.VectorIndex
	embedder   embedding.Provider
	summarizer Summarizer
	config     Config
	now        func() time.Time
	invalidate func(entity.Partition)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithInvalidator is called once per partition the run changed.
func WithInvalidator(fn func(entity.Partition)) Option {
	return func(e *Engine) { e.invalidate = fn }
}

// WithEmbedder embeds promoted records. Without one they are stored
// without an embedding.
func WithEmbedder(p embedding.Provider) Option {
	return func(e *Engine) { e.embedder = p }
}

// NewEngine builds an Engine. A nil summarizer means JoinSummarizer.
func NewEngine(store mem.MetadataStore, index mem.VectorIndex, summarizer Summarizer, config Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if config.MinAgeHours <= 0 {
		config.MinAgeHours = def.MinAgeHours
	}
	if config.MinImportance <= 0 {
		config.MinImportance = def.MinImportance
	}
	if config.MinAccessCount <= 0 {
		config.MinAccessCount = def.MinAccessCount
	}
	if config.MaxGroupSize <= 0 {
		config.MaxGroupSize = def.MaxGroupSize
	}
	if config.ConfidenceFactor <= 0 || config.ConfidenceFactor > 1 {
		config.ConfidenceFactor = def.ConfidenceFactor
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Actor == "" {
		config.Actor = def.Actor
	}
	if summarizer == nil {
		summarizer = JoinSummarizer{}
	}

	e := &Engine{
		store:      store,
		index:      index,
		summarizer: summarizer,
		config:     config,
		now:        time.Now,
		invalidate: func(entity.Partition) {},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Eligible reports whether rec meets every promotion criterion at now.
func (e *Engine) Eligible(rec *mem.Record, now time.Time) bool {
	return rec.Type == mem.Episodic &&
		rec.Status == mem.StatusActive &&
		!rec.ExpiredAt(now) &&
		rec.AgeHours(now) >= e.config.MinAgeHours &&
		rec.Importance >= e.config.MinImportance &&
		rec.AccessCount >= e.config.MinAccessCount
}

// RunOnce performs one pass over every partition. Failures are collected
// and returned together; they never stop the pass. Cancellation is checked
// between partitions and between groups.
func (e *Engine) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	var report Report

	partitions, err := e.store.Partitions(ctx)
	if err != nil {
		return report, errors.Wrap(err, "failed to list partitions")
	}

	var result *multierror.Error
	for _, p := range partitions {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}
		report.Partitions++
		changed, err := e.runPartition(ctx, p, &report)
		if err != nil {
			result = multierror.Append(result, err)
		}
		if changed {
			e.invalidate(p)
		}
	}

	report.Duration = time.Since(start)
	log.Info("Consolidation run finished",
		"partitions", report.Partitions,
		"scanned", report.Scanned,
		"promoted", report.Promoted,
		"archived", report.Archived,
		"resumed", report.Resumed,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"duration", report.Duration)
	return report, result.ErrorOrNil()
}

func (e *Engine) runPartition(ctx context.Context, p entity.Partition, report *Report) (bool, error) {
	var result *multierror.Error

	resumed, err := e.resume(ctx, p, report)
	if err != nil {
		result = multierror.Append(result, err)
	}
	changed := resumed > 0

	candidates, err := e.scan(ctx, p, report)
	if err != nil {
		report.Failed++
		log.Error("Consolidation failed to scan partition", "partition", p.String(), "error", err)
		return changed, multierror.Append(result, fmt.Errorf("partition %s: %w", p, err)).ErrorOrNil()
	}

	for _, group := range e.group(candidates) {
		if err := ctx.Err(); err != nil {
			return changed, multierror.Append(result, err).ErrorOrNil()
		}
		report.Groups++
		promoted, err := e.consolidate(ctx, p, group, report)
		if err != nil {
			report.Failed++
			log.Error("Consolidation failed for group",
				"partition", p.String(), "sources", len(group), "error", err)
			result = multierror.Append(result, err)
		}
		changed = changed || promoted
	}
	return changed, result.ErrorOrNil()
}

// resume archives sources stranded in Consolidating. Their semantic record
// was already written before they were claimed.
func (e *Engine) resume(ctx context.Context, p entity.Partition, report *Report) (int, error) {
	stranded, err := e.store.ListCandidates(ctx, p, mem.Filter{
		Types:    []mem.Type{mem.Episodic},
		Statuses: []mem.Status{mem.StatusConsolidating},
	}, e.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("partition %s: list stranded: %w", p, err)
	}

	var (
		result *multierror.Error
		n      int
	)
	for _, rec := range stranded {
		if err := e.archive(ctx, rec); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		report.Resumed++
		n++
	}
	return n, result.ErrorOrNil()
}

func (e *Engine) scan(ctx context.Context, p entity.Partition, report *Report) ([]*mem.Record, error) {
	now := e.now()
	filter := mem.Filter{
		Types:          []mem.Type{mem.Episodic},
		CreatedBefore:  now.Add(-time.Duration(e.config.MinAgeHours * float64(time.Hour))),
		MinImportance:  e.config.MinImportance,
		MinAccessCount: e.config.MinAccessCount,
		Order:          mem.OrderByID,
	}

	var out []*mem.Record
	for {
		batch, err := e.store.ListCandidates(ctx, p, filter, e.config.BatchSize)
		if err != nil {
			return nil, err
		}
		for _, rec := range batch {
			report.Scanned++
			if e.Eligible(rec, now) {
				out = append(out, rec)
			}
		}
		if len(batch) < e.config.BatchSize {
			return out, nil
		}
		filter.AfterID = batch[len(batch)-1].ID
	}
}

// group splits candidates into promotion units, in order of first appearance.
func (e *Engine) group(candidates []*mem.Record) [][]*mem.Record {
	var groups [][]*mem.Record
	if !e.config.GroupByConversation {
		for _, rec := range candidates {
			groups = append(groups, []*mem.Record{rec})
		}
		return groups
	}

	index := make(map[string]int)
	for _, rec := range candidates {
		if rec.ConversationID == "" {
			groups = append(groups, []*mem.Record{rec})
			continue
		}
		i, ok := index[rec.ConversationID]
		if !ok || len(groups[i]) >= e.config.MaxGroupSize {
			index[rec.ConversationID] = len(groups)
			groups = append(groups, []*mem.Record{rec})
			continue
		}
		groups[i] = append(groups[i], rec)
	}
	return groups
}

func (e *Engine) consolidate(ctx context.Context, p entity.Partition, group []*mem.Record, report *Report) (bool, error) {
	now := e.now()

	fresh, err := e.store.GetMany(ctx, p.TenantID, recordIDs(group))
	if err != nil {
		return false, fmt.Errorf("failed to re-read sources: %w", err)
	}
	sources := make([]*mem.Record, 0, len(fresh))
	for _, rec := range fresh {
		if rec.UserID == p.UserID && e.Eligible(rec, now) {
			sources = append(sources, rec)
		}
	}
	report.Skipped += len(group) - len(sources)
	if len(sources) == 0 {
		return false, nil
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].ID < sources[j].ID })

	content, err := e.summarizer.Summarize(ctx, sources)
	if err != nil {
		return false, fmt.Errorf("failed to summarize %d sources: %w", len(sources), err)
	}

	semantic := e.build(p, sources, content, now)
	semanticID, err := e.store.Put(ctx, semantic)
	if err != nil {
		return false, fmt.Errorf("failed to write semantic record: %w", err)
	}
	e.embed(ctx, semantic)

	claimed := make([]*mem.Record, 0, len(sources))
	for _, src := range sources {
		rec, ok, err := e.claim(ctx, src)
		if err != nil {
			log.Warn("Failed to claim consolidation source", "memory_id", src.ID, "error", err)
		}
		if !ok {
			report.Skipped++
			continue
		}
		claimed = append(claimed, rec)
	}

	if len(claimed) == 0 {
		e.discard(ctx, semantic)
		return false, nil
	}
	if len(claimed) < len(sources) {
		ids := recordIDs(claimed)
		if _, err := e.store.Update(ctx, p.TenantID, semanticID, mem.Patch{
			ParentIDs: ids,
			Metadata:  map[string]any{MetadataKeyConsolidatedFrom: ids},
			Actor:     e.config.Actor,
		}); err != nil {
			log.Warn("Failed to narrow parents of semantic record", "memory_id", semanticID, "error", err)
		}
	}

	report.Promoted++
	var result *multierror.Error
	for _, src := range claimed {
		if err := e.archive(ctx, src); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		report.Archived++
	}

	log.Debug("Promoted episodic memories",
		"partition", p.String(),
		"semantic_id", semanticID,
		"sources", len(claimed))
	return true, result.ErrorOrNil()
}

func (e *Engine) build(p entity.Partition, sources []*mem.Record, content string, now time.Time) *mem.Record {
	ids := recordIDs(sources)
	importance := 0.0
	confidence := math.Inf(1)
	conversation := sources[0].ConversationID
	for _, src := range sources {
		importance = math.Max(importance, src.Importance)
		confidence = math.Min(confidence, src.Confidence)
		if src.ConversationID != conversation {
			conversation = ""
		}
	}

	return &mem.Record{
		Type:           mem.Semantic,
		Content:        content,
		TenantID:       p.TenantID,
		UserID:         p.UserID,
		ConversationID: conversation,
		Timestamp:      now.UTC(),
		Importance:     importance,
		Confidence:     confidence * e.config.ConfidenceFactor,
		ParentIDs:      ids,
		Metadata: map[string]any{
			MetadataKeyConsolidatedFrom: ids,
		},
	}
}

// embed indexes a freshly written semantic record. Failure leaves the
// record without an embedding.
func (e *Engine) embed(ctx context.Context, rec *mem.Record) {
	if e.embedder == nil || e.index == nil {
		return
	}
	vec, err := e.embedder.Embed(ctx, rec.Content)
	if err != nil {
		log.Warn("Promoted memory stored without embedding", "memory_id", rec.ID, "error", err)
		return
	}
	if err := e.index.Upsert(ctx, rec.Partition(), rec.ID, vec); err != nil {
		log.Warn("Failed to index promoted memory", "memory_id", rec.ID, "error", err)
		return
	}
	embeddingID := rec.ID
	if _, err := e.store.Update(ctx, rec.TenantID, rec.ID, mem.Patch{EmbeddingID: &embeddingID, Actor: e.config.Actor}); err != nil {
		log.Warn("Failed to record embedding of promoted memory", "memory_id", rec.ID, "error", err)
		_ = e.index.Delete(ctx, rec.TenantID, rec.ID)
		return
	}
	rec.EmbeddingID = embeddingID
}

// claim moves src from Active to Consolidating. A version conflict is
// retried once against a fresh read; a second conflict or a source that is
// no longer eligible is skipped.
func (e *Engine) claim(ctx context.Context, src *mem.Record) (*mem.Record, bool, error) {
	cur := src
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := e.store.Update(ctx, cur.TenantID, cur.ID, mem.StatusPatch(mem.StatusConsolidating, cur.Version, e.config.Actor))
		if err == nil {
			return rec, true, nil
		}
		if !errors.Is(err, errors.ErrVersionConflict) {
			return nil, false, err
		}
		if attempt == 1 {
			return nil, false, nil
		}

		cur, err = e.store.Get(ctx, src.TenantID, src.ID)
		if err != nil {
			return nil, false, err
		}
		if !e.Eligible(cur, e.now()) {
			return nil, false, nil
		}
	}
	return nil, false, nil
}

// archive finishes a claimed source and drops its vector.
func (e *Engine) archive(ctx context.Context, src *mem.Record) error {
	vectorID := src.EmbeddingID
	if _, err := e.store.Update(ctx, src.TenantID, src.ID, mem.StatusPatch(mem.StatusArchived, src.Version, e.config.Actor)); err != nil {
		return fmt.Errorf("failed to archive source %s: %w", src.ID, err)
	}
	if vectorID != "" && e.index != nil {
		if err := e.index.Delete(ctx, src.TenantID, vectorID); err != nil {
			log.Warn("Failed to remove vector of consolidated memory", "memory_id", src.ID, "error", err)
		}
	}
	return nil
}

// discard removes a semantic record none of whose sources could be claimed.
func (e *Engine) discard(ctx context.Context, rec *mem.Record) {
	if rec.EmbeddingID != "" && e.index != nil {
		if err := e.index.Delete(ctx, rec.TenantID, rec.EmbeddingID); err != nil {
			log.Warn("Failed to remove vector of discarded memory", "memory_id", rec.ID, "error", err)
		}
	}
	if err := e.store.Delete(ctx, rec.TenantID, rec.ID, e.config.Actor); err != nil {
		log.Error("Failed to discard unclaimed semantic record", "memory_id", rec.ID, "error", err)
	}
}

func recordIDs(recs []*mem.Record) []string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}
