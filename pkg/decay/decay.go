// Package decay scores memories by age and importance and retires the ones
// that have faded below the archival floor.
package decay

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/errors"
	"github.com/lexlapax/neurovault/pkg/log"
	"github.com/lexlapax/neurovault/pkg/mem"
)

// AccessBonusWeight scales log(1+access_count) in Score.
const AccessBonusWeight = 0.1

// Factor is exp(-λ·age_hours). It is computed on demand and never stored.
func Factor(rec *mem.Record, now time.Time) float64 {
	return math.Exp(-rec.DecayLambda * rec.AgeHours(now))
}

// Importance normalises importance_score to [0,1].
func Importance(rec *mem.Record) float64 {
	return rec.Importance / mem.MaxImportance
}

// Relevance is the quantity compared against the archival threshold.
func Relevance(rec *mem.Record, now time.Time) float64 {
	return Factor(rec, now) * Importance(rec)
}

// Score is the hybrid retrieval score for a record matched with the given similarity.
func Score(similarity float64, rec *mem.Record, now time.Time) float64 {
	return similarity*Importance(rec)*Factor(rec, now) + math.Log1p(float64(rec.AccessCount))*AccessBonusWeight
}

// Config tunes the archival sweep.
type Config struct {
	// Threshold is the relevance below which Active records are archived
	Threshold float64
	BatchSize int
	// Actor is written to the audit log for sweep transitions
	Actor string
}

// DefaultConfig returns a threshold of 0.1 and batches of 100.
func DefaultConfig() Config {
	return Config{Threshold: 0.1, BatchSize: 100, Actor: "system:decay"}
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Partitions int           `json:"partitions"`
	Scanned    int           `json:"scanned"`
	Archived   int           `json:"archived"`
	Expired    int           `json:"expired"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
}

// Engine runs archival sweeps.
type Engine struct {
	store      mem.MetadataStore
	index      mem.VectorIndex
	config     Config
	now        func() time.Time
	invalidate func(entity.Partition)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithInvalidator is called once per partition in which the sweep changed records.
func WithInvalidator(fn func(entity.Partition)) Option {
	return func(e *Engine) {
		e.invalidate = fn
	}
}

// NewEngine builds an Engine. index may be nil when no vectors need removal.
func NewEngine(store mem.MetadataStore, index mem.VectorIndex, config Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Actor == "" {
		config.Actor = def.Actor
	}
	e := &Engine{
		store:      store,
		index:      index,
		config:     config,
		now:        time.Now,
		invalidate: func(entity.Partition) {},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// target returns the terminal status rec should move to, if any.
func (e *Engine) target(rec *mem.Record, now time.Time) (mem.Status, bool) {
	if rec.Status != mem.StatusActive {
		return "", false
	}
	if rec.ExpiredAt(now) {
		return mem.StatusExpired, true
	}
	if Relevance(rec, now) < e.config.Threshold {
		return mem.StatusArchived, true
	}
	return "", false
}

// Sweep walks every partition and retires faded or expired Active records.
// Failures of single records or partitions are logged, counted and returned
// together without stopping the sweep. Running it again after an
// interruption picks up where the data says it should.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	var report SweepReport

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
		if err := e.sweepPartition(ctx, p, &report); err != nil {
			result = multierror.Append(result, err)
		}
	}

	report.Duration = time.Since(start)
	log.Info("Decay sweep finished",
		"partitions", report.Partitions,
		"scanned", report.Scanned,
		"archived", report.Archived,
		"expired", report.Expired,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"duration", report.Duration)
	return report, result.ErrorOrNil()
}

func (e *Engine) sweepPartition(ctx context.Context, p entity.Partition, report *SweepReport) error {
	var (
		result  *multierror.Error
		cursor  string
		changed bool
	)
	defer func() {
		if changed {
			e.invalidate(p)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return multierror.Append(result, err).ErrorOrNil()
		}

		batch, err := e.store.ListCandidates(ctx, p, mem.Filter{AfterID: cursor, Order: mem.OrderByID}, e.config.BatchSize)
		if err != nil {
			report.Failed++
			log.Error("Decay sweep failed to list partition", "partition", p.String(), "error", err)
			return multierror.Append(result, fmt.Errorf("partition %s: %w", p, err)).ErrorOrNil()
		}

		now := e.now()
		for _, rec := range batch {
			report.Scanned++
			if _, ok := e.target(rec, now); !ok {
				continue
			}
			done, err := e.retire(ctx, rec.TenantID, rec.ID, now, report)
			if err != nil {
				report.Failed++
				log.Error("Decay sweep failed to retire memory", "partition", p.String(), "memory_id", rec.ID, "error", err)
				result = multierror.Append(result, fmt.Errorf("memory %s: %w", rec.ID, err))
			}
			changed = changed || done
		}

		if len(batch) < e.config.BatchSize {
			return result.ErrorOrNil()
		}
		cursor = batch[len(batch)-1].ID
	}
}

// retire re-reads the record, re-checks it and applies the transition with
// a version check. A record that changed underneath is skipped until the
// next sweep.
func (e *Engine) retire(ctx context.Context, tenantID entity.TenantID, id string, now time.Time, report *SweepReport) (bool, error) {
	cur, err := e.store.Get(ctx, tenantID, id)
	if errors.Is(err, errors.ErrNotFound) {
		report.Skipped++
		return false, nil
	}
	if err != nil {
		return false, err
	}

	to, ok := e.target(cur, now)
	if !ok {
		report.Skipped++
		return false, nil
	}

	vectorID := cur.EmbeddingID
	_, err = e.store.Update(ctx, tenantID, id, mem.StatusPatch(to, cur.Version, e.config.Actor))
	if errors.Is(err, errors.ErrVersionConflict) || errors.Is(err, errors.ErrInvalidTransition) {
		log.DebugContext(ctx, "Decay sweep lost race, skipping", "memory_id", id)
		report.Skipped++
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if to == mem.StatusExpired {
		report.Expired++
	} else {
		report.Archived++
	}

	if vectorID != "" && e.index != nil {
		if err := e.index.Delete(ctx, tenantID, vectorID); err != nil {
			// The record is already terminal and filtered from retrieval.
			log.Warn("Failed to remove vector of retired memory", "memory_id", id, "error", err)
		}
	}
	log.DebugContext(ctx, "Retired memory", "memory_id", id, "status", to)
	return true, nil
}
