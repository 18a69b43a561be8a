// Package mem defines the memory record, its lifecycle, and the contracts
// that metadata stores and vector indexes implement.
package mem

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/errors"
)

// Type is the memory tier.
type Type string

const (
	Episodic   Type = "episodic"
	Semantic   Type = "semantic"
	Procedural Type = "procedural"
)

// ParseType converts a string to a Type.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case Episodic, Semantic, Procedural:
		return t, nil
	default:
		return "", errors.Wrap(errors.ErrValidation, "unknown memory type %q", s)
	}
}

// DefaultLambda returns the per-hour decay rate for a tier.
func DefaultLambda(t Type) float64 {
	switch t {
	case Episodic:
		return 0.12
	case Semantic:
		return 0.04
	case Procedural:
		return 0.02
	default:
		return 0
	}
}

// Status is the lifecycle state of a record.
type Status string

const (
	StatusActive        Status = "active"
	StatusConsolidating Status = "consolidating"
	StatusArchived      Status = "archived"
	StatusExpired       Status = "expired"
)

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusConsolidating, StatusArchived, StatusExpired:
		return st, nil
	default:
		return "", errors.Wrap(errors.ErrValidation, "unknown status %q", s)
	}
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusArchived || s == StatusExpired
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusActive:
		return to == StatusConsolidating || to == StatusArchived || to == StatusExpired
	case StatusConsolidating:
		return to == StatusArchived
	default:
		return false
	}
}

const (
	// DefaultImportance is used when a caller does not supply one.
	DefaultImportance = 5.0
	// MaxImportance is the top of the importance scale.
	MaxImportance = 10.0
)

// Record is a single memory. The embedding vector itself lives in the VectorIndex.
type Record struct {
	ID             string          `json:"id" db:"id"`
	Type           Type            `json:"memory_type" db:"memory_type"`
	Content        string          `json:"content" db:"content"`
	EmbeddingID    string          `json:"embedding_id,omitempty" db:"embedding_id"`
	TenantID       entity.TenantID `json:"tenant_id" db:"tenant_id"`
	UserID         string          `json:"user_id" db:"user_id"`
	ConversationID string          `json:"conversation_id,omitempty" db:"conversation_id"`
	Timestamp      time.Time       `json:"timestamp" db:"created_at"`
	LastAccessed   time.Time       `json:"last_accessed" db:"last_accessed"`
	AccessCount    int             `json:"access_count" db:"access_count"`
	Importance     float64         `json:"importance_score" db:"importance"`
	Confidence     float64         `json:"confidence" db:"confidence"`
	DecayLambda    float64         `json:"decay_lambda" db:"decay_lambda"`
	Status         Status          `json:"status" db:"status"`
	Version        int64           `json:"version" db:"version"`
	ParentIDs      []string        `json:"parent_ids,omitempty" db:"-"`
	TTLDays        int             `json:"ttl_days,omitempty" db:"ttl_days"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	Metadata       map[string]any  `json:"metadata,omitempty" db:"-"`
}

// Partition returns the (tenant, user) partition the record belongs to.
func (r *Record) Partition() entity.Partition {
	return entity.Partition{TenantID: r.TenantID, UserID: r.UserID}
}

// HasEmbedding reports whether the record went through the embedding step.
func (r *Record) HasEmbedding() bool {
	return r.EmbeddingID != ""
}

// ExpiredAt reports whether the record's retention window has passed at now.
func (r *Record) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// AgeHours is the record's age at now, clamped at zero.
func (r *Record) AgeHours(now time.Time) float64 {
	return math.Max(0, now.Sub(r.Timestamp).Hours())
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.ParentIDs = append([]string(nil), r.ParentIDs...)
	if r.Metadata != nil {
		c.Metadata = maps.Clone(r.Metadata)
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Validate checks the caller-controlled fields.
func (r *Record) Validate() error {
	switch {
	case strings.TrimSpace(r.Content) == "":
		return errors.Wrap(errors.ErrValidation, "content is required")
	case r.TenantID == "":
		return errors.Wrap(errors.ErrValidation, "tenant_id is required")
	case r.UserID == "":
		return errors.Wrap(errors.ErrValidation, "user_id is required")
	case r.Importance < 0 || r.Importance > MaxImportance:
		return errors.Wrap(errors.ErrValidation, "importance_score %.2f outside [0,10]", r.Importance)
	case r.Confidence < 0 || r.Confidence > 1:
		return errors.Wrap(errors.ErrValidation, "confidence %.2f outside [0,1]", r.Confidence)
	case r.TTLDays < 0:
		return errors.Wrap(errors.ErrValidation, "ttl_days must not be negative")
	}
	if _, err := ParseType(string(r.Type)); err != nil {
		return err
	}
	return nil
}

// PrepareInsert fills server-assigned fields of a new record and validates it.
// Adapters call it from Put so that every backend assigns the same defaults.
func PrepareInsert(r *Record, now time.Time) error {
	if r == nil {
		return errors.Wrap(errors.ErrValidation, "record is nil")
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = now.UTC()
	}
	if r.LastAccessed.IsZero() {
		r.LastAccessed = r.Timestamp
	}
	if r.Status == "" {
		r.Status = StatusActive
	}
	if r.DecayLambda == 0 {
		r.DecayLambda = DefaultLambda(r.Type)
	}
	if r.ExpiresAt == nil && r.TTLDays > 0 {
		exp := r.Timestamp.Add(time.Duration(r.TTLDays) * 24 * time.Hour)
		r.ExpiresAt = &exp
	}
	r.Version = 1
	return r.Validate()
}

// Patch describes a mutating update.
type Patch struct {
	// ExpectedVersion enables the optimistic check; zero skips it
	ExpectedVersion int64
	Importance      *float64
	// Metadata is merged into the record; a nil value removes the key
	Metadata    map[string]any
	Status      *Status
	EmbeddingID *string
	// ParentIDs replaces the provenance list when non-nil
	ParentIDs []string
	// Actor is recorded in the audit log
	Actor string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Importance == nil && len(p.Metadata) == 0 && p.Status == nil && p.EmbeddingID == nil && p.ParentIDs == nil
}

// StatusPatch builds a version-checked status change.
func StatusPatch(to Status, expectedVersion int64, actor string) Patch {
	p := Patch{ExpectedVersion: expectedVersion, Status: &to, Actor: actor}
	if to.Terminal() {
		none := ""
		p.EmbeddingID = &none
	}
	return p
}

// Apply mutates r according to p, bumping the version. The returned map
// describes what changed and is written to the audit log; it is empty when
// the patch was a no-op, in which case the version is left alone.
func (r *Record) Apply(p Patch) (map[string]any, error) {
	if p.ExpectedVersion != 0 && p.ExpectedVersion != r.Version {
		return nil, errors.Wrap(errors.ErrVersionConflict,
			"record %s is at version %d, expected %d", r.ID, r.Version, p.ExpectedVersion)
	}

	if p.Importance != nil && (*p.Importance < 0 || *p.Importance > MaxImportance) {
		return nil, errors.Wrap(errors.ErrValidation, "importance_score %.2f outside [0,10]", *p.Importance)
	}
	if p.Status != nil && *p.Status != r.Status && !CanTransition(r.Status, *p.Status) {
		return nil, errors.Wrap(errors.ErrInvalidTransition, "%s -> %s", r.Status, *p.Status)
	}

	changes := make(map[string]any)
	if p.Status != nil && *p.Status != r.Status {
		changes["status"] = fmt.Sprintf("%s -> %s", r.Status, *p.Status)
		r.Status = *p.Status
	}
	if p.Importance != nil {
		changes["importance_score"] = *p.Importance
		r.Importance = *p.Importance
	}
	if p.EmbeddingID != nil && *p.EmbeddingID != r.EmbeddingID {
		changes["embedding_id"] = *p.EmbeddingID
		r.EmbeddingID = *p.EmbeddingID
	}
	if p.ParentIDs != nil && !slices.Equal(p.ParentIDs, r.ParentIDs) {
		changes["parent_ids"] = append([]string(nil), p.ParentIDs...)
		r.ParentIDs = append([]string(nil), p.ParentIDs...)
	}
	if len(p.Metadata) > 0 {
		if r.Metadata == nil {
			r.Metadata = make(map[string]any, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			if v == nil {
				delete(r.Metadata, k)
			} else {
				r.Metadata[k] = v
			}
		}
		changes["metadata"] = maps.Clone(p.Metadata)
	}

	if len(changes) == 0 {
		return changes, nil
	}
	r.Version++
	return changes, nil
}
