package mem

import (
	"context"
	"slices"
	"time"

	"github.com/lexlapax/neurovault/pkg/entity"
)

// Order selects how ListCandidates sorts its results.
type Order int

const (
	// OrderByID sorts ascending by id and honours Filter.AfterID as a cursor
	OrderByID Order = iota
	// OrderByRecentAccess sorts by last_accessed descending, newest timestamp first on ties
	OrderByRecentAccess
)

// Filter narrows ListCandidates. Zero values mean "no constraint", except
// Statuses which defaults to Active only.
type Filter struct {
	Types          []Type
	Statuses       []Status
	ConversationID string
	// CreatedBefore keeps records whose timestamp is at or before this instant
	CreatedBefore  time.Time
	MinImportance  float64
	MinAccessCount int
	AfterID        string
	Order          Order
}

// AllStatuses lists every lifecycle state, for audit export.
var AllStatuses = []Status{StatusActive, StatusConsolidating, StatusArchived, StatusExpired}

// EffectiveStatuses returns the statuses the filter admits.
func (f Filter) EffectiveStatuses() []Status {
	if len(f.Statuses) == 0 {
		return []Status{StatusActive}
	}
	return f.Statuses
}

// Matches reports whether r passes every constraint except the cursor and order.
func (f Filter) Matches(r *Record) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, r.Type) {
		return false
	}
	if !slices.Contains(f.EffectiveStatuses(), r.Status) {
		return false
	}
	if f.ConversationID != "" && r.ConversationID != f.ConversationID {
		return false
	}
	if !f.CreatedBefore.IsZero() && r.Timestamp.After(f.CreatedBefore) {
		return false
	}
	if r.Importance < f.MinImportance || r.AccessCount < f.MinAccessCount {
		return false
	}
	return f.AfterID == "" || f.Order != OrderByID || r.ID > f.AfterID
}

// SortRecords orders records the way ListCandidates must return them.
func SortRecords(records []*Record, order Order) {
	switch order {
	case OrderByRecentAccess:
		slices.SortFunc(records, func(a, b *Record) int {
			if c := b.LastAccessed.Compare(a.LastAccessed); c != 0 {
				return c
			}
			return b.Timestamp.Compare(a.Timestamp)
		})
	default:
		slices.SortFunc(records, func(a, b *Record) int {
			switch {
			case a.ID < b.ID:
				return -1
			case a.ID > b.ID:
				return 1
			}
			return 0
		})
	}
}

// AuditAction names the kind of mutation recorded in the audit log.
type AuditAction string

const (
	AuditPut     AuditAction = "put"
	AuditUpdate  AuditAction = "update"
	AuditArchive AuditAction = "archive"
	AuditDelete  AuditAction = "delete"
)

// AuditEntry is one row of the append-only access log.
type AuditEntry struct {
	ID       string          `json:"id"`
	RecordID string          `json:"record_id"`
	TenantID entity.TenantID `json:"tenant_id"`
	UserID   string          `json:"user_id"`
	Actor    string          `json:"actor"`
	Action   AuditAction     `json:"action"`
	Changes  map[string]any  `json:"changes,omitempty"`
	At       time.Time       `json:"at"`
}

// MetadataStore is the durable, transactional home of memory records.
// It owns identity and lifecycle state. Every Put, Update, Archive and
// Delete appends an AuditEntry.
type MetadataStore interface {
	// Put inserts a new record, assigning its id and defaults.
	Put(ctx context.Context, record *Record) (string, error)

	// Get returns the record or errors.ErrNotFound. Records of other tenants are not found.
	Get(ctx context.Context, tenantID entity.TenantID, id string) (*Record, error)

	// GetMany fetches several records of one tenant in a single round trip.
	// Unknown ids are skipped.
	GetMany(ctx context.Context, tenantID entity.TenantID, ids []string) ([]*Record, error)

	// Update applies a patch with optimistic version checking and returns the new record.
	Update(ctx context.Context, tenantID entity.TenantID, id string, patch Patch) (*Record, error)

	// ListCandidates lists up to limit records of a partition that pass the filter.
	ListCandidates(ctx context.Context, partition entity.Partition, filter Filter, limit int) ([]*Record, error)

	// Archive moves a record to Archived. Archiving an archived record is a no-op.
	Archive(ctx context.Context, tenantID entity.TenantID, id string, actor string) error

	// Delete purges a record. The audit trail survives.
	Delete(ctx context.Context, tenantID entity.TenantID, id string, actor string) error

	// TouchAccess increments access_count and sets last_accessed. It does not
	// bump the version and is not audited.
	TouchAccess(ctx context.Context, tenantID entity.TenantID, ids []string, at time.Time) error

	// Partitions lists every (tenant, user) pair that owns records.
	Partitions(ctx context.Context) ([]entity.Partition, error)

	// AuditLog returns the audit trail of a record, oldest first.
	AuditLog(ctx context.Context, tenantID entity.TenantID, recordID string) ([]AuditEntry, error)

	Ping(ctx context.Context) error
	Close() error
}

// Match is a single VectorIndex hit.
type Match struct {
	ID string
	// Similarity is cosine similarity mapped to [0,1]; 1 means identical
	Similarity float64
}

// VectorIndex maps embeddings to memory ids within a partition.
// Search never returns ids outside the requested partition.
type VectorIndex interface {
	Upsert(ctx context.Context, partition entity.Partition, id string, vector []float32) error
	Search(ctx context.Context, partition entity.Partition, query []float32, topK int) ([]Match, error)
	Delete(ctx context.Context, tenantID entity.TenantID, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// CosineToUnit maps a cosine similarity in [-1,1] onto [0,1].
func CosineToUnit(cos float64) float64 {
	v := (1 + cos) / 2
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
