package boltdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/errors"
	"github.com/lexlapax/neurovault/pkg/log"
	"github.com/lexlapax/neurovault/pkg/mem"
	bolt "go.etcd.io/bbolt"
)

var (
	tenantsBucket = []byte("tenants")
	recordsBucket = []byte("records")
	auditBucket   = []byte("memory_access_log")
)

// BoltStore implements the MetadataStore interface using a BoltDB database.
//
// Layout: tenants/<tenant_id>/records/<id> holds JSON records and
// tenants/<tenant_id>/memory_access_log/<id>/<seq> holds audit entries.
type BoltStore struct {
	db *bolt.DB
}

var _ mem.MetadataStore = (*BoltStore)(nil)

// NewBoltStore creates a new BoltStore with the given database connection.
func NewBoltStore(db *bolt.DB) *BoltStore {
	log.Debug("Initialized BoltDB metadata store adapter",
		"db_path", db.Path(),
		"read_only", db.IsReadOnly(),
	)
	return &BoltStore{db: db}
}

// Open opens (or creates) a bolt file and initializes the buckets.
func Open(ctx context.Context, path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}
	store := NewBoltStore(db)
	if err := store.Initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Initialize creates the top-level bucket if it doesn't exist.
func (b *BoltStore) Initialize(ctx context.Context) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tenantsBucket)
		return err
	})
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize BoltDB buckets", "error", err)
		return fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return nil
}

// tenantBuckets returns the records and audit buckets of a tenant, creating them when create is set.
// With create unset a missing tenant yields nil buckets.
func tenantBuckets(tx *bolt.Tx, tenantID entity.TenantID, create bool) (records, audit *bolt.Bucket, err error) {
	root := tx.Bucket(tenantsBucket)
	if !create {
		if root == nil {
			return nil, nil, nil
		}
		tb := root.Bucket([]byte(tenantID))
		if tb == nil {
			return nil, nil, nil
		}
		return tb.Bucket(recordsBucket), tb.Bucket(auditBucket), nil
	}

	if root, err = tx.CreateBucketIfNotExists(tenantsBucket); err != nil {
		return nil, nil, fmt.Errorf("failed to create tenants bucket: %w", err)
	}
	tb, err := root.CreateBucketIfNotExists([]byte(tenantID))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create tenant bucket for %s: %w", tenantID, err)
	}
	if records, err = tb.CreateBucketIfNotExists(recordsBucket); err != nil {
		return nil, nil, err
	}
	if audit, err = tb.CreateBucketIfNotExists(auditBucket); err != nil {
		return nil, nil, err
	}
	return records, audit, nil
}

func decode(data []byte) (*mem.Record, error) {
	var rec mem.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

func putRecord(records *bolt.Bucket, rec *mem.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return records.Put([]byte(rec.ID), data)
}

func appendAudit(audit *bolt.Bucket, rec *mem.Record, actor string, action mem.AuditAction, changes map[string]any) error {
	perRecord, err := audit.CreateBucketIfNotExists([]byte(rec.ID))
	if err != nil {
		return err
	}
	seq, err := perRecord.NextSequence()
	if err != nil {
		return err
	}
	data, err := json.Marshal(mem.AuditEntry{
		ID:       uuid.New().String(),
		RecordID: rec.ID,
		TenantID: rec.TenantID,
		UserID:   rec.UserID,
		Actor:    actor,
		Action:   action,
		Changes:  changes,
		At:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	return perRecord.Put([]byte(fmt.Sprintf("%020d", seq)), data)
}

// Put persists a new memory record.
func (b *BoltStore) Put(ctx context.Context, record *mem.Record) (string, error) {
	if err := mem.PrepareInsert(record, time.Now()); err != nil {
		return "", err
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		records, audit, err := tenantBuckets(tx, record.TenantID, true)
		if err != nil {
			return err
		}
		if records.Get([]byte(record.ID)) != nil {
			return errors.Wrap(errors.ErrValidation, "record %s already exists", record.ID)
		}
		if err := putRecord(records, record); err != nil {
			return err
		}
		return appendAudit(audit, record, record.UserID, mem.AuditPut, map[string]any{"memory_type": record.Type})
	})
	if err != nil {
		return "", fmt.Errorf("failed to store record: %w", err)
	}

	log.DebugContext(ctx, "Stored memory record in BoltDB", "memory_id", record.ID, "tenant_id", record.TenantID)
	return record.ID, nil
}

// Get fetches a record of the tenant.
func (b *BoltStore) Get(ctx context.Context, tenantID entity.TenantID, id string) (*mem.Record, error) {
	var rec *mem.Record
	err := b.db.View(func(tx *bolt.Tx) error {
		records, _, _ := tenantBuckets(tx, tenantID, false)
		if records == nil {
			return errors.Wrap(errors.ErrNotFound, "record %s", id)
		}
		data := records.Get([]byte(id))
		if data == nil {
			return errors.Wrap(errors.ErrNotFound, "record %s", id)
		}
		var err error
		rec, err = decode(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetMany fetches several records inside one read transaction.
func (b *BoltStore) GetMany(ctx context.Context, tenantID entity.TenantID, ids []string) ([]*mem.Record, error) {
	results := make([]*mem.Record, 0, len(ids))
	err := b.db.View(func(tx *bolt.Tx) error {
		records, _, _ := tenantBuckets(tx, tenantID, false)
		if records == nil {
			return nil
		}
		for _, id := range ids {
			data := records.Get([]byte(id))
			if data == nil {
				continue
			}
			rec, err := decode(data)
			if err != nil {
				return err
			}
			results = append(results, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch records: %w", err)
	}
	return results, nil
}

// Update applies a patch inside a write transaction; bolt serializes writers
// so the version check and the write are atomic.
func (b *BoltStore) Update(ctx context.Context, tenantID entity.TenantID, id string, patch mem.Patch) (*mem.Record, error) {
	var rec *mem.Record
	err := b.db.Update(func(tx *bolt.Tx) error {
		records, audit, _ := tenantBuckets(tx, tenantID, false)
		if records == nil {
			return errors.Wrap(errors.ErrNotFound, "record %s", id)
		}
		data := records.Get([]byte(id))
		if data == nil {
			return errors.Wrap(errors.ErrNotFound, "record %s", id)
		}
		var err error
		if rec, err = decode(data); err != nil {
			return err
		}
		changes, err := rec.Apply(patch)
		if err != nil || len(changes) == 0 {
			return err
		}
		if err := putRecord(records, rec); err != nil {
			return err
		}
		action := mem.AuditUpdate
		if patch.Status != nil && *patch.Status == mem.StatusArchived {
			action = mem.AuditArchive
		}
		return appendAudit(audit, rec, patch.Actor, action, changes)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update record %s: %w", id, err)
	}
	return rec, nil
}

// ListCandidates scans the tenant's records in id order.
func (b *BoltStore) ListCandidates(ctx context.Context, partition entity.Partition, filter mem.Filter, limit int) ([]*mem.Record, error) {
	var results []*mem.Record
	err := b.db.View(func(tx *bolt.Tx) error {
		records, _, _ := tenantBuckets(tx, partition.TenantID, false)
		if records == nil {
			return nil
		}
		c := records.Cursor()
		k, v := c.First()
		if filter.Order == mem.OrderByID && filter.AfterID != "" {
			k, v = c.Seek([]byte(filter.AfterID))
			if k != nil && bytes.Equal(k, []byte(filter.AfterID)) {
				k, v = c.Next()
			}
		}
		for ; k != nil; k, v = c.Next() {
			rec, err := decode(v)
			if err != nil {
				return err
			}
			if rec.UserID != partition.UserID || !filter.Matches(rec) {
				continue
			}
			results = append(results, rec)
			// id order is the cursor order, so the scan can stop early
			if filter.Order == mem.OrderByID && limit > 0 && len(results) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}

	mem.SortRecords(results, filter.Order)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Archive moves the record to Archived.
func (b *BoltStore) Archive(ctx context.Context, tenantID entity.TenantID, id string, actor string) error {
	_, err := b.Update(ctx, tenantID, id, mem.StatusPatch(mem.StatusArchived, 0, actor))
	return err
}

// Delete purges the record and keeps its audit trail.
func (b *BoltStore) Delete(ctx context.Context, tenantID entity.TenantID, id string, actor string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		records, audit, _ := tenantBuckets(tx, tenantID, false)
		if records == nil {
			return errors.Wrap(errors.ErrNotFound, "record %s", id)
		}
		data := records.Get([]byte(id))
		if data == nil {
			return errors.Wrap(errors.ErrNotFound, "record %s", id)
		}
		rec, err := decode(data)
		if err != nil {
			return err
		}
		if err := records.Delete([]byte(id)); err != nil {
			return err
		}
		return appendAudit(audit, rec, actor, mem.AuditDelete, nil)
	})
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	return nil
}

// TouchAccess bumps access statistics in one write transaction.
func (b *BoltStore) TouchAccess(ctx context.Context, tenantID entity.TenantID, ids []string, at time.Time) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		records, _, _ := tenantBuckets(tx, tenantID, false)
		if records == nil {
			return nil
		}
		for _, id := range ids {
			data := records.Get([]byte(id))
			if data == nil {
				continue
			}
			rec, err := decode(data)
			if err != nil {
				return err
			}
			rec.AccessCount++
			rec.LastAccessed = at.UTC()
			if err := putRecord(records, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Partitions walks every tenant bucket.
func (b *BoltStore) Partitions(ctx context.Context) ([]entity.Partition, error) {
	seen := make(map[entity.Partition]struct{})
	err := b.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(tenantsBucket)
		if root == nil {
			return nil
		}
		return root.ForEachBucket(func(tenant []byte) error {
			records := root.Bucket(tenant).Bucket(recordsBucket)
			if records == nil {
				return nil
			}
			return records.ForEach(func(_, v []byte) error {
				rec, err := decode(v)
				if err != nil {
					return err
				}
				seen[rec.Partition()] = struct{}{}
				return nil
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}

	parts := make([]entity.Partition, 0, len(seen))
	for p := range seen {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool {
		if parts[i].TenantID != parts[j].TenantID {
			return parts[i].TenantID < parts[j].TenantID
		}
		return parts[i].UserID < parts[j].UserID
	})
	return parts, nil
}

// AuditLog returns the audit entries of a record in append order.
func (b *BoltStore) AuditLog(ctx context.Context, tenantID entity.TenantID, recordID string) ([]mem.AuditEntry, error) {
	var entries []mem.AuditEntry
	err := b.db.View(func(tx *bolt.Tx) error {
		_, audit, _ := tenantBuckets(tx, tenantID, false)
		if audit == nil {
			return nil
		}
		perRecord := audit.Bucket([]byte(recordID))
		if perRecord == nil {
			return nil
		}
		return perRecord.ForEach(func(_, v []byte) error {
			var e mem.AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return entries, nil
}

// Ping checks the database is open.
func (b *BoltStore) Ping(ctx context.Context) error {
	return b.db.View(func(tx *bolt.Tx) error { return nil })
}

// Close closes the underlying database.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
