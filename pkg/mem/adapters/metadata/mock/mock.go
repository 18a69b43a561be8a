package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/errors"
	"github.com/lexlapax/neurovault/pkg/log"
	"github.com/lexlapax/neurovault/pkg/mem"
)

// MockStore is an in-memory MetadataStore used for testing and development.
type MockStore struct {
	// records[TenantID][RecordID]
	records map[entity.TenantID]map[string]*mem.Record
	audit   []mem.AuditEntry
	failure error

	mutex sync.RWMutex
}

var _ mem.MetadataStore = (*MockStore)(nil)

// NewMockStore creates a new instance of the MockStore.
func NewMockStore() *MockStore {
	log.Debug("Initialized mock metadata store adapter")
	return &MockStore{
		records: make(map[entity.TenantID]map[string]*mem.Record),
	}
}

// SetFailure makes every subsequent call fail with err until cleared with nil.
func (m *MockStore) SetFailure(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.failure = err
}

func (m *MockStore) appendAudit(rec *mem.Record, actor string, action mem.AuditAction, changes map[string]any) {
	m.audit = append(m.audit, mem.AuditEntry{
		ID:       uuid.New().String(),
		RecordID: rec.ID,
		TenantID: rec.TenantID,
		UserID:   rec.UserID,
		Actor:    actor,
		Action:   action,
		Changes:  changes,
		At:       time.Now().UTC(),
	})
}

// Put implements the MetadataStore interface.
func (m *MockStore) Put(ctx context.Context, record *mem.Record) (string, error) {
	if err := mem.PrepareInsert(record, time.Now()); err != nil {
		return "", err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.failure != nil {
		return "", m.failure
	}

	tenant, ok := m.records[record.TenantID]
	if !ok {
		log.DebugContext(ctx, "Creating new tenant record map", "tenant_id", record.TenantID)
		tenant = make(map[string]*mem.Record)
		m.records[record.TenantID] = tenant
	}
	if _, exists := tenant[record.ID]; exists {
		return "", errors.Wrap(errors.ErrValidation, "record %s already exists", record.ID)
	}
	tenant[record.ID] = record.Clone()
	m.appendAudit(record, record.UserID, mem.AuditPut, map[string]any{"memory_type": record.Type})

	log.DebugContext(ctx, "Stored memory record in mock store",
		"memory_id", record.ID,
		"tenant_id", record.TenantID,
		"content_length", len(record.Content),
	)
	return record.ID, nil
}

func (m *MockStore) lookup(tenantID entity.TenantID, id string) (*mem.Record, error) {
	rec, ok := m.records[tenantID][id]
	if !ok {
		return nil, errors.Wrap(errors.ErrNotFound, "record %s", id)
	}
	return rec, nil
}

// Get implements the MetadataStore interface.
func (m *MockStore) Get(ctx context.Context, tenantID entity.TenantID, id string) (*mem.Record, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.failure != nil {
		return nil, m.failure
	}

	rec, err := m.lookup(tenantID, id)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// GetMany implements the MetadataStore interface.
func (m *MockStore) GetMany(ctx context.Context, tenantID entity.TenantID, ids []string) ([]*mem.Record, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.failure != nil {
		return nil, m.failure
	}

	results := make([]*mem.Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := m.records[tenantID][id]; ok {
			results = append(results, rec.Clone())
		}
	}
	return results, nil
}

// Update implements the MetadataStore interface.
func (m *MockStore) Update(ctx context.Context, tenantID entity.TenantID, id string, patch mem.Patch) (*mem.Record, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.failure != nil {
		return nil, m.failure
	}

	current, err := m.lookup(tenantID, id)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	changes, err := next.Apply(patch)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return next, nil
	}
	m.records[tenantID][id] = next

	action := mem.AuditUpdate
	if patch.Status != nil && *patch.Status == mem.StatusArchived {
		action = mem.AuditArchive
	}
	m.appendAudit(next, patch.Actor, action, changes)
	return next.Clone(), nil
}

// ListCandidates implements the MetadataStore interface.
func (m *MockStore) ListCandidates(ctx context.Context, partition entity.Partition, filter mem.Filter, limit int) ([]*mem.Record, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.failure != nil {
		return nil, m.failure
	}

	var results []*mem.Record
	for _, rec := range m.records[partition.TenantID] {
		if rec.UserID == partition.UserID && filter.Matches(rec) {
			results = append(results, rec.Clone())
		}
	}
	mem.SortRecords(results, filter.Order)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Archive implements the MetadataStore interface.
func (m *MockStore) Archive(ctx context.Context, tenantID entity.TenantID, id string, actor string) error {
	_, err := m.Update(ctx, tenantID, id, mem.StatusPatch(mem.StatusArchived, 0, actor))
	return err
}

// Delete implements the MetadataStore interface.
func (m *MockStore) Delete(ctx context.Context, tenantID entity.TenantID, id string, actor string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.failure != nil {
		return m.failure
	}

	rec, err := m.lookup(tenantID, id)
	if err != nil {
		return err
	}
	delete(m.records[tenantID], id)
	m.appendAudit(rec, actor, mem.AuditDelete, nil)
	return nil
}

// TouchAccess implements the MetadataStore interface.
func (m *MockStore) TouchAccess(ctx context.Context, tenantID entity.TenantID, ids []string, at time.Time) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.failure != nil {
		return m.failure
	}

	for _, id := range ids {
		if rec, ok := m.records[tenantID][id]; ok {
			rec.AccessCount++
			rec.LastAccessed = at
		}
	}
	return nil
}

// Partitions implements the MetadataStore interface.
func (m *MockStore) Partitions(ctx context.Context) ([]entity.Partition, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.failure != nil {
		return nil, m.failure
	}

	seen := make(map[entity.Partition]struct{})
	for _, tenant := range m.records {
		for _, rec := range tenant {
			seen[rec.Partition()] = struct{}{}
		}
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

// AuditLog implements the MetadataStore interface.
func (m *MockStore) AuditLog(ctx context.Context, tenantID entity.TenantID, recordID string) ([]mem.AuditEntry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var entries []mem.AuditEntry
	for _, e := range m.audit {
		if e.TenantID == tenantID && e.RecordID == recordID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Ping implements the MetadataStore interface.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.failure
}

// Close implements the MetadataStore interface.
func (m *MockStore) Close() error {
	return nil
}
