package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/mem"
)

type entry struct {
	userID string
	vector []float32
}

// MockIndex is a flat in-memory VectorIndex that scans every vector of the
// partition. Failures and latency can be injected for degraded-path tests.
type MockIndex struct {
	vectors map[entity.TenantID]map[string]entry
	failure error
	latency time.Duration

	mutex sync.RWMutex
}

var _ mem.VectorIndex = (*MockIndex)(nil)

// NewMockIndex creates an empty index.
func NewMockIndex() *MockIndex {
	return &MockIndex{vectors: make(map[entity.TenantID]map[string]entry)}
}

// SetFailure makes every call fail with err until cleared with nil.
func (m *MockIndex) SetFailure(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.failure = err
}

// SetLatency delays every call by d, honouring context cancellation.
func (m *MockIndex) SetLatency(d time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.latency = d
}

// Len returns the number of vectors stored for a tenant.
func (m *MockIndex) Len(tenantID entity.TenantID) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.vectors[tenantID])
}

func (m *MockIndex) wait(ctx context.Context) error {
	m.mutex.RLock()
	latency, failure := m.latency, m.failure
	m.mutex.RUnlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return failure
}

func (m *MockIndex) Upsert(ctx context.Context, partition entity.Partition, id string, vector []float32) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()

	tenant, ok := m.vectors[partition.TenantID]
	if !ok {
		tenant = make(map[string]entry)
		m.vectors[partition.TenantID] = tenant
	}
	tenant[id] = entry{userID: partition.UserID, vector: append([]float32(nil), vector...)}
	return nil
}

func (m *MockIndex) Search(ctx context.Context, partition entity.Partition, query []float32, topK int) ([]mem.Match, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var matches []mem.Match
	for id, e := range m.vectors[partition.TenantID] {
		if e.userID != partition.UserID {
			continue
		}
		matches = append(matches, mem.Match{ID: id, Similarity: mem.CosineToUnit(mem.Cosine(query, e.vector))})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (m *MockIndex) Delete(ctx context.Context, tenantID entity.TenantID, id string) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.vectors[tenantID], id)
	return nil
}

func (m *MockIndex) Ping(ctx context.Context) error {
	return m.wait(ctx)
}

func (m *MockIndex) Close() error {
	return nil
}
