package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/errors"
	"github.com/lexlapax/neurovault/pkg/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewRecord builds a valid record for the given partition.
func NewRecord(p entity.Partition, content string) *mem.Record {
	return &mem.Record{
		Type:       mem.Episodic,
		Content:    content,
		TenantID:   p.TenantID,
		UserID:     p.UserID,
		Importance: 5,
		Confidence: 1,
	}
}

// RunMetadataStoreSuite exercises the MetadataStore contract against a fresh
// store produced by newStore for every subtest.
func RunMetadataStoreSuite(t *testing.T, newStore func(t *testing.T) mem.MetadataStore) {
	ctx := context.Background()
	alice := entity.Partition{TenantID: "acme", UserID: "alice"}
	bob := entity.Partition{TenantID: "acme", UserID: "bob"}
	mallory := entity.Partition{TenantID: "evil", UserID: "mallory"}

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		store := newStore(t)
		rec := NewRecord(alice, "User prefers dark mode")
		rec.ConversationID = "conv-1"
		rec.Metadata = map[string]any{"event_type": "preference"}
		rec.TTLDays = 30

		id, err := store.Put(ctx, rec)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		got, err := store.Get(ctx, alice.TenantID, id)
		require.NoError(t, err)
		assert.Equal(t, "User prefers dark mode", got.Content)
		assert.Equal(t, mem.Episodic, got.Type)
		assert.Equal(t, mem.StatusActive, got.Status)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, "conv-1", got.ConversationID)
		assert.Equal(t, "preference", got.Metadata["event_type"])
		assert.InDelta(t, 0.12, got.DecayLambda, 1e-9)
		require.NotNil(t, got.ExpiresAt)
		assert.WithinDuration(t, rec.Timestamp.Add(30*24*time.Hour), *got.ExpiresAt, time.Second)
	})

	t.Run("PutRejectsInvalid", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Put(ctx, NewRecord(alice, ""))
		assert.ErrorIs(t, err, errors.ErrValidation)
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		store := newStore(t)
		id, err := store.Put(ctx, NewRecord(alice, "secret"))
		require.NoError(t, err)

		_, err = store.Get(ctx, mallory.TenantID, id)
		assert.ErrorIs(t, err, errors.ErrNotFound)

		many, err := store.GetMany(ctx, mallory.TenantID, []string{id})
		require.NoError(t, err)
		assert.Empty(t, many)

		_, err = store.Update(ctx, mallory.TenantID, id, mem.Patch{Metadata: map[string]any{"x": "y"}})
		assert.ErrorIs(t, err, errors.ErrNotFound)

		assert.ErrorIs(t, store.Delete(ctx, mallory.TenantID, id, "mallory"), errors.ErrNotFound)

		list, err := store.ListCandidates(ctx, bob, mem.Filter{}, 10)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("GetMany", func(t *testing.T) {
		store := newStore(t)
		var ids []string
		for i := 0; i < 3; i++ {
			id, err := store.Put(ctx, NewRecord(alice, fmt.Sprintf("memory %d", i)))
			require.NoError(t, err)
			ids = append(ids, id)
		}

		recs, err := store.GetMany(ctx, alice.TenantID, append(ids, "missing"))
		require.NoError(t, err)
		assert.Len(t, recs, 3)

		recs, err = store.GetMany(ctx, alice.TenantID, nil)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("UpdateVersioning", func(t *testing.T) {
		store := newStore(t)
		id, err := store.Put(ctx, NewRecord(alice, "versioned"))
		require.NoError(t, err)

		imp := 7.5
		updated, err := store.Update(ctx, alice.TenantID, id, mem.Patch{
			ExpectedVersion: 1,
			Importance:      &imp,
			Metadata:        map[string]any{"source": "test"},
			Actor:           "alice",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)
		assert.Equal(t, 7.5, updated.Importance)
		assert.Equal(t, "test", updated.Metadata["source"])

		_, err = store.Update(ctx, alice.TenantID, id, mem.Patch{ExpectedVersion: 1, Importance: &imp})
		assert.ErrorIs(t, err, errors.ErrVersionConflict)

		_, err = store.Update(ctx, alice.TenantID, "missing", mem.Patch{Importance: &imp})
		assert.ErrorIs(t, err, errors.ErrNotFound)

		active := mem.StatusActive
		archived := mem.StatusArchived
		_, err = store.Update(ctx, alice.TenantID, id, mem.Patch{Status: &archived})
		require.NoError(t, err)
		_, err = store.Update(ctx, alice.TenantID, id, mem.Patch{Status: &active})
		assert.ErrorIs(t, err, errors.ErrInvalidTransition)
	})

	t.Run("UpdateParentIDs", func(t *testing.T) {
		store := newStore(t)
		rec := NewRecord(alice, "summary")
		rec.Type = mem.Semantic
		rec.ParentIDs = []string{"p1", "p2"}
		id, err := store.Put(ctx, rec)
		require.NoError(t, err)

		updated, err := store.Update(ctx, alice.TenantID, id, mem.Patch{ParentIDs: []string{"p1"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"p1"}, updated.ParentIDs)

		got, err := store.Get(ctx, alice.TenantID, id)
		require.NoError(t, err)
		assert.Equal(t, []string{"p1"}, got.ParentIDs)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("ConcurrentStaleUpdatesHaveOneWinner", func(t *testing.T) {
		store := newStore(t)
		id, err := store.Put(ctx, NewRecord(alice, "contended"))
		require.NoError(t, err)

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				imp := float64(i)
				_, err := store.Update(ctx, alice.TenantID, id, mem.Patch{ExpectedVersion: 1, Importance: &imp})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, errors.ErrVersionConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, writers-1, conflicts)

		got, err := store.Get(ctx, alice.TenantID, id)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("ListCandidates", func(t *testing.T) {
		store := newStore(t)
		now := time.Now().UTC()

		old := NewRecord(alice, "old and important")
		old.Timestamp = now.Add(-48 * time.Hour)
		old.Importance = 8
		old.ConversationID = "c1"
		_, err := store.Put(ctx, old)
		require.NoError(t, err)

		fresh := NewRecord(alice, "fresh")
		fresh.Timestamp = now
		_, err = store.Put(ctx, fresh)
		require.NoError(t, err)

		proc := NewRecord(alice, "run tests with -race")
		proc.Type = mem.Procedural
		proc.Timestamp = now.Add(-time.Hour)
		_, err = store.Put(ctx, proc)
		require.NoError(t, err)

		_, err = store.Put(ctx, NewRecord(bob, "bob's"))
		require.NoError(t, err)

		all, err := store.ListCandidates(ctx, alice, mem.Filter{}, 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
		for i := 1; i < len(all); i++ {
			assert.Less(t, all[i-1].ID, all[i].ID)
		}

		eligible, err := store.ListCandidates(ctx, alice, mem.Filter{
			Types:         []mem.Type{mem.Episodic},
			CreatedBefore: now.Add(-24 * time.Hour),
			MinImportance: 6,
		}, 10)
		require.NoError(t, err)
		require.Len(t, eligible, 1)
		assert.Equal(t, old.ID, eligible[0].ID)

		byConv, err := store.ListCandidates(ctx, alice, mem.Filter{ConversationID: "c1"}, 10)
		require.NoError(t, err)
		assert.Len(t, byConv, 1)

		page, err := store.ListCandidates(ctx, alice, mem.Filter{AfterID: all[0].ID}, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, all[1].ID, page[0].ID)

		require.NoError(t, store.TouchAccess(ctx, alice.TenantID, []string{proc.ID}, now.Add(time.Minute)))
		recent, err := store.ListCandidates(ctx, alice, mem.Filter{Order: mem.OrderByRecentAccess}, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, proc.ID, recent[0].ID)
		assert.Equal(t, fresh.ID, recent[1].ID)

		require.NoError(t, store.Archive(ctx, alice.TenantID, fresh.ID, "test"))
		active, err := store.ListCandidates(ctx, alice, mem.Filter{}, 0)
		require.NoError(t, err)
		assert.Len(t, active, 2)

		everything, err := store.ListCandidates(ctx, alice, mem.Filter{Statuses: mem.AllStatuses}, 0)
		require.NoError(t, err)
		assert.Len(t, everything, 3)
	})

	t.Run("TouchAccessKeepsVersion", func(t *testing.T) {
		store := newStore(t)
		id, err := store.Put(ctx, NewRecord(alice, "touched"))
		require.NoError(t, err)

		at := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
		require.NoError(t, store.TouchAccess(ctx, alice.TenantID, []string{id}, at))
		require.NoError(t, store.TouchAccess(ctx, alice.TenantID, []string{id}, at))

		got, err := store.Get(ctx, alice.TenantID, id)
		require.NoError(t, err)
		assert.Equal(t, 2, got.AccessCount)
		assert.WithinDuration(t, at, got.LastAccessed, time.Millisecond)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("ArchiveAndDeleteAreAudited", func(t *testing.T) {
		store := newStore(t)
		rec := NewRecord(alice, "audited")
		rec.EmbeddingID = "will-be-cleared"
		id, err := store.Put(ctx, rec)
		require.NoError(t, err)

		require.NoError(t, store.Archive(ctx, alice.TenantID, id, "decay"))
		require.NoError(t, store.Archive(ctx, alice.TenantID, id, "decay"))

		got, err := store.Get(ctx, alice.TenantID, id)
		require.NoError(t, err)
		assert.Equal(t, mem.StatusArchived, got.Status)
		assert.Empty(t, got.EmbeddingID)
		assert.Equal(t, int64(2), got.Version)

		require.NoError(t, store.Delete(ctx, alice.TenantID, id, "alice"))
		_, err = store.Get(ctx, alice.TenantID, id)
		assert.ErrorIs(t, err, errors.ErrNotFound)

		entries, err := store.AuditLog(ctx, alice.TenantID, id)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, mem.AuditPut, entries[0].Action)
		assert.Equal(t, mem.AuditArchive, entries[1].Action)
		assert.Equal(t, "decay", entries[1].Actor)
		assert.Equal(t, mem.AuditDelete, entries[2].Action)
	})

	t.Run("Partitions", func(t *testing.T) {
		store := newStore(t)
		for _, p := range []entity.Partition{bob, mallory, alice, alice} {
			_, err := store.Put(ctx, NewRecord(p, "x"))
			require.NoError(t, err)
		}
		parts, err := store.Partitions(ctx)
		require.NoError(t, err)
		assert.Equal(t, []entity.Partition{alice, bob, mallory}, parts)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(ctx))
	})
}
