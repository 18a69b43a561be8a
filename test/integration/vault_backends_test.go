package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/lexlapax/neurovault/pkg/config"
	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/errors"
	"github.com/lexlapax/neurovault/pkg/log"
	"github.com/lexlapax/neurovault/pkg/mem"
	"github.com/lexlapax/neurovault/pkg/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Setup(log.Config{Level: log.DebugLevel, Format: log.TextFormat})
}

func requireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION_TESTS") != "true" {
		t.Skip("Skipping integration test; set INTEGRATION_TESTS=true to run")
	}
}

func postgresDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("NEUROVAULT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("Skipping postgres backend; NEUROVAULT_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

type backend struct {
	name   string
	config func(t *testing.T) string
}

var backends = []backend{
	{"bolt+chromemgo", func(t *testing.T) string {
		dir := t.TempDir()
		return fmt.Sprintf(`
metadata:
  type: bolt
  bolt:
    path: %s
vector:
  backends: [chromemgo]
  chromemgo:
    storage_path: %s
`, filepath.Join(dir, "vault.db"), filepath.Join(dir, "vectors"))
	}},
	{"sqlite+chromemgo", func(t *testing.T) string {
		return fmt.Sprintf(`
metadata:
  type: sqlite
  sqlite:
    dsn: %s
`, filepath.Join(t.TempDir(), "vault.sqlite"))
	}},
	{"postgres+pgvector", func(t *testing.T) string {
		dsn := postgresDSN(t)
		return fmt.Sprintf(`
metadata:
  type: postgres
  postgres:
    dsn: %q
vector:
  backends: [pgvector]
  pgvector:
    connection_string: %q
    table_name: neurovault_it_vectors
    dimensions: 64
`, dsn, dsn)
	}},
	{"postgres+pgvector+chromemgo", func(t *testing.T) string {
		dsn := postgresDSN(t)
		return fmt.Sprintf(`
metadata:
  type: postgres
  postgres:
    dsn: %q
vector:
  backends: [pgvector, chromemgo]
  pgvector:
    connection_string: %q
    table_name: neurovault_it_vectors
    dimensions: 64
`, dsn, dsn)
	}},
}

func openVault(t *testing.T, yaml string) *vault.Service {
	t.Helper()
	cfg, err := config.LoadFromBytes([]byte(yaml))
	require.NoError(t, err)
	cfg.Logging.Level = "debug"
	cfg.Embedding.RatePerSecond = 0

	svc, err := vault.NewFromConfig(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, svc.Close()) })
	return svc
}

func TestVaultBackends(t *testing.T) {
	requireIntegration(t)

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			svc := openVault(t, b.config(t))
			tenant := entity.TenantID("it-" + uuid.New().String()[:8])
			alice := entity.NewContext(tenant, "alice", entity.RoleUser)
			bob := entity.NewContext(tenant, "bob", entity.RoleUser)
			system := entity.NewContext(tenant, "compliance", entity.RoleSystem)
			ctx := context.Background()

			health := svc.Health(ctx)
			assert.Equal(t, vault.StatusUp, health.MetadataStore)
			assert.Equal(t, vault.StatusUp, health.VectorIndex)

			var stored []*mem.Record
			for _, content := range []string{
				"User prefers dark mode",
				"User lives in Lisbon",
				"User's email is alice@example.com",
			} {
				rec, err := svc.Store(ctx, alice, vault.StoreRequest{Content: content, Importance: ptr(7.0)})
				require.NoError(t, err)
				require.Equal(t, rec.ID, rec.EmbeddingID)
				stored = append(stored, rec)
			}
			assert.Contains(t, stored[2].Content, "[EMAIL_REDACTED]")

			t.Run("retrieve", func(t *testing.T) {
				res, err := svc.Retrieve(ctx, alice, vault.RetrieveRequest{Query: "User prefers dark mode", TopK: 2})
				require.NoError(t, err)
				assert.False(t, res.Degraded)
				require.Len(t, res.Items, 2)
				assert.Equal(t, stored[0].ID, res.Items[0].Record.ID)

				other, err := svc.Retrieve(ctx, bob, vault.RetrieveRequest{Query: "User prefers dark mode"})
				require.NoError(t, err)
				assert.Empty(t, other.Items)
			})

			t.Run("concurrent updates", func(t *testing.T) {
				var (
					wg   sync.WaitGroup
					mu   sync.Mutex
					wins int
				)
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						_, err := svc.Update(ctx, alice, stored[1].ID, vault.UpdateRequest{
							ExpectedVersion: 1,
							Importance:      ptr(float64(i)),
						})
						if err == nil {
							mu.Lock()
							wins++
							mu.Unlock()
							return
						}
						assert.ErrorIs(t, err, errors.ErrVersionConflict)
					}(i)
				}
				wg.Wait()
				assert.Equal(t, 1, wins)
			})

			t.Run("export and purge", func(t *testing.T) {
				recs, err := svc.Export(ctx, system, tenant, "alice")
				require.NoError(t, err)
				require.Len(t, recs, 3)
				for _, rec := range recs {
					require.NoError(t, svc.Delete(ctx, system, rec.ID, true))
				}

				left, err := svc.Export(ctx, system, tenant, "alice")
				require.NoError(t, err)
				assert.Empty(t, left)

				res, err := svc.Retrieve(ctx, alice, vault.RetrieveRequest{Query: "User prefers dark mode"})
				require.NoError(t, err)
				assert.Empty(t, res.Items)
			})
		})
	}
}

func ptr[T any](v T) *T { return &v }
