package vault

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lexlapax/neurovault/pkg/config"
	"github.com/lexlapax/neurovault/pkg/errors"
	"github.com/lexlapax/neurovault/pkg/log"
	"github.com/lexlapax/neurovault/pkg/mem"
	"github.com/lexlapax/neurovault/pkg/mem/adapters/metadata/boltdb"
	"github.com/lexlapax/neurovault/pkg/mem/adapters/metadata/sqlite"
	"github.com/lexlapax/neurovault/pkg/mem/adapters/vector/chromem_go"
	"github.com/lexlapax/neurovault/pkg/scripting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromBytes([]byte(yaml))
	require.NoError(t, err)
	cfg.Logging.Level = string(log.DebugLevel)
	cfg.Embedding.RatePerSecond = 0
	return cfg
}

func TestNewFromDefaultConfig(t *testing.T) {
	ctx := context.Background()
	svc, err := NewFromConfig(ctx, config.Default())
	require.NoError(t, err)
	defer svc.Close()

	assert.IsType(t, &sqlite.SQLiteStore{}, svc.store.(*mem.GuardedStore).Inner())
	assert.IsType(t, &chromem_go.ChromemGoAdapter{}, svc.index.(*mem.GuardedIndex).Inner())

	rec, err := svc.Store(ctx, alice, StoreRequest{Content: "Prefers aisle seats"})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, rec.EmbeddingID)

	res, err := svc.Retrieve(ctx, alice, RetrieveRequest{Query: "Prefers aisle seats"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Items)
	assert.Equal(t, rec.ID, res.Items[0].Record.ID)

	h := svc.Health(ctx)
	assert.Equal(t, StatusUp, h.MetadataStore)
	assert.Equal(t, StatusUp, h.VectorIndex)
}

func TestNewFromConfigBolt(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, `
metadata:
  type: bolt
  bolt:
    path: `+filepath.Join(dir, "data", "vault.db")+`
vector:
  backends: [chromemgo]
  chromemgo:
    storage_path: `+filepath.Join(dir, "vectors")+`
cache:
  disabled: true
`)
	ctx := context.Background()
	svc, err := NewFromConfig(ctx, cfg)
	require.NoError(t, err)

	assert.IsType(t, &boltdb.BoltStore{}, svc.store.(*mem.GuardedStore).Inner())
	rec, err := svc.Store(ctx, alice, StoreRequest{Content: "Keeps a bonsai"})
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, svc.Health(ctx).CacheLayer)
	require.NoError(t, svc.Close())

	// the data survives a restart
	svc, err = NewFromConfig(ctx, cfg)
	require.NoError(t, err)
	defer svc.Close()
	got, err := svc.Get(ctx, alice, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Keeps a bonsai", got.Content)
}

const summarizeScript = `
function summarize(contents, records)
  return "Summary: " .. table.concat(contents, " | ")
end
`

func TestNewFromConfigLuaSummarizer(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "summarize.lua")
	require.NoError(t, os.WriteFile(script, []byte(summarizeScript), 0o644))

	cfg := testConfig(t, `
consolidation:
  summarizer: lua
scripting:
  paths: [`+script+`]
`)
	ctx := context.Background()
	svc, err := NewFromConfig(ctx, cfg)
	require.NoError(t, err)
	defer svc.Close()

	now := svc.now()
	_, err = svc.store.Put(ctx, &mem.Record{
		Type:        mem.Episodic,
		Content:     "Runs every morning",
		TenantID:    alice.TenantID,
		UserID:      alice.UserID,
		Timestamp:   now.Add(-72 * time.Hour),
		Importance:  8,
		Confidence:  1,
		AccessCount: 3,
	})
	require.NoError(t, err)

	report, err := svc.RunConsolidation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Promoted)

	out, err := svc.Export(ctx, system, alice.TenantID, alice.UserID)
	require.NoError(t, err)
	var semantic *mem.Record
	for _, rec := range out {
		if rec.Type == mem.Semantic {
			semantic = rec
		}
	}
	require.NotNil(t, semantic)
	assert.Equal(t, "Summary: Runs every morning", semantic.Content)
}

func TestNewFromConfigMissingScriptFunction(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.lua"), []byte("function other() return 1 end"), 0o644))

	cfg := testConfig(t, `
consolidation:
  summarizer: lua
scripting:
  paths: [`+dir+`]
`)
	_, err := NewFromConfig(context.Background(), cfg)
	assert.ErrorIs(t, err, scripting.ErrFunctionNotFound)
}

func TestNewFromConfigBadScriptPath(t *testing.T) {
	cfg := testConfig(t, `
consolidation:
  summarizer: lua
scripting:
  paths: [/nonexistent/neurovault/scripts]
`)
	_, err := NewFromConfig(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNewFromConfigMockStore(t *testing.T) {
	cfg := testConfig(t, `
metadata:
  type: mock
`)
	svc, err := NewFromConfig(context.Background(), cfg)
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.Get(context.Background(), alice, "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}
