package vault

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lexlapax/neurovault/pkg/cache"
	"github.com/lexlapax/neurovault/pkg/config"
	"github.com/lexlapax/neurovault/pkg/consolidation"
	"github.com/lexlapax/neurovault/pkg/decay"
	"github.com/lexlapax/neurovault/pkg/embedding"
	"github.com/lexlapax/neurovault/pkg/log"
	"github.com/lexlapax/neurovault/pkg/mem"
	"github.com/lexlapax/neurovault/pkg/mem/adapters/metadata/boltdb"
	metamock "github.com/lexlapax/neurovault/pkg/mem/adapters/metadata/mock"
	"github.com/lexlapax/neurovault/pkg/mem/adapters/metadata/postgres"
	"github.com/lexlapax/neurovault/pkg/mem/adapters/metadata/sqlite"
	"github.com/lexlapax/neurovault/pkg/mem/adapters/vector/chromem_go"
	"github.com/lexlapax/neurovault/pkg/mem/adapters/vector/fallback"
	"github.com/lexlapax/neurovault/pkg/mem/adapters/vector/pgvector"
	"github.com/lexlapax/neurovault/pkg/reasoning"
	reasoningMock "github.com/lexlapax/neurovault/pkg/reasoning/adapters/mock"
	reasoningOpenAI "github.com/lexlapax/neurovault/pkg/reasoning/adapters/openai"
	"github.com/lexlapax/neurovault/pkg/retrieval"
	"github.com/lexlapax/neurovault/pkg/scripting"
)

// NewFromConfig builds a Service and all of its backends from cfg. The
// global logger is configured from cfg.Logging.
func NewFromConfig(ctx context.Context, cfg *config.Config) (*Service, error) {
	log.Setup(log.Config{
		Level:  log.Level(cfg.Logging.Level),
		Format: log.Format(cfg.Logging.Format),
	})

	var built []io.Closer
	fail := func(err error) (*Service, error) {
		for i := len(built) - 1; i >= 0; i-- {
			_ = built[i].Close()
		}
		return nil, err
	}

	store, err := initMetadataStore(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize metadata store: %w", err))
	}
	built = append(built, store)

	index, err := initVectorIndex(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize vector index: %w", err))
	}
	built = append(built, index)

	engine, dims, err := initReasoningEngine(cfg)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize reasoning engine: %w", err))
	}

	summarizer, closers, err := initSummarizer(cfg, engine)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize summarizer: %w", err))
	}
	built = append(built, closers...)

	opts := optionsFromConfig(cfg, dims)
	svc, err := New(Deps{
		Store:      store,
		Index:      index,
		Embedder:   embedding.FromEngine(engine),
		Summarizer: summarizer,
		Closers:    closers,
	}, opts)
	if err != nil {
		return fail(err)
	}

	log.Info("NeuroVault initialized from config",
		"metadata_type", cfg.Metadata.Type,
		"vector_backends", strings.Join(cfg.Vector.Backends, ","),
		"reasoning_provider", cfg.Reasoning.Provider,
		"summarizer", cfg.Consolidation.Summarizer)
	return svc, nil
}

func optionsFromConfig(cfg *config.Config, dims int) Options {
	opts := DefaultOptions()

	opts.StoreGuard.Timeout = time.Duration(cfg.Metadata.TimeoutMs) * time.Millisecond
	opts.StoreGuard.Retry.Attempts = cfg.Metadata.RetryAttempts
	opts.IndexGuard.Timeout = time.Duration(cfg.Vector.TimeoutMs) * time.Millisecond
	opts.SurpriseThreshold = cfg.Vector.SurpriseThreshold

	e := cfg.Embedding
	opts.EmbeddingGuard = embedding.GuardConfig{
		Timeout:          time.Duration(e.TimeoutMs) * time.Millisecond,
		MaxFailures:      e.MaxFailures,
		OpenTimeout:      time.Duration(e.OpenTimeoutSeconds) * time.Second,
		HalfOpenRequests: 1,
		RatePerSecond:    e.RatePerSecond,
		Burst:            e.Burst,
		Dimensions:       e.Dimensions,
	}
	if opts.EmbeddingGuard.Dimensions == 0 {
		opts.EmbeddingGuard.Dimensions = dims
	}

	opts.DisableCache = cfg.Cache.Disabled
	opts.Cache = cache.Config{MaxEntries: cfg.Cache.MaxEntries, TTL: cfg.Cache.TTL()}

	opts.Retrieval = retrieval.DefaultConfig()
	opts.Retrieval.DefaultTopK = cfg.Retrieval.DefaultTopK
	opts.Retrieval.MaxTopK = cfg.Retrieval.MaxTopK
	opts.Retrieval.Oversample = cfg.Retrieval.Oversample

	opts.Decay = decay.Config{
		Threshold: cfg.Decay.Threshold,
		BatchSize: cfg.Decay.BatchSize,
		Actor:     decay.DefaultConfig().Actor,
	}
	opts.DecayInterval = cfg.Decay.Interval()

	c := cfg.Consolidation
	opts.Consolidation = consolidation.Config{
		MinAgeHours:         c.MinAgeHours,
		MinImportance:       c.MinImportance,
		MinAccessCount:      c.MinAccessCount,
		GroupByConversation: c.GroupByConversation,
		MaxGroupSize:        c.MaxGroupSize,
		ConfidenceFactor:    c.ConfidenceFactor,
		BatchSize:           c.BatchSize,
	}
	opts.ConsolidationInterval = c.Interval()
	return opts
}

// initMetadataStore opens the configured metadata backend.
func initMetadataStore(ctx context.Context, cfg *config.Config) (mem.MetadataStore, error) {
	m := cfg.Metadata
	log.Info("Initializing metadata store", "type", m.Type)

	switch m.Type {
	case "bolt":
		if err := ensureDir(m.Bolt.Path); err != nil {
			return nil, err
		}
		return boltdb.Open(ctx, m.Bolt.Path)
	case "sqlite":
		if m.SQLite.DSN != ":memory:" && !strings.HasPrefix(m.SQLite.DSN, "file:") {
			if err := ensureDir(m.SQLite.DSN); err != nil {
				return nil, err
			}
		}
		return sqlite.Open(ctx, m.SQLite.DSN)
	case "postgres":
		return postgres.Open(ctx, m.Postgres.DSN)
	case "mock":
		log.Warn("Using in-memory mock metadata store")
		return metamock.NewMockStore(), nil
	default:
		return nil, fmt.Errorf("unsupported metadata store type: %s", m.Type)
	}
}

// initVectorIndex opens every configured backend. More than one backend
// is wrapped in a fallback index with the first as primary.
func initVectorIndex(ctx context.Context, cfg *config.Config) (mem.VectorIndex, error) {
	v := cfg.Vector
	backends := make([]fallback.Backend, 0, len(v.Backends))
	closeAll := func() {
		for _, b := range backends {
			_ = b.Index.Close()
		}
	}

	for _, name := range v.Backends {
		log.Info("Initializing vector index", "backend", name)
		var (
			idx mem.VectorIndex
			err error
		)
		switch name {
		case "chromemgo":
			if v.ChromemGo.StoragePath != "" {
				if err := os.MkdirAll(v.ChromemGo.StoragePath, 0o755); err != nil {
					closeAll()
					return nil, fmt.Errorf("failed to create chromem storage directory: %w", err)
				}
			}
			idx, err = chromem_go.Open(v.ChromemGo.StoragePath, v.ChromemGo.CollectionPrefix)
		case "pgvector":
			idx, err = pgvector.NewPgvectorAdapter(ctx, pgvector.PgvectorConfig{
				ConnectionString: v.PgVector.ConnectionString,
				TableName:        v.PgVector.TableName,
				DimensionSize:    v.PgVector.Dimensions,
			})
		default:
			err = fmt.Errorf("unsupported vector backend: %s", name)
		}
		if err != nil {
			closeAll()
			return nil, err
		}
		backends = append(backends, fallback.Backend{Name: name, Index: idx})
	}

	if len(backends) == 1 {
		return backends[0].Index, nil
	}
	idx, err := fallback.New(backends...)
	if err != nil {
		closeAll()
		return nil, err
	}
	return idx, nil
}

// initReasoningEngine returns the engine and the embedding width it produces,
// zero when the model decides.
func initReasoningEngine(cfg *config.Config) (reasoning.Engine, int, error) {
	r := cfg.Reasoning
	log.Info("Initializing reasoning engine", "provider", r.Provider)

	switch r.Provider {
	case "openai":
		adapter, err := reasoningOpenAI.NewOpenAIAdapter(reasoningOpenAI.Config{
			APIKey:         r.OpenAI.APIKey,
			ChatModel:      r.OpenAI.ChatModel,
			EmbeddingModel: r.OpenAI.EmbeddingModel,
			Dimensions:     r.OpenAI.Dimensions,
			BaseURL:        r.OpenAI.BaseURL,
		})
		if err != nil {
			return nil, 0, err
		}
		return adapter, r.OpenAI.Dimensions, nil
	case "mock":
		log.Info("Using mock reasoning engine", "dimensions", r.Mock.Dimensions)
		return reasoningMock.NewMockEngine(reasoningMock.WithDimensions(r.Mock.Dimensions)), r.Mock.Dimensions, nil
	default:
		return nil, 0, fmt.Errorf("unsupported reasoning provider: %s", r.Provider)
	}
}

// initSummarizer builds the configured consolidation summarizer and any
// resources it owns.
func initSummarizer(cfg *config.Config, engine reasoning.Engine) (consolidation.Summarizer, []io.Closer, error) {
	c := cfg.Consolidation
	switch c.Summarizer {
	case "join":
		return consolidation.JoinSummarizer{}, nil, nil
	case "reasoning":
		return consolidation.EngineSummarizer{Engine: engine}, nil, nil
	case "lua":
		scripts, err := initScriptEngine(cfg)
		if err != nil {
			return nil, nil, err
		}
		if !scripts.HasFunction(c.ScriptFunction) {
			_ = scripts.Close()
			return nil, nil, fmt.Errorf("lua function %q not defined by %s: %w",
				c.ScriptFunction, strings.Join(cfg.Scripting.Paths, ","), scripting.ErrFunctionNotFound)
		}
		return consolidation.ScriptSummarizer{Engine: scripts, Function: c.ScriptFunction}, []io.Closer{scripts}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported summarizer: %s", c.Summarizer)
	}
}

// initScriptEngine creates the Lua engine and loads every configured path,
// which may be a directory or a single file.
func initScriptEngine(cfg *config.Config) (*scripting.LuaEngine, error) {
	sc := scripting.DefaultConfig()
	sc.ScriptTimeoutMs = cfg.Scripting.TimeoutMs
	sc.EnableSandboxing = !cfg.Scripting.DisableSandbox

	engine, err := scripting.NewLuaEngine(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Lua engine: %w", err)
	}

	for _, path := range cfg.Scripting.Paths {
		info, err := os.Stat(path)
		if err != nil {
			_ = engine.Close()
			return nil, fmt.Errorf("script path %s: %w", path, err)
		}
		if info.IsDir() {
			err = engine.LoadScriptDir(path)
		} else {
			err = engine.LoadScriptFile(path)
		}
		if err != nil {
			_ = engine.Close()
			return nil, err
		}
		log.Info("Loaded scripts", "path", path)
	}
	return engine, nil
}

func ensureDir(file string) error {
	dir := filepath.Dir(file)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
