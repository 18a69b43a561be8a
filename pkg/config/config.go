package config

import "time"

// Config represents the top-level configuration for a NeuroVault service.
type Config struct {
	// Metadata configures the durable record store
	Metadata MetadataConfig `yaml:"metadata"`

	// Vector configures the similarity index chain
	Vector VectorConfig `yaml:"vector"`

	// Cache configures the retrieval result cache
	Cache CacheConfig `yaml:"cache"`

	// Embedding configures the resilience guard around the embedding provider
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Reasoning configures the LLM that produces embeddings and summaries
	Reasoning ReasoningConfig `yaml:"reasoning"`

	// Scripting configures the Lua engine used by the script summarizer
	Scripting ScriptingConfig `yaml:"scripting"`

	Decay         DecayConfig         `yaml:"decay"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`

	// Logging configures the logging behavior
	Logging LoggingConfig `yaml:"logging"`
}

// MetadataConfig selects and configures the MetadataStore.
type MetadataConfig struct {
	// Type is the backend ("bolt", "sqlite", "postgres", "mock")
	Type string `yaml:"type"`

	Bolt     BoltConfig     `yaml:"bolt"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`

	// TimeoutMs bounds each attempt of a store call
	TimeoutMs int `yaml:"timeout_ms"`

	// RetryAttempts is the total number of attempts for transient failures
	RetryAttempts int `yaml:"retry_attempts"`
}

// BoltConfig configures the bbolt store.
type BoltConfig struct {
	Path string `yaml:"path"`
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// DSN is a file path or ":memory:"
	DSN string `yaml:"dsn"`
}

// PostgresConfig configures the PostgreSQL store.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// VectorConfig configures the VectorIndex chain.
type VectorConfig struct {
	// Backends lists indexes in preference order ("chromemgo", "pgvector", "mock").
	// The first is the primary; the rest serve searches when it fails.
	Backends []string `yaml:"backends"`

	ChromemGo ChromemGoConfig `yaml:"chromemgo"`
	PgVector  PgVectorConfig  `yaml:"pgvector"`

	// TimeoutMs bounds each index call
	TimeoutMs int `yaml:"timeout_ms"`

	// SurpriseThreshold drops a new memory whose nearest neighbour in the
	// partition is at least this similar (0..1). Zero disables the check.
	SurpriseThreshold float64 `yaml:"surprise_threshold"`
}

// ChromemGoConfig configures chromem-go vector storage.
type ChromemGoConfig struct {
	// StoragePath is the path for on-disk persistent storage (if empty, in-memory is used)
	StoragePath string `yaml:"storage_path"`

	// CollectionPrefix namespaces the per-tenant collections
	CollectionPrefix string `yaml:"collection_prefix"`
}

// PgVectorConfig configures PostgreSQL with the pgvector extension.
type PgVectorConfig struct {
	ConnectionString string `yaml:"connection_string"`
	TableName        string `yaml:"table_name"`
	Dimensions       int    `yaml:"dimensions"`
}

// CacheConfig configures the retrieval cache.
type CacheConfig struct {
	Disabled   bool  `yaml:"disabled"`
	MaxEntries int64 `yaml:"max_entries"`
	TTLSeconds int   `yaml:"ttl_seconds"`
}

// TTL returns the entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// EmbeddingConfig configures timeouts, circuit breaking and rate limiting
// of embedding calls.
type EmbeddingConfig struct {
	TimeoutMs          int     `yaml:"timeout_ms"`
	MaxFailures        uint32  `yaml:"max_failures"`
	OpenTimeoutSeconds int     `yaml:"open_timeout_seconds"`
	RatePerSecond      float64 `yaml:"rate_per_second"`
	Burst              int     `yaml:"burst"`

	// Dimensions is the fixed vector length of the deployment; 0 accepts any
	Dimensions int `yaml:"dimensions"`
}

// ReasoningConfig configures the reasoning engine (LLM).
type ReasoningConfig struct {
	// Provider is the LLM provider ("openai", "mock")
	Provider string `yaml:"provider"`

	OpenAI OpenAIConfig `yaml:"openai"`
	Mock   MockConfig   `yaml:"mock"`
}

// OpenAIConfig configures OpenAI integration.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key
	APIKey string `yaml:"api_key"`

	// ChatModel is used by the reasoning summarizer
	ChatModel string `yaml:"chat_model"`

	// EmbeddingModel is the model to use for generating embeddings
	EmbeddingModel string `yaml:"embedding_model"`

	Dimensions int    `yaml:"dimensions"`
	BaseURL    string `yaml:"base_url"`
}

// MockConfig configures the deterministic offline engine.
type MockConfig struct {
	Dimensions int `yaml:"dimensions"`
}

// ScriptingConfig configures the Lua scripting engine.
type ScriptingConfig struct {
	// Paths is a list of Lua files or directories containing Lua scripts
	Paths []string `yaml:"paths"`

	TimeoutMs      int  `yaml:"timeout_ms"`
	DisableSandbox bool `yaml:"disable_sandbox"`
}

// DecayConfig configures the archival sweep.
type DecayConfig struct {
	IntervalHours float64 `yaml:"interval_hours"`
	Threshold     float64 `yaml:"threshold"`
	BatchSize     int     `yaml:"batch_size"`
}

// Interval returns the sweep period.
func (d DecayConfig) Interval() time.Duration {
	return time.Duration(d.IntervalHours * float64(time.Hour))
}

// ConsolidationConfig configures episodic to semantic promotion.
type ConsolidationConfig struct {
	IntervalHours       float64 `yaml:"interval_hours"`
	MinAgeHours         float64 `yaml:"min_age_hours"`
	MinImportance       float64 `yaml:"min_importance"`
	MinAccessCount      int     `yaml:"min_access_count"`
	GroupByConversation bool    `yaml:"group_by_conversation"`
	MaxGroupSize        int     `yaml:"max_group_size"`
	ConfidenceFactor    float64 `yaml:"confidence_factor"`
	BatchSize           int     `yaml:"batch_size"`

	// Summarizer is "join", "reasoning" or "lua"
	Summarizer string `yaml:"summarizer"`

	// ScriptFunction is the Lua function called by the lua summarizer
	ScriptFunction string `yaml:"script_function"`
}

// Interval returns the run period.
func (c ConsolidationConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours * float64(time.Hour))
}

// RetrievalConfig configures the retrieval coordinator.
type RetrievalConfig struct {
	DefaultTopK int `yaml:"default_top_k"`
	MaxTopK     int `yaml:"max_top_k"`
	Oversample  int `yaml:"oversample"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	// Level is the logging level ("debug", "info", "warn", "error")
	Level string `yaml:"level"`

	// Format is "text" or "json"
	Format string `yaml:"format"`
}
