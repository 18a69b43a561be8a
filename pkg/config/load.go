package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default returns a complete configuration that needs no external service:
// in-memory SQLite, in-memory chromem-go and the mock reasoning engine.
func Default() *Config {
	var config Config
	if err := validateConfig(&config); err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return &config
}

// Load reads path when set, otherwise starts from Default. Environment
// overrides are applied in both cases.
func Load(path string) (*Config, error) {
	if path != "" {
		return LoadFromFile(path)
	}
	var config Config
	applyEnvironmentOverrides(&config)
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from a byte slice.
func LoadFromBytes(data []byte) (*Config, error) {
	var config Config

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvironmentOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// LoadDotEnv loads variables from the given files into the environment
// without overriding variables that are already set. With no arguments it
// loads ./.env if present.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		if _, err := os.Stat(".env"); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		paths = []string{".env"}
	}
	if err := godotenv.Load(paths...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// applyEnvironmentOverrides applies environment variable overrides to the config.
func applyEnvironmentOverrides(config *Config) {
	if v := os.Getenv("NEUROVAULT_METADATA_TYPE"); v != "" {
		config.Metadata.Type = v
	}
	if v := os.Getenv("NEUROVAULT_BOLT_PATH"); v != "" {
		config.Metadata.Bolt.Path = v
	}
	if v := os.Getenv("NEUROVAULT_SQLITE_DSN"); v != "" {
		config.Metadata.SQLite.DSN = v
	}
	if v := os.Getenv("NEUROVAULT_POSTGRES_DSN"); v != "" {
		config.Metadata.Postgres.DSN = v
	}

	if v := os.Getenv("NEUROVAULT_VECTOR_BACKENDS"); v != "" {
		config.Vector.Backends = splitList(v)
	}
	if v := os.Getenv("NEUROVAULT_CHROMEM_PATH"); v != "" {
		config.Vector.ChromemGo.StoragePath = v
	}
	// PgVector connection string override
	if v := os.Getenv("PGVECTOR_URL"); v != "" {
		config.Vector.PgVector.ConnectionString = v
	}

	if v := os.Getenv("NEUROVAULT_SURPRISE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Vector.SurpriseThreshold = f
		}
	}

	if v := os.Getenv("NEUROVAULT_CACHE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Cache.TTLSeconds = n
		}
	}

	if v := os.Getenv("NEUROVAULT_REASONING_PROVIDER"); v != "" {
		config.Reasoning.Provider = v
	}
	// OpenAI API key override
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		config.Reasoning.OpenAI.APIKey = v
	}

	if v := os.Getenv("NEUROVAULT_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("NEUROVAULT_LOG_FORMAT"); v != "" {
		config.Logging.Format = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// validateConfig validates the configuration and fills in defaults.
func validateConfig(config *Config) error {
	if err := validateMetadata(&config.Metadata); err != nil {
		return err
	}
	if err := validateVector(&config.Vector); err != nil {
		return err
	}
	if err := validateReasoning(&config.Reasoning); err != nil {
		return err
	}

	// Cache
	if config.Cache.MaxEntries <= 0 {
		config.Cache.MaxEntries = 10_000
	}
	if config.Cache.TTLSeconds <= 0 {
		config.Cache.TTLSeconds = 60
	}

	// Embedding guard
	e := &config.Embedding
	if e.TimeoutMs <= 0 {
		e.TimeoutMs = 2000
	}
	if e.MaxFailures == 0 {
		e.MaxFailures = 5
	}
	if e.OpenTimeoutSeconds <= 0 {
		e.OpenTimeoutSeconds = 30
	}
	if e.RatePerSecond == 0 {
		e.RatePerSecond = 50
	}
	if e.Burst <= 0 {
		e.Burst = 10
	}
	if e.Dimensions < 0 {
		return fmt.Errorf("embedding dimensions must not be negative")
	}

	// Scripting
	if config.Scripting.TimeoutMs <= 0 {
		config.Scripting.TimeoutMs = 1000
	}

	// Decay
	d := &config.Decay
	if d.IntervalHours <= 0 {
		d.IntervalHours = 6
	}
	if d.Threshold == 0 {
		d.Threshold = 0.1
	}
	if d.Threshold < 0 || d.Threshold >= 1 {
		return fmt.Errorf("decay threshold %.3f outside (0,1)", d.Threshold)
	}
	if d.BatchSize <= 0 {
		d.BatchSize = 100
	}

	if err := validateConsolidation(&config.Consolidation, config); err != nil {
		return err
	}

	// Retrieval
	r := &config.Retrieval
	if r.DefaultTopK <= 0 {
		r.DefaultTopK = 5
	}
	if r.MaxTopK <= 0 {
		r.MaxTopK = 100
	}
	if r.DefaultTopK > r.MaxTopK {
		return fmt.Errorf("retrieval default_top_k %d exceeds max_top_k %d", r.DefaultTopK, r.MaxTopK)
	}
	if r.Oversample <= 0 {
		r.Oversample = 3
	}

	// Logging
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	config.Logging.Level = strings.ToLower(config.Logging.Level)
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, config.Logging.Level) {
		return fmt.Errorf("unsupported log level: %s", config.Logging.Level)
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}
	config.Logging.Format = strings.ToLower(config.Logging.Format)
	if config.Logging.Format != "text" && config.Logging.Format != "json" {
		return fmt.Errorf("unsupported log format: %s", config.Logging.Format)
	}

	return nil
}

func validateMetadata(m *MetadataConfig) error {
	if m.Type == "" {
		m.Type = "sqlite"
	}
	m.Type = strings.ToLower(m.Type)
	switch m.Type {
	case "bolt", "boltdb":
		m.Type = "bolt"
		if m.Bolt.Path == "" {
			return fmt.Errorf("bolt path is required for bolt metadata store")
		}
	case "sqlite":
		if m.SQLite.DSN == "" {
			m.SQLite.DSN = ":memory:"
		}
	case "postgres":
		if m.Postgres.DSN == "" {
			return fmt.Errorf("postgres DSN is required for postgres metadata store")
		}
	case "mock":
		// Mock store doesn't require additional validation
	default:
		return fmt.Errorf("unsupported metadata store type: %s", m.Type)
	}
	if m.TimeoutMs <= 0 {
		m.TimeoutMs = 500
	}
	if m.RetryAttempts <= 0 {
		m.RetryAttempts = 3
	}
	return nil
}

func validateVector(v *VectorConfig) error {
	if len(v.Backends) == 0 {
		v.Backends = []string{"chromemgo"}
	}
	seen := make(map[string]bool, len(v.Backends))
	for i, b := range v.Backends {
		b = strings.ToLower(strings.TrimSpace(b))
		if b == "chromem_go" || b == "chromem" {
			b = "chromemgo"
		}
		if seen[b] {
			return fmt.Errorf("vector backend %s listed twice", b)
		}
		seen[b] = true
		v.Backends[i] = b

		switch b {
		case "chromemgo":
			if v.ChromemGo.CollectionPrefix == "" {
				v.ChromemGo.CollectionPrefix = "neurovault"
			}
		case "pgvector":
			if v.PgVector.ConnectionString == "" {
				return fmt.Errorf("connection string is required for pgvector backend")
			}
			if v.PgVector.TableName == "" {
				v.PgVector.TableName = "memory_vectors"
			}
			if v.PgVector.Dimensions <= 0 {
				v.PgVector.Dimensions = 1536
			}
		case "mock":
		default:
			return fmt.Errorf("unsupported vector backend: %s", b)
		}
	}
	if v.TimeoutMs <= 0 {
		v.TimeoutMs = 500
	}
	if v.SurpriseThreshold < 0 || v.SurpriseThreshold > 1 {
		return fmt.Errorf("vector surprise_threshold %.3f outside [0,1]", v.SurpriseThreshold)
	}
	return nil
}

func validateReasoning(r *ReasoningConfig) error {
	if r.Provider == "" {
		r.Provider = "mock"
	}
	r.Provider = strings.ToLower(r.Provider)
	switch r.Provider {
	case "openai":
		if r.OpenAI.APIKey == "" {
			return fmt.Errorf("OpenAI API key is required for openai provider")
		}
		if r.OpenAI.ChatModel == "" {
			r.OpenAI.ChatModel = "gpt-4o-mini"
		}
		if r.OpenAI.EmbeddingModel == "" {
			r.OpenAI.EmbeddingModel = "text-embedding-3-small"
		}
	case "mock":
		if r.Mock.Dimensions <= 0 {
			r.Mock.Dimensions = 64
		}
	default:
		return fmt.Errorf("unsupported reasoning provider: %s", r.Provider)
	}
	return nil
}

func validateConsolidation(c *ConsolidationConfig, config *Config) error {
	if c.IntervalHours <= 0 {
		c.IntervalHours = 6
	}
	if c.MinAgeHours <= 0 {
		c.MinAgeHours = 24
	}
	if c.MinImportance <= 0 {
		c.MinImportance = 6
	}
	if c.MinAccessCount <= 0 {
		c.MinAccessCount = 2
	}
	if c.MaxGroupSize <= 0 {
		c.MaxGroupSize = 10
	}
	if c.ConfidenceFactor == 0 {
		c.ConfidenceFactor = 0.8
	}
	if c.ConfidenceFactor < 0 || c.ConfidenceFactor >= 1 {
		return fmt.Errorf("consolidation confidence_factor %.2f outside (0,1)", c.ConfidenceFactor)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}

	if c.Summarizer == "" {
		c.Summarizer = "join"
	}
	c.Summarizer = strings.ToLower(c.Summarizer)
	switch c.Summarizer {
	case "join", "reasoning":
	case "lua":
		if len(config.Scripting.Paths) == 0 {
			return fmt.Errorf("scripting paths are required for the lua summarizer")
		}
		if c.ScriptFunction == "" {
			c.ScriptFunction = "summarize"
		}
	default:
		return fmt.Errorf("unsupported summarizer: %s", c.Summarizer)
	}
	return nil
}
