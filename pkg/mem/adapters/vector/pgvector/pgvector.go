package pgvector

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/log"
	"github.com/lexlapax/neurovault/pkg/mem"
	pgv "github.com/pgvector/pgvector-go"
)

// PgvectorAdapter implements VectorIndex on PostgreSQL with the pgvector extension.
type PgvectorAdapter struct {
	db            *pgxpool.Pool
	table         string
	dimensionSize int
}

var _ mem.VectorIndex = (*PgvectorAdapter)(nil)

// PgvectorConfig contains the configuration for a Pgvector adapter
type PgvectorConfig struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// TableName is the name of the table to use
	TableName string

	// DimensionSize is the size of vector embeddings
	DimensionSize int
}

// NewPgvectorAdapter connects, ensures the extension and table exist, and returns the adapter.
func NewPgvectorAdapter(ctx context.Context, config PgvectorConfig) (*PgvectorAdapter, error) {
	if config.ConnectionString == "" {
		return nil, errors.New("connection string cannot be empty")
	}
	if config.TableName == "" {
		config.TableName = "memory_vectors"
	}
	if config.DimensionSize <= 0 {
		config.DimensionSize = 1536
	}

	db, err := pgxpool.New(ctx, config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	adapter := &PgvectorAdapter{
		db:            db,
		table:         pgx.Identifier{config.TableName}.Sanitize(),
		dimensionSize: config.DimensionSize,
	}
	if err := adapter.initializeTable(ctx, config.TableName); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize pgvector table: %w", err)
	}

	log.Info("Initialized pgvector index", "table", config.TableName, "dimensions", config.DimensionSize)
	return adapter, nil
}

func (a *PgvectorAdapter) initializeTable(ctx context.Context, name string) error {
	if _, err := a.db.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create pgvector extension: %w", err)
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, a.table, a.dimensionSize),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (tenant_id, user_id)`,
			pgx.Identifier{name + "_partition_idx"}.Sanitize(), a.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
			pgx.Identifier{name + "_embedding_idx"}.Sanitize(), a.table),
	}
	for _, stmt := range stmts {
		if _, err := a.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// DB returns the underlying pool (used for testing)
func (a *PgvectorAdapter) DB() *pgxpool.Pool {
	return a.db
}

func (a *PgvectorAdapter) checkDims(v []float32) error {
	if len(v) != a.dimensionSize {
		return fmt.Errorf("vector has %d dimensions, index expects %d", len(v), a.dimensionSize)
	}
	return nil
}

// Upsert inserts or replaces a vector.
func (a *PgvectorAdapter) Upsert(ctx context.Context, partition entity.Partition, id string, vector []float32) error {
	if err := a.checkDims(vector); err != nil {
		return err
	}
	_, err := a.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, user_id, embedding, updated_at)
		VALUES ($1, $2, $3, $4::vector, NOW())
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			user_id = EXCLUDED.user_id,
			embedding = EXCLUDED.embedding,
			updated_at = NOW()`, a.table),
		id, string(partition.TenantID), partition.UserID, pgv.NewVector(vector).String())
	if err != nil {
		return fmt.Errorf("failed to upsert vector %s: %w", id, err)
	}
	return nil
}

// Search orders the partition's vectors by cosine distance.
func (a *PgvectorAdapter) Search(ctx context.Context, partition entity.Partition, query []float32, topK int) ([]mem.Match, error) {
	if err := a.checkDims(query); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []mem.Match{}, nil
	}

	rows, err := a.db.Query(ctx, fmt.Sprintf(`
		SELECT id, 1 - (embedding <=> $1::vector) AS cosine
		FROM %s
		WHERE tenant_id = $2 AND user_id = $3
		ORDER BY embedding <=> $1::vector
		LIMIT $4`, a.table),
		pgv.NewVector(query).String(), string(partition.TenantID), partition.UserID, topK)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}
	defer rows.Close()

	matches := []mem.Match{}
	for rows.Next() {
		var (
			id     string
			cosine float64
		)
		if err := rows.Scan(&id, &cosine); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		matches = append(matches, mem.Match{ID: id, Similarity: mem.CosineToUnit(cosine)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating matches: %w", err)
	}

	log.DebugContext(ctx, "pgvector search", "partition", partition.String(), "returned", len(matches))
	return matches, nil
}

// Delete removes a vector; unknown ids are ignored.
func (a *PgvectorAdapter) Delete(ctx context.Context, tenantID entity.TenantID, id string) error {
	_, err := a.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1 AND id = $2`, a.table), string(tenantID), id)
	if err != nil {
		return fmt.Errorf("failed to delete vector %s: %w", id, err)
	}
	return nil
}

// Ping checks the pool.
func (a *PgvectorAdapter) Ping(ctx context.Context) error {
	return a.db.Ping(ctx)
}

// Close closes the pool.
func (a *PgvectorAdapter) Close() error {
	a.db.Close()
	return nil
}
