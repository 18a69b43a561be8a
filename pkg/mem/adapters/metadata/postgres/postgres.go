package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/lexlapax/neurovault/pkg/entity"
	nverrors "github.com/lexlapax/neurovault/pkg/errors"
	"github.com/lexlapax/neurovault/pkg/log"
	"github.com/lexlapax/neurovault/pkg/mem"
	"github.com/lexlapax/neurovault/pkg/mem/adapters/metadata/sqlutil"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements the MetadataStore interface using a PostgreSQL database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ mem.MetadataStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore with the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	log.Debug("Initialized PostgreSQL metadata store adapter")
	return &PostgresStore{pool: pool}
}

// Open migrates the schema and connects a pool to dsn.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return NewPostgresStore(pool), nil
}

// Migrate applies the embedded schema migrations over a database/sql handle.
func Migrate(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func utc(t time.Time) any {
	return t.UTC()
}

// rebind converts '?' placeholders to '$n'.
func rebind(q string) string {
	return sqlx.Rebind(sqlx.DOLLAR, q)
}

func scanRecord(row pgx.Row) (*mem.Record, error) {
	var (
		rec                   mem.Record
		tenantID, mtype, stat string
		parentsRaw, metaRaw   []byte
		expiresAt             *time.Time
	)
	err := row.Scan(
		&rec.ID, &tenantID, &rec.UserID, &rec.ConversationID, &mtype, &rec.Content, &rec.EmbeddingID,
		&rec.Timestamp, &rec.LastAccessed, &rec.AccessCount, &rec.Importance, &rec.Confidence, &rec.DecayLambda,
		&stat, &rec.Version, &parentsRaw, &rec.TTLDays, &expiresAt, &metaRaw,
	)
	if err != nil {
		return nil, err
	}

	rec.TenantID = entity.TenantID(tenantID)
	rec.Type = mem.Type(mtype)
	rec.Status = mem.Status(stat)
	rec.Timestamp = rec.Timestamp.UTC()
	rec.LastAccessed = rec.LastAccessed.UTC()
	if expiresAt != nil {
		t := expiresAt.UTC()
		rec.ExpiresAt = &t
	}
	if rec.ParentIDs, err = sqlutil.DecodeParents(parentsRaw); err != nil {
		return nil, err
	}
	if rec.Metadata, err = sqlutil.DecodeMetadata(metaRaw); err != nil {
		return nil, err
	}
	return &rec, nil
}

func collect(rows pgx.Rows) ([]*mem.Record, error) {
	defer rows.Close()
	out := []*mem.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}

func insertAudit(ctx context.Context, tx pgx.Tx, rec *mem.Record, actor string, action mem.AuditAction, changes map[string]any) error {
	args, err := sqlutil.AuditArgs(mem.AuditEntry{
		ID:       uuid.New().String(),
		RecordID: rec.ID,
		TenantID: rec.TenantID,
		UserID:   rec.UserID,
		Actor:    actor,
		Action:   action,
		Changes:  changes,
		At:       time.Now().UTC(),
	}, utc)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, rebind(sqlutil.InsertAudit), args...); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func getForUpdate(ctx context.Context, tx pgx.Tx, tenantID entity.TenantID, id string) (*mem.Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+sqlutil.Columns+` FROM memory_records WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		string(tenantID), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nverrors.Wrap(nverrors.ErrNotFound, "record %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock record: %w", err)
	}
	return rec, nil
}

// Put persists a memory record.
func (p *PostgresStore) Put(ctx context.Context, record *mem.Record) (string, error) {
	if err := mem.PrepareInsert(record, time.Now()); err != nil {
		return "", err
	}
	args, err := sqlutil.InsertArgs(record, utc)
	if err != nil {
		return "", err
	}

	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, rebind(sqlutil.InsertRecord), args...); err != nil {
			return fmt.Errorf("failed to store record: %w", err)
		}
		return insertAudit(ctx, tx, record, record.UserID, mem.AuditPut, map[string]any{"memory_type": record.Type})
	})
	if err != nil {
		return "", err
	}
	return record.ID, nil
}

// Get fetches a record of the tenant.
func (p *PostgresStore) Get(ctx context.Context, tenantID entity.TenantID, id string) (*mem.Record, error) {
	rec, err := scanRecord(p.pool.QueryRow(ctx,
		`SELECT `+sqlutil.Columns+` FROM memory_records WHERE tenant_id = $1 AND id = $2`,
		string(tenantID), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nverrors.Wrap(nverrors.ErrNotFound, "record %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}
	return rec, nil
}

// GetMany fetches records with a single ANY query.
func (p *PostgresStore) GetMany(ctx context.Context, tenantID entity.TenantID, ids []string) ([]*mem.Record, error) {
	if len(ids) == 0 {
		return []*mem.Record{}, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT `+sqlutil.Columns+` FROM memory_records WHERE tenant_id = $1 AND id = ANY($2)`,
		string(tenantID), ids)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch records: %w", err)
	}
	return collect(rows)
}

// Update locks the row, applies the patch and writes it back with a version check.
func (p *PostgresStore) Update(ctx context.Context, tenantID entity.TenantID, id string, patch mem.Patch) (*mem.Record, error) {
	var rec *mem.Record
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var err error
		if rec, err = getForUpdate(ctx, tx, tenantID, id); err != nil {
			return err
		}
		readVersion := rec.Version
		changes, err := rec.Apply(patch)
		if err != nil || len(changes) == 0 {
			return err
		}

		args, err := sqlutil.UpdateArgs(rec, readVersion)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, rebind(sqlutil.UpdateRecord), args...)
		if err != nil {
			return fmt.Errorf("failed to update record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nverrors.Wrap(nverrors.ErrVersionConflict, "record %s changed concurrently", id)
		}

		action := mem.AuditUpdate
		if patch.Status != nil && *patch.Status == mem.StatusArchived {
			action = mem.AuditArchive
		}
		return insertAudit(ctx, tx, rec, patch.Actor, action, changes)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListCandidates lists a partition's records matching the filter.
func (p *PostgresStore) ListCandidates(ctx context.Context, partition entity.Partition, filter mem.Filter, limit int) ([]*mem.Record, error) {
	tail, args := sqlutil.ListQuery(partition, filter, limit, utc)
	rows, err := p.pool.Query(ctx, rebind(`SELECT `+sqlutil.Columns+` FROM memory_records`+tail), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	return collect(rows)
}

// Archive moves the record to Archived.
func (p *PostgresStore) Archive(ctx context.Context, tenantID entity.TenantID, id string, actor string) error {
	_, err := p.Update(ctx, tenantID, id, mem.StatusPatch(mem.StatusArchived, 0, actor))
	return err
}

// Delete purges the record and keeps its audit trail.
func (p *PostgresStore) Delete(ctx context.Context, tenantID entity.TenantID, id string, actor string) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		rec, err := getForUpdate(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM memory_records WHERE tenant_id = $1 AND id = $2`, string(tenantID), id); err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		return insertAudit(ctx, tx, rec, actor, mem.AuditDelete, nil)
	})
}

// TouchAccess bumps access statistics with one statement.
func (p *PostgresStore) TouchAccess(ctx context.Context, tenantID entity.TenantID, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx,
		`UPDATE memory_records SET access_count = access_count + 1, last_accessed = $1
		 WHERE tenant_id = $2 AND id = ANY($3)`,
		at.UTC(), string(tenantID), ids)
	if err != nil {
		return fmt.Errorf("failed to update access stats: %w", err)
	}
	return nil
}

// Partitions lists distinct (tenant, user) pairs.
func (p *PostgresStore) Partitions(ctx context.Context) ([]entity.Partition, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT tenant_id, user_id FROM memory_records ORDER BY tenant_id, user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	defer rows.Close()

	var parts []entity.Partition
	for rows.Next() {
		var tenantID, userID string
		if err := rows.Scan(&tenantID, &userID); err != nil {
			return nil, fmt.Errorf("failed to scan partition: %w", err)
		}
		parts = append(parts, entity.Partition{TenantID: entity.TenantID(tenantID), UserID: userID})
	}
	return parts, rows.Err()
}

// AuditLog returns the audit entries of a record in append order.
func (p *PostgresStore) AuditLog(ctx context.Context, tenantID entity.TenantID, recordID string) ([]mem.AuditEntry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, record_id, tenant_id, user_id, actor, action, changes, at
		 FROM memory_access_log WHERE tenant_id = $1 AND record_id = $2 ORDER BY seq`,
		string(tenantID), recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	defer rows.Close()

	var entries []mem.AuditEntry
	for rows.Next() {
		var (
			e              mem.AuditEntry
			tenant, action string
			changesRaw     []byte
		)
		if err := rows.Scan(&e.ID, &e.RecordID, &tenant, &e.UserID, &e.Actor, &action, &changesRaw, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.TenantID = entity.TenantID(tenant)
		e.Action = mem.AuditAction(action)
		e.At = e.At.UTC()
		if e.Changes, err = sqlutil.DecodeMetadata(changesRaw); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ping checks the pool.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close closes the pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
