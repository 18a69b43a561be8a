package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/errors"
	"github.com/lexlapax/neurovault/pkg/log"
	"github.com/lexlapax/neurovault/pkg/mem"
	"github.com/lexlapax/neurovault/pkg/mem/adapters/metadata/sqlutil"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the MetadataStore interface using a SQLite database.
// Times are stored as unix nanoseconds so that ordering is exact.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ mem.MetadataStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLiteStore with the given database connection.
// The schema must already exist; see Migrate.
func NewSQLiteStore(db *sqlx.DB) *SQLiteStore {
	log.Debug("Initialized SQLite metadata store adapter")
	return &SQLiteStore{db: db}
}

// Open connects to dsn (a file path or ":memory:") and applies migrations.
// SQLite allows one writer at a time, so the pool is capped at one connection.
func Open(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if dsn != ":memory:" {
		dsn = "file:" + dsn + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return NewSQLiteStore(db), nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	// Closing the migrator would close db, so it is left to the GC.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func nanos(t time.Time) any {
	return t.UTC().UnixNano()
}

type recordRow struct {
	ID             string        `db:"id"`
	TenantID       string        `db:"tenant_id"`
	UserID         string        `db:"user_id"`
	ConversationID string        `db:"conversation_id"`
	MemoryType     string        `db:"memory_type"`
	Content        string        `db:"content"`
	EmbeddingID    string        `db:"embedding_id"`
	CreatedAt      int64         `db:"created_at"`
	LastAccessed   int64         `db:"last_accessed"`
	AccessCount    int           `db:"access_count"`
	Importance     float64       `db:"importance"`
	Confidence     float64       `db:"confidence"`
	DecayLambda    float64       `db:"decay_lambda"`
	Status         string        `db:"status"`
	Version        int64         `db:"version"`
	ParentIDs      string        `db:"parent_ids"`
	TTLDays        int           `db:"ttl_days"`
	ExpiresAt      sql.NullInt64 `db:"expires_at"`
	Metadata       string        `db:"metadata"`
}

func (r recordRow) toRecord() (*mem.Record, error) {
	meta, err := sqlutil.DecodeMetadata([]byte(r.Metadata))
	if err != nil {
		return nil, err
	}
	parents, err := sqlutil.DecodeParents([]byte(r.ParentIDs))
	if err != nil {
		return nil, err
	}
	rec := &mem.Record{
		ID:             r.ID,
		Type:           mem.Type(r.MemoryType),
		Content:        r.Content,
		EmbeddingID:    r.EmbeddingID,
		TenantID:       entity.TenantID(r.TenantID),
		UserID:         r.UserID,
		ConversationID: r.ConversationID,
		Timestamp:      time.Unix(0, r.CreatedAt).UTC(),
		LastAccessed:   time.Unix(0, r.LastAccessed).UTC(),
		AccessCount:    r.AccessCount,
		Importance:     r.Importance,
		Confidence:     r.Confidence,
		DecayLambda:    r.DecayLambda,
		Status:         mem.Status(r.Status),
		Version:        r.Version,
		ParentIDs:      parents,
		TTLDays:        r.TTLDays,
		Metadata:       meta,
	}
	if r.ExpiresAt.Valid {
		t := time.Unix(0, r.ExpiresAt.Int64).UTC()
		rec.ExpiresAt = &t
	}
	return rec, nil
}

func toRecords(rows []recordRow) ([]*mem.Record, error) {
	out := make([]*mem.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func insertAudit(ctx context.Context, tx *sqlx.Tx, rec *mem.Record, actor string, action mem.AuditAction, changes map[string]any) error {
	args, err := sqlutil.AuditArgs(mem.AuditEntry{
		ID:       uuid.New().String(),
		RecordID: rec.ID,
		TenantID: rec.TenantID,
		UserID:   rec.UserID,
		Actor:    actor,
		Action:   action,
		Changes:  changes,
		At:       time.Now().UTC(),
	}, nanos)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, sqlutil.InsertAudit, args...); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func getRow(ctx context.Context, q sqlx.QueryerContext, tenantID entity.TenantID, id string) (*mem.Record, error) {
	var row recordRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+sqlutil.Columns+` FROM memory_records WHERE tenant_id = ? AND id = ?`,
		string(tenantID), id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(errors.ErrNotFound, "record %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}
	return row.toRecord()
}

// Put persists a memory record to the SQLite database.
func (s *SQLiteStore) Put(ctx context.Context, record *mem.Record) (string, error) {
	if err := mem.PrepareInsert(record, time.Now()); err != nil {
		return "", err
	}
	args, err := sqlutil.InsertArgs(record, nanos)
	if err != nil {
		return "", err
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlutil.InsertRecord, args...); err != nil {
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
func (s *SQLiteStore) Get(ctx context.Context, tenantID entity.TenantID, id string) (*mem.Record, error) {
	return getRow(ctx, s.db, tenantID, id)
}

// GetMany fetches records with a single IN query.
func (s *SQLiteStore) GetMany(ctx context.Context, tenantID entity.TenantID, ids []string) ([]*mem.Record, error) {
	if len(ids) == 0 {
		return []*mem.Record{}, nil
	}
	query, args, err := sqlx.In(
		`SELECT `+sqlutil.Columns+` FROM memory_records WHERE tenant_id = ? AND id IN (?)`,
		string(tenantID), ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build batch query: %w", err)
	}

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to fetch records: %w", err)
	}
	return toRecords(rows)
}

// Update applies a patch with a compare-and-swap on version.
func (s *SQLiteStore) Update(ctx context.Context, tenantID entity.TenantID, id string, patch mem.Patch) (*mem.Record, error) {
	var rec *mem.Record
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if rec, err = getRow(ctx, tx, tenantID, id); err != nil {
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
		res, err := tx.ExecContext(ctx, sqlutil.UpdateRecord, args...)
		if err != nil {
			return fmt.Errorf("failed to update record: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		} else if n == 0 {
			return errors.Wrap(errors.ErrVersionConflict, "record %s changed concurrently", id)
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
func (s *SQLiteStore) ListCandidates(ctx context.Context, partition entity.Partition, filter mem.Filter, limit int) ([]*mem.Record, error) {
	tail, args := sqlutil.ListQuery(partition, filter, limit, nanos)

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+sqlutil.Columns+` FROM memory_records`+tail, args...); err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	return toRecords(rows)
}

// Archive moves the record to Archived.
func (s *SQLiteStore) Archive(ctx context.Context, tenantID entity.TenantID, id string, actor string) error {
	_, err := s.Update(ctx, tenantID, id, mem.StatusPatch(mem.StatusArchived, 0, actor))
	return err
}

// Delete purges the record and keeps its audit trail.
func (s *SQLiteStore) Delete(ctx context.Context, tenantID entity.TenantID, id string, actor string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		rec, err := getRow(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memory_records WHERE tenant_id = ? AND id = ?`, string(tenantID), id); err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		return insertAudit(ctx, tx, rec, actor, mem.AuditDelete, nil)
	})
}

// TouchAccess bumps access statistics with one statement.
func (s *SQLiteStore) TouchAccess(ctx context.Context, tenantID entity.TenantID, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`UPDATE memory_records SET access_count = access_count + 1, last_accessed = ?
		 WHERE tenant_id = ? AND id IN (?)`,
		nanos(at), string(tenantID), ids)
	if err != nil {
		return fmt.Errorf("failed to build access update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to update access stats: %w", err)
	}
	return nil
}

// Partitions lists distinct (tenant, user) pairs.
func (s *SQLiteStore) Partitions(ctx context.Context) ([]entity.Partition, error) {
	var rows []struct {
		TenantID string `db:"tenant_id"`
		UserID   string `db:"user_id"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT DISTINCT tenant_id, user_id FROM memory_records ORDER BY tenant_id, user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	parts := make([]entity.Partition, 0, len(rows))
	for _, r := range rows {
		parts = append(parts, entity.Partition{TenantID: entity.TenantID(r.TenantID), UserID: r.UserID})
	}
	return parts, nil
}

// AuditLog returns the audit entries of a record in append order.
func (s *SQLiteStore) AuditLog(ctx context.Context, tenantID entity.TenantID, recordID string) ([]mem.AuditEntry, error) {
	var rows []struct {
		ID       string `db:"id"`
		RecordID string `db:"record_id"`
		TenantID string `db:"tenant_id"`
		UserID   string `db:"user_id"`
		Actor    string `db:"actor"`
		Action   string `db:"action"`
		Changes  string `db:"changes"`
		At       int64  `db:"at"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, record_id, tenant_id, user_id, actor, action, changes, at
		 FROM memory_access_log WHERE tenant_id = ? AND record_id = ? ORDER BY seq`,
		string(tenantID), recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	entries := make([]mem.AuditEntry, 0, len(rows))
	for _, r := range rows {
		changes, err := sqlutil.DecodeMetadata([]byte(r.Changes))
		if err != nil {
			return nil, err
		}
		entries = append(entries, mem.AuditEntry{
			ID:       r.ID,
			RecordID: r.RecordID,
			TenantID: entity.TenantID(r.TenantID),
			UserID:   r.UserID,
			Actor:    r.Actor,
			Action:   mem.AuditAction(r.Action),
			Changes:  changes,
			At:       time.Unix(0, r.At).UTC(),
		})
	}
	return entries, nil
}

// Ping checks the connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
