// Package store provides the reference SQLite implementation of the sync
// engine's LocalStore collaborator: captured records with dirty tracking,
// plus first-class snapshot/restore for rollback points. The snapshot is
// capture-before-mutate: taken before a batch, discarded on success,
// restored on failure — never reconstructed ad hoc per call site.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/tonimelisma/fieldsync/sync"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// SQLiteStore implements sync.LocalStore using an embedded SQLite database
// with WAL mode. It is shared between the sync engine and the presentation
// layer; per-statement transactions keep readers of unrelated records
// unblocked while a batch is in its rollback-point-to-commit window.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	recordStmts   recordStatements
	snapshotStmts snapshotStatements

	nowFunc func() int64 // injectable for testing
}

// Statement groups, prepared once at open.
type recordStatements struct {
	get, upsert, del, listDirty, markDirty, clearDirty, markInconsistent *sql.Stmt
}

type snapshotStatements struct {
	capture, captureAbsent, load, del *sql.Stmt
}

// New opens (or creates) the record database at dbPath, applying pragmas
// and migrations and preparing all repeated statements. Use ":memory:"
// for tests.
func New(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening record store", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger, nowFunc: sync.NowNano}

	if err := s.prepareStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: prepare statements: %w", err)
	}

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("store: set pragma %s: %w", p.desc, err)
		}
	}

	return nil
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("store: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied store migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// recordCols is the column list shared by record row queries.
const recordCols = `entity_id, period, org_unit, category, value, modified_at, revision, last_synced_at, dirty`

func (s *SQLiteStore) prepareStatements(ctx context.Context) error {
	var err error

	prepare := func(dst **sql.Stmt, query string) {
		if err != nil {
			return
		}

		*dst, err = s.db.PrepareContext(ctx, query)
	}

	prepare(&s.recordStmts.get,
		`SELECT `+recordCols+` FROM records WHERE record_key = ?`)
	prepare(&s.recordStmts.upsert,
		`INSERT INTO records
			(record_key, entity_id, period, org_unit, category, value,
			 modified_at, revision, last_synced_at, dirty, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(record_key) DO UPDATE SET
			value = excluded.value,
			modified_at = excluded.modified_at,
			revision = excluded.revision,
			last_synced_at = excluded.last_synced_at,
			dirty = excluded.dirty,
			updated_at = excluded.updated_at`)
	prepare(&s.recordStmts.del,
		`DELETE FROM records WHERE record_key = ?`)
	prepare(&s.recordStmts.listDirty,
		`SELECT `+recordCols+` FROM records
		 WHERE dirty = 1 AND inconsistent = 0 ORDER BY record_key`)
	prepare(&s.recordStmts.markDirty,
		`UPDATE records SET dirty = 1, updated_at = ? WHERE record_key = ?`)
	prepare(&s.recordStmts.clearDirty,
		`UPDATE records SET dirty = 0, revision = ?, last_synced_at = ?, updated_at = ?
		 WHERE record_key = ?`)
	prepare(&s.recordStmts.markInconsistent,
		`UPDATE records SET inconsistent = 1, inconsistent_reason = ?, updated_at = ?
		 WHERE record_key = ?`)

	prepare(&s.snapshotStmts.capture,
		`INSERT INTO snapshots
			(token, record_key, present, value, modified_at, revision, last_synced_at, dirty, created_at)
		 SELECT ?, record_key, 1, value, modified_at, revision, last_synced_at, dirty, ?
		 FROM records WHERE record_key = ?`)
	prepare(&s.snapshotStmts.captureAbsent,
		`INSERT INTO snapshots (token, record_key, present, created_at)
		 VALUES (?, ?, 0, ?)`)
	prepare(&s.snapshotStmts.load,
		`SELECT record_key, present, value, modified_at, revision, last_synced_at, dirty
		 FROM snapshots WHERE token = ?`)
	prepare(&s.snapshotStmts.del,
		`DELETE FROM snapshots WHERE token = ?`)

	return err
}

// Read returns the record for key, or (nil, nil) when absent.
func (s *SQLiteStore) Read(ctx context.Context, key sync.RecordKey) (*sync.LocalRecord, error) {
	row := s.recordStmts.get.QueryRowContext(ctx, key.String())

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // absence is not an error
	}

	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", key, err)
	}

	return rec, nil
}

// Write upserts a record exactly as given, including its dirty flag.
// The presentation layer writes dirty records; the download pass writes
// clean ones.
func (s *SQLiteStore) Write(ctx context.Context, rec *sync.LocalRecord) error {
	var lastSynced sql.NullInt64
	if rec.LastSyncedAt != nil {
		lastSynced = sql.NullInt64{Int64: *rec.LastSyncedAt, Valid: true}
	}

	_, err := s.recordStmts.upsert.ExecContext(ctx,
		rec.Key.String(), rec.Key.EntityID, rec.Key.Period, rec.Key.OrgUnit, rec.Key.Category,
		rec.Value, rec.ModifiedAt, rec.Revision, lastSynced, boolToInt(rec.Dirty), s.nowFunc())
	if err != nil {
		return fmt.Errorf("store: write %s: %w", rec.Key, err)
	}

	return nil
}

// Delete removes a record. Deleting an absent key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key sync.RecordKey) error {
	if _, err := s.recordStmts.del.ExecContext(ctx, key.String()); err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}

	return nil
}

// ListDirty returns all dirty records except those marked inconsistent,
// which are excluded from sync until manually reviewed.
func (s *SQLiteStore) ListDirty(ctx context.Context) ([]*sync.LocalRecord, error) {
	rows, err := s.recordStmts.listDirty.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list dirty: %w", err)
	}
	defer rows.Close()

	var records []*sync.LocalRecord

	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("store: scanning dirty record: %w", scanErr)
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating dirty records: %w", err)
	}

	return records, nil
}

// MarkDirty flags a record as locally modified.
func (s *SQLiteStore) MarkDirty(ctx context.Context, key sync.RecordKey) error {
	result, err := s.recordStmts.markDirty.ExecContext(ctx, s.nowFunc(), key.String())
	if err != nil {
		return fmt.Errorf("store: mark dirty %s: %w", key, err)
	}

	n, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("store: mark dirty %s rows affected: %w", key, rowsErr)
	}

	if n == 0 {
		return fmt.Errorf("store: mark dirty %s: no such record", key)
	}

	return nil
}

// ClearDirty releases the dirty flag and records the new server revision
// marker plus a fresh synchronization point.
func (s *SQLiteStore) ClearDirty(ctx context.Context, key sync.RecordKey, newRevision string) error {
	now := s.nowFunc()

	result, err := s.recordStmts.clearDirty.ExecContext(ctx, newRevision, now, now, key.String())
	if err != nil {
		return fmt.Errorf("store: clear dirty %s: %w", key, err)
	}

	n, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("store: clear dirty %s rows affected: %w", key, rowsErr)
	}

	if n == 0 {
		return fmt.Errorf("store: clear dirty %s: no such record", key)
	}

	return nil
}

// MarkInconsistent flags records whose rollback could not be applied.
// They are skipped by ListDirty until manually reviewed.
func (s *SQLiteStore) MarkInconsistent(ctx context.Context, keys []sync.RecordKey, reason string) error {
	now := s.nowFunc()

	for _, key := range keys {
		if _, err := s.recordStmts.markInconsistent.ExecContext(ctx, reason, now, key.String()); err != nil {
			return fmt.Errorf("store: mark inconsistent %s: %w", key, err)
		}
	}

	s.logger.Error("records marked inconsistent, manual review required",
		slog.Int("count", len(keys)),
		slog.String("reason", reason),
	)

	return nil
}

// ListInconsistent returns the keys currently needing manual review.
func (s *SQLiteStore) ListInconsistent(ctx context.Context) ([]sync.RecordKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_key FROM records WHERE inconsistent = 1 ORDER BY record_key`)
	if err != nil {
		return nil, fmt.Errorf("store: list inconsistent: %w", err)
	}
	defer rows.Close()

	var keys []sync.RecordKey

	for rows.Next() {
		var keyStr string
		if err := rows.Scan(&keyStr); err != nil {
			return nil, fmt.Errorf("store: scanning inconsistent key: %w", err)
		}

		key, parseErr := sync.ParseRecordKey(keyStr)
		if parseErr != nil {
			return nil, parseErr
		}

		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating inconsistent keys: %w", err)
	}

	return keys, nil
}

// ClearInconsistent releases a record from manual review after the user
// confirmed or corrected its state.
func (s *SQLiteStore) ClearInconsistent(ctx context.Context, key sync.RecordKey) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE records SET inconsistent = 0, inconsistent_reason = NULL, updated_at = ?
		 WHERE record_key = ?`, s.nowFunc(), key.String())
	if err != nil {
		return fmt.Errorf("store: clear inconsistent %s: %w", key, err)
	}

	return nil
}

// Checkpoint forces a WAL checkpoint. Called opportunistically after
// sessions to bound WAL growth.
func (s *SQLiteStore) Checkpoint() error {
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("store: wal checkpoint: %w", err)
	}

	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}

	return nil
}

// boolToInt converts a bool to its SQLite integer form.
func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord scans one record row, rebuilding the key from the dimension
// columns.
func scanRecord(row rowScanner) (*sync.LocalRecord, error) {
	var (
		rec        sync.LocalRecord
		lastSynced sql.NullInt64
		dirty      int
	)

	err := row.Scan(&rec.Key.EntityID, &rec.Key.Period, &rec.Key.OrgUnit, &rec.Key.Category,
		&rec.Value, &rec.ModifiedAt, &rec.Revision, &lastSynced, &dirty)
	if err != nil {
		return nil, err
	}

	if lastSynced.Valid {
		rec.LastSyncedAt = sync.Int64Ptr(lastSynced.Int64)
	}

	rec.Dirty = dirty == 1

	return &rec, nil
}
