package sync

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var queueMigrationsFS embed.FS

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// openQueueDB opens (or creates) the retry queue database at dbPath,
// configures pragmas, and applies embedded migrations. Use ":memory:"
// for tests. The connection is limited to a single writer: the queue is
// the sole owner of this database.
func openQueueDB(dbPath string, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sync: open queue db: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := setQueuePragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runQueueMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// setQueuePragmas configures SQLite for WAL mode and safety.
func setQueuePragmas(ctx context.Context, db *sql.DB) error {
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
			return fmt.Errorf("sync: set pragma %s: %w", p.desc, err)
		}
	}

	return nil
}

// runQueueMigrations applies all pending schema migrations using the
// goose v3 Provider API (no global state, context-aware).
func runQueueMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(queueMigrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sync: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("sync: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("sync: running queue migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied queue migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}
