package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tonimelisma/fieldsync/sync"
)

// snapshotRow is one captured record state. present distinguishes a record
// that existed at capture time from one that did not; restoring an absent
// row means deleting whatever was written since.
type snapshotRow struct {
	keyStr     string
	present    bool
	value      string
	modifiedAt int64
	revision   string
	lastSynced sql.NullInt64
	dirty      int
}

// Snapshot captures the current state of the given keys under a fresh
// rollback token. Absent keys are captured too, so a restore can undo a
// record created after the snapshot.
func (s *SQLiteStore) Snapshot(ctx context.Context, keys []sync.RecordKey) (sync.RollbackPoint, error) {
	token := uuid.NewString()
	now := s.nowFunc()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin snapshot: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	capture := tx.StmtContext(ctx, s.snapshotStmts.capture)
	captureAbsent := tx.StmtContext(ctx, s.snapshotStmts.captureAbsent)

	for _, key := range keys {
		result, execErr := capture.ExecContext(ctx, token, now, key.String())
		if execErr != nil {
			return "", fmt.Errorf("store: snapshot %s: %w", key, execErr)
		}

		n, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return "", fmt.Errorf("store: snapshot %s rows affected: %w", key, rowsErr)
		}

		if n == 0 {
			if _, execErr := captureAbsent.ExecContext(ctx, token, key.String(), now); execErr != nil {
				return "", fmt.Errorf("store: snapshot absent %s: %w", key, execErr)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit snapshot: %w", err)
	}

	s.logger.Debug("snapshot captured",
		slog.String("token", token),
		slog.Int("keys", len(keys)),
	)

	return sync.RollbackPoint(token), nil
}

// Restore puts the selected keys back to their snapshotted state. A nil
// keys slice restores every key the snapshot holds. The token is consumed
// whether the restore is full or partial; an unknown token is an error
// because the caller is relying on a rollback that cannot happen.
func (s *SQLiteStore) Restore(ctx context.Context, rp sync.RollbackPoint, keys []sync.RecordKey) error {
	token := string(rp)

	rows, err := s.snapshotStmts.load.QueryContext(ctx, token)
	if err != nil {
		return fmt.Errorf("store: load snapshot %s: %w", token, err)
	}

	captured, err := scanSnapshotRows(rows)
	if err != nil {
		return fmt.Errorf("store: snapshot %s: %w", token, err)
	}

	if len(captured) == 0 {
		return fmt.Errorf("store: restore: unknown rollback point %s", token)
	}

	var selected map[string]bool
	if keys != nil {
		selected = make(map[string]bool, len(keys))
		for _, key := range keys {
			selected[key.String()] = true
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin restore: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	restored := 0

	for _, row := range captured {
		if selected != nil && !selected[row.keyStr] {
			continue
		}

		if err := s.restoreRow(ctx, tx, row); err != nil {
			return err
		}

		restored++
	}

	if _, err := tx.StmtContext(ctx, s.snapshotStmts.del).ExecContext(ctx, token); err != nil {
		return fmt.Errorf("store: consume snapshot %s: %w", token, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit restore: %w", err)
	}

	s.logger.Info("snapshot restored",
		slog.String("token", token),
		slog.Int("restored", restored),
		slog.Int("captured", len(captured)),
	)

	return nil
}

// restoreRow reapplies one captured state inside the restore transaction.
func (s *SQLiteStore) restoreRow(ctx context.Context, tx *sql.Tx, row snapshotRow) error {
	if !row.present {
		if _, err := tx.StmtContext(ctx, s.recordStmts.del).ExecContext(ctx, row.keyStr); err != nil {
			return fmt.Errorf("store: restore delete %s: %w", row.keyStr, err)
		}

		return nil
	}

	key, err := sync.ParseRecordKey(row.keyStr)
	if err != nil {
		return err
	}

	_, err = tx.StmtContext(ctx, s.recordStmts.upsert).ExecContext(ctx,
		row.keyStr, key.EntityID, key.Period, key.OrgUnit, key.Category,
		row.value, row.modifiedAt, row.revision, row.lastSynced, row.dirty, s.nowFunc())
	if err != nil {
		return fmt.Errorf("store: restore %s: %w", row.keyStr, err)
	}

	return nil
}

// Discard drops a snapshot after a successful batch. Discarding an already
// consumed or unknown token is not an error.
func (s *SQLiteStore) Discard(ctx context.Context, rp sync.RollbackPoint) error {
	if _, err := s.snapshotStmts.del.ExecContext(ctx, string(rp)); err != nil {
		return fmt.Errorf("store: discard snapshot %s: %w", rp, err)
	}

	return nil
}

func scanSnapshotRows(rows *sql.Rows) ([]snapshotRow, error) {
	defer rows.Close()

	var captured []snapshotRow

	for rows.Next() {
		var (
			row        snapshotRow
			present    int
			value      sql.NullString
			modifiedAt sql.NullInt64
			revision   sql.NullString
			dirty      sql.NullInt64
		)

		err := rows.Scan(&row.keyStr, &present, &value, &modifiedAt,
			&revision, &row.lastSynced, &dirty)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}

		row.present = present == 1
		row.value = value.String
		row.modifiedAt = modifiedAt.Int64
		row.revision = revision.String
		row.dirty = int(dirty.Int64)
		captured = append(captured, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshot rows: %w", err)
	}

	return captured, nil
}
