package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
)

// Queue defaults, used when QueueOptions fields are zero.
const (
	defaultMaxAttempts = 8
	defaultBaseBackoff = 2 * time.Second
	defaultMaxBackoff  = 5 * time.Minute
	maxBackoffShift    = 32 // 2^32 * base overflows any practical max; clamp the exponent
)

// QueueOptions configures the retry queue's backoff budget.
type QueueOptions struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// RetryQueue is a durable, ordered queue of pending upload intents with
// exponential backoff and a dead-letter path. It survives process
// restarts: on open, all in-flight items from a previous run are reset to
// pending, at the cost of possible duplicate-safe re-upload (the remote
// deduplicates by attempt token).
//
// Status transitions are enforced at the SQL level: a claim requires
// pending, failure and success require in-flight. The lifecycle is
//
//	Enqueue → NextEligibleBatch (claim) → RecordSuccess / RecordFailure / Release
//
// with RecordFailure transitioning to dead_letter once the attempt budget
// is exhausted.
type RetryQueue struct {
	db     *sql.DB
	logger *slog.Logger

	mu          stdsync.Mutex // guards backoff parameters, tuned per session
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	jitterFunc func(n int64) int64 // returns [0, n); injectable for testing
	nowFunc    func() int64
}

// NewRetryQueue opens the queue database at dbPath (":memory:" for tests),
// applies migrations, and recovers any items left in flight by a crash.
func NewRetryQueue(dbPath string, opts QueueOptions, logger *slog.Logger) (*RetryQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := openQueueDB(dbPath, logger)
	if err != nil {
		return nil, err
	}

	q := &RetryQueue{
		db:          db,
		logger:      logger,
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		jitterFunc:  rand.Int64N,
		nowFunc:     NowNano,
	}

	if q.maxAttempts <= 0 {
		q.maxAttempts = defaultMaxAttempts
	}

	if q.baseBackoff <= 0 {
		q.baseBackoff = defaultBaseBackoff
	}

	if q.maxBackoff <= 0 {
		q.maxBackoff = defaultMaxBackoff
	}

	if err := q.recoverInFlight(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return q, nil
}

// recoverInFlight resets items left in flight by a previous run back to
// pending. No item is ever lost to a crash mid-upload.
func (q *RetryQueue) recoverInFlight(ctx context.Context) error {
	result, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET state = ?, claimed_at = NULL, updated_at = ?
		 WHERE state = ?`, QueuePending, q.nowFunc(), QueueInFlight)
	if err != nil {
		return fmt.Errorf("sync: queue recovery: %w", err)
	}

	n, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("sync: queue recovery rows affected: %w", rowsErr)
	}

	if n > 0 {
		q.logger.Warn("queue: recovered in-flight items from previous run",
			slog.Int64("count", n),
		)
	}

	return nil
}

// Tune adopts the session's backoff parameters as derived from the
// current quality tier. Non-positive values keep the previous setting.
func (q *RetryQueue) Tune(base, max time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if base > 0 {
		q.baseBackoff = base
	}

	if max > 0 {
		q.maxBackoff = max
	}
}

// Enqueue records an intent to upload the given key. If a non-terminal
// item for the key already exists it is returned unchanged, preserving
// the one-active-item-per-key invariant. A dead-lettered item is revived
// to pending with a fresh attempt budget: a new local edit is a new intent.
func (q *RetryQueue) Enqueue(ctx context.Context, key RecordKey) (*QueueItem, error) {
	keyStr := key.String()

	existing, err := q.getByKey(ctx, keyStr)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if existing.State != QueueDeadLetter {
			return existing, nil
		}

		now := q.nowFunc()

		_, reviveErr := q.db.ExecContext(ctx,
			`UPDATE sync_queue SET state = ?, attempts = 0, next_eligible_at = 0,
				last_error = NULL, attempt_token = NULL, claimed_at = NULL, updated_at = ?
			 WHERE id = ?`, QueuePending, now, existing.ID)
		if reviveErr != nil {
			return nil, fmt.Errorf("sync: queue revive %s: %w", keyStr, reviveErr)
		}

		q.logger.Info("queue: dead-lettered item revived by new edit",
			slog.String("key", keyStr),
		)

		return q.getByKey(ctx, keyStr)
	}

	now := q.nowFunc()

	result, err := q.db.ExecContext(ctx,
		`INSERT INTO sync_queue (record_key, state, attempts, next_eligible_at, enqueued_at, updated_at)
		 VALUES (?, ?, 0, 0, ?, ?)`, keyStr, QueuePending, now, now)
	if err != nil {
		return nil, fmt.Errorf("sync: queue enqueue %s: %w", keyStr, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("sync: queue enqueue last insert ID: %w", err)
	}

	return &QueueItem{ID: id, Key: key, State: QueuePending, EnqueuedAt: now}, nil
}

// NextEligibleBatch claims up to limit pending items whose backoff has
// elapsed, transitioning them to in-flight and stamping each with a fresh
// attempt token. Keys in exclude are left pending (skipped conflicts and
// unresolved items sit out the session without counting as failures).
// Items are returned in enqueue order.
func (q *RetryQueue) NextEligibleBatch(ctx context.Context, now int64, limit int, exclude []RecordKey) ([]*QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	excluded := make(map[string]bool, len(exclude))
	for _, k := range exclude {
		excluded[k.String()] = true
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, record_key, state, attempts, next_eligible_at, last_error, attempt_token, enqueued_at
		 FROM sync_queue
		 WHERE state = ? AND next_eligible_at <= ?
		 ORDER BY id`, QueuePending, now)
	if err != nil {
		return nil, fmt.Errorf("sync: queue select eligible: %w", err)
	}

	candidates, err := scanQueueItems(rows)
	if err != nil {
		return nil, err
	}

	var batch []*QueueItem

	for _, item := range candidates {
		if len(batch) >= limit {
			break
		}

		if excluded[item.Key.String()] {
			continue
		}

		if claimErr := q.claim(ctx, item); claimErr != nil {
			return nil, claimErr
		}

		batch = append(batch, item)
	}

	return batch, nil
}

// claim transitions one item from pending to in-flight with a new
// attempt token. The state guard in the WHERE clause makes a double
// claim fail loudly rather than race.
func (q *RetryQueue) claim(ctx context.Context, item *QueueItem) error {
	token := uuid.NewString()
	now := q.nowFunc()

	result, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET state = ?, attempt_token = ?, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		QueueInFlight, token, now, now, item.ID, QueuePending)
	if err != nil {
		return fmt.Errorf("sync: queue claim %d: %w", item.ID, err)
	}

	n, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("sync: queue claim %d rows affected: %w", item.ID, rowsErr)
	}

	if n == 0 {
		return fmt.Errorf("sync: queue claim %d: item not %s", item.ID, QueuePending)
	}

	item.State = QueueInFlight
	item.AttemptToken = token

	return nil
}

// RecordSuccess removes a confirmed item from the queue.
func (q *RetryQueue) RecordSuccess(ctx context.Context, item *QueueItem) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, item.ID)
	if err != nil {
		return fmt.Errorf("sync: queue success %d: %w", item.ID, err)
	}

	return nil
}

// RecordFailure increments the attempt count and either schedules the
// next attempt after an exponential backoff or, once the attempt budget
// is exhausted, moves the item to the dead-letter state for manual
// retry or discard.
func (q *RetryQueue) RecordFailure(ctx context.Context, item *QueueItem, cause error) error {
	attempts := item.Attempts + 1
	now := q.nowFunc()

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	q.mu.Lock()
	maxAttempts := q.maxAttempts
	q.mu.Unlock()

	if attempts >= maxAttempts {
		_, err := q.db.ExecContext(ctx,
			`UPDATE sync_queue SET state = ?, attempts = ?, last_error = ?, claimed_at = NULL, updated_at = ?
			 WHERE id = ?`, QueueDeadLetter, attempts, errMsg, now, item.ID)
		if err != nil {
			return fmt.Errorf("sync: queue dead-letter %d: %w", item.ID, err)
		}

		item.State = QueueDeadLetter
		item.Attempts = attempts
		item.LastError = errMsg

		q.logger.Warn("queue: item dead-lettered",
			slog.String("key", item.Key.String()),
			slog.Int("attempts", attempts),
			slog.String("last_error", errMsg),
		)

		return nil
	}

	nextEligible := now + int64(q.Delay(attempts))

	_, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET state = ?, attempts = ?, next_eligible_at = ?, last_error = ?, claimed_at = NULL, updated_at = ?
		 WHERE id = ?`, QueuePending, attempts, nextEligible, errMsg, now, item.ID)
	if err != nil {
		return fmt.Errorf("sync: queue failure %d: %w", item.ID, err)
	}

	item.State = QueuePending
	item.Attempts = attempts
	item.NextEligibleAt = nextEligible
	item.LastError = errMsg

	return nil
}

// DeadLetterNow moves an item straight to the dead-letter state without
// consuming the remaining attempt budget. Used for server rejections,
// which are terminal for the item no matter how many retries remain.
func (q *RetryQueue) DeadLetterNow(ctx context.Context, item *QueueItem, reason string) error {
	now := q.nowFunc()

	_, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET state = ?, last_error = ?, claimed_at = NULL, updated_at = ?
		 WHERE id = ?`, QueueDeadLetter, reason, now, item.ID)
	if err != nil {
		return fmt.Errorf("sync: queue reject %d: %w", item.ID, err)
	}

	item.State = QueueDeadLetter
	item.LastError = reason

	q.logger.Warn("queue: item rejected by remote",
		slog.String("key", item.Key.String()),
		slog.String("reason", reason),
	)

	return nil
}

// Release puts an in-flight item back to pending without consuming an
// attempt. Used when a session is canceled between claim and upload.
func (q *RetryQueue) Release(ctx context.Context, item *QueueItem) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET state = ?, attempt_token = NULL, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND state = ?`, QueuePending, q.nowFunc(), item.ID, QueueInFlight)
	if err != nil {
		return fmt.Errorf("sync: queue release %d: %w", item.ID, err)
	}

	item.State = QueuePending
	item.AttemptToken = ""

	return nil
}

// ReclaimStale resets in-flight items claimed longer than timeout ago back
// to pending. Returns the number of reclaimed items.
func (q *RetryQueue) ReclaimStale(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := q.nowFunc() - int64(timeout)

	result, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET state = ?, claimed_at = NULL, updated_at = ?
		 WHERE state = ? AND claimed_at < ?`, QueuePending, q.nowFunc(), QueueInFlight, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sync: queue reclaim stale: %w", err)
	}

	n, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return 0, fmt.Errorf("sync: queue reclaim rows affected: %w", rowsErr)
	}

	if n > 0 {
		q.logger.Warn("queue: reclaimed stale in-flight items",
			slog.Int64("count", n),
			slog.Duration("timeout", timeout),
		)
	}

	return int(n), nil
}

// DeadLetters returns all dead-lettered items, oldest first. These are
// surfaced to the caller as user-visible failures requiring manual
// retry or discard.
func (q *RetryQueue) DeadLetters(ctx context.Context) ([]*QueueItem, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, record_key, state, attempts, next_eligible_at, last_error, attempt_token, enqueued_at
		 FROM sync_queue WHERE state = ? ORDER BY id`, QueueDeadLetter)
	if err != nil {
		return nil, fmt.Errorf("sync: queue dead letters: %w", err)
	}

	return scanQueueItems(rows)
}

// Retry manually re-drives a dead-lettered key with a fresh attempt budget.
func (q *RetryQueue) Retry(ctx context.Context, key RecordKey) error {
	result, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET state = ?, attempts = 0, next_eligible_at = 0, last_error = NULL, updated_at = ?
		 WHERE record_key = ? AND state = ?`,
		QueuePending, q.nowFunc(), key.String(), QueueDeadLetter)
	if err != nil {
		return fmt.Errorf("sync: queue retry %s: %w", key, err)
	}

	n, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("sync: queue retry %s rows affected: %w", key, rowsErr)
	}

	if n == 0 {
		return fmt.Errorf("sync: queue retry %s: no dead-lettered item", key)
	}

	return nil
}

// Discard removes every queue entry for a key, terminal or not.
func (q *RetryQueue) Discard(ctx context.Context, key RecordKey) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE record_key = ?`, key.String())
	if err != nil {
		return fmt.Errorf("sync: queue discard %s: %w", key, err)
	}

	return nil
}

// PendingCount returns the number of non-terminal items.
func (q *RetryQueue) PendingCount(ctx context.Context) (int, error) {
	var count int

	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE state IN (?, ?)`,
		QueuePending, QueueInFlight).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sync: queue pending count: %w", err)
	}

	return count, nil
}

// DeadLetterCount returns the number of dead-lettered items.
func (q *RetryQueue) DeadLetterCount(ctx context.Context) (int, error) {
	var count int

	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE state = ?`, QueueDeadLetter).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sync: queue dead letter count: %w", err)
	}

	return count, nil
}

// Delay computes the backoff before the given attempt number:
// min(base * 2^attempt + jitter, max), with jitter drawn from [0, base).
// Keeping jitter strictly below base makes the sequence non-decreasing
// in the attempt count, which the retry tests rely on.
func (q *RetryQueue) Delay(attempt int) time.Duration {
	q.mu.Lock()
	base := q.baseBackoff
	max := q.maxBackoff
	q.mu.Unlock()

	if attempt < 0 {
		attempt = 0
	}

	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}

	d := base << uint(attempt)
	if d <= 0 || d > max {
		// Shifted past the cap (or overflowed): clamp before jitter so the
		// result never exceeds max.
		return max
	}

	jitter := time.Duration(q.jitterFunc(int64(base)))
	if d+jitter > max {
		return max
	}

	return d + jitter
}

// SaveCheckpoint persists the download watermark (Unix nanoseconds) that
// the next session's download pass resumes from.
func (q *RetryQueue) SaveCheckpoint(ctx context.Context, ts int64) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO sync_meta (key, value) VALUES ('download_checkpoint', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprintf("%d", ts))
	if err != nil {
		return fmt.Errorf("sync: save checkpoint: %w", err)
	}

	return nil
}

// Checkpoint returns the persisted download watermark, or 0 if none.
func (q *RetryQueue) Checkpoint(ctx context.Context) (int64, error) {
	var value string

	err := q.db.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = 'download_checkpoint'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("sync: load checkpoint: %w", err)
	}

	var ts int64
	if _, err := fmt.Sscanf(value, "%d", &ts); err != nil {
		return 0, fmt.Errorf("sync: parse checkpoint %q: %w", value, err)
	}

	return ts, nil
}

// Close closes the queue database.
func (q *RetryQueue) Close() error {
	if err := q.db.Close(); err != nil {
		return fmt.Errorf("sync: close queue db: %w", err)
	}

	return nil
}

// getByKey returns the single row for a key, or nil if none exists.
func (q *RetryQueue) getByKey(ctx context.Context, keyStr string) (*QueueItem, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, record_key, state, attempts, next_eligible_at, last_error, attempt_token, enqueued_at
		 FROM sync_queue WHERE record_key = ? ORDER BY id DESC LIMIT 1`, keyStr)
	if err != nil {
		return nil, fmt.Errorf("sync: queue get %s: %w", keyStr, err)
	}

	items, err := scanQueueItems(rows)
	if err != nil {
		return nil, err
	}

	if len(items) == 0 {
		return nil, nil //nolint:nilnil // absence is not an error
	}

	return items[0], nil
}

// scanQueueItems drains rows into QueueItems, closing rows on return.
func scanQueueItems(rows *sql.Rows) ([]*QueueItem, error) {
	defer rows.Close()

	var items []*QueueItem

	for rows.Next() {
		var (
			item      QueueItem
			keyStr    string
			state     string
			lastError sql.NullString
			token     sql.NullString
		)

		if err := rows.Scan(&item.ID, &keyStr, &state, &item.Attempts,
			&item.NextEligibleAt, &lastError, &token, &item.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("sync: scanning queue row: %w", err)
		}

		key, err := ParseRecordKey(keyStr)
		if err != nil {
			return nil, err
		}

		item.Key = key
		item.State = QueueState(state)
		item.LastError = lastError.String
		item.AttemptToken = token.String

		items = append(items, &item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating queue rows: %w", err)
	}

	return items, nil
}
