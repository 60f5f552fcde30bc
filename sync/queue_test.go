package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestQueueEnqueueIsIdempotentPerKey(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := context.Background()
	key := testKey("e1")

	first, err := q.Enqueue(ctx, key)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	second, err := q.Enqueue(ctx, key)
	if err != nil {
		t.Fatalf("Enqueue again: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("second enqueue created a new item (ID %d vs %d)", second.ID, first.ID)
	}

	count, err := q.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}

	if count != 1 {
		t.Errorf("pending count = %d, want 1", count)
	}
}

func TestQueueClaimLifecycle(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := context.Background()
	key := testKey("e1")

	if _, err := q.Enqueue(ctx, key); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	batch, err := q.NextEligibleBatch(ctx, q.nowFunc(), 10, nil)
	if err != nil {
		t.Fatalf("NextEligibleBatch: %v", err)
	}

	if len(batch) != 1 {
		t.Fatalf("got %d items, want 1", len(batch))
	}

	item := batch[0]

	if item.State != QueueInFlight {
		t.Errorf("claimed state = %s, want in_flight", item.State)
	}

	if item.AttemptToken == "" {
		t.Error("claim did not stamp an attempt token")
	}

	// A second claim pass must not see the in-flight item.
	again, err := q.NextEligibleBatch(ctx, q.nowFunc(), 10, nil)
	if err != nil {
		t.Fatalf("NextEligibleBatch again: %v", err)
	}

	if len(again) != 0 {
		t.Fatalf("claimed an in-flight item again")
	}

	if err := q.RecordSuccess(ctx, item); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	count, err := q.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}

	if count != 0 {
		t.Errorf("pending count after success = %d, want 0", count)
	}
}

func TestQueueFreshTokenPerClaim(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testKey("e1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	batch, err := q.NextEligibleBatch(ctx, q.nowFunc(), 1, nil)
	if err != nil {
		t.Fatalf("NextEligibleBatch: %v", err)
	}

	firstToken := batch[0].AttemptToken

	if err := q.Release(ctx, batch[0]); err != nil {
		t.Fatalf("Release: %v", err)
	}

	batch, err = q.NextEligibleBatch(ctx, q.nowFunc(), 1, nil)
	if err != nil {
		t.Fatalf("NextEligibleBatch after release: %v", err)
	}

	if batch[0].AttemptToken == firstToken {
		t.Error("re-claim reused the previous attempt token")
	}
}

func TestQueueExcludeLeavesItemsPending(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := context.Background()

	excluded := testKey("skip-me")
	for _, key := range []RecordKey{excluded, testKey("e2")} {
		if _, err := q.Enqueue(ctx, key); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	batch, err := q.NextEligibleBatch(ctx, q.nowFunc(), 10, []RecordKey{excluded})
	if err != nil {
		t.Fatalf("NextEligibleBatch: %v", err)
	}

	if len(batch) != 1 {
		t.Fatalf("got %d items, want 1", len(batch))
	}

	if batch[0].Key == excluded {
		t.Error("excluded key was claimed")
	}

	count, err := q.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}

	if count != 2 {
		t.Errorf("pending count = %d, want 2 (excluded item stays pending)", count)
	}
}

func TestQueueBackoffMonotonicAndCapped(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	q.Tune(2*time.Second, 5*time.Minute)

	// With jitter in [0, base), the delay sequence never decreases.
	q.jitterFunc = func(n int64) int64 { return n - 1 } // worst-case jitter

	prev := time.Duration(0)

	for attempt := range 16 {
		d := q.Delay(attempt)

		if d < prev {
			t.Fatalf("delay(%d) = %s < delay(%d) = %s", attempt, d, attempt-1, prev)
		}

		if d > 5*time.Minute {
			t.Fatalf("delay(%d) = %s exceeds the cap", attempt, d)
		}

		prev = d
	}

	if q.Delay(100) != 5*time.Minute {
		t.Errorf("deep attempt delay = %s, want the cap", q.Delay(100))
	}
}

func TestQueueDeadLetterAfterBudget(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := context.Background()
	key := testKey("e1")

	if _, err := q.Enqueue(ctx, key); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	cause := errors.New("connection reset")

	for attempt := range defaultMaxAttempts {
		batch, err := q.NextEligibleBatch(ctx, q.nowFunc()+int64(time.Hour), 1, nil)
		if err != nil {
			t.Fatalf("NextEligibleBatch attempt %d: %v", attempt, err)
		}

		if len(batch) != 1 {
			t.Fatalf("attempt %d: got %d items, want 1", attempt, len(batch))
		}

		if err := q.RecordFailure(ctx, batch[0], cause); err != nil {
			t.Fatalf("RecordFailure attempt %d: %v", attempt, err)
		}
	}

	deadCount, err := q.DeadLetterCount(ctx)
	if err != nil {
		t.Fatalf("DeadLetterCount: %v", err)
	}

	if deadCount != 1 {
		t.Fatalf("dead letter count = %d, want 1 after %d failures", deadCount, defaultMaxAttempts)
	}

	letters, err := q.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}

	if letters[0].LastError != cause.Error() {
		t.Errorf("dead letter last error = %q, want %q", letters[0].LastError, cause.Error())
	}
}

func TestQueueRetryRevivesDeadLetter(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := context.Background()
	key := testKey("e1")

	item, err := q.Enqueue(ctx, key)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := q.DeadLetterNow(ctx, item, "value out of range"); err != nil {
		t.Fatalf("DeadLetterNow: %v", err)
	}

	if err := q.Retry(ctx, key); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	batch, err := q.NextEligibleBatch(ctx, q.nowFunc(), 1, nil)
	if err != nil {
		t.Fatalf("NextEligibleBatch: %v", err)
	}

	if len(batch) != 1 {
		t.Fatalf("retried item not eligible")
	}

	if batch[0].Attempts != 0 {
		t.Errorf("retried item attempts = %d, want a fresh budget", batch[0].Attempts)
	}
}

func TestQueueRetryWithoutDeadLetterFails(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)

	if err := q.Retry(context.Background(), testKey("missing")); err == nil {
		t.Error("expected error retrying a key with no dead-lettered item")
	}
}

func TestQueueEnqueueRevivesDeadLetter(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := context.Background()
	key := testKey("e1")

	item, err := q.Enqueue(ctx, key)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := q.DeadLetterNow(ctx, item, "rejected"); err != nil {
		t.Fatalf("DeadLetterNow: %v", err)
	}

	// A new local edit re-enqueues the key: the dead letter is revived
	// with a fresh attempt budget rather than a duplicate row.
	revived, err := q.Enqueue(ctx, key)
	if err != nil {
		t.Fatalf("Enqueue after dead letter: %v", err)
	}

	if revived.State != QueuePending {
		t.Errorf("revived state = %s, want pending", revived.State)
	}

	if revived.Attempts != 0 {
		t.Errorf("revived attempts = %d, want 0", revived.Attempts)
	}

	deadCount, err := q.DeadLetterCount(ctx)
	if err != nil {
		t.Fatalf("DeadLetterCount: %v", err)
	}

	if deadCount != 0 {
		t.Errorf("dead letter count after revival = %d, want 0", deadCount)
	}
}

func TestQueueDiscardRemovesKey(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := context.Background()
	key := testKey("e1")

	if _, err := q.Enqueue(ctx, key); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := q.Discard(ctx, key); err != nil {
		t.Fatalf("Discard: %v", err)
	}

	count, err := q.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}

	if count != 0 {
		t.Errorf("pending count after discard = %d, want 0", count)
	}
}

func TestQueueRecoversInFlightOnOpen(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	q, err := NewRetryQueue(dbPath, QueueOptions{}, testLogger(t))
	if err != nil {
		t.Fatalf("NewRetryQueue: %v", err)
	}

	if _, err := q.Enqueue(ctx, testKey("e1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	batch, err := q.NextEligibleBatch(ctx, q.nowFunc(), 1, nil)
	if err != nil {
		t.Fatalf("NextEligibleBatch: %v", err)
	}

	if len(batch) != 1 {
		t.Fatal("no item claimed")
	}

	// Simulate a crash mid-upload: close with the item still in flight.
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewRetryQueue(dbPath, QueueOptions{}, testLogger(t))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	recovered, err := reopened.NextEligibleBatch(ctx, reopened.nowFunc(), 1, nil)
	if err != nil {
		t.Fatalf("NextEligibleBatch after reopen: %v", err)
	}

	if len(recovered) != 1 {
		t.Fatal("in-flight item was not recovered to pending on reopen")
	}

	if recovered[0].AttemptToken == batch[0].AttemptToken {
		t.Error("recovered claim reused the pre-crash attempt token")
	}
}

func TestQueueReclaimStale(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testKey("e1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if _, err := q.NextEligibleBatch(ctx, q.nowFunc(), 1, nil); err != nil {
		t.Fatalf("NextEligibleBatch: %v", err)
	}

	// Move the clock forward past the stale timeout.
	base := q.nowFunc()
	q.nowFunc = func() int64 { return base + int64(time.Hour) }

	n, err := q.ReclaimStale(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}

	if n != 1 {
		t.Fatalf("reclaimed %d items, want 1", n)
	}

	batch, err := q.NextEligibleBatch(ctx, q.nowFunc(), 1, nil)
	if err != nil {
		t.Fatalf("NextEligibleBatch after reclaim: %v", err)
	}

	if len(batch) != 1 {
		t.Error("reclaimed item not eligible again")
	}
}

func TestQueueFailureSchedulesBackoff(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testKey("e1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	batch, err := q.NextEligibleBatch(ctx, q.nowFunc(), 1, nil)
	if err != nil {
		t.Fatalf("NextEligibleBatch: %v", err)
	}

	if err := q.RecordFailure(ctx, batch[0], errors.New("timeout")); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	// Immediately after the failure, the item is pending but not eligible.
	eligible, err := q.NextEligibleBatch(ctx, q.nowFunc(), 1, nil)
	if err != nil {
		t.Fatalf("NextEligibleBatch: %v", err)
	}

	if len(eligible) != 0 {
		t.Error("failed item eligible before its backoff elapsed")
	}

	// Past the backoff horizon it becomes eligible again.
	eligible, err = q.NextEligibleBatch(ctx, q.nowFunc()+int64(time.Hour), 1, nil)
	if err != nil {
		t.Fatalf("NextEligibleBatch: %v", err)
	}

	if len(eligible) != 1 {
		t.Error("failed item not eligible after its backoff elapsed")
	}

	if eligible[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", eligible[0].Attempts)
	}
}

func TestQueueCheckpointRoundTrip(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := context.Background()

	ts, err := q.Checkpoint(ctx)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	if ts != 0 {
		t.Errorf("initial checkpoint = %d, want 0", ts)
	}

	want := NowNano()
	if err := q.SaveCheckpoint(ctx, want); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	got, err := q.Checkpoint(ctx)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	if got != want {
		t.Errorf("checkpoint = %d, want %d", got, want)
	}
}
