package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"

	"golang.org/x/sync/errgroup"
)

// BatchItem pairs a claimed queue item with the local record it uploads.
type BatchItem struct {
	Item   *QueueItem
	Record *LocalRecord
}

// BatchResult reports the per-item outcome of one batch attempt.
type BatchResult struct {
	// Confirmed keys hold the uploaded value remotely and an updated
	// local revision marker.
	Confirmed []RecordKey
	// Rejected maps canonical keys to the remote's rejection reason.
	// Local state for these keys is unchanged.
	Rejected map[string]string
	// Requeued items were rolled back to their pre-batch snapshot and
	// returned with an incremented attempt count: pending again, or
	// dead-lettered if the attempt budget ran out.
	Requeued []*QueueItem
	// FatalErr is the batch-fatal error that stopped the batch, nil on a
	// clean run. Check errors.Is(FatalErr, ErrAuth) for credential expiry.
	FatalErr error
}

// Uploader commits queued changes in batches with a rollback point taken
// before each batch. After UploadBatch returns, every item either has the
// uploaded value remotely with an updated local revision marker, or its
// local state is bit-for-bit as it was before the call.
type Uploader struct {
	store  LocalStore
	remote RemoteService
	queue  *RetryQueue
	logger *slog.Logger
}

// NewUploader creates a transactional batch uploader.
func NewUploader(store LocalStore, remote RemoteService, queue *RetryQueue, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}

	return &Uploader{store: store, remote: remote, queue: queue, logger: logger}
}

// UploadBatch uploads one batch under a single rollback point. Items run
// concurrently up to params.SubBatch (distinct keys only, per the queue's
// one-active-item-per-key invariant, so per-key ordering is preserved).
//
// Per-item rejections are terminal for that item and the batch continues.
// Any other failure is batch-fatal: unconfirmed, unrejected items are
// restored from the snapshot and requeued with an incremented attempt
// count; confirmed items stay committed. A snapshot that cannot be
// restored returns a RollbackError after marking the affected records
// inconsistent — the only error this method returns directly.
func (u *Uploader) UploadBatch(ctx context.Context, items []BatchItem, params TransferParams) (*BatchResult, error) {
	keys := make([]RecordKey, len(items))
	for i, it := range items {
		keys[i] = it.Item.Key
	}

	rp, err := u.store.Snapshot(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("sync: snapshot before batch: %w", err)
	}

	result := &BatchResult{Rejected: make(map[string]string)}

	// Bookkeeping after the snapshot must not be torn by caller
	// cancellation: the batch completes or rolls back, never half of each.
	bookCtx := context.WithoutCancel(ctx)

	var (
		mu    stdsync.Mutex
		fatal error
	)

	g, gctx := errgroup.WithContext(ctx)
	limit := params.SubBatch
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for _, it := range items {
		g.Go(func() error {
			// A fatal error already canceled the batch; leave this item
			// unconfirmed for rollback.
			if gctx.Err() != nil {
				return nil
			}

			uploadErr := u.uploadOne(gctx, bookCtx, it, params, result, &mu)
			if uploadErr != nil {
				mu.Lock()
				if fatal == nil {
					fatal = uploadErr
				}
				mu.Unlock()
			}

			return uploadErr
		})
	}

	_ = g.Wait() // first error is captured in fatal

	if fatal == nil {
		if discardErr := u.store.Discard(bookCtx, rp); discardErr != nil {
			u.logger.Warn("uploader: discarding snapshot failed",
				slog.String("point", string(rp)),
				slog.String("error", discardErr.Error()),
			)
		}

		return result, nil
	}

	return u.rollBack(bookCtx, rp, items, result, fatal)
}

// uploadOne performs a single upload with the per-call timeout and applies
// its outcome. Returns nil for per-item terminal outcomes (success,
// rejection); a non-nil return is batch-fatal.
func (u *Uploader) uploadOne(
	gctx, bookCtx context.Context, it BatchItem, params TransferParams,
	result *BatchResult, mu *stdsync.Mutex,
) error {
	callCtx, cancel := context.WithTimeout(gctx, params.Timeout)
	newRev, err := u.remote.Upload(callCtx, it.Record, it.Item.AttemptToken)
	cancel()

	switch {
	case err == nil:
		if cdErr := u.store.ClearDirty(bookCtx, it.Item.Key, newRev); cdErr != nil {
			return fmt.Errorf("sync: clearing dirty flag for %s: %w", it.Item.Key, cdErr)
		}

		if qErr := u.queue.RecordSuccess(bookCtx, it.Item); qErr != nil {
			return qErr
		}

		mu.Lock()
		result.Confirmed = append(result.Confirmed, it.Item.Key)
		mu.Unlock()

		return nil

	case IsRejection(err):
		// Terminal for this item only; local state is untouched.
		var re *RejectionError
		errors.As(err, &re)

		if qErr := u.queue.DeadLetterNow(bookCtx, it.Item, re.Reason); qErr != nil {
			return qErr
		}

		mu.Lock()
		result.Rejected[it.Item.Key.String()] = re.Reason
		mu.Unlock()

		return nil

	default:
		// Timeout, connection loss, auth expiry mid-batch: batch-fatal.
		return err
	}
}

// rollBack restores unconfirmed, unrejected items to their pre-batch
// snapshot and requeues them. Confirmed items stay committed: Restore is
// given only the keys that did not finish.
func (u *Uploader) rollBack(
	ctx context.Context, rp RollbackPoint, items []BatchItem,
	result *BatchResult, fatal error,
) (*BatchResult, error) {
	result.FatalErr = fatal

	confirmed := make(map[string]bool, len(result.Confirmed))
	for _, k := range result.Confirmed {
		confirmed[k.String()] = true
	}

	var unconfirmed []BatchItem

	for _, it := range items {
		keyStr := it.Item.Key.String()
		if confirmed[keyStr] {
			continue
		}

		if _, rejected := result.Rejected[keyStr]; rejected {
			continue
		}

		unconfirmed = append(unconfirmed, it)
	}

	restoreKeys := make([]RecordKey, len(unconfirmed))
	for i, it := range unconfirmed {
		restoreKeys[i] = it.Item.Key
	}

	u.logger.Warn("uploader: batch failed, rolling back",
		slog.Int("confirmed", len(result.Confirmed)),
		slog.Int("rejected", len(result.Rejected)),
		slog.Int("rolling_back", len(restoreKeys)),
		slog.String("error", fatal.Error()),
	)

	if restoreErr := u.store.Restore(ctx, rp, restoreKeys); restoreErr != nil {
		// Broken invariant: local state for these keys is unknown. Mark
		// for manual review instead of silently retrying.
		reason := fmt.Sprintf("rollback failed after batch error: %v", restoreErr)
		if markErr := u.store.MarkInconsistent(ctx, restoreKeys, reason); markErr != nil {
			u.logger.Error("uploader: marking inconsistent records failed",
				slog.String("error", markErr.Error()),
			)
		}

		return result, &RollbackError{Point: rp, Keys: restoreKeys, Err: restoreErr}
	}

	for _, it := range unconfirmed {
		if qErr := u.queue.RecordFailure(ctx, it.Item, fatal); qErr != nil {
			return result, qErr
		}

		result.Requeued = append(result.Requeued, it.Item)
	}

	return result, nil
}
