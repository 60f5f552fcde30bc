package sync

import (
	"context"
	"fmt"
	"log/slog"
)

// Downloader applies remote updates to the local store. Records with a
// pending local edit are never overwritten here: divergence on both sides
// is the conflict phase's job, and a dirty record that lost its upload
// this session stays queued for the next one.
type Downloader struct {
	store  LocalStore
	remote RemoteService
	logger *slog.Logger
}

// NewDownloader creates a download-pass runner.
func NewDownloader(store LocalStore, remote RemoteService, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}

	return &Downloader{store: store, remote: remote, logger: logger}
}

// Run streams remote changes since the given watermark and applies them.
// Returns the number of records applied locally. Dirty local records are
// skipped; remote tombstones delete clean local records.
func (d *Downloader) Run(ctx context.Context, since int64) (int, error) {
	var applied, skipped int

	err := d.remote.Download(ctx, since, func(rr *RemoteRecord) error {
		local, readErr := d.store.Read(ctx, rr.Key)
		if readErr != nil {
			return fmt.Errorf("sync: reading %s during download: %w", rr.Key, readErr)
		}

		if local != nil && local.Dirty {
			skipped++
			return nil
		}

		if rr.Deleted {
			if local == nil {
				return nil
			}

			if delErr := d.store.Delete(ctx, rr.Key); delErr != nil {
				return fmt.Errorf("sync: applying remote delete of %s: %w", rr.Key, delErr)
			}

			applied++

			return nil
		}

		if local != nil && local.Revision == rr.Revision {
			return nil // already current
		}

		now := NowNano()
		rec := &LocalRecord{
			Key:          rr.Key,
			Value:        rr.Value,
			ModifiedAt:   rr.ModifiedAt,
			Revision:     rr.Revision,
			LastSyncedAt: Int64Ptr(now),
			Dirty:        false,
		}

		if writeErr := d.store.Write(ctx, rec); writeErr != nil {
			return fmt.Errorf("sync: applying remote update of %s: %w", rr.Key, writeErr)
		}

		applied++

		return nil
	})
	if err != nil {
		return applied, err
	}

	d.logger.Info("download pass complete",
		slog.Int("applied", applied),
		slog.Int("skipped_dirty", skipped),
	)

	return applied, nil
}
