package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ResolutionRequest is emitted on the Resolutions channel when a session
// finds both-modified conflicts and no default strategy is configured.
// The session blocks until Answer or AnswerAll is called (or the session
// context is canceled). Later answers are ignored.
type ResolutionRequest struct {
	Conflicts []Conflict

	once  stdsync.Once
	reply chan map[string]ResolutionStrategy
}

func newResolutionRequest(conflicts []Conflict) *ResolutionRequest {
	return &ResolutionRequest{
		Conflicts: conflicts,
		reply:     make(chan map[string]ResolutionStrategy, 1),
	}
}

// Answer supplies a per-conflict strategy map keyed by the canonical
// record key. Conflicts missing from the map are skipped.
func (r *ResolutionRequest) Answer(perKey map[string]ResolutionStrategy) {
	r.once.Do(func() {
		r.reply <- perKey
	})
}

// AnswerAll applies one session-wide strategy to every conflict.
func (r *ResolutionRequest) AnswerAll(strategy ResolutionStrategy) {
	perKey := make(map[string]ResolutionStrategy, len(r.Conflicts))
	for _, c := range r.Conflicts {
		perKey[c.Key.String()] = strategy
	}

	r.Answer(perKey)
}

// OrchestratorConfig holds the collaborators for creating an Orchestrator.
// The application shell populates this; the orchestrator owns none of the
// collaborators' lifecycles except its own progress channel.
type OrchestratorConfig struct {
	Store   LocalStore
	Remote  RemoteService
	Session SessionProvider
	Monitor *Monitor
	Queue   *RetryQueue

	// DefaultStrategy, when non-nil, resolves both-modified conflicts
	// without entering the awaiting-resolution phase.
	DefaultStrategy *ResolutionStrategy

	// StaleClaimTimeout, when positive, reclaims queue items that have
	// been in flight longer than this at the start of each session. It
	// backstops claims stranded by an abort the release path could not
	// reach (for example a queue database error during release itself).
	StaleClaimTimeout time.Duration

	Logger *slog.Logger
}

// Orchestrator composes the monitor, detector, uploader, queue, and
// downloader into bounded sync sessions. It is explicitly constructed and
// context-passed; there is no ambient global state. Only one session may
// be active at a time — a second StartSync while active is rejected with
// ErrSessionActive, not queued.
type Orchestrator struct {
	store   LocalStore
	remote  RemoteService
	session SessionProvider
	monitor *Monitor
	queue   *RetryQueue

	detector   *Detector
	uploader   *Uploader
	downloader *Downloader

	progress    *ProgressPublisher
	resolutions chan *ResolutionRequest

	defaultStrategy   *ResolutionStrategy
	staleClaimTimeout time.Duration
	active            atomic.Bool
	logger            *slog.Logger
	nowFunc           func() int64
}

// NewOrchestrator wires a sync orchestrator from its collaborators.
func NewOrchestrator(cfg *OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Remote == nil || cfg.Session == nil || cfg.Monitor == nil || cfg.Queue == nil {
		return nil, errors.New("sync: orchestrator requires store, remote, session, monitor, and queue")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		store:             cfg.Store,
		remote:            cfg.Remote,
		session:           cfg.Session,
		monitor:           cfg.Monitor,
		queue:             cfg.Queue,
		detector:          NewDetector(logger),
		uploader:          NewUploader(cfg.Store, cfg.Remote, cfg.Queue, logger),
		downloader:        NewDownloader(cfg.Store, cfg.Remote, logger),
		progress:          NewProgressPublisher(),
		resolutions:       make(chan *ResolutionRequest, 1),
		defaultStrategy:   cfg.DefaultStrategy,
		staleClaimTimeout: cfg.StaleClaimTimeout,
		logger:            logger,
		nowFunc:           NowNano,
	}, nil
}

// Progress returns the coalesced progress stream for the presentation layer.
func (o *Orchestrator) Progress() <-chan Progress {
	return o.progress.Events()
}

// Resolutions returns the channel on which conflict resolution requests
// are emitted. The presentation layer must drain it and answer each
// request, or sessions with unresolved conflicts will block until canceled.
func (o *Orchestrator) Resolutions() <-chan *ResolutionRequest {
	return o.resolutions
}

// Close shuts the progress stream down. The queue, store, and remote
// collaborators belong to the caller and are not closed here.
func (o *Orchestrator) Close() {
	o.progress.Close()
}

// StartSync runs one bounded sync session: session check, conflict
// screening, resolution (if needed), transactional upload, download pass,
// finalization. Per-item errors are collected in the result; only
// authentication failure, rollback failure, and cancellation abort early
// and are also returned as the error.
func (o *Orchestrator) StartSync(ctx context.Context) (*SessionResult, error) {
	if !o.active.CompareAndSwap(false, true) {
		return nil, ErrSessionActive
	}
	defer o.active.Store(false)

	res := &SessionResult{
		SessionID:  uuid.NewString(),
		ItemErrors: make(map[string]string),
	}
	sessionStart := o.nowFunc()

	o.logger.Info("sync session starting", slog.String("session_id", res.SessionID))

	// --- CHECKING_SESSION ---
	o.publish(PhaseCheckingSession, 0, 0)

	if !o.session.IsValid(ctx) {
		// No network call is made and the queue is untouched.
		return o.fail(res, ErrAuth)
	}

	tier := o.monitor.Current()
	params := ParamsFor(tier)

	if !params.Attempt() {
		return o.fail(res, ErrOffline)
	}

	o.queue.Tune(params.BaseBackoff, params.MaxBackoff)

	if o.staleClaimTimeout > 0 {
		if _, err := o.queue.ReclaimStale(ctx, o.staleClaimTimeout); err != nil {
			o.logger.Warn("could not reclaim stale queue claims",
				slog.String("error", err.Error()),
			)
		}
	}

	o.logger.Info("session parameterized",
		slog.String("tier", tier.String()),
		slog.Int("batch_size", params.BatchSize),
		slog.Duration("timeout", params.Timeout),
	)

	// --- DETECTING_CONFLICTS ---
	if err := ctx.Err(); err != nil {
		return o.cancelled(res, err)
	}

	dirty, err := o.store.ListDirty(ctx)
	if err != nil {
		return o.fail(res, fmt.Errorf("sync: listing dirty records: %w", err))
	}

	for _, rec := range dirty {
		if _, enqErr := o.queue.Enqueue(ctx, rec.Key); enqErr != nil {
			return o.fail(res, enqErr)
		}
	}

	o.publish(PhaseDetectingConflicts, 0, len(dirty))

	actions, unresolved, err := o.screenConflicts(ctx, dirty, params, res)
	if err != nil {
		return o.fail(res, err)
	}

	// --- AWAITING_RESOLUTION ---
	if len(unresolved) > 0 {
		answered, resErr := o.awaitResolution(ctx, unresolved, actions, res)
		if resErr != nil {
			return answered, resErr
		}
	}

	exclude, err := o.applyResolutions(ctx, dirty, actions, res)
	if err != nil {
		return o.fail(res, err)
	}

	// --- UPLOADING ---
	if err := ctx.Err(); err != nil {
		return o.cancelled(res, err)
	}

	if aborted, uploadErr := o.runUploadPhase(ctx, params, exclude, res); aborted {
		return res, uploadErr
	}

	// --- DOWNLOADING ---
	if err := ctx.Err(); err != nil {
		return o.cancelled(res, err)
	}

	o.publish(PhaseDownloading, 0, 0)
	o.runDownloadPhase(ctx, sessionStart, res)

	// --- FINALIZING ---
	if err := ctx.Err(); err != nil {
		return o.cancelled(res, err)
	}

	o.publish(PhaseFinalizing, 0, 0)

	res.Status = StatusCompleted

	o.logger.Info("sync session complete",
		slog.String("session_id", res.SessionID),
		slog.Int("uploaded", res.Uploaded),
		slog.Int("downloaded", res.Downloaded),
		slog.Int("conflicted", res.Conflicted),
		slog.Int("failed", res.Failed),
		slog.Int("dead_lettered", res.DeadLettered),
	)

	return res, nil
}

// screenConflicts classifies every dirty record against the remote's
// last-known state. It returns the resolved action per key plus the
// conflicts still needing caller input. Conflicts resolvable
// deterministically (server-newer, deleted-remotely) never block.
func (o *Orchestrator) screenConflicts(
	ctx context.Context, dirty []*LocalRecord, params TransferParams, res *SessionResult,
) (map[string]ResolvedAction, []Conflict, error) {
	if len(dirty) == 0 {
		return map[string]ResolvedAction{}, nil, nil
	}

	keys := make([]RecordKey, len(dirty))
	for i, rec := range dirty {
		keys[i] = rec.Key
	}

	statCtx, cancel := context.WithTimeout(ctx, params.Timeout)
	defer cancel()

	remoteStates, err := o.remote.Stat(statCtx, keys)
	if err != nil {
		return nil, nil, fmt.Errorf("sync: fetching remote state for conflict screening: %w", err)
	}

	actions := make(map[string]ResolvedAction)

	var unresolved []Conflict

	for _, rec := range dirty {
		c := o.detector.Detect(rec, remoteStates[rec.Key.String()])

		switch c.Type {
		case ConflictNone, ConflictLocalOnly, ConflictLocalNewer:
			// Plain upload; no action entry needed.

		case ConflictServerNewer:
			res.Conflicted++
			actions[c.Key.String()] = ActionApplyServer

		case ConflictDeletedRemotely:
			// Deterministic: local recreates. An explicit discard is only
			// reachable through a caller-supplied answer.
			res.Conflicted++
			actions[c.Key.String()] = ActionUploadLocal

		case ConflictBothModified:
			res.Conflicted++

			if o.defaultStrategy != nil {
				action, resolveErr := o.detector.Resolve(c, *o.defaultStrategy)
				if resolveErr != nil {
					return nil, nil, resolveErr
				}

				actions[c.Key.String()] = action

				continue
			}

			unresolved = append(unresolved, c)
		}
	}

	return actions, unresolved, nil
}

// awaitResolution emits a ResolutionRequest and blocks until the
// presentation layer answers or the session is canceled. Unanswered
// conflicts are skipped: their items stay pending, excluded from this
// session, without counting as failures.
func (o *Orchestrator) awaitResolution(
	ctx context.Context, unresolved []Conflict,
	actions map[string]ResolvedAction, res *SessionResult,
) (*SessionResult, error) {
	o.publish(PhaseAwaitingResolution, 0, len(unresolved))

	o.logger.Info("awaiting conflict resolution",
		slog.Int("conflicts", len(unresolved)),
	)

	req := newResolutionRequest(unresolved)

	select {
	case o.resolutions <- req:
	case <-ctx.Done():
		r, err := o.cancelled(res, ctx.Err())
		return r, err
	}

	var answers map[string]ResolutionStrategy

	select {
	case answers = <-req.reply:
	case <-ctx.Done():
		r, err := o.cancelled(res, ctx.Err())
		return r, err
	}

	for _, c := range unresolved {
		strategy, ok := answers[c.Key.String()]
		if !ok {
			strategy = StrategySkip
		}

		action, err := o.detector.Resolve(c, strategy)
		if err != nil {
			r, ferr := o.fail(res, err)
			return r, ferr
		}

		actions[c.Key.String()] = action
	}

	return res, nil
}

// applyResolutions executes the non-upload resolution actions before the
// upload phase and returns the keys to exclude from this session's batches.
func (o *Orchestrator) applyResolutions(
	ctx context.Context, dirty []*LocalRecord,
	actions map[string]ResolvedAction, res *SessionResult,
) ([]RecordKey, error) {
	byKey := make(map[string]*LocalRecord, len(dirty))
	for _, rec := range dirty {
		byKey[rec.Key.String()] = rec
	}

	var exclude []RecordKey

	for keyStr, action := range actions {
		rec := byKey[keyStr]
		if rec == nil {
			continue
		}

		switch action {
		case ActionUploadLocal:
			// Flows into the upload phase unchanged.

		case ActionApplyServer:
			// Drop the upload intent and release the dirty flag while
			// keeping the stale revision marker, so the download pass sees
			// the mismatch and overwrites with the server value.
			if err := o.queue.Discard(ctx, rec.Key); err != nil {
				return nil, err
			}

			if err := o.store.ClearDirty(ctx, rec.Key, rec.Revision); err != nil {
				return nil, fmt.Errorf("sync: releasing local edit of %s: %w", rec.Key, err)
			}

		case ActionDiscardLocal:
			if err := o.queue.Discard(ctx, rec.Key); err != nil {
				return nil, err
			}

			if err := o.store.Delete(ctx, rec.Key); err != nil {
				return nil, fmt.Errorf("sync: discarding local record %s: %w", rec.Key, err)
			}

		case ActionSkipItem:
			exclude = append(exclude, rec.Key)
		}
	}

	return exclude, nil
}

// runUploadPhase drains eligible queue items in rollback-guarded batches.
// Cancellation is honored between batches, never mid-batch. A transient
// batch-fatal error re-samples the tier and continues with fresh
// parameters; auth expiry and rollback failure abort the session.
// Returns aborted=true when the session must stop with the given error.
func (o *Orchestrator) runUploadPhase(
	ctx context.Context, params TransferParams,
	exclude []RecordKey, res *SessionResult,
) (aborted bool, _ error) {
	total, err := o.queue.PendingCount(ctx)
	if err != nil {
		_, ferr := o.fail(res, err)
		return true, ferr
	}

	o.publish(PhaseUploading, 0, total)

	processed := 0

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			_, cerr := o.cancelled(res, ctxErr)
			return true, cerr
		}

		batch, err := o.queue.NextEligibleBatch(ctx, o.nowFunc(), params.BatchSize, exclude)
		if err != nil {
			_, ferr := o.fail(res, err)
			return true, ferr
		}

		if len(batch) == 0 {
			return false, nil
		}

		items, err := o.assembleBatch(ctx, batch)
		if err != nil {
			o.releaseBatch(ctx, batch, nil)

			_, ferr := o.fail(res, err)
			return true, ferr
		}

		if len(items) == 0 {
			continue
		}

		bres, err := o.uploader.UploadBatch(ctx, items, params)
		if err != nil {
			// Snapshot or rollback failure: the only fatal-to-the-process
			// class. Release the unprocessed claims, then surface
			// distinctly and abort.
			o.releaseBatch(ctx, batch, bres)

			_, ferr := o.fail(res, err)
			return true, ferr
		}

		processed += len(items)
		o.applyBatchResult(bres, res)
		o.publish(PhaseUploading, processed, total)

		if bres.FatalErr == nil {
			continue
		}

		if errors.Is(bres.FatalErr, ErrAuth) {
			_, ferr := o.fail(res, ErrAuth)
			return true, ferr
		}

		// Transient batch failure: requeued items now carry backoff, so
		// they drop out of eligibility. Re-sample connectivity and carry
		// on with parameters for the new tier; stop if we went offline.
		o.monitor.Sample(ctx)

		tier := o.monitor.Current()
		params = ParamsFor(tier)

		if !params.Attempt() {
			o.logger.Warn("upload phase stopping: network went offline",
				slog.Int("processed", processed),
			)

			return false, nil
		}

		o.queue.Tune(params.BaseBackoff, params.MaxBackoff)
	}
}

// releaseBatch puts claimed items whose outcome was never recorded back
// to pending, so an aborted batch does not strand them in flight until
// the next process restart. Items the batch already settled (confirmed,
// rejected, requeued) are skipped; Release's state guard makes a stray
// call on a terminal item a no-op anyway.
func (o *Orchestrator) releaseBatch(ctx context.Context, batch []*QueueItem, bres *BatchResult) {
	settled := make(map[string]bool)

	if bres != nil {
		for _, key := range bres.Confirmed {
			settled[key.String()] = true
		}

		for keyStr := range bres.Rejected {
			settled[keyStr] = true
		}

		for _, item := range bres.Requeued {
			settled[item.Key.String()] = true
		}
	}

	// Releasing is bookkeeping: it must complete even when the abort was
	// a caller cancellation.
	relCtx := context.WithoutCancel(ctx)

	for _, item := range batch {
		if settled[item.Key.String()] {
			continue
		}

		if err := o.queue.Release(relCtx, item); err != nil {
			o.logger.Warn("could not release claimed queue item after aborted batch",
				slog.String("key", item.Key.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// assembleBatch reads the local record behind each claimed item. Items
// whose record vanished locally are discarded from the queue.
func (o *Orchestrator) assembleBatch(ctx context.Context, batch []*QueueItem) ([]BatchItem, error) {
	items := make([]BatchItem, 0, len(batch))

	for _, item := range batch {
		rec, err := o.store.Read(ctx, item.Key)
		if err != nil {
			return nil, fmt.Errorf("sync: reading %s for upload: %w", item.Key, err)
		}

		if rec == nil {
			o.logger.Warn("queued record no longer exists locally, discarding intent",
				slog.String("key", item.Key.String()),
			)

			if dErr := o.queue.Discard(ctx, item.Key); dErr != nil {
				return nil, dErr
			}

			continue
		}

		items = append(items, BatchItem{Item: item, Record: rec})
	}

	return items, nil
}

// applyBatchResult folds one batch outcome into the session result.
func (o *Orchestrator) applyBatchResult(bres *BatchResult, res *SessionResult) {
	res.Uploaded += len(bres.Confirmed)

	for keyStr, reason := range bres.Rejected {
		res.Failed++
		res.DeadLettered++
		res.ItemErrors[keyStr] = reason
	}

	for _, item := range bres.Requeued {
		res.ItemErrors[item.Key.String()] = item.LastError

		if item.State == QueueDeadLetter {
			res.Failed++
			res.DeadLettered++
		}
	}
}

// runDownloadPhase pulls remote updates since the persisted watermark.
// Download errors never abort the session: the watermark is simply not
// advanced, and the next session re-pulls.
func (o *Orchestrator) runDownloadPhase(ctx context.Context, sessionStart int64, res *SessionResult) {
	since, err := o.queue.Checkpoint(ctx)
	if err != nil {
		o.logger.Warn("could not load download checkpoint, pulling from zero",
			slog.String("error", err.Error()),
		)
	}

	applied, err := o.downloader.Run(ctx, since)
	res.Downloaded = applied

	if err != nil {
		o.logger.Warn("download pass failed, watermark not advanced",
			slog.String("error", err.Error()),
		)

		return
	}

	if err := o.queue.SaveCheckpoint(ctx, sessionStart); err != nil {
		o.logger.Warn("could not save download checkpoint",
			slog.String("error", err.Error()),
		)
	}
}

// publish emits a coalesced progress event.
func (o *Orchestrator) publish(phase Phase, processed, total int) {
	o.progress.Publish(Progress{Phase: phase, Processed: processed, Total: total})
}

// fail finalizes a session as failed with the given error.
func (o *Orchestrator) fail(res *SessionResult, err error) (*SessionResult, error) {
	res.Status = StatusFailed
	res.Err = err

	o.logger.Error("sync session failed",
		slog.String("session_id", res.SessionID),
		slog.String("error", err.Error()),
	)

	return res, err
}

// cancelled finalizes a session as cooperatively canceled.
func (o *Orchestrator) cancelled(res *SessionResult, err error) (*SessionResult, error) {
	res.Status = StatusCancelled
	res.Err = err

	o.logger.Info("sync session cancelled",
		slog.String("session_id", res.SessionID),
	)

	return res, err
}
