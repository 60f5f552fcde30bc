// Package sync implements the synchronization and conflict-resolution
// engine for an offline-first data-collection client. It provides
// connectivity sensing, adaptive transfer parameterization, conflict
// detection and resolution, transactional batch upload with rollback,
// a durable retry queue, and the session orchestrator that composes them.
package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// RecordKey is the composite identity of a captured record: the entity
// being reported on plus the context dimensions it was captured under.
type RecordKey struct {
	EntityID string
	Period   string
	OrgUnit  string
	Category string
}

// keySeparator joins the key dimensions into the canonical string form.
// Dimension values captured on mobile keyboards are NFC-normalized at
// construction, so the separator never needs escaping in practice.
const keySeparator = "|"

// NewRecordKey builds a RecordKey with all dimensions NFC-normalized.
// Mobile keyboards produce decomposed Unicode for accented characters;
// normalizing here keeps key equality independent of the input method.
func NewRecordKey(entityID, period, orgUnit, category string) RecordKey {
	return RecordKey{
		EntityID: norm.NFC.String(entityID),
		Period:   norm.NFC.String(period),
		OrgUnit:  norm.NFC.String(orgUnit),
		Category: norm.NFC.String(category),
	}
}

// String returns the canonical form used for map keys and database columns.
func (k RecordKey) String() string {
	return strings.Join([]string{k.EntityID, k.Period, k.OrgUnit, k.Category}, keySeparator)
}

// IsZero reports whether the key has no dimensions set.
func (k RecordKey) IsZero() bool {
	return k == RecordKey{}
}

// ParseRecordKey reverses String(). Used when reading keys back from
// database columns that store the canonical form.
func ParseRecordKey(s string) (RecordKey, error) {
	parts := strings.Split(s, keySeparator)
	if len(parts) != 4 {
		return RecordKey{}, fmt.Errorf("sync: malformed record key %q", s)
	}

	return RecordKey{EntityID: parts[0], Period: parts[1], OrgUnit: parts[2], Category: parts[3]}, nil
}

// LocalRecord is one unit of user-entered data as held by the local store.
// The sync engine reads and marks records; it never owns their lifecycle.
type LocalRecord struct {
	Key        RecordKey
	Value      string
	ModifiedAt int64  // local clock, Unix nanoseconds
	Revision   string // server-known revision marker, "" if never synced

	// LastSyncedAt is the last common synchronization point for this
	// record, nil if it has never completed a sync.
	LastSyncedAt *int64

	Dirty bool
}

// RemoteKnown is the remote side's last-known state for a record, as
// returned by RemoteService.Stat. A nil *RemoteKnown means the remote
// has never seen the record.
type RemoteKnown struct {
	Revision   string
	ModifiedAt int64 // server clock, Unix nanoseconds
	Deleted    bool  // remote tombstone observed
}

// RemoteRecord is one record streamed by RemoteService.Download.
type RemoteRecord struct {
	Key        RecordKey
	Value      string
	Revision   string
	ModifiedAt int64
	Deleted    bool
}

// QueueState is the lifecycle state of a queue item, as stored in the
// sync_queue.state column.
type QueueState string

// Queue item states. Pending and InFlight are non-terminal; at most one
// non-terminal item exists per record key at a time.
const (
	QueuePending    QueueState = "pending"
	QueueInFlight   QueueState = "in_flight"
	QueueDeadLetter QueueState = "dead_letter"
)

// QueueItem is a pending intent to upload one LocalRecord.
type QueueItem struct {
	ID             int64
	Key            RecordKey
	State          QueueState
	Attempts       int
	NextEligibleAt int64  // Unix nanoseconds; 0 = immediately eligible
	LastError      string // last failure, "" if never failed

	// AttemptToken is a fresh UUID stamped on every claim. The remote
	// service uses it to deduplicate re-uploads after a crash mid-batch.
	AttemptToken string

	EnqueuedAt int64
}

// NetworkSample is one ephemeral connectivity measurement.
type NetworkSample struct {
	BandwidthBps int64 // throughput estimate, bytes per second
	LatencyNanos int64 // reachability probe round trip
	TakenAt      int64 // Unix nanoseconds
}

// Tier classifies current network conditions. Ordering matters: a higher
// value is a strictly better network.
type Tier int

// Quality tiers from worst to best.
const (
	TierOffline Tier = iota
	TierPoor
	TierFair
	TierGood
	TierExcellent
)

// String returns the tier name for logs.
func (t Tier) String() string {
	switch t {
	case TierOffline:
		return "offline"
	case TierPoor:
		return "poor"
	case TierFair:
		return "fair"
	case TierGood:
		return "good"
	case TierExcellent:
		return "excellent"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// TransferParams are the per-session transfer knobs derived from the
// current quality tier.
type TransferParams struct {
	BatchSize   int           // queue items per rollback-guarded batch
	SubBatch    int           // concurrent uploads within a batch
	Timeout     time.Duration // per network call
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Attempt reports whether transfers should be attempted at all.
// The offline sentinel has BatchSize zero.
func (p TransferParams) Attempt() bool {
	return p.BatchSize > 0
}

// ConflictType classifies the relationship between a local record and the
// remote's last-known state.
type ConflictType int

// Conflict classifications. BothModified is the only type requiring
// explicit resolution input; all others resolve deterministically.
const (
	ConflictNone ConflictType = iota
	ConflictLocalOnly
	ConflictServerNewer
	ConflictLocalNewer
	ConflictBothModified
	ConflictDeletedRemotely
)

// String returns the classification name for logs and reports.
func (c ConflictType) String() string {
	switch c {
	case ConflictNone:
		return "none"
	case ConflictLocalOnly:
		return "local_only"
	case ConflictServerNewer:
		return "server_newer"
	case ConflictLocalNewer:
		return "local_newer"
	case ConflictBothModified:
		return "both_modified"
	case ConflictDeletedRemotely:
		return "deleted_remotely"
	default:
		return fmt.Sprintf("ConflictType(%d)", int(c))
	}
}

// ResolutionStrategy is the caller-supplied answer for a conflict.
type ResolutionStrategy int

// Resolution strategies. StrategySkip leaves the queue item pending and
// excluded from the current session without counting as a failure.
const (
	StrategyKeepLocal ResolutionStrategy = iota
	StrategyKeepServer
	StrategySkip
)

// String returns the strategy name for logs.
func (s ResolutionStrategy) String() string {
	switch s {
	case StrategyKeepLocal:
		return "keep_local"
	case StrategyKeepServer:
		return "keep_server"
	case StrategySkip:
		return "skip"
	default:
		return fmt.Sprintf("ResolutionStrategy(%d)", int(s))
	}
}

// ResolvedAction is the concrete action a resolved conflict maps to.
type ResolvedAction int

// Resolved actions.
const (
	// ActionUploadLocal uploads the local value, overwriting the remote.
	ActionUploadLocal ResolvedAction = iota
	// ActionApplyServer drops the local edit; the download pass applies
	// the server value.
	ActionApplyServer
	// ActionSkipItem excludes the item from this session, leaving it pending.
	ActionSkipItem
	// ActionDiscardLocal drops the local record entirely (deleted remotely
	// and the caller chose not to recreate it).
	ActionDiscardLocal
)

// String returns the action name for logs.
func (a ResolvedAction) String() string {
	switch a {
	case ActionUploadLocal:
		return "upload_local"
	case ActionApplyServer:
		return "apply_server"
	case ActionSkipItem:
		return "skip"
	case ActionDiscardLocal:
		return "discard_local"
	default:
		return fmt.Sprintf("ResolvedAction(%d)", int(a))
	}
}

// Conflict is a detected divergence between local and remote state for one
// record, produced transiently during conflict detection.
type Conflict struct {
	Key             RecordKey
	LocalModifiedAt int64
	Remote          *RemoteKnown // nil if the remote has never seen the key
	Type            ConflictType
	Suggested       ResolutionStrategy
}

// Phase identifies where a sync session currently is.
type Phase int

// Session phases in execution order.
const (
	PhaseIdle Phase = iota
	PhaseCheckingSession
	PhaseDetectingConflicts
	PhaseAwaitingResolution
	PhaseUploading
	PhaseDownloading
	PhaseFinalizing
)

// String returns the phase name for logs and progress events.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCheckingSession:
		return "checking_session"
	case PhaseDetectingConflicts:
		return "detecting_conflicts"
	case PhaseAwaitingResolution:
		return "awaiting_resolution"
	case PhaseUploading:
		return "uploading"
	case PhaseDownloading:
		return "downloading"
	case PhaseFinalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Progress is one coalesced progress event published to the presentation layer.
type Progress struct {
	Phase     Phase
	Processed int
	Total     int
}

// SessionStatus is the terminal status of a sync session.
type SessionStatus int

// Terminal session statuses.
const (
	StatusCompleted SessionStatus = iota
	StatusFailed
	StatusCancelled
)

// String returns the status name for logs and reports.
func (s SessionStatus) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("SessionStatus(%d)", int(s))
	}
}

// SessionResult summarizes one orchestrated sync session.
type SessionResult struct {
	SessionID    string
	Status       SessionStatus
	Uploaded     int
	Downloaded   int
	Conflicted   int
	Failed       int
	DeadLettered int

	// ItemErrors maps canonical record keys to the last error observed
	// for that record during the session. Per-item errors are collected
	// here rather than aborting the whole session.
	ItemErrors map[string]string

	// Err is set only for session-fatal failures (authentication,
	// rollback failure, offline, cancellation).
	Err error
}

// --- Consumer-defined collaborator interfaces ---
// The engine operates against these rather than concrete implementations,
// following the "accept interfaces, return structs" Go convention. The
// store and remote packages provide reference implementations.

// RollbackPoint is an opaque snapshot token produced by LocalStore.Snapshot.
type RollbackPoint string

// LocalStore is the on-device structured store holding captured records.
// It is the only shared mutable resource between the sync engine and the
// presentation layer. Read returns (nil, nil) when the key is absent.
type LocalStore interface {
	Read(ctx context.Context, key RecordKey) (*LocalRecord, error)
	Write(ctx context.Context, rec *LocalRecord) error
	Delete(ctx context.Context, key RecordKey) error
	ListDirty(ctx context.Context) ([]*LocalRecord, error)
	MarkDirty(ctx context.Context, key RecordKey) error
	ClearDirty(ctx context.Context, key RecordKey, newRevision string) error

	// Snapshot captures the current state of the given keys. Exactly one
	// of Restore or Discard must be called for every returned point.
	Snapshot(ctx context.Context, keys []RecordKey) (RollbackPoint, error)
	// Restore puts the given keys back to their snapshotted state and
	// consumes the point. A nil keys slice restores every snapshotted key.
	Restore(ctx context.Context, rp RollbackPoint, keys []RecordKey) error
	// Discard drops the snapshot without applying it.
	Discard(ctx context.Context, rp RollbackPoint) error

	// MarkInconsistent flags records whose rollback could not be applied.
	// They are excluded from sync until manually reviewed.
	MarkInconsistent(ctx context.Context, keys []RecordKey, reason string) error
}

// RemoteService is the remote data service consumed by the engine. Upload
// must be idempotent under duplicate upload of the same (key, attempt
// token) pair. A nil error means accepted; rejections and transient
// failures are distinguished via the error taxonomy in errors.go.
type RemoteService interface {
	Upload(ctx context.Context, rec *LocalRecord, attemptToken string) (newRevision string, err error)
	Download(ctx context.Context, since int64, fn func(*RemoteRecord) error) error
	Stat(ctx context.Context, keys []RecordKey) (map[string]*RemoteKnown, error)
}

// SessionProvider reports whether the current credentials are usable.
// Consulted once per session; the orchestrator never refreshes credentials.
type SessionProvider interface {
	IsValid(ctx context.Context) bool
}

// Prober takes one connectivity measurement. Implementations live at the
// transport layer (see the remote package).
type Prober interface {
	Probe(ctx context.Context) (NetworkSample, error)
}

// --- Timestamp helpers ---
// All internal code uses int64 Unix nanoseconds exclusively. Conversion
// happens at system boundaries only.

// NowNano returns the current time as Unix nanoseconds.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// ToUnixNano converts a time.Time to Unix nanoseconds.
// Returns 0 for the zero time.
func ToUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

// Int64Ptr returns a pointer to the given int64 value.
// Used for nullable database columns.
func Int64Ptr(v int64) *int64 {
	return &v
}
