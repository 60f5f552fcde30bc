package sync

import (
	"fmt"
	"log/slog"
)

// Detector classifies the relationship between a local record and the
// remote's last-known state, and maps conflicts plus a resolution strategy
// to a concrete action. Classification is total and deterministic: every
// (local, remote) pair maps to exactly one ConflictType.
type Detector struct {
	logger *slog.Logger
}

// NewDetector creates a conflict detector.
func NewDetector(logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}

	return &Detector{logger: logger}
}

// Classify compares a local record against the remote's last-known state.
//
// With no remote state: a never-synced record is ConflictNone (a plain
// new upload); a previously-synced record orphaned remotely is
// ConflictLocalOnly. A remote tombstone is ConflictDeletedRemotely.
// Otherwise both sides are compared against the last common
// synchronization point: changes on both sides since that point are
// ConflictBothModified — the only type requiring explicit resolution.
func (d *Detector) Classify(local *LocalRecord, remote *RemoteKnown) ConflictType {
	lastSync := int64(0)
	if local.LastSyncedAt != nil {
		lastSync = *local.LastSyncedAt
	}

	localChanged := local.Dirty || local.ModifiedAt > lastSync

	if remote == nil {
		if local.Revision == "" {
			return ConflictNone
		}

		return ConflictLocalOnly
	}

	if remote.Deleted {
		return ConflictDeletedRemotely
	}

	remoteChanged := remote.Revision != local.Revision || remote.ModifiedAt > lastSync

	switch {
	case localChanged && remoteChanged:
		return ConflictBothModified
	case remoteChanged:
		return ConflictServerNewer
	case localChanged:
		return ConflictLocalNewer
	default:
		return ConflictNone
	}
}

// Detect builds a full Conflict for a local record, with a suggested
// resolution. BothModified carries StrategySkip as the suggestion: it must
// not be resolved without explicit input.
func (d *Detector) Detect(local *LocalRecord, remote *RemoteKnown) Conflict {
	c := Conflict{
		Key:             local.Key,
		LocalModifiedAt: local.ModifiedAt,
		Remote:          remote,
		Type:            d.Classify(local, remote),
	}

	switch c.Type {
	case ConflictServerNewer:
		c.Suggested = StrategyKeepServer
	case ConflictBothModified:
		c.Suggested = StrategySkip
	case ConflictNone, ConflictLocalOnly, ConflictLocalNewer, ConflictDeletedRemotely:
		c.Suggested = StrategyKeepLocal
	}

	if c.Type != ConflictNone {
		d.logger.Debug("conflict detected",
			slog.String("key", c.Key.String()),
			slog.String("type", c.Type.String()),
			slog.String("suggested", c.Suggested.String()),
		)
	}

	return c
}

// Resolve maps a conflict and a strategy to the action the orchestrator
// executes. Only BothModified consults the strategy for its main branch;
// every other type resolves deterministically (server wins on
// ServerNewer, local wins on LocalNewer, local recreates on
// DeletedRemotely unless explicitly discarded via StrategyKeepServer).
func (d *Detector) Resolve(c Conflict, strategy ResolutionStrategy) (ResolvedAction, error) {
	switch c.Type {
	case ConflictNone, ConflictLocalOnly, ConflictLocalNewer:
		return ActionUploadLocal, nil

	case ConflictServerNewer:
		return ActionApplyServer, nil

	case ConflictDeletedRemotely:
		if strategy == StrategyKeepServer {
			return ActionDiscardLocal, nil
		}

		return ActionUploadLocal, nil // recreate remotely

	case ConflictBothModified:
		switch strategy {
		case StrategyKeepLocal:
			return ActionUploadLocal, nil
		case StrategyKeepServer:
			return ActionApplyServer, nil
		case StrategySkip:
			return ActionSkipItem, nil
		default:
			return ActionSkipItem, fmt.Errorf("sync: unknown resolution strategy %d for %s", strategy, c.Key)
		}

	default:
		return ActionSkipItem, fmt.Errorf("sync: unknown conflict type %d for %s", c.Type, c.Key)
	}
}
