package sync

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for session-level failure classification.
// Use errors.Is to check.
var (
	// ErrSessionActive is returned by StartSync while another session is
	// running. Sessions are rejected, not queued.
	ErrSessionActive = errors.New("sync: session already active")

	// ErrAuth indicates the credentials are invalid or expired. Fatal to
	// the current session; queue state is left untouched.
	ErrAuth = errors.New("sync: session invalid or expired")

	// ErrOffline indicates the current tier is offline and no transfer
	// was attempted.
	ErrOffline = errors.New("sync: network offline")
)

// TransientError wraps a failure that should be retried with backoff:
// timeouts, connection resets, throttling. Never surfaced as a hard
// failure unless the item reaches the dead letter state.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("sync: transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError. Returns nil for a nil err.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}

	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err should feed retry backoff rather than
// fail an item terminally. Deadline expiry and timeout-flagged network
// errors count as transient even when not wrapped explicitly.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	return false
}

// RejectionError is a business-rule failure reported by the remote for a
// single record. Terminal for that item only: local state is preserved
// unchanged and the item is reported per-record, not batch-wide.
type RejectionError struct {
	Key    RecordKey
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("sync: remote rejected %s: %s", e.Key, e.Reason)
}

// IsRejection reports whether err is a per-item server rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

// RollbackError indicates a snapshot could not be restored. This is the
// only fatal-to-the-process error class: it means the no-inconsistent-
// state invariant is broken. Affected records are marked for manual
// review rather than silently retried.
type RollbackError struct {
	Point RollbackPoint
	Keys  []RecordKey
	Err   error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("sync: rollback of %d record(s) failed (point %s): %v", len(e.Keys), e.Point, e.Err)
}

func (e *RollbackError) Unwrap() error {
	return e.Err
}

// IsRollbackFailure reports whether err is a broken-rollback failure.
// Callers must surface this distinctly from all other error classes.
func IsRollbackFailure(err error) bool {
	var re *RollbackError
	return errors.As(err, &re)
}
