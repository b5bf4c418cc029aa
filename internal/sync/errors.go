package sync

import (
	"errors"
	"fmt"
)

var (
	ErrSchema             = errors.New("schema error")
	ErrApply              = errors.New("apply error")
	ErrConflictUnresolved = errors.New("conflict unresolved")
	ErrConcurrentRun      = errors.New("synchronization already in progress")
	ErrCancelled          = errors.New("synchronization cancelled")
	ErrTransport          = errors.New("transport error")
	ErrProvisioning       = errors.New("provisioning error")

	ErrScopeNotFound    = errors.New("scope not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// SyncError carries the stage a run failed at, the error category and the cause.
type SyncError struct {
	Stage Stage
	Kind  error
	Err   error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Err == nil || e.Err == e.Kind {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap exposes both the category and the cause to errors.Is / errors.As.
func (e *SyncError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewSyncError wraps err with a stage. The category is taken from err when it
// already belongs to the taxonomy; otherwise kind is used.
func NewSyncError(stage Stage, kind error, err error) *SyncError {
	var se *SyncError
	if errors.As(err, &se) {
		return &SyncError{Stage: stage, Kind: se.Kind, Err: se.Err}
	}
	for _, k := range []error{ErrSchema, ErrApply, ErrConflictUnresolved, ErrConcurrentRun, ErrCancelled, ErrTransport, ErrProvisioning} {
		if errors.Is(err, k) {
			kind = k
			break
		}
	}
	return &SyncError{Stage: stage, Kind: kind, Err: err}
}

// StageOf returns the stage recorded on err, or StageNone.
func StageOf(err error) Stage {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Stage
	}
	return StageNone
}

// TransportError is a failure at the transport boundary.
type TransportError struct {
	Op        string
	Status    int
	Retryable bool
	Err       error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns ErrTransport and the cause for errors.Is compatibility.
func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// IsRetryable reports whether err is a transport failure worth retrying.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Retryable
}
