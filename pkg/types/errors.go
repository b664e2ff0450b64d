package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies operation failures so callers can branch on them
// instead of parsing message text.
type ErrorKind string

const (
	// TransportError is a network or API-server failure; call sites retry
	// it once immediately before surfacing it.
	TransportError ErrorKind = "TransportError"
	// RejectedImmutableField is the control plane refusing an in-place
	// change to a protected field. It is an expected trigger for the
	// recreate path, not a fault.
	RejectedImmutableField ErrorKind = "RejectedImmutableField"
	// BackupFailed aborts a run before any destructive step.
	BackupFailed ErrorKind = "BackupFailed"
	// TerminationTimeout means pods did not drain in time; deletion may
	// still proceed since the control plane force-terminates.
	TerminationTimeout ErrorKind = "TerminationTimeout"
	// ApplyConflict is a stale-resource-version rejection, retried once
	// after refetch.
	ApplyConflict ErrorKind = "ApplyConflict"
	// RestorePartial means the replay into the recreated workload did not
	// complete; the workload itself exists and the artifact is intact.
	RestorePartial ErrorKind = "RestorePartial"
	// VerificationTimeout means readiness never reached the required
	// count within the bound.
	VerificationTimeout ErrorKind = "VerificationTimeout"
)

// OpError tags an underlying error with its kind and the phase reached, so
// an operator can resume precisely.
type OpError struct {
	Kind  ErrorKind
	Phase Phase
	Err   error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (phase %s)", e.Kind, e.Phase)
	}
	return fmt.Sprintf("%s (phase %s): %v", e.Kind, e.Phase, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError wraps err with a kind and phase tag.
func NewOpError(kind ErrorKind, phase Phase, err error) *OpError {
	return &OpError{Kind: kind, Phase: phase, Err: err}
}

// KindOf extracts the ErrorKind from err, or "" if err carries none.
func KindOf(err error) ErrorKind {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}

// ErrBusy is returned when a safe-apply is already running for the identity.
var ErrBusy = errors.New("safe-apply already in progress for this workload")
