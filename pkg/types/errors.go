package types

import (
	"errors"
	"fmt"
)

// Error taxonomy surfaced to the operator.
var (
	// ErrNetworkUnavailable is a socket bind or send failure
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrPeerNotFound means the remote identity was never registered
	ErrPeerNotFound = errors.New("peer not found")

	// ErrPunchTimeout means no path was confirmed before the deadline
	ErrPunchTimeout = errors.New("punch timeout")

	// ErrChannelBroken means the retransmission budget was exhausted
	ErrChannelBroken = errors.New("channel broken")

	// ErrIntegrityMismatch means the FIN digest did not match the received bytes
	ErrIntegrityMismatch = errors.New("integrity mismatch")
)

// Phase names the step of a run that failed
type Phase string

const (
	PhaseRegistration Phase = "registration"
	PhaseLookup       Phase = "lookup"
	PhasePunching     Phase = "punching"
	PhaseTransfer     Phase = "transfer"
)

// PhaseError represents an error during one phase of a peer run
type PhaseError struct {
	Phase Phase // Phase that failed
	Err   error // Underlying error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// NewPhaseError creates a new phase error
func NewPhaseError(phase Phase, err error) error {
	return &PhaseError{
		Phase: phase,
		Err:   err,
	}
}

// IsRetryable reports whether the operator may retry the run as-is
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPeerNotFound) || errors.Is(err, ErrPunchTimeout)
}
