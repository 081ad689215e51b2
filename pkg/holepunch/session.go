// Package holepunch opens a direct UDP path between two peers by having both
// send probes toward each other's observed endpoints at the same time.
package holepunch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saintparish4/burrow/pkg/nat"
	"github.com/saintparish4/burrow/pkg/types"
	"github.com/saintparish4/burrow/pkg/wire"
)

// State is the lifecycle stage of one punch attempt
type State int

const (
	Idle State = iota
	Registering
	AwaitingLookup
	Probing
	Confirmed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Registering:
		return "Registering"
	case AwaitingLookup:
		return "AwaitingLookup"
	case Probing:
		return "Probing"
	case Confirmed:
		return "Confirmed"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == Confirmed || s == Failed
}

// ErrInvalidTransition is returned when a session is asked to skip a stage,
// go backwards or leave a terminal state
var ErrInvalidTransition = errors.New("holepunch: invalid state transition")

// nonceNamespace scopes the name-based UUIDs used as punch nonces
var nonceNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/saintparish4/burrow/punch"))

// Session is a single punch attempt toward one remote peer.
// A new attempt always gets a new Session.
type Session struct {
	Local  types.PeerID
	Remote types.PeerID

	// Candidates are the remote endpoints to probe
	Candidates []types.Endpoint

	LocalClass  nat.Class
	RemoteClass nat.Class

	// Attempt numbers sessions toward the same remote, starting at 1
	Attempt int

	// Deadline bounds the Probing stage. Zero means the puncher's timeout.
	Deadline time.Time

	Nonce [wire.NonceSize]byte

	mu    sync.Mutex
	state State
}

// NewSession creates an Idle session between local and remote
func NewSession(local, remote types.PeerID, attempt int) *Session {
	return &Session{
		Local:   local,
		Remote:  remote,
		Attempt: attempt,
		Nonce:   Nonce(local, remote),
		state:   Idle,
	}
}

// Nonce derives the probe nonce for a pair of identities. Both sides compute
// the same value without the server's help.
func Nonce(a, b types.PeerID) [wire.NonceSize]byte {
	if b < a {
		a, b = b, a
	}
	name := make([]byte, 0, len(a)+len(b)+1)
	name = append(name, a...)
	name = append(name, 0)
	name = append(name, b...)
	return uuid.NewSHA1(nonceNamespace, name)
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Advance moves the session to next. Only the following step is allowed,
// plus Failed from any non-terminal state.
func (s *Session) Advance(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state
	switch {
	case cur.Terminal():
	case next == Failed:
		s.state = next
		return nil
	case next == cur+1:
		s.state = next
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
}

// AddCandidate appends ep unless it is missing or already present.
// Returns true if it was added.
func (s *Session) AddCandidate(ep types.Endpoint) bool {
	if !ep.IsValid() {
		return false
	}
	for _, c := range s.Candidates {
		if c == ep {
			return false
		}
	}
	s.Candidates = append(s.Candidates, ep)
	return true
}

func (s *Session) String() string {
	return fmt.Sprintf("%s -> %s (attempt %d, %s)", s.Local, s.Remote, s.Attempt, s.State())
}

// Result describes a confirmed direct path
type Result struct {
	// Remote is the endpoint the remote peer's traffic arrives from
	Remote types.Endpoint

	Nonce [wire.NonceSize]byte

	// RTT is measured from the first probe to the confirming datagram
	RTT time.Duration

	Attempt       int
	EstablishedAt time.Time
}

func (r *Result) String() string {
	return fmt.Sprintf("%s (RTT: %v, attempt %d)", r.Remote, r.RTT, r.Attempt)
}
