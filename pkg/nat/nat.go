// Package nat infers NAT port-allocation behavior from the endpoints two
// independent rendezvous listeners observed for the same socket, and picks a
// punching strategy for a pair of peers.
package nat

import (
	"fmt"

	"github.com/saintparish4/burrow/pkg/types"
)

// Class represents the NAT behavior inferred for a peer
type Class int

const (
	// Unknown indicates at least one observation is missing
	Unknown Class = iota

	// PortConsistent indicates the same external port for every destination
	// (cone-like mapping)
	PortConsistent

	// PortVariable indicates a different external port per destination
	// (symmetric-like mapping)
	PortVariable
)

// String returns a human-readable name for the NAT class
func (c Class) String() string {
	switch c {
	case Unknown:
		return "Unknown"
	case PortConsistent:
		return "PortConsistent"
	case PortVariable:
		return "PortVariable"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// Difficulty returns a difficulty score (0-10) for punching through this class
func (c Class) Difficulty() int {
	switch c {
	case PortConsistent:
		return 2
	case PortVariable:
		return 9
	default:
		return 5
	}
}

// Classify compares the endpoints observed by the primary and secondary
// listeners. It never guesses: a missing observation yields Unknown.
func Classify(primary, secondary types.Endpoint) Class {
	if !primary.IsValid() || !secondary.IsValid() {
		return Unknown
	}
	if primary.Port() == secondary.Port() {
		return PortConsistent
	}
	return PortVariable
}
