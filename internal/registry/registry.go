// Package registry stores the public endpoints the rendezvous listeners
// observed for each peer identity.
package registry

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/saintparish4/burrow/pkg/types"
)

// ListenerTag identifies which rendezvous listener observed an endpoint
type ListenerTag int

const (
	Primary ListenerTag = iota
	Secondary
)

func (t ListenerTag) String() string {
	switch t {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	default:
		return fmt.Sprintf("ListenerTag(%d)", int(t))
	}
}

// Entry is the registry's view of one peer
type Entry struct {
	ID        types.PeerID
	Primary   types.Endpoint
	Secondary types.Endpoint
	LastSeen  time.Time
}

// Complete reports whether both listeners have observed the peer
func (e Entry) Complete() bool {
	return e.Primary.IsValid() && e.Secondary.IsValid()
}

// Registry maps peer identities to observed endpoints.
// Entries are overwritten on every registration and never evicted.
type Registry struct {
	entries map[types.PeerID]*Entry
	mu      sync.RWMutex

	// OnRegister is called after every registration, outside the lock (optional)
	OnRegister func(entry Entry, tag ListenerTag)

	now func() time.Time
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		entries: make(map[types.PeerID]*Entry),
		now:     time.Now,
	}
}

// Register records the endpoint observed by the listener tagged tag and
// returns a copy of the updated entry. When the observation replaces a
// different endpoint the peer has moved, so the other listener's endpoint is
// cleared until that listener observes the new mapping too. An entry is
// therefore only Complete when both endpoints belong to the same mapping.
func (r *Registry) Register(id types.PeerID, tag ListenerTag, observed types.Endpoint) Entry {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		e = &Entry{ID: id}
		r.entries[id] = e
	}
	switch tag {
	case Primary:
		if e.Primary.IsValid() && e.Primary != observed {
			e.Secondary = types.Endpoint{}
		}
		e.Primary = observed
	case Secondary:
		if e.Secondary.IsValid() && e.Secondary != observed {
			e.Primary = types.Endpoint{}
		}
		e.Secondary = observed
	}
	e.LastSeen = r.now()
	snapshot := *e
	r.mu.Unlock()

	if r.OnRegister != nil {
		r.OnRegister(snapshot, tag)
	}
	return snapshot
}

// Lookup returns a copy of the entry for id
func (r *Registry) Lookup(id types.PeerID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Count returns the number of known identities
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// IDs returns a snapshot of every known identity
func (r *Registry) IDs() []types.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Keys(r.entries)
}

// All returns a snapshot of every entry.
// The returned slice is safe to iterate without holding locks.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// Stats returns registry statistics. Entries not refreshed within staleAfter
// are counted as stale; a zero staleAfter disables the check.
func (r *Registry) Stats(staleAfter time.Duration) Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.entries)}
	cutoff := r.now().Add(-staleAfter)
	for _, e := range r.entries {
		if e.Complete() {
			stats.Complete++
		}
		if staleAfter > 0 && e.LastSeen.Before(cutoff) {
			stats.Stale++
		}
	}
	return stats
}

// Stats contains registry statistics
type Stats struct {
	Total    int `json:"total"`
	Complete int `json:"complete"`
	Stale    int `json:"stale"`
}

func (s Stats) String() string {
	return fmt.Sprintf("Total=%d, Complete=%d, Stale=%d", s.Total, s.Complete, s.Stale)
}
