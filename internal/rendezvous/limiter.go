package rendezvous

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sourceLimiter keeps one token bucket per source address so a single host
// cannot turn the server into a reflector
type sourceLimiter struct {
	mu         sync.Mutex
	limit      rate.Limit
	burst      int
	maxSources int
	sources    map[netip.Addr]*sourceState
}

type sourceState struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newSourceLimiter(limit rate.Limit, burst, maxSources int) *sourceLimiter {
	if burst < 1 {
		burst = 1
	}
	return &sourceLimiter{
		limit:      limit,
		burst:      burst,
		maxSources: maxSources,
		sources:    make(map[netip.Addr]*sourceState),
	}
}

// Allow reports whether a datagram from addr may be processed.
// A non-positive limit disables limiting.
func (l *sourceLimiter) Allow(addr netip.Addr) bool {
	if l.limit <= 0 {
		return true
	}

	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.sources[addr]
	if !ok {
		if l.maxSources > 0 && len(l.sources) >= l.maxSources {
			// Table full: start over rather than grow without bound
			clear(l.sources)
		}
		st = &sourceState{lim: rate.NewLimiter(l.limit, l.burst)}
		l.sources[addr] = st
	}
	st.lastSeen = now
	return st.lim.AllowN(now, 1)
}

// Prune forgets sources idle for longer than idle. Returns the number removed.
func (l *sourceLimiter) Prune(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for addr, st := range l.sources {
		if st.lastSeen.Before(cutoff) {
			delete(l.sources, addr)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked sources
func (l *sourceLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sources)
}
