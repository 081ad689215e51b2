package reliable

import (
	"fmt"
	"sync/atomic"
)

// Stats is a snapshot of channel counters
type Stats struct {
	Sent          uint64 `json:"sent"`
	Retransmitted uint64 `json:"retransmitted"`
	Acked         uint64 `json:"acked"`
	Received      uint64 `json:"received"`
	Delivered     uint64 `json:"delivered"`
	Duplicates    uint64 `json:"duplicates"`
	Corrupted     uint64 `json:"corrupted"`
}

func (s Stats) String() string {
	return fmt.Sprintf("sent=%d retx=%d acked=%d recv=%d delivered=%d dup=%d corrupt=%d",
		s.Sent, s.Retransmitted, s.Acked, s.Received, s.Delivered, s.Duplicates, s.Corrupted)
}

// counters are updated from both channel goroutines without the lock
type counters struct {
	sent          atomic.Uint64
	retransmitted atomic.Uint64
	acked         atomic.Uint64
	received      atomic.Uint64
	delivered     atomic.Uint64
	duplicates    atomic.Uint64
	corrupted     atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Sent:          c.sent.Load(),
		Retransmitted: c.retransmitted.Load(),
		Acked:         c.acked.Load(),
		Received:      c.received.Load(),
		Delivered:     c.delivered.Load(),
		Duplicates:    c.duplicates.Load(),
		Corrupted:     c.corrupted.Load(),
	}
}
