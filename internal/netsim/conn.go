// Package netsim wraps a net.PacketConn with seeded packet loss,
// duplication, corruption and delay so reliability code can be exercised
// over loopback sockets.
package netsim

import (
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Config describes the impairments applied to outgoing datagrams.
// Probabilities are in [0, 1].
type Config struct {
	Loss      float64
	Duplicate float64
	Corrupt   float64

	// Delay is added to every datagram; Jitter adds up to that much more,
	// which reorders datagrams sent close together
	Delay  time.Duration
	Jitter time.Duration

	Seed uint64
}

// Stats counts what the wrapper did
type Stats struct {
	Written    uint64
	Dropped    uint64
	Duplicated uint64
	Corrupted  uint64
}

// Conn is an impaired net.PacketConn. Reads pass through unchanged.
type Conn struct {
	net.PacketConn
	cfg Config

	mu     sync.Mutex
	rng    *rand.Rand
	filter func(frame []byte) bool

	written    atomic.Uint64
	dropped    atomic.Uint64
	duplicated atomic.Uint64
	corrupted  atomic.Uint64
}

// Wrap impairs writes on pc according to cfg
func Wrap(pc net.PacketConn, cfg Config) *Conn {
	return &Conn{
		PacketConn: pc,
		cfg:        cfg,
		rng:        rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9E3779B97F4A7C15)),
	}
}

// DropIf installs a filter; frames for which fn returns true are discarded
// before any random impairment. Pass nil to remove it.
func (c *Conn) DropIf(fn func(frame []byte) bool) {
	c.mu.Lock()
	c.filter = fn
	c.mu.Unlock()
}

// Blackhole drops every outgoing datagram
func (c *Conn) Blackhole() {
	c.DropIf(func([]byte) bool { return true })
}

// Stats returns a snapshot of the counters
func (c *Conn) Stats() Stats {
	return Stats{
		Written:    c.written.Load(),
		Dropped:    c.dropped.Load(),
		Duplicated: c.duplicated.Load(),
		Corrupted:  c.corrupted.Load(),
	}
}

// WriteTo applies the configured impairments. Dropped datagrams still
// report success, as a real network would.
func (c *Conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	filtered := c.filter != nil && c.filter(b)
	drop := filtered || c.roll(c.cfg.Loss)
	dup := !drop && c.roll(c.cfg.Duplicate)
	corrupt := !drop && len(b) > 0 && c.roll(c.cfg.Corrupt)
	var flip int
	if corrupt {
		flip = c.rng.IntN(len(b))
	}
	delay := c.cfg.Delay
	if c.cfg.Jitter > 0 {
		delay += time.Duration(c.rng.Int64N(int64(c.cfg.Jitter)))
	}
	c.mu.Unlock()

	if drop {
		c.dropped.Add(1)
		return len(b), nil
	}

	frame := b
	if corrupt || delay > 0 {
		frame = append([]byte(nil), b...)
	}
	if corrupt {
		frame[flip] ^= 0x5A
		c.corrupted.Add(1)
	}

	copies := 1
	if dup {
		copies = 2
		c.duplicated.Add(1)
	}

	c.written.Add(1)
	if delay <= 0 {
		for i := 0; i < copies; i++ {
			if _, err := c.PacketConn.WriteTo(frame, addr); err != nil {
				return 0, err
			}
		}
		return len(b), nil
	}

	time.AfterFunc(delay, func() {
		for i := 0; i < copies; i++ {
			c.PacketConn.WriteTo(frame, addr)
		}
	})
	return len(b), nil
}

func (c *Conn) roll(p float64) bool {
	return p > 0 && c.rng.Float64() < p
}
