// Package reliable delivers an ordered, loss-free byte-message stream over a
// punched UDP path. Every DATA segment is acknowledged individually and
// retransmitted with exponential backoff until acknowledged or until the
// retry budget runs out, at which point the channel is broken for good.
package reliable

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/saintparish4/burrow/pkg/types"
	"github.com/saintparish4/burrow/pkg/wire"
)

// MaxPayloadSize is the largest payload one DATA segment carries
const MaxPayloadSize = 65507 - wire.DataHeaderSize - wire.MagicSize

var (
	// ErrFin is returned by Recv once every segment has been delivered and
	// the peer has sent FIN. The digest is available from FinDigest.
	ErrFin = errors.New("reliable: peer finished")

	// ErrClosed is returned after Close or when the socket goes away
	ErrClosed = errors.New("reliable: channel closed")

	// ErrFinishing is returned by Send once Finish has been called
	ErrFinishing = errors.New("reliable: channel is finishing")

	// ErrPayloadTooLarge is returned for payloads over MaxPayloadSize
	ErrPayloadTooLarge = errors.New("reliable: payload too large")

	// ErrNoFin is returned by AckFin before any FIN arrived
	ErrNoFin = errors.New("reliable: no FIN received")
)

// Config holds channel configuration options
type Config struct {
	// Window is the maximum number of unacknowledged segments
	Window int

	// InitialRTO is the first retransmission timeout of every segment.
	// It doubles on each retransmission up to MaxRTO.
	InitialRTO time.Duration
	MaxRTO     time.Duration

	// MaxRetries is the number of retransmissions of one segment before
	// the channel is declared broken
	MaxRetries int

	// TickInterval is how often timers are checked
	TickInterval time.Duration

	// IdleTimeout breaks the channel when nothing arrives from the remote
	// for this long. Zero disables it.
	IdleTimeout time.Duration

	// Nonce of the punch session; late probes carrying it are answered
	Nonce [wire.NonceSize]byte

	// OnBroken is called once when the channel breaks (optional)
	OnBroken func()

	Logger *slog.Logger
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Window:       64,
		InitialRTO:   250 * time.Millisecond,
		MaxRTO:       4 * time.Second,
		MaxRetries:   10,
		TickInterval: 25 * time.Millisecond,
		IdleTimeout:  60 * time.Second,
		Logger:       slog.Default(),
	}
}

// segment is a frame awaiting acknowledgment
type segment struct {
	frame    []byte
	rto      time.Duration
	deadline time.Time
	retries  int
}

// Channel is one reliable stream to one remote endpoint
type Channel struct {
	conn       net.PacketConn
	remote     types.Endpoint
	remoteAddr *net.UDPAddr
	cfg        Config
	logger     *slog.Logger
	stats      counters

	mu   sync.Mutex
	cond *sync.Cond

	// Send side
	nextSeq     uint32
	outstanding map[uint32]*segment
	finishing   bool
	fin         *segment
	verdict     *bool

	// Receive side
	reorder   *reorderBuffer
	ready     [][]byte
	finDigest *[wire.DigestSize]byte
	finAck    []byte
	lastFin   time.Time
	lastHeard time.Time

	broken     bool
	closed     bool
	brokenOnce sync.Once
	closeOnce  sync.Once

	done chan struct{}
	wg   sync.WaitGroup
}

// New starts a channel to remote over conn. The channel reads conn until
// Close; nobody else may read it in the meantime.
func New(conn net.PacketConn, remote types.Endpoint, cfg Config) *Channel {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.InitialRTO <= 0 {
		cfg.InitialRTO = def.InitialRTO
	}
	if cfg.MaxRTO < cfg.InitialRTO {
		cfg.MaxRTO = cfg.InitialRTO
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	c := &Channel{
		conn:        conn,
		remote:      remote,
		remoteAddr:  remote.UDPAddr(),
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "reliable", "remote", remote),
		outstanding: make(map[uint32]*segment),
		reorder:     newReorderBuffer(),
		lastHeard:   time.Now(),
		done:        make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)

	c.wg.Add(2)
	go c.receiveLoop()
	go c.retransmitLoop()
	return c
}

// Remote returns the peer endpoint
func (c *Channel) Remote() types.Endpoint {
	return c.remote
}

// Stats returns a snapshot of channel counters
func (c *Channel) Stats() Stats {
	return c.stats.snapshot()
}

// Broken reports whether the retry budget or idle timeout was exhausted
func (c *Channel) Broken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

// Send queues payload as the next segment, blocking while the window is full
func (c *Channel) Send(ctx context.Context, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	c.mu.Lock()
	if c.finishing {
		c.mu.Unlock()
		return ErrFinishing
	}
	err := c.waitLocked(ctx, func() bool { return len(c.outstanding) < c.cfg.Window })
	if err == nil {
		err = c.errLocked()
	}
	if err != nil {
		c.mu.Unlock()
		return err
	}

	seq := c.nextSeq
	c.nextSeq++
	frame := wire.Encode(wire.NewData(seq, payload))
	c.outstanding[seq] = &segment{
		frame:    frame,
		rto:      c.cfg.InitialRTO,
		deadline: time.Now().Add(c.cfg.InitialRTO),
	}
	c.mu.Unlock()

	c.stats.sent.Add(1)
	c.write(frame)
	return nil
}

// Recv returns the next payload in sequence order. After the last payload
// it returns ErrFin if the peer has finished.
func (c *Channel) Recv(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.waitLocked(ctx, func() bool { return len(c.ready) > 0 || c.finDigest != nil })
	if err != nil {
		return nil, err
	}

	if len(c.ready) > 0 {
		p := c.ready[0]
		c.ready[0] = nil
		c.ready = c.ready[1:]
		c.stats.delivered.Add(1)
		return p, nil
	}
	return nil, ErrFin
}

// FinDigest returns the digest carried by the peer's FIN
func (c *Channel) FinDigest() ([wire.DigestSize]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finDigest == nil {
		return [wire.DigestSize]byte{}, false
	}
	return *c.finDigest, true
}

// Finish waits until every segment is acknowledged, then sends FIN with
// digest and waits for the receiver's verdict
func (c *Channel) Finish(ctx context.Context, digest [wire.DigestSize]byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finishing {
		return false, ErrFinishing
	}
	c.finishing = true

	err := c.waitLocked(ctx, func() bool { return len(c.outstanding) == 0 })
	if err == nil {
		err = c.errLocked()
	}
	if err != nil {
		return false, err
	}

	frame := wire.Encode(&wire.Fin{Digest: digest})
	c.fin = &segment{
		frame:    frame,
		rto:      c.cfg.InitialRTO,
		deadline: time.Now().Add(c.cfg.InitialRTO),
	}
	c.mu.Unlock()
	c.write(frame)
	c.mu.Lock()

	err = c.waitLocked(ctx, func() bool { return c.verdict != nil })
	if err != nil {
		return false, err
	}
	return *c.verdict, nil
}

// AckFin answers the peer's FIN with the verdict ok. Retransmitted FINs are
// answered with the same verdict until Close.
func (c *Channel) AckFin(ok bool) error {
	c.mu.Lock()
	if c.finDigest == nil {
		c.mu.Unlock()
		return ErrNoFin
	}
	c.finAck = wire.Encode(&wire.FinAck{OK: ok})
	c.lastFin = time.Now()
	frame := c.finAck
	c.mu.Unlock()

	return c.write(frame)
}

// Linger keeps answering retransmitted FINs until none has arrived for quiet
func (c *Channel) Linger(ctx context.Context, quiet time.Duration) error {
	for {
		c.mu.Lock()
		wait := time.Until(c.lastFin.Add(quiet))
		stop := c.broken || c.closed
		c.mu.Unlock()

		if wait <= 0 || stop {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Close stops both goroutines. The socket is left open for its owner.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		c.closed = true
		c.cond.Broadcast()
		c.mu.Unlock()

		c.conn.SetReadDeadline(time.Now())
		c.wg.Wait()
		c.conn.SetReadDeadline(time.Time{})
	})
	return nil
}

// waitLocked blocks on the condition variable until ready returns true, the
// channel fails or ctx ends. c.mu must be held.
func (c *Channel) waitLocked(ctx context.Context, ready func() bool) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	for !ready() {
		if err := c.errLocked(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	return nil
}

func (c *Channel) errLocked() error {
	switch {
	case c.broken:
		return types.ErrChannelBroken
	case c.closed:
		return ErrClosed
	default:
		return nil
	}
}

func (c *Channel) write(frame []byte) error {
	_, err := c.conn.WriteTo(frame, c.remoteAddr)
	if err != nil {
		c.logger.Debug("write failed", "err", err)
	}
	return err
}

func (c *Channel) receiveLoop() {
	defer c.wg.Done()

	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, addr, err := c.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				// Stale deadline left by a previous reader
				c.conn.SetReadDeadline(time.Time{})
				select {
				case <-c.done:
					return
				default:
				}
				continue
			}
			c.logger.Debug("socket gone", "err", err)
			c.mu.Lock()
			c.closed = true
			c.cond.Broadcast()
			c.mu.Unlock()
			return
		}

		if types.EndpointFromAddr(addr) != c.remote {
			continue
		}

		msg, err := wire.Decode(buf[:n])
		if err != nil {
			// Damaged beyond recognition: same as loss
			c.stats.corrupted.Add(1)
			continue
		}
		c.handle(msg)
	}
}

func (c *Channel) handle(msg wire.Message) {
	var reply []byte

	c.mu.Lock()
	c.lastHeard = time.Now()

	switch m := msg.(type) {
	case *wire.Data:
		reply = c.handleDataLocked(m)

	case *wire.Ack:
		if _, ok := c.outstanding[m.Seq]; ok {
			delete(c.outstanding, m.Seq)
			c.stats.acked.Add(1)
			c.cond.Broadcast()
		}

	case *wire.Fin:
		if c.finDigest == nil {
			d := m.Digest
			c.finDigest = &d
			c.cond.Broadcast()
		}
		c.lastFin = time.Now()
		reply = c.finAck

	case *wire.FinAck:
		if c.fin != nil && c.verdict == nil {
			ok := m.OK
			c.verdict = &ok
			c.fin = nil
			c.cond.Broadcast()
		}

	case *wire.PunchProbe:
		// The remote has not confirmed yet: keep answering its probes
		if m.Nonce == c.cfg.Nonce {
			reply = wire.Encode(&wire.PunchAck{Nonce: m.Nonce})
		}
	}
	c.mu.Unlock()

	if reply != nil {
		c.write(reply)
	}
}

// handleDataLocked returns the ACK to send, or nil when the segment is
// treated as lost
func (c *Channel) handleDataLocked(d *wire.Data) []byte {
	c.stats.received.Add(1)

	if !d.Verify() {
		c.stats.corrupted.Add(1)
		return nil
	}

	ack := wire.Encode(&wire.Ack{Seq: d.Seq})

	if c.reorder.Seen(d.Seq) {
		c.stats.duplicates.Add(1)
		return ack
	}

	// Hold nothing the sender's window could not have produced, and stop
	// accepting when the reader falls far behind
	limit := uint64(c.reorder.Expected()) + 2*uint64(c.cfg.Window)
	if uint64(d.Seq) >= limit || len(c.ready) >= 4*c.cfg.Window {
		return nil
	}

	if out := c.reorder.Feed(d); len(out) > 0 {
		c.ready = append(c.ready, out...)
		c.cond.Broadcast()
	}
	return ack
}

func (c *Channel) retransmitLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			if !c.retransmitDue(now) {
				return
			}
		}
	}
}

// retransmitDue resends every expired segment. Returns false once the
// channel can no longer make progress.
func (c *Channel) retransmitDue(now time.Time) bool {
	var frames [][]byte
	exhausted := false

	c.mu.Lock()
	if c.broken || c.closed {
		c.mu.Unlock()
		return false
	}

	check := func(seg *segment) {
		if now.Before(seg.deadline) {
			return
		}
		if seg.retries >= c.cfg.MaxRetries {
			exhausted = true
			return
		}
		seg.retries++
		seg.rto *= 2
		if seg.rto > c.cfg.MaxRTO {
			seg.rto = c.cfg.MaxRTO
		}
		seg.deadline = now.Add(seg.rto)
		frames = append(frames, seg.frame)
	}

	for _, seg := range c.outstanding {
		check(seg)
	}
	if c.fin != nil {
		check(c.fin)
	}

	idle := c.cfg.IdleTimeout > 0 && now.Sub(c.lastHeard) > c.cfg.IdleTimeout
	if exhausted || idle {
		c.broken = true
		c.cond.Broadcast()
	}
	c.mu.Unlock()

	if exhausted || idle {
		c.brokenOnce.Do(func() {
			c.logger.Warn("channel broken", "retries_exhausted", exhausted, "idle", idle, "stats", c.Stats().String())
			if c.cfg.OnBroken != nil {
				c.cfg.OnBroken()
			}
		})
		return false
	}

	for _, f := range frames {
		c.stats.retransmitted.Add(1)
		c.write(f)
	}
	return true
}
