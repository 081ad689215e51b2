package holepunch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/saintparish4/burrow/pkg/types"
	"github.com/saintparish4/burrow/pkg/wire"
)

// Config holds configuration for the hole puncher
type Config struct {
	// ProbeInterval is the time between probe rounds
	ProbeInterval time.Duration

	// Timeout bounds one attempt when the session carries no deadline
	Timeout time.Duration

	// LowTTL is the IP TTL of the first probe to each target. It opens the
	// local mapping without reaching the remote NAT, which may otherwise
	// answer an unsolicited packet by blocking the port. Zero disables it.
	LowTTL int

	// NudgeInterval is how often Nudge is called while probing
	NudgeInterval time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		ProbeInterval: 100 * time.Millisecond,
		Timeout:       5 * time.Second,
		LowTTL:        6,
		NudgeInterval: 1 * time.Second,
		Logger:        slog.Default(),
	}
}

// Puncher runs punch sessions over a caller-owned socket. The socket must
// not be read by anyone else while Punch is running.
type Puncher struct {
	conn   net.PacketConn
	cfg    Config
	logger *slog.Logger

	// Nudge, if set, is called every NudgeInterval while probing. The sender
	// uses it to repeat its lookup so a lost notification is resent.
	Nudge func()
}

// NewPuncher creates a puncher over conn
func NewPuncher(conn net.PacketConn, cfg Config) *Puncher {
	def := DefaultConfig()
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.NudgeInterval <= 0 {
		cfg.NudgeInterval = def.NudgeInterval
	}
	return &Puncher{
		conn:   conn,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "holepunch"),
	}
}

type packet struct {
	msg  wire.Message
	from types.Endpoint
}

// Punch probes every candidate of sess until the path is confirmed or the
// session deadline passes. sess must be in AwaitingLookup.
func (p *Puncher) Punch(ctx context.Context, sess *Session) (*Result, error) {
	if err := sess.Advance(Probing); err != nil {
		return nil, err
	}
	if sess.Deadline.IsZero() {
		sess.Deadline = time.Now().Add(p.cfg.Timeout)
	}

	pctx, cancel := context.WithDeadline(ctx, sess.Deadline)
	defer cancel()

	packets := make(chan packet, 32)
	readerDone := make(chan struct{})
	go p.readLoop(pctx, packets, readerDone)
	defer func() {
		// Unblock the reader and hand the socket back clean
		cancel()
		p.conn.SetReadDeadline(time.Now())
		<-readerDone
		p.conn.SetReadDeadline(time.Time{})
	}()

	probe := wire.Encode(&wire.PunchProbe{Nonce: sess.Nonce})
	ack := wire.Encode(&wire.PunchAck{Nonce: sess.Nonce})

	start := time.Now()
	firstSent := make(map[types.Endpoint]time.Time)

	sendProbe := func(to types.Endpoint) {
		if _, ok := firstSent[to]; !ok {
			firstSent[to] = time.Now()
			if p.sendLowTTL(probe, to) {
				return
			}
		}
		if _, err := p.conn.WriteTo(probe, to.UDPAddr()); err != nil {
			p.logger.Debug("probe failed", "to", to, "err", err)
		}
	}
	probeAll := func() {
		for _, c := range sess.Candidates {
			sendProbe(c)
		}
	}

	confirm := func(from types.Endpoint, via string) (*Result, error) {
		if err := sess.Advance(Confirmed); err != nil {
			return nil, err
		}
		sentAt, ok := firstSent[from]
		if !ok {
			sentAt = start
		}
		r := &Result{
			Remote:        from,
			Nonce:         sess.Nonce,
			RTT:           time.Since(sentAt),
			Attempt:       sess.Attempt,
			EstablishedAt: time.Now(),
		}
		p.logger.Info("path confirmed", "remote", sess.Remote, "endpoint", from, "via", via, "rtt", r.RTT, "attempt", sess.Attempt)
		return r, nil
	}

	p.logger.Debug("probing", "remote", sess.Remote, "candidates", sess.Candidates, "attempt", sess.Attempt)
	probeAll()

	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()

	var nudge <-chan time.Time
	if p.Nudge != nil {
		t := time.NewTicker(p.cfg.NudgeInterval)
		defer t.Stop()
		nudge = t.C
	}

	for {
		select {
		case <-pctx.Done():
			sess.Advance(Failed)
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			p.logger.Debug("punch timed out", "remote", sess.Remote, "attempt", sess.Attempt)
			return nil, fmt.Errorf("punch %s attempt %d: %w", sess.Remote, sess.Attempt, types.ErrPunchTimeout)

		case <-ticker.C:
			probeAll()

		case <-nudge:
			p.Nudge()

		case pkt := <-packets:
			switch m := pkt.msg.(type) {
			case *wire.PunchProbe:
				if m.Nonce != sess.Nonce {
					continue
				}
				// Always answer from this socket so the reply follows the
				// mapping the probe came through
				if _, err := p.conn.WriteTo(ack, pkt.from.UDPAddr()); err != nil {
					p.logger.Debug("ack failed", "to", pkt.from, "err", err)
				}
				if _, probed := firstSent[pkt.from]; probed {
					return confirm(pkt.from, "probe")
				}
				// Peer-reflexive: the remote NAT picked a port nobody observed
				if sess.AddCandidate(pkt.from) {
					p.logger.Debug("new candidate from probe", "endpoint", pkt.from)
				}
				sendProbe(pkt.from)

			case *wire.PunchAck:
				if m.Nonce == sess.Nonce {
					return confirm(pkt.from, "ack")
				}
			}
		}
	}
}

// readLoop feeds decoded punch messages to packets until the socket errors
// or ctx ends. Anything else is discarded.
func (p *Puncher) readLoop(ctx context.Context, packets chan<- packet, done chan<- struct{}) {
	defer close(done)

	deadline, _ := ctx.Deadline()
	p.conn.SetReadDeadline(deadline)

	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, addr, err := p.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				p.logger.Debug("read error", "err", err)
			}
			return
		}

		msg, err := wire.Decode(buf[:n])
		if err != nil {
			continue
		}
		switch msg.(type) {
		case *wire.PunchProbe, *wire.PunchAck:
		default:
			continue
		}

		select {
		case packets <- packet{msg: msg, from: types.EndpointFromAddr(addr)}:
		case <-ctx.Done():
			return
		}
	}
}

// sendLowTTL sends frame with a short TTL when the socket allows it.
// Returns false if the caller should send normally instead.
func (p *Puncher) sendLowTTL(frame []byte, to types.Endpoint) bool {
	if p.cfg.LowTTL <= 0 || !to.Addr().Is4() {
		return false
	}
	uc, ok := p.conn.(*net.UDPConn)
	if !ok {
		return false
	}

	pc := ipv4.NewPacketConn(uc)
	orig, err := pc.TTL()
	if err != nil {
		return false
	}
	if err := pc.SetTTL(p.cfg.LowTTL); err != nil {
		return false
	}
	defer pc.SetTTL(orig)

	if _, err := uc.WriteTo(frame, to.UDPAddr()); err != nil {
		p.logger.Debug("low-ttl probe failed", "to", to, "err", err)
	}
	return true
}
