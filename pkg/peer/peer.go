// Package peer runs one end of a transfer: registration, lookup, punching
// and the file transfer itself, over a single UDP socket.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/saintparish4/burrow/pkg/discovery"
	"github.com/saintparish4/burrow/pkg/holepunch"
	"github.com/saintparish4/burrow/pkg/nat"
	"github.com/saintparish4/burrow/pkg/reliable"
	"github.com/saintparish4/burrow/pkg/transfer"
	"github.com/saintparish4/burrow/pkg/types"
	"github.com/saintparish4/burrow/pkg/wire"
)

// Outcome is what the operator is told at the end of a run
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomePunchFailed
	OutcomeTransferFailed
	OutcomeNotFound
	// OutcomeUnreachable means the rendezvous server never answered
	OutcomeUnreachable
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePunchFailed:
		return "punch failed"
	case OutcomeTransferFailed:
		return "transfer failed"
	case OutcomeNotFound:
		return "not found"
	case OutcomeUnreachable:
		return "server unreachable"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Rendezvous is the server conversation a run needs. *discovery.Client
// implements it.
type Rendezvous interface {
	Register(ctx context.Context, id types.PeerID) (discovery.Registration, error)
	Lookup(ctx context.Context, target, requester types.PeerID) (*wire.LookupResponse, error)
	Nudge(target, requester types.PeerID) error
	AwaitNotify(ctx context.Context, id types.PeerID) (*wire.PeerNotify, error)
}

// Channel is a reliable stream the transfer runs over
type Channel interface {
	transfer.Channel
	Close() error
}

// Dialer builds the channel once a path is confirmed
type Dialer interface {
	Dial(conn net.PacketConn, remote types.Endpoint, cfg reliable.Config) Channel
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(conn net.PacketConn, remote types.Endpoint, cfg reliable.Config) Channel

func (f DialerFunc) Dial(conn net.PacketConn, remote types.Endpoint, cfg reliable.Config) Channel {
	return f(conn, remote, cfg)
}

// ReliableDialer builds a *reliable.Channel
var ReliableDialer = DialerFunc(func(conn net.PacketConn, remote types.Endpoint, cfg reliable.Config) Channel {
	return reliable.New(conn, remote, cfg)
})

// Report describes a finished run. It is returned even when the run fails.
type Report struct {
	Outcome  Outcome
	Remote   types.PeerID
	Strategy nat.Strategy
	Attempts int
	Punch    *holepunch.Result
	Transfer *transfer.Stats
}

// Run executes one send or receive. Errors are *types.PhaseError naming the
// phase that failed. The report is nil only when cfg is invalid.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	conn, release, err := listen(cfg)
	if err != nil {
		return &Report{Outcome: OutcomeUnreachable}, err
	}
	defer release()

	return newRun(cfg, conn, rendezvousFor(cfg, conn)).execute(ctx)
}

func (c Config) withDefaults() (Config, error) {
	if err := c.Validate(); err != nil {
		return c, err
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Dialer == nil {
		c.Dialer = ReliableDialer
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = DefaultConfig().NotifyTimeout
	}
	return c, nil
}

// listen returns cfg.Conn, or a fresh socket and the func that closes it
func listen(cfg Config) (net.PacketConn, func(), error) {
	if cfg.Conn != nil {
		return cfg.Conn, func() {}, nil
	}
	addr := cfg.ListenAddr
	if addr == "" {
		addr = ":0"
	}
	c, err := net.ListenPacket("udp", addr)
	if err != nil {
		err = fmt.Errorf("listen %s: %w: %v", addr, types.ErrNetworkUnavailable, err)
		return nil, nil, types.NewPhaseError(types.PhaseRegistration, err)
	}
	// Closing releases the socket without any goodbye to the peer
	return c, func() { c.Close() }, nil
}

func rendezvousFor(cfg Config, conn net.PacketConn) Rendezvous {
	if cfg.Rendezvous != nil {
		return cfg.Rendezvous
	}
	return discovery.NewClient(conn, cfg.ServerPrimary, cfg.ServerSecondary, cfg.Discovery)
}

func newRun(cfg Config, conn net.PacketConn, rv Rendezvous) *run {
	return &run{
		cfg:    cfg,
		conn:   conn,
		rv:     rv,
		logger: cfg.Logger.With("component", "peer", "id", cfg.LocalID, "mode", cfg.Mode.Kind),
		report: &Report{},
	}
}

func (r *run) execute(ctx context.Context) (*Report, error) {
	var err error
	if r.cfg.Mode.Kind == ModeSend {
		err = r.send(ctx)
	} else {
		err = r.receive(ctx)
	}

	if err != nil && ctx.Err() != nil {
		r.report.Outcome = OutcomeCanceled
	}
	if err != nil {
		r.logger.Error("run failed", "outcome", r.report.Outcome, "error", err)
	} else {
		r.logger.Info("run complete", "remote", r.report.Remote, "attempts", r.report.Attempts)
	}
	return r.report, err
}

type run struct {
	cfg    Config
	conn   net.PacketConn
	rv     Rendezvous
	logger *slog.Logger
	report *Report

	// skip drops notifications the receiver must not act on (optional)
	skip func(*wire.PeerNotify) bool

	// notify is the notification the receive side acted on first
	notify *wire.PeerNotify
}

func (r *run) phase(p types.Phase) {
	r.logger.Debug("phase", "phase", p)
	if r.cfg.OnPhase != nil {
		r.cfg.OnPhase(p)
	}
}

func (r *run) fail(outcome Outcome, phase types.Phase, err error) error {
	r.report.Outcome = outcome
	return types.NewPhaseError(phase, err)
}

func (r *run) register(ctx context.Context, sess *holepunch.Session) (discovery.Registration, error) {
	r.phase(types.PhaseRegistration)
	if err := sess.Advance(holepunch.Registering); err != nil {
		return discovery.Registration{}, err
	}
	reg, err := r.rv.Register(ctx, r.cfg.LocalID)
	if err != nil {
		return reg, r.fail(OutcomeUnreachable, types.PhaseRegistration, err)
	}
	return reg, nil
}

// candidates lists the endpoints to probe, primary first
func candidates(primary, secondary types.Endpoint, s nat.Strategy) []types.Endpoint {
	var out []types.Endpoint
	if primary.IsValid() {
		out = append(out, primary)
	}
	if secondary.IsValid() && secondary != primary && (s.ProbeAll || len(out) == 0) {
		out = append(out, secondary)
	}
	return out
}

func (r *run) plan(self, remote [2]types.Endpoint) nat.Strategy {
	local := nat.Classify(self[0], self[1])
	peer := nat.Classify(remote[0], remote[1])
	s := r.cfg.Strategy.Plan(local, peer)
	r.report.Strategy = s

	if s.LowProbability() {
		r.logger.Warn("both sides change ports per destination, punching is unlikely to succeed", "strategy", s)
	} else {
		r.logger.Info("punching strategy", "strategy", s)
	}
	return s
}

// punch runs one attempt over the shared socket
func (r *run) punch(ctx context.Context, sess *holepunch.Session, nudge func()) (*holepunch.Result, error) {
	r.phase(types.PhasePunching)
	r.report.Attempts = sess.Attempt

	puncher := holepunch.NewPuncher(r.conn, r.cfg.Punch)
	puncher.Nudge = nudge

	res, err := puncher.Punch(ctx, sess)
	if err != nil {
		r.logger.Warn("punch attempt failed", "attempt", sess.Attempt, "error", err)
		return nil, err
	}
	r.report.Punch = res
	return res, nil
}

func (r *run) dial(sess *holepunch.Session, res *holepunch.Result) Channel {
	ccfg := r.cfg.Channel
	ccfg.Nonce = sess.Nonce
	if ccfg.Logger == nil {
		ccfg.Logger = r.cfg.Logger
	}
	return r.cfg.Dialer.Dial(r.conn, res.Remote, ccfg)
}

func (r *run) transferOptions() transfer.Options {
	opts := r.cfg.Transfer
	if opts.Logger == nil {
		opts.Logger = r.cfg.Logger
	}
	return opts
}

func (r *run) send(ctx context.Context) error {
	remote := r.cfg.Mode.Remote
	r.report.Remote = remote

	var (
		res      *holepunch.Result
		sess     *holepunch.Session
		strategy nat.Strategy
		lastErr  error
	)

	for attempt := 1; attempt <= max(strategy.Attempts, 1); attempt++ {
		sess = holepunch.NewSession(r.cfg.LocalID, remote, attempt)

		// Every attempt re-registers so a port-variable NAT gets a fresh
		// mapping, and re-looks-up so the receiver is notified again
		if _, err := r.register(ctx, sess); err != nil {
			return err
		}

		r.phase(types.PhaseLookup)
		resp, err := r.rv.Lookup(ctx, remote, r.cfg.LocalID)
		if errors.Is(err, types.ErrPeerNotFound) {
			return r.fail(OutcomeNotFound, types.PhaseLookup, err)
		}
		if err != nil {
			return r.fail(OutcomeUnreachable, types.PhaseLookup, err)
		}

		if attempt == 1 {
			strategy = r.plan(
				[2]types.Endpoint{resp.SelfPrimary, resp.SelfSecondary},
				[2]types.Endpoint{resp.TargetPrimary, resp.TargetSecondary},
			)
		}

		sess.Candidates = candidates(resp.TargetPrimary, resp.TargetSecondary, strategy)
		sess.LocalClass, sess.RemoteClass = strategy.Local, strategy.Remote
		if err := sess.Advance(holepunch.AwaitingLookup); err != nil {
			return r.fail(OutcomePunchFailed, types.PhasePunching, err)
		}

		res, err = r.punch(ctx, sess, func() { r.rv.Nudge(remote, r.cfg.LocalID) })
		if err == nil {
			break
		}
		if !errors.Is(err, types.ErrPunchTimeout) {
			return r.fail(OutcomePunchFailed, types.PhasePunching, err)
		}
		lastErr = err
	}

	if res == nil {
		return r.fail(OutcomePunchFailed, types.PhasePunching, lastErr)
	}

	r.phase(types.PhaseTransfer)
	ch := r.dial(sess, res)
	defer ch.Close()

	stats, err := transfer.NewSender(ch, r.cfg.Mode.Path, r.transferOptions()).Send(ctx)
	if err != nil {
		return r.fail(OutcomeTransferFailed, types.PhaseTransfer, err)
	}
	r.report.Transfer = stats
	r.report.Outcome = OutcomeSuccess
	return nil
}

func (r *run) receive(ctx context.Context) error {
	var (
		res      *holepunch.Result
		sess     *holepunch.Session
		strategy nat.Strategy
		lastErr  error
	)

	for attempt := 1; attempt <= max(strategy.Attempts, 1); attempt++ {
		sess = holepunch.NewSession(r.cfg.LocalID, "", attempt)
		if _, err := r.register(ctx, sess); err != nil {
			return err
		}

		r.phase(types.PhaseLookup)
		wait := ctx
		if attempt > 1 {
			var cancel context.CancelFunc
			wait, cancel = context.WithTimeout(ctx, r.cfg.NotifyTimeout)
			defer cancel()
		}
		notify, err := r.awaitNotify(wait, attempt)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) && lastErr != nil {
				// The sender gave up after the previous attempt
				break
			}
			return r.fail(OutcomeUnreachable, types.PhaseLookup, err)
		}

		r.report.Remote = notify.Requester
		if attempt == 1 {
			r.notify = notify
			strategy = r.plan(
				[2]types.Endpoint{notify.SelfPrimary, notify.SelfSecondary},
				[2]types.Endpoint{notify.RequesterPrimary, notify.RequesterSecondary},
			)
		}

		// The remote is only known now, which fixes the nonce
		sess.Remote = notify.Requester
		sess.Nonce = holepunch.Nonce(r.cfg.LocalID, notify.Requester)
		sess.Candidates = candidates(notify.RequesterPrimary, notify.RequesterSecondary, strategy)
		sess.LocalClass, sess.RemoteClass = strategy.Local, strategy.Remote
		if err := sess.Advance(holepunch.AwaitingLookup); err != nil {
			return r.fail(OutcomePunchFailed, types.PhasePunching, err)
		}

		res, err = r.punch(ctx, sess, nil)
		if err == nil {
			break
		}
		if !errors.Is(err, types.ErrPunchTimeout) {
			return r.fail(OutcomePunchFailed, types.PhasePunching, err)
		}
		lastErr = err
	}

	if res == nil {
		return r.fail(OutcomePunchFailed, types.PhasePunching, lastErr)
	}

	r.phase(types.PhaseTransfer)
	ch := r.dial(sess, res)
	defer ch.Close()

	stats, err := transfer.NewReceiver(ch, r.cfg.Mode.Dir, r.transferOptions()).Receive(ctx)
	if err != nil {
		return r.fail(OutcomeTransferFailed, types.PhaseTransfer, err)
	}
	r.report.Transfer = stats
	r.report.Outcome = OutcomeSuccess
	return nil
}

// awaitNotify returns the next notification worth acting on. Retries only
// follow the requester of the first attempt.
func (r *run) awaitNotify(ctx context.Context, attempt int) (*wire.PeerNotify, error) {
	for {
		n, err := r.rv.AwaitNotify(ctx, r.cfg.LocalID)
		if err != nil {
			return nil, err
		}
		if attempt > 1 && n.Requester != r.report.Remote {
			r.logger.Debug("ignoring notification from another peer", "requester", n.Requester, "serving", r.report.Remote)
			continue
		}
		if attempt == 1 && r.skip != nil && r.skip(n) {
			r.logger.Debug("ignoring repeated notification", "requester", n.Requester, "primary", n.RequesterPrimary)
			continue
		}
		return n, nil
	}
}
