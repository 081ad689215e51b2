// Package rendezvous implements the public server that records the endpoint
// each peer's datagrams arrive from on two independent listeners and answers
// lookups. It never relays payload.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go4.org/netipx"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/saintparish4/burrow/internal/registry"
	"github.com/saintparish4/burrow/pkg/types"
	"github.com/saintparish4/burrow/pkg/wire"
)

// Config holds server configuration options.
type Config struct {
	// PrimaryAddr and SecondaryAddr are the two UDP listen addresses.
	// They must differ in port so a peer's NAT sees two destinations.
	PrimaryAddr   string
	SecondaryAddr string

	// RateLimit is the sustained datagrams per second accepted from one
	// source address; RateBurst is the bucket size. Zero disables limiting.
	RateLimit rate.Limit
	RateBurst int

	// MaxSources bounds the number of per-source limiters kept in memory
	MaxSources int

	// Deny lists source prefixes whose datagrams are dropped unread
	Deny []netip.Prefix

	CleanupInterval time.Duration
	StaleTimeout    time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		PrimaryAddr:     ":3478",
		SecondaryAddr:   ":3479",
		RateLimit:       50,
		RateBurst:       100,
		MaxSources:      65536,
		CleanupInterval: 1 * time.Minute,
		StaleTimeout:    5 * time.Minute,
		Logger:          slog.Default(),
	}
}

// Stats is a snapshot of server counters
type Stats struct {
	Received  uint64         `json:"received"`
	Dropped   uint64         `json:"dropped"`
	Registers uint64         `json:"registers"`
	Lookups   uint64         `json:"lookups"`
	Notifies  uint64         `json:"notifies"`
	Queries   uint64         `json:"queries"`
	Sources   int            `json:"sources"`
	Registry  registry.Stats `json:"registry"`
}

// Server answers REGISTER, LOOKUP and QUERY on two UDP listeners
type Server struct {
	cfg      Config
	registry *registry.Registry
	logger   *slog.Logger
	deny     *netipx.IPSet
	limiter  *sourceLimiter

	primary   *net.UDPConn
	secondary *net.UDPConn

	readyCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	received  atomic.Uint64
	dropped   atomic.Uint64
	registers atomic.Uint64
	lookups   atomic.Uint64
	notifies  atomic.Uint64
	queries   atomic.Uint64

	// OnLookup is called after every answered lookup (optional)
	OnLookup func(target, requester types.PeerID, found bool)
}

// NewServer creates a server backed by reg
func NewServer(cfg Config, reg *registry.Registry) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}

	s := &Server{
		cfg:      cfg,
		registry: reg,
		logger:   cfg.Logger.With("component", "rendezvous"),
		limiter:  newSourceLimiter(cfg.RateLimit, cfg.RateBurst, cfg.MaxSources),
		readyCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	if len(cfg.Deny) > 0 {
		var b netipx.IPSetBuilder
		for _, p := range cfg.Deny {
			b.AddPrefix(p)
		}
		set, err := b.IPSet()
		if err != nil {
			return nil, fmt.Errorf("build deny list: %w", err)
		}
		s.deny = set
	}

	return s, nil
}

// Registry returns the registry the server records into
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Listen binds both UDP listeners
func (s *Server) Listen() error {
	primary, err := listenUDP(s.cfg.PrimaryAddr)
	if err != nil {
		return fmt.Errorf("listen primary: %w", err)
	}
	secondary, err := listenUDP(s.cfg.SecondaryAddr)
	if err != nil {
		primary.Close()
		return fmt.Errorf("listen secondary: %w", err)
	}

	s.primary = primary
	s.secondary = secondary
	close(s.readyCh)

	p, sec := s.Addrs()
	s.logger.Info("rendezvous listening", "primary", p, "secondary", sec)
	return nil
}

func listenUDP(addr string) (*net.UDPConn, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	return net.ListenUDP("udp", ua)
}

// Serve runs both receive loops until ctx is cancelled or Close is called
func (s *Server) Serve(ctx context.Context) error {
	select {
	case <-s.readyCh:
	default:
		return errors.New("rendezvous: Serve called before Listen")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.serveListener(s.primary, registry.Primary) })
	g.Go(func() error { return s.serveListener(s.secondary, registry.Secondary) })
	g.Go(func() error {
		s.cleanupLoop(gctx)
		return nil
	})
	g.Go(func() error {
		// Closing the sockets unblocks both readers
		select {
		case <-gctx.Done():
		case <-s.done:
		}
		return s.Close()
	})

	return g.Wait()
}

// ListenAndServe binds both listeners and serves until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Ready returns a channel that is closed when both listeners are bound
func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

// Addrs returns the bound listener endpoints. Only valid after Ready() fires.
func (s *Server) Addrs() (primary, secondary types.Endpoint) {
	return localEndpoint(s.primary), localEndpoint(s.secondary)
}

func localEndpoint(conn *net.UDPConn) types.Endpoint {
	if conn == nil {
		return types.Endpoint{}
	}
	ua, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return types.Endpoint{}
	}
	ap, ok := netipx.FromStdAddr(ua.IP, ua.Port, ua.Zone)
	if !ok {
		return types.Endpoint{}
	}
	return types.NewEndpoint(ap.Addr(), ap.Port())
}

// Close stops both listeners. Safe to call more than once.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.primary != nil {
			err = errors.Join(err, s.primary.Close())
		}
		if s.secondary != nil {
			err = errors.Join(err, s.secondary.Close())
		}
	})
	return err
}

// Stats returns a snapshot of server counters
func (s *Server) Stats() Stats {
	return Stats{
		Received:  s.received.Load(),
		Dropped:   s.dropped.Load(),
		Registers: s.registers.Load(),
		Lookups:   s.lookups.Load(),
		Notifies:  s.notifies.Load(),
		Queries:   s.queries.Load(),
		Sources:   s.limiter.Len(),
		Registry:  s.registry.Stats(s.cfg.StaleTimeout),
	}
}

func (s *Server) serveListener(conn *net.UDPConn, tag registry.ListenerTag) error {
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, src, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Debug("read error", "listener", tag, "err", err)
			continue
		}
		s.handlePacket(conn, tag, buf[:n], src)
	}
}

// cleanupLoop periodically forgets idle rate-limit state and logs registry stats
func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			pruned := s.limiter.Prune(s.cfg.CleanupInterval)
			s.logger.Debug("cleanup", "pruned_sources", pruned, "registry", s.registry.Stats(s.cfg.StaleTimeout).String())
		}
	}
}
