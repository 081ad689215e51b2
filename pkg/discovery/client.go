// Package discovery is the peer side of the rendezvous protocol: it registers
// a socket with both listeners, looks up other peers and waits to be told who
// is about to punch toward it. All traffic leaves from the caller's socket so
// the observed endpoints are the ones later used for punching.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/saintparish4/burrow/pkg/types"
	"github.com/saintparish4/burrow/pkg/wire"
)

// Config holds client configuration options
type Config struct {
	// Retries is how many times a request is re-sent before the server is
	// considered unreachable
	Retries int

	// RetryInterval is how long to wait for a reply before re-sending
	RetryInterval time.Duration

	// RefreshInterval is how often a waiting peer re-registers to keep its
	// NAT mapping and registry entry alive
	RefreshInterval time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Retries:         3,
		RetryInterval:   150 * time.Millisecond,
		RefreshInterval: 30 * time.Second,
		Logger:          slog.Default(),
	}
}

// Registration holds the endpoints each listener acknowledged
type Registration struct {
	Primary   types.Endpoint
	Secondary types.Endpoint
}

// Client talks to one rendezvous server over a caller-owned socket.
// It reads from the socket only while one of its methods is running.
type Client struct {
	conn      net.PacketConn
	primary   types.Endpoint
	secondary types.Endpoint
	cfg       Config
	logger    *slog.Logger
}

// NewClient creates a client for the server listening on primary and secondary
func NewClient(conn net.PacketConn, primary, secondary types.Endpoint, cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultConfig().RetryInterval
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultConfig().RefreshInterval
	}
	return &Client{
		conn:      conn,
		primary:   primary,
		secondary: secondary,
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "discovery"),
	}
}

// Register announces id on both listeners and returns what each observed.
// A listener that never answers leaves its endpoint missing; the call fails
// with types.ErrNetworkUnavailable only if neither answers.
func (c *Client) Register(ctx context.Context, id types.PeerID) (Registration, error) {
	reg, err := c.observe(ctx, wire.Encode(&wire.Register{ID: id}), func(msg wire.Message) (types.Endpoint, bool) {
		ack, ok := msg.(*wire.RegisterAck)
		if !ok {
			return types.Endpoint{}, false
		}
		return ack.Observed, true
	})
	if err != nil {
		return Registration{}, fmt.Errorf("register %s: %w", id, err)
	}

	c.logger.Debug("registered", "id", id, "primary", reg.Primary, "secondary", reg.Secondary)
	return reg, nil
}

// Query asks both listeners for this socket's public endpoint without
// registering an identity. The server keeps no state for it.
func (c *Client) Query(ctx context.Context) (Registration, error) {
	reg, err := c.observe(ctx, wire.Encode(&wire.Query{}), func(msg wire.Message) (types.Endpoint, bool) {
		addr, ok := msg.(*wire.Address)
		if !ok {
			return types.Endpoint{}, false
		}
		return addr.Observed, true
	})
	if err != nil {
		return Registration{}, fmt.Errorf("query: %w", err)
	}
	return reg, nil
}

// observe sends frame to both listeners and collects the endpoint each reply
// reports. One silent listener is tolerated.
func (c *Client) observe(ctx context.Context, frame []byte, extract func(wire.Message) (types.Endpoint, bool)) (Registration, error) {
	var reg Registration

	send := func() error {
		if !reg.Primary.IsValid() {
			if err := c.writeTo(frame, c.primary); err != nil {
				return err
			}
		}
		if c.secondary.IsValid() && !reg.Secondary.IsValid() {
			if err := c.writeTo(frame, c.secondary); err != nil {
				return err
			}
		}
		return nil
	}

	match := func(msg wire.Message, src types.Endpoint) bool {
		observed, ok := extract(msg)
		if !ok {
			return false
		}
		switch src {
		case c.primary:
			reg.Primary = observed
		case c.secondary:
			reg.Secondary = observed
		}
		return reg.Primary.IsValid() && (reg.Secondary.IsValid() || !c.secondary.IsValid())
	}

	err := c.roundTrip(ctx, send, match)
	if errors.Is(err, types.ErrNetworkUnavailable) && (reg.Primary.IsValid() || reg.Secondary.IsValid()) {
		c.logger.Warn("only one listener answered", "primary", reg.Primary, "secondary", reg.Secondary)
		err = nil
	}
	if err != nil {
		return Registration{}, err
	}
	return reg, nil
}

// Lookup asks the primary listener for target. requester may be empty; when
// set and registered the server also notifies target. Returns
// types.ErrPeerNotFound, together with the response, if target is unknown.
func (c *Client) Lookup(ctx context.Context, target, requester types.PeerID) (*wire.LookupResponse, error) {
	var resp *wire.LookupResponse
	frame := wire.Encode(&wire.Lookup{Target: target, Requester: requester})

	send := func() error {
		return c.writeTo(frame, c.primary)
	}
	match := func(msg wire.Message, src types.Endpoint) bool {
		r, ok := msg.(*wire.LookupResponse)
		if ok && src == c.primary {
			resp = r
		}
		return resp != nil
	}

	if err := c.roundTrip(ctx, send, match); err != nil {
		return nil, fmt.Errorf("lookup %s: %w", target, err)
	}
	if !resp.Found {
		return resp, fmt.Errorf("lookup %s: %w", target, types.ErrPeerNotFound)
	}
	return resp, nil
}

// Nudge re-sends a lookup without waiting for the answer, prompting the server
// to repeat its notification to target
func (c *Client) Nudge(target, requester types.PeerID) error {
	return c.writeTo(wire.Encode(&wire.Lookup{Target: target, Requester: requester}), c.primary)
}

// AwaitNotify blocks until the server reports that another peer looked up
// id, re-registering every RefreshInterval in the meantime
func (c *Client) AwaitNotify(ctx context.Context, id types.PeerID) (*wire.PeerNotify, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer func() {
		stop()
		c.conn.SetReadDeadline(time.Time{})
	}()

	frame := wire.Encode(&wire.Register{ID: id})
	refresh := func() {
		c.writeTo(frame, c.primary)
		if c.secondary.IsValid() {
			c.writeTo(frame, c.secondary)
		}
	}

	buf := make([]byte, wire.MaxDatagramSize)
	nextRefresh := time.Now().Add(c.cfg.RefreshInterval)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg, src, err := c.read(ctx, buf, nextRefresh)
		if isTimeout(err) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			c.logger.Debug("refreshing registration", "id", id)
			refresh()
			nextRefresh = time.Now().Add(c.cfg.RefreshInterval)
			continue
		}
		if err != nil {
			return nil, err
		}

		if n, ok := msg.(*wire.PeerNotify); ok && src == c.primary {
			c.logger.Info("peer notification", "requester", n.Requester, "primary", n.RequesterPrimary, "secondary", n.RequesterSecondary)
			return n, nil
		}
	}
}

// roundTrip calls send and reads replies until match accepts one, re-sending
// after every RetryInterval up to Retries times
func (c *Client) roundTrip(ctx context.Context, send func() error, match func(wire.Message, types.Endpoint) bool) error {
	defer c.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, wire.MaxDatagramSize)
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := send(); err != nil {
			return err
		}

		deadline := time.Now().Add(c.cfg.RetryInterval)
		for {
			msg, src, err := c.read(ctx, buf, deadline)
			if isTimeout(err) {
				break
			}
			if err != nil {
				return err
			}
			if match(msg, src) {
				return nil
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return types.ErrNetworkUnavailable
}

// read returns the next well-formed message. Malformed datagrams are skipped.
func (c *Client) read(ctx context.Context, buf []byte, deadline time.Time) (wire.Message, types.Endpoint, error) {
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, types.Endpoint{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, types.Endpoint{}, err
	}

	for {
		n, addr, err := c.conn.ReadFrom(buf)
		if err != nil {
			return nil, types.Endpoint{}, err
		}
		msg, err := wire.Decode(buf[:n])
		if err != nil {
			continue
		}
		return msg, types.EndpointFromAddr(addr), nil
	}
}

func (c *Client) writeTo(frame []byte, to types.Endpoint) error {
	if _, err := c.conn.WriteTo(frame, to.UDPAddr()); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

func isTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
