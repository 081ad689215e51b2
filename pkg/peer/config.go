package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/saintparish4/burrow/pkg/discovery"
	"github.com/saintparish4/burrow/pkg/holepunch"
	"github.com/saintparish4/burrow/pkg/nat"
	"github.com/saintparish4/burrow/pkg/reliable"
	"github.com/saintparish4/burrow/pkg/transfer"
	"github.com/saintparish4/burrow/pkg/types"
)

// ModeKind selects the side of the transfer this peer plays
type ModeKind int

const (
	ModeSend ModeKind = iota + 1
	ModeReceive
)

func (k ModeKind) String() string {
	switch k {
	case ModeSend:
		return "send"
	case ModeReceive:
		return "receive"
	default:
		return "unknown"
	}
}

// Mode is either Send(path, remote) or Receive(dir)
type Mode struct {
	Kind ModeKind

	// Path is the file to send
	Path string

	// Remote is the identity to send to
	Remote types.PeerID

	// Dir receives the file
	Dir string
}

// Send sends the file at path to remote
func Send(path string, remote types.PeerID) Mode {
	return Mode{Kind: ModeSend, Path: path, Remote: remote}
}

// Receive stores the incoming file in dir
func Receive(dir string) Mode {
	return Mode{Kind: ModeReceive, Dir: dir}
}

func (m Mode) String() string {
	if m.Kind == ModeSend {
		return fmt.Sprintf("send %s to %s", m.Path, m.Remote)
	}
	return fmt.Sprintf("receive into %s", m.Dir)
}

// Config holds everything one run needs
type Config struct {
	ServerPrimary   types.Endpoint
	ServerSecondary types.Endpoint
	LocalID         types.PeerID
	Mode            Mode

	// ListenAddr is the local UDP address used for every phase
	ListenAddr string

	// NotifyTimeout bounds the receiver's wait for a repeated notification
	// after a failed attempt. The first wait is bounded only by the context.
	NotifyTimeout time.Duration

	// RepeatWindow is how long Serve ignores further notifications from the
	// socket of the sender it just handled
	RepeatWindow time.Duration

	Discovery discovery.Config
	Punch     holepunch.Config
	Channel   reliable.Config
	Transfer  transfer.Options
	Strategy  nat.StrategyConfig

	// OnPhase, if set, is called when the run enters a new phase
	OnPhase func(types.Phase)

	// Conn, Rendezvous and Dialer replace the defaults. A supplied Conn is
	// not closed by Run.
	Conn       net.PacketConn
	Rendezvous Rendezvous
	Dialer     Dialer

	Logger *slog.Logger
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		ListenAddr:    ":0",
		NotifyTimeout: 15 * time.Second,
		RepeatWindow:  5 * time.Second,
		Discovery:     discovery.DefaultConfig(),
		Punch:         holepunch.DefaultConfig(),
		Channel:       reliable.DefaultConfig(),
		Transfer:      transfer.DefaultOptions(),
		Strategy:      nat.DefaultStrategyConfig(),
		Logger:        slog.Default(),
	}
}

// Validate checks the fields a run cannot do without
func (c Config) Validate() error {
	if !c.ServerPrimary.IsValid() && c.Rendezvous == nil {
		return errors.New("server endpoint is required")
	}
	if err := c.LocalID.Validate(); err != nil {
		return fmt.Errorf("local id: %w", err)
	}
	switch c.Mode.Kind {
	case ModeSend:
		if c.Mode.Path == "" {
			return errors.New("send mode needs a file path")
		}
		if err := c.Mode.Remote.Validate(); err != nil {
			return fmt.Errorf("remote id: %w", err)
		}
		if c.Mode.Remote == c.LocalID {
			return errors.New("cannot send to yourself")
		}
	case ModeReceive:
		if c.Mode.Dir == "" {
			return errors.New("receive mode needs a directory")
		}
	default:
		return errors.New("mode must be send or receive")
	}
	return nil
}
