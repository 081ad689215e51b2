package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/saintparish4/burrow/internal/logging"
	"github.com/saintparish4/burrow/pkg/peer"
	"github.com/saintparish4/burrow/pkg/types"
)

// invocation is a parsed command ready to run
type invocation struct {
	cfg     peer.Config
	timeout time.Duration

	// keep serves senders until interrupted instead of exiting after one
	keep bool
}

// commonFlags are shared by send and receive
type commonFlags struct {
	server    string
	server2   string
	id        string
	listen    string
	timeout   time.Duration
	logLevel  string
	logFormat string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.server, "server", os.Getenv("BURROW_SERVER"), "Rendezvous primary address")
	fs.StringVar(&c.server2, "server2", os.Getenv("BURROW_SERVER2"), "Rendezvous secondary address")
	fs.StringVar(&c.id, "id", "", "This peer's ID")
	fs.StringVar(&c.listen, "listen", ":0", "Local UDP address")
	fs.DurationVar(&c.timeout, "timeout", 0, "Overall deadline, zero for none")
	fs.StringVar(&c.logLevel, "log-level", envOr("BURROW_LOG_LEVEL", "warn"), "Log level")
	fs.StringVar(&c.logFormat, "log-format", logging.FormatPretty, "Log format")
}

// config resolves the shared flags into a base peer configuration
func (c *commonFlags) config() (peer.Config, error) {
	logger, err := logging.Setup(os.Stderr, c.logLevel, c.logFormat)
	if err != nil {
		return peer.Config{}, err
	}

	if c.server == "" {
		return peer.Config{}, errors.New("-server or BURROW_SERVER is required")
	}
	primary, err := resolve(c.server)
	if err != nil {
		return peer.Config{}, fmt.Errorf("server: %w", err)
	}

	var secondary types.Endpoint
	if c.server2 != "" {
		if secondary, err = resolve(c.server2); err != nil {
			return peer.Config{}, fmt.Errorf("server2: %w", err)
		}
	} else {
		if primary.Port() == 65535 {
			return peer.Config{}, errors.New("-server2 is required when the primary port is 65535")
		}
		secondary = types.NewEndpoint(primary.Addr(), primary.Port()+1)
	}

	cfg := peer.DefaultConfig()
	cfg.ServerPrimary = primary
	cfg.ServerSecondary = secondary
	cfg.LocalID = types.PeerID(c.id)
	cfg.ListenAddr = c.listen
	cfg.Logger = logger
	return cfg, nil
}

func sendCommand(args []string) (invocation, error) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	to := fs.String("to", "", "Receiving peer's ID")
	file := fs.String("file", "", "File to send")
	chunk := fs.Int("chunk", 0, "Chunk size in bytes (default 1200)")
	noResume := fs.Bool("no-resume", false, "Always send the whole file")
	fs.Parse(args)

	if *file == "" && fs.NArg() > 0 {
		*file = fs.Arg(0)
	}

	cfg, err := common.config()
	if err != nil {
		return invocation{}, err
	}
	cfg.Mode = peer.Send(*file, types.PeerID(*to))
	if *chunk > 0 {
		cfg.Transfer.ChunkSize = *chunk
	}
	cfg.Transfer.Resume = !*noResume
	if err := cfg.Validate(); err != nil {
		return invocation{}, err
	}
	return invocation{cfg: cfg, timeout: common.timeout}, nil
}

func receiveCommand(args []string) (invocation, error) {
	fs := flag.NewFlagSet("receive", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	dir := fs.String("dir", ".", "Directory to write the received file into")
	keep := fs.Bool("keep", false, "Keep serving senders until interrupted")
	noResume := fs.Bool("no-resume", false, "Discard partial files instead of resuming them")
	fs.Parse(args)

	cfg, err := common.config()
	if err != nil {
		return invocation{}, err
	}
	cfg.Mode = peer.Receive(*dir)
	cfg.Transfer.Resume = !*noResume
	if err := cfg.Validate(); err != nil {
		return invocation{}, err
	}
	return invocation{cfg: cfg, timeout: common.timeout, keep: *keep}, nil
}

// resolve accepts host:port with a hostname or IP literal
func resolve(s string) (types.Endpoint, error) {
	if ep, err := types.ParseEndpoint(s); err == nil {
		return ep, nil
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return types.Endpoint{}, err
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return types.Endpoint{}, fmt.Errorf("invalid port %q", port)
	}
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, port))
	if err != nil {
		return types.Endpoint{}, err
	}
	return types.EndpointFromUDPAddr(addr), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
