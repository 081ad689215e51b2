// Rendezvous server for burrow peers.
//
// Usage:
//
//	rendezvous [flags]
//
// Flags:
//
//	-primary    Primary UDP listen address (default ":3478")
//	-secondary  Secondary UDP listen address (default ":3479")
//	-monitor    HTTP monitor address, empty to disable (default ":8080")
//	-rate       Datagrams per second accepted from one source (default 50)
//	-burst      Per-source burst size (default 100)
//	-deny       Comma-separated source prefixes to drop
//	-log-level  debug, info, warn or error (env BURROW_LOG_LEVEL)
//	-log-format pretty, text or json (default "pretty")
//	-version    Print version and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/saintparish4/burrow/internal/logging"
	"github.com/saintparish4/burrow/internal/monitor"
	"github.com/saintparish4/burrow/internal/registry"
	"github.com/saintparish4/burrow/internal/rendezvous"
)

// version is set at build time via -ldflags
var version = "dev"

func main() {
	defaults := rendezvous.DefaultConfig()

	primary := flag.String("primary", defaults.PrimaryAddr, "Primary UDP listen address")
	secondary := flag.String("secondary", defaults.SecondaryAddr, "Secondary UDP listen address")
	monitorAddr := flag.String("monitor", monitor.DefaultConfig().Addr, "HTTP monitor address, empty to disable")
	limit := flag.Float64("rate", float64(defaults.RateLimit), "Datagrams per second accepted from one source")
	burst := flag.Int("burst", defaults.RateBurst, "Per-source burst size")
	deny := flag.String("deny", "", "Comma-separated source prefixes to drop")
	logLevel := flag.String("log-level", envOr("BURROW_LOG_LEVEL", "info"), "Log level")
	logFormat := flag.String("log-format", logging.FormatPretty, "Log format")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rendezvous %s\n", version)
		os.Exit(0)
	}

	logger, err := logging.Setup(os.Stderr, *logLevel, *logFormat)
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(2)
	}

	cfg := defaults
	cfg.PrimaryAddr = *primary
	cfg.SecondaryAddr = *secondary
	cfg.RateLimit = rate.Limit(*limit)
	cfg.RateBurst = *burst
	cfg.Logger = logger
	if cfg.Deny, err = parsePrefixes(*deny); err != nil {
		pterm.Error.Println(err)
		os.Exit(2)
	}

	if err := run(cfg, *monitorAddr, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg rendezvous.Config, monitorAddr string, logger *slog.Logger) error {
	srv, err := rendezvous.NewServer(cfg, registry.New())
	if err != nil {
		return err
	}

	var mon *monitor.Server
	if monitorAddr != "" {
		mcfg := monitor.DefaultConfig()
		mcfg.Addr = monitorAddr
		mcfg.Logger = logger
		mon = monitor.NewServer(mcfg, srv)
	}

	if err := srv.Listen(); err != nil {
		return err
	}

	printBanner(srv, monitorAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx)
	})
	if mon != nil {
		g.Go(func() error {
			return mon.ListenAndServe(ctx)
		})
	}

	err = g.Wait()
	logger.Info("shutting down")
	return err
}

func printBanner(srv *rendezvous.Server, monitorAddr string) {
	primary, secondary := srv.Addrs()
	pterm.DefaultHeader.WithFullWidth().Println("burrow rendezvous " + version)
	pterm.Info.Printfln("primary   udp %s", primary)
	pterm.Info.Printfln("secondary udp %s", secondary)
	if monitorAddr != "" {
		pterm.Info.Printfln("monitor   http %s", monitorAddr)
	}
}

func parsePrefixes(s string) ([]netip.Prefix, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []netip.Prefix
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			addr, err := netip.ParseAddr(part)
			if err != nil {
				return nil, fmt.Errorf("deny %q: %w", part, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(part)
		if err != nil {
			return nil, fmt.Errorf("deny %q: %w", part, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
