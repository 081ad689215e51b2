package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pterm/pterm"

	"github.com/saintparish4/burrow/internal/netutil"
	"github.com/saintparish4/burrow/pkg/discovery"
	"github.com/saintparish4/burrow/pkg/nat"
	"github.com/saintparish4/burrow/pkg/types"
)

// discoverCommand queries both listeners and reports the public endpoints
// they observed and the resulting NAT class. Nothing is registered.
func discoverCommand(args []string) error {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	fs.Parse(args)

	cfg, err := common.config()
	if err != nil {
		return err
	}

	conn, err := net.ListenPacket("udp4", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer conn.Close()

	timeout := common.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fmt.Printf("Discovering public endpoint using rendezvous server: %s\n", cfg.ServerPrimary)

	client := discovery.NewClient(conn, cfg.ServerPrimary, cfg.ServerSecondary, cfg.Discovery)
	reg, err := client.Query(ctx)
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}

	bound := types.EndpointFromAddr(conn.LocalAddr())
	hostAddr := netutil.HostAddr(bound.AddrPort)
	local := types.NewEndpoint(hostAddr.Addr(), hostAddr.Port())

	scope := "public"
	switch {
	case local.Addr().IsLoopback():
		scope = "loopback"
	case netutil.IsPrivate(local.Addr()):
		scope = "private"
	}

	class := nat.Classify(reg.Primary, reg.Secondary)
	pterm.DefaultTable.WithData([][]string{
		{"Local", fmt.Sprintf("%s (%s)", local, scope)},
		{"Public (primary)", reg.Primary.String()},
		{"Public (secondary)", reg.Secondary.String()},
		{"NAT", class.String()},
		{"Difficulty", fmt.Sprintf("%d/10", class.Difficulty())},
	}).Render()

	if class == nat.PortVariable {
		fmt.Fprintln(os.Stderr, "Port-variable NAT: punching to another port-variable peer may fail")
	}
	return nil
}
