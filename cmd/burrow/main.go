// burrow sends one file directly between two peers behind NATs.
//
// Usage:
//
//	burrow send    -id alice -to bob -file ./report.pdf [-server host:3478]
//	burrow receive -id bob -dir ./downloads [-server host:3478] [-keep]
//
// The rendezvous server is taken from -server or BURROW_SERVER. Its
// secondary listener defaults to the next port and can be set with
// -server2 or BURROW_SERVER2.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/saintparish4/burrow/pkg/peer"
	"github.com/saintparish4/burrow/pkg/transfer"
	"github.com/saintparish4/burrow/pkg/types"
)

// version is set at build time via -ldflags
var version = "dev"

// Exit codes by outcome
const (
	exitOK          = 0
	exitError       = 1
	exitUsage       = 2
	exitNotFound    = 3
	exitPunchFailed = 4
	exitTransfer    = 5
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsage)
	}

	var (
		inv invocation
		err error
	)
	switch os.Args[1] {
	case "send":
		inv, err = sendCommand(os.Args[2:])
	case "receive", "recv":
		inv, err = receiveCommand(os.Args[2:])
	case "discover":
		if err := discoverCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitError)
		}
		return
	case "version", "-version", "--version":
		fmt.Printf("burrow %s\n", version)
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(exitUsage)
	}
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(exitUsage)
	}

	os.Exit(inv.run())
}

// run applies the deadline and signal handling around execute
func (inv invocation) run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if inv.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}
	if inv.keep {
		return serve(ctx, inv.cfg)
	}
	return execute(ctx, inv.cfg)
}

// execute runs one transfer with terminal feedback and returns the exit code
func execute(ctx context.Context, cfg peer.Config) int {
	ui := newTerminal()
	cfg.OnPhase = ui.phase
	cfg.Transfer.OnProgress = ui.progress

	pterm.Info.Printfln("%s as %s via %s", cfg.Mode, cfg.LocalID, cfg.ServerPrimary)

	report, err := peer.Run(ctx, cfg)
	ui.stop(err == nil)

	if report == nil {
		pterm.Error.Println(err)
		return exitUsage
	}
	if err != nil {
		printFailure(report, err)
		return exitCode(report.Outcome)
	}

	printReport(report)
	return exitOK
}

// serve receives one sender after another until interrupted
func serve(ctx context.Context, cfg peer.Config) int {
	ui := newTerminal()
	cfg.OnPhase = ui.phase
	cfg.Transfer.OnProgress = ui.progress

	pterm.Info.Printfln("%s as %s via %s until interrupted", cfg.Mode, cfg.LocalID, cfg.ServerPrimary)

	received := 0
	err := peer.Serve(ctx, cfg, func(report *peer.Report, err error) {
		ui.stop(err == nil)
		if err != nil {
			printFailure(report, err)
			return
		}
		received++
		printReport(report)
	})
	ui.stop(true)

	if err != nil {
		pterm.Error.Println(err)
		return exitError
	}
	pterm.Info.Printfln("Stopped after %d file(s)", received)
	return exitOK
}

func printFailure(report *peer.Report, err error) {
	var pe *types.PhaseError
	if errors.As(err, &pe) {
		pterm.Error.Printfln("%s (%s phase): %v", report.Outcome, pe.Phase, pe.Err)
	} else {
		pterm.Error.Printfln("%s: %v", report.Outcome, err)
	}
}

func exitCode(o peer.Outcome) int {
	switch o {
	case peer.OutcomeSuccess:
		return exitOK
	case peer.OutcomeNotFound:
		return exitNotFound
	case peer.OutcomePunchFailed:
		return exitPunchFailed
	case peer.OutcomeTransferFailed:
		return exitTransfer
	default:
		return exitError
	}
}

func printReport(r *peer.Report) {
	rows := [][]string{
		{"Peer", string(r.Remote)},
		{"Strategy", r.Strategy.String()},
		{"Attempts", fmt.Sprint(r.Attempts)},
	}
	if r.Punch != nil {
		rows = append(rows,
			[]string{"Path", r.Punch.Remote.String()},
			[]string{"RTT", r.Punch.RTT.String()},
		)
	}
	if t := r.Transfer; t != nil {
		rows = append(rows,
			[]string{"File", t.Path},
			[]string{"Size", fmt.Sprintf("%s in %d chunks", transfer.FormatBytes(t.Bytes), t.Chunks)},
			[]string{"Duration", transfer.FormatDuration(t.Duration)},
			[]string{"SHA-256", fmt.Sprintf("%x", t.Digest)},
			[]string{"Channel", t.Channel.String()},
		)
		if t.Resumed > 0 {
			rows = append(rows, []string{"Resumed", fmt.Sprintf("from chunk %d", t.Resumed)})
		}
	}

	pterm.Success.Println("Transfer complete")
	pterm.DefaultTable.WithData(rows).Render()
}

func printUsage() {
	fmt.Println(`burrow - direct peer-to-peer file transfer through NATs

Usage:
  burrow <command> [flags]

Commands:
  send       Send a file to a peer
  receive    Wait for a peer and receive one file (-keep for many)
  discover   Show your public endpoints and NAT class
  version    Print version
  help       Show this help

Common flags:
  -server    Rendezvous primary address (env BURROW_SERVER)
  -server2   Rendezvous secondary address (env BURROW_SERVER2, default next port)
  -id        This peer's ID
  -listen    Local UDP address (default ":0")
  -timeout   Overall deadline, zero for none
  -log-level debug, info, warn or error (env BURROW_LOG_LEVEL)

Receive flags:
  -dir       Directory for received files (default ".")
  -keep      Keep serving senders until interrupted
  -no-resume Discard partial files instead of resuming them

Send flags:
  -no-resume Always send the whole file

Examples:
  burrow discover -server rendezvous.example.com:3478
  burrow receive -id bob -dir ./downloads
  burrow send -id alice -to bob -file ./report.pdf`)
}
