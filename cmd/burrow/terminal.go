package main

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/saintparish4/burrow/pkg/transfer"
	"github.com/saintparish4/burrow/pkg/types"
)

// terminal shows a spinner while connecting and a progress bar during the
// transfer. Callbacks arrive on the run's goroutine.
type terminal struct {
	spinner *pterm.SpinnerPrinter
	bar     *pterm.ProgressbarPrinter
	done    int
}

func newTerminal() *terminal {
	return &terminal{}
}

var phaseText = map[types.Phase]string{
	types.PhaseRegistration: "Registering with rendezvous server",
	types.PhaseLookup:       "Looking up peer",
	types.PhasePunching:     "Punching through NAT",
	types.PhaseTransfer:     "Connected, starting transfer",
}

func (t *terminal) phase(p types.Phase) {
	text := phaseText[p]
	if p == types.PhaseTransfer {
		if t.spinner != nil {
			t.spinner.Success(text)
			t.spinner = nil
		}
		return
	}
	if t.spinner == nil {
		t.spinner, _ = pterm.DefaultSpinner.Start(text)
		return
	}
	t.spinner.UpdateText(text)
}

func (t *terminal) progress(p transfer.Progress) {
	if p.ChunksTotal == 0 {
		return
	}
	if t.bar == nil {
		title := fmt.Sprintf("%s (%s)", p.FileName, transfer.FormatBytes(p.FileSize))
		t.bar, _ = pterm.DefaultProgressbar.
			WithTotal(p.ChunksTotal).
			WithTitle(title).
			Start()
	}
	if t.bar == nil {
		return
	}
	if n := p.ChunksDone - t.done; n > 0 {
		t.bar.Add(n)
		t.done = p.ChunksDone
	}
}

// stop clears whatever is still on screen
func (t *terminal) stop(ok bool) {
	if t.spinner != nil {
		if ok {
			t.spinner.Stop()
		} else {
			t.spinner.Fail()
		}
		t.spinner = nil
	}
	if t.bar != nil {
		t.bar.Stop()
		t.bar = nil
	}
	t.done = 0
}
