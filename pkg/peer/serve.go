package peer

import (
	"context"
	"errors"
	"time"

	"github.com/saintparish4/burrow/pkg/types"
	"github.com/saintparish4/burrow/pkg/wire"
)

// serveBackoff is the pause between a failed run and the next registration
const serveBackoff = 500 * time.Millisecond

// served remembers the last sender so its leftover notifications are not
// mistaken for a new transfer
type served struct {
	id      types.PeerID
	primary types.Endpoint
	until   time.Time
}

func (s served) repeats(n *wire.PeerNotify) bool {
	return n.Requester == s.id && n.RequesterPrimary == s.primary && time.Now().Before(s.until)
}

// Serve receives files one sender after another until ctx ends, keeping the
// same socket and registration. Every sender gets a fresh punch session and
// channel. handle, if set, sees the outcome of each run. Serve returns nil
// when ctx ends and an error only if it cannot start.
func Serve(ctx context.Context, cfg Config, handle func(*Report, error)) error {
	if cfg.Mode.Kind != ModeReceive {
		return errors.New("serve needs receive mode")
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return err
	}

	conn, release, err := listen(cfg)
	if err != nil {
		return err
	}
	defer release()

	rv := rendezvousFor(cfg, conn)
	logger := cfg.Logger.With("component", "peer", "id", cfg.LocalID)
	logger.Info("serving", "dir", cfg.Mode.Dir)

	var last served
	for runs := 1; ; runs++ {
		r := newRun(cfg, conn, rv)
		r.skip = last.repeats

		report, err := r.execute(ctx)
		if ctx.Err() != nil {
			logger.Info("serve stopped", "runs", runs-1)
			return nil
		}
		if handle != nil {
			handle(report, err)
		}
		if r.notify != nil {
			last = served{
				id:      r.notify.Requester,
				primary: r.notify.RequesterPrimary,
				until:   time.Now().Add(cfg.RepeatWindow),
			}
		}

		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(serveBackoff):
			}
		}
	}
}
