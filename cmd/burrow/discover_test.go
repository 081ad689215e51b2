package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/saintparish4/burrow/internal/registry"
	"github.com/saintparish4/burrow/internal/rendezvous"
)

func TestDiscoverCommand(t *testing.T) {
	cfg := rendezvous.DefaultConfig()
	cfg.PrimaryAddr = "127.0.0.1:0"
	cfg.SecondaryAddr = "127.0.0.1:0"
	reg := registry.New()
	srv, err := rendezvous.NewServer(cfg, reg)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	primary, secondary := srv.Addrs()
	err = discoverCommand([]string{
		"-server", primary.String(),
		"-server2", secondary.String(),
		"-listen", "127.0.0.1:0",
		"-log-format", "text",
	})
	require.NoError(t, err)

	require.Zero(t, reg.Count(), "discover must not register an identity")
	require.Equal(t, uint64(2), srv.Stats().Queries)
}
