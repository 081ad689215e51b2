package peer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/burrow/internal/netsim"
	"github.com/saintparish4/burrow/internal/registry"
	"github.com/saintparish4/burrow/internal/rendezvous"
	"github.com/saintparish4/burrow/pkg/discovery"
	"github.com/saintparish4/burrow/pkg/nat"
	"github.com/saintparish4/burrow/pkg/reliable"
	"github.com/saintparish4/burrow/pkg/types"
	"github.com/saintparish4/burrow/pkg/wire"
)

func startServer(t *testing.T) *rendezvous.Server {
	t.Helper()
	cfg := rendezvous.DefaultConfig()
	cfg.PrimaryAddr = "127.0.0.1:0"
	cfg.SecondaryAddr = "127.0.0.1:0"

	srv, err := rendezvous.NewServer(cfg, registry.New())
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
	return srv
}

func testConfig(srv *rendezvous.Server, id types.PeerID, mode Mode) Config {
	cfg := DefaultConfig()
	cfg.ServerPrimary, cfg.ServerSecondary = srv.Addrs()
	cfg.LocalID = id
	cfg.Mode = mode
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.NotifyTimeout = 2 * time.Second
	cfg.Punch.Timeout = 2 * time.Second
	cfg.Punch.NudgeInterval = 200 * time.Millisecond
	cfg.Transfer.Linger = 100 * time.Millisecond
	return cfg
}

// countingDialer records how many channels were built
type countingDialer struct {
	calls  atomic.Int32
	impair *netsim.Config
}

func (d *countingDialer) Dial(conn net.PacketConn, remote types.Endpoint, cfg reliable.Config) Channel {
	d.calls.Add(1)
	if d.impair != nil {
		conn = netsim.Wrap(conn, *d.impair)
	}
	return reliable.New(conn, remote, cfg)
}

func writeFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

type runResult struct {
	report *Report
	err    error
}

// transferBetween runs bob as receiver and alice as sender
func transferBetween(t *testing.T, srv *rendezvous.Server, path, dir string, tune func(*Config)) (alice, bob runResult) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	bobCfg := testConfig(srv, "bob", Receive(dir))
	aliceCfg := testConfig(srv, "alice", Send(path, "bob"))
	if tune != nil {
		tune(&bobCfg)
		tune(&aliceCfg)
	}

	bobDone := make(chan runResult, 1)
	go func() {
		report, err := Run(ctx, bobCfg)
		bobDone <- runResult{report, err}
	}()

	require.Eventually(t, func() bool {
		_, ok := srv.Registry().Lookup("bob")
		return ok
	}, 5*time.Second, 10*time.Millisecond, "receiver never registered")

	report, err := Run(ctx, aliceCfg)
	return runResult{report, err}, <-bobDone
}

func TestScenarioDirectTransfer(t *testing.T) {
	srv := startServer(t)
	path, data := writeFile(t, 10*1024*1024)
	dir := t.TempDir()

	alice, bob := transferBetween(t, srv, path, dir, nil)

	require.NoError(t, alice.err)
	require.NoError(t, bob.err)
	assert.Equal(t, OutcomeSuccess, alice.report.Outcome)
	assert.Equal(t, OutcomeSuccess, bob.report.Outcome)

	assert.Equal(t, nat.PortConsistent, alice.report.Strategy.Local)
	assert.Equal(t, nat.PortConsistent, alice.report.Strategy.Remote)
	assert.Equal(t, 1, alice.report.Attempts)
	assert.Equal(t, types.PeerID("alice"), bob.report.Remote)
	require.NotNil(t, alice.report.Punch)
	assert.LessOrEqual(t, alice.report.Punch.RTT, DefaultConfig().Punch.ProbeInterval, "confirmed within one probe interval")

	got, err := os.ReadFile(filepath.Join(dir, "payload.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "received file differs")
	assert.Equal(t, alice.report.Transfer.Digest, bob.report.Transfer.Digest)
}

func TestScenarioLossyPath(t *testing.T) {
	srv := startServer(t)
	path, data := writeFile(t, 1024*1024)
	dir := t.TempDir()

	var seed atomic.Uint64
	tune := func(cfg *Config) {
		impair := netsim.Config{Loss: 0.2, Seed: seed.Add(1)}
		cfg.Dialer = &countingDialer{impair: &impair}
		cfg.Channel.InitialRTO = 20 * time.Millisecond
		cfg.Channel.MaxRTO = 200 * time.Millisecond
		cfg.Channel.MaxRetries = 30
		cfg.Channel.TickInterval = 5 * time.Millisecond
		cfg.Transfer.Linger = 500 * time.Millisecond
	}

	alice, bob := transferBetween(t, srv, path, dir, tune)

	require.NoError(t, alice.err)
	require.NoError(t, bob.err)

	got, err := os.ReadFile(filepath.Join(dir, "payload.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	assert.Greater(t, alice.report.Transfer.Channel.Retransmitted, uint64(0))
}

func TestScenarioPeerNotFound(t *testing.T) {
	srv := startServer(t)
	path, _ := writeFile(t, 10)

	dialer := &countingDialer{}
	cfg := testConfig(srv, "alice", Send(path, "ghost"))
	cfg.Dialer = dialer

	report, err := Run(context.Background(), cfg)

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPeerNotFound)
	var pe *types.PhaseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, types.PhaseLookup, pe.Phase)

	assert.Equal(t, OutcomeNotFound, report.Outcome)
	assert.Zero(t, report.Attempts, "no punching may start")
	assert.Zero(t, dialer.calls.Load())
}

// fakeRendezvous reports a peer behind a port-variable NAT
type fakeRendezvous struct {
	lookup *wire.LookupResponse
}

func (f *fakeRendezvous) Register(context.Context, types.PeerID) (discovery.Registration, error) {
	return discovery.Registration{Primary: f.lookup.SelfPrimary, Secondary: f.lookup.SelfSecondary}, nil
}

func (f *fakeRendezvous) Lookup(context.Context, types.PeerID, types.PeerID) (*wire.LookupResponse, error) {
	return f.lookup, nil
}

func (f *fakeRendezvous) Nudge(types.PeerID, types.PeerID) error { return nil }

func (f *fakeRendezvous) AwaitNotify(ctx context.Context, _ types.PeerID) (*wire.PeerNotify, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func silentEndpoint(t *testing.T) types.Endpoint {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return types.EndpointFromAddr(conn.LocalAddr())
}

func TestScenarioBothPortVariable(t *testing.T) {
	path, _ := writeFile(t, 10)

	self, err := types.ParseEndpoint("203.0.113.7:40001")
	require.NoError(t, err)
	selfB, err := types.ParseEndpoint("203.0.113.7:40002")
	require.NoError(t, err)

	dialer := &countingDialer{}
	cfg := DefaultConfig()
	cfg.LocalID = "alice"
	cfg.Mode = Send(path, "bob")
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Punch.Timeout = 300 * time.Millisecond
	cfg.Dialer = dialer
	cfg.Rendezvous = &fakeRendezvous{lookup: &wire.LookupResponse{
		Found:           true,
		TargetPrimary:   silentEndpoint(t),
		TargetSecondary: silentEndpoint(t),
		SelfPrimary:     self,
		SelfSecondary:   selfB,
	}}

	start := time.Now()
	report, err := Run(context.Background(), cfg)

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPunchTimeout)
	var pe *types.PhaseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, types.PhasePunching, pe.Phase)

	assert.Equal(t, OutcomePunchFailed, report.Outcome)
	assert.True(t, report.Strategy.LowProbability())
	assert.Equal(t, nat.DefaultStrategyConfig().LowAttempts, report.Attempts)
	assert.Zero(t, dialer.calls.Load(), "no channel may be built")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMediumStrategyRetries(t *testing.T) {
	path, _ := writeFile(t, 10)

	consistent, err := types.ParseEndpoint("203.0.113.7:40001")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.LocalID = "alice"
	cfg.Mode = Send(path, "bob")
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Punch.Timeout = 100 * time.Millisecond
	cfg.Strategy.MediumAttempts = 3
	cfg.Dialer = &countingDialer{}
	cfg.Rendezvous = &fakeRendezvous{lookup: &wire.LookupResponse{
		Found:           true,
		TargetPrimary:   silentEndpoint(t),
		TargetSecondary: silentEndpoint(t),
		SelfPrimary:     consistent,
		SelfSecondary:   consistent,
	}}

	report, err := Run(context.Background(), cfg)
	assert.ErrorIs(t, err, types.ErrPunchTimeout)
	assert.Equal(t, nat.ProbabilityMedium, report.Strategy.Probability)
	assert.Equal(t, 3, report.Attempts)
}

func TestServeReceivesConsecutiveSenders(t *testing.T) {
	srv := startServer(t)
	dir := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	results := make(chan runResult, 4)
	stopped := make(chan error, 1)
	go func() {
		stopped <- Serve(ctx, testConfig(srv, "bob", Receive(dir)), func(r *Report, err error) {
			results <- runResult{r, err}
		})
	}()

	require.Eventually(t, func() bool {
		_, ok := srv.Registry().Lookup("bob")
		return ok
	}, 5*time.Second, 10*time.Millisecond, "receiver never registered")

	for _, sender := range []types.PeerID{"alice", "carol"} {
		data := make([]byte, 64*1024)
		_, err := rand.Read(data)
		require.NoError(t, err)
		name := string(sender) + ".bin"
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, os.WriteFile(path, data, 0o644))

		report, err := Run(ctx, testConfig(srv, sender, Send(path, "bob")))
		require.NoError(t, err, "%s", sender)
		assert.Equal(t, OutcomeSuccess, report.Outcome)

		var got runResult
		select {
		case got = <-results:
		case <-ctx.Done():
			t.Fatalf("no receive report for %s", sender)
		}
		require.NoError(t, got.err)
		assert.Equal(t, sender, got.report.Remote)

		written, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, written), "%s: content differs", sender)
	}

	cancel()
	assert.NoError(t, <-stopped)
}

func TestServeNeedsReceiveMode(t *testing.T) {
	srv := startServer(t)
	err := Serve(context.Background(), testConfig(srv, "alice", Send("x", "bob")), nil)
	assert.Error(t, err)
}

func TestServedSkipsOnlyRecentRepeats(t *testing.T) {
	ep, err := types.ParseEndpoint("198.51.100.7:4000")
	require.NoError(t, err)
	other, err := types.ParseEndpoint("198.51.100.7:4001")
	require.NoError(t, err)

	s := served{id: "alice", primary: ep, until: time.Now().Add(time.Minute)}
	assert.True(t, s.repeats(&wire.PeerNotify{Requester: "alice", RequesterPrimary: ep}))
	assert.False(t, s.repeats(&wire.PeerNotify{Requester: "alice", RequesterPrimary: other}), "new socket is a new transfer")
	assert.False(t, s.repeats(&wire.PeerNotify{Requester: "carol", RequesterPrimary: ep}))

	s.until = time.Now().Add(-time.Second)
	assert.False(t, s.repeats(&wire.PeerNotify{Requester: "alice", RequesterPrimary: ep}))
}

func TestReceiverCancel(t *testing.T) {
	srv := startServer(t)
	cfg := testConfig(srv, "bob", Receive(t.TempDir()))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	report, err := Run(ctx, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, OutcomeCanceled, report.Outcome)
}

func TestServerUnreachable(t *testing.T) {
	path, _ := writeFile(t, 10)

	cfg := DefaultConfig()
	cfg.ServerPrimary = silentEndpoint(t)
	cfg.ServerSecondary = silentEndpoint(t)
	cfg.LocalID = "alice"
	cfg.Mode = Send(path, "bob")
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Discovery.Retries = 1
	cfg.Discovery.RetryInterval = 20 * time.Millisecond

	report, err := Run(context.Background(), cfg)
	assert.ErrorIs(t, err, types.ErrNetworkUnavailable)
	assert.Equal(t, OutcomeUnreachable, report.Outcome)
}

func TestConfigValidate(t *testing.T) {
	server, err := types.ParseEndpoint("198.51.100.1:3478")
	require.NoError(t, err)

	base := func(mode Mode) Config {
		cfg := DefaultConfig()
		cfg.ServerPrimary = server
		cfg.LocalID = "alice"
		cfg.Mode = mode
		return cfg
	}

	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"send", base(Send("f", "bob")), true},
		{"receive", base(Receive("dir")), true},
		{"no mode", base(Mode{}), false},
		{"no path", base(Send("", "bob")), false},
		{"no remote", base(Send("f", "")), false},
		{"self", base(Send("f", "alice")), false},
		{"no dir", base(Receive("")), false},
		{"no server", func() Config { c := base(Receive("d")); c.ServerPrimary = types.Endpoint{}; return c }(), false},
		{"no id", func() Config { c := base(Receive("d")); c.LocalID = ""; return c }(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}

	report, err := Run(context.Background(), base(Mode{}))
	assert.Error(t, err)
	assert.Nil(t, report)
}

func TestCandidates(t *testing.T) {
	a, _ := types.ParseEndpoint("192.0.2.1:1000")
	b, _ := types.ParseEndpoint("192.0.2.1:2000")

	all := nat.Strategy{ProbeAll: true}
	one := nat.Strategy{}

	assert.Equal(t, []types.Endpoint{a, b}, candidates(a, b, all))
	assert.Equal(t, []types.Endpoint{a}, candidates(a, b, one))
	assert.Equal(t, []types.Endpoint{a}, candidates(a, a, all))
	assert.Equal(t, []types.Endpoint{b}, candidates(types.Endpoint{}, b, one))
	assert.Empty(t, candidates(types.Endpoint{}, types.Endpoint{}, all))
}
