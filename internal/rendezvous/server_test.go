package rendezvous

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/burrow/internal/registry"
	"github.com/saintparish4/burrow/pkg/nat"
	"github.com/saintparish4/burrow/pkg/types"
	"github.com/saintparish4/burrow/pkg/wire"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PrimaryAddr = "127.0.0.1:0"
	cfg.SecondaryAddr = "127.0.0.1:0"
	return cfg
}

// startServer runs a server on loopback until the test ends
func startServer(t *testing.T, cfg Config, opts ...func(*Server)) *Server {
	t.Helper()

	srv, err := NewServer(cfg, registry.New())
	require.NoError(t, err)
	for _, opt := range opts {
		opt(srv)
	}
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv
}

func newClient(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *net.UDPConn, to types.Endpoint, msg wire.Message) {
	t.Helper()
	_, err := conn.WriteToUDPAddrPort(wire.Encode(msg), to.AddrPort)
	require.NoError(t, err)
}

// recv returns the next message, or nil if nothing arrives within timeout
func recv(t *testing.T, conn *net.UDPConn, timeout time.Duration) wire.Message {
	t.Helper()
	buf := make([]byte, wire.MaxDatagramSize)
	conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		n, _, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return nil
		}
		if m, err := wire.Decode(buf[:n]); err == nil {
			return m
		}
	}
}

func localEP(conn *net.UDPConn) types.Endpoint {
	return types.EndpointFromAddr(conn.LocalAddr())
}

func register(t *testing.T, srv *Server, conn *net.UDPConn, id types.PeerID) {
	t.Helper()
	primary, secondary := srv.Addrs()
	for _, addr := range []types.Endpoint{primary, secondary} {
		send(t, conn, addr, &wire.Register{ID: id})
		m := recv(t, conn, time.Second)
		ack, ok := m.(*wire.RegisterAck)
		require.True(t, ok, "expected REGISTER_ACK, got %T", m)
		require.Equal(t, localEP(conn), ack.Observed)
	}
}

func TestServerRegisterRecordsSource(t *testing.T) {
	srv := startServer(t, testConfig())
	alice := newClient(t)

	register(t, srv, alice, "alice")

	entry, ok := srv.Registry().Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, localEP(alice), entry.Primary)
	assert.Equal(t, localEP(alice), entry.Secondary)

	// No NAT on loopback: both listeners see the same port
	assert.Equal(t, nat.PortConsistent, nat.Classify(entry.Primary, entry.Secondary))
}

func TestServerLookup(t *testing.T) {
	srv := startServer(t, testConfig())
	alice := newClient(t)
	bob := newClient(t)

	register(t, srv, alice, "alice")

	primary, _ := srv.Addrs()
	send(t, bob, primary, &wire.Lookup{Target: "alice"})

	m := recv(t, bob, time.Second)
	resp, ok := m.(*wire.LookupResponse)
	require.True(t, ok, "expected LOOKUP_RESPONSE, got %T", m)
	assert.True(t, resp.Found)
	assert.Equal(t, localEP(alice), resp.TargetPrimary)
	assert.Equal(t, localEP(alice), resp.TargetSecondary)

	// Unregistered requester: only this listener's observation is echoed
	assert.Equal(t, localEP(bob), resp.SelfPrimary)
	assert.False(t, resp.SelfSecondary.IsValid())
}

func TestServerLookupNotFound(t *testing.T) {
	srv := startServer(t, testConfig())
	bob := newClient(t)

	_, secondary := srv.Addrs()
	send(t, bob, secondary, &wire.Lookup{Target: "nobody", Requester: "bob"})

	m := recv(t, bob, time.Second)
	resp, ok := m.(*wire.LookupResponse)
	require.True(t, ok, "expected LOOKUP_RESPONSE, got %T", m)
	assert.False(t, resp.Found)
	assert.False(t, resp.TargetPrimary.IsValid())
	assert.False(t, resp.TargetSecondary.IsValid())
	assert.Equal(t, localEP(bob), resp.SelfSecondary)
}

func TestServerPeerNotify(t *testing.T) {
	var lookedUp types.PeerID
	done := make(chan struct{})
	srv := startServer(t, testConfig(), func(s *Server) {
		s.OnLookup = func(target, requester types.PeerID, found bool) {
			lookedUp = target
			close(done)
		}
	})
	alice := newClient(t)
	bob := newClient(t)

	register(t, srv, alice, "alice")
	register(t, srv, bob, "bob")

	primary, _ := srv.Addrs()
	send(t, bob, primary, &wire.Lookup{Target: "alice", Requester: "bob"})

	resp, ok := recv(t, bob, time.Second).(*wire.LookupResponse)
	require.True(t, ok)
	assert.Equal(t, localEP(bob), resp.SelfPrimary)
	assert.Equal(t, localEP(bob), resp.SelfSecondary)

	m := recv(t, alice, time.Second)
	notify, ok := m.(*wire.PeerNotify)
	require.True(t, ok, "expected PEER_NOTIFY, got %T", m)
	assert.Equal(t, types.PeerID("bob"), notify.Requester)
	assert.Equal(t, localEP(bob), notify.RequesterPrimary)
	assert.Equal(t, localEP(alice), notify.SelfPrimary)

	<-done
	assert.Equal(t, types.PeerID("alice"), lookedUp)
	assert.Equal(t, uint64(1), srv.Stats().Notifies)
}

func TestServerLookupFromForeignSourceDoesNotNotify(t *testing.T) {
	srv := startServer(t, testConfig())
	alice := newClient(t)
	bob := newClient(t)
	mallory := newClient(t)

	register(t, srv, alice, "alice")
	register(t, srv, bob, "bob")

	// mallory claims to be bob from a socket bob never registered
	primary, _ := srv.Addrs()
	send(t, mallory, primary, &wire.Lookup{Target: "alice", Requester: "bob"})

	resp, ok := recv(t, mallory, time.Second).(*wire.LookupResponse)
	require.True(t, ok)
	assert.True(t, resp.Found)
	assert.Equal(t, localEP(mallory), resp.SelfPrimary, "bob's mappings are not echoed")
	assert.False(t, resp.SelfSecondary.IsValid())

	assert.Nil(t, recv(t, alice, 200*time.Millisecond), "alice must not be notified")
	assert.Zero(t, srv.Stats().Notifies)
}

func TestServerQueryIsStateless(t *testing.T) {
	srv := startServer(t, testConfig())
	client := newClient(t)

	primary, secondary := srv.Addrs()
	for _, addr := range []types.Endpoint{primary, secondary} {
		send(t, client, addr, &wire.Query{})
		m := recv(t, client, time.Second)
		addrMsg, ok := m.(*wire.Address)
		require.True(t, ok, "expected ADDRESS, got %T", m)
		assert.Equal(t, localEP(client), addrMsg.Observed)
	}

	assert.Zero(t, srv.Registry().Count())
	assert.Equal(t, uint64(2), srv.Stats().Queries)
	assert.Zero(t, srv.Stats().Registers)
}

func TestServerDropsMalformed(t *testing.T) {
	srv := startServer(t, testConfig())
	conn := newClient(t)
	primary, _ := srv.Addrs()

	garbage := [][]byte{
		{},
		{0x01},
		[]byte("not a frame at all"),
		wire.Encode(&wire.Register{ID: "x"})[:4],
		wire.Encode(&wire.PunchProbe{}), // valid frame, not a server request
	}
	for _, g := range garbage {
		_, err := conn.WriteToUDPAddrPort(g, primary.AddrPort)
		require.NoError(t, err)
	}

	assert.Nil(t, recv(t, conn, 200*time.Millisecond), "server must not reply to malformed datagrams")
	assert.Equal(t, 0, srv.Registry().Count())

	// Still serving
	register(t, srv, conn, "after-garbage")
	assert.GreaterOrEqual(t, srv.Stats().Dropped, uint64(len(garbage)-1))
}

func TestServerDenyList(t *testing.T) {
	cfg := testConfig()
	cfg.Deny = []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")}
	srv := startServer(t, cfg)
	conn := newClient(t)
	primary, _ := srv.Addrs()

	send(t, conn, primary, &wire.Register{ID: "banned"})

	assert.Nil(t, recv(t, conn, 200*time.Millisecond))
	_, ok := srv.Registry().Lookup("banned")
	assert.False(t, ok)
}

func TestServerRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 0.1
	cfg.RateBurst = 2
	srv := startServer(t, cfg)
	conn := newClient(t)
	primary, _ := srv.Addrs()

	for i := 0; i < 5; i++ {
		send(t, conn, primary, &wire.Register{ID: "chatty"})
	}

	acks := 0
	for recv(t, conn, 200*time.Millisecond) != nil {
		acks++
	}
	assert.Equal(t, 2, acks)
	assert.Equal(t, uint64(3), srv.Stats().Dropped)
}

func TestServerCloseIdempotent(t *testing.T) {
	srv, err := NewServer(testConfig(), registry.New())
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	select {
	case <-srv.Ready():
	default:
		t.Fatal("Ready should be closed after Listen")
	}

	assert.NoError(t, srv.Close())
	assert.NoError(t, srv.Close())

	// Serve after Close returns promptly
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestServeBeforeListen(t *testing.T) {
	srv, err := NewServer(testConfig(), registry.New())
	require.NoError(t, err)
	assert.Error(t, srv.Serve(context.Background()))
}
