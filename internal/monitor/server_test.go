package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/burrow/internal/registry"
	"github.com/saintparish4/burrow/internal/rendezvous"
	"github.com/saintparish4/burrow/pkg/nat"
	"github.com/saintparish4/burrow/pkg/types"
	"github.com/saintparish4/burrow/pkg/wire"
)

// setup starts a rendezvous server with a monitor attached
func setup(t *testing.T) (*rendezvous.Server, *Server, *httptest.Server) {
	t.Helper()

	cfg := rendezvous.DefaultConfig()
	cfg.PrimaryAddr = "127.0.0.1:0"
	cfg.SecondaryAddr = "127.0.0.1:0"
	src, err := rendezvous.NewServer(cfg, registry.New())
	require.NoError(t, err)

	mon := NewServer(DefaultConfig(), src)

	require.NoError(t, src.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		src.Serve(ctx)
	}()

	ts := httptest.NewServer(mon.HandlerFunc())
	t.Cleanup(func() {
		mon.Hub().CloseAll()
		ts.Close()
		cancel()
		<-done
	})
	return src, mon, ts
}

func sendUDP(t *testing.T, conn *net.UDPConn, to types.Endpoint, msg wire.Message) {
	t.Helper()
	_, err := conn.WriteToUDPAddrPort(wire.Encode(msg), to.AddrPort)
	require.NoError(t, err)
}

func dialFeed(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return &ev
}

func TestHealthEndpoint(t *testing.T) {
	_, _, ts := setup(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%v'", body["status"])
	}
	if _, ok := body["timestamp"]; !ok {
		t.Error("response should include timestamp")
	}
}

func TestHealthMethodNotAllowed(t *testing.T) {
	_, mon, _ := setup(t)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	mon.HandlerFunc().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	_, mon, _ := setup(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/stats", nil)
	w := httptest.NewRecorder()
	mon.HandlerFunc().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestNotFound(t *testing.T) {
	_, mon, _ := setup(t)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()
	mon.HandlerFunc().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "/nope")
}

func TestPeersEndpoints(t *testing.T) {
	src, mon, _ := setup(t)

	reg := src.Registry()
	a, _ := types.ParseEndpoint("198.51.100.7:4000")
	b, _ := types.ParseEndpoint("198.51.100.7:4001")
	reg.Register("alice", registry.Primary, a)
	reg.Register("alice", registry.Secondary, b)

	w := httptest.NewRecorder()
	mon.HandlerFunc().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/peers", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var list struct {
		Peers []PeerInfo `json:"peers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Peers, 1)
	assert.Equal(t, types.PeerID("alice"), list.Peers[0].PeerID)
	assert.Equal(t, nat.PortVariable.String(), list.Peers[0].NAT)

	w = httptest.NewRecorder()
	mon.HandlerFunc().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/peers/alice", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var info PeerInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, a, info.Primary)
	assert.Equal(t, b, info.Secondary)

	w = httptest.NewRecorder()
	mon.HandlerFunc().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/peers/ghost", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatsEndpoint(t *testing.T) {
	src, mon, _ := setup(t)

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer client.Close()

	primary, _ := src.Addrs()
	sendUDP(t, client, primary, &wire.Register{ID: "alice"})

	require.Eventually(t, func() bool {
		return src.Stats().Registers == 1
	}, 2*time.Second, 10*time.Millisecond)

	w := httptest.NewRecorder()
	mon.HandlerFunc().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Server      rendezvous.Stats `json:"server"`
		Subscribers int              `json:"subscribers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, uint64(1), body.Server.Registers)
	assert.Equal(t, 1, body.Server.Registry.Total)
	assert.Zero(t, body.Subscribers)
}

func TestFeedStreamsEvents(t *testing.T) {
	src, mon, ts := setup(t)

	// Registered before subscribing: shows up in the snapshot
	seed, _ := types.ParseEndpoint("198.51.100.7:4000")
	src.Registry().Register("early", registry.Primary, seed)

	feed := dialFeed(t, ts)

	ev := readEvent(t, feed)
	require.Equal(t, EventTypeSnapshot, ev.Type)
	var snap SnapshotPayload
	require.NoError(t, ev.ParsePayload(&snap))
	require.Len(t, snap.Peers, 1)
	assert.Equal(t, types.PeerID("early"), snap.Peers[0].PeerID)
	assert.Equal(t, 1, mon.Hub().Count())

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer client.Close()

	primary, _ := src.Addrs()
	sendUDP(t, client, primary, &wire.Register{ID: "alice"})

	ev = readEvent(t, feed)
	require.Equal(t, EventTypeRegistered, ev.Type)
	assert.Equal(t, types.PeerID("alice"), ev.PeerID)
	var reg RegisteredPayload
	require.NoError(t, ev.ParsePayload(&reg))
	assert.Equal(t, registry.Primary.String(), reg.Listener)
	assert.Equal(t, types.EndpointFromAddr(client.LocalAddr()), reg.Peer.Primary)

	sendUDP(t, client, primary, &wire.Lookup{Target: "ghost", Requester: "alice"})

	ev = readEvent(t, feed)
	require.Equal(t, EventTypeLookup, ev.Type)
	assert.Equal(t, types.PeerID("alice"), ev.PeerID)
	assert.Equal(t, types.PeerID("ghost"), ev.TargetID)
	var lookup LookupPayload
	require.NoError(t, ev.ParsePayload(&lookup))
	assert.False(t, lookup.Found)
}

func TestFeedUnsubscribesOnClose(t *testing.T) {
	_, mon, ts := setup(t)

	feed := dialFeed(t, ts)
	readEvent(t, feed)
	require.Equal(t, 1, mon.Hub().Count())

	feed.Close()
	require.Eventually(t, func() bool {
		return mon.Hub().Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	cfg := rendezvous.DefaultConfig()
	src, err := rendezvous.NewServer(cfg, registry.New())
	require.NoError(t, err)

	mon := NewServer(DefaultConfig(), src)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- mon.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not shut down")
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewHub()
	sub := newSubscriber(nopConn{}, 2)
	hub.add(sub)

	assert.Equal(t, 1, hub.Publish(NewEvent(EventTypeLookup)))
	assert.Equal(t, 1, hub.Publish(NewEvent(EventTypeLookup)))
	assert.Equal(t, 0, hub.Publish(NewEvent(EventTypeLookup)), "queue full")
	assert.Equal(t, 1, sub.Dropped())

	hub.CloseAll()
	assert.True(t, sub.IsClosed())
	assert.Zero(t, hub.Count())
}

// nopConn is a Conn that never delivers anything
type nopConn struct{}

func (nopConn) WriteMessage(int, []byte) error { return nil }
func (nopConn) ReadMessage() (int, []byte, error) { return 0, nil, net.ErrClosed }
func (nopConn) Close() error { return nil }
func (nopConn) SetWriteDeadline(time.Time) error { return nil }
func (nopConn) SetReadDeadline(time.Time) error { return nil }
func (nopConn) SetReadLimit(int64) {}
func (nopConn) SetPongHandler(func(string) error) {}
