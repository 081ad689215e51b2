package netutil

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPrivate(t *testing.T) {
	tests := []struct {
		name     string
		ip       string
		expected bool
	}{
		{"10.0.0.0/8 start", "10.0.0.1", true},
		{"10.0.0.0/8 end", "10.255.255.254", true},
		{"172.16.0.0/12 start", "172.16.0.1", true},
		{"172.16.0.0/12 end", "172.31.255.254", true},
		{"192.168.0.0/16", "192.168.1.10", true},
		{"link-local", "169.254.1.1", true},
		{"carrier-grade NAT", "100.64.0.1", true},
		{"mapped private", "::ffff:10.1.2.3", true},

		{"public 1", "8.8.8.8", false},
		{"public 2", "203.0.113.1", false},
		{"outside 172 low", "172.15.255.254", false},
		{"outside 172 high", "172.32.0.1", false},
		{"outside CGN", "100.128.0.1", false},

		{"IPv6 ULA fc00::/7", "fc00::1", true},
		{"IPv6 ULA fd00::/8", "fd12:3456::1", true},
		{"IPv6 link-local", "fe80::1", true},
		{"IPv6 global", "2001:db8::1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := netip.MustParseAddr(tt.ip)
			assert.Equal(t, tt.expected, IsPrivate(addr))
		})
	}

	assert.False(t, IsPrivate(netip.Addr{}))
}

func TestIsPublic(t *testing.T) {
	assert.True(t, IsPublic(netip.MustParseAddr("198.51.100.7")))
	assert.False(t, IsPublic(netip.MustParseAddr("127.0.0.1")))
	assert.False(t, IsPublic(netip.MustParseAddr("0.0.0.0")))
	assert.False(t, IsPublic(netip.MustParseAddr("224.0.0.1")))
	assert.False(t, IsPublic(netip.MustParseAddr("192.168.0.1")))
	assert.False(t, IsPublic(netip.Addr{}))
}

func TestLocalAddrsSkipLoopback(t *testing.T) {
	addrs, err := LocalAddrs()
	require.NoError(t, err)
	for _, addr := range addrs {
		assert.False(t, addr.IsLoopback(), addr.String())
	}

	private, err := PrivateAddrs()
	require.NoError(t, err)
	for _, addr := range private {
		assert.True(t, IsPrivate(addr), addr.String())
	}
}

func TestHostAddr(t *testing.T) {
	bound := netip.MustParseAddrPort("127.0.0.1:4000")
	assert.Equal(t, bound, HostAddr(bound), "specific bind is kept")

	got := HostAddr(netip.MustParseAddrPort("0.0.0.0:4000"))
	assert.Equal(t, uint16(4000), got.Port())
	if _, err := PreferredLocalAddr(); err == nil {
		assert.False(t, got.Addr().IsUnspecified())
	}
}
