// Package netutil inspects the host's own interface addresses
package netutil

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"go4.org/netipx"
)

// privateRanges holds addresses that are never reachable from the public
// internet without a NAT in between
var privateRanges = mustSet(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16", // link-local
	"100.64.0.0/10",  // carrier-grade NAT
	"fc00::/7",       // unique local
	"fe80::/10",      // link-local
)

func mustSet(prefixes ...string) *netipx.IPSet {
	var b netipx.IPSetBuilder
	for _, p := range prefixes {
		b.AddPrefix(netip.MustParsePrefix(p))
	}
	set, err := b.IPSet()
	if err != nil {
		panic(err)
	}
	return set
}

// IsPrivate reports whether addr is in a private, shared or link-local range
func IsPrivate(addr netip.Addr) bool {
	return addr.IsValid() && privateRanges.Contains(addr.Unmap())
}

// IsPublic reports whether addr is routable on the public internet
func IsPublic(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsUnspecified() || addr.IsMulticast() {
		return false
	}
	return !IsPrivate(addr)
}

// LocalAddrs returns the unicast addresses of every interface that is up,
// skipping loopback
func LocalAddrs() ([]netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var out []netip.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			addr, ok := netipx.FromStdIP(ip)
			if !ok || addr.IsLoopback() {
				continue
			}
			out = append(out, addr)
		}
	}
	return out, nil
}

// PrivateAddrs returns the local addresses in private ranges
func PrivateAddrs() ([]netip.Addr, error) {
	all, err := LocalAddrs()
	if err != nil {
		return nil, err
	}
	var out []netip.Addr
	for _, addr := range all {
		if IsPrivate(addr) {
			out = append(out, addr)
		}
	}
	return out, nil
}

// PreferredLocalAddr returns the IPv4 address the host would use to reach
// the internet. Dialing UDP sends nothing; it only consults the routing
// table. Falls back to the first local IPv4 address.
func PreferredLocalAddr() (netip.Addr, error) {
	if conn, err := net.Dial("udp4", "192.0.2.1:9"); err == nil {
		defer conn.Close()
		if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			if addr, ok := netipx.FromStdIP(ua.IP); ok && !addr.IsUnspecified() {
				return addr, nil
			}
		}
	}

	addrs, err := LocalAddrs()
	if err != nil {
		return netip.Addr{}, err
	}
	for _, addr := range addrs {
		if addr.Is4() {
			return addr, nil
		}
	}
	return netip.Addr{}, errors.New("no local IPv4 address")
}

// HostAddr replaces an unspecified bind address with the preferred local
// address so it can be shown to a user
func HostAddr(bound netip.AddrPort) netip.AddrPort {
	if !bound.Addr().IsUnspecified() {
		return bound
	}
	addr, err := PreferredLocalAddr()
	if err != nil {
		return bound
	}
	return netip.AddrPortFrom(addr, bound.Port())
}
