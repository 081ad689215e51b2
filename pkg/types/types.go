package types

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// PeerID is the operator-chosen identity a peer registers under
type PeerID string

// MaxPeerIDLen is the longest identity that fits the wire encoding
const MaxPeerIDLen = 255

// Validate checks that the identity can be carried on the wire
func (id PeerID) Validate() error {
	if len(id) == 0 {
		return errors.New("peer id is empty")
	}
	if len(id) > MaxPeerIDLen {
		return fmt.Errorf("peer id too long: %d bytes (max %d)", len(id), MaxPeerIDLen)
	}
	return nil
}

// Endpoint represents a network endpoint with IP and port.
// The zero value means the endpoint is missing.
type Endpoint struct {
	AddrPort netip.AddrPort
}

// NewEndpoint builds an endpoint from an address and port
func NewEndpoint(addr netip.Addr, port uint16) Endpoint {
	return Endpoint{AddrPort: netip.AddrPortFrom(addr.Unmap(), port)}
}

// ParseEndpoint parses "ip:port"
func ParseEndpoint(s string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", s, err)
	}
	return NewEndpoint(ap.Addr(), ap.Port()), nil
}

// EndpointFromUDPAddr converts the address a datagram arrived from
func EndpointFromUDPAddr(addr *net.UDPAddr) Endpoint {
	if addr == nil {
		return Endpoint{}
	}
	ap := addr.AddrPort()
	return NewEndpoint(ap.Addr(), ap.Port())
}

// EndpointFromAddr converts any net.Addr backed by a UDP address
func EndpointFromAddr(addr net.Addr) Endpoint {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return EndpointFromUDPAddr(a)
	case nil:
		return Endpoint{}
	default:
		ep, err := ParseEndpoint(a.String())
		if err != nil {
			return Endpoint{}
		}
		return ep
	}
}

// IsValid reports whether the endpoint is present
func (e Endpoint) IsValid() bool {
	return e.AddrPort.IsValid()
}

// Port returns the endpoint port
func (e Endpoint) Port() uint16 {
	return e.AddrPort.Port()
}

// Addr returns the endpoint IP
func (e Endpoint) Addr() netip.Addr {
	return e.AddrPort.Addr()
}

// UDPAddr returns the endpoint as a *net.UDPAddr for socket writes
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(e.AddrPort)
}

// String returns a string representation of the endpoint
func (e Endpoint) String() string {
	if !e.IsValid() {
		return "<none>"
	}
	return e.AddrPort.String()
}
