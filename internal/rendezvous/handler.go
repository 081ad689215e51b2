package rendezvous

import (
	"net"
	"net/netip"

	"github.com/saintparish4/burrow/internal/registry"
	"github.com/saintparish4/burrow/pkg/types"
	"github.com/saintparish4/burrow/pkg/wire"
)

// handlePacket processes one datagram. Anything that is not a well-formed
// server request is dropped without a reply.
func (s *Server) handlePacket(conn *net.UDPConn, tag registry.ListenerTag, data []byte, src netip.AddrPort) {
	s.received.Add(1)

	addr := src.Addr().Unmap()
	if s.deny != nil && s.deny.Contains(addr) {
		s.dropped.Add(1)
		return
	}
	if !s.limiter.Allow(addr) {
		s.dropped.Add(1)
		s.logger.Debug("rate limited", "from", src)
		return
	}

	msg, err := wire.Decode(data)
	if err != nil {
		s.dropped.Add(1)
		s.logger.Debug("dropping malformed datagram", "from", src, "listener", tag, "err", err)
		return
	}

	observed := types.NewEndpoint(src.Addr(), src.Port())

	switch m := msg.(type) {
	case *wire.Register:
		s.handleRegister(conn, tag, m, src, observed)
	case *wire.Lookup:
		s.handleLookup(conn, tag, m, src, observed)
	case *wire.Query:
		s.queries.Add(1)
		s.reply(conn, src, &wire.Address{Observed: observed})
	default:
		s.dropped.Add(1)
		s.logger.Debug("dropping unexpected message", "type", msg.Type(), "from", src)
	}
}

func (s *Server) handleRegister(conn *net.UDPConn, tag registry.ListenerTag, m *wire.Register, src netip.AddrPort, observed types.Endpoint) {
	s.registers.Add(1)

	// Only the datagram source is recorded, never a claimed address
	s.registry.Register(m.ID, tag, observed)
	s.logger.Debug("register", "id", m.ID, "listener", tag, "observed", observed)

	s.reply(conn, src, &wire.RegisterAck{Observed: observed})
}

func (s *Server) handleLookup(conn *net.UDPConn, tag registry.ListenerTag, m *wire.Lookup, src netip.AddrPort, observed types.Endpoint) {
	s.lookups.Add(1)

	resp := &wire.LookupResponse{}

	// Echo what we know about the requester so it can classify itself. A
	// requester only counts as known when the lookup arrives from one of its
	// registered mappings, so a bare ID cannot trigger a notify.
	requester, requesterKnown := registry.Entry{}, false
	if m.Requester != "" {
		requester, requesterKnown = s.registry.Lookup(m.Requester)
		if requesterKnown && requester.Primary != observed && requester.Secondary != observed {
			s.logger.Debug("lookup from unregistered source", "requester", m.Requester, "from", src)
			requester, requesterKnown = registry.Entry{}, false
		}
	}
	if requesterKnown {
		resp.SelfPrimary = requester.Primary
		resp.SelfSecondary = requester.Secondary
	} else if tag == registry.Primary {
		resp.SelfPrimary = observed
	} else {
		resp.SelfSecondary = observed
	}

	target, found := s.registry.Lookup(m.Target)
	if found {
		resp.Found = true
		resp.TargetPrimary = target.Primary
		resp.TargetSecondary = target.Secondary
	}

	s.logger.Debug("lookup", "target", m.Target, "requester", m.Requester, "found", found)
	s.reply(conn, src, resp)

	if found && requesterKnown && target.Primary.IsValid() {
		s.notify(target, requester)
	}

	if s.OnLookup != nil {
		s.OnLookup(m.Target, m.Requester, found)
	}
}

// notify tells the lookup target who is about to punch toward it. Sent from
// the primary listener, which is where the target's primary mapping points.
func (s *Server) notify(target, requester registry.Entry) {
	s.notifies.Add(1)
	s.reply(s.primary, target.Primary.AddrPort, &wire.PeerNotify{
		Requester:          requester.ID,
		RequesterPrimary:   requester.Primary,
		RequesterSecondary: requester.Secondary,
		SelfPrimary:        target.Primary,
		SelfSecondary:      target.Secondary,
	})
}

func (s *Server) reply(conn *net.UDPConn, dst netip.AddrPort, msg wire.Message) {
	if _, err := conn.WriteToUDPAddrPort(wire.Encode(msg), dst); err != nil {
		s.logger.Debug("reply failed", "type", msg.Type(), "to", dst, "err", err)
	}
}
