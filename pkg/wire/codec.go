package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"net/netip"

	"github.com/saintparish4/burrow/pkg/types"
)

var crcTable = crc32.MakeTable(crc32.IEEE)

// Checksum computes CRC32 (IEEE) over the sequence number and payload
func Checksum(seq uint32, payload []byte) uint32 {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], seq)
	crc := crc32.Update(0, crcTable, hdr[:])
	return crc32.Update(crc, crcTable, payload)
}

// Encode serializes a message into a datagram
func Encode(m Message) []byte {
	return AppendEncode(make([]byte, 0, 64), m)
}

// AppendEncode appends the encoded message to b
func AppendEncode(b []byte, m Message) []byte {
	b = append(b, byte(m.Type()))
	b = m.appendFields(b)
	return binary.BigEndian.AppendUint32(b, Magic)
}

// Decode parses a datagram. Byte slices in the result never alias data.
func Decode(data []byte) (Message, error) {
	if len(data) < 1+MagicSize {
		return nil, ErrShortFrame
	}
	if binary.BigEndian.Uint32(data[len(data)-MagicSize:]) != Magic {
		return nil, ErrBadMagic
	}

	m, err := newMessage(Type(data[0]))
	if err != nil {
		return nil, err
	}

	r := &reader{buf: data[1 : len(data)-MagicSize]}
	m.decodeFields(r)
	if r.err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.Type(), r.err)
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("decode %s: %w", m.Type(), ErrTrailingBytes)
	}
	return m, nil
}

func newMessage(t Type) (Message, error) {
	switch t {
	case TypeRegister:
		return &Register{}, nil
	case TypeRegisterAck:
		return &RegisterAck{}, nil
	case TypeLookup:
		return &Lookup{}, nil
	case TypeLookupResponse:
		return &LookupResponse{}, nil
	case TypePeerNotify:
		return &PeerNotify{}, nil
	case TypeQuery:
		return &Query{}, nil
	case TypeAddress:
		return &Address{}, nil
	case TypePunchProbe:
		return &PunchProbe{}, nil
	case TypePunchAck:
		return &PunchAck{}, nil
	case TypeData:
		return &Data{}, nil
	case TypeAck:
		return &Ack{}, nil
	case TypeFin:
		return &Fin{}, nil
	case TypeFinAck:
		return &FinAck{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
}

// --- Field encoders ---

func (m *Register) appendFields(b []byte) []byte {
	return appendPeerID(b, m.ID)
}

func (m *Register) decodeFields(r *reader) {
	m.ID = r.peerID()
	if r.err == nil && m.ID == "" {
		r.err = fmt.Errorf("empty identity")
	}
}

func (m *RegisterAck) appendFields(b []byte) []byte {
	return appendEndpoint(b, m.Observed)
}

func (m *RegisterAck) decodeFields(r *reader) {
	m.Observed = r.endpoint()
}

func (m *Lookup) appendFields(b []byte) []byte {
	b = appendPeerID(b, m.Target)
	return appendPeerID(b, m.Requester)
}

func (m *Lookup) decodeFields(r *reader) {
	m.Target = r.peerID()
	m.Requester = r.peerID()
	if r.err == nil && m.Target == "" {
		r.err = fmt.Errorf("empty target identity")
	}
}

func (m *LookupResponse) appendFields(b []byte) []byte {
	b = appendBool(b, m.Found)
	b = appendEndpoint(b, m.TargetPrimary)
	b = appendEndpoint(b, m.TargetSecondary)
	b = appendEndpoint(b, m.SelfPrimary)
	return appendEndpoint(b, m.SelfSecondary)
}

func (m *LookupResponse) decodeFields(r *reader) {
	m.Found = r.bool()
	m.TargetPrimary = r.endpoint()
	m.TargetSecondary = r.endpoint()
	m.SelfPrimary = r.endpoint()
	m.SelfSecondary = r.endpoint()
}

func (m *PeerNotify) appendFields(b []byte) []byte {
	b = appendPeerID(b, m.Requester)
	b = appendEndpoint(b, m.RequesterPrimary)
	b = appendEndpoint(b, m.RequesterSecondary)
	b = appendEndpoint(b, m.SelfPrimary)
	return appendEndpoint(b, m.SelfSecondary)
}

func (m *PeerNotify) decodeFields(r *reader) {
	m.Requester = r.peerID()
	m.RequesterPrimary = r.endpoint()
	m.RequesterSecondary = r.endpoint()
	m.SelfPrimary = r.endpoint()
	m.SelfSecondary = r.endpoint()
	if r.err == nil && m.Requester == "" {
		r.err = fmt.Errorf("empty requester identity")
	}
}

func (m *Query) appendFields(b []byte) []byte { return b }

func (m *Query) decodeFields(r *reader) {}

func (m *Address) appendFields(b []byte) []byte {
	return appendEndpoint(b, m.Observed)
}

func (m *Address) decodeFields(r *reader) {
	m.Observed = r.endpoint()
}

func (m *PunchProbe) appendFields(b []byte) []byte {
	return append(b, m.Nonce[:]...)
}

func (m *PunchProbe) decodeFields(r *reader) {
	copy(m.Nonce[:], r.bytes(NonceSize))
}

func (m *PunchAck) appendFields(b []byte) []byte {
	return append(b, m.Nonce[:]...)
}

func (m *PunchAck) decodeFields(r *reader) {
	copy(m.Nonce[:], r.bytes(NonceSize))
}

func (m *Data) appendFields(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, m.Seq)
	b = binary.BigEndian.AppendUint32(b, m.Checksum)
	return append(b, m.Payload...)
}

func (m *Data) decodeFields(r *reader) {
	m.Seq = r.uint32()
	m.Checksum = r.uint32()
	m.Payload = append([]byte(nil), r.rest()...)
}

func (m *Ack) appendFields(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, m.Seq)
}

func (m *Ack) decodeFields(r *reader) {
	m.Seq = r.uint32()
}

func (m *Fin) appendFields(b []byte) []byte {
	return append(b, m.Digest[:]...)
}

func (m *Fin) decodeFields(r *reader) {
	copy(m.Digest[:], r.bytes(DigestSize))
}

func (m *FinAck) appendFields(b []byte) []byte {
	return appendBool(b, m.OK)
}

func (m *FinAck) decodeFields(r *reader) {
	m.OK = r.bool()
}

// --- Primitives ---

// Endpoint family tags
const (
	familyNone = 0
	familyIPv4 = 4
	familyIPv6 = 6
)

func appendPeerID(b []byte, id types.PeerID) []byte {
	if len(id) > types.MaxPeerIDLen {
		id = id[:types.MaxPeerIDLen]
	}
	b = append(b, byte(len(id)))
	return append(b, id...)
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

func appendEndpoint(b []byte, ep types.Endpoint) []byte {
	if !ep.IsValid() {
		return append(b, familyNone)
	}
	addr := ep.Addr()
	if addr.Is4() {
		b = append(b, familyIPv4)
		a4 := addr.As4()
		b = append(b, a4[:]...)
	} else {
		b = append(b, familyIPv6)
		a16 := addr.As16()
		b = append(b, a16[:]...)
	}
	return binary.BigEndian.AppendUint16(b, ep.Port())
}

// reader walks a frame body, latching the first error
type reader struct {
	buf []byte
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = ErrShortFrame
		return nil
	}
	v := r.buf[:n]
	r.buf = r.buf[n:]
	return v
}

func (r *reader) rest() []byte {
	if r.err != nil {
		return nil
	}
	v := r.buf
	r.buf = nil
	return v
}

func (r *reader) uint8() uint8 {
	v := r.bytes(1)
	if v == nil {
		return 0
	}
	return v[0]
}

func (r *reader) uint16() uint16 {
	v := r.bytes(2)
	if v == nil {
		return 0
	}
	return binary.BigEndian.Uint16(v)
}

func (r *reader) uint32() uint32 {
	v := r.bytes(4)
	if v == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v)
}

func (r *reader) bool() bool {
	switch r.uint8() {
	case 0:
		return false
	case 1:
		return true
	default:
		if r.err == nil {
			r.err = fmt.Errorf("invalid bool")
		}
		return false
	}
}

func (r *reader) peerID() types.PeerID {
	n := int(r.uint8())
	return types.PeerID(r.bytes(n))
}

func (r *reader) endpoint() types.Endpoint {
	family := r.uint8()
	var addr netip.Addr
	switch family {
	case familyNone:
		return types.Endpoint{}
	case familyIPv4:
		var a4 [4]byte
		copy(a4[:], r.bytes(4))
		addr = netip.AddrFrom4(a4)
	case familyIPv6:
		var a16 [16]byte
		copy(a16[:], r.bytes(16))
		addr = netip.AddrFrom16(a16)
	default:
		if r.err == nil {
			r.err = fmt.Errorf("invalid address family %d", family)
		}
		return types.Endpoint{}
	}
	port := r.uint16()
	if r.err != nil {
		return types.Endpoint{}
	}
	return types.NewEndpoint(addr, port)
}
