// Package wire defines the datagram formats exchanged between peers and the
// rendezvous server.
//
// Every frame is laid out as
//
//	[type(1)][type-specific fields...][magic(4)]
//
// Integers are big-endian. The trailing magic lets receivers drop datagrams
// that were not produced by this protocol before looking at any field.
package wire

import (
	"errors"
	"fmt"

	"github.com/saintparish4/burrow/pkg/types"
)

// Type is the one-byte tag that starts every frame
type Type uint8

const (
	// Peer <-> rendezvous server
	TypeRegister       Type = 0x01
	TypeRegisterAck    Type = 0x02
	TypeLookup         Type = 0x03
	TypeLookupResponse Type = 0x04
	TypePeerNotify     Type = 0x05
	TypeQuery          Type = 0x06
	TypeAddress        Type = 0x07

	// Peer <-> peer, hole punching
	TypePunchProbe Type = 0x10
	TypePunchAck   Type = 0x11

	// Peer <-> peer, reliable channel
	TypeData   Type = 0x20
	TypeAck    Type = 0x21
	TypeFin    Type = 0x22
	TypeFinAck Type = 0x23
)

func (t Type) String() string {
	switch t {
	case TypeRegister:
		return "REGISTER"
	case TypeRegisterAck:
		return "REGISTER_ACK"
	case TypeLookup:
		return "LOOKUP"
	case TypeLookupResponse:
		return "LOOKUP_RESPONSE"
	case TypePeerNotify:
		return "PEER_NOTIFY"
	case TypeQuery:
		return "QUERY"
	case TypeAddress:
		return "ADDRESS"
	case TypePunchProbe:
		return "PUNCH_PROBE"
	case TypePunchAck:
		return "PUNCH_ACK"
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	case TypeFin:
		return "FIN"
	case TypeFinAck:
		return "FIN_ACK"
	default:
		return fmt.Sprintf("0x%02X", uint8(t))
	}
}

// Magic trails every frame
const Magic uint32 = 0xCD7E56E6

const (
	// MagicSize is the size of the trailing magic
	MagicSize = 4

	// NonceSize is the size of a punch session nonce
	NonceSize = 16

	// DigestSize is the size of the whole-file SHA-256 digest
	DigestSize = 32

	// DataHeaderSize is type + seq + checksum
	DataHeaderSize = 1 + 4 + 4

	// MaxDatagramSize is the largest frame a receiver needs to buffer
	MaxDatagramSize = 65535
)

var (
	// ErrShortFrame is returned for frames too small to hold their fields
	ErrShortFrame = errors.New("wire: short frame")

	// ErrBadMagic is returned when the trailing magic is missing
	ErrBadMagic = errors.New("wire: bad magic")

	// ErrUnknownType is returned for an unrecognised type tag
	ErrUnknownType = errors.New("wire: unknown message type")

	// ErrTrailingBytes is returned when a fixed-size frame carries extra bytes
	ErrTrailingBytes = errors.New("wire: trailing bytes")
)

// Message is implemented by every frame type
type Message interface {
	Type() Type
	appendFields(b []byte) []byte
	decodeFields(r *reader)
}

// Register binds the sender's identity to the source endpoint seen by the
// listener that receives it
type Register struct {
	ID types.PeerID
}

// RegisterAck echoes the endpoint the listener observed
type RegisterAck struct {
	Observed types.Endpoint
}

// Lookup asks for a peer's observed endpoints. Requester may be empty.
type Lookup struct {
	Target    types.PeerID
	Requester types.PeerID
}

// LookupResponse carries the target's candidates and the requester's own
// observations for self-classification
type LookupResponse struct {
	Found           bool
	TargetPrimary   types.Endpoint
	TargetSecondary types.Endpoint
	SelfPrimary     types.Endpoint
	SelfSecondary   types.Endpoint
}

// PeerNotify tells a registered peer that another peer looked it up
type PeerNotify struct {
	Requester          types.PeerID
	RequesterPrimary   types.Endpoint
	RequesterSecondary types.Endpoint
	SelfPrimary        types.Endpoint
	SelfSecondary      types.Endpoint
}

// Query asks a listener for the sender's observed endpoint without
// registering anything
type Query struct{}

// Address answers a Query with the endpoint the listener observed
type Address struct {
	Observed types.Endpoint
}

// PunchProbe attempts to open or confirm a NAT mapping
type PunchProbe struct {
	Nonce [NonceSize]byte
}

// PunchAck is only ever sent in reply to a PunchProbe
type PunchAck struct {
	Nonce [NonceSize]byte
}

// Data is a sequenced payload segment
type Data struct {
	Seq      uint32
	Checksum uint32
	Payload  []byte
}

// Ack acknowledges exactly one Data sequence number
type Ack struct {
	Seq uint32
}

// Fin announces the end of the transfer with the whole-file digest
type Fin struct {
	Digest [DigestSize]byte
}

// FinAck acknowledges a Fin. OK is false when the digest did not verify.
type FinAck struct {
	OK bool
}

func (*Register) Type() Type       { return TypeRegister }
func (*RegisterAck) Type() Type    { return TypeRegisterAck }
func (*Lookup) Type() Type         { return TypeLookup }
func (*LookupResponse) Type() Type { return TypeLookupResponse }
func (*PeerNotify) Type() Type     { return TypePeerNotify }
func (*Query) Type() Type          { return TypeQuery }
func (*Address) Type() Type        { return TypeAddress }
func (*PunchProbe) Type() Type     { return TypePunchProbe }
func (*PunchAck) Type() Type       { return TypePunchAck }
func (*Data) Type() Type           { return TypeData }
func (*Ack) Type() Type            { return TypeAck }
func (*Fin) Type() Type            { return TypeFin }
func (*FinAck) Type() Type         { return TypeFinAck }

// NewData builds a data segment with its checksum filled in
func NewData(seq uint32, payload []byte) *Data {
	return &Data{
		Seq:      seq,
		Checksum: Checksum(seq, payload),
		Payload:  payload,
	}
}

// Verify reports whether the checksum matches the sequence number and payload
func (d *Data) Verify() bool {
	return d.Checksum == Checksum(d.Seq, d.Payload)
}
