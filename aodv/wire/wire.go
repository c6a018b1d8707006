// Package wire encodes and decodes the four AODV control messages.
//
// Every message starts with a one-byte type discriminator. The body is a
// protobuf-wire field sequence: fields are tagged, so the two EOCW path
// accumulators ride as ordinary appended fields on requests and replies and
// older peers simply skip them. A decoder that does not see the accumulators
// reads them as 1.0 (a perfectly healthy path).
package wire

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Type is the leading discriminator byte.
type Type uint8

const (
	TypeRequest  Type = 1
	TypeReply    Type = 2
	TypeError    Type = 3
	TypeReplyAck Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "rreq"
	case TypeReply:
		return "rrep"
	case TypeError:
		return "rerr"
	case TypeReplyAck:
		return "rrep_ack"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// MaxUnreachable bounds the destinations carried by one route error.
const MaxUnreachable = 255

var (
	ErrShortBuffer        = errors.New("wire: buffer too short")
	ErrUnknownType        = errors.New("wire: unknown message type")
	ErrMalformed          = errors.New("wire: malformed message")
	ErrTooManyUnreachable = errors.New("wire: too many unreachable destinations")
)

// Message is implemented by *Request, *Reply, *Error and *ReplyAck.
type Message interface {
	Type() Type
}

// Request is a route request (RREQ).
type Request struct {
	Gratuitous      bool
	DestinationOnly bool
	UnknownSeqNo    bool
	HopCount        uint8
	ID              uint32
	Destination     netip.Addr
	DestSeqNo       uint32
	Origin          netip.Addr
	OriginSeqNo     uint32

	// Running minimum residual energy and running mean congestion score
	// along the path travelled so far.
	PathMinEnergy     float64
	PathAvgCongestion float64
}

func (*Request) Type() Type { return TypeRequest }

// Reply is a route reply (RREP). A reply whose destination equals its
// origin is a hello.
type Reply struct {
	AckRequired bool
	PrefixSize  uint8
	HopCount    uint8
	Destination netip.Addr
	DestSeqNo   uint32
	Origin      netip.Addr
	// Lifetime travels with millisecond resolution.
	Lifetime time.Duration

	PathMinEnergy     float64
	PathAvgCongestion float64
}

func (*Reply) Type() Type { return TypeReply }

// IsHello reports whether r is a liveness announcement.
func (r *Reply) IsHello() bool {
	return r.Destination == r.Origin
}

// Unreachable is one entry of a route error.
type Unreachable struct {
	Addr  netip.Addr
	SeqNo uint32
}

// Error is a route error (RERR).
type Error struct {
	NoDelete    bool
	Unreachable []Unreachable
}

func (*Error) Type() Type { return TypeError }

// Add appends an unreachable destination. It returns false when the message
// is already full; a destination already listed is accepted without being
// duplicated.
func (e *Error) Add(addr netip.Addr, seq uint32) bool {
	for _, u := range e.Unreachable {
		if u.Addr == addr {
			return true
		}
	}
	if len(e.Unreachable) >= MaxUnreachable {
		return false
	}
	e.Unreachable = append(e.Unreachable, Unreachable{Addr: addr, SeqNo: seq})
	return true
}

// Len is the number of unreachable destinations.
func (e *Error) Len() int { return len(e.Unreachable) }

// Clear empties the destination list.
func (e *Error) Clear() {
	e.Unreachable = e.Unreachable[:0]
	e.NoDelete = false
}

// ReplyAck acknowledges a reply that had AckRequired set.
type ReplyAck struct{}

func (*ReplyAck) Type() Type { return TypeReplyAck }

// field numbers
const (
	reqFlags      protowire.Number = 1
	reqHopCount   protowire.Number = 2
	reqID         protowire.Number = 3
	reqDst        protowire.Number = 4
	reqDstSeq     protowire.Number = 5
	reqOrigin     protowire.Number = 6
	reqOriginSeq  protowire.Number = 7
	reqMinEnergy  protowire.Number = 8
	reqAvgCongest protowire.Number = 9

	repFlags      protowire.Number = 1
	repPrefix     protowire.Number = 2
	repHopCount   protowire.Number = 3
	repDst        protowire.Number = 4
	repDstSeq     protowire.Number = 5
	repOrigin     protowire.Number = 6
	repLifetime   protowire.Number = 7
	repMinEnergy  protowire.Number = 8
	repAvgCongest protowire.Number = 9

	errFlags protowire.Number = 1
	errEntry protowire.Number = 2

	entryAddr protowire.Number = 1
	entrySeq  protowire.Number = 2
)

const (
	flagGratuitous = 1 << iota
	flagDestOnly
	flagUnknownSeq
)

const (
	flagAckRequired = 1 << 0
	flagNoDelete    = 1 << 0
)
