package aodv

import (
	"errors"
	"net/netip"

	"github.com/signalsfoundry/eocw-aodv/aodv/pending"
)

// Port is the well-known UDP port of the control protocol.
const Port = 654

// Interface indices. Hosts number real interfaces from 1.
const (
	AnyInterface      = -1
	LoopbackInterface = 0
)

var (
	ErrNoRouteToHost = errors.New("aodv: no route to host")
	ErrTTLExpired    = errors.New("aodv: ttl expired in transit")
	ErrNoInterface   = errors.New("aodv: interface not usable")

	// Queue failures reported to a packet's error callback.
	ErrQueueFull              = pending.ErrQueueFull
	ErrQueueTimeout           = pending.ErrQueueTimeout
	ErrDestinationUnreachable = pending.ErrDestinationUnreachable
)

// Transport sends control payloads to Port on dst through one interface.
// A broadcast dst reaches every neighbour on that interface.
type Transport interface {
	SendTo(ifIndex int, dst netip.AddrPort, payload []byte, ttl uint8) error
}

// EnergyProvider reports the node's residual energy as a score in [0,1].
type EnergyProvider interface {
	ResidualEnergy() float64
}

// CongestionProvider reports how free the node's outbound queue is, as a
// score in [0,1] where 1 is idle.
type CongestionProvider interface {
	CongestionScore() float64
}

// EnergyFunc adapts a function to EnergyProvider.
type EnergyFunc func() float64

func (f EnergyFunc) ResidualEnergy() float64 { return f() }

// CongestionFunc adapts a function to CongestionProvider.
type CongestionFunc func() float64

func (f CongestionFunc) CongestionScore() float64 { return f() }

// OccupancyScore is (capacity-queued)/capacity clamped to [0,1]; an
// unbounded queue reads as idle.
func OccupancyScore(capacity, queued int) float64 {
	if capacity <= 0 {
		return 1
	}
	s := float64(capacity-queued) / float64(capacity)
	return min(max(s, 0), 1)
}

// Interface is a local network interface with its address.
type Interface struct {
	Index  int
	Prefix netip.Prefix
}

// Addr is the local address on the interface.
func (i Interface) Addr() netip.Addr { return i.Prefix.Addr() }

// Broadcast is the address that reaches every neighbour on the link: the
// subnet broadcast for IPv4 (the limited broadcast for a /32) and the
// all-nodes group for IPv6.
func (i Interface) Broadcast() netip.Addr {
	a := i.Prefix.Addr()
	if !a.Is4() {
		return netip.IPv6LinkLocalAllNodes()
	}
	bits := i.Prefix.Bits()
	if bits >= 32 || bits < 0 {
		return netip.AddrFrom4([4]byte{255, 255, 255, 255})
	}
	b := a.As4()
	host := uint32(1)<<(32-bits) - 1
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	v |= host
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// IsBroadcast reports whether dst is a broadcast address for this
// interface.
func (i Interface) IsBroadcast(dst netip.Addr) bool {
	return dst == i.Broadcast() || dst == netip.AddrFrom4([4]byte{255, 255, 255, 255})
}

// Packet is a data packet handed to the routing layer. ID and Source
// identify it for duplicate detection.
type Packet struct {
	ID          uint64
	Source      netip.Addr
	Destination netip.Addr
	TTL         uint8
	Payload     []byte
}

// Route tells the host how to emit a packet.
type Route struct {
	Destination netip.Addr
	Source      netip.Addr
	Gateway     netip.Addr
	Interface   int
}

// IsLoopback reports whether the route stays on this node.
func (r Route) IsLoopback() bool { return r.Interface == LoopbackInterface }

// UnicastForward transmits pkt along route.
type UnicastForward func(route Route, pkt Packet)

// LocalDeliver hands pkt, received on interface iif, to the node itself.
type LocalDeliver func(pkt Packet, iif int)

// ErrorFunc reports that pkt could not be routed.
type ErrorFunc func(pkt Packet, err error)

// OutputStatus is the outcome of RouteOutput.
type OutputStatus uint8

const (
	OutputFailed OutputStatus = iota
	OutputRouted
	OutputLocal
	// OutputDeferred means the packet was queued until discovery finishes.
	OutputDeferred
)

func (s OutputStatus) String() string {
	switch s {
	case OutputRouted:
		return "routed"
	case OutputLocal:
		return "local"
	case OutputDeferred:
		return "deferred"
	default:
		return "failed"
	}
}

// InputResult is the outcome of RouteInput.
type InputResult uint8

const (
	InputNotMine InputResult = iota
	InputDelivered
	InputForwarded
	InputDropped
)

func (r InputResult) String() string {
	switch r {
	case InputDelivered:
		return "delivered"
	case InputForwarded:
		return "forwarded"
	case InputDropped:
		return "dropped"
	default:
		return "not_mine"
	}
}

// RoutingProtocol is the capability set the network layer drives.
type RoutingProtocol interface {
	RouteOutput(pkt Packet, oif int, forward UnicastForward, fail ErrorFunc) (Route, OutputStatus, error)
	RouteInput(pkt Packet, iif int, forward UnicastForward, deliver LocalDeliver, fail ErrorFunc) InputResult
	NotifyInterfaceUp(iface Interface) error
	NotifyInterfaceDown(index int)
	NotifyAddAddress(index int, prefix netip.Prefix)
	NotifyRemoveAddress(index int, prefix netip.Prefix)
}

var _ RoutingProtocol = (*Protocol)(nil)
