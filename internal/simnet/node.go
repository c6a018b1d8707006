package simnet

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/signalsfoundry/eocw-aodv/aodv"
	"github.com/signalsfoundry/eocw-aodv/internal/logging"
	"github.com/signalsfoundry/eocw-aodv/internal/medium"
)

// ifIndex is the index of every node's single radio interface.
const ifIndex = 1

// Failure is a data packet the routing layer gave up on.
type Failure struct {
	Packet aodv.Packet
	Err    error
}

// Node is one host: a protocol instance, its radio port and a data plane.
type Node struct {
	Name  string
	Proto *aodv.Protocol

	net      *Network
	port     *medium.Port
	energy   float64
	txCost   float64
	capacity int
	nextID   uint64

	// Delivered holds data packets addressed to this node, in arrival
	// order; Failed holds packets it could not route.
	Delivered []aodv.Packet
	Failed    []Failure
	// Forwarded counts transit packets relayed.
	Forwarded int
}

// Addr is the node's address.
func (n *Node) Addr() netip.Addr { return n.port.Addr() }

// Port is the node's radio interface.
func (n *Node) Port() *medium.Port { return n.port }

// ResidualEnergy reports the energy score.
func (n *Node) ResidualEnergy() float64 { return n.energy }

// SetEnergy overrides the energy score.
func (n *Node) SetEnergy(e float64) { n.energy = e }

// CongestionScore reports how free the node's transmit side is.
func (n *Node) CongestionScore() float64 {
	return aodv.OccupancyScore(n.capacity, n.port.InFlight())
}

// SendTo transmits a control message for the protocol.
func (n *Node) SendTo(idx int, dst netip.AddrPort, payload []byte, ttl uint8) error {
	if idx != ifIndex {
		return fmt.Errorf("%w: index %d", aodv.ErrNoInterface, idx)
	}
	n.drain()
	return n.port.Send(dst.Addr(), dst.Port(), payload, ttl)
}

// Send originates a data packet to dst.
func (n *Node) Send(dst netip.Addr, payload []byte) (aodv.OutputStatus, error) {
	n.nextID++
	pkt := aodv.Packet{
		ID:          n.nextID,
		Source:      n.Addr(),
		Destination: dst,
		TTL:         DefaultTTL,
		Payload:     payload,
	}
	route, status, err := n.Proto.RouteOutput(pkt, aodv.AnyInterface, n.forward, n.fail)
	switch status {
	case aodv.OutputRouted:
		n.forward(route, pkt)
	case aodv.OutputLocal:
		n.deliver(pkt, aodv.LoopbackInterface)
	}
	return status, err
}

func (n *Node) forward(route aodv.Route, pkt aodv.Packet) {
	if route.Source.IsValid() && !pkt.Source.IsValid() {
		pkt.Source = route.Source
	}
	if pkt.Source != n.Addr() {
		n.Forwarded++
	}
	n.drain()
	if err := n.port.Send(route.Gateway, DataPort, encodeData(pkt), pkt.TTL); err != nil {
		n.fail(pkt, err)
	}
}

func (n *Node) deliver(pkt aodv.Packet, _ int) {
	n.Delivered = append(n.Delivered, pkt)
}

func (n *Node) fail(pkt aodv.Packet, err error) {
	n.Failed = append(n.Failed, Failure{Packet: pkt, Err: err})
}

func (n *Node) receive(f medium.Frame) {
	switch f.Port {
	case aodv.Port:
		n.Proto.Receive(ifIndex, f.Src, f.Payload, f.TTL)
	case DataPort:
		pkt, err := decodeData(f.Payload, f.TTL)
		if err != nil {
			n.net.log.Warn(context.Background(), "dropping data frame",
				logging.String("node", n.Name),
				logging.Addr("from", f.Src),
				logging.Err(err),
			)
			return
		}
		n.Proto.RouteInput(pkt, ifIndex, n.forward, n.deliver, n.fail)
	}
}

func (n *Node) drain() {
	if n.txCost > 0 {
		n.energy = max(n.energy-n.txCost, 0)
	}
}
