package aodv

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/signalsfoundry/eocw-aodv/aodv/dupcache"
	"github.com/signalsfoundry/eocw-aodv/aodv/pending"
	"github.com/signalsfoundry/eocw-aodv/aodv/rtable"
	"github.com/signalsfoundry/eocw-aodv/internal/logging"
	"github.com/signalsfoundry/eocw-aodv/internal/observability"
)

// RouteOutput picks a route for a locally originated packet. Without a
// valid route the packet is queued, a discovery starts if none is running,
// and forward is called once the route appears. fail receives the packet
// if the queue gives up on it. oif restricts the output interface unless it
// is AnyInterface.
func (p *Protocol) RouteOutput(pkt Packet, oif int, forward UnicastForward, fail ErrorFunc) (Route, OutputStatus, error) {
	if p.closed || len(p.ifaces) == 0 {
		return Route{}, OutputFailed, ErrNoInterface
	}
	dst := pkt.Destination
	if p.isLocal(dst) {
		return Route{Destination: dst, Source: dst, Gateway: dst, Interface: LoopbackInterface}, OutputLocal, nil
	}
	for _, f := range p.ifaces {
		if f.IsBroadcast(dst) && (oif == AnyInterface || oif == f.Index) {
			return Route{Destination: dst, Source: f.Addr(), Gateway: dst, Interface: f.Index}, OutputRouted, nil
		}
	}

	if e, ok := p.table.LookupValid(dst); ok {
		if oif != AnyInterface && oif != e.Interface {
			p.metrics.Drop(observability.DropNoRoute)
			return Route{}, OutputFailed, fmt.Errorf("%w: %s not reachable via interface %d", ErrNoRouteToHost, dst, oif)
		}
		route := routeFor(e)
		p.refresh(dst, p.cfg.ActiveRouteTimeout)
		p.refresh(route.Gateway, p.cfg.ActiveRouteTimeout)
		return route, OutputRouted, nil
	}

	if forward == nil {
		p.metrics.Drop(observability.DropNoRoute)
		return Route{}, OutputFailed, ErrNoRouteToHost
	}
	p.deferredRouteOutput(pkt, oif, forward, fail)
	return Route{Destination: dst, Interface: LoopbackInterface}, OutputDeferred, nil
}

// deferredRouteOutput parks pkt until a route to its destination exists.
func (p *Protocol) deferredRouteOutput(pkt Packet, oif int, forward UnicastForward, fail ErrorFunc) {
	dst := pkt.Destination
	ok := p.queue.Enqueue(pending.Entry[queued]{
		ID:          pkt.ID,
		Destination: dst,
		Value:       queued{pkt: pkt, oif: oif, forward: forward},
		Fail: func(q queued, err error) {
			p.metrics.Drop(queueDropReason(err))
			if fail != nil {
				fail(q.pkt, err)
			}
		},
	})
	if !ok {
		return
	}
	if _, waiting := p.postponed[dst]; waiting {
		return
	}
	if e, found := p.table.Lookup(dst); !found || e.State != rtable.InSearch {
		p.sendRequest(dst)
	}
}

// flushQueue hands every packet waiting for dst to its forward callback
// over route e.
func (p *Protocol) flushQueue(dst netip.Addr, e *rtable.Entry) {
	route := routeFor(e)
	for {
		q, ok := p.queue.Dequeue(dst)
		if !ok {
			return
		}
		if q.Value.oif != AnyInterface && q.Value.oif != route.Interface {
			q.Fail(q.Value, fmt.Errorf("%w: %s not reachable via interface %d", ErrNoRouteToHost, dst, q.Value.oif))
			continue
		}
		pkt := q.Value.pkt
		if !pkt.Source.IsValid() {
			pkt.Source = route.Source
		}
		q.Value.forward(route, pkt)
	}
}

// RouteInput handles a data packet received on interface iif. Broadcasts
// are delivered and, when enabled, rebroadcast once; unicast packets are
// delivered if addressed to us or forwarded along a valid route.
func (p *Protocol) RouteInput(pkt Packet, iif int, forward UnicastForward, deliver LocalDeliver, fail ErrorFunc) InputResult {
	if p.closed || len(p.ifaces) == 0 {
		return InputNotMine
	}
	iface, ok := p.iface(iif)
	if !ok {
		return InputNotMine
	}
	dst, origin := pkt.Destination, pkt.Source
	if p.isLocal(origin) {
		p.metrics.Drop(observability.DropOwnPacket)
		return InputDropped
	}
	if dst.IsMulticast() {
		return InputNotMine
	}

	if iface.IsBroadcast(dst) {
		if p.packets.IsDuplicate(dupcache.PacketKey{Source: origin, ID: pkt.ID}) {
			p.metrics.Drop(observability.DropDuplicate)
			return InputDropped
		}
		if deliver != nil {
			deliver(pkt, iif)
		}
		if !p.cfg.EnableBroadcast || forward == nil {
			return InputDelivered
		}
		if pkt.TTL <= 1 {
			p.metrics.Drop(observability.DropTTLExpired)
			return InputDelivered
		}
		fwd := pkt
		fwd.TTL--
		for _, f := range p.ifaces {
			forward(Route{Destination: f.Broadcast(), Source: f.Addr(), Gateway: f.Broadcast(), Interface: f.Index}, fwd)
		}
		return InputDelivered
	}

	if p.isLocal(dst) {
		p.refresh(origin, p.cfg.ActiveRouteTimeout)
		if toOrigin, ok := p.table.LookupValid(origin); ok {
			p.refresh(toOrigin.NextHop, p.cfg.ActiveRouteTimeout)
			p.nb.Update(toOrigin.NextHop, p.cfg.ActiveRouteTimeout)
		}
		if deliver != nil {
			deliver(pkt, iif)
		}
		return InputDelivered
	}

	if p.forwarding(pkt, forward, fail) {
		return InputForwarded
	}
	return InputDropped
}

// forwarding relays a transit packet. Without a valid route the originator
// is told through a route error.
func (p *Protocol) forwarding(pkt Packet, forward UnicastForward, fail ErrorFunc) bool {
	dst, origin := pkt.Destination, pkt.Source
	toDst, ok := p.table.LookupValid(dst)
	if !ok || forward == nil {
		var seq uint32
		if e, found := p.table.Lookup(dst); found && e.ValidSeqNo {
			seq = e.SeqNo
		}
		p.sendErrorNoRoute(dst, seq, origin)
		p.metrics.Drop(observability.DropNoRoute)
		p.log.Debug(p.ctx, "no route to forward", logging.Addr("dst", dst), logging.Addr("origin", origin))
		if fail != nil {
			fail(pkt, ErrNoRouteToHost)
		}
		return false
	}
	if pkt.TTL <= 1 {
		p.metrics.Drop(observability.DropTTLExpired)
		if fail != nil {
			fail(pkt, ErrTTLExpired)
		}
		return false
	}

	route := routeFor(toDst)
	p.refresh(origin, p.cfg.ActiveRouteTimeout)
	p.refresh(dst, p.cfg.ActiveRouteTimeout)
	p.refresh(route.Gateway, p.cfg.ActiveRouteTimeout)
	p.nb.Update(route.Gateway, p.cfg.ActiveRouteTimeout)
	if toOrigin, ok := p.table.LookupValid(origin); ok {
		p.refresh(toOrigin.NextHop, p.cfg.ActiveRouteTimeout)
		p.nb.Update(toOrigin.NextHop, p.cfg.ActiveRouteTimeout)
	}

	fwd := pkt
	fwd.TTL--
	forward(route, fwd)
	return true
}

func routeFor(e *rtable.Entry) Route {
	return Route{
		Destination: e.Destination,
		Source:      e.Source,
		Gateway:     e.NextHop,
		Interface:   e.Interface,
	}
}

func queueDropReason(err error) string {
	switch {
	case errors.Is(err, pending.ErrQueueFull):
		return observability.DropQueueFull
	case errors.Is(err, pending.ErrQueueTimeout):
		return observability.DropQueueTimeout
	case errors.Is(err, pending.ErrDestinationUnreachable):
		return observability.DropUnreachable
	default:
		return observability.DropNoRoute
	}
}
