package aodv

import (
	"net/netip"
	"slices"

	"github.com/signalsfoundry/eocw-aodv/aodv/wire"
	"github.com/signalsfoundry/eocw-aodv/internal/logging"
	"github.com/signalsfoundry/eocw-aodv/internal/observability"
)

// linkFailure handles the loss of neighbour nextHop: every route through
// it is reported to the precursors and invalidated.
func (p *Protocol) linkFailure(nextHop netip.Addr) {
	toNextHop, ok := p.table.Lookup(nextHop)
	if !ok {
		return
	}
	precursors := toNextHop.Precursors()
	lost := []wire.Unreachable{{Addr: nextHop, SeqNo: toNextHop.SeqNo}}
	via := p.table.DestinationsViaNextHop(nextHop)
	delete(via, nextHop)
	lost = append(lost, sortedUnreachable(via)...)
	p.propagateErrors(lost, precursors)

	via[nextHop] = toNextHop.SeqNo
	p.table.InvalidateAll(via)
	p.metrics.RouteError()
	p.log.Info(p.ctx, "link broken",
		logging.Addr("neighbor", nextHop),
		logging.Int("routes", len(via)),
	)
}

// recvError invalidates the advertised destinations we route through src
// and passes the news upstream.
func (p *Protocol) recvError(rerr *wire.Error, src netip.Addr) {
	via := p.table.DestinationsViaNextHop(src)
	unreachable := make(map[netip.Addr]uint32)
	var lost []wire.Unreachable
	for _, u := range rerr.Unreachable {
		if _, ok := via[u.Addr]; !ok {
			continue
		}
		if _, dup := unreachable[u.Addr]; dup {
			continue
		}
		unreachable[u.Addr] = u.SeqNo
		lost = append(lost, u)
	}
	if len(lost) == 0 {
		return
	}
	p.propagateErrors(lost, nil)
	p.table.InvalidateAll(unreachable)
}

// propagateErrors packs lost into as many route errors as needed and sends
// each to the precursors gathered so far, starting from initial.
func (p *Protocol) propagateErrors(lost []wire.Unreachable, initial []netip.Addr) {
	precursors := slices.Clone(initial)
	addPrecursors := func(dst netip.Addr) {
		e, ok := p.table.Lookup(dst)
		if !ok {
			return
		}
		for _, a := range e.Precursors() {
			if !slices.Contains(precursors, a) {
				precursors = append(precursors, a)
			}
		}
	}

	msg := &wire.Error{}
	for _, u := range lost {
		if !msg.Add(u.Addr, u.SeqNo) {
			p.sendError(msg, precursors)
			msg = &wire.Error{}
			msg.Add(u.Addr, u.SeqNo)
		}
		addPrecursors(u.Addr)
	}
	if msg.Len() > 0 {
		p.sendError(msg, precursors)
	}
}

// sendError delivers a route error to precursors: unicast to a lone
// precursor, otherwise one broadcast per interface leading to any of them.
func (p *Protocol) sendError(msg *wire.Error, precursors []netip.Addr) {
	if len(precursors) == 0 {
		return
	}
	if p.rerrCount >= p.cfg.RerrRateLimit {
		p.metrics.Drop(observability.DropRateLimited)
		return
	}
	if len(precursors) == 1 {
		to, ok := p.table.LookupValid(precursors[0])
		if !ok {
			return
		}
		if f, ok := p.iface(to.Interface); ok {
			p.sendLater(p.jitter(10), f, precursors[0], msg, 1)
			p.rerrCount++
		}
		return
	}

	var ifaces []int
	for _, a := range precursors {
		if to, ok := p.table.LookupValid(a); ok && !slices.Contains(ifaces, to.Interface) {
			ifaces = append(ifaces, to.Interface)
		}
	}
	if len(ifaces) == 0 {
		return
	}
	for _, idx := range ifaces {
		if f, ok := p.iface(idx); ok {
			p.sendLater(p.jitter(10), f, f.Broadcast(), msg, 1)
		}
	}
	p.rerrCount++
}

// sendErrorNoRoute tells the originator of an unroutable data packet that
// dst is gone.
func (p *Protocol) sendErrorNoRoute(dst netip.Addr, seq uint32, origin netip.Addr) {
	if p.rerrCount >= p.cfg.RerrRateLimit {
		p.metrics.Drop(observability.DropRateLimited)
		return
	}
	msg := &wire.Error{}
	msg.Add(dst, seq)
	p.rerrCount++
	if to, ok := p.table.LookupValid(origin); ok {
		if f, ok := p.iface(to.Interface); ok {
			p.send(f, to.NextHop, msg, 1)
		}
		return
	}
	for _, f := range p.ifaces {
		p.send(f, f.Broadcast(), msg, 1)
	}
}

func sortedUnreachable(m map[netip.Addr]uint32) []wire.Unreachable {
	out := make([]wire.Unreachable, 0, len(m))
	for a, s := range m {
		out = append(out, wire.Unreachable{Addr: a, SeqNo: s})
	}
	slices.SortFunc(out, func(x, y wire.Unreachable) int { return x.Addr.Compare(y.Addr) })
	return out
}
