package aodv

import (
	"net/netip"
	"time"

	"github.com/signalsfoundry/eocw-aodv/aodv/rtable"
	"github.com/signalsfoundry/eocw-aodv/aodv/wire"
	"github.com/signalsfoundry/eocw-aodv/internal/logging"
	"github.com/signalsfoundry/eocw-aodv/internal/observability"
)

// replyByIntermediate answers a request from our own route to its
// destination and, if asked, tells the destination about the originator.
func (p *Protocol) replyByIntermediate(toDst, toOrigin *rtable.Entry, gratuitous bool) {
	now := p.s.Now()
	rep := &wire.Reply{
		HopCount:          hops8(toDst.Hops),
		Destination:       toDst.Destination,
		DestSeqNo:         toDst.SeqNo,
		Origin:            toOrigin.Destination,
		Lifetime:          max(toDst.Lifetime(now), 0),
		PathMinEnergy:     toDst.PathMinEnergy,
		PathAvgCongestion: toDst.PathAvgCongestion,
	}
	if toDst.Hops == 1 {
		rep.AckRequired = true
		p.armAckTimer(toOrigin.NextHop)
	}
	toDst.InsertPrecursor(toOrigin.NextHop)
	toOrigin.InsertPrecursor(toDst.NextHop)

	if f, ok := p.iface(toOrigin.Interface); ok {
		p.send(f, toOrigin.NextHop, rep, hops8(toOrigin.Hops))
	}

	if gratuitous {
		grat := &wire.Reply{
			HopCount:          hops8(toOrigin.Hops),
			Destination:       toOrigin.Destination,
			DestSeqNo:         toOrigin.SeqNo,
			Origin:            toDst.Destination,
			Lifetime:          max(toOrigin.Lifetime(now), 0),
			PathMinEnergy:     toOrigin.PathMinEnergy,
			PathAvgCongestion: toOrigin.PathAvgCongestion,
		}
		if f, ok := p.iface(toDst.Interface); ok {
			p.send(f, toDst.NextHop, grat, hops8(toDst.Hops))
		}
	}
}

// armAckTimer expects a reply-ack from neighbour within NextHopWait and
// blacklists it otherwise.
func (p *Protocol) armAckTimer(neighbor netip.Addr) {
	e, ok := p.table.Lookup(neighbor)
	if !ok {
		return
	}
	if e.AckTimer != 0 {
		p.s.Cancel(e.AckTimer)
	}
	e.AckTimer = p.s.Schedule(p.cfg.NextHopWait, func() {
		if e, ok := p.table.Lookup(neighbor); ok {
			e.AckTimer = 0
		}
		p.table.MarkUnidirectional(neighbor, p.cfg.BlackListTimeout)
		p.log.Debug(p.ctx, "reply-ack missing, neighbour blacklisted", logging.Addr("neighbor", neighbor))
	})
}

func (p *Protocol) sendReplyAck(neighbor netip.Addr) {
	e, ok := p.table.Lookup(neighbor)
	if !ok {
		return
	}
	if f, ok := p.iface(e.Interface); ok {
		p.send(f, neighbor, &wire.ReplyAck{}, 1)
	}
}

func (p *Protocol) recvReplyAck(neighbor netip.Addr) {
	e, ok := p.table.Lookup(neighbor)
	if !ok {
		return
	}
	if e.AckTimer != 0 {
		p.s.Cancel(e.AckTimer)
		e.AckTimer = 0
	}
	e.State = rtable.Valid
}

// recvReply installs the forward route the reply advertises and relays it
// towards the originator.
func (p *Protocol) recvReply(rep *wire.Reply, iface Interface, sender netip.Addr, ttl uint8) {
	hop := uint16(rep.HopCount) + 1
	if rep.IsHello() {
		p.processHello(rep, iface)
		return
	}

	dst := rep.Destination
	now := p.s.Now()
	fresh := rtable.Entry{
		Destination:       dst,
		NextHop:           sender,
		Interface:         iface.Index,
		Source:            iface.Addr(),
		Hops:              hop,
		SeqNo:             rep.DestSeqNo,
		ValidSeqNo:        true,
		State:             rtable.Valid,
		Expires:           now.Add(rep.Lifetime),
		PathMinEnergy:     rep.PathMinEnergy,
		PathAvgCongestion: rep.PathAvgCongestion,
	}
	searching := false
	if e, ok := p.table.Lookup(dst); ok {
		searching = e.State == rtable.InSearch
	}
	p.table.Upsert(fresh)

	if rep.AckRequired {
		p.sendReplyAck(sender)
	}

	if p.isLocal(rep.Origin) {
		if searching {
			// Our own discovery wins over the freshness rule.
			p.table.Update(fresh)
			if t, ok := p.retries[dst]; ok {
				t.Cancel()
				delete(p.retries, dst)
			}
			p.metrics.Discovery(observability.DiscoveryResolved)
			p.log.Debug(p.ctx, "route resolved",
				logging.Addr("dst", dst),
				logging.Addr("via", sender),
				logging.Int("hops", int(hop)),
			)
		}
		if e, ok := p.table.LookupValid(dst); ok {
			p.flushQueue(dst, e)
		}
		return
	}

	toOrigin, ok := p.table.Lookup(rep.Origin)
	if !ok || toOrigin.State == rtable.InSearch {
		p.metrics.Drop(observability.DropNoRoute)
		return
	}
	toOrigin.Expires = laterOf(now.Add(p.cfg.ActiveRouteTimeout), toOrigin.Expires)

	if toDst, ok := p.table.LookupValid(dst); ok {
		toDst.InsertPrecursor(toOrigin.NextHop)
		if nh, ok := p.table.Lookup(toDst.NextHop); ok {
			nh.InsertPrecursor(toOrigin.NextHop)
		}
		toOrigin.InsertPrecursor(toDst.NextHop)
		if nh, ok := p.table.Lookup(toOrigin.NextHop); ok {
			nh.InsertPrecursor(toDst.NextHop)
		}
	}

	if ttl < 2 {
		p.metrics.Drop(observability.DropTTLExpired)
		return
	}
	fwd := *rep
	fwd.HopCount = hops8(hop)
	fwd.AckRequired = false
	if f, ok := p.iface(toOrigin.Interface); ok {
		p.send(f, toOrigin.NextHop, &fwd, ttl-1)
	}
}

// processHello refreshes the one-hop route to the hello's sender.
func (p *Protocol) processHello(rep *wire.Reply, iface Interface) {
	nbr := rep.Destination
	now := p.s.Now()
	if e, ok := p.table.Lookup(nbr); ok {
		e.Expires = laterOf(now.Add(p.cfg.HelloLifetime()), e.Expires)
		e.SeqNo = rep.DestSeqNo
		e.ValidSeqNo = true
		e.State = rtable.Valid
		e.Interface = iface.Index
		e.Source = iface.Addr()
		e.Hops = 1
		e.NextHop = nbr
	} else {
		p.table.Add(rtable.Entry{
			Destination:       nbr,
			NextHop:           nbr,
			Interface:         iface.Index,
			Source:            iface.Addr(),
			Hops:              1,
			SeqNo:             rep.DestSeqNo,
			ValidSeqNo:        true,
			State:             rtable.Valid,
			Expires:           now.Add(rep.Lifetime),
			PathMinEnergy:     rep.PathMinEnergy,
			PathAvgCongestion: rep.PathAvgCongestion,
		})
	}
	if p.cfg.EnableHello {
		p.nb.Update(nbr, p.cfg.HelloLifetime())
	}
}

// helloExpire sends a hello unless another broadcast already announced us
// during the last interval.
func (p *Protocol) helloExpire() {
	var offset time.Duration
	if p.lastBcast.IsZero() {
		p.sendHello()
	} else {
		offset = p.s.Now().Sub(p.lastBcast)
	}
	p.helloTimer.Schedule(max(p.cfg.HelloInterval-offset, 0), p.helloExpire)
	p.lastBcast = time.Time{}
}

func (p *Protocol) sendHello() {
	for _, f := range p.ifaces {
		hello := &wire.Reply{
			Destination:       f.Addr(),
			DestSeqNo:         p.seqNo,
			Origin:            f.Addr(),
			Lifetime:          p.cfg.HelloLifetime(),
			PathMinEnergy:     p.energyScore(),
			PathAvgCongestion: p.congestionScore(),
		}
		p.sendLater(p.jitter(10), f, f.Broadcast(), hello, 1)
	}
}
