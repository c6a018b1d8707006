package aodv

import (
	"net/netip"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/eocw-aodv/aodv/dupcache"
	"github.com/signalsfoundry/eocw-aodv/aodv/rtable"
	"github.com/signalsfoundry/eocw-aodv/aodv/wire"
	"github.com/signalsfoundry/eocw-aodv/internal/logging"
	"github.com/signalsfoundry/eocw-aodv/internal/observability"
	"github.com/signalsfoundry/eocw-aodv/internal/sched"
)

// sendRequest originates one discovery attempt for dst using an expanding
// ring: TTLStart first, then growing by TTLIncrement up to TTLThreshold,
// then the full network diameter.
func (p *Protocol) sendRequest(dst netip.Addr) {
	if p.rreqCount >= p.cfg.RreqRateLimit {
		p.postpone(dst)
		return
	}
	p.rreqCount++

	req := &wire.Request{
		Destination:     dst,
		Gratuitous:      p.cfg.GratuitousReply,
		DestinationOnly: p.cfg.DestinationOnly,
	}
	now := p.s.Now()
	ttl := p.cfg.TTLStart
	attempt := observability.DiscoveryStarted
	if e, ok := p.table.Lookup(dst); ok {
		if e.State != rtable.InSearch {
			ttl = min(int(e.Hops)+p.cfg.TTLIncrement, p.cfg.NetDiameter)
		} else {
			attempt = observability.DiscoveryRetried
			ttl = int(e.Hops) + p.cfg.TTLIncrement
			if ttl > p.cfg.TTLThreshold {
				ttl = p.cfg.NetDiameter
			}
		}
		if ttl == p.cfg.NetDiameter {
			e.RreqCount++
		}
		if e.ValidSeqNo {
			req.DestSeqNo = e.SeqNo
		} else {
			req.UnknownSeqNo = true
		}
		e.Hops = uint16(ttl)
		e.State = rtable.InSearch
		e.SetLifetime(now, p.cfg.PathDiscoveryTime)
	} else {
		req.UnknownSeqNo = true
		e := rtable.Entry{
			Destination:       dst,
			Hops:              uint16(ttl),
			State:             rtable.InSearch,
			Expires:           now.Add(p.cfg.PathDiscoveryTime),
			PathMinEnergy:     1,
			PathAvgCongestion: 1,
		}
		if ttl == p.cfg.NetDiameter {
			e.RreqCount = 1
		}
		p.table.Add(e)
	}

	p.seqNo++
	req.OriginSeqNo = p.seqNo
	p.requestID++
	req.ID = p.requestID
	req.PathMinEnergy = p.energyScore()
	req.PathAvgCongestion = p.congestionScore()

	_, span := p.tracer.Start(p.ctx, "aodv.route_request", trace.WithAttributes(
		attribute.String("aodv.destination", dst.String()),
		attribute.Int("aodv.ttl", ttl),
		attribute.Int64("aodv.request_id", int64(req.ID)),
	))
	defer span.End()

	p.metrics.Discovery(attempt)
	p.log.Debug(p.ctx, "route request",
		logging.Addr("dst", dst),
		logging.Int("ttl", ttl),
		logging.Uint32("id", req.ID),
		logging.Bool("destination_only", req.DestinationOnly),
	)

	for _, f := range p.ifaces {
		r := *req
		r.Origin = f.Addr()
		p.requests.IsDuplicate(dupcache.RequestKey{Origin: r.Origin, ID: r.ID})
		p.lastBcast = now
		p.sendLater(p.jitter(10), f, f.Broadcast(), &r, uint8(ttl))
	}
	p.scheduleRetry(dst)
}

// postpone holds a request for dst until the next rate window. At most one
// request per destination waits; it is dropped if a route appeared or a
// discovery got going in the meantime.
func (p *Protocol) postpone(dst netip.Addr) {
	if _, ok := p.postponed[dst]; ok {
		return
	}
	wait := p.rreqRate.DelayLeft() + 100*time.Microsecond
	p.metrics.Discovery(observability.DiscoveryDeferred)
	p.log.Debug(p.ctx, "route request postponed", logging.Addr("dst", dst), logging.Duration("wait", wait))
	p.postponed[dst] = p.deferred.Schedule(wait, func() {
		delete(p.postponed, dst)
		if e, ok := p.table.LookupValid(dst); ok {
			p.flushQueue(dst, e)
			return
		}
		if e, ok := p.table.Lookup(dst); ok && e.State == rtable.InSearch && p.DiscoveryInFlight(dst) {
			return
		}
		p.sendRequest(dst)
	})
}

// scheduleRetry waits for a reply: proportional to the ring size below
// the diameter, binary exponential backoff at it.
func (p *Protocol) scheduleRetry(dst netip.Addr) {
	t, ok := p.retries[dst]
	if !ok {
		t = sched.NewTimer(p.s)
		p.retries[dst] = t
	}
	var hops uint16
	var count int
	if e, ok := p.table.Lookup(dst); ok {
		hops, count = e.Hops, e.RreqCount
	}
	var wait time.Duration
	if int(hops) < p.cfg.NetDiameter {
		wait = 2 * p.cfg.NodeTraversalTime * time.Duration(int(hops)+p.cfg.TimeoutBuffer)
	} else {
		wait = p.cfg.NetTraversalTime << max(count-1, 0)
	}
	t.Schedule(wait, func() { p.retryExpired(dst) })
}

func (p *Protocol) retryExpired(dst netip.Addr) {
	if e, ok := p.table.LookupValid(dst); ok {
		delete(p.retries, dst)
		p.flushQueue(dst, e)
		return
	}
	e, ok := p.table.Lookup(dst)
	switch {
	case ok && e.RreqCount == p.cfg.RreqRetries:
		p.discoveryFailed(dst)
	case ok && e.State == rtable.InSearch:
		p.sendRequest(dst)
	default:
		p.discoveryFailed(dst)
	}
}

func (p *Protocol) discoveryFailed(dst netip.Addr) {
	if t, ok := p.retries[dst]; ok {
		t.Cancel()
		delete(p.retries, dst)
	}
	p.table.Delete(dst)
	dropped := p.queue.DropWithDestination(dst)
	p.metrics.Discovery(observability.DiscoveryFailed)
	p.log.Info(p.ctx, "destination unreachable",
		logging.Addr("dst", dst),
		logging.Int("dropped", dropped),
	)
}

// updateRouteToNeighbor keeps a one-hop route to whoever we just heard.
func (p *Protocol) updateRouteToNeighbor(sender netip.Addr, iface Interface) {
	now := p.s.Now()
	e, ok := p.table.Lookup(sender)
	if !ok {
		p.table.Add(rtable.Entry{
			Destination:       sender,
			NextHop:           sender,
			Interface:         iface.Index,
			Source:            iface.Addr(),
			Hops:              1,
			State:             rtable.Valid,
			Expires:           now.Add(p.cfg.ActiveRouteTimeout),
			PathMinEnergy:     1,
			PathAvgCongestion: 1,
		})
		return
	}
	expires := laterOf(now.Add(p.cfg.ActiveRouteTimeout), e.Expires)
	if e.ValidSeqNo && e.Hops == 1 && e.Interface == iface.Index {
		e.Expires = expires
		return
	}
	e.NextHop = sender
	e.Interface = iface.Index
	e.Source = iface.Addr()
	e.Hops = 1
	e.ValidSeqNo = false
	e.State = rtable.Valid
	e.RreqCount = 0
	e.Expires = expires
}

// recvRequest processes a route request heard from neighbour src.
func (p *Protocol) recvRequest(req *wire.Request, iface Interface, src netip.Addr, ttl uint8) {
	if p.table.IsUnidirectional(src) {
		p.metrics.Drop(observability.DropBlacklisted)
		return
	}

	toMe := p.isLocal(req.Destination)
	myEnergy, myCongestion := p.energyScore(), p.congestionScore()
	if p.cfg.EnableFuzzy && !toMe && myEnergy < p.cfg.CriticalEnergy {
		p.metrics.Drop(observability.DropLowEnergy)
		return
	}

	hop := uint16(req.HopCount) + 1
	minEnergy := min(req.PathMinEnergy, myEnergy)
	avgCongestion := (req.PathAvgCongestion*float64(req.HopCount) + myCongestion) / float64(hop)

	if p.requests.IsDuplicate(dupcache.RequestKey{Origin: req.Origin, ID: req.ID}) && !toMe {
		p.metrics.Drop(observability.DropDuplicate)
		return
	}

	now := p.s.Now()
	reverseLifetime := 2*p.cfg.NetTraversalTime - 2*time.Duration(hop)*p.cfg.NodeTraversalTime
	toOrigin, ok := p.table.Lookup(req.Origin)
	if !ok {
		toOrigin, _ = p.table.Add(rtable.Entry{
			Destination:       req.Origin,
			NextHop:           src,
			Interface:         iface.Index,
			Source:            iface.Addr(),
			Hops:              hop,
			SeqNo:             req.OriginSeqNo,
			ValidSeqNo:        true,
			State:             rtable.Valid,
			Expires:           now.Add(reverseLifetime),
			PathMinEnergy:     minEnergy,
			PathAvgCongestion: avgCongestion,
		})
	} else if !toMe {
		// At the destination the reverse route is committed only for the
		// path the selection picks.
		if !toOrigin.ValidSeqNo || rtable.SeqNewer(req.OriginSeqNo, toOrigin.SeqNo) {
			toOrigin.SeqNo = req.OriginSeqNo
		}
		toOrigin.ValidSeqNo = true
		toOrigin.NextHop = src
		toOrigin.Interface = iface.Index
		toOrigin.Source = iface.Addr()
		toOrigin.Hops = hop
		toOrigin.State = rtable.Valid
		toOrigin.PathMinEnergy = minEnergy
		toOrigin.PathAvgCongestion = avgCongestion
		toOrigin.Expires = laterOf(now.Add(reverseLifetime), toOrigin.Expires)
	}

	if src != req.Origin {
		if toNeighbor, ok := p.table.Lookup(src); ok {
			toNeighbor.Expires = now.Add(p.cfg.ActiveRouteTimeout)
			toNeighbor.ValidSeqNo = false
			toNeighbor.State = rtable.Valid
			toNeighbor.Interface = iface.Index
			toNeighbor.Source = iface.Addr()
			toNeighbor.Hops = 1
			toNeighbor.NextHop = src
		}
	}
	p.nb.Update(src, p.cfg.HelloLifetime())

	if toMe {
		p.collect(req, iface, src, minEnergy, avgCongestion, hop)
		return
	}

	if toDst, ok := p.table.Lookup(req.Destination); ok {
		if toDst.NextHop == src {
			return
		}
		if (req.UnknownSeqNo || rtable.SeqNotOlder(toDst.SeqNo, req.DestSeqNo)) && toDst.ValidSeqNo {
			if !req.DestinationOnly && toDst.State == rtable.Valid {
				p.replyByIntermediate(toDst, toOrigin, req.Gratuitous)
				return
			}
			req.DestSeqNo = toDst.SeqNo
			req.UnknownSeqNo = false
		}
	}

	if ttl < 2 {
		p.metrics.Drop(observability.DropTTLExpired)
		return
	}

	fwd := *req
	fwd.HopCount = hops8(hop)
	fwd.PathMinEnergy = minEnergy
	fwd.PathAvgCongestion = avgCongestion
	p.broadcast(&fwd, ttl-1, func() time.Duration {
		return p.forwardDelay(myEnergy, myCongestion)
	})
}

// forwardDelay holds back a rebroadcast. With fuzzy selection on, weak or
// busy nodes wait longer so healthier relays get through first.
func (p *Protocol) forwardDelay(energy, congestion float64) time.Duration {
	if !p.cfg.EnableFuzzy {
		return p.jitter(10)
	}
	penalty := (1 - energy) + (1 - congestion)
	return time.Duration(penalty*float64(p.cfg.HealthDelayScale)) + p.jitter(5)
}
