package aodv

import (
	"net/netip"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/eocw-aodv/aodv/dupcache"
	"github.com/signalsfoundry/eocw-aodv/aodv/eocw"
	"github.com/signalsfoundry/eocw-aodv/aodv/rtable"
	"github.com/signalsfoundry/eocw-aodv/aodv/wire"
	"github.com/signalsfoundry/eocw-aodv/internal/logging"
	"github.com/signalsfoundry/eocw-aodv/internal/sched"
)

// candidatePath is one copy of a request that reached us, with the
// reverse route it arrived over.
type candidatePath struct {
	eocw.Candidate
	nextHop netip.Addr
	iface   Interface
}

// collection gathers the candidate paths of one request until its window
// closes.
type collection struct {
	origin       netip.Addr
	dst          netip.Addr
	originSeq    uint32
	requestedSeq uint32
	unknownSeq   bool
	paths        []candidatePath
	timer        sched.Handle
}

// collect records a copy of a request addressed to us. The first copy
// opens the collection window.
func (p *Protocol) collect(req *wire.Request, iface Interface, src netip.Addr, minEnergy, avgCongestion float64, hop uint16) {
	key := dupcache.RequestKey{Origin: req.Origin, ID: req.ID}
	c, ok := p.collections[key]
	if !ok {
		c = &collection{
			origin:       req.Origin,
			dst:          req.Destination,
			requestedSeq: req.DestSeqNo,
			unknownSeq:   req.UnknownSeqNo,
		}
		p.collections[key] = c
		c.timer = p.deferred.Schedule(p.cfg.CollectionWindow, func() { p.selectBest(key) })
	}
	if rtable.SeqNewer(req.OriginSeqNo, c.originSeq) || len(c.paths) == 0 {
		c.originSeq = req.OriginSeqNo
	}
	c.paths = append(c.paths, candidatePath{
		Candidate: eocw.Candidate{
			MinEnergy:     minEnergy,
			AvgCongestion: avgCongestion,
			Hops:          int(hop),
		},
		nextHop: src,
		iface:   iface,
	})
}

// selectBest closes the window for key, scores the collected paths and
// answers along the winner.
func (p *Protocol) selectBest(key dupcache.RequestKey) {
	c, ok := p.collections[key]
	if !ok {
		return
	}
	delete(p.collections, key)
	if len(c.paths) == 0 {
		return
	}

	cands := make([]eocw.Candidate, len(c.paths))
	for i, cp := range c.paths {
		cands[i] = cp.Candidate
	}
	energy, congestion := p.energyScore(), p.congestionScore()
	_, span := p.tracer.Start(p.ctx, "eocw.select", trace.WithAttributes(
		attribute.String("aodv.origin", c.origin.String()),
		attribute.Int("eocw.candidates", len(cands)),
	))
	d := eocw.Select(cands, eocw.PolicyWeights(p.cfg.EnableFuzzy, energy, congestion))
	win := c.paths[d.Winner]
	span.SetAttributes(
		attribute.Int("eocw.winner", d.Winner),
		attribute.Float64("eocw.score", d.Best()),
		attribute.String("aodv.next_hop", win.nextHop.String()),
	)
	span.End()
	p.metrics.ObserveSelection(len(cands), d.Best())

	if _, up := p.iface(win.iface.Index); !up {
		return
	}
	now := p.s.Now()
	hop := uint16(win.Hops)
	reverse := rtable.Entry{
		Destination:       c.origin,
		NextHop:           win.nextHop,
		Interface:         win.iface.Index,
		Source:            win.iface.Addr(),
		Hops:              hop,
		SeqNo:             c.originSeq,
		ValidSeqNo:        true,
		State:             rtable.Valid,
		Expires:           now.Add(2*p.cfg.NetTraversalTime - 2*p.cfg.NodeTraversalTime*time.Duration(hop)),
		PathMinEnergy:     win.MinEnergy,
		PathAvgCongestion: win.AvgCongestion,
		PathScore:         d.Best(),
	}
	toOrigin, added := p.table.Add(reverse)
	if !added {
		reverse.Expires = laterOf(reverse.Expires, toOrigin.Expires)
		if toOrigin.ValidSeqNo && rtable.SeqNewer(toOrigin.SeqNo, reverse.SeqNo) {
			reverse.SeqNo = toOrigin.SeqNo
		}
		p.table.Update(reverse)
	}

	if !c.unknownSeq && rtable.SeqNewer(c.requestedSeq, p.seqNo) {
		p.seqNo = c.requestedSeq
	}
	p.seqNo++

	rep := &wire.Reply{
		Destination:       c.dst,
		DestSeqNo:         p.seqNo,
		Origin:            c.origin,
		Lifetime:          p.cfg.MyRouteTimeout,
		PathMinEnergy:     win.MinEnergy,
		PathAvgCongestion: win.AvgCongestion,
	}
	p.send(win.iface, win.nextHop, rep, hops8(hop))
	p.log.Debug(p.ctx, "path selected",
		logging.Addr("origin", c.origin),
		logging.Addr("via", win.nextHop),
		logging.Int("candidates", len(cands)),
		logging.Int("hops", win.Hops),
		logging.Float("score", d.Best()),
	)
}
