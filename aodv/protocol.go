// Package aodv implements on-demand distance-vector routing with EOCW path
// selection: a destination gathers the copies of a route request that
// arrive over different paths for a short window and answers along the one
// that best balances residual energy, congestion and hop count.
//
// A Protocol serves one node. It never blocks and holds no locks; every
// entry point and every timer callback must run on the goroutine that
// drives the injected scheduler.
package aodv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/netip"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/eocw-aodv/aodv/dupcache"
	"github.com/signalsfoundry/eocw-aodv/aodv/eocw"
	"github.com/signalsfoundry/eocw-aodv/aodv/neighbor"
	"github.com/signalsfoundry/eocw-aodv/aodv/pending"
	"github.com/signalsfoundry/eocw-aodv/aodv/rtable"
	"github.com/signalsfoundry/eocw-aodv/aodv/wire"
	"github.com/signalsfoundry/eocw-aodv/internal/logging"
	"github.com/signalsfoundry/eocw-aodv/internal/observability"
	"github.com/signalsfoundry/eocw-aodv/internal/sched"
)

// Deps are the collaborators of a Protocol. Scheduler and Transport are
// required; nil providers read as a healthy node (score 1).
type Deps struct {
	Scheduler  sched.Scheduler
	Transport  Transport
	Energy     EnergyProvider
	Congestion CongestionProvider
	Logger     logging.Logger
	Metrics    *observability.ProtocolCollector
	Tracer     trace.Tracer
}

type queued struct {
	pkt     Packet
	oif     int
	forward UnicastForward
}

// Protocol is the routing state of one node.
type Protocol struct {
	cfg        Config
	s          sched.Scheduler
	transport  Transport
	energy     EnergyProvider
	congestion CongestionProvider
	log        logging.Logger
	metrics    *observability.ProtocolCollector
	tracer     trace.Tracer
	ctx        context.Context
	rng        *rand.Rand

	ifaces []Interface

	table    *rtable.Table
	queue    *pending.Queue[queued]
	requests *dupcache.RequestCache
	packets  *dupcache.PacketCache
	nb       *neighbor.Monitor

	seqNo     uint32
	requestID uint32

	rreqCount, rerrCount int
	rreqRate, rerrRate   *sched.Timer
	helloTimer           *sched.Timer
	lastBcast            time.Time

	retries     map[netip.Addr]*sched.Timer
	postponed   map[netip.Addr]sched.Handle
	collections map[dupcache.RequestKey]*collection
	// deferred holds jittered sends and postponed requests.
	deferred *sched.Group

	started bool
	closed  bool
}

// New builds a protocol instance. Zero config fields take their defaults
// as ApplyDefaults describes.
func New(cfg Config, deps Deps) (*Protocol, error) {
	cfg = cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("aodv: %w", err)
	}
	if deps.Scheduler == nil {
		return nil, errors.New("aodv: scheduler is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("aodv: transport is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Noop()
	}
	if deps.Tracer == nil {
		deps.Tracer = observability.Tracer()
	}

	s := deps.Scheduler
	p := &Protocol{
		cfg:         cfg,
		s:           s,
		transport:   deps.Transport,
		energy:      deps.Energy,
		congestion:  deps.Congestion,
		log:         deps.Logger,
		metrics:     deps.Metrics,
		tracer:      deps.Tracer,
		ctx:         context.Background(),
		rng:         rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		table:       rtable.New(s, cfg.DeletePeriod),
		queue:       pending.New[queued](s, cfg.MaxQueueLen, cfg.MaxQueueTime),
		requests:    dupcache.NewRequestCache(s, cfg.PathDiscoveryTime),
		packets:     dupcache.NewPacketCache(s, cfg.PathDiscoveryTime),
		rreqRate:    sched.NewTimer(s),
		rerrRate:    sched.NewTimer(s),
		helloTimer:  sched.NewTimer(s),
		retries:     make(map[netip.Addr]*sched.Timer),
		postponed:   make(map[netip.Addr]sched.Handle),
		collections: make(map[dupcache.RequestKey]*collection),
		deferred:    sched.NewGroup(s),
	}
	p.nb = neighbor.New(s, cfg.HelloInterval, p.linkFailure)
	return p, nil
}

// Config returns the effective configuration.
func (p *Protocol) Config() Config { return p.cfg }

// Start arms the rate-limit windows and, when enabled, the hello timer and
// neighbour purging.
func (p *Protocol) Start() {
	if p.started || p.closed {
		return
	}
	p.started = true
	p.rreqRate.Schedule(time.Second, p.rreqWindow)
	p.rerrRate.Schedule(time.Second, p.rerrWindow)
	if p.cfg.EnableHello {
		p.nb.Start()
		p.helloTimer.Schedule(p.jitter(100), p.helloExpire)
	}
	p.log.Debug(p.ctx, "aodv started", logging.Int("interfaces", len(p.ifaces)))
}

func (p *Protocol) rreqWindow() {
	p.rreqCount = 0
	p.rreqRate.Schedule(time.Second, p.rreqWindow)
}

func (p *Protocol) rerrWindow() {
	p.rerrCount = 0
	p.rerrRate.Schedule(time.Second, p.rerrWindow)
}

// Close cancels every pending timer and forgets all routes. Queued packets
// stay queued and time out silently.
func (p *Protocol) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.rreqRate.Cancel()
	p.rerrRate.Cancel()
	p.helloTimer.Cancel()
	p.nb.Stop()
	for dst, t := range p.retries {
		t.Cancel()
		delete(p.retries, dst)
	}
	for key, c := range p.collections {
		p.s.Cancel(c.timer)
		delete(p.collections, key)
	}
	p.deferred.CancelAll()
	clear(p.postponed)
	p.table.Clear()
	p.nb.Clear()
	p.log.Debug(p.ctx, "aodv closed")
	return nil
}

// NotifyInterfaceUp starts running the protocol on iface.
func (p *Protocol) NotifyInterfaceUp(iface Interface) error {
	if iface.Index <= LoopbackInterface {
		return fmt.Errorf("%w: index %d is reserved", ErrNoInterface, iface.Index)
	}
	a := iface.Addr()
	if !iface.Prefix.IsValid() || a.IsLoopback() || a.IsUnspecified() {
		return fmt.Errorf("%w: address %s", ErrNoInterface, iface.Prefix)
	}
	if _, ok := p.iface(iface.Index); ok {
		return nil
	}
	p.ifaces = append(p.ifaces, iface)
	slices.SortFunc(p.ifaces, func(a, b Interface) int { return a.Index - b.Index })
	p.log.Info(p.ctx, "interface up",
		logging.Int("index", iface.Index),
		logging.String("prefix", iface.Prefix.String()),
	)
	return nil
}

// NotifyInterfaceDown stops the protocol on interface index. Losing the
// last interface drops all neighbours and routes.
func (p *Protocol) NotifyInterfaceDown(index int) {
	i := slices.IndexFunc(p.ifaces, func(f Interface) bool { return f.Index == index })
	if i < 0 {
		return
	}
	p.ifaces = slices.Delete(p.ifaces, i, i+1)
	p.log.Info(p.ctx, "interface down", logging.Int("index", index))
	if len(p.ifaces) == 0 {
		p.helloTimer.Cancel()
		p.nb.Clear()
		p.table.Clear()
		return
	}
	p.table.DeleteAllFromInterface(index)
}

// NotifyAddAddress brings up an interface on its first address; later
// addresses are ignored.
func (p *Protocol) NotifyAddAddress(index int, prefix netip.Prefix) {
	if _, ok := p.iface(index); ok {
		return
	}
	if err := p.NotifyInterfaceUp(Interface{Index: index, Prefix: prefix}); err != nil {
		p.log.Debug(p.ctx, "address ignored", logging.Int("index", index), logging.Err(err))
	}
}

// NotifyRemoveAddress takes the interface down when its protocol address
// goes away.
func (p *Protocol) NotifyRemoveAddress(index int, prefix netip.Prefix) {
	f, ok := p.iface(index)
	if !ok || f.Prefix != prefix {
		return
	}
	p.NotifyInterfaceDown(index)
}

// NotifyTxError reports that the link layer failed to deliver to
// neighbour. Routes through it are invalidated and precursors told.
func (p *Protocol) NotifyTxError(neighbor netip.Addr) {
	if p.closed {
		return
	}
	if !p.nb.MarkTxError(neighbor) {
		p.linkFailure(neighbor)
	}
}

// Interfaces returns the interfaces the protocol runs on.
func (p *Protocol) Interfaces() []Interface { return slices.Clone(p.ifaces) }

// LookupRoute returns a snapshot of the table entry for dst.
func (p *Protocol) LookupRoute(dst netip.Addr) (rtable.Entry, bool) {
	e, ok := p.table.Lookup(dst)
	if !ok {
		return rtable.Entry{}, false
	}
	return *e, true
}

// SeqNo is the node's own sequence number.
func (p *Protocol) SeqNo() uint32 { return p.seqNo }

// QueueLen counts packets waiting for a route.
func (p *Protocol) QueueLen() int { return p.queue.Len() }

// DiscoveryInFlight reports whether a retry timer runs for dst or a
// request for it waits on the rate limit.
func (p *Protocol) DiscoveryInFlight(dst netip.Addr) bool {
	if _, ok := p.postponed[dst]; ok {
		return true
	}
	t, ok := p.retries[dst]
	return ok && t.Running()
}

// PrintRoutingTable writes the routing table.
func (p *Protocol) PrintRoutingTable(w io.Writer) error {
	return p.table.Print(w)
}

// Receive handles a control message that arrived on interface ifIndex
// from neighbour src with the remaining IP ttl.
func (p *Protocol) Receive(ifIndex int, src netip.Addr, payload []byte, ttl uint8) {
	if p.closed {
		return
	}
	iface, ok := p.iface(ifIndex)
	if !ok {
		p.metrics.Drop(observability.DropInterfaceDown)
		return
	}
	if p.isLocal(src) {
		p.metrics.Drop(observability.DropOwnPacket)
		return
	}
	m, err := wire.Unmarshal(payload)
	if err != nil {
		p.metrics.Drop(observability.DropMalformed)
		p.log.Debug(p.ctx, "malformed control message", logging.Addr("from", src), logging.Err(err))
		return
	}
	p.metrics.Received(m.Type().String())
	p.updateRouteToNeighbor(src, iface)

	switch m := m.(type) {
	case *wire.Request:
		p.recvRequest(m, iface, src, ttl)
	case *wire.Reply:
		p.recvReply(m, iface, src, ttl)
	case *wire.Error:
		p.recvError(m, src)
	case *wire.ReplyAck:
		p.recvReplyAck(src)
	}
}

func (p *Protocol) iface(index int) (Interface, bool) {
	for _, f := range p.ifaces {
		if f.Index == index {
			return f, true
		}
	}
	return Interface{}, false
}

func (p *Protocol) isLocal(a netip.Addr) bool {
	for _, f := range p.ifaces {
		if f.Addr() == a {
			return true
		}
	}
	return false
}

func (p *Protocol) energyScore() float64 {
	if p.energy == nil {
		return 1
	}
	return eocw.Clamp01(p.energy.ResidualEnergy())
}

func (p *Protocol) congestionScore() float64 {
	if p.congestion == nil {
		return 1
	}
	return eocw.Clamp01(p.congestion.CongestionScore())
}

// jitter is a uniform whole number of milliseconds in [0, maxMs].
func (p *Protocol) jitter(maxMs int) time.Duration {
	return time.Duration(p.rng.IntN(maxMs+1)) * time.Millisecond
}

func (p *Protocol) encode(m wire.Message) ([]byte, bool) {
	b, err := wire.Marshal(m)
	if err != nil {
		p.log.Warn(p.ctx, "encode control message", logging.String("type", m.Type().String()), logging.Err(err))
		return nil, false
	}
	return b, true
}

// send transmits m now.
func (p *Protocol) send(iface Interface, dst netip.Addr, m wire.Message, ttl uint8) {
	b, ok := p.encode(m)
	if !ok {
		return
	}
	p.transmit(iface.Index, dst, m.Type(), b, ttl)
}

// sendLater encodes m now and transmits it after d if the interface is
// still up by then.
func (p *Protocol) sendLater(d time.Duration, iface Interface, dst netip.Addr, m wire.Message, ttl uint8) {
	b, ok := p.encode(m)
	if !ok {
		return
	}
	t := m.Type()
	p.deferred.Schedule(d, func() {
		if _, up := p.iface(iface.Index); !up {
			p.metrics.Drop(observability.DropInterfaceDown)
			return
		}
		p.transmit(iface.Index, dst, t, b, ttl)
	})
}

func (p *Protocol) transmit(ifIndex int, dst netip.Addr, t wire.Type, b []byte, ttl uint8) {
	if err := p.transport.SendTo(ifIndex, netip.AddrPortFrom(dst, Port), b, ttl); err != nil {
		p.log.Debug(p.ctx, "control send failed",
			logging.String("type", t.String()),
			logging.Addr("to", dst),
			logging.Err(err),
		)
		return
	}
	p.metrics.Sent(t.String())
}

// broadcast queues m on every interface after its own jitter.
func (p *Protocol) broadcast(m wire.Message, ttl uint8, delay func() time.Duration) {
	for _, f := range p.ifaces {
		p.lastBcast = p.s.Now()
		p.sendLater(delay(), f, f.Broadcast(), m, ttl)
	}
}

// refresh extends a VALID route to at least now+d.
func (p *Protocol) refresh(dst netip.Addr, d time.Duration) bool {
	if !dst.IsValid() {
		return false
	}
	return p.table.RefreshLifetime(dst, d)
}

// hops8 saturates a hop count into the one-byte wire field.
func hops8(h uint16) uint8 {
	if h > 255 {
		return 255
	}
	return uint8(h)
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
