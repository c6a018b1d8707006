// Package medium is an in-memory shared radio channel for simulations.
//
// Interfaces attach to the medium with an address. Links between pairs of
// interfaces say who can hear whom; a link may be brought down or impaired
// with a loss probability at any time. Frames are delivered through the
// scheduler after the link latency, so a whole network runs on one
// goroutine.
package medium

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"slices"
	"time"

	"github.com/signalsfoundry/eocw-aodv/internal/logging"
	"github.com/signalsfoundry/eocw-aodv/internal/sched"
)

var (
	ErrPortExists   = errors.New("medium: address already attached")
	ErrPortNotFound = errors.New("medium: address not attached")
	ErrPortDown     = errors.New("medium: interface down")
	ErrLinkExists   = errors.New("medium: link already exists")
	ErrLinkNotFound = errors.New("medium: link not found")
	ErrLinkBadInput = errors.New("medium: invalid link")
	// ErrNoLink is returned for a unicast frame to an address no up link
	// reaches. The sender's TxError callback fires as well.
	ErrNoLink = errors.New("medium: no link to destination")
)

// DefaultLatency is used for links added with a zero latency.
const DefaultLatency = time.Millisecond

// Frame is one transmission as seen by a receiver.
type Frame struct {
	Src     netip.Addr
	Dst     netip.Addr
	Port    uint16
	TTL     uint8
	Payload []byte
}

// Receiver is called for every frame delivered to a port.
type Receiver func(Frame)

// Port is one interface attached to the medium.
type Port struct {
	m      *Medium
	prefix netip.Prefix
	up     bool
	recv   Receiver

	// TxError, if set, is called when a unicast frame could not reach its
	// next hop.
	TxError func(dst netip.Addr)

	inFlight int
	sent     uint64
	received uint64
}

// Addr is the port's address.
func (p *Port) Addr() netip.Addr { return p.prefix.Addr() }

// Prefix is the port's address with its subnet length.
func (p *Port) Prefix() netip.Prefix { return p.prefix }

// Up reports whether the port transmits and receives.
func (p *Port) Up() bool { return p.up }

// SetUp changes the administrative state of the port.
func (p *Port) SetUp(up bool) { p.up = up }

// InFlight counts frames sent by this port that have not landed yet.
func (p *Port) InFlight() int { return p.inFlight }

// Sent and Received count frames through the port.
func (p *Port) Sent() uint64     { return p.sent }
func (p *Port) Received() uint64 { return p.received }

// Send transmits payload. A broadcast or multicast dst reaches every
// neighbour over an up link; any other dst must be a direct neighbour.
func (p *Port) Send(dst netip.Addr, port uint16, payload []byte, ttl uint8) error {
	return p.m.send(p, dst, port, payload, ttl)
}

// Link connects two ports. Links are symmetric.
type Link struct {
	A, B    netip.Addr
	Latency time.Duration
	// Loss is the probability that a frame over the link is lost.
	Loss float64

	IsUp       bool
	IsImpaired bool
}

// Usable reports whether frames can cross the link.
func (l *Link) Usable() bool { return l.IsUp && !l.IsImpaired }

type linkKey struct{ a, b netip.Addr }

func keyOf(a, b netip.Addr) linkKey {
	if b.Less(a) {
		a, b = b, a
	}
	return linkKey{a, b}
}

// Stats summarises medium activity.
type Stats struct {
	Sent      uint64
	Delivered uint64
	Lost      uint64
	NoLink    uint64
}

// Medium is the shared channel. It is not safe for concurrent use; drive it
// from the scheduler's goroutine.
type Medium struct {
	s     sched.Scheduler
	log   logging.Logger
	rng   *rand.Rand
	ports map[netip.Addr]*Port
	links map[linkKey]*Link
	stats Stats
}

// Option configures a Medium.
type Option func(*Medium)

// WithLogger sets the logger used for frame-level debug output.
func WithLogger(l logging.Logger) Option {
	return func(m *Medium) {
		if l != nil {
			m.log = l
		}
	}
}

// WithSeed seeds the loss generator.
func WithSeed(seed uint64) Option {
	return func(m *Medium) {
		m.rng = rand.New(rand.NewPCG(seed, seed+1))
	}
}

// New creates an empty medium on s.
func New(s sched.Scheduler, opts ...Option) *Medium {
	m := &Medium{
		s:     s,
		log:   logging.Noop(),
		rng:   rand.New(rand.NewPCG(1, 2)),
		ports: make(map[netip.Addr]*Port),
		links: make(map[linkKey]*Link),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Attach adds an interface with the given address. recv receives frames
// addressed to it or broadcast by its neighbours.
func (m *Medium) Attach(prefix netip.Prefix, recv Receiver) (*Port, error) {
	if !prefix.IsValid() {
		return nil, fmt.Errorf("%w: invalid prefix", ErrLinkBadInput)
	}
	a := prefix.Addr()
	if _, ok := m.ports[a]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPortExists, a)
	}
	p := &Port{m: m, prefix: prefix, up: true, recv: recv}
	m.ports[a] = p
	return p, nil
}

// Detach removes the port with address a and every link touching it.
func (m *Medium) Detach(a netip.Addr) error {
	if _, ok := m.ports[a]; !ok {
		return fmt.Errorf("%w: %s", ErrPortNotFound, a)
	}
	delete(m.ports, a)
	for k := range m.links {
		if k.a == a || k.b == a {
			delete(m.links, k)
		}
	}
	return nil
}

// Port returns the port with address a.
func (m *Medium) Port(a netip.Addr) (*Port, bool) {
	p, ok := m.ports[a]
	return p, ok
}

// Connect adds an up link between a and b.
func (m *Medium) Connect(a, b netip.Addr, latency time.Duration) (*Link, error) {
	if a == b {
		return nil, fmt.Errorf("%w: %s to itself", ErrLinkBadInput, a)
	}
	for _, x := range []netip.Addr{a, b} {
		if _, ok := m.ports[x]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrPortNotFound, x)
		}
	}
	k := keyOf(a, b)
	if _, ok := m.links[k]; ok {
		return nil, fmt.Errorf("%w: %s-%s", ErrLinkExists, a, b)
	}
	if latency <= 0 {
		latency = DefaultLatency
	}
	l := &Link{A: k.a, B: k.b, Latency: latency, IsUp: true}
	m.links[k] = l
	return l, nil
}

// Link returns the link between a and b.
func (m *Medium) Link(a, b netip.Addr) (*Link, bool) {
	l, ok := m.links[keyOf(a, b)]
	return l, ok
}

// Disconnect removes the link between a and b.
func (m *Medium) Disconnect(a, b netip.Addr) error {
	k := keyOf(a, b)
	if _, ok := m.links[k]; !ok {
		return fmt.Errorf("%w: %s-%s", ErrLinkNotFound, a, b)
	}
	delete(m.links, k)
	return nil
}

// SetLinkUp brings the link between a and b up or down.
func (m *Medium) SetLinkUp(a, b netip.Addr, up bool) error {
	l, ok := m.Link(a, b)
	if !ok {
		return fmt.Errorf("%w: %s-%s", ErrLinkNotFound, a, b)
	}
	l.IsUp = up
	return nil
}

// Impair sets the loss probability of the link between a and b. A loss of
// 1 or more impairs the link completely.
func (m *Medium) Impair(a, b netip.Addr, loss float64) error {
	l, ok := m.Link(a, b)
	if !ok {
		return fmt.Errorf("%w: %s-%s", ErrLinkNotFound, a, b)
	}
	l.Loss = min(max(loss, 0), 1)
	l.IsImpaired = l.Loss >= 1
	return nil
}

// Neighbors lists the addresses reachable from a over usable links, in
// address order.
func (m *Medium) Neighbors(a netip.Addr) []netip.Addr {
	var out []netip.Addr
	for k, l := range m.links {
		if !l.Usable() {
			continue
		}
		switch a {
		case k.a:
			out = append(out, k.b)
		case k.b:
			out = append(out, k.a)
		}
	}
	slices.SortFunc(out, func(x, y netip.Addr) int { return x.Compare(y) })
	return out
}

// Stats returns the counters so far.
func (m *Medium) Stats() Stats { return m.stats }

func (m *Medium) isGroup(from *Port, dst netip.Addr) bool {
	if dst.IsMulticast() {
		return true
	}
	if _, ok := m.ports[dst]; ok {
		return false
	}
	return dst == netip.AddrFrom4([4]byte{255, 255, 255, 255}) || dst == subnetBroadcast(from.prefix)
}

func (m *Medium) send(from *Port, dst netip.Addr, port uint16, payload []byte, ttl uint8) error {
	if !from.up {
		return fmt.Errorf("%w: %s", ErrPortDown, from.Addr())
	}
	m.stats.Sent++
	from.sent++
	f := Frame{Src: from.Addr(), Dst: dst, Port: port, TTL: ttl, Payload: slices.Clone(payload)}

	if m.isGroup(from, dst) {
		for _, n := range m.Neighbors(from.Addr()) {
			l, _ := m.Link(from.Addr(), n)
			m.deliver(from, n, l, f)
		}
		return nil
	}

	l, ok := m.Link(from.Addr(), dst)
	if !ok || !l.Usable() || !m.ports[dst].up {
		m.stats.NoLink++
		if from.TxError != nil {
			cb := from.TxError
			m.s.Schedule(DefaultLatency, func() { cb(dst) })
		}
		return fmt.Errorf("%w: %s to %s", ErrNoLink, from.Addr(), dst)
	}
	m.deliver(from, dst, l, f)
	return nil
}

func (m *Medium) deliver(from *Port, to netip.Addr, l *Link, f Frame) {
	if l.Loss > 0 && m.rng.Float64() < l.Loss {
		m.stats.Lost++
		return
	}
	from.inFlight++
	m.s.Schedule(l.Latency, func() {
		from.inFlight--
		p, ok := m.ports[to]
		if !ok || !p.up || !l.Usable() {
			m.stats.Lost++
			return
		}
		m.stats.Delivered++
		p.received++
		m.log.Debug(context.Background(), "frame delivered",
			logging.Addr("src", f.Src),
			logging.Addr("to", to),
			logging.Int("port", int(f.Port)),
		)
		if p.recv != nil {
			p.recv(f)
		}
	})
}

func subnetBroadcast(p netip.Prefix) netip.Addr {
	a := p.Addr()
	if !a.Is4() {
		return netip.IPv6LinkLocalAllNodes()
	}
	bits := p.Bits()
	if bits < 0 || bits >= 32 {
		return netip.AddrFrom4([4]byte{255, 255, 255, 255})
	}
	b := a.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	v |= uint32(1)<<(32-bits) - 1
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
