package aodv

import (
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/eocw-aodv/aodv/wire"
	"github.com/signalsfoundry/eocw-aodv/internal/observability"
	"github.com/signalsfoundry/eocw-aodv/internal/sched"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

// transmission is one control message handed to the transport.
type transmission struct {
	at      time.Time
	ifIndex int
	dst     netip.Addr
	ttl     uint8
	msg     wire.Message
}

// recorder is a Transport that decodes and keeps everything sent.
type recorder struct {
	t   *testing.T
	q   *sched.EventQueue
	out []transmission
}

func (r *recorder) SendTo(ifIndex int, dst netip.AddrPort, payload []byte, ttl uint8) error {
	r.t.Helper()
	require.Equal(r.t, uint16(Port), dst.Port())
	m, err := wire.Unmarshal(payload)
	require.NoError(r.t, err)
	r.out = append(r.out, transmission{at: r.q.Now(), ifIndex: ifIndex, dst: dst.Addr(), ttl: ttl, msg: m})
	return nil
}

func (r *recorder) requests() []*wire.Request {
	var out []*wire.Request
	for _, tx := range r.out {
		if m, ok := tx.msg.(*wire.Request); ok {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) ofType(t wire.Type) []transmission {
	var out []transmission
	for _, tx := range r.out {
		if tx.msg.Type() == t {
			out = append(out, tx)
		}
	}
	return out
}

type fixture struct {
	q       *sched.EventQueue
	tx      *recorder
	p       *Protocol
	metrics *observability.ProtocolCollector
	energy  float64
	iface   Interface
}

type fixtureOption func(*Config, *Deps)

// newFixture runs one protocol on interface 1 at address local/24.
func newFixture(t *testing.T, local string, opts ...fixtureOption) *fixture {
	t.Helper()
	q := sched.NewEventQueue(epoch)
	metrics, err := observability.NewProtocolCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	f := &fixture{q: q, tx: &recorder{t: t, q: q}, metrics: metrics, energy: 1}

	cfg := DefaultConfig()
	cfg.Seed = 11
	// Tests that exercise liveness turn hellos back on.
	cfg.EnableHello = false
	deps := Deps{
		Scheduler:  q,
		Transport:  f.tx,
		Energy:     EnergyFunc(func() float64 { return f.energy }),
		Congestion: CongestionFunc(func() float64 { return 1 }),
		Metrics:    metrics,
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	p, err := New(cfg, deps)
	require.NoError(t, err)
	f.iface = Interface{Index: 1, Prefix: netip.PrefixFrom(addr(local), 24)}
	require.NoError(t, p.NotifyInterfaceUp(f.iface))
	p.Start()
	f.p = p
	t.Cleanup(func() { _ = p.Close() })
	return f
}

func (f *fixture) receive(t *testing.T, src string, m wire.Message, ttl uint8) {
	t.Helper()
	b, err := wire.Marshal(m)
	require.NoError(t, err)
	f.p.Receive(f.iface.Index, addr(src), b, ttl)
}

// packetSink collects the callbacks of RouteOutput and RouteInput.
type packetSink struct {
	forwarded []Packet
	routes    []Route
	delivered []Packet
	failed    []error
}

func (s *packetSink) forward(r Route, p Packet) {
	s.routes = append(s.routes, r)
	s.forwarded = append(s.forwarded, p)
}
func (s *packetSink) deliver(p Packet, _ int) { s.delivered = append(s.delivered, p) }
func (s *packetSink) fail(_ Packet, err error) { s.failed = append(s.failed, err) }
