package aodv

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/eocw-aodv/aodv/wire"
	"github.com/signalsfoundry/eocw-aodv/internal/observability"
)

// learnRoute installs a route from 10.0.0.1 to dst through 10.0.0.2 the
// way an unsolicited reply would.
func learnRoute(t *testing.T, f *fixture, dst string) {
	t.Helper()
	f.receive(t, "10.0.0.2", &wire.Reply{
		HopCount:          1,
		Destination:       addr(dst),
		DestSeqNo:         4,
		Origin:            addr("10.0.0.1"),
		Lifetime:          10 * time.Second,
		PathMinEnergy:     1,
		PathAvgCongestion: 1,
	}, 5)
	_, ok := f.p.table.LookupValid(addr(dst))
	require.True(t, ok)
}

func TestBroadcastIsDeliveredAndRelayedOnce(t *testing.T) {
	f := newFixture(t, "10.0.0.1")
	sink := &packetSink{}
	pkt := Packet{ID: 3, Source: addr("10.0.0.9"), Destination: addr("10.0.0.255"), TTL: 5}

	res := f.p.RouteInput(pkt, 1, sink.forward, sink.deliver, sink.fail)
	assert.Equal(t, InputDelivered, res)
	require.Len(t, sink.delivered, 1)
	require.Len(t, sink.forwarded, 1)
	assert.Equal(t, uint8(4), sink.forwarded[0].TTL)
	assert.Equal(t, addr("10.0.0.255"), sink.routes[0].Gateway)
	assert.Equal(t, 1, sink.routes[0].Interface)

	res = f.p.RouteInput(pkt, 1, sink.forward, sink.deliver, sink.fail)
	assert.Equal(t, InputDropped, res)
	assert.Len(t, sink.delivered, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Drops.WithLabelValues(observability.DropDuplicate)))
}

func TestBroadcastNotRelayedWhenDisabled(t *testing.T) {
	f := newFixture(t, "10.0.0.1", func(c *Config, _ *Deps) { c.EnableBroadcast = false })
	sink := &packetSink{}
	res := f.p.RouteInput(Packet{ID: 1, Source: addr("10.0.0.9"), Destination: addr("255.255.255.255"), TTL: 5},
		1, sink.forward, sink.deliver, sink.fail)
	assert.Equal(t, InputDelivered, res)
	assert.Len(t, sink.delivered, 1)
	assert.Empty(t, sink.forwarded)
}

func TestRouteInputIgnoresOwnAndMulticast(t *testing.T) {
	f := newFixture(t, "10.0.0.1")
	sink := &packetSink{}

	res := f.p.RouteInput(Packet{ID: 1, Source: addr("10.0.0.1"), Destination: addr("10.0.0.7"), TTL: 5},
		1, sink.forward, sink.deliver, sink.fail)
	assert.Equal(t, InputDropped, res)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Drops.WithLabelValues(observability.DropOwnPacket)))

	res = f.p.RouteInput(Packet{ID: 2, Source: addr("10.0.0.9"), Destination: addr("224.0.0.5"), TTL: 5},
		1, sink.forward, sink.deliver, sink.fail)
	assert.Equal(t, InputNotMine, res)

	res = f.p.RouteInput(Packet{ID: 3, Source: addr("10.0.0.9"), Destination: addr("10.0.0.7"), TTL: 5},
		4, sink.forward, sink.deliver, sink.fail)
	assert.Equal(t, InputNotMine, res, "unknown input interface")
	assert.Empty(t, sink.delivered)
	assert.Empty(t, sink.forwarded)
}

func TestRouteInputDeliversLocally(t *testing.T) {
	f := newFixture(t, "10.0.0.1")
	sink := &packetSink{}
	res := f.p.RouteInput(Packet{ID: 1, Source: addr("10.0.0.9"), Destination: addr("10.0.0.1"), TTL: 5},
		1, sink.forward, sink.deliver, sink.fail)
	assert.Equal(t, InputDelivered, res)
	require.Len(t, sink.delivered, 1)
	assert.Equal(t, addr("10.0.0.9"), sink.delivered[0].Source)
}

func TestForwardingWithoutRouteReportsError(t *testing.T) {
	f := newFixture(t, "10.0.0.1")
	sink := &packetSink{}
	res := f.p.RouteInput(Packet{ID: 1, Source: addr("10.0.0.9"), Destination: addr("10.0.0.20"), TTL: 5},
		1, sink.forward, sink.deliver, sink.fail)

	assert.Equal(t, InputDropped, res)
	require.Len(t, sink.failed, 1)
	assert.ErrorIs(t, sink.failed[0], ErrNoRouteToHost)

	rerrs := f.tx.ofType(wire.TypeError)
	require.Len(t, rerrs, 1)
	assert.Equal(t, addr("10.0.0.255"), rerrs[0].dst)
	assert.Equal(t, uint8(1), rerrs[0].ttl)
	msg := rerrs[0].msg.(*wire.Error)
	require.Equal(t, 1, msg.Len())
	assert.Equal(t, addr("10.0.0.20"), msg.Unreachable[0].Addr)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Drops.WithLabelValues(observability.DropNoRoute)))
}

func TestForwardingAlongRoute(t *testing.T) {
	f := newFixture(t, "10.0.0.1")
	learnRoute(t, f, "10.0.0.6")
	sink := &packetSink{}

	res := f.p.RouteInput(Packet{ID: 1, Source: addr("10.0.0.9"), Destination: addr("10.0.0.6"), TTL: 10},
		1, sink.forward, sink.deliver, sink.fail)
	assert.Equal(t, InputForwarded, res)
	require.Len(t, sink.forwarded, 1)
	assert.Equal(t, uint8(9), sink.forwarded[0].TTL)
	assert.Equal(t, addr("10.0.0.2"), sink.routes[0].Gateway)
	assert.Equal(t, addr("10.0.0.1"), sink.routes[0].Source)
	assert.True(t, f.p.nb.IsNeighbor(addr("10.0.0.2")))

	res = f.p.RouteInput(Packet{ID: 2, Source: addr("10.0.0.9"), Destination: addr("10.0.0.6"), TTL: 1},
		1, sink.forward, sink.deliver, sink.fail)
	assert.Equal(t, InputDropped, res)
	require.Len(t, sink.failed, 1)
	assert.ErrorIs(t, sink.failed[0], ErrTTLExpired)
}

func TestRouteOutput(t *testing.T) {
	f := newFixture(t, "10.0.0.1")
	sink := &packetSink{}

	route, status, err := f.p.RouteOutput(Packet{Destination: addr("10.0.0.1")}, AnyInterface, sink.forward, sink.fail)
	require.NoError(t, err)
	assert.Equal(t, OutputLocal, status)
	assert.True(t, route.IsLoopback())

	route, status, err = f.p.RouteOutput(Packet{Destination: addr("10.0.0.255")}, AnyInterface, sink.forward, sink.fail)
	require.NoError(t, err)
	assert.Equal(t, OutputRouted, status)
	assert.Equal(t, 1, route.Interface)

	_, status, err = f.p.RouteOutput(Packet{Destination: addr("10.0.0.6")}, AnyInterface, nil, nil)
	assert.ErrorIs(t, err, ErrNoRouteToHost)
	assert.Equal(t, OutputFailed, status)

	learnRoute(t, f, "10.0.0.6")
	route, status, err = f.p.RouteOutput(Packet{Destination: addr("10.0.0.6")}, AnyInterface, sink.forward, sink.fail)
	require.NoError(t, err)
	assert.Equal(t, OutputRouted, status)
	assert.Equal(t, Route{Destination: addr("10.0.0.6"), Source: addr("10.0.0.1"), Gateway: addr("10.0.0.2"), Interface: 1}, route)

	_, status, err = f.p.RouteOutput(Packet{Destination: addr("10.0.0.6")}, 2, sink.forward, sink.fail)
	assert.ErrorIs(t, err, ErrNoRouteToHost)
	assert.Equal(t, OutputFailed, status)

	f.p.NotifyInterfaceDown(1)
	_, _, err = f.p.RouteOutput(Packet{Destination: addr("10.0.0.6")}, AnyInterface, sink.forward, sink.fail)
	assert.ErrorIs(t, err, ErrNoInterface)
}

func TestQueuedPacketsFlushWhenRouteArrives(t *testing.T) {
	f := newFixture(t, "10.0.0.1")
	sink := &packetSink{}

	_, status, err := f.p.RouteOutput(Packet{ID: 1, Destination: addr("10.0.0.6")}, 2, sink.forward, sink.fail)
	require.NoError(t, err)
	require.Equal(t, OutputDeferred, status)
	_, status, err = f.p.RouteOutput(Packet{ID: 2, Destination: addr("10.0.0.6")}, AnyInterface, sink.forward, sink.fail)
	require.NoError(t, err)
	require.Equal(t, OutputDeferred, status)
	assert.Equal(t, 2, f.p.QueueLen())

	f.q.Advance(20 * time.Millisecond)
	require.Len(t, f.tx.requests(), 1, "one discovery for both packets")

	learnRoute(t, f, "10.0.0.6")

	assert.Zero(t, f.p.QueueLen())
	require.Len(t, sink.failed, 1)
	assert.ErrorIs(t, sink.failed[0], ErrNoRouteToHost)
	require.Len(t, sink.forwarded, 1)
	assert.Equal(t, uint64(2), sink.forwarded[0].ID)
	assert.Equal(t, addr("10.0.0.1"), sink.forwarded[0].Source)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Discoveries.WithLabelValues(observability.DiscoveryResolved)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Drops.WithLabelValues(observability.DropNoRoute)))
}
