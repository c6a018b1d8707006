package aodv

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/eocw-aodv/aodv/wire"
	"github.com/signalsfoundry/eocw-aodv/internal/observability"
	"github.com/signalsfoundry/eocw-aodv/internal/sched"
)

func TestNewRequiresCollaborators(t *testing.T) {
	q := sched.NewEventQueue(epoch)
	_, err := New(DefaultConfig(), Deps{Transport: &recorder{t: t, q: q}})
	assert.ErrorContains(t, err, "scheduler")

	_, err = New(DefaultConfig(), Deps{Scheduler: q})
	assert.ErrorContains(t, err, "transport")

	cfg := DefaultConfig()
	cfg.RreqRetries = -1
	_, err = New(cfg, Deps{Scheduler: q, Transport: &recorder{t: t, q: q}})
	assert.ErrorContains(t, err, "rreq_retries")

	p, err := New(Config{}, Deps{Scheduler: q, Transport: &recorder{t: t, q: q}})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().NetTraversalTime, p.Config().NetTraversalTime)
}

func TestInterfaceLifecycle(t *testing.T) {
	f := newFixture(t, "10.0.0.1")

	assert.ErrorIs(t, f.p.NotifyInterfaceUp(Interface{Index: LoopbackInterface, Prefix: netip.MustParsePrefix("10.2.0.1/24")}), ErrNoInterface)
	assert.ErrorIs(t, f.p.NotifyInterfaceUp(Interface{Index: 5, Prefix: netip.MustParsePrefix("127.0.0.1/8")}), ErrNoInterface)
	assert.ErrorIs(t, f.p.NotifyInterfaceUp(Interface{Index: 5}), ErrNoInterface)
	require.NoError(t, f.p.NotifyInterfaceUp(f.iface), "repeat is a no-op")

	second := Interface{Index: 2, Prefix: netip.MustParsePrefix("10.1.0.1/24")}
	require.NoError(t, f.p.NotifyInterfaceUp(second))
	assert.Equal(t, []Interface{f.iface, second}, f.p.Interfaces())

	f.p.sendRequest(addr("10.5.0.1"))
	f.q.Advance(20 * time.Millisecond)
	reqs := f.tx.ofType(wire.TypeRequest)
	require.Len(t, reqs, 2, "one request per interface")
	origins := []netip.Addr{reqs[0].msg.(*wire.Request).Origin, reqs[1].msg.(*wire.Request).Origin}
	assert.ElementsMatch(t, []netip.Addr{addr("10.0.0.1"), addr("10.1.0.1")}, origins)

	// A neighbour heard on interface 2 goes away with it.
	f.p.Receive(2, addr("10.1.0.7"), mustMarshal(t, &wire.ReplyAck{}), 1)
	_, ok := f.p.LookupRoute(addr("10.1.0.7"))
	require.True(t, ok)
	f.p.NotifyInterfaceDown(2)
	_, ok = f.p.LookupRoute(addr("10.1.0.7"))
	assert.False(t, ok)
	assert.Len(t, f.p.Interfaces(), 1)

	third := netip.MustParsePrefix("10.3.0.1/24")
	f.p.NotifyAddAddress(3, third)
	f.p.NotifyAddAddress(3, netip.MustParsePrefix("10.4.0.1/24"))
	require.Len(t, f.p.Interfaces(), 2)
	assert.Equal(t, third, f.p.Interfaces()[1].Prefix)

	f.p.NotifyRemoveAddress(3, netip.MustParsePrefix("10.4.0.1/24"))
	assert.Len(t, f.p.Interfaces(), 2, "unknown address is ignored")
	f.p.NotifyRemoveAddress(3, third)
	assert.Len(t, f.p.Interfaces(), 1)

	// Losing the last interface forgets everything.
	f.receive(t, "10.0.0.2", &wire.ReplyAck{}, 1)
	f.p.NotifyInterfaceDown(1)
	assert.Empty(t, f.p.Interfaces())
	assert.Zero(t, f.p.table.Len())
}

func mustMarshal(t *testing.T, m wire.Message) []byte {
	t.Helper()
	b, err := wire.Marshal(m)
	require.NoError(t, err)
	return b
}

func TestReceiveDrops(t *testing.T) {
	f := newFixture(t, "10.0.0.1")

	f.p.Receive(1, addr("10.0.0.2"), []byte{0xff, 0x01}, 1)
	f.p.Receive(1, addr("10.0.0.1"), mustMarshal(t, &wire.ReplyAck{}), 1)
	f.p.Receive(7, addr("10.0.0.2"), mustMarshal(t, &wire.ReplyAck{}), 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Drops.WithLabelValues(observability.DropMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Drops.WithLabelValues(observability.DropOwnPacket)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Drops.WithLabelValues(observability.DropInterfaceDown)))
	assert.Zero(t, f.p.table.Len(), "dropped messages teach nothing")

	f.receive(t, "10.0.0.2", &wire.ReplyAck{}, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ControlReceived.WithLabelValues("rrep_ack")))
	e, ok := f.p.LookupRoute(addr("10.0.0.2"))
	require.True(t, ok)
	assert.Equal(t, uint16(1), e.Hops)
}

func TestCloseCancelsEverything(t *testing.T) {
	f := newFixture(t, "10.0.0.1", func(c *Config, _ *Deps) { c.EnableHello = true })
	sink := &packetSink{}
	_, _, err := f.p.RouteOutput(Packet{ID: 1, Destination: addr("10.0.0.9")}, AnyInterface, sink.forward, sink.fail)
	require.NoError(t, err)
	f.receive(t, "10.0.0.2", copyOfFor("10.0.0.1"), 5)
	require.Positive(t, f.q.Pending())

	require.NoError(t, f.p.Close())
	require.NoError(t, f.p.Close())
	assert.Zero(t, f.q.Pending())

	sent := len(f.tx.out)
	f.receive(t, "10.0.0.2", copyOfFor("10.0.0.1"), 5)
	f.q.Advance(time.Minute)
	assert.Len(t, f.tx.out, sent)
	assert.Empty(t, sink.failed)
}

// copyOfFor is a request from 10.0.0.8 whose destination is dst.
func copyOfFor(dst string) *wire.Request {
	req := copyOf(1, 1)
	req.Origin = addr("10.0.0.8")
	req.Destination = addr(dst)
	return req
}

func TestPrintRoutingTable(t *testing.T) {
	f := newFixture(t, "10.0.0.1")
	learnRoute(t, f, "10.0.0.6")

	var buf bytes.Buffer
	require.NoError(t, f.p.PrintRoutingTable(&buf))
	out := buf.String()
	assert.Contains(t, out, "10.0.0.6")
	assert.Contains(t, out, "10.0.0.2")
	assert.Contains(t, out, "VALID")
}
