// Package neighbor tracks one-hop link liveness. Neighbours are refreshed
// by any control traffic heard from them and dropped when their lifetime
// lapses or the link layer reports a transmission failure towards them.
package neighbor

import (
	"net/netip"
	"slices"
	"time"

	"github.com/signalsfoundry/eocw-aodv/internal/sched"
)

type neighbor struct {
	addr    netip.Addr
	expires time.Time
	closed  bool
}

// Monitor is not safe for concurrent use; it runs on the protocol's
// scheduler.
type Monitor struct {
	s             sched.Scheduler
	interval      time.Duration
	onLinkFailure func(netip.Addr)
	timer         *sched.Timer
	// insertion order keeps failure callbacks deterministic
	neighbors []*neighbor
}

// New returns a monitor that purges every interval once started.
// onLinkFailure is invoked for each neighbour that is dropped.
func New(s sched.Scheduler, interval time.Duration, onLinkFailure func(netip.Addr)) *Monitor {
	return &Monitor{
		s:             s,
		interval:      interval,
		onLinkFailure: onLinkFailure,
		timer:         sched.NewTimer(s),
	}
}

func (m *Monitor) find(addr netip.Addr) *neighbor {
	for _, n := range m.neighbors {
		if n.addr == addr {
			return n
		}
	}
	return nil
}

// Update records that addr is alive for at least d from now.
func (m *Monitor) Update(addr netip.Addr, d time.Duration) {
	until := m.s.Now().Add(d)
	if n := m.find(addr); n != nil {
		if until.After(n.expires) {
			n.expires = until
		}
		n.closed = false
		return
	}
	m.neighbors = append(m.neighbors, &neighbor{addr: addr, expires: until})
}

// IsNeighbor reports whether addr is a live neighbour.
func (m *Monitor) IsNeighbor(addr netip.Addr) bool {
	n := m.find(addr)
	return n != nil && !n.closed && n.expires.After(m.s.Now())
}

// ExpireTime is the remaining lifetime of addr, zero if unknown.
func (m *Monitor) ExpireTime(addr netip.Addr) time.Duration {
	if !m.IsNeighbor(addr) {
		return 0
	}
	return m.find(addr).expires.Sub(m.s.Now())
}

// Purge drops expired and failed neighbours, calling onLinkFailure for each.
func (m *Monitor) Purge() {
	now := m.s.Now()
	var lost []netip.Addr
	m.neighbors = slices.DeleteFunc(m.neighbors, func(n *neighbor) bool {
		if n.closed || !n.expires.After(now) {
			lost = append(lost, n.addr)
			return true
		}
		return false
	})
	if m.onLinkFailure == nil {
		return
	}
	for _, a := range lost {
		m.onLinkFailure(a)
	}
}

// MarkTxError handles a link-layer delivery failure towards addr. It
// reports whether addr was being tracked.
func (m *Monitor) MarkTxError(addr netip.Addr) bool {
	n := m.find(addr)
	if n != nil {
		n.closed = true
	}
	m.Purge()
	return n != nil
}

// Start begins periodic purging.
func (m *Monitor) Start() {
	m.timer.Schedule(m.interval, m.tick)
}

func (m *Monitor) tick() {
	m.Purge()
	m.timer.Schedule(m.interval, m.tick)
}

// Stop cancels periodic purging.
func (m *Monitor) Stop() {
	m.timer.Cancel()
}

// Clear forgets every neighbour without reporting failures.
func (m *Monitor) Clear() {
	m.neighbors = nil
}

func (m *Monitor) Len() int {
	return len(m.neighbors)
}
