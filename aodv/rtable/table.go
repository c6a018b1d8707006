// Package rtable holds the per-node AODV routing table: one entry per
// destination, sequence-number freshness, precursor lists and passive
// expiry. Every read purges expired entries first.
package rtable

import (
	"fmt"
	"io"
	"net/netip"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/signalsfoundry/eocw-aodv/internal/sched"
)

// Clock is the part of the scheduler the table needs: the current time and
// the ability to cancel an entry's ack timer when the entry goes away.
type Clock interface {
	Now() time.Time
	Cancel(h sched.Handle)
}

// Table is not safe for concurrent use.
type Table struct {
	clock           Clock
	badLinkLifetime time.Duration
	entries         map[netip.Addr]*Entry
}

// New returns an empty table. badLinkLifetime is how long an invalidated
// route is kept before removal.
func New(clock Clock, badLinkLifetime time.Duration) *Table {
	return &Table{
		clock:           clock,
		badLinkLifetime: badLinkLifetime,
		entries:         make(map[netip.Addr]*Entry),
	}
}

// Lookup returns the entry for dst in any state.
func (t *Table) Lookup(dst netip.Addr) (*Entry, bool) {
	t.Purge()
	e, ok := t.entries[dst]
	return e, ok
}

// LookupValid returns the entry for dst only if it is VALID, unexpired and
// its next hop is not blacklisted.
func (t *Table) LookupValid(dst netip.Addr) (*Entry, bool) {
	t.Purge()
	e, ok := t.entries[dst]
	if !ok || e.State != Valid {
		return nil, false
	}
	if nh, ok := t.entries[e.NextHop]; ok && nh.Blacklisted {
		return nil, false
	}
	return e, true
}

// Add inserts e unless an entry for its destination exists.
func (t *Table) Add(e Entry) (*Entry, bool) {
	t.Purge()
	if cur, ok := t.entries[e.Destination]; ok {
		return cur, false
	}
	stored := e
	stored.precursors = slices.Clone(e.precursors)
	t.entries[e.Destination] = &stored
	return &stored, true
}

// Upsert installs e if it is fresher than the current route: a strictly
// newer sequence number, an equal one while the current route is not
// VALID, or an equal one over fewer hops. A current entry without a valid
// sequence number is always replaced. Precursors and a pending ack timer of
// the replaced entry are carried over.
func (t *Table) Upsert(e Entry) (*Entry, bool) {
	t.Purge()
	cur, ok := t.entries[e.Destination]
	if !ok {
		return t.Add(e)
	}
	if !Fresher(e, *cur) {
		return cur, false
	}
	t.replace(cur, e)
	return cur, true
}

// Fresher reports whether candidate should replace current under the
// sequence-number freshness rule.
func Fresher(candidate, current Entry) bool {
	switch {
	case !current.ValidSeqNo:
		return true
	case SeqNewer(candidate.SeqNo, current.SeqNo):
		return true
	case candidate.SeqNo == current.SeqNo && current.State != Valid:
		return true
	case candidate.SeqNo == current.SeqNo && candidate.Hops < current.Hops:
		return true
	}
	return false
}

// Update overwrites the route fields of an existing entry. The precursor
// list and ack timer are kept. It reports false if dst has no entry.
func (t *Table) Update(e Entry) bool {
	cur, ok := t.entries[e.Destination]
	if !ok {
		return false
	}
	t.replace(cur, e)
	return true
}

func (t *Table) replace(cur *Entry, e Entry) {
	precursors, ack := cur.precursors, cur.AckTimer
	*cur = e
	cur.precursors = precursors
	for _, p := range e.precursors {
		cur.InsertPrecursor(p)
	}
	if cur.AckTimer == 0 {
		cur.AckTimer = ack
	} else if ack != 0 && ack != cur.AckTimer {
		t.clock.Cancel(ack)
	}
}

// Delete removes the entry for dst and cancels its ack timer.
func (t *Table) Delete(dst netip.Addr) bool {
	e, ok := t.entries[dst]
	if !ok {
		return false
	}
	t.drop(e)
	return true
}

func (t *Table) drop(e *Entry) {
	if e.AckTimer != 0 {
		t.clock.Cancel(e.AckTimer)
		e.AckTimer = 0
	}
	delete(t.entries, e.Destination)
}

// Invalidate marks a VALID route to dst broken. A fresher lastSeq replaces
// the stored sequence number.
func (t *Table) Invalidate(dst netip.Addr, lastSeq uint32) bool {
	e, ok := t.entries[dst]
	if !ok || e.State != Valid {
		return false
	}
	if SeqNewer(lastSeq, e.SeqNo) {
		e.SeqNo = lastSeq
	}
	e.invalidate(t.clock.Now(), t.badLinkLifetime)
	return true
}

// InvalidateAll applies Invalidate to every destination in unreachable.
func (t *Table) InvalidateAll(unreachable map[netip.Addr]uint32) {
	t.Purge()
	for dst, seq := range unreachable {
		t.Invalidate(dst, seq)
	}
}

// Purge expires routes: an expired VALID route becomes INVALID for the
// bad-link lifetime, an expired INVALID route is removed. Expired
// blacklists are lifted. IN_SEARCH entries are owned by the discovery
// timer and are left alone.
func (t *Table) Purge() {
	now := t.clock.Now()
	for _, e := range t.entries {
		if e.Blacklisted && e.BlacklistUntil.Before(now) {
			e.Blacklisted = false
		}
		if !e.Expires.Before(now) {
			continue
		}
		switch e.State {
		case Invalid:
			t.drop(e)
		case Valid:
			e.invalidate(now, t.badLinkLifetime)
		}
	}
}

// DestinationsViaNextHop maps every destination routed through nh to its
// sequence number.
func (t *Table) DestinationsViaNextHop(nh netip.Addr) map[netip.Addr]uint32 {
	t.Purge()
	out := make(map[netip.Addr]uint32)
	for dst, e := range t.entries {
		if e.NextHop == nh {
			out[dst] = e.SeqNo
		}
	}
	return out
}

// DeleteAllFromInterface removes every route leaving through ifIndex.
func (t *Table) DeleteAllFromInterface(ifIndex int) {
	for _, e := range t.entries {
		if e.Interface == ifIndex {
			t.drop(e)
		}
	}
}

// Clear removes all entries.
func (t *Table) Clear() {
	for _, e := range t.entries {
		t.drop(e)
	}
}

// RefreshLifetime extends a VALID route to at least now+d and resets its
// discovery counter.
func (t *Table) RefreshLifetime(dst netip.Addr, d time.Duration) bool {
	e, ok := t.Lookup(dst)
	if !ok || e.State != Valid {
		return false
	}
	e.RreqCount = 0
	if until := t.clock.Now().Add(d); until.After(e.Expires) {
		e.Expires = until
	}
	return true
}

// MarkUnidirectional blacklists the neighbour for d.
func (t *Table) MarkUnidirectional(neighbor netip.Addr, d time.Duration) bool {
	e, ok := t.Lookup(neighbor)
	if !ok {
		return false
	}
	e.Blacklisted = true
	e.BlacklistUntil = t.clock.Now().Add(d)
	e.RreqCount = 0
	return true
}

// IsUnidirectional reports whether the neighbour is blacklisted.
func (t *Table) IsUnidirectional(neighbor netip.Addr) bool {
	e, ok := t.Lookup(neighbor)
	return ok && e.Blacklisted
}

func (t *Table) Len() int {
	t.Purge()
	return len(t.entries)
}

// Print writes the table sorted by destination.
func (t *Table) Print(w io.Writer) error {
	t.Purge()
	now := t.clock.Now()
	dsts := make([]netip.Addr, 0, len(t.entries))
	for dst := range t.entries {
		dsts = append(dsts, dst)
	}
	slices.SortFunc(dsts, netip.Addr.Compare)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Destination\tGateway\tIface\tState\tSeq\tHops\tExpire\tPrecursors")
	for _, dst := range dsts {
		e := t.entries[dst]
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%d\t%s\t%v\n",
			e.Destination, e.NextHop, e.Interface, e.State, e.SeqNo, e.Hops,
			e.Lifetime(now).Round(time.Millisecond), e.precursors)
	}
	return tw.Flush()
}
