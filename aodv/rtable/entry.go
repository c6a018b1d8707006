package rtable

import (
	"net/netip"
	"slices"
	"time"

	"github.com/signalsfoundry/eocw-aodv/internal/sched"
)

// State is the lifecycle flag of a route.
type State uint8

const (
	Valid State = iota
	Invalid
	InSearch
)

func (s State) String() string {
	switch s {
	case Valid:
		return "VALID"
	case Invalid:
		return "INVALID"
	case InSearch:
		return "IN_SEARCH"
	default:
		return "UNKNOWN"
	}
}

// Entry is the best known route to one destination.
//
// Entries returned by the table are live: mutating one changes the table.
// Destination is the table key and must not be changed.
type Entry struct {
	Destination netip.Addr
	NextHop     netip.Addr
	// Interface is the index of the output interface and Source the local
	// address on it.
	Interface int
	Source    netip.Addr

	Hops       uint16
	SeqNo      uint32
	ValidSeqNo bool
	State      State
	Expires    time.Time

	// RreqCount counts network-wide discovery attempts for this
	// destination.
	RreqCount int

	Blacklisted    bool
	BlacklistUntil time.Time

	// AckTimer is the pending reply-ack wait, zero when none.
	AckTimer sched.Handle

	PathMinEnergy     float64
	PathAvgCongestion float64
	PathScore         float64

	precursors []netip.Addr
}

// SetLifetime moves the expiry to now+d.
func (e *Entry) SetLifetime(now time.Time, d time.Duration) {
	e.Expires = now.Add(d)
}

// Lifetime is the time left before expiry; negative once expired.
func (e *Entry) Lifetime(now time.Time) time.Duration {
	return e.Expires.Sub(now)
}

// InsertPrecursor adds a neighbour that routes through us to Destination.
// It reports false when already present.
func (e *Entry) InsertPrecursor(a netip.Addr) bool {
	if !a.IsValid() || slices.Contains(e.precursors, a) {
		return false
	}
	e.precursors = append(e.precursors, a)
	return true
}

// DeletePrecursor removes a from the precursor list.
func (e *Entry) DeletePrecursor(a netip.Addr) bool {
	i := slices.Index(e.precursors, a)
	if i < 0 {
		return false
	}
	e.precursors = slices.Delete(e.precursors, i, i+1)
	return true
}

func (e *Entry) DeleteAllPrecursors() {
	e.precursors = nil
}

func (e *Entry) IsPrecursor(a netip.Addr) bool {
	return slices.Contains(e.precursors, a)
}

func (e *Entry) HasPrecursors() bool {
	return len(e.precursors) > 0
}

// Precursors returns a copy in insertion order.
func (e *Entry) Precursors() []netip.Addr {
	return slices.Clone(e.precursors)
}

// invalidate marks the route broken for lifetime d, keeping its sequence
// number for later freshness checks.
func (e *Entry) invalidate(now time.Time, d time.Duration) {
	if e.State == Invalid {
		return
	}
	e.State = Invalid
	e.Blacklisted = false
	e.RreqCount = 0
	e.SetLifetime(now, d)
}

// SeqNewer reports whether a is fresher than b under 32-bit wrap-around.
func SeqNewer(a, b uint32) bool {
	return int32(a-b) > 0
}

// SeqNotOlder reports whether a is at least as fresh as b.
func SeqNotOlder(a, b uint32) bool {
	return int32(a-b) >= 0
}
