package sched

import "time"

// Timer is a single re-armable callback slot on a Scheduler. Scheduling a
// running timer replaces the previous callback.
type Timer struct {
	s        Scheduler
	h        Handle
	deadline time.Time
	running  bool
}

// NewTimer binds a timer to s.
func NewTimer(s Scheduler) *Timer {
	return &Timer{s: s}
}

// Schedule arms the timer to run f after d, cancelling any pending run.
func (t *Timer) Schedule(d time.Duration, f func()) {
	t.Cancel()
	if d < 0 {
		d = 0
	}
	t.deadline = t.s.Now().Add(d)
	t.running = true
	var h Handle
	h = t.s.Schedule(d, func() {
		if t.h != h {
			return
		}
		t.running = false
		t.h = 0
		f()
	})
	t.h = h
}

// Cancel stops a pending run; a no-op when idle.
func (t *Timer) Cancel() {
	if t.running {
		t.s.Cancel(t.h)
	}
	t.running = false
	t.h = 0
}

// Running reports whether a run is pending.
func (t *Timer) Running() bool {
	return t.running
}

// DelayLeft is the time remaining until the pending run, or zero.
func (t *Timer) DelayLeft() time.Duration {
	if !t.running {
		return 0
	}
	left := t.deadline.Sub(t.s.Now())
	if left < 0 {
		return 0
	}
	return left
}

// Group tracks fire-and-forget callbacks so they can be cancelled together,
// e.g. when a node shuts down.
type Group struct {
	s       Scheduler
	pending map[Handle]struct{}
}

// NewGroup returns an empty group on s.
func NewGroup(s Scheduler) *Group {
	return &Group{s: s, pending: make(map[Handle]struct{})}
}

// Schedule runs f after d unless the group is cancelled first.
func (g *Group) Schedule(d time.Duration, f func()) Handle {
	var h Handle
	h = g.s.Schedule(d, func() {
		delete(g.pending, h)
		f()
	})
	g.pending[h] = struct{}{}
	return h
}

// Len is the number of callbacks still pending.
func (g *Group) Len() int {
	return len(g.pending)
}

// CancelAll drops every pending callback in the group.
func (g *Group) CancelAll() {
	for h := range g.pending {
		g.s.Cancel(h)
	}
	clear(g.pending)
}
