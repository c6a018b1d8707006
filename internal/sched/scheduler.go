// Package sched provides the virtual-time event queue that protocol
// instances run on.
//
// A protocol never blocks: every suspension is a callback scheduled some
// delay into the future. The host drives the queue, either with RunUntil /
// Advance (discrete-event style, time jumps to each event in turn) or with
// RunDue after moving time forward itself.
//
// EventQueue is deliberately not safe for concurrent use. All callbacks run
// on the goroutine that drives the queue, one at a time, which is what lets
// the routing state go without locks.
package sched

import (
	"sort"
	"time"
)

// Handle identifies a scheduled callback. The zero Handle is never issued.
type Handle uint64

// Scheduler is the clock and callback queue consumed by the protocol.
type Scheduler interface {
	// Now returns the current virtual time.
	Now() time.Time
	// Schedule registers f to run after delay d. A negative delay is treated
	// as zero.
	Schedule(d time.Duration, f func()) Handle
	// Cancel drops a pending callback. Unknown or already-run handles are
	// ignored.
	Cancel(h Handle)
}

type scheduledEvent struct {
	id        Handle
	when      time.Time
	f         func()
	cancelled bool
}

// EventQueue is the reference Scheduler: callbacks ordered by due time,
// ties broken by scheduling order.
type EventQueue struct {
	now     time.Time
	counter uint64

	// events is ordered by 'when' (earliest first); equal times keep
	// insertion order.
	events []*scheduledEvent
	index  map[Handle]*scheduledEvent
}

// NewEventQueue creates a queue whose clock starts at start.
func NewEventQueue(start time.Time) *EventQueue {
	return &EventQueue{
		now:   start,
		index: make(map[Handle]*scheduledEvent),
	}
}

// Now returns the current virtual time.
func (q *EventQueue) Now() time.Time {
	return q.now
}

// Schedule registers a callback to run d after the current virtual time.
func (q *EventQueue) Schedule(d time.Duration, f func()) Handle {
	if d < 0 {
		d = 0
	}
	return q.ScheduleAt(q.now.Add(d), f)
}

// ScheduleAt registers a callback at an absolute virtual time. Times in the
// past run on the next RunDue.
func (q *EventQueue) ScheduleAt(at time.Time, f func()) Handle {
	q.counter++
	id := Handle(q.counter)

	ev := &scheduledEvent{
		id:   id,
		when: at,
		f:    f,
	}
	q.addEvent(ev)
	q.index[id] = ev
	return id
}

// addEvent inserts after every event due at or before ev.when so that
// same-instant callbacks run in the order they were scheduled.
func (q *EventQueue) addEvent(ev *scheduledEvent) {
	idx := sort.Search(len(q.events), func(i int) bool {
		return q.events[i].when.After(ev.when)
	})

	q.events = append(q.events, nil)
	copy(q.events[idx+1:], q.events[idx:])
	q.events[idx] = ev
}

// Cancel marks a pending callback as cancelled. Removal from the slice is
// lazy; the run loops skip cancelled events.
func (q *EventQueue) Cancel(h Handle) {
	ev, ok := q.index[h]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(q.index, h)
}

// Pending reports the number of live (non-cancelled) callbacks.
func (q *EventQueue) Pending() int {
	return len(q.index)
}

// NextAt returns the due time of the earliest live callback.
func (q *EventQueue) NextAt() (time.Time, bool) {
	for _, ev := range q.events {
		if !ev.cancelled {
			return ev.when, true
		}
	}
	return time.Time{}, false
}

// popNext removes and returns the earliest live event due at or before
// limit, or nil.
func (q *EventQueue) popNext(limit time.Time) *scheduledEvent {
	for len(q.events) > 0 {
		ev := q.events[0]
		if ev.cancelled {
			q.events = q.events[1:]
			continue
		}
		if ev.when.After(limit) {
			return nil
		}
		q.events = q.events[1:]
		delete(q.index, ev.id)
		return ev
	}
	return nil
}

// RunDue executes all callbacks due at or before Now without moving the
// clock. It is safe to call repeatedly; callbacks never run twice.
func (q *EventQueue) RunDue() int {
	ran := 0
	for {
		ev := q.popNext(q.now)
		if ev == nil {
			return ran
		}
		if ev.f != nil {
			ev.f()
		}
		ran++
	}
}

// RunUntil processes callbacks in time order up to and including t, moving
// the clock to each event's due time before running it, and finally to t.
// It returns the number of callbacks run.
func (q *EventQueue) RunUntil(t time.Time) int {
	ran := 0
	for {
		ev := q.popNext(t)
		if ev == nil {
			break
		}
		if ev.when.After(q.now) {
			q.now = ev.when
		}
		if ev.f != nil {
			ev.f()
		}
		ran++
	}
	if t.After(q.now) {
		q.now = t
	}
	return ran
}

// Advance is RunUntil(Now()+d).
func (q *EventQueue) Advance(d time.Duration) int {
	return q.RunUntil(q.now.Add(d))
}

// AdvanceTo is RunUntil(t); time never moves backwards.
func (q *EventQueue) AdvanceTo(t time.Time) int {
	if t.Before(q.now) {
		return q.RunDue()
	}
	return q.RunUntil(t)
}
