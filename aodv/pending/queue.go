// Package pending buffers outbound packets while a route to their
// destination is being discovered.
package pending

import (
	"errors"
	"net/netip"
	"slices"
	"time"
)

var (
	ErrQueueFull              = errors.New("pending: queue full, oldest packet dropped")
	ErrQueueTimeout           = errors.New("pending: packet timed out waiting for a route")
	ErrDestinationUnreachable = errors.New("pending: destination unreachable")
)

// Clock reads the current time.
type Clock interface {
	Now() time.Time
}

// Entry is one buffered packet. ID and Destination identify duplicates.
// Fail, if set, is called exactly once when the queue gives up on the
// packet.
type Entry[T any] struct {
	ID          uint64
	Destination netip.Addr
	Value       T
	Fail        func(T, error)

	expires time.Time
}

func (e *Entry[T]) fail(err error) {
	if e.Fail != nil {
		e.Fail(e.Value, err)
	}
}

// Queue is a FIFO with a length bound and per-entry timeout. It is not safe
// for concurrent use.
type Queue[T any] struct {
	clock   Clock
	maxLen  int
	timeout time.Duration
	entries []Entry[T]
}

func New[T any](clock Clock, maxLen int, timeout time.Duration) *Queue[T] {
	return &Queue[T]{clock: clock, maxLen: maxLen, timeout: timeout}
}

// Enqueue appends e. A packet with the same ID already queued for the same
// destination is rejected; other packets to that destination queue behind
// it. When the queue is full the oldest packet is failed with
// ErrQueueFull to make room.
func (q *Queue[T]) Enqueue(e Entry[T]) bool {
	q.purge()
	for _, cur := range q.entries {
		if cur.ID == e.ID && cur.Destination == e.Destination {
			return false
		}
	}
	if q.maxLen <= 0 {
		e.fail(ErrQueueFull)
		return false
	}
	for len(q.entries) >= q.maxLen {
		oldest := q.entries[0]
		q.entries = q.entries[1:]
		oldest.fail(ErrQueueFull)
	}
	e.expires = q.clock.Now().Add(q.timeout)
	q.entries = append(q.entries, e)
	return true
}

// Dequeue removes and returns the oldest packet for dst.
func (q *Queue[T]) Dequeue(dst netip.Addr) (Entry[T], bool) {
	q.purge()
	i := slices.IndexFunc(q.entries, func(e Entry[T]) bool { return e.Destination == dst })
	if i < 0 {
		return Entry[T]{}, false
	}
	e := q.entries[i]
	q.entries = slices.Delete(q.entries, i, i+1)
	return e, true
}

// DropWithDestination fails every packet for dst with
// ErrDestinationUnreachable and returns how many were dropped.
func (q *Queue[T]) DropWithDestination(dst netip.Addr) int {
	q.purge()
	var dropped []Entry[T]
	q.entries = slices.DeleteFunc(q.entries, func(e Entry[T]) bool {
		if e.Destination == dst {
			dropped = append(dropped, e)
			return true
		}
		return false
	})
	for i := range dropped {
		dropped[i].fail(ErrDestinationUnreachable)
	}
	return len(dropped)
}

func (q *Queue[T]) Len() int {
	q.purge()
	return len(q.entries)
}

// purge fails expired packets with ErrQueueTimeout. Callbacks run after the
// queue is consistent so they may re-enter it.
func (q *Queue[T]) purge() {
	now := q.clock.Now()
	var expired []Entry[T]
	q.entries = slices.DeleteFunc(q.entries, func(e Entry[T]) bool {
		if e.expires.Before(now) {
			expired = append(expired, e)
			return true
		}
		return false
	})
	for i := range expired {
		expired[i].fail(ErrQueueTimeout)
	}
}
