package pending

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/eocw-aodv/internal/sched"
)

var (
	epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dstA  = netip.MustParseAddr("10.0.0.1")
	dstB  = netip.MustParseAddr("10.0.0.2")
)

type failure struct {
	id  string
	err error
}

func entry(id uint64, dst netip.Addr, failures *[]failure) Entry[string] {
	return Entry[string]{
		ID:          id,
		Destination: dst,
		Value:       dst.String() + "#" + string(rune('0'+id)),
		Fail:        func(v string, err error) { *failures = append(*failures, failure{v, err}) },
	}
}

func TestEnqueueRejectsDuplicates(t *testing.T) {
	q := New[string](sched.NewEventQueue(epoch), 4, time.Second)
	var fails []failure

	assert.True(t, q.Enqueue(entry(1, dstA, &fails)))
	assert.False(t, q.Enqueue(entry(1, dstA, &fails)))
	assert.True(t, q.Enqueue(entry(1, dstB, &fails)), "same id to another destination is distinct")
	assert.True(t, q.Enqueue(entry(2, dstA, &fails)), "another packet to the same destination queues")
	assert.Equal(t, 3, q.Len())
	assert.Empty(t, fails)
}

func TestEnqueueFullDropsOldest(t *testing.T) {
	q := New[string](sched.NewEventQueue(epoch), 2, time.Second)
	var fails []failure

	q.Enqueue(entry(1, dstA, &fails))
	q.Enqueue(entry(2, dstA, &fails))
	q.Enqueue(entry(3, dstA, &fails))

	require.Len(t, fails, 1)
	assert.Equal(t, "10.0.0.1#1", fails[0].id)
	assert.ErrorIs(t, fails[0].err, ErrQueueFull)

	e, ok := q.Dequeue(dstA)
	require.True(t, ok)
	assert.Equal(t, uint64(2), e.ID)
}

func TestTimeout(t *testing.T) {
	clock := sched.NewEventQueue(epoch)
	q := New[string](clock, 8, time.Second)
	var fails []failure

	q.Enqueue(entry(1, dstA, &fails))
	clock.Advance(500 * time.Millisecond)
	q.Enqueue(entry(2, dstB, &fails))
	clock.Advance(700 * time.Millisecond)

	assert.Equal(t, 1, q.Len())
	require.Len(t, fails, 1)
	assert.ErrorIs(t, fails[0].err, ErrQueueTimeout)
	_, ok := q.Dequeue(dstA)
	assert.False(t, ok)
	_, ok = q.Dequeue(dstB)
	assert.True(t, ok)
}

func TestDropWithDestinationFailsEachOnce(t *testing.T) {
	q := New[string](sched.NewEventQueue(epoch), 8, time.Minute)
	var fails []failure

	q.Enqueue(entry(1, dstA, &fails))
	q.Enqueue(entry(2, dstB, &fails))
	q.Enqueue(entry(3, dstA, &fails))

	assert.Equal(t, 2, q.DropWithDestination(dstA))
	assert.Zero(t, q.DropWithDestination(dstA))
	require.Len(t, fails, 2)
	for _, f := range fails {
		assert.ErrorIs(t, f.err, ErrDestinationUnreachable)
	}
	assert.Equal(t, 1, q.Len())

	_, ok := q.Dequeue(dstA)
	assert.False(t, ok)
}
