package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"themis"
)

type unit struct{ size uint64 }

func (u unit) CurrentSizeInBytes() uint64 { return u.size }
func (u unit) UnitTag() themis.Tag        { return themis.TagUser }

func newTestQueue(name string) *Queue {
	return New(name, zerolog.Nop())
}

func TestEnqueueDequeueOrder(t *testing.T) {
	q := newTestQueue("a")
	require.NoError(t, q.Enqueue(unit{size: 10}))
	require.NoError(t, q.Enqueue(unit{size: 20}))

	first := q.Dequeue()
	second := q.Dequeue()

	assert.Equal(t, uint64(10), first.CurrentSizeInBytes())
	assert.Equal(t, uint64(20), second.CurrentSizeInBytes())
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := newTestQueue("b")
	done := make(chan themis.WorkUnit, 1)

	go func() {
		done <- q.Dequeue()
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(unit{size: 5}))

	select {
	case got := <-done:
		assert.Equal(t, uint64(5), got.CurrentSizeInBytes())
	case <-time.After(time.Second):
		t.Fatal("Dequeue never returned")
	}
}

func TestDequeueReturnsEndOfStreamOnceClosedAndDrained(t *testing.T) {
	q := newTestQueue("c")
	require.NoError(t, q.Enqueue(unit{size: 1}))
	q.Close()

	first := q.Dequeue()
	assert.False(t, themis.IsEndOfStream(first))

	second := q.Dequeue()
	assert.True(t, themis.IsEndOfStream(second))

	// Every subsequent reader observes it too.
	third := q.Dequeue()
	assert.True(t, themis.IsEndOfStream(third))
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	q := newTestQueue("d")
	q.Close()

	err := q.Enqueue(unit{size: 1})
	require.Error(t, err)
	var closedErr *ErrClosedQueue
	require.ErrorAs(t, err, &closedErr)
}

func TestCloseIsIdempotent(t *testing.T) {
	q := newTestQueue("e")
	q.Close()
	q.Close() // must not panic or block
	assert.True(t, q.Closed())
}

func TestTryDequeueEmpty(t *testing.T) {
	q := newTestQueue("f")
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestBytesTracksHeldUnits(t *testing.T) {
	q := newTestQueue("g")
	require.NoError(t, q.Enqueue(unit{size: 7}))
	require.NoError(t, q.Enqueue(unit{size: 3}))
	assert.Equal(t, uint64(10), q.Bytes())

	q.Dequeue()
	assert.Equal(t, uint64(3), q.Bytes())
}

func TestStealUpToMovesUnitsPreservingOrder(t *testing.T) {
	src := newTestQueue("src")
	dst := newTestQueue("dst")

	for i := 0; i < 5; i++ {
		require.NoError(t, src.Enqueue(unit{size: uint64(i + 1)}))
	}

	moved := src.StealUpTo(3, dst)
	assert.Equal(t, 3, moved)
	assert.Equal(t, 2, src.Size())
	assert.Equal(t, 3, dst.Size())

	for i := 0; i < 3; i++ {
		got := dst.Dequeue()
		assert.Equal(t, uint64(i+1), got.CurrentSizeInBytes())
	}
}

func TestStealUpToClampsToSize(t *testing.T) {
	src := newTestQueue("src2")
	dst := newTestQueue("dst2")
	require.NoError(t, src.Enqueue(unit{size: 1}))

	moved := src.StealUpTo(100, dst)
	assert.Equal(t, 1, moved)
	assert.Equal(t, 0, src.Size())
}

func TestStealUpToZeroIsNoOp(t *testing.T) {
	src := newTestQueue("src3")
	dst := newTestQueue("dst3")
	require.NoError(t, src.Enqueue(unit{size: 1}))

	moved := src.StealUpTo(0, dst)
	assert.Equal(t, 0, moved)
	assert.Equal(t, 1, src.Size())
}

// TestConcurrentCrossSteal exercises the fixed lock-ordering guarantee:
// two goroutines stealing in opposite directions between the same pair
// of queues must never deadlock.
func TestConcurrentCrossSteal(t *testing.T) {
	a := newTestQueue("cross-a")
	b := newTestQueue("cross-b")
	for i := 0; i < 50; i++ {
		require.NoError(t, a.Enqueue(unit{size: 1}))
		require.NoError(t, b.Enqueue(unit{size: 1}))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			a.StealUpTo(1, b)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			b.StealUpTo(1, a)
		}
	}()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("cross-steal deadlocked")
	}
}
