// Package queue implements the work queue of spec.md §4.1: an
// ordered FIFO of themis.WorkUnit values with a sticky closed flag, a
// byte counter, and a bulk-steal primitive that acquires two queues'
// locks in a fixed global order to avoid deadlock. The queue has no
// capacity limit: Enqueue never blocks, and byte budgets between
// stages are enforced by internal/quota instead.
package queue

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"themis"
	"themis/internal/corefail"
)

var idSeq uint64

// Queue is a single-producer-multi-consumer FIFO of work units.
// The zero value is not usable; construct with New.
type Queue struct {
	id     uint64
	name   string
	mu     sync.Mutex
	cond   *sync.Cond
	units  []themis.WorkUnit
	closed bool
	bytes  uint64
	log    zerolog.Logger
}

// New returns an empty, open queue. name is used only for logging and
// error messages.
func New(name string, log zerolog.Logger) *Queue {
	q := &Queue{
		id:   atomic.AddUint64(&idSeq, 1),
		name: name,
		log:  log.With().Str("queue", name).Logger(),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// ErrClosedQueue is returned by Enqueue once the queue has been closed.
type ErrClosedQueue struct{ Queue string }

func (e *ErrClosedQueue) Error() string {
	return fmt.Sprintf("queue %s: enqueue after close", e.Queue)
}

// Enqueue appends unit to the queue and wakes one blocked dequeuer.
// It returns *ErrClosedQueue if the queue has already been closed.
func (q *Queue) Enqueue(unit themis.WorkUnit) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return &ErrClosedQueue{Queue: q.name}
	}
	q.units = append(q.units, unit)
	q.bytes += unit.CurrentSizeInBytes()
	q.cond.Signal()
	return nil
}

// Dequeue blocks until either a unit is available or the queue is
// both empty and closed, in which case it returns themis.EndOfStream
// without removing anything — every caller that dequeues after close
// observes the same sentinel.
func (q *Queue) Dequeue() themis.WorkUnit {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.units) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.units) == 0 {
		return themis.EndOfStream
	}
	return q.popLocked()
}

// TryDequeue returns immediately: (unit, true) if one was available,
// otherwise (nil, false). It never returns the end-of-stream marker;
// callers poll Dequeue (or check Closed) to detect stream end.
func (q *Queue) TryDequeue() (themis.WorkUnit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.units) == 0 {
		return nil, false
	}
	return q.popLocked(), true
}

func (q *Queue) popLocked() themis.WorkUnit {
	unit := q.units[0]
	q.units = q.units[1:]
	q.bytes -= unit.CurrentSizeInBytes()
	return unit
}

// Close marks the queue closed. Closing an already-closed queue is a
// no-op. Once closed, no further unit may be enqueued, and blocked
// dequeuers wake and observe end-of-stream.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Size returns the number of units currently held.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.units)
}

// Bytes returns the sum of CurrentSizeInBytes over units currently held.
func (q *Queue) Bytes() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// StealUpTo moves up to n units (all of them, if n exceeds the
// current size) from q into dst, preserving FIFO order across the
// transfer. It is a no-op for n == 0. The two queues' mutexes are
// always acquired in a fixed order — by ascending internal id — so
// that two concurrent steals between the same pair of queues can
// never deadlock regardless of the direction each call is made in.
func (q *Queue) StealUpTo(n int, dst *Queue) int {
	if n == 0 || q == dst {
		return 0
	}

	first, second := q, dst
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	defer second.mu.Unlock()
	defer first.mu.Unlock()

	if n > len(q.units) {
		n = len(q.units)
	}
	if n == 0 {
		return 0
	}

	stolen := q.units[:n]
	q.units = q.units[n:]
	var movedBytes uint64
	for _, u := range stolen {
		movedBytes += u.CurrentSizeInBytes()
	}
	q.bytes -= movedBytes

	if dst.closed {
		corefail.Invariant("queue: steal into closed queue")
	}
	dst.units = append(dst.units, stolen...)
	dst.bytes += movedBytes
	dst.cond.Broadcast()

	return n
}
