// Package membench implements the benchmark-variant memory manager of
// spec.md §4.5: a simpler, self-contained get/put allocator with a
// pluggable wake policy, used to drive the mallocbench-style workload
// independently of the tracker/allocator runtime core.
package membench

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"themis/internal/corefail"
	"themis/internal/telemetry/metrics"
)

// WakePolicy selects how a blocked Get request is chosen for service
// once memory becomes available.
type WakePolicy int

const (
	// ASAP wakes the first pending request (scanned in arrival order)
	// whose size now fits. Starvation of larger requests is possible
	// and intentional: this is the high-throughput baseline.
	ASAP WakePolicy = iota
	// FIFO only ever wakes the head of the queue, strictly in order.
	FIFO
	// MLFQASAP runs two queues. New arrivals enter low and are served
	// ASAP; a request whose wait has exceeded the running average
	// block time is promoted to high, which is served FIFO ahead of
	// any low-priority request.
	MLFQASAP
)

func (p WakePolicy) String() string {
	switch p {
	case ASAP:
		return "asap"
	case FIFO:
		return "fifo"
	case MLFQASAP:
		return "mlfq-asap"
	default:
		return "unknown"
	}
}

// Handle is the token returned by Get and consumed by Put. It is
// opaque; callers must not construct one themselves.
type Handle struct {
	Data []byte
}

type request struct {
	workerID  uint64
	size      uint64
	timestamp time.Time
}

// MemoryManager is a capacity-bounded byte budget with a blocking
// Get/Put interface and a selectable wake policy. The zero value is
// not usable; construct with New.
type MemoryManager struct {
	mu sync.Mutex

	policy    WakePolicy
	capacity  uint64
	remaining uint64

	low  *list.List // of *request, arrival order
	high *list.List // of *request, promoted, FIFO order

	conds map[uint64]*sync.Cond

	handles map[*Handle]uint64

	averageBlockTime           time.Duration
	numCompletedBlockedRequests uint64

	log  zerolog.Logger
	sink metrics.Sink
}

// New constructs a MemoryManager with the given byte capacity and
// wake policy. sink may be nil, in which case metrics.PrometheusSink
// is used.
func New(capacity uint64, policy WakePolicy, log zerolog.Logger, sink metrics.Sink) *MemoryManager {
	if sink == nil {
		sink = metrics.PrometheusSink{}
	}
	return &MemoryManager{
		policy:    policy,
		capacity:  capacity,
		remaining: capacity,
		low:       list.New(),
		high:      list.New(),
		conds:     make(map[uint64]*sync.Cond),
		handles:   make(map[*Handle]uint64),
		log:       log.With().Str("component", "membench").Str("policy", policy.String()).Logger(),
		sink:      sink,
	}
}

// Get blocks until size bytes are available and the wake policy
// admits this request, then returns a freshly allocated Handle. A
// request larger than the manager's total capacity is a
// FatalInvariant; it can never be serviced.
func (m *MemoryManager) Get(size uint64, workerID uint64) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if size > m.capacity {
		corefail.Invariant("membench: request size %d exceeds capacity %d", size, m.capacity)
	}

	cond, ok := m.conds[workerID]
	if !ok {
		cond = sync.NewCond(&m.mu)
		m.conds[workerID] = cond
	}

	req := &request{workerID: workerID, size: size, timestamp: time.Now()}
	m.low.PushBack(req)

	blocked := false
	start := time.Now()
	for !m.canServiceLocked(req) || size > m.remaining {
		blocked = true
		cond.Wait()
	}

	if blocked {
		m.updateAverageBlockTimeLocked(time.Since(start))
	}

	m.remaining -= size
	m.removeRequestLocked(req)

	h := &Handle{Data: make([]byte, size)}
	m.handles[h] = size

	m.publishLocked()
	m.tryWakeLocked()

	return h
}

// Put returns h's bytes to the budget and attempts to wake a blocked
// request. Putting an unknown handle is a FatalInvariant.
func (m *MemoryManager) Put(h *Handle, workerID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	size, ok := m.handles[h]
	if !ok {
		corefail.Invariant("membench: put of unknown handle by worker %d", workerID)
	}
	delete(m.handles, h)

	m.remaining += size
	if m.remaining > m.capacity {
		corefail.Invariant("membench: remaining %d exceeds capacity %d after put", m.remaining, m.capacity)
	}

	m.publishLocked()
	m.tryWakeLocked()
}

// Close asserts that no requests remain blocked, mirroring the
// original's destructor-time invariant.
func (m *MemoryManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.low.Len() != 0 || m.high.Len() != 0 {
		corefail.Invariant("membench: closed with %d low-priority and %d high-priority requests still blocked", m.low.Len(), m.high.Len())
	}
}

// Remaining reports the currently unallocated byte budget.
func (m *MemoryManager) Remaining() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining
}

func (m *MemoryManager) canServiceLocked(req *request) bool {
	switch m.policy {
	case ASAP:
		return true
	case FIFO:
		if m.low.Len() == 0 {
			corefail.Invariant("membench: fifo queue empty but worker %d wants service", req.workerID)
		}
		return m.low.Front().Value.(*request) == req
	case MLFQASAP:
		if m.high.Len() > 0 {
			return m.high.Front().Value.(*request) == req
		}
		return true
	default:
		corefail.Invariant("membench: unknown wake policy %d", int(m.policy))
		return false
	}
}

// tryWakeLocked is called at the end of both Get and Put, exactly as
// in the original: a put() may free enough memory for thread A, and a
// second put() may race ahead of A's wake, so the second put() must
// also attempt to wake whichever thread it made progress possible
// for.
func (m *MemoryManager) tryWakeLocked() {
	switch m.policy {
	case ASAP:
		m.wakeFirstFittingLocked(m.low)
	case FIFO:
		if m.low.Len() > 0 {
			m.wakeIfFitsLocked(m.low.Front().Value.(*request))
		}
	case MLFQASAP:
		m.promoteAgedLocked()
		if m.high.Len() > 0 {
			m.wakeIfFitsLocked(m.high.Front().Value.(*request))
		} else {
			m.wakeFirstFittingLocked(m.low)
		}
	default:
		corefail.Invariant("membench: unknown wake policy %d", int(m.policy))
	}
}

func (m *MemoryManager) wakeFirstFittingLocked(queue *list.List) {
	for e := queue.Front(); e != nil; e = e.Next() {
		r := e.Value.(*request)
		if m.remaining >= r.size {
			m.signalLocked(r.workerID)
			return
		}
	}
}

func (m *MemoryManager) wakeIfFitsLocked(r *request) {
	if m.remaining >= r.size {
		m.signalLocked(r.workerID)
	}
}

func (m *MemoryManager) signalLocked(workerID uint64) {
	if cond, ok := m.conds[workerID]; ok {
		cond.Signal()
	}
}

// promoteAgedLocked moves every request at the head of low whose wait
// has exceeded the running average block time into high, stopping at
// the first request that is still within the threshold (later
// arrivals can only be younger). Saving the next element before
// removing the current one avoids iterating a list while mutating it
// underfoot.
func (m *MemoryManager) promoteAgedLocked() {
	now := time.Now()
	for e := m.low.Front(); e != nil; {
		r := e.Value.(*request)
		if now.Sub(r.timestamp) <= m.averageBlockTime {
			break
		}
		next := e.Next()
		m.low.Remove(e)
		m.high.PushBack(r)
		e = next
	}
}

func (m *MemoryManager) removeRequestLocked(req *request) {
	for e := m.low.Front(); e != nil; e = e.Next() {
		if e.Value.(*request) == req {
			m.low.Remove(e)
			break
		}
	}
	for e := m.high.Front(); e != nil; e = e.Next() {
		if e.Value.(*request) == req {
			m.high.Remove(e)
			break
		}
	}
}

// updateAverageBlockTimeLocked folds requestTime into the running
// average incrementally. time.Duration is a signed int64 in Go, but
// the update is still written as the unsigned-safe two-branch form
// spec.md calls for, since a negative intermediate is never an
// invariant the rest of this package should have to tolerate.
func (m *MemoryManager) updateAverageBlockTimeLocked(requestTime time.Duration) {
	m.numCompletedBlockedRequests++
	if requestTime >= m.averageBlockTime {
		m.averageBlockTime += (requestTime - m.averageBlockTime) / time.Duration(m.numCompletedBlockedRequests)
	} else {
		m.averageBlockTime -= (m.averageBlockTime - requestTime) / time.Duration(m.numCompletedBlockedRequests)
	}
	m.sink.ObserveMembenchBlock(requestTime)
}

func (m *MemoryManager) publishLocked() {
	m.sink.ObserveMembench(m.policy.String(), m.low.Len(), m.high.Len())
}
