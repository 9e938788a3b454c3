// Package allocator implements the priority-aware memory allocator of
// spec.md §4.4: a central byte budget, blocking allocations gated by
// an allocpolicy.Policy, a background deadlock checker, and escape to
// a disk-backed resolver when no registered caller can make progress.
package allocator

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"themis"
	"themis/internal/allocpolicy"
	"themis/internal/corefail"
	"themis/internal/resolver"
	"themis/internal/telemetry/metrics"
)

const maxUint64 = ^uint64(0)

// ErrWouldBlock is returned by Allocate when failIfNotImmediate is
// true and the request cannot be granted right away.
var ErrWouldBlock = errors.New("allocator: request would block")

// WorkerHandle is the narrow view of a worker the allocator needs:
// whether it is currently idle (awaiting external input rather than
// memory), the sole signal the deadlock detector uses to distinguish
// the two. internal/worker implements this; allocator does not import
// internal/worker, keeping the dependency one-directional.
type WorkerHandle interface {
	IsIdle() bool
}

// Handle is an outstanding allocation. Its identity (not its
// contents) is the key the allocator uses to find the allocation's
// metadata again at Deallocate time, mirroring the original
// allocator's use of the returned pointer as a map key.
type Handle struct {
	Data []byte
}

// HeapAllocFunc allocates size bytes of real, budget-backed memory.
// The default, RealHeapAlloc, never fails: Go's garbage-collected
// heap has no "nothrow new" failure mode the way the original
// allocator's raw new[] does. The fragmentation-sleep retry path of
// spec.md §4.4.2 is preserved by making this func pluggable, so a
// caller who wants to simulate allocation pressure (or cap RSS) can
// inject one that fails.
type HeapAllocFunc func(size uint64) ([]byte, error)

// RealHeapAlloc is the default HeapAllocFunc.
func RealHeapAlloc(size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

type callerRecord struct {
	groupName string
	worker    WorkerHandle
	cond      *sync.Cond
}

type pendingRequest struct {
	req                *allocpolicy.Request
	satisfiable        bool
	resolvedOnDeadlock bool
	resolvedRegion     *resolver.Region
}

type allocationMetadata struct {
	size               uint64
	callerID           themis.CallerID
	timestamp          time.Time
	resolvedOnDeadlock bool
	region             *resolver.Region
}

// Allocator is the central, priority-aware memory allocator.
type Allocator struct {
	mu                  sync.Mutex
	capacity            uint64
	availability        uint64
	fragmentationSleep  time.Duration
	policy              allocpolicy.Policy
	resolver            *resolver.Resolver
	heapAlloc           HeapAllocFunc
	log                 zerolog.Logger
	sink                metrics.Sink

	callers       map[themis.CallerID]*callerRecord
	workerCallers map[WorkerHandle][]themis.CallerID
	workerUsage   map[WorkerHandle]uint64
	outstanding   map[themis.CallerID]*pendingRequest
	metadata      map[*Handle]*allocationMetadata

	checkerRunning     bool
	checkerStop        chan struct{}
	checkerWG          sync.WaitGroup
	deadlocksResolved  uint64
}

// New constructs an Allocator over the given byte capacity. resolv may
// be nil, in which case a deadlock is still detected
// (DetectAndResolveDeadlocks returns true) but never resolved,
// matching spec.md §4.7 ("the process is expected to exit"). The
// background checker discards that result and does not log it.
func New(capacity uint64, fragmentationSleep time.Duration, policy allocpolicy.Policy, resolv *resolver.Resolver, log zerolog.Logger, sink metrics.Sink) *Allocator {
	if sink == nil {
		sink = metrics.PrometheusSink{}
	}
	return &Allocator{
		capacity:           capacity,
		availability:       capacity,
		fragmentationSleep: fragmentationSleep,
		policy:             policy,
		resolver:           resolv,
		heapAlloc:          RealHeapAlloc,
		log:                log,
		sink:               sink,
		callers:            make(map[themis.CallerID]*callerRecord),
		workerCallers:      make(map[WorkerHandle][]themis.CallerID),
		workerUsage:        make(map[WorkerHandle]uint64),
		outstanding:        make(map[themis.CallerID]*pendingRequest),
		metadata:           make(map[*Handle]*allocationMetadata),
	}
}

// SetHeapAllocFunc overrides the heap allocation step, primarily for
// tests that want to exercise the fragmentation-sleep retry path.
func (a *Allocator) SetHeapAllocFunc(f HeapAllocFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.heapAlloc = f
}

// RegisterCaller records worker as a caller belonging to stage's
// group (the stage name truncated at the first ":", folding per-job
// demultiplexing sub-workers into the parent stage's group) and
// returns a fresh caller id the worker uses for every subsequent
// Allocate/Deallocate call.
func (a *Allocator) RegisterCaller(worker WorkerHandle, stage themis.StageName) themis.CallerID {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := themis.CallerID(uuid.New().String())
	rec := &callerRecord{groupName: stage.GroupName(), worker: worker}
	rec.cond = sync.NewCond(&a.mu)
	a.callers[id] = rec
	a.workerCallers[worker] = append(a.workerCallers[worker], id)
	return id
}

// Allocate blocks until the policy grants the request and either real
// memory or a deadlock-resolved region is available, then returns a
// Handle over a region large enough for sizes' selected size (current
// policy: the first/largest, see allocpolicy.FirstSize). If
// failIfNotImmediate is true and the request cannot be granted right
// away, Allocate returns ErrWouldBlock without blocking.
func (a *Allocator) Allocate(callerID themis.CallerID, sizes []uint64, failIfNotImmediate bool) (*Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.callers[callerID]
	if !ok {
		corefail.Invariant("allocator: allocate from unregistered caller %s", callerID)
	}

	selector := allocpolicy.FirstSize{}
	selectedSize := selector.Select(sizes)
	if selectedSize > a.capacity {
		corefail.Invariant("allocator: request of %d bytes exceeds capacity %d", selectedSize, a.capacity)
	}

	req := allocpolicy.NewRequest(callerID, rec.groupName, sizes, failIfNotImmediate, selector)
	a.policy.AddRequest(req)
	pending := &pendingRequest{req: req}
	a.outstanding[callerID] = pending

	if failIfNotImmediate && !a.policy.CanScheduleRequest(a.availability, req) {
		a.policy.RemoveRequest(req)
		delete(a.outstanding, callerID)
		return nil, ErrWouldBlock
	}

	a.waitUntilSchedulableLocked(rec, pending, req)

	var data []byte
	if pending.resolvedOnDeadlock {
		data = pending.resolvedRegion.Data
	} else {
		data = a.acquireHeapMemoryLocked(rec, pending, req)
	}

	a.policy.RemoveRequest(req)
	delete(a.outstanding, callerID)

	handle := &Handle{Data: data}
	a.metadata[handle] = &allocationMetadata{
		size:               req.Size,
		callerID:           callerID,
		timestamp:          time.Now(),
		resolvedOnDeadlock: pending.resolvedOnDeadlock,
		region:             pending.resolvedRegion,
	}
	a.workerUsage[rec.worker] += req.Size

	a.wakeNextLocked()

	return handle, nil
}

// waitUntilSchedulableLocked blocks until either the request is
// resolved by the deadlock resolver or the policy reports it
// schedulable. Called, and returns, with a.mu held.
func (a *Allocator) waitUntilSchedulableLocked(rec *callerRecord, pending *pendingRequest, req *allocpolicy.Request) {
	for !pending.resolvedOnDeadlock && !a.policy.CanScheduleRequest(a.availability, req) {
		pending.satisfiable = false
		rec.cond.Wait()
	}
	pending.satisfiable = true
}

// acquireHeapMemoryLocked attempts the real heap allocation. On
// failure (fragmentation), it releases the mutex, sleeps, reacquires
// it, and re-enters the wait loop before retrying — so a higher
// priority request that arrived while this one slept can overtake it.
// Called, and returns, with a.mu held.
func (a *Allocator) acquireHeapMemoryLocked(rec *callerRecord, pending *pendingRequest, req *allocpolicy.Request) []byte {
	for {
		data, err := a.heapAlloc(req.Size)
		if err == nil {
			a.availability -= req.Size
			return data
		}

		a.mu.Unlock()
		time.Sleep(a.fragmentationSleep)
		a.mu.Lock()

		a.waitUntilSchedulableLocked(rec, pending, req)
		if pending.resolvedOnDeadlock {
			return pending.resolvedRegion.Data
		}
	}
}

// Deallocate releases an outstanding handle, crediting availability
// (unless the handle was resolved by the deadlock resolver, in which
// case its bytes never drew on the budget) and waking the next
// schedulable requester.
func (a *Allocator) Deallocate(handle *Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	meta, ok := a.metadata[handle]
	if !ok {
		corefail.Invariant("allocator: deallocate of unknown handle")
	}

	a.policy.RecordUseTime(time.Since(meta.timestamp))

	if meta.resolvedOnDeadlock {
		a.resolver.Release(meta.region)
	} else {
		a.availability += meta.size
		if a.availability > a.capacity {
			corefail.Invariant("allocator: availability %d exceeds capacity %d after deallocate", a.availability, a.capacity)
		}
	}

	if rec, ok := a.callers[meta.callerID]; ok {
		a.workerUsage[rec.worker] -= meta.size
	}
	delete(a.metadata, handle)

	a.wakeNextLocked()
}

// wakeNextLocked asks the policy for the next schedulable request and,
// if one exists, signals its caller's condition variable. Exactly one
// waiter is woken per call; the waiter re-checks its own condition
// upon waking.
func (a *Allocator) wakeNextLocked() {
	req := a.policy.NextSchedulableRequest(a.availability)
	if req == nil {
		return
	}
	pending, ok := a.outstanding[req.CallerID]
	if !ok {
		return
	}
	pending.satisfiable = true
	a.callers[req.CallerID].cond.Signal()
}

// Available reports the allocator's currently unused byte budget.
func (a *Allocator) Available() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.availability
}

// OutstandingRequests reports the number of requests currently blocked.
func (a *Allocator) OutstandingRequests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.outstanding)
}

// PublishSnapshot pushes the allocator's current occupancy through the
// configured Sink. It has no effect on scheduling; it exists purely
// for the interval/stat logging cadence of spec.md §4.8.
func (a *Allocator) PublishSnapshot() {
	a.mu.Lock()
	available := a.availability
	outstanding := len(a.outstanding)
	a.mu.Unlock()
	a.sink.ObserveAllocator(available, outstanding)
}

// DetectAndResolveDeadlocks runs one round of deadlock detection and,
// if a deadlock is found, resolves the best candidate request via the
// configured resolver. It reports whether a deadlock was detected.
func (a *Allocator) DetectAndResolveDeadlocks() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	deadlocked := a.deadlockDetectedLocked()
	if deadlocked {
		a.resolveDeadlocksLocked()
	}
	return deadlocked
}

// deadlockDetectedLocked implements spec.md §4.4.4: a deadlock is
// declared when every registered worker is either idle or has an
// outstanding, currently unsatisfiable request.
func (a *Allocator) deadlockDetectedLocked() bool {
	for worker, callerIDs := range a.workerCallers {
		if worker.IsIdle() {
			continue
		}

		waitingForMemory := false
		for _, id := range callerIDs {
			pending, ok := a.outstanding[id]
			if !ok {
				continue
			}
			waitingForMemory = true
			if pending.satisfiable {
				return false
			}
		}
		if !waitingForMemory {
			return false
		}
	}
	return true
}

// resolveDeadlocksLocked asks the policy for the request it would
// schedule given infinite memory, then hands it to the resolver.
func (a *Allocator) resolveDeadlocksLocked() {
	if a.resolver == nil {
		return
	}
	req := a.policy.NextSchedulableRequest(maxUint64)
	if req == nil {
		return
	}
	pending, ok := a.outstanding[req.CallerID]
	if !ok {
		return
	}

	region, err := a.resolver.Resolve(req.Size)
	if err != nil {
		corefail.Runtime(err, "allocator: resolver failed to resolve %d bytes", req.Size)
	}
	pending.resolvedOnDeadlock = true
	pending.resolvedRegion = region
	a.deadlocksResolved++

	a.callers[req.CallerID].cond.Signal()
}

// SpawnDeadlockChecker starts a background goroutine that runs
// DetectAndResolveDeadlocks on interval until StopDeadlockChecker is
// called. It is an error to call this while the checker is running.
func (a *Allocator) SpawnDeadlockChecker(interval time.Duration) {
	a.mu.Lock()
	if a.checkerRunning {
		a.mu.Unlock()
		corefail.Invariant("allocator: deadlock checker already running")
	}
	a.checkerRunning = true
	a.checkerStop = make(chan struct{})
	a.mu.Unlock()

	a.checkerWG.Add(1)
	go func() {
		defer a.checkerWG.Done()
		defer corefail.Guard(a.log)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.checkerStop:
				return
			case <-ticker.C:
				a.DetectAndResolveDeadlocks()
			}
		}
	}()
}

// StopDeadlockChecker stops the background deadlock checker and waits
// for it to exit. It is an error to call this while the checker is
// not running.
func (a *Allocator) StopDeadlockChecker() {
	a.mu.Lock()
	if !a.checkerRunning {
		a.mu.Unlock()
		corefail.Invariant("allocator: stop_deadlock_checker called while not running")
	}
	a.checkerRunning = false
	close(a.checkerStop)
	a.mu.Unlock()

	a.checkerWG.Wait()
}
