// Package quota implements the memory quota of spec.md §4.3: a
// blocking byte counter bounding bytes in flight between an
// upstream/downstream stage pair.
package quota

import (
	"sync"

	"themis/internal/corefail"
)

// Quota is a bounded byte counter. 0 ≤ InFlight() ≤ Budget at all
// times; InFlight() must be zero when the quota is discarded (callers
// should call Close to assert this).
type Quota struct {
	name     string
	mu       sync.Mutex
	cond     *sync.Cond
	budget   uint64
	inFlight uint64
}

// New returns a quota bounded at budget bytes.
func New(name string, budget uint64) *Quota {
	q := &Quota{name: name, budget: budget}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Name returns the quota's name, used to label metrics and diagnostics.
func (q *Quota) Name() string { return q.name }

// Budget returns the configured byte budget.
func (q *Quota) Budget() uint64 { return q.budget }

// AddUsage blocks while inFlight+bytes > budget, then adds bytes to
// inFlight.
func (q *Quota) AddUsage(bytes uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.inFlight+bytes > q.budget {
		q.cond.Wait()
	}
	q.inFlight += bytes
}

// RemoveUsage decrements inFlight by bytes and wakes any blocked
// producers. It is fatal (per spec.md §4.3) to remove more than is
// currently in flight: that indicates accounting corruption.
func (q *Quota) RemoveUsage(bytes uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if bytes > q.inFlight {
		corefail.Invariant("quota %s: remove_usage(%d) exceeds in_flight(%d)", q.name, bytes, q.inFlight)
	}
	q.inFlight -= bytes
	q.cond.Broadcast()
}

// InFlight returns the current in-flight byte count.
func (q *Quota) InFlight() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Close asserts the quota invariant that in_flight == 0 at
// destruction (spec.md §4.7); it is fatal otherwise.
func (q *Quota) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight != 0 {
		corefail.Invariant("quota %s: in_flight(%d) != 0 at close", q.name, q.inFlight)
	}
}
