// Package tracker implements the per-stage coordinator of spec.md
// §4.6.2: it owns a queueing policy and a set of workers, routes
// incoming work, propagates end-of-stream along the DAG exactly once
// per upstream-downstream edge, and waits for worker completion.
package tracker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"themis"
	"themis/internal/corefail"
	"themis/internal/queueing"
	"themis/internal/telemetry/metrics"
	"themis/internal/worker"
)

// Downstream is the narrow view of a tracker another tracker needs to
// wire it in as a downstream edge of the DAG.
type Downstream interface {
	AddWork(unit themis.WorkUnit)
	AddSource()
	HasSpawned() bool
	Spawn()
	StageName() themis.StageName
}

type workerEntry struct {
	w        *worker.Worker
	runnable interface{}
}

// Tracker is a single stage's coordinator. The zero value is not
// usable; construct with New.
type Tracker struct {
	mu sync.Mutex

	phase string
	name  themis.StageName

	policy queueing.Policy

	downstream      []Downstream
	downstreamNamed map[int]string
	namesUsed       map[string]bool

	source            bool
	spawned           bool
	upstreamCount     int
	upstreamCompleted int

	workers   []workerEntry
	completed map[uint64]bool

	barrierDone chan struct{}

	runtimeStart time.Time

	log  zerolog.Logger
	sink metrics.Sink
}

// New constructs a Tracker for (phase, name) routing work through
// policy. sink may be nil, in which case metrics.PrometheusSink is
// used.
func New(phase string, name themis.StageName, policy queueing.Policy, log zerolog.Logger, sink metrics.Sink) *Tracker {
	if sink == nil {
		sink = metrics.PrometheusSink{}
	}
	return &Tracker{
		phase:           phase,
		name:            name,
		policy:          policy,
		downstreamNamed: make(map[int]string),
		namesUsed:       make(map[string]bool),
		completed:       make(map[uint64]bool),
		barrierDone:     make(chan struct{}),
		log:             log.With().Str("stage", string(name)).Logger(),
		sink:            sink,
	}
}

// StageName returns this tracker's stage name.
func (t *Tracker) StageName() themis.StageName { return t.name }

// SetSource marks this tracker as a DAG source: it auto-completes when
// its own seed work drains, rather than waiting on upstream eos
// signals.
func (t *Tracker) SetSource() {
	t.mu.Lock()
	t.source = true
	t.mu.Unlock()
}

// AddDownstream wires d in as a downstream edge, optionally under a
// name used for EmitNamed routing. A duplicate name is fatal.
func (t *Tracker) AddDownstream(d Downstream, name ...string) {
	t.mu.Lock()
	id := len(t.downstream)
	if len(name) > 0 {
		n := name[0]
		if t.namesUsed[n] {
			corefail.Invariant("tracker %s: downstream named %q already registered", t.name, n)
		}
		t.namesUsed[n] = true
		t.downstreamNamed[id] = n
	}
	t.downstream = append(t.downstream, d)
	t.mu.Unlock()

	d.AddSource()
}

// AddSource records one more upstream tracker that will eventually
// post end-of-stream into this tracker.
func (t *Tracker) AddSource() {
	t.mu.Lock()
	t.upstreamCount++
	t.mu.Unlock()
}

// HasSpawned reports whether Spawn has already run for this tracker.
func (t *Tracker) HasSpawned() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spawned
}

// AddWork implements add_work: the end-of-stream marker increments
// upstream_completed and, once every upstream has reported in (or
// this tracker is itself a source), closes the queueing policy.
// Anything else is enqueued via the policy; enqueueing after close is
// fatal.
func (t *Tracker) AddWork(unit themis.WorkUnit) {
	if themis.IsEndOfStream(unit) {
		t.mu.Lock()
		t.upstreamCompleted++
		if !t.source && t.upstreamCompleted > t.upstreamCount {
			t.mu.Unlock()
			corefail.Invariant("tracker %s: received more end-of-stream signals (%d) than upstreams (%d)", t.name, t.upstreamCompleted, t.upstreamCount)
		}
		teardown := t.source || t.upstreamCompleted == t.upstreamCount
		t.mu.Unlock()

		if teardown {
			t.policy.Teardown()
		}
		return
	}

	if err := t.policy.Enqueue(unit); err != nil {
		corefail.Invariant("tracker %s: add_work: %v", t.name, err)
	}
}

// NoMoreWork posts the end-of-stream marker to this tracker directly,
// as a source tracker does for itself at spawn time.
func (t *Tracker) NoMoreWork() { t.AddWork(themis.EndOfStream) }

// GetNewWork implements get_new_work(queue_id): it blocks until a unit
// is available or the policy reports end-of-stream for queueID.
func (t *Tracker) GetNewWork(queueID int) themis.WorkUnit {
	return t.policy.Dequeue(queueID)
}

// TryGetNewWork implements try_get_new_work(queue_id, &out).
func (t *Tracker) TryGetNewWork(queueID int) (themis.WorkUnit, bool) {
	return t.policy.TryDequeue(queueID)
}

// Emit routes unit to the first registered downstream tracker.
func (t *Tracker) Emit(unit themis.WorkUnit) error {
	return t.EmitTo(0, unit)
}

// EmitTo routes unit to the downstream tracker registered at index
// downstreamIndex. An out-of-range index is fatal.
func (t *Tracker) EmitTo(downstreamIndex int, unit themis.WorkUnit) error {
	t.mu.Lock()
	if downstreamIndex < 0 || downstreamIndex >= len(t.downstream) {
		t.mu.Unlock()
		corefail.Invariant("tracker %s: emit to unknown downstream index %d", t.name, downstreamIndex)
	}
	d := t.downstream[downstreamIndex]
	t.mu.Unlock()

	d.AddWork(unit)
	return nil
}

// EmitNamed routes unit to the downstream tracker registered under
// name. Emitting to an unregistered name is fatal.
func (t *Tracker) EmitNamed(name string, unit themis.WorkUnit) error {
	t.mu.Lock()
	idx := -1
	for i, n := range t.downstreamNamed {
		if n == name {
			idx = i
			break
		}
	}
	t.mu.Unlock()

	if idx == -1 {
		corefail.Invariant("tracker %s: emit to unknown named downstream %q", t.name, name)
	}
	return t.EmitTo(idx, unit)
}

// AddWorker registers a worker and the runnable it will run once this
// tracker spawns. Must be called before Spawn.
func (t *Tracker) AddWorker(w *worker.Worker, runnable interface{}) {
	t.mu.Lock()
	t.workers = append(t.workers, workerEntry{w: w, runnable: runnable})
	t.mu.Unlock()
}

// NotifyWorkerCompleted records that worker workerID has finished.
// Once every registered worker has completed, end-of-stream is posted
// to every downstream tracker exactly once, and the completion
// barrier is released.
func (t *Tracker) NotifyWorkerCompleted(workerID uint64) {
	t.mu.Lock()
	t.completed[workerID] = true
	allDone := len(t.completed) == len(t.workers)
	t.mu.Unlock()

	if !allDone {
		return
	}

	t.mu.Lock()
	downstream := append([]Downstream(nil), t.downstream...)
	runtime := time.Since(t.runtimeStart)
	t.mu.Unlock()

	for _, d := range downstream {
		d.AddWork(themis.EndOfStream)
	}

	t.log.Debug().Dur("stage_runtime", runtime).Msg("stage completed")
	close(t.barrierDone)
}

// Spawn is idempotent: it recursively spawns any downstream tracker
// that has not already spawned, posts end-of-stream into its own
// queue if it is a source (so it drains once its seed work is
// processed), and starts its workers.
func (t *Tracker) Spawn() {
	t.mu.Lock()
	if t.spawned {
		t.mu.Unlock()
		return
	}
	t.spawned = true
	t.runtimeStart = time.Now()
	downstream := append([]Downstream(nil), t.downstream...)
	source := t.source
	t.mu.Unlock()

	for _, d := range downstream {
		if !d.HasSpawned() {
			d.Spawn()
		}
	}

	if source {
		t.NoMoreWork()
	}

	t.spawnWorkers()
}

func (t *Tracker) spawnWorkers() {
	t.mu.Lock()
	entries := append([]workerEntry(nil), t.workers...)
	t.mu.Unlock()

	for _, e := range entries {
		e.w.Spawn(e.runnable)
	}
}

// WaitForWorkersToFinish blocks until every worker owned by this
// tracker has completed, then joins each worker's goroutine.
func (t *Tracker) WaitForWorkersToFinish() {
	<-t.barrierDone

	t.mu.Lock()
	entries := append([]workerEntry(nil), t.workers...)
	t.mu.Unlock()

	for _, e := range entries {
		e.w.Wait()
	}
}

// DestroyWorkers resets the tracker to a freshly-constructed state so
// it may be spawned again. It is fatal to call this before
// WaitForWorkersToFinish has returned.
func (t *Tracker) DestroyWorkers() {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.barrierDone:
	default:
		corefail.Invariant("tracker %s: destroy_workers called before wait_for_workers_to_finish", t.name)
	}

	t.workers = nil
	t.completed = make(map[uint64]bool)
	t.spawned = false
	t.upstreamCompleted = 0
	t.barrierDone = make(chan struct{})
}
