// Package worker implements the worker runtime of spec.md §4.6.1: a
// state machine (Created -> Init -> Running -> TearingDown ->
// Completed) wrapped around either a single-unit or a batch
// processing loop, with idle-flag bookkeeping the allocator's deadlock
// detector depends on.
package worker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"themis"
	"themis/internal/corefail"
)

// State is a worker's lifecycle stage.
type State int

const (
	StateCreated State = iota
	StateInit
	StateRunning
	StateTearingDown
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateTearingDown:
		return "tearing_down"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// TrackerHandle is the narrow view of a tracker a worker needs: a
// source of new work and a sink for emitted work, plus the single
// completion callback. internal/tracker implements this; worker does
// not import internal/tracker, so the dependency runs one way.
type TrackerHandle interface {
	GetNewWork(queueID int) themis.WorkUnit
	Emit(unit themis.WorkUnit) error
	EmitTo(downstreamIndex int, unit themis.WorkUnit) error
	EmitNamed(name string, unit themis.WorkUnit) error
	NotifyWorkerCompleted(workerID uint64)
}

// SingleUnitRunnable is the single-unit worker flavor of spec.md
// §4.6.1: dequeue, and if not end-of-stream, process one unit at a
// time.
type SingleUnitRunnable interface {
	ProcessUnit(w *Worker, unit themis.WorkUnit) error
}

// BatchRunnable is the batch worker flavor: the runtime refills a
// private batch up to MaxBatchBytes (0 meaning unbounded) before
// handing the whole batch to ProcessBatch.
type BatchRunnable interface {
	MaxBatchBytes() uint64
	ProcessBatch(w *Worker, batch []themis.WorkUnit) error
}

// Stats is a point-in-time snapshot of a worker's bookkeeping.
type Stats struct {
	WorkUnitsConsumed      uint64
	BytesConsumed          uint64
	PipelineSaturationWait time.Duration
	SteadyStateWait        time.Duration
}

// Worker is the runtime wrapper around a SingleUnitRunnable or
// BatchRunnable. The zero value is not usable; construct with New.
type Worker struct {
	id      uint64
	name    themis.StageName
	queueID int
	tracker TrackerHandle
	log     zerolog.Logger

	mu                sync.Mutex
	state             State
	idle              bool
	pipelineSaturated bool
	stats             Stats

	done chan struct{}
}

// New constructs a Worker in state Created. queueID is the index this
// worker uses to address its own sub-queue within the tracker's
// queueing policy.
func New(id uint64, name themis.StageName, queueID int, tracker TrackerHandle, log zerolog.Logger) *Worker {
	return &Worker{
		id:      id,
		name:    name,
		queueID: queueID,
		tracker: tracker,
		log:     log.With().Str("stage", string(name)).Uint64("worker", id).Logger(),
		done:    make(chan struct{}),
	}
}

func (w *Worker) ID() uint64             { return w.id }
func (w *Worker) Name() themis.StageName { return w.name }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// IsIdle satisfies allocator.WorkerHandle: true while the worker is
// blocked waiting for input from its tracker, and from teardown
// onward. Emitting downstream never marks the worker idle.
func (w *Worker) IsIdle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.idle
}

func (w *Worker) setIdle(idle bool) {
	w.mu.Lock()
	w.idle = idle
	w.mu.Unlock()
}

// Stats returns a snapshot of the worker's consumption and wait-time
// bookkeeping.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Emit routes unit to the tracker's first registered downstream.
func (w *Worker) Emit(unit themis.WorkUnit) error { return w.tracker.Emit(unit) }

// EmitTo routes unit to a specific downstream tracker by index.
func (w *Worker) EmitTo(downstreamIndex int, unit themis.WorkUnit) error {
	return w.tracker.EmitTo(downstreamIndex, unit)
}

// EmitNamed routes unit to a downstream tracker registered under name.
func (w *Worker) EmitNamed(name string, unit themis.WorkUnit) error {
	return w.tracker.EmitNamed(name, unit)
}

// Wait blocks until the worker reaches state Completed.
func (w *Worker) Wait() { <-w.done }

// Spawn starts the worker's run loop in a new goroutine. r must
// implement SingleUnitRunnable or BatchRunnable; anything else is
// fatal. Spawn may be called only once per Worker.
func (w *Worker) Spawn(r interface{}) {
	w.mu.Lock()
	if w.state != StateCreated {
		w.mu.Unlock()
		corefail.Invariant("worker: spawn called in state %s, want %s", w.state, StateCreated)
	}
	w.state = StateInit
	w.mu.Unlock()

	go func() {
		defer corefail.Guard(w.log)
		defer w.finish()

		w.mu.Lock()
		w.state = StateRunning
		w.mu.Unlock()

		switch runnable := r.(type) {
		case SingleUnitRunnable:
			w.runSingleUnit(runnable)
		case BatchRunnable:
			w.runBatch(runnable)
		default:
			corefail.Invariant("worker: runnable must implement SingleUnitRunnable or BatchRunnable")
		}
	}()
}

func (w *Worker) finish() {
	w.mu.Lock()
	w.state = StateTearingDown
	w.mu.Unlock()

	w.setIdle(true)
	w.tracker.NotifyWorkerCompleted(w.id)

	w.mu.Lock()
	w.state = StateCompleted
	w.mu.Unlock()

	close(w.done)
}

func (w *Worker) runSingleUnit(r SingleUnitRunnable) {
	for {
		unit := w.waitForWork()
		if themis.IsEndOfStream(unit) {
			return
		}
		if err := r.ProcessUnit(w, unit); err != nil {
			corefail.Runtime(err, "worker %s/%d: process unit", w.name, w.id)
		}
		w.recordConsumed(unit)
	}
}

func (w *Worker) runBatch(r BatchRunnable) {
	maxBytes := r.MaxBatchBytes()
	for {
		var batch []themis.WorkUnit
		var batchBytes uint64
		eos := false

		for {
			unit := w.waitForWork()
			if themis.IsEndOfStream(unit) {
				eos = true
				break
			}
			batch = append(batch, unit)
			batchBytes += unit.CurrentSizeInBytes()
			w.recordConsumed(unit)
			if maxBytes > 0 && batchBytes >= maxBytes {
				break
			}
		}

		if len(batch) > 0 {
			if err := r.ProcessBatch(w, batch); err != nil {
				corefail.Runtime(err, "worker %s/%d: process batch", w.name, w.id)
			}
		}
		if eos {
			return
		}
	}
}

func (w *Worker) recordConsumed(unit themis.WorkUnit) {
	w.mu.Lock()
	w.stats.WorkUnitsConsumed++
	w.stats.BytesConsumed += unit.CurrentSizeInBytes()
	w.mu.Unlock()
}

// waitForWork blocks on the tracker for the next unit, tracking the
// wait under idle. The first such wait in the worker's lifetime is
// accounted as pipeline saturation wait and excluded from
// steady-state wait thereafter, per spec.md §4.6.1.
func (w *Worker) waitForWork() themis.WorkUnit {
	start := time.Now()
	w.setIdle(true)
	unit := w.tracker.GetNewWork(w.queueID)
	w.setIdle(false)
	elapsed := time.Since(start)

	w.mu.Lock()
	if !w.pipelineSaturated {
		w.pipelineSaturated = true
		w.stats.PipelineSaturationWait += elapsed
	} else {
		w.stats.SteadyStateWait += elapsed
	}
	w.mu.Unlock()

	return unit
}
