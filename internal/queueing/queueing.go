// Package queueing implements the work queueing policy layer of
// spec.md §4.2: the routing authority that sits between a tracker and
// its per-worker work queues. A Shared policy funnels every queue id
// to one underlying queue.Queue; a Partitioned policy routes by a hash
// of a per-unit partition key, optionally overridden by an external
// chunk map collaborator for ordering-sensitive merges. A Factory
// selects between them per (phase, stage) configuration.
package queueing

import (
	"hash/fnv"
	"math"
	"strconv"

	"github.com/rs/zerolog"

	"themis"
	"themis/internal/config"
	"themis/internal/corefail"
	"themis/internal/queue"
)

// stealAll is passed to queue.Queue.StealUpTo to drain every unit
// currently held, since StealUpTo clamps n to the queue's length.
const stealAll = math.MaxInt

// PartitionKeyed is implemented by work units that carry the
// partition attribute a Partitioned policy hashes on. Units enqueued
// into a Partitioned policy that do not implement this interface (and
// are not placed by a ChunkMap) are a configuration error.
type PartitionKeyed interface {
	PartitionKey() string
}

// ChunkMap is the optional external collaborator of spec.md §4.2: it
// constrains which queue a work unit must go to, overriding the
// partition hash, for merges whose correctness depends on ordering
// across enqueues. QueueForUnit returns ok == false to defer to the
// policy's own routing.
type ChunkMap interface {
	QueueForUnit(unit themis.WorkUnit) (queueIndex int, ok bool)
}

// Policy is the routing authority a tracker delegates all queue
// access to. queueID addresses a specific worker's sub-queue; for a
// Shared policy every queueID is an alias for the single sub-queue.
type Policy interface {
	Enqueue(unit themis.WorkUnit) error
	Dequeue(queueID int) themis.WorkUnit
	TryDequeue(queueID int) (themis.WorkUnit, bool)
	BulkDequeue(queueID int, into *queue.Queue) int
	NumQueues() int
	Teardown()
}

// Shared is the simplest queueing policy: a single sub-queue shared
// by every worker.
type Shared struct {
	q *queue.Queue
}

// NewShared constructs a Shared policy with one underlying queue named
// name.
func NewShared(name string, log zerolog.Logger) *Shared {
	return &Shared{q: queue.New(name, log)}
}

func (s *Shared) Enqueue(unit themis.WorkUnit) error { return s.q.Enqueue(unit) }

func (s *Shared) Dequeue(queueID int) themis.WorkUnit { return s.q.Dequeue() }

func (s *Shared) TryDequeue(queueID int) (themis.WorkUnit, bool) { return s.q.TryDequeue() }

func (s *Shared) BulkDequeue(queueID int, into *queue.Queue) int {
	return s.q.StealUpTo(stealAll, into)
}

func (s *Shared) NumQueues() int { return 1 }

func (s *Shared) Teardown() { s.q.Close() }

// Partitioned routes each work unit to one of n sub-queues, selected
// either by chunkMap (if non-nil and it claims the unit) or by
// hash(PartitionKey()) mod n.
type Partitioned struct {
	queues   []*queue.Queue
	chunkMap ChunkMap
}

// NewPartitioned constructs a Partitioned policy over n sub-queues,
// named "<name>.<index>". chunkMap may be nil.
func NewPartitioned(name string, n int, log zerolog.Logger, chunkMap ChunkMap) *Partitioned {
	if n <= 0 {
		corefail.Invariant("queueing: partitioned policy requires at least one sub-queue, got %d", n)
	}
	p := &Partitioned{queues: make([]*queue.Queue, n), chunkMap: chunkMap}
	for i := range p.queues {
		p.queues[i] = queue.New(partitionQueueName(name, i), log)
	}
	return p
}

func partitionQueueName(name string, i int) string {
	return name + "." + strconv.Itoa(i)
}

// Enqueue routes unit to its sub-queue. If chunkMap claims the unit,
// its index is used; otherwise unit must implement PartitionKeyed.
func (p *Partitioned) Enqueue(unit themis.WorkUnit) error {
	idx, ok := -1, false
	if p.chunkMap != nil {
		idx, ok = p.chunkMap.QueueForUnit(unit)
	}
	if !ok {
		keyed, isKeyed := unit.(PartitionKeyed)
		if !isKeyed {
			corefail.Invariant("queueing: partitioned policy requires a PartitionKeyed unit or a claiming chunk map")
		}
		idx = int(hashKey(keyed.PartitionKey()) % uint32(len(p.queues)))
	}
	if idx < 0 || idx >= len(p.queues) {
		corefail.Invariant("queueing: queue index %d out of range [0,%d)", idx, len(p.queues))
	}
	return p.queues[idx].Enqueue(unit)
}

func hashKey(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}

func (p *Partitioned) Dequeue(queueID int) themis.WorkUnit {
	return p.queues[queueID].Dequeue()
}

func (p *Partitioned) TryDequeue(queueID int) (themis.WorkUnit, bool) {
	return p.queues[queueID].TryDequeue()
}

func (p *Partitioned) BulkDequeue(queueID int, into *queue.Queue) int {
	return p.queues[queueID].StealUpTo(stealAll, into)
}

func (p *Partitioned) NumQueues() int { return len(p.queues) }

func (p *Partitioned) Teardown() {
	for _, q := range p.queues {
		q.Close()
	}
}

// Factory selects and constructs a Policy per (phase, stage)
// configuration, per spec.md §4.2's "a factory produces the policy
// from configuration."
type Factory struct {
	cfg *config.Config
	log zerolog.Logger
}

// NewFactory constructs a Factory over cfg.
func NewFactory(cfg *config.Config, log zerolog.Logger) *Factory {
	return &Factory{cfg: cfg, log: log}
}

// Create builds the policy configured for (phase, stage). numQueues is
// the number of per-worker sub-queues to create if the configured
// policy is Partitioned; it is ignored for Shared. chunkMap may be nil.
func (f *Factory) Create(phase, stage string, numQueues int, chunkMap ChunkMap) Policy {
	switch f.cfg.QueueingPolicy(phase, stage) {
	case config.PolicyPartitioned:
		return NewPartitioned(stage, numQueues, f.log, chunkMap)
	default:
		return NewShared(stage, f.log)
	}
}
