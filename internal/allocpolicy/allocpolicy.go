// Package allocpolicy implements the allocation-request ordering rule
// of spec.md §4.4.3: the default priority policy derives a priority
// graph from the stage DAG and serves the oldest request belonging to
// a "high priority" group, where a group is high priority iff its
// pending FIFO is non-empty and no transitive-downstream group is
// high priority.
package allocpolicy

import (
	"container/list"
	"time"

	"themis"
	"themis/internal/corefail"
)

// SizeSelector resolves the single byte size to service a
// multi-size allocation request with. spec.md §9 leaves this behind
// an interface: the current behavior always picks the first
// (largest, by convention) entry in Sizes.
type SizeSelector interface {
	Select(sizes []uint64) uint64
}

// FirstSize is the default SizeSelector: it always returns sizes[0].
// Callers are expected to list candidate sizes largest-first.
type FirstSize struct{}

// Select implements SizeSelector.
func (FirstSize) Select(sizes []uint64) uint64 {
	if len(sizes) == 0 {
		corefail.Invariant("allocpolicy: request has no candidate sizes")
	}
	return sizes[0]
}

// Request is an allocation request as seen by the policy: enough to
// order it against every other pending request. The allocator owns
// the pointer/resolution bookkeeping that rides alongside one of
// these; the policy only ever reads Group, Size and Timestamp and
// compares *Request identity.
type Request struct {
	CallerID  themis.CallerID
	Group     string
	Sizes     []uint64
	Size      uint64
	Timestamp time.Time

	// FailIfNotImmediate requests that Allocate return immediately with
	// failure rather than block if the request cannot be granted right
	// away. The policy itself does not interpret this flag; it exists
	// for the allocator's benefit.
	FailIfNotImmediate bool
}

// NewRequest constructs a Request. Timestamp is assigned once, at
// construction, and is never rewritten thereafter (spec.md §4.4.3).
func NewRequest(caller themis.CallerID, group string, sizes []uint64, failIfNotImmediate bool, selector SizeSelector) *Request {
	if selector == nil {
		selector = FirstSize{}
	}
	return &Request{
		CallerID:           caller,
		Group:              group,
		Sizes:              sizes,
		Size:               selector.Select(sizes),
		Timestamp:          time.Now(),
		FailIfNotImmediate: failIfNotImmediate,
	}
}

// Policy orders pending allocation requests and decides which one, if
// any, can be scheduled given the currently available byte budget.
type Policy interface {
	AddRequest(r *Request)
	RemoveRequest(r *Request)
	CanScheduleRequest(availability uint64, r *Request) bool
	NextSchedulableRequest(availability uint64) *Request
	RecordUseTime(d time.Duration)
}

// StageGraph is the narrow view of the tracker DAG the default policy
// needs to build its priority graph: every stage's name and its
// immediate downstream stage names. internal/tracker provides an
// adapter; allocpolicy does not import internal/tracker so that the
// dependency runs one way only (allocator/tracker depend on policy,
// not the reverse).
type StageGraph interface {
	Stages() []string
	Downstream(stage string) []string
}

type node struct {
	group string
	// pending holds *Request values in FIFO order.
	pending *list.List

	immediateDownstream []*node
	immediateUpstream   []*node

	// downstream and upstream are the *transitive* closures, computed
	// once at construction time and never mutated afterward.
	downstream map[*node]struct{}
	upstream   map[*node]struct{}

	highPriority        bool
	visited             bool
	downstreamComputed  bool
}

func newNode(group string) *node {
	return &node{
		group:      group,
		pending:    list.New(),
		downstream: make(map[*node]struct{}),
		upstream:   make(map[*node]struct{}),
	}
}

// DefaultPolicy is the priority-graph policy of spec.md §4.4.3.
//
// It is not safe for concurrent use on its own: the allocator always
// calls into it while holding its own mutex (spec.md §5 "the allocator
// uses one mutex"), so DefaultPolicy performs no locking of its own.
type DefaultPolicy struct {
	nodes               map[string]*node
	highPriorityNodes   []*node
	highestPriorityReq  *Request
}

// NewDefaultPolicy builds the priority graph from graph, mirroring the
// tracker DAG: one node per stage, wired by the DAG's immediate
// downstream edges, with transitive downstream/upstream sets computed
// once up front.
func NewDefaultPolicy(graph StageGraph) *DefaultPolicy {
	p := &DefaultPolicy{nodes: make(map[string]*node)}

	nodeFor := func(name string) *node {
		n, ok := p.nodes[name]
		if !ok {
			n = newNode(name)
			p.nodes[name] = n
		}
		return n
	}

	for _, stage := range graph.Stages() {
		n := nodeFor(stage)
		for _, downstreamName := range graph.Downstream(stage) {
			d := nodeFor(downstreamName)
			n.immediateDownstream = append(n.immediateDownstream, d)
			d.immediateUpstream = append(d.immediateUpstream, n)
		}
	}

	for _, n := range p.nodes {
		computeDownstreamSet(n)
	}
	for _, n := range p.nodes {
		for d := range n.downstream {
			d.upstream[n] = struct{}{}
		}
	}

	return p
}

func computeDownstreamSet(n *node) {
	if n.downstreamComputed {
		return
	}
	n.downstreamComputed = true
	for _, d := range n.immediateDownstream {
		computeDownstreamSet(d)
		n.downstream[d] = struct{}{}
		for dd := range d.downstream {
			n.downstream[dd] = struct{}{}
		}
	}
}

// AddRequest appends r to its group's FIFO. If the FIFO was empty and
// no transitive-downstream group is high priority, the group becomes
// high priority and every transitive-upstream group is demoted; if
// some transitive-downstream group already is high priority, nothing
// else changes.
func (p *DefaultPolicy) AddRequest(r *Request) {
	n, ok := p.nodes[r.Group]
	if !ok {
		corefail.Invariant("allocpolicy: add_request for unknown group %q", r.Group)
	}

	n.pending.PushBack(r)
	if n.pending.Len() != 1 {
		return
	}

	for d := range n.downstream {
		if d.highPriority {
			return
		}
	}

	n.highPriority = true
	p.highPriorityNodes = append(p.highPriorityNodes, n)

	for u := range n.upstream {
		u.highPriority = false
		p.removeHighPriorityNode(u)
	}

	p.updateHighestPriorityRequest()
}

// RemoveRequest pops r, which must be the head of a high-priority
// group's FIFO; it is fatal otherwise (spec.md §4.4.3: "the caller is
// forbidden from removing out-of-order"). If the FIFO becomes empty,
// a DFS over immediate-upstream groups promotes the shallowest
// non-empty candidates that have no high-priority descendants.
func (p *DefaultPolicy) RemoveRequest(r *Request) {
	n, ok := p.nodes[r.Group]
	if !ok {
		corefail.Invariant("allocpolicy: remove_request for unknown group %q", r.Group)
	}
	if !n.highPriority {
		corefail.Invariant("allocpolicy: remove_request on non-high-priority group %q", r.Group)
	}
	front := n.pending.Front()
	if front == nil || front.Value.(*Request) != r {
		corefail.Invariant("allocpolicy: remove_request must target the head of group %q", r.Group)
	}
	n.pending.Remove(front)

	if n.pending.Len() == 0 {
		n.highPriority = false
		p.removeHighPriorityNode(n)

		for u := range n.upstream {
			u.visited = false
		}
		findHighPriorityUpstream(n)

		for u := range n.upstream {
			if u.highPriority {
				p.highPriorityNodes = append(p.highPriorityNodes, u)
			}
		}
	}

	p.updateHighestPriorityRequest()
}

func findHighPriorityUpstream(n *node) {
	for _, u := range n.immediateUpstream {
		if u.visited {
			continue
		}
		u.visited = true

		if u.pending.Len() > 0 {
			highPriority := true
			for d := range u.downstream {
				if d.highPriority {
					highPriority = false
					break
				}
			}
			u.highPriority = highPriority

			for up := range u.upstream {
				up.visited = true
				up.highPriority = false
			}
		} else {
			findHighPriorityUpstream(u)
		}
	}
}

func (p *DefaultPolicy) removeHighPriorityNode(target *node) {
	for i, n := range p.highPriorityNodes {
		if n == target {
			p.highPriorityNodes = append(p.highPriorityNodes[:i], p.highPriorityNodes[i+1:]...)
			return
		}
	}
}

func (p *DefaultPolicy) updateHighestPriorityRequest() {
	p.highestPriorityReq = nil
	for _, n := range p.highPriorityNodes {
		if n.pending.Len() == 0 {
			continue
		}
		head := n.pending.Front().Value.(*Request)
		if p.highestPriorityReq == nil || head.Timestamp.Before(p.highestPriorityReq.Timestamp) {
			p.highestPriorityReq = head
		}
	}
}

// CanScheduleRequest reports whether r is both the current highest
// priority request and small enough to fit in availability.
func (p *DefaultPolicy) CanScheduleRequest(availability uint64, r *Request) bool {
	return r == p.highestPriorityReq && r.Size <= availability
}

// NextSchedulableRequest returns the highest priority request if it
// fits in availability, else nil.
func (p *DefaultPolicy) NextSchedulableRequest(availability uint64) *Request {
	if p.highestPriorityReq == nil {
		return nil
	}
	if p.highestPriorityReq.Size <= availability {
		return p.highestPriorityReq
	}
	return nil
}

// RecordUseTime is a no-op for the default policy: it orders requests
// purely by the DAG-derived priority rule and arrival order, not by
// observed allocation duration.
func (p *DefaultPolicy) RecordUseTime(time.Duration) {}
