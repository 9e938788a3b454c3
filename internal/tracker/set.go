package tracker

import (
	"context"

	"golang.org/x/sync/errgroup"

	"themis/internal/allocpolicy"
)

// Set holds every tracker in a DAG plus the subset flagged as
// sources. spec.md §4.6.3: spawning only touches sources, since
// non-sources are brought up transitively by AddDownstream/Spawn;
// waiting joins every tracker's completion barrier; the DAG must be
// rooted (no cycles), which the caller is expected to have
// constructed correctly via AddDownstream.
type Set struct {
	trackers []*Tracker
	sources  []*Tracker
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{}
}

// Add registers t with the set. isSource marks t as a DAG root: it
// will be spawned directly and will auto-complete once its own seed
// work drains.
func (s *Set) Add(t *Tracker, isSource bool) {
	if isSource {
		t.SetSource()
		s.sources = append(s.sources, t)
	}
	s.trackers = append(s.trackers, t)
}

// Spawn starts every source tracker; non-sources are spawned
// transitively as each source walks its downstream edges.
func (s *Set) Spawn() {
	for _, t := range s.sources {
		t.Spawn()
	}
}

// WaitForWorkersToFinish joins every tracker's completion barrier
// concurrently, returning once all have signaled.
func (s *Set) WaitForWorkersToFinish(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, t := range s.trackers {
		t := t
		g.Go(func() error {
			t.WaitForWorkersToFinish()
			return nil
		})
	}
	return g.Wait()
}

// DestroyWorkers resets every tracker in the set. Safe only after
// WaitForWorkersToFinish has returned.
func (s *Set) DestroyWorkers() {
	for _, t := range s.trackers {
		t.DestroyWorkers()
	}
}

// stageGraph adapts a Set into allocpolicy.StageGraph: nodes are
// stage *groups* (StageName.GroupName()), matching the grouping
// allocator.RegisterCaller applies to caller ids.
type stageGraph struct {
	set *Set
}

// StageGraph returns the allocpolicy.StageGraph view of this set's
// current DAG, for constructing an allocpolicy.DefaultPolicy.
func (s *Set) StageGraph() allocpolicy.StageGraph {
	return stageGraph{set: s}
}

func (g stageGraph) Stages() []string {
	seen := make(map[string]struct{})
	for _, t := range g.set.trackers {
		seen[t.StageName().GroupName()] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out
}

func (g stageGraph) Downstream(stage string) []string {
	seen := make(map[string]struct{})
	for _, t := range g.set.trackers {
		if t.StageName().GroupName() != stage {
			continue
		}
		t.mu.Lock()
		for _, d := range t.downstream {
			seen[d.StageName().GroupName()] = struct{}{}
		}
		t.mu.Unlock()
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out
}
