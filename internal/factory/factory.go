// Package factory implements the worker constructor registry of
// spec.md §4.6.4: a (application, worker_type, implementation_name)
// keyed registry of constructors, a named-object collection for
// injecting shared dependencies into those constructors, and a
// caching allocator that lends fixed-size byte regions from a
// preallocated pool instead of going through the memory allocator.
package factory

import (
	"fmt"
	"sync"

	"themis/internal/corefail"
)

// Constructor builds a worker implementation given its named-object
// dependencies. The returned value is opaque to the factory; callers
// type-assert it to whatever interface the (worker_type) concern
// expects (worker.SingleUnitRunnable, worker.BatchRunnable, ...).
type Constructor func(deps *Dependencies) (interface{}, error)

type key struct {
	application string
	workerType  string
	impl        string
}

// Registry maps (application, worker_type, implementation_name) to a
// Constructor. The zero value is not usable; construct with New.
type Registry struct {
	mu           sync.RWMutex
	constructors map[key]Constructor
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{constructors: make(map[key]Constructor)}
}

// Register adds a constructor under (application, workerType, impl).
// Registering the same triple twice is fatal: it is always a wiring
// bug, never a runtime condition to recover from.
func (r *Registry) Register(application, workerType, impl string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{application, workerType, impl}
	if _, exists := r.constructors[k]; exists {
		corefail.Invariant("factory: %s/%s/%s already registered", application, workerType, impl)
	}
	r.constructors[k] = ctor
}

// Build looks up and invokes the constructor for (application,
// workerType, impl), passing deps. An unregistered triple panics with
// a RuntimeFailure: unlike Register, the caller decides the
// implementation name from configuration, so a typo is reachable at
// runtime rather than only at wiring time.
func (r *Registry) Build(application, workerType, impl string, deps *Dependencies) (interface{}, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[key{application, workerType, impl}]
	r.mu.RUnlock()

	if !ok {
		corefail.Runtime(nil, "factory: no constructor registered for %s/%s/%s", application, workerType, impl)
	}
	return ctor(deps)
}

// Dependencies is the named-object collection a Constructor consults
// to receive shared collaborators (sockets, shared maps, disk lists,
// the partition-function table) by name, optionally scoped to a
// (phase, stage) pair so two stages can each have their own object
// under the same name.
type Dependencies struct {
	mu      sync.RWMutex
	objects map[string]interface{}
}

// NewDependencies returns an empty named-object collection.
func NewDependencies() *Dependencies {
	return &Dependencies{objects: make(map[string]interface{})}
}

func scopedName(name, phase, stage string) string {
	if phase == "" && stage == "" {
		return name
	}
	return fmt.Sprintf("%s@%s.%s", name, phase, stage)
}

// Put registers obj under name, optionally scoped to (phase, stage).
// Pass "", "" for an unscoped, process-wide object.
func (d *Dependencies) Put(name, phase, stage string, obj interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.objects[scopedName(name, phase, stage)] = obj
}

// Get retrieves the object registered under name for (phase, stage),
// falling back to the unscoped registration if no scoped one exists.
func (d *Dependencies) Get(name, phase, stage string) (interface{}, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if obj, ok := d.objects[scopedName(name, phase, stage)]; ok {
		return obj, true
	}
	obj, ok := d.objects[name]
	return obj, ok
}

// MustGet retrieves the object registered under name, panicking if
// absent. A missing required dependency is always a wiring defect.
func (d *Dependencies) MustGet(name, phase, stage string) interface{} {
	obj, ok := d.Get(name, phase, stage)
	if !ok {
		corefail.Invariant("factory: no dependency registered for %q (phase=%s stage=%s)", name, phase, stage)
	}
	return obj
}
