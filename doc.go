/*
Package themis implements the pipeline runtime core of Themis: a
disk-to-disk sort and MapReduce runtime. It does not implement readers,
writers, sort/merge algorithms, or network transport — those are
external collaborators that plug into the interfaces this package and
its internal/ subpackages define.

The core is a stage scheduler (internal/tracker) that connects pluggable
worker stages (internal/worker) into a DAG, a work queueing policy layer
(internal/queueing) governing how work units move from an upstream stage
to one of several downstream workers, a priority-aware memory allocator
(internal/allocator, internal/allocpolicy) with deadlock detection and
disk-backed resolution (internal/resolver), a memory quota facility
(internal/quota) bounding in-flight bytes between a stage pair, and a
simpler benchmark allocator variant with pluggable wake policies
(internal/membench).

See SPEC_FULL.md and DESIGN.md in the repository root for the full
design rationale.
*/
package themis
