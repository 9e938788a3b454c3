package themis

import "strings"

// CallerID identifies a registrant of the memory allocator. It is
// opaque to every component except the allocator itself.
type CallerID string

// StageName is the configured name of a pipeline stage. Allocator
// callers whose stage name carries a ":" suffix (used to fold
// per-job demultiplexing sub-workers into one parent group) are
// grouped under GroupName.
type StageName string

// GroupName returns the allocator grouping key for a stage name: the
// portion before the first ":", per spec.md §4.4.1.
func (s StageName) GroupName() string {
	name := string(s)
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i]
	}
	return name
}
