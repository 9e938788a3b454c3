// Package resolver implements the disk-backed deadlock resolver of
// spec.md §4.4.4: a last-resort virtual allocation backed by an
// on-disk file mapped into the process address space, used when the
// allocator's deadlock checker determines no progress is otherwise
// possible.
package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"themis/internal/corefail"
)

// Region is a resolved virtual allocation: Data is the memory-mapped
// view of the backing file. Callers write through Data exactly as
// they would a heap allocation; the resolver is responsible for
// flushing and tearing the mapping down on Release.
type Region struct {
	Data []byte

	disk *disk
	file *os.File
	path string
	size uint64
}

type disk struct {
	directory        string
	mmapDir          string
	mappedBytes      uint64
	pathCreated      bool
}

// Resolver maintains a set of directories, one per physical disk,
// ordered by bytes currently mapped. Resolve always picks the
// least-loaded directory.
type Resolver struct {
	mu     sync.Mutex
	disks  []*disk
	active map[*Region]struct{}
}

// New constructs a Resolver over directories, one per physical disk.
// A "mmap/" subdirectory is created under each at construction time
// and is expected to be removed, along with every file in it, by
// Close.
func New(directories []string) (*Resolver, error) {
	r := &Resolver{active: make(map[*Region]struct{})}
	for _, dir := range directories {
		mmapDir := filepath.Join(dir, "mmap")
		if err := os.MkdirAll(mmapDir, 0o755); err != nil {
			return nil, fmt.Errorf("resolver: mkdir %s: %w", mmapDir, err)
		}
		r.disks = append(r.disks, &disk{directory: dir, mmapDir: mmapDir, pathCreated: true})
	}
	return r, nil
}

// Resolve allocates a fresh file of size bytes on the least-loaded
// disk, preallocates it, and maps it whole into the process. The
// returned Region's Data is exactly size bytes long.
func (r *Resolver) Resolve(size uint64) (*Region, error) {
	r.mu.Lock()
	d := r.leastLoadedLocked()
	d.mappedBytes += size
	r.mu.Unlock()

	path := filepath.Join(d.mmapDir, fmt.Sprintf("%d", time.Now().UnixMicro()))

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		corefail.Runtime(err, "resolver: create %s", path)
	}

	if err := unix.Fallocate(int(file.Fd()), 0, 0, int64(size)); err != nil {
		file.Close()
		os.Remove(path)
		corefail.Runtime(err, "resolver: fallocate %s to %d bytes", path, size)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		os.Remove(path)
		corefail.Runtime(err, "resolver: mmap %s", path)
	}

	region := &Region{Data: data, disk: d, file: file, path: path, size: size}

	r.mu.Lock()
	r.active[region] = struct{}{}
	r.mu.Unlock()

	return region, nil
}

// Release unmaps and removes the backing file, then returns the
// borrowed byte count to the owning disk.
func (r *Resolver) Release(region *Region) {
	r.mu.Lock()
	if _, ok := r.active[region]; !ok {
		r.mu.Unlock()
		corefail.Invariant("resolver: release of unknown region")
	}
	delete(r.active, region)
	r.mu.Unlock()

	if err := unix.Munmap(region.Data); err != nil {
		corefail.Runtime(err, "resolver: munmap %s", region.path)
	}
	region.file.Close()
	if err := os.Remove(region.path); err != nil {
		corefail.Runtime(err, "resolver: unlink %s", region.path)
	}

	r.mu.Lock()
	region.disk.mappedBytes -= region.size
	r.mu.Unlock()
}

// leastLoadedLocked returns the disk with the fewest bytes currently
// mapped. Called with r.mu held.
func (r *Resolver) leastLoadedLocked() *disk {
	least := r.disks[0]
	for _, d := range r.disks[1:] {
		if d.mappedBytes < least.mappedBytes {
			least = d
		}
	}
	return least
}

// Snapshot reports, per disk, the bytes currently mapped. It is the
// read-only capability behind spec.md §4.8's resource-monitor query
// surface.
func (r *Resolver) Snapshot() []DiskUsage {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]DiskUsage, len(r.disks))
	for i, d := range r.disks {
		out[i] = DiskUsage{Directory: d.directory, MappedBytes: d.mappedBytes}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Directory < out[j].Directory })
	return out
}

// DiskUsage is one disk's entry in Snapshot.
type DiskUsage struct {
	Directory   string
	MappedBytes uint64
}

// Close removes the resolver's "mmap/" subdirectories. It is fatal to
// call Close while any region is still active.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.active) != 0 {
		corefail.Invariant("resolver: %d region(s) still mapped at close", len(r.active))
	}
	for _, d := range r.disks {
		if !d.pathCreated {
			continue
		}
		if err := os.Remove(d.mmapDir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("resolver: rmdir %s: %w", d.mmapDir, err)
		}
	}
	return nil
}
