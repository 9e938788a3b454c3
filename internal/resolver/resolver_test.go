package resolver

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveCreatesFileUnderMmapDir(t *testing.T) {
	dir := t.TempDir()
	r, err := New([]string{dir})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer r.Close()

	const size = 10 << 20 // 10 MiB, per scenario E
	region, err := r.Resolve(size)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	defer r.Release(region)

	if len(region.Data) != size {
		t.Fatalf("region size = %d, want %d", len(region.Data), size)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "mmap"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file under mmap/, got %d", len(entries))
	}
}

func TestWriteThroughPointerIsVisibleOnReread(t *testing.T) {
	dir := t.TempDir()
	r, err := New([]string{dir})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer r.Close()

	region, err := r.Resolve(4096)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	copy(region.Data, []byte("hello, themis"))

	data, err := os.ReadFile(region.path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data[:13]) != "hello, themis" {
		t.Fatalf("file contents = %q, want prefix %q", data[:13], "hello, themis")
	}

	r.Release(region)
}

func TestReleaseRemovesFileButKeepsMmapDir(t *testing.T) {
	dir := t.TempDir()
	r, err := New([]string{dir})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	region, err := r.Resolve(4096)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	r.Release(region)

	entries, err := os.ReadDir(filepath.Join(dir, "mmap"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected mmap/ to be empty after release, got %d entries", len(entries))
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "mmap")); !os.IsNotExist(err) {
		t.Fatal("mmap/ should be removed at resolver Close")
	}
}

func TestResolvePrefersLeastLoadedDisk(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	r, err := New([]string{dirA, dirB})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer r.Close()

	first, err := r.Resolve(1 << 20)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	defer r.Release(first)

	second, err := r.Resolve(1 << 20)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	defer r.Release(second)

	usage := r.Snapshot()
	if len(usage) != 2 {
		t.Fatalf("Snapshot() returned %d disks, want 2", len(usage))
	}
	// The second allocation must have gone to the disk the first one
	// did not use, since that disk was less loaded (0 bytes) at the
	// time Resolve was called.
	if first.disk == second.disk {
		t.Fatal("second allocation should have preferred the other, unloaded disk")
	}
}

func TestCloseFatalWithActiveRegions(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Close with an active region must panic")
		}
	}()

	dir := t.TempDir()
	r, err := New([]string{dir})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := r.Resolve(4096); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	r.Close()
}
