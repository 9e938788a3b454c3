package factory

import (
	"themis/internal/corefail"
)

// CachingPool lends fixed-size byte regions from a preallocated,
// non-blocking pool instead of routing every buffer request through
// the memory allocator (spec.md §4.6.4). It holds
// cached_memory / (num_workers * buffer_size) regions in a
// thread-safe rotating queue; borrowing when the pool is empty is a
// FatalInvariant, since the pool is sized so a well-behaved caller
// never outruns it.
type CachingPool struct {
	bufferSize uint64
	free       chan []byte
}

// NewCachingPool preallocates numBuffers regions of bufferSize bytes
// each, filling the pool up front so Borrow never allocates.
func NewCachingPool(numBuffers int, bufferSize uint64) *CachingPool {
	p := &CachingPool{
		bufferSize: bufferSize,
		free:       make(chan []byte, numBuffers),
	}
	for i := 0; i < numBuffers; i++ {
		p.free <- make([]byte, bufferSize)
	}
	return p
}

// BufferSize returns the fixed region size this pool lends.
func (p *CachingPool) BufferSize() uint64 { return p.bufferSize }

// Capacity returns the total number of regions the pool was built
// with.
func (p *CachingPool) Capacity() int { return cap(p.free) }

// Borrow takes a region from the pool without blocking. Calling
// Borrow when every region is already on loan is a FatalInvariant:
// the pool's caller is expected to size it so this cannot happen in
// correct operation.
func (p *CachingPool) Borrow() []byte {
	select {
	case buf := <-p.free:
		return buf
	default:
		corefail.Invariant("caching pool: borrow with no free regions (capacity %d)", cap(p.free))
		return nil
	}
}

// Return gives a region back to the pool. Returning a region not of
// this pool's buffer size, or returning more regions than the pool's
// capacity, is a FatalInvariant.
func (p *CachingPool) Return(buf []byte) {
	if uint64(cap(buf)) != p.bufferSize {
		corefail.Invariant("caching pool: returned region of capacity %d, want %d", cap(buf), p.bufferSize)
	}
	select {
	case p.free <- buf[:p.bufferSize]:
	default:
		corefail.Invariant("caching pool: return overflowed capacity %d", cap(p.free))
	}
}
