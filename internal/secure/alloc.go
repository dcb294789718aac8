package secure

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"
)

// ErrAllocFailed is returned when locked memory cannot be obtained.
var ErrAllocFailed = errors.New("secure allocation failed")

// MaxAllocSize is the largest single allocation the package will request.
const MaxAllocSize = 16 * 1024 * 1024

// ErrAllocTooLarge is returned for requests above MaxAllocSize.
var ErrAllocTooLarge = fmt.Errorf("%w: size exceeds %d bytes", ErrAllocFailed, MaxAllocSize)

// lockedAlloc obtains a locked buffer of size n.
//
// When memguard cannot map or lock memory it purges every live buffer in
// the process before panicking, so oversize requests are rejected here and
// never reach it. The recover only keeps the process alive; buffers
// allocated earlier are already gone by then.
func lockedAlloc(n int) (lb *memguard.LockedBuffer, err error) {
	if n <= 0 {
		return nil, nil
	}
	if n > MaxAllocSize {
		return nil, ErrAllocTooLarge
	}
	defer func() {
		if r := recover(); r != nil {
			lb = nil
			err = fmt.Errorf("%w: %v", ErrAllocFailed, r)
		}
	}()
	lb = memguard.NewBuffer(n)
	if lb == nil || lb.Size() != n {
		return nil, ErrAllocFailed
	}
	return lb, nil
}

// lockedFree scrubs and releases a locked buffer.
func lockedFree(lb *memguard.LockedBuffer) {
	if lb == nil {
		return
	}
	defer func() { _ = recover() }()
	lb.Destroy()
}

// Block is a single allocation handed out by an Allocator.
// The zero value is not usable; obtain blocks via Allocator.Alloc.
type Block struct {
	owner *Allocator
	lb    *memguard.LockedBuffer
	size  int
	freed atomic.Bool
}

// Bytes returns the block's memory. Returns nil once freed.
func (b *Block) Bytes() []byte {
	if b == nil || b.freed.Load() || b.lb == nil {
		return nil
	}
	return b.lb.Bytes()
}

// Size returns the requested size of the block.
func (b *Block) Size() int {
	if b == nil {
		return 0
	}
	return b.size
}

// Freed reports whether the block has been released.
func (b *Block) Freed() bool {
	return b == nil || b.freed.Load()
}

// AllocatorStats contains allocator counters.
type AllocatorStats struct {
	// Live is the number of blocks allocated and not yet freed.
	Live int

	// LiveBytes is the total size of live blocks.
	LiveBytes int

	// Allocs is the total number of successful allocations.
	Allocs uint64

	// Frees is the total number of successful frees.
	Frees uint64

	// DoubleFrees counts Free calls on blocks that were already released.
	DoubleFrees uint64

	// Failures counts allocations that could not be satisfied.
	Failures uint64
}

// Allocator hands out scrub-on-free memory blocks and tracks them.
// It is safe for concurrent use.
type Allocator struct {
	mu        sync.Mutex
	live      map[*Block]struct{}
	liveBytes int
	limit     int

	allocs      atomic.Uint64
	frees       atomic.Uint64
	doubleFrees atomic.Uint64
	failures    atomic.Uint64
}

// AllocatorOption configures an Allocator.
type AllocatorOption func(*Allocator)

// WithLimit caps the total size of live blocks. Allocations that would
// exceed it fail. Zero means no cap beyond MaxAllocSize per block.
func WithLimit(bytes int) AllocatorOption {
	return func(a *Allocator) {
		a.limit = max(bytes, 0)
	}
}

// NewAllocator creates an empty allocator.
func NewAllocator(opts ...AllocatorOption) *Allocator {
	a := &Allocator{
		live: make(map[*Block]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var (
	defaultAllocator     *Allocator
	defaultAllocatorOnce sync.Once
)

// DefaultAllocator returns the process-wide allocator.
func DefaultAllocator() *Allocator {
	defaultAllocatorOnce.Do(func() {
		defaultAllocator = NewAllocator()
	})
	return defaultAllocator
}

// Alloc returns a zeroed block of n bytes.
// Returns nil if n is not positive, exceeds MaxAllocSize or the allocator
// limit, or locked memory is exhausted.
func (a *Allocator) Alloc(n int) *Block {
	if n <= 0 {
		return nil
	}

	// Reserve against the limit first so concurrent callers cannot overshoot.
	a.mu.Lock()
	if a.limit > 0 && a.liveBytes+n > a.limit {
		a.mu.Unlock()
		a.failures.Add(1)
		return nil
	}
	a.liveBytes += n
	a.mu.Unlock()

	lb, err := lockedAlloc(n)
	if err != nil || lb == nil {
		a.mu.Lock()
		a.liveBytes -= n
		a.mu.Unlock()
		a.failures.Add(1)
		return nil
	}

	b := &Block{owner: a, lb: lb, size: n}

	a.mu.Lock()
	a.live[b] = struct{}{}
	a.mu.Unlock()

	a.allocs.Add(1)
	return b
}

// Free scrubs and releases a block.
// Returns false for nil blocks, blocks owned by another allocator, and
// blocks that were already freed. The latter is counted as a double free.
func (a *Allocator) Free(b *Block) bool {
	if b == nil {
		return false
	}
	if b.owner != a {
		return false
	}
	if !b.freed.CompareAndSwap(false, true) {
		a.doubleFrees.Add(1)
		return false
	}

	a.mu.Lock()
	delete(a.live, b)
	a.liveBytes -= b.size
	a.mu.Unlock()

	lockedFree(b.lb)
	b.lb = nil
	a.frees.Add(1)
	return true
}

// Owns reports whether b is a live block of this allocator.
func (a *Allocator) Owns(b *Block) bool {
	if b == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.live[b]
	return ok
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() AllocatorStats {
	a.mu.Lock()
	live := len(a.live)
	liveBytes := a.liveBytes
	a.mu.Unlock()

	return AllocatorStats{
		Live:        live,
		LiveBytes:   liveBytes,
		Allocs:      a.allocs.Load(),
		Frees:       a.frees.Load(),
		DoubleFrees: a.doubleFrees.Load(),
		Failures:    a.failures.Load(),
	}
}

// FreeAll releases every live block. Returns the number of blocks freed.
func (a *Allocator) FreeAll() int {
	a.mu.Lock()
	blocks := make([]*Block, 0, len(a.live))
	for b := range a.live {
		blocks = append(blocks, b)
	}
	a.mu.Unlock()

	n := 0
	for _, b := range blocks {
		if a.Free(b) {
			n++
		}
	}
	return n
}
