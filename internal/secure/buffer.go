package secure

import (
	"bytes"
	"fmt"
	"runtime"

	"github.com/awnumar/memguard"
)

// maxStringLength caps conversions from NUL-terminated input.
const maxStringLength = 16 * 1024 * 1024

// region holds the locked allocation of a Buffer.
// Each region owns its locked buffer exclusively.
type region struct {
	lb *memguard.LockedBuffer
}

func (r *region) release() {
	if r.lb != nil {
		lockedFree(r.lb)
		r.lb = nil
	}
}

func (r *region) size() int {
	if r.lb == nil {
		return 0
	}
	return r.lb.Size()
}

func (r *region) bytes() []byte {
	if r.lb == nil {
		return nil
	}
	return r.lb.Bytes()
}

// Buffer is a byte container backed by locked, scrub-on-free memory.
//
// A Buffer is not safe for concurrent use. Buffers that become unreachable
// without Destroy are still scrubbed by a runtime cleanup, but callers
// should release secrets explicitly.
type Buffer struct {
	r *region
}

func newBuffer(r *region) *Buffer {
	b := &Buffer{r: r}
	runtime.AddCleanup(b, func(r *region) { r.release() }, r)
	return b
}

// New creates a zero-filled buffer of the given size.
// A non-positive size, a size above MaxAllocSize, or a failed allocation
// yields an empty buffer.
func New(size int) *Buffer {
	r := &region{}
	if size > 0 {
		lb, err := lockedAlloc(size)
		if err == nil {
			r.lb = lb
		}
	}
	return newBuffer(r)
}

// FromBytes creates a buffer holding a copy of p. The source is left intact.
func FromBytes(p []byte) *Buffer {
	b := New(len(p))
	if b.Size() == len(p) && len(p) > 0 {
		copy(b.r.bytes(), p)
	}
	return b
}

// FromString creates a buffer holding the bytes of s.
func FromString(s string) *Buffer {
	b := New(len(s))
	if b.Size() == len(s) && len(s) > 0 {
		copy(b.r.bytes(), s)
	}
	return b
}

// FromCString creates a buffer from NUL-terminated input.
// Reads at most 16 MiB; a nil slice yields an empty buffer.
func FromCString(p []byte) *Buffer {
	if p == nil {
		return New(0)
	}
	limit := len(p)
	if limit > maxStringLength {
		limit = maxStringLength
	}
	n := bytes.IndexByte(p[:limit], 0)
	if n < 0 {
		n = limit
	}
	return FromBytes(p[:n])
}

// Data returns a mutable view of the buffer contents.
// The view is invalidated by Resize, Append, Combine, Move and Destroy.
func (b *Buffer) Data() []byte {
	if b == nil || b.r == nil {
		return nil
	}
	return b.r.bytes()
}

// ConstData returns a view of the buffer contents whose capacity is capped
// at its length, so appending to it never writes into the locked region.
func (b *Buffer) ConstData() []byte {
	d := b.Data()
	return d[:len(d):len(d)]
}

// Size returns the number of bytes held.
func (b *Buffer) Size() int {
	if b == nil || b.r == nil {
		return 0
	}
	return b.r.size()
}

// Empty reports whether the buffer holds no bytes.
func (b *Buffer) Empty() bool {
	return b.Size() == 0
}

// Resize changes the buffer size, preserving the common prefix.
// Resize(0) scrubs and releases the allocation. Growing zero-fills the new
// tail. If n exceeds MaxAllocSize or the new allocation fails, the buffer
// is left unchanged.
func (b *Buffer) Resize(n int) {
	if b == nil {
		return
	}
	if b.r == nil {
		b.r = &region{}
	}
	if n <= 0 {
		b.r.release()
		return
	}
	if n == b.r.size() {
		return
	}

	lb, err := lockedAlloc(n)
	if err != nil {
		return
	}
	old := b.r.lb
	if old != nil {
		copy(lb.Bytes(), old.Bytes())
	}
	b.r.lb = lb
	lockedFree(old)
}

// Append adds p to the end of the buffer.
func (b *Buffer) Append(p []byte) {
	if b == nil || len(p) == 0 {
		return
	}
	old := b.Size()
	b.Resize(old + len(p))
	if b.Size() != old+len(p) {
		return
	}
	copy(b.r.bytes()[old:], p)
}

// AppendBuffer adds the contents of o to the end of the buffer.
// Appending a buffer to itself doubles its contents.
func (b *Buffer) AppendBuffer(o *Buffer) {
	if o.Empty() {
		return
	}
	if o == b {
		dup := b.Clone()
		defer dup.Destroy()
		b.Append(dup.Data())
		return
	}
	b.Append(o.Data())
}

// Combine appends every buffer in order using a single reallocation sized
// to the sum of the inputs.
func (b *Buffer) Combine(bufs ...*Buffer) {
	if b == nil {
		return
	}

	total := 0
	for _, o := range bufs {
		total += o.Size()
	}
	if total == 0 {
		return
	}

	// Snapshot self-references before the reallocation invalidates them.
	var self *Buffer
	for _, o := range bufs {
		if o == b {
			self = b.Clone()
			defer self.Destroy()
			break
		}
	}

	old := b.Size()
	b.Resize(old + total)
	if b.Size() != old+total {
		return
	}

	dst := b.r.bytes()
	offset := old
	for _, o := range bufs {
		src := o.Data()
		if o == b {
			src = self.Data()
		}
		offset += copy(dst[offset:], src)
	}
}

// Left returns a copy of the first n bytes, clamped to the buffer size.
func (b *Buffer) Left(n int) *Buffer {
	if n <= 0 || b.Empty() {
		return New(0)
	}
	n = min(n, b.Size())
	return FromBytes(b.Data()[:n])
}

// Mid returns a copy of n bytes starting at pos, clamped to the buffer size.
// Negative n, negative pos, or pos at or past the end yield an empty buffer.
func (b *Buffer) Mid(pos, n int) *Buffer {
	size := b.Size()
	if pos < 0 || n <= 0 || pos >= size {
		return New(0)
	}
	n = min(n, size-pos)
	return FromBytes(b.Data()[pos : pos+n])
}

// Right returns a copy of the last n bytes, clamped to the buffer size.
func (b *Buffer) Right(n int) *Buffer {
	if n <= 0 || b.Empty() {
		return New(0)
	}
	size := b.Size()
	n = min(n, size)
	return FromBytes(b.Data()[size-n:])
}

// Zeroize scrubs the contents without releasing the allocation.
func (b *Buffer) Zeroize() {
	if b == nil || b.r == nil || b.r.lb == nil {
		return
	}
	b.r.lb.Wipe()
}

// Clone returns an independent copy of the buffer.
func (b *Buffer) Clone() *Buffer {
	return FromBytes(b.Data())
}

// Move transfers the allocation to a new Buffer and leaves b empty.
func (b *Buffer) Move() *Buffer {
	if b == nil || b.r == nil {
		return New(0)
	}
	r := &region{lb: b.r.lb}
	b.r.lb = nil
	return newBuffer(r)
}

// Destroy scrubs and releases the allocation. The buffer remains usable
// as an empty buffer.
func (b *Buffer) Destroy() {
	if b == nil || b.r == nil {
		return
	}
	b.r.release()
}

// Equal reports whether both buffers hold the same bytes.
// The comparison runs in constant time for equal-length inputs.
func (b *Buffer) Equal(o *Buffer) bool {
	return b.EqualBytes(o.Data())
}

// EqualBytes reports whether the buffer holds exactly p.
func (b *Buffer) EqualBytes(p []byte) bool {
	if b.Size() != len(p) {
		return false
	}
	if len(p) == 0 {
		return true
	}
	return b.r.lb.EqualTo(p)
}

// Compare orders buffers byte-wise with length as the final tiebreaker.
// Returns -1, 0 or +1.
func (b *Buffer) Compare(o *Buffer) int {
	return bytes.Compare(b.Data(), o.Data())
}

// Less reports whether b orders before o.
func (b *Buffer) Less(o *Buffer) bool {
	return b.Compare(o) < 0
}

// Reveal copies the contents into an ordinary Go string.
// The result lives on the garbage-collected heap and cannot be scrubbed.
func (b *Buffer) Reveal() string {
	return string(b.Data())
}

// String returns a redacted description so secrets never reach logs.
func (b *Buffer) String() string {
	return fmt.Sprintf("secure.Buffer(%d bytes)", b.Size())
}

// GoString implements fmt.GoStringer with the same redaction as String.
func (b *Buffer) GoString() string {
	return b.String()
}
