// Package secure provides memory-safe carriers for secret material.
//
// Everything here is backed by memguard locked buffers. Memory obtained
// through this package is:
//
//   - Protected from swapping via mlock
//   - Surrounded by guard pages
//   - Overwritten with zeros before it is returned to the system
//
// Two types are exported:
//
//   - Buffer: a resizable byte container for keys, passphrases and other
//     secrets. It is the only sanctioned carrier for secret bytes.
//   - Allocator: a block allocator shared with the ABI marshaling layer.
//     It keeps an audit trail of live blocks so callers can verify that
//     every allocation crossing a module boundary is freed exactly once.
//
// # Buffer Semantics
//
// A zero-size Buffer has no backing allocation. Clone duplicates the
// backing bytes and never aliases. Move transfers ownership and leaves
// the source empty. Left, Mid and Right return independent copies clamped
// to the available length; invalid ranges produce an empty buffer instead
// of an error.
//
//	buf := secure.FromString("correct horse battery staple")
//	defer buf.Destroy()
//
//	head := buf.Left(7)
//	defer head.Destroy()
//
// # Allocation Failure
//
// memguard purges its live buffers and panics when the kernel refuses to
// lock more memory. Buffer and Allocator recover that panic and hand back
// an empty result instead of crashing the process. Secrets held at that
// moment are gone, so callers must treat an empty result as fatal for the
// operation that asked for it.
package secure
