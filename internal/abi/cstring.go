package abi

import (
	"errors"
	"fmt"

	"github.com/dshills/keyforge/internal/secure"
)

// ErrAllocFailed is returned when a flat value cannot be built because the
// allocator is exhausted.
var ErrAllocFailed = fmt.Errorf("abi: %w", secure.ErrAllocFailed)

// ErrNilAllocator is returned when no allocator is supplied.
var ErrNilAllocator = errors.New("abi: nil allocator")

// nodeHeaderSize is the size of the header block backing each list node,
// array and event. It stands in for the pointer fields of the flat layout.
const nodeHeaderSize = 24

// CString is a NUL-terminated string held in an allocator block.
type CString struct {
	blk *secure.Block
}

// StringToOwnedCString copies s into a new block. Returns nil if the
// allocator is nil or exhausted.
func StringToOwnedCString(a *secure.Allocator, s string) *CString {
	if a == nil {
		return nil
	}
	blk := a.Alloc(len(s) + 1)
	if blk == nil {
		return nil
	}
	copy(blk.Bytes(), s)
	return &CString{blk: blk}
}

// Bytes returns the string bytes without the terminator, or nil once freed.
// The length comes from the block, so embedded NUL bytes are kept.
func (c *CString) Bytes() []byte {
	if c == nil {
		return nil
	}
	b := c.blk.Bytes()
	if b == nil {
		return nil
	}
	return b[:c.blk.Size()-1]
}

// Freed reports whether the string has been released.
func (c *CString) Freed() bool {
	return c == nil || c.blk.Freed()
}

// OwnedCStringToString copies c into a Go string and frees it.
// A nil or already-freed string yields "". In the latter case the
// allocator counts a double free.
func OwnedCStringToString(a *secure.Allocator, c *CString) string {
	if c == nil || a == nil {
		return ""
	}
	if c.blk.Freed() {
		a.Free(c.blk)
		return ""
	}
	s := string(c.Bytes())
	a.Free(c.blk)
	return s
}

// FreeCString releases c without reading it.
func FreeCString(a *secure.Allocator, c *CString) {
	if c == nil || a == nil {
		return
	}
	a.Free(c.blk)
}
