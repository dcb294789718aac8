// Package abi converts between Go values and the flat representation that
// crosses the boundary to externally loaded modules.
//
// Every flat value is built from blocks of a shared secure.Allocator:
// NUL-terminated strings (CString), singly linked name/value lists
// (FlatParam), string arrays (FlatArray) and events (FlatEvent). Ownership
// of a flat value moves with it. Whoever receives one converts it back with
// the matching routine, which frees each node and string as it is consumed:
//
//	cs := abi.StringToOwnedCString(alloc, "hello")
//	s := abi.OwnedCStringToString(alloc, cs) // cs is freed here
//
// Consuming a value twice is harmless. The second call yields the zero
// result and the allocator records a double free instead of touching
// released memory. Nil input is treated as "no data".
package abi
