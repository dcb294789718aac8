package abi

import "github.com/dshills/keyforge/internal/secure"

// FlatArray is a counted array of owned strings.
type FlatArray struct {
	blk   *secure.Block
	Items []*CString
}

// Len returns the number of items.
func (f *FlatArray) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Items)
}

// StringListToFlatArray copies list into a flat array. An empty list
// yields nil. On allocation failure the partial array is freed.
func StringListToFlatArray(a *secure.Allocator, list []string) (*FlatArray, error) {
	if a == nil {
		return nil, ErrNilAllocator
	}
	if len(list) == 0 {
		return nil, nil
	}

	blk := a.Alloc(nodeHeaderSize)
	if blk == nil {
		return nil, ErrAllocFailed
	}
	arr := &FlatArray{blk: blk, Items: make([]*CString, 0, len(list))}
	for _, s := range list {
		cs := StringToOwnedCString(a, s)
		if cs == nil {
			FreeFlatArray(a, arr)
			return nil, ErrAllocFailed
		}
		arr.Items = append(arr.Items, cs)
	}
	return arr, nil
}

// FlatArrayToStringList copies every item into a slice and frees the array.
// A nil array yields nil.
func FlatArrayToStringList(a *secure.Allocator, arr *FlatArray) []string {
	if arr == nil || a == nil {
		return nil
	}
	if arr.blk.Freed() {
		a.Free(arr.blk)
		return nil
	}
	out := make([]string, 0, len(arr.Items))
	for _, cs := range arr.Items {
		out = append(out, OwnedCStringToString(a, cs))
	}
	arr.Items = nil
	a.Free(arr.blk)
	return out
}

// FreeFlatArray releases the array and its items without reading them.
func FreeFlatArray(a *secure.Allocator, arr *FlatArray) {
	if arr == nil || a == nil {
		return
	}
	for _, cs := range arr.Items {
		FreeCString(a, cs)
	}
	arr.Items = nil
	a.Free(arr.blk)
}
