package abi

import (
	"sort"

	"github.com/dshills/keyforge/internal/secure"
)

// FlatParam is one node of a flat parameter list.
type FlatParam struct {
	blk   *secure.Block
	Name  *CString
	Value *CString
	Next  *FlatParam
}

func newFlatParam(a *secure.Allocator, name, value string) *FlatParam {
	blk := a.Alloc(nodeHeaderSize)
	if blk == nil {
		return nil
	}
	n := &FlatParam{blk: blk}
	n.Name = StringToOwnedCString(a, name)
	n.Value = StringToOwnedCString(a, value)
	if n.Name == nil || n.Value == nil {
		freeParamNode(a, n)
		return nil
	}
	return n
}

func freeParamNode(a *secure.Allocator, n *FlatParam) {
	FreeCString(a, n.Name)
	FreeCString(a, n.Value)
	a.Free(n.blk)
}

// ParamMapToFlatList builds a flat list from params, ordered by key.
// An empty map yields nil. If any allocation fails, the partial list is
// freed and ErrAllocFailed is returned.
func ParamMapToFlatList(a *secure.Allocator, params map[string]string) (*FlatParam, error) {
	if a == nil {
		return nil, ErrNilAllocator
	}
	if len(params) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var head, tail *FlatParam
	for _, k := range keys {
		n := newFlatParam(a, k, params[k])
		if n == nil {
			FreeFlatList(a, head)
			return nil, ErrAllocFailed
		}
		if head == nil {
			head = n
		} else {
			tail.Next = n
		}
		tail = n
	}
	return head, nil
}

// FlatListToParamMap walks the list, copies every pair into a map and frees
// each node as it is consumed. A nil list yields an empty map. When a name
// repeats, the later node wins.
func FlatListToParamMap(a *secure.Allocator, head *FlatParam) map[string]string {
	params := make(map[string]string)
	if a == nil {
		return params
	}
	for n := head; n != nil; {
		next := n.Next
		if n.blk.Freed() {
			a.Free(n.blk)
			n = next
			continue
		}
		name := OwnedCStringToString(a, n.Name)
		value := OwnedCStringToString(a, n.Value)
		a.Free(n.blk)
		n.Next = nil
		params[name] = value
		n = next
	}
	return params
}

// FreeFlatList releases every node of the list without reading it.
func FreeFlatList(a *secure.Allocator, head *FlatParam) {
	if a == nil {
		return
	}
	for n := head; n != nil; {
		next := n.Next
		freeParamNode(a, n)
		n.Next = nil
		n = next
	}
}
