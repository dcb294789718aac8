package abi

import "github.com/dshills/keyforge/internal/secure"

// FlatEvent is the boundary form of an event.
type FlatEvent struct {
	blk       *secure.Block
	ID        *CString
	TriggerID *CString
	Params    *FlatParam
}

// NewFlatEvent builds a flat event. On allocation failure everything built
// so far is freed and ErrAllocFailed is returned.
func NewFlatEvent(a *secure.Allocator, id, triggerID string, params map[string]string) (*FlatEvent, error) {
	if a == nil {
		return nil, ErrNilAllocator
	}
	blk := a.Alloc(nodeHeaderSize)
	if blk == nil {
		return nil, ErrAllocFailed
	}
	fe := &FlatEvent{blk: blk}

	fe.ID = StringToOwnedCString(a, id)
	fe.TriggerID = StringToOwnedCString(a, triggerID)
	if fe.ID == nil || fe.TriggerID == nil {
		fe.Release(a)
		return nil, ErrAllocFailed
	}

	list, err := ParamMapToFlatList(a, params)
	if err != nil {
		fe.Release(a)
		return nil, err
	}
	fe.Params = list
	return fe, nil
}

// Drain copies the event out and frees it. Draining a nil or already
// drained event yields zero values.
func (fe *FlatEvent) Drain(a *secure.Allocator) (id, triggerID string, params map[string]string) {
	if fe == nil || a == nil {
		return "", "", map[string]string{}
	}
	if fe.blk.Freed() {
		a.Free(fe.blk)
		return "", "", map[string]string{}
	}

	id = OwnedCStringToString(a, fe.ID)
	triggerID = OwnedCStringToString(a, fe.TriggerID)
	params = FlatListToParamMap(a, fe.Params)
	fe.ID, fe.TriggerID, fe.Params = nil, nil, nil
	a.Free(fe.blk)
	return id, triggerID, params
}

// Release frees the event without reading it. Safe to call more than once.
func (fe *FlatEvent) Release(a *secure.Allocator) {
	if fe == nil || a == nil || fe.blk.Freed() {
		return
	}
	FreeCString(a, fe.ID)
	FreeCString(a, fe.TriggerID)
	FreeFlatList(a, fe.Params)
	fe.ID, fe.TriggerID, fe.Params = nil, nil, nil
	a.Free(fe.blk)
}
