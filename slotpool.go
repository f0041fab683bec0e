// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"sync"

	"github.com/joeycumines/logiface"
	lua "github.com/yuin/gopher-lua"
)

type slotState uint8

const (
	slotFree slotState = iota
	slotLive
	slotPending
)

// SlotStats is a point-in-time snapshot of a SlotPool.
type SlotStats struct {
	// Top is the high-water mark of allocated slots.
	Top int
	// Live is the number of slots referenced by at least one Ref.
	Live int
	// Pending is the number of slots marked for release, not yet cleared.
	Pending int
	// Available is the number of cleared slots, ready for reuse.
	Available int
}

// SlotPool allocates and recycles slots, each an index into the stack of an
// auxiliary Lua thread that is used purely as value storage.
//
// The bookkeeping is guarded by its own mutex, so that MarkPendingRelease is
// safe from any goroutine. Every operation that touches the auxiliary
// thread requires the interpreter lock.
type SlotPool struct { // betteralign:ignore
	mu     sync.Mutex
	aux    *lua.LState
	lock   *Lock
	logger *logiface.Logger[logiface.Event]

	// states is indexed by slot, index 0 is unused
	states []slotState
	// available is a LIFO of free slots
	available []int
	// pending is a LIFO of slots marked for release, pendingPos[slot] being
	// the index of slot within pending (only valid if the slot is pending)
	pending    []int
	pendingPos []int
	live       int
	closed     bool
}

// NewSlotPool returns a pool backed by aux, which must have no values on its
// stack. If lock is non-nil, operations touching aux panic unless it is held
// by the calling goroutine.
func NewSlotPool(aux *lua.LState, lock *Lock, logger *logiface.Logger[logiface.Event]) *SlotPool {
	if aux == nil {
		panic(`luabridge: nil auxiliary state`)
	}
	if top := aux.GetTop(); top != 0 {
		invariantf("auxiliary state has %d values on its stack", top)
	}
	return &SlotPool{
		aux:        aux,
		lock:       lock,
		logger:     logger,
		states:     make([]slotState, 1),
		pendingPos: make([]int, 1),
	}
}

// Store allocates a slot, and writes v into it. Slots are taken from the
// available set first, then from the pending set (racing the not yet
// executed release, which will then be a no-op), and only then is the
// auxiliary stack grown. Growing raises a Lua error (a panic, outside a
// protected call) once the registry reaches lua.Options.RegistryMaxSize.
func (x *SlotPool) Store(v lua.LValue) int {
	x.checkLock("store")

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		invariantf("store on a closed slot pool")
	}

	var slot int
	switch {
	case len(x.available) != 0:
		slot = x.available[len(x.available)-1]
		x.available = x.available[:len(x.available)-1]

	case len(x.pending) != 0:
		slot = x.pending[len(x.pending)-1]
		x.pending = x.pending[:len(x.pending)-1]
		x.logger.Trace().
			Int(`slot`, slot).
			Log(`reusing slot pending release`)

	default:
		slot = len(x.states)
		if top := x.aux.GetTop(); top != slot-1 {
			invariantf("auxiliary stack imbalance: top %d, expected %d", top, slot-1)
		}
		x.grow(slot, v)
		x.states = append(x.states, slotLive)
		x.pendingPos = append(x.pendingPos, 0)
		x.live++
		return slot
	}

	x.states[slot] = slotLive
	x.live++
	x.aux.Replace(slot, v)
	return slot
}

// grow pushes v as the new top slot. If the auxiliary thread's registry is
// full, the Lua error is re-raised after discarding the error value gopher-lua
// leaves on the stack, so that no slot is recorded.
func (x *SlotPool) grow(slot int, v lua.LValue) {
	defer func() {
		if r := recover(); r != nil {
			x.aux.SetTop(slot - 1)
			panic(r)
		}
	}()
	x.aux.Push(v)
}

// Get returns the value stored in a live slot, or nil (lua.LNil) once the
// pool has been torn down.
func (x *SlotPool) Get(slot int) lua.LValue {
	x.checkLock("get")
	if !x.readable(slot) {
		return lua.LNil
	}
	return x.aux.Get(slot)
}

func (x *SlotPool) readable(slot int) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return false
	}
	if state := x.stateLocked(slot); state != slotLive {
		invariantf("slot %d read while not live (state %d)", slot, state)
	}
	return true
}

// MarkPendingRelease moves a live slot into the pending set. It doesn't touch
// the interpreter, and may be called from any goroutine. Marking a slot that
// isn't live is a double free, and panics.
//
// It is a no-op once the pool has been torn down.
func (x *SlotPool) MarkPendingRelease(slot int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return
	}
	if state := x.stateLocked(slot); state != slotLive {
		invariantf("slot %d released while not live (state %d)", slot, state)
	}
	x.states[slot] = slotPending
	x.pendingPos[slot] = len(x.pending)
	x.pending = append(x.pending, slot)
	x.live--
}

// ExecuteRelease clears a slot that is still pending release, moving it to
// the available set, and returns true. If the slot was reallocated in the
// meantime it returns false, leaving the new occupant untouched.
//
// The calling goroutine must hold the interpreter lock.
func (x *SlotPool) ExecuteRelease(slot int) bool {
	x.checkLock("execute release")

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return false
	}

	if x.stateLocked(slot) != slotPending {
		x.logger.Trace().
			Int(`slot`, slot).
			Log(`skipping release of reallocated slot`)
		return false
	}

	// swap-remove from pending
	i := x.pendingPos[slot]
	last := x.pending[len(x.pending)-1]
	x.pending[i] = last
	x.pendingPos[last] = i
	x.pending = x.pending[:len(x.pending)-1]

	x.aux.Replace(slot, lua.LNil)
	x.states[slot] = slotFree
	x.available = append(x.available, slot)
	return true
}

// Stats returns a snapshot of the pool's bookkeeping.
func (x *SlotPool) Stats() SlotStats {
	x.mu.Lock()
	defer x.mu.Unlock()
	return SlotStats{
		Top:       len(x.states) - 1,
		Live:      x.live,
		Pending:   len(x.pending),
		Available: len(x.available),
	}
}

// close clears the auxiliary stack, and makes further releases no-ops.
// Returns the number of slots that were still live.
func (x *SlotPool) close() int {
	x.checkLock("close")
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return 0
	}
	x.closed = true
	leaked := x.live
	x.aux.SetTop(0)
	x.states = x.states[:1]
	x.pendingPos = x.pendingPos[:1]
	x.available = nil
	x.pending = nil
	x.live = 0
	return leaked
}

func (x *SlotPool) isClosed() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.closed
}

func (x *SlotPool) stateLocked(slot int) slotState {
	if slot <= 0 || slot >= len(x.states) {
		invariantf("slot %d out of range [1, %d]", slot, len(x.states)-1)
	}
	return x.states[slot]
}

func (x *SlotPool) checkLock(op string) {
	if x.lock != nil && !x.lock.Held() {
		invariantf("slot pool %s without holding the interpreter lock", op)
	}
}
