// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"runtime"
	"strconv"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// Ref is a handle to a Lua value, stored in a slot of the runtime's
// auxiliary thread. Refs may be held, cloned and released from any
// goroutine, but reading the value requires the interpreter lock.
//
// Each Ref is one owner of the underlying slot: Clone adds an owner, and
// Release removes one. Once the last owner is released, the slot is marked
// for release immediately, and cleared on the main goroutine by a deferred
// task. A Ref that becomes unreachable without being released is released
// by the garbage collector.
type Ref struct {
	handle  *refHandle
	cleanup runtime.Cleanup
}

// refHandle is the per-owner state, kept separate from Ref so that it can be
// the argument of the Ref's cleanup.
type refHandle struct {
	cell     *refCell
	released atomic.Bool
}

// refCell is shared between all clones of a Ref.
type refCell struct {
	pool   *SlotPool
	queue  *Queue
	logger *Logger
	count  atomic.Int64
	slot   int
	kind   lua.LValueType
}

func newRef(cell *refCell) *Ref {
	h := &refHandle{cell: cell}
	r := &Ref{handle: h}
	r.cleanup = runtime.AddCleanup(r, (*refHandle).release, h)
	return r
}

// PopRef pops the value on top of L's stack, storing it in a new Ref.
// The calling goroutine must hold the interpreter lock.
func (x *Runtime) PopRef(L *lua.LState) (*Ref, error) {
	if L.GetTop() == 0 {
		invariantf("pop ref from an empty stack")
	}
	v := L.Get(-1)
	ref, err := x.NewRef(v)
	if err != nil {
		return nil, err
	}
	L.Pop(1)
	return ref, nil
}

// NewRef stores v in a new Ref.
// The calling goroutine must hold the interpreter lock.
func (x *Runtime) NewRef(v lua.LValue) (*Ref, error) {
	if err := x.checkAvailable(); err != nil {
		return nil, err
	}
	if v == nil {
		v = lua.LNil
	}
	pool := x.pool.Load()
	cell := &refCell{
		pool:   pool,
		queue:  x.queue,
		logger: x.logger,
		slot:   pool.Store(v),
		kind:   v.Type(),
	}
	cell.count.Store(1)
	return newRef(cell), nil
}

// Slot returns the index of the value within the auxiliary thread.
func (r *Ref) Slot() int {
	return r.handle.cell.slot
}

// Type returns the type of the referenced value.
func (r *Ref) Type() lua.LValueType {
	return r.handle.cell.kind
}

// Value returns the referenced value.
// The calling goroutine must hold the interpreter lock.
func (r *Ref) Value() lua.LValue {
	cell := r.live("value")
	v := cell.pool.Get(cell.slot)
	// r owns the slot, and its cleanup may otherwise run before the read
	runtime.KeepAlive(r)
	return v
}

// Push copies the referenced value onto the stack of L.
// The calling goroutine must hold the interpreter lock, which is not checked.
func (r *Ref) Push(L *lua.LState) {
	cell := r.live("push")
	L.Push(cell.pool.aux.Get(cell.slot))
	runtime.KeepAlive(r)
}

// Clone returns a new owner of the same slot. It doesn't touch the
// interpreter, and may be called from any goroutine.
func (r *Ref) Clone() *Ref {
	cell := r.live("clone")
	cell.count.Add(1)
	clone := newRef(cell)
	runtime.KeepAlive(r)
	return clone
}

// Release removes this owner. It may be called from any goroutine, and more
// than once (subsequent calls are no-ops).
func (r *Ref) Release() {
	r.cleanup.Stop()
	r.handle.release()
}

// String implements fmt.Stringer.
func (r *Ref) String() string {
	return "Ref(" + strconv.Itoa(r.handle.cell.slot) + ")"
}

func (r *Ref) live(op string) *refCell {
	if r.handle.released.Load() {
		invariantf("%s of released ref to slot %d", op, r.handle.cell.slot)
	}
	return r.handle.cell
}

func (h *refHandle) release() {
	if h.released.CompareAndSwap(false, true) {
		h.cell.drop()
	}
}

// drop removes an owner, marking the slot for release and scheduling exactly
// one ExecuteRelease, if it was the last.
func (c *refCell) drop() {
	switch n := c.count.Add(-1); {
	case n > 0:
		return
	case n < 0:
		invariantf("ref to slot %d dropped more times than it was cloned", c.slot)
	}

	c.pool.MarkPendingRelease(c.slot)

	pool, slot := c.pool, c.slot
	if err := c.queue.Schedule(func(*lua.LState) { pool.ExecuteRelease(slot) }); err != nil {
		c.logger.Debug().
			Str(`category`, categorySlots).
			Int(`slot`, slot).
			Err(err).
			Log(`ref released after teardown`)
	}
}
