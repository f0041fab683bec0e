// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"context"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// ModuleLib is the ID of the module returned by LibModule.
const ModuleLib = `lib/bridge`

// LibModule returns a module that exposes the runtime to scripts, as the
// global table "bridge":
//
//	bridge.defer(fn, ...)        -- call fn(...) on a subsequent tick
//	bridge.after_ms(ms, fn, ...) -- call fn(...) after ms, from a background task
//	bridge.on_tick(fn)           -- call fn() every tick, until it returns true
//	bridge.stats()               -- table of runtime stats
//
// Errors raised by callbacks are logged. Pending after_ms callbacks are
// dropped on close.
func LibModule() Module {
	lib := &bridgeLib{hooks: make(map[*Ref]struct{})}
	return Module{
		ID:       ModuleLib,
		Priority: 10,
		Open:     lib.open,
		Close:    lib.close,
	}
}

type bridgeLib struct {
	rt *Runtime
	// cancelled on close, stopping pending timers
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	// function refs of registered tick hooks, released on close
	hooks map[*Ref]struct{}
}

func (b *bridgeLib) open(x *Runtime, L *lua.LState) error {
	b.rt = x
	b.ctx, b.cancel = context.WithCancel(context.Background())
	tbl := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		`defer`:    b.luaDefer,
		`after_ms`: b.luaAfterMS,
		`on_tick`:  b.luaOnTick,
		`stats`:    b.luaStats,
	})
	L.SetGlobal(`bridge`, tbl)
	return nil
}

func (b *bridgeLib) close(x *Runtime, L *lua.LState) {
	L.SetGlobal(`bridge`, lua.LNil)
	b.cancel()
	b.mu.Lock()
	hooks := b.hooks
	b.hooks = make(map[*Ref]struct{})
	b.mu.Unlock()
	for ref := range hooks {
		ref.Release()
	}
}

// refs stores the function at index first, and every value after it, or
// raises a Lua error.
func (b *bridgeLib) refs(L *lua.LState, name string, first int) (fn *Ref, args []*Ref) {
	L.CheckFunction(first)
	var err error
	if fn, err = b.rt.NewRef(L.Get(first)); err != nil {
		L.RaiseError("bridge.%s: %v", name, err)
	}
	for i := first + 1; i <= L.GetTop(); i++ {
		ref, err := b.rt.NewRef(L.Get(i))
		if err != nil {
			releaseRefs(fn, args)
			L.RaiseError("bridge.%s: %v", name, err)
		}
		args = append(args, ref)
	}
	return fn, args
}

func (b *bridgeLib) luaDefer(L *lua.LState) int {
	fn, args := b.refs(L, `defer`, 1)
	if err := b.rt.Schedule(func(L *lua.LState) {
		defer releaseRefs(fn, args)
		b.call(L, `defer`, fn, args, 0)
	}); err != nil {
		releaseRefs(fn, args)
		L.RaiseError("bridge.defer: %v", err)
	}
	return 0
}

func (b *bridgeLib) luaAfterMS(L *lua.LState) int {
	delay := time.Duration(L.CheckInt64(1)) * time.Millisecond
	fn, args := b.refs(L, `after_ms`, 2)
	if err := b.rt.Spawn(func(ctx context.Context) {
		defer releaseRefs(fn, args)
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-b.ctx.Done():
			return
		case <-timer.C:
		}
		if err := b.rt.WithContext(ctx, func(L *lua.LState) error {
			b.call(L, `after_ms`, fn, args, 0)
			return nil
		}); err != nil {
			b.rt.logger.Debug().
				Str(`category`, categoryTasks).
				Err(err).
				Log(`bridge.after_ms callback dropped`)
		}
	}); err != nil {
		releaseRefs(fn, args)
		L.RaiseError("bridge.after_ms: %v", err)
	}
	return 0
}

func (b *bridgeLib) luaOnTick(L *lua.LState) int {
	fn, extra := b.refs(L, `on_tick`, 1)
	releaseRefs(nil, extra)
	b.mu.Lock()
	b.hooks[fn] = struct{}{}
	b.mu.Unlock()
	if err := b.rt.OnTick(func(L *lua.LState) bool {
		b.mu.Lock()
		_, ok := b.hooks[fn]
		b.mu.Unlock()
		if !ok {
			return true
		}
		done, ok := b.call(L, `on_tick`, fn, nil, 1)
		if done || !ok {
			b.mu.Lock()
			delete(b.hooks, fn)
			b.mu.Unlock()
			fn.Release()
			return true
		}
		return false
	}); err != nil {
		b.mu.Lock()
		delete(b.hooks, fn)
		b.mu.Unlock()
		fn.Release()
		L.RaiseError("bridge.on_tick: %v", err)
	}
	return 0
}

func (b *bridgeLib) luaStats(L *lua.LState) int {
	s := b.rt.Stats()
	tbl := L.NewTable()
	tbl.RawSetString(`state`, lua.LString(s.State))
	tbl.RawSetString(`slots_top`, lua.LNumber(s.Slots.Top))
	tbl.RawSetString(`slots_live`, lua.LNumber(s.Slots.Live))
	tbl.RawSetString(`slots_pending`, lua.LNumber(s.Slots.Pending))
	tbl.RawSetString(`slots_available`, lua.LNumber(s.Slots.Available))
	tbl.RawSetString(`pending_tasks`, lua.LNumber(s.PendingTasks))
	tbl.RawSetString(`tick_hooks`, lua.LNumber(s.TickHooks))
	tbl.RawSetString(`active_tasks`, lua.LNumber(s.ActiveTasks))
	tbl.RawSetString(`lock_waiters`, lua.LNumber(s.LockWaiters))
	L.Push(tbl)
	return 1
}

// call invokes fn(args...) in protected mode, returning the truthiness of
// the first result (if nret > 0), and false for ok if it raised an error.
func (b *bridgeLib) call(L *lua.LState, name string, fn *Ref, args []*Ref, nret int) (result, ok bool) {
	defer NewStackGuard(L).Close()
	fn.Push(L)
	for _, arg := range args {
		arg.Push(L)
	}
	if err := L.PCall(len(args), nret, nil); err != nil {
		b.rt.logger.Err().
			Str(`category`, categoryQueue).
			Str(`callback`, `bridge.`+name).
			Err(wrapLuaError(err)).
			Log(`lua callback raised an error`)
		return false, false
	}
	if nret > 0 {
		result = lua.LVAsBool(L.Get(-nret))
	}
	return result, true
}

func releaseRefs(fn *Ref, args []*Ref) {
	if fn != nil {
		fn.Release()
	}
	for _, arg := range args {
		arg.Release()
	}
}
