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

// TickHook is called on the main goroutine, once per tick, until it returns
// true.
type TickHook func(L *lua.LState) (done bool)

// tickHooks holds the persistent hooks. New hooks are staged under the
// mutex, and only merged into the active set by the main goroutine.
type tickHooks struct {
	mu     sync.Mutex
	staged []TickHook
	active []TickHook
	total  int
}

// OnTick registers hook to run at the start of every Tick, until it returns
// true. It may be called from any goroutine, and takes effect from the next
// tick.
func (x *Runtime) OnTick(hook TickHook) error {
	if hook == nil {
		panic(`luabridge: nil tick hook`)
	}
	switch runtimeState(x.state.Load()) {
	case stateNew:
		return ErrNotOpen
	case stateOpening, stateOpen:
	default:
		return ErrClosed
	}
	x.hooks.mu.Lock()
	x.hooks.staged = append(x.hooks.staged, hook)
	x.hooks.total++
	x.hooks.mu.Unlock()
	return nil
}

// Tick runs one iteration of the host loop: tick hooks, then the deferred
// queue (within the drain budget), then yields the interpreter lock to any
// waiting goroutines. It must be called by the main goroutine.
func (x *Runtime) Tick() error {
	switch runtimeState(x.state.Load()) {
	case stateOpen:
	case stateNew, stateOpening:
		return ErrNotOpen
	default:
		return ErrClosed
	}
	x.lock.checkOwner("tick")

	start := timeNow()
	x.runHooks(x.L)
	drainStart := timeNow()
	ran := x.queue.Drain(x.L, x.budget)
	end := timeNow()
	x.metrics.record(end.Sub(start), end.Sub(drainStart), ran, x.queue.Pending())

	if x.lock.Depth() == 1 {
		x.mainGuard.Yield()
	}

	return nil
}

// Run calls Tick at the tick rate, until ctx is done or the runtime is
// closed. It must be called by the main goroutine, and returns ctx.Err() on
// cancellation.
func (x *Runtime) Run(ctx context.Context) error {
	if !x.IsOpen() {
		return x.Tick()
	}
	ticker := time.NewTicker(tickInterval(x.tickRate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := x.Tick(); err != nil {
				return err
			}
		}
	}
}

func tickInterval(hz float64) time.Duration {
	if hz <= 0 {
		hz = DefaultTickRate
	}
	return time.Duration(float64(time.Second) / hz)
}

func (x *Runtime) runHooks(L *lua.LState) {
	x.hooks.mu.Lock()
	x.hooks.active = append(x.hooks.active, x.hooks.staged...)
	clear(x.hooks.staged)
	x.hooks.staged = x.hooks.staged[:0]
	x.hooks.mu.Unlock()

	if len(x.hooks.active) == 0 {
		return
	}

	active := x.hooks.active[:0]
	for _, hook := range x.hooks.active {
		if !x.runHook(L, hook) {
			active = append(active, hook)
		}
	}
	clear(x.hooks.active[len(active):])

	x.hooks.mu.Lock()
	x.hooks.total -= len(x.hooks.active) - len(active)
	x.hooks.mu.Unlock()

	x.hooks.active = active
}

// runHook calls a hook, returning true if it is done. A hook that panics
// is unregistered.
func (x *Runtime) runHook(L *lua.LState, hook TickHook) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			if isInvariantViolation(r) {
				panic(r)
			}
			x.logger.Err().
				Str(`category`, categoryHooks).
				Err(panicError(r)).
				Log(`tick hook panicked, unregistering`)
			done = true
		}
	}()
	defer NewStackGuard(L).Close()
	return hook(L)
}

func (x *tickHooks) count() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.total
}

func (x *tickHooks) reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.staged = nil
	x.active = nil
	x.total = 0
}

func openTicksModule(x *Runtime, L *lua.LState) error {
	x.hooks.reset()

	x.tickRate = x.opts.tickRate
	if x.tickRate == 0 {
		if hz, ok := detectTickRate(x, L); ok {
			x.tickRate = hz
		} else {
			x.tickRate = DefaultTickRate
		}
	}

	switch {
	case x.opts.drainBudget < 0:
		x.budget = 0
	case x.opts.drainBudget > 0:
		x.budget = x.opts.drainBudget
	default:
		x.budget = drainBudgetFor(x.tickRate, x.opts.budgetFraction)
	}

	return nil
}

func closeTicksModule(x *Runtime, L *lua.LState) {
	x.hooks.reset()
}

// detectTickRate calls the global engine.TickInterval(), if it exists,
// returning the reciprocal.
func detectTickRate(x *Runtime, L *lua.LState) (float64, bool) {
	engine, ok := L.GetGlobal(`engine`).(*lua.LTable)
	if !ok {
		return 0, false
	}
	fn, ok := L.GetField(engine, `TickInterval`).(*lua.LFunction)
	if !ok {
		return 0, false
	}

	defer NewStackGuard(L).Close()

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		x.logger.Warning().
			Str(`category`, categoryLifecycle).
			Err(wrapLuaError(err)).
			Log(`engine.TickInterval failed, using default tick rate`)
		return 0, false
	}

	interval, ok := L.Get(-1).(lua.LNumber)
	if !ok || interval <= 0 {
		return 0, false
	}
	return 1 / float64(interval), true
}
