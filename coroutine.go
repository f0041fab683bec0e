// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// CoroutineStatus is the state of a Coroutine.
type CoroutineStatus int

const (
	// CoroutineNew has not been resumed since it was created (or reset).
	CoroutineNew CoroutineStatus = iota
	// CoroutineSuspended has yielded, and may be resumed.
	CoroutineSuspended
	// CoroutineRunning is currently being resumed.
	CoroutineRunning
	// CoroutineFinished has returned.
	CoroutineFinished
	// CoroutineFailed raised an error, see Coroutine.Err.
	CoroutineFailed
)

// String implements fmt.Stringer.
func (s CoroutineStatus) String() string {
	switch s {
	case CoroutineNew:
		return "new"
	case CoroutineSuspended:
		return "suspended"
	case CoroutineRunning:
		return "running"
	case CoroutineFinished:
		return "finished"
	case CoroutineFailed:
		return "failed"
	default:
		return fmt.Sprintf("CoroutineStatus(%d)", int(s))
	}
}

// Resumable reports whether a coroutine in this state may be resumed.
func (s CoroutineStatus) Resumable() bool {
	return s == CoroutineNew || s == CoroutineSuspended
}

// Coroutine drives a Lua function on its own thread, which may yield back to
// Go. Every method requires the interpreter lock.
type Coroutine struct {
	// Prevent copying
	_ [0]func()

	rt     *Runtime
	thread *lua.LState
	cancel context.CancelFunc
	fn     *lua.LFunction
	err    error
	status CoroutineStatus
}

// NewCoroutine returns a coroutine that will call fn when first resumed.
func (x *Runtime) NewCoroutine(fn *lua.LFunction) (*Coroutine, error) {
	if fn == nil {
		panic(`luabridge: nil coroutine function`)
	}
	if err := x.checkAccess(); err != nil {
		return nil, err
	}
	x.lock.checkOwner("new coroutine")
	c := &Coroutine{rt: x, fn: fn}
	c.thread, c.cancel = x.L.NewThread()
	return c, nil
}

// Status returns the current state.
func (c *Coroutine) Status() CoroutineStatus {
	return c.status
}

// Err returns the error that failed the coroutine, if any.
func (c *Coroutine) Err() error {
	return c.err
}

// Resume continues the coroutine from L, passing args, returning the values
// it yielded or returned. ErrCoroutineUnresumable is returned if it isn't
// new or suspended. If the coroutine raises an error, it is returned (as a
// *LuaError), and the coroutine fails.
func (c *Coroutine) Resume(L *lua.LState, args ...lua.LValue) ([]lua.LValue, error) {
	c.rt.lock.checkOwner("resume coroutine")
	if !c.status.Resumable() {
		return nil, fmt.Errorf("%w: %s", ErrCoroutineUnresumable, c.status)
	}

	c.status = CoroutineRunning
	defer func() {
		if c.status == CoroutineRunning {
			c.status = CoroutineFailed
			c.err = fmt.Errorf("luabridge: coroutine panicked")
		}
	}()
	state, err, values := L.Resume(c.thread, c.fn, args...)

	switch state {
	case lua.ResumeYield:
		c.status = CoroutineSuspended
		return values, nil
	case lua.ResumeOK:
		c.status = CoroutineFinished
		return values, nil
	default:
		c.status = CoroutineFailed
		c.err = wrapLuaError(err)
		return nil, c.err
	}
}

// Reset replaces the function of a new, finished, or failed coroutine,
// returning it to CoroutineNew.
func (c *Coroutine) Reset(fn *lua.LFunction) error {
	if fn == nil {
		panic(`luabridge: nil coroutine function`)
	}
	c.rt.lock.checkOwner("reset coroutine")
	switch c.status {
	case CoroutineNew:
		c.fn = fn
		return nil
	case CoroutineFinished, CoroutineFailed:
	default:
		return fmt.Errorf("%w: %s", ErrCoroutineNotResettable, c.status)
	}
	c.Close()
	c.thread, c.cancel = c.rt.L.NewThread()
	c.fn = fn
	c.err = nil
	c.status = CoroutineNew
	return nil
}

// Close releases the coroutine's thread. A closed coroutine is finished.
func (c *Coroutine) Close() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.status != CoroutineFailed {
		c.status = CoroutineFinished
	}
}

// ScheduleResume resumes c on the main goroutine during a subsequent tick,
// passing the values of args, which are then released (as they are if
// scheduling fails). The result is passed to done, if non-nil.
func (x *Runtime) ScheduleResume(c *Coroutine, done func(values []lua.LValue, err error), args ...*Ref) error {
	err := x.Schedule(func(L *lua.LState) {
		values := make([]lua.LValue, len(args))
		for i, arg := range args {
			values[i] = arg.Value()
			arg.Release()
		}
		results, err := c.Resume(L, values...)
		if done != nil {
			done(results, err)
		} else if err != nil {
			x.logger.Warning().
				Str(`category`, categoryQueue).
				Err(err).
				Log(`scheduled coroutine resume failed`)
		}
	})
	if err != nil {
		for _, arg := range args {
			arg.Release()
		}
	}
	return err
}
