// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Task is a single-use callback, run on the logical main goroutine, with
// exclusive access to the interpreter.
type Task func(L *lua.LState)

// used for testing
var timeNow = time.Now

// Queue is a multi-producer FIFO of tasks that must run while the
// interpreter lock is held, drained on a time budget.
//
// Schedule is safe to call from any goroutine, and never blocks.
// Drain and Close must only be called by the goroutine holding the lock.
type Queue struct { // betteralign:ignore
	mu      sync.Mutex
	tasks   taskIngress
	closed  bool
	pending atomic.Int64

	logger *Logger
	warn   *warnLimiter
}

// NewQueue returns an empty, open queue.
func NewQueue(logger *Logger) *Queue {
	return &Queue{logger: logger}
}

// Schedule enqueues a task, to be run by a subsequent Drain (or Close).
// Tasks are never dropped or cancelled once scheduled. ErrClosed is returned
// only after Close has finished, at which point the interpreter is gone, and
// the caller must drop the work.
func (x *Queue) Schedule(task Task) error {
	if task == nil {
		panic(`luabridge: nil task`)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	x.tasks.push(task)
	x.pending.Add(1)
	return nil
}

// Pending returns the number of scheduled tasks that have not yet started.
func (x *Queue) Pending() int {
	return int(x.pending.Load())
}

// Drain runs queued tasks in submission order, until either the queue is
// empty, or budget has elapsed. The budget is checked after each task, so at
// least one task runs if any are pending. A non-positive budget is
// unlimited. Returns the number of tasks run.
//
// Tasks scheduled while draining are eligible to run within the same call.
func (x *Queue) Drain(L *lua.LState, budget time.Duration) int {
	var deadline time.Time
	if budget > 0 {
		deadline = timeNow().Add(budget)
	}

	var count int
	for {
		task, ok := x.pop()
		if !ok {
			return count
		}

		x.run(L, task)
		count++

		if budget > 0 && !timeNow().Before(deadline) {
			if remaining := x.Pending(); remaining != 0 {
				x.warn.warning(x.logger, categoryQueue).
					Int(`ran`, count).
					Int(`remaining`, remaining).
					Dur(`budget`, budget).
					Log(`drain budget exhausted, deferring remaining tasks`)
			}
			return count
		}
	}
}

// Close drains every task, including any scheduled by the tasks themselves,
// after which Schedule returns ErrClosed. Returns the number of tasks run.
func (x *Queue) Close(L *lua.LState) int {
	var count int
	for {
		count += x.Drain(L, 0)
		x.mu.Lock()
		if x.tasks.len() == 0 {
			x.closed = true
			x.mu.Unlock()
			return count
		}
		x.mu.Unlock()
	}
}

func (x *Queue) pop() (Task, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	task, ok := x.tasks.pop()
	if ok {
		x.pending.Add(-1)
	}
	return task, ok
}

// run executes a task with panic recovery. Panics wrapping ErrInvariant
// are re-raised, as they indicate the interpreter heap may be corrupt.
func (x *Queue) run(L *lua.LState, task Task) {
	defer func() {
		if r := recover(); r != nil {
			if isInvariantViolation(r) {
				panic(r)
			}
			x.logger.Err().
				Str(`category`, categoryQueue).
				Err(panicError(r)).
				Log(`deferred task panicked`)
		}
	}()
	task(L)
}

// panicError converts a recovered value to an error, unwrapping Lua errors
// raised outside a protected call.
func panicError(r any) error {
	switch v := r.(type) {
	case *lua.ApiError:
		return wrapLuaError(v)
	case error:
		return v
	default:
		return fmt.Errorf("luabridge: panic: %v", v)
	}
}
