// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"
	"golang.org/x/sync/semaphore"
)

// BackgroundTask is work run on a background goroutine. The context is
// cancelled once the runtime's shutdown timeout has elapsed. To access the
// interpreter, use Runtime.Acquire (or With), or Runtime.Schedule.
type BackgroundTask func(ctx context.Context)

// taskTracker runs background tasks, limited to a maximum number running
// concurrently. Tracked tasks are waited for on close.
type taskTracker struct { // betteralign:ignore
	mu      sync.Mutex
	wg      sync.WaitGroup
	sem     *semaphore.Weighted
	ctx     context.Context
	cancel  context.CancelFunc
	open    bool
	active  atomic.Int64
	spawned atomic.Int64
}

func newTaskTracker(maxWorkers int64) *taskTracker {
	return &taskTracker{
		sem: semaphore.NewWeighted(maxWorkers),
	}
}

// Spawn runs task on a background goroutine, once a worker is available.
// Close waits (up to the shutdown timeout) for spawned tasks to finish.
func (x *Runtime) Spawn(task BackgroundTask) error {
	return x.spawn(task, true)
}

// SpawnUntracked is like Spawn, but Close doesn't wait for the task. Its
// context is still cancelled on close.
func (x *Runtime) SpawnUntracked(task BackgroundTask) error {
	return x.spawn(task, false)
}

func (x *Runtime) spawn(task BackgroundTask, tracked bool) error {
	if task == nil {
		panic(`luabridge: nil background task`)
	}
	if runtimeState(x.state.Load()) == stateNew {
		return ErrNotOpen
	}

	t := x.tasks
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return ErrClosed
	}
	ctx := t.ctx
	if tracked {
		t.wg.Add(1)
	}
	t.mu.Unlock()

	t.spawned.Add(1)
	t.active.Add(1)

	go func() {
		if tracked {
			defer t.wg.Done()
		}
		defer t.active.Add(-1)
		if err := t.sem.Acquire(ctx, 1); err != nil {
			x.logger.Debug().
				Str(`category`, categoryTasks).
				Err(err).
				Log(`background task dropped before starting`)
			return
		}
		defer t.sem.Release(1)
		x.runBackground(ctx, task)
	}()

	return nil
}

func (x *Runtime) runBackground(ctx context.Context, task BackgroundTask) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Err().
				Str(`category`, categoryTasks).
				Err(panicError(r)).
				Log(`background task panicked`)
		}
	}()
	task(ctx)
}

// Active returns the number of background tasks spawned but not yet
// finished, including those waiting for a worker.
func (x *taskTracker) Active() int {
	return int(x.active.Load())
}

func (x *taskTracker) start() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ctx, x.cancel = context.WithCancel(context.Background())
	x.open = true
}

// stop closes intake, and waits up to timeout for tracked tasks, before
// cancelling every task's context. Returns false on timeout.
func (x *taskTracker) stop(timeout time.Duration) bool {
	x.mu.Lock()
	if !x.open {
		x.mu.Unlock()
		return true
	}
	x.open = false
	cancel := x.cancel
	x.mu.Unlock()

	defer cancel()

	done := make(chan struct{})
	go func() {
		x.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func openTasksModule(x *Runtime, L *lua.LState) error {
	x.tasks.start()
	return nil
}

// closeTasksModule suspends the main goroutine's hold on the interpreter
// lock while waiting, so that tasks blocked acquiring it observe ErrClosed.
func closeTasksModule(x *Runtime, L *lua.LState) {
	start := time.Now()
	depth := x.lock.suspend()
	ok := x.tasks.stop(x.opts.shutdownTimeout)
	x.lock.resume(depth)

	if !ok {
		x.logger.Warning().
			Str(`category`, categoryTasks).
			Dur(`timeout`, x.opts.shutdownTimeout).
			Int(`active`, x.tasks.Active()).
			Log(`background tasks did not finish before the shutdown timeout`)
		return
	}
	x.logger.Debug().
		Str(`category`, categoryTasks).
		Int64(`spawned`, x.tasks.spawned.Load()).
		Dur(`elapsed`, time.Since(start)).
		Log(`background tasks finished`)
}
