// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"context"
	"sync/atomic"

	"github.com/joeycumines/go-luabridge/internal/goroutineid"
)

// lockTestHooks provides injection points for deterministic race testing.
type lockTestHooks struct {
	PreWait   func() // Called after registering as a waiter, before blocking
	PreYield  func() // Called after releasing in Yield, before re-acquiring
	PostYield func() // Called after Yield has restored ownership
}

// Lock is a reentrant, cross-goroutine mutual exclusion lock, guarding the
// interpreter. The goroutine that holds it may acquire it again without
// blocking; every acquisition must be paired with a Guard.Release.
//
// The underlying primitive is a 1-buffered channel. Releasing while another
// goroutine is blocked acquiring hands the lock directly to the longest
// waiting goroutine, which is what gives Guard.Yield its fairness.
type Lock struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	testHooks *lockTestHooks

	sem     chan struct{}
	owner   atomic.Uint64
	depth   atomic.Int32
	waiters atomic.Int32
}

// Guard represents one (possibly nested) acquisition of a Lock.
// It must be released by the goroutine that acquired it.
type Guard struct {
	lock     *Lock
	released bool
}

// NewLock returns an unlocked Lock.
func NewLock() *Lock {
	return &Lock{sem: make(chan struct{}, 1)}
}

// Acquire blocks until the calling goroutine owns the lock. If it already
// does, the depth is incremented and Acquire returns immediately.
func (x *Lock) Acquire() *Guard {
	gid := goroutineid.Get()
	if g := x.reenter(gid); g != nil {
		return g
	}
	x.waiters.Add(1)
	if x.testHooks != nil && x.testHooks.PreWait != nil {
		x.testHooks.PreWait()
	}
	x.sem <- struct{}{}
	x.waiters.Add(-1)
	return x.own(gid)
}

// AcquireContext is like Acquire, but gives up if ctx is done before the
// lock could be obtained. Giving up does not affect the lock's state.
func (x *Lock) AcquireContext(ctx context.Context) (*Guard, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gid := goroutineid.Get()
	if g := x.reenter(gid); g != nil {
		return g, nil
	}
	select {
	case x.sem <- struct{}{}:
		return x.own(gid), nil
	default:
	}
	x.waiters.Add(1)
	if x.testHooks != nil && x.testHooks.PreWait != nil {
		x.testHooks.PreWait()
	}
	select {
	case x.sem <- struct{}{}:
		x.waiters.Add(-1)
		return x.own(gid), nil
	case <-ctx.Done():
		x.waiters.Add(-1)
		return nil, ctx.Err()
	}
}

// TryAcquire acquires the lock only if that is possible without blocking.
func (x *Lock) TryAcquire() (*Guard, bool) {
	gid := goroutineid.Get()
	if g := x.reenter(gid); g != nil {
		return g, true
	}
	select {
	case x.sem <- struct{}{}:
		return x.own(gid), true
	default:
		return nil, false
	}
}

// Held reports whether the calling goroutine currently owns the lock.
func (x *Lock) Held() bool {
	return x.owner.Load() == goroutineid.Get()
}

// Depth returns the current recursion depth, or 0 if the lock is not held.
func (x *Lock) Depth() int {
	return int(x.depth.Load())
}

// Waiters returns the number of goroutines blocked acquiring the lock.
func (x *Lock) Waiters() int {
	return int(x.waiters.Load())
}

func (x *Lock) reenter(gid uint64) *Guard {
	if x.owner.Load() != gid {
		return nil
	}
	x.depth.Add(1)
	return &Guard{lock: x}
}

func (x *Lock) own(gid uint64) *Guard {
	x.owner.Store(gid)
	x.depth.Store(1)
	return &Guard{lock: x}
}

// checkOwner panics unless the calling goroutine owns the lock, returning
// its id otherwise.
func (x *Lock) checkOwner(op string) uint64 {
	gid := goroutineid.Get()
	if owner := x.owner.Load(); owner != gid {
		invariantf("%s by goroutine %d, lock owned by goroutine %d", op, gid, owner)
	}
	return gid
}

// suspend fully releases the lock, regardless of depth, returning the depth
// to pass to resume. Must be called by the owner.
func (x *Lock) suspend() int {
	x.checkOwner("suspend")
	depth := int(x.depth.Load())
	x.owner.Store(0)
	x.depth.Store(0)
	<-x.sem
	return depth
}

// resume re-acquires the lock after suspend, restoring the depth.
func (x *Lock) resume(depth int) {
	gid := goroutineid.Get()
	x.sem <- struct{}{}
	x.owner.Store(gid)
	x.depth.Store(int32(depth))
}

// Release releases this acquisition. The underlying lock is released once
// the depth drops to zero.
func (x *Guard) Release() {
	if x.released {
		invariantf("lock guard released twice")
	}
	l := x.lock
	l.checkOwner("release")
	x.released = true
	if l.depth.Add(-1) == 0 {
		l.owner.Store(0)
		<-l.sem
	}
}

// Yield gives waiting goroutines a chance to run. If the guard is the only
// acquisition (depth 1) and at least one goroutine is waiting, the lock is
// handed to the longest waiting goroutine, then re-acquired before
// returning, with ownership restored. Returns true if the lock was yielded.
//
// Nested acquisitions never yield, as the caller may rely on the interpreter
// state not changing underneath it.
func (x *Guard) Yield() bool {
	if x.released {
		invariantf("yield on a released lock guard")
	}
	l := x.lock
	gid := l.checkOwner("yield")
	if l.depth.Load() != 1 || l.waiters.Load() == 0 {
		return false
	}

	l.owner.Store(0)
	l.depth.Store(0)
	<-l.sem

	if l.testHooks != nil && l.testHooks.PreYield != nil {
		l.testHooks.PreYield()
	}

	l.sem <- struct{}{}
	l.owner.Store(gid)
	l.depth.Store(1)

	if l.testHooks != nil && l.testHooks.PostYield != nil {
		l.testHooks.PostYield()
	}

	return true
}
