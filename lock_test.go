// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// requireInvariantPanic asserts that fn panics with an ErrInvariant error.
func requireInvariantPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		require.NotNil(t, r, "expected panic")
		err, ok := r.(error)
		require.True(t, ok, "expected error panic, got %T: %v", r, r)
		require.ErrorIs(t, err, ErrInvariant)
	}()
	fn()
}

func TestLock_reentrantNestingBlocksOthers(t *testing.T) {
	lock := NewLock()

	outer := lock.Acquire()
	inner := lock.Acquire()
	require.True(t, lock.Held())
	require.Equal(t, 2, lock.Depth())

	acquired := make(chan struct{})
	go func() {
		g := lock.Acquire()
		close(acquired)
		g.Release()
	}()

	require.Eventually(t, func() bool { return lock.Waiters() == 1 }, time.Second, time.Millisecond)

	inner.Release()
	require.Equal(t, 1, lock.Depth())
	select {
	case <-acquired:
		t.Fatal("acquired while the outer guard was held")
	case <-time.After(20 * time.Millisecond):
	}

	outer.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("not acquired after both releases")
	}
	require.Eventually(t, func() bool { return lock.Depth() == 0 }, time.Second, time.Millisecond)
}

func TestLock_nestedOperationsRequiringLock(t *testing.T) {
	lock := NewLock()
	g1 := lock.Acquire()
	g2 := lock.Acquire()
	// checkOwner is what every lock-requiring operation uses
	require.NotPanics(t, func() { lock.checkOwner("test") })
	g2.Release()
	require.NotPanics(t, func() { lock.checkOwner("test") })
	g1.Release()
	requireInvariantPanic(t, func() { lock.checkOwner("test") })
}

func TestGuard_Yield_fairness(t *testing.T) {
	lock := NewLock()
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	bAcquired := make(chan struct{})
	lock.testHooks = &lockTestHooks{
		PreYield: func() { <-bAcquired },
	}

	a := lock.Acquire()

	done := make(chan struct{})
	go func() {
		defer close(done)
		g := lock.Acquire()
		record("B")
		close(bAcquired)
		g.Release()
	}()

	require.Eventually(t, func() bool { return lock.Waiters() == 1 }, time.Second, time.Millisecond)

	require.True(t, a.Yield())
	record("A")
	require.True(t, lock.Held())
	require.Equal(t, 1, lock.Depth())

	// no waiters, so the next yield is a no-op
	<-done
	require.False(t, a.Yield())
	a.Release()

	require.Equal(t, []string{"B", "A"}, order)
}

func TestGuard_Yield_nestedIsNoop(t *testing.T) {
	lock := NewLock()
	outer := lock.Acquire()
	inner := lock.Acquire()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	waiting := make(chan error, 1)
	go func() {
		g, err := lock.AcquireContext(ctx)
		if err == nil {
			g.Release()
		}
		waiting <- err
	}()
	require.Eventually(t, func() bool { return lock.Waiters() == 1 }, time.Second, time.Millisecond)

	require.False(t, inner.Yield())
	require.False(t, outer.Yield())
	require.Equal(t, 2, lock.Depth())

	cancel()
	require.ErrorIs(t, <-waiting, context.Canceled)
	require.Equal(t, 0, lock.Waiters())

	inner.Release()
	outer.Release()
}

func TestLock_TryAcquire(t *testing.T) {
	lock := NewLock()
	g, ok := lock.TryAcquire()
	require.True(t, ok)

	// reentrant
	g2, ok := lock.TryAcquire()
	require.True(t, ok)
	g2.Release()

	result := make(chan bool)
	go func() {
		_, ok := lock.TryAcquire()
		result <- ok
	}()
	require.False(t, <-result)

	g.Release()
	go func() {
		g, ok := lock.TryAcquire()
		if ok {
			g.Release()
		}
		result <- ok
	}()
	require.True(t, <-result)
}

func TestLock_AcquireContext_cancelledBeforeCall(t *testing.T) {
	lock := NewLock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g, err := lock.AcquireContext(ctx)
	require.Nil(t, g)
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, 0, lock.Depth())
}

func TestLock_AcquireContext_waitsForRelease(t *testing.T) {
	lock := NewLock()
	g := lock.Acquire()

	var preWait sync.Once
	waiting := make(chan struct{})
	lock.testHooks = &lockTestHooks{PreWait: func() { preWait.Do(func() { close(waiting) }) }}

	result := make(chan error, 1)
	go func() {
		g, err := lock.AcquireContext(context.Background())
		if err == nil {
			g.Release()
		}
		result <- err
	}()

	<-waiting
	g.Release()
	require.NoError(t, <-result)
}

func TestGuard_Release_misuse(t *testing.T) {
	t.Run("double release", func(t *testing.T) {
		lock := NewLock()
		g := lock.Acquire()
		g.Release()
		requireInvariantPanic(t, g.Release)
	})

	t.Run("non-owner release", func(t *testing.T) {
		lock := NewLock()
		g := lock.Acquire()
		defer g.Release()
		result := make(chan any, 1)
		go func() {
			defer func() { result <- recover() }()
			g.Release()
		}()
		r := <-result
		err, ok := r.(error)
		require.True(t, ok)
		require.ErrorIs(t, err, ErrInvariant)
		require.Equal(t, 1, lock.Depth())
	})

	t.Run("yield after release", func(t *testing.T) {
		lock := NewLock()
		g := lock.Acquire()
		g.Release()
		requireInvariantPanic(t, func() { g.Yield() })
	})
}

func TestLock_suspendResume(t *testing.T) {
	lock := NewLock()
	g1 := lock.Acquire()
	g2 := lock.Acquire()

	depth := lock.suspend()
	require.Equal(t, 2, depth)
	require.False(t, lock.Held())

	other := make(chan struct{})
	go func() {
		g := lock.Acquire()
		g.Release()
		close(other)
	}()
	<-other

	lock.resume(depth)
	require.True(t, lock.Held())
	require.Equal(t, 2, lock.Depth())
	g2.Release()
	g1.Release()
	require.Equal(t, 0, lock.Depth())
}
