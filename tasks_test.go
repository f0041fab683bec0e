// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func TestRuntime_Spawn_maxWorkers(t *testing.T) {
	rt, _ := openTestRuntime(t, WithMaxWorkers(2))

	var running, peak atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 5; i++ {
		require.NoError(t, rt.Spawn(func(context.Context) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
		}))
	}

	require.Equal(t, 5, rt.Stats().ActiveTasks)
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(2), running.Load())

	close(release)
	require.Eventually(t, func() bool { return rt.Stats().ActiveTasks == 0 }, time.Second, time.Millisecond)
	require.Equal(t, int32(2), peak.Load())
}

func TestRuntime_Spawn_accessesInterpreter(t *testing.T) {
	rt, L := openTestRuntime(t)

	done := make(chan error, 1)
	require.NoError(t, rt.Spawn(func(ctx context.Context) {
		done <- rt.WithContext(ctx, func(L *lua.LState) error {
			return L.DoString(`from_background = 42`)
		})
	}))

	tickUntil(t, rt, func() bool {
		select {
		case err := <-done:
			require.NoError(t, err)
			return true
		default:
			return false
		}
	})
	require.Equal(t, lua.LNumber(42), L.GetGlobal(`from_background`))
}

func TestRuntime_Close_waitsForTasks(t *testing.T) {
	rt, _ := openTestRuntime(t)

	var finished atomic.Bool
	started := make(chan struct{})
	require.NoError(t, rt.Spawn(func(context.Context) {
		close(started)
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
	}))
	<-started

	require.NoError(t, rt.Close())
	require.True(t, finished.Load())
	require.Equal(t, 0, rt.Stats().ActiveTasks)
}

func TestRuntime_Close_shutdownTimeout(t *testing.T) {
	var buf syncBuffer
	rt, _ := openTestRuntime(t,
		WithShutdownTimeout(50*time.Millisecond),
		WithLogger(newTestLogger(&buf, logiface.LevelWarning)),
	)

	cancelled := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, rt.Spawn(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}))
	<-started

	start := time.Now()
	require.NoError(t, rt.Close())
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context not cancelled")
	}
	require.True(t, strings.Contains(buf.String(), `shutdown timeout`), buf.String())
}

func TestRuntime_SpawnUntracked(t *testing.T) {
	rt, _ := openTestRuntime(t, WithShutdownTimeout(10*time.Second))

	cancelled := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, rt.SpawnUntracked(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}))
	<-started

	start := time.Now()
	require.NoError(t, rt.Close())
	require.Less(t, time.Since(start), 5*time.Second)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context not cancelled")
	}
}

func TestRuntime_Spawn_queuedTaskDroppedOnClose(t *testing.T) {
	rt, _ := openTestRuntime(t, WithMaxWorkers(1), WithShutdownTimeout(20*time.Millisecond))

	started := make(chan struct{})
	require.NoError(t, rt.SpawnUntracked(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}))
	<-started

	var ran atomic.Bool
	require.NoError(t, rt.SpawnUntracked(func(context.Context) { ran.Store(true) }))

	require.NoError(t, rt.Close())
	require.Eventually(t, func() bool { return rt.Stats().ActiveTasks == 0 }, time.Second, time.Millisecond)
	require.False(t, ran.Load())
}

func TestRuntime_Spawn_recoversPanics(t *testing.T) {
	var buf syncBuffer
	rt, _ := openTestRuntime(t, WithLogger(newTestLogger(&buf, logiface.LevelError)))

	require.NoError(t, rt.Spawn(func(context.Context) { panic("background failure") }))
	require.Eventually(t, func() bool { return rt.Stats().ActiveTasks == 0 }, time.Second, time.Millisecond)
	require.True(t, strings.Contains(buf.String(), `background failure`), buf.String())
}

func TestRuntime_Spawn_afterClose(t *testing.T) {
	rt, _ := openTestRuntime(t)
	require.NoError(t, rt.Close())
	require.ErrorIs(t, rt.Spawn(func(context.Context) {}), ErrClosed)
	require.ErrorIs(t, rt.SpawnUntracked(func(context.Context) {}), ErrClosed)
	require.Panics(t, func() { _ = rt.Spawn(nil) })
}
