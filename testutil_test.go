// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

// syncBuffer is a bytes.Buffer safe for concurrent writes, used to capture
// logs written from background goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func newTestLogger(w *syncBuffer, level logiface.Level) *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(level),
	).Logger()
}

// openTestRuntime returns an open runtime, closed (on the test goroutine)
// by cleanup, if still open.
func openTestRuntime(t *testing.T, opts ...RuntimeOption) (*Runtime, *lua.LState) {
	t.Helper()
	L := lua.NewState()
	rt, err := New(append([]RuntimeOption{WithShutdownTimeout(time.Second)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, rt.Open(L))
	t.Cleanup(func() {
		if rt.IsOpen() {
			require.NoError(t, rt.Close())
		}
		L.Close()
	})
	return rt, L
}

// tickUntil ticks rt until cond returns true, failing the test on timeout.
func tickUntil(t *testing.T, rt *Runtime, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		require.NoError(t, rt.Tick())
		time.Sleep(time.Millisecond)
	}
}
