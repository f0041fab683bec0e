// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"testing"

	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func TestStackGuard(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	L.Push(lua.LString("owned by caller"))

	g := NewStackGuard(L)
	require.Equal(t, 1, g.Top())
	L.Push(lua.LNumber(1))
	L.Push(lua.LNumber(2))
	L.Push(lua.LNumber(3))
	g.Keep(1)
	g.Close()

	require.Equal(t, 2, L.GetTop())
	require.Equal(t, lua.LNumber(1), L.Get(-1))
	require.Equal(t, lua.LString("owned by caller"), L.Get(1))

	// idempotent once balanced
	g.Close()
	require.Equal(t, 2, L.GetTop())
}

func TestStackGuard_overPopped(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	L.Push(lua.LTrue)
	g := NewStackGuard(L)
	L.Pop(1)
	requireInvariantPanic(t, g.Close)
}
