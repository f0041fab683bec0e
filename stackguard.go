// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	lua "github.com/yuin/gopher-lua"
)

// StackGuard records the stack size of a Lua state, and on Close, trims any
// values left above it. A stack that is *smaller* than recorded means some
// code popped values it didn't own, which is an invariant violation.
//
//	defer luabridge.NewStackGuard(L).Close()
type StackGuard struct {
	L   *lua.LState
	top int
}

// NewStackGuard records the current stack size of L.
func NewStackGuard(L *lua.LState) *StackGuard {
	return &StackGuard{L: L, top: L.GetTop()}
}

// Keep extends the expected stack size by n values, e.g. return values.
func (x *StackGuard) Keep(n int) {
	x.top += n
}

// Top returns the expected stack size.
func (x *StackGuard) Top() int {
	return x.top
}

// Close restores the expected stack size.
func (x *StackGuard) Close() {
	top := x.L.GetTop()
	if top < x.top {
		invariantf("%d too many stack values popped", x.top-top)
	}
	if top > x.top {
		x.L.SetTop(x.top)
	}
}
