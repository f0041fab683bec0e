// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge_test

import (
	"context"
	"fmt"

	"github.com/joeycumines/go-luabridge"
	lua "github.com/yuin/gopher-lua"
)

// Example_basicUsage demonstrates a host loop, with values handed to the
// interpreter from a background goroutine.
//
// The main goroutine opens the runtime, and ticks it. Background goroutines
// either acquire the interpreter (blocking until the next tick yields), or
// schedule work to run during a tick.
func Example_basicUsage() {
	L := lua.NewState()
	defer L.Close()

	rt, err := luabridge.New()
	if err != nil {
		panic(err)
	}
	if err := rt.Open(L); err != nil {
		panic(err)
	}
	defer rt.Close()

	// hold a reference to a Lua function, usable from any goroutine
	if err := L.DoString(`function greet(name) print("hello, " .. name) end`); err != nil {
		panic(err)
	}
	L.Push(L.GetGlobal(`greet`))
	greet, err := rt.PopRef(L)
	if err != nil {
		panic(err)
	}

	done := make(chan struct{})
	if err := rt.Spawn(func(ctx context.Context) {
		defer close(done)
		defer greet.Release()
		_ = rt.WithContext(ctx, func(L *lua.LState) error {
			greet.Push(L)
			L.Push(lua.LString("from a background goroutine"))
			return L.PCall(1, 0, nil)
		})
		_ = rt.Schedule(func(L *lua.LState) {
			fmt.Println("scheduled task ran on the main goroutine")
		})
	}); err != nil {
		panic(err)
	}

	for {
		if err := rt.Tick(); err != nil {
			panic(err)
		}
		select {
		case <-done:
		default:
			continue
		}
		break
	}
	_ = rt.Tick()

	//output:
	//hello, from a background goroutine
	//scheduled task ran on the main goroutine
}

// ExampleRuntime_Schedule demonstrates deferring work to the next tick.
func ExampleRuntime_Schedule() {
	L := lua.NewState()
	defer L.Close()

	rt, _ := luabridge.New(luabridge.WithModules(luabridge.LibModule()))
	_ = rt.Open(L)
	defer rt.Close()

	_ = L.DoString(`
		bridge.defer(function() print("deferred") end)
		print("immediate")
	`)
	_ = rt.Tick()

	//output:
	//immediate
	//deferred
}
