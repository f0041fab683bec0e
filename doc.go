// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package luabridge lets Go code safely share a single-threaded, embedded Lua
// interpreter (gopher-lua) between many goroutines.
//
// # Architecture
//
// A [Runtime] owns one interpreter, and is opened on the goroutine that
// drives it (the main goroutine), which holds the interpreter [Lock] until
// [Runtime.Close], except while yielding at the end of each [Runtime.Tick].
// It is built from four parts:
//
//   - [Lock] is a reentrant, cross-goroutine lock, serializing access to the
//     interpreter. [Guard.Yield] hands the lock directly to the longest
//     waiting goroutine.
//   - [SlotPool] allocates slots on the stack of an auxiliary Lua thread,
//     which serves purely as storage for values held by Go.
//   - [Ref] is a handle to a value stored in a slot. Refs may be cloned and
//     released from any goroutine, the slot being reclaimed once the last
//     owner is released (or garbage collected).
//   - [Queue] carries tasks from any goroutine back to the main goroutine,
//     where they run during the next tick, within a time budget.
//
// Setup and teardown is organised as an ordered set of [Module] values,
// which may be extended with [WithModules]. [LibModule] exposes the runtime
// to scripts.
//
// # Thread Safety
//
//   - [Runtime.Schedule], [Runtime.OnTick], [Runtime.Spawn], [Ref.Clone],
//     and [Ref.Release] are safe to call from any goroutine, and never block
//   - [Runtime.Acquire] and [Runtime.With] block until the main goroutine
//     yields
//   - [Ref.Value], [Ref.Push], [Runtime.NewRef], and every [Coroutine]
//     method require the interpreter lock
//
// Violations of the package's own invariants (e.g. a slot released twice,
// or a lock released by a goroutine that doesn't own it) panic with an error
// wrapping [ErrInvariant].
package luabridge
