// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrNotOpen is returned when the interpreter is accessed before Runtime.Open.
	ErrNotOpen = errors.New("luabridge: runtime is not open")

	// ErrAlreadyOpen is returned when Runtime.Open is called more than once.
	ErrAlreadyOpen = errors.New("luabridge: runtime is already open")

	// ErrClosed is returned when the interpreter has been (or is being) torn
	// down. Callers must drop the work they were attempting.
	ErrClosed = errors.New("luabridge: runtime is closed")

	// ErrUnavailable is returned by non-blocking acquisition attempts when
	// another goroutine currently owns the interpreter.
	ErrUnavailable = errors.New("luabridge: interpreter is currently unavailable")

	// ErrDuplicateModule is returned when two modules share an ID.
	ErrDuplicateModule = errors.New("luabridge: duplicate module id")

	// ErrCoroutineUnresumable is returned when resuming a coroutine that is
	// running, finished, or failed.
	ErrCoroutineUnresumable = errors.New("luabridge: coroutine is not resumable")

	// ErrCoroutineNotResettable is returned when resetting a coroutine that
	// is running or suspended.
	ErrCoroutineNotResettable = errors.New("luabridge: coroutine cannot be reset")

	// ErrInvariant is wrapped by the value of every panic raised because the
	// core's own contract was broken (slot double free, stack imbalance,
	// releasing without owning the lock). It is never returned as an error.
	ErrInvariant = errors.New("luabridge: invariant violation")
)

// invariantf panics with an error wrapping ErrInvariant.
func invariantf(format string, args ...any) {
	panic(fmt.Errorf("%w: "+format, append([]any{ErrInvariant}, args...)...))
}

// isInvariantViolation reports whether a recovered panic value wraps
// ErrInvariant.
func isInvariantViolation(r any) bool {
	err, ok := r.(error)
	return ok && errors.Is(err, ErrInvariant)
}
