// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	lua "github.com/yuin/gopher-lua"
)

// Module is a unit of setup and teardown, run against the main Lua state
// when the runtime opens and closes. Modules open in ascending (Priority, ID)
// order, and close in the reverse order.
//
// The built-in modules use priorities 0 through 3, see the Module* ID
// constants. Modules that use the runtime's facilities from Open should use a
// higher priority.
type Module struct {
	// Open is called with the interpreter lock held, and may be nil. Any
	// values it leaves on the stack are discarded.
	Open func(x *Runtime, L *lua.LState) error

	// Close is called with the interpreter lock held, and may be nil.
	Close func(x *Runtime, L *lua.LState)

	ID       string
	Priority int
}

// IDs of the built-in modules.
const (
	ModuleReference = `lua/reference`
	ModuleTicks     = `ticks`
	ModuleNextTick  = `next_tick`
	ModuleTasks     = `tasks`
)

// registry is the validated, ordered set of modules for a runtime.
type registry struct {
	modules []Module
	// opened is the number of modules (a prefix of modules) that are open
	opened int
}

func newRegistry(modules []Module) (*registry, error) {
	seen := make(map[string]struct{}, len(modules))
	for _, m := range modules {
		if m.ID == `` {
			return nil, errors.New("luabridge: module id must not be empty")
		}
		if _, ok := seen[m.ID]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateModule, m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	modules = slices.Clone(modules)
	slices.SortFunc(modules, func(a, b Module) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return &registry{modules: modules}, nil
}

// IDs returns the module IDs, in open order.
func (x *registry) IDs() []string {
	ids := make([]string, len(x.modules))
	for i, m := range x.modules {
		ids[i] = m.ID
	}
	return ids
}

// open opens every module in order, stopping at the first failure. The
// modules already opened are left for the caller to close.
func (x *registry) open(rt *Runtime, L *lua.LState) error {
	for i := range x.modules {
		m := &x.modules[i]
		if m.Open != nil {
			if err := x.openModule(rt, L, m); err != nil {
				rt.logger.Err().
					Str(`category`, categoryLifecycle).
					Str(`module`, m.ID).
					Err(err).
					Log(`module failed to open, rolling back`)
				return fmt.Errorf("luabridge: open module %q: %w", m.ID, wrapLuaError(err))
			}
		}
		x.opened = i + 1
		rt.logger.Debug().
			Str(`category`, categoryLifecycle).
			Str(`module`, m.ID).
			Int(`priority`, m.Priority).
			Log(`opened module`)
	}
	return nil
}

func (x *registry) openModule(rt *Runtime, L *lua.LState, m *Module) error {
	defer NewStackGuard(L).Close()
	return m.Open(rt, L)
}

// close closes every open module, in reverse order. Panics other than
// invariant violations are logged, and don't prevent the remaining modules
// from closing.
func (x *registry) close(rt *Runtime, L *lua.LState) {
	for x.opened > 0 {
		x.opened--
		m := &x.modules[x.opened]
		if m.Close != nil {
			x.closeModule(rt, L, m)
		}
		rt.logger.Debug().
			Str(`category`, categoryLifecycle).
			Str(`module`, m.ID).
			Log(`closed module`)
	}
}

func (x *registry) closeModule(rt *Runtime, L *lua.LState, m *Module) {
	defer func() {
		if r := recover(); r != nil {
			if isInvariantViolation(r) {
				panic(r)
			}
			rt.logger.Err().
				Str(`category`, categoryLifecycle).
				Str(`module`, m.ID).
				Err(panicError(r)).
				Log(`module panicked while closing`)
		}
	}()
	defer NewStackGuard(L).Close()
	m.Close(rt, L)
}
