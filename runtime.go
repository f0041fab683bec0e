// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
)

type runtimeState int32

const (
	stateNew runtimeState = iota
	stateOpening
	stateOpen
	stateClosing
	stateClosed
)

func (s runtimeState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateOpening:
		return "opening"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Runtime owns the bridge between Go and a single Lua interpreter: the
// interpreter lock, value references, the deferred task queue, tick hooks,
// and background tasks.
//
// A Runtime has a one-shot lifecycle. Open is called on the goroutine that
// drives the interpreter (the main goroutine), which then holds the lock
// between ticks, until Close. Other goroutines access the interpreter by
// acquiring the lock, which the main goroutine yields at the end of each
// Tick.
type Runtime struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	id       string
	opts     *runtimeOptions
	logger   *Logger
	warn     *warnLimiter
	lock     *Lock
	queue    *Queue
	registry *registry
	hooks    tickHooks
	tasks    *taskTracker
	metrics  *runtimeMetrics

	state atomic.Int32

	// the following are set by Open, or the built-in modules, and are only
	// accessed with the lock held
	L         *lua.LState
	aux       *lua.LState
	auxCancel context.CancelFunc
	mainGuard *Guard
	tickRate  float64
	budget    time.Duration

	pool atomic.Pointer[SlotPool]
}

// StateGuard is an acquisition of the interpreter lock, providing the main
// Lua state. It must be released by the goroutine that acquired it.
type StateGuard struct {
	*Guard
	L *lua.LState
}

// Stats is a point-in-time snapshot of a Runtime.
type Stats struct {
	State        string
	Slots        SlotStats
	PendingTasks int
	TickHooks    int
	ActiveTasks  int
	LockWaiters  int
}

// New returns a Runtime that must be opened before use.
func New(opts ...RuntimeOption) (*Runtime, error) {
	cfg, err := resolveRuntimeOptions(opts)
	if err != nil {
		return nil, err
	}

	x := &Runtime{
		id:   uuid.NewString(),
		opts: cfg,
		lock: NewLock(),
	}

	x.logger = cfg.logger.Clone().Str(`runtime`, x.id).Logger()
	x.warn = newWarnLimiter(cfg.warningRates)

	x.queue = NewQueue(x.logger)
	x.queue.warn = x.warn

	x.tasks = newTaskTracker(cfg.maxWorkers)

	if cfg.metricsEnabled {
		x.metrics = newRuntimeMetrics()
	}

	modules := append(builtinModules(), cfg.modules...)
	if x.registry, err = newRegistry(modules); err != nil {
		return nil, err
	}

	return x, nil
}

func builtinModules() []Module {
	return []Module{
		{ID: ModuleReference, Priority: 0, Open: openReferenceModule, Close: closeReferenceModule},
		{ID: ModuleTicks, Priority: 1, Open: openTicksModule, Close: closeTicksModule},
		{ID: ModuleNextTick, Priority: 2, Close: closeNextTickModule},
		{ID: ModuleTasks, Priority: 3, Open: openTasksModule, Close: closeTasksModule},
	}
}

// ID returns the unique identifier of this runtime, included in its logs.
func (x *Runtime) ID() string {
	return x.id
}

// Modules returns the IDs of the registered modules, in open order.
func (x *Runtime) Modules() []string {
	return x.registry.IDs()
}

// Open attaches the runtime to L, and opens every module. The calling
// goroutine becomes the main goroutine, and holds the interpreter lock from
// now until Close, except while yielding during Tick.
//
// If a module fails to open, the runtime is closed, and can't be reopened.
func (x *Runtime) Open(L *lua.LState) error {
	if L == nil {
		panic(`luabridge: nil lua state`)
	}
	if !x.state.CompareAndSwap(int32(stateNew), int32(stateOpening)) {
		switch runtimeState(x.state.Load()) {
		case stateOpening, stateOpen:
			return ErrAlreadyOpen
		default:
			return ErrClosed
		}
	}

	x.mainGuard = x.lock.Acquire()
	x.L = L

	x.logger.Debug().
		Str(`category`, categoryLifecycle).
		Log(`opening runtime`)

	if err := x.registry.open(x, L); err != nil {
		// modules already opened may have started tasks, which must not
		// acquire the interpreter during rollback
		x.state.Store(int32(stateClosing))
		x.registry.close(x, L)
		x.state.Store(int32(stateClosed))
		x.mainGuard.Release()
		x.mainGuard = nil
		return err
	}

	x.state.Store(int32(stateOpen))

	x.logger.Info().
		Str(`category`, categoryLifecycle).
		Float64(`tick_rate`, x.tickRate).
		Dur(`drain_budget`, x.budget).
		Log(`runtime open`)

	return nil
}

// Close closes every module in reverse order, which waits for background
// tasks, drains the deferred queue, and releases every slot. It must be
// called by the main goroutine.
func (x *Runtime) Close() error {
	switch runtimeState(x.state.Load()) {
	case stateNew:
		return ErrNotOpen
	case stateOpen:
	default:
		return ErrClosed
	}
	x.lock.checkOwner("close")
	if !x.state.CompareAndSwap(int32(stateOpen), int32(stateClosing)) {
		return ErrClosed
	}

	x.logger.Debug().
		Str(`category`, categoryLifecycle).
		Log(`closing runtime`)

	x.registry.close(x, x.L)

	x.state.Store(int32(stateClosed))
	x.mainGuard.Release()
	x.mainGuard = nil

	x.logger.Info().
		Str(`category`, categoryLifecycle).
		Log(`runtime closed`)

	return nil
}

// IsOpen reports whether the runtime is open, and not closing.
func (x *Runtime) IsOpen() bool {
	return runtimeState(x.state.Load()) == stateOpen
}

// TickRate returns the host tick rate in Hz, as configured or detected.
func (x *Runtime) TickRate() float64 {
	return x.tickRate
}

// Acquire blocks until the calling goroutine holds the interpreter lock.
// It is reentrant. ErrClosed is returned if the runtime began closing before
// the lock was obtained.
func (x *Runtime) Acquire() (*StateGuard, error) {
	if err := x.checkAccess(); err != nil {
		return nil, err
	}
	return x.guard(x.lock.Acquire())
}

// AcquireContext is like Acquire, but gives up with ctx.Err() if ctx is
// done first.
func (x *Runtime) AcquireContext(ctx context.Context) (*StateGuard, error) {
	if err := x.checkAccess(); err != nil {
		return nil, err
	}
	g, err := x.lock.AcquireContext(ctx)
	if err != nil {
		return nil, err
	}
	return x.guard(g)
}

// TryAcquire acquires the interpreter lock only if possible without
// blocking, returning ErrUnavailable otherwise.
func (x *Runtime) TryAcquire() (*StateGuard, error) {
	if err := x.checkAccess(); err != nil {
		return nil, err
	}
	g, ok := x.lock.TryAcquire()
	if !ok {
		return nil, ErrUnavailable
	}
	return x.guard(g)
}

// With runs fn while holding the interpreter lock.
func (x *Runtime) With(fn func(L *lua.LState) error) error {
	g, err := x.Acquire()
	if err != nil {
		return err
	}
	defer g.Release()
	return fn(g.L)
}

// WithContext is like With, but gives up with ctx.Err() if the lock could
// not be obtained before ctx is done.
func (x *Runtime) WithContext(ctx context.Context, fn func(L *lua.LState) error) error {
	g, err := x.AcquireContext(ctx)
	if err != nil {
		return err
	}
	defer g.Release()
	return fn(g.L)
}

// Schedule queues task to run on the main goroutine, during a subsequent
// Tick (or Close). It may be called from any goroutine, and never blocks.
func (x *Runtime) Schedule(task Task) error {
	if runtimeState(x.state.Load()) == stateNew {
		return ErrNotOpen
	}
	return x.queue.Schedule(task)
}

// Stats returns a snapshot of the runtime's bookkeeping. It may be called
// from any goroutine.
func (x *Runtime) Stats() Stats {
	s := Stats{
		State:        runtimeState(x.state.Load()).String(),
		PendingTasks: x.queue.Pending(),
		TickHooks:    x.hooks.count(),
		ActiveTasks:  x.tasks.Active(),
		LockWaiters:  x.lock.Waiters(),
	}
	if pool := x.pool.Load(); pool != nil {
		s.Slots = pool.Stats()
	}
	return s
}

// checkAccess validates that the interpreter may be accessed, prior to
// acquiring the lock.
func (x *Runtime) checkAccess() error {
	switch runtimeState(x.state.Load()) {
	case stateNew:
		return ErrNotOpen
	case stateClosed:
		return ErrClosed
	default:
		return nil
	}
}

// guard wraps a lock acquisition, releasing it and returning ErrClosed if
// the runtime began closing while the caller was waiting. Reentrant
// acquisitions by the lock owner (e.g. from module Close) are permitted.
func (x *Runtime) guard(g *Guard) (*StateGuard, error) {
	switch runtimeState(x.state.Load()) {
	case stateOpening, stateOpen:
	case stateClosing:
		if x.lock.Depth() <= 1 {
			g.Release()
			return nil, ErrClosed
		}
	default:
		g.Release()
		return nil, ErrClosed
	}
	return &StateGuard{Guard: g, L: x.L}, nil
}

// checkAvailable validates that slots may be allocated.
func (x *Runtime) checkAvailable() error {
	if err := x.checkAccess(); err != nil {
		return err
	}
	pool := x.pool.Load()
	if pool == nil {
		return ErrNotOpen
	}
	if pool.isClosed() {
		return ErrClosed
	}
	return nil
}

func openReferenceModule(x *Runtime, L *lua.LState) error {
	x.aux, x.auxCancel = L.NewThread()
	x.pool.Store(NewSlotPool(x.aux, x.lock, x.logger))
	return nil
}

func closeReferenceModule(x *Runtime, L *lua.LState) {
	if leaked := x.pool.Load().close(); leaked != 0 {
		x.logger.Warning().
			Str(`category`, categorySlots).
			Int(`leaked`, leaked).
			Log(`slots still referenced at close`)
	}
	if x.auxCancel != nil {
		x.auxCancel()
	}
}

func closeNextTickModule(x *Runtime, L *lua.LState) {
	n := x.queue.Close(L)
	x.logger.Debug().
		Str(`category`, categoryQueue).
		Int(`ran`, n).
		Log(`deferred queue drained`)
}
