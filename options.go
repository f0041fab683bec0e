// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"errors"
	"time"
)

const (
	// DefaultTickRate is the assumed host tick rate, in Hz, used when neither
	// configured nor discoverable via engine.TickInterval().
	DefaultTickRate = 66.6667

	// DefaultBudgetFraction is the fraction of each tick interval that may be
	// spent draining the deferred queue.
	DefaultBudgetFraction = 0.03

	// DefaultMaxWorkers is the default limit on concurrently running
	// background tasks.
	DefaultMaxWorkers = 2

	// DefaultShutdownTimeout is how long Close waits for tracked background
	// tasks to finish.
	DefaultShutdownTimeout = 20 * time.Second
)

// runtimeOptions holds configuration options for Runtime creation.
type runtimeOptions struct {
	logger          *Logger
	warningRates    map[time.Duration]int
	modules         []Module
	tickRate        float64
	budgetFraction  float64
	drainBudget     time.Duration
	maxWorkers      int64
	shutdownTimeout time.Duration
	metricsEnabled  bool
}

// RuntimeOption configures a Runtime instance.
type RuntimeOption interface {
	applyRuntime(*runtimeOptions) error
}

// runtimeOptionImpl implements RuntimeOption.
type runtimeOptionImpl struct {
	applyRuntimeFunc func(*runtimeOptions) error
}

func (r *runtimeOptionImpl) applyRuntime(opts *runtimeOptions) error {
	return r.applyRuntimeFunc(opts)
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *Logger) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithWarningRates sets the per-category rate limits applied to repeated
// warnings. An empty map disables rate limiting.
func WithWarningRates(rates map[time.Duration]int) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		for interval, limit := range rates {
			if interval <= 0 || limit <= 0 {
				return errors.New("luabridge: invalid warning rate")
			}
		}
		opts.warningRates = rates
		return nil
	}}
}

// WithTickRate sets the host tick rate in Hz, overriding any rate reported
// by the interpreter. Zero restores detection.
func WithTickRate(hz float64) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		if hz < 0 {
			return errors.New("luabridge: tick rate must not be negative")
		}
		opts.tickRate = hz
		return nil
	}}
}

// WithBudgetFraction sets the fraction of each tick interval spent draining
// the deferred queue. Must be in (0, 1].
func WithBudgetFraction(fraction float64) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		if !(fraction > 0 && fraction <= 1) {
			return errors.New("luabridge: budget fraction must be in (0, 1]")
		}
		opts.budgetFraction = fraction
		return nil
	}}
}

// WithDrainBudget sets a fixed drain budget per tick, taking precedence over
// the tick rate and budget fraction. A negative budget is unlimited.
func WithDrainBudget(budget time.Duration) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		if budget == 0 {
			return errors.New("luabridge: drain budget must not be zero")
		}
		opts.drainBudget = budget
		return nil
	}}
}

// WithMaxWorkers limits the number of concurrently running background tasks.
func WithMaxWorkers(n int) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		if n <= 0 {
			return errors.New("luabridge: max workers must be positive")
		}
		opts.maxWorkers = int64(n)
		return nil
	}}
}

// WithShutdownTimeout sets how long Close waits for tracked background tasks.
func WithShutdownTimeout(timeout time.Duration) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		if timeout < 0 {
			return errors.New("luabridge: shutdown timeout must not be negative")
		}
		opts.shutdownTimeout = timeout
		return nil
	}}
}

// WithMetrics enables the collection of tick and drain timings, accessed
// via Runtime.Metrics.
func WithMetrics(enabled bool) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithModules registers additional modules, opened alongside the built-in
// ones. May be specified more than once.
func WithModules(modules ...Module) RuntimeOption {
	return &runtimeOptionImpl{func(opts *runtimeOptions) error {
		opts.modules = append(opts.modules, modules...)
		return nil
	}}
}

// resolveRuntimeOptions applies RuntimeOption instances to runtimeOptions.
func resolveRuntimeOptions(opts []RuntimeOption) (*runtimeOptions, error) {
	cfg := &runtimeOptions{
		warningRates:    DefaultWarningRates,
		budgetFraction:  DefaultBudgetFraction,
		maxWorkers:      DefaultMaxWorkers,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyRuntime(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// drainBudgetFor returns the per-tick drain budget for the given tick rate.
func drainBudgetFor(tickRate, fraction float64) time.Duration {
	if tickRate <= 0 {
		tickRate = DefaultTickRate
	}
	return time.Duration(float64(time.Second) / tickRate * fraction)
}
