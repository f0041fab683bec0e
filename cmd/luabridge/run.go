// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-luabridge"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
	lua "github.com/yuin/gopher-lua"
)

var errIdle = errors.New("runtime idle")

// registryMaxSize bounds the growth of each Lua thread's registry, which
// holds every live Ref (gopher-lua doesn't grow it by default).
const registryMaxSize = 1 << 20

// runOptions holds flags for the run command. Flags that are set take
// precedence over the config file.
type runOptions struct {
	configPath     string
	logLevel       string
	tickRate       float64
	budgetFraction float64
	workers        int
	timeout        time.Duration
	metrics        bool
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <script.lua>",
		Short: "Run a script until it is idle",
		Long: `Run a Lua script, then tick the runtime until no deferred tasks, tick
hooks, or background tasks remain.

Scripts may use the "bridge" global, e.g.

  bridge.after_ms(100, function() print("later") end)

Example:
  luabridge run --tick-rate 30 --log-level debug ./script.lua
  luabridge run --config ./luabridge.toml --timeout 10s ./script.lua`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to a TOML config file")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level (trace|debug|info|warning|err|disabled)")
	cmd.Flags().Float64Var(&opts.tickRate, "tick-rate", 0, "tick rate in Hz (default detected, or 66.6667)")
	cmd.Flags().Float64Var(&opts.budgetFraction, "budget-fraction", 0, "fraction of each tick spent draining deferred tasks (default 0.03)")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "maximum concurrent background tasks (default 2)")
	cmd.Flags().BoolVar(&opts.metrics, "metrics", false, "log tick and drain timings on exit")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "fail if the script is not idle within this duration (0 for no limit)")

	return cmd
}

func loadConfig(cmd *cobra.Command, opts *runOptions) (*luabridge.Config, error) {
	cfg := &luabridge.Config{}
	if opts.configPath != `` {
		var err error
		if cfg, err = luabridge.LoadConfig(opts.configPath); err != nil {
			return nil, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") || cfg.LogLevel == `` {
		cfg.LogLevel = opts.logLevel
	}
	if flags.Changed("tick-rate") {
		cfg.TickRate = opts.tickRate
	}
	if flags.Changed("budget-fraction") {
		cfg.BudgetFraction = opts.budgetFraction
	}
	if flags.Changed("workers") {
		cfg.MaxWorkers = opts.workers
	}
	if flags.Changed("metrics") {
		cfg.Metrics = opts.metrics
	}
	return cfg, nil
}

func runScript(cmd *cobra.Command, opts *runOptions, path string) (err error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	level, err := luabridge.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(cmd.ErrOrStderr())),
		stumpy.L.WithLevel(level),
	).Logger()

	runtimeOpts, err := cfg.Options()
	if err != nil {
		return err
	}
	runtimeOpts = append(runtimeOpts,
		luabridge.WithLogger(logger),
		luabridge.WithModules(luabridge.LibModule()),
	)

	rt, err := luabridge.New(runtimeOpts...)
	if err != nil {
		return err
	}

	L := lua.NewState(lua.Options{RegistryMaxSize: registryMaxSize})
	defer L.Close()

	if err := rt.Open(L); err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if err := L.DoFile(path); err != nil {
		return fmt.Errorf("run %s: %w", path, err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	ctx, idle := context.WithCancelCause(ctx)
	defer idle(nil)

	// counts itself as a tick hook
	if err := rt.OnTick(func(*lua.LState) bool {
		s := rt.Stats()
		if s.PendingTasks == 0 && s.TickHooks == 1 && s.ActiveTasks == 0 {
			idle(errIdle)
			return true
		}
		return false
	}); err != nil {
		return err
	}

	err = rt.Run(ctx)
	if m := rt.Metrics(); m != nil {
		logger.Info().
			Int64(`tasks_run`, m.TasksRun).
			Int(`ticks`, m.Tick.Count).
			Dur(`tick_p99`, m.Tick.P99).
			Dur(`drain_p99`, m.Drain.P99).
			Int(`backlog_max`, m.Backlog.Max).
			Log(`metrics`)
	}
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errIdle):
		return nil
	case errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("run %s: not idle after %s", path, opts.timeout)
	case errors.Is(cause, context.Canceled):
		logger.Info().Log(`interrupted`)
		return nil
	default:
		return err
	}
}
