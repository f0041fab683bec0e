// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/logiface"
)

// Config is the file representation of the runtime options, e.g.
//
//	tick_rate = 66.6667
//	budget_fraction = 0.03
//	max_workers = 2
//	shutdown_timeout = "20s"
//	log_level = "info"
//	metrics = true
//
//	[warning_rates]
//	"1s" = 1
//	"1m" = 10
//
// Zero values mean the default.
type Config struct {
	WarningRates    map[string]int `toml:"warning_rates"`
	LogLevel        string         `toml:"log_level"`
	TickRate        float64        `toml:"tick_rate"`
	BudgetFraction  float64        `toml:"budget_fraction"`
	DrainBudget     time.Duration  `toml:"drain_budget"`
	ShutdownTimeout time.Duration  `toml:"shutdown_timeout"`
	MaxWorkers      int            `toml:"max_workers"`
	Metrics         bool           `toml:"metrics"`
}

// LoadConfig reads and decodes a TOML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("luabridge: cannot read config %s: %w", path, err)
	}
	cfg, err := DecodeConfig(string(data))
	if err != nil {
		return nil, fmt.Errorf("luabridge: config %s: %w", path, err)
	}
	return cfg, nil
}

// DecodeConfig decodes TOML config. Unknown keys are an error.
func DecodeConfig(data string) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return &cfg, nil
}

// Options converts the config to runtime options. The logger is configured
// separately, see ParseLogLevel.
func (x *Config) Options() ([]RuntimeOption, error) {
	var opts []RuntimeOption
	if x.TickRate != 0 {
		opts = append(opts, WithTickRate(x.TickRate))
	}
	if x.BudgetFraction != 0 {
		opts = append(opts, WithBudgetFraction(x.BudgetFraction))
	}
	if x.DrainBudget != 0 {
		opts = append(opts, WithDrainBudget(x.DrainBudget))
	}
	if x.MaxWorkers != 0 {
		opts = append(opts, WithMaxWorkers(x.MaxWorkers))
	}
	if x.ShutdownTimeout != 0 {
		opts = append(opts, WithShutdownTimeout(x.ShutdownTimeout))
	}
	if x.Metrics {
		opts = append(opts, WithMetrics(true))
	}
	if x.WarningRates != nil {
		rates := make(map[time.Duration]int, len(x.WarningRates))
		for k, v := range x.WarningRates {
			d, err := time.ParseDuration(k)
			if err != nil {
				return nil, fmt.Errorf("luabridge: warning rate %q: %w", k, err)
			}
			rates[d] = v
		}
		opts = append(opts, WithWarningRates(rates))
	}
	return opts, nil
}

// ParseLogLevel parses a syslog style level keyword, as returned by
// logiface.Level.String, plus a few common aliases. An empty string is
// informational.
func ParseLogLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case ``, `info`, `informational`:
		return logiface.LevelInformational, nil
	case `disabled`, `off`, `none`:
		return logiface.LevelDisabled, nil
	case `emerg`, `emergency`:
		return logiface.LevelEmergency, nil
	case `alert`:
		return logiface.LevelAlert, nil
	case `crit`, `critical`:
		return logiface.LevelCritical, nil
	case `err`, `error`:
		return logiface.LevelError, nil
	case `warning`, `warn`:
		return logiface.LevelWarning, nil
	case `notice`:
		return logiface.LevelNotice, nil
	case `debug`:
		return logiface.LevelDebug, nil
	case `trace`:
		return logiface.LevelTrace, nil
	default:
		return logiface.LevelDisabled, fmt.Errorf("luabridge: unknown log level %q", s)
	}
}
