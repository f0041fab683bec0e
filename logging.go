// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// Logger is the structured logger used by this package. Any logiface
// implementation may be converted using its Logger method, e.g.
// stumpy.L.New(...).Logger(). A nil Logger disables logging.
type Logger = logiface.Logger[logiface.Event]

// Log categories, used as the "category" field, and as the rate limiting
// category for repeated warnings.
const (
	categoryLifecycle = `lifecycle`
	categoryQueue     = `queue`
	categoryHooks     = `hooks`
	categoryTasks     = `tasks`
	categorySlots     = `slots`
)

// DefaultWarningRates limits each category of repeated warning (e.g. a
// deferred queue backlog that persists across ticks) to one per second, and
// ten per minute.
var DefaultWarningRates = map[time.Duration]int{
	time.Second: 1,
	time.Minute: 10,
}

// warnLimiter gates warnings that may otherwise be emitted every tick.
// A nil limiter (or nil receiver) allows everything.
type warnLimiter struct {
	limiter *catrate.Limiter
}

func newWarnLimiter(rates map[time.Duration]int) *warnLimiter {
	if len(rates) == 0 {
		return &warnLimiter{}
	}
	return &warnLimiter{limiter: catrate.NewLimiter(rates)}
}

// warning returns a warning builder, or nil if the category has exceeded
// its rate limit.
func (x *warnLimiter) warning(logger *Logger, category string) *logiface.Builder[logiface.Event] {
	b := logger.Warning()
	if !b.Enabled() {
		return nil
	}
	if x != nil && x.limiter != nil {
		if _, ok := x.limiter.Allow(category); !ok {
			b.Release()
			return nil
		}
	}
	return b.Str(`category`, category)
}
