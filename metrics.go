// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"slices"
	"sync"
	"time"
)

// Metrics is a snapshot of the host loop's timing, enabled by WithMetrics.
//
// Example:
//
//	rt, _ := luabridge.New(luabridge.WithMetrics(true))
//	...
//	m := rt.Metrics()
//	fmt.Printf("drain p99: %v, backlog max: %d\n", m.Drain.P99, m.Backlog.Max)
type Metrics struct {
	// Tick is the duration of each Tick, excluding time spent yielded.
	Tick LatencyStats
	// Drain is the time spent draining the deferred queue, per tick.
	Drain LatencyStats
	// Backlog is the number of deferred tasks left after each drain.
	Backlog BacklogStats
	// TasksRun is the total number of deferred tasks run by Tick.
	TasksRun int64
}

// LatencyStats summarizes a duration distribution. Percentiles are
// streaming estimates.
type LatencyStats struct {
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
	Max   time.Duration
	Mean  time.Duration
	Count int
}

// BacklogStats summarizes the deferred queue depth observed after each
// drain. Avg is an exponential moving average (alpha 0.1).
type BacklogStats struct {
	Avg     float64
	Current int
	Max     int
}

// runtimeMetrics is written by the main goroutine, and read from any.
type runtimeMetrics struct {
	mu       sync.Mutex
	tick     latencyTracker
	drain    latencyTracker
	backlog  BacklogStats
	tasksRun int64
	observed bool
}

func newRuntimeMetrics() *runtimeMetrics {
	return &runtimeMetrics{
		tick:  newLatencyTracker(),
		drain: newLatencyTracker(),
	}
}

func (x *runtimeMetrics) record(tick, drain time.Duration, ran, backlog int) {
	if x == nil {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.tick.record(tick)
	x.drain.record(drain)
	x.tasksRun += int64(ran)
	x.backlog.Current = backlog
	x.backlog.Max = max(x.backlog.Max, backlog)
	if x.observed {
		x.backlog.Avg = 0.9*x.backlog.Avg + 0.1*float64(backlog)
	} else {
		x.backlog.Avg = float64(backlog)
		x.observed = true
	}
}

func (x *runtimeMetrics) snapshot() *Metrics {
	x.mu.Lock()
	defer x.mu.Unlock()
	return &Metrics{
		Tick:     x.tick.stats(),
		Drain:    x.drain.stats(),
		Backlog:  x.backlog,
		TasksRun: x.tasksRun,
	}
}

// Metrics returns a snapshot of the runtime's metrics, or nil if they are
// not enabled. It may be called from any goroutine.
func (x *Runtime) Metrics() *Metrics {
	if x.metrics == nil {
		return nil
	}
	return x.metrics.snapshot()
}

type latencyTracker struct {
	p50, p90, p99 quantileEstimator
	sum, max      time.Duration
	count         int
}

func newLatencyTracker() latencyTracker {
	return latencyTracker{
		p50: newQuantileEstimator(0.5),
		p90: newQuantileEstimator(0.9),
		p99: newQuantileEstimator(0.99),
	}
}

func (x *latencyTracker) record(d time.Duration) {
	x.count++
	x.sum += d
	x.max = max(x.max, d)
	v := float64(d)
	x.p50.add(v)
	x.p90.add(v)
	x.p99.add(v)
}

func (x *latencyTracker) stats() LatencyStats {
	s := LatencyStats{
		P50:   time.Duration(x.p50.value()),
		P90:   time.Duration(x.p90.value()),
		P99:   time.Duration(x.p99.value()),
		Max:   x.max,
		Count: x.count,
	}
	if x.count != 0 {
		s.Mean = x.sum / time.Duration(x.count)
	}
	return s
}

// quantileEstimator is a P-Square (Jain and Chlamtac, 1985) streaming
// estimate of a single quantile, using five markers and constant memory.
// Not safe for concurrent use.
type quantileEstimator struct {
	// marker heights
	height [5]float64
	// actual marker positions
	pos [5]float64
	// desired marker positions, and their per-observation increments
	want [5]float64
	step [5]float64
	p    float64
	n    int
}

func newQuantileEstimator(p float64) quantileEstimator {
	return quantileEstimator{
		p:    p,
		want: [5]float64{0, 2 * p, 4 * p, 2 + 2*p, 4},
		step: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

func (x *quantileEstimator) add(v float64) {
	if x.n < 5 {
		x.height[x.n] = v
		x.n++
		if x.n == 5 {
			slices.Sort(x.height[:])
			x.pos = [5]float64{0, 1, 2, 3, 4}
		}
		return
	}
	x.n++

	// find the cell containing v, extending the extremes
	var k int
	switch {
	case v < x.height[0]:
		x.height[0] = v
	case v >= x.height[4]:
		x.height[4] = v
		k = 3
	default:
		for v >= x.height[k+1] {
			k++
		}
	}

	for i := k + 1; i < 5; i++ {
		x.pos[i]++
	}
	for i := range x.want {
		x.want[i] += x.step[i]
	}

	for i := 1; i < 4; i++ {
		d := x.want[i] - x.pos[i]
		if !(d >= 1 && x.pos[i+1]-x.pos[i] > 1) && !(d <= -1 && x.pos[i-1]-x.pos[i] < -1) {
			continue
		}
		sign := 1.0
		if d < 0 {
			sign = -1
		}
		h := x.parabolic(i, sign)
		if h <= x.height[i-1] || h >= x.height[i+1] {
			h = x.linear(i, sign)
		}
		x.height[i] = h
		x.pos[i] += sign
	}
}

func (x *quantileEstimator) parabolic(i int, d float64) float64 {
	n0, n1, n2 := x.pos[i-1], x.pos[i], x.pos[i+1]
	q0, q1, q2 := x.height[i-1], x.height[i], x.height[i+1]
	return q1 + d/(n2-n0)*((n1-n0+d)*(q2-q1)/(n2-n1)+(n2-n1-d)*(q1-q0)/(n1-n0))
}

func (x *quantileEstimator) linear(i int, d float64) float64 {
	j := i + int(d)
	return x.height[i] + d*(x.height[j]-x.height[i])/(x.pos[j]-x.pos[i])
}

// value returns the estimate, which is exact (nearest rank) for fewer than
// five observations.
func (x *quantileEstimator) value() float64 {
	switch {
	case x.n == 0:
		return 0
	case x.n < 5:
		sorted := slices.Clone(x.height[:x.n])
		slices.Sort(sorted)
		return sorted[int(float64(x.n-1)*x.p)]
	default:
		return x.height[2]
	}
}
