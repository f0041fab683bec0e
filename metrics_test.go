// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func TestQuantileEstimator_accuracy(t *testing.T) {
	const n = 10000
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(i + 1)
	}
	r := rand.New(rand.NewPCG(1, 2))
	r.Shuffle(n, func(i, j int) { values[i], values[j] = values[j], values[i] })

	for _, p := range []float64{0.5, 0.9, 0.99} {
		est := newQuantileEstimator(p)
		for _, v := range values {
			est.add(v)
		}
		require.InDelta(t, p*n, est.value(), 0.02*n, "p=%v", p)
	}
}

func TestQuantileEstimator_fewObservations(t *testing.T) {
	est := newQuantileEstimator(0.5)
	require.Equal(t, 0.0, est.value())
	for _, v := range []float64{30, 10, 20} {
		est.add(v)
	}
	require.Equal(t, 20.0, est.value())
}

func TestLatencyTracker(t *testing.T) {
	tracker := newLatencyTracker()
	for i := 1; i <= 4; i++ {
		tracker.record(time.Duration(i) * time.Millisecond)
	}
	require.Equal(t, LatencyStats{
		P50:   2 * time.Millisecond,
		P90:   3 * time.Millisecond,
		P99:   3 * time.Millisecond,
		Max:   4 * time.Millisecond,
		Mean:  2500 * time.Microsecond,
		Count: 4,
	}, tracker.stats())
}

func TestRuntime_Metrics(t *testing.T) {
	rt, _ := openTestRuntime(t)
	require.Nil(t, rt.Metrics())

	now := fakeClock(t)
	rt, _ = openTestRuntime(t, WithMetrics(true), WithDrainBudget(5*time.Millisecond))

	for i := 0; i < 3; i++ {
		require.NoError(t, rt.Schedule(func(*lua.LState) { *now = now.Add(3 * time.Millisecond) }))
	}
	require.NoError(t, rt.Tick())
	require.NoError(t, rt.Tick())

	m := rt.Metrics()
	require.NotNil(t, m)
	require.Equal(t, int64(3), m.TasksRun)
	require.Equal(t, 2, m.Tick.Count)
	require.Equal(t, 6*time.Millisecond, m.Drain.Max)
	require.Equal(t, BacklogStats{Avg: 0.9*1 + 0.1*0, Current: 0, Max: 1}, m.Backlog)
}
