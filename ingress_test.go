// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestTaskIngress_chunkBoundaries(t *testing.T) {
	var q taskIngress
	var got []int
	push := func(i int) {
		q.push(func(*lua.LState) { got = append(got, i) })
	}

	for _, n := range []int{1, taskChunkSize - 1, taskChunkSize, taskChunkSize + 1, taskChunkSize*2 + 3} {
		got = got[:0]
		for i := 0; i < n; i++ {
			push(i)
		}
		if q.len() != n {
			t.Fatalf(`expected len %d, got %d`, n, q.len())
		}
		for {
			task, ok := q.pop()
			if !ok {
				break
			}
			task(nil)
		}
		if q.len() != 0 {
			t.Fatalf(`expected empty, got len %d`, q.len())
		}
		if len(got) != n {
			t.Fatalf(`expected %d tasks, got %d`, n, len(got))
		}
		for i, v := range got {
			if v != i {
				t.Fatalf(`n=%d: task %d ran at position %d`, n, v, i)
			}
		}
	}
}

func TestTaskIngress_interleaved(t *testing.T) {
	var q taskIngress
	next, expect := 0, 0
	for round := 0; round < 10; round++ {
		for i := 0; i < taskChunkSize/2+round; i++ {
			v := next
			next++
			q.push(func(*lua.LState) {
				if v != expect {
					t.Fatalf(`expected %d, got %d`, expect, v)
				}
				expect++
			})
		}
		for i := 0; i < taskChunkSize/3; i++ {
			task, ok := q.pop()
			if !ok {
				t.Fatal(`unexpected empty`)
			}
			task(nil)
		}
	}
	for {
		task, ok := q.pop()
		if !ok {
			break
		}
		task(nil)
	}
	if expect != next {
		t.Fatalf(`expected %d tasks, ran %d`, next, expect)
	}
}

func TestTaskIngress_popEmpty(t *testing.T) {
	var q taskIngress
	if _, ok := q.pop(); ok {
		t.Fatal(`expected empty`)
	}
	q.push(func(*lua.LState) {})
	q.pop()
	if _, ok := q.pop(); ok {
		t.Fatal(`expected empty`)
	}
}
