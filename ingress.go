// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package luabridge

import (
	"sync"
)

// taskChunkSize is the number of tasks per node in the taskIngress list.
const taskChunkSize = 128

// taskIngress is a chunked linked-list FIFO of tasks.
//
// Thread Safety: NOT thread-safe, the caller must hold Queue.mu.
type taskIngress struct { // betteralign:ignore
	head   *taskChunk
	tail   *taskChunk
	length int
}

// taskChunkPool recycles exhausted chunks, as bursts of releases are common.
var taskChunkPool = sync.Pool{
	New: func() any {
		return &taskChunk{}
	},
}

// taskChunk is a fixed-size node, using read/write cursors for O(1)
// push/pop without shifting.
type taskChunk struct {
	tasks   [taskChunkSize]Task
	next    *taskChunk
	readPos int // First unread slot
	pos     int // First unused slot
}

func newTaskChunk() *taskChunk {
	c := taskChunkPool.Get().(*taskChunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnTaskChunk clears any retained closures, then pools the chunk.
func returnTaskChunk(c *taskChunk) {
	for i := 0; i < c.pos; i++ {
		c.tasks[i] = nil
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	taskChunkPool.Put(c)
}

func (q *taskIngress) push(task Task) {
	if q.tail == nil {
		q.tail = newTaskChunk()
		q.head = q.tail
	}

	if q.tail.pos == len(q.tail.tasks) {
		newTail := newTaskChunk()
		q.tail.next = newTail
		q.tail = newTail
	}

	q.tail.tasks[q.tail.pos] = task
	q.tail.pos++
	q.length++
}

func (q *taskIngress) pop() (Task, bool) {
	if q.head == nil || q.head.readPos >= q.head.pos {
		return nil, false
	}

	task := q.head.tasks[q.head.readPos]
	q.head.tasks[q.head.readPos] = nil
	q.head.readPos++
	q.length--

	// advance past (or reset) the exhausted chunk
	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
		} else {
			old := q.head
			q.head = q.head.next
			returnTaskChunk(old)
		}
	}

	return task, true
}

func (q *taskIngress) len() int {
	return q.length
}
