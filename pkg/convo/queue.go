// aurora - An end-to-end encrypted messaging client.
// Copyright (C) 2026 Aurora Messenger Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package convo

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrQueueClosed is returned for tasks enqueued after Close.
var ErrQueueClosed = errors.New("serial queue closed")

type serialTask struct {
	name string
	run  func(context.Context) error
	done chan error
}

// serialQueue is an explicit one-worker executor: an unbounded FIFO drained
// by a single goroutine, so no two tasks ever run concurrently.
//
// Both the merge engine's consolidation side effects and the conflict
// scanner's consolidation calls are routed through one shared serialQueue.
// That is the whole point of its existence: two consolidations touching
// overlapping records must never interleave. The unqueued consolidation
// routine (Controller.consolidate) must only ever run from within a queue
// task; calling it directly from a task already on the queue would deadlock
// on re-entry.
//
// The queue is unbounded so cascading merges can enqueue follow-up work
// without blocking the worker. Thread-safety mirrors the usual
// mutex+signal-channel FIFO: Enqueue may be called from any goroutine, the
// single worker dequeues.
type serialQueue struct {
	log zerolog.Logger

	mu     sync.Mutex
	tasks  []serialTask
	closed bool
	signal chan struct{} // buffered size 1; coalesces wakeups

	stopped chan struct{}
}

func newSerialQueue(log zerolog.Logger) *serialQueue {
	q := &serialQueue{
		log:     log.With().Str("component", "merge_queue").Logger(),
		tasks:   make([]serialTask, 0, 16),
		signal:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go q.work()
	return q
}

// Enqueue appends a task and returns a channel that receives the task's
// error (or nil) exactly once when it completes. Tasks enqueued after Close
// complete immediately with ErrQueueClosed.
func (q *serialQueue) Enqueue(name string, run func(context.Context) error) <-chan error {
	done := make(chan error, 1)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		done <- ErrQueueClosed
		return done
	}
	q.tasks = append(q.tasks, serialTask{name: name, run: run, done: done})
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return done
}

func (q *serialQueue) work() {
	defer close(q.stopped)
	for {
		task, ok := q.next()
		if !ok {
			return
		}
		err := task.run(context.Background())
		if err != nil {
			q.log.Error().Err(err).Str("task", task.name).Msg("Queued task failed")
		}
		task.done <- err
	}
}

func (q *serialQueue) next() (serialTask, bool) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			// Nil out the slot so the worker doesn't retain the task's
			// closures until the backing array is reallocated.
			q.tasks[0] = serialTask{}
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
			return task, true
		}
		if q.closed {
			q.mu.Unlock()
			return serialTask{}, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}

// Close drains nothing: queued tasks still run, but no new tasks are
// accepted. Blocks until the worker exits.
func (q *serialQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.stopped
		return
	}
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	<-q.stopped
}
