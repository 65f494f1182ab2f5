// Package queue provides the bounded FIFO lanes the derivation loop drains.
package queue

import (
	"github.com/lyzr/imagescale/common/logger"
)

// FIFO is a bounded, non-blocking first-in first-out lane. Put never blocks
// the caller: a full lane rejects the item with a warning.
type FIFO[T any] struct {
	name string
	ch   chan T
	log  *logger.Logger
}

// NewFIFO creates a lane holding at most capacity items
func NewFIFO[T any](name string, capacity int, log *logger.Logger) *FIFO[T] {
	if capacity <= 0 {
		capacity = 1000
	}
	return &FIFO[T]{
		name: name,
		ch:   make(chan T, capacity),
		log:  log,
	}
}

// Put appends v. Returns false when the lane is full.
func (q *FIFO[T]) Put(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		q.log.Warn("queue full", "queue", q.name, "capacity", cap(q.ch))
		return false
	}
}

// TryGet pops the oldest item without waiting
func (q *FIFO[T]) TryGet() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Drain pops everything currently queued
func (q *FIFO[T]) Drain() []T {
	var out []T
	for {
		v, ok := q.TryGet()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

// Len returns the number of queued items
func (q *FIFO[T]) Len() int {
	return len(q.ch)
}
