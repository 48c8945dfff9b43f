// Package queue implements an unbounded multi-producer, single-consumer queue whose consumer
// takes everything at once.
package queue

import (
	"go.uber.org/atomic"
)

type node[T any] struct {
	item T
	next *node[T]
}

// Queue is a lock-free, append only buffer. Any number of goroutines may Push concurrently;
// exactly one goroutine is expected to call DrainAll. The zero value is ready to use.
type Queue[T any] struct {
	head atomic.Pointer[node[T]]
	size atomic.Int64
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push appends an item. It never blocks on the consumer.
func (q *Queue[T]) Push(item T) {
	n := &node[T]{item: item}
	for {
		old := q.head.Load()
		n.next = old
		if q.head.CompareAndSwap(old, n) {
			q.size.Inc()
			return
		}
	}
}

// DrainAll detaches every item currently in the queue and returns them in push order. An item
// pushed while a drain is running is returned either by this call or by the next one.
func (q *Queue[T]) DrainAll() []T {
	chain := q.head.Swap(nil)
	if chain == nil {
		return nil
	}

	count := 0
	for n := chain; n != nil; n = n.next {
		count++
	}
	items := make([]T, count)
	// the chain is newest first
	i := count - 1
	for n := chain; n != nil; n = n.next {
		items[i] = n.item
		i--
	}
	q.size.Sub(int64(count))
	return items
}

// Len returns the approximate number of queued items.
func (q *Queue[T]) Len() int {
	if size := q.size.Load(); size > 0 {
		return int(size)
	}
	return 0
}

// Empty reports whether the queue currently holds no items.
func (q *Queue[T]) Empty() bool {
	return q.head.Load() == nil
}
