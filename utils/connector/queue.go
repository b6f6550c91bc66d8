package connector

import (
	"sync/atomic"
	"unsafe"
)

type Queue[T any] interface {
	Enqueue(element T)
	EnqueueList(data []T)
	Dequeue() (T, bool)
}

type QueueNode[T any] struct {
	value T
	next  unsafe.Pointer
}

// LockFreeQueue is a Michael-Scott queue. Sweeps use it to hand candidates
// to their worker pool.
type LockFreeQueue[T any] struct {
	head unsafe.Pointer
	tail unsafe.Pointer
	size int64
}

func NewQueue[T any]() *LockFreeQueue[T] {
	dummy := &QueueNode[T]{}
	return &LockFreeQueue[T]{
		head: unsafe.Pointer(dummy),
		tail: unsafe.Pointer(dummy),
	}
}

func (q *LockFreeQueue[T]) Enqueue(element T) {
	newNode := &QueueNode[T]{value: element}

	for {
		tail := atomic.LoadPointer(&q.tail)
		next := atomic.LoadPointer(&((*QueueNode[T])(tail)).next)

		if tail == atomic.LoadPointer(&q.tail) {
			if next == nil {
				if atomic.CompareAndSwapPointer(&((*QueueNode[T])(tail)).next, nil, unsafe.Pointer(newNode)) {
					atomic.CompareAndSwapPointer(&q.tail, tail, unsafe.Pointer(newNode))
					atomic.AddInt64(&q.size, 1)
					return
				}
			} else {
				atomic.CompareAndSwapPointer(&q.tail, tail, next)
			}
		}
	}
}

func (q *LockFreeQueue[T]) EnqueueList(data []T) {
	for _, v := range data {
		q.Enqueue(v)
	}
}

func (q *LockFreeQueue[T]) Dequeue() (T, bool) {
	for {
		head := atomic.LoadPointer(&q.head)
		tail := atomic.LoadPointer(&q.tail)
		next := atomic.LoadPointer(&((*QueueNode[T])(head)).next)

		if head == atomic.LoadPointer(&q.head) {
			if next == nil {
				var zero T
				return zero, false
			}
			if head == tail {
				atomic.CompareAndSwapPointer(&q.tail, tail, next)
				continue
			}
			if atomic.CompareAndSwapPointer(&q.head, head, next) {
				atomic.AddInt64(&q.size, -1)
				return (*QueueNode[T])(next).value, true
			}
		}
	}
}

// Len is approximate under concurrent use.
func (q *LockFreeQueue[T]) Len() int {
	return int(atomic.LoadInt64(&q.size))
}
