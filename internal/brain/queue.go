package brain

import (
	"container/list"
	"context"
	"sync"
)

// admissionQueue is a FIFO ticket queue bounded by a fixed concurrency.
// Waiters are woken strictly in arrival order: a later caller can never
// precede an earlier one when the queue is saturated.
type admissionQueue struct {
	mu      sync.Mutex
	max     int
	active  int
	waiters *list.List // of chan struct{}
}

func newAdmissionQueue(max int) *admissionQueue {
	if max < 1 {
		max = 1
	}
	return &admissionQueue{max: max, waiters: list.New()}
}

// Acquire blocks until a ticket is available or ctx is done.
func (q *admissionQueue) Acquire(ctx context.Context) error {
	q.mu.Lock()
	if q.active < q.max && q.waiters.Len() == 0 {
		q.active++
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	elem := q.waiters.PushBack(ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		select {
		case <-ch:
			// Woken concurrently with cancellation: the ticket is ours,
			// hand it to the next waiter instead of leaking it.
			q.mu.Unlock()
			q.Release()
			return ctx.Err()
		default:
		}
		q.waiters.Remove(elem)
		q.mu.Unlock()
		return ctx.Err()
	}
}

// Release returns a ticket, waking the oldest waiter if any.
func (q *admissionQueue) Release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if front := q.waiters.Front(); front != nil {
		q.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	if q.active > 0 {
		q.active--
	}
}
