// Package eventq provides an unbounded FIFO that feeds a delivery channel.
// Producers (radio callbacks, transport goroutines) never block on a slow
// consumer; the consumer reads from C in push order.
package eventq

import "sync"

// Queue buffers pushed values and delivers them on C. Close drops anything
// still queued and closes C.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	ready chan struct{}
	done  chan struct{}
	out   chan T
	once  sync.Once
}

// New starts a queue whose delivery channel has the given buffer.
func New[T any](buffer int) *Queue[T] {
	if buffer < 0 {
		buffer = 0
	}
	q := &Queue[T]{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
		out:   make(chan T, buffer),
	}
	go q.pump()
	return q
}

// C returns the delivery channel. It is closed by Close.
func (q *Queue[T]) C() <-chan T {
	return q.out
}

// Push appends v. Pushing to a closed queue is a no-op.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Len returns the number of values not yet handed to the delivery channel.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops delivery. Safe to call multiple times.
func (q *Queue[T]) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.items = nil
		q.mu.Unlock()
		close(q.done)
	})
}

func (q *Queue[T]) pump() {
	defer close(q.out)
	for {
		select {
		case <-q.done:
			return
		case <-q.ready:
		}

		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			v := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()

			select {
			case q.out <- v:
			case <-q.done:
				return
			}
		}
	}
}
