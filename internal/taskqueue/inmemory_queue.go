package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryQueue keeps tasks in a slice ordered by NotBefore. Tasks with the
// same NotBefore are dequeued in enqueue order. It is safe for concurrent use.
type InMemoryQueue struct {
	mu    sync.Mutex
	tasks []Task
	wake  chan struct{}
	now   func() time.Time
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		wake: make(chan struct{}, 1),
		now:  time.Now,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t = prepare(t, q.now())

	q.mu.Lock()
	i := sort.Search(len(q.tasks), func(i int) bool {
		return q.tasks[i].NotBefore.After(t.NotBefore)
	})
	q.tasks = append(q.tasks, Task{})
	copy(q.tasks[i+1:], q.tasks[i:])
	q.tasks[i] = t
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	var err error
	for {
		t, wait := q.pop()
		if t != nil {
			return t, nil
		}

		var (
			tmr   *time.Timer
			timer <-chan time.Time
		)
		if wait > 0 {
			tmr = time.NewTimer(wait)
			timer = tmr.C
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-q.wake:
		case <-timer:
		}
		if tmr != nil {
			tmr.Stop()
		}
		if err != nil {
			return nil, err
		}
	}
}

// pop removes the first due task. Otherwise it returns how long until the
// earliest task becomes due, or 0 when the queue is empty.
func (q *InMemoryQueue) pop() (*Task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, 0
	}
	head := q.tasks[0]
	if wait := head.NotBefore.Sub(q.now()); wait > 0 {
		return nil, wait
	}
	q.tasks = q.tasks[1:]
	return &head, 0
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
