package taskqueue

import (
	"context"
	"testing"
	"time"
)

// runQueueContract exercises the behaviour every Queue backend shares.
// The queue must be empty when passed in.
func runQueueContract(t *testing.T, q Queue) {
	t.Helper()

	t.Run("FIFO for due tasks", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for _, id := range []string{"1", "2", "3"} {
			if err := q.Enqueue(ctx, Task{ID: id, Type: TaskTypeExpire, InstanceID: "inst-" + id}); err != nil {
				t.Fatalf("Enqueue %s failed: %v", id, err)
			}
			// Distinct enqueue timestamps keep backends that order by time stable.
			time.Sleep(2 * time.Millisecond)
		}
		if n := q.Len(); n != 3 {
			t.Fatalf("expected Len 3, got %d", n)
		}

		for _, want := range []string{"1", "2", "3"} {
			got, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("Dequeue failed: %v", err)
			}
			if got.ID != want {
				t.Fatalf("expected task %s, got %s", want, got.ID)
			}
			if got.InstanceID != "inst-"+want || got.Type != TaskTypeExpire {
				t.Fatalf("task fields lost: %#v", got)
			}
		}
		if n := q.Len(); n != 0 {
			t.Fatalf("expected Len 0 after dequeues, got %d", n)
		}
	})

	t.Run("delayed task waits for NotBefore", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		delay := 150 * time.Millisecond
		start := time.Now()
		if err := q.Enqueue(ctx, Task{ID: "later", Type: TaskTypeNotify, NotBefore: start.Add(delay)}); err != nil {
			t.Fatalf("Enqueue later failed: %v", err)
		}
		if err := q.Enqueue(ctx, Task{ID: "now", Type: TaskTypeNotify, Event: "escalated", Attempts: 2}); err != nil {
			t.Fatalf("Enqueue now failed: %v", err)
		}

		first, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue first failed: %v", err)
		}
		if first.ID != "now" || first.Event != "escalated" || first.Attempts != 2 {
			t.Fatalf("expected the due task first, got %#v", first)
		}

		second, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue second failed: %v", err)
		}
		if second.ID != "later" {
			t.Fatalf("expected delayed task, got %s", second.ID)
		}
		if elapsed := time.Since(start); elapsed < delay {
			t.Fatalf("delayed task delivered after %v, before its NotBefore (%v)", elapsed, delay)
		}
	})

	t.Run("Dequeue honors context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		if _, err := q.Dequeue(ctx); err == nil {
			t.Fatalf("expected Dequeue to fail due to context cancellation")
		}
	})
}
