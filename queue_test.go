package rpc

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestCallQueueBoundsConcurrency(t *testing.T) {
	q := newCallQueue(2)
	ctx := context.Background()

	if err := q.acquire(ctx); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	if err := q.acquire(ctx); err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if q.tryAcquire() {
		t.Fatal("tryAcquire succeeded beyond configured concurrency")
	}
	q.release()
	if !q.tryAcquire() {
		t.Fatal("tryAcquire failed immediately after a slot was released")
	}
}

func TestCallQueueZeroOrNegativeConcurrencyTreatedAsOne(t *testing.T) {
	q := newCallQueue(0)
	if err := q.acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if q.tryAcquire() {
		t.Fatal("concurrency 0 should behave as a single slot")
	}
}

func TestCallQueueAcquireRespectsContextCancellation(t *testing.T) {
	q := newCallQueue(1)
	if err := q.acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.acquire(ctx); err == nil {
		t.Fatal("acquire should have blocked until context deadline and returned an error")
	}
}

// TestCallQueueAdmitsInFIFOOrder exercises x/sync/semaphore's documented
// strict-FIFO wakeup order: once holders release one at a time, waiters are
// admitted in the order they called acquire.
func TestCallQueueAdmitsInFIFOOrder(t *testing.T) {
	q := newCallQueue(1)
	ctx := context.Background()
	if err := q.acquire(ctx); err != nil {
		t.Fatal(err)
	}

	const n = 5
	order := make(chan int, n)
	var starting sync.WaitGroup
	starting.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			starting.Done()
			// Stagger so each goroutine calls acquire strictly after the
			// previous one, without requiring a real scheduling guarantee.
			time.Sleep(time.Duration(i) * 5 * time.Millisecond)
			if err := q.acquire(ctx); err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			order <- i
			q.release()
		}(i)
	}
	starting.Wait()
	time.Sleep(30 * time.Millisecond) // let all goroutines queue up behind the held slot
	q.release()

	for i := 0; i < n; i++ {
		select {
		case got := <-order:
			if got != i {
				t.Errorf("admission order[%d] = %d, want %d", i, got, i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for admission %d", i)
		}
	}
}
