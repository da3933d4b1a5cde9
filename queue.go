// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.
// Portions adapted for the OCPP-RPC wire protocol.

package rpc

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// callQueue is the bounded-concurrency admission gate described as C3 in
// spec §4.3. It is a thin wrapper over golang.org/x/sync/semaphore.Weighted,
// the same primitive the teacher (jrpc2's Server) uses to bound handler
// concurrency (server.go: `sem *semaphore.Weighted`). x/sync's weighted
// semaphore wakes waiters in the order they called Acquire, which is what
// gives this queue its required strict-FIFO admission order (spec: "the
// queue preserves strict FIFO").
//
// The same type is reused for the inbound concurrency gate (C5): spec §3's
// invariant that a peer handles at most callConcurrency inbound CALLs
// simultaneously uses the identical mechanism, just with its own instance
// and its own independent count of slots in use.
type callQueue struct {
	sem *semaphore.Weighted
}

func newCallQueue(concurrency int) *callQueue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &callQueue{sem: semaphore.NewWeighted(int64(concurrency))}
}

// acquire blocks until a slot is available or ctx ends, admitting callers in
// FIFO order.
func (q *callQueue) acquire(ctx context.Context) error {
	return q.sem.Acquire(ctx, 1)
}

// tryAcquire claims a slot without blocking, reporting whether it succeeded.
func (q *callQueue) tryAcquire() bool {
	return q.sem.TryAcquire(1)
}

// release frees one slot.
func (q *callQueue) release() {
	q.sem.Release(1)
}
