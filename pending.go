// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.
// Portions adapted for the OCPP-RPC wire protocol.

package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// A Response is the outcome of an outbound Call: either a decoded Result or
// an *Error, never both. Mirrors jrpc2.Response, specialized to the OCPP
// wire shape.
type Response struct {
	MessageID string
	Result    json.RawMessage
	Err       *Error
}

// UnmarshalResult decodes the CALLRESULT payload into v. It is an error to
// call this on a Response carrying a non-nil Err.
func (r *Response) UnmarshalResult(v any) error {
	if r.Err != nil {
		return r.Err
	}
	if len(r.Result) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(r.Result, v)
}

// pendingCall is C4's per-outbound-call bookkeeping (spec §3 PendingCall).
type pendingCall struct {
	id      string
	method  string
	noReply bool

	done   chan *Response // buffered 1; the caller of Call receives from this
	cancel context.CancelFunc

	timer *time.Timer // fires errCallTimeout at the call's deadline

	// release gives back the outbound concurrency slot this call is holding.
	// It must run exactly once, whenever the call is resolved (response,
	// timeout, cancellation or disconnect) rather than at transmit time, so
	// the call occupies its slot for its entire lifetime (spec §8 invariant
	// 3: concurrently executing outbound calls stay within callConcurrency).
	release     func()
	releaseOnce sync.Once
}

// releaseSlot gives back the outbound concurrency slot. Safe to call more
// than once; only the first call has any effect.
func (p *pendingCall) releaseSlot() {
	p.releaseOnce.Do(func() {
		if p.release != nil {
			p.release()
		}
	})
}

func (p *pendingCall) deliver(rsp *Response) {
	p.releaseSlot()
	select {
	case p.done <- rsp:
	default:
		// Already delivered; the table only ever calls deliver once per id
		// because it removes the entry first (see callTable.resolve).
	}
}

// callTable is C4, the pending-call registry: one entry per in-flight
// outbound call, keyed by MessageId, owning each entry's timeout and
// cancellation.
type callTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newCallTable() *callTable {
	return &callTable{calls: make(map[string]*pendingCall)}
}

// register installs pc, keyed by pc.id. The caller must not have already
// registered this id; per spec, every issued MessageId maps to at most one
// PendingCall.
func (t *callTable) register(pc *pendingCall) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[pc.id] = pc
}

// take removes and returns the pending call for id, if any live call has
// that id. The second return reports whether one was found.
func (t *callTable) take(id string) (*pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	return pc, ok
}

// peekMethod reports the method of the still-pending call for id, without
// removing it from the table. Validating a CALLRESULT against its request's
// schema requires knowing which method it answers before the entry is taken
// off the table (spec §4.2).
func (t *callTable) peekMethod(id string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.calls[id]
	if !ok {
		return "", false
	}
	return pc.method, true
}

// resolve delivers rsp to the pending call for rsp.MessageID, if one exists,
// stopping its timeout timer and removing it from the table. It reports
// whether a matching call was found; the caller emits badMessage when it is
// not (spec invariant 2).
func (t *callTable) resolve(rsp *Response) bool {
	pc, ok := t.take(rsp.MessageID)
	if !ok {
		return false
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}
	pc.cancel()
	pc.deliver(rsp)
	return true
}

// drain resolves every outstanding call with the same synthetic error,
// used both for "client disconnected" (unconditional) and "client closing"
// (non-awaiting Close), per spec §4.4 and §4.7 step 3.
func (t *callTable) drain(code Code, description string) {
	t.mu.Lock()
	calls := make([]*pendingCall, 0, len(t.calls))
	for id, pc := range t.calls {
		calls = append(calls, pc)
		delete(t.calls, id)
	}
	t.mu.Unlock()

	for _, pc := range calls {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.cancel()
		pc.deliver(&Response{MessageID: pc.id, Err: &Error{Code: code, Description: description}})
	}
}

// len reports the number of in-flight calls, used by Close(awaitPending) to
// decide whether the table has drained.
func (t *callTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// pendingResponse is C5's per-inbound-call bookkeeping (spec §3
// PendingResponse).
type pendingResponse struct {
	id     string
	cancel context.CancelFunc

	mu      sync.Mutex
	replied bool
}

// markReplied reports whether this is the first call to markReplied for this
// entry; subsequent calls return false so the caller can make `reply`
// idempotent (spec §4.5: "reply is idempotent: only the first call takes
// effect").
func (p *pendingResponse) markReplied() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replied {
		return false
	}
	p.replied = true
	return true
}

// responseTable is C5, the pending-response registry: one entry per inbound
// CALL currently being handled.
type responseTable struct {
	mu      sync.Mutex
	entries map[string]*pendingResponse
}

func newResponseTable() *responseTable {
	return &responseTable{entries: make(map[string]*pendingResponse)}
}

func (t *responseTable) register(id string, cancel context.CancelFunc) *pendingResponse {
	pr := &pendingResponse{id: id, cancel: cancel}
	t.mu.Lock()
	t.entries[id] = pr
	t.mu.Unlock()
	return pr
}

func (t *responseTable) remove(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// cancelAll fires the cancellation signal for every handler still running,
// used on disconnect/close (spec §4.5, §5 "Cancellation").
func (t *responseTable) cancelAll() {
	t.mu.Lock()
	entries := make([]*pendingResponse, 0, len(t.entries))
	for _, pr := range t.entries {
		entries = append(entries, pr)
	}
	t.entries = make(map[string]*pendingResponse)
	t.mu.Unlock()

	for _, pr := range entries {
		pr.cancel()
	}
}

func (t *responseTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
