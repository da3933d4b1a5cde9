// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.
// Portions adapted for the OCPP-RPC wire protocol.

package rpc

import (
	"context"
	"encoding/json"
	"sync"
)

// WildcardMethod is the method name under which a fallback handler is
// registered. Per spec §9(c), it is invoked only when no method-specific
// handler matches an inbound CALL's Action.
const WildcardMethod = "*"

// A Request is the inbound CALL passed to a Handler.
type Request struct {
	Method    string
	MessageID string
	params    json.RawMessage
}

// UnmarshalParams decodes the CALL's Params into v.
func (r *Request) UnmarshalParams(v any) error {
	if len(r.params) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(r.params, v)
}

// Params returns the raw JSON params object for the request.
func (r *Request) Params() json.RawMessage { return r.params }

// A Handler answers one inbound CALL. ctx is cancelled when the owning peer
// disconnects or closes (spec §4.5: "A handler's signal is triggered on peer
// disconnect or peer close"). The returned value, if non-nil and non-error,
// is marshaled into a CALLRESULT; a returned error is translated into a
// CALLERROR using ErrorCode (spec §4.5 item 2/3).
//
// Implementations that need to reply exactly once from outside the call
// stack (e.g. after an asynchronous operation) should instead return
// ErrAsyncReply and later call Reply with the handler's ctx.
type Handler func(ctx context.Context, req *Request) (any, error)

// replierKey is the context key under which the in-flight reply function is
// stashed, letting a handler call Reply(ctx, ...) explicitly instead of (or
// in addition to) returning a value. Only the first call, whichever form,
// takes effect (spec §4.5: "reply is idempotent").
type replierKey struct{}

type replier struct {
	once sync.Once
	fn   func(any, error)
}

// Reply delivers value (or err, if non-nil) as the response to the CALL
// whose handler is running in ctx. It is idempotent: only the first call
// between this and the handler's own return value takes effect. A handler
// that returns ErrAsyncReply can call Reply later, from a goroutine, once an
// asynchronous operation completes.
func Reply(ctx context.Context, value any, err error) {
	if r, ok := ctx.Value(replierKey{}).(*replier); ok {
		r.once.Do(func() { r.fn(value, err) })
	}
}

func withReplier(ctx context.Context, fn func(any, error)) context.Context {
	return context.WithValue(ctx, replierKey{}, &replier{fn: fn})
}

// An Assigner maps Action names to Handlers, the way jrpc2.Assigner maps
// JSON-RPC method names to Methods. MethodMap is the trivial map-backed
// implementation; ServiceMapper-style composition is unnecessary here since
// OCPP actions are flat (no Service.Method namespacing).
type Assigner interface {
	Assign(method string) Handler
}

// MethodMap is a MapAssigner analogue: a trivial Assigner backed by a plain
// map. Register WildcardMethod to supply a fallback for unmatched actions
// (spec §9(c)).
type MethodMap map[string]Handler

// Assign implements Assigner.
func (m MethodMap) Assign(method string) Handler {
	if h, ok := m[method]; ok {
		return h
	}
	return m[WildcardMethod]
}
