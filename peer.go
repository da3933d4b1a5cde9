// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.
// Portions adapted for the OCPP-RPC wire protocol.

package rpc

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ATL-Software/ocpp-rpc/transport"
	"github.com/google/uuid"
)

var (
	peerMetrics = new(expvar.Map)

	peersActiveGauge  = new(expvar.Int)
	badMessagesTotal  = new(expvar.Int)
	bytesReadTotal    = new(expvar.Int)
	bytesWrittenTotal = new(expvar.Int)
)

func init() {
	peerMetrics.Set("peers_active", peersActiveGauge)
	peerMetrics.Set("bad_messages", badMessagesTotal)
	peerMetrics.Set("bytes_read", bytesReadTotal)
	peerMetrics.Set("bytes_written", bytesWrittenTotal)
}

// PeerMetrics returns the expvar.Map shared by every Peer created by this
// package, mirroring jrpc2.ServerMetrics (server.go).
func PeerMetrics() *expvar.Map { return peerMetrics }

// PeerState is the lifecycle state of a single connection generation (spec
// §3). A Peer itself only ever occupies StateOpen, StateClosing and
// StateClosed: the CONNECTING state belongs to the Client (C9), which
// constructs a fresh Peer once a dial succeeds and discards it on
// disconnect (spec §4.4: pending calls never survive a disconnect, so a
// reconnect has nothing to carry over but the application's registered
// handlers, which the Client — not the Peer — owns).
type PeerState int32

const (
	// StateConnecting is only ever observed on a Client between dial
	// attempts; a Peer itself is never constructed in this state (see the
	// Peer doc comment above).
	StateConnecting PeerState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s PeerState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// PeerInfo is a snapshot of a Peer's identity and counters, mirroring
// jrpc2.ServerInfo (server.go).
type PeerInfo struct {
	Identity    string
	Protocol    string
	RemoteAddr  string
	State       PeerState
	BadMessages int32
	LastPingRTT time.Duration
}

// Peer is C7: the single-connection RPC engine shared by server-accepted and
// client-dialed connections alike (spec §1, §4.7). It composes the call
// queue (C3), pending-call table (C4), pending-response table (C5) and
// keepalive engine (C6) around one transport.Conn.
type Peer struct {
	identity string
	protocol string
	remote   string
	conn     transport.Conn
	mux      Assigner
	opts     *PeerOptions
	log      Logger
	ev       *Events

	validator    Validator
	strictActive bool

	genID func() string

	mu          sync.Mutex
	state       PeerState
	closeCode   int
	closeReason string

	outCalls *callTable
	outQueue *callQueue
	inResp   *responseTable
	inQueue  *callQueue
	alive    *keepaliveEngine

	badMessages atomic.Int32

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// NewPeer constructs and starts a Peer around an already-established
// transport.Conn. The subprotocol must already be the one negotiated at
// handshake time; NewPeer resolves a Validator for it per opts.Strict and
// fails construction if strict mode requires one that wasn't registered
// (spec §4.2: "construction fails at configure time").
func NewPeer(identity string, conn transport.Conn, protocol string, mux Assigner, opts *PeerOptions) (*Peer, error) {
	if mux == nil {
		panic("rpc: nil Assigner")
	}
	v, active, err := opts.validators().Resolve(protocol, opts.strict())
	if err != nil {
		return nil, err
	}

	lifeCtx, lifeCancel := context.WithCancel(opts.newContext()())
	p := &Peer{
		identity:     identity,
		protocol:     protocol,
		remote:       conn.RemoteAddr(),
		conn:         conn,
		mux:          mux,
		opts:         opts,
		log:          opts.logFunc(),
		ev:           opts.events(),
		validator:    v,
		strictActive: active,
		genID:        func() string { return uuid.NewString() },
		state:        StateOpen,
		outCalls:     newCallTable(),
		outQueue:     newCallQueue(opts.callConcurrency()),
		inResp:       newResponseTable(),
		inQueue:      newCallQueue(opts.callConcurrency()),
		lifeCtx:      lifeCtx,
		lifeCancel:   lifeCancel,
		closed:       make(chan struct{}),
	}
	p.alive = newKeepaliveEngine(opts.pingInterval(), opts.deferPings(),
		func() error { return p.writePing() },
		func() { go p.Close(CloseOptions{Code: 1002, Reason: "Ping timeout"}) },
	)

	conn.SetPongHandler(func(string) error { p.alive.onPong(); return nil })

	peersActiveGauge.Add(1)
	p.alive.start()
	p.ev.open(OpenEvent{Protocol: protocol})
	p.ev.protocol(ProtocolEvent{Protocol: protocol})

	p.wg.Add(1)
	go func() { defer p.wg.Done(); p.readLoop() }()

	return p, nil
}

// Identity returns the peer's stable identity string.
func (p *Peer) Identity() string { return p.identity }

// Protocol returns the negotiated subprotocol, possibly "".
func (p *Peer) Protocol() string { return p.protocol }

// State returns the peer's current lifecycle state.
func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Info returns a snapshot of the peer's identity and counters.
func (p *Peer) Info() *PeerInfo {
	return &PeerInfo{
		Identity:    p.identity,
		Protocol:    p.protocol,
		RemoteAddr:  p.remote,
		State:       p.State(),
		BadMessages: p.badMessages.Load(),
		LastPingRTT: p.alive.rtt(),
	}
}

// Done returns a channel closed once the peer reaches StateClosed.
func (p *Peer) Done() <-chan struct{} { return p.closed }

func (p *Peer) writePing() error {
	err := p.conn.WritePing(nil)
	if err == nil {
		bytesWrittenTotal.Add(1)
	}
	return err
}

// marshalParams validates and marshals params the way jrpc2.Client does
// (client.go marshalParams): nil is fine, otherwise it must encode as a JSON
// object (OCPP Params/Result are always objects, spec §3).
func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	bits, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var probe any
	if err := json.Unmarshal(bits, &probe); err != nil {
		return nil, err
	}
	if _, ok := probe.(map[string]any); !ok {
		return nil, fmt.Errorf("rpc: params/result must encode as a JSON object")
	}
	return bits, nil
}

// A CallOption customizes a single outbound Call.
type CallOption func(*callConfig)

type callConfig struct {
	timeout time.Duration
	noReply bool
}

// WithTimeout overrides the peer's default call timeout for one Call.
func WithTimeout(d time.Duration) CallOption {
	return func(c *callConfig) { c.timeout = d }
}

// WithNoReply marks a Call as fire-and-forget: it completes as soon as the
// frame is transmitted and never occupies a C4 table slot (spec §4.4).
func WithNoReply() CallOption {
	return func(c *callConfig) { c.noReply = true }
}

// Call issues one outbound CALL and blocks for its response, a timeout, ctx
// cancellation, or peer disconnect/close — whichever comes first (spec
// §4.4). A successful call reports a nil error and a non-nil *Response whose
// Err field is always nil; failures from the remote peer, timeouts and
// cancellation after the frame was sent are all reported as a non-nil error
// of concrete type *Error. Cancellation while waiting for a concurrency slot
// reports ctx's own error instead.
func (p *Peer) Call(ctx context.Context, method string, params any, opts ...CallOption) (*Response, error) {
	cfg := callConfig{timeout: p.opts.callTimeout()}
	for _, o := range opts {
		o(&cfg)
	}

	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state == StateClosed {
		return nil, ErrPeerClosed
	}
	if state != StateOpen {
		return nil, ErrNotOpen
	}

	if err := p.outQueue.acquire(ctx); err != nil {
		return nil, err
	}

	bits, err := marshalParams(params)
	if err != nil {
		p.outQueue.release()
		return nil, err
	}
	id := p.genID()
	frame, err := EncodeCall(id, method, bits)
	if err != nil {
		p.outQueue.release()
		return nil, err
	}

	if cfg.noReply {
		err := p.transmit(frame)
		p.outQueue.release()
		if err != nil {
			return nil, err
		}
		return &Response{MessageID: id}, nil
	}

	callCtx, cancel := context.WithCancel(ctx)
	done := make(chan *Response, 1)
	pc := &pendingCall{id: id, method: method, done: done, cancel: cancel, release: p.outQueue.release}
	if cfg.timeout > 0 {
		pc.timer = time.AfterFunc(cfg.timeout, func() {
			if _, ok := p.outCalls.take(id); ok {
				cancel()
				pc.deliver(&Response{MessageID: id, Err: &Error{Code: GenericError, Description: errCallTimeout}})
			}
		})
	}
	p.outCalls.register(pc)

	// The slot acquired above is held until pc is resolved (deliver, below
	// and in callTable.resolve/drain and the timeout closure above), not
	// released here at transmit: callConcurrency bounds calls in flight, not
	// just the write (spec §8 invariant 3).
	if err := p.transmit(frame); err != nil {
		if _, ok := p.outCalls.take(id); ok {
			cancel()
		}
		pc.releaseSlot()
		return nil, err
	}

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-callCtx.Done():
			if _, ok := p.outCalls.take(id); ok {
				pc.deliver(&Response{MessageID: id, Err: &Error{Code: GenericError, Description: errCallAborted.Error()}})
			}
		case <-watchDone:
		}
	}()

	rsp := <-done
	if rsp.Err != nil {
		return rsp, rsp.Err
	}
	return rsp, nil
}

// transmit writes frame to the wire. The caller must already hold a slot in
// outQueue if this is an outbound call write; keepalive and error/result
// writes do not go through outQueue since they aren't subject to the call
// concurrency cap.
func (p *Peer) transmit(frame []byte) error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	p.mu.Unlock()

	p.alive.onActivity()
	if err := p.conn.WriteText(frame); err != nil {
		return err
	}
	bytesWrittenTotal.Add(int64(len(frame)))
	return nil
}

// readLoop is the peer's single serialized dispatch goroutine (spec §5).
func (p *Peer) readLoop() {
	for {
		data, err := p.conn.ReadMessage()
		if err != nil {
			p.onDisconnect(err)
			return
		}
		bytesReadTotal.Add(int64(len(data)))
		p.alive.onActivity()
		p.dispatch(data)
	}
}

func (p *Peer) dispatch(raw []byte) {
	f := DecodeFrame(raw)
	switch f.Kind {
	case FrameCall:
		p.handleCall(f)
	case FrameResult:
		p.handleResult(f, raw)
	case FrameError:
		p.handleError(f, raw)
	default:
		p.handleMalformed(f, raw)
	}
}

func (p *Peer) handleMalformed(f *Frame, raw []byte) {
	p.reportBadMessage(newBadMessage(f.Reason, raw))
}

func (p *Peer) reportBadMessage(err *badMessageError) {
	badMessagesTotal.Add(1)
	n := p.badMessages.Add(1)
	p.log.Printf("bad message from %s: %v", p.identity, err)
	p.ev.badMessage(BadMessageEvent{Err: err, Raw: err.raw})
	if int(n) > p.opts.maxBadMessages() {
		go p.Close(CloseOptions{Code: 1002, Reason: "Protocol error"})
	}
}

func (p *Peer) handleResult(f *Frame, raw []byte) {
	method, ok := p.outCalls.peekMethod(f.MessageID)
	if !ok {
		p.reportBadMessage(newBadMessage(fmt.Sprintf("CALLRESULT for unknown MessageId %q", f.MessageID), raw))
		return
	}
	if p.strictActive {
		if fail := p.validator.Validate(PartResponse, method, f.Payload); fail != nil {
			p.outCalls.resolve(&Response{MessageID: f.MessageID, Err: &Error{Code: fail.Code(), Description: fail.Message}})
			p.reportBadMessage(newBadMessage("response failed schema validation: "+fail.Message, raw))
			return
		}
	}
	if !p.outCalls.resolve(&Response{MessageID: f.MessageID, Result: f.Payload}) {
		p.reportBadMessage(newBadMessage(fmt.Sprintf("CALLRESULT for unknown MessageId %q", f.MessageID), raw))
	}
}

func (p *Peer) handleError(f *Frame, raw []byte) {
	e := &Error{Code: f.ErrorCode, Description: f.ErrorDescription, Details: f.ErrorDetails}
	if !p.outCalls.resolve(&Response{MessageID: f.MessageID, Err: e}) {
		p.reportBadMessage(newBadMessage(fmt.Sprintf("CALLERROR for unknown MessageId %q", f.MessageID), raw))
	}
}

func (p *Peer) handleCall(f *Frame) {
	if p.strictActive {
		if fail := p.validator.Validate(PartRequest, f.Action, f.Payload); fail != nil {
			e := &Error{Code: fail.Code(), Description: fail.Message}
			bits, err := EncodeError(f.MessageID, e)
			if err == nil {
				p.transmit(bits)
			}
			return
		}
	}
	go p.runCall(f)
}

// runCall executes one inbound CALL. It runs in its own goroutine so the
// read loop is never blocked waiting for a concurrency slot (spec §5:
// "every handler invocation ... MAY suspend").
func (p *Peer) runCall(f *Frame) {
	if err := p.inQueue.acquire(p.lifeCtx); err != nil {
		return // peer ended before a slot freed up; nothing to respond to
	}
	defer p.inQueue.release()

	ctx, cancel := context.WithCancel(p.lifeCtx)
	pr := p.inResp.register(f.MessageID, cancel)

	finalize := func(value any, herr error) {
		if !pr.markReplied() {
			return
		}
		p.inResp.remove(f.MessageID)
		cancel()
		p.sendHandlerResult(f.MessageID, value, herr)
	}
	ctx = withReplier(ctx, finalize)

	req := &Request{Method: f.Action, MessageID: f.MessageID, params: f.Payload}
	h := p.mux.Assign(f.Action)
	if h == nil {
		finalize(nil, Errorf(NotImplemented, "no handler registered for %q", f.Action))
		return
	}

	value, herr := p.invokeHandler(ctx, h, req)
	if herr == ErrAsyncReply {
		return // the handler will call Reply itself, later
	}
	finalize(value, herr)
}

// ErrAsyncReply lets a Handler return immediately while completing the call
// later via Reply(ctx, ...) from a goroutine it spawns. It suppresses the
// automatic finalize-on-return behaviour; it is never itself sent as a wire
// error.
var ErrAsyncReply = fmt.Errorf("rpc: asynchronous reply pending")

func (p *Peer) invokeHandler(ctx context.Context, h Handler, req *Request) (value any, herr error) {
	defer func() {
		if rec := recover(); rec != nil {
			herr = fmt.Errorf("panic in handler for %q: %v", req.Method, rec)
		}
	}()
	return h(ctx, req)
}

func (p *Peer) sendHandlerResult(id string, value any, herr error) {
	if herr != nil {
		e := p.errorFor(herr)
		bits, err := EncodeError(id, e)
		if err != nil {
			return
		}
		p.transmit(bits)
		return
	}
	bits, err := marshalParams(value)
	if err != nil {
		e := p.errorFor(err)
		eb, _ := EncodeError(id, e)
		p.transmit(eb)
		return
	}
	out, err := EncodeResult(id, bits)
	if err != nil {
		return
	}
	p.transmit(out)
}

// errorFor classifies a Go error returned from a handler into the
// CALLERROR payload, honoring RespondWithDetailedErrors for anything that
// isn't already a concrete *Error (spec §4.5 item 3, §7).
func (p *Peer) errorFor(herr error) *Error {
	if e, ok := herr.(*Error); ok {
		return e
	}
	code := ErrorCode(herr)
	e := &Error{Code: code, Description: herr.Error()}
	if p.opts.detailedErrors() {
		e = e.WithDetails(map[string]string{"message": herr.Error()})
	} else {
		e.Description = code.String()
	}
	return e
}

func (p *Peer) onDisconnect(err error) {
	code, reason, ok := transport.IsCloseError(err)
	if !ok {
		code, reason = 1006, err.Error()
	}
	p.mu.Lock()
	wasClosing := p.state == StateClosing
	p.mu.Unlock()
	// A read error observed while already CLOSING is the expected tail of a
	// locally-initiated Close, not a surprise drop (spec §5's OnDisconnect is
	// for the latter only).
	p.finish(code, reason, !wasClosing, err)
}

// CloseOptions parameterizes Close, per spec §4.7.
type CloseOptions struct {
	Code           int
	Reason         string
	AwaitPending   bool
	Force          bool
	PendingTimeout time.Duration // bounds AwaitPending; default 5s
}

// Close implements the close protocol of spec §4.7. It is idempotent: all
// but the first call observe the same outcome (spec §8 invariant 5).
func (p *Peer) Close(opts CloseOptions) error {
	p.mu.Lock()
	if p.state != StateOpen {
		p.mu.Unlock()
		<-p.closed
		return nil
	}
	p.state = StateClosing
	p.mu.Unlock()
	p.ev.closing(ClosingEvent{StartedAt: time.Now()})

	if opts.AwaitPending {
		timeout := opts.PendingTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		deadline := time.Now().Add(timeout)
		for (p.outCalls.len() > 0 || p.inResp.len() > 0) && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}
	p.outCalls.drain(GenericError, errClientClosing)
	p.inResp.cancelAll()

	code := opts.Code
	if code == 0 {
		code = 1000
	}

	if opts.Force {
		p.conn.Close()
	} else {
		p.conn.WriteClose(code, opts.Reason)
		grace := time.NewTimer(2 * time.Second)
		select {
		case <-p.closed:
			grace.Stop()
			return nil
		case <-grace.C:
			p.conn.Close()
		}
	}

	p.finish(code, opts.Reason, false, nil)
	// Close always runs on a goroutine distinct from readLoop (called by a
	// user, or via the "go p.Close(...)" launches elsewhere in this file), so
	// it is safe to wait here for readLoop to actually return.
	p.wg.Wait()
	return nil
}

// finish transitions the peer to CLOSED exactly once, draining any tables
// that Close's own drain step did not already reach (the disconnect path
// reaches finish directly, without having called Close). It must not wait on
// p.wg: onDisconnect calls finish from the readLoop goroutine itself, and
// that goroutine's wg.Done only fires after readLoop returns, so waiting here
// would deadlock the read loop on every unexpected disconnect. Callers that
// need readLoop to have exited (Close) wait on p.wg themselves afterward.
func (p *Peer) finish(code int, reason string, unexpected bool, cause error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		wasClosing := p.state == StateClosing
		p.state = StateClosed
		p.closeCode, p.closeReason = code, reason
		p.mu.Unlock()

		p.alive.stop()
		p.lifeCancel()
		p.outCalls.drain(GenericError, errClientDisconnected)
		p.inResp.cancelAll()
		p.conn.Close()

		if unexpected {
			p.ev.disconnect(DisconnectEvent{Code: code, Reason: reason, Err: cause})
			if !wasClosing {
				p.ev.closing(ClosingEvent{StartedAt: time.Now()})
			}
		}
		peersActiveGauge.Add(-1)
		p.ev.close(CloseEvent{Code: code, Reason: reason})
		close(p.closed)
	})
}
