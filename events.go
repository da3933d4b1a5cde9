// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.
// Portions adapted for the OCPP-RPC wire protocol.

package rpc

import (
	"net/http"
	"time"
)

// Events carries the observable event surface for a Peer or Server (spec
// §2, C11). Each field is a nil-safe callback, mirroring the
// ClientOptions.OnNotify/OnCallback/OnCancel pattern in the teacher's
// opts.go: a missing handler simply means that event is not observed. This
// is deliberately not a channel-per-event-kind design (spec §9 allows
// either). Callbacks run synchronously on whichever goroutine raises the
// event: the peer's read loop (bad messages, disconnect), the caller of
// NewPeer or Close, or a Client's connect loop.
type Events struct {
	// OnConnecting fires before a client dial attempt (including reconnects).
	OnConnecting func(ConnectingEvent)

	// OnOpen fires once the WebSocket handshake completes and the peer
	// transitions to OPEN.
	OnOpen func(OpenEvent)

	// OnClient fires on the server side when a new Peer is promoted from a
	// handshake.
	OnClient func(ClientEvent)

	// OnClose fires once, when the peer reaches CLOSED.
	OnClose func(CloseEvent)

	// OnDisconnect fires when the transport drops unexpectedly, after the
	// peer has failed its pending calls and cancelled its running handlers.
	// It always precedes OnClose in that case (spec §5).
	OnDisconnect func(DisconnectEvent)

	// OnProtocol fires once the subprotocol is negotiated.
	OnProtocol func(ProtocolEvent)

	// OnError fires for connection-level errors that do not otherwise have a
	// dedicated event.
	OnError func(ErrorEvent)

	// OnUpgradeAborted fires on the server side when a handshake is rejected
	// or fails before promotion to a Peer.
	OnUpgradeAborted func(UpgradeAbortedEvent)

	// OnClosing fires once, when Close begins (spec §4.7 step 2), always
	// before OnClose.
	OnClosing func(ClosingEvent)

	// OnBadMessage fires for every frame classified Malformed, or every
	// response whose MessageId does not match a pending call (spec §4.1,
	// invariant 2 in spec §8).
	OnBadMessage func(BadMessageEvent)
}

func (e *Events) connecting(ev ConnectingEvent) {
	if e != nil && e.OnConnecting != nil {
		e.OnConnecting(ev)
	}
}
func (e *Events) open(ev OpenEvent) {
	if e != nil && e.OnOpen != nil {
		e.OnOpen(ev)
	}
}
func (e *Events) client(ev ClientEvent) {
	if e != nil && e.OnClient != nil {
		e.OnClient(ev)
	}
}
func (e *Events) close(ev CloseEvent) {
	if e != nil && e.OnClose != nil {
		e.OnClose(ev)
	}
}
func (e *Events) disconnect(ev DisconnectEvent) {
	if e != nil && e.OnDisconnect != nil {
		e.OnDisconnect(ev)
	}
}
func (e *Events) protocol(ev ProtocolEvent) {
	if e != nil && e.OnProtocol != nil {
		e.OnProtocol(ev)
	}
}
func (e *Events) error(ev ErrorEvent) {
	if e != nil && e.OnError != nil {
		e.OnError(ev)
	}
}
func (e *Events) upgradeAborted(ev UpgradeAbortedEvent) {
	if e != nil && e.OnUpgradeAborted != nil {
		e.OnUpgradeAborted(ev)
	}
}
func (e *Events) closing(ev ClosingEvent) {
	if e != nil && e.OnClosing != nil {
		e.OnClosing(ev)
	}
}
func (e *Events) badMessage(ev BadMessageEvent) {
	if e != nil && e.OnBadMessage != nil {
		e.OnBadMessage(ev)
	}
}

// ConnectingEvent is emitted before each client dial attempt.
type ConnectingEvent struct {
	URL     string
	Attempt int // consecutive failed attempts before this one; 0 after start and after each successful connect
}

// OpenEvent is emitted once a peer's WebSocket handshake completes.
type OpenEvent struct {
	Protocol string
}

// ClientEvent is emitted by a Server when a new Peer is accepted.
type ClientEvent struct {
	Identity string
	Peer     *Peer
}

// CloseEvent is emitted once, when a peer reaches CLOSED.
type CloseEvent struct {
	Code   int
	Reason string
}

// DisconnectEvent is emitted when the transport drops unexpectedly.
type DisconnectEvent struct {
	Code   int
	Reason string
	Err    error
}

// ProtocolEvent is emitted once the subprotocol is negotiated.
type ProtocolEvent struct {
	Protocol string
}

// ErrorEvent carries a connection-level error that has no more specific event.
type ErrorEvent struct {
	Err error
}

// UpgradeAbortedEvent is emitted by a Server when a handshake fails or is
// rejected, per spec §4.8.
type UpgradeAbortedEvent struct {
	Err      error
	Request  *http.Request
	Identity string
}

// ClosingEvent is emitted once, when Close begins.
type ClosingEvent struct {
	StartedAt time.Time
}

// BadMessageEvent is emitted for every Malformed frame or uncorrelated
// response, per spec invariant 2.
type BadMessageEvent struct {
	Err error
	Raw []byte
}
