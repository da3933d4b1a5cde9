// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.
// Portions adapted for the OCPP-RPC wire protocol.

package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error is the concrete type of errors returned from outbound calls, and the
// payload of a CALLERROR frame.
type Error struct {
	Code        Code            `json:"code"`
	Description string          `json:"description,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// ErrCode trivially satisfies the ErrCoder interface for *Error.
func (e *Error) ErrCode() Code { return e.Code }

// WithDetails marshals v as JSON and constructs a copy of e carrying the
// result as Details. If v == nil or marshaling fails, e is returned
// unmodified. Mirrors jrpc2's Error.WithData.
func (e *Error) WithDetails(v any) *Error {
	if v == nil {
		return e
	}
	if data, err := json.Marshal(v); err == nil {
		return &Error{Code: e.Code, Description: e.Description, Details: data}
	}
	return e
}

// Errorf builds an *Error with the given code and formatted description.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// Sentinel errors reported by this package's peer, client and server types.
var (
	// errCallAborted is reported to the caller of an outbound Call whose
	// cancellation signal fired before a response arrived.
	errCallAborted = errors.New("call aborted")

	// errCallTimeout is the synthetic GenericError description used when a
	// pending call's deadline elapses (spec §4.4).
	errCallTimeout = "call timeout"

	// errClientDisconnected resolves pending calls and handler signals when
	// the underlying connection is lost (spec §4.4, §4.5).
	errClientDisconnected = "client disconnected"

	// errClientClosing resolves pending calls rejected by a non-awaiting
	// Close (spec §4.7 step 3).
	errClientClosing = "client closing"

	// ErrPeerClosed is returned by Peer methods (Call, Notify-equivalents)
	// once the peer has fully closed.
	ErrPeerClosed = errors.New("peer is closed")

	// ErrNotOpen is returned when a Call is attempted on a peer that is
	// CLOSING: once Close has begun, new outbound calls are refused whether or
	// not it awaits pending work.
	ErrNotOpen = errors.New("peer is not open")

	// errUpgradeRejected names a rejected handshake. Server.abort does not
	// wrap it: UpgradeAbortedEvent.Err carries only the rejection message.
	errUpgradeRejected = errors.New("handshake rejected")
)

// badMessageError records why an inbound frame was classified Malformed, or
// why a response could not be correlated to a pending call. It never crosses
// the wire; it is only used for the badMessage event and internal counting.
type badMessageError struct {
	reason string
	raw    []byte
}

func (e *badMessageError) Error() string { return "bad message: " + e.reason }

func newBadMessage(reason string, raw []byte) *badMessageError {
	return &badMessageError{reason: reason, raw: raw}
}
