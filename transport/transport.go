// Package transport defines the duplex, message-oriented, framed channel a
// Peer runs on. Spec §1 treats the concrete WebSocket transport as an
// external collaborator ("a reliable, framed, message-oriented duplex byte
// channel with close codes"); this package is the seam at which that
// collaborator is plugged in, the way the teacher's channel.Channel is the
// seam for jrpc2's byte-stream framing.
package transport

import "time"

// Conn is the transport a Peer drives. Implementations need not be safe for
// concurrent use by multiple goroutines on the write side in general, except
// that a control write (WritePing/WritePong/WriteClose) may race a data
// write (WriteText) from a different goroutine; the gorilla/websocket-backed
// implementation in this package serializes those with its own mutex.
type Conn interface {
	// ReadMessage blocks for the next complete text or binary message,
	// transparently absorbing control frames (ping/pong/close) via the
	// handlers installed with SetPingHandler/SetPongHandler. It returns an
	// error once the connection is closed, locally or remotely.
	ReadMessage() ([]byte, error)

	// WriteText sends one complete text message.
	WriteText(data []byte) error

	// WritePing sends a ping control frame carrying data.
	WritePing(data []byte) error

	// WritePong sends a pong control frame carrying data.
	WritePong(data []byte) error

	// WriteClose sends a close control frame with the given close code and
	// reason, per spec §6's close-code table.
	WriteClose(code int, reason string) error

	// SetReadDeadline bounds how long ReadMessage may block before failing.
	SetReadDeadline(t time.Time) error

	// SetPongHandler installs a callback invoked whenever a pong control
	// frame is received during ReadMessage.
	SetPongHandler(func(appData string) error)

	// SetPingHandler installs a callback invoked whenever a ping control
	// frame is received during ReadMessage. Implementations should still
	// auto-reply with a pong unless the handler says otherwise (this mirrors
	// gorilla/websocket's default behaviour).
	SetPingHandler(func(appData string) error)

	// SetCloseHandler installs a callback invoked when a close control frame
	// is received, reporting the peer-supplied code and reason.
	SetCloseHandler(func(code int, text string) error)

	// RemoteAddr reports the remote endpoint, for logging/diagnostics.
	RemoteAddr() string

	// Subprotocol reports the subprotocol negotiated at handshake time, or
	// "" if none was selected.
	Subprotocol() string

	// Close closes the underlying connection immediately, without sending a
	// close handshake frame. Used for forced shutdown (spec §4.7 step 4).
	Close() error
}
