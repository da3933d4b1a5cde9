package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// gorillaConn adapts *websocket.Conn to Conn. Grounded on the ws read/write
// pump pattern in tariel-x-gocall's internal/handlers/ws.go: ping/pong
// deadlines via SetReadDeadline/SetPongHandler, and serialized writes,
// generalized here behind the Conn seam instead of being inlined into a
// single handler function.
type gorillaConn struct {
	c *websocket.Conn

	wmu sync.Mutex // serializes all writes; gorilla/websocket forbids concurrent writers
}

// FromGorilla wraps an established *websocket.Conn (from either
// websocket.Upgrader.Upgrade on the server side or websocket.Dialer.Dial on
// the client side) as a transport.Conn.
func FromGorilla(c *websocket.Conn) Conn {
	return &gorillaConn{c: c}
}

func (g *gorillaConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := g.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch mt {
		case websocket.TextMessage, websocket.BinaryMessage:
			return data, nil
		default:
			// Control frames are consumed by gorilla/websocket's internal
			// ping/pong/close handlers before ReadMessage returns them, so in
			// practice this default case is unreachable; it's kept defensive
			// rather than panicking on an unexpected frame type.
			continue
		}
	}
}

func (g *gorillaConn) WriteText(data []byte) error {
	g.wmu.Lock()
	defer g.wmu.Unlock()
	return g.c.WriteMessage(websocket.TextMessage, data)
}

func (g *gorillaConn) WritePing(data []byte) error {
	g.wmu.Lock()
	defer g.wmu.Unlock()
	return g.c.WriteMessage(websocket.PingMessage, data)
}

func (g *gorillaConn) WritePong(data []byte) error {
	g.wmu.Lock()
	defer g.wmu.Unlock()
	return g.c.WriteMessage(websocket.PongMessage, data)
}

func (g *gorillaConn) WriteClose(code int, reason string) error {
	g.wmu.Lock()
	defer g.wmu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	return g.c.WriteMessage(websocket.CloseMessage, msg)
}

func (g *gorillaConn) SetReadDeadline(t time.Time) error { return g.c.SetReadDeadline(t) }

func (g *gorillaConn) SetPongHandler(h func(string) error) { g.c.SetPongHandler(h) }

func (g *gorillaConn) SetPingHandler(h func(string) error) { g.c.SetPingHandler(h) }

func (g *gorillaConn) SetCloseHandler(h func(code int, text string) error) {
	g.c.SetCloseHandler(h)
}

func (g *gorillaConn) RemoteAddr() string {
	if a := g.c.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (g *gorillaConn) Subprotocol() string { return g.c.Subprotocol() }

func (g *gorillaConn) Close() error { return g.c.Close() }

// IsCloseError reports whether err is a *websocket.CloseError, as returned
// from ReadMessage once a close frame has been received, and if so extracts
// its code and reason text. Kept here so the rpc package's disconnect path
// never has to import gorilla/websocket directly.
func IsCloseError(err error) (code int, reason string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}
