package rpc

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestIsFatalDialError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection refused"), false},
		{errors.New("websocket: Server sent no subprotocol"), true},
		{errors.New("websocket: Server sent an invalid subprotocol"), true},
		{errors.New("websocket: Server sent a subprotocol but none was requested"), true},
		{errors.New("websocket: bad handshake: Invalid Sec-WebSocket-Accept header"), true},
		{errors.New("Maximum redirects exceeded"), true},
	}
	for _, tc := range tests {
		if got := isFatalDialError(tc.err); got != tc.want {
			t.Errorf("isFatalDialError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestJitterWithoutRandomizationReturnsBase(t *testing.T) {
	base := 2 * time.Second
	if got := jitter(base, 0, rand.New(rand.NewSource(1))); got != base {
		t.Errorf("jitter with randomization=0 = %v, want %v", got, base)
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	base := 2 * time.Second
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 100; i++ {
		got := jitter(base, 0.25, rng)
		min := time.Duration(float64(base) * 0.75)
		max := time.Duration(float64(base) * 1.25)
		if got < min || got > max {
			t.Fatalf("jitter(%v, 0.25) = %v, want within [%v, %v]", base, got, min, max)
		}
	}
}

func TestBackoffConfigDefaults(t *testing.T) {
	var cfg BackoffConfig
	if got := cfg.initialDelay(); got != time.Second {
		t.Errorf("initialDelay() = %v, want 1s", got)
	}
	if got := cfg.maxDelay(); got != 30*time.Second {
		t.Errorf("maxDelay() = %v, want 30s", got)
	}
	if got := cfg.factor(); got != 2 {
		t.Errorf("factor() = %v, want 2", got)
	}
	if got := cfg.randomization(); got != 0.25 {
		t.Errorf("randomization() = %v, want 0.25", got)
	}
}

func TestClientURLAppendsEscapedIdentity(t *testing.T) {
	c := &Client{identity: "cp 1/ol", opts: &ClientOptions{Endpoint: "ws://example.org/ocpp/"}}
	want := "ws://example.org/ocpp/cp%201%2Fol"
	if got := c.url(); got != want {
		t.Errorf("url() = %q, want %q", got, want)
	}
}

func TestClientURLAppendsRawQuery(t *testing.T) {
	c := &Client{identity: "cp1", opts: &ClientOptions{Endpoint: "ws://example.org/ocpp", Query: "site=lot-4"}}
	want := "ws://example.org/ocpp/cp1?site=lot-4"
	if got := c.url(); got != want {
		t.Errorf("url() = %q, want %q", got, want)
	}
}

func TestClientCallReturnsClosedErrorAfterClose(t *testing.T) {
	c := Dial("cp1", MethodMap{}, &ClientOptions{Endpoint: "ws://127.0.0.1:1"})
	c.Close(CloseOptions{Code: 1000, Reason: "done"})
	if _, err := c.Call(context.Background(), "Heartbeat", nil); err != ErrPeerClosed {
		t.Errorf("Call after Close = %v, want ErrPeerClosed", err)
	}
}
