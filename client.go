// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.
// Portions adapted for the OCPP-RPC wire protocol.

package rpc

import (
	"context"
	"encoding/base64"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ATL-Software/ocpp-rpc/transport"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// fatal errors the dialer never retries after (spec §4.9 "Fatal errors").
var fatalDialErrors = []string{
	"Maximum redirects exceeded",
	"Server sent no subprotocol",
	"Server sent an invalid subprotocol",
	"Server sent a subprotocol but none was requested",
	"Invalid Sec-WebSocket-Accept header",
}

func isFatalDialError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, f := range fatalDialErrors {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}

// ClientOptions configures a Client (C9).
type ClientOptions struct {
	// Endpoint is the base URL the identity segment is appended to, e.g.
	// "wss://example.org/ocpp".
	Endpoint string

	// Password, if set, is sent as HTTP Basic auth alongside Identity.
	Password string

	// Protocols are the subprotocols initially offered. After the first
	// successful connect, the negotiated protocol is pinned for all
	// subsequent reconnects (spec §4.9).
	Protocols []string

	// Query, if set, is appended to the dial URL as a raw query string (no
	// leading "?"), surfaced server-side as HandshakeRecord.Query (spec §6).
	Query string

	// Reconnect enables auto-reconnect on unexpected disconnect.
	Reconnect bool

	// MaxReconnects caps consecutive failed connect attempts before giving
	// up; a failed initial connect counts as one of them. The count restarts
	// after each successful connect. 0 means unlimited.
	MaxReconnects int

	Backoff BackoffConfig
	Peer    *PeerOptions
	Logger  Logger
	Events  *Events
}

func (o *ClientOptions) peer() *PeerOptions {
	if o == nil {
		return nil
	}
	return o.Peer
}

func (o *ClientOptions) reconnect() bool { return o != nil && o.Reconnect }

func (o *ClientOptions) maxReconnects() int {
	if o == nil {
		return 0
	}
	return o.MaxReconnects
}

func (o *ClientOptions) backoff() BackoffConfig {
	if o == nil {
		return BackoffConfig{}
	}
	return o.Backoff
}

func (o *ClientOptions) logFunc() Logger {
	if o == nil {
		return nil
	}
	return o.Logger
}

func (o *ClientOptions) events() *Events {
	if o == nil {
		return nil
	}
	return o.Events
}

// Client is C9: the dialer and reconnect/backoff state machine that fronts a
// Peer on the outbound side. Unlike the Peer it drives, a Client's state
// machine spans multiple connection generations: CONNECTING between dial
// attempts, OPEN while a Peer is live, CLOSING/CLOSED once Close has been
// called. Pending calls never survive a disconnect (spec §4.4), so each
// reconnect simply constructs a fresh Peer; only the registered Assigner,
// identity and options persist across generations.
type Client struct {
	identity string
	opts     *ClientOptions
	mux      Assigner
	dialer   *websocket.Dialer

	mu        sync.Mutex
	state     PeerState
	peer      *Peer
	pinned    []string // protocols pinned after first successful connect
	attempt   int
	waitersCh chan struct{} // closed and replaced each time peer/state changes

	closeOnce sync.Once
	closed    chan struct{}
	cancel    context.CancelFunc
}

// Dial constructs a Client and starts its connect/reconnect loop in the
// background. It returns once the first connect attempt has been launched,
// not once it has completed; use Call (which blocks until a peer is
// available) or watch Events.OnOpen to learn when the connection is live.
func Dial(identity string, mux Assigner, opts *ClientOptions) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		identity:  identity,
		opts:      opts,
		mux:       mux,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:     StateConnecting,
		pinned:    opts.Protocols,
		waitersCh: make(chan struct{}),
		closed:    make(chan struct{}),
		cancel:    cancel,
	}
	go c.connectLoop(ctx)
	return c
}

func (c *Client) notifyWaiters() {
	close(c.waitersCh)
	c.waitersCh = make(chan struct{})
}

// State reports the client's current lifecycle state.
func (c *Client) State() PeerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Call blocks until a Peer is attached (or ctx ends, or the client closes)
// and then issues the call on it, per spec §4.9's implied requirement that
// calls made while CONNECTING are honored once the connection opens.
func (c *Client) Call(ctx context.Context, method string, params any, opts ...CallOption) (*Response, error) {
	for {
		c.mu.Lock()
		if c.state == StateClosing || c.state == StateClosed {
			c.mu.Unlock()
			return nil, ErrPeerClosed
		}
		p := c.peer
		wait := c.waitersCh
		c.mu.Unlock()

		if p != nil {
			return p.Call(ctx, method, params, opts...)
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Peer returns the currently attached Peer, or nil while CONNECTING.
func (c *Client) Peer() *Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *Client) connectLoop(ctx context.Context) {
	bo := c.newBackoff()
	for {
		c.mu.Lock()
		if c.state != StateClosing {
			c.state = StateConnecting
		}
		c.attempt++
		attempt := c.attempt
		c.notifyWaiters()
		c.mu.Unlock()

		c.opts.events().connecting(ConnectingEvent{URL: c.url(), Attempt: attempt - 1})

		peer, err := c.connectOnce(ctx)
		if err != nil {
			c.opts.events().error(ErrorEvent{Err: err})
			c.opts.logFunc().Printf("connect attempt %d failed: %v", attempt, err)

			if isFatalDialError(err) || !c.opts.reconnect() {
				c.finish(1001, "Giving up")
				return
			}
			if max := c.opts.maxReconnects(); max > 0 && attempt >= max {
				c.finish(1001, "Giving up")
				return
			}

			delay := bo.NextBackOff()
			if delay == backoff.Stop {
				c.finish(1001, "Giving up")
				return
			}
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				c.finish(1000, "client closed")
				return
			}
		}

		bo.Reset()
		c.mu.Lock()
		c.attempt = 0
		c.pinned = []string{peer.Protocol()}
		c.peer = peer
		c.state = StateOpen
		c.notifyWaiters()
		c.mu.Unlock()
		c.opts.events().open(OpenEvent{Protocol: peer.Protocol()})

		select {
		case <-peer.Done():
		case <-ctx.Done():
			peer.Close(CloseOptions{Code: 1000, Reason: "client closed"})
			<-peer.Done()
			c.finish(1000, "client closed")
			return
		}

		c.mu.Lock()
		wasClosing := c.state == StateClosing
		c.peer = nil
		c.notifyWaiters()
		c.mu.Unlock()
		if wasClosing {
			c.finish(peer.closeCode, peer.closeReason)
			return
		}
		if !c.opts.reconnect() {
			c.finish(1000, "disconnected")
			return
		}
		// loop to reconnect
	}
}

func (c *Client) finish(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.notifyWaiters()
		c.mu.Unlock()
		c.opts.events().close(CloseEvent{Code: code, Reason: reason})
		close(c.closed)
	})
}

// Close gracefully closes the client: stops reconnecting and closes the
// live peer, if any.
func (c *Client) Close(opts CloseOptions) error {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		<-c.closed
		return nil
	}
	c.state = StateClosing
	p := c.peer
	c.notifyWaiters()
	c.mu.Unlock()
	c.opts.events().closing(ClosingEvent{StartedAt: time.Now()})

	c.cancel()
	if p != nil {
		return p.Close(opts)
	}
	<-c.closed
	return nil
}

// Done reports when the client has fully closed.
func (c *Client) Done() <-chan struct{} { return c.closed }

func (c *Client) url() string {
	endpoint, query := "", ""
	if c.opts != nil {
		endpoint, query = c.opts.Endpoint, c.opts.Query
	}
	u := strings.TrimSuffix(endpoint, "/") + "/" + url.PathEscape(c.identity)
	if query != "" {
		u += "?" + query
	}
	return u
}

func (c *Client) connectOnce(ctx context.Context) (*Peer, error) {
	header := make(map[string][]string)
	if c.opts != nil && c.opts.Password != "" {
		token := base64.StdEncoding.EncodeToString([]byte(c.identity + ":" + c.opts.Password))
		header["Authorization"] = []string{"Basic " + token}
	}

	c.mu.Lock()
	protocols := c.pinned
	c.mu.Unlock()

	dialer := *c.dialer
	dialer.Subprotocols = protocols

	conn, resp, err := dialer.DialContext(ctx, c.url(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == 0 {
			// no additional classification available beyond err.Error()
		}
		return nil, err
	}

	selected := conn.Subprotocol()
	peer, err := NewPeer(c.identity, transport.FromGorilla(conn), selected, c.mux, c.opts.peer())
	if err != nil {
		conn.Close()
		return nil, err
	}
	return peer, nil
}

// newBackoff builds the decorrelated-jitter exponential schedule from
// BackoffConfig via github.com/cenkalti/backoff/v4, per spec §4.9/§8
// invariant 6.
func (c *Client) newBackoff() backoff.BackOff {
	cfg := c.opts.backoff()
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.initialDelay()
	eb.MaxInterval = cfg.maxDelay()
	eb.Multiplier = cfg.factor()
	eb.RandomizationFactor = cfg.randomization()
	eb.MaxElapsedTime = 0 // attempt-count cap is enforced by the caller, not elapsed time
	eb.Reset()
	return eb
}

// jitter is exposed only for tests that want to assert the schedule shape
// without driving a real backoff.BackOff, per spec §8 invariant 6.
func jitter(base time.Duration, randomization float64, rng *rand.Rand) time.Duration {
	if randomization <= 0 {
		return base
	}
	delta := randomization * float64(base)
	min := float64(base) - delta
	max := float64(base) + delta
	return time.Duration(min + rng.Float64()*(max-min))
}
