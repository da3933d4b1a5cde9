// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.
// Portions adapted for the OCPP-RPC wire protocol.

package rpc

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"

	"github.com/ATL-Software/ocpp-rpc/transport"
	"github.com/gorilla/websocket"
)

// HandshakeRecord describes one in-progress upgrade, from the first byte of
// the HTTP request until it is either promoted to a Peer or aborted (spec
// §3).
type HandshakeRecord struct {
	Identity            string
	RemoteAddr          string
	Header              http.Header
	RequestedProtocols  []string
	SelectedProtocol    string
	EndpointPath        string
	Query               string
	Password            string
	HasPassword         bool
	Session             any
	Request             *http.Request
}

// AuthHandler decides whether to promote a handshake to a Peer. Exactly one
// of accept or reject must eventually be called; later calls are ignored
// (spec §4.8 item 6). ctx is cancelled if the underlying HTTP connection
// goes away before a decision is made.
type AuthHandler func(ctx context.Context, hs *HandshakeRecord, accept func(session any, protocol string), reject func(code int, message string))

type authResult struct {
	accepted bool
	session  any
	protocol string
	code     int
	message  string
}

type authDecision struct {
	once sync.Once
	ch   chan authResult
}

func newAuthDecision() *authDecision { return &authDecision{ch: make(chan authResult, 1)} }

func (d *authDecision) accept(session any, protocol string) {
	d.once.Do(func() { d.ch <- authResult{accepted: true, session: session, protocol: protocol} })
}

func (d *authDecision) reject(code int, message string) {
	d.once.Do(func() { d.ch <- authResult{accepted: false, code: code, message: message} })
}

// ServerOptions configures a Server (C8 handshake behaviour plus C10
// registry behaviour). A nil *ServerOptions is usable and auto-accepts every
// handshake with no subprotocol.
type ServerOptions struct {
	// Peer configures every Peer the server promotes a handshake to.
	Peer *PeerOptions

	// Auth decides whether to accept or reject each handshake. Nil
	// auto-accepts.
	Auth AuthHandler

	// Protocols lists the server's supported subprotocols, most preferred
	// first (spec §4.8 item 8).
	Protocols []string

	// Name is reported in the response "Server" header as
	// "<name>/<version> (<os>/<arch>)". Default: "ocpp-rpc".
	Name string

	Logger Logger
	Events *Events
}

func (o *ServerOptions) peer() *PeerOptions {
	if o == nil {
		return nil
	}
	return o.Peer
}

func (o *ServerOptions) auth() AuthHandler {
	if o == nil {
		return nil
	}
	return o.Auth
}

func (o *ServerOptions) protocols() []string {
	if o == nil {
		return nil
	}
	return o.Protocols
}

func (o *ServerOptions) name() string {
	if o == nil || o.Name == "" {
		return "ocpp-rpc"
	}
	return o.Name
}

// serverHeader renders the "Server: <name>/<version> (<platform>)" value
// emitted on every response, per spec §4.8.
func serverHeader(name string) string {
	return fmt.Sprintf("%s/%s (%s)", name, Version, runtime.GOOS+"/"+runtime.GOARCH)
}

// Version is the module's reported version, surfaced in the Server header.
const Version = "0.1.0"

func (o *ServerOptions) logFunc() Logger {
	if o == nil {
		return nil
	}
	return o.Logger
}

func (o *ServerOptions) events() *Events {
	if o == nil {
		return nil
	}
	return o.Events
}

// Server is C10, the registry of live server-accepted peers, fronted by the
// C8 HTTP-upgrade handshake. It implements http.Handler the way the
// teacher's tools/examples/wshttp server does, so it drops directly into any
// net/http mux.
type Server struct {
	mu     sync.Mutex
	opts   *ServerOptions
	mux    Assigner
	peers  map[*Peer]struct{}
	closed bool

	upgrader websocket.Upgrader
}

// NewServer constructs a Server that dispatches every promoted Peer's
// inbound CALLs to mux.
func NewServer(mux Assigner, opts *ServerOptions) *Server {
	return &Server{
		opts:  opts,
		mux:   mux,
		peers: make(map[*Peer]struct{}),
		upgrader: websocket.Upgrader{
			// Subprotocol selection is done by hand per spec §4.8 item 8,
			// not by the upgrader's own first-match negotiation, so no
			// Subprotocols list is set here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements the C8 handshake state machine.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hs := &HandshakeRecord{
		RemoteAddr: r.RemoteAddr,
		Header:     r.Header,
		Request:    r,
		Query:      r.URL.RawQuery,
	}

	identity, endpoint, err := splitIdentity(r.URL.Path)
	if err != nil {
		s.abort(w, r, hs, 400, err.Error())
		return
	}
	hs.Identity = identity
	hs.EndpointPath = endpoint

	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		s.abort(w, r, hs, 404, "not found")
		return
	}

	hs.RequestedProtocols = splitProtocols(r.Header.Get("Sec-WebSocket-Protocol"))

	if user, pass, ok := parseBasicAuth(r.Header.Get("Authorization"), identity); ok {
		hs.Password = pass
		hs.HasPassword = true
		_ = user // == identity by construction of parseBasicAuth
	}

	res, err := s.decide(r, hs)
	if err != nil {
		s.abort(w, r, hs, 400, err.Error())
		return
	}
	if !res.accepted {
		code, msg := res.code, res.message
		if code == 0 {
			code = 403
		}
		if msg == "" {
			msg = "handshake rejected"
		}
		s.abort(w, r, hs, code, msg)
		return
	}

	selected, err := selectProtocol(res.protocol, hs.RequestedProtocols, s.opts.protocols())
	if err != nil {
		s.abort(w, r, hs, 400, err.Error())
		return
	}
	hs.SelectedProtocol = selected

	respHeader := http.Header{}
	respHeader.Set("Server", serverHeader(s.opts.name()))

	conn, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		s.abort(w, r, hs, 500, err.Error())
		return
	}
	if selected != "" {
		// gorilla/websocket only echoes Sec-WebSocket-Protocol automatically
		// when Upgrader.Subprotocols matches the request; since selection is
		// manual here it must be confirmed by the negotiated connection.
		if conn.Subprotocol() != selected {
			conn.Close()
			s.abort(w, r, hs, 400, "subprotocol negotiation failed")
			return
		}
	}

	peer, err := NewPeer(identity, transport.FromGorilla(conn), selected, s.mux, s.opts.peer())
	if err != nil {
		conn.Close()
		s.abort(w, r, hs, 500, err.Error())
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		peer.Close(CloseOptions{Code: 1001, Reason: "server shutting down"})
		return
	}
	s.peers[peer] = struct{}{}
	s.mu.Unlock()

	s.opts.events().client(ClientEvent{Identity: identity, Peer: peer})

	go func() {
		<-peer.Done()
		s.mu.Lock()
		delete(s.peers, peer)
		s.mu.Unlock()
	}()
}

func (s *Server) decide(r *http.Request, hs *HandshakeRecord) (authResult, error) {
	auth := s.opts.auth()
	if auth == nil {
		return authResult{accepted: true}, nil
	}
	d := newAuthDecision()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go auth(ctx, hs, d.accept, d.reject)
	select {
	case res := <-d.ch:
		return res, nil
	case <-ctx.Done():
		return authResult{}, fmt.Errorf("handshake cancelled: %w", ctx.Err())
	}
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request, hs *HandshakeRecord, code int, message string) {
	s.opts.events().upgradeAborted(UpgradeAbortedEvent{Err: fmt.Errorf("%s", message), Request: r, Identity: hs.Identity})
	s.opts.logFunc().Printf("upgrade aborted for %q: %s", hs.Identity, message)
	w.Header().Set("Server", serverHeader(s.opts.name()))
	http.Error(w, message, code)
}

// Close marks the server closed and fans Close out to every live peer with
// the same options, per spec §4.10. A handshake that completes after Close
// is still upgraded, and its peer is then closed with code 1001.
func (s *Server) Close(opts CloseOptions) {
	s.mu.Lock()
	s.closed = true
	peers := make([]*Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p *Peer) { defer wg.Done(); p.Close(opts) }(p)
	}
	wg.Wait()
}

// Reconfigure updates the options applied to future peers only; existing
// peers keep their construction-time options (spec §4.10).
func (s *Server) Reconfigure(opts *ServerOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = opts
}

// Peers returns a snapshot of every currently live peer.
func (s *Server) Peers() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Peer, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}

// splitIdentity parses an upgrade request path into its trailing,
// URL-decoded identity segment and the remaining endpoint prefix (spec §4.8
// item 1).
func splitIdentity(path string) (identity, endpoint string, err error) {
	trimmed := strings.TrimSuffix(path, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return "", "", fmt.Errorf("path %q has no identity segment", path)
	}
	raw := trimmed[idx+1:]
	if raw == "" {
		return "", "", fmt.Errorf("path %q has an empty identity segment", path)
	}
	identity, err = url.PathUnescape(raw)
	if err != nil {
		return "", "", fmt.Errorf("identity segment is not valid: %w", err)
	}
	return identity, trimmed[:idx], nil
}

func splitProtocols(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseBasicAuth decodes an Authorization header of the form
// "Basic <base64>", tolerating colons in the password by only requiring the
// decoded bytes to begin with "identity:" (spec §4.8 item 4). Failure to
// parse is non-fatal: it reports ok=false and leaves the caller's handshake
// record unset.
func parseBasicAuth(header, identity string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	want := identity + ":"
	if !strings.HasPrefix(string(decoded), want) {
		return "", "", false
	}
	return identity, string(decoded[len(want):]), true
}

// selectProtocol implements spec §4.8 item 8. If explicit is non-empty, it
// must be among requested or the handshake is invalid. Otherwise the first
// serverPreferred protocol also present in requested wins; if none overlap,
// "" is selected (no subprotocol).
func selectProtocol(explicit string, requested, serverPreferred []string) (string, error) {
	if explicit != "" {
		for _, p := range requested {
			if p == explicit {
				return explicit, nil
			}
		}
		return "", fmt.Errorf("accepted protocol %q was not requested", explicit)
	}
	for _, want := range serverPreferred {
		for _, have := range requested {
			if want == have {
				return want, nil
			}
		}
	}
	return "", nil
}
