// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.
// Portions adapted for the OCPP-RPC wire protocol.

package rpc

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"time"
)

// A Logger records text logs from a Peer, Client or Server. A nil Logger
// discards its input. Mirrors jrpc2's Logger exactly (opts.go).
type Logger func(text string)

// Printf writes a formatted message to the logger. If lg == nil, the message
// is discarded.
func (lg Logger) Printf(format string, args ...any) {
	if lg != nil {
		lg(fmt.Sprintf(format, args...))
	}
}

// StdLogger adapts a *log.Logger to a Logger. If logger == nil, it sends
// logs to the default package-level logger.
func StdLogger(logger *log.Logger) Logger {
	if logger == nil {
		return func(text string) { log.Output(2, text) }
	}
	return func(text string) { logger.Output(2, text) }
}

// PeerOptions control the behaviour of the per-connection engine (C3–C7)
// shared by both server-accepted and client-dialed peers. A nil
// *PeerOptions provides the defaults noted on each field. It is safe to
// share one PeerOptions among many peers: fields are read-only after
// construction, mirroring jrpc2.ServerOptions/ClientOptions.
type PeerOptions struct {
	// CallTimeout bounds each outbound Call unless overridden per call.
	// Default: 60s.
	CallTimeout time.Duration

	// PingInterval is the keepalive ping period (spec §4.6). Zero disables
	// keepalive entirely. Default when PeerOptions is nil: 30s.
	PingInterval time.Duration

	// DeferPingsOnActivity resets the ping schedule on any inbound or
	// outbound traffic (spec §4.6).
	DeferPingsOnActivity bool

	// RespondWithDetailedErrors includes Go error text (and, for panics, the
	// recovered panic value; no stack trace) in CALLERROR Details for
	// unhandled handler errors (spec §4.5 item 3, §7).
	RespondWithDetailedErrors bool

	// CallConcurrency bounds both the number of outbound calls a peer may
	// have admitted at once (C3) and the number of inbound CALLs it
	// executes concurrently (C5). A value less than 1 uses
	// runtime.NumCPU(), exactly as jrpc2.ServerOptions.Concurrency does.
	CallConcurrency int

	// MaxBadMessages is the threshold of accumulated Malformed/uncorrelated
	// messages after which the peer force-closes with code 1002 (spec §3,
	// §6). A value less than 1 uses 10.
	MaxBadMessages int

	// Strict configures which negotiated subprotocols require inbound
	// schema validation (spec §4.2, §6 `strictMode`).
	Strict StrictMode

	// Validators resolves a Validator for the negotiated subprotocol when
	// Strict applies to it. Required if Strict.Active().
	Validators *ValidatorRegistry

	// Logger receives debug text logs, exactly like jrpc2.ServerOptions.Logger.
	Logger Logger

	// Events receives the peer's observable event surface (C11).
	Events *Events

	// NewContext creates a peer's base context, once per peer; every handler
	// invocation's ctx derives from it. Default: context.Background.
	NewContext func() context.Context
}

func (o *PeerOptions) callTimeout() time.Duration {
	if o == nil || o.CallTimeout <= 0 {
		return 60 * time.Second
	}
	return o.CallTimeout
}

func (o *PeerOptions) pingInterval() time.Duration {
	if o == nil {
		return 30 * time.Second
	}
	return o.PingInterval
}

func (o *PeerOptions) deferPings() bool { return o != nil && o.DeferPingsOnActivity }

func (o *PeerOptions) detailedErrors() bool { return o != nil && o.RespondWithDetailedErrors }

func (o *PeerOptions) callConcurrency() int {
	if o == nil || o.CallConcurrency < 1 {
		return runtime.NumCPU()
	}
	return o.CallConcurrency
}

func (o *PeerOptions) maxBadMessages() int {
	if o == nil || o.MaxBadMessages < 1 {
		return 10
	}
	return o.MaxBadMessages
}

func (o *PeerOptions) strict() StrictMode {
	if o == nil {
		return StrictMode{}
	}
	return o.Strict
}

func (o *PeerOptions) validators() *ValidatorRegistry {
	if o == nil || o.Validators == nil {
		return NewValidatorRegistry()
	}
	return o.Validators
}

func (o *PeerOptions) logFunc() Logger {
	if o == nil {
		return nil
	}
	return o.Logger
}

func (o *PeerOptions) events() *Events {
	if o == nil {
		return nil
	}
	return o.Events
}

func (o *PeerOptions) newContext() func() context.Context {
	if o == nil || o.NewContext == nil {
		return context.Background
	}
	return o.NewContext
}

// BackoffConfig parameterizes the client's reconnect delay schedule (spec
// §4.9, §8 invariant 6): a decorrelated-jitter exponential backoff, the same
// shape github.com/cenkalti/backoff/v4.ExponentialBackOff exposes.
type BackoffConfig struct {
	InitialDelay        time.Duration
	MaxDelay            time.Duration
	Factor              float64
	RandomizationFactor float64
}

func (b BackoffConfig) initialDelay() time.Duration {
	if b.InitialDelay <= 0 {
		return time.Second
	}
	return b.InitialDelay
}

func (b BackoffConfig) maxDelay() time.Duration {
	if b.MaxDelay <= 0 {
		return 30 * time.Second
	}
	return b.MaxDelay
}

func (b BackoffConfig) factor() float64 {
	if b.Factor <= 1 {
		return 2
	}
	return b.Factor
}

func (b BackoffConfig) randomization() float64 {
	if b.RandomizationFactor <= 0 {
		return 0.25
	}
	return b.RandomizationFactor
}
