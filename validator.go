// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.
// Portions adapted for the OCPP-RPC wire protocol.

package rpc

import (
	"encoding/json"
	"fmt"
	"sync"
)

// MessagePart identifies which half of a call/response pair is being
// validated, per spec §4.2's validate(direction, method, payload).
type MessagePart int

const (
	// PartRequest validates a CALL's Params against the request schema for
	// (subprotocol, method).
	PartRequest MessagePart = iota
	// PartResponse validates a CALLRESULT's Result against the response
	// schema for (subprotocol, method).
	PartResponse
)

func (p MessagePart) String() string {
	if p == PartResponse {
		return "response"
	}
	return "request"
}

// ValidationFailure is the structured failure a Validator reports, per spec
// §4.2. A nil *ValidationFailure from Validate means the payload is valid.
type ValidationFailure struct {
	Keyword      string
	InstancePath string
	Message      string
}

// Code maps the failure's keyword to a wire Code via the table in spec §4.2.
func (f *ValidationFailure) Code() Code { return keywordCode(f.Keyword) }

// A Validator validates CALL and CALLRESULT payloads for one subprotocol. The
// concrete schema engine is an external collaborator (spec §1): this package
// only defines the interface and the keyword→Code translation. See
// rpc/ocpp16 for a JSON-schema-backed implementation.
type Validator interface {
	// Validate checks payload for the given method and message part, and
	// returns nil if it is valid, or a non-nil failure describing the first
	// violation found.
	Validate(part MessagePart, method string, payload json.RawMessage) *ValidationFailure
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(MessagePart, string, json.RawMessage) *ValidationFailure

// Validate implements Validator.
func (f ValidatorFunc) Validate(part MessagePart, method string, payload json.RawMessage) *ValidationFailure {
	return f(part, method, payload)
}

// StrictMode describes which subprotocols require inbound schema validation,
// per spec §4.2 / §6's `strictMode` configuration key: either every
// negotiated subprotocol (All), or an explicit allow-list.
type StrictMode struct {
	All       bool
	Protocols []string
}

// Includes reports whether protocol requires strict validation under s.
func (s StrictMode) Includes(protocol string) bool {
	if s.All {
		return true
	}
	for _, p := range s.Protocols {
		if p == protocol {
			return true
		}
	}
	return false
}

// Active reports whether strict mode is configured for anything at all.
func (s StrictMode) Active() bool { return s.All || len(s.Protocols) > 0 }

// ValidatorRegistry maps subprotocol names to Validators. It is immutable
// after Register calls complete and may be shared by multiple peers, mirroring
// jrpc2's treatment of channel.Framing as a shared, stateless value (spec §5:
// "Validators are immutable after registration and may be shared").
type ValidatorRegistry struct {
	mu         sync.RWMutex
	validators map[string]Validator
}

// NewValidatorRegistry returns an empty registry. Use Register to populate it
// before passing it to NewPeer/NewServer/Dial options.
func NewValidatorRegistry() *ValidatorRegistry {
	return &ValidatorRegistry{validators: make(map[string]Validator)}
}

// Register installs v as the validator for subprotocol. It panics if a
// validator is already registered for that subprotocol, since registries are
// meant to be assembled once at startup and then shared read-only.
func (r *ValidatorRegistry) Register(subprotocol string, v Validator) *ValidatorRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.validators[subprotocol]; ok {
		panic(fmt.Sprintf("rpc: validator already registered for subprotocol %q", subprotocol))
	}
	r.validators[subprotocol] = v
	return r
}

// Resolve returns the Validator for subprotocol if strict is active for it.
// If strict is not active for this subprotocol, it returns (nil, false, nil):
// the caller should skip validation. If strict is active but no validator was
// registered, it returns an error: per spec §4.2, "strict mode is enabled iff
// ... a validator exists for it; otherwise construction fails at configure
// time."
func (r *ValidatorRegistry) Resolve(subprotocol string, strict StrictMode) (Validator, bool, error) {
	if !strict.Includes(subprotocol) {
		return nil, false, nil
	}
	r.mu.RLock()
	v, ok := r.validators[subprotocol]
	r.mu.RUnlock()
	if !ok {
		return nil, false, fmt.Errorf("rpc: strict mode requires a validator for subprotocol %q", subprotocol)
	}
	return v, true, nil
}
