// Package ocpp16 is a concrete Validator for the OCPP 1.6J subprotocol,
// backed by github.com/google/jsonschema-go. It is the "external collaborator
// referenced only at its interface" that rpc.Validator abstracts over.
package ocpp16

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ATL-Software/ocpp-rpc"
	"github.com/google/jsonschema-go/jsonschema"
)

// Subprotocol is the Sec-WebSocket-Protocol token this package validates.
const Subprotocol = "ocpp1.6"

type schemaPair struct {
	request  *jsonschema.Resolved
	response *jsonschema.Resolved
}

// Validator implements rpc.Validator against a set of per-Action JSON
// schemas. The zero value is not usable; construct with New.
type Validator struct {
	mu    sync.RWMutex
	pairs map[string]schemaPair
}

// New returns an empty Validator. Register schemas with RegisterRequest and
// RegisterResponse before handing it to a rpc.ValidatorRegistry.
func New() *Validator {
	return &Validator{pairs: make(map[string]schemaPair)}
}

// RegisterRequest compiles schema and installs it as the Params schema for
// action.
func (v *Validator) RegisterRequest(action string, schema json.RawMessage) error {
	resolved, err := compile(schema)
	if err != nil {
		return fmt.Errorf("ocpp16: compiling request schema for %q: %w", action, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	p := v.pairs[action]
	p.request = resolved
	v.pairs[action] = p
	return nil
}

// RegisterResponse compiles schema and installs it as the Result schema for
// action.
func (v *Validator) RegisterResponse(action string, schema json.RawMessage) error {
	resolved, err := compile(schema)
	if err != nil {
		return fmt.Errorf("ocpp16: compiling response schema for %q: %w", action, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	p := v.pairs[action]
	p.response = resolved
	v.pairs[action] = p
	return nil
}

func compile(schema json.RawMessage) (*jsonschema.Resolved, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(schema, &s); err != nil {
		return nil, err
	}
	return s.Resolve(nil)
}

// Validate implements rpc.Validator. An action with no registered schema for
// the requested part is treated as valid: OCPP deployments routinely only
// register schemas for the subset of actions they care to enforce strictly.
func (v *Validator) Validate(part rpc.MessagePart, action string, payload json.RawMessage) *rpc.ValidationFailure {
	v.mu.RLock()
	pair, ok := v.pairs[action]
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	resolved := pair.request
	if part == rpc.PartResponse {
		resolved = pair.response
	}
	if resolved == nil {
		return nil
	}

	var instance any
	if err := json.Unmarshal(payload, &instance); err != nil {
		return &rpc.ValidationFailure{Keyword: "type", Message: "payload is not valid JSON: " + err.Error()}
	}
	if err := resolved.Validate(instance); err != nil {
		return failureFromError(err)
	}
	return nil
}

// keywordsByPrevalence lists the schema keywords keywordCode understands,
// checked in this order against a validation error's text. google/jsonschema-go
// does not (as of v0.4.2) expose a structured keyword/instancePath pair on
// its validation errors the way some other engines do, so this degrades to
// substring matching against the error text. A mismatch here only affects
// which wire Code a rejected CALL/CALLRESULT is reported with; it never
// affects whether the payload is accepted.
var keywordsByPrevalence = []string{
	"additionalProperties", "propertyNames", "required", "pattern",
	"exclusiveMaximum", "exclusiveMinimum", "multipleOf", "maxItems", "minItems",
	"maxProperties", "minProperties", "maxLength", "minLength",
	"maximum", "minimum", "type",
}

func failureFromError(err error) *rpc.ValidationFailure {
	msg := err.Error()
	keyword := "format"
	for _, kw := range keywordsByPrevalence {
		if strings.Contains(msg, kw) {
			keyword = kw
			break
		}
	}
	return &rpc.ValidationFailure{Keyword: keyword, Message: msg}
}
