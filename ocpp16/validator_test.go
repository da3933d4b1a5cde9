package ocpp16

import (
	"encoding/json"
	"errors"
	"testing"

	rpc "github.com/ATL-Software/ocpp-rpc"
)

func TestValidatorNoRegisteredSchemaIsValid(t *testing.T) {
	v := New()
	if fail := v.Validate(rpc.PartRequest, "BootNotification", json.RawMessage(`{"anything":1}`)); fail != nil {
		t.Errorf("Validate with no registered schema = %+v, want nil", fail)
	}
}

func TestValidatorRejectsMalformedSchemaJSON(t *testing.T) {
	v := New()
	err := v.RegisterRequest("BootNotification", json.RawMessage(`{not json`))
	if err == nil {
		t.Fatal("RegisterRequest with malformed schema JSON should fail")
	}
}

func TestValidatorRejectsInvalidPayloadJSON(t *testing.T) {
	v := New()
	if err := v.RegisterRequest("BootNotification", json.RawMessage(`{"type":"object"}`)); err != nil {
		t.Fatalf("RegisterRequest: %v", err)
	}
	fail := v.Validate(rpc.PartRequest, "BootNotification", json.RawMessage(`not json at all`))
	if fail == nil {
		t.Fatal("Validate should reject a payload that isn't valid JSON")
	}
	if fail.Keyword != "type" {
		t.Errorf("Keyword = %q, want %q", fail.Keyword, "type")
	}
}

func TestFailureFromErrorMatchesKnownKeywords(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"jsonschema: \"foo\" property is required", "required"},
		{"jsonschema: value does not match pattern", "pattern"},
		{"jsonschema: additionalProperties not allowed", "additionalProperties"},
		{"jsonschema: expected type string", "type"},
		{"jsonschema: some completely unrelated complaint", "format"},
	}
	for _, tc := range tests {
		fail := failureFromError(errors.New(tc.msg))
		if fail.Keyword != tc.want {
			t.Errorf("failureFromError(%q).Keyword = %q, want %q", tc.msg, fail.Keyword, tc.want)
		}
		if fail.Message != tc.msg {
			t.Errorf("failureFromError(%q).Message = %q, want %q", tc.msg, fail.Message, tc.msg)
		}
	}
}

func TestRegisterRequestAndResponseAreIndependent(t *testing.T) {
	v := New()
	if err := v.RegisterRequest("Heartbeat", json.RawMessage(`{"type":"object"}`)); err != nil {
		t.Fatalf("RegisterRequest: %v", err)
	}
	// A response schema was never registered for Heartbeat, so PartResponse
	// validation should still pass through as valid.
	if fail := v.Validate(rpc.PartResponse, "Heartbeat", json.RawMessage(`{"currentTime":"now"}`)); fail != nil {
		t.Errorf("Validate(PartResponse) with no response schema = %+v, want nil", fail)
	}
}
