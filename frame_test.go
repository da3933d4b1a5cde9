package rpc

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		enc  func() ([]byte, error)
		want *Frame
	}{
		{
			name: "call",
			enc:  func() ([]byte, error) { return EncodeCall("1", "Heartbeat", json.RawMessage(`{"a":1}`)) },
			want: &Frame{Kind: FrameCall, MessageID: "1", Action: "Heartbeat", Payload: json.RawMessage(`{"a":1}`)},
		},
		{
			name: "result",
			enc:  func() ([]byte, error) { return EncodeResult("2", json.RawMessage(`{"ok":true}`)) },
			want: &Frame{Kind: FrameResult, MessageID: "2", Payload: json.RawMessage(`{"ok":true}`)},
		},
		{
			name: "error",
			enc: func() ([]byte, error) {
				return EncodeError("3", &Error{Code: NotSupported, Description: "nope", Details: json.RawMessage(`{}`)})
			},
			want: &Frame{Kind: FrameError, MessageID: "3", ErrorCode: NotSupported, ErrorDescription: "nope", ErrorDetails: json.RawMessage(`{}`)},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := tc.enc()
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got := DecodeFrame(raw)
			got.raw = nil
			tc.want.raw = nil
			if diff := cmp.Diff(tc.want, got, cmp.AllowUnexported(Frame{})); diff != "" {
				t.Errorf("DecodeFrame(encode(...)) mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeFrameMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not an array", `{"oops":1}`},
		{"too short", `[2,"1"]`},
		{"bad message type", `["x","1","A",{}]`},
		{"unknown message type", `[9,"1","A",{}]`},
		{"empty message id", `[2,"","A",{}]`},
		{"call wrong length", `[2,"1","A",{},"extra"]`},
		{"call empty action", `[2,"1","",{}]`},
		{"call params not object", `[2,"1","A",[1,2]]`},
		{"result wrong length", `[3,"1",{},"extra"]`},
		{"result not object", `[3,"1","nope"]`},
		{"error wrong length", `[4,"1","GenericError","desc"]`},
		{"error unknown code", `[4,"1","NotACode","desc",{}]`},
		{"error details not object", `[4,"1","GenericError","desc",[1]]`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := DecodeFrame([]byte(tc.raw))
			if f.Kind != FrameMalformed {
				t.Errorf("got Kind=%v, want Malformed (reason=%q)", f.Kind, f.Reason)
			}
			if f.Reason == "" {
				t.Errorf("Malformed frame has no Reason")
			}
		})
	}
}

func TestDecodeFrameAcceptsBothOccurrenceSpellings(t *testing.T) {
	for _, code := range []Code{OccurenceConstraintViolation, OccurrenceConstraintViolation} {
		// Built by hand: EncodeError would rewrite the modern spelling to the
		// legacy one before it reached DecodeFrame.
		raw, err := json.Marshal([]any{wireError, "1", code, "x", map[string]any{}})
		if err != nil {
			t.Fatal(err)
		}
		f := DecodeFrame(raw)
		if f.Kind != FrameError {
			t.Fatalf("code %q: got Kind=%v, reason=%q", code, f.Kind, f.Reason)
		}
	}
}

func TestEncodeErrorNormalizesOutboundSpelling(t *testing.T) {
	raw, err := EncodeError("1", &Error{Code: OccurrenceConstraintViolation, Description: "x"})
	if err != nil {
		t.Fatal(err)
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		t.Fatal(err)
	}
	var code string
	if err := json.Unmarshal(elems[2], &code); err != nil {
		t.Fatal(err)
	}
	if code != string(OccurenceConstraintViolation) {
		t.Errorf("got outbound code %q, want legacy spelling %q", code, OccurenceConstraintViolation)
	}
}
