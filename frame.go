// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.
// Portions adapted for the OCPP-RPC wire protocol.

package rpc

import (
	"encoding/json"
	"fmt"
)

// wire message-type tags, per spec §3.
const (
	wireCall   = 2
	wireResult = 3
	wireError  = 4
)

// A FrameKind classifies a decoded Frame, mirroring jrpc2's distinction
// between requests, responses and parse failures but specialized to the
// three OCPP message kinds plus Malformed.
type FrameKind int

const (
	// FrameCall is a `[2, MessageId, Action, Payload]` frame.
	FrameCall FrameKind = iota
	// FrameResult is a `[3, MessageId, Payload]` frame.
	FrameResult
	// FrameError is a `[4, MessageId, ErrorCode, ErrorDescription, ErrorDetails]` frame.
	FrameError
	// FrameMalformed is any message that failed to decode per spec §4.1.
	FrameMalformed
)

func (k FrameKind) String() string {
	switch k {
	case FrameCall:
		return "Call"
	case FrameResult:
		return "Result"
	case FrameError:
		return "Error"
	default:
		return "Malformed"
	}
}

// A Frame is the decoded form of one wire message. Only the fields relevant
// to Kind are populated; the rest are zero.
type Frame struct {
	Kind FrameKind

	MessageID string // Call, Result, Error

	Action  string          // Call only
	Payload json.RawMessage // Call (params) / Result (result)

	ErrorCode        Code            // Error only
	ErrorDescription string          // Error only
	ErrorDetails     json.RawMessage // Error only

	// Reason explains why Kind == FrameMalformed.
	Reason string

	raw []byte // the original bytes, retained for logging/badMessage events
}

// DecodeFrame parses one WebSocket text message into a Frame. It never
// returns an error: instead, any problem classifies the result as
// FrameMalformed per spec §4.1, so the caller can uniformly dispatch on Kind.
func DecodeFrame(raw []byte) *Frame {
	f := &Frame{raw: raw}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		f.Kind = FrameMalformed
		f.Reason = "not a JSON array: " + err.Error()
		return f
	}

	var msgType int
	if len(elems) < 3 {
		f.Kind = FrameMalformed
		f.Reason = "array too short"
		return f
	}
	if err := json.Unmarshal(elems[0], &msgType); err != nil {
		f.Kind = FrameMalformed
		f.Reason = "message type is not an integer"
		return f
	}

	var msgID string
	hasID := json.Unmarshal(elems[1], &msgID) == nil
	if !hasID || msgID == "" {
		f.Kind = FrameMalformed
		f.Reason = "MessageId is not a non-empty string"
		return f
	}
	f.MessageID = msgID

	switch msgType {
	case wireCall:
		if len(elems) != 4 {
			f.Kind = FrameMalformed
			f.Reason = "CALL requires exactly 4 elements"
			return f
		}
		var action string
		if err := json.Unmarshal(elems[2], &action); err != nil || action == "" {
			f.Kind = FrameMalformed
			f.Reason = "Action is not a non-empty string"
			return f
		}
		if !isJSONObject(elems[3]) {
			f.Kind = FrameMalformed
			f.Reason = "Params is not a JSON object"
			return f
		}
		f.Kind = FrameCall
		f.Action = action
		f.Payload = elems[3]

	case wireResult:
		if len(elems) != 3 {
			f.Kind = FrameMalformed
			f.Reason = "CALLRESULT requires exactly 3 elements"
			return f
		}
		if !isJSONObject(elems[2]) {
			f.Kind = FrameMalformed
			f.Reason = "Result is not a JSON object"
			return f
		}
		f.Kind = FrameResult
		f.Payload = elems[2]

	case wireError:
		if len(elems) != 5 {
			f.Kind = FrameMalformed
			f.Reason = "CALLERROR requires exactly 5 elements"
			return f
		}
		var code Code
		if err := json.Unmarshal(elems[2], &code); err != nil {
			f.Kind = FrameMalformed
			f.Reason = "ErrorCode is not a string"
			return f
		}
		if !IsKnownCode(code) {
			f.Kind = FrameMalformed
			f.Reason = fmt.Sprintf("unrecognized ErrorCode %q", code)
			return f
		}
		var desc string
		if err := json.Unmarshal(elems[3], &desc); err != nil {
			f.Kind = FrameMalformed
			f.Reason = "ErrorDescription is not a string"
			return f
		}
		if !isJSONObject(elems[4]) {
			f.Kind = FrameMalformed
			f.Reason = "ErrorDetails is not a JSON object"
			return f
		}
		f.Kind = FrameError
		f.ErrorCode = code
		f.ErrorDescription = desc
		f.ErrorDetails = elems[4]

	default:
		f.Kind = FrameMalformed
		f.Reason = fmt.Sprintf("message type %d is not in {2,3,4}", msgType)
	}
	return f
}

// isJSONObject reports whether raw decodes as a JSON object. An empty value
// is not valid JSON and is rejected.
func isJSONObject(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	_, ok := v.(map[string]any)
	return ok
}

// EncodeCall renders a CALL frame: [2, MessageId, Action, Params].
func EncodeCall(id, action string, params json.RawMessage) ([]byte, error) {
	if params == nil {
		params = json.RawMessage("{}")
	}
	return json.Marshal([]any{wireCall, id, action, params})
}

// EncodeResult renders a CALLRESULT frame: [3, MessageId, Result].
func EncodeResult(id string, result json.RawMessage) ([]byte, error) {
	if result == nil {
		result = json.RawMessage("{}")
	}
	return json.Marshal([]any{wireResult, id, result})
}

// EncodeError renders a CALLERROR frame: [4, MessageId, ErrorCode, ErrorDescription, ErrorDetails].
func EncodeError(id string, e *Error) ([]byte, error) {
	details := e.Details
	if details == nil {
		details = json.RawMessage("{}")
	}
	return json.Marshal([]any{wireError, id, normalizeOccurence(e.Code), e.Description, details})
}
