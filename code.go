// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.
// Portions adapted for the OCPP-RPC wire protocol.

package rpc

import (
	"context"
	"errors"
	"fmt"
)

// A Code is the error code carried in a CALLERROR frame. Unlike JSON-RPC 2.0,
// the OCPP wire protocol identifies errors by name rather than by integer, so
// Code is a string enumeration rather than a number.
type Code string

// The recognized OCPP error codes. Both spellings of the occurrence-violation
// code are accepted on input; ErrorCode and the codecs in this package only
// ever produce Occurence (sic) on output, for backward compatibility with
// older OCPP peers, per spec.
const (
	GenericError                  Code = "GenericError"
	NotImplemented                Code = "NotImplemented"
	NotSupported                  Code = "NotSupported"
	InternalError                 Code = "InternalError"
	ProtocolError                 Code = "ProtocolError"
	SecurityError                 Code = "SecurityError"
	FormationViolation            Code = "FormationViolation"
	FormatViolation               Code = "FormatViolation"
	PropertyConstraintViolation   Code = "PropertyConstraintViolation"
	OccurenceConstraintViolation  Code = "OccurenceConstraintViolation"
	OccurrenceConstraintViolation Code = "OccurrenceConstraintViolation"
	TypeConstraintViolation       Code = "TypeConstraintViolation"
	MessageTypeNotSupported       Code = "MessageTypeNotSupported"
	RpcFrameworkError             Code = "RpcFrameworkError"
)

// knownCodes is the set of error names a Malformed codec recognizes on the
// wire. Both occurrence spellings are accepted inbound (spec §6).
var knownCodes = map[Code]bool{
	GenericError:                  true,
	NotImplemented:                true,
	NotSupported:                  true,
	InternalError:                 true,
	ProtocolError:                 true,
	SecurityError:                 true,
	FormationViolation:            true,
	FormatViolation:               true,
	PropertyConstraintViolation:   true,
	OccurenceConstraintViolation:  true,
	OccurrenceConstraintViolation: true,
	TypeConstraintViolation:       true,
	MessageTypeNotSupported:       true,
	RpcFrameworkError:             true,
}

// IsKnownCode reports whether c is one of the recognized OCPP error codes,
// under either occurrence spelling.
func IsKnownCode(c Code) bool { return knownCodes[c] }

// normalizeOccurence rewrites the modern "Occurrence" spelling to the wire
// spelling "Occurence" this implementation emits, per spec §9's note that
// both spellings mean the same thing and the registered (legacy) spelling is
// used outbound.
func normalizeOccurence(c Code) Code {
	if c == OccurrenceConstraintViolation {
		return OccurenceConstraintViolation
	}
	return c
}

// An ErrCoder is a value that can report a wire Code. Errors returned from a
// method handler that implement this interface control the CALLERROR code
// sent back to the caller; other errors are reported as InternalError (or, if
// respondWithDetailedErrors is not set, without detail).
type ErrCoder interface {
	ErrCode() Code
}

// ErrorCode classifies err into a wire Code, the way jrpc2.ErrorCode
// classifies Go errors into JSON-RPC codes.
//
//   - nil classifies as "" (no error).
//   - An ErrCoder (including *Error) reports its own code.
//   - context.Canceled and context.DeadlineExceeded classify as GenericError,
//     since OCPP has no dedicated codes for either.
//   - Anything else classifies as InternalError.
func ErrorCode(err error) Code {
	if err == nil {
		return ""
	}
	var c ErrCoder
	if errors.As(err, &c) {
		return normalizeOccurence(c.ErrCode())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return GenericError
	}
	return InternalError
}

func (c Code) String() string { return string(c) }

// keywordCode maps a JSON-schema validation-failure keyword to the wire Code
// per the table in spec §4.2. Unknown keywords, and the keywords explicitly
// listed as defaulting, map to FormatViolation.
func keywordCode(keyword string) Code {
	switch keyword {
	case "exclusiveMaximum", "exclusiveMinimum", "multipleOf", "maxItems", "minItems",
		"maxProperties", "minProperties", "additionalItems", "required":
		return OccurenceConstraintViolation
	case "pattern", "propertyNames", "additionalProperties":
		return PropertyConstraintViolation
	case "type":
		return TypeConstraintViolation
	case "maximum", "minimum", "maxLength", "minLength":
		return FormatViolation
	default:
		return FormatViolation
	}
}

// fmtErrorf is a small convenience matching jrpc2's Errorf that builds an
// *Error with a formatted message; it has the same behaviour as the exported
// Errorf.
func fmtErrorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}
