package rpc

import (
	"context"
	"errors"
	"testing"
)

func TestKeywordCode(t *testing.T) {
	tests := []struct {
		keyword string
		want    Code
	}{
		{"required", OccurenceConstraintViolation},
		{"maxItems", OccurenceConstraintViolation},
		{"pattern", PropertyConstraintViolation},
		{"additionalProperties", PropertyConstraintViolation},
		{"type", TypeConstraintViolation},
		{"minimum", FormatViolation},
		{"maxLength", FormatViolation},
		{"somethingElse", FormatViolation},
	}
	for _, tc := range tests {
		if got := keywordCode(tc.keyword); got != tc.want {
			t.Errorf("keywordCode(%q) = %q, want %q", tc.keyword, got, tc.want)
		}
	}
}

func TestErrorCodeClassification(t *testing.T) {
	if got := ErrorCode(nil); got != "" {
		t.Errorf("ErrorCode(nil) = %q, want empty", got)
	}
	if got := ErrorCode(context.Canceled); got != GenericError {
		t.Errorf("ErrorCode(context.Canceled) = %q, want %q", got, GenericError)
	}
	if got := ErrorCode(context.DeadlineExceeded); got != GenericError {
		t.Errorf("ErrorCode(context.DeadlineExceeded) = %q, want %q", got, GenericError)
	}
	if got := ErrorCode(errors.New("boom")); got != InternalError {
		t.Errorf("ErrorCode(plain error) = %q, want %q", got, InternalError)
	}
	custom := &Error{Code: NotSupported, Description: "nope"}
	if got := ErrorCode(custom); got != NotSupported {
		t.Errorf("ErrorCode(*Error) = %q, want %q", got, NotSupported)
	}
	wrapped := &Error{Code: OccurrenceConstraintViolation}
	if got := ErrorCode(wrapped); got != OccurenceConstraintViolation {
		t.Errorf("ErrorCode normalizes occurrence spelling: got %q, want %q", got, OccurenceConstraintViolation)
	}
}

func TestIsKnownCode(t *testing.T) {
	if !IsKnownCode(GenericError) {
		t.Error("GenericError should be known")
	}
	if IsKnownCode(Code("TotallyMadeUp")) {
		t.Error("unknown code reported as known")
	}
}
