package transport

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gorilla/websocket"
)

func TestIsCloseErrorExtractsCodeAndReason(t *testing.T) {
	ce := &websocket.CloseError{Code: websocket.CloseGoingAway, Text: "bye"}
	code, reason, ok := IsCloseError(ce)
	if !ok {
		t.Fatal("expected ok=true for a *websocket.CloseError")
	}
	if code != websocket.CloseGoingAway || reason != "bye" {
		t.Errorf("IsCloseError = (%d, %q), want (%d, %q)", code, reason, websocket.CloseGoingAway, "bye")
	}
}

func TestIsCloseErrorUnwrapsWrappedCloseError(t *testing.T) {
	ce := &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "done"}
	wrapped := fmt.Errorf("read failed: %w", ce)
	code, reason, ok := IsCloseError(wrapped)
	if !ok || code != websocket.CloseNormalClosure || reason != "done" {
		t.Errorf("IsCloseError(wrapped) = (%d, %q, %v), want (%d, %q, true)", code, reason, ok, websocket.CloseNormalClosure, "done")
	}
}

func TestIsCloseErrorFalseForUnrelatedError(t *testing.T) {
	if _, _, ok := IsCloseError(errors.New("connection reset")); ok {
		t.Error("IsCloseError should report false for a non-close error")
	}
	if _, _, ok := IsCloseError(nil); ok {
		t.Error("IsCloseError(nil) should report false")
	}
}
