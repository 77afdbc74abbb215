package stt

import (
	"errors"
	"fmt"
	"testing"
)

func TestReason(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ReasonUnknown},
		{"start", &StartError{Provider: "mock", Err: cause}, ReasonStart},
		{"send", &SendError{Provider: "mock", Err: ErrHandleInactive}, ReasonSend},
		{"stop", &StopError{Provider: "mock", Err: cause}, ReasonStop},
		{"malformed", &MalformedEventError{Provider: "mock", Payload: []byte("x"), Err: cause}, ReasonMalformed},
		{"wrapped malformed", fmt.Errorf("relay: %w", &MalformedEventError{Err: cause}), ReasonMalformed},
		{"transport", &TransportError{Err: cause}, ReasonTransport},
		{"plain", cause, ReasonProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Reason(tt.err); got != tt.want {
				t.Errorf("Reason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorsUnwrap(t *testing.T) {
	err := &SendError{Provider: "google", Err: ErrHandleInactive}
	if !errors.Is(err, ErrHandleInactive) {
		t.Error("SendError should unwrap to ErrHandleInactive")
	}
	if !IsMalformed(&MalformedEventError{Err: errors.New("bad json")}) {
		t.Error("IsMalformed should report true")
	}
	if IsMalformed(&StartError{Err: errors.New("denied")}) {
		t.Error("IsMalformed should report false for StartError")
	}
}
