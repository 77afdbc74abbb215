package stt

import (
	"errors"
	"fmt"
)

// Reasons used as metric labels.
const (
	ReasonStart     = "start"
	ReasonSend      = "send"
	ReasonStop      = "stop"
	ReasonMalformed = "malformed_event"
	ReasonTransport = "transport"
	ReasonProvider  = "provider"
	ReasonUnknown   = "unknown"
)

// ErrHandleInactive is returned by Send when the handle was stopped or closed by the provider.
var ErrHandleInactive = errors.New("stt handle is not active")

// StartError reports an auth or connectivity failure while opening a session.
// It is recoverable: the next audio frame retries.
type StartError struct {
	Provider string
	Err      error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("%s: start recognition: %v", e.Provider, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// SendError reports a frame that could not be delivered, usually because the handle is gone.
type SendError struct {
	Provider string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: send frame: %v", e.Provider, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// StopError reports a failed graceful stop. It is only ever logged.
type StopError struct {
	Provider string
	Err      error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("%s: stop recognition: %v", e.Provider, e.Err)
}

func (e *StopError) Unwrap() error { return e.Err }

// MalformedEventError reports a provider payload that could not be parsed.
// The event is dropped and the session continues.
type MalformedEventError struct {
	Provider string
	Payload  []byte
	Err      error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("%s: malformed event (%d bytes): %v", e.Provider, len(e.Payload), e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// TransportError reports a failure of the client connection. It ends the session.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is a MalformedEventError.
func IsMalformed(err error) bool {
	var me *MalformedEventError
	return errors.As(err, &me)
}

// Reason maps an error onto one of the Reason* labels.
func Reason(err error) string {
	var (
		startErr     *StartError
		sendErr      *SendError
		stopErr      *StopError
		malformedErr *MalformedEventError
		transportErr *TransportError
	)
	switch {
	case err == nil:
		return ReasonUnknown
	case errors.As(err, &malformedErr):
		return ReasonMalformed
	case errors.As(err, &startErr):
		return ReasonStart
	case errors.As(err, &sendErr):
		return ReasonSend
	case errors.As(err, &stopErr):
		return ReasonStop
	case errors.As(err, &transportErr):
		return ReasonTransport
	default:
		return ReasonProvider
	}
}
