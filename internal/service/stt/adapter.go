// Package stt defines the interface for Speech-to-Text adapters.
package stt

import "context"

// Callback receives recognition events from the STT provider.
// Methods may be invoked from goroutines owned by the adapter, never by the caller.
type Callback interface {
	// OnInterim is called when an interim/partial transcript is received.
	OnInterim(text string, confidence float64)

	// OnFinal is called when a final transcript is received.
	OnFinal(text string, confidence float64)

	// OnError is called when an error occurs during transcription.
	OnError(err error)

	// OnClosed is called once when the provider session ends, whoever ended it.
	OnClosed()
}

// Handle identifies one running recognition session inside an adapter.
type Handle interface {
	// ID returns an identifier for logging.
	ID() string

	// Active reports whether the handle still accepts audio.
	Active() bool
}

// Adapter defines the interface for STT providers (Google, Aliyun, Deepgram, etc.).
// Calls are blocking and are issued one at a time per session.
type Adapter interface {
	// Name returns the provider name used in logs and metrics.
	Name() string

	// Start opens a streaming recognition session. Events for the session are
	// delivered to cb until OnClosed.
	Start(ctx context.Context, cb Callback) (Handle, error)

	// Send transmits one audio frame.
	Send(ctx context.Context, h Handle, frame []byte) error

	// Stop gracefully ends the session. Stopping a stopped handle is a no-op.
	Stop(ctx context.Context, h Handle) error
}
