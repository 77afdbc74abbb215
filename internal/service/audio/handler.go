// Package audio provides the connection loop that coordinates a client
// transport, the recognition session and the transcript consumers.
package audio

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"ai-speech-relay-service/internal/observability/logging"
	"ai-speech-relay-service/internal/observability/metrics"
	"ai-speech-relay-service/internal/service/frame"
	"ai-speech-relay-service/internal/service/session"
	"ai-speech-relay-service/internal/service/stt"
)

// Transport is the client connection. Receive returns io.EOF when the client
// closed the connection normally.
type Transport interface {
	Receive(ctx context.Context) ([]byte, error)
	SendText(ctx context.Context, text string) error
	Close() error
}

// Consumer receives every transcript that passed the relay policy.
type Consumer interface {
	OnRecognitionEvent(ctx context.Context, t session.Transcript)
}

// UsageCounter accumulates received audio bytes per user.
type UsageCounter interface {
	Add(user string, n int64)
}

// Options configures a Handler.
type Options struct {
	// FrameSize is the recognizer frame size in bytes.
	FrameSize int
	Consumers []Consumer
	Usage     UsageCounter
}

// Handler runs the loop for one client connection.
// It is not safe to call Run more than once.
type Handler struct {
	sess      *session.Session
	transport Transport
	buf       *frame.Buffer
	consumers []Consumer
	usage     UsageCounter
	log       zerolog.Logger

	received int64
	relayed  int
	// stalledUntil skips sends after a vendor call timed out.
	stalledUntil time.Time
}

// NewHandler creates a handler for sess reading audio from t.
func NewHandler(sess *session.Session, t Transport, opts Options) *Handler {
	return &Handler{
		sess:      sess,
		transport: t,
		buf:       frame.NewBuffer(opts.FrameSize),
		consumers: opts.Consumers,
		usage:     opts.Usage,
		log:       logging.WithSession(sess.Key(), sess.User()),
	}
}

// Run serves the connection until the client disconnects, the transport
// fails or ctx is cancelled. The session is always closed on return and any
// audio still buffered is discarded. A normal client disconnect returns nil;
// transport failures are returned as *stt.TransportError.
func (h *Handler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := time.Now()
	metrics.DefaultMetrics.RecordConnectionStart()
	h.log.Info().Msg("Connection opened")

	chunks := make(chan []byte)
	readErr := make(chan error, 1)
	go h.read(ctx, chunks, readErr)

	ticker := time.NewTicker(h.sess.Config().PollInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case chunk := <-chunks:
			h.OnAudioChunk(ctx, chunk)

		case <-h.sess.Events():
			if err := h.relay(ctx); err != nil {
				runErr = err
				break loop
			}

		case now := <-ticker.C:
			if err := h.sess.OnIdleCheck(ctx, now); err != nil {
				h.log.Debug().Err(err).Msg("Idle check stop failed")
			}

		case err := <-readErr:
			if !errors.Is(err, io.EOF) {
				runErr = &stt.TransportError{Err: err}
			}
			break loop

		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		}
	}

	h.shutdown()
	metrics.DefaultMetrics.RecordConnectionEnd(time.Since(started).Seconds())

	ev := h.log.Info()
	if runErr != nil {
		metrics.DefaultMetrics.RecordConnectionFailed(stt.Reason(runErr))
		ev = h.log.Warn().Err(runErr)
	}
	ev.Str("received", humanize.Bytes(uint64(h.received))).
		Int("transcripts", h.relayed).
		Dur("duration", time.Since(started)).
		Msg("Connection closed")
	return runErr
}

// read pumps transport chunks into the loop until Receive fails.
func (h *Handler) read(ctx context.Context, chunks chan<- []byte, readErr chan<- error) {
	for {
		chunk, err := h.transport.Receive(ctx)
		if err != nil {
			readErr <- err
			return
		}
		if len(chunk) == 0 {
			continue
		}
		select {
		case chunks <- chunk:
		case <-ctx.Done():
			return
		}
	}
}

// OnAudioChunk buffers a received chunk and forwards every complete frame.
// Start and send failures are logged and absorbed. The first failure drops
// the rest of the buffered audio. After a timed-out vendor call, audio
// arriving within the next CallTimeout is dropped without a send, so a
// wedged provider never holds the loop for more than one CallTimeout at a
// time.
func (h *Handler) OnAudioChunk(ctx context.Context, chunk []byte) {
	now := time.Now()
	h.received += int64(len(chunk))
	metrics.DefaultMetrics.RecordAudioReceived(len(chunk))
	if h.usage != nil {
		h.usage.Add(h.sess.User(), int64(len(chunk)))
	}

	h.sess.OnAudioChunk(now)
	if now.Before(h.stalledUntil) {
		h.buf.Reset()
		return
	}
	h.buf.Append(chunk)
	for f := range h.buf.Frames() {
		if ctx.Err() != nil {
			return
		}
		if err := h.sess.Send(ctx, f); err != nil {
			if errors.Is(err, session.ErrSessionClosed) || ctx.Err() != nil {
				return
			}
			dropped := h.buf.Pending()
			h.buf.Reset()
			if errors.Is(err, context.DeadlineExceeded) {
				h.stalledUntil = time.Now().Add(h.sess.Config().CallTimeout)
			}
			h.log.Debug().Err(err).
				Int("frameBytes", len(f)).
				Int("droppedBytes", dropped).
				Msg("Frame not delivered, dropping buffered audio")
			return
		}
	}
}

// relay drains pending session events and forwards transcripts.
func (h *Handler) relay(ctx context.Context) error {
	for _, ev := range h.sess.DrainEvents() {
		t, ok := h.sess.Dispatch(ev)
		if !ok {
			continue
		}
		if err := h.OnRecognitionEvent(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// OnRecognitionEvent sends a transcript line to the client and hands the
// transcript to every consumer.
func (h *Handler) OnRecognitionEvent(ctx context.Context, t session.Transcript) error {
	if err := h.transport.SendText(ctx, t.Line()); err != nil {
		return &stt.TransportError{Err: err}
	}
	h.relayed++
	for _, c := range h.consumers {
		c.OnRecognitionEvent(ctx, t)
	}
	return nil
}

func (h *Handler) shutdown() {
	if n := h.buf.Pending(); n > 0 {
		h.log.Debug().Int("bytes", n).Msg("Discarding buffered audio")
	}
	h.buf.Reset()

	if err := h.sess.Close(context.Background()); err != nil {
		h.log.Warn().Err(err).Msg("Session close did not complete")
	}
	if err := h.transport.Close(); err != nil {
		h.log.Debug().Err(err).Msg("Transport close failed")
	}
}
