// Package deepgram provides a Deepgram live transcription adapter.
package deepgram

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ai-speech-relay-service/internal/service/stt"
)

// Config holds Deepgram configuration.
type Config struct {
	APIKey         string `mapstructure:"apiKey"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Encoding       string `mapstructure:"encoding"`
	SampleRate     int    `mapstructure:"sampleRate"`
	InterimResults bool   `mapstructure:"interimResults"`
	VADEvents      bool   `mapstructure:"vadEvents"`
	UtteranceEndMs int    `mapstructure:"utteranceEndMs"`
}

// DefaultConfig returns settings for 16kHz linear PCM.
func DefaultConfig() Config {
	return Config{
		Model:          "nova-2",
		Language:       "zh-CN",
		Encoding:       "linear16",
		SampleRate:     16000,
		InterimResults: true,
		VADEvents:      true,
		UtteranceEndMs: 1000,
	}
}

// Adapter implements stt.Adapter using the Deepgram live WebSocket API.
type Adapter struct {
	cfg Config
	ids atomic.Uint64
}

var _ stt.Adapter = (*Adapter)(nil)

// New creates a Deepgram adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("deepgram: api key is required")
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	return &Adapter{cfg: cfg}, nil
}

// Name returns "deepgram".
func (a *Adapter) Name() string { return "deepgram" }

func (a *Adapter) transcriptionOptions() *interfaces.LiveTranscriptionOptions {
	opts := &interfaces.LiveTranscriptionOptions{
		Model:          a.cfg.Model,
		Language:       a.cfg.Language,
		Encoding:       a.cfg.Encoding,
		SampleRate:     a.cfg.SampleRate,
		Channels:       1,
		InterimResults: a.cfg.InterimResults,
		VadEvents:      a.cfg.VADEvents,
		SmartFormat:    true,
		Punctuate:      true,
	}
	if a.cfg.UtteranceEndMs > 0 {
		opts.UtteranceEndMs = strconv.Itoa(a.cfg.UtteranceEndMs)
	}
	return opts
}

type handle struct {
	id       string
	dg       *client.WSCallback
	cancel   context.CancelFunc
	pw       *io.PipeWriter
	writeMu  sync.Mutex
	active   atomic.Bool
	stopOnce sync.Once
	closed   *closeOnce
}

func (h *handle) ID() string   { return h.id }
func (h *handle) Active() bool { return h.active.Load() }

// closeOnce reports OnClosed exactly once, whether Deepgram or Stop ends the stream.
type closeOnce struct {
	once sync.Once
	cb   stt.Callback
}

func (c *closeOnce) fire() { c.once.Do(c.cb.OnClosed) }

// Start opens the live connection and begins streaming from an in-memory pipe.
// The handle exists before the connection so events arriving during Connect
// see it.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) (stt.Handle, error) {
	id := fmt.Sprintf("deepgram-%d", a.ids.Add(1))
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	pr, pw := io.Pipe()
	closed := &closeOnce{cb: cb}
	h := &handle{id: id, cancel: cancel, pw: pw, closed: closed}
	h.active.Store(true)
	dcb := &callback{cb: cb, closed: closed, handle: h, log: log.With().Str("component", "deepgram").Str("handle", id).Logger()}

	fail := func(err error) (stt.Handle, error) {
		h.active.Store(false)
		_ = pw.Close()
		cancel()
		return nil, &stt.StartError{Provider: a.Name(), Err: err}
	}

	dg, err := client.NewWSUsingCallback(streamCtx, a.cfg.APIKey, &interfaces.ClientOptions{EnableKeepAlive: true}, a.transcriptionOptions(), dcb)
	if err != nil {
		return fail(err)
	}
	h.dg = dg
	if ok := dg.Connect(); !ok {
		return fail(fmt.Errorf("connection failed"))
	}
	if err := ctx.Err(); err != nil {
		dg.Stop()
		return fail(err)
	}

	go h.pump(streamCtx, dg.Stream, pr, cb)
	return h, nil
}

// pump feeds the pipe to the live stream until the stream returns. The pipe
// reader is then closed so a Send blocked on the pipe fails instead of
// hanging.
func (h *handle) pump(streamCtx context.Context, stream func(io.Reader) error, pr *io.PipeReader, cb stt.Callback) {
	err := stream(pr)
	if err != nil {
		_ = pr.CloseWithError(err)
	} else {
		_ = pr.Close()
	}
	if streamCtx.Err() != nil || !h.active.CompareAndSwap(true, false) {
		return
	}
	if err != nil {
		cb.OnError(fmt.Errorf("deepgram: stream: %w", err))
	}
	h.closed.fire()
}

// Send writes one frame into the stream pipe.
func (a *Adapter) Send(ctx context.Context, sh stt.Handle, frame []byte) error {
	h, ok := sh.(*handle)
	if !ok {
		return &stt.SendError{Provider: a.Name(), Err: fmt.Errorf("foreign handle %T", sh)}
	}
	if !h.Active() {
		return &stt.SendError{Provider: a.Name(), Err: stt.ErrHandleInactive}
	}
	h.writeMu.Lock()
	_, err := h.pw.Write(frame)
	h.writeMu.Unlock()
	if err != nil {
		h.active.Store(false)
		return &stt.SendError{Provider: a.Name(), Err: err}
	}
	return nil
}

// Stop finalizes and closes the connection.
func (a *Adapter) Stop(ctx context.Context, sh stt.Handle) error {
	h, ok := sh.(*handle)
	if !ok {
		return &stt.StopError{Provider: a.Name(), Err: fmt.Errorf("foreign handle %T", sh)}
	}
	h.stopOnce.Do(func() {
		h.active.Store(false)
		_ = h.pw.Close()
		h.dg.Stop()
		h.cancel()
		h.closed.fire()
	})
	return nil
}

// callback maps Deepgram live events onto stt.Callback.
type callback struct {
	cb     stt.Callback
	closed *closeOnce
	handle *handle
	log    zerolog.Logger
}

var _ msginterfaces.LiveMessageCallback = (*callback)(nil)

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.log.Debug().Msg("Deepgram connection opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}
	if mr.IsFinal || mr.SpeechFinal {
		c.cb.OnFinal(alt.Transcript, alt.Confidence)
	} else {
		c.cb.OnInterim(alt.Transcript, alt.Confidence)
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.log.Debug().Str("requestId", md.RequestID).Msg("Deepgram metadata")
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.log.Debug().Msg("Deepgram speech started")
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.log.Debug().Msg("Deepgram utterance end")
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	if c.handle != nil {
		c.handle.active.Store(false)
	}
	c.closed.fire()
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.cb.OnError(fmt.Errorf("deepgram: %s: %s", er.ErrCode, er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.cb.OnError(&stt.MalformedEventError{Provider: "deepgram", Payload: byData, Err: fmt.Errorf("unhandled event")})
	return nil
}
