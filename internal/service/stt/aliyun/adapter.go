// Package aliyun provides an Alibaba Cloud NLS realtime transcription adapter.
package aliyun

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"ai-speech-relay-service/internal/service/stt"
	"ai-speech-relay-service/internal/service/token"
)

// Config holds NLS configuration.
type Config struct {
	URL                      string        `mapstructure:"url"`
	AppKey                   string        `mapstructure:"appKey"`
	Region                   string        `mapstructure:"region"`
	AccessKeyID              string        `mapstructure:"accessKeyId"`
	AccessKeySecret          string        `mapstructure:"accessKeySecret"`
	Format                   string        `mapstructure:"format"`
	SampleRateHz             int           `mapstructure:"sampleRateHz"`
	IntermediateResult       bool          `mapstructure:"intermediateResult"`
	Punctuation              bool          `mapstructure:"punctuation"`
	InverseTextNormalization bool          `mapstructure:"inverseTextNormalization"`
	HandshakeTimeout         time.Duration `mapstructure:"handshakeTimeout"`
}

// DefaultConfig returns the Shanghai gateway with 16kHz PCM and all
// text post-processing enabled.
func DefaultConfig() Config {
	return Config{
		URL:                      "wss://nls-gateway-cn-shanghai.aliyuncs.com/ws/v1",
		Region:                   "cn-shanghai",
		Format:                   "pcm",
		SampleRateHz:             16000,
		IntermediateResult:       true,
		Punctuation:              true,
		InverseTextNormalization: true,
		HandshakeTimeout:         10 * time.Second,
	}
}

// Adapter implements stt.Adapter over the NLS WebSocket gateway.
type Adapter struct {
	cfg    Config
	tokens token.Provider
	dialer *websocket.Dialer
	ids    atomic.Uint64
}

var _ stt.Adapter = (*Adapter)(nil)

// New creates an adapter. tokens is shared by all sessions of the process.
func New(cfg Config, tokens token.Provider) *Adapter {
	return &Adapter{
		cfg:    cfg,
		tokens: tokens,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Name returns "aliyun".
func (a *Adapter) Name() string { return "aliyun" }

type handle struct {
	id       string
	taskID   string
	conn     *websocket.Conn
	writeMu  sync.Mutex
	active   atomic.Bool
	stopping atomic.Bool
	started  chan error
	done     chan struct{}
}

func (h *handle) ID() string   { return h.id }
func (h *handle) Active() bool { return h.active.Load() }

func (h *handle) write(ctx context.Context, messageType int, data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = h.conn.SetWriteDeadline(dl)
	} else {
		_ = h.conn.SetWriteDeadline(time.Time{})
	}
	return h.conn.WriteMessage(messageType, data)
}

// Start connects to the gateway, sends StartTranscription and waits for
// TranscriptionStarted.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) (stt.Handle, error) {
	tok, _, err := a.tokens.GetToken(ctx)
	if err != nil {
		return nil, &stt.StartError{Provider: a.Name(), Err: err}
	}

	hdr := http.Header{}
	hdr.Set(tokenHeader, tok)
	conn, resp, err := a.dialer.DialContext(ctx, a.cfg.URL, hdr)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (http %d)", err, resp.StatusCode)
		}
		return nil, &stt.StartError{Provider: a.Name(), Err: err}
	}

	h := &handle{
		id:      fmt.Sprintf("aliyun-%d", a.ids.Add(1)),
		taskID:  newID(),
		conn:    conn,
		started: make(chan error, 1),
		done:    make(chan struct{}),
	}

	msg, err := a.startMessage(h.taskID)
	if err == nil {
		err = h.write(ctx, websocket.TextMessage, msg)
	}
	if err != nil {
		conn.Close()
		return nil, &stt.StartError{Provider: a.Name(), Err: err}
	}

	go a.listen(h, cb)

	select {
	case err := <-h.started:
		if err != nil {
			conn.Close()
			return nil, &stt.StartError{Provider: a.Name(), Err: err}
		}
	case <-ctx.Done():
		h.stopping.Store(true)
		conn.Close()
		return nil, &stt.StartError{Provider: a.Name(), Err: ctx.Err()}
	}

	h.active.Store(true)
	log.Debug().Str("handle", h.id).Str("taskId", h.taskID).Msg("NLS transcription started")
	return h, nil
}

// Send sends one audio frame as a binary message.
func (a *Adapter) Send(ctx context.Context, sh stt.Handle, frame []byte) error {
	h, ok := sh.(*handle)
	if !ok {
		return &stt.SendError{Provider: a.Name(), Err: fmt.Errorf("foreign handle %T", sh)}
	}
	if !h.Active() {
		return &stt.SendError{Provider: a.Name(), Err: stt.ErrHandleInactive}
	}
	if err := h.write(ctx, websocket.BinaryMessage, frame); err != nil {
		h.active.Store(false)
		return &stt.SendError{Provider: a.Name(), Err: err}
	}
	return nil
}

// Stop sends StopTranscription and waits for TranscriptionCompleted.
func (a *Adapter) Stop(ctx context.Context, sh stt.Handle) error {
	h, ok := sh.(*handle)
	if !ok {
		return &stt.StopError{Provider: a.Name(), Err: fmt.Errorf("foreign handle %T", sh)}
	}
	if h.stopping.Swap(true) {
		return nil
	}
	wasActive := h.active.Swap(false)
	defer h.conn.Close()

	if wasActive {
		msg, err := a.stopMessage(h.taskID)
		if err == nil {
			err = h.write(ctx, websocket.TextMessage, msg)
		}
		if err != nil {
			return &stt.StopError{Provider: a.Name(), Err: err}
		}
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return &stt.StopError{Provider: a.Name(), Err: ctx.Err()}
	}
}

// listen reads gateway messages until the task completes or the connection drops.
func (a *Adapter) listen(h *handle, cb stt.Callback) {
	started := false
	signalled := false
	signal := func(err error) {
		if !signalled {
			signalled = true
			h.started <- err
		}
	}
	defer func() {
		h.active.Store(false)
		h.conn.Close()
		signal(errors.New("connection closed before transcription started"))
		if started {
			cb.OnClosed()
		}
		close(h.done)
	}()

	for {
		messageType, data, err := h.conn.ReadMessage()
		if err != nil {
			if started && !h.stopping.Load() {
				cb.OnError(fmt.Errorf("aliyun: read: %w", err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		resp, err := decodeResponse(data)
		if err != nil {
			if started {
				cb.OnError(&stt.MalformedEventError{Provider: a.Name(), Payload: data, Err: err})
			}
			continue
		}

		switch resp.Header.Name {
		case nameStarted:
			if !started {
				started = true
				signal(nil)
			}

		case nameTaskFailed:
			err := fmt.Errorf("aliyun: task failed: status=%d %s", resp.Header.Status, resp.Header.StatusText)
			if !started {
				signal(err)
				return
			}
			cb.OnError(err)
			return

		case nameSentenceBegin:
			log.Debug().Str("handle", h.id).Msg("NLS sentence begin")

		case nameResultChanged, nameSentenceEnd:
			p, err := decodeResult(resp.Payload)
			if err != nil {
				cb.OnError(&stt.MalformedEventError{Provider: a.Name(), Payload: data, Err: err})
				continue
			}
			if resp.Header.Name == nameSentenceEnd {
				cb.OnFinal(p.Result, p.Confidence)
			} else {
				cb.OnInterim(p.Result, p.Confidence)
			}

		case nameCompleted:
			return

		default:
			log.Debug().Str("handle", h.id).Str("name", resp.Header.Name).Msg("Unhandled NLS message")
		}
	}
}
