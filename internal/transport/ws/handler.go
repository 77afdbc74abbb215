package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"ai-speech-relay-service/internal/auth"
	"ai-speech-relay-service/internal/observability/metrics"
	"ai-speech-relay-service/internal/service/audio"
	"ai-speech-relay-service/internal/service/session"
	"ai-speech-relay-service/internal/service/stt"
	"ai-speech-relay-service/internal/usage"
)

// TokenInvalid is sent to the client before closing when the handshake token
// is rejected.
const TokenInvalid = "TOKEN_INVALID"

// UserParam is the route parameter carrying the user id.
const UserParam = "user_id"

const defaultHandshakeTimeout = 10 * time.Second

// Options configures the endpoint.
type Options struct {
	Adapter   stt.Adapter
	Registry  *session.Registry
	Session   session.Config
	FrameSize int
	Consumers []audio.Consumer
	// Usage may be nil.
	Usage *usage.Counter
	// Verifier enables the token handshake: the first client message must be
	// a text message holding the token, and its subject becomes the user.
	Verifier         *auth.Verifier
	HandshakeTimeout time.Duration
}

// Handler upgrades requests and runs one connection loop per client.
type Handler struct {
	opts     Options
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates the endpoint handler.
func NewHandler(opts Options) *Handler {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// ServeHTTP handles GET /ws/{user_id}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	user := chi.URLParam(r, UserParam)

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("userId", user).Msg("WebSocket upgrade failed")
		metrics.DefaultMetrics.RecordConnectionFailed("upgrade")
		return
	}
	conn := NewConn(wsConn)

	h.wg.Add(1)
	defer h.wg.Done()

	if h.opts.Verifier != nil {
		subject, ok := h.handshake(wsConn, conn, user)
		if !ok {
			return
		}
		user = subject
	}

	key := uuid.NewString()
	sess := session.New(key, user, h.opts.Adapter, h.opts.Registry, h.opts.Session)
	log.Info().
		Str("sessionKey", key).
		Str("userId", user).
		Str("pathUserId", chi.URLParam(r, UserParam)).
		Int("activeUsers", len(h.opts.Registry.Users())).
		Msg("Client connected")

	opts := audio.Options{FrameSize: h.opts.FrameSize, Consumers: h.opts.Consumers}
	if h.opts.Usage != nil {
		opts.Usage = h.opts.Usage
	}
	if err := audio.NewHandler(sess, conn, opts).Run(h.ctx); err != nil {
		log.Debug().Err(err).Str("sessionKey", key).Msg("Connection loop ended with error")
	}

	if h.opts.Usage != nil {
		if err := h.opts.Usage.Save(); err != nil {
			log.Error().Err(err).Msg("Failed to save usage counters")
		}
	}
}

// handshake reads the token message. On failure the client gets TokenInvalid
// and the connection is closed.
func (h *Handler) handshake(wsConn *websocket.Conn, conn *Conn, pathUser string) (string, bool) {
	_ = wsConn.SetReadDeadline(time.Now().Add(h.opts.HandshakeTimeout))
	mt, data, err := wsConn.ReadMessage()
	_ = wsConn.SetReadDeadline(time.Time{})

	var subject string
	if err == nil && mt == websocket.TextMessage {
		subject, err = h.opts.Verifier.Verify(strings.TrimSpace(string(data)))
	} else if err == nil {
		err = auth.ErrInvalidToken
	}
	if err != nil {
		log.Warn().Err(err).Str("pathUserId", pathUser).Msg("Token handshake rejected")
		metrics.DefaultMetrics.RecordConnectionFailed("token_invalid")
		ctx, cancel := context.WithTimeout(h.ctx, closeGrace)
		_ = conn.SendText(ctx, TokenInvalid)
		cancel()
		_ = conn.Close()
		return "", false
	}
	return subject, true
}

// Shutdown stops accepting connections, ends the running loops and waits for
// them to finish or for ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
