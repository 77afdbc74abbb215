// Package ws serves the client WebSocket endpoint: binary messages carry
// audio, text messages back to the client carry transcript lines.
package ws

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultWriteTimeout = 5 * time.Second
	maxMessageSize      = 1 << 20
	closeGrace          = time.Second
)

// Conn adapts a WebSocket connection to the connection loop transport.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

// NewConn wraps ws.
func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxMessageSize)
	return &Conn{ws: ws, writeTimeout: defaultWriteTimeout}
}

// Receive returns the next binary message. Text messages are ignored.
// A normal close by the client is reported as io.EOF.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return data, nil
		}
		log.Debug().Int("bytes", len(data)).Msg("Ignoring text message from client")
	}
}

// SendText writes one text message.
func (c *Conn) SendText(ctx context.Context, text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.writeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, []byte(text))
}

// Close sends a close frame and closes the connection. It is idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		c.writeMu.Unlock()
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			log.Debug().Err(werr).Msg("Close frame not sent")
		}
		err = c.ws.Close()
	})
	return err
}
