package main

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"ai-speech-relay-service/internal/models"
)

// client is the subset of a WebSocket connection the hub writes to.
type client interface {
	WriteJSON(v any) error
	Close() error
}

var _ client = (*websocket.Conn)(nil)

// Hub fans transcript events out to connected browsers.
type Hub struct {
	clients    map[client]bool
	broadcast  chan models.TranscriptFinal
	register   chan client
	unregister chan client
	quit       chan struct{}
	mu         sync.RWMutex
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[client]bool),
		broadcast:  make(chan models.TranscriptFinal, 100),
		register:   make(chan client),
		unregister: make(chan client),
		quit:       make(chan struct{}),
	}
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			log.Info().Int("clients", h.count()).Msg("Client connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
			log.Info().Int("clients", h.count()).Msg("Client disconnected")

		case event := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteJSON(event); err != nil {
					log.Warn().Err(err).Msg("Write error")
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()

		case <-h.quit:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) stop() { close(h.quit) }
