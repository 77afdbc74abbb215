// Command transcriptviewer consumes transcript events from Kafka and streams
// them to browsers over WebSocket.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"ai-speech-relay-service/internal/models"
)

const page = `<!doctype html>
<html><head><meta charset="utf-8"><title>Transcripts</title></head>
<body><pre id="out"></pre><script>
const out = document.getElementById("out");
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.onmessage = (m) => {
  const e = JSON.parse(m.data);
  const kind = e.eventType.endsWith(".final") ? "FINAL  " : "interim";
  out.textContent += kind + " " + e.userId + " #" + e.seq + ": " + e.text + "\n";
};
</script></body></html>`

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local dev
	},
}

func wsHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("WebSocket upgrade error")
			return
		}
		hub.register <- conn

		// Keep connection alive, handle disconnects
		go func() {
			defer func() {
				hub.unregister <- conn
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

// decodeEvent parses a transcript event. Partial and final events share
// one wire shape.
func decodeEvent(value []byte) (models.TranscriptFinal, error) {
	var event models.TranscriptFinal
	err := json.Unmarshal(value, &event)
	return event, err
}

func consumeKafka(ctx context.Context, hub *Hub, brokers []string, topic string) {
	// Use partition reader without consumer group (works better through port-forward)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if err := reader.SetOffsetAt(ctx, time.Now().Add(-1*time.Hour)); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Could not rewind to last hour")
	}
	log.Info().Str("topic", topic).Msg("Consuming from Kafka partition 0 (last hour)")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("topic", topic).Msg("Kafka read error")
			time.Sleep(time.Second)
			continue
		}

		event, err := decodeEvent(msg.Value)
		if err != nil {
			log.Warn().Err(err).Msg("JSON unmarshal error")
			continue
		}
		log.Debug().
			Str("eventType", event.EventType).
			Str("sessionKey", event.SessionKey).
			Str("text", truncate(event.Text, 40)).
			Msg("Received transcript")

		select {
		case hub.broadcast <- event:
		case <-ctx.Done():
			return
		}
	}
}

func newRouter(hub *Hub) http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	})
	r.Get("/ws", wsHandler(hub))
	return r
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	port := flag.String("port", "8081", "HTTP server port")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topicPartial := flag.String("topic-partial", models.EventTypePartial, "Partial transcript topic")
	topicFinal := flag.String("topic-final", models.EventTypeFinal, "Final transcript topic")
	flag.Parse()

	hub := newHub()
	go hub.run()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	brokerList := strings.Split(*brokers, ",")
	go consumeKafka(ctx, hub, brokerList, *topicPartial)
	go consumeKafka(ctx, hub, brokerList, *topicFinal)

	srv := &http.Server{Addr: ":" + *port, Handler: newRouter(hub), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		hub.stop()
	}()

	log.Info().
		Str("addr", "http://localhost:"+*port).
		Strs("brokers", brokerList).
		Strs("topics", []string{*topicPartial, *topicFinal}).
		Msg("Transcript viewer starting")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}
}
