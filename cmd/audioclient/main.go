// Command audioclient streams a PCM WAV file to the relay over WebSocket and
// prints every transcript line it receives.
package main

import (
	"encoding/binary"
	"flag"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ai-speech-relay-service/internal/service/session"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// 100ms of 16kHz 16-bit mono audio
const chunkSize = 3200
const chunkIntervalMs = 100

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	audioFile := flag.String("audio", "testdata/sample-16khz.wav", "Path to WAV file (16kHz 16-bit mono)")
	server := flag.String("server", "ws://localhost:8080", "Relay base URL")
	user := flag.String("user", "demo-user", "User ID")
	tok := flag.String("token", "", "Token sent as the first message when auth is enabled")
	linger := flag.Duration("linger", 3*time.Second, "Time to wait for transcripts after the last chunk")
	flag.Parse()

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open audio file")
	}
	defer f.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatal().Err(err).Msg("Failed to read WAV header")
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Fatal().Msg("Not a valid WAV file")
	}
	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	if audioFormat != 1 {
		log.Fatal().Uint16("format", audioFormat).Msg("Only PCM format supported")
	}
	if sampleRate != 16000 {
		log.Warn().Uint32("sampleRate", sampleRate).Msg("Expected 16000 Hz audio")
	}

	endpoint, err := url.JoinPath(*server, "v1", "ws", url.PathEscape(*user))
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid server URL")
	}
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		log.Fatal().Err(err).Str("url", endpoint).Msg("Failed to connect")
	}
	defer conn.Close()
	log.Info().Str("url", endpoint).Msg("Connected")

	if *tok != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(*tok)); err != nil {
			log.Fatal().Err(err).Msg("Failed to send token")
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			line := string(data)
			if text, ok := strings.CutPrefix(line, session.FinalPrefix); ok {
				log.Info().Str("final", text).Msg("Transcript")
			} else {
				log.Info().Str("interim", line).Msg("Transcript")
			}
		}
	}()

	chunk := make([]byte, chunkSize)
	var total int
	for {
		n, err := f.Read(chunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read audio")
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk[:n]); err != nil {
			log.Fatal().Err(err).Msg("Failed to send chunk")
		}
		total += n
		time.Sleep(chunkIntervalMs * time.Millisecond)
	}
	log.Info().Int("bytes", total).Msg("Finished streaming, waiting for transcripts")

	select {
	case <-done:
	case <-time.After(*linger):
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
