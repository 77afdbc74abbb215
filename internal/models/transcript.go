// Package models defines the data structures for transcript events.
package models

// Event types carried in the eventType field.
const (
	EventTypePartial = "speech.transcript.partial"
	EventTypeFinal   = "speech.transcript.final"
)

// TranscriptPartial represents an interim/partial transcript result.
type TranscriptPartial struct {
	EventType  string  `json:"eventType"`
	SessionKey string  `json:"sessionKey"`
	UserID     string  `json:"userId"`
	RunID      string  `json:"runId"`
	Seq        uint64  `json:"seq"`
	Timestamp  int64   `json:"timestamp"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// TranscriptFinal represents a final transcript result with confidence score.
type TranscriptFinal struct {
	EventType  string  `json:"eventType"`
	SessionKey string  `json:"sessionKey"`
	UserID     string  `json:"userId"`
	RunID      string  `json:"runId"`
	Seq        uint64  `json:"seq"`
	Timestamp  int64   `json:"timestamp"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}
