package session

import (
	"strings"
	"sync"

	"ai-speech-relay-service/internal/observability/metrics"
	"ai-speech-relay-service/internal/service/stt"
)

// FinalPrefix marks a final transcript line sent to the consumer.
const FinalPrefix = "<|final|>"

// DefaultMinConfidence is the confidence a transcript must exceed to be relayed.
const DefaultMinConfidence = 0.5

// EventKind classifies a recognition event.
type EventKind int

const (
	EventInterim EventKind = iota
	EventFinal
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventInterim:
		return "interim"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one provider callback, queued for the connection loop.
type Event struct {
	Kind       EventKind
	Text       string
	Confidence float64
	Err        error

	// Seq is the arrival order within the session, starting at 1.
	Seq uint64
	// Run is the recognition run that produced the event.
	Run   uint64
	RunID string
}

// Transcript is a recognition result that passed the relay policy.
type Transcript struct {
	SessionKey string
	UserID     string
	RunID      string
	Final      bool
	Text       string
	Confidence float64
	Seq        uint64
}

// Line renders the transcript the way the consumer receives it.
func (t Transcript) Line() string {
	if t.Final {
		return FinalPrefix + t.Text
	}
	return t.Text
}

// Policy decides which transcripts reach the consumer.
type Policy struct {
	// MinConfidence must be strictly exceeded.
	MinConfidence float64
	// FilterInterim applies MinConfidence to interim results too. Providers
	// that report no confidence on interims (Google reports 0) need it off.
	FilterInterim bool
}

// DefaultPolicy filters both interim and final results at DefaultMinConfidence.
func DefaultPolicy() Policy {
	return Policy{MinConfidence: DefaultMinConfidence, FilterInterim: true}
}

// Allow reports whether a transcript passes, and the drop reason when it does not.
func (p Policy) Allow(kind EventKind, text string, confidence float64) (bool, string) {
	if strings.TrimSpace(text) == "" {
		return false, "empty_text"
	}
	if kind == EventInterim && !p.FilterInterim {
		return true, ""
	}
	if confidence <= p.MinConfidence {
		return false, "low_confidence"
	}
	return true, ""
}

// eventQueue is an unbounded FIFO. Pushes never block, so provider goroutines
// are never held up by a slow consumer.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	seq    uint64
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.seq++
	ev.Seq = q.seq
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// relayCallback is the stt.Callback handed to a provider for one run. It holds
// only a Ref, so a provider that outlives its session reaches nothing.
type relayCallback struct {
	registry *Registry
	ref      Ref
	run      uint64
	runID    string
}

var _ stt.Callback = (*relayCallback)(nil)

func (c *relayCallback) OnInterim(text string, confidence float64) {
	c.deliver(Event{Kind: EventInterim, Text: text, Confidence: confidence})
}

func (c *relayCallback) OnFinal(text string, confidence float64) {
	c.deliver(Event{Kind: EventFinal, Text: text, Confidence: confidence})
}

func (c *relayCallback) OnError(err error) {
	c.deliver(Event{Kind: EventError, Err: err})
}

func (c *relayCallback) OnClosed() {
	c.deliver(Event{Kind: EventClosed})
}

func (c *relayCallback) deliver(ev Event) {
	s, ok := c.registry.Lookup(c.ref)
	if !ok {
		metrics.DefaultMetrics.RecordStaleCallback()
		return
	}
	ev.Run = c.run
	ev.RunID = c.runID
	s.events.push(ev)
}
