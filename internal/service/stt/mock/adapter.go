// Package mock provides a mock STT adapter for testing without cloud credentials.
// It simulates realistic speech-to-text behavior with progressive interim transcripts
// and exactly one final transcript per run.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ai-speech-relay-service/internal/service/stt"
)

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials   []string `mapstructure:"partials"`   // Progressive interim transcripts
	Final      string   `mapstructure:"final"`      // Final transcript text
	Confidence float64  `mapstructure:"confidence"` // Confidence score for every result
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials:   []string{"I want", "I want to", "I want to cancel"},
		Final:      "I want to cancel my subscription",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"Yes", "Yes please"},
		Final:      "Yes please go ahead",
		Confidence: 0.97,
	},
	{
		Partials:   []string{"Can you", "Can you help", "Can you help me with"},
		Final:      "Can you help me with my account",
		Confidence: 0.91,
	},
	{
		Partials:   []string{"Thank you"},
		Final:      "Thank you very much",
		Confidence: 0.98,
	},
}

// Config controls the simulation.
type Config struct {
	// Utterances are played one per run, cycling.
	Utterances []SimulatedUtterance `mapstructure:"utterances"`
	// EventDelay is the simulated processing latency before each event.
	EventDelay time.Duration `mapstructure:"eventDelay"`
}

// DefaultConfig returns the default simulation settings.
func DefaultConfig() Config {
	return Config{
		Utterances: DefaultUtterances,
		EventDelay: 50 * time.Millisecond,
	}
}

// Adapter implements stt.Adapter with mock responses.
// Every frame advances the current utterance by one interim transcript; the
// frame after the last interim produces the final. Stop emits a pending final
// before closing, as a real provider flushes on end of audio.
type Adapter struct {
	cfg  Config
	next atomic.Uint64
}

var _ stt.Adapter = (*Adapter)(nil)

// New creates a new mock STT adapter.
func New(cfg Config) *Adapter {
	if len(cfg.Utterances) == 0 {
		cfg.Utterances = DefaultUtterances
	}
	if cfg.EventDelay < 0 {
		cfg.EventDelay = 0
	}
	return &Adapter{cfg: cfg}
}

// Name returns "mock".
func (a *Adapter) Name() string { return "mock" }

type handle struct {
	id     string
	cb     stt.Callback
	delay  time.Duration
	active atomic.Bool

	mu           sync.Mutex
	utterance    SimulatedUtterance
	partialIndex int
	finalSent    bool
	events       chan func()
	done         chan struct{}
}

func (h *handle) ID() string   { return h.id }
func (h *handle) Active() bool { return h.active.Load() }

// deliver runs queued callbacks in order, each after the simulated delay.
func (h *handle) deliver() {
	defer close(h.done)
	for ev := range h.events {
		if h.delay > 0 {
			time.Sleep(h.delay)
		}
		ev()
	}
}

// Start begins a mock transcription session.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) (stt.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &stt.StartError{Provider: a.Name(), Err: err}
	}
	n := a.next.Add(1)
	h := &handle{
		id:        fmt.Sprintf("mock-%d", n),
		cb:        cb,
		delay:     a.cfg.EventDelay,
		utterance: a.cfg.Utterances[int(n-1)%len(a.cfg.Utterances)],
		events:    make(chan func(), 64),
		done:      make(chan struct{}),
	}
	h.active.Store(true)
	go h.deliver()
	return h, nil
}

// Send simulates receiving audio and triggers progressive interim transcripts.
func (a *Adapter) Send(ctx context.Context, sh stt.Handle, frame []byte) error {
	h, ok := sh.(*handle)
	if !ok {
		return &stt.SendError{Provider: a.Name(), Err: fmt.Errorf("foreign handle %T", sh)}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.active.Load() {
		return &stt.SendError{Provider: a.Name(), Err: stt.ErrHandleInactive}
	}

	utt := h.utterance
	switch {
	case h.partialIndex < len(utt.Partials):
		text := utt.Partials[h.partialIndex]
		h.partialIndex++
		h.events <- func() { h.cb.OnInterim(text, utt.Confidence) }
	case !h.finalSent:
		h.finalSent = true
		h.events <- func() { h.cb.OnFinal(utt.Final, utt.Confidence) }
	}
	return nil
}

// Stop ends the mock session. A final that was not produced yet is sent first.
func (a *Adapter) Stop(ctx context.Context, sh stt.Handle) error {
	h, ok := sh.(*handle)
	if !ok {
		return &stt.StopError{Provider: a.Name(), Err: fmt.Errorf("foreign handle %T", sh)}
	}

	h.mu.Lock()
	if !h.active.Swap(false) {
		h.mu.Unlock()
		return nil
	}
	if !h.finalSent {
		h.finalSent = true
		utt := h.utterance
		h.events <- func() { h.cb.OnFinal(utt.Final, utt.Confidence) }
	}
	h.events <- func() { h.cb.OnClosed() }
	close(h.events)
	h.mu.Unlock()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return &stt.StopError{Provider: a.Name(), Err: ctx.Err()}
	}
}
