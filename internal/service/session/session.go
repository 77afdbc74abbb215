// Package session manages one client's recognition lifecycle: lazy start on
// audio, silence auto-stop, relay of provider events back to the connection
// loop, and bounded teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-speech-relay-service/internal/observability/logging"
	"ai-speech-relay-service/internal/observability/metrics"
	"ai-speech-relay-service/internal/service/segment"
	"ai-speech-relay-service/internal/service/stt"
)

// Default timings.
const (
	DefaultSilenceTimeout = 1 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultCallTimeout    = 10 * time.Second
	DefaultCloseTimeout   = 3 * time.Second
)

var (
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrCloseTimeout is returned by Close when the provider did not stop in time.
	ErrCloseTimeout = errors.New("session close timed out")
)

// State is the recognition state of a session.
type State int

const (
	Idle State = iota
	Starting
	Active
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds session timings and the relay policy.
type Config struct {
	SilenceTimeout time.Duration
	PollInterval   time.Duration
	CallTimeout    time.Duration
	CloseTimeout   time.Duration
	Policy         Policy
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		SilenceTimeout: DefaultSilenceTimeout,
		PollInterval:   DefaultPollInterval,
		CallTimeout:    DefaultCallTimeout,
		CloseTimeout:   DefaultCloseTimeout,
		Policy:         DefaultPolicy(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = d.SilenceTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	return c
}

var defaultRunIDs = segment.New()

// Session owns at most one provider handle at a time. Vendor calls run on a
// per-session worker; state transitions are serialized by a single slot, so
// concurrent senders queue behind one start instead of starting twice.
type Session struct {
	key      string
	user     string
	adapter  stt.Adapter
	cfg      Config
	registry *Registry
	ref      Ref
	runIDs   *segment.Generator
	log      zerolog.Logger

	slot   chan struct{}
	worker *worker
	events *eventQueue

	mu        sync.Mutex
	state     State
	lastAudio time.Time
	handle    stt.Handle
	run       uint64
	runID     string
	runs      uint64
	closed    bool
}

// New creates a session and registers it with registry.
func New(key, user string, adapter stt.Adapter, registry *Registry, cfg Config) *Session {
	s := &Session{
		key:      key,
		user:     user,
		adapter:  adapter,
		cfg:      cfg.withDefaults(),
		registry: registry,
		runIDs:   defaultRunIDs,
		log:      logging.WithSession(key, user),
		slot:     make(chan struct{}, 1),
		worker:   newWorker(),
		events:   newEventQueue(),
	}
	s.ref = registry.Register(s)
	return s
}

// Key returns the session key.
func (s *Session) Key() string { return s.key }

// User returns the user the session belongs to.
func (s *Session) User() string { return s.user }

// Config returns the effective configuration.
func (s *Session) Config() Config { return s.cfg }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RunID returns the id of the current recognition run, or "" when idle.
func (s *Session) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return ""
	}
	return s.runID
}

// Events signals that queued events are waiting to be drained.
func (s *Session) Events() <-chan struct{} { return s.events.notify }

// DrainEvents removes and returns all queued events in arrival order.
func (s *Session) DrainEvents() []Event { return s.events.drain() }

// OnAudioChunk records audio activity at now.
func (s *Session) OnAudioChunk(now time.Time) {
	s.mu.Lock()
	s.lastAudio = now
	s.mu.Unlock()
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) tryAcquire() bool {
	select {
	case s.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Session) release() { <-s.slot }

// Send forwards one frame, starting recognition first when the session is idle.
// A start failure leaves the session idle so the next frame retries; a send
// failure drops the handle the same way.
func (s *Session) Send(ctx context.Context, frame []byte) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	h := s.handle
	if h != nil && !h.Active() {
		// provider ended the run without a Closed event reaching us yet
		s.handle = nil
		h = nil
	}
	if h == nil {
		s.state = Starting
	}
	s.mu.Unlock()

	if h == nil {
		var err error
		if h, err = s.start(ctx); err != nil {
			return err
		}
	}

	_, err := call(ctx, s.worker, s.cfg.CallTimeout, func(cctx context.Context) (struct{}, error) {
		return struct{}{}, s.adapter.Send(cctx, h, frame)
	}, nil)
	if err != nil {
		var sendErr *stt.SendError
		if !errors.As(err, &sendErr) {
			err = &stt.SendError{Provider: s.adapter.Name(), Err: err}
		}
		metrics.DefaultMetrics.RecordSTTError(s.adapter.Name(), stt.Reason(err))
		if s.invalidate(h) {
			s.log.Warn().Err(err).Str("handle", h.ID()).Msg("Send failed, recognition will restart on next frame")
			s.stopDetached(h, "send_error")
		}
		return err
	}
	metrics.DefaultMetrics.RecordFrameSent(s.adapter.Name())
	return nil
}

// start opens a new recognition run. The caller holds the slot.
func (s *Session) start(ctx context.Context) (stt.Handle, error) {
	s.mu.Lock()
	s.runs++
	run := s.runs
	s.mu.Unlock()

	runID := s.runIDs.Next(s.key)
	cb := &relayCallback{registry: s.registry, ref: s.ref, run: run, runID: runID}
	provider := s.adapter.Name()
	runLog := logging.WithRun(s.key, s.user, runID, provider)

	begin := time.Now()
	h, err := call(ctx, s.worker, s.cfg.CallTimeout, func(cctx context.Context) (stt.Handle, error) {
		return s.adapter.Start(cctx, cb)
	}, func(late stt.Handle, err error) {
		if err == nil && late != nil {
			runLog.Warn().Str("handle", late.ID()).Msg("Start completed after caller gave up, stopping late handle")
			s.stopDirect(late, "start_abandoned")
		}
	})
	if err != nil {
		s.mu.Lock()
		if s.state == Starting {
			s.state = Idle
		}
		s.mu.Unlock()

		var startErr *stt.StartError
		if !errors.As(err, &startErr) {
			err = &stt.StartError{Provider: provider, Err: err}
		}
		metrics.DefaultMetrics.RecordStartFailure(provider)
		metrics.DefaultMetrics.RecordSTTError(provider, stt.Reason(err))
		runLog.Error().Err(err).Msg("Failed to start recognition")
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.stopDirect(h, "closed_during_start")
		return nil, ErrSessionClosed
	}
	s.handle = h
	s.run = run
	s.runID = runID
	s.state = Active
	s.mu.Unlock()

	metrics.DefaultMetrics.RecordSessionStarted(provider, time.Since(begin).Seconds())
	runLog.Info().
		Str("handle", h.ID()).
		Dur("latency", time.Since(begin)).
		Msg("Recognition started")
	return h, nil
}

// OnIdleCheck stops recognition once no audio has arrived for longer than the
// silence timeout. It never blocks on a busy session; the next check retries.
func (s *Session) OnIdleCheck(ctx context.Context, now time.Time) error {
	if !s.silent(now) {
		return nil
	}
	if !s.tryAcquire() {
		return nil
	}
	defer s.release()

	s.mu.Lock()
	if s.closed || s.state != Active || s.handle == nil || now.Sub(s.lastAudio) <= s.cfg.SilenceTimeout {
		s.mu.Unlock()
		return nil
	}
	h := s.handle
	s.state = Stopping
	s.mu.Unlock()

	s.log.Debug().
		Dur("silence", now.Sub(s.lastAudioAt())).
		Str("handle", h.ID()).
		Msg("Silence detected, stopping recognition")

	err := s.stop(ctx, h, "silence")

	s.mu.Lock()
	if s.handle == h {
		s.handle = nil
	}
	if s.state == Stopping {
		s.state = Idle
	}
	s.mu.Unlock()
	return err
}

func (s *Session) silent(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.state == Active && now.Sub(s.lastAudio) > s.cfg.SilenceTimeout
}

func (s *Session) lastAudioAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAudio
}

// Dispatch applies the relay policy to one drained event. It returns the
// transcript to forward, if any. Closed and terminal errors of the current
// run drop the handle so the next frame starts a fresh run.
func (s *Session) Dispatch(ev Event) (Transcript, bool) {
	provider := s.adapter.Name()
	switch ev.Kind {
	case EventInterim, EventFinal:
		if ok, reason := s.cfg.Policy.Allow(ev.Kind, ev.Text, ev.Confidence); !ok {
			metrics.DefaultMetrics.RecordEventDropped(reason)
			s.log.Debug().
				Str("kind", ev.Kind.String()).
				Float64("confidence", ev.Confidence).
				Str("reason", reason).
				Msg("Transcript dropped")
			return Transcript{}, false
		}
		metrics.DefaultMetrics.RecordEventRelayed(ev.Kind.String())
		return Transcript{
			SessionKey: s.key,
			UserID:     s.user,
			RunID:      ev.RunID,
			Final:      ev.Kind == EventFinal,
			Text:       ev.Text,
			Confidence: ev.Confidence,
			Seq:        ev.Seq,
		}, true

	case EventError:
		metrics.DefaultMetrics.RecordSTTError(provider, stt.Reason(ev.Err))
		if stt.IsMalformed(ev.Err) {
			metrics.DefaultMetrics.RecordEventDropped(stt.ReasonMalformed)
			s.log.Warn().Err(ev.Err).Str("runId", ev.RunID).Msg("Malformed provider event dropped")
			return Transcript{}, false
		}
		s.log.Error().Err(ev.Err).Str("runId", ev.RunID).Msg("Recognition error, ending utterance")
		if h := s.invalidateRun(ev.Run); h != nil {
			s.stopDetached(h, "error")
		}
		return Transcript{}, false

	case EventClosed:
		if h := s.invalidateRun(ev.Run); h != nil {
			metrics.DefaultMetrics.RecordSessionStopped(provider, "provider_closed")
			s.log.Info().Str("runId", ev.RunID).Msg("Recognition closed by provider")
		}
		return Transcript{}, false
	}
	return Transcript{}, false
}

// invalidateRun drops the handle if it still belongs to run.
func (s *Session) invalidateRun(run uint64) stt.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil || s.run != run {
		return nil
	}
	h := s.handle
	s.handle = nil
	if s.state == Active {
		s.state = Idle
	}
	return h
}

// invalidate drops h if it is still the current handle.
func (s *Session) invalidate(h stt.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != h {
		return false
	}
	s.handle = nil
	if s.state == Active {
		s.state = Idle
	}
	return true
}

// stop runs a graceful stop on the worker. Stop failures are logged, never fatal.
func (s *Session) stop(ctx context.Context, h stt.Handle, reason string) error {
	_, err := call(ctx, s.worker, s.cfg.CallTimeout, func(cctx context.Context) (struct{}, error) {
		return struct{}{}, s.adapter.Stop(cctx, h)
	}, nil)
	metrics.DefaultMetrics.RecordSessionStopped(s.adapter.Name(), reason)
	if err != nil {
		var stopErr *stt.StopError
		if !errors.As(err, &stopErr) {
			err = &stt.StopError{Provider: s.adapter.Name(), Err: err}
		}
		metrics.DefaultMetrics.RecordSTTError(s.adapter.Name(), stt.Reason(err))
		s.log.Warn().Err(err).Str("handle", h.ID()).Str("reason", reason).Msg("Stop failed")
		return err
	}
	return nil
}

// stopDetached stops h on the worker without holding up the caller.
func (s *Session) stopDetached(h stt.Handle, reason string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout)
		defer cancel()
		if err := s.stop(ctx, h, reason); errors.Is(err, errWorkerStopped) {
			s.stopDirect(h, reason)
		}
	}()
}

// stopDirect stops h bypassing the worker, for handles that surface after the
// session gave up on them or after the worker was stopped.
func (s *Session) stopDirect(h stt.Handle, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout)
	defer cancel()
	metrics.DefaultMetrics.RecordSessionStopped(s.adapter.Name(), reason)
	if err := s.adapter.Stop(ctx, h); err != nil {
		s.log.Warn().Err(err).Str("handle", h.ID()).Str("reason", reason).Msg("Stop failed")
	}
}

// Close stops any running recognition, waiting at most CloseTimeout, and
// removes the session from the registry. A wedged provider call is abandoned.
// Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.registry.Unregister(s.ref)
	defer s.worker.stop()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CloseTimeout)
	defer cancel()

	if err := s.acquire(cctx); err != nil {
		metrics.DefaultMetrics.RecordTeardownTimeout()
		s.log.Warn().Dur("timeout", s.cfg.CloseTimeout).Msg("Session busy at close, abandoning worker")
		return fmt.Errorf("%w: %v", ErrCloseTimeout, err)
	}
	defer s.release()

	s.mu.Lock()
	h := s.handle
	s.handle = nil
	if h != nil {
		s.state = Stopping
	}
	s.mu.Unlock()

	var err error
	if h != nil {
		if err = s.stop(cctx, h, "close"); err != nil && cctx.Err() != nil {
			metrics.DefaultMetrics.RecordTeardownTimeout()
			s.log.Warn().Dur("timeout", s.cfg.CloseTimeout).Msg("Provider stop timed out, abandoning worker")
			err = fmt.Errorf("%w: %v", ErrCloseTimeout, err)
		}
	}

	s.mu.Lock()
	s.state = Idle
	s.mu.Unlock()

	s.log.Debug().Int("pendingEvents", s.events.len()).Msg("Session closed")
	return err
}
