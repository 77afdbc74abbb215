package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ai-speech-relay-service/internal/service/stt"
)

type fakeHandle struct {
	id     string
	active atomic.Bool
}

func (h *fakeHandle) ID() string   { return h.id }
func (h *fakeHandle) Active() bool { return h.active.Load() }

// fakeAdapter records vendor calls and lets tests drive callbacks directly.
type fakeAdapter struct {
	starts atomic.Int32
	sends  atomic.Int32
	stops  atomic.Int32

	mu        sync.Mutex
	startErr  error
	sendErr   error
	startGate chan struct{}
	stopGate  chan struct{}
	callbacks []stt.Callback
	handles   []*fakeHandle
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) Start(ctx context.Context, cb stt.Callback) (stt.Handle, error) {
	n := a.starts.Add(1)
	a.mu.Lock()
	gate, err := a.startGate, a.startErr
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	h := &fakeHandle{id: fmt.Sprintf("fake-%d", n)}
	h.active.Store(true)
	a.mu.Lock()
	a.callbacks = append(a.callbacks, cb)
	a.handles = append(a.handles, h)
	a.mu.Unlock()
	return h, nil
}

func (a *fakeAdapter) Send(ctx context.Context, h stt.Handle, frame []byte) error {
	a.sends.Add(1)
	a.mu.Lock()
	err := a.sendErr
	a.sendErr = nil
	a.mu.Unlock()
	if err != nil {
		return err
	}
	if !h.Active() {
		return &stt.SendError{Provider: "fake", Err: stt.ErrHandleInactive}
	}
	return nil
}

func (a *fakeAdapter) Stop(ctx context.Context, h stt.Handle) error {
	a.stops.Add(1)
	a.mu.Lock()
	gate := a.stopGate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	h.(*fakeHandle).active.Store(false)
	return nil
}

func (a *fakeAdapter) callback(i int) stt.Callback {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.callbacks[i]
}

func newTestSession(t *testing.T, a stt.Adapter, cfg Config) (*Session, *Registry) {
	t.Helper()
	reg := NewRegistry()
	s := New("conn-1", "alice", a, reg, cfg)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, reg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// collect drains events until n have arrived.
func collect(t *testing.T, s *Session, n int) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case <-s.Events():
			out = append(out, s.DrainEvents()...)
		case <-timeout:
			t.Fatalf("expected %d events, got %d", n, len(out))
		}
	}
	return out
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Idle, "idle"},
		{Starting, "starting"},
		{Active, "active"},
		{Stopping, "stopping"},
		{State(42), "state(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestSession_ConcurrentSendStartsOnce(t *testing.T) {
	gate := make(chan struct{})
	a := &fakeAdapter{startGate: gate}
	s, _ := newTestSession(t, a, DefaultConfig())

	const senders = 10
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Send(context.Background(), []byte{1, 2}); err != nil {
				t.Errorf("unexpected send error: %v", err)
			}
		}()
	}

	waitFor(t, "start to begin", func() bool { return a.starts.Load() == 1 })
	if s.State() != Starting {
		t.Errorf("expected starting, got %s", s.State())
	}
	a.mu.Lock()
	a.startGate = nil
	a.mu.Unlock()
	close(gate)
	wg.Wait()

	if n := a.starts.Load(); n != 1 {
		t.Errorf("expected exactly 1 start, got %d", n)
	}
	if n := a.sends.Load(); n != senders {
		t.Errorf("expected %d sends, got %d", senders, n)
	}
	if s.State() != Active {
		t.Errorf("expected active, got %s", s.State())
	}
}

func TestSession_SilenceStopsOnceAndRestarts(t *testing.T) {
	a := &fakeAdapter{}
	s, _ := newTestSession(t, a, DefaultConfig())
	ctx := context.Background()

	t0 := time.Unix(1_700_000_000, 0)
	s.OnAudioChunk(t0)
	if err := s.Send(ctx, []byte{1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// exactly the timeout is not yet silence
	for _, d := range []time.Duration{500 * time.Millisecond, time.Second} {
		if err := s.OnIdleCheck(ctx, t0.Add(d)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.stops.Load() != 0 {
			t.Fatalf("stopped after %v of silence", d)
		}
	}

	for i := 0; i < 5; i++ {
		if err := s.OnIdleCheck(ctx, t0.Add(1500*time.Millisecond+time.Duration(i)*100*time.Millisecond)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if n := a.stops.Load(); n != 1 {
		t.Errorf("expected exactly 1 stop, got %d", n)
	}
	if s.State() != Idle {
		t.Errorf("expected idle after silence, got %s", s.State())
	}
	if s.RunID() != "" {
		t.Errorf("expected no run while idle, got %q", s.RunID())
	}

	s.OnAudioChunk(t0.Add(3 * time.Second))
	if err := s.Send(ctx, []byte{1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := a.starts.Load(); n != 2 {
		t.Errorf("expected restart on new audio, got %d starts", n)
	}
	if s.State() != Active {
		t.Errorf("expected active, got %s", s.State())
	}
}

func TestSession_IdleCheckIgnoresIdleSession(t *testing.T) {
	a := &fakeAdapter{}
	s, _ := newTestSession(t, a, DefaultConfig())

	if err := s.OnIdleCheck(context.Background(), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.stops.Load() != 0 || a.starts.Load() != 0 {
		t.Errorf("expected no vendor calls, got starts=%d stops=%d", a.starts.Load(), a.stops.Load())
	}
}

func TestSession_StartFailureThenRetry(t *testing.T) {
	a := &fakeAdapter{startErr: errors.New("auth rejected")}
	s, _ := newTestSession(t, a, DefaultConfig())
	ctx := context.Background()

	err := s.Send(ctx, []byte{1})
	var startErr *stt.StartError
	if !errors.As(err, &startErr) {
		t.Fatalf("expected StartError, got %v", err)
	}
	if s.State() != Idle {
		t.Errorf("expected idle after failed start, got %s", s.State())
	}
	if a.sends.Load() != 0 {
		t.Errorf("frame must not be sent without a handle")
	}

	a.mu.Lock()
	a.startErr = nil
	a.mu.Unlock()

	if err := s.Send(ctx, []byte{1}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if n := a.starts.Load(); n != 2 {
		t.Errorf("expected 2 starts, got %d", n)
	}
}

func TestSession_SendErrorRestartsOnNextFrame(t *testing.T) {
	a := &fakeAdapter{}
	s, _ := newTestSession(t, a, DefaultConfig())
	ctx := context.Background()

	if err := s.Send(ctx, []byte{1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a.mu.Lock()
	a.sendErr = errors.New("stream reset")
	a.mu.Unlock()

	err := s.Send(ctx, []byte{2})
	var sendErr *stt.SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected SendError, got %v", err)
	}
	if s.State() != Idle {
		t.Errorf("expected idle after send failure, got %s", s.State())
	}

	if err := s.Send(ctx, []byte{3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := a.starts.Load(); n != 2 {
		t.Errorf("expected restart after send failure, got %d starts", n)
	}
	waitFor(t, "failed handle to be stopped", func() bool { return a.stops.Load() == 1 })
}

func TestSession_ClosedEventReturnsToIdle(t *testing.T) {
	a := &fakeAdapter{}
	s, _ := newTestSession(t, a, DefaultConfig())
	ctx := context.Background()

	if err := s.Send(ctx, []byte{1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.callback(0).OnClosed()

	for _, ev := range collect(t, s, 1) {
		if _, ok := s.Dispatch(ev); ok {
			t.Errorf("closed event must not produce a transcript")
		}
	}
	if s.State() != Idle {
		t.Errorf("expected idle after provider close, got %s", s.State())
	}

	if err := s.Send(ctx, []byte{2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := a.starts.Load(); n != 2 {
		t.Errorf("expected lazy restart, got %d starts", n)
	}
}

func TestSession_StaleRunDoesNotInvalidateNewHandle(t *testing.T) {
	a := &fakeAdapter{}
	s, _ := newTestSession(t, a, DefaultConfig())
	ctx := context.Background()

	t0 := time.Unix(1_700_000_000, 0)
	s.OnAudioChunk(t0)
	if err := s.Send(ctx, []byte{1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.OnIdleCheck(ctx, t0.Add(2*time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.OnAudioChunk(t0.Add(3 * time.Second))
	if err := s.Send(ctx, []byte{2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	runID := s.RunID()

	// the first run reports late
	old := a.callback(0)
	old.OnFinal("late words", 0.9)
	old.OnError(errors.New("stream torn down"))
	old.OnClosed()

	var lines []string
	for _, ev := range collect(t, s, 3) {
		if tr, ok := s.Dispatch(ev); ok {
			lines = append(lines, tr.Line())
		}
	}
	if len(lines) != 1 || lines[0] != FinalPrefix+"late words" {
		t.Errorf("expected late transcript still relayed, got %v", lines)
	}
	if s.State() != Active || s.RunID() != runID {
		t.Errorf("newer run was invalidated: state=%s run=%q want %q", s.State(), s.RunID(), runID)
	}
}

func TestSession_EventOrderPreserved(t *testing.T) {
	a := &fakeAdapter{}
	s, _ := newTestSession(t, a, DefaultConfig())

	if err := s.Send(context.Background(), []byte{1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cb := a.callback(0)

	const n = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			cb.OnInterim(fmt.Sprintf("w%d", i), 0.9)
		}
	}()

	// consumer falls behind on purpose
	time.Sleep(20 * time.Millisecond)
	<-done

	events := collect(t, s, n)
	for i, ev := range events {
		want := fmt.Sprintf("w%d", i)
		if ev.Text != want {
			t.Fatalf("event %d: expected %q, got %q", i, want, ev.Text)
		}
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d: expected seq %d, got %d", i, i+1, ev.Seq)
		}
		if ev.Run != 1 {
			t.Fatalf("event %d: expected run 1, got %d", i, ev.Run)
		}
	}
}

func TestSession_DispatchConfidence(t *testing.T) {
	tests := []struct {
		name          string
		kind          EventKind
		confidence    float64
		filterInterim bool
		wantLine      string
		wantOK        bool
	}{
		{"final below", EventFinal, 0.49, true, "", false},
		{"final at threshold", EventFinal, 0.5, true, "", false},
		{"final above", EventFinal, 0.51, true, FinalPrefix + "hello", true},
		{"interim above", EventInterim, 0.9, true, "hello", true},
		{"interim at threshold", EventInterim, 0.5, true, "", false},
		{"interim unfiltered", EventInterim, 0, false, "hello", true},
		{"final still filtered", EventFinal, 0, false, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Policy.FilterInterim = tt.filterInterim
			s, _ := newTestSession(t, &fakeAdapter{}, cfg)

			tr, ok := s.Dispatch(Event{Kind: tt.kind, Text: "hello", Confidence: tt.confidence, RunID: "conn-1-utt-1"})
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%v, got %v", tt.wantOK, ok)
			}
			if ok {
				if tr.Line() != tt.wantLine {
					t.Errorf("expected %q, got %q", tt.wantLine, tr.Line())
				}
				if tr.SessionKey != "conn-1" || tr.UserID != "alice" || tr.RunID != "conn-1-utt-1" {
					t.Errorf("unexpected transcript identity: %+v", tr)
				}
			}
		})
	}
}

func TestSession_DispatchDropsEmptyText(t *testing.T) {
	s, _ := newTestSession(t, &fakeAdapter{}, DefaultConfig())
	for _, text := range []string{"", "   "} {
		if _, ok := s.Dispatch(Event{Kind: EventFinal, Text: text, Confidence: 0.99}); ok {
			t.Errorf("expected %q to be dropped", text)
		}
	}
}

func TestSession_MalformedErrorKeepsRun(t *testing.T) {
	a := &fakeAdapter{}
	s, _ := newTestSession(t, a, DefaultConfig())

	if err := s.Send(context.Background(), []byte{1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.callback(0).OnError(&stt.MalformedEventError{Provider: "fake", Payload: []byte("{"), Err: errors.New("eof")})

	for _, ev := range collect(t, s, 1) {
		s.Dispatch(ev)
	}
	if s.State() != Active {
		t.Errorf("malformed event must not end the run, got %s", s.State())
	}
	if a.stops.Load() != 0 {
		t.Errorf("expected no stop, got %d", a.stops.Load())
	}
}

func TestSession_ProviderErrorEndsUtterance(t *testing.T) {
	a := &fakeAdapter{}
	s, _ := newTestSession(t, a, DefaultConfig())

	if err := s.Send(context.Background(), []byte{1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.callback(0).OnError(errors.New("quota exceeded"))

	for _, ev := range collect(t, s, 1) {
		s.Dispatch(ev)
	}
	if s.State() != Idle {
		t.Errorf("expected idle after provider error, got %s", s.State())
	}
	waitFor(t, "best-effort stop", func() bool { return a.stops.Load() == 1 })
}

func TestSession_CallbackAfterCloseIsNoop(t *testing.T) {
	a := &fakeAdapter{}
	s, reg := newTestSession(t, a, DefaultConfig())

	if err := s.Send(context.Background(), []byte{1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cb := a.callback(0)
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("expected session unregistered, %d left", reg.Len())
	}

	cb.OnFinal("too late", 0.99)
	cb.OnError(errors.New("boom"))
	cb.OnClosed()

	if got := s.DrainEvents(); len(got) != 0 {
		t.Errorf("expected callbacks to reach nothing, got %d events", len(got))
	}
	if err := s.Send(context.Background(), []byte{1}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}

func TestSession_CloseBoundedWhenStopWedges(t *testing.T) {
	wedge := make(chan struct{})
	defer close(wedge)

	a := &fakeAdapter{}
	cfg := DefaultConfig()
	cfg.CloseTimeout = 50 * time.Millisecond
	s, _ := newTestSession(t, a, cfg)

	if err := s.Send(context.Background(), []byte{1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.mu.Lock()
	a.stopGate = wedge
	a.mu.Unlock()

	begin := time.Now()
	err := s.Close(context.Background())
	if !errors.Is(err, ErrCloseTimeout) {
		t.Errorf("expected ErrCloseTimeout, got %v", err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Errorf("close took %v, expected it to be bounded", elapsed)
	}
}

func TestSession_LateStartIsStopped(t *testing.T) {
	gate := make(chan struct{})
	a := &fakeAdapter{startGate: gate}
	cfg := DefaultConfig()
	cfg.CallTimeout = 30 * time.Millisecond
	s, _ := newTestSession(t, a, cfg)

	err := s.Send(context.Background(), []byte{1})
	var startErr *stt.StartError
	if !errors.As(err, &startErr) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timed out StartError, got %v", err)
	}
	if s.State() != Idle {
		t.Errorf("expected idle after start timeout, got %s", s.State())
	}

	close(gate)
	waitFor(t, "late handle to be stopped", func() bool { return a.stops.Load() == 1 })
}

func TestRegistry_GenerationChecked(t *testing.T) {
	reg := NewRegistry()
	a := &fakeAdapter{}

	first := New("conn-x", "alice", a, reg, DefaultConfig())
	ref1 := first.ref
	if got, ok := reg.Lookup(ref1); !ok || got != first {
		t.Fatalf("expected lookup of first session")
	}

	second := New("conn-x", "bob", a, reg, DefaultConfig())
	ref2 := second.ref
	if _, ok := reg.Lookup(ref1); ok {
		t.Errorf("replaced session must not resolve")
	}
	if reg.Unregister(ref1) {
		t.Errorf("stale ref must not unregister the replacement")
	}
	if got, ok := reg.Lookup(ref2); !ok || got != second {
		t.Errorf("expected replacement to resolve")
	}

	third := New("conn-y", "alice", a, reg, DefaultConfig())
	if keys := reg.Keys(); len(keys) != 2 || keys[0] != "conn-x" || keys[1] != "conn-y" {
		t.Errorf("unexpected keys %v", keys)
	}
	if users := reg.Users(); len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Errorf("unexpected users %v", users)
	}

	for _, s := range []*Session{first, second, third} {
		_ = s.Close(context.Background())
	}
	if reg.Len() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Len())
	}
}

func TestPolicy_Allow(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		kind       EventKind
		text       string
		confidence float64
		want       bool
		reason     string
	}{
		{EventFinal, "hi", 0.51, true, ""},
		{EventFinal, "hi", 0.5, false, "low_confidence"},
		{EventFinal, "", 0.9, false, "empty_text"},
		{EventInterim, "hi", 0.49, false, "low_confidence"},
	}
	for _, tt := range tests {
		ok, reason := p.Allow(tt.kind, tt.text, tt.confidence)
		if ok != tt.want || reason != tt.reason {
			t.Errorf("Allow(%s, %q, %v) = %v %q, want %v %q", tt.kind, tt.text, tt.confidence, ok, reason, tt.want, tt.reason)
		}
	}
}
