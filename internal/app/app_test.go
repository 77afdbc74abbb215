package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"ai-speech-relay-service/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		STT: config.STTConfig{
			Provider: "mock",
			Settings: map[string]any{"eventdelay": "5ms"},
		},
		Session: config.SessionConfig{
			SilenceTimeout: 2 * time.Second,
			CloseTimeout:   time.Second,
		},
		Relay: config.RelayConfig{ConfidenceMin: 0.6, FilterInterim: false},
		Usage: config.UsageConfig{File: filepath.Join(t.TempDir(), "users_bytes.json")},
		Observability: config.ObservabilityConfig{
			LogLevel:  "error",
			LogFormat: "json",
		},
	}
}

func TestApplication_StartAndShutdown(t *testing.T) {
	a := New(testConfig(t))
	if a.Ready() {
		t.Error("application must not be ready before Start")
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !a.Ready() {
		t.Error("expected application to be ready after Start")
	}
	if a.Adapter.Name() != "mock" {
		t.Errorf("expected mock adapter, got %s", a.Adapter.Name())
	}
	if a.WS == nil || a.Publisher == nil || a.Usage == nil {
		t.Fatal("expected endpoint, publisher and usage to be built")
	}

	sc := a.SessionConfig()
	if sc.SilenceTimeout != 2*time.Second || sc.Policy.MinConfidence != 0.6 || sc.Policy.FilterInterim {
		t.Errorf("unexpected session config: %+v", sc)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
	if a.Ready() {
		t.Error("expected application not ready after Shutdown")
	}
}

func TestApplication_FrameSize(t *testing.T) {
	tests := []struct {
		name      string
		provider  string
		frameSize int
		want      int
	}{
		{"mock default", "mock", 0, 2560},
		{"google default", "google", 0, 3200},
		{"google mixed case", "Google", 0, 3200},
		{"explicit wins", "google", 1600, 1600},
		{"aliyun default", "aliyun", 0, 2560},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.STT.Provider = tt.provider
			cfg.Session.FrameSize = tt.frameSize
			if got := New(cfg).FrameSize(); got != tt.want {
				t.Errorf("expected frame size %d, got %d", tt.want, got)
			}
		})
	}
}

func TestApplication_UnknownProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.STT.Provider = "whisper"
	a := New(cfg)
	if err := a.Start(context.Background()); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestApplication_AuthRequiresSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.Enabled = true
	a := New(cfg)
	if err := a.Start(context.Background()); err == nil {
		t.Error("expected error when auth is enabled without a secret")
	}
}

func TestDefaultProviders(t *testing.T) {
	names := DefaultProviders().Names()
	want := []string{"aliyun", "deepgram", "google", "mock"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("provider %d: expected %s, got %s", i, want[i], names[i])
		}
	}

	if _, err := DefaultProviders().Build(context.Background(), "deepgram", map[string]any{}); err == nil {
		t.Error("expected deepgram to require an api key")
	}
	if _, err := DefaultProviders().Build(context.Background(), "aliyun", map[string]any{}); err == nil {
		t.Error("expected aliyun to require an app key")
	}
}
