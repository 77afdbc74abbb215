package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoad_Defaults(t *testing.T) {
	// Clear relevant env vars
	envVars := []string{
		"CONFIG_FILE", "SERVICE_PRINCIPAL", "HTTP_PORT", "GRPC_PORT", "LOG_LEVEL",
		"STT_PROVIDER", "STT_LANGUAGE_CODE", "STT_SAMPLE_RATE_HZ",
		"STT_INTERIM_RESULTS", "STT_AUDIO_ENCODING",
		"SESSION_FRAME_SIZE", "SESSION_SILENCE_TIMEOUT", "SESSION_CLOSE_TIMEOUT",
		"RELAY_CONFIDENCE_MIN", "RELAY_FILTER_INTERIM", "USAGE_FILE",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}

	cfg := Load()

	// Service defaults
	if cfg.Service.Principal != "svc-speech-relay" {
		t.Errorf("expected default principal 'svc-speech-relay', got %s", cfg.Service.Principal)
	}
	if cfg.Service.GRPCPort != "50051" {
		t.Errorf("expected default port '50051', got %s", cfg.Service.GRPCPort)
	}
	if cfg.Service.HTTPPort != "8080" {
		t.Errorf("expected default http port '8080', got %s", cfg.Service.HTTPPort)
	}

	// STT defaults
	if cfg.STT.Provider != "mock" {
		t.Errorf("expected default STT provider 'mock', got %s", cfg.STT.Provider)
	}
	if cfg.STT.LanguageCode != "zh-CN" {
		t.Errorf("expected default language 'zh-CN', got %s", cfg.STT.LanguageCode)
	}
	if cfg.STT.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate 16000, got %d", cfg.STT.SampleRateHz)
	}
	if cfg.STT.InterimResults != true {
		t.Errorf("expected default interim results true, got %v", cfg.STT.InterimResults)
	}
	if cfg.STT.AudioEncoding != "LINEAR16" {
		t.Errorf("expected default encoding 'LINEAR16', got %s", cfg.STT.AudioEncoding)
	}

	// Session defaults
	if cfg.Session.FrameSize != 0 {
		t.Errorf("expected provider frame size by default, got %d", cfg.Session.FrameSize)
	}
	if cfg.Session.SilenceTimeout != time.Second {
		t.Errorf("expected default silence timeout 1s, got %v", cfg.Session.SilenceTimeout)
	}
	if cfg.Session.PollInterval != 100*time.Millisecond {
		t.Errorf("expected default poll interval 100ms, got %v", cfg.Session.PollInterval)
	}
	if cfg.Session.CloseTimeout != 3*time.Second {
		t.Errorf("expected default close timeout 3s, got %v", cfg.Session.CloseTimeout)
	}

	// Relay defaults
	if cfg.Relay.ConfidenceMin != 0.5 {
		t.Errorf("expected default confidence min 0.5, got %v", cfg.Relay.ConfidenceMin)
	}
	if !cfg.Relay.FilterInterim {
		t.Error("expected interim filtering on by default")
	}

	if cfg.Usage.File != "users_bytes.json" {
		t.Errorf("expected default usage file, got %s", cfg.Usage.File)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Observability.LogLevel)
	}
	if cfg.STT.Settings["languagecode"] != "zh-CN" {
		t.Errorf("expected common settings in provider settings, got %v", cfg.STT.Settings)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("SERVICE_PRINCIPAL", "custom-principal")
	t.Setenv("GRPC_PORT", "9999")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("STT_PROVIDER", "Google")
	t.Setenv("STT_LANGUAGE_CODE", "en-US")
	t.Setenv("STT_SAMPLE_RATE_HZ", "8000")
	t.Setenv("STT_INTERIM_RESULTS", "false")
	t.Setenv("STT_AUDIO_ENCODING", "MULAW")
	t.Setenv("SESSION_FRAME_SIZE", "3200")
	t.Setenv("SESSION_SILENCE_TIMEOUT", "1500ms")
	t.Setenv("RELAY_CONFIDENCE_MIN", "0.7")
	t.Setenv("RELAY_FILTER_INTERIM", "false")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("GOOGLE_CREDENTIALS_FILE", "/etc/creds.json")

	cfg := Load()

	if cfg.Service.Principal != "custom-principal" {
		t.Errorf("expected principal 'custom-principal', got %s", cfg.Service.Principal)
	}
	if cfg.Service.GRPCPort != "9999" {
		t.Errorf("expected port '9999', got %s", cfg.Service.GRPCPort)
	}
	if cfg.STT.Provider != "google" {
		t.Errorf("expected STT provider 'google', got %s", cfg.STT.Provider)
	}
	if cfg.STT.SampleRateHz != 8000 {
		t.Errorf("expected sample rate 8000, got %d", cfg.STT.SampleRateHz)
	}
	if cfg.STT.InterimResults != false {
		t.Errorf("expected interim results false, got %v", cfg.STT.InterimResults)
	}
	if cfg.STT.AudioEncoding != "MULAW" {
		t.Errorf("expected encoding 'MULAW', got %s", cfg.STT.AudioEncoding)
	}
	if cfg.Session.FrameSize != 3200 {
		t.Errorf("expected frame size 3200, got %d", cfg.Session.FrameSize)
	}
	if cfg.Session.SilenceTimeout != 1500*time.Millisecond {
		t.Errorf("expected silence timeout 1.5s, got %v", cfg.Session.SilenceTimeout)
	}
	if cfg.Relay.ConfidenceMin != 0.7 || cfg.Relay.FilterInterim {
		t.Errorf("unexpected relay config: %+v", cfg.Relay)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("expected two trimmed brokers, got %v", cfg.Kafka.Brokers)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Observability.LogLevel)
	}
	if cfg.STT.Settings["credentialsfile"] != "/etc/creds.json" {
		t.Errorf("expected vendor credentials in settings, got %v", cfg.STT.Settings)
	}
}

func TestLoad_InvalidValues_FallbackToDefaults(t *testing.T) {
	t.Setenv("STT_SAMPLE_RATE_HZ", "not-a-number")
	t.Setenv("STT_INTERIM_RESULTS", "invalid")
	t.Setenv("SESSION_FRAME_SIZE", "invalid")
	t.Setenv("SESSION_SILENCE_TIMEOUT", "invalid")
	t.Setenv("RELAY_CONFIDENCE_MIN", "high")

	cfg := Load()

	// Should fall back to defaults on parse errors
	if cfg.STT.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate on invalid input, got %d", cfg.STT.SampleRateHz)
	}
	if cfg.STT.InterimResults != true {
		t.Errorf("expected default interim results on invalid input, got %v", cfg.STT.InterimResults)
	}
	if cfg.Session.FrameSize != 0 {
		t.Errorf("expected default frame size on invalid input, got %d", cfg.Session.FrameSize)
	}
	if cfg.Session.SilenceTimeout != time.Second {
		t.Errorf("expected default silence timeout on invalid input, got %v", cfg.Session.SilenceTimeout)
	}
	if cfg.Relay.ConfidenceMin != 0.5 {
		t.Errorf("expected default confidence min on invalid input, got %v", cfg.Relay.ConfidenceMin)
	}
}

func TestLoad_KafkaPrincipal_FallsBackToServicePrincipal(t *testing.T) {
	t.Setenv("SERVICE_PRINCIPAL", "my-service")
	os.Unsetenv("KAFKA_PRINCIPAL")

	cfg := Load()

	if cfg.Kafka.Principal != "my-service" {
		t.Errorf("expected Kafka principal to fall back to service principal, got %s", cfg.Kafka.Principal)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	content := `
stt_provider: aliyun
http_port: "9000"
stt_settings:
  appKey: file-app-key
  format: pcm
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_PORT", "9100")
	os.Unsetenv("STT_PROVIDER")

	cfg := Load()

	if cfg.STT.Provider != "aliyun" {
		t.Errorf("expected provider from file, got %s", cfg.STT.Provider)
	}
	if cfg.Service.HTTPPort != "9100" {
		t.Errorf("expected environment to win over file, got %s", cfg.Service.HTTPPort)
	}
	if cfg.STT.Settings["appkey"] != "file-app-key" {
		t.Errorf("expected file settings, got %v", cfg.STT.Settings)
	}
}

func TestEnvOrDefaultBool(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      bool
		expected bool
	}{
		{"true string", "true", false, true},
		{"false string", "false", true, false},
		{"1", "1", false, true},
		{"0", "0", true, false},
		{"TRUE uppercase", "TRUE", false, true},
		{"invalid", "invalid", true, true},
		{"empty", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_BOOL_VAR"
			if tt.envValue != "" {
				t.Setenv(key, tt.envValue)
			} else {
				os.Unsetenv(key)
			}
			v := viper.New()
			v.AutomaticEnv()

			got := envOrDefaultBool(v, key, tt.def)
			if got != tt.expected {
				t.Errorf("envOrDefaultBool(%s, %v) = %v, want %v", tt.envValue, tt.def, got, tt.expected)
			}
		})
	}
}

func TestDecodeSettings(t *testing.T) {
	type providerConfig struct {
		Model      string        `mapstructure:"model"`
		SampleRate int           `mapstructure:"sampleRate"`
		Interim    bool          `mapstructure:"interimResults"`
		Timeout    time.Duration `mapstructure:"timeout"`
		Languages  []string      `mapstructure:"languages"`
	}

	out := providerConfig{Model: "default-model", SampleRate: 8000}
	err := DecodeSettings(map[string]any{
		"sampleRate":     "16000",
		"interimResults": "true",
		"timeout":        "250ms",
		"languages":      "en-US,zh-CN",
		"unknown":        42,
	}, &out)
	if err != nil {
		t.Fatalf("DecodeSettings failed: %v", err)
	}
	if out.Model != "default-model" {
		t.Errorf("expected untouched default model, got %s", out.Model)
	}
	if out.SampleRate != 16000 || !out.Interim || out.Timeout != 250*time.Millisecond {
		t.Errorf("unexpected decode result: %+v", out)
	}
	if len(out.Languages) != 2 || out.Languages[1] != "zh-CN" {
		t.Errorf("expected two languages, got %v", out.Languages)
	}
}
