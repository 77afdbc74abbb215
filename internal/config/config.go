// Package config loads service configuration from the environment and an
// optional config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Service       ServiceConfig
	STT           STTConfig
	Session       SessionConfig
	Relay         RelayConfig
	Kafka         KafkaConfig
	Auth          AuthConfig
	Usage         UsageConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds listener and identity settings.
type ServiceConfig struct {
	Principal   string
	HTTPPort    string
	GRPCPort    string
	MetricsPort string
}

// STTConfig selects the recognition provider. Settings carries
// provider-specific values, decoded by the provider with DecodeSettings.
type STTConfig struct {
	Provider       string
	LanguageCode   string
	SampleRateHz   int
	InterimResults bool
	AudioEncoding  string
	Settings       map[string]any
}

// SessionConfig holds per-connection timings.
type SessionConfig struct {
	// FrameSize is the recognizer frame size in bytes; 0 selects the
	// provider's own frame size.
	FrameSize      int
	SilenceTimeout time.Duration
	PollInterval   time.Duration
	CallTimeout    time.Duration
	CloseTimeout   time.Duration
}

// RelayConfig controls which transcripts reach the client.
type RelayConfig struct {
	ConfidenceMin float64
	FilterInterim bool
}

// KafkaConfig holds transcript publishing settings.
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Principal    string
}

// AuthConfig holds the WebSocket token handshake settings.
type AuthConfig struct {
	Enabled bool
	Secret  string
	Issuer  string
}

// UsageConfig holds the per-user byte counter file.
type UsageConfig struct {
	File string
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
}

// Load reads configuration. Environment variables win over values from the
// file named by CONFIG_FILE. Invalid values fall back to defaults.
func Load() *Config {
	v := viper.New()
	v.AutomaticEnv()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Config file not loaded, using environment only")
		}
	}

	principal := envOrDefault(v, "SERVICE_PRINCIPAL", "svc-speech-relay")

	cfg := &Config{
		Service: ServiceConfig{
			Principal:   principal,
			HTTPPort:    envOrDefault(v, "HTTP_PORT", "8080"),
			GRPCPort:    envOrDefault(v, "GRPC_PORT", "50051"),
			MetricsPort: envOrDefault(v, "METRICS_PORT", "9090"),
		},
		STT: STTConfig{
			Provider:       strings.ToLower(envOrDefault(v, "STT_PROVIDER", "mock")),
			LanguageCode:   envOrDefault(v, "STT_LANGUAGE_CODE", "zh-CN"),
			SampleRateHz:   envOrDefaultInt(v, "STT_SAMPLE_RATE_HZ", 16000),
			InterimResults: envOrDefaultBool(v, "STT_INTERIM_RESULTS", true),
			AudioEncoding:  envOrDefault(v, "STT_AUDIO_ENCODING", "LINEAR16"),
		},
		Session: SessionConfig{
			FrameSize:      envOrDefaultInt(v, "SESSION_FRAME_SIZE", 0),
			SilenceTimeout: envOrDefaultDuration(v, "SESSION_SILENCE_TIMEOUT", time.Second),
			PollInterval:   envOrDefaultDuration(v, "SESSION_POLL_INTERVAL", 100*time.Millisecond),
			CallTimeout:    envOrDefaultDuration(v, "SESSION_CALL_TIMEOUT", 10*time.Second),
			CloseTimeout:   envOrDefaultDuration(v, "SESSION_CLOSE_TIMEOUT", 3*time.Second),
		},
		Relay: RelayConfig{
			ConfidenceMin: envOrDefaultFloat(v, "RELAY_CONFIDENCE_MIN", 0.5),
			FilterInterim: envOrDefaultBool(v, "RELAY_FILTER_INTERIM", true),
		},
		Kafka: KafkaConfig{
			Enabled:      envOrDefaultBool(v, "KAFKA_ENABLED", false),
			Brokers:      splitList(envOrDefault(v, "KAFKA_BROKERS", "")),
			TopicPartial: envOrDefault(v, "KAFKA_TOPIC_PARTIAL", "speech.transcript.partial"),
			TopicFinal:   envOrDefault(v, "KAFKA_TOPIC_FINAL", "speech.transcript.final"),
			Principal:    envOrDefault(v, "KAFKA_PRINCIPAL", principal),
		},
		Auth: AuthConfig{
			Enabled: envOrDefaultBool(v, "AUTH_ENABLED", false),
			Secret:  envOrDefault(v, "AUTH_SECRET", ""),
			Issuer:  envOrDefault(v, "AUTH_ISSUER", ""),
		},
		Usage: UsageConfig{
			File: envOrDefault(v, "USAGE_FILE", "users_bytes.json"),
		},
		Observability: ObservabilityConfig{
			LogLevel:  strings.ToLower(envOrDefault(v, "LOG_LEVEL", "info")),
			LogFormat: strings.ToLower(envOrDefault(v, "LOG_FORMAT", "json")),
		},
	}
	cfg.STT.Settings = providerSettings(v, cfg.STT)
	return cfg
}

// providerSettings merges the common recognition options, the vendor
// credentials from the environment and the stt_settings section of the
// config file. Later sources win. Keys are lower-cased, as viper reports
// them; DecodeSettings matches them to fields case-insensitively.
func providerSettings(v *viper.Viper, stt STTConfig) map[string]any {
	s := map[string]any{
		"languagecode":   stt.LanguageCode,
		"language":       stt.LanguageCode,
		"sampleratehz":   stt.SampleRateHz,
		"samplerate":     stt.SampleRateHz,
		"interimresults": stt.InterimResults,
		"audioencoding":  stt.AudioEncoding,
	}

	vendorEnv := map[string]map[string]string{
		"google": {
			"credentialsFile": "GOOGLE_CREDENTIALS_FILE",
			"model":           "GOOGLE_MODEL",
		},
		"aliyun": {
			"url":             "ALIYUN_URL",
			"appKey":          "ALIYUN_APP_KEY",
			"region":          "ALIYUN_REGION",
			"accessKeyId":     "ALIYUN_ACCESS_KEY_ID",
			"accessKeySecret": "ALIYUN_ACCESS_KEY_SECRET",
		},
		"deepgram": {
			"apiKey":   "DEEPGRAM_API_KEY",
			"model":    "DEEPGRAM_MODEL",
			"encoding": "DEEPGRAM_ENCODING",
		},
	}
	for field, key := range vendorEnv[stt.Provider] {
		if val := v.GetString(key); val != "" {
			s[strings.ToLower(field)] = val
		}
	}

	for k, val := range v.GetStringMap("stt_settings") {
		if str, ok := val.(string); ok {
			val = os.ExpandEnv(str)
		}
		s[strings.ToLower(k)] = val
	}
	return s
}

// DecodeSettings decodes a provider settings map into out, starting from the
// values already in out. Unknown keys are ignored, strings convert to
// numbers, bools and durations.
func DecodeSettings(settings map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("settings decoder: %w", err)
	}
	if err := dec.Decode(settings); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	return nil
}

func envOrDefault(v *viper.Viper, key, def string) string {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		return s
	}
	return def
}

func envOrDefaultInt(v *viper.Viper, key string, def int) int {
	s := v.GetString(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Warn().Str("key", key).Str("value", s).Int("default", def).Msg("Invalid integer, using default")
		return def
	}
	return n
}

func envOrDefaultFloat(v *viper.Viper, key string, def float64) float64 {
	s := v.GetString(key)
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", s).Float64("default", def).Msg("Invalid number, using default")
		return def
	}
	return f
}

func envOrDefaultBool(v *viper.Viper, key string, def bool) bool {
	s := v.GetString(key)
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		log.Warn().Str("key", key).Str("value", s).Bool("default", def).Msg("Invalid boolean, using default")
		return def
	}
	return b
}

func envOrDefaultDuration(v *viper.Viper, key string, def time.Duration) time.Duration {
	s := v.GetString(key)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Warn().Str("key", key).Str("value", s).Dur("default", def).Msg("Invalid duration, using default")
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
