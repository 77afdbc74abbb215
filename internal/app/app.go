package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"ai-speech-relay-service/internal/auth"
	"ai-speech-relay-service/internal/config"
	"ai-speech-relay-service/internal/events"
	"ai-speech-relay-service/internal/observability/logging"
	"ai-speech-relay-service/internal/service/audio"
	"ai-speech-relay-service/internal/service/frame"
	"ai-speech-relay-service/internal/service/session"
	"ai-speech-relay-service/internal/service/stt"
	"ai-speech-relay-service/internal/service/stt/aliyun"
	"ai-speech-relay-service/internal/service/stt/deepgram"
	"ai-speech-relay-service/internal/service/stt/google"
	"ai-speech-relay-service/internal/service/stt/mock"
	"ai-speech-relay-service/internal/service/token"
	"ai-speech-relay-service/internal/transport/ws"
	"ai-speech-relay-service/internal/usage"
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Providers *stt.Registry
	Adapter   stt.Adapter
	Sessions  *session.Registry
	Publisher *events.Publisher
	Usage     *usage.Counter
	WS        *ws.Handler

	ready atomic.Bool
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Config) *Application {
	a := &Application{
		Cfg:       cfg,
		Providers: DefaultProviders(),
		Sessions:  session.NewRegistry(),
	}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	appLogger.Info().Msg("AI Speech Relay service application created")
	return a
}

// DefaultProviders registers every built-in recognition adapter.
func DefaultProviders() *stt.Registry {
	r := stt.NewRegistry()
	r.Register("mock", func(ctx context.Context, settings map[string]any) (stt.Adapter, error) {
		cfg := mock.DefaultConfig()
		if err := config.DecodeSettings(settings, &cfg); err != nil {
			return nil, err
		}
		return mock.New(cfg), nil
	})
	r.Register("google", func(ctx context.Context, settings map[string]any) (stt.Adapter, error) {
		cfg := google.DefaultConfig()
		if err := config.DecodeSettings(settings, &cfg); err != nil {
			return nil, err
		}
		return google.New(ctx, cfg)
	})
	r.Register("aliyun", func(ctx context.Context, settings map[string]any) (stt.Adapter, error) {
		cfg := aliyun.DefaultConfig()
		if err := config.DecodeSettings(settings, &cfg); err != nil {
			return nil, err
		}
		if cfg.AppKey == "" {
			return nil, fmt.Errorf("aliyun: appKey is required")
		}
		fetcher, err := aliyun.NewTokenFetcher(cfg.Region, cfg.AccessKeyID, cfg.AccessKeySecret)
		if err != nil {
			return nil, err
		}
		return aliyun.New(cfg, token.NewCache(fetcher)), nil
	})
	r.Register("deepgram", func(ctx context.Context, settings map[string]any) (stt.Adapter, error) {
		cfg := deepgram.DefaultConfig()
		if err := config.DecodeSettings(settings, &cfg); err != nil {
			return nil, err
		}
		return deepgram.New(cfg)
	})
	return r
}

// setupLogger configures zerolog for the service. ENV=dev switches to
// console output.
func (a *Application) setupLogger() {
	logCfg := logging.DefaultConfig()
	logCfg.Level = a.Cfg.Observability.LogLevel
	logCfg.Format = a.Cfg.Observability.LogFormat
	if os.Getenv("ENV") == "dev" {
		logCfg.Format = "console"
	}
	logging.Init(logCfg)

	a.Logger = logging.Logger().With().
		Str("service", "ai-speech-relay-service").
		Str("component", "application").
		Logger()

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("logFormat", logCfg.Format).
		Str("environment", os.Getenv("ENV")).
		Msg("Logger setup completed")
}

// Start builds the recognition adapter and the connection endpoint.
func (a *Application) Start(ctx context.Context) error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Str("sttProvider", a.Cfg.STT.Provider).
		Strs("knownProviders", a.Providers.Names()).
		Msg("AI Speech Relay service starting")

	adapter, err := a.Providers.Build(ctx, a.Cfg.STT.Provider, a.Cfg.STT.Settings)
	if err != nil {
		return fmt.Errorf("build stt adapter: %w", err)
	}
	a.Adapter = adapter

	counter, err := usage.Load(a.Cfg.Usage.File)
	if err != nil {
		return err
	}
	a.Usage = counter

	a.Publisher = events.New(&events.Config{
		Enabled:      a.Cfg.Kafka.Enabled,
		Brokers:      a.Cfg.Kafka.Brokers,
		TopicPartial: a.Cfg.Kafka.TopicPartial,
		TopicFinal:   a.Cfg.Kafka.TopicFinal,
		Principal:    a.Cfg.Kafka.Principal,
	})

	var verifier *auth.Verifier
	if a.Cfg.Auth.Enabled {
		if verifier, err = auth.NewVerifier(a.Cfg.Auth.Secret, a.Cfg.Auth.Issuer); err != nil {
			return err
		}
	}

	a.WS = ws.NewHandler(ws.Options{
		Adapter:   adapter,
		Registry:  a.Sessions,
		Session:   a.SessionConfig(),
		FrameSize: a.FrameSize(),
		Consumers: []audio.Consumer{a.Publisher},
		Usage:     counter,
		Verifier:  verifier,
	})

	a.ready.Store(true)
	startLogger.Info().
		Bool("authEnabled", verifier != nil).
		Bool("kafkaEnabled", a.Cfg.Kafka.Enabled).
		Msg("AI Speech Relay service ready")
	return nil
}

// FrameSize returns the configured frame size, or the provider's own when none
// is set.
func (a *Application) FrameSize() int {
	if a.Cfg.Session.FrameSize > 0 {
		return a.Cfg.Session.FrameSize
	}
	switch strings.ToLower(a.Cfg.STT.Provider) {
	case "google":
		return google.FrameSize
	default:
		return frame.DefaultSize
	}
}

// SessionConfig maps the loaded configuration onto session settings.
func (a *Application) SessionConfig() session.Config {
	policy := session.DefaultPolicy()
	policy.MinConfidence = a.Cfg.Relay.ConfidenceMin
	policy.FilterInterim = a.Cfg.Relay.FilterInterim
	return session.Config{
		SilenceTimeout: a.Cfg.Session.SilenceTimeout,
		PollInterval:   a.Cfg.Session.PollInterval,
		CallTimeout:    a.Cfg.Session.CallTimeout,
		CloseTimeout:   a.Cfg.Session.CloseTimeout,
		Policy:         policy,
	}
}

// Ready reports whether the service accepts connections.
func (a *Application) Ready() bool { return a.ready.Load() }

// Shutdown ends all connections and releases the adapter, the publisher and
// the usage file. It keeps going after failures and returns all of them.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	shutdownLogger.Info().
		Int("activeSessions", a.Sessions.Len()).
		Msg("AI Speech Relay service shutting down")
	a.ready.Store(false)

	var result *multierror.Error
	if a.WS != nil {
		if err := a.WS.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("connections: %w", err))
		}
	}
	if a.Usage != nil {
		if err := a.Usage.Save(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("publisher: %w", err))
		}
	}
	if c, ok := a.Adapter.(io.Closer); ok {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stt adapter: %w", err))
		}
	}
	return result.ErrorOrNil()
}
