// Package google provides a Google Cloud Speech-to-Text adapter.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"ai-speech-relay-service/internal/service/stt"
)

// FrameSize is the frame size Google streaming works best with: 100ms of 16kHz 16-bit mono.
const FrameSize = 3200

// Config holds Google STT configuration.
type Config struct {
	CredentialsFile          string        `mapstructure:"credentialsFile"`
	LanguageCode             string        `mapstructure:"languageCode"`
	AlternativeLanguageCodes []string      `mapstructure:"alternativeLanguageCodes"`
	SampleRateHz             int32         `mapstructure:"sampleRateHz"`
	AudioEncoding            string        `mapstructure:"audioEncoding"`
	Model                    string        `mapstructure:"model"`
	InterimResults           bool          `mapstructure:"interimResults"`
	SingleUtterance          bool          `mapstructure:"singleUtterance"`
	Punctuation              bool          `mapstructure:"punctuation"`
	SpeechEndTimeout         time.Duration `mapstructure:"speechEndTimeout"`
	// StopGrace is how long Stop waits for trailing results after half-closing.
	StopGrace time.Duration `mapstructure:"stopGrace"`
}

// DefaultConfig returns sensible defaults for short command-style Mandarin
// speech with English as a fallback language.
func DefaultConfig() Config {
	return Config{
		LanguageCode:             "zh-CN",
		AlternativeLanguageCodes: []string{"en-US"},
		SampleRateHz:             16000,
		AudioEncoding:            "LINEAR16",
		Model:                    "command_and_search",
		InterimResults:           true,
		SingleUtterance:          true,
		Punctuation:              true,
		SpeechEndTimeout:         time.Second,
		StopGrace:                2 * time.Second,
	}
}

// parseAudioEncoding converts a string encoding name to the Google Speech API enum.
// Unknown names fall back to LINEAR16.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

type openFunc func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error)

// Adapter implements stt.Adapter using Google Cloud Speech-to-Text streaming recognition.
type Adapter struct {
	client *speech.Client
	open   openFunc
	cfg    Config
	ids    atomic.Uint64
}

var _ stt.Adapter = (*Adapter)(nil)

// New creates a new Google STT adapter. Without a credentials file the client
// falls back to Application Default Credentials.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google speech client: %w", err)
	}

	log.Info().
		Str("languageCode", cfg.LanguageCode).
		Int32("sampleRateHz", cfg.SampleRateHz).
		Str("model", cfg.Model).
		Msg("Google STT adapter created")

	return &Adapter{
		client: c,
		open: func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
			return c.StreamingRecognize(ctx)
		},
		cfg: cfg,
	}, nil
}

// Name returns "google".
func (a *Adapter) Name() string { return "google" }

// Close releases the underlying gRPC client.
func (a *Adapter) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}

func (a *Adapter) streamingConfig() *speechpb.StreamingRecognizeRequest {
	sc := &speechpb.StreamingRecognitionConfig{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   parseAudioEncoding(a.cfg.AudioEncoding),
			SampleRateHertz:            a.cfg.SampleRateHz,
			LanguageCode:               a.cfg.LanguageCode,
			AlternativeLanguageCodes:   a.cfg.AlternativeLanguageCodes,
			EnableAutomaticPunctuation: a.cfg.Punctuation,
			Model:                      a.cfg.Model,
		},
		InterimResults:  a.cfg.InterimResults,
		SingleUtterance: a.cfg.SingleUtterance,
	}
	if a.cfg.SpeechEndTimeout > 0 {
		sc.EnableVoiceActivityEvents = true
		sc.VoiceActivityTimeout = &speechpb.StreamingRecognitionConfig_VoiceActivityTimeout{
			SpeechEndTimeout: durationpb.New(a.cfg.SpeechEndTimeout),
		}
	}
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: sc,
		},
	}
}

type handle struct {
	id       string
	stream   speechpb.Speech_StreamingRecognizeClient
	cancel   context.CancelFunc
	active   atomic.Bool
	stopping atomic.Bool
	sendMu   sync.Mutex
	done     chan struct{}
}

func (h *handle) ID() string   { return h.id }
func (h *handle) Active() bool { return h.active.Load() }

// Start opens a StreamingRecognize stream and sends the streaming config.
// The stream outlives ctx; it ends on Stop or when Google closes it.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) (stt.Handle, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := a.open(streamCtx)
	if err != nil {
		cancel()
		return nil, &stt.StartError{Provider: a.Name(), Err: err}
	}
	if err := stream.Send(a.streamingConfig()); err != nil {
		cancel()
		return nil, &stt.StartError{Provider: a.Name(), Err: fmt.Errorf("send streaming config: %w", err)}
	}
	if err := ctx.Err(); err != nil {
		cancel()
		return nil, &stt.StartError{Provider: a.Name(), Err: err}
	}

	h := &handle{
		id:     fmt.Sprintf("google-%d", a.ids.Add(1)),
		stream: stream,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	h.active.Store(true)
	go a.listen(h, cb)
	return h, nil
}

// Send sends one audio frame.
func (a *Adapter) Send(ctx context.Context, sh stt.Handle, frame []byte) error {
	h, ok := sh.(*handle)
	if !ok {
		return &stt.SendError{Provider: a.Name(), Err: fmt.Errorf("foreign handle %T", sh)}
	}
	if !h.Active() {
		return &stt.SendError{Provider: a.Name(), Err: stt.ErrHandleInactive}
	}

	h.sendMu.Lock()
	err := h.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: frame,
		},
	})
	h.sendMu.Unlock()
	if err != nil {
		// io.EOF means the server ended the stream; the real status arrives on Recv
		if errors.Is(err, io.EOF) {
			err = stt.ErrHandleInactive
		}
		h.active.Store(false)
		return &stt.SendError{Provider: a.Name(), Err: err}
	}
	return nil
}

// Stop half-closes the stream and waits for trailing results, cancelling the
// stream once the grace period runs out.
func (a *Adapter) Stop(ctx context.Context, sh stt.Handle) error {
	h, ok := sh.(*handle)
	if !ok {
		return &stt.StopError{Provider: a.Name(), Err: fmt.Errorf("foreign handle %T", sh)}
	}
	if h.stopping.Swap(true) {
		return nil
	}
	h.active.Store(false)

	h.sendMu.Lock()
	closeErr := h.stream.CloseSend()
	h.sendMu.Unlock()

	grace := time.AfterFunc(a.cfg.StopGrace, h.cancel)
	defer grace.Stop()

	select {
	case <-h.done:
	case <-ctx.Done():
		h.cancel()
		return &stt.StopError{Provider: a.Name(), Err: ctx.Err()}
	}
	if closeErr != nil && !errors.Is(closeErr, io.EOF) {
		return &stt.StopError{Provider: a.Name(), Err: closeErr}
	}
	return nil
}

// listen receives responses until the stream ends and translates them into callbacks.
func (a *Adapter) listen(h *handle, cb stt.Callback) {
	defer func() {
		h.active.Store(false)
		h.cancel()
		cb.OnClosed()
		close(h.done)
	}()

	for {
		resp, err := h.stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			if h.stopping.Load() && status.Code(err) == codes.Canceled {
				return
			}
			cb.OnError(err)
			return
		}
		if resp.Error != nil {
			cb.OnError(fmt.Errorf("google: recognition error %d: %s", resp.Error.Code, resp.Error.Message))
			return
		}

		switch resp.SpeechEventType {
		case speechpb.StreamingRecognizeResponse_END_OF_SINGLE_UTTERANCE,
			speechpb.StreamingRecognizeResponse_SPEECH_ACTIVITY_END,
			speechpb.StreamingRecognizeResponse_SPEECH_ACTIVITY_TIMEOUT:
			log.Debug().
				Str("handle", h.id).
				Str("event", resp.SpeechEventType.String()).
				Msg("Google speech event")
		}

		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			if r.IsFinal {
				alt := bestAlternative(r.Alternatives)
				cb.OnFinal(alt.Transcript, float64(alt.Confidence))
			} else {
				alt := r.Alternatives[0]
				cb.OnInterim(alt.Transcript, float64(alt.Confidence))
			}
		}
	}
}

// bestAlternative returns the most confident alternative. alts must not be
// empty.
func bestAlternative(alts []*speechpb.SpeechRecognitionAlternative) *speechpb.SpeechRecognitionAlternative {
	best := alts[0]
	for _, alt := range alts[1:] {
		if alt.Confidence > best.Confidence {
			best = alt
		}
	}
	return best
}
