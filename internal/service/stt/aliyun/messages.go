package aliyun

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const namespace = "SpeechTranscriber"

// Message names of the realtime transcription protocol.
const (
	nameStart         = "StartTranscription"
	nameStop          = "StopTranscription"
	nameStarted       = "TranscriptionStarted"
	nameSentenceBegin = "SentenceBegin"
	nameResultChanged = "TranscriptionResultChanged"
	nameSentenceEnd   = "SentenceEnd"
	nameCompleted     = "TranscriptionCompleted"
	nameTaskFailed    = "TaskFailed"
)

// tokenHeader carries the access token on the gateway handshake.
const tokenHeader = "X-NLS-Token"

type header struct {
	MessageID  string `json:"message_id"`
	TaskID     string `json:"task_id"`
	Namespace  string `json:"namespace"`
	Name       string `json:"name"`
	AppKey     string `json:"appkey,omitempty"`
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"status_text,omitempty"`
}

type startPayload struct {
	Format                         string `json:"format"`
	SampleRate                     int    `json:"sample_rate"`
	EnableIntermediateResult       bool   `json:"enable_intermediate_result"`
	EnablePunctuationPrediction    bool   `json:"enable_punctuation_prediction"`
	EnableInverseTextNormalization bool   `json:"enable_inverse_text_normalization"`
}

type request struct {
	Header  header `json:"header"`
	Payload any    `json:"payload,omitempty"`
}

type response struct {
	Header  header          `json:"header"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type resultPayload struct {
	Index      int     `json:"index"`
	Time       int     `json:"time"`
	Result     string  `json:"result"`
	Confidence float64 `json:"confidence"`
}

// newID returns a 32 character hex id as the gateway expects.
func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (a *Adapter) startMessage(taskID string) ([]byte, error) {
	return json.Marshal(request{
		Header: header{
			MessageID: newID(),
			TaskID:    taskID,
			Namespace: namespace,
			Name:      nameStart,
			AppKey:    a.cfg.AppKey,
		},
		Payload: startPayload{
			Format:                         a.cfg.Format,
			SampleRate:                     a.cfg.SampleRateHz,
			EnableIntermediateResult:       a.cfg.IntermediateResult,
			EnablePunctuationPrediction:    a.cfg.Punctuation,
			EnableInverseTextNormalization: a.cfg.InverseTextNormalization,
		},
	})
}

func (a *Adapter) stopMessage(taskID string) ([]byte, error) {
	return json.Marshal(request{
		Header: header{
			MessageID: newID(),
			TaskID:    taskID,
			Namespace: namespace,
			Name:      nameStop,
			AppKey:    a.cfg.AppKey,
		},
	})
}

func decodeResponse(data []byte) (response, error) {
	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return response{}, err
	}
	if r.Header.Name == "" {
		return response{}, fmt.Errorf("missing header name")
	}
	return r, nil
}

func decodeResult(raw json.RawMessage) (resultPayload, error) {
	var p resultPayload
	if len(raw) == 0 {
		return p, fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, err
	}
	return p, nil
}
