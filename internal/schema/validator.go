// Package schema validates transcript events before they are published.
package schema

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/hashicorp/go-multierror"

	"ai-speech-relay-service/internal/models"
)

// ErrUnknownEvent is returned for event types the validator does not know.
var ErrUnknownEvent = errors.New("unknown event type")

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate checks the required fields of a transcript event and reports every
// violation at once.
func (v *Validator) Validate(event any) error {
	switch ev := event.(type) {
	case models.TranscriptPartial:
		return checkCommon(ev.EventType, models.EventTypePartial, ev.SessionKey, ev.RunID, ev.Text, ev.Confidence, ev.Seq)
	case *models.TranscriptPartial:
		return v.Validate(*ev)
	case models.TranscriptFinal:
		return checkCommon(ev.EventType, models.EventTypeFinal, ev.SessionKey, ev.RunID, ev.Text, ev.Confidence, ev.Seq)
	case *models.TranscriptFinal:
		return v.Validate(*ev)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, event)
	}
}

func checkCommon(eventType, want, sessionKey, runID, text string, confidence float64, seq uint64) error {
	var result *multierror.Error
	if eventType != want {
		result = multierror.Append(result, fmt.Errorf("eventType: expected %q, got %q", want, eventType))
	}
	if sessionKey == "" {
		result = multierror.Append(result, errors.New("sessionKey: required"))
	}
	if runID == "" {
		result = multierror.Append(result, errors.New("runId: required"))
	}
	if strings.TrimSpace(text) == "" {
		result = multierror.Append(result, errors.New("text: required"))
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		result = multierror.Append(result, fmt.Errorf("confidence: %v out of range [0,1]", confidence))
	}
	if seq == 0 {
		result = multierror.Append(result, errors.New("seq: must be positive"))
	}
	return result.ErrorOrNil()
}
