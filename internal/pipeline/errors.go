package pipeline

import (
	"errors"
	"fmt"

	"github.com/benvonhandorf/esp32-audio-stream/internal/session"
)

// Error kinds carried by StageError. Match them with errors.Is.
var (
	ErrConnectionIO  = errors.New("connection i/o failed")
	ErrEncoding      = errors.New("encoding failed")
	ErrTranscription = errors.New("transcription failed")
	ErrAborted       = errors.New("session aborted")
)

// StageError is a stage-aware pipeline failure.
type StageError struct {
	Stage session.Stage
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// Unwrap exposes both the kind and the underlying cause.
func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
