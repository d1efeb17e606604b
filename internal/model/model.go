package model

import (
	"context"
	"fmt"

	"github.com/stupiduntilnot/parley/internal/prompt"
)

// Completion is the raw result of a completion call. OutputText is the
// primary text field; Segments holds the structured output_text parts the
// backend returned alongside it.
type Completion struct {
	OutputText   string
	Segments     []string
	InputTokens  int
	OutputTokens int
}

// Completer is the completion collaborator.
type Completer interface {
	Generate(ctx context.Context, stack prompt.Stack, model string, maxOutputTokens int) (Completion, error)
}

// Transcriber is the speech-to-text collaborator.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, model string) (string, error)
}

// Operation names used in BackendError and metrics labels.
const (
	OpCompletion    = "completion"
	OpTranscription = "transcription"
)

// BackendError wraps a completion or transcription failure. It is recovered
// locally and shown to the user as a diagnostic sentence.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
