// Package backend defines the external collaborators the relay depends on:
// reply generation and transcript resolution.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	RoleCaller    = "user"
	RoleAssistant = "assistant"
)

// Turn is one side of a conversation exchange.
type Turn struct {
	Role string    `json:"role" msgpack:"role"`
	Text string    `json:"text" msgpack:"text"`
	At   time.Time `json:"at" msgpack:"at"`
}

// Generator turns a prompt plus prior conversation into a reply. It must
// return promptly once ctx is canceled.
type Generator interface {
	Generate(ctx context.Context, prompt string, history []Turn) (string, error)
}

// Transcriber resolves buffered caller audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// FailureKind classifies an upstream failure.
type FailureKind string

const (
	FailureInit     FailureKind = "init"
	FailureTimeout  FailureKind = "timeout"
	FailureProvider FailureKind = "provider"
)

type GenerationError struct {
	Kind FailureKind
	Err  error
}

func (e *GenerationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("generation %s failure", e.Kind)
	}
	return fmt.Sprintf("generation %s failure: %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

type TranscriptionError struct {
	Kind FailureKind
	Err  error
}

func (e *TranscriptionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("transcription %s failure", e.Kind)
	}
	return fmt.Sprintf("transcription %s failure: %v", e.Kind, e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// Classify maps a raw collaborator error onto a FailureKind.
func Classify(err error) FailureKind {
	var gen *GenerationError
	if errors.As(err, &gen) {
		return gen.Kind
	}
	var tr *TranscriptionError
	if errors.As(err, &tr) {
		return tr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureProvider
}
