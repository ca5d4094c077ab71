// Package fallback guards calls into upstream collaborators so a failure
// never reaches the call transport as a raw error.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vango-go/call-relay/pkg/relay/backend"
)

const (
	DefaultTimeout = 3000 * time.Millisecond

	DefaultApology       = "I'm sorry, I'm having trouble right now. Could you say that again?"
	DefaultFinalApology  = "I'm sorry, I'm having technical difficulties. Please call back later. Goodbye."
	DefaultClarification = "Sorry, I didn't catch that. Could you repeat it?"
)

// Collaborator names used in logs.
const (
	CollaboratorGenerator   = "generator"
	CollaboratorTranscriber = "transcriber"
)

type Config struct {
	Timeout       time.Duration
	Apology       string
	FinalApology  string
	Clarification string
	Logger        *slog.Logger
}

// Controller wraps Generate and Transcribe with a time budget. It is safe for
// concurrent use.
type Controller struct {
	generator   backend.Generator
	transcriber backend.Transcriber
	cfg         Config
	logger      *slog.Logger
}

// Result is the outcome of a guarded call. Exactly one of the following holds:
// Text carries a genuine result, Fallback is set and Text carries the
// apology, or Canceled is set because the caller abandoned the call.
type Result struct {
	Text     string
	Fallback bool
	Canceled bool
	Kind     backend.FailureKind
	Err      error
	Latency  time.Duration
}

func New(gen backend.Generator, tr backend.Transcriber, cfg Config) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(cfg.Apology) == "" {
		cfg.Apology = DefaultApology
	}
	if strings.TrimSpace(cfg.FinalApology) == "" {
		cfg.FinalApology = DefaultFinalApology
	}
	if strings.TrimSpace(cfg.Clarification) == "" {
		cfg.Clarification = DefaultClarification
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{generator: gen, transcriber: tr, cfg: cfg, logger: logger}
}

func (c *Controller) Timeout() time.Duration { return c.cfg.Timeout }

// FinalApology is the reply sent when a session gives up after repeated
// failures.
func (c *Controller) FinalApology() string { return c.cfg.FinalApology }

// Generate asks the generator for a reply within the timeout budget.
func (c *Controller) Generate(ctx context.Context, sessionID, prompt string, history []backend.Turn) Result {
	if c.generator == nil {
		return c.fail(CollaboratorGenerator, sessionID, c.cfg.Apology, 0,
			&backend.GenerationError{Kind: backend.FailureInit, Err: errors.New("generator not configured")})
	}
	return c.guard(ctx, CollaboratorGenerator, sessionID, c.cfg.Apology, func(ctx context.Context) (string, error) {
		return c.generator.Generate(ctx, prompt, history)
	})
}

// Transcribe resolves audio to text within the timeout budget. On failure the
// result carries a clarification request instead of an apology.
func (c *Controller) Transcribe(ctx context.Context, sessionID string, audio []byte) Result {
	if c.transcriber == nil {
		return c.fail(CollaboratorTranscriber, sessionID, c.cfg.Clarification, 0,
			&backend.TranscriptionError{Kind: backend.FailureInit, Err: errors.New("transcriber not configured")})
	}
	return c.guard(ctx, CollaboratorTranscriber, sessionID, c.cfg.Clarification, func(ctx context.Context) (string, error) {
		return c.transcriber.Transcribe(ctx, audio)
	})
}

func (c *Controller) guard(ctx context.Context, collaborator, sessionID, substitute string, call func(context.Context) (string, error)) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%s panicked: %v", collaborator, r)}
			}
		}()
		text, err := call(callCtx)
		done <- outcome{text: text, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		// A collaborator that ignores cancellation is abandoned here; its
		// goroutine finishes into the buffered channel.
		out = outcome{err: callCtx.Err()}
	}
	latency := time.Since(start)

	if ctx.Err() != nil {
		return Result{Canceled: true, Err: ctx.Err(), Latency: latency}
	}
	if out.err == nil && strings.TrimSpace(out.text) == "" {
		out.err = errors.New("empty result")
	}
	if out.err != nil {
		return c.fail(collaborator, sessionID, substitute, latency, wrap(collaborator, out.err))
	}
	return Result{Text: out.text, Latency: latency}
}

func wrap(collaborator string, err error) error {
	kind := backend.Classify(err)
	if errors.Is(err, context.DeadlineExceeded) {
		kind = backend.FailureTimeout
	}
	var (
		gen *backend.GenerationError
		tr  *backend.TranscriptionError
	)
	if errors.As(err, &gen) || errors.As(err, &tr) {
		return err
	}
	if collaborator == CollaboratorTranscriber {
		return &backend.TranscriptionError{Kind: kind, Err: err}
	}
	return &backend.GenerationError{Kind: kind, Err: err}
}

func (c *Controller) fail(collaborator, sessionID, substitute string, latency time.Duration, err error) Result {
	kind := backend.Classify(err)
	c.logger.Warn("upstream failure, using fallback reply",
		"collaborator", collaborator,
		"session_id", sessionID,
		"kind", string(kind),
		"latency_ms", latency.Milliseconds(),
		"error", err,
	)
	return Result{Text: substitute, Fallback: true, Kind: kind, Err: err, Latency: latency}
}
