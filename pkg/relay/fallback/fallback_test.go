package fallback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/vango-go/call-relay/pkg/relay/backend"
)

type generatorFunc func(ctx context.Context, prompt string, history []backend.Turn) (string, error)

func (f generatorFunc) Generate(ctx context.Context, prompt string, history []backend.Turn) (string, error) {
	return f(ctx, prompt, history)
}

type transcriberFunc func(ctx context.Context, audio []byte) (string, error)

func (f transcriberFunc) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return f(ctx, audio)
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestGenerate_Success(t *testing.T) {
	c := New(generatorFunc(func(ctx context.Context, prompt string, history []backend.Turn) (string, error) {
		if prompt != "Hello" || len(history) != 1 {
			t.Fatalf("prompt=%q history=%d", prompt, len(history))
		}
		return "Hi there", nil
	}), nil, Config{Logger: quietLogger()})

	res := c.Generate(context.Background(), "CA1", "Hello", []backend.Turn{{Role: backend.RoleAssistant, Text: "Welcome"}})
	if res.Fallback || res.Canceled || res.Text != "Hi there" || res.Err != nil {
		t.Fatalf("result=%+v", res)
	}
}

func TestGenerate_FailuresBecomeApology(t *testing.T) {
	cases := []struct {
		name string
		gen  backend.Generator
		kind backend.FailureKind
	}{
		{"not configured", nil, backend.FailureInit},
		{"provider error", generatorFunc(func(context.Context, string, []backend.Turn) (string, error) {
			return "", errors.New("503 from upstream")
		}), backend.FailureProvider},
		{"empty reply", generatorFunc(func(context.Context, string, []backend.Turn) (string, error) {
			return "  ", nil
		}), backend.FailureProvider},
		{"typed init error", generatorFunc(func(context.Context, string, []backend.Turn) (string, error) {
			return "", &backend.GenerationError{Kind: backend.FailureInit, Err: errors.New("no key")}
		}), backend.FailureInit},
		{"panic", generatorFunc(func(context.Context, string, []backend.Turn) (string, error) {
			panic("boom")
		}), backend.FailureProvider},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(tc.gen, nil, Config{Logger: quietLogger(), Apology: "sorry"})
			res := c.Generate(context.Background(), "CA1", "Hello", nil)
			if !res.Fallback || res.Text != "sorry" || res.Kind != tc.kind {
				t.Fatalf("result=%+v", res)
			}
			var genErr *backend.GenerationError
			if !errors.As(res.Err, &genErr) {
				t.Fatalf("err=%T %v, want *GenerationError", res.Err, res.Err)
			}
		})
	}
}

func TestGenerate_TimeoutIsBounded(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := New(generatorFunc(func(ctx context.Context, _ string, _ []backend.Turn) (string, error) {
		// Ignores ctx entirely.
		<-release
		return "late", nil
	}), nil, Config{Logger: quietLogger(), Timeout: 30 * time.Millisecond})

	start := time.Now()
	res := c.Generate(context.Background(), "CA1", "Hello", nil)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Generate blocked for %v", elapsed)
	}
	if !res.Fallback || res.Kind != backend.FailureTimeout {
		t.Fatalf("result=%+v", res)
	}
}

func TestGenerate_CallerCancelIsNotFallback(t *testing.T) {
	started := make(chan struct{})
	c := New(generatorFunc(func(ctx context.Context, _ string, _ []backend.Turn) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}), nil, Config{Logger: quietLogger(), Timeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	res := c.Generate(ctx, "CA1", "Hello", nil)
	if !res.Canceled || res.Fallback || res.Text != "" {
		t.Fatalf("result=%+v", res)
	}
}

func TestTranscribe_FailureAsksForClarification(t *testing.T) {
	c := New(nil, transcriberFunc(func(context.Context, []byte) (string, error) {
		return "", errors.New("decode failed")
	}), Config{Logger: quietLogger()})

	res := c.Transcribe(context.Background(), "CA1", []byte{1, 2, 3})
	if !res.Fallback || res.Text != DefaultClarification {
		t.Fatalf("result=%+v", res)
	}
	var trErr *backend.TranscriptionError
	if !errors.As(res.Err, &trErr) {
		t.Fatalf("err=%T, want *TranscriptionError", res.Err)
	}

	ok := New(nil, transcriberFunc(func(_ context.Context, audio []byte) (string, error) {
		return "book a table", nil
	}), Config{Logger: quietLogger()})
	if res := ok.Transcribe(context.Background(), "CA1", []byte{1}); res.Fallback || res.Text != "book a table" {
		t.Fatalf("result=%+v", res)
	}
}
