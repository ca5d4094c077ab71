package backend

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"
)

const (
	DefaultGeminiModel = "gemini-2.5-flash"

	voiceSystemInstruction = "You are a phone agent speaking with a caller. Reply in one to three short sentences of plain speech. Do not use markdown, lists, or emoji."
	transcribeInstruction  = "Transcribe the caller's speech verbatim. Reply with the transcript only, or an empty reply if there is no speech."
)

// GeminiConfig configures the Gemini-backed collaborators.
type GeminiConfig struct {
	APIKey          string
	Model           string
	TranscribeModel string
	// AudioMIMEType describes the raw audio handed to Transcribe.
	AudioMIMEType   string
	MaxOutputTokens int32
}

// Gemini implements Generator and Transcriber on the Gemini API.
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &GenerationError{Kind: FailureInit, Err: errors.New("gemini api key is required")}
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultGeminiModel
	}
	if strings.TrimSpace(cfg.TranscribeModel) == "" {
		cfg.TranscribeModel = cfg.Model
	}
	if strings.TrimSpace(cfg.AudioMIMEType) == "" {
		cfg.AudioMIMEType = "audio/basic"
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 256
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, &GenerationError{Kind: FailureInit, Err: err}
	}
	return &Gemini{client: client, cfg: cfg}, nil
}

func (g *Gemini) Generate(ctx context.Context, prompt string, history []Turn) (string, error) {
	contents := geminiContents(history)
	contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(voiceSystemInstruction, genai.RoleUser),
		MaxOutputTokens:   g.cfg.MaxOutputTokens,
	})
	if err != nil {
		return "", &GenerationError{Kind: kindFromContext(ctx, err), Err: err}
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", &GenerationError{Kind: FailureProvider, Err: errors.New("empty gemini reply")}
	}
	return text, nil
}

func (g *Gemini) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			genai.NewPartFromText(transcribeInstruction),
			genai.NewPartFromBytes(audio, g.cfg.AudioMIMEType),
		},
	}}
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.TranscribeModel, contents, nil)
	if err != nil {
		return "", &TranscriptionError{Kind: kindFromContext(ctx, err), Err: err}
	}
	return strings.TrimSpace(resp.Text()), nil
}

func geminiContents(history []Turn) []*genai.Content {
	out := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		text := strings.TrimSpace(turn.Text)
		if text == "" {
			continue
		}
		role := genai.Role(genai.RoleUser)
		if turn.Role == RoleAssistant {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(text, role))
	}
	return out
}

func kindFromContext(ctx context.Context, err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureProvider
}
