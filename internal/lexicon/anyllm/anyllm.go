// Package anyllm implements lexicon.TextGenerator with
// github.com/mozilla-ai/any-llm-go, so definitions and suggestions can come
// from OpenAI, Anthropic, Ollama and the other providers it supports.
//
// Image generation is not offered by these backends; pair this generator with
// the gemini image generator or run without illustrations.
package anyllm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/JPBrill/Lexivision/internal/lexicon"
)

var _ lexicon.TextGenerator = (*Generator)(nil)

// Generator implements lexicon.TextGenerator on an any-llm-go backend.
type Generator struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a Generator for providerName ("openai", "anthropic", "gemini",
// "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile").
// Without an API key option the backend reads its usual environment variable.
func New(providerName, model string, opts ...anyllmlib.Option) (*Generator, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Generator{backend: backend, model: model}, nil
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// GenerateJSON implements lexicon.TextGenerator. The schema is passed in the
// system prompt and the answer is checked to be valid JSON.
func (g *Generator) GenerateJSON(ctx context.Context, prompt string, schema map[string]any) (string, error) {
	params, err := g.buildParams(prompt, schema)
	if err != nil {
		return "", err
	}
	resp, err := g.backend.Completion(ctx, params)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return "", fmt.Errorf("anyllm: completion: %w: %v", lexicon.ErrUnavailable, err)
		}
		return "", fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", lexicon.ErrEmptyResponse
	}
	out := extractJSON(resp.Choices[0].Message.ContentString())
	if out == "" {
		return "", lexicon.ErrEmptyResponse
	}
	if !json.Valid([]byte(out)) {
		return "", fmt.Errorf("anyllm: response is not valid JSON: %.80q", out)
	}
	return out, nil
}

func (g *Generator) buildParams(prompt string, schema map[string]any) (anyllmlib.CompletionParams, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return anyllmlib.CompletionParams{}, fmt.Errorf("anyllm: encode schema: %w", err)
	}
	temp := 0.7
	return anyllmlib.CompletionParams{
		Model: g.model,
		Messages: []anyllmlib.Message{
			{
				Role: anyllmlib.RoleSystem,
				Content: "You are the dictionary service of a language tutor. Reply with a single JSON value " +
					"that matches this JSON Schema and nothing else: " + string(raw),
			},
			{Role: "user", Content: prompt},
		},
		Temperature: &temp,
	}, nil
}

// extractJSON strips the markdown fence some models wrap JSON answers in.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
