// Package mock provides test doubles for the lexicon generator interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/JPBrill/Lexivision/internal/lexicon"
)

// TextCall records one GenerateJSON invocation.
type TextCall struct {
	Prompt string
	Schema map[string]any
}

// TextGenerator is a mock lexicon.TextGenerator. Respond, when set, decides
// the answer per call; otherwise Response and Err are returned.
type TextGenerator struct {
	mu sync.Mutex

	Response string
	Err      error
	Respond  func(prompt string) (string, error)

	calls []TextCall
}

// GenerateJSON implements lexicon.TextGenerator.
func (g *TextGenerator) GenerateJSON(_ context.Context, prompt string, schema map[string]any) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, TextCall{Prompt: prompt, Schema: schema})
	respond, resp, err := g.Respond, g.Response, g.Err
	g.mu.Unlock()
	if respond != nil {
		return respond(prompt)
	}
	return resp, err
}

// Calls returns a copy of the recorded calls.
func (g *TextGenerator) Calls() []TextCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]TextCall(nil), g.calls...)
}

// ImageCall records one image request. Source is set for edits.
type ImageCall struct {
	Prompt string
	Aspect string
	Source *lexicon.Image
}

// ImageGenerator is a mock lexicon.ImageGenerator.
type ImageGenerator struct {
	mu sync.Mutex

	Image lexicon.Image
	Err   error

	calls []ImageCall
}

// GenerateImage implements lexicon.ImageGenerator.
func (g *ImageGenerator) GenerateImage(_ context.Context, prompt, aspect string) (lexicon.Image, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, ImageCall{Prompt: prompt, Aspect: aspect})
	return g.Image, g.Err
}

// EditImage implements lexicon.ImageGenerator.
func (g *ImageGenerator) EditImage(_ context.Context, src lexicon.Image, prompt string) (lexicon.Image, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, ImageCall{Prompt: prompt, Source: &src})
	return g.Image, g.Err
}

// Calls returns a copy of the recorded calls.
func (g *ImageGenerator) Calls() []ImageCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ImageCall(nil), g.calls...)
}

// VideoCall records one GenerateVideo invocation.
type VideoCall struct {
	Source lexicon.Image
	Prompt string
}

// VideoGenerator is a mock lexicon.VideoGenerator. When Block is non-nil the
// call waits for it to close or for ctx to be done.
type VideoGenerator struct {
	mu sync.Mutex

	Video lexicon.Video
	Err   error
	Block chan struct{}

	calls []VideoCall
}

// GenerateVideo implements lexicon.VideoGenerator.
func (g *VideoGenerator) GenerateVideo(ctx context.Context, src lexicon.Image, prompt string) (lexicon.Video, error) {
	g.mu.Lock()
	g.calls = append(g.calls, VideoCall{Source: src, Prompt: prompt})
	block, v, err := g.Block, g.Video, g.Err
	g.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return lexicon.Video{}, ctx.Err()
		}
	}
	return v, err
}

// Calls returns a copy of the recorded calls.
func (g *VideoGenerator) Calls() []VideoCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]VideoCall(nil), g.calls...)
}
