// Package gemini implements the lexicon generators with the
// google.golang.org/genai SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/JPBrill/Lexivision/internal/lexicon"
)

const (
	// DefaultTextModel answers definition and suggestion prompts.
	DefaultTextModel = "gemini-3-flash-preview"

	// DefaultImageModel renders and edits illustrations.
	DefaultImageModel = "gemini-2.5-flash-image"

	// DefaultVideoModel animates illustrations.
	DefaultVideoModel = "veo-3.1-fast-generate-preview"

	// DefaultPollInterval is how often a running video operation is checked.
	DefaultPollInterval = 5 * time.Second

	videoResolution = "720p"
)

var (
	_ lexicon.TextGenerator  = (*Generator)(nil)
	_ lexicon.ImageGenerator = (*Generator)(nil)
	_ lexicon.VideoGenerator = (*Generator)(nil)
)

// Generator implements the lexicon generator interfaces.
type Generator struct {
	client       *genai.Client
	textModel    string
	imageModel   string
	videoModel   string
	pollInterval time.Duration
}

// Option configures a [Generator].
type Option func(*Generator)

// WithTextModel overrides [DefaultTextModel].
func WithTextModel(model string) Option {
	return func(g *Generator) {
		if model != "" {
			g.textModel = model
		}
	}
}

// WithImageModel overrides [DefaultImageModel].
func WithImageModel(model string) Option {
	return func(g *Generator) {
		if model != "" {
			g.imageModel = model
		}
	}
}

// WithVideoModel overrides [DefaultVideoModel].
func WithVideoModel(model string) Option {
	return func(g *Generator) {
		if model != "" {
			g.videoModel = model
		}
	}
}

// WithPollInterval overrides [DefaultPollInterval].
func WithPollInterval(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 {
			g.pollInterval = d
		}
	}
}

// New wraps an existing client.
func New(client *genai.Client, opts ...Option) *Generator {
	g := &Generator{
		client:       client,
		textModel:    DefaultTextModel,
		imageModel:   DefaultImageModel,
		videoModel:   DefaultVideoModel,
		pollInterval: DefaultPollInterval,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// NewFromAPIKey creates a Gemini API client for apiKey. A non-empty baseURL
// overrides the endpoint.
func NewFromAPIKey(ctx context.Context, apiKey, baseURL string, opts ...Option) (*Generator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: apiKey must not be empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return New(client, opts...), nil
}

// GenerateJSON implements lexicon.TextGenerator using a response schema.
func (g *Generator) GenerateJSON(ctx context.Context, prompt string, schema map[string]any) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.textModel, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType:   "application/json",
		ResponseJsonSchema: schema,
	})
	if err != nil {
		return "", fmt.Errorf("gemini: generate content: %w", mapError(err))
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", lexicon.ErrEmptyResponse
	}
	return text, nil
}

// GenerateImage implements lexicon.ImageGenerator.
func (g *Generator) GenerateImage(ctx context.Context, prompt, aspect string) (lexicon.Image, error) {
	cfg := &genai.GenerateContentConfig{}
	if aspect != "" {
		cfg.ImageConfig = &genai.ImageConfig{AspectRatio: aspect}
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.imageModel, genai.Text(prompt), cfg)
	if err != nil {
		return lexicon.Image{}, fmt.Errorf("gemini: generate image: %w", mapError(err))
	}
	return firstImage(resp)
}

// EditImage implements lexicon.ImageGenerator.
func (g *Generator) EditImage(ctx context.Context, src lexicon.Image, prompt string) (lexicon.Image, error) {
	mime := src.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			genai.NewPartFromBytes(src.Data, mime),
			genai.NewPartFromText(prompt),
		},
	}}
	resp, err := g.client.Models.GenerateContent(ctx, g.imageModel, contents, nil)
	if err != nil {
		return lexicon.Image{}, fmt.Errorf("gemini: edit image: %w", mapError(err))
	}
	return firstImage(resp)
}

// GenerateVideo implements lexicon.VideoGenerator. It starts a 720p clip at
// the illustration aspect ratio and polls the operation until it completes.
func (g *Generator) GenerateVideo(ctx context.Context, src lexicon.Image, prompt string) (lexicon.Video, error) {
	mime := src.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	op, err := g.client.Models.GenerateVideos(ctx, g.videoModel, prompt,
		&genai.Image{ImageBytes: src.Data, MIMEType: mime},
		&genai.GenerateVideosConfig{
			NumberOfVideos: 1,
			Resolution:     videoResolution,
			AspectRatio:    lexicon.IllustrationAspect,
		})
	if err != nil {
		return lexicon.Video{}, fmt.Errorf("gemini: generate video: %w", mapError(err))
	}

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for !op.Done {
		select {
		case <-ctx.Done():
			return lexicon.Video{}, fmt.Errorf("gemini: wait for video %s: %w", op.Name, ctx.Err())
		case <-ticker.C:
		}
		if op, err = g.client.Operations.GetVideosOperation(ctx, op, nil); err != nil {
			if ctx.Err() != nil {
				return lexicon.Video{}, fmt.Errorf("gemini: wait for video: %w", ctx.Err())
			}
			return lexicon.Video{}, fmt.Errorf("gemini: poll video operation: %w", mapError(err))
		}
	}
	if len(op.Error) > 0 {
		return lexicon.Video{}, fmt.Errorf("gemini: video operation failed: %v", op.Error["message"])
	}
	return g.download(ctx, op.Response)
}

// download returns the first generated clip, fetching it when the API only
// returned a URI.
func (g *Generator) download(ctx context.Context, resp *genai.GenerateVideosResponse) (lexicon.Video, error) {
	if resp == nil || len(resp.GeneratedVideos) == 0 || resp.GeneratedVideos[0].Video == nil {
		return lexicon.Video{}, lexicon.ErrEmptyResponse
	}
	gv := resp.GeneratedVideos[0]
	v := lexicon.Video{MIMEType: gv.Video.MIMEType, Data: gv.Video.VideoBytes}
	if len(v.Data) == 0 && gv.Video.URI != "" {
		data, err := g.client.Files.Download(ctx, genai.NewDownloadURIFromGeneratedVideo(gv), nil)
		if err != nil {
			return lexicon.Video{}, fmt.Errorf("gemini: download video: %w", mapError(err))
		}
		v.Data = data
	}
	if len(v.Data) == 0 {
		return lexicon.Video{}, lexicon.ErrEmptyResponse
	}
	if v.MIMEType == "" {
		v.MIMEType = "video/mp4"
	}
	return v, nil
}

// firstImage returns the first inline image part of the first candidate.
func firstImage(resp *genai.GenerateContentResponse) (lexicon.Image, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return lexicon.Image{}, lexicon.ErrEmptyResponse
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return lexicon.Image{MIMEType: part.InlineData.MIMEType, Data: part.InlineData.Data}, nil
		}
	}
	return lexicon.Image{}, lexicon.ErrEmptyResponse
}

// mapError maps "model not found" answers to lexicon.ErrUnavailable.
func mapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %s", lexicon.ErrUnavailable, apiErr.Message)
	}
	if strings.Contains(strings.ToLower(err.Error()), "not found") {
		return fmt.Errorf("%w: %v", lexicon.ErrUnavailable, err)
	}
	return err
}
