// Package lexicon generates the dictionary content around a practice word:
// definitions with IPA phonetics, level-based word suggestions, a daily word
// and illustrations.
//
// Generation is delegated to a [TextGenerator] and an optional
// [ImageGenerator]; the [Service] adds prompts, response schemas, caching and
// metrics on top. Concrete generators live in the gemini and anyllm
// subpackages.
package lexicon

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidWord is returned when the requested word is empty.
	ErrInvalidWord = errors.New("lexicon: word must not be empty")

	// ErrEmptyResponse is returned when a generator answered without usable
	// content.
	ErrEmptyResponse = errors.New("lexicon: empty response")

	// ErrUnavailable is returned when the configured model does not exist or
	// is not offered on the caller's plan.
	ErrUnavailable = errors.New("lexicon: model unavailable")

	// ErrNoImages is returned by image operations when no [ImageGenerator]
	// is configured.
	ErrNoImages = errors.New("lexicon: image generation not configured")

	// ErrNoVideo is returned by [Service.Animate] when no [VideoGenerator]
	// is configured.
	ErrNoVideo = errors.New("lexicon: video generation not configured")
)

// Entry is a dictionary entry for one word.
type Entry struct {
	Word         string `json:"word"`
	Phonetics    string `json:"phonetics"`
	Definition   string `json:"definition"`
	PartOfSpeech string `json:"partOfSpeech"`
	Example      string `json:"example"`
}

// Image is a generated illustration.
type Image struct {
	MIMEType string
	Data     []byte
}

// DataURL renders the image as a base64 data URL, or "" for an empty image.
func (img Image) DataURL() string { return dataURL(img.MIMEType, "image/png", img.Data) }

// Video is a generated clip.
type Video struct {
	MIMEType string
	Data     []byte
}

// DataURL renders the clip as a base64 data URL, or "" for an empty clip.
func (v Video) DataURL() string { return dataURL(v.MIMEType, "video/mp4", v.Data) }

func dataURL(mime, def string, data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if mime == "" {
		mime = def
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ParseDataURL is the inverse of [Image.DataURL]. A bare base64 payload
// without the data: prefix is accepted as PNG.
func ParseDataURL(s string) (Image, error) {
	mime, payload := "image/png", s
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		header, data, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(header, ";base64") {
			return Image{}, fmt.Errorf("lexicon: malformed data url")
		}
		mime, payload = strings.TrimSuffix(header, ";base64"), data
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, fmt.Errorf("lexicon: decode image: %w", err)
	}
	return Image{MIMEType: mime, Data: data}, nil
}

// Level is a learner proficiency level.
type Level string

const (
	Beginner     Level = "Beginner"
	Intermediate Level = "Intermediate"
	Advanced     Level = "Advanced"
)

// ParseLevel parses a level case-insensitively. Empty input yields
// [Intermediate].
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "beginner":
		return Beginner, nil
	case "", "intermediate":
		return Intermediate, nil
	case "advanced":
		return Advanced, nil
	}
	return "", fmt.Errorf("lexicon: unknown level %q; valid values: Beginner, Intermediate, Advanced", s)
}

// TextGenerator produces a JSON document that conforms to schema.
//
// schema is a JSON Schema object. Implementations that cannot enforce it
// natively should include it in the prompt. Implementations must be safe for
// concurrent use.
type TextGenerator interface {
	GenerateJSON(ctx context.Context, prompt string, schema map[string]any) (string, error)
}

// ImageGenerator produces and edits illustrations.
type ImageGenerator interface {
	// GenerateImage renders prompt at the given aspect ratio ("16:9", "1:1").
	GenerateImage(ctx context.Context, prompt, aspect string) (Image, error)

	// EditImage applies prompt to src and returns the edited image.
	EditImage(ctx context.Context, src Image, prompt string) (Image, error)
}

// VideoGenerator animates a still image. Generation may take minutes;
// implementations must return promptly once ctx is done.
type VideoGenerator interface {
	GenerateVideo(ctx context.Context, src Image, prompt string) (Video, error)
}
