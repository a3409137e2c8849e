package lexicon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/JPBrill/Lexivision/internal/observe"
)

// DefaultTTL is how long definitions stay cached.
const DefaultTTL = 7 * 24 * time.Hour

// WordOfTheDay is the daily word with its illustration. Image is empty when
// no [ImageGenerator] is configured or illustration failed.
type WordOfTheDay struct {
	Entry Entry     `json:"entry"`
	Image string    `json:"image,omitempty"`
	Day   time.Time `json:"day"`
}

// Service generates dictionary content. It is safe for concurrent use.
type Service struct {
	text    TextGenerator
	image   ImageGenerator
	video   VideoGenerator
	cache   Cache
	metrics *observe.Metrics
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a [Service].
type Option func(*Service)

// WithImageGenerator enables illustrations.
func WithImageGenerator(g ImageGenerator) Option {
	return func(s *Service) { s.image = g }
}

// WithVideoGenerator enables [Service.Animate].
func WithVideoGenerator(g VideoGenerator) Option {
	return func(s *Service) { s.video = g }
}

// WithCache replaces the default in-memory cache.
func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithTTL sets how long definitions are cached.
func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithMetrics overrides the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the clock used to pick the word of the day.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a [Service] backed by text.
func NewService(text TextGenerator, opts ...Option) *Service {
	s := &Service{
		text: text,
		ttl:  DefaultTTL,
		now:  time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.cache == nil {
		s.cache = NewMemoryCache()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// CanIllustrate reports whether an [ImageGenerator] is configured.
func (s *Service) CanIllustrate() bool { return s.image != nil }

// CanAnimate reports whether a [VideoGenerator] is configured.
func (s *Service) CanAnimate() bool { return s.video != nil }

// Define returns the dictionary entry for word, served from the cache when
// possible.
func (s *Service) Define(ctx context.Context, word string) (Entry, error) {
	word = strings.TrimSpace(word)
	if word == "" {
		return Entry{}, ErrInvalidWord
	}

	key := "define:" + strings.ToLower(word)
	var entry Entry
	if s.lookup(ctx, key, &entry) {
		return entry, nil
	}

	raw, err := s.generate(ctx, "define", definePrompt(word), entrySchema(false))
	if err != nil {
		return Entry{}, fmt.Errorf("lexicon: define %q: %w", word, err)
	}
	if err := decodeEntry(raw, &entry); err != nil {
		return Entry{}, fmt.Errorf("lexicon: define %q: %w", word, err)
	}
	entry.Word = word

	s.store(ctx, key, entry, s.ttl)
	return entry, nil
}

// Suggest returns five words for a learner at level. A generator failure or
// an answer that is not a JSON array of strings yields [FallbackSuggestions].
func (s *Service) Suggest(ctx context.Context, level Level) []string {
	raw, err := s.generate(ctx, "suggest", suggestPrompt(level), suggestionSchema)
	if err != nil {
		observe.Logger(ctx).Warn("lexicon: suggestion failed, using fallback list", "level", string(level), "err", err)
		return fallback()
	}

	var words []string
	if err := json.Unmarshal([]byte(raw), &words); err != nil {
		observe.Logger(ctx).Warn("lexicon: suggestion response is not a string array", "level", string(level), "err", err)
		return fallback()
	}
	out := words[:0]
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			out = append(out, w)
		}
	}
	if len(out) == 0 {
		return fallback()
	}
	return out
}

func fallback() []string {
	return append([]string(nil), FallbackSuggestions...)
}

// WordOfTheDay returns the word for the current calendar day (UTC), picking
// and illustrating a new one on the first request of each day.
func (s *Service) WordOfTheDay(ctx context.Context) (WordOfTheDay, error) {
	day := s.now().UTC().Truncate(24 * time.Hour)
	key := "wotd:" + day.Format(time.DateOnly)

	var wotd WordOfTheDay
	if s.lookup(ctx, key, &wotd) {
		return wotd, nil
	}

	raw, err := s.generate(ctx, "word_of_the_day", wordOfTheDayPrompt, entrySchema(true))
	if err != nil {
		return WordOfTheDay{}, fmt.Errorf("lexicon: word of the day: %w", err)
	}
	wotd = WordOfTheDay{Day: day}
	if err := decodeEntry(raw, &wotd.Entry); err != nil {
		return WordOfTheDay{}, fmt.Errorf("lexicon: word of the day: %w", err)
	}
	if wotd.Entry.Word == "" {
		return WordOfTheDay{}, fmt.Errorf("lexicon: word of the day: %w", ErrEmptyResponse)
	}

	if s.image != nil {
		img, err := s.Illustrate(ctx, wotd.Entry.Word, wotd.Entry.Definition)
		if err != nil {
			observe.Logger(ctx).Warn("lexicon: word of the day without illustration", "word", wotd.Entry.Word, "err", err)
		} else {
			wotd.Image = img.DataURL()
		}
	}

	s.store(ctx, key, wotd, 48*time.Hour)
	return wotd, nil
}

// Illustrate renders a 16:9 illustration of word depicting description.
func (s *Service) Illustrate(ctx context.Context, word, description string) (Image, error) {
	if s.image == nil {
		return Image{}, ErrNoImages
	}
	word = strings.TrimSpace(word)
	if word == "" {
		return Image{}, ErrInvalidWord
	}

	start := time.Now()
	img, err := s.image.GenerateImage(ctx, illustratePrompt(word, description), IllustrationAspect)
	s.observe(ctx, "illustrate", start)
	if err != nil {
		return Image{}, fmt.Errorf("lexicon: illustrate %q: %w", word, err)
	}
	if len(img.Data) == 0 {
		return Image{}, fmt.Errorf("lexicon: illustrate %q: %w", word, ErrEmptyResponse)
	}
	return img, nil
}

// EditIllustration applies prompt to an existing illustration.
func (s *Service) EditIllustration(ctx context.Context, src Image, prompt string) (Image, error) {
	if s.image == nil {
		return Image{}, ErrNoImages
	}
	if len(src.Data) == 0 {
		return Image{}, fmt.Errorf("lexicon: edit illustration: source image is empty")
	}

	start := time.Now()
	img, err := s.image.EditImage(ctx, src, prompt)
	s.observe(ctx, "edit_image", start)
	if err != nil {
		return Image{}, fmt.Errorf("lexicon: edit illustration: %w", err)
	}
	if len(img.Data) == 0 {
		return Image{}, fmt.Errorf("lexicon: edit illustration: %w", ErrEmptyResponse)
	}
	return img, nil
}

// Animate turns an illustration into a short clip. An empty prompt uses
// [DefaultAnimatePrompt].
func (s *Service) Animate(ctx context.Context, src Image, prompt string) (Video, error) {
	if s.video == nil {
		return Video{}, ErrNoVideo
	}
	if len(src.Data) == 0 {
		return Video{}, fmt.Errorf("lexicon: animate: source image is empty")
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultAnimatePrompt
	}

	ctx, span := observe.StartSpan(ctx, "lexicon.animate")
	defer span.End()

	start := time.Now()
	v, err := s.video.GenerateVideo(ctx, src, prompt)
	s.observe(ctx, "animate", start)
	if err != nil {
		span.RecordError(err)
		return Video{}, fmt.Errorf("lexicon: animate: %w", err)
	}
	if len(v.Data) == 0 {
		return Video{}, fmt.Errorf("lexicon: animate: %w", ErrEmptyResponse)
	}
	return v, nil
}

func (s *Service) generate(ctx context.Context, op, prompt string, schema map[string]any) (string, error) {
	ctx, span := observe.StartSpan(ctx, "lexicon."+op)
	defer span.End()

	start := time.Now()
	raw, err := s.text.GenerateJSON(ctx, prompt, schema)
	s.observe(ctx, op, start)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if strings.TrimSpace(raw) == "" {
		return "", ErrEmptyResponse
	}
	return raw, nil
}

func (s *Service) observe(ctx context.Context, op string, start time.Time) {
	s.metrics.LexiconDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("op", op)))
}

// lookup decodes a cached value into dst. Cache errors count as misses.
func (s *Service) lookup(ctx context.Context, key string, dst any) bool {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		observe.Logger(ctx).Warn("lexicon: cache get failed", "key", key, "err", err)
		ok = false
	}
	if ok && json.Unmarshal(raw, dst) != nil {
		ok = false
	}
	s.metrics.RecordCacheLookup(ctx, ok)
	return ok
}

func (s *Service) store(ctx context.Context, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, ttl); err != nil {
		observe.Logger(ctx).Warn("lexicon: cache set failed", "key", key, "err", err)
	}
}

// decodeEntry parses a generated entry and requires a definition.
func decodeEntry(raw string, dst *Entry) error {
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("decode entry: %w", err)
	}
	if strings.TrimSpace(dst.Definition) == "" {
		return ErrEmptyResponse
	}
	return nil
}
