package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr          = ":8080"
	DefaultEmbeddingDimensions = 1536
	DefaultLiveTransport       = "gemini-live"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"live":       {"gemini-live", "gemini-genai", "openai-realtime"},
	"audio":      {"pcm", "discord"},
	"text":       {"gemini", "anyllm"},
	"image":      {"gemini"},
	"video":      {"gemini"},
	"embeddings": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values that have a sensible default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Live.Transport.Name == "" {
		cfg.Live.Transport.Name = DefaultLiveTransport
	}
	if cfg.Audio.Name == "" {
		cfg.Audio.Name = "pcm"
	}
	if cfg.Lexicon.Text.Name == "" {
		cfg.Lexicon.Text.Name = "gemini"
	}
	if cfg.Storage.EmbeddingDimensions == 0 {
		cfg.Storage.EmbeddingDimensions = DefaultEmbeddingDimensions
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "lexivision"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("live", cfg.Live.Transport.Name)
	for i, fb := range cfg.Live.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("live.fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("live", fb.Name)
	}
	validateProviderName("audio", cfg.Audio.Name)
	validateProviderName("text", cfg.Lexicon.Text.Name)
	validateProviderName("image", cfg.Lexicon.Image.Name)
	validateProviderName("video", cfg.Lexicon.Video.Name)
	validateProviderName("embeddings", cfg.Storage.Embeddings.Name)

	if cfg.Live.FrameSamples < 0 {
		errs = append(errs, fmt.Errorf("live.frame_samples %d must not be negative", cfg.Live.FrameSamples))
	}
	if cfg.Live.PendingFrames < 0 {
		errs = append(errs, fmt.Errorf("live.pending_frames %d must not be negative", cfg.Live.PendingFrames))
	}
	if cfg.Lexicon.Cache.TTL < 0 {
		errs = append(errs, fmt.Errorf("lexicon.cache.ttl %s must not be negative", cfg.Lexicon.Cache.TTL))
	}
	if cfg.Storage.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("storage.embedding_dimensions %d must not be negative", cfg.Storage.EmbeddingDimensions))
	}

	if cfg.Audio.Name == "discord" {
		if cfg.Discord.Token == "" {
			errs = append(errs, errors.New("discord.token is required when audio.name is discord"))
		}
		if cfg.Discord.GuildID == "" || cfg.Discord.ChannelID == "" {
			errs = append(errs, errors.New("discord.guild_id and discord.channel_id are required when audio.name is discord"))
		}
	}

	if cfg.Storage.Embeddings.Name != "" && cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.embeddings is configured without storage.postgres_dsn; related words use the in-memory index")
	}
	if cfg.Lexicon.Image.Name == "" {
		slog.Warn("lexicon.image is not configured; words will be saved without illustrations")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
