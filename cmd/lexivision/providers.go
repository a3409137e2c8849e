package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/JPBrill/Lexivision/internal/app"
	"github.com/JPBrill/Lexivision/internal/config"
	"github.com/JPBrill/Lexivision/internal/lexicon"
	lexanyllm "github.com/JPBrill/Lexivision/internal/lexicon/anyllm"
	lexgemini "github.com/JPBrill/Lexivision/internal/lexicon/gemini"
	"github.com/JPBrill/Lexivision/internal/resilience"
	"github.com/JPBrill/Lexivision/pkg/audio"
	discordaudio "github.com/JPBrill/Lexivision/pkg/audio/discord"
	"github.com/JPBrill/Lexivision/pkg/audio/pcm"
	"github.com/JPBrill/Lexivision/pkg/provider/embeddings"
	oaembed "github.com/JPBrill/Lexivision/pkg/provider/embeddings/openai"
	"github.com/JPBrill/Lexivision/pkg/provider/live"
	geminilive "github.com/JPBrill/Lexivision/pkg/provider/live/gemini"
	genailive "github.com/JPBrill/Lexivision/pkg/provider/live/genai"
	oalive "github.com/JPBrill/Lexivision/pkg/provider/live/openai"
)

// factoryTimeout bounds client construction inside a registry factory.
const factoryTimeout = 30 * time.Second

// newRegistry returns a registry with every built-in provider. Factories
// receive only their own entry; the discord backend also reads cfg.Discord.
func newRegistry(cfg *config.Config) *config.Registry {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)
	return reg
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── Live ──────────────────────────────────────────────────────────────────

	reg.RegisterLive("gemini-live", func(entry config.ProviderEntry) (live.Transport, error) {
		if entry.APIKey == "" {
			return nil, errors.New("gemini-live: api_key is required")
		}
		var opts []geminilive.Option
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if s := entry.Option("setup_timeout", ""); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("gemini-live: options.setup_timeout: %w", err)
			}
			opts = append(opts, geminilive.WithSetupTimeout(d))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterLive("gemini-genai", func(entry config.ProviderEntry) (live.Transport, error) {
		ctx, cancel := context.WithTimeout(context.Background(), factoryTimeout)
		defer cancel()
		return genailive.NewFromAPIKey(ctx, entry.APIKey, entry.BaseURL)
	})

	reg.RegisterLive("openai-realtime", func(entry config.ProviderEntry) (live.Transport, error) {
		if entry.APIKey == "" {
			return nil, errors.New("openai-realtime: api_key is required")
		}
		var opts []oalive.Option
		if entry.BaseURL != "" {
			opts = append(opts, oalive.WithBaseURL(entry.BaseURL))
		}
		return oalive.New(entry.APIKey, opts...), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	// pcm reads options.input and writes options.output; "-" is stdin/stdout.
	reg.RegisterAudio("pcm", func(entry config.ProviderEntry) (*audio.Devices, error) {
		mic := pcm.NewMicrophone(entry.Option("input", pcm.Stdio))
		if s := entry.Option("paced", ""); s != "" {
			paced, err := strconv.ParseBool(s)
			if err != nil {
				return nil, fmt.Errorf("pcm: options.paced: %w", err)
			}
			mic.Paced = paced
		}
		return &audio.Devices{
			Microphone: mic,
			Speaker:    pcm.NewSpeaker(entry.Option("output", pcm.Stdio)),
		}, nil
	})

	reg.RegisterAudio("discord", func(config.ProviderEntry) (*audio.Devices, error) {
		dc := cfg.Discord
		session, err := discordgo.New("Bot " + dc.Token)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
		if err := session.Open(); err != nil {
			return nil, fmt.Errorf("discord: open session: %w", err)
		}
		b := discordaudio.New(session, dc.GuildID, dc.ChannelID)
		slog.Info("discord session open", "guild_id", dc.GuildID, "channel_id", dc.ChannelID)
		return &audio.Devices{
			Microphone: b.Microphone(),
			Speaker:    b.Speaker(),
			Close:      session.Close,
		}, nil
	})

	// ── Lexicon ───────────────────────────────────────────────────────────────

	reg.RegisterText("gemini", func(entry config.ProviderEntry) (lexicon.TextGenerator, error) {
		ctx, cancel := context.WithTimeout(context.Background(), factoryTimeout)
		defer cancel()
		return lexgemini.NewFromAPIKey(ctx, entry.APIKey, entry.BaseURL, lexgemini.WithTextModel(entry.Model))
	})

	// anyllm picks its backend from options.provider ("openai", "anthropic",
	// "ollama", ...).
	reg.RegisterText("anyllm", func(entry config.ProviderEntry) (lexicon.TextGenerator, error) {
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return lexanyllm.New(entry.Option("provider", "openai"), entry.Model, opts...)
	})

	reg.RegisterImage("gemini", func(entry config.ProviderEntry) (lexicon.ImageGenerator, error) {
		ctx, cancel := context.WithTimeout(context.Background(), factoryTimeout)
		defer cancel()
		return lexgemini.NewFromAPIKey(ctx, entry.APIKey, entry.BaseURL, lexgemini.WithImageModel(entry.Model))
	})

	// gemini video reads options.poll_interval as a duration.
	reg.RegisterVideo("gemini", func(entry config.ProviderEntry) (lexicon.VideoGenerator, error) {
		opts := []lexgemini.Option{lexgemini.WithVideoModel(entry.Model)}
		if s := entry.Option("poll_interval", ""); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("gemini video: options.poll_interval: %w", err)
			}
			opts = append(opts, lexgemini.WithPollInterval(d))
		}
		ctx, cancel := context.WithTimeout(context.Background(), factoryTimeout)
		defer cancel()
		return lexgemini.NewFromAPIKey(ctx, entry.APIKey, entry.BaseURL, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		opts := []oaembed.Option{oaembed.WithDimensions(cfg.Storage.EmbeddingDimensions)}
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if org := entry.Option("organization", ""); org != "" {
			opts = append(opts, oaembed.WithOrganization(org))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	slog.Debug("registered providers", "live", reg.LiveNames(), "audio", reg.AudioNames())
}

// buildProviders instantiates the providers named in cfg using the registry.
// With withLive false only the text and image slots are filled, for the
// one-shot commands. A live transport that cannot be built disables practice instead
// of failing startup.
func buildProviders(cfg *config.Config, reg *config.Registry, withLive bool) (*app.Providers, error) {
	ps := &app.Providers{}
	var err error

	if ps.Text, err = create("text", cfg.Lexicon.Text, reg.CreateText); err != nil {
		return nil, err
	}
	if ps.Image, err = create("image", cfg.Lexicon.Image, reg.CreateImage); err != nil {
		return nil, err
	}
	if !withLive {
		return ps, nil
	}
	if ps.Video, err = create("video", cfg.Lexicon.Video, reg.CreateVideo); err != nil {
		return nil, err
	}
	if ps.Embeddings, err = create("embeddings", cfg.Storage.Embeddings, reg.CreateEmbeddings); err != nil {
		return nil, err
	}

	if ps.Live, err = buildLive(cfg.Live, reg); err != nil {
		slog.Warn("live transport unavailable, practice disabled", "err", err)
	}
	if ps.Audio, err = create("audio", cfg.Audio, reg.CreateAudio); err != nil {
		return nil, err
	}
	return ps, nil
}

// buildLive wraps the primary transport and its fallbacks in a
// [resilience.FallbackTransport]. Fallbacks that cannot be built are skipped.
func buildLive(lc config.LiveConfig, reg *config.Registry) (live.Transport, error) {
	primary, err := create("live", lc.Transport, reg.CreateLive)
	if err != nil || primary == nil {
		return nil, err
	}
	ft := resilience.NewFallbackTransport(primary, lc.Transport.Name, resilience.FallbackConfig{})
	for _, entry := range lc.Fallbacks {
		t, err := create("live", entry, reg.CreateLive)
		if err != nil {
			slog.Warn("live fallback unavailable, skipping", "name", entry.Name, "err", err)
			continue
		}
		if t != nil {
			ft.AddFallback(entry.Name, t)
		}
	}
	return ft, nil
}

// create builds one provider. An empty name leaves the slot nil, and so does
// a name without a registered factory, which is logged.
func create[T any](kind string, entry config.ProviderEntry, fn func(config.ProviderEntry) (T, error)) (T, error) {
	var zero T
	if entry.Name == "" {
		return zero, nil
	}
	p, err := fn(entry)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("provider not registered, skipping", "kind", kind, "name", entry.Name)
		return zero, nil
	}
	if err != nil {
		return zero, fmt.Errorf("create %s provider %q: %w", kind, entry.Name, err)
	}
	slog.Info("provider created", "kind", kind, "name", entry.Name, "model", entry.Model)
	return p, nil
}
