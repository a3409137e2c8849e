package config_test

import (
	"slices"
	"testing"

	"github.com/JPBrill/Lexivision/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Live: config.LiveConfig{
			Transport: config.ProviderEntry{Name: "gemini-live", Options: map[string]any{"region": "eu"}},
			Voice:     "Kore",
		},
		Audio: config.ProviderEntry{Name: "pcm"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("expected log level change to debug, got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level change should not need a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_VoiceIsHot(t *testing.T) {
	old, new := baseConfig(), baseConfig()
	new.Live.Voice = "Puck"

	d := config.Diff(old, new)
	if !d.VoiceChanged || d.NewVoice != "Puck" {
		t.Errorf("expected voice change to Puck, got %+v", d)
	}
	if slices.Contains(d.RestartRequired, "live") {
		t.Error("a voice change alone should not restart the live section")
	}
}

func TestDiff_RestartSections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":1" }, "server"},
		{"transport option", func(c *config.Config) { c.Live.Transport.Options["region"] = "us" }, "live"},
		{"fallback added", func(c *config.Config) {
			c.Live.Fallbacks = append(c.Live.Fallbacks, config.ProviderEntry{Name: "openai-realtime"})
		}, "live"},
		{"audio backend", func(c *config.Config) { c.Audio.Name = "discord" }, "audio"},
		{"discord channel", func(c *config.Config) { c.Discord.ChannelID = "42" }, "audio"},
		{"cache addr", func(c *config.Config) { c.Lexicon.Cache.RedisAddr = "redis:6379" }, "lexicon"},
		{"image model", func(c *config.Config) { c.Lexicon.Image.Model = "x" }, "lexicon"},
		{"postgres", func(c *config.Config) { c.Storage.PostgresDSN = "postgres://x" }, "storage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)
			d := config.Diff(old, new)
			if !slices.Contains(d.RestartRequired, tt.want) {
				t.Errorf("RestartRequired = %v, want it to contain %q", d.RestartRequired, tt.want)
			}
			if d.Empty() {
				t.Error("diff should not be empty")
			}
		})
	}
}
