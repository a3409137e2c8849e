package config_test

import (
	"strings"
	"testing"

	"github.com/JPBrill/Lexivision/internal/config"
)

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: verbose\n"))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_DiscordRequiresCredentials(t *testing.T) {
	t.Parallel()
	yaml := `
audio:
  name: discord
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for discord audio without credentials, got nil")
	}
	if !strings.Contains(err.Error(), "discord.token") {
		t.Errorf("error should mention discord.token, got: %v", err)
	}
	if !strings.Contains(err.Error(), "discord.guild_id") {
		t.Errorf("error should mention discord.guild_id, got: %v", err)
	}
}

func TestValidate_DiscordWithCredentialsIsValid(t *testing.T) {
	t.Parallel()
	yaml := `
audio:
  name: discord
discord:
  token: bot-token
  guild_id: "123"
  channel_id: "456"
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_FallbackRequiresName(t *testing.T) {
	t.Parallel()
	yaml := `
live:
  fallbacks:
    - api_key: sk-test
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unnamed fallback, got nil")
	}
	if !strings.Contains(err.Error(), "live.fallbacks[0].name") {
		t.Errorf("error should point at the fallback, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
live:
  frame_samples: -1
  pending_frames: -4
lexicon:
  cache:
    ttl: -1s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation errors, got nil")
	}
	for _, want := range []string{"log_level", "frame_samples", "pending_frames", "lexicon.cache.ttl"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_UnknownProviderNameOnlyWarns(t *testing.T) {
	t.Parallel()
	yaml := `
live:
  transport:
    name: my-custom-transport
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unknown provider names should not fail validation: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"live", "audio", "text", "image", "embeddings"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("ValidProviderNames[%q] is empty", kind)
		}
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("Load example config: %v", err)
	}
	if cfg.Live.Transport.Name != "gemini-live" {
		t.Errorf("live.transport.name = %q", cfg.Live.Transport.Name)
	}
	if got := cfg.Audio.Option("input", ""); got != "-" {
		t.Errorf("audio input = %q, want -", got)
	}
	if cfg.Lexicon.Cache.TTL.Hours() != 24 {
		t.Errorf("cache ttl = %s", cfg.Lexicon.Cache.TTL)
	}
}
