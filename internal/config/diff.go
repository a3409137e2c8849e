package config

import "fmt"

// ConfigDiff describes what changed between two configs. Only settings that
// can be applied without a restart are tracked; everything else is reported
// through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VoiceChanged bool
	NewVoice     string

	// RestartRequired lists top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VoiceChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Live.Voice != new.Live.Voice {
		d.VoiceChanged = true
		d.NewVoice = new.Live.Voice
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameLive(old.Live, new.Live) {
		d.RestartRequired = append(d.RestartRequired, "live")
	}
	if !sameEntry(old.Audio, new.Audio) || old.Discord != new.Discord {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if !sameEntry(old.Lexicon.Text, new.Lexicon.Text) || !sameEntry(old.Lexicon.Image, new.Lexicon.Image) ||
		old.Lexicon.Cache != new.Lexicon.Cache {
		d.RestartRequired = append(d.RestartRequired, "lexicon")
	}
	if old.Storage.PostgresDSN != new.Storage.PostgresDSN ||
		old.Storage.EmbeddingDimensions != new.Storage.EmbeddingDimensions ||
		!sameEntry(old.Storage.Embeddings, new.Storage.Embeddings) {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}

	return d
}

// sameLive ignores Voice, which is hot-reloadable.
func sameLive(a, b LiveConfig) bool {
	if !sameEntry(a.Transport, b.Transport) || a.FrameSamples != b.FrameSamples ||
		a.PendingFrames != b.PendingFrames || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if !sameEntry(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}

// sameEntry compares two entries. Option values are compared by their
// printed form.
func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		w, ok := b.Options[k]
		if !ok || fmt.Sprint(v) != fmt.Sprint(w) {
			return false
		}
	}
	return true
}
