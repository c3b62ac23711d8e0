package config

import (
	"fmt"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// pipeline changes need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PromptChanged is set when the assistant name or system prompt changed.
	// Running conversations keep their prompt until they are reset.
	PromptChanged bool

	VoiceChanged      bool
	EndMarkersChanged bool
	FarewellsChanged  bool

	// RestartRequired lists the top-level sections whose changes were
	// ignored because they cannot be applied at runtime.
	RestartRequired []string
}

// AssistantChanged reports whether any assistant-level setting changed.
func (d ConfigDiff) AssistantChanged() bool {
	return d.PromptChanged || d.VoiceChanged || d.EndMarkersChanged || d.FarewellsChanged
}

// Empty reports whether nothing hot-reloadable changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AssistantChanged()
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oa, na := old.Assistant, new.Assistant
	d.PromptChanged = oa.Name != na.Name || oa.SystemPrompt != na.SystemPrompt
	d.VoiceChanged = oa.Voice != na.Voice
	d.EndMarkersChanged = !slices.Equal(oa.EndMarkers, na.EndMarkers)
	d.FarewellsChanged = !slices.Equal(oa.Farewells, na.Farewells)

	if old.Server.ListenAddr != new.Server.ListenAddr || !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Pipeline != new.Pipeline {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}
	if old.Telemetry.MetricsEnabled() != new.Telemetry.MetricsEnabled() {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameProviders(a, b ProvidersConfig) bool {
	if !sameEntry(a.LLM, b.LLM) || !sameEntry(a.STT, b.STT) || !sameEntry(a.TTS, b.TTS) ||
		!sameEntry(a.VAD, b.VAD) || !sameEntry(a.Audio, b.Audio) {
		return false
	}
	fa, fb := a.Fallbacks, b.Fallbacks
	return fa.MaxFailures == fb.MaxFailures && fa.ResetTimeout == fb.ResetTimeout &&
		slices.EqualFunc(fa.LLM, fb.LLM, sameEntry) &&
		slices.EqualFunc(fa.STT, fb.STT, sameEntry) &&
		slices.EqualFunc(fa.TTS, fb.TTS, sameEntry)
}

// sameEntry compares provider entries. Option values are compared by their
// printed form because decoded YAML maps are not comparable.
func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
