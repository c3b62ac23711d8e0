package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned when a provider name has no factory.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory signatures per provider kind.
type (
	LLMFactory   func(ProviderEntry) (llm.Provider, error)
	STTFactory   func(ProviderEntry) (stt.Provider, error)
	TTSFactory   func(ProviderEntry) (tts.Provider, error)
	VADFactory   func(ProviderEntry) (vad.Engine, error)
	AudioFactory func(entry ProviderEntry, pipeline PipelineConfig) (audio.Device, error)
)

// table holds the factories of one kind.
type table[F any] struct {
	kind string
	mu   sync.RWMutex
	byID map[string]F
}

func newTable[F any](kind string) *table[F] {
	return &table[F]{kind: kind, byID: map[string]F{}}
}

func (t *table[F]) set(name string, f F) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[name] = f
}

func (t *table[F]) get(name string) (F, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.byID[name]
	if !ok {
		return f, fmt.Errorf("%w: %s/%q (known: %v)", ErrProviderNotRegistered, t.kind, name, slices.Sorted(maps.Keys(t.byID)))
	}
	return f, nil
}

func (t *table[F]) names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Sorted(maps.Keys(t.byID))
}

// Registry maps configured provider names to factories. Registering a name
// twice replaces the first factory. It is safe for concurrent use.
type Registry struct {
	llm   *table[LLMFactory]
	stt   *table[STTFactory]
	tts   *table[TTSFactory]
	vad   *table[VADFactory]
	audio *table[AudioFactory]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		llm:   newTable[LLMFactory]("llm"),
		stt:   newTable[STTFactory]("stt"),
		tts:   newTable[TTSFactory]("tts"),
		vad:   newTable[VADFactory]("vad"),
		audio: newTable[AudioFactory]("audio"),
	}
}

func (r *Registry) RegisterLLM(name string, f LLMFactory)     { r.llm.set(name, f) }
func (r *Registry) RegisterSTT(name string, f STTFactory)     { r.stt.set(name, f) }
func (r *Registry) RegisterTTS(name string, f TTSFactory)     { r.tts.set(name, f) }
func (r *Registry) RegisterVAD(name string, f VADFactory)     { r.vad.set(name, f) }
func (r *Registry) RegisterAudio(name string, f AudioFactory) { r.audio.set(name, f) }

// CreateLLM builds the LLM named by entry.Name. Unknown names wrap
// [ErrProviderNotRegistered].
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	f, err := r.llm.get(entry.Name)
	if err != nil {
		return nil, err
	}
	return f(entry)
}

func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	f, err := r.stt.get(entry.Name)
	if err != nil {
		return nil, err
	}
	return f(entry)
}

func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	f, err := r.tts.get(entry.Name)
	if err != nil {
		return nil, err
	}
	return f(entry)
}

func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	f, err := r.vad.get(entry.Name)
	if err != nil {
		return nil, err
	}
	return f(entry)
}

// CreateAudio opens the sound device named by entry.Name at the rates in
// pipeline.
func (r *Registry) CreateAudio(entry ProviderEntry, pipeline PipelineConfig) (audio.Device, error) {
	f, err := r.audio.get(entry.Name)
	if err != nil {
		return nil, err
	}
	return f(entry, pipeline)
}

// Names lists the registered names of kind ("llm", "stt", "tts", "vad",
// "audio"), sorted. Unknown kinds give nil.
func (r *Registry) Names(kind string) []string {
	switch kind {
	case r.llm.kind:
		return r.llm.names()
	case r.stt.kind:
		return r.stt.names()
	case r.tts.kind:
		return r.tts.names()
	case r.vad.kind:
		return r.vad.names()
	case r.audio.kind:
		return r.audio.names()
	}
	return nil
}
