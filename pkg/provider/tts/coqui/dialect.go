package coqui

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"net/url"
	"slices"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

// dialect is one server protocol.
type dialect interface {
	speak(ctx context.Context, baseURL, sentence, voice, lang string) (*http.Request, error)
	voices(ctx context.Context, p *Provider) ([]tts.Voice, error)
	needsVoice() bool
}

var dialects = map[APIMode]dialect{
	APIModeStandard: standardServer{},
	APIModeXTTS:     xttsServer{},
}

const (
	speakPath    = "/api/tts"
	detailsPath  = "/details"
	xttsPath     = "/tts_to_audio/"
	speakersPath = "/studio_speakers"
)

type standardServer struct{}

func (standardServer) needsVoice() bool { return false }

func (standardServer) speak(ctx context.Context, baseURL, sentence, voice, lang string) (*http.Request, error) {
	q := url.Values{"text": {sentence}}
	if voice != "" {
		q.Set("speaker_id", voice)
	}
	if lang != "" {
		q.Set("language_id", lang)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, baseURL+speakPath+"?"+q.Encode(), nil)
}

// voices lists the speakers of a multi-speaker model, or the model itself
// as the only voice.
func (standardServer) voices(ctx context.Context, p *Provider) ([]tts.Voice, error) {
	var details struct {
		ModelName string   `json:"model_name"`
		Speakers  []string `json:"speakers"`
	}
	if err := p.getJSON(ctx, detailsPath, &details); err != nil {
		return nil, err
	}
	if len(details.Speakers) == 0 {
		name := cmp.Or(details.ModelName, "default")
		return []tts.Voice{voice(name, "single-speaker", name)}, nil
	}
	ids := slices.Sorted(slices.Values(details.Speakers))
	out := make([]tts.Voice, len(ids))
	for i, id := range ids {
		out[i] = voice(id, "speaker", details.ModelName)
	}
	return out, nil
}

type xttsServer struct{}

func (xttsServer) needsVoice() bool { return true }

func (xttsServer) speak(ctx context.Context, baseURL, sentence, voice, lang string) (*http.Request, error) {
	body, err := json.Marshal(xttsRequest{Text: sentence, SpeakerWav: voice, Language: lang})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+xttsPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// voices lists the studio speakers, which the server keys by name.
func (xttsServer) voices(ctx context.Context, p *Provider) ([]tts.Voice, error) {
	var speakers map[string]json.RawMessage
	if err := p.getJSON(ctx, speakersPath, &speakers); err != nil {
		return nil, err
	}
	names := slices.Sorted(maps.Keys(speakers))
	out := make([]tts.Voice, len(names))
	for i, name := range names {
		out[i] = voice(name, "studio", "")
	}
	return out, nil
}

type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

func voice(id, kind, model string) tts.Voice {
	meta := map[string]string{"type": kind}
	if model != "" {
		meta["model_name"] = model
	}
	return tts.Voice{ID: id, Name: id, Provider: "coqui", Metadata: meta}
}
