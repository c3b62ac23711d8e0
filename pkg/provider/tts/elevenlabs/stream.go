package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// inputMessage is one client message. The first carries the key and the
// settings; an empty Text ends the input.
type inputMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	APIKey               string         `json:"xi_api_key,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
}

type outputMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
}

// stream runs one stream-input exchange and returns the raw PCM.
func (p *Provider) stream(ctx context.Context, voice, text string, vs voiceSettings) ([]byte, error) {
	conn, _, err := websocket.Dial(ctx, p.streamURL(voice), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(-1)

	for _, m := range []inputMessage{
		{Text: " ", VoiceSettings: &vs, APIKey: p.apiKey},
		{Text: text + " ", TryTriggerGeneration: true},
		{Text: ""},
	} {
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("elevenlabs: encode: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return nil, fmt.Errorf("elevenlabs: send: %w", err)
		}
	}

	var pcm []byte
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return pcm, nil
			}
			return nil, fmt.Errorf("elevenlabs: receive: %w", err)
		}
		chunk, last, err := decodeChunk(msg)
		if err != nil {
			return nil, err
		}
		pcm = append(pcm, chunk...)
		if last {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return pcm, nil
		}
	}
}

// decodeChunk returns the PCM in one server message. Non-JSON messages are
// ignored.
func decodeChunk(msg []byte) (pcm []byte, last bool, err error) {
	var out outputMessage
	if json.Unmarshal(msg, &out) != nil {
		return nil, false, nil
	}
	if out.Error != "" {
		return nil, false, fmt.Errorf("elevenlabs: server error: %s", out.Error)
	}
	if out.Audio != "" {
		if pcm, err = base64.StdEncoding.DecodeString(out.Audio); err != nil {
			return nil, false, fmt.Errorf("elevenlabs: audio chunk: %w", err)
		}
	}
	return pcm, out.IsFinal, nil
}
