package capabilities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"storyreel/internal/config"
	"storyreel/internal/models"
)

type elevenLabsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// ElevenLabsSpeech implements SpeechSynthesizer with the ElevenLabs TTS API.
type ElevenLabsSpeech struct {
	ContentFetcher
	cfg config.ElevenLabsConfig
}

func NewElevenLabsSpeech(fetcher ContentFetcher, cfg config.ElevenLabsConfig) *ElevenLabsSpeech {
	return &ElevenLabsSpeech{ContentFetcher: fetcher, cfg: cfg}
}

func (e *ElevenLabsSpeech) Synthesize(ctx context.Context, text string) (models.Media, error) {
	payload, err := json.Marshal(elevenLabsRequest{
		Text:    text,
		ModelID: e.cfg.ModelID,
		VoiceSettings: voiceSettings{
			Stability:       e.cfg.Stability,
			SimilarityBoost: e.cfg.SimilarityBoost,
		},
	})
	if err != nil {
		return models.Media{}, fmt.Errorf("failed to marshal speech request: %w", err)
	}

	url := strings.TrimRight(e.cfg.BaseURL, "/") + "/" + e.cfg.VoiceID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return models.Media{}, fmt.Errorf("failed to create speech request: %w", err)
	}
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", e.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	audio, err := e.FetchContent(req)
	if err != nil {
		return models.Media{}, err
	}
	return models.Media{Data: audio, MIMEType: "audio/mpeg"}, nil
}
