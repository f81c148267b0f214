package capabilities

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"storyreel/internal/config"
	"storyreel/internal/models"
)

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Temperature    float64         `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const (
	charactersPrompt = `You analyse short stories. Return JSON {"characters":[{"name":"","description":""}]} listing every named character. ` +
		`Use the description given in the text when present, otherwise write a short visual description consistent with the story.`
	scenesPrompt = `You split short stories into scenes in narrative order. Return JSON {"scenes":[{"text":"","summary":"","setting":"","characters_present":[],"tone":""}]}. ` +
		`"text" is the narration for the scene taken from the story, "characters_present" may only use names from this list: %s.`
	stylePrompt = `You are an art director. Return JSON {"style":""} with one sentence describing a single illustration style ` +
		`(medium, palette, lighting) that fits every scene of the story.`
)

// OpenAIAnalyzer implements TextAnalyzer on top of a chat completions API.
type OpenAIAnalyzer struct {
	ContentFetcher
	cfg    config.OpenAIConfig
	logger *slog.Logger
}

func NewOpenAIAnalyzer(fetcher ContentFetcher, cfg config.OpenAIConfig, logger *slog.Logger) *OpenAIAnalyzer {
	return &OpenAIAnalyzer{ContentFetcher: fetcher, cfg: cfg, logger: logger}
}

func (a *OpenAIAnalyzer) ExtractCharacters(ctx context.Context, text string) ([]models.Character, error) {
	var out struct {
		Characters []models.Character `json:"characters"`
	}
	if err := a.complete(ctx, charactersPrompt, text, &out); err != nil {
		return nil, err
	}
	return out.Characters, nil
}

func (a *OpenAIAnalyzer) SegmentScenes(ctx context.Context, text string, characters []models.Character) ([]models.Scene, error) {
	names := make([]string, 0, len(characters))
	for _, c := range characters {
		names = append(names, c.Name)
	}
	allowed, _ := json.Marshal(names)

	var out struct {
		Scenes []models.Scene `json:"scenes"`
	}
	if err := a.complete(ctx, fmt.Sprintf(scenesPrompt, allowed), text, &out); err != nil {
		return nil, err
	}
	return out.Scenes, nil
}

func (a *OpenAIAnalyzer) InferStyle(ctx context.Context, text string, scenes []models.Scene) (models.VisualStyle, error) {
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\nScenes:\n")
	for _, s := range scenes {
		fmt.Fprintf(&b, "- %s (%s, %s)\n", s.Summary, s.Setting, s.Tone)
	}

	var out struct {
		Style string `json:"style"`
	}
	if err := a.complete(ctx, stylePrompt, b.String(), &out); err != nil {
		return models.VisualStyle{}, err
	}
	return models.VisualStyle{Description: strings.TrimSpace(out.Style)}, nil
}

func (a *OpenAIAnalyzer) complete(ctx context.Context, system, user string, out any) error {
	payload, err := json.Marshal(chatRequest{
		Model: a.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
		Temperature:    0.2,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	raw, err := a.FetchContent(req)
	if err != nil {
		return err
	}

	var res chatResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(res.Choices) == 0 {
		return errors.New("chat response has no choices")
	}
	content := res.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), out); err != nil {
		a.logger.Warn("model returned malformed json", "error", err, "content", content)
		return fmt.Errorf("failed to decode model output: %w", err)
	}
	return nil
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	Size           string `json:"size"`
	Number         int    `json:"n"`
	ResponseFormat string `json:"response_format"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// OpenAIImages implements ImageGenerator with the images API.
type OpenAIImages struct {
	ContentFetcher
	cfg config.OpenAIConfig
}

func NewOpenAIImages(fetcher ContentFetcher, cfg config.OpenAIConfig) *OpenAIImages {
	return &OpenAIImages{ContentFetcher: fetcher, cfg: cfg}
}

func (i *OpenAIImages) Generate(ctx context.Context, prompt string) (models.Media, error) {
	payload, err := json.Marshal(imageRequest{
		Model:          i.cfg.ImageModel,
		Prompt:         prompt,
		Size:           i.cfg.ImageSize,
		Number:         1,
		ResponseFormat: "b64_json",
	})
	if err != nil {
		return models.Media{}, fmt.Errorf("failed to marshal image request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(i.cfg.BaseURL, "/")+"/images/generations", bytes.NewReader(payload))
	if err != nil {
		return models.Media{}, fmt.Errorf("failed to create image request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+i.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	raw, err := i.FetchContent(req)
	if err != nil {
		return models.Media{}, err
	}

	var res imageResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return models.Media{}, fmt.Errorf("failed to decode image response: %w", err)
	}
	if len(res.Data) == 0 {
		return models.Media{}, errors.New("image response has no data")
	}
	img, err := base64.StdEncoding.DecodeString(res.Data[0].B64JSON)
	if err != nil {
		return models.Media{}, fmt.Errorf("failed to decode image: %w", err)
	}
	return models.Media{Data: img, MIMEType: "image/png"}, nil
}
