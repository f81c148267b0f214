// Package capabilities holds the external content-generation collaborators
// used by the pipeline stages and their adapters.
package capabilities

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"storyreel/internal/models"
)

// TextAnalyzer turns raw story text into characters, scenes and a style.
type TextAnalyzer interface {
	ExtractCharacters(ctx context.Context, text string) ([]models.Character, error)
	SegmentScenes(ctx context.Context, text string, characters []models.Character) ([]models.Scene, error)
	InferStyle(ctx context.Context, text string, scenes []models.Scene) (models.VisualStyle, error)
}

type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (models.Media, error)
}

type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string) (models.Media, error)
}

// ProgressFunc receives human readable progress lines from long calls.
type ProgressFunc func(message string)

// VideoComposer muxes ordered scene artifacts into one video.
type VideoComposer interface {
	Compose(ctx context.Context, artifacts []models.SceneArtifact, progress ProgressFunc) (models.Media, error)
}

// BuildImagePrompt describes a scene for the image model, carrying the shared
// style so every scene looks alike.
func BuildImagePrompt(scene models.Scene, style models.VisualStyle, characters []models.Character) string {
	var b strings.Builder

	description := scene.Summary
	if description == "" {
		description = scene.Text
	}
	b.WriteString(strings.TrimSpace(description))

	if scene.Setting != "" {
		fmt.Fprintf(&b, " Setting: %s.", scene.Setting)
	}
	if scene.Tone != "" {
		fmt.Fprintf(&b, " Mood: %s.", scene.Tone)
	}

	byName := make(map[string]string, len(characters))
	for _, c := range characters {
		byName[c.Name] = c.Description
	}
	present := append([]string(nil), scene.CharactersPresent...)
	sort.Strings(present)
	for _, name := range present {
		if desc := byName[name]; desc != "" {
			fmt.Fprintf(&b, " %s: %s.", name, desc)
		} else {
			fmt.Fprintf(&b, " Featuring %s.", name)
		}
	}

	if style.Description != "" {
		fmt.Fprintf(&b, " Style: %s.", style.Description)
	}
	return b.String()
}
