package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"storyreel/internal/capabilities"
	"storyreel/internal/models"
)

// Stage names as they appear in log events and failures.
const (
	StageCharacters = "character_analysis"
	StageScenes     = "scene_segmentation"
	StageStyle      = "style_inference"
	StageImage      = "image_generation"
	StageAudio      = "audio_generation"
	StageCompose    = "video_composition"
)

const noScene = -1

// StageFailure reports a failed stage call. SceneIndex is -1 for stages that
// are not tied to a single scene.
type StageFailure struct {
	Stage      string
	SceneIndex int
	Cause      error
}

func (f *StageFailure) Error() string {
	if f.SceneIndex >= 0 {
		return fmt.Sprintf("%s failed for scene %d: %v", f.Stage, f.SceneIndex, f.Cause)
	}
	return fmt.Sprintf("%s failed: %v", f.Stage, f.Cause)
}

func (f *StageFailure) Unwrap() error {
	return f.Cause
}

// Publisher is the subset of the event bus used by the runner.
type Publisher interface {
	Publish(processID string, evt models.LogEvent) models.LogEvent
}

// Capabilities bundles the external collaborators a Runner calls.
type Capabilities struct {
	Text     capabilities.TextAnalyzer
	Images   capabilities.ImageGenerator
	Speech   capabilities.SpeechSynthesizer
	Composer capabilities.VideoComposer
}

// Runner executes single pipeline stages, bounding each external call with a
// timeout and reporting start and outcome through the publisher.
type Runner struct {
	caps    Capabilities
	events  Publisher
	logger  *slog.Logger
	timeout time.Duration
}

func NewRunner(caps Capabilities, events Publisher, logger *slog.Logger, timeout time.Duration) *Runner {
	return &Runner{caps: caps, events: events, logger: logger, timeout: timeout}
}

func (r *Runner) AnalyzeCharacters(ctx context.Context, processID, text string) ([]models.Character, error) {
	return run(ctx, r, processID, StageCharacters, noScene, "extracting characters", func(ctx context.Context) ([]models.Character, string, error) {
		raw, err := r.caps.Text.ExtractCharacters(ctx, text)
		if err != nil {
			return nil, "", err
		}
		chars := dedupeCharacters(raw)
		return chars, fmt.Sprintf("found %d characters: %s", len(chars), characterNames(chars)), nil
	})
}

func (r *Runner) SegmentScenes(ctx context.Context, processID, text string, characters []models.Character) ([]models.Scene, error) {
	return run(ctx, r, processID, StageScenes, noScene, "segmenting story into scenes", func(ctx context.Context) ([]models.Scene, string, error) {
		raw, err := r.caps.Text.SegmentScenes(ctx, text, characters)
		if err != nil {
			return nil, "", err
		}
		if len(raw) == 0 {
			return nil, "", errors.New("no scenes found in story")
		}
		scenes := normalizeScenes(raw, characters)
		for _, s := range scenes {
			if s.Text == "" {
				return nil, "", fmt.Errorf("scene %d has no narration text", s.Index)
			}
		}
		return scenes, fmt.Sprintf("segmented story into %d scenes", len(scenes)), nil
	})
}

func (r *Runner) InferStyle(ctx context.Context, processID, text string, scenes []models.Scene) (models.VisualStyle, error) {
	return run(ctx, r, processID, StageStyle, noScene, "inferring visual style", func(ctx context.Context) (models.VisualStyle, string, error) {
		style, err := r.caps.Text.InferStyle(ctx, text, scenes)
		if err != nil {
			return models.VisualStyle{}, "", err
		}
		style.Description = strings.TrimSpace(style.Description)
		if style.Description == "" {
			return models.VisualStyle{}, "", errors.New("empty visual style")
		}
		return style, "visual style: " + style.Description, nil
	})
}

func (r *Runner) GenerateImage(ctx context.Context, processID string, scene models.Scene, style models.VisualStyle, characters []models.Character) (models.Media, error) {
	startMsg := fmt.Sprintf("generating image for scene %d", scene.Index)
	return run(ctx, r, processID, StageImage, scene.Index, startMsg, func(ctx context.Context) (models.Media, string, error) {
		m, err := r.caps.Images.Generate(ctx, capabilities.BuildImagePrompt(scene, style, characters))
		if err != nil {
			return models.Media{}, "", err
		}
		if m.Empty() {
			return models.Media{}, "", errors.New("image generator returned no data")
		}
		return m, fmt.Sprintf("image ready for scene %d (%d bytes)", scene.Index, len(m.Data)), nil
	})
}

func (r *Runner) GenerateAudio(ctx context.Context, processID string, scene models.Scene) (models.Media, error) {
	startMsg := fmt.Sprintf("generating narration for scene %d", scene.Index)
	return run(ctx, r, processID, StageAudio, scene.Index, startMsg, func(ctx context.Context) (models.Media, string, error) {
		m, err := r.caps.Speech.Synthesize(ctx, scene.Text)
		if err != nil {
			return models.Media{}, "", err
		}
		if m.Empty() {
			return models.Media{}, "", errors.New("speech synthesizer returned no data")
		}
		return m, fmt.Sprintf("narration ready for scene %d (%d bytes)", scene.Index, len(m.Data)), nil
	})
}

// ComposeVideo assembles the video in scene index order. Every scene must
// have a complete artifact.
func (r *Runner) ComposeVideo(ctx context.Context, processID string, scenes []models.Scene, artifacts []models.SceneArtifact) (models.Media, error) {
	startMsg := fmt.Sprintf("composing video from %d scenes", len(scenes))
	return run(ctx, r, processID, StageCompose, noScene, startMsg, func(ctx context.Context) (models.Media, string, error) {
		ordered, err := orderArtifacts(scenes, artifacts)
		if err != nil {
			return models.Media{}, "", err
		}
		progress := func(msg string) {
			r.events.Publish(processID, models.LogEvent{Stage: StageCompose, Kind: models.EventInfo, Message: msg})
		}
		m, err := r.caps.Composer.Compose(ctx, ordered, progress)
		if err != nil {
			return models.Media{}, "", err
		}
		if m.Empty() {
			return models.Media{}, "", errors.New("composer returned no data")
		}
		return m, fmt.Sprintf("video composed (%d bytes)", len(m.Data)), nil
	})
}

type outcome[T any] struct {
	val T
	msg string
	err error
}

// run executes one stage call. The call runs on its own goroutine so that a
// collaborator ignoring its context still yields a timeout failure.
func run[T any](ctx context.Context, r *Runner, processID, stage string, scene int, startMsg string, fn func(context.Context) (T, string, error)) (T, error) {
	r.events.Publish(processID, models.LogEvent{Stage: stage, Kind: models.EventStart, Message: startMsg})

	callCtx, cancel := callContext(ctx, r.timeout)
	defer cancel()

	started := time.Now()
	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome[T]{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		val, msg, err := fn(callCtx)
		done <- outcome[T]{val: val, msg: msg, err: err}
	}()

	var res outcome[T]
	select {
	case res = <-done:
	case <-callCtx.Done():
		res.err = callCtx.Err()
	}

	if res.err != nil {
		err := res.err
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s: %w", r.timeout, err)
		}
		failure := &StageFailure{Stage: stage, SceneIndex: scene, Cause: err}
		r.events.Publish(processID, models.LogEvent{Stage: stage, Kind: models.EventFailed, Message: failure.Error()})
		r.logger.Warn("stage failed", "process_id", processID, "stage", stage, "scene", scene, "error", err)
		var zero T
		return zero, failure
	}

	r.events.Publish(processID, models.LogEvent{Stage: stage, Kind: models.EventComplete, Message: res.msg})
	r.logger.Debug("stage completed", "process_id", processID, "stage", stage, "scene", scene, "elapsed", time.Since(started))
	return res.val, nil
}

func callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// dedupeCharacters keeps the first position of each name and the last
// non-empty description seen for it.
func dedupeCharacters(in []models.Character) []models.Character {
	out := make([]models.Character, 0, len(in))
	pos := make(map[string]int, len(in))
	for _, c := range in {
		c.Name = strings.TrimSpace(c.Name)
		c.Description = strings.TrimSpace(c.Description)
		if c.Name == "" {
			continue
		}
		key := strings.ToLower(c.Name)
		if i, ok := pos[key]; ok {
			if c.Description != "" {
				out[i].Description = c.Description
			}
			continue
		}
		pos[key] = len(out)
		out = append(out, c)
	}
	return out
}

// normalizeScenes reindexes scenes in the returned order and resolves
// characters_present against the known character names.
func normalizeScenes(in []models.Scene, characters []models.Character) []models.Scene {
	canonical := make(map[string]string, len(characters))
	for _, c := range characters {
		canonical[strings.ToLower(c.Name)] = c.Name
	}

	out := make([]models.Scene, len(in))
	for i, s := range in {
		s.Index = i
		s.Text = strings.TrimSpace(s.Text)
		present := make([]string, 0, len(s.CharactersPresent))
		seen := map[string]bool{}
		for _, name := range s.CharactersPresent {
			resolved, ok := canonical[strings.ToLower(strings.TrimSpace(name))]
			if !ok || seen[resolved] {
				continue
			}
			seen[resolved] = true
			present = append(present, resolved)
		}
		s.CharactersPresent = present
		out[i] = s
	}
	return out
}

func orderArtifacts(scenes []models.Scene, artifacts []models.SceneArtifact) ([]models.SceneArtifact, error) {
	byIndex := make(map[int]models.SceneArtifact, len(artifacts))
	for _, a := range artifacts {
		byIndex[a.Index] = a
	}

	ordered := append([]models.Scene(nil), scenes...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	out := make([]models.SceneArtifact, 0, len(ordered))
	for _, s := range ordered {
		a, ok := byIndex[s.Index]
		if !ok || !a.Complete() {
			return nil, fmt.Errorf("scene %d is missing image or audio", s.Index)
		}
		out = append(out, a)
	}
	return out, nil
}

func characterNames(chars []models.Character) string {
	if len(chars) == 0 {
		return "none"
	}
	names := make([]string, len(chars))
	for i, c := range chars {
		names[i] = c.Name
	}
	return strings.Join(names, ", ")
}
