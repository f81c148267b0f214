package stages

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"storyreel/internal/capabilities"
	"storyreel/internal/events"
	"storyreel/internal/models"
)

type fakeText struct {
	chars  []models.Character
	scenes []models.Scene
	style  models.VisualStyle
	err    error
}

func (f *fakeText) ExtractCharacters(context.Context, string) ([]models.Character, error) {
	return f.chars, f.err
}

func (f *fakeText) SegmentScenes(context.Context, string, []models.Character) ([]models.Scene, error) {
	return f.scenes, f.err
}

func (f *fakeText) InferStyle(context.Context, string, []models.Scene) (models.VisualStyle, error) {
	return f.style, f.err
}

type fakeImages struct {
	block bool
}

func (f fakeImages) Generate(ctx context.Context, prompt string) (models.Media, error) {
	if f.block {
		time.Sleep(time.Second)
	}
	return models.Media{Data: []byte(prompt), MIMEType: "image/png"}, nil
}

type emptySpeech struct{}

func (emptySpeech) Synthesize(context.Context, string) (models.Media, error) {
	return models.Media{}, nil
}

type recordingComposer struct {
	mu    sync.Mutex
	order []int
}

func (c *recordingComposer) Compose(_ context.Context, artifacts []models.SceneArtifact, progress capabilities.ProgressFunc) (models.Media, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range artifacts {
		c.order = append(c.order, a.Index)
	}
	progress("muxing")
	return models.Media{Data: []byte("MP4"), MIMEType: "video/mp4"}, nil
}

func newTestRunner(caps Capabilities, timeout time.Duration) (*Runner, *events.Bus) {
	bus := events.NewBus(0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRunner(caps, bus, logger, timeout), bus
}

func drain(t *testing.T, bus *events.Bus, processID string) []models.LogEvent {
	t.Helper()
	bus.Close(processID)
	sub := bus.Subscribe(processID)
	defer sub.Close()

	var out []models.LogEvent
	for {
		evt, err := sub.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("unexpected error reading events: %v", err)
		}
		out = append(out, evt)
	}
}

func TestAnalyzeCharactersDedupes(t *testing.T) {
	text := &fakeText{chars: []models.Character{
		{Name: "Ana", Description: "a baker"},
		{Name: "Leo"},
		{Name: " ana ", Description: "a famous baker"},
		{Name: ""},
	}}
	r, bus := newTestRunner(Capabilities{Text: text}, time.Second)

	chars, err := r.AnalyzeCharacters(context.Background(), "p1", "story")
	if err != nil {
		t.Fatalf("AnalyzeCharacters failed: %v", err)
	}
	if len(chars) != 2 || chars[0].Name != "Ana" || chars[1].Name != "Leo" {
		t.Fatalf("unexpected characters: %+v", chars)
	}
	if chars[0].Description != "a famous baker" {
		t.Fatalf("expected last description to win, got %q", chars[0].Description)
	}

	evts := drain(t, bus, "p1")
	if len(evts) != 2 || evts[0].Kind != models.EventStart || evts[1].Kind != models.EventComplete {
		t.Fatalf("unexpected events: %+v", evts)
	}
	if evts[0].Stage != StageCharacters {
		t.Fatalf("unexpected stage %q", evts[0].Stage)
	}
}

func TestSegmentScenesNormalizes(t *testing.T) {
	text := &fakeText{scenes: []models.Scene{
		{Index: 7, Text: " Ana bakes. ", CharactersPresent: []string{"ana", "Ghost", "ANA"}},
		{Index: 3, Text: "Leo arrives.", CharactersPresent: []string{"Leo"}},
	}}
	r, _ := newTestRunner(Capabilities{Text: text}, time.Second)

	scenes, err := r.SegmentScenes(context.Background(), "p1", "story", []models.Character{{Name: "Ana"}, {Name: "Leo"}})
	if err != nil {
		t.Fatalf("SegmentScenes failed: %v", err)
	}
	if scenes[0].Index != 0 || scenes[1].Index != 1 {
		t.Fatalf("expected contiguous indices, got %d and %d", scenes[0].Index, scenes[1].Index)
	}
	if scenes[0].Text != "Ana bakes." {
		t.Fatalf("expected trimmed text, got %q", scenes[0].Text)
	}
	if strings.Join(scenes[0].CharactersPresent, ",") != "Ana" {
		t.Fatalf("unexpected characters present: %v", scenes[0].CharactersPresent)
	}
}

func TestSegmentScenesZeroScenesFails(t *testing.T) {
	r, bus := newTestRunner(Capabilities{Text: &fakeText{}}, time.Second)

	_, err := r.SegmentScenes(context.Background(), "p1", "story", nil)
	var failure *StageFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected StageFailure, got %v", err)
	}
	if failure.Stage != StageScenes || failure.SceneIndex != -1 {
		t.Fatalf("unexpected failure: %+v", failure)
	}

	evts := drain(t, bus, "p1")
	last := evts[len(evts)-1]
	if last.Kind != models.EventFailed || !strings.Contains(last.Message, StageScenes) {
		t.Fatalf("expected failed event naming the stage, got %+v", last)
	}
}

func TestInferStyleRejectsEmpty(t *testing.T) {
	r, _ := newTestRunner(Capabilities{Text: &fakeText{style: models.VisualStyle{Description: "   "}}}, time.Second)
	if _, err := r.InferStyle(context.Background(), "p1", "story", nil); err == nil {
		t.Fatalf("expected empty style to fail")
	}
}

func TestGenerateAudioEmptyMediaFailsWithScene(t *testing.T) {
	r, _ := newTestRunner(Capabilities{Speech: emptySpeech{}}, time.Second)

	_, err := r.GenerateAudio(context.Background(), "p1", models.Scene{Index: 2, Text: "hi"})
	var failure *StageFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected StageFailure, got %v", err)
	}
	if failure.Stage != StageAudio || failure.SceneIndex != 2 {
		t.Fatalf("unexpected failure: %+v", failure)
	}
	if !strings.Contains(failure.Error(), "scene 2") {
		t.Fatalf("expected message to name the scene: %q", failure.Error())
	}
}

func TestGenerateImageTimesOut(t *testing.T) {
	r, _ := newTestRunner(Capabilities{Images: fakeImages{block: true}}, 20*time.Millisecond)

	started := time.Now()
	_, err := r.GenerateImage(context.Background(), "p1", models.Scene{Index: 0, Text: "x"}, models.VisualStyle{Description: "ink"}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 500*time.Millisecond {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
}

func TestGenerateImageCarriesStyle(t *testing.T) {
	r, _ := newTestRunner(Capabilities{Images: fakeImages{}}, time.Second)

	m, err := r.GenerateImage(context.Background(), "p1", models.Scene{Index: 0, Text: "x"}, models.VisualStyle{Description: "ink wash"}, nil)
	if err != nil {
		t.Fatalf("GenerateImage failed: %v", err)
	}
	if !strings.Contains(string(m.Data), "ink wash") {
		t.Fatalf("prompt did not carry style: %q", m.Data)
	}
}

type ctxImages struct {
	got context.Context
}

func (c *ctxImages) Generate(ctx context.Context, prompt string) (models.Media, error) {
	c.got = ctx
	return models.Media{Data: []byte(prompt), MIMEType: "image/png"}, nil
}

func TestStageCallContextEndsWithCall(t *testing.T) {
	for _, timeout := range []time.Duration{0, time.Minute} {
		images := &ctxImages{}
		r, _ := newTestRunner(Capabilities{Images: images}, timeout)

		parent, cancel := context.WithCancel(context.Background())
		defer cancel()
		if _, err := r.GenerateImage(parent, "p1", models.Scene{Index: 0, Text: "x"}, models.VisualStyle{Description: "ink"}, nil); err != nil {
			t.Fatalf("GenerateImage failed: %v", err)
		}

		if _, ok := images.got.Deadline(); ok != (timeout > 0) {
			t.Fatalf("timeout %s: deadline set = %v", timeout, ok)
		}
		if !errors.Is(images.got.Err(), context.Canceled) {
			t.Fatalf("timeout %s: call context still live after return: %v", timeout, images.got.Err())
		}
		if parent.Err() != nil {
			t.Fatalf("parent context was canceled by the stage call")
		}
	}
}

func TestComposeVideoOrdersByIndex(t *testing.T) {
	composer := &recordingComposer{}
	r, bus := newTestRunner(Capabilities{Composer: composer}, time.Second)

	media := models.Media{Data: []byte{1}, MIMEType: "x"}
	scenes := []models.Scene{{Index: 0}, {Index: 1}, {Index: 2}}
	artifacts := []models.SceneArtifact{
		{Index: 2, Image: media, Audio: media},
		{Index: 0, Image: media, Audio: media},
		{Index: 1, Image: media, Audio: media},
	}
	if _, err := r.ComposeVideo(context.Background(), "p1", scenes, artifacts); err != nil {
		t.Fatalf("ComposeVideo failed: %v", err)
	}
	if len(composer.order) != 3 || composer.order[0] != 0 || composer.order[1] != 1 || composer.order[2] != 2 {
		t.Fatalf("unexpected compose order: %v", composer.order)
	}

	var sawProgress bool
	for _, evt := range drain(t, bus, "p1") {
		if evt.Kind == models.EventInfo && evt.Message == "muxing" {
			sawProgress = true
		}
	}
	if !sawProgress {
		t.Fatalf("expected composer progress to be published")
	}
}

func TestComposeVideoMissingArtifactFails(t *testing.T) {
	r, _ := newTestRunner(Capabilities{Composer: &recordingComposer{}}, time.Second)

	media := models.Media{Data: []byte{1}}
	_, err := r.ComposeVideo(context.Background(), "p1",
		[]models.Scene{{Index: 0}, {Index: 1}},
		[]models.SceneArtifact{{Index: 0, Image: media, Audio: media}, {Index: 1, Image: media}},
	)
	var failure *StageFailure
	if !errors.As(err, &failure) || failure.Stage != StageCompose {
		t.Fatalf("expected compose failure, got %v", err)
	}
}
