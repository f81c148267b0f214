package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"storyreel/internal/artifacts"
	"storyreel/internal/config"
	"storyreel/internal/events"
	"storyreel/internal/models"
	"storyreel/internal/registry"
	"storyreel/internal/stages"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

const stagePipeline = "pipeline"

var (
	// ErrBusy is returned by Submit when every process worker is occupied.
	ErrBusy = errors.New("pipeline is at capacity")

	errCanceled = errors.New("canceled")
	errShutdown = errors.New("server shutting down")
)

// Orchestrator owns the lifecycle of every submitted story: it registers the
// process, runs the stages on a detached worker and records the outcome.
type Orchestrator struct {
	logger *slog.Logger
	cfg    config.PipelineConfig

	maxStoryBytes int

	registry *registry.Registry
	events   *events.Bus
	runner   *stages.Runner
	store    artifacts.Store

	pool *ants.Pool
	wg   sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
	closing bool
}

func New(logger *slog.Logger, cfg config.PipelineConfig, maxStoryBytes int, reg *registry.Registry, bus *events.Bus, runner *stages.Runner, store artifacts.Store) (*Orchestrator, error) {
	o := &Orchestrator{
		logger:        logger,
		cfg:           cfg,
		maxStoryBytes: maxStoryBytes,
		registry:      reg,
		events:        bus,
		runner:        runner,
		store:         store,
		running:       make(map[string]context.CancelCauseFunc),
	}

	pool, err := ants.NewPool(cfg.MaxActiveProcesses,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			logger.Error("panic in process worker", "panic", fmt.Sprint(p))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create process pool: %w", err)
	}
	o.pool = pool
	return o, nil
}

// Submit validates the story, registers a pending process and schedules its
// run. It returns before any stage executes.
func (o *Orchestrator) Submit(ctx context.Context, text string) (models.Process, error) {
	if err := ctx.Err(); err != nil {
		return models.Process{}, err
	}
	story, err := models.NormalizeStory(text, o.maxStoryBytes)
	if err != nil {
		return models.Process{}, err
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return models.Process{}, fmt.Errorf("%w: %v", ErrBusy, errShutdown)
	}
	p := o.registry.Create()
	runCtx, cancel := o.processContext()
	o.running[p.ID] = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	err = o.pool.Submit(func() {
		defer o.wg.Done()
		o.run(runCtx, p.ID, story)
	})
	if err != nil {
		o.wg.Done()
		o.release(p.ID)
		o.logger.Warn("process rejected", "process_id", p.ID, "error", err)
		o.fail(runCtx, p.ID, fmt.Errorf("%w: %v", ErrBusy, err))
		failed, _ := o.registry.Get(p.ID)
		return failed, ErrBusy
	}

	o.logger.Info("process submitted", "process_id", p.ID, "story_bytes", len(story))
	return p, nil
}

// Cancel stops a running or pending process. The process ends failed.
func (o *Orchestrator) Cancel(id string) error {
	p, err := o.registry.Get(id)
	if err != nil {
		return err
	}
	if p.Status.Terminal() {
		return registry.ErrAlreadyTerminal
	}

	o.mu.Lock()
	cancel, ok := o.running[id]
	o.mu.Unlock()
	if !ok {
		return registry.ErrAlreadyTerminal
	}

	o.logger.Info("process cancel requested", "process_id", id)
	o.events.Publish(id, models.LogEvent{Stage: stagePipeline, Kind: models.EventInfo, Message: "cancellation requested"})
	cancel(errCanceled)
	return nil
}

// Release cancels in-flight processes, waits for their workers to record a
// terminal state and frees the process pool. Submissions are refused with
// ErrBusy once Release has started.
func (o *Orchestrator) Release(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	for _, cancel := range o.running {
		cancel(errShutdown)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for processes: %w", ctx.Err())
	}
	o.pool.Release()
	return nil
}

func (o *Orchestrator) processContext() (context.Context, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(context.Background())
	if o.cfg.ProcessTimeout <= 0 {
		return ctx, cancel
	}
	timed, stop := context.WithTimeoutCause(ctx, o.cfg.ProcessTimeout, fmt.Errorf("process timed out after %s", o.cfg.ProcessTimeout))
	return timed, func(cause error) {
		cancel(cause)
		stop()
	}
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	cancel, ok := o.running[id]
	delete(o.running, id)
	o.mu.Unlock()
	if ok {
		cancel(nil)
	}
}

func (o *Orchestrator) run(ctx context.Context, id, story string) {
	defer o.release(id)
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("panic in pipeline", "process_id", id, "panic", fmt.Sprint(p))
			o.fail(ctx, id, fmt.Errorf("internal error: %v", p))
		}
	}()

	if err := ctx.Err(); err != nil {
		o.fail(ctx, id, err)
		return
	}
	if err := o.registry.SetStatus(id, models.StatusRunning); err != nil {
		o.logger.Warn("could not mark process running", "process_id", id, "error", err)
		return
	}

	started := time.Now()
	o.events.Publish(id, models.LogEvent{Stage: stagePipeline, Kind: models.EventStart, Message: "pipeline started"})

	chars, err := o.runner.AnalyzeCharacters(ctx, id, story)
	if err != nil {
		o.fail(ctx, id, err)
		return
	}
	scenes, err := o.runner.SegmentScenes(ctx, id, story, chars)
	if err != nil {
		o.fail(ctx, id, err)
		return
	}
	style, err := o.runner.InferStyle(ctx, id, story, scenes)
	if err != nil {
		o.fail(ctx, id, err)
		return
	}

	sceneArtifacts, err := o.generateSceneMedia(ctx, id, scenes, style, chars)
	if err != nil {
		o.fail(ctx, id, err)
		return
	}

	video, err := o.runner.ComposeVideo(ctx, id, scenes, sceneArtifacts)
	if err != nil {
		o.fail(ctx, id, err)
		return
	}

	videoID := uuid.NewString()
	if err := o.store.Put(ctx, videoID, bytes.NewReader(video.Data), video.MIMEType); err != nil {
		o.fail(ctx, id, fmt.Errorf("failed to store video: %w", err))
		return
	}
	if err := o.registry.SetResult(id, videoID); err != nil {
		o.logger.Warn("could not record result", "process_id", id, "video_id", videoID, "error", err)
		_ = o.store.Delete(context.Background(), videoID)
		return
	}

	o.logger.Info("process completed", "process_id", id, "video_id", videoID, "scenes", len(scenes), "elapsed", time.Since(started))
	o.terminal(id, models.EventDone, "video ready: "+videoID)
}

// generateSceneMedia runs image and audio generation for every scene on a
// bounded pool and joins the results by scene index. The first failure
// cancels the remaining work.
func (o *Orchestrator) generateSceneMedia(ctx context.Context, id string, scenes []models.Scene, style models.VisualStyle, chars []models.Character) ([]models.SceneArtifact, error) {
	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	failed := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	pool, err := ants.NewPool(o.cfg.SceneConcurrency)
	if err != nil {
		return nil, fmt.Errorf("failed to create scene pool: %w", err)
	}
	defer pool.Release()

	results := make([]models.SceneArtifact, len(scenes))
	submit := func(task func() error) {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					failed(fmt.Errorf("panic in scene worker: %v", p))
				}
			}()
			if fanCtx.Err() != nil {
				return
			}
			if err := task(); err != nil {
				failed(err)
			}
		})
		if err != nil {
			wg.Done()
			failed(fmt.Errorf("failed to schedule scene task: %w", err))
		}
	}

	for i, scene := range scenes {
		results[i].Index = scene.Index
		submit(func() error {
			m, err := o.runner.GenerateImage(fanCtx, id, scene, style, chars)
			if err != nil {
				return err
			}
			results[i].Image = m
			return nil
		})
		submit(func() error {
			m, err := o.runner.GenerateAudio(fanCtx, id, scene)
			if err != nil {
				return err
			}
			results[i].Audio = m
			return nil
		})
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// fail records the terminal failure. A process that is already terminal is
// left untouched and no second terminal event is published.
func (o *Orchestrator) fail(ctx context.Context, id string, err error) {
	msg := failureMessage(ctx, err)
	if setErr := o.registry.SetError(id, msg); setErr != nil {
		o.logger.Warn("could not record failure", "process_id", id, "error", setErr, "cause", err)
		return
	}
	o.logger.Error("process failed", "process_id", id, "error", err)
	o.terminal(id, models.EventError, msg)
}

func (o *Orchestrator) terminal(id string, kind models.EventKind, msg string) {
	o.events.Publish(id, models.LogEvent{Stage: stagePipeline, Kind: kind, Message: msg})
	o.events.Close(id)
}

func failureMessage(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(err, ErrBusy) {
			var failure *stages.StageFailure
			if errors.As(err, &failure) {
				return fmt.Sprintf("%s (during %s)", cause.Error(), failure.Stage)
			}
			return cause.Error()
		}
	}
	return err.Error()
}

// StartCleanupLoop prunes terminal processes older than ttl together with
// their videos and event history.
func (o *Orchestrator) StartCleanupLoop(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.cleanup(ctx, ttl)
			}
		}
	}()
}

func (o *Orchestrator) cleanup(ctx context.Context, ttl time.Duration) {
	removed := o.registry.Prune(time.Now().Add(-ttl))
	for _, p := range removed {
		if p.VideoID != "" {
			if err := o.store.Delete(ctx, p.VideoID); err != nil && !errors.Is(err, artifacts.ErrNotFound) {
				o.logger.Warn("failed to delete video", "process_id", p.ID, "video_id", p.VideoID, "error", err)
			}
		}
		o.events.Forget(p.ID)
	}

	if len(removed) > 0 {
		o.logger.Info("cleanup completed", "removed_processes", len(removed))
	}
}
