package capabilities

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"storyreel/internal/config"
	"storyreel/internal/models"
)

// FFmpegComposer renders each scene as a still image over its narration and
// concatenates the segments in the given order.
type FFmpegComposer struct {
	logger *slog.Logger
	cfg    config.FFmpegConfig
}

func NewFFmpegComposer(logger *slog.Logger, cfg config.FFmpegConfig) *FFmpegComposer {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.ProbeBinary == "" {
		cfg.ProbeBinary = "ffprobe"
	}
	return &FFmpegComposer{logger: logger, cfg: cfg}
}

func (c *FFmpegComposer) Compose(ctx context.Context, artifacts []models.SceneArtifact, progress ProgressFunc) (models.Media, error) {
	if len(artifacts) == 0 {
		return models.Media{}, errors.New("no scenes to compose")
	}
	if progress == nil {
		progress = func(string) {}
	}

	workDir, err := os.MkdirTemp(c.cfg.WorkDir, "compose-*")
	if err != nil {
		return models.Media{}, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	var list bytes.Buffer
	for i, a := range artifacts {
		segment, err := c.renderSegment(ctx, workDir, a)
		if err != nil {
			return models.Media{}, fmt.Errorf("scene %d: %w", a.Index, err)
		}
		fmt.Fprintf(&list, "file '%s'\n", segment)
		progress(fmt.Sprintf("rendered scene %d (%d/%d)", a.Index, i+1, len(artifacts)))
	}

	listPath := filepath.Join(workDir, "segments.txt")
	if err := os.WriteFile(listPath, list.Bytes(), 0o644); err != nil {
		return models.Media{}, fmt.Errorf("failed to write segment list: %w", err)
	}

	output := filepath.Join(workDir, "final.mp4")
	progress(fmt.Sprintf("concatenating %d scene clips", len(artifacts)))
	if err := c.run(ctx, "-y", "-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", output); err != nil {
		return models.Media{}, fmt.Errorf("concatenate: %w", err)
	}

	data, err := os.ReadFile(output)
	if err != nil {
		return models.Media{}, fmt.Errorf("failed to read final video: %w", err)
	}
	return models.Media{Data: data, MIMEType: "video/mp4"}, nil
}

func (c *FFmpegComposer) renderSegment(ctx context.Context, workDir string, a models.SceneArtifact) (string, error) {
	base := filepath.Join(workDir, fmt.Sprintf("scene_%03d", a.Index))
	imagePath := base + extensionFor(a.Image.MIMEType, ".png")
	audioPath := base + "_audio" + extensionFor(a.Audio.MIMEType, ".mp3")
	segmentPath := base + ".mp4"

	if err := os.WriteFile(imagePath, a.Image.Data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	if err := os.WriteFile(audioPath, a.Audio.Data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write audio: %w", err)
	}

	duration, err := c.probeDuration(ctx, audioPath)
	if err != nil {
		c.logger.Warn("could not probe audio duration", "scene", a.Index, "error", err)
	} else if duration <= 0 {
		return "", errors.New("narration audio has no duration")
	} else {
		c.logger.Debug("scene audio probed", "scene", a.Index, "seconds", duration)
	}

	err = c.run(ctx,
		"-y",
		"-loop", "1", "-i", imagePath,
		"-i", audioPath,
		"-c:v", "libx264", "-tune", "stillimage",
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		"-c:a", "aac", "-b:a", "192k", "-ar", "44100", "-ac", "2",
		"-pix_fmt", "yuv420p", "-r", "24",
		"-shortest",
		segmentPath,
	)
	if err != nil {
		return "", err
	}
	return segmentPath, nil
}

func (c *FFmpegComposer) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, c.cfg.Binary, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	var lastErrLine string
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lastErrLine = line
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if lastErrLine != "" {
			return fmt.Errorf("ffmpeg failed: %s", lastErrLine)
		}
		return fmt.Errorf("ffmpeg failed: %w", err)
	}
	return nil
}

func (c *FFmpegComposer) probeDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx,
		c.cfg.ProbeBinary,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe error: %w", err)
	}
	val := strings.TrimSpace(string(out))
	if val == "" {
		return 0, errors.New("empty duration response")
	}
	dur, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration from ffprobe: %w", err)
	}
	return dur, nil
}

func extensionFor(mimeType, fallback string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	default:
		return fallback
	}
}
