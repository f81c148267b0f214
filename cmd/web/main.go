package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"storyreel/internal/artifacts"
	"storyreel/internal/capabilities"
	"storyreel/internal/config"
	"storyreel/internal/events"
	"storyreel/internal/handlers"
	"storyreel/internal/pipeline"
	"storyreel/internal/registry"
	"storyreel/internal/stages"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

func main() {
	cfg, err := config.Load(envOrDefault("CONFIG_FILE", "config.yaml"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	store, err := newStore(logger, cfg.Storage)
	if err != nil {
		logger.Error("failed to init artifact store", "error", err)
		os.Exit(1)
	}

	caps, err := newCapabilities(logger, cfg)
	if err != nil {
		logger.Error("failed to init capabilities", "error", err)
		os.Exit(1)
	}

	reg := registry.New()
	bus := events.NewBus(cfg.Pipeline.EventHistory)
	runner := stages.NewRunner(caps, bus, logger, cfg.Pipeline.StageTimeout)

	orch, err := pipeline.New(logger, cfg.Pipeline, cfg.Server.MaxStoryBytes, reg, bus, runner, store)
	if err != nil {
		logger.Error("failed to init pipeline", "error", err)
		os.Exit(1)
	}

	app := handlers.NewApp(logger, orch, reg, bus, store, cfg.Server.MaxStoryBytes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.StartCleanupLoop(ctx, cfg.Pipeline.CleanupInterval, cfg.Pipeline.Retention)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("server started", "addr", cfg.Server.Addr,
			"text", cfg.Providers.Text, "image", cfg.Providers.Image,
			"speech", cfg.Providers.Speech, "storage", cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	cancel()
	shutdown(logger, srv, orch, cfg.Server.ShutdownTimeout)
	logger.Info("server stopped")
}

// shutdown drains the pipeline before the server. Open log streams end on
// their process's terminal event, which lets srv.Shutdown finish.
func shutdown(logger *slog.Logger, srv *http.Server, orch *pipeline.Orchestrator, timeout time.Duration) {
	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), timeout)
	defer releaseCancel()
	if err := orch.Release(releaseCtx); err != nil {
		logger.Error("pipeline did not drain", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		_ = srv.Close()
	}
}

func newStore(logger *slog.Logger, cfg config.StorageConfig) (artifacts.Store, error) {
	switch cfg.Backend {
	case "s3":
		opts := session.Options{SharedConfigState: session.SharedConfigEnable}
		if cfg.S3Region != "" {
			opts.Config = aws.Config{Region: aws.String(cfg.S3Region)}
		}
		sess := session.Must(session.NewSessionWithOptions(opts))
		return artifacts.NewS3Store(s3.New(sess), cfg.S3Bucket, cfg.S3Prefix, logger), nil
	case "fs", "":
		store, err := artifacts.NewFileStore(filepath.Join(cfg.DataDir, "videos"))
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func newCapabilities(logger *slog.Logger, cfg *config.Config) (stages.Capabilities, error) {
	var caps stages.Capabilities
	fetcher := capabilities.NewContentFetcher(&http.Client{Timeout: cfg.Pipeline.StageTimeout}, logger)

	switch cfg.Providers.Text {
	case "openai":
		caps.Text = capabilities.NewOpenAIAnalyzer(fetcher, cfg.OpenAI, logger)
	case "local":
		caps.Text = capabilities.NewLocalAnalyzer()
	default:
		return caps, fmt.Errorf("unknown text provider %q", cfg.Providers.Text)
	}

	switch cfg.Providers.Image {
	case "openai":
		caps.Images = capabilities.NewOpenAIImages(fetcher, cfg.OpenAI)
	case "placeholder":
		caps.Images = capabilities.PlaceholderImages{}
	default:
		return caps, fmt.Errorf("unknown image provider %q", cfg.Providers.Image)
	}

	switch cfg.Providers.Speech {
	case "elevenlabs":
		caps.Speech = capabilities.NewElevenLabsSpeech(fetcher, cfg.ElevenLabs)
	case "silent":
		caps.Speech = capabilities.SilentSpeech{}
	default:
		return caps, fmt.Errorf("unknown speech provider %q", cfg.Providers.Speech)
	}

	switch cfg.Providers.Composer {
	case "ffmpeg":
		caps.Composer = capabilities.NewFFmpegComposer(logger, cfg.FFmpeg)
	default:
		return caps, fmt.Errorf("unknown composer %q", cfg.Providers.Composer)
	}

	return caps, nil
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
