package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Storage    StorageConfig    `yaml:"storage"`
	Providers  ProvidersConfig  `yaml:"providers"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	ElevenLabs ElevenLabsConfig `yaml:"elevenlabs"`
	FFmpeg     FFmpegConfig     `yaml:"ffmpeg"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	LogLevel        string        `yaml:"log_level"`
	MaxStoryBytes   int           `yaml:"max_story_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type PipelineConfig struct {
	SceneConcurrency   int           `yaml:"scene_concurrency"`
	MaxActiveProcesses int           `yaml:"max_active_processes"`
	StageTimeout       time.Duration `yaml:"stage_timeout"`
	ProcessTimeout     time.Duration `yaml:"process_timeout"`
	EventHistory       int           `yaml:"event_history"`
	Retention          time.Duration `yaml:"retention"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
}

type StorageConfig struct {
	Backend  string `yaml:"backend"` // fs | s3
	DataDir  string `yaml:"data_dir"`
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	S3Region string `yaml:"s3_region"`
}

// ProvidersConfig selects the adapter used for each external capability.
type ProvidersConfig struct {
	Text     string `yaml:"text"`     // openai | local
	Image    string `yaml:"image"`    // openai | placeholder
	Speech   string `yaml:"speech"`   // elevenlabs | silent
	Composer string `yaml:"composer"` // ffmpeg
}

type OpenAIConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	ImageModel string `yaml:"image_model"`
	ImageSize  string `yaml:"image_size"`
}

type ElevenLabsConfig struct {
	BaseURL         string  `yaml:"base_url"`
	APIKey          string  `yaml:"api_key"`
	VoiceID         string  `yaml:"voice_id"`
	ModelID         string  `yaml:"model_id"`
	Stability       float64 `yaml:"stability"`
	SimilarityBoost float64 `yaml:"similarity_boost"`
}

type FFmpegConfig struct {
	Binary      string `yaml:"binary"`
	ProbeBinary string `yaml:"probe_binary"`
	WorkDir     string `yaml:"work_dir"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			LogLevel:        "info",
			MaxStoryBytes:   20000,
			ShutdownTimeout: 15 * time.Second,
		},
		Pipeline: PipelineConfig{
			SceneConcurrency:   4,
			MaxActiveProcesses: 16,
			StageTimeout:       3 * time.Minute,
			ProcessTimeout:     30 * time.Minute,
			EventHistory:       256,
			Retention:          time.Hour,
			CleanupInterval:    10 * time.Minute,
		},
		Storage: StorageConfig{
			Backend: "fs",
			DataDir: "data",
		},
		Providers: ProvidersConfig{
			Text:     "local",
			Image:    "placeholder",
			Speech:   "silent",
			Composer: "ffmpeg",
		},
		OpenAI: OpenAIConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-4o-mini",
			ImageModel: "dall-e-3",
			ImageSize:  "1024x1024",
		},
		ElevenLabs: ElevenLabsConfig{
			BaseURL:         "https://api.elevenlabs.io/v1/text-to-speech",
			ModelID:         "eleven_multilingual_v2",
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
		FFmpeg: FFmpegConfig{
			Binary:      "ffmpeg",
			ProbeBinary: "ffprobe",
		},
	}
}

// Load reads an optional .env file, an optional YAML file at path and then
// applies environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = envOrDefault("APP_ADDR", c.Server.Addr)
	c.Server.LogLevel = envOrDefault("LOG_LEVEL", c.Server.LogLevel)
	c.Server.MaxStoryBytes = envIntOrDefault("MAX_STORY_BYTES", c.Server.MaxStoryBytes)

	c.Pipeline.SceneConcurrency = envIntOrDefault("SCENE_CONCURRENCY", c.Pipeline.SceneConcurrency)
	c.Pipeline.MaxActiveProcesses = envIntOrDefault("MAX_ACTIVE_PROCESSES", c.Pipeline.MaxActiveProcesses)
	c.Pipeline.StageTimeout = envDurationOrDefault("STAGE_TIMEOUT", c.Pipeline.StageTimeout)
	c.Pipeline.ProcessTimeout = envDurationOrDefault("PROCESS_TIMEOUT", c.Pipeline.ProcessTimeout)
	c.Pipeline.Retention = envDurationOrDefault("RETENTION", c.Pipeline.Retention)
	c.Pipeline.CleanupInterval = envDurationOrDefault("CLEANUP_INTERVAL", c.Pipeline.CleanupInterval)

	c.Storage.Backend = envOrDefault("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.DataDir = envOrDefault("DATA_DIR", c.Storage.DataDir)
	c.Storage.S3Bucket = envOrDefault("S3_BUCKET", c.Storage.S3Bucket)
	c.Storage.S3Prefix = envOrDefault("S3_PREFIX", c.Storage.S3Prefix)
	c.Storage.S3Region = envOrDefault("AWS_REGION", c.Storage.S3Region)

	c.Providers.Text = envOrDefault("TEXT_PROVIDER", c.Providers.Text)
	c.Providers.Image = envOrDefault("IMAGE_PROVIDER", c.Providers.Image)
	c.Providers.Speech = envOrDefault("SPEECH_PROVIDER", c.Providers.Speech)

	c.OpenAI.BaseURL = envOrDefault("OPENAI_BASE_URL", c.OpenAI.BaseURL)
	c.OpenAI.APIKey = envOrDefault("OPENAI_API_KEY", c.OpenAI.APIKey)
	c.OpenAI.Model = envOrDefault("LLM_MODEL", c.OpenAI.Model)
	c.OpenAI.ImageModel = envOrDefault("IMAGE_MODEL", c.OpenAI.ImageModel)

	c.ElevenLabs.APIKey = envOrDefault("ELEVENLABS_API_KEY", c.ElevenLabs.APIKey)
	c.ElevenLabs.VoiceID = envOrDefault("ELEVENLABS_VOICE_ID", c.ElevenLabs.VoiceID)

	c.FFmpeg.Binary = envOrDefault("FFMPEG_BIN", c.FFmpeg.Binary)
	c.FFmpeg.ProbeBinary = envOrDefault("FFPROBE_BIN", c.FFmpeg.ProbeBinary)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Pipeline.SceneConcurrency <= 0 {
		errs = append(errs, errors.New("pipeline.scene_concurrency must be positive"))
	}
	if c.Pipeline.MaxActiveProcesses <= 0 {
		errs = append(errs, errors.New("pipeline.max_active_processes must be positive"))
	}
	if c.Pipeline.StageTimeout <= 0 {
		errs = append(errs, errors.New("pipeline.stage_timeout must be positive"))
	}

	switch c.Storage.Backend {
	case "fs":
	case "s3":
		if c.Storage.S3Bucket == "" {
			errs = append(errs, errors.New("storage.s3_bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	switch c.Providers.Text {
	case "local":
	case "openai":
		if c.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("openai.api_key is required for the openai text provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown text provider %q", c.Providers.Text))
	}

	switch c.Providers.Image {
	case "placeholder":
	case "openai":
		if c.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("openai.api_key is required for the openai image provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown image provider %q", c.Providers.Image))
	}

	switch c.Providers.Speech {
	case "silent":
	case "elevenlabs":
		if c.ElevenLabs.APIKey == "" || c.ElevenLabs.VoiceID == "" {
			errs = append(errs, errors.New("elevenlabs.api_key and elevenlabs.voice_id are required for the elevenlabs speech provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown speech provider %q", c.Providers.Speech))
	}

	if c.Providers.Composer != "ffmpeg" {
		errs = append(errs, fmt.Errorf("unknown composer %q", c.Providers.Composer))
	}

	return errors.Join(errs...)
}

// SlogLevel maps the configured log level onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Server.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
