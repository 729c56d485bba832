// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Frame source kinds accepted by FRAME_SOURCE.
const (
	FrameSourceBackend = "backend"
	FrameSourceFFmpeg  = "ffmpeg"
)

// Static errors for configuration validation.
var (
	// ErrBackendURLRequired is returned when BACKEND_URL is not set.
	ErrBackendURLRequired = errors.New("config: BACKEND_URL is required")
	// ErrInvalidFrameSource is returned when FRAME_SOURCE is not a known kind.
	ErrInvalidFrameSource = errors.New("config: FRAME_SOURCE must be \"backend\" or \"ffmpeg\"")
	// ErrMediaRootRequired is returned when FRAME_SOURCE=ffmpeg has no MEDIA_ROOT.
	ErrMediaRootRequired = errors.New("config: MEDIA_ROOT is required when FRAME_SOURCE=ffmpeg")
	// ErrInvalidLimit is returned when a numeric limit is not positive.
	ErrInvalidLimit = errors.New("config: limits must be positive")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port           int      `env:"PORT, default=8080" json:"port"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS, default=*" json:"allowed_origins"`
	MaxUploadMB    int      `env:"MAX_UPLOAD_MB, default=512" json:"max_upload_mb"`

	// Render backend settings
	BackendURL        string `env:"BACKEND_URL, required" json:"backend_url"`
	BackendTimeoutSec int    `env:"BACKEND_TIMEOUT_SEC, default=120" json:"backend_timeout_sec"`
	BackendMaxRetries int    `env:"BACKEND_MAX_RETRIES, default=2" json:"backend_max_retries"`
	OutputDir         string `env:"OUTPUT_DIR, default=uploads" json:"output_dir"`

	// Frame extraction settings
	FrameSource string `env:"FRAME_SOURCE, default=backend" json:"frame_source"` // "backend" or "ffmpeg"
	MediaRoot   string `env:"MEDIA_ROOT" json:"media_root,omitempty"`
	FFmpegPath  string `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`

	// Overlay rendering settings
	OverlayFontSize float64 `env:"OVERLAY_FONT_SIZE, default=70" json:"overlay_font_size"`
	PreviewMaxWidth int     `env:"PREVIEW_MAX_WIDTH, default=640" json:"preview_max_width"`

	// Session settings. A zero TTL keeps idle sessions until deleted.
	SessionIdleTTL time.Duration `env:"SESSION_IDLE_TTL, default=1h" json:"session_idle_ttl"`

	// Storage settings
	TempDir string `env:"TEMP_DIR, default=/tmp/overlay-api" json:"temp_dir"`

	// Optional S3 settings for preview publishing
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// BackendTimeout returns the per-request backend timeout.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutSec) * time.Second
}

// JanitorInterval returns how often idle sessions are checked, or zero when
// reaping is disabled.
func (c *Config) JanitorInterval() time.Duration {
	if c.SessionIdleTTL <= 0 {
		return 0
	}
	return min(c.SessionIdleTTL/4, time.Minute)
}

// MaxUploadBytes returns the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// Load reads configuration from environment variables using go-envconfig
// and validates it.
func Load() (*Config, error) {
	return load(envconfig.OsLookuper())
}

func load(lookuper envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}

	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   cfg,
		Lookuper: lookuper,
	}); err != nil {
		if strings.Contains(err.Error(), "BACKEND_URL") {
			return nil, ErrBackendURLRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg.FrameSource = strings.ToLower(strings.TrimSpace(cfg.FrameSource))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is complete and consistent.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BackendURL) == "" {
		return ErrBackendURLRequired
	}

	switch c.FrameSource {
	case FrameSourceBackend:
	case FrameSourceFFmpeg:
		if strings.TrimSpace(c.MediaRoot) == "" {
			return ErrMediaRootRequired
		}
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidFrameSource, c.FrameSource)
	}

	if c.MaxUploadMB <= 0 || c.OverlayFontSize <= 0 || c.BackendTimeoutSec <= 0 {
		return ErrInvalidLimit
	}
	if c.SessionIdleTTL < 0 {
		return fmt.Errorf("%w: SESSION_IDLE_TTL=%s", ErrInvalidLimit, c.SessionIdleTTL)
	}
	if c.BackendMaxRetries < 0 {
		return fmt.Errorf("%w: BACKEND_MAX_RETRIES=%d", ErrInvalidLimit, c.BackendMaxRetries)
	}
	return nil
}

// NewLogger creates a structured logger on stdout based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	return c.newLogger(os.Stdout)
}

func (c *Config) newLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(c.LogLevel)}

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, BackendURL: %s, FrameSource: %s, MediaRoot: %s, OutputDir: %s, TempDir: %s, MaxUploadMB: %d, OverlayFontSize: %g, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.BackendURL,
		c.FrameSource,
		c.MediaRoot,
		c.OutputDir,
		c.TempDir,
		c.MaxUploadMB,
		c.OverlayFontSize,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
