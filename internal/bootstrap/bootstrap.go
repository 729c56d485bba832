// Package bootstrap provides dependency initialization for the overlay API.
package bootstrap

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/maauso/overlay-api/internal/backend"
	"github.com/maauso/overlay-api/internal/config"
	"github.com/maauso/overlay-api/internal/framesource"
	"github.com/maauso/overlay-api/internal/library"
	"github.com/maauso/overlay-api/internal/media"
	"github.com/maauso/overlay-api/internal/overlay"
	"github.com/maauso/overlay-api/internal/overlay/id"
	"github.com/maauso/overlay-api/internal/preview"
	"github.com/maauso/overlay-api/internal/storage"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Service *overlay.Service
	Library *library.Cache
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	store, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	client, err := backend.NewClient(cfg.BackendURL,
		backend.WithTimeout(cfg.BackendTimeout()),
		backend.WithMaxRetries(cfg.BackendMaxRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("create backend client: %w", err)
	}

	frames, err := initFrameSource(cfg, client, logger)
	if err != nil {
		return nil, err
	}

	renderer, err := preview.NewRenderer(cfg.OverlayFontSize)
	if err != nil {
		return nil, fmt.Errorf("create preview renderer: %w", err)
	}
	logger.Info("preview renderer configured", slog.Float64("font_size", renderer.FontSize()))

	cache := library.NewCache(client, logger)

	outputDir := cfg.OutputDir
	svc := overlay.NewService(
		overlay.NewMemoryRepository(),
		overlay.Deps{
			Backend:   client,
			Frames:    frames,
			Measurer:  renderer,
			OutputRef: func() string { return id.OutputRef(outputDir, time.Now()) },
			Logger:    logger,
		},
		cache,
		renderer,
		store,
		overlay.ServiceConfig{PreviewMaxWidth: cfg.PreviewMaxWidth},
		logger,
	)

	return &Dependencies{
		Service: svc,
		Library: cache,
	}, nil
}

// initFrameSource selects where frames come from.
func initFrameSource(cfg *config.Config, client *backend.HTTPClient, logger *slog.Logger) (framesource.Source, error) {
	switch framesource.Kind(cfg.FrameSource) {
	case framesource.KindFFmpeg:
		src, err := framesource.NewFFmpegSource(cfg.MediaRoot, media.NewFFmpegProcessor(cfg.FFmpegPath))
		if err != nil {
			return nil, fmt.Errorf("create ffmpeg frame source: %w", err)
		}
		logger.Info("frame source configured",
			slog.String("kind", string(framesource.KindFFmpeg)),
			slog.String("media_root", cfg.MediaRoot),
		)
		return src, nil
	case framesource.KindBackend:
		logger.Info("frame source configured", slog.String("kind", string(framesource.KindBackend)))
		return framesource.NewBackendSource(client), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidFrameSource, cfg.FrameSource)
	}
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(cfg.TempDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 preview publishing configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("temp_dir", cfg.TempDir),
	)
	return localStore, nil
}
