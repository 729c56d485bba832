package overlay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/maauso/overlay-api/internal/geometry"
	"github.com/maauso/overlay-api/internal/library"
	"github.com/maauso/overlay-api/internal/preview"
	"github.com/maauso/overlay-api/internal/storage"
)

// Renderer draws overlay text onto a frame.
type Renderer interface {
	Measurer
	Render(frame image.Image, text string, pos geometry.Point, c color.Color) (*image.RGBA, error)
}

// ServiceConfig holds the optional settings of a Service.
type ServiceConfig struct {
	// PreviewMaxWidth bounds the width of rendered previews. Zero keeps the
	// frame's natural width.
	PreviewMaxWidth int
	// PreviewKeyPrefix is prepended to published preview object keys.
	PreviewKeyPrefix string
}

// Service is the use-case façade the HTTP layer talks to. It owns session
// lookup, upload spooling, library selection and preview publishing.
type Service struct {
	repo     Repository
	deps     Deps
	library  *library.Cache
	renderer Renderer
	store    storage.Storage
	logger   *slog.Logger
	cfg      ServiceConfig

	mu     sync.Mutex
	spools map[string]string // session ID -> spooled upload awaiting retry
}

// NewService creates a new Service. deps.Measurer defaults to renderer.
func NewService(repo Repository, deps Deps, cache *library.Cache, renderer Renderer, store storage.Storage, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}
	if deps.Measurer == nil && renderer != nil {
		deps.Measurer = renderer
	}
	if cfg.PreviewKeyPrefix == "" {
		cfg.PreviewKeyPrefix = "previews/"
	}
	return &Service{
		repo:     repo,
		deps:     deps,
		library:  cache,
		renderer: renderer,
		store:    store,
		logger:   logger,
		cfg:      cfg,
		spools:   make(map[string]string),
	}
}

// Create starts a new empty session.
func (s *Service) Create(ctx context.Context) (*Session, error) {
	sess := New(s.deps)

	if err := s.repo.Save(ctx, sess); err != nil {
		s.logger.Error("failed to save session",
			slog.String("session_id", sess.ID()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.logger.Info("session created", slog.String("session_id", sess.ID()))
	return sess, nil
}

// Get retrieves a session by ID.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	return s.repo.FindByID(ctx, id)
}

// Delete closes a session, releasing its frame, and removes it.
func (s *Service) Delete(ctx context.Context, id string) error {
	sess, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	sess.Close()
	s.dropSpool(ctx, id)

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("session deleted", slog.String("session_id", id))
	return nil
}

// Upload spools the file locally, rejects non-video content, and uploads it
// to the backend. The spool is kept until the upload succeeds so Retry can
// resend it.
func (s *Service) Upload(ctx context.Context, id, filename string, r io.Reader) (View, error) {
	sess, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return View{}, err
	}

	up, err := s.store.SaveUpload(ctx, filename, r)
	if err != nil {
		return View{}, err
	}
	s.setSpool(ctx, id, up.Path)

	s.logger.Info("upload spooled",
		slog.String("session_id", id),
		slog.String("content_type", up.ContentType),
		slog.Int64("size", up.Size),
	)

	view, err := sess.Upload(ctx, UploadFile{
		Name: up.Name,
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return s.store.Open(ctx, up.Path)
		},
	})
	if err == nil {
		s.dropSpool(ctx, id)
	}
	return view, err
}

// Select makes a library item the session's source. An unknown item triggers
// one catalog refresh before giving up.
func (s *Service) Select(ctx context.Context, id, mediaID string) (View, error) {
	sess, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return View{}, err
	}

	item, err := s.library.Select(mediaID)
	if errors.Is(err, library.ErrItemNotFound) {
		if _, refreshErr := s.library.Refresh(ctx); refreshErr == nil {
			item, err = s.library.Select(mediaID)
		}
	}
	if err != nil {
		return View{}, err
	}

	view, err := sess.SelectMedia(item)
	if err != nil {
		return view, err
	}
	// The session moved on, so a failed upload can no longer be retried.
	s.dropSpool(ctx, id)
	return view, nil
}

// RequestFrame loads the frame for the session's source.
func (s *Service) RequestFrame(ctx context.Context, id string) (View, error) {
	sess, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return View{}, err
	}
	return sess.RequestFrame(ctx)
}

// SetText replaces the overlay text.
func (s *Service) SetText(ctx context.Context, id, text string) (View, error) {
	sess, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return View{}, err
	}
	return sess.SetText(text)
}

// BeginDrag starts a drag gesture.
func (s *Service) BeginDrag(ctx context.Context, id string, pointer geometry.Point, box geometry.Rect) (View, error) {
	sess, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return View{}, err
	}
	return sess.BeginDrag(pointer, box)
}

// Drop ends a drag gesture.
func (s *Service) Drop(ctx context.Context, id string, pointer geometry.Point, box geometry.Rect) (View, error) {
	sess, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return View{}, err
	}
	return sess.Drop(pointer, box)
}

// Save composes the video and, on success, publishes a preview and
// refreshes the library so the output shows up there.
func (s *Service) Save(ctx context.Context, id string, in SaveInput) (View, error) {
	sess, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return View{}, err
	}

	view, err := sess.Save(ctx, in)
	if err != nil {
		return view, err
	}
	return s.afterSave(ctx, sess, view), nil
}

// Retry re-issues the failed call of a session.
func (s *Service) Retry(ctx context.Context, id string) (View, error) {
	sess, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return View{}, err
	}

	view, err := sess.Retry(ctx)
	if err != nil {
		return view, err
	}

	switch view.State {
	case StateVideoSelected:
		s.dropSpool(ctx, id)
	case StateSaved:
		view = s.afterSave(ctx, sess, view)
	}
	return view, nil
}

func (s *Service) afterSave(ctx context.Context, sess *Session, view View) View {
	s.logger.Info("video saved",
		slog.String("session_id", sess.ID()),
		slog.String("output_ref", view.OutputRef),
	)

	if url, err := s.publishPreview(ctx, sess); err != nil {
		if !errors.Is(err, storage.ErrS3NotConfigured) {
			s.logger.Warn("failed to publish preview",
				slog.String("session_id", sess.ID()),
				slog.String("error", err.Error()),
			)
		}
	} else {
		sess.SetPreviewURL(url)
	}

	if s.library != nil {
		// Failures are logged by the cache and the previous snapshot is kept.
		_, _ = s.library.Refresh(ctx)
	}

	return sess.Snapshot()
}

func (s *Service) publishPreview(ctx context.Context, sess *Session) (string, error) {
	if s.store == nil {
		return "", storage.ErrS3NotConfigured
	}
	data, err := s.renderPreview(sess)
	if err != nil {
		return "", err
	}
	return s.store.Publish(ctx, s.cfg.PreviewKeyPrefix+sess.ID()+".png", "image/png", bytes.NewReader(data))
}

// Preview renders the session's frame with the overlay drawn in, as PNG.
func (s *Service) Preview(ctx context.Context, id string) ([]byte, error) {
	sess, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.renderPreview(sess)
}

func (s *Service) renderPreview(sess *Session) ([]byte, error) {
	if s.renderer == nil {
		return nil, errors.New("overlay: no preview renderer configured")
	}

	frame, ok := sess.Frame()
	if !ok {
		return nil, ErrNoFrame
	}
	view := sess.Snapshot()
	if view.Position == nil {
		return nil, ErrNoFrame
	}

	img, err := s.renderer.Render(frame.Image.Image, view.Text, *view.Position, view.Color.RGBA())
	if err != nil {
		return nil, fmt.Errorf("overlay: render preview: %w", err)
	}
	return preview.EncodePNG(preview.Thumbnail(img, s.cfg.PreviewMaxWidth))
}

// ReapIdle closes and removes sessions that have not changed for longer than
// maxIdle, releasing their frames and spooled uploads. Sessions with a
// collaborator call in flight are skipped. It returns the number removed.
func (s *Service) ReapIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	sessions, err := s.repo.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxIdle)
	reaped := 0
	for _, sess := range sessions {
		if sess.UpdatedAt().After(cutoff) || sess.State().inFlight() {
			continue
		}
		if err := s.Delete(ctx, sess.ID()); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return reaped, err
		}
		reaped++
	}

	if reaped > 0 {
		s.logger.Info("idle sessions reaped",
			slog.Int("count", reaped),
			slog.Duration("max_idle", maxIdle),
		)
	}
	return reaped, nil
}

// RunJanitor calls ReapIdle every interval until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, maxIdle, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ReapIdle(ctx, maxIdle); err != nil {
				s.logger.Warn("failed to reap idle sessions", slog.String("error", err.Error()))
			}
		}
	}
}

// Library returns the cached catalog snapshot.
func (s *Service) Library() *library.Cache {
	return s.library
}

func (s *Service) setSpool(ctx context.Context, id, path string) {
	s.mu.Lock()
	prev := s.spools[id]
	s.spools[id] = path
	s.mu.Unlock()
	if prev != "" && prev != path {
		s.cleanup(ctx, prev)
	}
}

func (s *Service) dropSpool(ctx context.Context, id string) {
	s.mu.Lock()
	path := s.spools[id]
	delete(s.spools, id)
	s.mu.Unlock()
	if path != "" {
		s.cleanup(ctx, path)
	}
}

func (s *Service) cleanup(ctx context.Context, path string) {
	if err := s.store.Cleanup(context.WithoutCancel(ctx), []string{path}); err != nil {
		s.logger.Warn("failed to remove spooled upload",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
