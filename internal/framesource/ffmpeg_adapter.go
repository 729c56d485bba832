package framesource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/maauso/overlay-api/internal/backend"
	"github.com/maauso/overlay-api/internal/media"
)

// FFmpegSource extracts frames locally. Backend refs such as
// "uploads/clip.mp4" are resolved under root, which must be the directory
// the backend stores its media in.
type FFmpegSource struct {
	root      string
	extractor frameExtractor
}

type frameExtractor interface {
	ExtractFirstFrame(ctx context.Context, videoPath string) ([]byte, error)
	GetVideoDimensions(ctx context.Context, path string) (width, height int, err error)
}

// NewFFmpegSource creates a local frame source rooted at mediaRoot.
func NewFFmpegSource(mediaRoot string, extractor frameExtractor) (*FFmpegSource, error) {
	if strings.TrimSpace(mediaRoot) == "" {
		return nil, errors.New("framesource: media root is required")
	}
	abs, err := filepath.Abs(mediaRoot)
	if err != nil {
		return nil, fmt.Errorf("framesource: resolve media root: %w", err)
	}
	// Refs are compared against the real root once their links are followed.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &FFmpegSource{root: abs, extractor: extractor}, nil
}

// ExtractFrame decodes the first frame of the video at videoRef.
func (s *FFmpegSource) ExtractFrame(ctx context.Context, videoRef string) ([]byte, error) {
	path, err := s.resolve(videoRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrFrameExtraction, err)
	}

	// Files without a video stream are rejected before decoding.
	w, h, err := s.extractor.GetVideoDimensions(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %s: %w", backend.ErrFrameExtraction, ErrNoVideoStream, videoRef, err)
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: %w: %s", backend.ErrFrameExtraction, ErrNoVideoStream, videoRef)
	}

	data, err := s.extractor.ExtractFirstFrame(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg source extract: %w", backend.ErrFrameExtraction, err)
	}
	return data, nil
}

// FetchStill reads an image file under the media root.
func (s *FFmpegSource) FetchStill(_ context.Context, ref string) ([]byte, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrFrameExtraction, err)
	}

	data, err := os.ReadFile(path) // #nosec G304 - path is confined to the media root
	if err != nil {
		return nil, fmt.Errorf("%w: read still: %w", backend.ErrFrameExtraction, err)
	}
	return data, nil
}

// resolve maps a ref onto an existing regular file inside the root. Symlinks
// are followed, so a link under the root cannot point outside it.
func (s *FFmpegSource) resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", backend.ErrVideoRefRequired
	}

	path := filepath.Join(s.root, filepath.FromSlash(strings.TrimLeft(ref, "/")))
	if !s.within(path) {
		return "", fmt.Errorf("%w: %s", ErrOutsideMediaRoot, ref)
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrMediaNotFound, ref)
		}
		return "", fmt.Errorf("framesource: resolve %s: %w", ref, err)
	}
	if !s.within(resolved) {
		return "", fmt.Errorf("%w: %s", ErrOutsideMediaRoot, ref)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("framesource: stat %s: %w", ref, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a file", ErrMediaNotFound, ref)
	}
	return resolved, nil
}

func (s *FFmpegSource) within(path string) bool {
	rel, err := filepath.Rel(s.root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Compile-time checks.
var (
	_ Source         = (*FFmpegSource)(nil)
	_ frameExtractor = (*media.FFmpegProcessor)(nil)
)
