package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrS3NotConfigured is returned when publishing is attempted without S3.
	ErrS3NotConfigured = errors.New("storage: S3 is not configured")
	// ErrNotAVideo is returned when an upload is not recognised as a video.
	ErrNotAVideo = errors.New("storage: upload is not a video")
	// ErrEmptyUpload is returned when an upload has no content.
	ErrEmptyUpload = errors.New("storage: upload is empty")
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// LocalStorage implements Storage on local disk. Publish is not supported
// unless wrapped by S3Storage.
type LocalStorage struct {
	tempDir string
}

// NewLocalStorage creates a new LocalStorage instance.
// If tempDir is empty, a directory under os.TempDir() is used.
// The directory is created if it doesn't exist.
func NewLocalStorage(tempDir string) (*LocalStorage, error) {
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "overlay-api")
	}

	if err := os.MkdirAll(tempDir, 0750); err != nil {
		return nil, fmt.Errorf("create temp directory: %w", err)
	}

	return &LocalStorage{tempDir: tempDir}, nil
}

// TempDir returns the temporary directory path.
func (s *LocalStorage) TempDir() string {
	return s.tempDir
}

// SaveUpload writes data to a uniquely named file in the temp directory and
// checks that it is a video.
func (s *LocalStorage) SaveUpload(ctx context.Context, name string, data io.Reader) (Upload, error) {
	select {
	case <-ctx.Done():
		return Upload{}, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	base := sanitizeName(name)
	f, err := os.CreateTemp(s.tempDir, "upload_*_"+base)
	if err != nil {
		return Upload{}, fmt.Errorf("create temp file: %w", err)
	}

	fileName := f.Name()
	size, err := io.Copy(f, data)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(fileName)
		return Upload{}, fmt.Errorf("write temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(fileName)
		return Upload{}, fmt.Errorf("close temp file: %w", err)
	}

	if size == 0 {
		_ = os.Remove(fileName)
		return Upload{}, ErrEmptyUpload
	}

	mt, err := mimetype.DetectFile(fileName)
	if err != nil {
		_ = os.Remove(fileName)
		return Upload{}, fmt.Errorf("detect content type: %w", err)
	}
	if !IsVideo(mt) {
		_ = os.Remove(fileName)
		return Upload{}, fmt.Errorf("%w: detected %s", ErrNotAVideo, mt.String())
	}

	return Upload{
		Path:        fileName,
		Name:        base,
		ContentType: mt.String(),
		Size:        size,
	}, nil
}

// Open reopens a spooled file.
func (s *LocalStorage) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	f, err := os.Open(path) // #nosec G304 - path is returned by SaveUpload
	if err != nil {
		return nil, fmt.Errorf("open temp file: %w", err)
	}

	return f, nil
}

// Cleanup removes the specified files, returning the first error encountered.
func (s *LocalStorage) Cleanup(ctx context.Context, paths []string) error {
	var firstErr error
	for _, p := range paths {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove temp file %s: %w", p, err)
			}
		}
	}
	return firstErr
}

// Publish is not supported by LocalStorage and returns ErrS3NotConfigured.
func (s *LocalStorage) Publish(_ context.Context, _, _ string, _ io.Reader) (string, error) {
	return "", ErrS3NotConfigured
}

// IsVideo reports whether mt or one of its parents is a video type.
func IsVideo(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "video/") {
			return true
		}
	}
	return false
}

// DetectImageType returns the MIME type of encoded image data, falling back
// to application/octet-stream.
func DetectImageType(data []byte) string {
	mt := mimetype.Detect(data)
	if strings.HasPrefix(mt.String(), "image/") {
		return mt.String()
	}
	return "application/octet-stream"
}

func sanitizeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = unsafeName.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "video.mp4"
	}
	if len(name) > 100 {
		name = name[len(name)-100:]
	}
	return name
}

// Compile-time check that LocalStorage implements Storage.
var _ Storage = (*LocalStorage)(nil)
