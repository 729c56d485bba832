// Package framesource provides the common interface for obtaining the still
// frame an overlay is positioned on. The render backend and a local ffmpeg
// install both implement it.
package framesource

import (
	"context"
	"errors"
)

// Kind names a frame source implementation.
type Kind string

// Supported frame sources.
const (
	KindBackend Kind = "backend" // Frames are extracted by the render backend
	KindFFmpeg  Kind = "ffmpeg"  // Frames are extracted locally from MEDIA_ROOT
)

// IsValid returns true if k is a known frame source.
func (k Kind) IsValid() bool {
	return k == KindBackend || k == KindFFmpeg
}

// Static errors shared by the adapters.
var (
	// ErrMediaNotFound is returned when a local media ref does not exist.
	ErrMediaNotFound = errors.New("framesource: media not found")
	// ErrOutsideMediaRoot is returned when a ref resolves outside the media root.
	ErrOutsideMediaRoot = errors.New("framesource: ref escapes media root")
	// ErrNoVideoStream is returned when ffprobe finds no usable video stream.
	ErrNoVideoStream = errors.New("framesource: no video stream")
)

// Source produces encoded still images for the overlay editor.
type Source interface {
	// ExtractFrame returns the representative frame of a video ref.
	ExtractFrame(ctx context.Context, videoRef string) ([]byte, error)

	// FetchStill returns an already extracted image, e.g. a library item of
	// type image.
	FetchStill(ctx context.Context, ref string) ([]byte, error)
}
