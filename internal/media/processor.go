// Package media provides local video inspection using the ffmpeg toolchain.
package media

import "context"

// Processor defines the local video operations used when frames are
// extracted in-process rather than by the render backend.
type Processor interface {
	// ExtractFirstFrame returns the first video frame of videoPath as PNG bytes.
	ExtractFirstFrame(ctx context.Context, videoPath string) ([]byte, error)

	// GetVideoDimensions returns the natural size of the first video stream.
	GetVideoDimensions(ctx context.Context, path string) (width, height int, err error)
}

// Compile-time check that FFmpegProcessor implements Processor.
var _ Processor = (*FFmpegProcessor)(nil)
