// Package backend provides an HTTP client for the video-maker render backend:
// video upload, frame extraction, media library listing and text composition.
package backend

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/maauso/overlay-api/internal/geometry"
	"github.com/maauso/overlay-api/internal/library"
)

// UploadResult is the typed outcome of a successful upload.
type UploadResult struct {
	VideoRef string // Backend path of the stored video, used as the session's source ref
	Message  string // Human-readable message for display
}

// ComposeRequest describes a text overlay to burn into a video.
// Position is in image space (natural frame pixels).
type ComposeRequest struct {
	VideoRef  string
	Text      string
	Position  geometry.Point
	OutputRef string
}

// ComposeResult is the typed outcome of a successful composition.
type ComposeResult struct {
	OutputRef string // Backend path of the rendered video
	Message   string
}

// uploadResponse is the body returned by POST /api/upload_video.
type uploadResponse struct {
	Message   string `json:"message"`
	VideoPath string `json:"video_path"`
	Error     string `json:"error,omitempty"`
}

// textPosition is the wire form of an overlay position, in whole pixels.
type textPosition struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func toTextPosition(p geometry.Point) textPosition {
	return textPosition{X: int(math.Round(p.X)), Y: int(math.Round(p.Y))}
}

// saveRequest is the body sent to POST /api/save_video.
type saveRequest struct {
	VideoPath    string       `json:"video_path"`
	Text         string       `json:"text"`
	TextPosition textPosition `json:"text_position"`
	OutputPath   string       `json:"output_path"`
}

// saveResponse is the body returned by POST /api/save_video.
type saveResponse struct {
	Message   string `json:"message"`
	VideoPath string `json:"video_path,omitempty"`
	Error     string `json:"error,omitempty"`
}

// errorResponse is the error body the backend returns on non-2xx responses.
type errorResponse struct {
	Error string `json:"error"`
}

// libraryEntry is one row of GET /api/library. The backend emits numeric
// IDs and RFC 1123 timestamps.
type libraryEntry struct {
	ID         flexibleID `json:"id"`
	FileType   string     `json:"file_type"`
	FilePath   string     `json:"file_path"`
	UploadTime string     `json:"upload_time,omitempty"`
}

// toMediaItem validates the entry and converts it. ok is false for rows that
// cannot be offered to the editor.
func (e libraryEntry) toMediaItem() (library.MediaItem, bool) {
	ft := library.FileType(strings.ToLower(strings.TrimSpace(e.FileType)))
	if e.ID == "" || e.FilePath == "" || !ft.IsValid() {
		return library.MediaItem{}, false
	}
	return library.MediaItem{
		ID:         string(e.ID),
		FileType:   ft,
		FilePath:   e.FilePath,
		UploadTime: parseUploadTime(e.UploadTime),
	}, true
}

func parseUploadTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := http.ParseTime(s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

// flexibleID accepts both JSON numbers and strings.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("backend: id must be a string or number: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*f = flexibleID(strconv.FormatInt(i, 10))
		return nil
	}
	*f = flexibleID(n.String())
	return nil
}
