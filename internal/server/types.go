// Package server provides the HTTP API of the overlay editor.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/maauso/overlay-api/internal/geometry"
	"github.com/maauso/overlay-api/internal/library"
	"github.com/maauso/overlay-api/internal/overlay"
)

// PointDTO is a 2-D point in the JSON API.
type PointDTO struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p PointDTO) toPoint() geometry.Point {
	return geometry.Point{X: p.X, Y: p.Y}
}

// RectDTO is the on-screen bounding box of the displayed frame.
type RectDTO struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width" validate:"gt=0"`
	Height float64 `json:"height" validate:"gt=0"`
}

func (r RectDTO) toRect() geometry.Rect {
	return geometry.Rect{Left: r.Left, Top: r.Top, Width: r.Width, Height: r.Height}
}

// SizeDTO is a width and height in image pixels.
type SizeDTO struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// SelectRequest is the HTTP request body for selecting a library item.
type SelectRequest struct {
	// MediaID is the library item ID.
	MediaID string `json:"media_id" validate:"required"`
}

// TextRequest is the HTTP request body for replacing the overlay text.
type TextRequest struct {
	// Text is the new overlay text. An empty string clears it.
	Text *string `json:"text" validate:"required"`
}

// DragRequest is the HTTP request body for drag begin and drop events.
// Both values are in display space.
type DragRequest struct {
	Pointer *PointDTO `json:"pointer" validate:"required"`
	Box     *RectDTO  `json:"box" validate:"required"`
}

// SaveRequest is the optional HTTP request body for saving.
type SaveRequest struct {
	// Text overrides the session text when set.
	Text *string `json:"text,omitempty"`
	// Position overrides the overlay position (image space) when set.
	Position *PointDTO `json:"position,omitempty"`
	// VideoRef names the source video for sessions started from a still.
	VideoRef string `json:"video_ref,omitempty" validate:"omitempty,max=1024"`
}

// FailureDTO describes why a session failed.
type FailureDTO struct {
	Reason  string    `json:"reason"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// SessionResponse is the HTTP representation of a session.
type SessionResponse struct {
	ID         string      `json:"id"`
	State      string      `json:"state"`
	SourceKind string      `json:"source_kind,omitempty"`
	MediaID    string      `json:"media_id,omitempty"`
	VideoRef   string      `json:"video_ref,omitempty"`
	StillRef   string      `json:"still_ref,omitempty"`
	Text       string      `json:"text"`
	TextExtent SizeDTO     `json:"text_extent"`
	Color      string      `json:"color"`
	Position   *PointDTO   `json:"position,omitempty"`
	FrameSize  *SizeDTO    `json:"frame_size,omitempty"`
	Dragging   bool        `json:"dragging"`
	OutputRef  string      `json:"output_ref,omitempty"`
	Message    string      `json:"message,omitempty"`
	PreviewURL string      `json:"preview_url,omitempty"`
	Failure    *FailureDTO `json:"failure,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

func toSessionResponse(v overlay.View) SessionResponse {
	resp := SessionResponse{
		ID:         v.ID,
		State:      string(v.State),
		SourceKind: string(v.SourceKind),
		MediaID:    v.MediaID,
		VideoRef:   v.VideoRef,
		StillRef:   v.StillRef,
		Text:       v.Text,
		TextExtent: SizeDTO{Width: v.TextExtent.Width, Height: v.TextExtent.Height},
		Color:      string(v.Color),
		Dragging:   v.Dragging,
		OutputRef:  v.OutputRef,
		Message:    v.Message,
		PreviewURL: v.PreviewURL,
		CreatedAt:  v.CreatedAt,
		UpdatedAt:  v.UpdatedAt,
	}
	if v.Position != nil {
		resp.Position = &PointDTO{X: v.Position.X, Y: v.Position.Y}
	}
	if v.FrameSize != nil {
		resp.FrameSize = &SizeDTO{Width: v.FrameSize.Width, Height: v.FrameSize.Height}
	}
	if v.Failure != nil {
		resp.Failure = &FailureDTO{
			Reason:  string(v.Failure.Reason),
			Message: v.Failure.Message,
			At:      v.Failure.At,
		}
	}
	return resp
}

// MediaItemDTO is a library entry.
type MediaItemDTO struct {
	ID         string     `json:"id"`
	FileType   string     `json:"file_type"`
	FilePath   string     `json:"file_path"`
	UploadTime *time.Time `json:"upload_time,omitempty"`
}

// LibraryResponse is the HTTP response for the library snapshot.
type LibraryResponse struct {
	Items       []MediaItemDTO `json:"items"`
	Loaded      bool           `json:"loaded"`
	RefreshedAt *time.Time     `json:"refreshed_at,omitempty"`
	// LastError is the message of the last failed refresh, if any.
	LastError string `json:"last_error,omitempty"`
}

func toLibraryResponse(c *library.Cache) LibraryResponse {
	items := c.Items()
	resp := LibraryResponse{
		Items:     make([]MediaItemDTO, 0, len(items)),
		Loaded:    c.Loaded(),
		LastError: c.LastError(),
	}
	for _, it := range items {
		dto := MediaItemDTO{ID: it.ID, FileType: string(it.FileType), FilePath: it.FilePath}
		if !it.UploadTime.IsZero() {
			t := it.UploadTime
			dto.UploadTime = &t
		}
		resp.Items = append(resp.Items, dto)
	}
	if at := c.RefreshedAt(); !at.IsZero() {
		resp.RefreshedAt = &at
	}
	return resp
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
	// Session is the session after a failed collaborator call, when known.
	Session *SessionResponse `json:"session,omitempty"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
