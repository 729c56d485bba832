package overlay

import (
	"time"

	"github.com/maauso/overlay-api/internal/contrast"
	"github.com/maauso/overlay-api/internal/geometry"
	"github.com/maauso/overlay-api/internal/library"
)

// View is an immutable snapshot of a Session for rendering by a client.
type View struct {
	ID         string
	State      State
	SourceKind library.FileType
	MediaID    string
	VideoRef   string
	StillRef   string

	Text       string
	TextExtent geometry.Size
	Color      contrast.TextColor
	// Position and FrameSize are nil until a frame is loaded.
	Position  *geometry.Point
	FrameSize *geometry.Size
	Dragging  bool

	OutputRef  string
	Message    string
	PreviewURL string
	Failure    *Failure
	Closed     bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasFrame reports whether the snapshot was taken with a frame loaded.
func (v View) HasFrame() bool {
	return v.FrameSize != nil
}

// Snapshot returns the current read model.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() View {
	v := View{
		ID:         s.id,
		State:      s.state,
		SourceKind: s.sourceKind,
		MediaID:    s.mediaID,
		VideoRef:   s.videoRef,
		StillRef:   s.stillRef,
		Text:       s.text,
		TextExtent: s.extent,
		Color:      s.color,
		Dragging:   s.drag != nil,
		OutputRef:  s.outputRef,
		Message:    s.message,
		PreviewURL: s.previewURL,
		Closed:     s.closed,
		CreatedAt:  s.createdAt,
		UpdatedAt:  s.updatedAt,
	}
	if s.frame != nil {
		pos := s.position
		size := s.frame.Size()
		v.Position = &pos
		v.FrameSize = &size
	}
	if s.failure != nil {
		f := *s.failure
		v.Failure = &f
	}
	return v
}
