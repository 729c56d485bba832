// Package overlay provides the Session aggregate: one editing pass that takes
// a video from upload or library selection, through frame extraction and text
// positioning, to a composed output video.
//
// Only frame extraction, upload and save call collaborators. Every other
// operation is a local state update guarded by the current state.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/maauso/overlay-api/internal/backend"
	"github.com/maauso/overlay-api/internal/contrast"
	"github.com/maauso/overlay-api/internal/framesource"
	"github.com/maauso/overlay-api/internal/geometry"
	"github.com/maauso/overlay-api/internal/library"
	"github.com/maauso/overlay-api/internal/overlay/id"
)

// State represents the lifecycle state of a Session.
type State string

const (
	// StateEmpty indicates no video has been chosen yet.
	StateEmpty State = "EMPTY"
	// StateUploading indicates a video upload is in flight.
	StateUploading State = "UPLOADING"
	// StateVideoSelected indicates a source is chosen but no frame is loaded.
	StateVideoSelected State = "VIDEO_SELECTED"
	// StateFrameLoading indicates frame extraction is in flight.
	StateFrameLoading State = "FRAME_LOADING"
	// StateFrameLoaded indicates a frame is available and text can be positioned.
	StateFrameLoaded State = "FRAME_LOADED"
	// StatePositioning indicates the overlay has been dragged at least once.
	StatePositioning State = "POSITIONING"
	// StateSaving indicates composition is in flight.
	StateSaving State = "SAVING"
	// StateSaved indicates the output video was composed.
	StateSaved State = "SAVED"
	// StateFailed indicates the last collaborator call failed.
	StateFailed State = "FAILED"
)

// Reason classifies a failure by the collaborator call that failed.
type Reason string

const (
	ReasonUpload          Reason = "upload"
	ReasonFrameExtraction Reason = "frame_extraction"
	ReasonSave            Reason = "save"
)

// Static errors returned by Session operations.
var (
	// ErrInvalidTransition is returned when an operation is not allowed in the current state.
	ErrInvalidTransition = errors.New("overlay: invalid state transition")
	// ErrOperationInProgress is returned when the same call is already in flight.
	ErrOperationInProgress = errors.New("overlay: operation already in progress")
	// ErrSuperseded is returned when a call's result arrives after the session moved on.
	ErrSuperseded = errors.New("overlay: result superseded by a newer selection")
	// ErrTextRequired is returned when saving without overlay text.
	ErrTextRequired = errors.New("overlay: text is required")
	// ErrUnsupportedMedia is returned when selecting a library item that has no frame.
	ErrUnsupportedMedia = errors.New("overlay: media type cannot be edited")
	// ErrNoVideoSource is returned when saving a session that only has a still image.
	ErrNoVideoSource = errors.New("overlay: no source video to compose into")
	// ErrNoFrame is returned when a frame is required but none is loaded.
	ErrNoFrame = errors.New("overlay: no frame loaded")
	// ErrSessionClosed is returned for any operation on a closed session.
	ErrSessionClosed = errors.New("overlay: session closed")
)

// validTransitions defines which state transitions are allowed. Uploading and
// selecting reset the session and are allowed from every state.
var validTransitions = map[State][]State{
	StateEmpty:         {StateUploading, StateVideoSelected},
	StateUploading:     {StateUploading, StateVideoSelected, StateFailed},
	StateVideoSelected: {StateUploading, StateVideoSelected, StateFrameLoading},
	StateFrameLoading:  {StateUploading, StateVideoSelected, StateFrameLoaded, StateFailed},
	StateFrameLoaded:   {StateUploading, StateVideoSelected, StatePositioning, StateSaving},
	StatePositioning:   {StateUploading, StateVideoSelected, StatePositioning, StateSaving},
	StateSaving:        {StateUploading, StateVideoSelected, StateSaved, StateFailed},
	StateSaved:         {StateUploading, StateVideoSelected},
	StateFailed:        {StateUploading, StateVideoSelected},
}

// inFlight reports whether a collaborator call is running in this state.
func (st State) inFlight() bool {
	return st == StateUploading || st == StateFrameLoading || st == StateSaving
}

// canTransition checks if a transition from one state to another is valid.
func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Backend is the part of the render backend a session calls directly.
type Backend interface {
	UploadVideo(ctx context.Context, filename string, r io.Reader) (backend.UploadResult, error)
	ComposeVideo(ctx context.Context, req backend.ComposeRequest) (backend.ComposeResult, error)
}

// Measurer returns the rendered extent of overlay text in image pixels.
type Measurer interface {
	Measure(text string) geometry.Size
}

// Deps are the collaborators of a Session.
type Deps struct {
	Backend  Backend
	Frames   framesource.Source
	Measurer Measurer // Optional: without it drops clamp to the last pixel
	// OutputRef returns the backend path for the next composed video.
	OutputRef func() string
	Logger    *slog.Logger
}

// UploadFile is a video the user picked. Open may be called more than once
// so a failed upload can be retried without the client resending the file.
type UploadFile struct {
	Name string
	Open func(ctx context.Context) (io.ReadCloser, error)
}

// SaveInput carries optional overrides applied right before composing.
type SaveInput struct {
	Text     *string
	Position *geometry.Point // Image space
	VideoRef string          // Source video for sessions resumed from a still
}

// Failure describes why a session is in StateFailed.
type Failure struct {
	Reason  Reason
	Message string
	At      time.Time
}

// Frame is an immutable decoded still owned by one session.
type Frame struct {
	Data        []byte
	Image       contrast.Image
	ContentType string
}

// Size returns the natural size of the frame.
func (f *Frame) Size() geometry.Size {
	return geometry.Size{Width: float64(f.Image.Width), Height: float64(f.Image.Height)}
}

// Session is the Overlay Session aggregate. It is safe for concurrent use;
// at most one collaborator call is in flight at a time.
type Session struct {
	mu sync.Mutex

	id        string
	deps      Deps
	logger    *slog.Logger
	createdAt time.Time
	updatedAt time.Time

	state      State
	sourceKind library.FileType
	mediaID    string
	videoRef   string
	stillRef   string
	upload     *UploadFile

	frame    *Frame
	text     string
	position geometry.Point
	color    contrast.TextColor
	extent   geometry.Size
	drag     *geometry.DragOffset

	saveVideoRef string
	outputRef    string
	message      string
	previewURL   string
	failure      *Failure
	retryFrom    State

	generation uint64
	cancel     context.CancelFunc
	closed     bool
}

// New creates an empty session with a generated ID.
func New(deps Deps) *Session {
	return NewWithID(id.Generate(), deps)
}

// NewWithID creates an empty session with the given ID.
func NewWithID(sessionID string, deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.OutputRef == nil {
		deps.OutputRef = func() string { return id.OutputRef("", time.Now()) }
	}
	now := time.Now()
	return &Session{
		id:        sessionID,
		deps:      deps,
		logger:    logger.With(slog.String("session_id", sessionID)),
		createdAt: now,
		updatedAt: now,
		state:     StateEmpty,
		color:     contrast.DefaultColor,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transitionLocked moves to the given state. Callers hold s.mu.
func (s *Session) transitionLocked(to State) error {
	if s.closed {
		return ErrSessionClosed
	}
	if !canTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	s.updatedAt = time.Now()
	return nil
}

// resetLocked discards everything derived from the previous source and
// invalidates any in-flight call. Typed text survives a reset.
func (s *Session) resetLocked() {
	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.sourceKind = ""
	s.mediaID = ""
	s.videoRef = ""
	s.stillRef = ""
	s.upload = nil
	s.frame = nil
	s.position = geometry.Point{}
	s.color = contrast.DefaultColor
	s.drag = nil
	s.saveVideoRef = ""
	s.outputRef = ""
	s.message = ""
	s.previewURL = ""
	s.failure = nil
	s.retryFrom = ""
}

// beginCallLocked starts a collaborator call bound to the current generation.
func (s *Session) beginCallLocked(ctx context.Context) (context.Context, uint64) {
	callCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	return callCtx, s.generation
}

// endCallLocked reports whether a call started at gen may still apply its
// result, and releases its context.
func (s *Session) endCallLocked(gen uint64) bool {
	if gen != s.generation || s.closed {
		return false
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return true
}

// failLocked records a collaborator failure and moves to StateFailed.
func (s *Session) failLocked(reason Reason, retryFrom State, err error) error {
	s.failure = &Failure{
		Reason:  reason,
		Message: backend.Message(err),
		At:      time.Now(),
	}
	s.retryFrom = retryFrom
	s.state = StateFailed
	s.updatedAt = time.Now()

	s.logger.Warn("session operation failed",
		slog.String("reason", string(reason)),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("overlay: %s failed: %w", reason, err)
}

// Upload sends a new video to the backend. It resets the session from any
// state; on success the uploaded video becomes the source.
func (s *Session) Upload(ctx context.Context, file UploadFile) (View, error) {
	if file.Open == nil {
		return View{}, fmt.Errorf("%w: upload file has no content", ErrInvalidTransition)
	}

	s.mu.Lock()
	if err := s.transitionLocked(StateUploading); err != nil {
		s.mu.Unlock()
		return View{}, err
	}
	s.resetLocked()
	s.upload = &file
	callCtx, gen := s.beginCallLocked(ctx)
	s.mu.Unlock()

	s.logger.Info("uploading video", slog.String("filename", file.Name))
	res, err := s.sendUpload(callCtx, file)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.endCallLocked(gen) {
		s.logger.Debug("dropping superseded upload result")
		return s.viewLocked(), ErrSuperseded
	}
	if err != nil {
		return s.viewLocked(), s.failLocked(ReasonUpload, StateUploading, err)
	}

	s.sourceKind = library.FileTypeVideo
	s.videoRef = res.VideoRef
	s.message = res.Message
	s.state = StateVideoSelected
	s.updatedAt = time.Now()
	return s.viewLocked(), nil
}

func (s *Session) sendUpload(ctx context.Context, file UploadFile) (backend.UploadResult, error) {
	rc, err := file.Open(ctx)
	if err != nil {
		return backend.UploadResult{}, fmt.Errorf("%w: open upload: %w", backend.ErrUpload, err)
	}
	defer func() { _ = rc.Close() }()
	return s.deps.Backend.UploadVideo(ctx, file.Name, rc)
}

// SelectMedia makes a library item the session's source, resetting the
// session from any state. Videos are extracted by RequestFrame; images are
// previously extracted frames and are fetched as they are.
func (s *Session) SelectMedia(item library.MediaItem) (View, error) {
	if item.FileType != library.FileTypeVideo && item.FileType != library.FileTypeImage {
		return View{}, fmt.Errorf("%w: %s", ErrUnsupportedMedia, item.FileType)
	}
	if strings.TrimSpace(item.FilePath) == "" {
		return View{}, fmt.Errorf("%w: empty file path", ErrUnsupportedMedia)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StateVideoSelected); err != nil {
		return View{}, err
	}
	s.resetLocked()
	s.sourceKind = item.FileType
	s.mediaID = item.ID
	if item.FileType == library.FileTypeVideo {
		s.videoRef = item.FilePath
	} else {
		s.stillRef = item.FilePath
	}
	return s.viewLocked(), nil
}

// RequestFrame loads the still for the current source and derives the text
// color from it. A frame that cannot be decoded fails the load and keeps the
// previous color.
func (s *Session) RequestFrame(ctx context.Context) (View, error) {
	s.mu.Lock()
	if s.state == StateFrameLoading {
		s.mu.Unlock()
		return View{}, ErrOperationInProgress
	}
	if err := s.transitionLocked(StateFrameLoading); err != nil {
		s.mu.Unlock()
		return View{}, err
	}
	s.failure = nil
	kind, videoRef, stillRef := s.sourceKind, s.videoRef, s.stillRef
	callCtx, gen := s.beginCallLocked(ctx)
	s.mu.Unlock()

	var (
		data []byte
		err  error
	)
	if kind == library.FileTypeImage {
		data, err = s.deps.Frames.FetchStill(callCtx, stillRef)
	} else {
		data, err = s.deps.Frames.ExtractFrame(callCtx, videoRef)
	}

	var (
		textColor contrast.TextColor
		img       contrast.Image
	)
	if err == nil {
		textColor, img, err = contrast.Analyze(data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.endCallLocked(gen) {
		s.logger.Debug("dropping superseded frame", slog.String("video_ref", videoRef))
		return s.viewLocked(), ErrSuperseded
	}
	if err != nil {
		return s.viewLocked(), s.failLocked(ReasonFrameExtraction, StateVideoSelected, err)
	}

	s.frame = &Frame{
		Data:        data,
		Image:       img,
		ContentType: "image/" + img.Format,
	}
	s.color = textColor
	s.drag = nil
	s.extent = s.measure(s.text)
	s.position = geometry.Clamp(geometry.Point{}, s.frame.Size(), s.extent)
	s.state = StateFrameLoaded
	s.updatedAt = time.Now()

	s.logger.Info("frame loaded",
		slog.Int("width", img.Width),
		slog.Int("height", img.Height),
		slog.String("color", string(textColor)),
	)
	return s.viewLocked(), nil
}

// SetText replaces the overlay text. With a frame loaded the position is
// re-clamped so the new extent stays inside the image.
func (s *Session) SetText(text string) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return View{}, ErrSessionClosed
	}
	if s.state == StateSaving {
		return View{}, fmt.Errorf("%w: text is locked while saving", ErrOperationInProgress)
	}

	s.text = text
	s.extent = s.measure(text)
	if s.frame != nil {
		s.position = geometry.Clamp(s.position, s.frame.Size(), s.extent)
	}
	s.updatedAt = time.Now()
	return s.viewLocked(), nil
}

// BeginDrag captures the grab offset for a new drag gesture. pointer and box
// are display-space values reported by the client.
func (s *Session) BeginDrag(pointer geometry.Point, box geometry.Rect) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		if s.closed {
			return View{}, ErrSessionClosed
		}
		return View{}, fmt.Errorf("%w: %w", ErrInvalidTransition, ErrNoFrame)
	}
	if s.state != StateFrameLoaded && s.state != StatePositioning {
		return View{}, fmt.Errorf("%w: cannot drag in %s", ErrInvalidTransition, s.state)
	}

	offset, err := geometry.BeginDrag(pointer, s.position, box, s.frame.Size())
	if err != nil {
		return View{}, err
	}
	if err := s.transitionLocked(StatePositioning); err != nil {
		return View{}, err
	}
	s.drag = &offset
	return s.viewLocked(), nil
}

// Drop moves the overlay to where the pointer was released. Without a prior
// BeginDrag the overlay's corner follows the pointer.
func (s *Session) Drop(pointer geometry.Point, box geometry.Rect) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		if s.closed {
			return View{}, ErrSessionClosed
		}
		return View{}, fmt.Errorf("%w: %w", ErrInvalidTransition, ErrNoFrame)
	}
	if s.state != StateFrameLoaded && s.state != StatePositioning {
		return View{}, fmt.Errorf("%w: cannot drop in %s", ErrInvalidTransition, s.state)
	}

	var offset geometry.DragOffset
	if s.drag != nil {
		offset = *s.drag
	}
	pos, err := geometry.OnDrop(pointer, offset, box, s.frame.Size(), s.extent)
	if err != nil {
		return View{}, err
	}
	if err := s.transitionLocked(StatePositioning); err != nil {
		return View{}, err
	}
	s.position = pos
	s.drag = nil
	return s.viewLocked(), nil
}

// Save composes the overlay into the source video. A second Save while one
// is in flight is rejected. On failure text and position are kept for Retry.
func (s *Session) Save(ctx context.Context, in SaveInput) (View, error) {
	s.mu.Lock()
	if s.state == StateSaving {
		s.mu.Unlock()
		return View{}, ErrOperationInProgress
	}
	if s.closed {
		s.mu.Unlock()
		return View{}, ErrSessionClosed
	}
	if s.frame == nil || !canTransition(s.state, StateSaving) {
		st := s.state
		s.mu.Unlock()
		return View{}, fmt.Errorf("%w: cannot save in %s", ErrInvalidTransition, st)
	}

	text := s.text
	if in.Text != nil {
		text = *in.Text
	}
	if strings.TrimSpace(text) == "" {
		s.mu.Unlock()
		return View{}, ErrTextRequired
	}
	videoRef := s.videoRef
	if videoRef == "" {
		videoRef = strings.TrimSpace(in.VideoRef)
	}
	if videoRef == "" {
		s.mu.Unlock()
		return View{}, ErrNoVideoSource
	}

	if text != s.text {
		s.text = text
		s.extent = s.measure(text)
		s.position = geometry.Clamp(s.position, s.frame.Size(), s.extent)
	}
	if in.Position != nil {
		s.position = geometry.Clamp(*in.Position, s.frame.Size(), s.extent)
	}
	_ = s.transitionLocked(StateSaving)
	s.saveVideoRef = videoRef
	s.failure = nil
	req := backend.ComposeRequest{
		VideoRef:  videoRef,
		Text:      s.text,
		Position:  s.position,
		OutputRef: s.deps.OutputRef(),
	}
	callCtx, gen := s.beginCallLocked(ctx)
	s.mu.Unlock()

	s.logger.Info("composing video",
		slog.String("video_ref", req.VideoRef),
		slog.String("output_ref", req.OutputRef),
		slog.Float64("x", req.Position.X),
		slog.Float64("y", req.Position.Y),
	)
	res, err := s.deps.Backend.ComposeVideo(callCtx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.endCallLocked(gen) {
		s.logger.Debug("dropping superseded save result")
		return s.viewLocked(), ErrSuperseded
	}
	if err != nil {
		return s.viewLocked(), s.failLocked(ReasonSave, StatePositioning, err)
	}

	s.outputRef = res.OutputRef
	s.message = res.Message
	s.state = StateSaved
	s.updatedAt = time.Now()
	return s.viewLocked(), nil
}

// Retry returns a failed session to the state before the failure and
// re-issues the failed call with the same inputs.
func (s *Session) Retry(ctx context.Context) (View, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return View{}, ErrSessionClosed
	}
	if s.state != StateFailed || s.failure == nil {
		st := s.state
		s.mu.Unlock()
		return View{}, fmt.Errorf("%w: nothing to retry in %s", ErrInvalidTransition, st)
	}

	reason := s.failure.Reason
	upload := s.upload
	saveRef := s.saveVideoRef
	s.logger.Info("retrying", slog.String("reason", string(reason)))

	switch reason {
	case ReasonUpload:
		s.mu.Unlock()
		if upload == nil {
			return View{}, fmt.Errorf("%w: upload is no longer available", ErrInvalidTransition)
		}
		return s.Upload(ctx, *upload)
	case ReasonFrameExtraction:
		s.state = s.retryFrom
		s.mu.Unlock()
		return s.RequestFrame(ctx)
	default:
		s.state = s.retryFrom
		s.mu.Unlock()
		return s.Save(ctx, SaveInput{VideoRef: saveRef})
	}
}

// SetPreviewURL records where a rendered preview of the saved overlay was
// published.
func (s *Session) SetPreviewURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previewURL = url
}

// Frame returns the loaded frame. The returned value must not be modified.
func (s *Session) Frame() (*Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.frame != nil
}

// Close cancels any in-flight call and releases the frame.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.frame = nil
	s.upload = nil
	s.drag = nil
	s.closed = true
	s.updatedAt = time.Now()
}

// UpdatedAt returns when the session last changed.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

func (s *Session) measure(text string) geometry.Size {
	if s.deps.Measurer == nil || text == "" {
		return geometry.Size{}
	}
	return s.deps.Measurer.Measure(text)
}
