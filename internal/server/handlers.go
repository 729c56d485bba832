package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/overlay-api/internal/backend"
	"github.com/maauso/overlay-api/internal/overlay"
	"github.com/maauso/overlay-api/internal/storage"
)

// DefaultMaxUploadBytes is the upload size limit when none is configured.
const DefaultMaxUploadBytes = 512 << 20

// uploadField is the multipart field carrying the video.
const uploadField = "video"

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service        *overlay.Service
	validator      *validator.Validate
	logger         *slog.Logger
	maxUploadBytes int64
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithMaxUploadBytes sets the largest accepted upload request body.
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *Handlers) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service *overlay.Service, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:        service,
		validator:      validator.New(),
		logger:         logger,
		maxUploadBytes: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateSession handles POST /sessions requests.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.Create(r.Context())
	if err != nil {
		h.logger.Error("failed to create session", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create session", "SESSION_CREATION_FAILED")
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess.Snapshot()))
}

// GetSession handles GET /sessions/{id} requests.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess.Snapshot()))
}

// DeleteSession handles DELETE /sessions/{id} requests.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Upload handles POST /sessions/{id}/upload requests. The video is streamed
// from the multipart field "video" without buffering the form in memory.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.service.Get(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart/form-data body", "VALIDATION_ERROR")
		return
	}

	part, err := findPart(mr, uploadField)
	if err != nil {
		if isTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit", "UPLOAD_TOO_LARGE")
			return
		}
		writeError(w, http.StatusBadRequest, "no video file provided", "VALIDATION_ERROR")
		return
	}
	defer func() { _ = part.Close() }()

	view, err := h.service.Upload(r.Context(), id, part.FileName(), part)
	if err != nil {
		h.writeServiceError(w, r, err, &view)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(view))
}

// findPart advances mr to the part named field.
func findPart(mr *multipart.Reader, field string) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == field {
			return part, nil
		}
		_ = part.Close()
	}
}

// Select handles POST /sessions/{id}/select requests.
func (h *Handlers) Select(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	view, err := h.service.Select(r.Context(), r.PathValue("id"), req.MediaID)
	h.respond(w, r, view, err)
}

// RequestFrame handles POST /sessions/{id}/frame requests.
func (h *Handlers) RequestFrame(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.RequestFrame(r.Context(), r.PathValue("id"))
	h.respond(w, r, view, err)
}

// GetFrame handles GET /sessions/{id}/frame requests. It serves the frame
// bytes exactly as they were loaded.
func (h *Handlers) GetFrame(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}

	frame, ok := sess.Frame()
	if !ok {
		h.writeServiceError(w, r, overlay.ErrNoFrame, nil)
		return
	}

	contentType := frame.ContentType
	if contentType == "" || contentType == "image/" {
		contentType = storage.DetectImageType(frame.Data)
	}
	writeBytes(w, contentType, frame.Data)
}

// GetPreview handles GET /sessions/{id}/preview requests.
func (h *Handlers) GetPreview(w http.ResponseWriter, r *http.Request) {
	data, err := h.service.Preview(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err, nil)
		return
	}
	writeBytes(w, "image/png", data)
}

// SetText handles PUT /sessions/{id}/text requests.
func (h *Handlers) SetText(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	view, err := h.service.SetText(r.Context(), r.PathValue("id"), *req.Text)
	h.respond(w, r, view, err)
}

// BeginDrag handles POST /sessions/{id}/drag/begin requests.
func (h *Handlers) BeginDrag(w http.ResponseWriter, r *http.Request) {
	var req DragRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	view, err := h.service.BeginDrag(r.Context(), r.PathValue("id"), req.Pointer.toPoint(), req.Box.toRect())
	h.respond(w, r, view, err)
}

// Drop handles POST /sessions/{id}/drag/drop requests.
func (h *Handlers) Drop(w http.ResponseWriter, r *http.Request) {
	var req DragRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	view, err := h.service.Drop(r.Context(), r.PathValue("id"), req.Pointer.toPoint(), req.Box.toRect())
	h.respond(w, r, view, err)
}

// Save handles POST /sessions/{id}/save requests. The body is optional.
func (h *Handlers) Save(w http.ResponseWriter, r *http.Request) {
	var req SaveRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	in := overlay.SaveInput{Text: req.Text, VideoRef: req.VideoRef}
	if req.Position != nil {
		p := req.Position.toPoint()
		in.Position = &p
	}

	view, err := h.service.Save(r.Context(), r.PathValue("id"), in)
	h.respond(w, r, view, err)
}

// Retry handles POST /sessions/{id}/retry requests.
func (h *Handlers) Retry(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Retry(r.Context(), r.PathValue("id"))
	h.respond(w, r, view, err)
}

// GetLibrary handles GET /library requests. The catalog is fetched on first
// use; later calls serve the cached snapshot.
func (h *Handlers) GetLibrary(w http.ResponseWriter, r *http.Request) {
	cache := h.service.Library()
	if !cache.Loaded() {
		// A failure is reported through last_error.
		_, _ = cache.Refresh(r.Context())
	}
	writeJSON(w, http.StatusOK, toLibraryResponse(cache))
}

// RefreshLibrary handles POST /library/refresh requests.
func (h *Handlers) RefreshLibrary(w http.ResponseWriter, r *http.Request) {
	cache := h.service.Library()
	if _, err := cache.Refresh(r.Context()); err != nil {
		h.logger.Warn("library refresh failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, backend.Message(err), "UPSTREAM_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, toLibraryResponse(cache))
}

// decode reads and validates a JSON body into dst. When optional is set an
// empty body is accepted. It writes the error response and returns false on
// failure.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			h.logger.Warn("failed to decode request body",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
			return false
		}
	}

	if err := h.validator.Struct(dst); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return false
	}
	return true
}

// respond writes the session view, or the mapped error.
func (h *Handlers) respond(w http.ResponseWriter, r *http.Request, view overlay.View, err error) {
	if err != nil {
		h.writeServiceError(w, r, err, &view)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(view))
}

// writeServiceError maps a domain error onto a status and code. view is
// attached to the body when the failure left the session in a known state.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error, view *overlay.View) {
	status, code, message := classify(err)
	if status == http.StatusInternalServerError && view != nil && view.Failure != nil {
		status, code, message = http.StatusBadGateway, "UPSTREAM_FAILED", view.Failure.Message
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
	}

	resp := ErrorResponse{Error: message, Code: code}
	if view != nil && view.ID != "" {
		s := toSessionResponse(*view)
		resp.Session = &s
	}
	writeJSON(w, status, resp)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeBytes writes an uncacheable binary response.
func writeBytes(w http.ResponseWriter, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Error("failed to write response body", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
