package server

import (
	"errors"
	"net/http"

	"github.com/maauso/overlay-api/internal/backend"
	"github.com/maauso/overlay-api/internal/contrast"
	"github.com/maauso/overlay-api/internal/geometry"
	"github.com/maauso/overlay-api/internal/library"
	"github.com/maauso/overlay-api/internal/overlay"
	"github.com/maauso/overlay-api/internal/storage"
)

// classify maps an error onto an HTTP status, an error code and the message
// shown to the client. Order matters: some errors wrap more than one kind.
func classify(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, overlay.ErrSessionNotFound), errors.Is(err, overlay.ErrSessionClosed):
		return http.StatusNotFound, "SESSION_NOT_FOUND", "session not found"
	case errors.Is(err, library.ErrItemNotFound):
		return http.StatusNotFound, "MEDIA_NOT_FOUND", "media item not found"
	case isTooLarge(err):
		return http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "upload exceeds the size limit"
	case errors.Is(err, storage.ErrNotAVideo):
		return http.StatusUnsupportedMediaType, "NOT_A_VIDEO", err.Error()
	case errors.Is(err, overlay.ErrOperationInProgress):
		return http.StatusConflict, "OPERATION_IN_PROGRESS", err.Error()
	case errors.Is(err, overlay.ErrSuperseded):
		return http.StatusConflict, "SUPERSEDED", err.Error()
	case errors.Is(err, overlay.ErrNoFrame):
		return http.StatusConflict, "NO_FRAME", "no frame loaded"
	case errors.Is(err, overlay.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION", err.Error()
	case errors.Is(err, overlay.ErrUnsupportedMedia):
		return http.StatusUnprocessableEntity, "UNSUPPORTED_MEDIA", err.Error()
	case errors.Is(err, overlay.ErrTextRequired),
		errors.Is(err, overlay.ErrNoVideoSource),
		errors.Is(err, storage.ErrEmptyUpload),
		errors.Is(err, geometry.ErrDegenerateBox),
		errors.Is(err, geometry.ErrDegenerateSize):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error()
	case isUpstream(err):
		return http.StatusBadGateway, "UPSTREAM_FAILED", backend.Message(err)
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}

// isUpstream reports whether err came from a collaborator call.
func isUpstream(err error) bool {
	var decodeErr *contrast.DecodeError
	var statusErr *backend.StatusError
	return errors.Is(err, backend.ErrUpload) ||
		errors.Is(err, backend.ErrFrameExtraction) ||
		errors.Is(err, backend.ErrSave) ||
		errors.Is(err, backend.ErrCatalog) ||
		errors.As(err, &decodeErr) ||
		errors.As(err, &statusErr)
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
