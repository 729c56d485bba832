package server

import (
	"log/slog"
	"net/http"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
	}
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("POST /sessions", h.CreateSession)
	mux.HandleFunc("GET /sessions/{id}", h.GetSession)
	mux.HandleFunc("DELETE /sessions/{id}", h.DeleteSession)
	mux.HandleFunc("POST /sessions/{id}/upload", h.Upload)
	mux.HandleFunc("POST /sessions/{id}/select", h.Select)
	mux.HandleFunc("POST /sessions/{id}/frame", h.RequestFrame)
	mux.HandleFunc("GET /sessions/{id}/frame", h.GetFrame)
	mux.HandleFunc("GET /sessions/{id}/preview", h.GetPreview)
	mux.HandleFunc("PUT /sessions/{id}/text", h.SetText)
	mux.HandleFunc("POST /sessions/{id}/drag/begin", h.BeginDrag)
	mux.HandleFunc("POST /sessions/{id}/drag/drop", h.Drop)
	mux.HandleFunc("POST /sessions/{id}/save", h.Save)
	mux.HandleFunc("POST /sessions/{id}/retry", h.Retry)

	mux.HandleFunc("GET /library", h.GetLibrary)
	mux.HandleFunc("POST /library/refresh", h.RefreshLibrary)

	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(mux)
}
