package framesource

import (
	"context"
	"fmt"

	"github.com/maauso/overlay-api/internal/backend"
)

// frameClient is the part of backend.Client the adapter needs.
type frameClient interface {
	ExtractFrame(ctx context.Context, videoRef string) ([]byte, error)
	FetchMedia(ctx context.Context, ref string) ([]byte, error)
}

// BackendSource adapts the render backend client to the Source interface.
type BackendSource struct {
	client frameClient
}

// NewBackendSource creates a new backend frame source.
func NewBackendSource(client frameClient) *BackendSource {
	return &BackendSource{client: client}
}

// ExtractFrame asks the backend to extract the first frame of videoRef.
func (s *BackendSource) ExtractFrame(ctx context.Context, videoRef string) ([]byte, error) {
	data, err := s.client.ExtractFrame(ctx, videoRef)
	if err != nil {
		return nil, fmt.Errorf("backend source extract: %w", err)
	}
	return data, nil
}

// FetchStill downloads a stored image from the backend.
func (s *BackendSource) FetchStill(ctx context.Context, ref string) ([]byte, error) {
	data, err := s.client.FetchMedia(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("backend source fetch: %w", err)
	}
	return data, nil
}

// Compile-time checks.
var (
	_ Source      = (*BackendSource)(nil)
	_ frameClient = (backend.Client)(nil)
)
