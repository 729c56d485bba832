// Package storage spools browser uploads to local disk before they are
// forwarded to the render backend, and optionally publishes rendered
// previews to S3.
package storage

import (
	"context"
	"io"
)

// Upload describes a spooled upload on local disk.
type Upload struct {
	Path        string // Absolute path of the spooled file
	Name        string // Original client filename
	ContentType string // Sniffed MIME type
	Size        int64
}

// Storage defines the interface for upload spooling and preview publishing.
type Storage interface {
	// SaveUpload spools data to a temporary file and sniffs its content type.
	// Returns ErrNotAVideo (with the file removed) if the data is not a video.
	SaveUpload(ctx context.Context, name string, data io.Reader) (Upload, error)

	// Open reopens a spooled file. The caller closes the returned ReadCloser.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Cleanup removes the given spooled files. It continues on failure.
	Cleanup(ctx context.Context, paths []string) error

	// Publish stores data under key and returns its public URL.
	// Returns ErrS3NotConfigured if no object store is configured.
	Publish(ctx context.Context, key, contentType string, data io.Reader) (url string, err error)
}
