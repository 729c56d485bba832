// Package library keeps a read-through snapshot of the backend media catalog
// so a user can resume editing a previously uploaded video or extracted frame.
package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// FileType is the kind of a catalog entry.
type FileType string

const (
	// FileTypeVideo is an uploaded or rendered video.
	FileTypeVideo FileType = "video"
	// FileTypeAudio is an audio track.
	FileTypeAudio FileType = "audio"
	// FileTypeImage is a still image, usually a previously extracted frame.
	FileTypeImage FileType = "image"
)

// IsValid returns true if the file type is known.
func (t FileType) IsValid() bool {
	return t == FileTypeVideo || t == FileTypeAudio || t == FileTypeImage
}

// MediaItem is an immutable catalog entry.
type MediaItem struct {
	ID         string    `json:"id"`
	FileType   FileType  `json:"file_type"`
	FilePath   string    `json:"file_path"`
	UploadTime time.Time `json:"upload_time,omitempty"`
}

// ErrItemNotFound is returned when Select is called with an unknown ID.
var ErrItemNotFound = errors.New("library: media item not found")

// Catalog lists the media catalog. It is implemented by the backend client.
type Catalog interface {
	ListLibrary(ctx context.Context) ([]MediaItem, error)
}

// Cache is a snapshot of the catalog. A successful Refresh replaces the
// snapshot entirely; a failed Refresh leaves the previous snapshot in place.
type Cache struct {
	catalog Catalog
	logger  *slog.Logger
	group   singleflight.Group

	mu          sync.RWMutex
	items       []MediaItem
	loaded      bool
	refreshedAt time.Time
	lastErr     string
}

// NewCache creates an empty cache backed by catalog.
func NewCache(catalog Catalog, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		catalog: catalog,
		logger:  logger,
		items:   make([]MediaItem, 0),
	}
}

// Refresh fetches the catalog and replaces the snapshot. Concurrent callers
// share one fetch, and the snapshot is applied before the fetch is released
// so results land in fetch order. On failure the last known snapshot is kept
// and returned together with the error.
func (c *Cache) Refresh(ctx context.Context) ([]MediaItem, error) {
	_, err, shared := c.group.Do("refresh", func() (any, error) {
		fetched, err := c.catalog.ListLibrary(ctx)
		if err != nil {
			c.mu.Lock()
			c.lastErr = err.Error()
			c.mu.Unlock()
			return nil, err
		}

		items := make([]MediaItem, len(fetched))
		copy(items, fetched)

		c.mu.Lock()
		c.items = items
		c.loaded = true
		c.refreshedAt = time.Now()
		c.lastErr = ""
		c.mu.Unlock()

		c.logger.Info("library refreshed", slog.Int("items", len(items)))
		return nil, nil
	})
	if shared {
		c.logger.Debug("library refresh coalesced")
	}

	if err != nil {
		c.logger.Warn("library refresh failed, keeping last snapshot",
			slog.String("error", err.Error()),
			slog.Int("cached_items", len(c.Items())),
		)
		return c.Items(), fmt.Errorf("library: refresh: %w", err)
	}
	return c.Items(), nil
}

// Items returns a copy of the current snapshot.
func (c *Cache) Items() []MediaItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]MediaItem, len(c.items))
	copy(out, c.items)
	return out
}

// Select returns the cached item with the given ID.
func (c *Cache) Select(id string) (MediaItem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, item := range c.items {
		if item.ID == id {
			return item, nil
		}
	}
	return MediaItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
}

// Loaded reports whether at least one refresh has succeeded.
func (c *Cache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// RefreshedAt returns when the snapshot was last replaced.
func (c *Cache) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}

// LastError returns the message of the most recent failed refresh, or ""
// if the last refresh succeeded.
func (c *Cache) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}
