// Package id generates identifiers for editing sessions and output refs.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path"
	"time"
)

// Generate creates a new unique session ID.
// Format: sess-<timestamp>-<random>, e.g. sess-1701432000-a1b2c3d4e5f6
func Generate() string {
	timestamp := time.Now().Unix()
	random := make([]byte, 6)
	if _, err := rand.Read(random); err != nil {
		return fmt.Sprintf("sess-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("sess-%d-%s", timestamp, hex.EncodeToString(random))
}

// OutputRef returns a backend path for a rendered video inside dir,
// named <unix millis>_edited.mp4 like the browser editor names its saves.
func OutputRef(dir string, now time.Time) string {
	if dir == "" {
		dir = "uploads"
	}
	return path.Join(dir, fmt.Sprintf("%d_edited.mp4", now.UnixMilli()))
}
