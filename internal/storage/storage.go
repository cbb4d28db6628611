// Package storage holds database dump artifacts for self-hosted Odoo instances.
//
// Backends register themselves with the factory from an init() function in their
// own package, and cmd/server blank-imports each backend it ships with:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return New(&cfg.Storage.MyBackend)
//	    })
//	}
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrNotFound is returned by Open when no artifact exists under the key
var ErrNotFound = errors.New("artifact not found")

// Storage is a blob store for backup artifacts
type Storage interface {
	// Put streams r into the store under key and reports its size and SHA256
	Put(ctx context.Context, key string, r io.Reader) (*Object, error)

	// Open returns a reader for the artifact, or ErrNotFound
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the artifact. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an artifact is stored under key
	Exists(ctx context.Context, key string) (bool, error)

	// SignedURL returns a time-limited download link
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Object describes a stored artifact
type Object struct {
	Key      string
	Size     int64
	Checksum string
}

// BackupKey builds the storage key for an instance dump:
// backups/<instance>/<20060102T150405Z>-<backup>.<ext>
func BackupKey(instanceID, backupID string, at time.Time, format string) string {
	ext := strings.TrimPrefix(format, ".")
	if ext == "" {
		ext = "zip"
	}
	return fmt.Sprintf("backups/%s/%s-%s.%s", instanceID, at.UTC().Format("20060102T150405Z"), backupID, ext)
}
