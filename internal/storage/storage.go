// Package storage ships container artifacts to and from object storage.
// A store holds opaque objects; the Publisher/Fetcher layer on top adds
// blake3 digest sidecars so every pulled artifact is verified before the
// engine opens it.
package storage

import (
	"context"
	"errors"
)

// Sentinel errors for store operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStore abstracts the object storage backend. Implementations
// exist for S3-compatible services and the local filesystem.
type ObjectStore interface {
	// Upload stores the local file under the object key.
	Upload(ctx context.Context, localPath, key string) error

	// UploadMultipart stores a large local file in parts and returns the
	// backend's ETag for the assembled object.
	UploadMultipart(ctx context.Context, localPath, key string) (string, error)

	// Download fetches the object to the local path.
	Download(ctx context.Context, key, localPath string) error

	// Delete removes the object. Deleting a missing object is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the object is present.
	Exists(ctx context.Context, key string) (bool, error)

	// ListKeys returns every object key under the prefix.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// MultipartConfig holds multipart upload settings.
type MultipartConfig struct {
	// PartSize is the size of each part in bytes.
	PartSize int64
	// Concurrency is the number of concurrent part uploads.
	Concurrency int
}

// DefaultMultipartConfig returns the default multipart upload settings.
func DefaultMultipartConfig() MultipartConfig {
	return MultipartConfig{
		PartSize:    5 * 1024 * 1024,
		Concurrency: 5,
	}
}
