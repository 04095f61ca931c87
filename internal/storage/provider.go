// Package storage defines where run outputs are persisted. Implementations
// live in the local, memory and gcs subpackages.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by GetObject when no object exists at the path.
var ErrNotFound = errors.New("object not found")

// BlobStore reads and writes opaque objects addressed by slash-separated paths.
type BlobStore interface {
	// PutObject stores data at path and returns a URI for the stored object.
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	// GetObject returns the content stored at path or an error wrapping ErrNotFound.
	GetObject(ctx context.Context, path string) ([]byte, error)
}
