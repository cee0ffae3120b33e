// Package objectstore defines the port for backup artifact storage.
package objectstore

import (
	"context"
	"io"
)

// PutOptions carries optional server-side encryption parameters.
type PutOptions struct {
	ContentType  string
	SSEAlgorithm string // e.g. "aws:kms"; empty disables SSE
	KMSKeyID     string
}

// Store is a flat key/value blob store.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) error
	// Get returns domain.ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete is idempotent: deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error
	// Bucket names the container artifacts are stored in.
	Bucket() string
}
