// Package storage plumbs document blobs to an object store.
package storage

import (
	"context"
	"io"
)

// ObjectMetadata describes an uploaded blob.
type ObjectMetadata struct {
	FileName    string
	ContentType string
	Size        int64
}

// BlobStore is the external object-store collaborator. Upload failures are
// surfaced to callers; whether they abort the triggering operation is the
// caller's decision.
type BlobStore interface {
	Upload(ctx context.Context, r io.Reader, meta ObjectMetadata) (string, error)
	Fetch(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) (bool, error)
}
