// Package objstore abstracts the object store holding a table's immutable
// index files.
//
// Index files are written once, committed, and never modified; readers see a
// blob only after its writer closed it. Implementations must be safe for
// concurrent use.
package objstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations return an error satisfying errors.Is(err, ErrNotFound).
// The default maps to os.ErrNotExist.
var ErrNotFound = os.ErrNotExist

// Store reads and writes named blobs.
type Store interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)

	// Create starts a new blob. The blob becomes visible when the returned
	// writer is closed, never half-written.
	Create(ctx context.Context, name string) (WritableBlob, error)

	// Put writes a blob atomically.
	Put(ctx context.Context, name string, data []byte) error

	// Delete removes a blob. Deleting an absent blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of blobs with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to one immutable file.
type Blob interface {
	// ReadAt reads len(p) bytes at offset off, with io.ReaderAt semantics.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)

	// ReadRange streams length bytes starting at off. Ranges past the end
	// are truncated, not errors.
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)

	// Size returns the blob size in bytes.
	Size() int64

	io.Closer
}

// WritableBlob streams one new blob.
type WritableBlob interface {
	io.Writer

	// Sync flushes buffered data toward durable storage.
	Sync() error

	// Close completes the blob and makes it visible.
	io.Closer
}
