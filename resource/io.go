package resource

import (
	"context"
	"io"

	"github.com/arejula27/otree/objstore"
)

// RateLimitedWriter throttles an io.Writer through a Controller.
type RateLimitedWriter struct {
	w   io.Writer
	c   *Controller
	ctx context.Context
}

// NewRateLimitedWriter wraps w. The context bounds the waits, since the
// io.Writer contract has no parameter for it.
func NewRateLimitedWriter(ctx context.Context, w io.Writer, c *Controller) *RateLimitedWriter {
	return &RateLimitedWriter{w: w, c: c, ctx: ctx}
}

func (w *RateLimitedWriter) Write(p []byte) (int, error) {
	if err := w.c.AcquireIO(w.ctx, len(p)); err != nil {
		return 0, err
	}

	return w.w.Write(p)
}

// RateLimitedReader throttles an io.Reader through a Controller. The wait
// happens after each read and charges the bytes actually transferred.
type RateLimitedReader struct {
	r   io.Reader
	c   *Controller
	ctx context.Context
}

// NewRateLimitedReader wraps r.
func NewRateLimitedReader(ctx context.Context, r io.Reader, c *Controller) *RateLimitedReader {
	return &RateLimitedReader{r: r, c: c, ctx: ctx}
}

func (r *RateLimitedReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)

	if n > 0 {
		if werr := r.c.AcquireIO(r.ctx, n); werr != nil && err == nil {
			err = werr
		}
	}

	return n, err
}

// ThrottledStore wraps an object store so every blob read and write passes
// through the controller's IO limiter. With no IO limit configured the
// store is returned unwrapped.
func ThrottledStore(s objstore.Store, c *Controller) objstore.Store {
	if c == nil || c.ioLimiter == nil {
		return s
	}

	return &throttledStore{inner: s, c: c}
}

type throttledStore struct {
	inner objstore.Store
	c     *Controller
}

func (s *throttledStore) Open(ctx context.Context, name string) (objstore.Blob, error) {
	blob, err := s.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}

	return &throttledBlob{inner: blob, c: s.c}, nil
}

func (s *throttledStore) Create(ctx context.Context, name string) (objstore.WritableBlob, error) {
	blob, err := s.inner.Create(ctx, name)
	if err != nil {
		return nil, err
	}

	return &throttledWritableBlob{
		inner: blob,
		w:     NewRateLimitedWriter(ctx, blob, s.c),
	}, nil
}

func (s *throttledStore) Put(ctx context.Context, name string, data []byte) error {
	if err := s.c.AcquireIO(ctx, len(data)); err != nil {
		return err
	}

	return s.inner.Put(ctx, name, data)
}

func (s *throttledStore) Delete(ctx context.Context, name string) error {
	return s.inner.Delete(ctx, name)
}

func (s *throttledStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

type throttledBlob struct {
	inner objstore.Blob
	c     *Controller
}

func (b *throttledBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := b.c.AcquireIO(ctx, len(p)); err != nil {
		return 0, err
	}

	return b.inner.ReadAt(ctx, p, off)
}

func (b *throttledBlob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	rc, err := b.inner.ReadRange(ctx, off, length)
	if err != nil {
		return nil, err
	}

	return &throttledReadCloser{
		Reader: NewRateLimitedReader(ctx, rc, b.c),
		closer: rc,
	}, nil
}

func (b *throttledBlob) Size() int64 { return b.inner.Size() }

func (b *throttledBlob) Close() error { return b.inner.Close() }

type throttledReadCloser struct {
	io.Reader
	closer io.Closer
}

func (r *throttledReadCloser) Close() error { return r.closer.Close() }

type throttledWritableBlob struct {
	inner objstore.WritableBlob
	w     *RateLimitedWriter
}

func (b *throttledWritableBlob) Write(p []byte) (int, error) { return b.w.Write(p) }

func (b *throttledWritableBlob) Sync() error { return b.inner.Sync() }

func (b *throttledWritableBlob) Close() error { return b.inner.Close() }
