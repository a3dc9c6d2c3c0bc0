package objstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"memory": NewMemory(),
		"local":  NewLocal(t.TempDir()),
	}
}

func TestStoreLifecycle(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte("hello world, this is an index file block")

			w, err := store.Create(ctx, "rev-1/data-001.bin")
			require.NoError(t, err)

			n, err := w.Write(data[:16])
			require.NoError(t, err)
			require.Equal(t, 16, n)
			require.NoError(t, w.Sync())

			_, err = w.Write(data[16:])
			require.NoError(t, err)
			require.NoError(t, w.Close())

			blob, err := store.Open(ctx, "rev-1/data-001.bin")
			require.NoError(t, err)
			defer blob.Close()

			assert.Equal(t, int64(len(data)), blob.Size())

			buf := make([]byte, len(data))
			n, err = blob.ReadAt(ctx, buf, 0)
			require.NoError(t, err)
			assert.Equal(t, data, buf[:n])

			// Reads past the end are short with EOF.
			n, err = blob.ReadAt(ctx, buf, int64(len(data)-4))
			assert.Equal(t, 4, n)
			assert.ErrorIs(t, err, io.EOF)

			r, err := blob.ReadRange(ctx, 6, 5)
			require.NoError(t, err)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())
			assert.Equal(t, []byte("world"), got)

			// Ranges past the end truncate.
			r, err = blob.ReadRange(ctx, int64(len(data)-4), 100)
			require.NoError(t, err)
			got, _ = io.ReadAll(r)
			r.Close()
			assert.Equal(t, data[len(data)-4:], got)
		})
	}
}

func TestStoreOpenNotFound(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Open(context.Background(), "missing.bin")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStorePutOverwrites(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Put(ctx, "f.bin", []byte("one")))
			require.NoError(t, store.Put(ctx, "f.bin", []byte("two")))

			blob, err := store.Open(ctx, "f.bin")
			require.NoError(t, err)
			defer blob.Close()

			buf := make([]byte, 3)
			_, err = blob.ReadAt(ctx, buf, 0)
			require.NoError(t, err)
			assert.Equal(t, []byte("two"), buf)
		})
	}
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Put(ctx, "f.bin", []byte("x")))
			require.NoError(t, store.Delete(ctx, "f.bin"))
			require.NoError(t, store.Delete(ctx, "f.bin"))

			_, err := store.Open(ctx, "f.bin")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreListByPrefix(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Put(ctx, "rev-1/a.bin", []byte("a")))
			require.NoError(t, store.Put(ctx, "rev-1/b.bin", []byte("b")))
			require.NoError(t, store.Put(ctx, "rev-2/c.bin", []byte("c")))

			names, err := store.List(ctx, "rev-1/")
			require.NoError(t, err)
			assert.Equal(t, []string{"rev-1/a.bin", "rev-1/b.bin"}, names)

			all, err := store.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestStoreBlobInvisibleUntilClose(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			w, err := store.Create(ctx, "pending.bin")
			require.NoError(t, err)
			_, err = w.Write([]byte("partial"))
			require.NoError(t, err)

			_, err = store.Open(ctx, "pending.bin")
			assert.ErrorIs(t, err, ErrNotFound)

			names, err := store.List(ctx, "")
			require.NoError(t, err)
			assert.Empty(t, names)

			require.NoError(t, w.Close())

			blob, err := store.Open(ctx, "pending.bin")
			require.NoError(t, err)
			blob.Close()
		})
	}
}

func TestLocalBlobExposesMappedBytes(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(t.TempDir())

	data := bytes.Repeat([]byte("ab"), 512)
	require.NoError(t, store.Put(ctx, "f.bin", data))

	blob, err := store.Open(ctx, "f.bin")
	require.NoError(t, err)
	defer blob.Close()

	mapped, ok := blob.(interface{ Bytes() ([]byte, error) })
	require.True(t, ok)

	got, err := mapped.Bytes()
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLocalEmptyBlob(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(t.TempDir())

	require.NoError(t, store.Put(ctx, "empty.bin", nil))

	blob, err := store.Open(ctx, "empty.bin")
	require.NoError(t, err)
	defer blob.Close()

	assert.Zero(t, blob.Size())
	_, err = blob.ReadAt(ctx, make([]byte, 1), 0)
	assert.ErrorIs(t, err, io.EOF)
}
