package minio

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arejula27/otree/objstore"
)

// TestStoreIntegration requires a running MinIO instance; it skips when one
// is not reachable. Override the endpoint with OTREE_MINIO_ENDPOINT.
func TestStoreIntegration(t *testing.T) {
	endpoint := os.Getenv("OTREE_MINIO_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:9000"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	if err != nil {
		t.Skipf("MinIO client creation failed: %v", err)
	}

	ctx := context.Background()

	if _, err := client.ListBuckets(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	bucket := "otree-test"
	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	store := New(client, bucket, "it/")

	data := []byte("hello object store")
	require.NoError(t, store.Put(ctx, "f.bin", data))
	t.Cleanup(func() { _ = store.Delete(ctx, "f.bin") })

	blob, err := store.Open(ctx, "f.bin")
	require.NoError(t, err)
	defer blob.Close()
	require.Equal(t, int64(len(data)), blob.Size())

	buf := make([]byte, 6)
	n, err := blob.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "object", string(buf[:n]))

	r, err := blob.ReadRange(ctx, 13, 100)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	r.Close()
	assert.Equal(t, "store", string(got))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, names, "f.bin")

	_, err = store.Open(ctx, "missing.bin")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}
