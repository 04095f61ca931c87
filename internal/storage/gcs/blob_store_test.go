package gcs

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.ErrorContains(t, err, "client")

	_, err = New(&storage.Client{}, Config{Bucket: " "})
	require.ErrorContains(t, err, "bucket")

	store, err := New(&storage.Client{}, Config{Bucket: "runs"})
	require.NoError(t, err)
	require.Equal(t, "gs://runs/r1/owl/urls.txt", store.uri("r1/owl/urls.txt"))
	require.NoError(t, store.Close(), "borrowed clients are not closed")
}

func TestOpenRequiresBucket(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{})
	require.ErrorContains(t, err, "bucket")
}

func TestEmptyPathRejected(t *testing.T) {
	t.Parallel()

	store, err := New(&storage.Client{}, Config{Bucket: "runs"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "", "text/plain", nil)
	require.ErrorContains(t, err, "path")
	_, err = store.GetObject(context.Background(), " ")
	require.ErrorContains(t, err, "path")
}
