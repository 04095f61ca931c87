package results

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/reverse-image-crawler/internal/search"
	"github.com/JakeFAU/reverse-image-crawler/internal/storage"
	"github.com/JakeFAU/reverse-image-crawler/internal/storage/memory"
)

func TestWriteBatchLayout(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	w := NewWriter(store, "/out/", nil)
	result := search.BatchResult{
		Query:       "red fox",
		Predictions: []search.Prediction{"red fox", "fox"},
	}

	loc, err := w.WriteBatch(context.Background(), "run-1", []string{"https://a/1.jpg", "https://a/2.jpg"}, result)
	require.NoError(t, err)
	require.Equal(t, "out/run-1/red fox", loc.Dir)
	require.Equal(t, "memory://out/run-1/red fox/urls.txt", loc.URLsURI)
	require.Equal(t, "memory://out/run-1/red fox/preds.txt", loc.PredictionsURI)

	preds, err := store.GetObject(context.Background(), "out/run-1/red fox/preds.txt")
	require.NoError(t, err)
	require.Equal(t, "red fox\nfox\n", string(preds))
}

func TestWriteBatchEmptyPredictions(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	w := NewWriter(store, "", nil)
	_, err := w.WriteBatch(context.Background(), "r", nil, search.BatchResult{Query: "owl"})
	require.NoError(t, err)
	data, err := store.GetObject(context.Background(), "r/owl/preds.txt")
	require.NoError(t, err)
	require.Empty(t, data)
}

type failingStore struct{ storage.BlobStore }

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("disk full")
}

func TestWriteBatchPropagatesStoreError(t *testing.T) {
	t.Parallel()

	w := NewWriter(failingStore{}, "", nil)
	_, err := w.WriteBatch(context.Background(), "r", []string{"u"}, search.BatchResult{Query: "q"})
	require.ErrorContains(t, err, "disk full")
}

func TestLoadURLsRoundTrip(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	w := NewWriter(store, "out", nil)
	urls := []string{"https://a/1.jpg", "https://a/2.jpg?x=1"}
	_, err := w.WriteBatch(context.Background(), "run-7", urls, search.BatchResult{Query: "cat"})
	require.NoError(t, err)

	got, err := LoadURLs(context.Background(), store, "out/run-7", "cat")
	require.NoError(t, err)
	require.Equal(t, urls, got)

	_, err = LoadURLs(context.Background(), store, "out/run-7", "dog")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReadQueries(t *testing.T) {
	t.Parallel()

	input := "@@ header\n cat \n\ndog\n@@skip\nowl\nfox\n"
	tests := []struct {
		name        string
		start, stop int
		want        []string
	}{
		{name: "all", want: []string{"cat", "dog", "owl", "fox"}},
		{name: "start only", start: 2, want: []string{"owl", "fox"}},
		{name: "window", start: 1, stop: 3, want: []string{"dog", "owl"}},
		{name: "stop past end", stop: 10, want: []string{"cat", "dog", "owl", "fox"}},
		{name: "empty window", start: 3, stop: 2, want: []string{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ReadQueries(strings.NewReader(input), tc.start, tc.stop)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestQueryKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "red fox", QueryKey(" red fox "))
	require.Equal(t, "a_b", QueryKey("a/b"))
	require.Equal(t, "_", QueryKey(".."))
	require.Equal(t, "_", QueryKey(""))
}

func TestStoredURLs(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	_, err := store.PutObject(context.Background(), "prev/run/owl/urls.txt", "", strings.NewReader("u1\n\nu2\n"))
	require.NoError(t, err)

	src := StoredURLs{Store: store, Dir: "prev/run/"}
	got, err := src.URLs(context.Background(), "owl")
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2"}, got)
}
