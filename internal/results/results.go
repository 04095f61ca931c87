// Package results reads search inputs and writes per-query run outputs.
//
// A run writes, for every query, two newline-separated files under
// <prefix>/<run-id>/<query>/: urls.txt with the image URLs that were searched
// and preds.txt with the predictions that came back.
package results

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/reverse-image-crawler/internal/search"
	"github.com/JakeFAU/reverse-image-crawler/internal/storage"
)

// File names written for each query.
const (
	URLsFile        = "urls.txt"
	PredictionsFile = "preds.txt"
)

const (
	commentPrefix = "@@"
	contentType   = "text/plain; charset=utf-8"
)

// Location describes where one query's outputs were written.
type Location struct {
	Dir            string `json:"dir"`
	URLsURI        string `json:"urls_uri"`
	PredictionsURI string `json:"predictions_uri"`
}

// Writer stores run outputs in a BlobStore.
type Writer struct {
	store  storage.BlobStore
	prefix string
	logger *zap.Logger
}

// NewWriter creates a Writer rooted at prefix inside store.
func NewWriter(store storage.BlobStore, prefix string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.Named("results"),
	}
}

// QueryDir returns the directory holding the outputs of query within runID.
func (w *Writer) QueryDir(runID, query string) string {
	return path.Join(w.prefix, runID, QueryKey(query))
}

// WriteBatch writes the searched URLs and the predictions of result.
func (w *Writer) WriteBatch(ctx context.Context, runID string, urls []string, result search.BatchResult) (Location, error) {
	dir := w.QueryDir(runID, result.Query)
	loc := Location{Dir: dir}

	var err error
	loc.URLsURI, err = w.put(ctx, path.Join(dir, URLsFile), urls)
	if err != nil {
		return loc, err
	}
	preds := make([]string, len(result.Predictions))
	for i, p := range result.Predictions {
		preds[i] = string(p)
	}
	loc.PredictionsURI, err = w.put(ctx, path.Join(dir, PredictionsFile), preds)
	if err != nil {
		return loc, err
	}
	w.logger.Info("batch written",
		zap.String("query", result.Query),
		zap.String("dir", dir),
		zap.Int("urls", len(urls)),
		zap.Int("predictions", len(preds)),
	)
	return loc, nil
}

func (w *Writer) put(ctx context.Context, objectPath string, lines []string) (string, error) {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	uri, err := w.store.PutObject(ctx, objectPath, contentType, &buf)
	if err != nil {
		return "", fmt.Errorf("write %s: %w", objectPath, err)
	}
	return uri, nil
}

// LoadURLs reads <dir>/<query>/urls.txt from store, typically the output of an
// earlier run.
func LoadURLs(ctx context.Context, store storage.BlobStore, dir, query string) ([]string, error) {
	objectPath := path.Join(strings.Trim(dir, "/"), QueryKey(query), URLsFile)
	data, err := store.GetObject(ctx, objectPath)
	if err != nil {
		return nil, fmt.Errorf("load urls for %q: %w", query, err)
	}
	return ReadLines(bytes.NewReader(data))
}

// ReadQueries reads one query per line, ignoring blank lines and lines that
// start with "@@", and returns the [start, stop) slice of what remains.
// start <= 0 means from the beginning and stop <= 0 means to the end.
func ReadQueries(r io.Reader, start, stop int) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, commentPrefix) {
			continue
		}
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read queries: %w", err)
	}
	return window(out, start, stop), nil
}

// ReadLines returns the trimmed non-blank lines of r.
func ReadLines(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read lines: %w", err)
	}
	return out, nil
}

// QueryKey turns a query into a single path element.
func QueryKey(query string) string {
	key := strings.TrimSpace(query)
	key = strings.ReplaceAll(key, "/", "_")
	if key == "" || key == "." || key == ".." {
		return "_"
	}
	return key
}

func window(items []string, start, stop int) []string {
	if start < 0 {
		start = 0
	}
	if stop <= 0 || stop > len(items) {
		stop = len(items)
	}
	if start >= stop {
		return []string{}
	}
	return items[start:stop]
}

// StoredURLs loads each query's URLs from an earlier run directory.
type StoredURLs struct {
	Store storage.BlobStore
	Dir   string
}

// URLs reads <Dir>/<query>/urls.txt.
func (s StoredURLs) URLs(ctx context.Context, query string) ([]string, error) {
	return LoadURLs(ctx, s.Store, s.Dir, query)
}
