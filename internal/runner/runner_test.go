package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/reverse-image-crawler/internal/publisher/memory"
	"github.com/JakeFAU/reverse-image-crawler/internal/results"
	"github.com/JakeFAU/reverse-image-crawler/internal/search"
	"github.com/JakeFAU/reverse-image-crawler/internal/storage/postgres"

	blobmemory "github.com/JakeFAU/reverse-image-crawler/internal/storage/memory"
)

var testRunID = uuid.MustParse("0190b7c4-8e4c-7f6a-9a3e-1f2d3c4b5a69")

// MockSearcher is a mock implementation of the Searcher interface.
type MockSearcher struct {
	mock.Mock
}

func (m *MockSearcher) SearchBatch(
	ctx context.Context, query string, urls []string, lang string, maxPredictions int,
) (search.BatchResult, error) {
	args := m.Called(ctx, query, urls, lang, maxPredictions)
	return args.Get(0).(search.BatchResult), args.Error(1)
}

// MockStore is a mock implementation of the PredictionStore interface.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) StartRun(ctx context.Context, runID uuid.UUID) error {
	args := m.Called(ctx, runID)
	return args.Error(0)
}

func (m *MockStore) StorePredictions(ctx context.Context, runID uuid.UUID, result search.BatchResult) error {
	args := m.Called(ctx, runID, result)
	return args.Error(0)
}

func (m *MockStore) FinishRun(ctx context.Context, runID uuid.UUID, status postgres.RunStatus, errMsg *string) error {
	args := m.Called(ctx, runID, status, errMsg)
	return args.Error(0)
}

// expectRun registers the run bookkeeping calls ending in status.
func (m *MockStore) expectRun(status postgres.RunStatus, withMessage bool) {
	m.On("StartRun", mock.Anything, testRunID).Return(nil).Once()
	msg := mock.MatchedBy(func(msg *string) bool { return (msg != nil) == withMessage })
	m.On("FinishRun", mock.Anything, testRunID, status, msg).Return(nil).Once()
}

func queryIs(query string) any {
	return mock.MatchedBy(func(r search.BatchResult) bool { return r.Query == query })
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type harness struct {
	runner *Runner
	search *MockSearcher
	blobs  *blobmemory.BlobStore
	store  *MockStore
	pub    *memory.Publisher
	spans  *tracetest.SpanRecorder
}

func newHarness(t *testing.T, urls URLSource) harness {
	t.Helper()
	searcher := new(MockSearcher)
	blobs := blobmemory.NewBlobStore()
	store := new(MockStore)
	pub := memory.New()
	spans := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	r, err := New(Deps{
		Searcher:  searcher,
		URLs:      urls,
		Writer:    results.NewWriter(blobs, "out", nil),
		Store:     store,
		Publisher: pub,
		Clock:     fixedClock{t: time.Unix(1700000000, 0).UTC()},
		NewID:     func() (uuid.UUID, error) { return testRunID, nil },
		Tracer:    provider.Tracer("runner-test"),
	}, Config{Lang: "en", MaxPredictions: 5, Topic: "batches"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		searcher.AssertExpectations(t)
		store.AssertExpectations(t)
	})
	return harness{runner: r, search: searcher, blobs: blobs, store: store, pub: pub, spans: spans}
}

func TestRunWritesStoresAndPublishesEachQuery(t *testing.T) {
	t.Parallel()

	urls := StaticURLs{"https://img/1.jpg", "https://img/2.jpg"}
	h := newHarness(t, urls)
	cat := search.BatchResult{Query: "cat", Predictions: []search.Prediction{"cat", "kitten"}}
	owl := search.BatchResult{Query: "owl", Predictions: []search.Prediction{"owl"}}
	h.search.On("SearchBatch", mock.Anything, "cat", []string(urls), "en", 5).Return(cat, nil).Once()
	h.search.On("SearchBatch", mock.Anything, "owl", []string(urls), "en", 5).Return(owl, nil).Once()
	h.store.expectRun(postgres.RunSucceeded, false)
	h.store.On("StorePredictions", mock.Anything, testRunID, cat).Return(nil).Once()
	h.store.On("StorePredictions", mock.Anything, testRunID, owl).Return(nil).Once()

	summary, err := h.runner.Run(context.Background(), []string{"cat", "owl"})
	require.NoError(t, err)
	require.Equal(t, Summary{RunID: testRunID, Queries: 2, Predictions: 3}, summary)

	data, err := h.blobs.GetObject(context.Background(), "out/"+testRunID.String()+"/cat/preds.txt")
	require.NoError(t, err)
	require.Equal(t, "cat\nkitten\n", string(data))

	msgs := h.pub.Messages()
	require.Len(t, msgs, 2)
	var event BatchEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &event))
	require.Equal(t, "cat", event.Query)
	require.Equal(t, "out/"+testRunID.String()+"/cat", event.Dir)
	require.Equal(t, digest([]search.Prediction{"cat", "kitten"}), event.PredictionsSHA256)
	require.False(t, event.Aborted)
}

func TestRunAbortPersistsPartialBatchAndStops(t *testing.T) {
	t.Parallel()

	h := newHarness(t, StaticURLs{"u"})
	cat := search.BatchResult{Query: "cat", Predictions: []search.Prediction{"cat"}}
	h.search.On("SearchBatch", mock.Anything, "cat", mock.Anything, mock.Anything, mock.Anything).
		Return(cat, fmt.Errorf("all proxies evicted: %w", search.ErrAbort)).Once()
	h.store.expectRun(postgres.RunAborted, true)
	h.store.On("StorePredictions", mock.Anything, testRunID, cat).Return(nil).Once()

	summary, err := h.runner.Run(context.Background(), []string{"cat", "owl"})
	require.ErrorIs(t, err, search.ErrAbort)
	require.True(t, summary.Aborted)
	require.Equal(t, 1, summary.Queries)
	h.search.AssertNotCalled(t, "SearchBatch", mock.Anything, "owl", mock.Anything, mock.Anything, mock.Anything)

	_, err = h.blobs.GetObject(context.Background(), "out/"+testRunID.String()+"/cat/urls.txt")
	require.NoError(t, err)

	var event BatchEvent
	require.NoError(t, json.Unmarshal(h.pub.Messages()[0].Data, &event))
	require.True(t, event.Aborted)
}

func TestRunCancellationPersistsPartialBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, StaticURLs{"u1", "u2"})
	cat := search.BatchResult{Query: "cat", Predictions: []search.Prediction{"cat"}}
	h.search.On("SearchBatch", mock.Anything, "cat", mock.Anything, mock.Anything, mock.Anything).
		Return(cat, fmt.Errorf("search canceled: %w", context.Canceled)).Once()
	h.store.expectRun(postgres.RunFailed, true)
	h.store.On("StorePredictions", mock.Anything, testRunID, cat).Return(nil).Once()

	summary, err := h.runner.Run(context.Background(), []string{"cat", "owl"})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, summary.Aborted)
	require.Equal(t, 1, summary.Predictions)
	h.search.AssertNotCalled(t, "SearchBatch", mock.Anything, "owl", mock.Anything, mock.Anything, mock.Anything)

	preds, err := h.blobs.GetObject(context.Background(), "out/"+testRunID.String()+"/cat/preds.txt")
	require.NoError(t, err)
	require.Equal(t, "cat\n", string(preds))

	msgs := h.pub.Messages()
	require.Len(t, msgs, 1)
	var event BatchEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &event))
	require.True(t, event.Aborted, "a canceled batch is reported as cut short")
}

type mapURLs map[string][]string

func (m mapURLs) URLs(_ context.Context, query string) ([]string, error) {
	urls, ok := m[query]
	if !ok {
		return nil, errors.New("not found")
	}
	return urls, nil
}

func TestRunSkipsQueriesWithoutURLs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, mapURLs{"owl": {"u1"}})
	h.search.On("SearchBatch", mock.Anything, "owl", []string{"u1"}, "en", 5).
		Return(search.BatchResult{Query: "owl"}, nil).Once()
	h.store.expectRun(postgres.RunSucceeded, false)
	h.store.On("StorePredictions", mock.Anything, testRunID, queryIs("owl")).Return(nil).Once()

	summary, err := h.runner.Run(context.Background(), []string{"cat", "owl"})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 1, summary.Queries)
	h.search.AssertNotCalled(t, "SearchBatch", mock.Anything, "cat", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunReportsPersistenceFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, StaticURLs{"u"})
	h.search.On("SearchBatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(search.BatchResult{}, nil).Twice()
	h.store.expectRun(postgres.RunFailed, true)
	h.store.On("StorePredictions", mock.Anything, testRunID, mock.Anything).Return(errors.New("db down")).Twice()

	summary, err := h.runner.Run(context.Background(), []string{"cat", "owl"})
	require.ErrorContains(t, err, "db down")
	require.Equal(t, 2, summary.Queries, "persistence failures do not stop the run")
}

func TestRunCanceledBeforeStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, StaticURLs{"u"})
	h.store.expectRun(postgres.RunFailed, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.runner.Run(ctx, []string{"cat"})
	require.ErrorIs(t, err, context.Canceled)
	h.search.AssertNotCalled(t, "SearchBatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{}, nil)
	require.Error(t, err)
	_, err = New(Deps{Searcher: new(MockSearcher)}, Config{}, nil)
	require.ErrorContains(t, err, "url source")
	_, err = New(Deps{Searcher: new(MockSearcher), URLs: StaticURLs{"u"}}, Config{}, nil)
	require.ErrorContains(t, err, "writer")
}

func TestStaticURLsEmpty(t *testing.T) {
	t.Parallel()

	_, err := StaticURLs(nil).URLs(context.Background(), "q")
	require.Error(t, err)
}

func TestRunRecordsSpans(t *testing.T) {
	t.Parallel()

	h := newHarness(t, StaticURLs{"u1", "u2"})
	h.search.On("SearchBatch", mock.Anything, "cat", mock.Anything, mock.Anything, mock.Anything).
		Return(search.BatchResult{Query: "cat", Predictions: []search.Prediction{"tabby"}}, nil).Once()
	h.search.On("SearchBatch", mock.Anything, "owl", mock.Anything, mock.Anything, mock.Anything).
		Return(search.BatchResult{Query: "owl"}, fmt.Errorf("pool exhausted: %w", search.ErrAbort)).Once()
	h.store.expectRun(postgres.RunAborted, true)
	h.store.On("StorePredictions", mock.Anything, testRunID, mock.Anything).Return(nil).Twice()

	_, err := h.runner.Run(context.Background(), []string{"cat", "owl"})
	require.ErrorIs(t, err, search.ErrAbort)

	ended := h.spans.Ended()
	require.Len(t, ended, 3)
	require.Equal(t, "search.query", ended[0].Name())
	require.Equal(t, codes.Unset, ended[0].Status().Code)
	require.Equal(t, "search.query", ended[1].Name())
	require.Equal(t, codes.Error, ended[1].Status().Code)
	require.Equal(t, "search.run", ended[2].Name())
	require.Equal(t, codes.Error, ended[2].Status().Code)
	require.Equal(t, ended[2].SpanContext().SpanID(), ended[0].Parent().SpanID())
}
