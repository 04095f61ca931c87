package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/reverse-image-crawler/internal/app"
	"github.com/JakeFAU/reverse-image-crawler/internal/config"
	pubmemory "github.com/JakeFAU/reverse-image-crawler/internal/publisher/memory"
	"github.com/JakeFAU/reverse-image-crawler/internal/runner"
	"github.com/JakeFAU/reverse-image-crawler/internal/search"
)

const resultPage = `<html><body>
<div class="card-section"><span>Best guess for this image:</span><a href="/search?q=tabby">tabby cat</a></div>
</body></html>`

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Output.Backend = config.BackendMemory
	cfg.RateLimit.MinDelay = 0
	cfg.RateLimit.MaxDelay = 0
	cfg.Search.BaseURL = baseURL + "/searchbyimage?"
	return cfg
}

func TestAppRunsSearchEndToEnd(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Query().Get("image_url") == "" {
			http.Error(w, "missing image", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(resultPage))
	}))
	defer srv.Close()

	a, err := app.New(context.Background(), testConfig(t, srv.URL), nil, app.Options{})
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()
	require.Nil(t, a.Server())

	r, err := a.NewRunner(runner.StaticURLs{"https://img.test/1.jpg", "https://img.test/2.jpg"},
		runner.Config{MaxPredictions: 1})
	require.NoError(t, err)

	summary, err := r.Run(context.Background(), []string{"cat"})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Predictions)
	require.Equal(t, int32(1), hits.Load(), "the batch stops once the cap is reached")

	preds, err := a.BlobStore().GetObject(context.Background(), summary.RunID.String()+"/cat/preds.txt")
	require.NoError(t, err)
	require.Equal(t, "tabby cat\n", string(preds))
}

func TestAppPubSubDryRunKeepsEventsInProcess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(resultPage))
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.PubSub.Topic = "batches"
	cfg.PubSub.DryRun = true
	require.NoError(t, cfg.Validate(), "dry run needs no project id")

	a, err := app.New(context.Background(), cfg, nil, app.Options{})
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	r, err := a.NewRunner(runner.StaticURLs{"https://img.test/1.jpg"}, runner.Config{MaxPredictions: 1})
	require.NoError(t, err)
	_, err = r.Run(context.Background(), []string{"cat", "owl"})
	require.NoError(t, err)

	dry, ok := a.Publisher().(*pubmemory.Publisher)
	require.True(t, ok)
	msgs := dry.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "batches", msgs[0].Topic)
	require.Contains(t, string(msgs[1].Data), `"query":"owl"`)
}

func TestAppAbortsWhenDirectEgressKeepsGettingChallenged(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a, err := app.New(context.Background(), testConfig(t, srv.URL), nil, app.Options{})
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	r, err := a.NewRunner(runner.StaticURLs{"u1", "u2", "u3", "u4"}, runner.Config{MaxPredictions: 10})
	require.NoError(t, err)

	summary, err := r.Run(context.Background(), []string{"owl", "fox"})
	require.ErrorIs(t, err, search.ErrAbort)
	require.True(t, summary.Aborted)
	require.Equal(t, 3, a.Pool().DirectFailures())
	// two primary tries plus one second-chance try for each of the first two
	// URLs; the third URL aborts before its second chance
	require.Equal(t, int32(3+3+2), hits.Load())

	urls, err := a.BlobStore().GetObject(context.Background(), summary.RunID.String()+"/owl/urls.txt")
	require.NoError(t, err)
	require.Equal(t, "u1\nu2\nu3\nu4\n", string(urls))
}

func TestAppStartsStatusServerWhenConfigured(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "https://search.test")
	cfg.Server.Port = 18080
	cfg.Proxy.Addresses = []string{"10.0.0.1"}
	a, err := app.New(context.Background(), cfg, nil, app.Options{})
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()
	require.NotNil(t, a.Server())

	rec := httptest.NewRecorder()
	a.Server().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/proxies", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "10.0.0.1"))
}

func TestAppConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{name: "proxy scheme", mutate: func(c *config.Config) { c.Proxy.Scheme = "ftp" }, want: "proxy pool"},
		{name: "negative delay", mutate: func(c *config.Config) { c.RateLimit.MinDelay = -1 }, want: "rate limiter"},
		{
			name: "gcs without bucket",
			mutate: func(c *config.Config) {
				c.Output.Backend = config.BackendGCS
				c.Output.Bucket = ""
			},
			want: "bucket",
		},
		{name: "bad dsn", mutate: func(c *config.Config) { c.DB.DSN = "://nope" }, want: "prediction store"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t, "https://search.test")
			tc.mutate(&cfg)
			_, err := app.New(context.Background(), cfg, nil, app.Options{})
			require.ErrorContains(t, err, tc.want)
		})
	}
}
