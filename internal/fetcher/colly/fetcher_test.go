package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/reverse-image-crawler/internal/search"
)

func statusServer(t *testing.T, code int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
		_, _ = fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// TestFetchClassifiesStatuses verifies status codes map onto outcome kinds.
func TestFetchClassifiesStatuses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		code int
		kind search.OutcomeKind
	}{
		{name: "ok", code: http.StatusOK, kind: search.OutcomeSuccess},
		{name: "captcha", code: http.StatusServiceUnavailable, kind: search.OutcomeRetryableStatus},
		{name: "throttled", code: http.StatusTooManyRequests, kind: search.OutcomeRetryableStatus},
		{name: "not found", code: http.StatusNotFound, kind: search.OutcomeFatalStatus},
		{name: "created is not good", code: http.StatusCreated, kind: search.OutcomeFatalStatus},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := statusServer(t, tc.code, "<html>body</html>")
			f := New(Config{Timeout: 5 * time.Second}, nil)

			out := f.Fetch(context.Background(), search.FetchRequest{URL: srv.URL + "/searchbyimage?image_url=x"})
			require.Equal(t, tc.kind, out.Kind)
			require.Equal(t, tc.code, out.StatusCode)
			if tc.kind == search.OutcomeSuccess {
				require.Equal(t, "<html>body</html>", string(out.Body))
			} else {
				require.Empty(t, out.Body)
			}
		})
	}
}

// TestFetchCustomGoodCodes verifies the good status set is configurable.
func TestFetchCustomGoodCodes(t *testing.T) {
	t.Parallel()

	srv := statusServer(t, http.StatusCreated, "made")
	f := New(Config{GoodCodes: []int{http.StatusOK, http.StatusCreated}}, nil)
	out := f.Fetch(context.Background(), search.FetchRequest{URL: srv.URL})
	require.True(t, out.OK())
	require.Equal(t, "made", string(out.Body))
}

// TestFetchTransportError verifies connection failures become transport errors.
func TestFetchTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()

	f := New(Config{Timeout: 2 * time.Second}, nil)
	out := f.Fetch(context.Background(), search.FetchRequest{URL: target})
	require.Equal(t, search.OutcomeTransportError, out.Kind)
	require.Error(t, out.Err)
	require.Zero(t, out.StatusCode)
}

// TestFetchRoutesThroughProxy verifies the request goes to the given proxy.
func TestFetchRoutesThroughProxy(t *testing.T) {
	t.Parallel()

	seen := make(chan string, 1)
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.URL.String()
		_, _ = fmt.Fprint(w, "via proxy")
	}))
	t.Cleanup(proxySrv.Close)
	proxyURL, err := url.Parse(proxySrv.URL + "/")
	require.NoError(t, err)

	f := New(Config{}, nil)
	out := f.Fetch(context.Background(), search.FetchRequest{
		URL:      "http://search.invalid/searchbyimage?image_url=a",
		Proxy:    proxyURL.Host,
		ProxyURL: proxyURL,
	})
	require.True(t, out.OK(), "outcome: %+v", out)
	require.Equal(t, "via proxy", string(out.Body))
	require.Equal(t, "http://search.invalid/searchbyimage?image_url=a", <-seen)
}

// TestFetchSetsUserAgentAndHeaders verifies per-request UA wins over the default.
func TestFetchSetsUserAgentAndHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "%s|%s", r.UserAgent(), r.Header.Get("Accept-Language"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "default/1.0", Headers: http.Header{"Accept-Language": {"fr"}}}, nil)
	out := f.Fetch(context.Background(), search.FetchRequest{URL: srv.URL, UserAgent: "rotating/2.0"})
	require.Equal(t, "rotating/2.0|fr", string(out.Body))

	out = f.Fetch(context.Background(), search.FetchRequest{URL: srv.URL})
	require.Equal(t, "default/1.0|fr", string(out.Body))
}

// TestFetchCanceled verifies a canceled context yields a transport error.
func TestFetchCanceled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f := New(Config{Timeout: 500 * time.Millisecond}, nil)
	out := f.Fetch(ctx, search.FetchRequest{URL: srv.URL})
	require.Equal(t, search.OutcomeTransportError, out.Kind)
	require.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

// TestConfigureCollectorHooks verifies hook wiring without a network round trip.
func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{Headers: http.Header{"X-Trace": {"yes"}}}, nil)
	var (
		result   *colly.Response
		fetchErr error
	)
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, search.FetchRequest{URL: "https://example.com"}, &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	resp := &colly.Response{StatusCode: http.StatusOK, Body: []byte("body")}
	hooks.onResponse(resp)
	require.Same(t, resp, result)

	hooks.onError(&colly.Response{}, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
	require.Same(t, resp, result, "zero-status error responses do not replace the result")
}

// TestClassifyNilResponse verifies a missing response is a transport error.
func TestClassifyNilResponse(t *testing.T) {
	t.Parallel()

	out := New(Config{}, nil).classify(nil, nil)
	require.Equal(t, search.OutcomeTransportError, out.Kind)
	require.EqualError(t, out.Err, "no response received")
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
