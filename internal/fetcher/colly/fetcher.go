// Package collyfetcher implements search.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/reverse-image-crawler/internal/search"
)

const defaultTimeout = 15 * time.Second

var (
	// DefaultGoodCodes are the statuses treated as success.
	DefaultGoodCodes = []int{http.StatusOK}
	// DefaultRetryableCodes are the non-success statuses worth another attempt.
	DefaultRetryableCodes = []int{
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	}
)

// Config controls collector behavior.
type Config struct {
	// UserAgent is used when the request carries none.
	UserAgent      string
	Timeout        time.Duration
	GoodCodes      []int
	RetryableCodes []int
	Headers        http.Header
}

// Fetcher performs one GET per call through a fresh collector so proxy and
// user agent never leak between attempts.
type Fetcher struct {
	cfg    Config
	logger *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if len(cfg.GoodCodes) == 0 {
		cfg.GoodCodes = DefaultGoodCodes
	}
	if len(cfg.RetryableCodes) == 0 {
		cfg.RetryableCodes = DefaultRetryableCodes
	}
	return &Fetcher{cfg: cfg, logger: logger.Named("colly_fetcher")}
}

// Fetch executes a single HTTP GET and classifies the result.
func (f *Fetcher) Fetch(ctx context.Context, request search.FetchRequest) search.FetchOutcome {
	var (
		resp     *colly.Response
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request)
	f.configureCollectorHooks(collector, request, &resp, &fetchErr)

	var outcome search.FetchOutcome
	err := f.runCollector(ctx, collector, request.URL, &fetchErr)
	if err != nil && ctx.Err() != nil {
		// the visit goroutine may still be writing resp
		outcome = search.FetchOutcome{Kind: search.OutcomeTransportError, Err: err}
	} else {
		outcome = f.classify(resp, err)
	}
	outcome.Duration = time.Since(start)
	f.logger.Debug("fetch finished",
		zap.String("query_url", request.URL),
		zap.String("proxy", request.Proxy),
		zap.Stringer("outcome", outcome.Kind),
		zap.Int("status_code", outcome.StatusCode),
		zap.Duration("duration", outcome.Duration),
	)
	return outcome
}

func (f *Fetcher) buildCollector(request search.FetchRequest) *colly.Collector {
	collector := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
	)
	switch {
	case request.UserAgent != "":
		collector.UserAgent = request.UserAgent
	case f.cfg.UserAgent != "":
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(newHTTPTransport(request.ProxyURL))
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request search.FetchRequest,
	result **colly.Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range f.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = r
	})

	hooks.OnError(func(r *colly.Response, err error) {
		*fetchErr = err
		if r != nil && r.StatusCode != 0 {
			*result = r
		}
		f.logger.Debug("collector error", zap.String("query_url", request.URL), zap.Error(err))
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) classify(resp *colly.Response, err error) search.FetchOutcome {
	if resp == nil || resp.StatusCode == 0 {
		if err == nil {
			err = errors.New("no response received")
		}
		return search.FetchOutcome{Kind: search.OutcomeTransportError, Err: err}
	}
	code := resp.StatusCode
	switch {
	case slices.Contains(f.cfg.GoodCodes, code):
		return search.FetchOutcome{
			Kind:       search.OutcomeSuccess,
			StatusCode: code,
			Body:       append([]byte(nil), resp.Body...),
		}
	case slices.Contains(f.cfg.RetryableCodes, code):
		return search.FetchOutcome{Kind: search.OutcomeRetryableStatus, StatusCode: code}
	default:
		return search.FetchOutcome{Kind: search.OutcomeFatalStatus, StatusCode: code}
	}
}

func newHTTPTransport(proxyURL *url.URL) *http.Transport {
	proxy := http.ProxyFromEnvironment
	if proxyURL != nil {
		proxy = http.ProxyURL(proxyURL)
	}
	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     true,
	}
}
