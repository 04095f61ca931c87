package search

import (
	"context"
	"net/url"
)

// Fetcher performs exactly one HTTP attempt and classifies it.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) FetchOutcome
}

// Parser extracts a prediction from a result page body.
type Parser interface {
	Parse(body []byte) (Prediction, error)
}

// Solver is the heavy fallback used after an anti-bot response. proxyURL is
// nil for direct egress. ErrNoPrediction means the solver gave up cleanly.
type Solver interface {
	Solve(ctx context.Context, proxyURL *url.URL, targetURL string) (Prediction, error)
}

// ProxyPool is the subset of the proxy pool used by the search core.
type ProxyPool interface {
	Select(rotate bool) (string, bool)
	URL(addr string) (*url.URL, error)
	RecordFailure(addr string) bool
	RecordDirectFailure() bool
	Exhausted() bool
	Len() int
}

// Delayer sleeps between requests.
type Delayer interface {
	Wait(ctx context.Context) error
}

// UserAgentSource yields the User-Agent for the next request.
type UserAgentSource interface {
	Next() string
}
