package search

import (
	"errors"
	"net/url"
	"time"
)

var (
	// ErrAbort marks a run-ending condition such as every proxy being evicted.
	ErrAbort = errors.New("search aborted")
	// ErrNoPrediction is returned by parsers and solvers that found nothing.
	ErrNoPrediction = errors.New("no prediction")
)

// OutcomeKind classifies a single fetch.
type OutcomeKind int

// Fetch outcome kinds.
const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryableStatus
	OutcomeFatalStatus
	OutcomeTransportError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryableStatus:
		return "retryable_status"
	case OutcomeFatalStatus:
		return "fatal_status"
	case OutcomeTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// FetchRequest describes one outbound GET.
type FetchRequest struct {
	URL       string
	Proxy     string
	ProxyURL  *url.URL
	UserAgent string
}

// FetchOutcome is the tagged result of one fetch. Body is set only for
// OutcomeSuccess, StatusCode for the status kinds and Err for transport errors.
type FetchOutcome struct {
	Kind       OutcomeKind
	StatusCode int
	Body       []byte
	Err        error
	// Proxy is the pool address the request went through, empty for direct egress.
	Proxy     string
	UserAgent string
	Duration  time.Duration
}

// OK reports whether the outcome carries a usable body.
func (o FetchOutcome) OK() bool {
	return o.Kind == OutcomeSuccess
}

// Prediction is a trimmed, non-empty label extracted from a result page.
type Prediction string

// Source values recorded on URLRecord.
const (
	SourcePrimary      = "primary"
	SourceSecondChance = "second_chance"
	SourceSolver       = "solver"
	SourceNone         = "none"
)

// URLRecord captures what happened for one input image URL.
type URLRecord struct {
	ImageURL   string     `json:"image_url"`
	QueryURL   string     `json:"query_url"`
	Prediction Prediction `json:"prediction,omitempty"`
	Source     string     `json:"source"`
	Outcome    string     `json:"outcome"`
	StatusCode int        `json:"status_code,omitempty"`
	Proxy      string     `json:"proxy,omitempty"`
	Captcha    bool       `json:"captcha,omitempty"`
}

// BatchResult aggregates predictions for one query.
type BatchResult struct {
	Query       string       `json:"query"`
	Predictions []Prediction `json:"predictions"`
	Records     []URLRecord  `json:"records"`
}
