package search

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/stretchr/testify/mock"
)

// scriptedFetcher replays outcomes in order and repeats the last one.
type scriptedFetcher struct {
	mu       sync.Mutex
	outcomes []FetchOutcome
	requests []FetchRequest
}

func newScriptedFetcher(outcomes ...FetchOutcome) *scriptedFetcher {
	return &scriptedFetcher{outcomes: outcomes}
}

func (f *scriptedFetcher) Fetch(_ context.Context, req FetchRequest) FetchOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	idx := len(f.requests) - 1
	if idx >= len(f.outcomes) {
		idx = len(f.outcomes) - 1
	}
	return f.outcomes[idx]
}

func (f *scriptedFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func success(body string) FetchOutcome {
	return FetchOutcome{Kind: OutcomeSuccess, StatusCode: 200, Body: []byte(body)}
}

func captcha() FetchOutcome {
	return FetchOutcome{Kind: OutcomeRetryableStatus, StatusCode: 503}
}

func fatal(code int) FetchOutcome {
	return FetchOutcome{Kind: OutcomeFatalStatus, StatusCode: code}
}

// fakePool mirrors the rotating pool semantics without metrics or logging.
type fakePool struct {
	addrs     []string
	cursor    int
	failures  map[string]int
	direct    int
	threshold int
}

func newFakePool(threshold int, addrs ...string) *fakePool {
	return &fakePool{addrs: addrs, failures: map[string]int{}, threshold: threshold}
}

func (p *fakePool) Select(bool) (string, bool) {
	if len(p.addrs) == 0 {
		return "", false
	}
	addr := p.addrs[p.cursor]
	p.cursor = (p.cursor + 1) % len(p.addrs)
	return addr, true
}

func (p *fakePool) URL(addr string) (*url.URL, error) {
	return &url.URL{Scheme: "http", Host: addr + ":3128", Path: "/"}, nil
}

func (p *fakePool) RecordFailure(addr string) bool {
	for i, a := range p.addrs {
		if a != addr {
			continue
		}
		p.failures[addr]++
		if p.failures[addr] < p.threshold {
			return false
		}
		p.addrs = append(p.addrs[:i], p.addrs[i+1:]...)
		if len(p.addrs) > 0 {
			p.cursor %= len(p.addrs)
		} else {
			p.cursor = 0
		}
		return true
	}
	return false
}

func (p *fakePool) RecordDirectFailure() bool {
	p.direct++
	return p.direct >= p.threshold
}

func (p *fakePool) Exhausted() bool { return len(p.addrs) < 1 }

func (p *fakePool) Len() int { return len(p.addrs) }

// MockDelayer is a mock implementation of the Delayer interface.
type MockDelayer struct {
	mock.Mock
}

func (m *MockDelayer) Wait(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func newDelayer(err error) *MockDelayer {
	d := new(MockDelayer)
	d.On("Wait", mock.Anything).Return(err)
	return d
}

// MockUserAgents is a mock implementation of the UserAgentSource interface.
type MockUserAgents struct {
	mock.Mock
}

func (m *MockUserAgents) Next() string {
	args := m.Called()
	return args.String(0)
}

// bodyParser treats the body as the prediction and an empty body as no result.
type bodyParser struct{}

func (bodyParser) Parse(body []byte) (Prediction, error) {
	if len(body) == 0 {
		return "", fmt.Errorf("empty page: %w", ErrNoPrediction)
	}
	return Prediction(body), nil
}

// MockSolver is a mock implementation of the Solver interface.
type MockSolver struct {
	mock.Mock
}

func (m *MockSolver) Solve(ctx context.Context, proxyURL *url.URL, targetURL string) (Prediction, error) {
	args := m.Called(ctx, proxyURL, targetURL)
	return args.Get(0).(Prediction), args.Error(1)
}
