// Package proxy manages the rotating egress proxy pool and its health counters.
package proxy

import (
	"fmt"
	"math/rand/v2"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/reverse-image-crawler/internal/metrics"
)

// Supported proxy schemes.
const (
	SchemeHTTP   = "http"
	SchemeSOCKS5 = "socks5"
)

const (
	defaultFailureThreshold = 3
	defaultMinPoolSize      = 1
	defaultHTTPPort         = 3128
	defaultSOCKS5Port       = 1080
)

// Config controls pool construction.
type Config struct {
	Addresses        []string
	Scheme           string
	Port             int
	Username         string
	Password         string
	Shuffle          bool
	FailureThreshold int
	MinPoolSize      int
}

// Status is a point-in-time view of one proxy.
type Status struct {
	Address  string `json:"address"`
	Failures int    `json:"failures"`
	Evicted  bool   `json:"evicted"`
}

// Pool is an ordered, shrinking set of proxy addresses with a rotation cursor.
// Counters are never reset within a run and evicted addresses never return.
type Pool struct {
	mu             sync.Mutex
	addrs          []string
	evicted        []string
	cursor         int
	failures       map[string]int
	directFailures int

	threshold int
	minSize   int
	scheme    string
	port      int
	user      *url.Userinfo

	rng    *rand.Rand
	logger *zap.Logger
}

// New builds a Pool from cfg. An empty address list yields a pool that always selects nothing.
func New(cfg Config, logger *zap.Logger) (*Pool, error) {
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // selection is not security sensitive
	return newPool(cfg, logger, rng)
}

func newPool(cfg Config, logger *zap.Logger, rng *rand.Rand) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	scheme := strings.ToLower(strings.TrimSpace(cfg.Scheme))
	if scheme == "" {
		scheme = SchemeHTTP
	}
	port := cfg.Port
	switch scheme {
	case SchemeHTTP:
		if port == 0 {
			port = defaultHTTPPort
		}
	case SchemeSOCKS5:
		if port == 0 {
			port = defaultSOCKS5Port
		}
	default:
		return nil, fmt.Errorf("proxy scheme must be %q or %q, got %q", SchemeHTTP, SchemeSOCKS5, cfg.Scheme)
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("proxy port out of range: %d", port)
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	minSize := cfg.MinPoolSize
	if minSize <= 0 {
		minSize = defaultMinPoolSize
	}

	addrs := make([]string, 0, len(cfg.Addresses))
	seen := make(map[string]struct{}, len(cfg.Addresses))
	for _, raw := range cfg.Addresses {
		addr := strings.TrimSpace(raw)
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		addrs = append(addrs, addr)
	}
	if cfg.Shuffle {
		rng.Shuffle(len(addrs), func(i, j int) {
			addrs[i], addrs[j] = addrs[j], addrs[i]
		})
	}

	var user *url.Userinfo
	if cfg.Username != "" && cfg.Password != "" {
		user = url.UserPassword(cfg.Username, cfg.Password)
	}

	metrics.SetActiveProxies(len(addrs))
	return &Pool{
		addrs:     addrs,
		failures:  make(map[string]int, len(addrs)),
		threshold: threshold,
		minSize:   minSize,
		scheme:    scheme,
		port:      port,
		user:      user,
		rng:       rng,
		logger:    logger.Named("proxy_pool"),
	}, nil
}

// Select returns a proxy address. With rotate set it returns the address at the
// cursor and advances it; otherwise it picks uniformly at random and leaves the
// cursor alone. The boolean is false when the pool is empty.
func (p *Pool) Select(rotate bool) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.addrs)
	if n == 0 {
		return "", false
	}
	if !rotate {
		return p.addrs[p.rng.IntN(n)], true
	}
	addr := p.addrs[p.cursor]
	p.cursor = (p.cursor + 1) % n
	return addr, true
}

// Previous returns the address immediately behind the cursor.
func (p *Pool) Previous() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.addrs)
	if n == 0 {
		return "", false
	}
	return p.addrs[(p.cursor-1+n)%n], true
}

// RecordFailure counts an anti-bot failure against addr and reports whether
// the address was evicted by this call. Unknown or already evicted addresses
// are ignored.
func (p *Pool) RecordFailure(addr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.indexOf(addr)
	if idx < 0 {
		return false
	}
	p.failures[addr]++
	count := p.failures[addr]
	if count < p.threshold {
		p.logger.Warn("proxy failure recorded",
			zap.String("proxy", addr),
			zap.Int("failures", count),
			zap.Int("threshold", p.threshold),
		)
		return false
	}

	p.addrs = append(p.addrs[:idx], p.addrs[idx+1:]...)
	p.evicted = append(p.evicted, addr)
	if idx < p.cursor {
		p.cursor--
	}
	if len(p.addrs) == 0 {
		p.cursor = 0
	} else {
		p.cursor %= len(p.addrs)
	}
	metrics.ObserveEviction(len(p.addrs))
	p.logger.Error("proxy evicted",
		zap.String("proxy", addr),
		zap.Int("failures", count),
		zap.Int("remaining", len(p.addrs)),
	)
	return true
}

// RecordDirectFailure counts an anti-bot failure on direct egress and reports
// whether the global threshold has been reached.
func (p *Pool) RecordDirectFailure() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.directFailures++
	p.logger.Warn("direct egress failure recorded",
		zap.Int("failures", p.directFailures),
		zap.Int("threshold", p.threshold),
	)
	return p.directFailures >= p.threshold
}

// DirectFailures returns the global failure count for direct egress.
func (p *Pool) DirectFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.directFailures
}

// Exhausted reports whether fewer proxies remain than the minimum operational size.
func (p *Pool) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.addrs) < p.minSize
}

// Len returns the number of live proxies.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.addrs)
}

// Snapshot lists live proxies in rotation order followed by evicted ones.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.addrs)+len(p.evicted))
	for _, addr := range p.addrs {
		out = append(out, Status{Address: addr, Failures: p.failures[addr]})
	}
	for _, addr := range p.evicted {
		out = append(out, Status{Address: addr, Failures: p.failures[addr], Evicted: true})
	}
	return out
}

// URL renders addr with the pool's scheme, credentials and default port.
// An address that already carries a port keeps it.
func (p *Pool) URL(addr string) (*url.URL, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("proxy address is required")
	}
	host := addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		host = net.JoinHostPort(strings.Trim(addr, "[]"), strconv.Itoa(p.port))
	}
	return &url.URL{
		Scheme: p.scheme,
		User:   p.user,
		Host:   host,
		Path:   "/",
	}, nil
}

func (p *Pool) indexOf(addr string) int {
	for i, a := range p.addrs {
		if a == addr {
			return i
		}
	}
	return -1
}
