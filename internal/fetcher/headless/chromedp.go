// Package headless contains the browser-backed fallback used when the search
// engine answers with an anti-bot challenge.
package headless

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/reverse-image-crawler/internal/search"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultResumeToken       = "cont"
)

// Config controls the behavior of the headless solver.
type Config struct {
	// Headless hides the browser window. Interactive solving needs it off.
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	// Interactive waits for an operator to clear the challenge and type
	// ResumeToken on Prompt before the page is read again.
	Interactive bool
	ResumeToken string
	Prompt      io.Reader
	Out         io.Writer
	ExecPath    string
}

// page is the slice of a browser tab the solver drives.
type page interface {
	Open(ctx context.Context, targetURL string) error
	HTML(ctx context.Context) (string, error)
	Close()
}

type pageFactory func(ctx context.Context, proxyURL *url.URL) (page, error)

// Solver implements search.Solver with chromedp.
type Solver struct {
	cfg     Config
	parser  search.Parser
	logger  *zap.Logger
	newPage pageFactory

	promptMu    sync.Mutex
	prompt      *bufio.Reader
	promptOnce  sync.Once
	promptLines chan promptLine
}

type promptLine struct {
	text string
	err  error
}

// NewChromedp creates a chromedp-backed solver that parses pages with parser.
func NewChromedp(cfg Config, parser search.Parser, logger *zap.Logger) (*Solver, error) {
	if parser == nil {
		return nil, fmt.Errorf("parser is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if strings.TrimSpace(cfg.ResumeToken) == "" {
		cfg.ResumeToken = defaultResumeToken
	}
	if cfg.Interactive && cfg.Prompt == nil {
		return nil, fmt.Errorf("interactive solving requires a prompt reader")
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	s := &Solver{
		cfg:    cfg,
		parser: parser,
		logger: logger.Named("headless_solver"),
	}
	if cfg.Prompt != nil {
		s.prompt = bufio.NewReader(cfg.Prompt)
		s.promptLines = make(chan promptLine)
	}
	s.newPage = s.openChromedp
	return s, nil
}

// Solve loads targetURL in a browser routed through proxyURL and parses the
// rendered page. In interactive mode a miss pauses for the operator before a
// second read.
func (s *Solver) Solve(ctx context.Context, proxyURL *url.URL, targetURL string) (search.Prediction, error) {
	tab, err := s.newPage(ctx, proxyURL)
	if err != nil {
		return "", fmt.Errorf("start browser: %w", err)
	}
	defer tab.Close()

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigationTimeout)
	err = tab.Open(navCtx, targetURL)
	cancel()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", targetURL, err)
	}

	pred, err := s.read(ctx, tab)
	if err == nil || !errors.Is(err, search.ErrNoPrediction) || !s.cfg.Interactive {
		return pred, err
	}

	s.logger.Warn("waiting for operator to clear challenge",
		zap.String("query_url", targetURL),
		zap.String("resume_token", s.cfg.ResumeToken),
	)
	if err := s.awaitResume(ctx, targetURL); err != nil {
		return "", err
	}
	return s.read(ctx, tab)
}

func (s *Solver) read(ctx context.Context, tab page) (search.Prediction, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigationTimeout)
	defer cancel()
	body, err := tab.HTML(readCtx)
	if err != nil {
		return "", fmt.Errorf("read page: %w", err)
	}
	pred, err := s.parser.Parse([]byte(body))
	if err != nil {
		return "", fmt.Errorf("parse solved page: %w", err)
	}
	return pred, nil
}

func (s *Solver) awaitResume(ctx context.Context, targetURL string) error {
	s.promptMu.Lock()
	defer s.promptMu.Unlock()
	if _, err := fmt.Fprintf(s.cfg.Out, "Solve the challenge for %s, then type %q and press enter: ",
		targetURL, s.cfg.ResumeToken); err != nil {
		return fmt.Errorf("write prompt: %w", err)
	}

	// one reader goroutine owns the prompt for the solver's lifetime
	s.promptOnce.Do(func() { go s.pumpPrompt() })
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("await operator: %w", ctx.Err())
		case line, ok := <-s.promptLines:
			if !ok {
				return fmt.Errorf("read prompt: %w", io.ErrClosedPipe)
			}
			if strings.TrimSpace(line.text) == s.cfg.ResumeToken {
				return nil
			}
			if line.err != nil {
				return fmt.Errorf("read prompt: %w", line.err)
			}
		}
	}
}

func (s *Solver) pumpPrompt() {
	defer close(s.promptLines)
	for {
		line, err := s.prompt.ReadString('\n')
		s.promptLines <- promptLine{text: line, err: err}
		if err != nil {
			return
		}
	}
}

func (s *Solver) openChromedp(ctx context.Context, proxyURL *url.URL) (page, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", s.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if s.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(s.cfg.ExecPath))
	}
	if server := proxyServer(proxyURL); server != "" {
		if proxyURL.User != nil {
			s.logger.Warn("browser proxy credentials are not forwarded", zap.String("proxy", proxyURL.Host))
		}
		opts = append(opts, chromedp.ProxyServer(server))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	return &chromedpPage{
		ctx:       taskCtx,
		userAgent: s.cfg.UserAgent,
		cancel: func() {
			taskCancel()
			allocCancel()
		},
	}, nil
}

// chromedpPage runs actions against one browser tab. The task context owns the
// browser; per-call contexts only bound individual steps.
type chromedpPage struct {
	ctx       context.Context
	userAgent string
	cancel    context.CancelFunc
}

func (p *chromedpPage) Open(ctx context.Context, targetURL string) error {
	return p.run(ctx,
		p.networkSetupAction(),
		chromedp.Navigate(targetURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (p *chromedpPage) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

func (p *chromedpPage) Close() {
	p.cancel()
}

func (p *chromedpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(p.ctx, actions...)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("chromedp run: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("chromedp run: %w", err)
		}
		return nil
	}
}

func (p *chromedpPage) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if p.userAgent != "" {
			if err := emulation.SetUserAgentOverride(p.userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// proxyServer renders the --proxy-server value; the flag takes no credentials.
func proxyServer(u *url.URL) string {
	if u == nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
