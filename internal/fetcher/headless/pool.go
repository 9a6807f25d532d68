// Package headless renders JavaScript pages through a bounded pool of
// reusable headless Chrome sessions driven by chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/statcache/internal/metrics"
	"github.com/JakeFAU/statcache/internal/scraper"
)

// ErrPoolClosed is returned by Load after Close.
var ErrPoolClosed = errors.New("browser pool closed")

// Desktop and mobile user agents presented to the prediction site.
const (
	DesktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	MobileUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 15_0 like Mac OS X) " +
		"AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.0 Mobile/15E148 Safari/604.1"
)

// Config controls the session pool.
type Config struct {
	// PoolSize caps the number of live browser sessions.
	PoolSize          int
	UserAgent         string
	NavigationTimeout time.Duration
	// ExecPath overrides the Chrome binary.
	ExecPath string
	// WaitSelector must be present before the DOM is captured.
	WaitSelector string
	// SettleDelay lets late scripts finish after WaitSelector appears.
	SettleDelay time.Duration
}

type session struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Pool implements scraper.PageLoader with reusable browser sessions.
type Pool struct {
	cfg         Config
	logger      *zap.Logger
	slots       chan struct{}
	idle        chan *session
	allocator   context.Context
	allocCancel context.CancelFunc

	mu     sync.Mutex
	closed bool

	open   func() (*session, error)
	render func(ctx context.Context, s *session, rawURL string) (scraper.Page, error)
}

var _ scraper.PageLoader = (*Pool)(nil)

// NewPool creates a pool. Chrome is not started until the first Load.
func NewPool(cfg Config, logger *zap.Logger) (*Pool, error) {
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("pool size must be > 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DesktopUserAgent
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("lang", "ko_KR"),
		chromedp.WindowSize(1280, 1600),
		chromedp.NoSandbox,
		chromedp.UserAgent(cfg.UserAgent),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	p := &Pool{
		cfg:         cfg,
		logger:      logger.Named("browser_pool"),
		slots:       make(chan struct{}, cfg.PoolSize),
		idle:        make(chan *session, cfg.PoolSize),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}
	p.open = p.openSession
	p.render = p.renderPage
	return p, nil
}

// Load renders rawURL on a pooled session. The session is returned to the
// pool on success and discarded on error or panic; the slot is released on
// every path.
func (p *Pool) Load(ctx context.Context, rawURL string) (scraper.Page, error) {
	s, err := p.acquire(ctx)
	if err != nil {
		return scraper.Page{}, err
	}
	metrics.IncBrowserSessionsBusy()
	healthy := false
	defer func() {
		metrics.DecBrowserSessionsBusy()
		p.release(s, healthy)
	}()

	page, err := p.render(ctx, s, rawURL)
	if err != nil {
		return scraper.Page{}, err
	}
	healthy = true
	return page, nil
}

// Close tears down idle sessions and the allocator. Busy sessions are
// discarded as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case s := <-p.idle:
			s.cancel()
		default:
			p.allocCancel()
			return
		}
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) acquire(ctx context.Context) (*session, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("browser session wait canceled: %w", ctx.Err())
	}
	select {
	case s := <-p.idle:
		return s, nil
	default:
	}
	s, err := p.open()
	if err != nil {
		<-p.slots
		return nil, err
	}
	return s, nil
}

func (p *Pool) release(s *session, healthy bool) {
	defer func() { <-p.slots }()
	if !healthy || p.isClosed() {
		s.cancel()
		return
	}
	select {
	case p.idle <- s:
	default:
		s.cancel()
	}
}

func (p *Pool) openSession() (*session, error) {
	ctx, cancel := chromedp.NewContext(p.allocator)
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("start browser session: %w", err)
	}
	p.logger.Debug("browser session started")
	return &session{ctx: ctx, cancel: cancel}, nil
}

func (p *Pool) renderPage(ctx context.Context, s *session, rawURL string) (scraper.Page, error) {
	taskCtx, cancel := context.WithTimeout(s.ctx, p.cfg.NavigationTimeout)
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	var (
		html, finalURL string
		scrolled       bool
	)
	tasks := chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := network.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable network domain: %w", err)
			}
			if err := emulation.SetUserAgentOverride(p.cfg.UserAgent).WithAcceptLanguage("ko-KR,ko;q=0.9").Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
			return nil
		}),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady(p.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight), true`, &scrolled),
		chromedp.Sleep(p.settleDelay()),
		chromedp.Evaluate(`window.scrollTo(0, 0), true`, &scrolled),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return scraper.Page{}, fmt.Errorf("chromedp run: %w", ctxErr)
		}
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			return scraper.Page{}, fmt.Errorf("chromedp run: %w", context.DeadlineExceeded)
		}
		return scraper.Page{}, fmt.Errorf("chromedp run: %w", err)
	}

	status, url := meta.snapshot(rawURL, finalURL)
	return scraper.Page{
		URL:        rawURL,
		FinalURL:   url,
		StatusCode: status,
		Body:       []byte(html),
		Rendered:   true,
	}, nil
}

func (p *Pool) settleDelay() time.Duration {
	if p.cfg.SettleDelay > 0 {
		return p.cfg.SettleDelay
	}
	return 600 * time.Millisecond
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

type responseMeta struct {
	mu     sync.Mutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		return
	}
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
}

func (m *responseMeta) snapshot(requestURL, finalURL string) (int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, url := m.status, m.url
	switch {
	case finalURL != "":
		url = finalURL
	case url == "":
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
