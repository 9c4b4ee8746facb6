package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// PageConfig controls the standard configuration applied to every page
// created on a pooled browser.
type PageConfig struct {
	UserAgent        string
	ViewportWidth    int
	ViewportHeight   int
	NavTimeout       time.Duration
	NetworkIdleGrace time.Duration
	BlockedPatterns  []string
}

func (c *PageConfig) applyDefaults() {
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1920
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 1080
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.NetworkIdleGrace <= 0 {
		c.NetworkIdleGrace = 500 * time.Millisecond
	}
	if c.BlockedPatterns == nil {
		c.BlockedPatterns = DefaultBlockedPatterns()
	}
}

// DefaultBlockedPatterns lists resource and tracker URL patterns blocked on
// every page: fonts, media, images, stylesheets, and known tracker domains.
// Blocking them cuts memory and render noise without changing the DOM shape
// the analyzers care about.
func DefaultBlockedPatterns() []string {
	return []string{
		"*.woff", "*.woff2", "*.ttf", "*.otf",
		"*.png", "*.jpg", "*.jpeg", "*.gif", "*.svg", "*.webp", "*.ico",
		"*.mp4", "*.webm", "*.mp3", "*.ogg",
		"*.css",
		"*googletagmanager.com*",
		"*google-analytics.com*",
		"*doubleclick.net*",
		"*connect.facebook.net*",
		"*hotjar.com*",
		"*segment.io*",
	}
}

// Page is a configured tab on a pooled browser. Closing the page always
// returns the underlying browser to the pool, on every exit path.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	pool   *Pool
	handle *PooledBrowser
	cfg    PageConfig

	closeOnce sync.Once
}

// NewPage acquires a browser from the pool and opens a configured tab on
// it: fixed viewport, identity string, default timeouts, and resource
// filtering. On configuration failure the browser is still released.
func (p *Pool) NewPage(ctx context.Context, cfg PageConfig) (*Page, error) {
	cfg.applyDefaults()

	handle, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(handle.browserCtx)
	page := &Page{
		ctx:    tabCtx,
		cancel: tabCancel,
		pool:   p,
		handle: handle,
		cfg:    cfg,
	}

	if err := chromedp.Run(tabCtx, configureTasks(cfg)...); err != nil {
		page.Close()
		return nil, fmt.Errorf("configure page: %w", err)
	}
	return page, nil
}

func configureTasks(cfg PageConfig) []chromedp.Action {
	tasks := []chromedp.Action{
		network.Enable(),
		emulation.SetDeviceMetricsOverride(
			int64(cfg.ViewportWidth),
			int64(cfg.ViewportHeight),
			1.0,
			false,
		),
	}
	if cfg.UserAgent != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(cfg.UserAgent))
	}
	if len(cfg.BlockedPatterns) > 0 {
		tasks = append(tasks, network.SetBlockedURLs(cfg.BlockedPatterns))
	}
	return tasks
}

// Close tears down the tab and returns the browser handle to the pool.
// Safe to call multiple times.
func (pg *Page) Close() {
	pg.closeOnce.Do(func() {
		pg.cancel()
		pg.pool.Release(pg.handle)
	})
}

// Navigate loads the URL under the page-load timeout and waits until the
// network is effectively idle.
func (pg *Page) Navigate(ctx context.Context, rawURL string) error {
	navCtx, cancel := context.WithTimeout(pg.ctx, pg.cfg.NavTimeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	tasks := []chromedp.Action{
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(pg.cfg.NetworkIdleGrace),
	}
	if err := chromedp.Run(navCtx, tasks...); err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	return nil
}

// DOMSize samples the serialized DOM length, the stabilization signal.
func (pg *Page) DOMSize(ctx context.Context) (int, error) {
	evalCtx, cancel := context.WithCancel(pg.ctx)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	var size int
	expr := "document.documentElement.outerHTML.length"
	if err := chromedp.Run(evalCtx, chromedp.Evaluate(expr, &size)); err != nil {
		return 0, fmt.Errorf("sample dom size: %w", err)
	}
	return size, nil
}

// HTML captures the serialized DOM snapshot.
func (pg *Page) HTML(ctx context.Context) (string, error) {
	captureCtx, cancel := context.WithCancel(pg.ctx)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	var html string
	if err := chromedp.Run(captureCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("capture html: %w", err)
	}
	return html, nil
}

// forwardCancel propagates cancellation from the caller's context into a
// chromedp task context.
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
