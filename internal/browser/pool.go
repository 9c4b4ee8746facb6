// Package browser manages the bounded pool of headless Chrome processes
// that back the scan pipeline.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/sitegrade/sitegrade/internal/metrics"
)

// ErrAcquireTimeout indicates the pool stayed saturated past the wait bound.
var ErrAcquireTimeout = errors.New("browser pool acquire timed out")

// ErrPoolClosed indicates the pool has been shut down.
var ErrPoolClosed = errors.New("browser pool is closed")

// Config controls pool sizing and timing.
type Config struct {
	Capacity         int
	IdleTTL          time.Duration
	LaunchRetries    int
	LaunchRetryDelay time.Duration
	AcquirePoll      time.Duration
	AcquireTimeout   time.Duration
	MaintainInterval time.Duration
	ProbeTimeout     time.Duration
	UserAgent        string
}

func (c *Config) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 2
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 5 * time.Minute
	}
	if c.LaunchRetries <= 0 {
		c.LaunchRetries = 3
	}
	if c.LaunchRetryDelay <= 0 {
		c.LaunchRetryDelay = time.Second
	}
	if c.AcquirePoll <= 0 {
		c.AcquirePoll = 250 * time.Millisecond
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.MaintainInterval <= 0 {
		c.MaintainInterval = time.Minute
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
}

// PooledBrowser is a handle to one headless Chrome process. Handles are
// lent, not transferred: the borrower must hand the handle back through
// Release. Pool state is ephemeral and rebuilt on process start.
type PooledBrowser struct {
	id            int
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	inUse         bool
	lastUsed      time.Time
	retries       int
}

func (b *PooledBrowser) close() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
}

type launchFunc func(ctx context.Context, cfg Config) (*PooledBrowser, error)

type probeFunc func(b *PooledBrowser, timeout time.Duration) error

// Pool owns a bounded set of browser processes. The handle list is the only
// mutable shared state; every lookup-and-flag-flip happens inside one
// critical section so two callers can never claim the same idle handle.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	browsers  []*PooledBrowser
	launching int
	nextID    int
	closed    bool

	launch launchFunc
	probe  probeFunc
}

// NewPool constructs a Pool. Browsers are launched lazily on demand; the
// maintain loop keeps a warm instance once traffic has arrived.
func NewPool(cfg Config, logger *zap.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Pool{
		cfg:    cfg,
		logger: logger,
		launch: launchChromedp,
		probe:  probeTargets,
	}
}

// Acquire returns an exclusive browser handle. It prefers an idle healthy
// handle, launches below capacity, and otherwise polls until a handle frees
// up or the wait bound elapses, failing with ErrAcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (*PooledBrowser, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	for {
		handle, err := p.tryAcquire(ctx)
		if err != nil {
			return nil, err
		}
		if handle != nil {
			return handle, nil
		}
		// Saturated: every handle is lent out and the pool is at capacity.
		if time.Now().After(deadline) {
			metrics.ObserveAcquire("timeout")
			return nil, ErrAcquireTimeout
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire wait: %w", ctx.Err())
		case <-time.After(p.cfg.AcquirePoll):
		}
	}
}

// tryAcquire makes a single pass: idle handle, else launch below capacity,
// else (nil, nil) to signal saturation.
func (p *Pool) tryAcquire(ctx context.Context) (*PooledBrowser, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		var candidate *PooledBrowser
		for _, b := range p.browsers {
			if !b.inUse {
				candidate = b
				b.inUse = true
				break
			}
		}
		canLaunch := candidate == nil && len(p.browsers)+p.launching < p.cfg.Capacity
		if canLaunch {
			p.launching++
		}
		p.updateGauges()
		p.mu.Unlock()

		if candidate != nil {
			if err := p.probe(candidate, p.cfg.ProbeTimeout); err != nil {
				p.logger.Warn("evicting unhealthy browser on acquire",
					zap.Int("browser_id", candidate.id),
					zap.Error(err),
				)
				p.evict(candidate, "unhealthy")
				continue
			}
			metrics.ObserveAcquire("hit")
			return candidate, nil
		}

		if canLaunch {
			handle, err := p.launchWithRetry(ctx)
			p.mu.Lock()
			p.launching--
			if err != nil {
				p.updateGauges()
				p.mu.Unlock()
				metrics.ObserveAcquire("error")
				return nil, err
			}
			if p.closed {
				p.mu.Unlock()
				handle.close()
				return nil, ErrPoolClosed
			}
			handle.id = p.nextID
			p.nextID++
			handle.inUse = true
			handle.lastUsed = time.Now()
			p.browsers = append(p.browsers, handle)
			p.updateGauges()
			p.mu.Unlock()
			metrics.ObserveAcquire("launch")
			p.logger.Info("launched browser",
				zap.Int("browser_id", handle.id),
				zap.Int("launch_retries", handle.retries),
			)
			return handle, nil
		}

		return nil, nil
	}
}

// launchWithRetry attempts a browser launch up to the configured attempt
// cap with a fixed inter-attempt delay.
func (p *Pool) launchWithRetry(ctx context.Context) (*PooledBrowser, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.LaunchRetries; attempt++ {
		handle, err := p.launch(ctx, p.cfg)
		if err == nil {
			handle.retries = attempt - 1
			metrics.ObserveLaunch("ok")
			return handle, nil
		}
		lastErr = err
		metrics.ObserveLaunch("error")
		p.logger.Warn("browser launch failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == p.cfg.LaunchRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("launch wait: %w", ctx.Err())
		case <-time.After(p.cfg.LaunchRetryDelay):
		}
	}
	return nil, fmt.Errorf("launch browser after %d attempts: %w", p.cfg.LaunchRetries, lastErr)
}

// Release returns a handle to the idle set. The handle is re-probed first;
// an unhealthy handle is evicted instead of rejoining the pool.
func (p *Pool) Release(handle *PooledBrowser) {
	if handle == nil {
		return
	}
	if err := p.probe(handle, p.cfg.ProbeTimeout); err != nil {
		p.logger.Warn("evicting unhealthy browser on release",
			zap.Int("browser_id", handle.id),
			zap.Error(err),
		)
		p.evict(handle, "unhealthy")
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		handle.close()
		return
	}
	handle.inUse = false
	handle.lastUsed = time.Now()
	p.updateGauges()
	p.mu.Unlock()
}

// Maintain runs the background upkeep loop until the context finishes:
// idle-TTL eviction, health sweeps, and warm-replacement launches.
func (p *Pool) Maintain(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MaintainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	now := time.Now()

	p.mu.Lock()
	idle := make([]*PooledBrowser, 0, len(p.browsers))
	for _, b := range p.browsers {
		if !b.inUse {
			idle = append(idle, b)
		}
	}
	p.mu.Unlock()

	for _, b := range idle {
		if !p.claim(b) {
			// A caller grabbed it between the snapshot and now.
			continue
		}
		if now.Sub(b.lastUsed) > p.cfg.IdleTTL {
			p.evict(b, "idle_ttl")
			continue
		}
		if err := p.probe(b, p.cfg.ProbeTimeout); err != nil {
			p.logger.Warn("evicting unhealthy idle browser",
				zap.Int("browser_id", b.id),
				zap.Error(err),
			)
			p.evict(b, "unhealthy")
			continue
		}
		p.mu.Lock()
		b.inUse = false
		p.updateGauges()
		p.mu.Unlock()
	}

	p.warmReplace(ctx, now)
}

// claim atomically takes a specific handle out of the idle set so no caller
// can grab it mid-sweep.
func (p *Pool) claim(handle *PooledBrowser) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	for _, b := range p.browsers {
		if b == handle && !b.inUse {
			b.inUse = true
			return true
		}
	}
	return false
}

// warmReplace keeps one warm instance available: if the pool is under
// capacity with no idle member, launch a replacement.
func (p *Pool) warmReplace(ctx context.Context, now time.Time) {
	p.mu.Lock()
	idle := 0
	for _, b := range p.browsers {
		if !b.inUse {
			idle++
		}
	}
	need := !p.closed && idle == 0 && len(p.browsers)+p.launching < p.cfg.Capacity
	if need {
		p.launching++
	}
	p.mu.Unlock()
	if !need {
		return
	}

	handle, err := p.launchWithRetry(ctx)
	p.mu.Lock()
	p.launching--
	if err != nil || p.closed {
		p.updateGauges()
		p.mu.Unlock()
		if handle != nil {
			handle.close()
		}
		if err != nil {
			p.logger.Warn("warm replacement launch failed", zap.Error(err))
		}
		return
	}
	handle.id = p.nextID
	p.nextID++
	handle.lastUsed = now
	p.browsers = append(p.browsers, handle)
	p.updateGauges()
	p.mu.Unlock()
	p.logger.Info("launched warm replacement browser", zap.Int("browser_id", handle.id))
}

func (p *Pool) evict(handle *PooledBrowser, reason string) {
	p.mu.Lock()
	for i, b := range p.browsers {
		if b == handle {
			p.browsers = append(p.browsers[:i], p.browsers[i+1:]...)
			break
		}
	}
	p.updateGauges()
	p.mu.Unlock()
	handle.close()
	metrics.ObserveEviction(reason)
}

// Stats describes the current pool partition.
type Stats struct {
	Capacity int `json:"capacity"`
	Idle     int `json:"idle"`
	InUse    int `json:"in_use"`
}

// PoolStats returns a snapshot of the pool partition.
func (p *Pool) PoolStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := Stats{Capacity: p.cfg.Capacity}
	for _, b := range p.browsers {
		if b.inUse {
			stats.InUse++
		} else {
			stats.Idle++
		}
	}
	return stats
}

// Close shuts down every pooled browser process. This is the guaranteed
// cleanup path for process shutdown, not best-effort.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	browsers := p.browsers
	p.browsers = nil
	p.mu.Unlock()

	for _, b := range browsers {
		b.close()
	}
	metrics.SetPoolBrowsers(0, 0)
	p.logger.Info("browser pool closed", zap.Int("browsers_closed", len(browsers)))
}

// updateGauges must be called with the mutex held.
func (p *Pool) updateGauges() {
	idle, inUse := 0, 0
	for _, b := range p.browsers {
		if b.inUse {
			inUse++
		} else {
			idle++
		}
	}
	metrics.SetPoolBrowsers(idle, inUse)
}

// launchChromedp starts a real Chrome process via a dedicated exec
// allocator and verifies it with a warmup run.
func launchChromedp(_ context.Context, cfg Config) (*PooledBrowser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	return &PooledBrowser{
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

// probeTargets is the cheap liveness probe: list the browser's open targets
// under a short deadline.
func probeTargets(b *PooledBrowser, timeout time.Duration) error {
	if b.browserCtx == nil {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(b.browserCtx, timeout)
	defer cancel()
	if _, err := chromedp.Targets(probeCtx); err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	return nil
}
