// Package crawl drives a single scan from URL to aggregated report: it
// borrows a configured page, waits for the rendered DOM to settle, captures
// a snapshot, and hands it to the analyzers.
package crawl

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sitegrade/sitegrade/internal/metrics"
	"github.com/sitegrade/sitegrade/internal/scan"
)

// Page is the per-crawl view of a pooled browser tab.
type Page interface {
	Navigate(ctx context.Context, url string) error
	DOMSize(ctx context.Context) (int, error)
	HTML(ctx context.Context) (string, error)
	Close()
}

// PageSource hands out configured pages backed by the browser pool.
type PageSource interface {
	NewPage(ctx context.Context) (Page, error)
}

// ReportRunner scores a snapshot into an aggregated report.
type ReportRunner interface {
	Run(ctx context.Context, snap scan.Snapshot) (scan.AggregatedReport, error)
}

// Config tunes the orchestrator.
type Config struct {
	// ThrottleRPS caps navigation starts per second across all workers.
	// Zero disables the throttle.
	ThrottleRPS float64
	// StabilizeInterval is the delay between DOM size samples.
	StabilizeInterval time.Duration
	// StabilizeSamples is how many consecutive equal samples mean settled.
	StabilizeSamples int
	// StabilizeCeiling bounds the whole stabilization wait; reaching it is
	// not an error, the page is snapshotted as-is.
	StabilizeCeiling time.Duration
	// SnapshotContentType is the stored blob content type.
	SnapshotContentType string
	// SnapshotBlobPrefix prefixes snapshot object paths.
	SnapshotBlobPrefix string
	// CompletionTopic receives report-ready events.
	CompletionTopic string
}

func (c *Config) applyDefaults() {
	if c.StabilizeInterval <= 0 {
		c.StabilizeInterval = 500 * time.Millisecond
	}
	if c.StabilizeSamples <= 0 {
		c.StabilizeSamples = 3
	}
	if c.StabilizeCeiling <= 0 {
		c.StabilizeCeiling = 10 * time.Second
	}
	if c.SnapshotContentType == "" {
		c.SnapshotContentType = "text/html; charset=utf-8"
	}
	if c.SnapshotBlobPrefix == "" {
		c.SnapshotBlobPrefix = "snapshots"
	}
	if c.CompletionTopic == "" {
		c.CompletionTopic = "scan-reports"
	}
}

// Orchestrator implements the scan pipeline consumed by the queue workers.
type Orchestrator struct {
	cfg     Config
	pages   PageSource
	reports ReportRunner
	scans   scan.ScanStore
	blobs   scan.BlobStore
	events  scan.Publisher
	hasher  scan.Hasher
	clock   scan.Clock
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewOrchestrator wires the pipeline dependencies together.
func NewOrchestrator(
	cfg Config,
	pages PageSource,
	reports ReportRunner,
	scans scan.ScanStore,
	blobs scan.BlobStore,
	events scan.Publisher,
	hasher scan.Hasher,
	clock scan.Clock,
	logger *zap.Logger,
) *Orchestrator {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.ThrottleRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ThrottleRPS), 1)
	}
	metrics.Init()
	return &Orchestrator{
		cfg:     cfg,
		pages:   pages,
		reports: reports,
		scans:   scans,
		blobs:   blobs,
		events:  events,
		hasher:  hasher,
		clock:   clock,
		limiter: limiter,
		logger:  logger,
	}
}

// Crawl renders the scan's URL and returns the settled snapshot. A missing
// scan record fails fast and is never retried.
func (o *Orchestrator) Crawl(ctx context.Context, scanID string, rep scan.ProgressReporter) (scan.Snapshot, error) {
	sc, err := o.scans.GetScan(ctx, scanID)
	if err != nil {
		return scan.Snapshot{}, fmt.Errorf("load scan %s: %w", scanID, err)
	}
	rep.Report(5, "starting crawl")

	if err := o.scans.UpdateScanStatus(ctx, scanID, scan.ScanStatusInProgress, nil); err != nil {
		return scan.Snapshot{}, fmt.Errorf("mark scan in progress: %w", err)
	}

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return scan.Snapshot{}, fmt.Errorf("throttle wait: %w", err)
		}
	}
	rep.Report(10, "waiting for a browser")

	page, err := o.pages.NewPage(ctx)
	if err != nil {
		return scan.Snapshot{}, fmt.Errorf("configure page: %w", err)
	}
	defer page.Close()
	rep.Report(20, "browser ready")

	if err := page.Navigate(ctx, sc.URL); err != nil {
		return scan.Snapshot{}, fmt.Errorf("navigate to %s: %w", sc.URL, err)
	}
	rep.Report(40, "page loaded")

	samples, err := o.stabilize(ctx, page)
	if err != nil {
		return scan.Snapshot{}, fmt.Errorf("wait for page to settle: %w", err)
	}
	metrics.ObserveStabilizeSamples(samples)
	rep.Report(60, "dynamic content settled")

	html, err := page.HTML(ctx)
	if err != nil {
		return scan.Snapshot{}, fmt.Errorf("capture snapshot: %w", err)
	}
	digest, err := o.hasher.Hash([]byte(html))
	if err != nil {
		return scan.Snapshot{}, fmt.Errorf("digest snapshot: %w", err)
	}
	rep.Report(70, "snapshot captured")

	o.logger.Info("crawl finished",
		zap.String("scan_id", scanID),
		zap.String("url", sc.URL),
		zap.Int("stabilize_samples", samples),
		zap.Int("snapshot_bytes", len(html)),
	)
	return scan.Snapshot{
		ScanID:    scanID,
		URL:       sc.URL,
		HTML:      html,
		FetchedAt: o.clock.Now(),
		Digest:    digest,
	}, nil
}

// stabilize samples the serialized DOM size at a fixed interval until it
// holds steady for the configured run of samples. Hitting the ceiling is
// best-effort: the page is treated as settled anyway.
func (o *Orchestrator) stabilize(ctx context.Context, page Page) (int, error) {
	deadline := time.Now().Add(o.cfg.StabilizeCeiling)
	samples := 0
	streak := 0
	last := -1
	for {
		size, err := page.DOMSize(ctx)
		if err != nil {
			return samples, fmt.Errorf("sample dom size: %w", err)
		}
		samples++
		if size == last {
			streak++
		} else {
			streak = 1
			last = size
		}
		if streak >= o.cfg.StabilizeSamples {
			return samples, nil
		}
		if time.Now().After(deadline) {
			o.logger.Debug("stabilization ceiling reached, proceeding",
				zap.Int("samples", samples),
				zap.Int("last_size", last),
			)
			return samples, nil
		}
		select {
		case <-ctx.Done():
			return samples, ctx.Err()
		case <-time.After(o.cfg.StabilizeInterval):
		}
	}
}

// Analyze fans the snapshot out to the analyzer registry.
func (o *Orchestrator) Analyze(ctx context.Context, snap scan.Snapshot) (scan.AggregatedReport, error) {
	report, err := o.reports.Run(ctx, snap)
	if err != nil {
		return scan.AggregatedReport{}, fmt.Errorf("aggregate analysis: %w", err)
	}
	return report, nil
}

// completionEvent is published when a report lands.
type completionEvent struct {
	ScanID       string    `json:"scan_id"`
	URL          string    `json:"url"`
	OverallScore float64   `json:"overall_score"`
	SnapshotURI  string    `json:"snapshot_uri"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Complete persists the snapshot and report, marks the Scan completed, and
// announces the report downstream. Event delivery is best-effort.
func (o *Orchestrator) Complete(ctx context.Context, scanID string, snap scan.Snapshot, report scan.AggregatedReport) error {
	path := fmt.Sprintf("%s/%s.html", o.cfg.SnapshotBlobPrefix, scanID)
	uri, err := o.blobs.PutObject(ctx, path, o.cfg.SnapshotContentType, []byte(snap.HTML))
	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}

	if err := o.scans.SaveReport(ctx, scanID, uri, report); err != nil {
		return fmt.Errorf("save report: %w", err)
	}

	now := o.clock.Now()
	if err := o.scans.UpdateScanStatus(ctx, scanID, scan.ScanStatusCompleted, &now); err != nil {
		return fmt.Errorf("mark scan completed: %w", err)
	}
	metrics.ObserveScan("completed")

	event := completionEvent{
		ScanID:       scanID,
		URL:          snap.URL,
		OverallScore: report.OverallScore,
		SnapshotURI:  uri,
		CompletedAt:  now,
	}
	if _, err := o.events.Publish(ctx, o.cfg.CompletionTopic, event); err != nil {
		o.logger.Warn("report event not delivered",
			zap.String("scan_id", scanID),
			zap.Error(err),
		)
	}

	o.logger.Info("scan completed",
		zap.String("scan_id", scanID),
		zap.Float64("overall_score", report.OverallScore),
		zap.String("snapshot_uri", uri),
	)
	return nil
}
