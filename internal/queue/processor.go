package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitegrade/sitegrade/internal/metrics"
	"github.com/sitegrade/sitegrade/internal/scan"
)

// Pipeline is consumed by the processor's workers. Crawl produces the
// rendered snapshot, Analyze scores it, and Complete persists the report
// and flips the Scan to completed.
type Pipeline interface {
	Crawl(ctx context.Context, scanID string, rep scan.ProgressReporter) (scan.Snapshot, error)
	Analyze(ctx context.Context, snap scan.Snapshot) (scan.AggregatedReport, error)
	Complete(ctx context.Context, scanID string, snap scan.Snapshot, report scan.AggregatedReport) error
}

// ProcessorConfig tunes the worker group. Concurrency must not exceed the
// browser pool capacity or saturated workers would starve each other waiting
// on acquires.
type ProcessorConfig struct {
	Concurrency     int
	CrawlTimeout    time.Duration
	AnalysisTimeout time.Duration
}

func (c *ProcessorConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.CrawlTimeout <= 0 {
		c.CrawlTimeout = 2 * time.Minute
	}
	if c.AnalysisTimeout <= 0 {
		c.AnalysisTimeout = 30 * time.Second
	}
}

// Processor runs a fixed group of workers that pull jobs off the queue and
// drive them through the pipeline. Each phase gets its own timeout; a phase
// that loses the race against its deadline has its result discarded even if
// it lands moments later.
type Processor struct {
	cfg      ProcessorConfig
	queue    *Queue
	pipeline Pipeline
	logger   *zap.Logger

	wg sync.WaitGroup
}

// NewProcessor constructs a Processor.
func NewProcessor(cfg ProcessorConfig, q *Queue, pipeline Pipeline, logger *zap.Logger) *Processor {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		pipeline: pipeline,
		logger:   logger,
	}
}

// Run starts the workers and blocks until they all drain, which happens
// when the context finishes or the queue closes.
func (p *Processor) Run(ctx context.Context) {
	metrics.Init()
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.runWorker(ctx, worker)
		}(i)
	}
	p.wg.Wait()
}

func (p *Processor) runWorker(ctx context.Context, worker int) {
	logger := p.logger.With(zap.Int("worker", worker))
	logger.Info("worker started")
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				logger.Info("worker stopping")
				return
			}
			logger.Error("dequeue failed", zap.Error(err))
			return
		}
		p.process(ctx, job, logger)
	}
}

func (p *Processor) process(ctx context.Context, job Job, logger *zap.Logger) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger.Info("processing job",
		zap.String("job_id", job.ID),
		zap.String("scan_id", job.ScanID),
		zap.Int("attempt", job.Attempt),
	)

	reporter := scan.ProgressFunc(func(percent int, message string) {
		p.queue.UpdateProgress(job.ID, percent, message)
	})

	snap, err := p.crawlPhase(ctx, job.ScanID, reporter)
	if err == nil {
		var report scan.AggregatedReport
		report, err = p.analyzePhase(ctx, snap)
		if err == nil {
			reporter.Report(95, "persisting report")
			if err = p.pipeline.Complete(ctx, job.ScanID, snap, report); err != nil {
				err = fmt.Errorf("complete scan: %w", err)
			}
		}
	}

	if ferr := p.queue.Finish(ctx, job.ID, err); ferr != nil {
		logger.Error("settle job failed",
			zap.String("job_id", job.ID),
			zap.Error(ferr),
		)
	}
}

// crawlPhase races the crawl against its timeout. The crawl goroutine
// writes its result into the buffered channel, so an abandoned crawl never
// blocks and its result is simply dropped.
func (p *Processor) crawlPhase(ctx context.Context, scanID string, rep scan.ProgressReporter) (scan.Snapshot, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, p.cfg.CrawlTimeout)
	defer cancel()

	type result struct {
		snap scan.Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := p.pipeline.Crawl(phaseCtx, scanID, rep)
		done <- result{snap: snap, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return scan.Snapshot{}, fmt.Errorf("crawl scan: %w", r.err)
		}
		return r.snap, nil
	case <-phaseCtx.Done():
		return scan.Snapshot{}, fmt.Errorf("crawl phase ended early: %w", phaseCtx.Err())
	}
}

func (p *Processor) analyzePhase(ctx context.Context, snap scan.Snapshot) (scan.AggregatedReport, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, p.cfg.AnalysisTimeout)
	defer cancel()

	type result struct {
		report scan.AggregatedReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := p.pipeline.Analyze(phaseCtx, snap)
		done <- result{report: report, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return scan.AggregatedReport{}, fmt.Errorf("analyze snapshot: %w", r.err)
		}
		return r.report, nil
	case <-phaseCtx.Done():
		return scan.AggregatedReport{}, fmt.Errorf("analysis phase ended early: %w", phaseCtx.Err())
	}
}
