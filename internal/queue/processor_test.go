package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitegrade/sitegrade/internal/scan"
)

type fakePipeline struct {
	mu        sync.Mutex
	crawls    int
	analyzes  int
	completes int

	crawlFn   func(ctx context.Context, scanID string, rep scan.ProgressReporter) (scan.Snapshot, error)
	analyzeFn func(ctx context.Context, snap scan.Snapshot) (scan.AggregatedReport, error)
}

func (p *fakePipeline) Crawl(ctx context.Context, scanID string, rep scan.ProgressReporter) (scan.Snapshot, error) {
	p.mu.Lock()
	p.crawls++
	p.mu.Unlock()
	if p.crawlFn != nil {
		return p.crawlFn(ctx, scanID, rep)
	}
	rep.Report(50, "rendered")
	return scan.Snapshot{ScanID: scanID, HTML: "<html></html>"}, nil
}

func (p *fakePipeline) Analyze(ctx context.Context, snap scan.Snapshot) (scan.AggregatedReport, error) {
	p.mu.Lock()
	p.analyzes++
	p.mu.Unlock()
	if p.analyzeFn != nil {
		return p.analyzeFn(ctx, snap)
	}
	return scan.AggregatedReport{OverallScore: 90}, nil
}

func (p *fakePipeline) Complete(_ context.Context, _ string, _ scan.Snapshot, _ scan.AggregatedReport) error {
	p.mu.Lock()
	p.completes++
	p.mu.Unlock()
	return nil
}

func (p *fakePipeline) counts() (crawls, analyzes, completes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.crawls, p.analyzes, p.completes
}

func startProcessor(t *testing.T, cfg ProcessorConfig, q *Queue, pipeline Pipeline) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	proc := NewProcessor(cfg, q, pipeline, zap.NewNop())
	done := make(chan struct{})
	go func() {
		proc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		q.Close()
		<-done
	})
}

func TestProcessorCompletesJob(t *testing.T) {
	t.Parallel()

	store := newFakeScanStore("scan-1")
	q := newTestQueue(t, fastPolicy(3), store)
	pipeline := &fakePipeline{}
	startProcessor(t, ProcessorConfig{Concurrency: 1}, q, pipeline)

	_, err := q.Enqueue(context.Background(), "scan-1", 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, ok := q.JobForScan("scan-1")
		return ok && job.State == StateCompleted
	}, 5*time.Second, 10*time.Millisecond)

	crawls, analyzes, completes := pipeline.counts()
	require.Equal(t, 1, crawls)
	require.Equal(t, 1, analyzes)
	require.Equal(t, 1, completes)
}

func TestProcessorRetriesThenFailsScan(t *testing.T) {
	t.Parallel()

	store := newFakeScanStore("scan-1")
	q := newTestQueue(t, fastPolicy(2), store)
	pipeline := &fakePipeline{
		crawlFn: func(context.Context, string, scan.ProgressReporter) (scan.Snapshot, error) {
			return scan.Snapshot{}, errors.New("net::ERR_CONNECTION_REFUSED")
		},
	}
	startProcessor(t, ProcessorConfig{Concurrency: 1}, q, pipeline)

	_, err := q.Enqueue(context.Background(), "scan-1", 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.status(t, "scan-1").Status == scan.ScanStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	crawls, _, completes := pipeline.counts()
	require.Equal(t, 2, crawls)
	require.Zero(t, completes)
}

func TestProcessorCrawlTimeoutDiscardsLateResult(t *testing.T) {
	t.Parallel()

	store := newFakeScanStore("scan-1")
	q := newTestQueue(t, fastPolicy(1), store)
	released := make(chan struct{})
	pipeline := &fakePipeline{
		crawlFn: func(ctx context.Context, scanID string, _ scan.ProgressReporter) (scan.Snapshot, error) {
			// Ignores its context and lands after the phase deadline.
			<-released
			return scan.Snapshot{ScanID: scanID, HTML: "<html></html>"}, nil
		},
	}
	startProcessor(t, ProcessorConfig{Concurrency: 1, CrawlTimeout: 30 * time.Millisecond}, q, pipeline)

	_, err := q.Enqueue(context.Background(), "scan-1", 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.status(t, "scan-1").Status == scan.ScanStatusFailed
	}, 5*time.Second, 10*time.Millisecond)
	close(released)

	time.Sleep(50 * time.Millisecond)
	_, analyzes, completes := pipeline.counts()
	require.Zero(t, analyzes)
	require.Zero(t, completes)
}

func TestProcessorAnalysisTimeoutRetries(t *testing.T) {
	t.Parallel()

	store := newFakeScanStore("scan-1")
	q := newTestQueue(t, fastPolicy(1), store)
	pipeline := &fakePipeline{
		analyzeFn: func(ctx context.Context, _ scan.Snapshot) (scan.AggregatedReport, error) {
			<-ctx.Done()
			return scan.AggregatedReport{}, ctx.Err()
		},
	}
	startProcessor(t, ProcessorConfig{Concurrency: 1, AnalysisTimeout: 30 * time.Millisecond}, q, pipeline)

	_, err := q.Enqueue(context.Background(), "scan-1", 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.status(t, "scan-1").Status == scan.ScanStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	_, _, completes := pipeline.counts()
	require.Zero(t, completes)
}

func TestProcessorHonorsConcurrencyBound(t *testing.T) {
	t.Parallel()

	ids := []string{"scan-1", "scan-2", "scan-3", "scan-4", "scan-5"}
	store := newFakeScanStore(ids...)
	q := newTestQueue(t, fastPolicy(3), store)

	var inFlight, maxInFlight atomic.Int64
	pipeline := &fakePipeline{
		crawlFn: func(ctx context.Context, scanID string, _ scan.ProgressReporter) (scan.Snapshot, error) {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				prev := maxInFlight.Load()
				if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			return scan.Snapshot{ScanID: scanID}, nil
		},
	}
	startProcessor(t, ProcessorConfig{Concurrency: 2}, q, pipeline)

	for _, id := range ids {
		_, err := q.Enqueue(context.Background(), id, 0)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			job, ok := q.JobForScan(id)
			if !ok || job.State != StateCompleted {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)

	require.LessOrEqual(t, maxInFlight.Load(), int64(2))
}

func TestProcessorReportsProgressThroughQueue(t *testing.T) {
	t.Parallel()

	store := newFakeScanStore("scan-1")
	q := newTestQueue(t, fastPolicy(3), store)
	gate := make(chan struct{})
	pipeline := &fakePipeline{
		crawlFn: func(ctx context.Context, scanID string, rep scan.ProgressReporter) (scan.Snapshot, error) {
			rep.Report(40, "waiting for page to settle")
			<-gate
			return scan.Snapshot{ScanID: scanID}, nil
		},
	}
	startProcessor(t, ProcessorConfig{Concurrency: 1}, q, pipeline)

	_, err := q.Enqueue(context.Background(), "scan-1", 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, ok := q.JobForScan("scan-1")
		return ok && job.Progress == 40 && job.StatusMessage == "waiting for page to settle"
	}, 5*time.Second, 10*time.Millisecond)
	close(gate)
}
