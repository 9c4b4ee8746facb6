package analyzer

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/sitegrade/sitegrade/internal/metrics"
	"github.com/sitegrade/sitegrade/internal/scan"
)

const defaultCacheSize = 128

// AggregatorConfig tunes the aggregator.
type AggregatorConfig struct {
	// Weights maps analyzer name to its share of the overall score.
	// Defaults to DefaultWeights.
	Weights map[string]float64
	// Options is passed to every analyzer run.
	Options Options
	// CacheSize bounds the digest-keyed report cache.
	CacheSize int
}

// Aggregator fans a snapshot out to the full analyzer registry, fans the
// results back in after every analyzer settles, and combines them into one
// weighted report. A failing analyzer is isolated: it contributes a zero
// score and a single info issue instead of aborting its siblings.
type Aggregator struct {
	analyzers []Analyzer
	weights   map[string]float64
	opts      Options
	clock     scan.Clock
	logger    *zap.Logger
	cache     *lru.Cache[string, scan.AggregatedReport]
}

// NewAggregator builds an Aggregator over the fixed analyzer registry.
func NewAggregator(cfg AggregatorConfig, clock scan.Clock, logger *zap.Logger) (*Aggregator, error) {
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New[string, scan.AggregatedReport](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create report cache: %w", err)
	}
	metrics.Init()
	return &Aggregator{
		analyzers: Registry(),
		weights:   cfg.Weights,
		opts:      cfg.Options,
		clock:     clock,
		logger:    logger,
		cache:     cache,
	}, nil
}

// Run produces the aggregated report for one snapshot. Identical content at
// the same URL is served from the cache; the URL is part of the key because
// the security and links analyzers read the scheme and base host.
func (a *Aggregator) Run(ctx context.Context, snap scan.Snapshot) (scan.AggregatedReport, error) {
	key := reportCacheKey(snap)
	if key != "" {
		if report, ok := a.cache.Get(key); ok {
			a.logger.Debug("serving cached report",
				zap.String("scan_id", snap.ScanID),
				zap.String("digest", snap.Digest),
			)
			return report, nil
		}
	}

	results := make(map[string]scan.AnalyzerResult, len(a.analyzers))
	scored := make(map[string]scan.AnalyzerResult, len(a.analyzers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, an := range a.analyzers {
		wg.Add(1)
		go func(an Analyzer) {
			defer wg.Done()
			result, ok := a.runOne(ctx, an, snap)
			mu.Lock()
			results[an.Name()] = result
			if ok {
				scored[an.Name()] = result
			}
			mu.Unlock()
		}(an)
	}
	wg.Wait()

	// Failed analyzers appear in the report but carry no weight in the
	// overall score.
	report := scan.AggregatedReport{
		URL:          snap.URL,
		OverallScore: scan.WeightedOverall(scored, a.weights),
		Results:      results,
		Summary:      scan.Summarize(results),
		GeneratedAt:  a.clock.Now(),
	}
	if key != "" {
		a.cache.Add(key, report)
	}
	return report, nil
}

// reportCacheKey scopes cached reports to (url, content digest). An empty
// digest disables caching for the snapshot.
func reportCacheKey(snap scan.Snapshot) string {
	if snap.Digest == "" {
		return ""
	}
	return snap.URL + "\x00" + snap.Digest
}

// runOne executes a single analyzer and applies the isolation fallback. The
// second return reports whether the result counts toward the overall score.
func (a *Aggregator) runOne(ctx context.Context, an Analyzer, snap scan.Snapshot) (result scan.AnalyzerResult, ok bool) {
	start := time.Now()
	defer func() {
		metrics.ObserveAnalyzer(an.Name(), time.Since(start))
		if r := recover(); r != nil {
			a.logger.Error("analyzer panicked",
				zap.String("analyzer", an.Name()),
				zap.Any("panic", r),
			)
			result, ok = a.errorResult(an.Name(), fmt.Errorf("panic: %v", r)), false
		}
	}()

	result, err := an.Analyze(ctx, snap, a.opts)
	if err != nil {
		a.logger.Warn("analyzer failed",
			zap.String("analyzer", an.Name()),
			zap.String("scan_id", snap.ScanID),
			zap.Error(err),
		)
		return a.errorResult(an.Name(), err), false
	}
	return result, true
}

// errorResult is the synthetic result for a failed analyzer: score zero and
// exactly one info issue.
func (a *Aggregator) errorResult(name string, err error) scan.AnalyzerResult {
	return scan.AnalyzerResult{
		Score: 0,
		Issues: []scan.Issue{{
			Code:     "analyzer-error",
			Message:  fmt.Sprintf("%s analyzer did not complete: %v", name, err),
			Severity: scan.SeverityInfo,
		}},
		GeneratedAt: a.clock.Now(),
	}
}
