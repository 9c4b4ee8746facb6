// Package analyzer scores rendered page snapshots. Each analyzer is a pure
// function of (url, html, options) producing an AnalyzerResult; the
// aggregator fans the snapshot out to all of them and combines their scores
// into one report.
package analyzer

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/sitegrade/sitegrade/internal/scan"
)

// Analyzer names, also the keys of the report's results map.
const (
	NameSEO           = "seo"
	NameAccessibility = "accessibility"
	NamePerformance   = "performance"
	NameSecurity      = "security"
	NameLinks         = "links"
)

// Options tunes analyzer behavior for one run.
type Options struct {
	// CheckLinks enables live status checks in the links analyzer.
	CheckLinks bool
	// MaxLinkChecks caps how many extracted links are probed.
	MaxLinkChecks int
	// LinkTimeout bounds each individual link probe.
	LinkTimeout time.Duration
	// Transport overrides the HTTP transport for link probes (tests).
	Transport http.RoundTripper
}

// Analyzer inspects one snapshot and reports issues against one concern.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, snap scan.Snapshot, opts Options) (scan.AnalyzerResult, error)
}

// Registry returns the fixed set of analyzers, in report order.
func Registry() []Analyzer {
	return []Analyzer{
		NewSEO(),
		NewAccessibility(),
		NewPerformance(),
		NewSecurity(),
		NewLinks(),
	}
}

// DefaultWeights returns the per-analyzer importance weights used for the
// overall score. Security findings weigh heaviest; link rot the least.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		NameSEO:           1.0,
		NameAccessibility: 1.0,
		NamePerformance:   1.0,
		NameSecurity:      1.5,
		NameLinks:         0.5,
	}
}

func parseDoc(html string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

func newResult(issues []scan.Issue, metrics map[string]float64) scan.AnalyzerResult {
	return scan.AnalyzerResult{
		Score:       scan.ScoreIssues(issues),
		Issues:      issues,
		Metrics:     metrics,
		GeneratedAt: time.Now().UTC(),
	}
}
