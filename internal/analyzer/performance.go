package analyzer

import (
	"context"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/sitegrade/sitegrade/internal/scan"
)

// Static thresholds for the weight heuristics. They flag the egregious
// cases, not marginal ones.
const (
	maxHTMLBytes      = 1_500_000
	maxScriptCount    = 25
	maxStylesheetLink = 12
	maxEagerImages    = 15
)

// Performance estimates page weight from the rendered markup: document
// size, script and stylesheet counts, render-blocking scripts, and images
// loaded eagerly. It sees the DOM only, not network timings.
type Performance struct{}

// NewPerformance creates the performance analyzer.
func NewPerformance() *Performance { return &Performance{} }

// Name implements Analyzer.
func (*Performance) Name() string { return NamePerformance }

// Analyze implements Analyzer.
func (*Performance) Analyze(_ context.Context, snap scan.Snapshot, _ Options) (scan.AnalyzerResult, error) {
	doc, err := parseDoc(snap.HTML)
	if err != nil {
		return scan.AnalyzerResult{}, fmt.Errorf("parse snapshot: %w", err)
	}

	var issues []scan.Issue

	htmlBytes := len(snap.HTML)
	if htmlBytes > maxHTMLBytes {
		issues = append(issues, scan.Issue{
			Code:            "perf-page-weight",
			Message:         fmt.Sprintf("rendered document is %d bytes, above the %d byte budget", htmlBytes, maxHTMLBytes),
			Severity:        scan.SeverityMajor,
			Recommendations: []string{"trim server-rendered markup or paginate heavy content"},
		})
	}

	scripts := doc.Find("script[src]").Length()
	if scripts > maxScriptCount {
		issues = append(issues, scan.Issue{
			Code:     "perf-too-many-scripts",
			Message:  fmt.Sprintf("page loads %d external scripts", scripts),
			Severity: scan.SeverityModerate,
			Selector: "script[src]",
		})
	}

	blocking := doc.Find("head script[src]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		_, async := s.Attr("async")
		_, deferred := s.Attr("defer")
		if typ, ok := s.Attr("type"); ok && typ == "module" {
			return false
		}
		return !async && !deferred
	}).Length()
	if blocking > 0 {
		issues = append(issues, scan.Issue{
			Code:            "perf-blocking-scripts",
			Message:         fmt.Sprintf("%d scripts in <head> block rendering", blocking),
			Severity:        scan.SeverityModerate,
			Selector:        "head script[src]",
			Recommendations: []string{"mark head scripts async or defer, or move them before </body>"},
		})
	}

	stylesheets := doc.Find(`link[rel="stylesheet"]`).Length()
	if stylesheets > maxStylesheetLink {
		issues = append(issues, scan.Issue{
			Code:     "perf-too-many-stylesheets",
			Message:  fmt.Sprintf("page loads %d stylesheets", stylesheets),
			Severity: scan.SeverityMinor,
			Selector: `link[rel="stylesheet"]`,
		})
	}

	images := doc.Find("img").Length()
	eager := doc.Find("img").FilterFunction(func(_ int, s *goquery.Selection) bool {
		loading, ok := s.Attr("loading")
		return !ok || loading != "lazy"
	}).Length()
	if eager > maxEagerImages {
		issues = append(issues, scan.Issue{
			Code:     "perf-images-not-lazy",
			Message:  fmt.Sprintf("%d of %d images load eagerly", eager, images),
			Severity: scan.SeverityMinor,
			Selector: `img:not([loading="lazy"])`,
		})
	}

	metrics := map[string]float64{
		"html_bytes":       float64(htmlBytes),
		"script_count":     float64(scripts),
		"blocking_scripts": float64(blocking),
		"stylesheet_count": float64(stylesheets),
		"image_count":      float64(images),
	}
	return newResult(issues, metrics), nil
}
