package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/sitegrade/sitegrade/internal/scan"
)

const (
	maxTitleLength           = 60
	maxMetaDescriptionLength = 160
)

// SEO checks the on-page signals search engines care about: title, meta
// description, heading structure, canonical URL, and indexability.
type SEO struct{}

// NewSEO creates the SEO analyzer.
func NewSEO() *SEO { return &SEO{} }

// Name implements Analyzer.
func (*SEO) Name() string { return NameSEO }

// Analyze implements Analyzer.
func (*SEO) Analyze(_ context.Context, snap scan.Snapshot, _ Options) (scan.AnalyzerResult, error) {
	doc, err := parseDoc(snap.HTML)
	if err != nil {
		return scan.AnalyzerResult{}, fmt.Errorf("parse snapshot: %w", err)
	}

	var issues []scan.Issue

	title := strings.TrimSpace(doc.Find("head title").First().Text())
	switch {
	case title == "":
		issues = append(issues, scan.Issue{
			Code:            "seo-missing-title",
			Message:         "page has no <title> element",
			Severity:        scan.SeverityCritical,
			Selector:        "head",
			Recommendations: []string{"add a unique, descriptive <title> under 60 characters"},
		})
	case len(title) > maxTitleLength:
		issues = append(issues, scan.Issue{
			Code:     "seo-title-too-long",
			Message:  fmt.Sprintf("title is %d characters, search engines truncate around %d", len(title), maxTitleLength),
			Severity: scan.SeverityMinor,
			Selector: "head title",
		})
	}

	description, hasDescription := doc.Find(`head meta[name="description"]`).First().Attr("content")
	description = strings.TrimSpace(description)
	switch {
	case !hasDescription || description == "":
		issues = append(issues, scan.Issue{
			Code:            "seo-missing-meta-description",
			Message:         "page has no meta description",
			Severity:        scan.SeverityMajor,
			Selector:        "head",
			Recommendations: []string{"add a meta description summarizing the page in under 160 characters"},
		})
	case len(description) > maxMetaDescriptionLength:
		issues = append(issues, scan.Issue{
			Code:     "seo-meta-description-too-long",
			Message:  fmt.Sprintf("meta description is %d characters, search engines truncate around %d", len(description), maxMetaDescriptionLength),
			Severity: scan.SeverityMinor,
			Selector: `meta[name="description"]`,
		})
	}

	h1Count := doc.Find("h1").Length()
	switch {
	case h1Count == 0:
		issues = append(issues, scan.Issue{
			Code:     "seo-missing-h1",
			Message:  "page has no <h1> heading",
			Severity: scan.SeverityMajor,
		})
	case h1Count > 1:
		issues = append(issues, scan.Issue{
			Code:     "seo-multiple-h1",
			Message:  fmt.Sprintf("page has %d <h1> headings, expected exactly one", h1Count),
			Severity: scan.SeverityModerate,
			Selector: "h1",
		})
	}

	if doc.Find(`head link[rel="canonical"]`).Length() == 0 {
		issues = append(issues, scan.Issue{
			Code:     "seo-missing-canonical",
			Message:  "page declares no canonical URL",
			Severity: scan.SeverityMinor,
			Selector: "head",
		})
	}

	if robots, ok := doc.Find(`head meta[name="robots"]`).First().Attr("content"); ok &&
		strings.Contains(strings.ToLower(robots), "noindex") {
		issues = append(issues, scan.Issue{
			Code:            "seo-noindex",
			Message:         "page is excluded from indexing via robots noindex",
			Severity:        scan.SeverityCritical,
			Selector:        `meta[name="robots"]`,
			Recommendations: []string{"remove noindex if this page should appear in search results"},
		})
	}

	metrics := map[string]float64{
		"title_length":            float64(len(title)),
		"meta_description_length": float64(len(description)),
		"h1_count":                float64(h1Count),
		"word_count":              float64(len(strings.Fields(doc.Find("body").Text()))),
	}
	return newResult(issues, metrics), nil
}
