package analyzer

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sitegrade/sitegrade/internal/scan"
)

// Security checks transport-level hygiene visible in the markup: HTTPS
// usage, mixed content, insecure form targets, and unsafe window.opener
// exposure.
type Security struct{}

// NewSecurity creates the security analyzer.
func NewSecurity() *Security { return &Security{} }

// Name implements Analyzer.
func (*Security) Name() string { return NameSecurity }

// Analyze implements Analyzer.
func (*Security) Analyze(_ context.Context, snap scan.Snapshot, _ Options) (scan.AnalyzerResult, error) {
	doc, err := parseDoc(snap.HTML)
	if err != nil {
		return scan.AnalyzerResult{}, fmt.Errorf("parse snapshot: %w", err)
	}

	var issues []scan.Issue

	pageURL, _ := url.Parse(snap.URL)
	secure := pageURL != nil && pageURL.Scheme == "https"
	if pageURL != nil && pageURL.Scheme == "http" {
		issues = append(issues, scan.Issue{
			Code:            "sec-no-https",
			Message:         "page is served over plain HTTP",
			Severity:        scan.SeverityCritical,
			Recommendations: []string{"serve the site over HTTPS and redirect HTTP traffic"},
		})
		if doc.Find(`input[type="password"]`).Length() > 0 {
			issues = append(issues, scan.Issue{
				Code:     "sec-password-over-http",
				Message:  "page collects a password over an unencrypted connection",
				Severity: scan.SeverityCritical,
				Selector: `input[type="password"]`,
			})
		}
	}

	if secure {
		mixed := doc.Find("script[src], img[src], link[href], iframe[src], source[src], video[src], audio[src]").
			FilterFunction(func(_ int, s *goquery.Selection) bool {
				ref, ok := s.Attr("src")
				if !ok {
					ref, _ = s.Attr("href")
				}
				return strings.HasPrefix(ref, "http://")
			}).Length()
		if mixed > 0 {
			issues = append(issues, scan.Issue{
				Code:            "sec-mixed-content",
				Message:         fmt.Sprintf("%d resources load over HTTP from an HTTPS page", mixed),
				Severity:        scan.SeverityMajor,
				Recommendations: []string{"load all subresources over HTTPS or protocol-relative URLs"},
			})
		}

		insecureForms := doc.Find("form[action]").FilterFunction(func(_ int, s *goquery.Selection) bool {
			action, _ := s.Attr("action")
			return strings.HasPrefix(action, "http://")
		}).Length()
		if insecureForms > 0 {
			issues = append(issues, scan.Issue{
				Code:     "sec-insecure-form-action",
				Message:  fmt.Sprintf("%d forms submit to an HTTP endpoint", insecureForms),
				Severity: scan.SeverityMajor,
				Selector: "form[action]",
			})
		}
	}

	unsafeBlank := doc.Find(`a[target="_blank"]`).FilterFunction(func(_ int, s *goquery.Selection) bool {
		rel, _ := s.Attr("rel")
		return !strings.Contains(rel, "noopener") && !strings.Contains(rel, "noreferrer")
	}).Length()
	if unsafeBlank > 0 {
		issues = append(issues, scan.Issue{
			Code:            "sec-target-blank-noopener",
			Message:         fmt.Sprintf("%d target=_blank links expose window.opener", unsafeBlank),
			Severity:        scan.SeverityMinor,
			Selector:        `a[target="_blank"]`,
			Recommendations: []string{`add rel="noopener" to links opening new tabs`},
		})
	}

	metrics := map[string]float64{
		"unsafe_blank_links": float64(unsafeBlank),
	}
	return newResult(issues, metrics), nil
}
