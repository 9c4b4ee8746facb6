package analyzer

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sitegrade/sitegrade/internal/scan"
)

// Accessibility checks a snapshot against the WCAG basics that are visible
// in static markup: text alternatives, document language, labeled controls,
// and discernible link text.
type Accessibility struct{}

// NewAccessibility creates the accessibility analyzer.
func NewAccessibility() *Accessibility { return &Accessibility{} }

// Name implements Analyzer.
func (*Accessibility) Name() string { return NameAccessibility }

// Analyze implements Analyzer.
func (*Accessibility) Analyze(_ context.Context, snap scan.Snapshot, _ Options) (scan.AnalyzerResult, error) {
	doc, err := parseDoc(snap.HTML)
	if err != nil {
		return scan.AnalyzerResult{}, fmt.Errorf("parse snapshot: %w", err)
	}

	var issues []scan.Issue

	if lang, ok := doc.Find("html").First().Attr("lang"); !ok || strings.TrimSpace(lang) == "" {
		issues = append(issues, scan.Issue{
			Code:            "a11y-missing-lang",
			Message:         "document declares no language",
			Severity:        scan.SeverityMajor,
			Selector:        "html",
			Recommendations: []string{`set the lang attribute on <html>, e.g. lang="en"`},
		})
	}

	imagesTotal := doc.Find("img").Length()
	missingAlt := doc.Find("img").FilterFunction(func(_ int, s *goquery.Selection) bool {
		_, ok := s.Attr("alt")
		return !ok
	}).Length()
	if missingAlt > 0 {
		issues = append(issues, scan.Issue{
			Code:            "a11y-img-missing-alt",
			Message:         fmt.Sprintf("%d of %d images have no alt attribute", missingAlt, imagesTotal),
			Severity:        scan.SeverityMajor,
			Selector:        "img:not([alt])",
			Recommendations: []string{"add alt text to informative images, alt=\"\" to decorative ones"},
		})
	}

	unlabeled := doc.Find(`input:not([type="hidden"]):not([type="submit"]):not([type="button"]), select, textarea`).
		FilterFunction(func(_ int, s *goquery.Selection) bool {
			if _, ok := s.Attr("aria-label"); ok {
				return false
			}
			if _, ok := s.Attr("aria-labelledby"); ok {
				return false
			}
			if id, ok := s.Attr("id"); ok && doc.Find(fmt.Sprintf(`label[for=%q]`, id)).Length() > 0 {
				return false
			}
			return s.ParentsFiltered("label").Length() == 0
		}).Length()
	if unlabeled > 0 {
		issues = append(issues, scan.Issue{
			Code:     "a11y-input-missing-label",
			Message:  fmt.Sprintf("%d form controls have no associated label", unlabeled),
			Severity: scan.SeverityModerate,
			Selector: "input, select, textarea",
		})
	}

	emptyLinks := doc.Find("a[href]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		if strings.TrimSpace(s.Text()) != "" {
			return false
		}
		if label, ok := s.Attr("aria-label"); ok && strings.TrimSpace(label) != "" {
			return false
		}
		return s.Find("img[alt]").Length() == 0
	}).Length()
	if emptyLinks > 0 {
		issues = append(issues, scan.Issue{
			Code:     "a11y-empty-link",
			Message:  fmt.Sprintf("%d links have no discernible text", emptyLinks),
			Severity: scan.SeverityModerate,
			Selector: "a[href]",
		})
	}

	untitledFrames := doc.Find("iframe").FilterFunction(func(_ int, s *goquery.Selection) bool {
		title, ok := s.Attr("title")
		return !ok || strings.TrimSpace(title) == ""
	}).Length()
	if untitledFrames > 0 {
		issues = append(issues, scan.Issue{
			Code:     "a11y-iframe-missing-title",
			Message:  fmt.Sprintf("%d iframes have no title attribute", untitledFrames),
			Severity: scan.SeverityMinor,
			Selector: "iframe:not([title])",
		})
	}

	metrics := map[string]float64{
		"images_total":       float64(imagesTotal),
		"images_missing_alt": float64(missingAlt),
		"unlabeled_controls": float64(unlabeled),
		"empty_links":        float64(emptyLinks),
	}
	return newResult(issues, metrics), nil
}
