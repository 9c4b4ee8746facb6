package analyzer

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/sitegrade/sitegrade/internal/scan"
)

const (
	defaultMaxLinkChecks = 20
	defaultLinkTimeout   = 5 * time.Second
	maxBrokenLinkIssues  = 5
)

// Links extracts the page's anchors, flags empty and placeholder hrefs, and
// optionally probes a capped number of links for broken targets.
type Links struct{}

// NewLinks creates the links analyzer.
func NewLinks() *Links { return &Links{} }

// Name implements Analyzer.
func (*Links) Name() string { return NameLinks }

// Analyze implements Analyzer.
func (*Links) Analyze(ctx context.Context, snap scan.Snapshot, opts Options) (scan.AnalyzerResult, error) {
	doc, err := parseDoc(snap.HTML)
	if err != nil {
		return scan.AnalyzerResult{}, fmt.Errorf("parse snapshot: %w", err)
	}

	base, err := url.Parse(snap.URL)
	if err != nil {
		return scan.AnalyzerResult{}, fmt.Errorf("parse page url: %w", err)
	}

	var issues []scan.Issue

	var links []string
	seen := make(map[string]struct{})
	placeholders := 0
	internal := 0
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || href == "#" || strings.HasPrefix(href, "javascript:") {
			placeholders++
			return
		}
		if strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") {
			return
		}
		ref, err := base.Parse(href)
		if err != nil || (ref.Scheme != "http" && ref.Scheme != "https") {
			return
		}
		ref.Fragment = ""
		resolved := ref.String()
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		links = append(links, resolved)
		if ref.Host == base.Host {
			internal++
		}
	})

	if placeholders > 0 {
		issues = append(issues, scan.Issue{
			Code:     "links-placeholder-href",
			Message:  fmt.Sprintf("%d anchors have an empty or placeholder href", placeholders),
			Severity: scan.SeverityMinor,
			Selector: "a[href]",
		})
	}

	checked, broken := 0, 0
	if opts.CheckLinks && len(links) > 0 {
		checked, broken, issues = probeLinks(ctx, links, opts, issues)
	}

	metrics := map[string]float64{
		"links_total":    float64(len(links)),
		"links_internal": float64(internal),
		"links_external": float64(len(links) - internal),
		"links_checked":  float64(checked),
		"links_broken":   float64(broken),
	}
	return newResult(issues, metrics), nil
}

// probeLinks issues capped HEAD requests through a colly collector and
// converts failures into broken-link issues.
func probeLinks(ctx context.Context, links []string, opts Options, issues []scan.Issue) (checked, broken int, out []scan.Issue) {
	maxChecks := opts.MaxLinkChecks
	if maxChecks <= 0 {
		maxChecks = defaultMaxLinkChecks
	}
	timeout := opts.LinkTimeout
	if timeout <= 0 {
		timeout = defaultLinkTimeout
	}

	collector := colly.NewCollector(colly.Async(false))
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(timeout)
	if opts.Transport != nil {
		collector.WithTransport(opts.Transport)
	}

	dead := make(map[string]int)
	collector.OnResponse(func(r *colly.Response) {
		if r.StatusCode >= 400 {
			dead[r.Request.URL.String()] = r.StatusCode
		}
	})
	collector.OnError(func(r *colly.Response, _ error) {
		dead[r.Request.URL.String()] = r.StatusCode
	})

	for _, link := range links {
		if checked >= maxChecks || ctx.Err() != nil {
			break
		}
		checked++
		_ = collector.Head(link)
	}
	collector.Wait()

	for _, link := range links {
		status, isDead := dead[link]
		if !isDead {
			continue
		}
		broken++
		if broken > maxBrokenLinkIssues {
			continue
		}
		msg := fmt.Sprintf("link %s is unreachable", link)
		if status > 0 {
			msg = fmt.Sprintf("link %s returned status %d", link, status)
		}
		issues = append(issues, scan.Issue{
			Code:     "links-broken",
			Message:  msg,
			Severity: scan.SeverityMajor,
			Selector: fmt.Sprintf(`a[href=%q]`, link),
		})
	}
	if broken > maxBrokenLinkIssues {
		issues = append(issues, scan.Issue{
			Code:     "links-broken-overflow",
			Message:  fmt.Sprintf("%d additional broken links omitted", broken-maxBrokenLinkIssues),
			Severity: scan.SeverityInfo,
		})
	}
	return checked, broken, issues
}
