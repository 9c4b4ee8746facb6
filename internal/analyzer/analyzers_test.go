package analyzer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sitegrade/sitegrade/internal/scan"
)

func issueCodes(result scan.AnalyzerResult) []string {
	codes := make([]string, 0, len(result.Issues))
	for _, issue := range result.Issues {
		codes = append(codes, issue.Code)
	}
	return codes
}

func TestSEOFlagsMissingBasics(t *testing.T) {
	t.Parallel()

	snap := scan.Snapshot{
		URL:  "https://example.com",
		HTML: `<html><head></head><body><p>content</p></body></html>`,
	}
	result, err := NewSEO().Analyze(context.Background(), snap, Options{})
	require.NoError(t, err)

	codes := issueCodes(result)
	require.Contains(t, codes, "seo-missing-title")
	require.Contains(t, codes, "seo-missing-meta-description")
	require.Contains(t, codes, "seo-missing-h1")
	require.Contains(t, codes, "seo-missing-canonical")
	require.Less(t, result.Score, 100.0)
}

func TestSEOCleanPageScoresFull(t *testing.T) {
	t.Parallel()

	snap := scan.Snapshot{
		URL: "https://example.com",
		HTML: `<html><head><title>Example Domain</title>
			<meta name="description" content="A short, descriptive summary.">
			<link rel="canonical" href="https://example.com/"></head>
			<body><h1>Example</h1><p>Some body copy.</p></body></html>`,
	}
	result, err := NewSEO().Analyze(context.Background(), snap, Options{})
	require.NoError(t, err)
	require.Empty(t, result.Issues)
	require.Equal(t, 100.0, result.Score)
	require.Equal(t, float64(14), result.Metrics["title_length"])
}

func TestSEOFlagsNoindexAndLongTitle(t *testing.T) {
	t.Parallel()

	snap := scan.Snapshot{
		URL: "https://example.com",
		HTML: `<html><head><title>` + strings.Repeat("x", 80) + `</title>
			<meta name="robots" content="NOINDEX, nofollow"></head>
			<body><h1>a</h1><h1>b</h1></body></html>`,
	}
	result, err := NewSEO().Analyze(context.Background(), snap, Options{})
	require.NoError(t, err)

	codes := issueCodes(result)
	require.Contains(t, codes, "seo-noindex")
	require.Contains(t, codes, "seo-title-too-long")
	require.Contains(t, codes, "seo-multiple-h1")
}

func TestAccessibilityFlagsUnlabeledMarkup(t *testing.T) {
	t.Parallel()

	snap := scan.Snapshot{
		URL: "https://example.com",
		HTML: `<html><head></head><body>
			<img src="/a.png"><img src="/b.png" alt="chart">
			<input type="text" name="q">
			<a href="/next"></a>
			<iframe src="/embed"></iframe>
			</body></html>`,
	}
	result, err := NewAccessibility().Analyze(context.Background(), snap, Options{})
	require.NoError(t, err)

	codes := issueCodes(result)
	require.Contains(t, codes, "a11y-missing-lang")
	require.Contains(t, codes, "a11y-img-missing-alt")
	require.Contains(t, codes, "a11y-input-missing-label")
	require.Contains(t, codes, "a11y-empty-link")
	require.Contains(t, codes, "a11y-iframe-missing-title")
	require.Equal(t, float64(1), result.Metrics["images_missing_alt"])
	require.Equal(t, float64(2), result.Metrics["images_total"])
}

func TestAccessibilityAcceptsLabeledMarkup(t *testing.T) {
	t.Parallel()

	snap := scan.Snapshot{
		URL: "https://example.com",
		HTML: `<html lang="en"><head></head><body>
			<img src="/a.png" alt="">
			<label for="q">Search</label><input type="text" id="q">
			<input type="email" aria-label="Email address">
			<a href="/next">Next page</a>
			<iframe src="/embed" title="Embedded player"></iframe>
			</body></html>`,
	}
	result, err := NewAccessibility().Analyze(context.Background(), snap, Options{})
	require.NoError(t, err)
	require.Empty(t, result.Issues)
	require.Equal(t, 100.0, result.Score)
}

func TestPerformanceFlagsBlockingScripts(t *testing.T) {
	t.Parallel()

	snap := scan.Snapshot{
		URL: "https://example.com",
		HTML: `<html><head>
			<script src="/app.js"></script>
			<script src="/vendor.js" defer></script>
			<script src="/widget.js" async></script>
			</head><body></body></html>`,
	}
	result, err := NewPerformance().Analyze(context.Background(), snap, Options{})
	require.NoError(t, err)

	require.Contains(t, issueCodes(result), "perf-blocking-scripts")
	require.Equal(t, float64(1), result.Metrics["blocking_scripts"])
	require.Equal(t, float64(3), result.Metrics["script_count"])
}

func TestPerformanceFlagsOversizedDocument(t *testing.T) {
	t.Parallel()

	snap := scan.Snapshot{
		URL:  "https://example.com",
		HTML: "<html><body>" + strings.Repeat("<div>padding</div>", 120_000) + "</body></html>",
	}
	result, err := NewPerformance().Analyze(context.Background(), snap, Options{})
	require.NoError(t, err)
	require.Contains(t, issueCodes(result), "perf-page-weight")
}

func TestSecurityFlagsPlainHTTP(t *testing.T) {
	t.Parallel()

	snap := scan.Snapshot{
		URL:  "http://example.com/login",
		HTML: `<html><body><form><input type="password" name="pw"></form></body></html>`,
	}
	result, err := NewSecurity().Analyze(context.Background(), snap, Options{})
	require.NoError(t, err)

	codes := issueCodes(result)
	require.Contains(t, codes, "sec-no-https")
	require.Contains(t, codes, "sec-password-over-http")
	require.Equal(t, 60.0, result.Score)
}

func TestSecurityFlagsMixedContentAndOpener(t *testing.T) {
	t.Parallel()

	snap := scan.Snapshot{
		URL: "https://example.com",
		HTML: `<html><body>
			<img src="http://cdn.example.com/logo.png">
			<form action="http://example.com/submit"></form>
			<a href="https://other.example" target="_blank">other</a>
			<a href="https://safe.example" target="_blank" rel="noopener">safe</a>
			</body></html>`,
	}
	result, err := NewSecurity().Analyze(context.Background(), snap, Options{})
	require.NoError(t, err)

	codes := issueCodes(result)
	require.Contains(t, codes, "sec-mixed-content")
	require.Contains(t, codes, "sec-insecure-form-action")
	require.Contains(t, codes, "sec-target-blank-noopener")
	require.NotContains(t, codes, "sec-no-https")
}

func TestSecurityCleanHTTPSPage(t *testing.T) {
	t.Parallel()

	snap := scan.Snapshot{
		URL:  "https://example.com",
		HTML: `<html><body><a href="https://other.example" target="_blank" rel="noreferrer">x</a></body></html>`,
	}
	result, err := NewSecurity().Analyze(context.Background(), snap, Options{})
	require.NoError(t, err)
	require.Empty(t, result.Issues)
	require.Equal(t, 100.0, result.Score)
}
