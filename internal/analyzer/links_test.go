package analyzer

import (
	"context"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"

	"github.com/sitegrade/sitegrade/internal/scan"
)

func TestLinksExtractionAndPlaceholders(t *testing.T) {
	t.Parallel()

	snap := scan.Snapshot{
		URL: "https://example.com/articles/",
		HTML: `<html><body>
			<a href="/about">About</a>
			<a href="pricing">Pricing</a>
			<a href="https://example.com/about">About again</a>
			<a href="https://partner.example/offer#deal">Partner</a>
			<a href="#">noop</a>
			<a href="javascript:void(0)">noop</a>
			<a href="mailto:team@example.com">Mail us</a>
			</body></html>`,
	}
	result, err := NewLinks().Analyze(context.Background(), snap, Options{})
	require.NoError(t, err)

	// /about resolves identically from both anchors and is deduplicated.
	require.Equal(t, float64(3), result.Metrics["links_total"])
	require.Equal(t, float64(2), result.Metrics["links_internal"])
	require.Equal(t, float64(1), result.Metrics["links_external"])
	require.Zero(t, result.Metrics["links_checked"])
	require.Contains(t, issueCodes(result), "links-placeholder-href")
}

func TestLinksLiveChecksFlagBrokenTargets(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("HEAD", "https://example.com/ok",
		httpmock.NewStringResponder(200, ""))
	transport.RegisterResponder("HEAD", "https://example.com/gone",
		httpmock.NewStringResponder(404, ""))

	snap := scan.Snapshot{
		URL: "https://example.com/",
		HTML: `<html><body>
			<a href="/ok">fine</a>
			<a href="/gone">rotten</a>
			</body></html>`,
	}
	result, err := NewLinks().Analyze(context.Background(), snap, Options{
		CheckLinks: true,
		Transport:  transport,
	})
	require.NoError(t, err)

	require.Equal(t, float64(2), result.Metrics["links_checked"])
	require.Equal(t, float64(1), result.Metrics["links_broken"])

	var broken []string
	for _, issue := range result.Issues {
		if issue.Code == "links-broken" {
			broken = append(broken, issue.Message)
		}
	}
	require.Len(t, broken, 1)
	require.Contains(t, broken[0], "https://example.com/gone")
	require.Contains(t, broken[0], "404")
}

func TestLinksLiveChecksRespectCap(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterNoResponder(httpmock.NewStringResponder(200, ""))

	snap := scan.Snapshot{
		URL: "https://example.com/",
		HTML: `<html><body>
			<a href="/p1">1</a><a href="/p2">2</a><a href="/p3">3</a>
			<a href="/p4">4</a><a href="/p5">5</a>
			</body></html>`,
	}
	result, err := NewLinks().Analyze(context.Background(), snap, Options{
		CheckLinks:    true,
		MaxLinkChecks: 2,
		Transport:     transport,
	})
	require.NoError(t, err)
	require.Equal(t, float64(2), result.Metrics["links_checked"])
	require.Equal(t, float64(5), result.Metrics["links_total"])
}
