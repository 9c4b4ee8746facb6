package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	clocksystem "github.com/sitegrade/sitegrade/internal/clock/system"
	"github.com/sitegrade/sitegrade/internal/queue"
	"github.com/sitegrade/sitegrade/internal/scan"
	"github.com/sitegrade/sitegrade/internal/storage/memory"
)

type seqIDs struct {
	prefix string
	n      int
}

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n), nil
}

func newTestServer(t *testing.T) (*Server, *memory.ScanStore, *queue.Queue) {
	t.Helper()
	store := memory.NewScanStore()
	clock := clocksystem.New()
	q := queue.New(
		queue.RetryPolicy{MaxAttempts: 2, BaseDelay: 5 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
		store,
		clock,
		&seqIDs{prefix: "job"},
		zap.NewNop(),
	)
	t.Cleanup(q.Close)

	srv := NewServer(store, q, &seqIDs{prefix: "scan"}, clock, zap.NewNop())
	return srv, store, q
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateScanAccepted(t *testing.T) {
	t.Parallel()

	srv, store, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/v1/scans", map[string]any{
		"url":      "https://example.com",
		"priority": 3,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, "scan-1", body["scan_id"])
	require.Equal(t, "job-1", body["job_id"])

	sc, err := store.GetScan(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, scan.ScanStatusQueued, sc.Status)
}

func TestCreateScanRejectsBadInput(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)

	cases := map[string]any{
		"missing url":   map[string]any{"priority": 1},
		"bad scheme":    map[string]any{"url": "ftp://example.com"},
		"no host":       map[string]any{"url": "https://"},
		"relative path": map[string]any{"url": "/just/a/path"},
	}
	for name, body := range cases {
		rec := doJSON(t, srv, http.MethodPost, "/v1/scans", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/scans", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetScan(t *testing.T) {
	t.Parallel()

	srv, store, _ := newTestServer(t)
	require.NoError(t, store.CreateScan(context.Background(), scan.Scan{
		ID:        "scan-x",
		URL:       "https://example.com",
		Status:    scan.ScanStatusCompleted,
		CreatedAt: time.Now().UTC(),
	}))

	rec := doJSON(t, srv, http.MethodGet, "/v1/scans/scan-x", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://example.com", decodeBody(t, rec)["url"])

	rec = doJSON(t, srv, http.MethodGet, "/v1/scans/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetReport(t *testing.T) {
	t.Parallel()

	srv, store, _ := newTestServer(t)
	require.NoError(t, store.CreateScan(context.Background(), scan.Scan{
		ID: "scan-x", URL: "https://example.com", Status: scan.ScanStatusCompleted, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.SaveReport(context.Background(), "scan-x", "memory://snapshots/scan-x.html", scan.AggregatedReport{
		URL:          "https://example.com",
		OverallScore: 88.5,
	}))

	rec := doJSON(t, srv, http.MethodGet, "/v1/scans/scan-x/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.InDelta(t, 88.5, decodeBody(t, rec)["overall_score"], 0.001)

	rec = doJSON(t, srv, http.MethodGet, "/v1/scans/nope/report", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetProgress(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/v1/scans", map[string]any{"url": "https://example.com"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/v1/scans/scan-1/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, string(queue.StateWaiting), decodeBody(t, rec)["state"])

	rec = doJSON(t, srv, http.MethodGet, "/v1/scans/unknown/progress", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelScan(t *testing.T) {
	t.Parallel()

	srv, store, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/v1/scans", map[string]any{"url": "https://example.com"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/scans/scan-1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	sc, err := store.GetScan(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, scan.ScanStatusCancelled, sc.Status)

	// A second cancel hits a terminal job.
	rec = doJSON(t, srv, http.MethodPost, "/v1/scans/scan-1/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/scans/unknown/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueAdminEndpoints(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/v1/scans", map[string]any{"url": "https://example.com"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/v1/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.InDelta(t, 1, decodeBody(t, rec)["waiting"], 0.001)

	rec = doJSON(t, srv, http.MethodPost, "/v1/queue/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/v1/queue/stats", nil)
	require.Equal(t, true, decodeBody(t, rec)["paused"])

	rec = doJSON(t, srv, http.MethodPost, "/v1/queue/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/queue/clear?state=waiting", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.InDelta(t, 1, decodeBody(t, rec)["removed"], 0.001)

	rec = doJSON(t, srv, http.MethodPost, "/v1/queue/clear?state=active", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpointsAndRequestID(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = doJSON(t, srv, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
