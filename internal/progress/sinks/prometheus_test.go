package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/sitegrade/sitegrade/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are
// incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	batch := []progress.Event{
		{ScanID: "scan-1", TS: time.Now(), Stage: progress.StageScanStarted},
		{ScanID: "scan-1", TS: time.Now(), Stage: progress.StageScanProgress, Percent: 60},
		{ScanID: "scan-1", TS: time.Now().Add(15 * time.Second), Stage: progress.StageScanCompleted, Dur: 15 * time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.scansStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.scansFinished.WithLabelValues("completed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.scansFinished.WithLabelValues("failed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.scansRunning))
	require.Equal(t, 1, testutil.CollectAndCount(sink.scanRuntime, "sitegrade_progress_scan_runtime_seconds"))
}

// TestPrometheusSinkRunningGauge verifies duplicate start events do not
// inflate the running gauge.
func TestPrometheusSinkRunningGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	batch := []progress.Event{
		{ScanID: "scan-1", TS: time.Now(), Stage: progress.StageScanStarted},
		{ScanID: "scan-1", TS: time.Now(), Stage: progress.StageScanStarted},
		{ScanID: "scan-2", TS: time.Now(), Stage: progress.StageScanStarted},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.scansRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{ScanID: "scan-2", TS: time.Now(), Stage: progress.StageScanFailed},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.scansRunning))
}
