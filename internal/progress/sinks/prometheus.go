package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sitegrade/sitegrade/internal/progress"
)

// PrometheusSink exports scan lifecycle metrics via Prometheus. It owns the
// collectors for scans started/finished/running and scan runtimes.
type PrometheusSink struct {
	scansStarted  prometheus.Counter
	scansFinished *prometheus.CounterVec
	scansRunning  prometheus.Gauge
	scanRuntime   *prometheus.HistogramVec

	tracker *scanTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		scansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitegrade_progress_scans_started_total",
			Help: "Total scans that have started crawling.",
		}),
		scansFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitegrade_progress_scans_finished_total",
			Help: "Total scans finished partitioned by result.",
		}, []string{"result"}),
		scansRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitegrade_progress_scans_running",
			Help: "Current number of running scans.",
		}),
		scanRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitegrade_progress_scan_runtime_seconds",
			Help:    "Active runtime per finished scan.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		tracker: newScanTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.scansStarted,
		s.scansFinished,
		s.scansRunning,
		s.scanRuntime,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageScanStarted:
		s.scansStarted.Inc()
		if s.tracker.start(evt.ScanID) {
			s.scansRunning.Inc()
		}
	case progress.StageScanCompleted:
		s.finish(evt, "completed")
	case progress.StageScanFailed:
		s.finish(evt, "failed")
	case progress.StageScanCancelled:
		s.finish(evt, "cancelled")
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.scansFinished.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.scanRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.ScanID) {
		s.scansRunning.Dec()
	}
}

// Close implements the Sink interface; collectors stay registered.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// scanTracker deduplicates start/finish transitions so the running gauge
// stays consistent under replayed events.
type scanTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newScanTracker() *scanTracker {
	return &scanTracker{running: make(map[string]struct{})}
}

func (t *scanTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *scanTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
