// Package metrics exposes Prometheus collectors for the scan service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	poolBrowsers            *prometheus.GaugeVec
	poolAcquiresTotal       *prometheus.CounterVec
	poolEvictionsTotal      *prometheus.CounterVec
	poolLaunchesTotal       *prometheus.CounterVec
	queueJobsTotal          *prometheus.CounterVec
	queueDepth              *prometheus.GaugeVec
	activeWorkers           prometheus.Gauge
	scansTotal              *prometheus.CounterVec
	analyzerDurationSeconds *prometheus.HistogramVec
	stabilizeSamplesTotal   prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		poolBrowsers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sitegrade_pool_browsers",
				Help: "Number of pooled browser processes, labeled by state (idle, in_use).",
			},
			[]string{"state"},
		)

		poolAcquiresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitegrade_pool_acquires_total",
				Help: "Total pool acquisitions, labeled by outcome (hit, launch, timeout, error).",
			},
			[]string{"outcome"},
		)

		poolEvictionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitegrade_pool_evictions_total",
				Help: "Total browser evictions, labeled by reason (unhealthy, idle_ttl, shutdown).",
			},
			[]string{"reason"},
		)

		poolLaunchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitegrade_pool_launches_total",
				Help: "Total browser launch attempts, labeled by outcome (ok, error).",
			},
			[]string{"outcome"},
		)

		queueJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitegrade_queue_jobs_total",
				Help: "Total jobs reaching a terminal outcome, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sitegrade_queue_depth",
				Help: "Current queue depth, labeled by state (waiting, delayed, active).",
			},
			[]string{"state"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitegrade_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		scansTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitegrade_scans_total",
				Help: "Total scans reaching a terminal status.",
			},
			[]string{"status"},
		)

		analyzerDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitegrade_analyzer_duration_seconds",
				Help:    "Histogram of analyzer execution times, labeled by analyzer.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"analyzer"},
		)

		stabilizeSamplesTotal = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sitegrade_stabilize_samples",
				Help:    "Histogram of DOM samples taken before a page settled.",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetPoolBrowsers records the current idle/in-use partition of the pool.
func SetPoolBrowsers(idle, inUse int) {
	poolBrowsers.WithLabelValues("idle").Set(float64(idle))
	poolBrowsers.WithLabelValues("in_use").Set(float64(inUse))
}

// ObserveAcquire increments the pool acquisition counter.
func ObserveAcquire(outcome string) {
	poolAcquiresTotal.WithLabelValues(outcome).Inc()
}

// ObserveEviction increments the eviction counter for the given reason.
func ObserveEviction(reason string) {
	poolEvictionsTotal.WithLabelValues(reason).Inc()
}

// ObserveLaunch increments the browser launch counter.
func ObserveLaunch(outcome string) {
	poolLaunchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveJob increments the terminal job counter for the given outcome.
func ObserveJob(outcome string) {
	queueJobsTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the current queue depth per state.
func SetQueueDepth(waiting, delayed, active int) {
	queueDepth.WithLabelValues("waiting").Set(float64(waiting))
	queueDepth.WithLabelValues("delayed").Set(float64(delayed))
	queueDepth.WithLabelValues("active").Set(float64(active))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveScan increments the terminal scan counter.
func ObserveScan(status string) {
	scansTotal.WithLabelValues(status).Inc()
}

// ObserveAnalyzer records the duration of one analyzer run.
func ObserveAnalyzer(name string, duration time.Duration) {
	analyzerDurationSeconds.WithLabelValues(name).Observe(duration.Seconds())
}

// ObserveStabilizeSamples records how many DOM samples a crawl took.
func ObserveStabilizeSamples(samples int) {
	stabilizeSamplesTotal.Observe(float64(samples))
}
