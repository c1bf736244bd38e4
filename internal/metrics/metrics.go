// Package metrics records reconciliation run metrics in a dedicated
// Prometheus registry, served over HTTP by the webhook server or written to a
// node_exporter textfile after one-shot runs.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nodeconf"

// Recorder holds the run metrics. A nil *Recorder discards everything.
type Recorder struct {
	registry *prometheus.Registry

	entries      *prometheus.CounterVec
	failures     *prometheus.CounterVec
	runDuration  prometheus.Histogram
	lastRun      prometheus.Gauge
	lastRunError prometheus.Gauge
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		entries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entries_total",
				Help:      "Status lines emitted per reconciled entry.",
			},
			[]string{"status"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failures_total",
				Help:      "Per-entry failures by kind.",
			},
			[]string{"kind"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of reconciliation runs in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		lastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time of the last finished run.",
			},
		),
		lastRunError: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_errors",
				Help:      "Render errors counted by the last finished run.",
			},
		),
	}
	r.registry.MustRegister(r.entries, r.failures, r.runDuration, r.lastRun, r.lastRunError)
	return r
}

// Registry exposes the underlying registry for HTTP handlers and tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Status counts one emitted status line (OK, DIFFERS, WROTE).
func (r *Recorder) Status(status string) {
	if r == nil {
		return
	}
	r.entries.WithLabelValues(status).Inc()
}

// Failure counts one per-entry failure of the given kind.
func (r *Recorder) Failure(kind string) {
	if r == nil {
		return
	}
	r.failures.WithLabelValues(kind).Inc()
}

// RunFinished records the duration and render error count of a run.
func (r *Recorder) RunFinished(d time.Duration, errorCount int) {
	if r == nil {
		return
	}
	r.runDuration.Observe(d.Seconds())
	r.lastRun.Set(float64(time.Now().Unix()))
	r.lastRunError.Set(float64(errorCount))
}

// WriteTextfile writes all metrics in text exposition format to path, for
// collection by node_exporter's textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
