// Package metrics exposes the run's Prometheus instrumentation: task
// throughput, checkpoint flush latency, board cell-state gauges, and
// restart counts.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every exported collector, mirroring the teacher's
// PrometheusMetrics struct-of-collectors shape.
type Metrics struct {
	Registry *prometheus.Registry

	TasksCompleted     prometheus.Counter
	TasksFailed        prometheus.Counter
	CheckpointFlushes  prometheus.Counter
	CheckpointDuration prometheus.Histogram
	BoardCellsByStatus *prometheus.GaugeVec
	Restarts           prometheus.Counter
}

var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Init builds a fresh registry plus the Go/process collectors, the same
// bundle the teacher's InitPrometheus assembles.
func Init(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_completed_total", Help: "Tasks that finished successfully.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_failed_total", Help: "Tasks that returned an error.",
		}),
		CheckpointFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkpoint_flushes_total", Help: "Checkpoint batches flushed to the archive.",
		}),
		CheckpointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "checkpoint_flush_duration_seconds", Help: "Time spent flushing one checkpoint batch.", Buckets: defaultBuckets,
		}),
		BoardCellsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "board_cells", Help: "Board cells by status.",
		}, []string{"status"}),
		Restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "restarts_total", Help: "Times the run has restarted from a checkpoint.",
		}),
	}
	reg.MustRegister(m.TasksCompleted, m.TasksFailed, m.CheckpointFlushes, m.CheckpointDuration, m.BoardCellsByStatus, m.Restarts)
	return m
}

// Handler returns an http.Handler serving this Metrics' registry in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve starts a blocking HTTP server exposing /metrics on addr.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		return fmt.Errorf("metrics: serve %s: %w", addr, err)
	}
	return nil
}
