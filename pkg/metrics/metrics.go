// Package metrics provides Prometheus instrumentation for relay.
//
// # Overview
//
// The package exposes package-level collectors registered through promauto and
// a small Recorder interface so components can be tested without a registry:
//
//	metrics.PipelineTransitions.WithLabelValues("STARTING", "RUNNING").Inc()
//
//	timer := metrics.NewTimer("start")
//	err := orchestrator.Start(ctx, id)
//	metrics.Default.ObserveOperation("start", timer.Stop(), err)
//
// Control-plane latencies are observed in seconds, bulk-load row counts as
// counters labelled by source and target dialect.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PipelineTransitions counts pipeline status changes.
	// Labels: from, to
	PipelineTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_pipeline_transitions_total",
			Help: "Total number of pipeline status transitions",
		},
		[]string{"from", "to"},
	)

	// OperationDuration tracks start/stop/restart/status durations.
	// Labels: operation, outcome (success/failure)
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_operation_duration_seconds",
			Help:    "Duration of orchestrator operations in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 300, 1800},
		},
		[]string{"operation", "outcome"},
	)

	// ControlPlaneRequests counts HTTP calls to connector runtimes.
	// Labels: runtime (source/sink), method, code (HTTP status or "error")
	ControlPlaneRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_control_plane_requests_total",
			Help: "Total number of connector runtime control-plane requests",
		},
		[]string{"runtime", "method", "code"},
	)

	// ControlPlaneLatency tracks control-plane request latency in seconds.
	ControlPlaneLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_control_plane_latency_seconds",
			Help:    "Connector runtime control-plane latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"runtime", "method"},
	)

	// PollAttempts counts status polls after mutating calls.
	// Labels: runtime, outcome (done/pending/timeout/error)
	PollAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_poll_attempts_total",
			Help: "Total number of connector status polls",
		},
		[]string{"runtime", "outcome"},
	)

	// BulkLoadRows counts rows copied by the full load.
	BulkLoadRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_bulk_load_rows_total",
			Help: "Total number of rows copied during full loads",
		},
		[]string{"source", "target"},
	)

	// BulkLoadDuration tracks full-load duration in seconds.
	BulkLoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_bulk_load_duration_seconds",
			Help:    "Full-load duration in seconds",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600},
		},
		[]string{"source", "target", "outcome"},
	)
)

// Recorder is what components depend on. Collector is the Prometheus
// implementation; Nop discards everything.
type Recorder interface {
	Transition(from, to string)
	ObserveOperation(operation string, d time.Duration, err error)
	ObserveRequest(runtime, method string, status int, d time.Duration, err error)
	ObservePoll(runtime, outcome string)
	ObserveBulkLoad(source, target string, rows int64, d time.Duration, err error)
}

// Collector records into the package-level Prometheus collectors.
type Collector struct{}

// Default is the process-wide collector.
var Default Recorder = Collector{}

// Transition records a pipeline status change.
func (Collector) Transition(from, to string) {
	PipelineTransitions.WithLabelValues(from, to).Inc()
}

// ObserveOperation records an orchestrator operation.
func (Collector) ObserveOperation(operation string, d time.Duration, err error) {
	OperationDuration.WithLabelValues(operation, outcome(err)).Observe(d.Seconds())
}

// ObserveRequest records one control-plane HTTP call.
func (Collector) ObserveRequest(runtime, method string, status int, d time.Duration, err error) {
	code := "error"
	if err == nil {
		code = strconv.Itoa(status)
	}
	ControlPlaneRequests.WithLabelValues(runtime, method, code).Inc()
	ControlPlaneLatency.WithLabelValues(runtime, method).Observe(d.Seconds())
}

// ObservePoll records one status poll.
func (Collector) ObservePoll(runtime, result string) {
	PollAttempts.WithLabelValues(runtime, result).Inc()
}

// ObserveBulkLoad records a finished full load.
func (Collector) ObserveBulkLoad(source, target string, rows int64, d time.Duration, err error) {
	BulkLoadRows.WithLabelValues(source, target).Add(float64(rows))
	BulkLoadDuration.WithLabelValues(source, target, outcome(err)).Observe(d.Seconds())
}

// Nop is a Recorder that discards everything.
type Nop struct{}

func (Nop) Transition(string, string) {}
func (Nop) ObserveOperation(string, time.Duration, error) {}
func (Nop) ObserveRequest(string, string, int, time.Duration, error) {}
func (Nop) ObservePoll(string, string) {}
func (Nop) ObserveBulkLoad(string, string, int64, time.Duration, error) {}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Name returns the label the timer was created with.
func (t *Timer) Name() string { return t.name }

// Stop returns the elapsed duration since creation. It may be called repeatedly.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
