package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects Prometheus metrics for workflow execution.
//
// Metrics exposed (all namespaced with "marketgraph_"):
//
//  1. inflight_branches (gauge): fan-out branches currently executing.
//  2. step_latency_ms (histogram): node execution duration.
//     Labels: node_id, status (success/error/timeout).
//  3. retries_total (counter): node retry attempts. Labels: node_id, reason.
//  4. branch_failures_total (counter): branches replaced by a placeholder.
//     Labels: branch, reason.
//  5. tool_calls_total (counter): dispatched tool calls.
//     Labels: tool, status (success/not_found/error).
//  6. runs_total (counter): completed runs. Labels: status.
//  7. reasoning_tokens_total (counter): tokens reported by the Reasoning
//     Port. Labels: node_id, direction (input/output).
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	engine, _ := graph.New(graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// All methods are safe on a nil receiver, which records nothing.
type PrometheusMetrics struct {
	inflightBranches prometheus.Gauge
	stepLatency      *prometheus.HistogramVec
	retries          *prometheus.CounterVec
	branchFailures   *prometheus.CounterVec
	toolCalls        *prometheus.CounterVec
	runs             *prometheus.CounterVec
	tokens           *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all metrics with registry.
// A nil registry uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	pm := &PrometheusMetrics{enabled: true}

	pm.inflightBranches = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketgraph",
		Name:      "inflight_branches",
		Help:      "Number of fan-out branches currently executing",
	})

	pm.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "marketgraph",
		Name:      "step_latency_ms",
		Help:      "Node execution duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
	}, []string{"node_id", "status"})

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketgraph",
		Name:      "retries_total",
		Help:      "Cumulative count of node retry attempts",
	}, []string{"node_id", "reason"})

	pm.branchFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketgraph",
		Name:      "branch_failures_total",
		Help:      "Branches whose result was replaced by a placeholder message",
	}, []string{"branch", "reason"})

	pm.toolCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketgraph",
		Name:      "tool_calls_total",
		Help:      "Tool calls dispatched, by outcome",
	}, []string{"tool", "status"})

	pm.runs = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketgraph",
		Name:      "runs_total",
		Help:      "Workflow runs finished, by outcome",
	}, []string{"status"})

	pm.tokens = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketgraph",
		Name:      "reasoning_tokens_total",
		Help:      "Tokens consumed by reasoning nodes",
	}, []string{"node_id", "direction"})

	return pm
}

func (pm *PrometheusMetrics) active() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordStepLatency records one node execution.
func (pm *PrometheusMetrics) RecordStepLatency(nodeID string, latency time.Duration, status string) {
	if !pm.active() {
		return
	}
	pm.stepLatency.WithLabelValues(nodeID, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries counts a retry attempt for nodeID.
func (pm *PrometheusMetrics) IncrementRetries(nodeID, reason string) {
	if !pm.active() {
		return
	}
	pm.retries.WithLabelValues(nodeID, reason).Inc()
}

// BranchStarted increments the inflight branch gauge.
func (pm *PrometheusMetrics) BranchStarted() {
	if !pm.active() {
		return
	}
	pm.inflightBranches.Inc()
}

// BranchFinished decrements the inflight branch gauge.
func (pm *PrometheusMetrics) BranchFinished() {
	if !pm.active() {
		return
	}
	pm.inflightBranches.Dec()
}

// RecordBranchFailure counts a branch replaced by a placeholder.
func (pm *PrometheusMetrics) RecordBranchFailure(branch, reason string) {
	if !pm.active() {
		return
	}
	pm.branchFailures.WithLabelValues(branch, reason).Inc()
}

// RecordToolCall counts one dispatched tool call.
func (pm *PrometheusMetrics) RecordToolCall(tool, status string) {
	if !pm.active() {
		return
	}
	pm.toolCalls.WithLabelValues(tool, status).Inc()
}

// RecordRun counts a finished run.
func (pm *PrometheusMetrics) RecordRun(status string) {
	if !pm.active() {
		return
	}
	pm.runs.WithLabelValues(status).Inc()
}

// RecordTokens adds token usage reported by a reasoning node.
func (pm *PrometheusMetrics) RecordTokens(nodeID string, input, output int) {
	if !pm.active() {
		return
	}
	if input > 0 {
		pm.tokens.WithLabelValues(nodeID, "input").Add(float64(input))
	}
	if output > 0 {
		pm.tokens.WithLabelValues(nodeID, "output").Add(float64(output))
	}
}

// Disable stops metric recording.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes metric recording.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
