package graph

import (
	"time"

	"github.com/dshills/marketgraph/graph/emit"
)

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine, err := graph.New(
//	    graph.WithRunTimeout(2*time.Minute),
//	    graph.WithDefaultNodeTimeout(45*time.Second),
//	    graph.WithEmitter(emit.NewLogEmitter(os.Stdout, false)),
//	)
type Option func(*engineConfig) error

// engineConfig collects options before they are applied to an Engine so that
// every option can be validated in one place.
type engineConfig struct {
	maxSteps           int
	runTimeout         time.Duration
	defaultNodeTimeout time.Duration
	emitter            emit.Emitter
	metrics            *PrometheusMetrics
	usage              *UsageTracker
	retrySeed          *int64
}

// WithMaxSteps bounds how many nodes a single path may execute.
//
// The limit applies to each fan-out branch and to the post-join path
// separately. A branch that exceeds it fails with ErrMaxStepsExceeded and is
// replaced by a placeholder; siblings are unaffected. Zero means no limit,
// which is safe only when every loop is guarded by ToolsCondition.
//
// Default: 100.
func WithMaxSteps(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return &EngineError{Message: "max steps cannot be negative", Code: "INVALID_OPTION"}
		}
		cfg.maxSteps = n
		return nil
	}
}

// WithRunTimeout sets the wall-clock deadline for Run.
//
// When it expires, branches still running are abandoned and Run returns a
// *RunTimeoutError with the partial merged log. A deadline already on the
// context passed to Run applies as well; whichever is earlier wins.
//
// Default: 0 (only the context deadline applies).
func WithRunTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return &EngineError{Message: "run timeout cannot be negative", Code: "INVALID_OPTION"}
		}
		cfg.runTimeout = d
		return nil
	}
}

// WithDefaultNodeTimeout bounds each node attempt for nodes whose
// NodePolicy.Timeout is unset.
//
// Default: 0 (no per-node timeout).
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return &EngineError{Message: "node timeout cannot be negative", Code: "INVALID_OPTION"}
		}
		cfg.defaultNodeTimeout = d
		return nil
	}
}

// WithEmitter sets the receiver of execution events. Nil installs a
// NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	engine, _ := graph.New(graph.WithMetrics(graph.NewPrometheusMetrics(registry)))
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = metrics
		return nil
	}
}

// WithUsageTracker records token usage of every reasoning node into tracker.
// A tracker already attached to the Run context with ContextWithUsage takes
// precedence.
func WithUsageTracker(tracker *UsageTracker) Option {
	return func(cfg *engineConfig) error {
		cfg.usage = tracker
		return nil
	}
}

// WithRetrySeed makes retry jitter deterministic. Intended for tests.
func WithRetrySeed(seed int64) Option {
	return func(cfg *engineConfig) error {
		cfg.retrySeed = &seed
		return nil
	}
}
