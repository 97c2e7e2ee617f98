package graph

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dshills/marketgraph/graph/emit"
)

// DefaultMaxSteps is the per-path step guard applied when WithMaxSteps is not
// given.
const DefaultMaxSteps = 100

// Engine executes compiled workflow graphs.
//
// The Engine is the runtime that:
//   - Forks the initial state once per fan-out branch
//   - Runs each branch sequentially in its own goroutine
//   - Follows plain edges and evaluates conditional routers
//   - Waits for every branch at the convergence node and merges their logs
//     in declaration order
//   - Continues on the main path from the convergence node to End
//   - Converts node failures into placeholder log entries
//   - Enforces the run deadline, node timeouts, retries and MaxSteps
//   - Emits observability events and Prometheus metrics
//
// An Engine holds no per-run state and may run many graphs concurrently.
//
// Example:
//
//	engine, err := graph.New(graph.WithRunTimeout(2 * time.Minute))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	final, err := engine.Run(ctx, g, "run-001", initial)
type Engine struct {
	maxSteps           int
	runTimeout         time.Duration
	defaultNodeTimeout time.Duration
	emitter            emit.Emitter
	metrics            *PrometheusMetrics
	usage              *UsageTracker

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates an Engine configured by opts.
func New(opts ...Option) (*Engine, error) {
	cfg := engineConfig{maxSteps: DefaultMaxSteps}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		maxSteps:           cfg.maxSteps,
		runTimeout:         cfg.runTimeout,
		defaultNodeTimeout: cfg.defaultNodeTimeout,
		emitter:            cfg.emitter,
		metrics:            cfg.metrics,
		usage:              cfg.usage,
	}
	if e.emitter == nil {
		e.emitter = emit.NewNullEmitter()
	}
	if cfg.retrySeed != nil {
		e.rng = rand.New(rand.NewSource(*cfg.retrySeed)) // #nosec G404 -- deterministic jitter for tests
	}
	return e, nil
}

// branchResult carries one fan-out branch back to the fan-in.
type branchResult struct {
	index int
	state State
	err   error

	// completed is false when the run deadline cut the branch short.
	completed bool
}

// Run executes g from Start to End on initial.
//
// It returns a *GraphValidationError before doing any work when g is nil or
// not compiled. Node failures never abort the run: the failing branch
// contributes a single placeholder message instead of its delta and its
// siblings proceed. When the run deadline expires Run returns a
// *RunTimeoutError together with the partial merged log: initial when the
// deadline hit during fan-out, or the merged log so far once fan-in
// happened.
func (e *Engine) Run(ctx context.Context, g *Graph, runID string, initial State) (State, error) {
	if g == nil {
		return initial, &GraphValidationError{Problems: []string{"graph is nil"}}
	}
	p := g.compiledPlan()
	if p == nil {
		return initial, &GraphValidationError{Problems: []string{"graph is not compiled"}}
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.runTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.runTimeout)
	}
	defer cancel()

	if e.usage != nil && UsageFromContext(runCtx) == nil {
		runCtx = ContextWithUsage(runCtx, e.usage)
	}

	e.emitter.Emit(emit.Event{
		RunID: runID,
		Msg:   emit.MsgRunStart,
		Meta:  map[string]interface{}{"branches": p.branches, "join": p.join, "messages": initial.Len()},
	})

	// Single entry: the whole graph is the main path.
	if len(p.branches) == 1 {
		final, err := e.runPath(runCtx, g, p, runID, p.branches[0], p.branches[0], End, initial, false)
		return e.finish(runCtx, runID, final, nil, err)
	}

	results := make(chan branchResult, len(p.branches))
	for i, b := range p.branches {
		go func(i int, b string) {
			e.metrics.BranchStarted()
			defer e.metrics.BranchFinished()

			e.emitter.Emit(emit.Event{RunID: runID, Branch: b, NodeID: b, Msg: emit.MsgBranchStart})
			state, err := e.runPath(runCtx, g, p, runID, b, b, p.join, initial.Fork(), true)
			meta := map[string]interface{}{"messages": state.Len() - initial.Len()}
			if err != nil {
				meta["error"] = err.Error()
			}
			e.emitter.Emit(emit.Event{RunID: runID, Branch: b, NodeID: p.join, Msg: emit.MsgBranchEnd, Meta: meta})
			results <- branchResult{index: i, state: state, err: err, completed: runCtx.Err() == nil}
		}(i, b)
	}

	states := make([]State, len(p.branches))
	done := make([]bool, len(p.branches))
	var failed []error
	for received := 0; received < len(p.branches); {
		select {
		case r := <-results:
			states[r.index] = r.state
			done[r.index] = r.completed
			if r.err != nil {
				failed = append(failed, r.err)
			}
			received++
		case <-runCtx.Done():
			return e.timedOut(runCtx, runID, initial, p.branches, done)
		}
	}
	if runCtx.Err() != nil {
		// Branches that observed the deadline report it as a failure; the
		// run as a whole still timed out.
		return e.timedOut(runCtx, runID, initial, p.branches, done)
	}

	merged, err := Merge(initial, states...)
	if err != nil {
		e.emitter.Emit(emit.Event{RunID: runID, NodeID: p.join, Msg: emit.MsgRunEnd, Meta: map[string]interface{}{"error": err.Error()}})
		e.metrics.RecordRun("error")
		return initial, &EngineError{Message: "merge failed: " + err.Error(), Code: "MERGE_FAILED"}
	}
	e.emitter.Emit(emit.Event{
		RunID:  runID,
		NodeID: p.join,
		Msg:    emit.MsgMerge,
		Meta:   map[string]interface{}{"order": p.branches, "messages": merged.Len(), "failed_branches": len(failed)},
	})

	if p.join == End {
		return e.finish(runCtx, runID, merged, failed, nil)
	}

	final, err := e.runPath(runCtx, g, p, runID, "", p.join, End, merged, false)
	if runCtx.Err() != nil {
		all := make([]bool, len(p.branches))
		for i := range all {
			all[i] = true
		}
		return e.timedOut(runCtx, runID, final, p.branches, all)
	}
	return e.finish(runCtx, runID, final, failed, err)
}

// finish emits the terminal event for a run that was not cut short during
// fan-out.
func (e *Engine) finish(runCtx context.Context, runID string, final State, failed []error, pathErr error) (State, error) {
	if runCtx.Err() != nil {
		return e.timedOut(runCtx, runID, final, nil, nil)
	}

	status := "success"
	if pathErr != nil || len(failed) > 0 {
		status = "degraded"
	}
	meta := map[string]interface{}{"messages": final.Len(), "status": status}
	if pathErr != nil {
		meta["error"] = pathErr.Error()
	}
	e.emitter.Emit(emit.Event{RunID: runID, NodeID: End, Msg: emit.MsgRunEnd, Meta: meta})
	e.metrics.RecordRun(status)
	return final, nil
}

// timedOut reports an expired run with the partial log. A caller
// cancellation that is not a deadline is returned as the context error.
func (e *Engine) timedOut(runCtx context.Context, runID string, partial State, branches []string, done []bool) (State, error) {
	if !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		e.metrics.RecordRun("canceled")
		e.emitter.Emit(emit.Event{RunID: runID, Msg: emit.MsgRunEnd, Meta: map[string]interface{}{"status": "canceled"}})
		return partial, runCtx.Err()
	}

	var completed []string
	for i, b := range branches {
		if done[i] {
			completed = append(completed, b)
		}
	}

	e.emitter.Emit(emit.Event{
		RunID: runID,
		Msg:   emit.MsgRunTimeout,
		Meta:  map[string]interface{}{"completed": completed, "messages": partial.Len()},
	})
	e.metrics.RecordRun("timeout")
	return partial, &RunTimeoutError{RunID: runID, Deadline: e.runTimeout, Completed: completed}
}

// runPath executes nodes sequentially from "from" until it reaches stop or
// End.
//
// On a node failure the returned state carries a placeholder message and the
// error is returned alongside it: isolate discards everything the path
// appended (fan-out branches), otherwise the placeholder follows the log so
// far. When ctx is done the state so far is returned with ctx.Err().
func (e *Engine) runPath(ctx context.Context, g *Graph, p *plan, runID, branch, from, stop string, state State, isolate bool) (State, error) {
	start := state
	label := branch
	current := from

	fail := func(nodeID string, err error) (State, error) {
		if label == "" {
			label = nodeID
		}
		e.metrics.RecordBranchFailure(label, failureReason(err))
		base := state
		if isolate {
			base = start
		}
		placeholder := AssistantMessage(fmt.Sprintf("[%s unavailable: %v]", label, err))
		placeholder.Name = nodeID
		failedState, appendErr := base.Append(placeholder)
		if appendErr != nil {
			return base, err
		}
		return failedState, err
	}

	for step := 1; current != stop && current != End; step++ {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		if e.maxSteps > 0 && step > e.maxSteps {
			return fail(current, fmt.Errorf("%w (%d) before node %s", ErrMaxStepsExceeded, e.maxSteps, current))
		}

		node, ok := g.node(current)
		if !ok {
			return fail(current, &EngineError{Message: "node not found during execution: " + current, Code: "NODE_NOT_FOUND"})
		}

		delta, err := e.executeNode(ctx, runID, branch, step, current, node, state)
		if err != nil {
			if ctx.Err() != nil {
				return state, ctx.Err()
			}
			return fail(current, err)
		}

		next, err := state.Append(delta...)
		if err != nil {
			return fail(current, err)
		}
		state = next

		to, err := p.route(current, state)
		if err != nil {
			return fail(current, err)
		}
		current = to
	}
	return state, nil
}

// executeNode runs one node, retrying per its policy, and returns its delta.
func (e *Engine) executeNode(ctx context.Context, runID, branch string, step int, nodeID string, node Node, state State) ([]Message, error) {
	var policy *NodePolicy
	if pp, ok := node.(PolicyProvider); ok {
		pol := pp.Policy()
		if pol.Retry != nil {
			if err := pol.Retry.Validate(); err != nil {
				return nil, fmt.Errorf("node %s: %w", nodeID, err)
			}
		}
		policy = &pol
	}

	attempts := 1
	if policy != nil && policy.Retry != nil {
		attempts = policy.Retry.MaxAttempts
	}

	info := execInfo{
		runID:   runID,
		branch:  branch,
		step:    step,
		nodeID:  nodeID,
		emitter: e.emitter,
		metrics: e.metrics,
	}
	nodeCtx := withExecInfo(ctx, info)

	for attempt := 0; ; attempt++ {
		info.emit(emit.MsgNodeStart, map[string]interface{}{"attempt": attempt + 1})

		started := time.Now()
		result, err := executeNodeWithTimeout(nodeCtx, node, nodeID, state, policy, e.defaultNodeTimeout)
		if err == nil {
			err = result.Err
		}
		elapsed := time.Since(started)

		if err == nil {
			e.metrics.RecordStepLatency(nodeID, elapsed, "success")
			info.emit(emit.MsgNodeEnd, map[string]interface{}{
				"duration_ms": elapsed.Milliseconds(),
				"delta":       len(result.Delta),
			})
			return result.Delta, nil
		}

		status := "error"
		var ee *EngineError
		if errors.As(err, &ee) && ee.Code == "NODE_TIMEOUT" {
			status = "timeout"
		}
		e.metrics.RecordStepLatency(nodeID, elapsed, status)

		if ctx.Err() != nil {
			return nil, err
		}

		if attempt+1 < attempts && policy.Retry.shouldRetry(err) {
			delay := e.backoff(attempt, policy.Retry)
			e.metrics.IncrementRetries(nodeID, failureReason(err))
			info.emit(emit.MsgNodeRetry, map[string]interface{}{
				"attempt":  attempt + 1,
				"delay_ms": delay.Milliseconds(),
				"error":    err.Error(),
			})
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil, err
			}
		}

		info.emit(emit.MsgNodeError, map[string]interface{}{
			"error":       err.Error(),
			"duration_ms": elapsed.Milliseconds(),
			"attempts":    attempt + 1,
		})
		return nil, err
	}
}

func (e *Engine) backoff(attempt int, rp *RetryPolicy) time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return computeBackoff(attempt, rp.BaseDelay, rp.MaxDelay, e.rng)
}

// route resolves the successor of from after it appended to state.
func (p *plan) route(from string, state State) (to string, err error) {
	if next, ok := p.next[from]; ok {
		return next, nil
	}
	ce, ok := p.cond[from]
	if !ok {
		return "", &EngineError{Message: "no outgoing edge from node: " + from, Code: "NO_ROUTE"}
	}

	defer func() {
		if r := recover(); r != nil {
			to = ""
			err = &EngineError{Message: fmt.Sprintf("router for %s panicked: %v", from, r), Code: "ROUTER_PANIC"}
		}
	}()

	label := ce.Route(state)
	to, ok = ce.Routes[label]
	if !ok {
		return "", &EngineError{
			Message: fmt.Sprintf("router for %s returned undeclared label %q", from, label),
			Code:    "UNKNOWN_ROUTE",
		}
	}
	return to, nil
}

// failureReason maps an error to a low-cardinality metric label.
func failureReason(err error) string {
	var ee *EngineError
	switch {
	case errors.Is(err, ErrReasoningUnavailable):
		return "reasoning_unavailable"
	case errors.Is(err, ErrMaxStepsExceeded):
		return "max_steps"
	case errors.As(err, &ee):
		switch ee.Code {
		case "NODE_TIMEOUT":
			return "timeout"
		case "UNKNOWN_ROUTE", "ROUTER_PANIC", "NO_ROUTE":
			return "routing"
		}
		return "engine"
	}
	var ne *NodeError
	if errors.As(err, &ne) && ne.Code == "NODE_PANIC" {
		return "panic"
	}
	return "node_error"
}
