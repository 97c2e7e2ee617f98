package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/marketgraph/graph/emit"
	"github.com/dshills/marketgraph/graph/tool"
)

// DefaultDispatchConcurrency bounds how many tool calls of one Assistant
// message run at once.
const DefaultDispatchConcurrency = 4

// DispatchNode executes the tool calls requested by the last Assistant
// message and appends one ToolResult per call, in request order.
//
// Every failure is isolated to its call and recorded as an error ToolResult:
// unknown tools, arguments that fail schema validation, capability errors,
// panics and per-call timeouts. The node itself never fails.
type DispatchNode struct {
	registry    *tool.Registry
	concurrency int
	callTimeout time.Duration
}

// DispatchOption configures a DispatchNode.
type DispatchOption func(*DispatchNode)

// WithDispatchConcurrency sets how many calls run in parallel. Values below
// one run calls sequentially.
func WithDispatchConcurrency(n int) DispatchOption {
	return func(d *DispatchNode) {
		if n < 1 {
			n = 1
		}
		d.concurrency = n
	}
}

// WithCallTimeout bounds each tool call. A call that exceeds it is recorded
// as a failed ToolResult.
func WithCallTimeout(timeout time.Duration) DispatchOption {
	return func(d *DispatchNode) {
		d.callTimeout = timeout
	}
}

// NewDispatchNode returns a dispatch node over registry.
func NewDispatchNode(registry *tool.Registry, opts ...DispatchOption) *DispatchNode {
	d := &DispatchNode{registry: registry, concurrency: DefaultDispatchConcurrency}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Freeze freezes the tool registry. Graph.Compile calls it.
func (d *DispatchNode) Freeze() {
	if d.registry != nil {
		d.registry.Freeze()
	}
}

// Run implements Node. Without pending tool calls it returns an empty delta.
func (d *DispatchNode) Run(ctx context.Context, state State) NodeResult {
	last, ok := state.Last()
	if !ok || !last.HasToolCalls() {
		return NodeResult{}
	}

	results := make([]Message, len(last.ToolCalls))
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, call := range last.ToolCalls {
		i, call := i, call
		g.Go(func() error {
			results[i] = d.invoke(ctx, call)
			return nil
		})
	}
	_ = g.Wait()

	return Appends(results...)
}

type callOutcome struct {
	out map[string]interface{}
	err error
}

func (d *DispatchNode) invoke(ctx context.Context, call ToolCall) Message {
	x := execFromContext(ctx)
	started := time.Now()

	record := func(status string, err error) {
		x.metrics.RecordToolCall(call.Name, status)
		meta := map[string]interface{}{
			"tool":        call.Name,
			"call_id":     call.ID,
			"status":      status,
			"duration_ms": time.Since(started).Milliseconds(),
		}
		if err != nil {
			meta["error"] = err.Error()
		}
		x.emit(emit.MsgToolCall, meta)
	}

	var t tool.Tool
	if d.registry != nil {
		t, _ = d.registry.Lookup(call.Name)
	}
	if t == nil {
		err := &ToolNotFoundError{Name: call.Name}
		record("not_found", err)
		return ToolErrorMessage(call.ID, call.Name, err)
	}

	failed := func(cause error) Message {
		err := &ToolInvocationError{Name: call.Name, Cause: cause}
		record("error", err)
		return ToolErrorMessage(call.ID, call.Name, err)
	}

	args, err := tool.DecodeArguments(cloneArgs(call.Arguments))
	if err != nil {
		return failed(err)
	}
	if described, ok := t.(tool.Described); ok {
		schema := described.Schema()
		args = schema.ApplyDefaults(args)
		if err := schema.Validate(args); err != nil {
			return failed(err)
		}
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.callTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d.callTimeout)
	}
	defer cancel()

	done := make(chan callOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := t.Call(callCtx, args)
		done <- callOutcome{out: out, err: err}
	}()

	var res callOutcome
	select {
	case res = <-done:
	case <-callCtx.Done():
		res.err = callCtx.Err()
	}
	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) && d.callTimeout > 0 && ctx.Err() == nil {
			res.err = fmt.Errorf("timed out after %v: %w", d.callTimeout, res.err)
		}
		return failed(res.err)
	}

	if res.out == nil {
		res.out = map[string]interface{}{}
	}
	content, err := json.Marshal(res.out)
	if err != nil {
		return failed(fmt.Errorf("encode result: %w", err))
	}

	record("success", nil)
	return ToolResultMessage(call.ID, call.Name, string(content))
}
