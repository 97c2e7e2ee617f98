package graph

import (
	"context"

	"github.com/dshills/marketgraph/graph/emit"
)

// execInfo identifies the node execution a context belongs to. The engine
// attaches it so reasoning and dispatch nodes can emit events and record
// metrics against the right run and branch.
type execInfo struct {
	runID   string
	branch  string
	step    int
	nodeID  string
	emitter emit.Emitter
	metrics *PrometheusMetrics
}

type execKey struct{}

func withExecInfo(ctx context.Context, info execInfo) context.Context {
	return context.WithValue(ctx, execKey{}, info)
}

// execFromContext returns the execution info on ctx. Outside an engine run
// the zero value is returned; its emit is a no-op and its metrics are nil.
func execFromContext(ctx context.Context) execInfo {
	info, _ := ctx.Value(execKey{}).(execInfo)
	return info
}

func (x execInfo) emit(msg string, meta map[string]interface{}) {
	if x.emitter == nil {
		return
	}
	x.emitter.Emit(emit.Event{
		RunID:  x.runID,
		Branch: x.branch,
		Step:   x.step,
		NodeID: x.nodeID,
		Msg:    msg,
		Meta:   meta,
	})
}
