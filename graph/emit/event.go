package emit

// Event names emitted by the engine.
const (
	MsgRunStart    = "run_start"
	MsgBranchStart = "branch_start"
	MsgNodeStart   = "node_start"
	MsgNodeEnd     = "node_end"
	MsgNodeError   = "node_error"
	MsgNodeRetry   = "node_retry"
	MsgToolCall    = "tool_call"
	MsgReasoning   = "reasoning"
	MsgBranchEnd   = "branch_end"
	MsgMerge       = "merge"
	MsgRunEnd      = "run_end"
	MsgRunTimeout  = "run_timeout"
)

// Event represents an observability event emitted during workflow execution.
//
// Events cover the run lifecycle (start, merge, end, timeout), each fan-out
// branch, every node execution and every dispatched tool call.
type Event struct {
	// RunID identifies the workflow execution that emitted this event.
	RunID string `json:"run_id"`

	// Branch names the fan-out branch the event belongs to. Empty for
	// run-level events and for nodes after the fan-in.
	Branch string `json:"branch,omitempty"`

	// Step is the per-path step number (1-indexed). Zero for run-level
	// and branch-level events.
	Step int `json:"step"`

	// NodeID identifies which node emitted this event.
	NodeID string `json:"node_id,omitempty"`

	// Msg is the event name, one of the Msg* constants.
	Msg string `json:"msg"`

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": execution duration in milliseconds
	//   - "error": error details
	//   - "tool": tool name for tool_call events
	//   - "tokens_in", "tokens_out", "model": reasoning usage
	//   - "attempt": retry attempt number
	Meta map[string]interface{} `json:"meta,omitempty"`
}
