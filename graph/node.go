package graph

import "context"

// Node represents a named unit of work in the workflow graph.
//
// A node receives the branch-local State and returns the messages it wants
// appended. It never mutates the State it was given. Routing is decided by
// the node's outgoing edges, not by the node.
type Node interface {
	// Run executes the node's logic against state.
	Run(ctx context.Context, state State) NodeResult
}

// NodeResult represents the output of a node execution.
type NodeResult struct {
	// Delta holds the messages to append to the branch state, in order.
	Delta []Message

	// Err reports a node-level failure. The engine converts it into a
	// placeholder log entry at the node boundary; it never aborts siblings.
	Err error
}

// NodeFunc is a function adapter that implements the Node interface.
//
// Example:
//
//	echo := graph.NodeFunc(func(ctx context.Context, s graph.State) graph.NodeResult {
//	    return graph.NodeResult{Delta: []graph.Message{graph.AssistantMessage("ok")}}
//	})
type NodeFunc func(ctx context.Context, state State) NodeResult

// Run implements the Node interface for NodeFunc.
func (f NodeFunc) Run(ctx context.Context, state State) NodeResult {
	return f(ctx, state)
}

// PolicyProvider is implemented by nodes that carry their own execution
// policy (timeout, retry).
type PolicyProvider interface {
	Policy() NodePolicy
}

// Appends is a convenience constructor for a successful NodeResult.
func Appends(msgs ...Message) NodeResult {
	return NodeResult{Delta: msgs}
}

// Fail is a convenience constructor for a failed NodeResult.
func Fail(err error) NodeResult {
	return NodeResult{Err: err}
}

// NodeError records which node produced a failure.
type NodeError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code for programmatic handling.
	Code string

	// NodeID identifies which node produced this error.
	NodeID string

	// Cause is the underlying error that caused this NodeError.
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause error for error wrapping support.
func (e *NodeError) Unwrap() error {
	return e.Cause
}
