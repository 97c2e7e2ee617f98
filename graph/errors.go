// Package graph provides the workflow orchestration engine for marketgraph.
package graph

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors. Typed errors below match these via errors.Is so callers can
// classify a failure without a type switch.
var (
	// ErrGraphValidation classifies malformed topology detected at compile time.
	ErrGraphValidation = errors.New("graph validation failed")

	// ErrToolNotFound classifies a tool call naming an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolInvocation classifies a tool call that failed inside the capability,
	// failed argument validation, panicked, or timed out.
	ErrToolInvocation = errors.New("tool invocation failed")

	// ErrReasoningUnavailable classifies a Reasoning Port that could not produce
	// a response. It is fatal to the branch that hit it.
	ErrReasoningUnavailable = errors.New("reasoning unavailable")

	// ErrRunTimeout classifies a run that exceeded its deadline.
	ErrRunTimeout = errors.New("run timed out")

	// ErrMaxStepsExceeded indicates a path executed more nodes than allowed.
	ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

	// ErrInvalidMessage is returned by State.Append when a message would break
	// the log invariants.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrNotForked is returned by Merge when a branch does not extend base.
	ErrNotForked = errors.New("branch state does not extend base state")

	// ErrGraphFrozen is returned when a compiled graph is modified.
	ErrGraphFrozen = errors.New("graph is compiled and can no longer be modified")

	// ErrInvalidRetryPolicy indicates a RetryPolicy with inconsistent settings.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
)

// GraphValidationError lists every topology problem found by Compile.
type GraphValidationError struct {
	Problems []string
}

func (e *GraphValidationError) Error() string {
	if len(e.Problems) == 0 {
		return ErrGraphValidation.Error()
	}
	return ErrGraphValidation.Error() + ": " + strings.Join(e.Problems, "; ")
}

// Is reports whether target is ErrGraphValidation.
func (e *GraphValidationError) Is(target error) bool {
	return target == ErrGraphValidation
}

// ToolNotFoundError is recorded as ToolResult content when a call names a tool
// the registry does not know.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found", e.Name)
}

// Is reports whether target is ErrToolNotFound.
func (e *ToolNotFoundError) Is(target error) bool {
	return target == ErrToolNotFound
}

// ToolInvocationError is recorded as ToolResult content when a capability
// fails. The failure is isolated to the single call.
type ToolInvocationError struct {
	Name  string
	Cause error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Name, e.Cause)
}

func (e *ToolInvocationError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrToolInvocation.
func (e *ToolInvocationError) Is(target error) bool {
	return target == ErrToolInvocation
}

// ReasoningUnavailableError wraps a Reasoning Port failure.
type ReasoningUnavailableError struct {
	Node  string
	Cause error
}

func (e *ReasoningUnavailableError) Error() string {
	return fmt.Sprintf("reasoning unavailable at node %s: %v", e.Node, e.Cause)
}

func (e *ReasoningUnavailableError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrReasoningUnavailable.
func (e *ReasoningUnavailableError) Is(target error) bool {
	return target == ErrReasoningUnavailable
}

// RunTimeoutError is returned by Engine.Run when the run deadline expires.
// Completed lists the branches that reached the convergence point before
// expiry. During fan-out their states are discarded.
type RunTimeoutError struct {
	RunID     string
	Deadline  time.Duration
	Completed []string
}

func (e *RunTimeoutError) Error() string {
	msg := "run " + e.RunID + " timed out"
	if e.Deadline > 0 {
		msg += " after " + e.Deadline.String()
	}
	if len(e.Completed) > 0 {
		msg += " (completed branches: " + strings.Join(e.Completed, ", ") + ")"
	}
	return msg
}

// Is reports whether target is ErrRunTimeout.
func (e *RunTimeoutError) Is(target error) bool {
	return target == ErrRunTimeout
}

// EngineError represents a misconfiguration or internal routing fault.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
