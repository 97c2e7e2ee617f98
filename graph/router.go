package graph

// DefaultMaxIterations bounds the agentic loop when no explicit limit is set.
const DefaultMaxIterations = 10

// ToolsRoute is the tagged outcome of evaluating an agentic branch after a
// reasoning step.
type ToolsRoute int

const (
	// HasToolCalls routes to the dispatch node.
	HasToolCalls ToolsRoute = iota

	// NoToolCalls routes out of the loop.
	NoToolCalls
)

// String returns the label used in ConditionalEdge.Routes.
func (r ToolsRoute) String() string {
	if r == HasToolCalls {
		return "tools"
	}
	return "done"
}

// Route labels for ToolsCondition.
var (
	RouteTools = HasToolCalls.String()
	RouteDone  = NoToolCalls.String()
)

// ClassifyTools inspects the last message of state and reports whether the
// branch should dispatch tools.
func ClassifyTools(state State) ToolsRoute {
	last, ok := state.Last()
	if !ok || !last.HasToolCalls() {
		return NoToolCalls
	}
	return HasToolCalls
}

// ToolsCondition returns the Router driving the Reasoning → Dispatching →
// Reasoning loop of an agentic branch.
//
// After every reasoning step the router inspects the last message. Pending
// tool calls route to RouteTools; anything else routes to RouteDone. Once the
// node named reasoningNode has authored maxIterations Assistant messages in
// this branch the router returns RouteDone regardless, so the loop runs at
// most maxIterations reasoning rounds. A non-positive maxIterations uses
// DefaultMaxIterations.
//
// Example:
//
//	g.AddConditionalEdges("analyst", graph.ToolsCondition("analyst", 5), map[string]string{
//	    graph.RouteTools: "tools",
//	    graph.RouteDone:  "summary",
//	})
func ToolsCondition(reasoningNode string, maxIterations int) Router {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return func(state State) string {
		if ClassifyTools(state) == NoToolCalls {
			return RouteDone
		}
		if ReasoningRounds(state, reasoningNode) >= maxIterations {
			return RouteDone
		}
		return RouteTools
	}
}

// ReasoningRounds counts the Assistant messages authored by node in state.
func ReasoningRounds(state State, node string) int {
	rounds := 0
	for _, m := range state.msgs {
		if m.Role == RoleAssistant && m.Name == node {
			rounds++
		}
	}
	return rounds
}
