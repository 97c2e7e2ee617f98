package graph

// Start and End are the pseudo-nodes that bound every workflow graph.
//
// Start may have several outgoing edges (fan-out). End has none.
const (
	Start = "__start__"
	End   = "__end__"
)

// Edge is a plain, unconditional transition between two nodes.
type Edge struct {
	// From is the source node name (or Start).
	From string

	// To is the destination node name (or End).
	To string
}

// Router chooses the next hop for a conditional edge by returning a label.
//
// Routers should be pure functions of the state. The returned label must be
// one of the keys declared for the conditional edge; any other label fails
// the branch at runtime.
type Router func(state State) string

// ConditionalEdge selects its destination among a finite, declared set of
// labels.
type ConditionalEdge struct {
	// From is the source node name.
	From string

	// Route evaluates the state and returns a label.
	Route Router

	// Routes maps each label Route may return to a destination node name.
	Routes map[string]string
}
