package graph

import (
	"fmt"
	"sort"
	"sync"
)

// Graph is a directed workflow graph of nodes, plain edges and conditional
// edges, bounded by the Start and End pseudo-nodes.
//
// A Graph is built once, validated by Compile and then frozen: the compiled
// graph is read-only and safe to share across concurrent runs.
//
// Example:
//
//	g := graph.NewGraph()
//	_ = g.AddNode("fetch", fetchNode)
//	_ = g.AddNode("report", reportNode)
//	_ = g.AddEdge(graph.Start, "fetch")
//	_ = g.AddEdge("fetch", "report")
//	_ = g.AddEdge("report", graph.End)
//	if err := g.Compile(); err != nil {
//	    log.Fatal(err)
//	}
type Graph struct {
	mu sync.RWMutex

	// nodes maps node names to implementations
	nodes map[string]Node

	// order preserves node insertion order for stable diagnostics
	order []string

	// edges holds plain edges in declaration order
	edges []Edge

	// conditional maps a source node to its conditional edge
	conditional map[string]ConditionalEdge

	plan *plan
}

// plan is the compiled execution plan derived from the topology.
type plan struct {
	// branches are Start's successors in declaration order
	branches []string

	// join is the convergence node for fan-out, empty without fan-out
	join string

	// next maps a node to its single plain successor
	next map[string]string

	// cond maps a node to its conditional edge
	cond map[string]ConditionalEdge
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:       make(map[string]Node),
		conditional: make(map[string]ConditionalEdge),
	}
}

// AddNode registers a node under a unique name.
func (g *Graph) AddNode(name string, node Node) error {
	if name == "" {
		return &EngineError{Message: "node name cannot be empty", Code: "INVALID_NODE"}
	}
	if name == Start || name == End {
		return &EngineError{Message: "node name is reserved: " + name, Code: "INVALID_NODE"}
	}
	if node == nil {
		return &EngineError{Message: "node cannot be nil", Code: "INVALID_NODE"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.plan != nil {
		return ErrGraphFrozen
	}
	if _, exists := g.nodes[name]; exists {
		return &EngineError{Message: "duplicate node name: " + name, Code: "DUPLICATE_NODE"}
	}

	g.nodes[name] = node
	g.order = append(g.order, name)
	return nil
}

// AddEdge adds a plain edge. Several plain edges out of Start declare a
// fan-out; their declaration order is the merge order at fan-in.
//
// Endpoint existence is checked by Compile so the graph can be built in any
// order.
func (g *Graph) AddEdge(from, to string) error {
	if from == "" || to == "" {
		return &EngineError{Message: "edge endpoints cannot be empty", Code: "INVALID_EDGE"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.plan != nil {
		return ErrGraphFrozen
	}
	g.edges = append(g.edges, Edge{From: from, To: to})
	return nil
}

// AddConditionalEdges routes out of from by evaluating router after from
// runs. routes maps each label the router may return to a destination.
func (g *Graph) AddConditionalEdges(from string, router Router, routes map[string]string) error {
	if from == "" {
		return &EngineError{Message: "conditional edge source cannot be empty", Code: "INVALID_EDGE"}
	}
	if router == nil {
		return &EngineError{Message: "router cannot be nil", Code: "INVALID_EDGE"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.plan != nil {
		return ErrGraphFrozen
	}
	if _, exists := g.conditional[from]; exists {
		return &EngineError{Message: "node already has a conditional edge: " + from, Code: "DUPLICATE_EDGE"}
	}

	copied := make(map[string]string, len(routes))
	for label, to := range routes {
		copied[label] = to
	}
	g.conditional[from] = ConditionalEdge{From: from, Route: router, Routes: copied}
	return nil
}

// Compiled reports whether Compile succeeded.
func (g *Graph) Compiled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.plan != nil
}

// Branches returns the fan-out branches in declaration order. It is empty
// before Compile.
func (g *Graph) Branches() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.plan == nil {
		return nil
	}
	return append([]string(nil), g.plan.branches...)
}

// Join returns the convergence node of the fan-out, or "" when the graph
// has a single entry.
func (g *Graph) Join() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.plan == nil {
		return ""
	}
	return g.plan.join
}

// Compile validates the topology and freezes the graph.
//
// It returns a *GraphValidationError listing every problem found. Nodes
// implementing Freeze (such as the dispatch node, which freezes its tool
// registry) are frozen on success.
func (g *Graph) Compile() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.plan != nil {
		return nil
	}

	p, problems := g.buildPlan()
	if len(problems) > 0 {
		return &GraphValidationError{Problems: problems}
	}

	for _, name := range g.order {
		if f, ok := g.nodes[name].(interface{ Freeze() }); ok {
			f.Freeze()
		}
	}
	g.plan = p
	return nil
}

func (g *Graph) node(name string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[name]
	return n, ok
}

func (g *Graph) compiledPlan() *plan {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.plan
}

func (g *Graph) exists(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// buildPlan checks the structural invariants and derives the execution plan.
func (g *Graph) buildPlan() (*plan, []string) {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	p := &plan{
		next: make(map[string]string),
		cond: make(map[string]ConditionalEdge),
	}

	if len(g.nodes) == 0 {
		addf("graph has no nodes")
	}

	seenStart := make(map[string]bool)
	for _, e := range g.edges {
		switch {
		case e.From == End:
			addf("edge %s -> %s leaves End", e.From, e.To)
			continue
		case e.To == Start:
			addf("edge %s -> %s enters Start", e.From, e.To)
			continue
		case e.From != Start && !g.exists(e.From):
			addf("edge %s -> %s references unknown node %q", e.From, e.To, e.From)
			continue
		case e.To != End && !g.exists(e.To):
			addf("edge %s -> %s references unknown node %q", e.From, e.To, e.To)
			continue
		}

		if e.From == Start {
			if e.To == End {
				addf("Start cannot connect directly to End")
				continue
			}
			if seenStart[e.To] {
				addf("duplicate fan-out edge to %q", e.To)
				continue
			}
			seenStart[e.To] = true
			p.branches = append(p.branches, e.To)
			continue
		}

		if prev, dup := p.next[e.From]; dup {
			addf("node %q has more than one outgoing edge (%s, %s); only Start may fan out", e.From, prev, e.To)
			continue
		}
		p.next[e.From] = e.To
	}

	if len(p.branches) == 0 {
		addf("Start has no outgoing edge")
	}

	condSources := make([]string, 0, len(g.conditional))
	for from := range g.conditional {
		condSources = append(condSources, from)
	}
	sort.Strings(condSources)

	for _, from := range condSources {
		ce := g.conditional[from]
		if from == Start || from == End {
			addf("conditional edge cannot leave %s", from)
			continue
		}
		if !g.exists(from) {
			addf("conditional edge references unknown node %q", from)
			continue
		}
		if _, plain := p.next[from]; plain {
			addf("node %q has both plain and conditional outgoing edges", from)
			continue
		}
		if len(ce.Routes) == 0 {
			addf("conditional edge from %q declares no routes", from)
			continue
		}
		valid := true
		for label, to := range ce.Routes {
			if to == Start || (to != End && !g.exists(to)) {
				addf("conditional edge %s[%s] references unknown node %q", from, label, to)
				valid = false
			}
		}
		if valid {
			p.cond[from] = ce
		}
	}

	for _, name := range g.order {
		_, plain := p.next[name]
		_, cond := g.conditional[name]
		if !plain && !cond {
			addf("node %q has no outgoing edge", name)
		}
	}

	if len(problems) > 0 {
		return nil, problems
	}

	problems = append(problems, p.checkReachability(g.order)...)
	if len(problems) > 0 {
		return nil, problems
	}

	if len(p.branches) > 1 {
		problems = append(problems, p.resolveJoin()...)
	}
	if len(problems) > 0 {
		return nil, problems
	}
	return p, nil
}

// successors returns the nodes reachable in one hop from name, sorted.
func (p *plan) successors(name string) []string {
	if name == Start {
		return p.branches
	}
	if to, ok := p.next[name]; ok {
		return []string{to}
	}
	ce, ok := p.cond[name]
	if !ok {
		return nil
	}
	seen := make(map[string]bool, len(ce.Routes))
	out := make([]string, 0, len(ce.Routes))
	for _, to := range ce.Routes {
		if !seen[to] {
			seen[to] = true
			out = append(out, to)
		}
	}
	sort.Strings(out)
	return out
}

// reach returns every node reachable from from (inclusive) without
// expanding through stop.
func (p *plan) reach(from, stop string) map[string]bool {
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n == stop && n != from {
			continue
		}
		for _, s := range p.successors(n) {
			if !visited[s] {
				visited[s] = true
				queue = append(queue, s)
			}
		}
	}
	return visited
}

func (p *plan) checkReachability(order []string) []string {
	var problems []string

	fromStart := p.reach(Start, "")
	for _, name := range order {
		if !fromStart[name] {
			problems = append(problems, fmt.Sprintf("node %q is unreachable from Start", name))
		}
	}

	// reverse adjacency for "can reach End"
	reverse := make(map[string][]string)
	for _, name := range append([]string{Start}, order...) {
		for _, s := range p.successors(name) {
			reverse[s] = append(reverse[s], name)
		}
	}
	toEnd := map[string]bool{End: true}
	queue := []string{End}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, prev := range reverse[n] {
			if !toEnd[prev] {
				toEnd[prev] = true
				queue = append(queue, prev)
			}
		}
	}
	for _, name := range order {
		if fromStart[name] && !toEnd[name] {
			problems = append(problems, fmt.Sprintf("node %q cannot reach End", name))
		}
	}
	return problems
}

// resolveJoin finds the unique earliest node every branch reaches and checks
// that no branch can starve the fan-in.
func (p *plan) resolveJoin() []string {
	var problems []string

	reaches := make([]map[string]bool, len(p.branches))
	for i, b := range p.branches {
		reaches[i] = p.reach(b, "")
	}

	var candidates []string
	for n := range reaches[0] {
		common := true
		for _, r := range reaches[1:] {
			if !r[n] {
				common = false
				break
			}
		}
		if common {
			candidates = append(candidates, n)
		}
	}
	sort.Strings(candidates)

	var earliest []string
	for _, c := range candidates {
		dominated := false
		for _, other := range candidates {
			if other != c && p.reach(other, "")[c] && !p.reach(c, "")[other] {
				dominated = true
				break
			}
		}
		if !dominated {
			earliest = append(earliest, c)
		}
	}
	if len(earliest) != 1 {
		return append(problems, fmt.Sprintf("fan-out branches have no unique convergence node (candidates: %v)", earliest))
	}
	join := earliest[0]

	owner := make(map[string]string)
	for _, b := range p.branches {
		if b == join {
			problems = append(problems, fmt.Sprintf("branch %q starts at the convergence node", b))
			continue
		}
		local := p.reach(b, join)
		if join != End && local[End] {
			problems = append(problems, fmt.Sprintf("branch %q can reach End without passing convergence node %q", b, join))
		}
		for n := range local {
			if n == join || n == End {
				continue
			}
			if prev, taken := owner[n]; taken {
				problems = append(problems, fmt.Sprintf("node %q is shared by branches %q and %q before convergence", n, prev, b))
				continue
			}
			owner[n] = b
		}
	}

	if join != End {
		for n := range p.reach(join, "") {
			if b, ok := owner[n]; ok {
				problems = append(problems, fmt.Sprintf("convergence node %q loops back into branch %q at %q", join, b, n))
			}
		}
	}

	sort.Strings(problems)
	p.join = join
	return problems
}
