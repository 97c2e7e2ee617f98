package graph_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dshills/marketgraph/graph"
)

func say(content string) graph.Node {
	return graph.NodeFunc(func(_ context.Context, _ graph.State) graph.NodeResult {
		return graph.Appends(graph.AssistantMessage(content))
	})
}

func TestCompile_Valid(t *testing.T) {
	t.Run("linear", func(t *testing.T) {
		g := graph.NewGraph()
		_ = g.AddNode("a", say("a"))
		_ = g.AddNode("b", say("b"))
		_ = g.AddEdge(graph.Start, "a")
		_ = g.AddEdge("a", "b")
		_ = g.AddEdge("b", graph.End)
		if err := g.Compile(); err != nil {
			t.Fatalf("Compile: %v", err)
		}
		if got := g.Branches(); len(got) != 1 || got[0] != "a" {
			t.Errorf("Branches = %v", got)
		}
		if g.Join() != "" {
			t.Errorf("Join = %q, want none", g.Join())
		}
	})

	t.Run("fan-out with loop", func(t *testing.T) {
		g := analysisShape(t)
		if err := g.Compile(); err != nil {
			t.Fatalf("Compile: %v", err)
		}
		want := []string{"technical", "fundamental", "sentiment"}
		got := g.Branches()
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("Branches = %v, want %v", got, want)
			}
		}
		if g.Join() != "aggregate" {
			t.Errorf("Join = %q", g.Join())
		}
	})

	t.Run("fan-out straight to End", func(t *testing.T) {
		g := graph.NewGraph()
		_ = g.AddNode("a", say("a"))
		_ = g.AddNode("b", say("b"))
		_ = g.AddEdge(graph.Start, "a")
		_ = g.AddEdge(graph.Start, "b")
		_ = g.AddEdge("a", graph.End)
		_ = g.AddEdge("b", graph.End)
		if err := g.Compile(); err != nil {
			t.Fatalf("Compile: %v", err)
		}
		if g.Join() != graph.End {
			t.Errorf("Join = %q", g.Join())
		}
	})
}

// analysisShape builds the three-branch topology with an agentic loop on
// the first branch.
func analysisShape(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.NewGraph()
	for _, n := range []string{"technical", "tools", "tech_summary", "fundamental", "sentiment", "aggregate"} {
		if err := g.AddNode(n, say(n)); err != nil {
			t.Fatal(err)
		}
	}
	_ = g.AddEdge(graph.Start, "technical")
	_ = g.AddEdge(graph.Start, "fundamental")
	_ = g.AddEdge(graph.Start, "sentiment")
	_ = g.AddConditionalEdges("technical", graph.ToolsCondition("technical", 3), map[string]string{
		graph.RouteTools: "tools",
		graph.RouteDone:  "tech_summary",
	})
	_ = g.AddEdge("tools", "technical")
	_ = g.AddEdge("tech_summary", "aggregate")
	_ = g.AddEdge("fundamental", "aggregate")
	_ = g.AddEdge("sentiment", "aggregate")
	_ = g.AddEdge("aggregate", graph.End)
	return g
}

func TestCompile_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		build func(g *graph.Graph)
		want  string
	}{
		{
			name:  "empty graph",
			build: func(g *graph.Graph) {},
			want:  "graph has no nodes",
		},
		{
			name: "no start edge",
			build: func(g *graph.Graph) {
				_ = g.AddNode("a", say("a"))
				_ = g.AddEdge("a", graph.End)
			},
			want: "Start has no outgoing edge",
		},
		{
			name: "unknown node",
			build: func(g *graph.Graph) {
				_ = g.AddNode("a", say("a"))
				_ = g.AddEdge(graph.Start, "a")
				_ = g.AddEdge("a", "ghost")
			},
			want: `unknown node "ghost"`,
		},
		{
			name: "edge into Start",
			build: func(g *graph.Graph) {
				_ = g.AddNode("a", say("a"))
				_ = g.AddEdge(graph.Start, "a")
				_ = g.AddEdge("a", graph.Start)
			},
			want: "enters Start",
		},
		{
			name: "edge out of End",
			build: func(g *graph.Graph) {
				_ = g.AddNode("a", say("a"))
				_ = g.AddEdge(graph.Start, "a")
				_ = g.AddEdge("a", graph.End)
				_ = g.AddEdge(graph.End, "a")
			},
			want: "leaves End",
		},
		{
			name: "two plain out-edges",
			build: func(g *graph.Graph) {
				_ = g.AddNode("a", say("a"))
				_ = g.AddNode("b", say("b"))
				_ = g.AddEdge(graph.Start, "a")
				_ = g.AddEdge("a", "b")
				_ = g.AddEdge("a", graph.End)
				_ = g.AddEdge("b", graph.End)
			},
			want: "only Start may fan out",
		},
		{
			name: "plain and conditional",
			build: func(g *graph.Graph) {
				_ = g.AddNode("a", say("a"))
				_ = g.AddEdge(graph.Start, "a")
				_ = g.AddEdge("a", graph.End)
				_ = g.AddConditionalEdges("a", func(graph.State) string { return "x" }, map[string]string{"x": graph.End})
			},
			want: "both plain and conditional",
		},
		{
			name: "conditional without routes",
			build: func(g *graph.Graph) {
				_ = g.AddNode("a", say("a"))
				_ = g.AddEdge(graph.Start, "a")
				_ = g.AddConditionalEdges("a", func(graph.State) string { return "x" }, nil)
			},
			want: "declares no routes",
		},
		{
			name: "dead end node",
			build: func(g *graph.Graph) {
				_ = g.AddNode("a", say("a"))
				_ = g.AddEdge(graph.Start, "a")
			},
			want: `node "a" has no outgoing edge`,
		},
		{
			name: "unreachable node",
			build: func(g *graph.Graph) {
				_ = g.AddNode("a", say("a"))
				_ = g.AddNode("orphan", say("o"))
				_ = g.AddEdge(graph.Start, "a")
				_ = g.AddEdge("a", graph.End)
				_ = g.AddEdge("orphan", graph.End)
			},
			want: `"orphan" is unreachable`,
		},
		{
			name: "cycle that never reaches End",
			build: func(g *graph.Graph) {
				_ = g.AddNode("a", say("a"))
				_ = g.AddNode("b", say("b"))
				_ = g.AddEdge(graph.Start, "a")
				_ = g.AddEdge("a", "b")
				_ = g.AddEdge("b", "a")
			},
			want: "cannot reach End",
		},
		{
			name: "branch bypasses convergence",
			build: func(g *graph.Graph) {
				_ = g.AddNode("a", say("a"))
				_ = g.AddNode("b", say("b"))
				_ = g.AddNode("join", say("j"))
				_ = g.AddEdge(graph.Start, "a")
				_ = g.AddEdge(graph.Start, "b")
				_ = g.AddConditionalEdges("a", func(graph.State) string { return "j" }, map[string]string{"j": "join", "out": graph.End})
				_ = g.AddEdge("b", "join")
				_ = g.AddEdge("join", graph.End)
			},
			want: "without passing convergence node",
		},
		{
			name: "ambiguous convergence",
			build: func(g *graph.Graph) {
				route := func(graph.State) string { return "x" }
				_ = g.AddNode("a", say("a"))
				_ = g.AddNode("b", say("b"))
				_ = g.AddNode("x", say("x"))
				_ = g.AddNode("y", say("y"))
				_ = g.AddEdge(graph.Start, "a")
				_ = g.AddEdge(graph.Start, "b")
				_ = g.AddConditionalEdges("a", route, map[string]string{"x": "x", "y": "y"})
				_ = g.AddConditionalEdges("b", route, map[string]string{"x": "x", "y": "y"})
				_ = g.AddEdge("x", graph.End)
				_ = g.AddEdge("y", graph.End)
			},
			want: "no unique convergence node",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := graph.NewGraph()
			tt.build(g)
			err := g.Compile()
			if !errors.Is(err, graph.ErrGraphValidation) {
				t.Fatalf("expected ErrGraphValidation, got %v", err)
			}
			var verr *graph.GraphValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *GraphValidationError, got %T", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
			if g.Compiled() {
				t.Error("failed compile must not freeze the graph")
			}
		})
	}
}

func TestGraph_BuilderErrors(t *testing.T) {
	g := graph.NewGraph()

	if err := g.AddNode("", say("x")); err == nil {
		t.Error("empty name accepted")
	}
	if err := g.AddNode(graph.End, say("x")); err == nil {
		t.Error("reserved name accepted")
	}
	if err := g.AddNode("a", nil); err == nil {
		t.Error("nil node accepted")
	}
	if err := g.AddNode("a", say("a")); err != nil {
		t.Fatal(err)
	}
	if err := g.AddNode("a", say("a")); err == nil {
		t.Error("duplicate name accepted")
	}
	if err := g.AddConditionalEdges("a", nil, map[string]string{"x": graph.End}); err == nil {
		t.Error("nil router accepted")
	}

	_ = g.AddEdge(graph.Start, "a")
	_ = g.AddEdge("a", graph.End)
	if err := g.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if err := g.AddNode("b", say("b")); !errors.Is(err, graph.ErrGraphFrozen) {
		t.Errorf("AddNode after compile: %v", err)
	}
	if err := g.AddEdge("a", "b"); !errors.Is(err, graph.ErrGraphFrozen) {
		t.Errorf("AddEdge after compile: %v", err)
	}
}
