package graph_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/marketgraph/graph"
	"github.com/dshills/marketgraph/graph/emit"
	"github.com/dshills/marketgraph/graph/model"
	"github.com/dshills/marketgraph/graph/tool"
)

// sayAfter appends content once delay has passed or ctx is done.
func sayAfter(content string, delay time.Duration) graph.Node {
	return graph.NodeFunc(func(ctx context.Context, _ graph.State) graph.NodeResult {
		select {
		case <-time.After(delay):
			return graph.Appends(graph.AssistantMessage(content))
		case <-ctx.Done():
			return graph.Fail(ctx.Err())
		}
	})
}

func failing(err error) graph.Node {
	return graph.NodeFunc(func(context.Context, graph.State) graph.NodeResult {
		return graph.Fail(err)
	})
}

// blocking waits for cancellation and fails.
func blocking() graph.Node {
	return graph.NodeFunc(func(ctx context.Context, _ graph.State) graph.NodeResult {
		<-ctx.Done()
		return graph.Fail(ctx.Err())
	})
}

// fanOut builds Start -> branches -> join -> End.
func fanOut(t *testing.T, branches map[string]graph.Node, order []string, join graph.Node) *graph.Graph {
	t.Helper()
	g := graph.NewGraph()
	for _, name := range order {
		if err := g.AddNode(name, branches[name]); err != nil {
			t.Fatal(err)
		}
		_ = g.AddEdge(graph.Start, name)
		_ = g.AddEdge(name, "join")
	}
	_ = g.AddNode("join", join)
	_ = g.AddEdge("join", graph.End)
	if err := g.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return g
}

func newEngine(t *testing.T, opts ...graph.Option) *graph.Engine {
	t.Helper()
	e, err := graph.New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func contents(s graph.State) string {
	return strings.Join(s.Contents(), "|")
}

func TestEngine_MergeFollowsDeclarationOrder(t *testing.T) {
	// The first branch finishes last.
	g := fanOut(t, map[string]graph.Node{
		"technical":   sayAfter("T", 60*time.Millisecond),
		"fundamental": sayAfter("F", 30*time.Millisecond),
		"sentiment":   sayAfter("S", 0),
	}, []string{"technical", "fundamental", "sentiment"}, say("A"))

	initial := mustState(t, graph.HumanMessage("Q"))
	final, err := newEngine(t).Run(context.Background(), g, "run-order", initial)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := contents(final); got != "Q|T|F|S|A" {
		t.Errorf("log = %s, want Q|T|F|S|A", got)
	}
	if initial.Len() != 1 {
		t.Error("Run must not modify the initial state")
	}
}

func TestEngine_BranchFailureIsIsolated(t *testing.T) {
	partial := graph.NodeFunc(func(context.Context, graph.State) graph.NodeResult {
		return graph.Appends(graph.AssistantMessage("half done"))
	})

	g := graph.NewGraph()
	_ = g.AddNode("technical", say("T"))
	_ = g.AddNode("fundamental", partial)
	_ = g.AddNode("fundamental_score", failing(errors.New("quote service down")))
	_ = g.AddNode("sentiment", say("S"))
	_ = g.AddNode("join", say("A"))
	_ = g.AddEdge(graph.Start, "technical")
	_ = g.AddEdge(graph.Start, "fundamental")
	_ = g.AddEdge(graph.Start, "sentiment")
	_ = g.AddEdge("technical", "join")
	_ = g.AddEdge("fundamental", "fundamental_score")
	_ = g.AddEdge("fundamental_score", "join")
	_ = g.AddEdge("sentiment", "join")
	_ = g.AddEdge("join", graph.End)
	if err := g.Compile(); err != nil {
		t.Fatal(err)
	}

	final, err := newEngine(t).Run(context.Background(), g, "run-fail", mustState(t, graph.HumanMessage("Q")))
	if err != nil {
		t.Fatalf("a branch failure must not fail the run: %v", err)
	}

	msgs := final.Messages()
	if len(msgs) != 5 {
		t.Fatalf("log = %s", contents(final))
	}
	placeholder := msgs[2]
	if placeholder.Content != "[fundamental unavailable: quote service down]" {
		t.Errorf("placeholder = %q", placeholder.Content)
	}
	if placeholder.Name != "fundamental_score" || placeholder.Role != graph.RoleAssistant {
		t.Errorf("placeholder = %+v", placeholder)
	}
	if strings.Contains(contents(final), "half done") {
		t.Error("the failed branch's partial delta must be discarded")
	}
	if msgs[1].Content != "T" || msgs[3].Content != "S" || msgs[4].Content != "A" {
		t.Errorf("siblings or join missing: %s", contents(final))
	}
}

func TestEngine_ReasoningOutageBecomesPlaceholder(t *testing.T) {
	down := &model.MockChatModel{Err: errors.New("503 service unavailable")}
	g := fanOut(t, map[string]graph.Node{
		"technical": graph.NewReasoningNode("technical", down),
		"sentiment": say("S"),
	}, []string{"technical", "sentiment"}, say("A"))

	final, err := newEngine(t).Run(context.Background(), g, "run-outage", graph.State{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	first := final.At(0).Content
	if !strings.HasPrefix(first, "[technical unavailable: reasoning unavailable") {
		t.Errorf("placeholder = %q", first)
	}
	if contents(final)[len(first):] != "|S|A" {
		t.Errorf("log = %s", contents(final))
	}
}

func TestEngine_RunTimeoutDuringFanOut(t *testing.T) {
	g := fanOut(t, map[string]graph.Node{
		"technical":   blocking(),
		"fundamental": say("F"),
		"sentiment":   say("S"),
	}, []string{"technical", "fundamental", "sentiment"}, say("A"))

	initial := mustState(t, graph.HumanMessage("Q"))
	started := time.Now()
	final, err := newEngine(t, graph.WithRunTimeout(80*time.Millisecond)).Run(context.Background(), g, "run-timeout", initial)

	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Errorf("Run did not honour its deadline: %v", elapsed)
	}
	if !errors.Is(err, graph.ErrRunTimeout) {
		t.Fatalf("expected ErrRunTimeout, got %v", err)
	}
	var rte *graph.RunTimeoutError
	if !errors.As(err, &rte) {
		t.Fatalf("expected *RunTimeoutError, got %T", err)
	}
	if len(rte.Completed) != 2 || rte.Completed[0] != "fundamental" || rte.Completed[1] != "sentiment" {
		t.Errorf("Completed = %v", rte.Completed)
	}
	if contents(final) != "Q" {
		t.Errorf("partial log = %s, want only the initial state", contents(final))
	}
}

func TestEngine_RunTimeoutAfterFanIn(t *testing.T) {
	g := fanOut(t, map[string]graph.Node{
		"technical": say("T"),
		"sentiment": say("S"),
	}, []string{"technical", "sentiment"}, blocking())

	final, err := newEngine(t, graph.WithRunTimeout(80*time.Millisecond)).
		Run(context.Background(), g, "run-late-timeout", mustState(t, graph.HumanMessage("Q")))

	var rte *graph.RunTimeoutError
	if !errors.As(err, &rte) {
		t.Fatalf("expected *RunTimeoutError, got %v", err)
	}
	if len(rte.Completed) != 2 {
		t.Errorf("Completed = %v", rte.Completed)
	}
	if contents(final) != "Q|T|S" {
		t.Errorf("partial log = %s, want the merged branches", contents(final))
	}
}

func TestEngine_ContextDeadline(t *testing.T) {
	g := fanOut(t, map[string]graph.Node{"a": blocking(), "b": say("B")}, []string{"a", "b"}, say("J"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newEngine(t).Run(ctx, g, "run-ctx", graph.State{})
	if !errors.Is(err, graph.ErrRunTimeout) {
		t.Errorf("expected ErrRunTimeout from a context deadline, got %v", err)
	}
}

func TestEngine_Cancellation(t *testing.T) {
	g := fanOut(t, map[string]graph.Node{"a": blocking(), "b": say("B")}, []string{"a", "b"}, say("J"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := newEngine(t).Run(ctx, g, "run-cancel", graph.State{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestEngine_RejectsUncompiledGraph(t *testing.T) {
	e := newEngine(t)

	if _, err := e.Run(context.Background(), nil, "r", graph.State{}); !errors.Is(err, graph.ErrGraphValidation) {
		t.Errorf("nil graph: %v", err)
	}

	var ran atomic.Bool
	g := graph.NewGraph()
	_ = g.AddNode("a", graph.NodeFunc(func(context.Context, graph.State) graph.NodeResult {
		ran.Store(true)
		return graph.NodeResult{}
	}))
	_ = g.AddEdge(graph.Start, "a")
	_ = g.AddEdge("a", graph.End)

	if _, err := e.Run(context.Background(), g, "r", graph.State{}); !errors.Is(err, graph.ErrGraphValidation) {
		t.Errorf("uncompiled graph: %v", err)
	}
	if ran.Load() {
		t.Error("no node may run before the graph compiles")
	}
}

func TestEngine_NodeFailures(t *testing.T) {
	loop := func(graph.State) string { return "again" }

	tests := []struct {
		name  string
		build func(g *graph.Graph)
		opts  []graph.Option
		want  string
	}{
		{
			name: "max steps",
			build: func(g *graph.Graph) {
				_ = g.AddNode("a", say("a"))
				_ = g.AddEdge(graph.Start, "a")
				_ = g.AddConditionalEdges("a", loop, map[string]string{"again": "a", "exit": graph.End})
			},
			opts: []graph.Option{graph.WithMaxSteps(4)},
			want: "execution exceeded maximum steps limit",
		},
		{
			name: "undeclared label",
			build: func(g *graph.Graph) {
				_ = g.AddNode("a", say("a"))
				_ = g.AddEdge(graph.Start, "a")
				_ = g.AddConditionalEdges("a", func(graph.State) string { return "nowhere" }, map[string]string{"exit": graph.End})
			},
			want: "UNKNOWN_ROUTE",
		},
		{
			name: "panic",
			build: func(g *graph.Graph) {
				_ = g.AddNode("a", graph.NodeFunc(func(context.Context, graph.State) graph.NodeResult { panic("kaboom") }))
				_ = g.AddEdge(graph.Start, "a")
				_ = g.AddEdge("a", graph.End)
			},
			want: "panic: kaboom",
		},
		{
			name: "default node timeout",
			build: func(g *graph.Graph) {
				_ = g.AddNode("a", blocking())
				_ = g.AddEdge(graph.Start, "a")
				_ = g.AddEdge("a", graph.End)
			},
			opts: []graph.Option{graph.WithDefaultNodeTimeout(20 * time.Millisecond)},
			want: "NODE_TIMEOUT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := graph.NewGraph()
			tt.build(g)
			if err := g.Compile(); err != nil {
				t.Fatal(err)
			}
			final, err := newEngine(t, tt.opts...).Run(context.Background(), g, "run", mustState(t, graph.HumanMessage("Q")))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			last, _ := final.Last()
			if !strings.HasPrefix(last.Content, "[a unavailable: ") || !strings.Contains(last.Content, tt.want) {
				t.Errorf("last message = %q, want placeholder mentioning %q", last.Content, tt.want)
			}
		})
	}
}

type flakyNode struct {
	failures int32
	calls    atomic.Int32
	policy   graph.NodePolicy
}

func (f *flakyNode) Run(context.Context, graph.State) graph.NodeResult {
	if f.calls.Add(1) <= f.failures {
		return graph.Fail(&graph.ReasoningUnavailableError{Node: "flaky", Cause: errors.New("429")})
	}
	return graph.Appends(graph.AssistantMessage("recovered"))
}

func (f *flakyNode) Policy() graph.NodePolicy { return f.policy }

func TestEngine_Retry(t *testing.T) {
	build := func(n graph.Node) *graph.Graph {
		g := graph.NewGraph()
		_ = g.AddNode("flaky", n)
		_ = g.AddEdge(graph.Start, "flaky")
		_ = g.AddEdge("flaky", graph.End)
		if err := g.Compile(); err != nil {
			t.Fatal(err)
		}
		return g
	}

	t.Run("recovers within attempts", func(t *testing.T) {
		node := &flakyNode{failures: 2, policy: graph.NodePolicy{Retry: &graph.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}}}
		emitter := emit.NewBufferedEmitter()
		final, err := newEngine(t, graph.WithEmitter(emitter), graph.WithRetrySeed(7)).
			Run(context.Background(), build(node), "run-retry", graph.State{})
		if err != nil {
			t.Fatal(err)
		}
		if contents(final) != "recovered" || node.calls.Load() != 3 {
			t.Errorf("log=%s calls=%d", contents(final), node.calls.Load())
		}
		retries := emitter.GetHistoryWithFilter("run-retry", emit.HistoryFilter{Msg: emit.MsgNodeRetry})
		if len(retries) != 2 {
			t.Errorf("expected 2 retry events, got %d", len(retries))
		}
	})

	t.Run("gives up", func(t *testing.T) {
		node := &flakyNode{failures: 5, policy: graph.NodePolicy{Retry: &graph.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}}}
		final, _ := newEngine(t).Run(context.Background(), build(node), "run-retry", graph.State{})
		if node.calls.Load() != 2 || !strings.Contains(contents(final), "unavailable") {
			t.Errorf("log=%s calls=%d", contents(final), node.calls.Load())
		}
	})

	t.Run("non-retryable error", func(t *testing.T) {
		node := &flakyNode{failures: 5, policy: graph.NodePolicy{Retry: &graph.RetryPolicy{
			MaxAttempts: 4,
			Retryable:   func(error) bool { return false },
		}}}
		_, _ = newEngine(t).Run(context.Background(), build(node), "run-retry", graph.State{})
		if node.calls.Load() != 1 {
			t.Errorf("calls = %d", node.calls.Load())
		}
	})
}

func TestEngine_AgenticLoop(t *testing.T) {
	var ticker atomic.Int32
	volume := &tool.MockTool{ToolName: "get_volume_data", Fn: func(_ context.Context, in map[string]interface{}) (map[string]interface{}, error) {
		ticker.Add(1)
		return map[string]interface{}{"ticker": in["ticker"], "volume": 1000}, nil
	}}
	registry, _ := tool.NewRegistry(volume)

	round := 0
	analyst := &model.MockChatModel{Respond: func(msgs []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
		round++
		return model.ChatOut{
			Text:      "need more data",
			ToolCalls: []model.ToolCall{{ID: "c" + string(rune('0'+round)), Name: "get_volume_data", Input: map[string]interface{}{"ticker": "AAPL"}}},
		}, nil
	}}
	summarizer := &model.MockChatModel{Responses: []model.ChatOut{{Text: "AAPL technical summary"}}}

	g := graph.NewGraph()
	_ = g.AddNode("analyst", graph.NewReasoningNode("analyst", analyst, graph.WithTools(registry)))
	_ = g.AddNode("tools", graph.NewDispatchNode(registry))
	_ = g.AddNode("summary", graph.NewReasoningNode("summary", summarizer, graph.WithInstruction("Summarize.")))
	_ = g.AddEdge(graph.Start, "analyst")
	_ = g.AddConditionalEdges("analyst", graph.ToolsCondition("analyst", 2), map[string]string{
		graph.RouteTools: "tools",
		graph.RouteDone:  "summary",
	})
	_ = g.AddEdge("tools", "analyst")
	_ = g.AddEdge("summary", graph.End)
	if err := g.Compile(); err != nil {
		t.Fatal(err)
	}
	if !registry.Frozen() {
		t.Error("Compile must freeze the dispatch registry")
	}

	final, err := newEngine(t).Run(context.Background(), g, "run-loop", mustState(t, graph.HumanMessage("Analyze AAPL")))
	if err != nil {
		t.Fatal(err)
	}

	if analyst.CallCount() != 2 {
		t.Errorf("analyst rounds = %d, want 2", analyst.CallCount())
	}
	if ticker.Load() != 1 {
		t.Errorf("tool executions = %d, want 1", ticker.Load())
	}
	if graph.ReasoningRounds(final, "analyst") != 2 {
		t.Errorf("log = %s", contents(final))
	}
	last, _ := final.Last()
	if last.Content != "AAPL technical summary" || last.Name != "summary" {
		t.Errorf("last = %+v", last)
	}

	// The summarizer sees the unanswered second-round call stripped and the
	// instruction as the final user turn.
	sent := summarizer.Calls[0].Messages
	for _, m := range sent {
		for _, c := range m.ToolCalls {
			if c.ID == "c2" {
				t.Error("unanswered tool call was sent to the model")
			}
		}
	}
	if tail := sent[len(sent)-1]; tail.Role != model.RoleUser || tail.Content != "Summarize." {
		t.Errorf("tail = %+v", tail)
	}
	if strings.Contains(contents(final), "Summarize.") {
		t.Error("instruction must not be written to the log")
	}
}

func TestEngine_StepBudgetReachesIterationGuard(t *testing.T) {
	const rounds = 3
	registry, _ := tool.NewRegistry(&tool.MockTool{ToolName: "get_volume_data"})

	calls := 0
	analyst := &model.MockChatModel{Respond: func([]model.Message, []model.ToolSpec) (model.ChatOut, error) {
		calls++
		return model.ChatOut{ToolCalls: []model.ToolCall{{ID: "v" + string(rune('0'+calls)), Name: "get_volume_data", Input: map[string]interface{}{"ticker": "AAPL"}}}}, nil
	}}
	summarizer := &model.MockChatModel{Responses: []model.ChatOut{{Text: "summary"}}}

	g := graph.NewGraph()
	_ = g.AddNode("analyst", graph.NewReasoningNode("analyst", analyst, graph.WithTools(registry)))
	_ = g.AddNode("tools", graph.NewDispatchNode(registry))
	_ = g.AddNode("summary", graph.NewReasoningNode("summary", summarizer))
	_ = g.AddEdge(graph.Start, "analyst")
	_ = g.AddConditionalEdges("analyst", graph.ToolsCondition("analyst", rounds), map[string]string{
		graph.RouteTools: "tools",
		graph.RouteDone:  "summary",
	})
	_ = g.AddEdge("tools", "analyst")
	_ = g.AddEdge("summary", graph.End)
	if err := g.Compile(); err != nil {
		t.Fatal(err)
	}

	e := newEngine(t, graph.WithMaxSteps(2*rounds+1))
	final, err := e.Run(context.Background(), g, "run-budget", mustState(t, graph.HumanMessage("Analyze AAPL")))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if analyst.CallCount() != rounds {
		t.Errorf("analyst rounds = %d, want %d", analyst.CallCount(), rounds)
	}
	if summarizer.CallCount() != 1 {
		t.Errorf("summary calls = %d, want 1", summarizer.CallCount())
	}
	last, _ := final.Last()
	if last.Content != "summary" {
		t.Errorf("last = %+v", last)
	}
}

func TestEngine_Events(t *testing.T) {
	emitter := emit.NewBufferedEmitter()
	g := fanOut(t, map[string]graph.Node{
		"technical": say("T"),
		"sentiment": failing(errors.New("no news")),
	}, []string{"technical", "sentiment"}, say("A"))

	_, err := newEngine(t, graph.WithEmitter(emitter)).Run(context.Background(), g, "run-events", graph.State{})
	if err != nil {
		t.Fatal(err)
	}

	count := func(msg string) int {
		return len(emitter.GetHistoryWithFilter("run-events", emit.HistoryFilter{Msg: msg}))
	}
	checks := map[string]int{
		emit.MsgRunStart:    1,
		emit.MsgBranchStart: 2,
		emit.MsgBranchEnd:   2,
		emit.MsgNodeStart:   3,
		emit.MsgNodeEnd:     2,
		emit.MsgNodeError:   1,
		emit.MsgMerge:       1,
		emit.MsgRunEnd:      1,
	}
	for msg, want := range checks {
		if got := count(msg); got != want {
			t.Errorf("%s events = %d, want %d", msg, got, want)
		}
	}

	history := emitter.GetHistory("run-events")
	if history[0].Msg != emit.MsgRunStart || history[len(history)-1].Msg != emit.MsgRunEnd {
		t.Errorf("run events must bracket the history: first=%s last=%s", history[0].Msg, history[len(history)-1].Msg)
	}
	errs := emitter.GetHistoryWithFilter("run-events", emit.HistoryFilter{Branch: "sentiment", Msg: emit.MsgNodeError})
	if len(errs) != 1 || errs[0].NodeID != "sentiment" {
		t.Errorf("node_error events = %+v", errs)
	}
	end := history[len(history)-1]
	if end.Meta["status"] != "degraded" {
		t.Errorf("run_end status = %v", end.Meta["status"])
	}
}

func TestNew_InvalidOptions(t *testing.T) {
	for name, opt := range map[string]graph.Option{
		"negative steps":        graph.WithMaxSteps(-1),
		"negative run timeout":  graph.WithRunTimeout(-time.Second),
		"negative node timeout": graph.WithDefaultNodeTimeout(-time.Second),
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := graph.New(opt); err == nil {
				t.Error("expected error")
			}
		})
	}
}
