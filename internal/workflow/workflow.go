// Package workflow wires the stock-analysis graph: three parallel analysis
// branches that converge on an aggregation step.
package workflow

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dshills/marketgraph/graph"
	"github.com/dshills/marketgraph/graph/model"
	"github.com/dshills/marketgraph/graph/tool"
	"github.com/dshills/marketgraph/internal/market"
)

// Node names.
const (
	NodeTechnicalAnalyst = "technical_analyst"
	NodeTechnicalTools   = "technical_tools"
	NodeTechnicalSummary = "technical_summary"
	NodeFundamental      = "fundamental_analysis"
	NodeSentiment        = "sentiment_analysis"
	NodeAggregation      = "aggregation"
)

// Deps are the collaborators the graph is built from.
type Deps struct {
	Chat    model.ChatModel
	Sources market.Sources
	News    market.NewsSource
	Weights market.Weights

	// MaxIterations bounds the technical analyst's tool loop.
	MaxIterations int
	// DispatchConcurrency and CallTimeout configure the tool dispatcher.
	DispatchConcurrency int
	CallTimeout         time.Duration
	// Candidates is how many trending tickers the fundamental branch scores.
	Candidates int
	// Headlines is how many news articles the sentiment branch reads.
	Headlines int
	// WebFetch also binds the generic http_request tool to the technical
	// analyst, using WebClient when set.
	WebFetch  bool
	WebClient *http.Client
	// ReasoningRetry, when set, retries reasoning nodes on outages.
	ReasoningRetry *graph.RetryPolicy

	Logger *slog.Logger
	Now    func() time.Time
}

// Build returns the compiled analysis graph:
//
//	Start ─┬─> technical_analyst ⇄ technical_tools ─> technical_summary ─┐
//	       ├─> fundamental_analysis ─────────────────────────────────────┤
//	       └─> sentiment_analysis ───────────────────────────────────────┴─> aggregation ─> End
//
// Branches merge in that order.
func Build(d Deps) (*graph.Graph, error) {
	if d.Chat == nil {
		return nil, errors.New("workflow: chat model is required")
	}
	if d.Sources.Prices == nil || d.Sources.Universe == nil || d.Sources.Fundamentals == nil {
		return nil, errors.New("workflow: price, universe and fundamental sources are required")
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	registry, err := market.NewRegistry(d.Sources)
	if err != nil {
		return nil, fmt.Errorf("workflow: register tools: %w", err)
	}
	if d.WebFetch {
		if err := registry.Register(tool.NewHTTPTool(d.WebClient)); err != nil {
			return nil, fmt.Errorf("workflow: register tools: %w", err)
		}
	}

	policy := graph.NodePolicy{Retry: d.ReasoningRetry}

	analyst := graph.NewReasoningNode(NodeTechnicalAnalyst, d.Chat,
		graph.WithSystemPromptFunc(technicalSystemPrompt(d.Now)),
		graph.WithTools(registry),
		graph.WithReasoningPolicy(policy),
	)
	dispatchOpts := []graph.DispatchOption{graph.WithCallTimeout(d.CallTimeout)}
	if d.DispatchConcurrency > 0 {
		dispatchOpts = append(dispatchOpts, graph.WithDispatchConcurrency(d.DispatchConcurrency))
	}
	dispatch := graph.NewDispatchNode(registry, dispatchOpts...)
	summary := graph.NewReasoningNode(NodeTechnicalSummary, d.Chat,
		graph.WithSystemPromptFunc(technicalSystemPrompt(d.Now)),
		graph.WithInstruction(technicalSummaryInstruction),
		graph.WithReasoningPolicy(policy),
	)
	fundamental := &FundamentalNode{
		Universe:   d.Sources.Universe,
		Ranker:     &market.Ranker{Source: d.Sources.Fundamentals, Weights: d.Weights, Logger: d.Logger},
		Candidates: d.Candidates,
		Logger:     d.Logger,
	}
	sentiment := &SentimentNode{Researcher: &market.SentimentResearcher{
		Universe: d.Sources.Universe,
		News:     d.News,
		Chat:     d.Chat,
		Limit:    d.Headlines,
		Logger:   d.Logger,
	}}
	aggregation := graph.NewReasoningNode(NodeAggregation, d.Chat,
		graph.WithSystemPrompt(aggregationPrompt),
		graph.WithInstruction(aggregationInstruction),
		graph.WithReasoningPolicy(policy),
	)

	g := graph.NewGraph()
	for _, n := range []struct {
		name string
		node graph.Node
	}{
		{NodeTechnicalAnalyst, analyst},
		{NodeTechnicalTools, dispatch},
		{NodeTechnicalSummary, summary},
		{NodeFundamental, fundamental},
		{NodeSentiment, sentiment},
		{NodeAggregation, aggregation},
	} {
		if err := g.AddNode(n.name, n.node); err != nil {
			return nil, err
		}
	}

	edges := [][2]string{
		{graph.Start, NodeTechnicalAnalyst},
		{graph.Start, NodeFundamental},
		{graph.Start, NodeSentiment},
		{NodeTechnicalTools, NodeTechnicalAnalyst},
		{NodeTechnicalSummary, NodeAggregation},
		{NodeFundamental, NodeAggregation},
		{NodeSentiment, NodeAggregation},
		{NodeAggregation, graph.End},
	}
	for _, e := range edges {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			return nil, err
		}
	}
	if err := g.AddConditionalEdges(NodeTechnicalAnalyst,
		graph.ToolsCondition(NodeTechnicalAnalyst, d.MaxIterations),
		map[string]string{
			graph.RouteTools: NodeTechnicalTools,
			graph.RouteDone:  NodeTechnicalSummary,
		}); err != nil {
		return nil, err
	}

	if err := g.Compile(); err != nil {
		return nil, err
	}
	return g, nil
}
