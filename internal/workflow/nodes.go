package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dshills/marketgraph/graph"
	"github.com/dshills/marketgraph/internal/market"
)

// FundamentalNode ranks trending tickers on fundamentals and reports the
// ranking as one Assistant message.
type FundamentalNode struct {
	Universe market.UniverseSource
	Ranker   *market.Ranker
	// Candidates is how many trending tickers to score.
	Candidates int
	Logger     *slog.Logger
}

// Run implements graph.Node. Provider failures produce an empty ranking;
// only cancellation fails the node.
func (n *FundamentalNode) Run(ctx context.Context, _ graph.State) graph.NodeResult {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	candidates := n.Candidates
	if candidates <= 0 {
		candidates = 30
	}

	var ranked []market.Ranked
	tickers, err := market.TrendingTickers(ctx, n.Universe, candidates)
	if err != nil {
		logger.Warn("fetch trending tickers", "error", err)
	} else {
		ranked, err = n.Ranker.Rank(ctx, tickers)
		if err != nil {
			logger.Warn("rank tickers", "error", err)
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return graph.Fail(ctxErr)
	}

	msg := graph.AssistantMessage(formatRanking(ranked, len(tickers)))
	msg.Name = NodeFundamental
	return graph.Appends(msg)
}

func formatRanking(ranked []market.Ranked, candidates int) string {
	if len(ranked) == 0 {
		return "Fundamental analysis: no tickers could be ranked."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Fundamental analysis: top %d of %d candidates by weighted fundamental score.\n", len(ranked), candidates)
	for i, r := range ranked {
		fmt.Fprintf(&b, "%d. %s (score %.4f)", i+1, r.Ticker, r.Score)
		var parts []string
		for _, name := range []string{market.MetricEPS, market.MetricPERatio, market.MetricRevenueGrowth, market.MetricROE} {
			if v, ok := r.Metrics[name]; ok {
				parts = append(parts, fmt.Sprintf("%s=%.2f", name, v))
			}
		}
		if len(parts) > 0 {
			b.WriteString(": " + strings.Join(parts, ", "))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// SentimentNode reports the market sentiment read as one Assistant message.
type SentimentNode struct {
	Researcher *market.SentimentResearcher
}

// Run implements graph.Node.
func (n *SentimentNode) Run(ctx context.Context, _ graph.State) graph.NodeResult {
	res := n.Researcher.Research(ctx)
	if err := ctx.Err(); err != nil {
		return graph.Fail(err)
	}
	msg := graph.AssistantMessage(formatResearch(res))
	msg.Name = NodeSentiment
	return graph.Appends(msg)
}

func formatResearch(r market.Research) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Market sentiment: %.0f%% positive, %.0f%% negative, %.0f%% neutral.",
		r.Sentiment.Positive*100, r.Sentiment.Negative*100, r.Sentiment.Neutral*100)
	if len(r.TopGainers) > 0 {
		b.WriteString("\nTop gainers: " + strings.Join(r.TopGainers, ", "))
	}
	if len(r.Headlines) > 0 {
		b.WriteString("\nHeadlines:")
		for _, a := range r.Headlines {
			fmt.Fprintf(&b, "\n- %s (%s)", a.Title, a.Source)
		}
	}
	return b.String()
}
