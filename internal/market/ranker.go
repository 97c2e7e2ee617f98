package market

import (
	"context"
	"log/slog"
	"sort"
)

// DefaultTopN is how many ranked tickers a Ranker keeps.
const DefaultTopN = 10

// Ranked is one scored ticker.
type Ranked struct {
	Ticker  string  `json:"ticker"`
	Score   float64 `json:"score"`
	Metrics Metrics `json:"metrics,omitempty"`
}

// Ranker scores tickers by weighted, min-max normalized fundamentals.
type Ranker struct {
	Source  FundamentalSource
	Weights Weights
	TopN    int
	Logger  *slog.Logger
}

// Rank fetches fundamentals for every ticker and returns the best TopN,
// highest score first with ties broken by ticker. Tickers whose fetch
// fails are skipped; a missing metric counts as 0 before normalization.
func (r *Ranker) Rank(ctx context.Context, tickers []string) ([]Ranked, error) {
	weights := r.Weights
	if len(weights) == 0 {
		weights = DefaultWeights()
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rows := make([]Ranked, 0, len(tickers))
	for _, t := range tickers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := r.Source.Fundamentals(ctx, t)
		if err != nil {
			logger.Warn("skipping ticker", "ticker", t, "error", err)
			continue
		}
		rows = append(rows, Ranked{Ticker: t, Metrics: m})
	}

	Score(rows, weights)

	n := r.TopN
	if n <= 0 {
		n = DefaultTopN
	}
	if len(rows) > n {
		rows = rows[:n]
	}
	return rows, nil
}

// Score sets Score on every row and sorts rows best first.
func Score(rows []Ranked, weights Weights) {
	for _, metric := range weights.names() {
		w := weights[metric]
		lo, hi := 0.0, 0.0
		for i, row := range rows {
			v := row.Metrics[metric]
			if i == 0 || v < lo {
				lo = v
			}
			if i == 0 || v > hi {
				hi = v
			}
		}
		for i := range rows {
			rows[i].Score += w * normalize(rows[i].Metrics[metric], lo, hi)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		return rows[i].Ticker < rows[j].Ticker
	})
}

func normalize(v, lo, hi float64) float64 {
	if lo == hi {
		return 0.5
	}
	return (v - lo) / (hi - lo)
}
