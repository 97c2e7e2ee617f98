package market

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"go.yaml.in/yaml/v2"

	"github.com/dshills/marketgraph/graph/model"
)

// Weights maps a fundamental metric to its scoring weight in [-1, 1].
// Negative weights mark metrics where lower is better.
type Weights map[string]float64

// DefaultWeights returns the fallback weighting.
func DefaultWeights() Weights {
	return Weights{
		MetricEPS:               0.15,
		MetricPERatio:           -0.05,
		MetricPBRatio:           -0.05,
		MetricPEGRatio:          -0.05,
		MetricTotalRevenue:      0.10,
		MetricRevenueGrowth:     0.15,
		MetricEPSGrowthYoY:      0.10,
		MetricNetProfitMargin:   0.10,
		MetricOperatingMargin:   0.10,
		MetricROE:               0.10,
		MetricROA:               0.10,
		MetricDebtToEquity:      -0.05,
		MetricOperatingCashFlow: 0.10,
		MetricFreeCashFlow:      0.10,
		MetricDividendYield:     0.05,
		MetricPayoutRatio:       -0.05,
	}
}

// Validate reports unknown metrics and out-of-range or non-finite values.
func (w Weights) Validate() error {
	if len(w) == 0 {
		return fmt.Errorf("no weights")
	}
	known := make(map[string]bool, len(MetricNames))
	for _, n := range MetricNames {
		known[n] = true
	}
	var problems []string
	for _, name := range w.names() {
		v := w[name]
		switch {
		case !known[name]:
			problems = append(problems, fmt.Sprintf("unknown metric %q", name))
		case math.IsNaN(v) || v < -1 || v > 1:
			problems = append(problems, fmt.Sprintf("weight for %s out of range: %v", name, v))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid weights: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Over returns base with w's entries replacing base's.
func (w Weights) Over(base Weights) Weights {
	out := make(Weights, len(base)+len(w))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range w {
		out[k] = v
	}
	return out
}

func (w Weights) names() []string {
	names := make([]string, 0, len(w))
	for k := range w {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// LoadWeightsFile reads a YAML mapping of metric to weight and merges it
// over the defaults.
//
//	EPS: 0.2
//	Debt_to_Equity: -0.1
func LoadWeightsFile(path string) (Weights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read weights file: %w", err)
	}
	var w Weights
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse weights file %s: %w", path, err)
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("weights file %s: %w", path, err)
	}
	return w.Over(DefaultWeights()), nil
}

// ParseWeights decodes model output into Weights. Surrounding prose and
// code fences are ignored and malformed JSON is repaired.
func ParseWeights(text string) (Weights, error) {
	raw := extractJSONObject(text)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("repair weights: %w", err)
	}
	var w Weights
	if err := json.Unmarshal([]byte(repaired), &w); err != nil {
		return nil, fmt.Errorf("decode weights: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w.Over(DefaultWeights()), nil
}

const weightsPrompt = `You are a financial analyst specializing in fundamental analysis.
Assign a numerical weight between -1 and 1 to each financial metric below, representing its importance in fundamental analysis.
Higher positive values mean more important. Negative values mean lower is better (for example Debt_to_Equity).
Respond with a single JSON object mapping metric name to weight and nothing else.

Metrics: `

// GenerateWeights asks chat for a weighting. Callers fall back to
// DefaultWeights on error.
func GenerateWeights(ctx context.Context, chat model.ChatModel) (Weights, error) {
	out, err := chat.Chat(ctx, []model.Message{
		{Role: model.RoleUser, Content: weightsPrompt + strings.Join(MetricNames, ", ")},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("generate weights: %w", err)
	}
	return ParseWeights(out.Text)
}

// extractJSONObject returns the outermost {...} span of s, or "" if s has
// no opening brace. An unterminated object is returned to the end of s.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(s, "}")
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}
