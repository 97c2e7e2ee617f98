package graph

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ModelPricing defines input and output token costs in USD per 1M tokens.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// defaultModelPricing covers the models the bundled adapters default to.
// Unknown models are tracked with zero cost.
var defaultModelPricing = map[string]ModelPricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-5-haiku-20241022":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// ReasoningCall records one Reasoning Port invocation.
type ReasoningCall struct {
	Node         string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Timestamp    time.Time
}

// UsageTracker accumulates token usage and estimated cost for one run.
//
// Reasoning nodes record into the tracker found in their context; attach
// one with ContextWithUsage before calling Engine.Run. Safe for concurrent
// use by parallel branches.
type UsageTracker struct {
	mu      sync.Mutex
	pricing map[string]ModelPricing
	calls   []ReasoningCall
}

// NewUsageTracker returns a tracker using the default pricing table.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{pricing: defaultModelPricing}
}

// SetPricing overrides pricing for model.
func (u *UsageTracker) SetPricing(model string, p ModelPricing) {
	u.mu.Lock()
	defer u.mu.Unlock()
	next := make(map[string]ModelPricing, len(u.pricing)+1)
	for k, v := range u.pricing {
		next[k] = v
	}
	next[model] = p
	u.pricing = next
}

// Record adds one call.
func (u *UsageTracker) Record(node, model string, inputTokens, outputTokens int) {
	u.mu.Lock()
	defer u.mu.Unlock()

	p := u.pricing[model]
	cost := float64(inputTokens)/1_000_000*p.InputPer1M + float64(outputTokens)/1_000_000*p.OutputPer1M
	u.calls = append(u.calls, ReasoningCall{
		Node:         node,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
		Timestamp:    time.Now(),
	})
}

// Calls returns a copy of the recorded calls.
func (u *UsageTracker) Calls() []ReasoningCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]ReasoningCall(nil), u.calls...)
}

// Totals returns summed tokens and cost.
func (u *UsageTracker) Totals() (inputTokens, outputTokens int, costUSD float64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, c := range u.calls {
		inputTokens += c.InputTokens
		outputTokens += c.OutputTokens
		costUSD += c.CostUSD
	}
	return inputTokens, outputTokens, costUSD
}

// ByNode returns summed cost per node.
func (u *UsageTracker) ByNode() map[string]float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]float64)
	for _, c := range u.calls {
		out[c.Node] += c.CostUSD
	}
	return out
}

// String summarizes the tracker.
func (u *UsageTracker) String() string {
	in, out, cost := u.Totals()
	return fmt.Sprintf("calls=%d input_tokens=%d output_tokens=%d cost_usd=%.4f", len(u.Calls()), in, out, cost)
}

type usageKey struct{}

// ContextWithUsage attaches tracker to ctx for reasoning nodes to record into.
func ContextWithUsage(ctx context.Context, tracker *UsageTracker) context.Context {
	return context.WithValue(ctx, usageKey{}, tracker)
}

// UsageFromContext returns the tracker attached to ctx, or nil.
func UsageFromContext(ctx context.Context) *UsageTracker {
	u, _ := ctx.Value(usageKey{}).(*UsageTracker)
	return u
}
