package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/marketgraph/graph"
	"github.com/dshills/marketgraph/graph/emit"
	"github.com/dshills/marketgraph/graph/store"
)

// Result is the outcome of one analysis run.
type Result struct {
	RunID    string       `json:"run_id"`
	Status   store.Status `json:"status"`
	Messages []string     `json:"messages"`
	Usage    store.Usage  `json:"usage"`
}

// Analyzer runs the analysis graph from the fixed seed prompt and records
// each run's transcript.
type Analyzer struct {
	graph  *graph.Graph
	engine *graph.Engine
	store  store.Store
	events *emit.BufferedEmitter
	logger *slog.Logger
	newID  func() string
	now    func() time.Time
}

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*analyzerConfig)

type analyzerConfig struct {
	engineOpts []graph.Option
	emitter    emit.Emitter
	store      store.Store
	logger     *slog.Logger
	newID      func() string
	now        func() time.Time
}

// WithEngineOptions passes opts to the underlying graph.Engine.
func WithEngineOptions(opts ...graph.Option) AnalyzerOption {
	return func(c *analyzerConfig) {
		c.engineOpts = append(c.engineOpts, opts...)
	}
}

// WithEmitter forwards engine events to e in addition to the transcript.
func WithEmitter(e emit.Emitter) AnalyzerOption {
	return func(c *analyzerConfig) {
		c.emitter = e
	}
}

// WithStore persists transcripts to s. The default is an in-memory store.
func WithStore(s store.Store) AnalyzerOption {
	return func(c *analyzerConfig) {
		c.store = s
	}
}

// WithLogger sets the process logger.
func WithLogger(l *slog.Logger) AnalyzerOption {
	return func(c *analyzerConfig) {
		c.logger = l
	}
}

// WithRunIDs overrides run ID generation.
func WithRunIDs(fn func() string) AnalyzerOption {
	return func(c *analyzerConfig) {
		c.newID = fn
	}
}

// NewAnalyzer returns an Analyzer over the compiled graph g.
func NewAnalyzer(g *graph.Graph, opts ...AnalyzerOption) (*Analyzer, error) {
	if g == nil || !g.Compiled() {
		return nil, errors.New("workflow: analyzer needs a compiled graph")
	}
	cfg := analyzerConfig{
		logger: slog.Default(),
		newID:  uuid.NewString,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.store == nil {
		cfg.store = store.NewMemStore()
	}

	events := emit.NewBufferedEmitter()
	var emitter emit.Emitter = events
	if cfg.emitter != nil {
		emitter = emit.NewMultiEmitter(events, cfg.emitter)
	}
	engine, err := graph.New(append(cfg.engineOpts, graph.WithEmitter(emitter))...)
	if err != nil {
		return nil, fmt.Errorf("workflow: %w", err)
	}

	return &Analyzer{
		graph:  g,
		engine: engine,
		store:  cfg.store,
		events: events,
		logger: cfg.logger,
		newID:  cfg.newID,
		now:    cfg.now,
	}, nil
}

// Store returns the transcript store.
func (a *Analyzer) Store() store.Store {
	return a.store
}

// Analyze runs the graph once on SeedPrompt.
//
// The returned Result is populated even when err is non-nil: on a run
// timeout it holds the partial log. Every run is saved to the store; a
// failed save is logged and does not fail the run.
func (a *Analyzer) Analyze(ctx context.Context) (Result, error) {
	runID := a.newID()
	started := a.now()

	initial, err := graph.NewState(graph.HumanMessage(SeedPrompt))
	if err != nil {
		return Result{RunID: runID, Status: store.StatusFailed}, err
	}

	tracker := graph.NewUsageTracker()
	final, runErr := a.engine.Run(graph.ContextWithUsage(ctx, tracker), a.graph, runID, initial)

	events := a.events.GetHistory(runID)
	a.events.Clear(runID)
	if errors.Is(runErr, graph.ErrRunTimeout) {
		// Abandoned branches may still emit until their calls return.
		time.AfterFunc(time.Minute, func() { a.events.Clear(runID) })
	}

	in, out, cost := tracker.Totals()
	res := Result{
		RunID:    runID,
		Status:   runStatus(runErr, events),
		Messages: final.Contents(),
		Usage:    store.Usage{InputTokens: in, OutputTokens: out, CostUSD: cost},
	}

	t := store.Transcript{
		RunID:      runID,
		Prompt:     SeedPrompt,
		Status:     res.Status,
		Messages:   final.Messages(),
		Usage:      res.Usage,
		Events:     events,
		StartedAt:  started,
		FinishedAt: a.now(),
	}
	if runErr != nil {
		t.Error = runErr.Error()
	}
	// A cancelled caller must not prevent the transcript from being saved.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.store.Save(saveCtx, t); err != nil {
		a.logger.Warn("save transcript", "run_id", runID, "error", err)
	}

	a.logger.Info("analysis finished",
		"run_id", runID,
		"status", res.Status,
		"messages", len(res.Messages),
		"usage", tracker.String(),
		"duration", t.FinishedAt.Sub(started).Round(time.Millisecond),
	)
	return res, runErr
}

func runStatus(err error, events []emit.Event) store.Status {
	switch {
	case errors.Is(err, graph.ErrRunTimeout):
		return store.StatusTimeout
	case err != nil:
		return store.StatusFailed
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Msg == emit.MsgRunEnd {
			if s, _ := events[i].Meta["status"].(string); s == "degraded" {
				return store.StatusDegraded
			}
			break
		}
	}
	return store.StatusCompleted
}
