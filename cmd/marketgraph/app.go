package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dshills/marketgraph/graph"
	"github.com/dshills/marketgraph/graph/emit"
	"github.com/dshills/marketgraph/graph/model"
	"github.com/dshills/marketgraph/graph/model/anthropic"
	"github.com/dshills/marketgraph/graph/model/google"
	"github.com/dshills/marketgraph/graph/model/openai"
	"github.com/dshills/marketgraph/graph/store"
	"github.com/dshills/marketgraph/internal/cache"
	"github.com/dshills/marketgraph/internal/config"
	"github.com/dshills/marketgraph/internal/market"
	"github.com/dshills/marketgraph/internal/workflow"
)

// app holds the long-lived collaborators built from one Config.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	analyzer *workflow.Analyzer
	store    store.Store
	registry *prometheus.Registry

	closers []func(context.Context) error
}

// loadApp reads the config at path and builds an app from it.
func loadApp(ctx context.Context, path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, newLogger(os.Stderr, cfg.Telemetry.LogLevel))
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ready := false
	defer func() {
		if !ready {
			a.Close(context.Background())
		}
	}()

	chat, err := newChatModel(cfg.LLM)
	if err != nil {
		return nil, err
	}

	c, err := a.newCache(ctx)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: cfg.Data.HTTPTimeout}
	fmp := market.NewFMPClient(cfg.Data.FMPURL, cfg.Data.FMPAPIKey, httpClient, c, cfg.Cache.TTL)
	sources := market.Sources{
		Prices:       market.NewYahooClient(cfg.Data.YahooURL, httpClient, c, cfg.Cache.TTL),
		Fundamentals: fmp,
		Universe:     fmp,
	}
	news := market.NewNewsAPIClient(cfg.Data.NewsAPIURL, cfg.Data.NewsAPIKey, httpClient, c, cfg.Cache.TTL)

	var retry *graph.RetryPolicy
	if cfg.Engine.ReasoningRetries > 0 {
		retry = &graph.RetryPolicy{
			MaxAttempts: cfg.Engine.ReasoningRetries + 1,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
		}
	}

	g, err := workflow.Build(workflow.Deps{
		Chat:                chat,
		Sources:             sources,
		News:                news,
		Weights:             workflow.ResolveWeights(ctx, chat, cfg.Weights.File, cfg.Weights.Dynamic, logger),
		MaxIterations:       cfg.Engine.MaxIterations,
		DispatchConcurrency: cfg.Engine.DispatchConcurrency,
		CallTimeout:         cfg.Engine.CallTimeout,
		Candidates:          cfg.Data.Candidates,
		Headlines:           cfg.Data.HeadlineLimit,
		WebFetch:            cfg.Data.WebFetch,
		WebClient:           httpClient,
		ReasoningRetry:      retry,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, func(context.Context) error { return st.Close() })

	engineOpts := []graph.Option{
		graph.WithMaxSteps(cfg.Engine.MaxSteps),
		graph.WithRunTimeout(cfg.Engine.RunTimeout),
		graph.WithDefaultNodeTimeout(cfg.Engine.NodeTimeout),
	}
	if cfg.Telemetry.Metrics {
		a.registry = prometheus.NewRegistry()
		engineOpts = append(engineOpts, graph.WithMetrics(graph.NewPrometheusMetrics(a.registry)))
	}

	a.analyzer, err = workflow.NewAnalyzer(g,
		workflow.WithEngineOptions(engineOpts...),
		workflow.WithEmitter(a.newEmitter(os.Stderr)),
		workflow.WithStore(a.store),
		workflow.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	ready = true
	return a, nil
}

// newEmitter fans engine events out to the event log and the tracer.
func (a *app) newEmitter(w io.Writer) emit.Emitter {
	var emitters []emit.Emitter
	if a.cfg.Telemetry.LogJSONEvents || strings.EqualFold(a.cfg.Telemetry.LogLevel, "debug") {
		emitters = append(emitters, emit.NewLogEmitter(w, a.cfg.Telemetry.LogJSONEvents))
	}
	if a.cfg.Telemetry.Tracing {
		tp := newTracerProvider(a.logger)
		a.closers = append(a.closers, tp.Shutdown)
		emitters = append(emitters, emit.NewOTelEmitter(tp.Tracer("marketgraph")))
	}
	if len(emitters) == 0 {
		return emit.NewNullEmitter()
	}
	return emit.NewMultiEmitter(emitters...)
}

func (a *app) newCache(ctx context.Context) (cache.Cache, error) {
	switch a.cfg.Cache.Backend {
	case "redis":
		r := a.cfg.Cache.Redis
		rc, err := cache.DialRedis(ctx, r.Address, r.Password, r.DB)
		if err != nil {
			return nil, fmt.Errorf("connect cache: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return rc.Close() })
		return rc, nil
	case "memory":
		return cache.NewMemory(), nil
	default:
		return cache.Nop{}, nil
	}
}

// Close releases everything newApp opened, most recent first.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}
	a.closers = nil
}

func newChatModel(cfg config.LLMConfig) (model.ChatModel, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewChatModel(cfg.APIKey, cfg.Model, openai.WithMaxTokens(cfg.MaxTokens)), nil
	case "anthropic":
		return anthropic.NewChatModel(cfg.APIKey, cfg.Model, anthropic.WithMaxTokens(cfg.MaxTokens)), nil
	case "google":
		return google.NewChatModel(cfg.APIKey, cfg.Model, google.WithMaxTokens(cfg.MaxTokens)), nil
	case "mock":
		return &model.MockChatModel{Respond: offlineResponse}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// offlineResponse answers every reasoning call without a provider so the
// data pipeline can be exercised end to end.
func offlineResponse(messages []model.Message, _ []model.ToolSpec) (model.ChatOut, error) {
	var last string
	if n := len(messages); n > 0 {
		last = messages[n-1].Content
	}
	if strings.Contains(last, "Analyze the sentiment") {
		return model.ChatOut{Text: `{"positive": 0.34, "negative": 0.33, "neutral": 0.33}`, Model: "mock"}, nil
	}
	return model.ChatOut{Text: "Offline mode: no reasoning provider configured.", Model: "mock"}, nil
}
