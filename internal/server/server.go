// Package server exposes the analysis workflow over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/marketgraph/graph"
	"github.com/dshills/marketgraph/graph/store"
	"github.com/dshills/marketgraph/internal/workflow"
)

// Analyzer runs one analysis.
type Analyzer interface {
	Analyze(ctx context.Context) (workflow.Result, error)
}

// Server holds the handler dependencies.
type Server struct {
	Analyzer Analyzer
	Store    store.Store
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// AnalyzeResponse is the body of GET /analyze.
type AnalyzeResponse struct {
	RunID    string       `json:"run_id"`
	Status   store.Status `json:"status"`
	Messages []string     `json:"messages"`
	Usage    store.Usage  `json:"usage"`
	Error    string       `json:"error,omitempty"`
}

// New returns an echo instance with every route mounted.
func New(s *Server) *echo.Echo {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.Logger.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	e.GET("/healthz", s.health)
	e.GET("/analyze", s.analyze)
	e.GET("/runs", s.listRuns)
	e.GET("/runs/:id", s.getRun)
	if s.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})))
	}
	return e
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// analyze runs the workflow synchronously. A run timeout answers 504 with
// the partial messages; any other failure answers 500.
func (s *Server) analyze(c echo.Context) error {
	res, err := s.Analyzer.Analyze(c.Request().Context())
	body := AnalyzeResponse{
		RunID:    res.RunID,
		Status:   res.Status,
		Messages: res.Messages,
		Usage:    res.Usage,
	}
	if body.Messages == nil {
		body.Messages = []string{}
	}
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, body)
	case errors.Is(err, graph.ErrRunTimeout):
		body.Error = err.Error()
		return c.JSON(http.StatusGatewayTimeout, body)
	default:
		s.Logger.Error("analysis failed", "run_id", res.RunID, "error", err)
		body.Error = err.Error()
		return c.JSON(http.StatusInternalServerError, body)
	}
}

func (s *Server) listRuns(c echo.Context) error {
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		limit = n
	}
	runs, err := s.Store.List(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list runs", "details": err.Error()})
	}
	if runs == nil {
		runs = []store.Summary{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) getRun(c echo.Context) error {
	t, err := s.Store.Load(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load run", "details": err.Error()})
	}
	return c.JSON(http.StatusOK, t)
}
