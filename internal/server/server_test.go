package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dshills/marketgraph/graph"
	"github.com/dshills/marketgraph/graph/store"
	"github.com/dshills/marketgraph/internal/workflow"
)

type fakeAnalyzer struct {
	res workflow.Result
	err error
}

func (f *fakeAnalyzer) Analyze(context.Context) (workflow.Result, error) {
	return f.res, f.err
}

func do(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	New(s).ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name       string
		res        workflow.Result
		err        error
		wantStatus int
		wantMsgs   int
		wantError  bool
	}{
		{
			name:       "completed",
			res:        workflow.Result{RunID: "r1", Status: store.StatusCompleted, Messages: []string{"seed", "answer"}},
			wantStatus: http.StatusOK,
			wantMsgs:   2,
		},
		{
			name:       "run timeout keeps partial messages",
			res:        workflow.Result{RunID: "r2", Status: store.StatusTimeout, Messages: []string{"seed"}},
			err:        &graph.RunTimeoutError{RunID: "r2", Deadline: time.Second},
			wantStatus: http.StatusGatewayTimeout,
			wantMsgs:   1,
			wantError:  true,
		},
		{
			name:       "other failure",
			res:        workflow.Result{RunID: "r3", Status: store.StatusFailed},
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantMsgs:   0,
			wantError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{Analyzer: &fakeAnalyzer{res: tt.res, err: tt.err}, Store: store.NewMemStore()}
			rec := do(t, s, "/analyze")

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body AnalyzeResponse
			decode(t, rec, &body)
			if body.RunID != tt.res.RunID {
				t.Errorf("run_id = %q, want %q", body.RunID, tt.res.RunID)
			}
			if len(body.Messages) != tt.wantMsgs {
				t.Errorf("messages = %v, want %d", body.Messages, tt.wantMsgs)
			}
			if (body.Error != "") != tt.wantError {
				t.Errorf("error = %q, wantError %v", body.Error, tt.wantError)
			}
			if !strings.Contains(rec.Body.String(), `"messages":[`) {
				t.Errorf("messages must encode as an array: %s", rec.Body.String())
			}
		})
	}
}

func TestGetRun(t *testing.T) {
	st := store.NewMemStore()
	started := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	if err := st.Save(context.Background(), store.Transcript{
		RunID:     "run-1",
		Prompt:    workflow.SeedPrompt,
		Status:    store.StatusDegraded,
		Messages:  []graph.Message{graph.HumanMessage(workflow.SeedPrompt)},
		StartedAt: started,
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	s := &Server{Analyzer: &fakeAnalyzer{}, Store: st}

	t.Run("found", func(t *testing.T) {
		rec := do(t, s, "/runs/run-1")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		var got store.Transcript
		decode(t, rec, &got)
		if got.RunID != "run-1" || got.Status != store.StatusDegraded || len(got.Messages) != 1 {
			t.Errorf("transcript = %+v", got)
		}
	})

	t.Run("missing", func(t *testing.T) {
		rec := do(t, s, "/runs/nope")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("list", func(t *testing.T) {
		rec := do(t, s, "/runs?limit=5")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var got []store.Summary
		decode(t, rec, &got)
		if len(got) != 1 || got[0].RunID != "run-1" || got[0].Messages != 1 {
			t.Errorf("summaries = %+v", got)
		}
	})

	t.Run("bad limit", func(t *testing.T) {
		rec := do(t, s, "/runs?limit=zero")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestHealthAndMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := graph.NewPrometheusMetrics(registry)
	metrics.RecordRun("success")

	s := &Server{Analyzer: &fakeAnalyzer{}, Store: store.NewMemStore(), Gatherer: registry}

	if rec := do(t, s, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}

	rec := do(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "marketgraph_") {
		t.Errorf("metrics output lacks marketgraph series:\n%s", rec.Body.String())
	}
}

func TestMetricsDisabled(t *testing.T) {
	s := &Server{Analyzer: &fakeAnalyzer{}, Store: store.NewMemStore()}
	if rec := do(t, s, "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 without a gatherer", rec.Code)
	}
}
