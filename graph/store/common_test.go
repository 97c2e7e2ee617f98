package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dshills/marketgraph/graph"
	"github.com/dshills/marketgraph/graph/emit"
	"github.com/dshills/marketgraph/graph/store"
)

// backends returns every store available in this environment. MySQL joins
// the set when TEST_MYSQL_DSN is set.
func backends(t *testing.T) map[string]store.Store {
	t.Helper()

	sqlite, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "transcripts.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	out := map[string]store.Store{
		"memory": store.NewMemStore(),
		"sqlite": sqlite,
	}

	if dsn := os.Getenv("TEST_MYSQL_DSN"); dsn != "" {
		mysql, err := store.NewMySQLStore(dsn)
		if err != nil {
			t.Fatalf("NewMySQLStore: %v", err)
		}
		out["mysql"] = mysql
	}
	for _, s := range out {
		s := s
		t.Cleanup(func() { _ = s.Close() })
	}
	return out
}

func transcript(runID string, started time.Time) store.Transcript {
	return store.Transcript{
		RunID:  runID,
		Prompt: "Analyze the US stock market and give me the best stocks for today.",
		Status: store.StatusCompleted,
		Messages: []graph.Message{
			graph.HumanMessage("Analyze the US stock market and give me the best stocks for today."),
			{Role: graph.RoleAssistant, Content: "", Name: "technical_analyst", ToolCalls: []graph.ToolCall{{ID: "c1", Name: "get_volume_data", Arguments: map[string]any{"ticker": "AAPL"}}}},
			graph.ToolResultMessage("c1", "get_volume_data", `{"volume":1}`),
			graph.AssistantMessage("Top picks: NVDA, AAPL"),
		},
		Usage:      store.Usage{InputTokens: 1200, OutputTokens: 300, CostUSD: 0.006},
		Events:     []emit.Event{{RunID: runID, Msg: emit.MsgRunStart}},
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			prefix := fmt.Sprintf("%s-%d-", name, time.Now().UnixNano())

			t.Run("save and load", func(t *testing.T) {
				want := transcript(prefix+"a", base)
				if err := st.Save(ctx, want); err != nil {
					t.Fatalf("Save: %v", err)
				}
				got, err := st.Load(ctx, want.RunID)
				if err != nil {
					t.Fatalf("Load: %v", err)
				}
				if got.RunID != want.RunID || got.Status != want.Status || len(got.Messages) != 4 {
					t.Errorf("got %+v", got)
				}
				if got.Messages[1].ToolCalls[0].Arguments["ticker"] != "AAPL" || got.Messages[2].CallID != "c1" {
					t.Errorf("messages did not round-trip: %+v", got.Messages)
				}
				if !got.StartedAt.Equal(want.StartedAt) || got.Usage != want.Usage {
					t.Errorf("metadata did not round-trip: %+v", got)
				}
				if len(got.Events) != 1 || got.Events[0].Msg != emit.MsgRunStart {
					t.Errorf("events = %+v", got.Events)
				}
			})

			t.Run("save replaces", func(t *testing.T) {
				tr := transcript(prefix+"a", base)
				tr.Status = store.StatusTimeout
				tr.Messages = tr.Messages[:1]
				if err := st.Save(ctx, tr); err != nil {
					t.Fatal(err)
				}
				got, _ := st.Load(ctx, tr.RunID)
				if got.Status != store.StatusTimeout || len(got.Messages) != 1 {
					t.Errorf("got %+v", got)
				}
			})

			t.Run("not found", func(t *testing.T) {
				if _, err := st.Load(ctx, prefix+"missing"); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("expected ErrNotFound, got %v", err)
				}
			})

			t.Run("empty run id", func(t *testing.T) {
				if err := st.Save(ctx, store.Transcript{}); err == nil {
					t.Error("expected error")
				}
			})

			t.Run("list newest first", func(t *testing.T) {
				_ = st.Save(ctx, transcript(prefix+"b", base.Add(time.Hour)))
				_ = st.Save(ctx, transcript(prefix+"c", base.Add(2*time.Hour)))

				all, err := st.List(ctx, 0)
				if err != nil {
					t.Fatal(err)
				}
				var mine []store.Summary
				for _, s := range all {
					if len(s.RunID) > len(prefix) && s.RunID[:len(prefix)] == prefix {
						mine = append(mine, s)
					}
				}
				if len(mine) != 3 || mine[0].RunID != prefix+"c" || mine[2].RunID != prefix+"a" {
					t.Fatalf("list = %+v", mine)
				}
				if mine[0].Messages != 4 || mine[2].Status != store.StatusTimeout {
					t.Errorf("summaries = %+v", mine)
				}

				limited, _ := st.List(ctx, 2)
				if len(limited) != 2 {
					t.Errorf("limit ignored: %d", len(limited))
				}
			})

			t.Run("concurrent saves", func(t *testing.T) {
				var wg sync.WaitGroup
				errs := make(chan error, 10)
				for i := 0; i < 10; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						errs <- st.Save(ctx, transcript(fmt.Sprintf("%sconc-%d", prefix, i), base))
					}(i)
				}
				wg.Wait()
				close(errs)
				for err := range errs {
					if err != nil {
						t.Error(err)
					}
				}
			})
		})
	}
}

func TestStoreClosed(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.Close(); err != nil {
				t.Fatal(err)
			}
			if err := st.Save(ctx, transcript("x", time.Now())); !errors.Is(err, store.ErrClosed) {
				t.Errorf("Save after Close: %v", err)
			}
			if _, err := st.Load(ctx, "x"); !errors.Is(err, store.ErrClosed) {
				t.Errorf("Load after Close: %v", err)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	st, err := store.Open("memory", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.(*store.MemStore); !ok {
		t.Errorf("got %T", st)
	}

	sq, err := store.Open("sqlite", filepath.Join(t.TempDir(), "x.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sq.Close() }()

	if _, err := store.Open("mysql", ""); err == nil {
		t.Error("mysql without dsn should fail")
	}
	if _, err := store.Open("postgres", "x"); err == nil {
		t.Error("unknown driver should fail")
	}
}
