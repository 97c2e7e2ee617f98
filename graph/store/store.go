// Package store persists completed run transcripts.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/marketgraph/graph"
	"github.com/dshills/marketgraph/graph/emit"
)

// ErrNotFound is returned when a requested run ID does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by every operation on a closed store.
var ErrClosed = errors.New("store is closed")

// Status classifies how a run finished.
type Status string

const (
	// StatusCompleted means every branch contributed its analysis.
	StatusCompleted Status = "completed"

	// StatusDegraded means the run finished but at least one branch was
	// replaced by a placeholder.
	StatusDegraded Status = "degraded"

	// StatusTimeout means the run deadline expired; Messages hold the
	// partial merged log.
	StatusTimeout Status = "timeout"

	// StatusFailed means the run could not start or aborted.
	StatusFailed Status = "failed"
)

// Usage summarizes reasoning token consumption for one run.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Transcript is the final result of one workflow run.
//
// A transcript is written once the run finishes and is never resumed from:
// stores hold results, not execution checkpoints.
type Transcript struct {
	RunID      string          `json:"run_id"`
	Prompt     string          `json:"prompt"`
	Status     Status          `json:"status"`
	Messages   []graph.Message `json:"messages"`
	Error      string          `json:"error,omitempty"`
	Usage      Usage           `json:"usage"`
	Events     []emit.Event    `json:"events,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Summary is the listing view of a transcript.
type Summary struct {
	RunID      string    `json:"run_id"`
	Status     Status    `json:"status"`
	Messages   int       `json:"messages"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Summarize returns the listing view of t.
func (t Transcript) Summarize() Summary {
	return Summary{
		RunID:      t.RunID,
		Status:     t.Status,
		Messages:   len(t.Messages),
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
}

// Store persists run transcripts.
//
// Implementations:
//   - MemStore: in-process map, for tests and single-shot CLI runs
//   - SQLiteStore: single-file database via modernc.org/sqlite
//   - MySQLStore: shared database for multiple server instances
//
// All implementations are safe for concurrent use.
type Store interface {
	// Save writes t, replacing any transcript with the same RunID.
	Save(ctx context.Context, t Transcript) error

	// Load returns the transcript for runID or ErrNotFound.
	Load(ctx context.Context, runID string) (Transcript, error)

	// List returns up to limit summaries, most recently started first.
	// A non-positive limit returns every transcript.
	List(ctx context.Context, limit int) ([]Summary, error)

	// Close releases resources. Further calls return ErrClosed.
	Close() error
}

func validate(t Transcript) error {
	if t.RunID == "" {
		return errors.New("transcript has no run id")
	}
	return nil
}

// Open returns the Store for driver: "memory", "sqlite" or "mysql".
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemStore(), nil
	case "sqlite":
		if dsn == "" {
			dsn = "marketgraph.db"
		}
		return NewSQLiteStore(dsn)
	case "mysql":
		if dsn == "" {
			return nil, errors.New("mysql store requires a dsn")
		}
		return NewMySQLStore(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
