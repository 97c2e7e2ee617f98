package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps transcripts in a single-file database, which suits development
// and single-process deployments. The pure-Go modernc.org/sqlite driver
// needs no cgo.
//
// Schema:
//   - run_transcripts: one row per run, the full transcript as JSON plus
//     the columns List needs
type SQLiteStore struct {
	sqlStore
	path string
}

// NewSQLiteStore opens or creates the database at path.
//
// The path parameter specifies the database file location:
//   - "./marketgraph.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// Example:
//
//	st, err := store.NewSQLiteStore("./marketgraph.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		sqlStore: sqlStore{
			db: db,
			upsert: `INSERT INTO run_transcripts (run_id, status, message_count, started_at, finished_at, body)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(run_id) DO UPDATE SET
					status = excluded.status,
					message_count = excluded.message_count,
					started_at = excluded.started_at,
					finished_at = excluded.finished_at,
					body = excluded.body`,
		},
		path: path,
	}

	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS run_transcripts (
			run_id TEXT NOT NULL PRIMARY KEY,
			status TEXT NOT NULL,
			message_count INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			body TEXT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create run_transcripts table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_transcripts_started ON run_transcripts(started_at)"); err != nil {
		return fmt.Errorf("failed to create idx_transcripts_started: %w", err)
	}
	return nil
}

// Path returns the database location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, t Transcript) error {
	return s.save(ctx, t)
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, runID string) (Transcript, error) {
	return s.load(ctx, runID)
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Summary, error) {
	return s.list(ctx, limit)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.close()
}
