package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// sqlStore holds the queries shared by the SQLite and MySQL stores. Only
// DDL and the upsert statement differ between the two dialects.
type sqlStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	upsert string
}

const (
	selectTranscript = `SELECT body FROM run_transcripts WHERE run_id = ?`
	listTranscripts  = `SELECT run_id, status, message_count, started_at, finished_at
		FROM run_transcripts ORDER BY started_at DESC, run_id ASC`
)

func (s *sqlStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *sqlStore) save(ctx context.Context, t Transcript) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validate(t); err != nil {
		return err
	}

	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.upsert,
		t.RunID,
		string(t.Status),
		len(t.Messages),
		t.StartedAt.UnixMilli(),
		t.FinishedAt.UnixMilli(),
		string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to save transcript: %w", err)
	}
	return nil
}

func (s *sqlStore) load(ctx context.Context, runID string) (Transcript, error) {
	if err := s.checkOpen(); err != nil {
		return Transcript{}, err
	}

	var body string
	err := s.db.QueryRowContext(ctx, selectTranscript, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return Transcript{}, ErrNotFound
	}
	if err != nil {
		return Transcript{}, fmt.Errorf("failed to load transcript: %w", err)
	}
	return decodeTranscript([]byte(body))
}

func (s *sqlStore) list(ctx context.Context, limit int) ([]Summary, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := listTranscripts
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Summary{}
	for rows.Next() {
		var (
			sum               Summary
			status            string
			started, finished int64
		)
		if err := rows.Scan(&sum.RunID, &status, &sum.Messages, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan transcript: %w", err)
		}
		sum.Status = Status(status)
		sum.StartedAt = time.UnixMilli(started).UTC()
		sum.FinishedAt = time.UnixMilli(finished).UTC()
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transcripts: %w", err)
	}
	return out, nil
}

func (s *sqlStore) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
