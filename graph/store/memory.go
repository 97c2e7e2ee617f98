package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-memory implementation of Store.
//
// Transcripts are deep-copied on Save and Load via JSON, so callers can
// never alias stored data.
//
// Example:
//
//	st := store.NewMemStore()
//	_ = st.Save(ctx, transcript)
//	got, err := st.Load(ctx, transcript.RunID)
type MemStore struct {
	mu     sync.RWMutex
	runs   map[string][]byte
	index  map[string]Summary
	closed bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		runs:  make(map[string][]byte),
		index: make(map[string]Summary),
	}
}

// Save implements Store.
func (m *MemStore) Save(_ context.Context, t Transcript) error {
	if err := validate(t); err != nil {
		return err
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.runs[t.RunID] = body
	m.index[t.RunID] = t.Summarize()
	return nil
}

// Load implements Store.
func (m *MemStore) Load(_ context.Context, runID string) (Transcript, error) {
	m.mu.RLock()
	body, ok := m.runs[runID]
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return Transcript{}, ErrClosed
	}
	if !ok {
		return Transcript{}, ErrNotFound
	}
	return decodeTranscript(body)
}

// List implements Store.
func (m *MemStore) List(_ context.Context, limit int) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make([]Summary, 0, len(m.index))
	for _, s := range m.index {
		out = append(out, s)
	}
	sortSummaries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements Store.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.runs = nil
	m.index = nil
	return nil
}

func decodeTranscript(body []byte) (Transcript, error) {
	var t Transcript
	if err := json.Unmarshal(body, &t); err != nil {
		return Transcript{}, fmt.Errorf("failed to unmarshal transcript: %w", err)
	}
	return t, nil
}

// sortSummaries orders newest first, ties by run ID.
func sortSummaries(s []Summary) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].StartedAt.Equal(s[j].StartedAt) {
			return s[i].StartedAt.After(s[j].StartedAt)
		}
		return s[i].RunID < s[j].RunID
	})
}
