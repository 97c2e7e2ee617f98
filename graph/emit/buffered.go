package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, grouped
// by run ID.
//
// It backs tests and the per-run event history returned alongside stored
// transcripts. Events are never evicted on their own; call Clear once a run
// has been persisted.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	engine, _ := graph.New(graph.WithEmitter(emitter))
//	_, _ = engine.Run(ctx, g, "run-001", initial)
//
//	all := emitter.GetHistory("run-001")
//	failures := emitter.GetHistoryWithFilter("run-001", emit.HistoryFilter{Msg: emit.MsgNodeError})
//	emitter.Clear("run-001")
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events
}

// HistoryFilter selects events from a run's history. Empty fields match
// anything; set fields combine with AND.
type HistoryFilter struct {
	Branch  string // Filter by fan-out branch
	NodeID  string // Filter by node ID
	Msg     string // Filter by event name
	MinStep *int   // Minimum step number (nil = no filter)
	MaxStep *int   // Maximum step number (nil = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// GetHistory returns a copy of all events for runID in emission order.
// The result is never nil.
func (b *BufferedEmitter) GetHistory(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[runID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// GetHistoryWithFilter returns the events for runID matching filter.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[runID] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

func (f HistoryFilter) matches(event Event) bool {
	if f.Branch != "" && event.Branch != f.Branch {
		return false
	}
	if f.NodeID != "" && event.NodeID != f.NodeID {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	if f.MinStep != nil && event.Step < *f.MinStep {
		return false
	}
	if f.MaxStep != nil && event.Step > *f.MaxStep {
		return false
	}
	return true
}

// Clear removes stored events for runID, or for every run when runID is
// empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}
