package graph

import (
	"encoding/json"
	"fmt"
)

// State is the ordered, append-only message log threaded through every node.
//
// A State value is immutable: Append returns a new State and leaves the
// receiver untouched, so a State can be forked to concurrent branches without
// locks. The zero value is an empty log.
type State struct {
	msgs []Message
}

// NewState returns a State holding msgs, validated as if appended one by one.
func NewState(msgs ...Message) (State, error) {
	return State{}.Append(msgs...)
}

// Append returns a new State with msgs added after the receiver's messages.
//
// It fails with ErrInvalidMessage when a message would break the log
// invariants:
//   - ToolCalls only on Assistant messages, with unique non-empty IDs per message
//   - CallID only on ToolResult messages, referencing an earlier ToolCall
//   - Role is one of the known roles
func (s State) Append(msgs ...Message) (State, error) {
	if len(msgs) == 0 {
		return s, nil
	}

	calls := s.callIndex()
	next := make([]Message, len(s.msgs), len(s.msgs)+len(msgs))
	copy(next, s.msgs)

	for _, m := range msgs {
		if err := validateMessage(m, calls); err != nil {
			return s, err
		}
		m = m.clone()
		for _, c := range m.ToolCalls {
			calls[c.ID] = struct{}{}
		}
		next = append(next, m)
	}
	return State{msgs: next}, nil
}

// Fork returns an independent copy of s for a concurrent branch.
func (s State) Fork() State {
	next := make([]Message, len(s.msgs))
	copy(next, s.msgs)
	return State{msgs: next}
}

// Len returns the number of messages in the log.
func (s State) Len() int {
	return len(s.msgs)
}

// Last returns the most recent message and false when the log is empty.
func (s State) Last() (Message, bool) {
	if len(s.msgs) == 0 {
		return Message{}, false
	}
	return s.msgs[len(s.msgs)-1].clone(), true
}

// At returns the message at index i.
func (s State) At(i int) Message {
	return s.msgs[i].clone()
}

// Messages returns a copy of the log.
func (s State) Messages() []Message {
	out := make([]Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.clone()
	}
	return out
}

// Contents returns the content of every message in log order.
func (s State) Contents() []string {
	out := make([]string, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Content
	}
	return out
}

// Since returns the messages appended after the first n.
func (s State) Since(n int) []Message {
	if n >= len(s.msgs) {
		return nil
	}
	return State{msgs: s.msgs[n:]}.Messages()
}

// MarshalJSON encodes the log as a JSON array of messages.
func (s State) MarshalJSON() ([]byte, error) {
	if s.msgs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.msgs)
}

// UnmarshalJSON decodes a JSON array of messages, enforcing the log invariants.
func (s *State) UnmarshalJSON(data []byte) error {
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return err
	}
	decoded, err := NewState(msgs...)
	if err != nil {
		return err
	}
	*s = decoded
	return nil
}

// Merge concatenates, in the order given, the messages each branch appended
// after base onto base.
//
// Branch order is the order branches were declared at fan-out, never
// completion order. Merge neither deduplicates nor reorders. It fails with
// ErrNotForked when a branch is shorter than base.
func Merge(base State, branches ...State) (State, error) {
	merged := base
	for i, b := range branches {
		if b.Len() < base.Len() {
			return base, fmt.Errorf("branch %d: %w", i, ErrNotForked)
		}
		var err error
		merged, err = merged.Append(b.msgs[base.Len():]...)
		if err != nil {
			return base, fmt.Errorf("branch %d: %w", i, err)
		}
	}
	return merged, nil
}

func (s State) callIndex() map[string]struct{} {
	calls := make(map[string]struct{})
	for _, m := range s.msgs {
		for _, c := range m.ToolCalls {
			calls[c.ID] = struct{}{}
		}
	}
	return calls
}

func validateMessage(m Message, calls map[string]struct{}) error {
	switch m.Role {
	case RoleSystem, RoleHuman, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, m.Role)
	}

	if len(m.ToolCalls) > 0 {
		if m.Role != RoleAssistant {
			return fmt.Errorf("%w: tool calls on %s message", ErrInvalidMessage, m.Role)
		}
		seen := make(map[string]struct{}, len(m.ToolCalls))
		for _, c := range m.ToolCalls {
			if c.ID == "" {
				return fmt.Errorf("%w: tool call %q has no id", ErrInvalidMessage, c.Name)
			}
			if _, dup := seen[c.ID]; dup {
				return fmt.Errorf("%w: duplicate tool call id %q", ErrInvalidMessage, c.ID)
			}
			seen[c.ID] = struct{}{}
		}
	}

	if m.Role == RoleTool {
		if m.CallID == "" {
			return fmt.Errorf("%w: tool result without call id", ErrInvalidMessage)
		}
		if _, ok := calls[m.CallID]; !ok {
			return fmt.Errorf("%w: tool result references unknown call %q", ErrInvalidMessage, m.CallID)
		}
	} else if m.CallID != "" {
		return fmt.Errorf("%w: call id on %s message", ErrInvalidMessage, m.Role)
	}
	return nil
}

// deepCopy creates a deep copy of v using JSON round-trip serialization.
//
// Works for any JSON-marshalable value. Unexported fields, channels and
// functions are not copied.
func deepCopy[T any](v T) (T, error) {
	var zero T

	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal value: %w", err)
	}

	var copied T
	if err := json.Unmarshal(data, &copied); err != nil {
		return zero, fmt.Errorf("failed to unmarshal value: %w", err)
	}

	return copied, nil
}
