package model

import (
	"context"
	"sync"
)

// MockChatModel is a scripted ChatModel for tests.
//
// Each Chat call returns the next entry of Responses; once they are used
// up the last one repeats. Respond, when set, takes precedence and lets a
// test compute the reply from the conversation, which is handy when
// parallel branches share one mock.
//
//	mock := &model.MockChatModel{
//	    Responses: []model.ChatOut{
//	        {ToolCalls: []model.ToolCall{{ID: "c1", Name: "get_volume_data", Input: map[string]interface{}{"ticker": "AAPL"}}}},
//	        {Text: "AAPL volume is rising."},
//	    },
//	}
type MockChatModel struct {
	Responses []ChatOut

	// Respond computes a reply from the request.
	Respond func(messages []Message, tools []ToolSpec) (ChatOut, error)

	// Err is returned by every call when set.
	Err error

	// Calls records every invocation.
	Calls []MockChatCall

	mu        sync.Mutex
	callIndex int
}

// MockChatCall records a single invocation of Chat.
type MockChatCall struct {
	Messages []Message
	Tools    []ToolSpec
}

// Chat implements ChatModel.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockChatCall{
		Messages: append([]Message(nil), messages...),
		Tools:    append([]ToolSpec(nil), tools...),
	})

	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if m.Respond != nil {
		return m.Respond(messages, tools)
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears the call history and rewinds the script.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of Chat calls so far.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Calls)
}
