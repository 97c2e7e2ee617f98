package tool

import (
	"context"
	"sync"
	"time"
)

// MockTool is a scripted Tool for tests.
//
// Each Call returns the next entry of Responses; once they are used up the
// last one repeats. Fn, when set, computes the result instead. Delay makes
// the call block (honouring ctx) and PanicWith makes it panic.
//
//	mock := &tool.MockTool{
//	    ToolName:  "get_volume_data",
//	    Responses: []map[string]interface{}{{"records": []interface{}{}}},
//	}
type MockTool struct {
	ToolName  string
	ToolDesc  string
	ToolArgs  *Schema
	Responses []map[string]interface{}
	Fn        CallFunc
	Err       error
	Delay     time.Duration
	PanicWith interface{}

	// Calls records every invocation's input.
	Calls []MockToolCall

	mu        sync.Mutex
	callIndex int
}

// MockToolCall records a single invocation of Call.
type MockToolCall struct {
	Input map[string]interface{}
}

// Name implements Tool.
func (m *MockTool) Name() string {
	return m.ToolName
}

// Call implements Tool.
func (m *MockTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	m.Calls = append(m.Calls, MockToolCall{Input: input})
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.PanicWith != nil {
		panic(m.PanicWith)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Fn != nil {
		return m.Fn(ctx, input)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.Responses) == 0 {
		return map[string]interface{}{}, nil
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
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of Call invocations so far.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Calls)
}

// DescribedMock wraps a MockTool with a description and schema.
type DescribedMock struct {
	*MockTool
}

// Description implements Described.
func (d DescribedMock) Description() string { return d.ToolDesc }

// Schema implements Described.
func (d DescribedMock) Schema() Schema {
	if d.ToolArgs == nil {
		return Schema{}
	}
	return *d.ToolArgs
}
