package graph

// Role identifies the author class of a Message.
type Role string

const (
	// RoleSystem carries instructions for the Reasoning Port.
	RoleSystem Role = "system"

	// RoleHuman carries the user's request.
	RoleHuman Role = "human"

	// RoleAssistant carries Reasoning Port output, either a final answer or a
	// request to invoke tools.
	RoleAssistant Role = "assistant"

	// RoleTool carries the result of one tool call.
	RoleTool Role = "tool"
)

// ToolCall is a request emitted by an Assistant message to invoke a tool.
//
// ID is an opaque token unique within the ToolCalls of one message. A
// ToolResult message references it through CallID.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message is one immutable entry in the message log.
//
// ToolCalls is only set on Assistant messages. CallID and IsError are only
// set on ToolResult messages. Name records the node or tool that authored the
// message and may be empty.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	CallID    string     `json:"call_id,omitempty"`
	Name      string     `json:"name,omitempty"`
	IsError   bool       `json:"is_error,omitempty"`
}

// HasToolCalls reports whether m is an Assistant message requesting tools.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// SystemMessage returns a System message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// HumanMessage returns a Human message.
func HumanMessage(content string) Message {
	return Message{Role: RoleHuman, Content: content}
}

// AssistantMessage returns an Assistant message, optionally requesting tools.
func AssistantMessage(content string, calls ...ToolCall) Message {
	m := Message{Role: RoleAssistant, Content: content}
	if len(calls) > 0 {
		m.ToolCalls = calls
	}
	return m
}

// ToolResultMessage returns a successful ToolResult for the call callID.
func ToolResultMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, CallID: callID, Name: name, Content: content}
}

// ToolErrorMessage returns a ToolResult recording the failure err for callID.
func ToolErrorMessage(callID, name string, err error) Message {
	return Message{Role: RoleTool, CallID: callID, Name: name, Content: err.Error(), IsError: true}
}

// clone returns a copy of m that shares no mutable memory with it.
func (m Message) clone() Message {
	if len(m.ToolCalls) == 0 {
		m.ToolCalls = nil
		return m
	}
	calls := make([]ToolCall, len(m.ToolCalls))
	for i, c := range m.ToolCalls {
		calls[i] = ToolCall{ID: c.ID, Name: c.Name, Arguments: cloneArgs(c.Arguments)}
	}
	m.ToolCalls = calls
	return m
}

// cloneArgs deep-copies tool arguments. JSON-shaped values are copied
// structurally; anything else falls back to a JSON round-trip.
func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64, float32, int, int64, int32:
		return t
	case map[string]any:
		return cloneArgs(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		copied, err := deepCopy(t)
		if err != nil {
			return t
		}
		return copied
	}
}
