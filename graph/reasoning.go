package graph

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/dshills/marketgraph/graph/emit"
	"github.com/dshills/marketgraph/graph/model"
	"github.com/dshills/marketgraph/graph/tool"
)

// ReasoningNode calls the Reasoning Port with the branch history and appends
// exactly one Assistant message authored by the node.
//
// With a tool registry bound, the model may answer with tool calls; route
// the node through ToolsCondition and a DispatchNode to run them.
//
// Example:
//
//	analyst := graph.NewReasoningNode("technical_analyst", chat,
//	    graph.WithSystemPrompt(technicalPrompt),
//	    graph.WithTools(registry),
//	)
type ReasoningNode struct {
	name        string
	model       model.ChatModel
	system      string
	systemFn    func() string
	instruction string
	tools       *tool.Registry
	policy      NodePolicy
}

// ReasoningOption configures a ReasoningNode.
type ReasoningOption func(*ReasoningNode)

// WithSystemPrompt prepends prompt as a system message on every call. It is
// not written to the log.
func WithSystemPrompt(prompt string) ReasoningOption {
	return func(r *ReasoningNode) {
		r.system = prompt
	}
}

// WithSystemPromptFunc is WithSystemPrompt evaluated on every call, for
// prompts that embed the current date.
func WithSystemPromptFunc(fn func() string) ReasoningOption {
	return func(r *ReasoningNode) {
		r.systemFn = fn
	}
}

// WithInstruction sends text as a trailing user turn on every call without
// writing it to the log. Summarizers use it to ask for a final answer.
func WithInstruction(text string) ReasoningOption {
	return func(r *ReasoningNode) {
		r.instruction = text
	}
}

// WithTools binds registry so its tool specs are offered to the model.
func WithTools(registry *tool.Registry) ReasoningOption {
	return func(r *ReasoningNode) {
		r.tools = registry
	}
}

// WithReasoningPolicy sets the node's timeout and retry policy.
func WithReasoningPolicy(p NodePolicy) ReasoningOption {
	return func(r *ReasoningNode) {
		r.policy = p
	}
}

// NewReasoningNode returns a node named name backed by chat.
func NewReasoningNode(name string, chat model.ChatModel, opts ...ReasoningOption) *ReasoningNode {
	r := &ReasoningNode{name: name, model: chat}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the node name recorded on its Assistant messages.
func (r *ReasoningNode) Name() string {
	return r.name
}

// Policy implements PolicyProvider.
func (r *ReasoningNode) Policy() NodePolicy {
	return r.policy
}

// Run implements Node.
func (r *ReasoningNode) Run(ctx context.Context, state State) NodeResult {
	if r.model == nil {
		return Fail(&ReasoningUnavailableError{Node: r.name, Cause: errors.New("no chat model configured")})
	}

	system := r.system
	if r.systemFn != nil {
		system = r.systemFn()
	}
	msgs := make([]model.Message, 0, state.Len()+2)
	if system != "" {
		msgs = append(msgs, model.Message{Role: model.RoleSystem, Content: system})
	}
	msgs = append(msgs, ToModelMessages(state)...)
	if r.instruction != "" {
		msgs = append(msgs, model.Message{Role: model.RoleUser, Content: r.instruction})
	}

	var specs []model.ToolSpec
	if r.tools != nil {
		specs = r.tools.Specs()
	}

	out, err := r.model.Chat(ctx, msgs, specs)
	if err != nil {
		return Fail(&ReasoningUnavailableError{Node: r.name, Cause: err})
	}

	r.recordUsage(ctx, out)

	reply := AssistantMessage(out.Text, toGraphCalls(out.ToolCalls)...)
	reply.Name = r.name
	return Appends(reply)
}

func (r *ReasoningNode) recordUsage(ctx context.Context, out model.ChatOut) {
	if tracker := UsageFromContext(ctx); tracker != nil {
		tracker.Record(r.name, out.Model, out.Usage.InputTokens, out.Usage.OutputTokens)
	}
	x := execFromContext(ctx)
	x.metrics.RecordTokens(r.name, out.Usage.InputTokens, out.Usage.OutputTokens)
	if out.Usage.InputTokens > 0 || out.Usage.OutputTokens > 0 {
		x.emit(emit.MsgReasoning, map[string]interface{}{
			"model":      out.Model,
			"tokens_in":  out.Usage.InputTokens,
			"tokens_out": out.Usage.OutputTokens,
			"tool_calls": len(out.ToolCalls),
		})
	}
}

// ToModelMessages converts the log into provider-neutral chat messages.
//
// Tool calls that never received a ToolResult are dropped, and Assistant
// messages left with neither text nor calls are skipped, so every backend
// accepts the history.
func ToModelMessages(state State) []model.Message {
	answered := make(map[string]bool)
	for _, m := range state.msgs {
		if m.Role == RoleTool {
			answered[m.CallID] = true
		}
	}

	out := make([]model.Message, 0, len(state.msgs))
	for _, m := range state.msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, model.Message{Role: model.RoleSystem, Content: m.Content})
		case RoleHuman:
			out = append(out, model.Message{Role: model.RoleUser, Content: m.Content})
		case RoleAssistant:
			var calls []model.ToolCall
			for _, c := range m.ToolCalls {
				if !answered[c.ID] {
					continue
				}
				calls = append(calls, model.ToolCall{ID: c.ID, Name: c.Name, Input: cloneArgs(c.Arguments)})
			}
			if m.Content == "" && len(calls) == 0 {
				continue
			}
			out = append(out, model.Message{Role: model.RoleAssistant, Content: m.Content, ToolCalls: calls})
		case RoleTool:
			out = append(out, model.Message{
				Role:       model.RoleTool,
				Content:    m.Content,
				ToolCallID: m.CallID,
				Name:       m.Name,
				IsError:    m.IsError,
			})
		}
	}
	return out
}

// toGraphCalls converts model tool calls, assigning fresh IDs where the
// provider left them empty or repeated one.
func toGraphCalls(calls []model.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(calls))
	out := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		id := c.ID
		if id == "" || seen[id] {
			id = "call_" + uuid.NewString()
		}
		seen[id] = true
		out = append(out, ToolCall{ID: id, Name: c.Name, Arguments: cloneArgs(c.Input)})
	}
	return out
}
