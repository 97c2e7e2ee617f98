// Package model defines the Reasoning Port: the chat-completion capability
// reasoning nodes call, plus adapters for OpenAI, Anthropic and Google.
package model

import "context"

// ChatModel is the Reasoning Port.
//
// Given the conversation so far and the tools the caller is willing to run,
// a ChatModel returns either text, a set of tool-call requests, or both.
// Implementations must respect ctx cancellation and be safe for concurrent
// use: parallel branches share one model.
//
// Example:
//
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleSystem, Content: "You are a stock analyst."},
//	    {Role: model.RoleUser, Content: "How is AAPL trending?"},
//	}, []model.ToolSpec{{
//	    Name:        "get_historical_prices",
//	    Description: "Daily OHLCV prices for a ticker",
//	    Schema: map[string]interface{}{
//	        "type":       "object",
//	        "properties": map[string]interface{}{"ticker": map[string]interface{}{"type": "string"}},
//	        "required":   []string{"ticker"},
//	    },
//	}})
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Standard role constants for chat conversations.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// RoleTool carries the result of a tool call back to the model.
	// ToolCallID names the call it answers.
	RoleTool = "tool"
)

// Message is a single provider-neutral chat message.
type Message struct {
	// Role is one of the Role* constants.
	Role string

	// Content is the message text. May be empty on assistant messages that
	// only request tools.
	Content string

	// ToolCalls are the tool requests made by an assistant message.
	ToolCalls []ToolCall

	// ToolCallID links a RoleTool message to the request it answers.
	ToolCallID string

	// Name is the tool name on RoleTool messages.
	Name string

	// IsError marks a RoleTool message describing a failed call.
	IsError bool
}

// ToolSpec describes a tool the model may call. Schema is a JSON Schema
// object describing the arguments; nil means no arguments.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ToolCall is a model's request to invoke a tool.
type ToolCall struct {
	// ID correlates the call with its result. Adapters fill it from the
	// provider response; providers without call IDs get a generated one.
	ID string

	// Name must match a ToolSpec.Name.
	Name string

	// Input holds the decoded arguments.
	Input map[string]interface{}
}

// RawArgumentsKey holds the undecoded argument string when a provider
// returns tool arguments that are not valid JSON. Consumers repair or
// reject it.
const RawArgumentsKey = "__raw_arguments"

// Usage reports token consumption for one Chat call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ChatOut is the result of one Chat call.
type ChatOut struct {
	// Text is the generated response. May be empty when the model only
	// requests tools.
	Text string

	// ToolCalls lists the requested tool invocations in provider order.
	ToolCalls []ToolCall

	// Usage is the token usage reported by the provider, zero if unknown.
	Usage Usage

	// Model names the model that served the request.
	Model string
}
