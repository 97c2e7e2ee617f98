// Package anthropic adapts the Anthropic Messages API to model.ChatModel.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/marketgraph/graph/model"
)

// DefaultModel is used when NewChatModel receives an empty model name.
const DefaultModel = "claude-3-5-sonnet-20241022"

// defaultMaxTokens is required by the Messages API.
const defaultMaxTokens = 4096

// ChatModel implements model.ChatModel for Claude.
//
// System messages move into the request's system parameter. Assistant tool
// calls become tool_use blocks and tool results become tool_result blocks
// inside a user turn; consecutive messages of the same turn are merged
// because the API requires strictly alternating roles.
//
// Example usage:
//
//	m := anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), "")
//	out, err := m.Chat(ctx, messages, tools)
type ChatModel struct {
	modelName string
	maxTokens int64
	client    messagesAPI
	retry     model.RetryConfig
}

// messagesAPI is the slice of the SDK the adapter uses. Tests replace it.
type messagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Option configures a ChatModel.
type Option func(*ChatModel)

// WithMaxTokens overrides the completion cap.
func WithMaxTokens(n int) Option {
	return func(m *ChatModel) {
		if n > 0 {
			m.maxTokens = int64(n)
		}
	}
}

// WithRetry overrides the retry behaviour.
func WithRetry(cfg model.RetryConfig) Option {
	return func(m *ChatModel) { m.retry = cfg }
}

// NewChatModel creates a Claude ChatModel. An empty modelName uses
// DefaultModel.
func NewChatModel(apiKey, modelName string, opts ...Option) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	m := &ChatModel{
		modelName: modelName,
		maxTokens: defaultMaxTokens,
		client:    &client.Messages,
		retry:     model.DefaultRetryConfig,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	params, err := m.buildParams(messages, tools)
	if err != nil {
		return model.ChatOut{}, err
	}

	return model.Retry(ctx, "anthropic", m.retry, func(ctx context.Context) (model.ChatOut, error) {
		msg, err := m.client.New(ctx, params)
		if err != nil {
			return model.ChatOut{}, mapError(err)
		}
		return parseMessage(msg)
	})
}

func (m *ChatModel) buildParams(messages []model.Message, tools []model.ToolSpec) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.modelName),
		MaxTokens: m.maxTokens,
	}

	var system []string
	var turnRole string
	var blocks []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(blocks) == 0 {
			return
		}
		if turnRole == model.RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(blocks...))
		}
		blocks = nil
	}
	turn := func(role string) {
		if role != turnRole {
			flush()
			turnRole = role
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			system = append(system, msg.Content)
		case model.RoleUser:
			turn(model.RoleUser)
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		case model.RoleTool:
			turn(model.RoleUser)
			blocks = append(blocks, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
		case model.RoleAssistant:
			turn(model.RoleAssistant)
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				input := call.Input
				if input == nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
		default:
			return params, fmt.Errorf("anthropic: unsupported role %q", msg.Role)
		}
	}
	flush()

	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}

	for _, spec := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := spec.Schema["properties"]; ok {
			schema.Properties = props
		}
		schema.Required = requiredFields(spec.Schema)

		tool := anthropic.ToolParam{Name: spec.Name, InputSchema: schema}
		if spec.Description != "" {
			tool.Description = anthropic.String(spec.Description)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return params, nil
}

func requiredFields(schema map[string]interface{}) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func parseMessage(msg *anthropic.Message) (model.ChatOut, error) {
	if msg == nil {
		return model.ChatOut{}, errors.New("anthropic: empty response")
	}

	out := model.ChatOut{
		Model: string(msg.Model),
		Usage: model.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}

	var text []string
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			input := map[string]interface{}{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &input); err != nil {
					input = map[string]interface{}{model.RawArgumentsKey: string(block.Input)}
				}
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{ID: block.ID, Name: block.Name, Input: input})
		}
	}
	out.Text = strings.Join(text, "")
	return out, nil
}

// mapError tags rate limits and overload so the retry loop backs off.
func mapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, 529:
			return &model.RateLimitError{Provider: "anthropic", Cause: err}
		}
	}
	return err
}
