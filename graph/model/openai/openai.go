// Package openai adapts OpenAI Chat Completions to model.ChatModel.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/marketgraph/graph/model"
)

// DefaultModel is used when NewChatModel receives an empty model name.
const DefaultModel = "gpt-4o"

// ChatModel implements model.ChatModel on top of the official openai-go SDK.
//
// Tool specs become function tools, assistant tool calls and tool results
// round-trip through the conversation, and transient failures (rate
// limits, 5xx, network) are retried.
//
// Example usage:
//
//	m := openai.NewChatModel(os.Getenv("OPENAI_API_KEY"), "gpt-4o")
//	out, err := m.Chat(ctx, messages, tools)
type ChatModel struct {
	modelName string
	maxTokens int64
	client    completionsAPI
	retry     model.RetryConfig
}

// completionsAPI is the slice of the SDK the adapter uses. Tests replace it.
type completionsAPI interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Option configures a ChatModel.
type Option func(*ChatModel)

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(m *ChatModel) { m.maxTokens = int64(n) }
}

// WithRetry overrides the retry behaviour.
func WithRetry(cfg model.RetryConfig) Option {
	return func(m *ChatModel) { m.retry = cfg }
}

// NewChatModel creates an OpenAI ChatModel. An empty modelName uses
// DefaultModel.
func NewChatModel(apiKey, modelName string, opts ...Option) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))

	m := &ChatModel{
		modelName: modelName,
		client:    &client.Chat.Completions,
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

	return model.Retry(ctx, "openai", m.retry, func(ctx context.Context) (model.ChatOut, error) {
		completion, err := m.client.New(ctx, params)
		if err != nil {
			return model.ChatOut{}, mapError(err)
		}
		return parseCompletion(completion)
	})
}

func (m *ChatModel) buildParams(messages []model.Message, tools []model.ToolSpec) (openai.ChatCompletionNewParams, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(m.modelName),
	}
	if m.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(m.maxTokens)
	}

	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(msg.Content))
		case model.RoleUser:
			params.Messages = append(params.Messages, openai.UserMessage(msg.Content))
		case model.RoleAssistant:
			params.Messages = append(params.Messages, assistantMessage(msg))
		case model.RoleTool:
			params.Messages = append(params.Messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			return params, fmt.Errorf("openai: unsupported role %q", msg.Role)
		}
	}

	for _, spec := range tools {
		fn := shared.FunctionDefinitionParam{
			Name:       spec.Name,
			Parameters: shared.FunctionParameters(spec.Schema),
		}
		if spec.Description != "" {
			fn.Description = openai.String(spec.Description)
		}
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{Function: fn})
	}
	return params, nil
}

func assistantMessage(msg model.Message) openai.ChatCompletionMessageParamUnion {
	if len(msg.ToolCalls) == 0 {
		return openai.AssistantMessage(msg.Content)
	}

	param := openai.ChatCompletionAssistantMessageParam{}
	if msg.Content != "" {
		param.Content.OfString = openai.String(msg.Content)
	}
	for _, call := range msg.ToolCalls {
		args, err := json.Marshal(call.Input)
		if err != nil || call.Input == nil {
			args = []byte("{}")
		}
		param.ToolCalls = append(param.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: call.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      call.Name,
				Arguments: string(args),
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &param}
}

func parseCompletion(completion *openai.ChatCompletion) (model.ChatOut, error) {
	if completion == nil || len(completion.Choices) == 0 {
		return model.ChatOut{}, errors.New("openai: response has no choices")
	}

	msg := completion.Choices[0].Message
	out := model.ChatOut{
		Text:  msg.Content,
		Model: completion.Model,
		Usage: model.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}

	for _, tc := range msg.ToolCalls {
		input := map[string]interface{}{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				// Malformed arguments are passed through raw; the dispatch
				// node repairs or rejects them.
				input = map[string]interface{}{model.RawArgumentsKey: tc.Function.Arguments}
			}
		}
		id := tc.ID
		if id == "" {
			id = uuid.NewString()
		}
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{ID: id, Name: tc.Function.Name, Input: input})
	}
	return out, nil
}

// mapError tags rate limits so the retry loop backs off.
func mapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return &model.RateLimitError{Provider: "openai", Cause: err}
	}
	return err
}
