// Package google adapts the Gemini API to model.ChatModel.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/dshills/marketgraph/graph/model"
)

// DefaultModel is used when NewChatModel receives an empty model name.
const DefaultModel = "gemini-1.5-pro"

// ChatModel implements model.ChatModel for Gemini.
//
// The conversation is replayed as chat history: system messages become the
// system instruction, assistant tool calls become FunctionCall parts and
// tool results become FunctionResponse parts. Gemini does not assign call
// IDs, so the adapter generates them.
//
// Example usage:
//
//	m := google.NewChatModel(os.Getenv("GEMINI_API_KEY"), "")
//	out, err := m.Chat(ctx, messages, tools)
//	var safetyErr *google.SafetyFilterError
//	if errors.As(err, &safetyErr) {
//	    log.Printf("blocked: %s", safetyErr.Category)
//	}
type ChatModel struct {
	modelName string
	maxTokens int32
	client    generator
	retry     model.RetryConfig
}

// request is one provider-shaped chat turn.
type request struct {
	system  string
	history []*genai.Content
	parts   []genai.Part
	tools   []*genai.Tool
}

// generator sends one request. Tests replace it.
type generator interface {
	generate(ctx context.Context, req request) (*genai.GenerateContentResponse, error)
}

// SafetyFilterError reports a response blocked by Gemini's safety filters.
type SafetyFilterError struct {
	Category string
	Reason   string
}

func (e *SafetyFilterError) Error() string {
	return fmt.Sprintf("google: content blocked by safety filter (%s): %s", e.Category, e.Reason)
}

// Option configures a ChatModel.
type Option func(*ChatModel)

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(m *ChatModel) { m.maxTokens = int32(n) }
}

// WithRetry overrides the retry behaviour.
func WithRetry(cfg model.RetryConfig) Option {
	return func(m *ChatModel) { m.retry = cfg }
}

// NewChatModel creates a Gemini ChatModel. An empty modelName uses
// DefaultModel.
func NewChatModel(apiKey, modelName string, opts ...Option) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	m := &ChatModel{
		modelName: modelName,
		retry:     model.DefaultRetryConfig,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.client = &sdkClient{apiKey: apiKey, modelName: modelName, maxTokens: m.maxTokens}
	return m
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	req, err := buildRequest(messages, tools)
	if err != nil {
		return model.ChatOut{}, err
	}

	return model.Retry(ctx, "google", m.retry, func(ctx context.Context) (model.ChatOut, error) {
		resp, err := m.client.generate(ctx, req)
		if err != nil {
			return model.ChatOut{}, mapError(err)
		}
		out, err := parseResponse(resp)
		if err != nil {
			return model.ChatOut{}, err
		}
		out.Model = m.modelName
		return out, nil
	})
}

// sdkClient talks to Gemini through generative-ai-go.
type sdkClient struct {
	apiKey    string
	modelName string
	maxTokens int32
}

func (c *sdkClient) generate(ctx context.Context, req request) (*genai.GenerateContentResponse, error) {
	if c.apiKey == "" {
		return nil, errors.New("google: API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	defer func() { _ = client.Close() }()

	gm := client.GenerativeModel(c.modelName)
	if req.system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.system)}}
	}
	if len(req.tools) > 0 {
		gm.Tools = req.tools
	}
	if c.maxTokens > 0 {
		gm.SetMaxOutputTokens(c.maxTokens)
	}

	cs := gm.StartChat()
	cs.History = req.history
	return cs.SendMessage(ctx, req.parts...)
}

func buildRequest(messages []model.Message, tools []model.ToolSpec) (request, error) {
	var req request
	var system []string
	var contents []*genai.Content

	appendPart := func(role string, part genai.Part) {
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, part)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []genai.Part{part}})
	}

	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			system = append(system, msg.Content)
		case model.RoleUser:
			appendPart("user", genai.Text(msg.Content))
		case model.RoleAssistant:
			if msg.Content != "" {
				appendPart("model", genai.Text(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				appendPart("model", genai.FunctionCall{Name: call.Name, Args: call.Input})
			}
		case model.RoleTool:
			appendPart("user", genai.FunctionResponse{Name: msg.Name, Response: toolResponse(msg)})
		default:
			return req, fmt.Errorf("google: unsupported role %q", msg.Role)
		}
	}

	if len(contents) == 0 || contents[len(contents)-1].Role != "user" {
		return req, errors.New("google: conversation must end with a user turn")
	}
	last := contents[len(contents)-1]
	req.history = contents[:len(contents)-1]
	req.parts = last.Parts
	req.system = strings.Join(system, "\n\n")

	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(tools))
		for _, spec := range tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  convertSchema(spec.Schema),
			})
		}
		req.tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return req, nil
}

// toolResponse wraps a tool result as the object Gemini expects.
func toolResponse(msg model.Message) map[string]any {
	if msg.IsError {
		return map[string]any{"error": msg.Content}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(msg.Content), &obj); err == nil {
		return obj
	}
	return map[string]any{"content": msg.Content}
}

// convertSchema maps a JSON Schema object onto genai.Schema. Unknown types
// become strings.
func convertSchema(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{Type: schemaType(schema["type"])}
	if d, ok := schema["description"].(string); ok {
		out.Description = d
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]interface{}); ok {
				out.Properties[name] = convertSchema(pm)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		out.Items = convertSchema(items)
	}
	out.Required = stringList(schema["required"])
	out.Enum = stringList(schema["enum"])
	return out
}

func schemaType(v interface{}) genai.Type {
	s, _ := v.(string)
	switch s {
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func parseResponse(resp *genai.GenerateContentResponse) (model.ChatOut, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return model.ChatOut{}, errors.New("google: response has no candidates")
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return model.ChatOut{}, safetyError(cand.SafetyRatings, "candidate blocked")
	}

	var out model.ChatOut
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if cand.Content == nil {
		return out, nil
	}

	var text []string
	for _, part := range cand.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text = append(text, string(p))
		case genai.FunctionCall:
			args := p.Args
			if args == nil {
				args = map[string]any{}
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{ID: uuid.NewString(), Name: p.Name, Input: args})
		}
	}
	out.Text = strings.Join(text, "")
	return out, nil
}

func safetyError(ratings []*genai.SafetyRating, reason string) *SafetyFilterError {
	for _, r := range ratings {
		if r != nil && r.Blocked {
			return &SafetyFilterError{Category: r.Category.String(), Reason: reason}
		}
	}
	return &SafetyFilterError{Category: "unspecified", Reason: reason}
}

func mapError(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		if blocked.Candidate != nil {
			return safetyError(blocked.Candidate.SafetyRatings, "response blocked")
		}
		return &SafetyFilterError{Category: "prompt", Reason: err.Error()}
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return &model.RateLimitError{Provider: "google", Cause: err}
	}
	return err
}
