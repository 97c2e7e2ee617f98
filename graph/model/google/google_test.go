package google

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"

	"github.com/dshills/marketgraph/graph/model"
)

type fakeGenerator struct {
	responses []*genai.GenerateContentResponse
	errs      []error
	requests  []request
}

func (f *fakeGenerator) generate(_ context.Context, req request) (*genai.GenerateContentResponse, error) {
	i := len(f.requests)
	f.requests = append(f.requests, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.responses[i], nil
}

func newTestModel(f *fakeGenerator) *ChatModel {
	return &ChatModel{
		modelName: DefaultModel,
		client:    f,
		retry:     model.RetryConfig{MaxRetries: 1, Delay: time.Millisecond},
	}
}

func textResponse(parts ...genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Role: "model", Parts: parts},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.UsageMetadata{PromptTokenCount: 20, CandidatesTokenCount: 4},
	}
}

func TestChatModel_FunctionCalls(t *testing.T) {
	fake := &fakeGenerator{responses: []*genai.GenerateContentResponse{
		textResponse(
			genai.Text("Fetching."),
			genai.FunctionCall{Name: "get_historical_prices", Args: map[string]any{"ticker": "AMD"}},
		),
	}}

	out, err := newTestModel(fake).Chat(context.Background(), []model.Message{
		{Role: model.RoleSystem, Content: "Be brief."},
		{Role: model.RoleUser, Content: "Analyze AMD"},
	}, []model.ToolSpec{{
		Name: "get_historical_prices",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"ticker":   map[string]interface{}{"type": "string"},
				"interval": map[string]interface{}{"type": "string", "enum": []interface{}{"1d", "1wk"}},
			},
			"required": []interface{}{"ticker"},
		},
	}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if out.Text != "Fetching." {
		t.Errorf("Text = %q", out.Text)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].ID == "" || out.ToolCalls[0].Input["ticker"] != "AMD" {
		t.Errorf("ToolCalls = %+v", out.ToolCalls)
	}
	if out.Usage.InputTokens != 20 || out.Usage.OutputTokens != 4 {
		t.Errorf("Usage = %+v", out.Usage)
	}

	req := fake.requests[0]
	if req.system != "Be brief." {
		t.Errorf("system = %q", req.system)
	}
	if len(req.history) != 0 || len(req.parts) != 1 {
		t.Errorf("history=%d parts=%d", len(req.history), len(req.parts))
	}
	decl := req.tools[0].FunctionDeclarations[0]
	if decl.Parameters.Type != genai.TypeObject || decl.Parameters.Properties["interval"].Enum[1] != "1wk" {
		t.Errorf("schema not converted: %+v", decl.Parameters)
	}
	if len(decl.Parameters.Required) != 1 {
		t.Errorf("required = %v", decl.Parameters.Required)
	}
}

func TestBuildRequest_ToolResultsFormLastTurn(t *testing.T) {
	req, err := buildRequest([]model.Message{
		{Role: model.RoleUser, Content: "go"},
		{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "x", Name: "get_volume_data", Input: map[string]interface{}{"ticker": "AMD"}}}},
		{Role: model.RoleTool, ToolCallID: "x", Name: "get_volume_data", Content: `{"records":[]}`},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(req.history) != 2 {
		t.Fatalf("history = %d", len(req.history))
	}
	resp, ok := req.parts[0].(genai.FunctionResponse)
	if !ok || resp.Name != "get_volume_data" {
		t.Fatalf("last turn = %#v", req.parts)
	}
	if _, ok := resp.Response["records"]; !ok {
		t.Errorf("JSON tool output should be passed as an object: %v", resp.Response)
	}

	if _, err := buildRequest([]model.Message{{Role: model.RoleAssistant, Content: "hi"}}, nil); err == nil {
		t.Error("conversation ending with the model should fail")
	}
}

func TestChatModel_Errors(t *testing.T) {
	t.Run("safety finish reason", func(t *testing.T) {
		fake := &fakeGenerator{responses: []*genai.GenerateContentResponse{{
			Candidates: []*genai.Candidate{{
				FinishReason:  genai.FinishReasonSafety,
				SafetyRatings: []*genai.SafetyRating{{Category: genai.HarmCategoryHarassment, Blocked: true}},
			}},
		}}}
		_, err := newTestModel(fake).Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "x"}}, nil)
		var safety *SafetyFilterError
		if !errors.As(err, &safety) {
			t.Fatalf("expected SafetyFilterError, got %v", err)
		}
	})

	t.Run("rate limit retried", func(t *testing.T) {
		fake := &fakeGenerator{
			errs:      []error{&googleapi.Error{Code: 429, Message: "quota"}, nil},
			responses: []*genai.GenerateContentResponse{nil, textResponse(genai.Text("ok"))},
		}
		out, err := newTestModel(fake).Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "x"}}, nil)
		if err != nil || out.Text != "ok" {
			t.Fatalf("got %+v, %v", out, err)
		}
		if len(fake.requests) != 2 {
			t.Errorf("expected 2 attempts, got %d", len(fake.requests))
		}
	})
}
