package tool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// maxBodySize caps how much of a response HTTPTool reads.
const maxBodySize = 1 << 20

// HTTPTool performs GET or POST requests on behalf of the model.
//
// HTML responses are converted to Markdown so page text fits in the
// conversation; other content types are returned verbatim. Bodies larger
// than 1 MiB are truncated.
//
// Input:
//   - url (required)
//   - method: GET (default) or POST
//   - headers: object of string values
//   - body: request body for POST
//
// Output: status_code, headers, body, truncated.
type HTTPTool struct {
	client *http.Client
}

// NewHTTPTool returns an HTTPTool using client, or a client with a 30s
// timeout when client is nil.
func NewHTTPTool(client *http.Client) *HTTPTool {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTool{client: client}
}

// Name implements Tool.
func (h *HTTPTool) Name() string {
	return "http_request"
}

// Description implements Described.
func (h *HTTPTool) Description() string {
	return "Fetch a web page or call an HTTP API. HTML is returned as Markdown."
}

// Schema implements Described.
func (h *HTTPTool) Schema() Schema {
	return Schema{
		Properties: map[string]Property{
			"url":     {Type: "string", Description: "Absolute http or https URL"},
			"method":  {Type: "string", Enum: []string{"GET", "POST"}, Default: "GET"},
			"headers": {Type: "object", Description: "Request headers"},
			"body":    {Type: "string", Description: "Request body for POST"},
		},
		Required: []string{"url"},
	}
}

// Call implements Tool.
func (h *HTTPTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	urlStr, ok := input["url"].(string)
	if !ok || urlStr == "" {
		return nil, fmt.Errorf("url parameter required (string)")
	}

	method := http.MethodGet
	if m, ok := input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("unsupported HTTP method: %s (supported: GET, POST)", method)
	}

	var body io.Reader
	if bodyStr, ok := input["body"].(string); ok && bodyStr != "" {
		body = bytes.NewBufferString(bodyStr)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if headers, ok := input["headers"].(map[string]interface{}); ok {
		for key, value := range headers {
			if valueStr, ok := value.(string); ok {
				req.Header.Set(key, valueStr)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	truncated := len(raw) > maxBodySize
	if truncated {
		raw = raw[:maxBodySize]
	}

	content := string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		md, err := htmltomarkdown.ConvertString(content)
		if err != nil {
			return nil, fmt.Errorf("failed to convert HTML to Markdown: %w", err)
		}
		content = md
	}

	respHeaders := make(map[string]interface{}, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        content,
		"truncated":   truncated,
	}, nil
}
