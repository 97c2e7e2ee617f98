package market

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/dshills/marketgraph/internal/cache"
)

// DefaultNewsAPIURL is the NewsAPI root.
const DefaultNewsAPIURL = "https://newsapi.org/v2"

// Article is one business headline.
type Article struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Source      string `json:"source,omitempty"`
}

// NewsSource returns recent business headlines.
type NewsSource interface {
	Headlines(ctx context.Context, limit int) ([]Article, error)
}

// NewsAPIClient reads US business top headlines from NewsAPI.
type NewsAPIClient struct {
	baseURL string
	apiKey  string
	fetch   fetcher
}

// NewNewsAPIClient returns a client for baseURL (DefaultNewsAPIURL when
// empty).
func NewNewsAPIClient(baseURL, apiKey string, client *http.Client, c cache.Cache, ttl time.Duration) *NewsAPIClient {
	if baseURL == "" {
		baseURL = DefaultNewsAPIURL
	}
	f := newFetcher("newsapi", client, c, ttl)
	f.secretParam = "apiKey"
	return &NewsAPIClient{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, fetch: f}
}

type newsResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Articles []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		Source      struct {
			Name string `json:"name"`
		} `json:"source"`
	} `json:"articles"`
}

// Headlines implements NewsSource. Articles without a title are dropped and
// HTML descriptions are converted to Markdown.
func (n *NewsAPIClient) Headlines(ctx context.Context, limit int) ([]Article, error) {
	if n.apiKey == "" {
		return nil, fmt.Errorf("newsapi: %w", ErrMissingAPIKey)
	}
	if limit <= 0 {
		limit = 5
	}
	u, err := url.Parse(n.baseURL + "/top-headlines")
	if err != nil {
		return nil, fmt.Errorf("newsapi: %w", err)
	}
	u.RawQuery = url.Values{
		"apiKey":   {n.apiKey},
		"category": {"business"},
		"country":  {"us"},
		"pageSize": {fmt.Sprint(limit)},
	}.Encode()

	var resp newsResponse
	if err := n.fetch.getJSON(ctx, u, &resp); err != nil {
		return nil, err
	}
	if resp.Status == "error" {
		return nil, fmt.Errorf("newsapi: %s", resp.Message)
	}

	out := make([]Article, 0, len(resp.Articles))
	for _, a := range resp.Articles {
		if a.Title == "" {
			continue
		}
		source := a.Source.Name
		if source == "" {
			source = "Unknown"
		}
		out = append(out, Article{
			Title:       a.Title,
			Description: cleanText(a.Description),
			URL:         a.URL,
			Source:      source,
		})
	}
	return out, nil
}

// cleanText renders HTML fragments as Markdown. Plain text passes through.
func cleanText(s string) string {
	s = strings.TrimSpace(s)
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	md, err := htmltomarkdown.ConvertString(s)
	if err != nil {
		return s
	}
	return strings.TrimSpace(md)
}
