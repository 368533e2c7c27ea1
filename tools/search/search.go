// Package search provides a Brave Search backed web search client and a
// matching web_search tool descriptor.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	weaver "github.com/weaverai/weaver"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// Client performs web searches via the Brave Search API.
type Client struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

var _ weaver.SearchClient = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client (10s timeout).
func WithHTTPClient(c *http.Client) ClientOption {
	return func(t *Client) {
		if c != nil {
			t.httpClient = c
		}
	}
}

// New creates a search Client. Requires a Brave API key.
func New(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		endpoint:   braveEndpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Search queries Brave and returns up to count results.
func (c *Client) Search(ctx context.Context, query string, count int) ([]weaver.SearchResult, error) {
	if count <= 0 {
		count = 5
	}
	u := fmt.Sprintf("%s?q=%s&count=%d", c.endpoint, url.QueryEscape(query), count)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, weaver.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
	}

	var data struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
				PageAge     string `json:"page_age"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("brave parse: %w", err)
	}

	results := make([]weaver.SearchResult, 0, len(data.Web.Results))
	for i, r := range data.Web.Results {
		results = append(results, weaver.SearchResult{
			Title:     r.Title,
			URL:       r.URL,
			Snippet:   r.Description,
			Published: parsePageAge(r.PageAge),
			// Brave returns results by relevance; keep that ordering as
			// a decaying score so downstream ranking is stable.
			Score: 1.0 - float64(i)*0.05,
		})
	}
	return results, nil
}

// parsePageAge converts Brave's page_age timestamp ("2024-01-15T08:00:00")
// to unix seconds. Returns 0 when absent or unparseable.
func parsePageAge(s string) int64 {
	if s == "" {
		return 0
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix()
		}
	}
	return 0
}

// Descriptor returns the web_search tool for registry registration. The tool
// formats results as a numbered list with source URLs.
func (c *Client) Descriptor() weaver.ToolDescriptor {
	return weaver.ToolDescriptor{
		Name:        "web_search",
		Description: "Search the web for current/real-time information. Use for recent events, news, prices, weather, or anything that requires up-to-date data.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query optimized for search engines"},"count":{"type":"integer","description":"Number of results to return (default 5, max 20)","minimum":1,"maximum":20}},"required":["query"]}`),
		Category:    "web",
		Handler: weaver.ToolHandlerFunc(func(ctx context.Context, args json.RawMessage) (weaver.ToolResult, error) {
			var params struct {
				Query string `json:"query"`
				Count int    `json:"count"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return weaver.ToolResult{Error: "invalid args: " + err.Error()}, nil
			}
			results, err := c.Search(ctx, params.Query, params.Count)
			if err != nil {
				return weaver.ToolResult{Error: err.Error()}, nil
			}
			if len(results) == 0 {
				return weaver.ToolResult{Content: fmt.Sprintf("No results found for %q.", params.Query)}, nil
			}
			return weaver.ToolResult{
				Content:  formatResults(results),
				Metadata: map[string]any{"result_count": len(results)},
			}, nil
		}),
	}
}

func formatResults(results []weaver.SearchResult) string {
	var out strings.Builder
	for i, r := range results {
		fmt.Fprintf(&out, "[%d] %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return strings.TrimRight(out.String(), "\n")
}
