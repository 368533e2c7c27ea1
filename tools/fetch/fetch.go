// Package fetch downloads URLs and extracts readable text. HTML pages go
// through readability extraction; PDF responses go through pure-Go PDF text
// extraction. No CGO required.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"

	weaver "github.com/weaverai/weaver"
)

const maxBodyBytes = 4 << 20 // 4MB

// Fetcher downloads URLs and extracts their readable text.
type Fetcher struct {
	client *http.Client
}

var _ weaver.PageFetcher = (*Fetcher)(nil)

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the default HTTP client (15s timeout).
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// New creates a Fetcher with a 15-second timeout.
func New(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client: &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// FetchText downloads rawURL and returns its readable text content.
func (f *Fetcher) FetchText(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; WeaverBot/1.0)")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", weaver.ErrHTTP{Status: resp.StatusCode, Body: fmt.Sprintf("GET %s", rawURL)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	if isPDF(resp.Header.Get("Content-Type"), body) {
		return ExtractPDFText(body)
	}
	return extractHTMLText(rawURL, body), nil
}

func isPDF(contentType string, body []byte) bool {
	if strings.Contains(contentType, "application/pdf") {
		return true
	}
	return bytes.HasPrefix(body, []byte("%PDF-"))
}

// extractHTMLText runs readability extraction with a tag-stripping fallback.
func extractHTMLText(rawURL string, body []byte) string {
	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return strings.TrimSpace(article.TextContent)
	}
	return StripHTML(string(body))
}

// ExtractPDFText extracts plain text from PDF bytes, page by page.
// Unreadable pages are skipped.
func ExtractPDFText(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty PDF content")
	}
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return strings.TrimSpace(text.String()), nil
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	spaceRe  = regexp.MustCompile(`[ \t]+`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
)

// StripHTML removes tags and collapses whitespace. Last-resort extraction
// when readability finds no article content.
func StripHTML(s string) string {
	s = scriptRe.ReplaceAllString(s, " ")
	s = tagRe.ReplaceAllString(s, " ")
	s = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'").Replace(s)
	s = spaceRe.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	s = strings.Join(lines, "\n")
	s = blankRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Descriptor returns the fetch_page tool for registry registration.
func (f *Fetcher) Descriptor() weaver.ToolDescriptor {
	return weaver.ToolDescriptor{
		Name:        "fetch_page",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation, and PDF documents.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
		Category:    "web",
		Handler: weaver.ToolHandlerFunc(func(ctx context.Context, args json.RawMessage) (weaver.ToolResult, error) {
			var params struct {
				URL string `json:"url"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return weaver.ToolResult{Error: "invalid args: " + err.Error()}, nil
			}
			content, err := f.FetchText(ctx, params.URL)
			if err != nil {
				return weaver.ToolResult{Error: err.Error()}, nil
			}
			if len(content) > 8000 {
				content = content[:8000] + "\n... (truncated)"
			}
			return weaver.ToolResult{Content: content}, nil
		}),
	}
}
