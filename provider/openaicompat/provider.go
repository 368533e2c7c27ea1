package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	weaver "github.com/weaverai/weaver"
)

// Provider implements weaver.Provider for any OpenAI-compatible API using
// the shared helpers in this package (BuildBody, StreamSSE, ParseResponse).
//
// Cancellation rides on the request context: cancelling ctx closes the HTTP
// response body, so an in-flight stream stops within the transport's read
// granularity, well under the 500 ms bound the engine expects.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1"). The
// /chat/completions path is appended automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via
// WithName).
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req weaver.ChatRequest) (weaver.ChatResponse, error) {
	return p.doRequest(ctx, BuildBody(req.Messages, req.Tools, p.model, p.opts...))
}

// ChatWithTools sends a non-streaming request with tool definitions attached.
func (p *Provider) ChatWithTools(ctx context.Context, req weaver.ChatRequest, tools []weaver.ToolDefinition) (weaver.ChatResponse, error) {
	return p.doRequest(ctx, BuildBody(req.Messages, tools, p.model, p.opts...))
}

// ChatStream streams text deltas into ch and returns the final accumulated
// response. The caller owns ch.
func (p *Provider) ChatStream(ctx context.Context, req weaver.ChatRequest, ch chan<- weaver.Delta) (weaver.ChatResponse, error) {
	body := BuildBody(req.Messages, req.Tools, p.model, p.opts...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return weaver.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return weaver.ChatResponse{}, p.httpErr(resp)
	}
	return StreamSSE(ctx, resp.Body, ch)
}

// doRequest sends a non-streaming request and parses the response.
func (p *Provider) doRequest(ctx context.Context, body ChatRequest) (weaver.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return weaver.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return weaver.ChatResponse{}, p.httpErr(resp)
	}
	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return weaver.ChatResponse{}, weaver.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return ParseResponse(chatResp)
}

// sendHTTP marshals the request body and posts it to the chat completions
// endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, weaver.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}
	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, weaver.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for the retry
// middleware, Retry-After included when present (429/503 responses).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return weaver.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: weaver.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

var _ weaver.Provider = (*Provider)(nil)
