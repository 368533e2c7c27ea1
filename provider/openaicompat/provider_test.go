package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	weaver "github.com/weaverai/weaver"
)

func TestProviderChat(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(ChatResponse{
			Choices: []Choice{{
				Message:      &ChoiceMessage{Content: "pong"},
				FinishReason: "stop",
			}},
			Usage: &Usage{PromptTokens: 3, CompletionTokens: 1},
		})
	}))
	defer srv.Close()

	p := NewProvider("test-key", "gpt-test", srv.URL)
	resp, err := p.Chat(context.Background(), weaver.ChatRequest{
		Messages: []weaver.ChatMessage{weaver.UserMessage("ping")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "pong" || resp.FinishReason != "stop" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.InputTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if got.Model != "gpt-test" || got.Stream {
		t.Errorf("request = %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "ping" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestProviderChatWithToolsSendsDefinitions(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(ChatResponse{
			Choices: []Choice{{
				Message: &ChoiceMessage{ToolCalls: []ToolCallRequest{
					{ID: "c1", Function: FunctionCall{Name: "search", Arguments: `{"q":"x"}`}},
				}},
				FinishReason: "tool_calls",
			}},
		})
	}))
	defer srv.Close()

	p := NewProvider("", "m", srv.URL)
	resp, err := p.ChatWithTools(context.Background(), weaver.ChatRequest{
		Messages: []weaver.ChatMessage{weaver.UserMessage("find x")},
	}, []weaver.ToolDefinition{{Name: "search", Parameters: json.RawMessage(`{"type":"object"}`)}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Tools) != 1 || got.Tools[0].Function.Name != "search" {
		t.Errorf("request tools = %+v", got.Tools)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "search" {
		t.Errorf("resp tool calls = %+v", resp.ToolCalls)
	}
}

func TestProviderErrorCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	p := NewProvider("", "m", srv.URL)
	_, err := p.Chat(context.Background(), weaver.ChatRequest{})
	var h weaver.ErrHTTP
	if !errors.As(err, &h) {
		t.Fatalf("err = %v, want ErrHTTP", err)
	}
	if h.Status != http.StatusTooManyRequests || h.RetryAfter != 2*time.Second {
		t.Errorf("ErrHTTP = %+v", h)
	}
	if !weaver.Retryable(err) {
		t.Error("429 with Retry-After not retryable")
	}
}

func TestProviderChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&got)
		if !got.Stream || got.StreamOptions == nil || !got.StreamOptions.IncludeUsage {
			t.Errorf("stream flags = %+v %+v", got.Stream, got.StreamOptions)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`data: {"choices":[{"delta":{"content":"str"}}]}`,
			`data: {"choices":[{"delta":{"content":"eamed"},"finish_reason":"stop"}]}`,
			`data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2}}`,
			`data: [DONE]`,
		} {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	p := NewProvider("", "m", srv.URL)
	ch := make(chan weaver.Delta, 16)
	resp, err := p.ChatStream(context.Background(), weaver.ChatRequest{
		Messages: []weaver.ChatMessage{weaver.UserMessage("go")},
	}, ch)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "streamed" || resp.FinishReason != "stop" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.InputTokens != 5 || resp.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	texts, finish := collectDeltas(ch)
	if len(texts) != 2 || texts[0]+texts[1] != "streamed" {
		t.Errorf("deltas = %v", texts)
	}
	if finish != "stop" {
		t.Errorf("finish = %q", finish)
	}
}

func TestProviderName(t *testing.T) {
	if got := NewProvider("", "m", "http://x").Name(); got != "openai" {
		t.Errorf("default name = %q", got)
	}
	if got := NewProvider("", "m", "http://x", WithName("groq")).Name(); got != "groq" {
		t.Errorf("custom name = %q", got)
	}
}
