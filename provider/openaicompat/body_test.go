package openaicompat

import (
	"encoding/json"
	"testing"

	weaver "github.com/weaverai/weaver"
)

func TestBuildBodyBasicMessages(t *testing.T) {
	body := BuildBody([]weaver.ChatMessage{
		weaver.SystemMessage("be brief"),
		weaver.UserMessage("hello"),
	}, nil, "gpt-test")

	if body.Model != "gpt-test" {
		t.Fatalf("model = %q", body.Model)
	}
	if len(body.Messages) != 2 {
		t.Fatalf("messages = %d", len(body.Messages))
	}
	if body.Messages[0].Role != "system" || body.Messages[0].Content != "be brief" {
		t.Errorf("system message = %+v", body.Messages[0])
	}
	if body.Messages[1].Role != "user" || body.Messages[1].Content != "hello" {
		t.Errorf("user message = %+v", body.Messages[1])
	}
	if body.Tools != nil {
		t.Errorf("tools attached without definitions: %+v", body.Tools)
	}
}

func TestBuildBodyAssistantToolCalls(t *testing.T) {
	msg := weaver.AssistantMessage("")
	msg.ToolCalls = []weaver.ToolCall{
		{ID: "c1", Name: "search", Args: json.RawMessage(`{"q":"go"}`)},
	}
	body := BuildBody([]weaver.ChatMessage{msg}, nil, "m")

	got := body.Messages[0]
	if got.Role != "assistant" {
		t.Fatalf("role = %q", got.Role)
	}
	if got.Content != nil {
		t.Errorf("empty content not omitted: %v", got.Content)
	}
	if len(got.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.ID != "c1" || tc.Type != "function" || tc.Function.Name != "search" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Function.Arguments != `{"q":"go"}` {
		t.Errorf("arguments = %q", tc.Function.Arguments)
	}
}

func TestBuildBodyToolResultMessage(t *testing.T) {
	body := BuildBody([]weaver.ChatMessage{
		weaver.ToolResultMessage("c1", "42 results"),
	}, nil, "m")

	got := body.Messages[0]
	if got.Role != "tool" || got.ToolCallID != "c1" || got.Content != "42 results" {
		t.Errorf("tool message = %+v", got)
	}
}

func TestBuildBodyImagesBecomeDataURIs(t *testing.T) {
	msg := weaver.UserMessage("what is this")
	msg.Images = []weaver.ImageData{{MimeType: "image/png", Base64: "AAAA"}}
	body := BuildBody([]weaver.ChatMessage{msg}, nil, "m")

	blocks, ok := body.Messages[0].Content.([]ContentBlock)
	if !ok {
		t.Fatalf("content type = %T, want blocks", body.Messages[0].Content)
	}
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d", len(blocks))
	}
	if blocks[0].Type != "text" || blocks[0].Text != "what is this" {
		t.Errorf("text block = %+v", blocks[0])
	}
	if blocks[1].Type != "image_url" || blocks[1].ImageURL == nil {
		t.Fatalf("image block = %+v", blocks[1])
	}
	if blocks[1].ImageURL.URL != "data:image/png;base64,AAAA" {
		t.Errorf("image url = %q", blocks[1].ImageURL.URL)
	}
}

func TestBuildToolDefs(t *testing.T) {
	defs := BuildToolDefs([]weaver.ToolDefinition{
		{Name: "search", Description: "web search", Parameters: json.RawMessage(`{"type":"object"}`)},
		{Name: "noop"},
	})
	if len(defs) != 2 {
		t.Fatalf("tools = %d", len(defs))
	}
	if defs[0].Type != "function" || defs[0].Function.Name != "search" {
		t.Errorf("tool = %+v", defs[0])
	}
	if string(defs[1].Function.Parameters) != `{}` {
		t.Errorf("missing parameters = %s, want empty object", defs[1].Function.Parameters)
	}
}

func TestBuildBodyAppliesOptions(t *testing.T) {
	body := BuildBody(nil, nil, "m", WithTemperature(0.2), WithMaxTokens(512), WithStop("END"))
	if body.Temperature == nil || *body.Temperature != 0.2 {
		t.Errorf("temperature = %v", body.Temperature)
	}
	if body.MaxTokens != 512 {
		t.Errorf("max tokens = %d", body.MaxTokens)
	}
	if len(body.Stop) != 1 || body.Stop[0] != "END" {
		t.Errorf("stop = %v", body.Stop)
	}
}
