package openaicompat

import (
	"encoding/json"

	weaver "github.com/weaverai/weaver"
)

// ParseResponse converts an OpenAI-format ChatResponse to a weaver
// ChatResponse, taking content, tool calls and usage from choices[0].
func ParseResponse(resp ChatResponse) (weaver.ChatResponse, error) {
	var out weaver.ChatResponse
	if len(resp.Choices) == 0 {
		return out, nil
	}
	choice := resp.Choices[0]
	out.FinishReason = choice.FinishReason
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}
	if resp.Usage != nil {
		out.Usage = weaver.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to weaver ToolCalls.
// function.arguments arrives as a JSON string; invalid JSON degrades to {} so
// schema validation rejects it with a clear error instead of a parse panic.
func ParseToolCalls(tcs []ToolCallRequest) []weaver.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]weaver.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, weaver.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
