package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	weaver "github.com/weaverai/weaver"
)

// StreamSSE reads an OpenAI SSE stream from body, sends text deltas to ch,
// and returns the fully accumulated response (content + tool calls + usage).
// Tool-call fragments are merged by index and appear only on the final
// response; consumers never see a partial call. The caller owns ch.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- weaver.Delta) (weaver.ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	// large SSE payloads
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder
	var usage weaver.Usage
	finishReason := ""

	// OpenAI streams tool calls incrementally: each fragment carries an
	// index, and arguments arrive as string pieces.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []*partialToolCall

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// skip malformed chunks
			continue
		}

		if len(chunk.Choices) == 0 {
			// usage-only chunk (some providers send this)
			if chunk.Usage != nil {
				usage.InputTokens = chunk.Usage.PromptTokens
				usage.OutputTokens = chunk.Usage.CompletionTokens
			}
			continue
		}

		if fr := chunk.Choices[0].FinishReason; fr != "" {
			finishReason = fr
		}
		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			fullContent.WriteString(delta.Content)
			select {
			case ch <- weaver.Delta{Type: weaver.DeltaText, Text: delta.Content}:
			case <-ctx.Done():
				return weaver.ChatResponse{}, ctx.Err()
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, &partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
			}
		}

		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return weaver.ChatResponse{}, ctx.Err()
		}
		return weaver.ChatResponse{}, err
	}

	var merged []weaver.ToolCall
	for _, tc := range toolCalls {
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		merged = append(merged, weaver.ToolCall{
			ID:   tc.ID,
			Name: tc.Name,
			Args: args,
		})
	}

	select {
	case ch <- weaver.Delta{Type: weaver.DeltaFinish, FinishReason: finishReason}:
	case <-ctx.Done():
		return weaver.ChatResponse{}, ctx.Err()
	}

	return weaver.ChatResponse{
		Content:      fullContent.String(),
		ToolCalls:    merged,
		FinishReason: finishReason,
		Usage:        usage,
	}, nil
}
