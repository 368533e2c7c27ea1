package weaver

import "context"

// Provider is the LLM capability the engine depends on. Implementations must
// honor ctx cancellation promptly: an in-flight stream stops within 500 ms of
// ctx being cancelled.
type Provider interface {
	// Chat sends a conversation and returns the complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// ChatWithTools sends a conversation plus tool definitions. The response
	// carries either content or tool calls (or both).
	ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error)

	// ChatStream streams deltas into ch as they arrive and returns the merged
	// final response. The provider does not close ch; the caller owns it.
	// Tool-call fragments are accumulated internally and surfaced only as
	// complete calls on the final response, never as partial deltas.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- Delta) (ChatResponse, error)

	// Name identifies the provider for logs and error messages.
	Name() string
}

// DeltaType discriminates streaming fragments.
type DeltaType string

const (
	DeltaText   DeltaType = "text"
	DeltaFinish DeltaType = "finish"
)

// Delta is one streaming fragment from a provider.
type Delta struct {
	Type         DeltaType `json:"type"`
	Text         string    `json:"text,omitempty"`
	FinishReason string    `json:"finish_reason,omitempty"`
}
