package weaver

import "encoding/json"

// --- LLM protocol types ---

// ChatMessage is a single message in a conversation.
// Every "tool" message carries the ToolCallID of the assistant tool call it
// answers; assistant messages with ToolCalls are not final until the matching
// tool messages have been appended.
type ChatMessage struct {
	Role       string      `json:"role"` // "system", "user", "assistant", "tool"
	Content    string      `json:"content"`
	Images     []ImageData `json:"images,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	CreatedAt  int64       `json:"created_at,omitempty"`
}

// ImageData is inline multimodal content attached to a user message.
type ImageData struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

// ToolCall is a tool invocation requested by the LLM.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ChatRequest is the input to a Provider call.
type ChatRequest struct {
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// ChatResponse is the complete output of a Provider call.
type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        Usage      `json:"usage"`
}

// Usage tracks token consumption for a single LLM call or a whole turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolDefinition is the wire-level tool contract sent to the LLM.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- Artifacts ---

// ArtifactType classifies a structured output surfaced alongside the
// assistant message.
type ArtifactType string

const (
	ArtifactReport ArtifactType = "report"
	ArtifactCode   ArtifactType = "code"
	ArtifactChart  ArtifactType = "chart"
	ArtifactData   ArtifactType = "data"
)

// Artifact is a structured output produced during a turn. Artifacts are
// created once, never mutated, and are unique by ID within a turn.
type Artifact struct {
	ID      string       `json:"id"`
	Type    ArtifactType `json:"type"`
	Title   string       `json:"title"`
	Content string       `json:"content"` // text or base64
	MIME    string       `json:"mime,omitempty"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text, CreatedAt: NowUnix()}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text, CreatedAt: NowUnix()}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text, CreatedAt: NowUnix()}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID, CreatedAt: NowUnix()}
}
