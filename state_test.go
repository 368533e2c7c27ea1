package weaver

import (
	"encoding/json"
	"testing"
)

func TestApplyAppendsAndOverwrites(t *testing.T) {
	s := &ConversationState{ThreadID: "t1"}
	s.Apply(StatePatch{
		Messages: []ChatMessage{UserMessage("hi")},
		Warnings: []string{"w1"},
		Route:    &RouteDecision{Mode: ModeWeb, Confidence: 0.9},
		Usage:    &Usage{InputTokens: 10, OutputTokens: 5},
	})
	s.Apply(StatePatch{
		Messages: []ChatMessage{AssistantMessage("hello")},
		Warnings: []string{"w2"},
		Usage:    &Usage{InputTokens: 3, OutputTokens: 2},
	})

	if len(s.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(s.Messages))
	}
	if s.Messages[0].Role != "user" || s.Messages[1].Role != "assistant" {
		t.Fatal("message order not preserved")
	}
	if len(s.Warnings) != 2 {
		t.Fatalf("warnings = %d, want 2", len(s.Warnings))
	}
	if s.Route == nil || s.Route.Mode != ModeWeb {
		t.Fatal("route not applied")
	}
	if s.Usage.InputTokens != 13 || s.Usage.OutputTokens != 7 {
		t.Fatalf("usage = %+v, want accumulated 13/7", s.Usage)
	}
}

func TestApplyDeduplicatesArtifacts(t *testing.T) {
	s := &ConversationState{}
	a := Artifact{ID: "a1", Type: ArtifactReport, Title: "r"}
	s.Apply(StatePatch{Artifacts: []Artifact{a}})
	s.Apply(StatePatch{Artifacts: []Artifact{a, {ID: "a2", Type: ArtifactCode}}})

	if len(s.Artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2 (a1 deduplicated)", len(s.Artifacts))
	}
}

func TestApplyInterruptAndClearResume(t *testing.T) {
	s := &ConversationState{Resume: &Resumption{InterruptID: "i1"}}
	s.Apply(StatePatch{Interrupt: &Interrupt{Reason: "tool_approval"}, ClearResume: true})

	if s.PendingInterrupt == nil || s.PendingInterrupt.Reason != "tool_approval" {
		t.Fatal("interrupt not applied")
	}
	if s.Resume != nil {
		t.Fatal("resume not cleared")
	}
}

func TestApplyEmptyPatchIsNoop(t *testing.T) {
	s := &ConversationState{
		Messages: []ChatMessage{UserMessage("hi")},
		Route:    &RouteDecision{Mode: ModeDirect},
		Usage:    Usage{InputTokens: 1},
	}
	s.Apply(StatePatch{})
	if len(s.Messages) != 1 || s.Route.Mode != ModeDirect || s.Usage.InputTokens != 1 {
		t.Fatal("empty patch changed state")
	}
}

func TestLastUserMessage(t *testing.T) {
	s := &ConversationState{Messages: []ChatMessage{
		SystemMessage("sys"),
		UserMessage("first"),
		AssistantMessage("reply"),
		UserMessage("second"),
		AssistantMessage("reply2"),
	}}
	msg, ok := s.LastUserMessage()
	if !ok || msg.Content != "second" {
		t.Fatalf("LastUserMessage = %q ok=%v, want second", msg.Content, ok)
	}

	empty := &ConversationState{}
	if _, ok := empty.LastUserMessage(); ok {
		t.Fatal("LastUserMessage on empty state reported ok")
	}
}

func TestEffectiveMode(t *testing.T) {
	tests := []struct {
		name  string
		state ConversationState
		want  SearchMode
	}{
		{"default", ConversationState{}, ModeDirect},
		{"override wins", ConversationState{SearchMode: ModeUltra, Route: &RouteDecision{Mode: ModeWeb}}, ModeUltra},
		{"route decision", ConversationState{Route: &RouteDecision{Mode: ModeDeep}}, ModeDeep},
		{"invalid override ignored", ConversationState{SearchMode: "bogus", Route: &RouteDecision{Mode: ModeAgent}}, ModeAgent},
		{"invalid route ignored", ConversationState{Route: &RouteDecision{Mode: "bogus"}}, ModeDirect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.EffectiveMode(); got != tt.want {
				t.Errorf("EffectiveMode = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := &ConversationState{
		ThreadID: "t1",
		Node:     "agent",
		Step:     3,
		Messages: []ChatMessage{UserMessage("hi")},
		PendingInterrupt: &Interrupt{
			ID:        "i1",
			Reason:    "tool_approval",
			Node:      "agent",
			ToolCalls: []ToolCall{{ID: "c1", Name: "echo", Args: json.RawMessage(`{"text":"x"}`)}},
		},
	}
	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	got, err := RestoreState(snap)
	if err != nil {
		t.Fatalf("RestoreState: %v", err)
	}
	if got.ThreadID != "t1" || got.Node != "agent" || got.Step != 3 {
		t.Fatalf("restored header = %s/%s/%d", got.ThreadID, got.Node, got.Step)
	}
	if got.PendingInterrupt == nil || got.PendingInterrupt.ID != "i1" {
		t.Fatal("pending interrupt lost in round trip")
	}
	if len(got.PendingInterrupt.ToolCalls) != 1 || got.PendingInterrupt.ToolCalls[0].Name != "echo" {
		t.Fatal("interrupt tool calls lost in round trip")
	}
}

func TestRestoreStateInvalid(t *testing.T) {
	_, err := RestoreState(json.RawMessage(`{not json`))
	if err == nil {
		t.Fatal("expected error for invalid snapshot")
	}
	if Kind(err) != KindValidation {
		t.Fatalf("Kind = %s, want %s", Kind(err), KindValidation)
	}
}
