package weaver

import "encoding/json"

// SearchMode selects the execution path for a turn.
type SearchMode string

const (
	ModeDirect SearchMode = "direct" // plain LLM response, no tools
	ModeWeb    SearchMode = "web"    // single web search pass, then answer
	ModeAgent  SearchMode = "agent"  // iterative tool loop
	ModeDeep   SearchMode = "deep"   // multi-epoch research
	ModeUltra  SearchMode = "ultra"  // deep research with the tool loop available during synthesis
)

func (m SearchMode) valid() bool {
	switch m {
	case ModeDirect, ModeWeb, ModeAgent, ModeDeep, ModeUltra:
		return true
	}
	return false
}

// RouteDecision is the router's verdict for a turn.
type RouteDecision struct {
	Mode       SearchMode `json:"mode"`
	Confidence float64    `json:"confidence"`
	Rationale  string     `json:"rationale,omitempty"`
	Overridden bool       `json:"overridden,omitempty"` // client forced the mode
}

// Interrupt is a pause request surfaced by a node: the turn stops, state is
// checkpointed, and execution waits for an external decision. It is ordinary
// state data, not control flow.
type Interrupt struct {
	ID        string          `json:"id"`
	Reason    string          `json:"reason"`
	Node      string          `json:"node"`
	ToolCalls []ToolCall      `json:"tool_calls,omitempty"` // calls awaiting approval
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Resumption carries the external decision back into a resumed turn.
type Resumption struct {
	InterruptID string          `json:"interrupt_id"`
	Approved    bool            `json:"approved"`
	ToolCalls   []ToolCall      `json:"tool_calls,omitempty"` // approved calls, possibly edited
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ConversationState is the single state flowing through the graph. Nodes
// never mutate it directly; they return a StatePatch and the runtime merges.
type ConversationState struct {
	ThreadID string        `json:"thread_id"`
	Node     string        `json:"node"` // node about to execute (or executing)
	Step     uint64        `json:"step"` // checkpoint counter, increases per node boundary
	Messages []ChatMessage `json:"messages"`

	SearchMode SearchMode     `json:"search_mode,omitempty"` // client override, if any
	Route      *RouteDecision `json:"route,omitempty"`
	Model      string         `json:"model,omitempty"`

	EnabledTools map[string]bool `json:"enabled_tools,omitempty"`

	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Research  *ResearchState `json:"research,omitempty"`
	Usage     Usage          `json:"usage"`
	Warnings  []string       `json:"warnings,omitempty"`

	PendingInterrupt *Interrupt  `json:"pending_interrupt,omitempty"`
	Resume           *Resumption `json:"resume,omitempty"`
}

// StatePatch is a node's contribution to the state. Messages, Artifacts and
// Warnings are append-only; everything else overwrites when set. A nil or
// zero patch is a no-op.
type StatePatch struct {
	Messages  []ChatMessage
	Artifacts []Artifact
	Warnings  []string

	Route      *RouteDecision
	SearchMode SearchMode
	Research   *ResearchState
	Usage      *Usage // added, not replaced

	Interrupt   *Interrupt
	ClearResume bool
}

// Apply merges a patch. Appended artifacts are deduplicated by ID so a
// resumed node that re-produces its artifact does not double it.
func (s *ConversationState) Apply(p StatePatch) {
	s.Messages = append(s.Messages, p.Messages...)
	for _, a := range p.Artifacts {
		if !s.hasArtifact(a.ID) {
			s.Artifacts = append(s.Artifacts, a)
		}
	}
	s.Warnings = append(s.Warnings, p.Warnings...)
	if p.Route != nil {
		s.Route = p.Route
	}
	if p.SearchMode != "" {
		s.SearchMode = p.SearchMode
	}
	if p.Research != nil {
		s.Research = p.Research
	}
	if p.Usage != nil {
		s.Usage.InputTokens += p.Usage.InputTokens
		s.Usage.OutputTokens += p.Usage.OutputTokens
	}
	if p.Interrupt != nil {
		s.PendingInterrupt = p.Interrupt
	}
	if p.ClearResume {
		s.Resume = nil
	}
}

func (s *ConversationState) hasArtifact(id string) bool {
	for _, a := range s.Artifacts {
		if a.ID == id {
			return true
		}
	}
	return false
}

// LastUserMessage returns the most recent user message, if any.
func (s *ConversationState) LastUserMessage() (ChatMessage, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "user" {
			return s.Messages[i], true
		}
	}
	return ChatMessage{}, false
}

// EffectiveMode returns the mode the turn runs in: explicit override first,
// then the router's decision.
func (s *ConversationState) EffectiveMode() SearchMode {
	if s.SearchMode.valid() {
		return s.SearchMode
	}
	if s.Route != nil && s.Route.Mode.valid() {
		return s.Route.Mode
	}
	return ModeDirect
}

// Snapshot serializes the state for checkpointing.
func (s *ConversationState) Snapshot() (json.RawMessage, error) {
	return json.Marshal(s)
}

// RestoreState deserializes a checkpoint snapshot.
func RestoreState(snapshot json.RawMessage) (*ConversationState, error) {
	var s ConversationState
	if err := json.Unmarshal(snapshot, &s); err != nil {
		return nil, ErrValidation{Field: "snapshot", Reason: err.Error()}
	}
	return &s, nil
}
