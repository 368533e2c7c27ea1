package weaver

// EventType names everything the engine can announce about a turn. The set
// is closed; consumers may switch exhaustively.
type EventType string

const (
	EventStatus         EventType = "status"
	EventText           EventType = "text"
	EventMessage        EventType = "message"
	EventToolStart      EventType = "tool_start"
	EventToolProgress   EventType = "tool_progress"
	EventToolResult     EventType = "tool_result"
	EventToolError      EventType = "tool_error"
	EventToolScreenshot EventType = "tool_screenshot"
	EventArtifact       EventType = "artifact"
	EventInterrupt      EventType = "interrupt"

	EventResearchNodeStart    EventType = "research_node_start"
	EventResearchNodeComplete EventType = "research_node_complete"
	EventResearchTreeUpdate   EventType = "research_tree_update"
	EventSearch               EventType = "search"
	EventQualityUpdate        EventType = "quality_update"

	EventDone  EventType = "done"
	EventError EventType = "error"

	// EventDropped is synthesized for a subscriber whose queue overflowed.
	// It never enters the replay buffer.
	EventDropped EventType = "dropped"
)

// Event is one entry in a thread's ordered stream. Seq is monotonically
// increasing per thread, starting at 1, with no gaps among published events.
type Event struct {
	Seq       uint64    `json:"seq"`
	EventID   string    `json:"event_id"`
	Timestamp int64     `json:"timestamp"`
	Type      EventType `json:"type"`
	Data      any       `json:"data,omitempty"`
}

// Terminal reports whether the event ends a turn.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}
