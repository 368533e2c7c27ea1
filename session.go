package weaver

import "context"

// ThreadInfo summarizes a stored conversation thread.
type ThreadInfo struct {
	ThreadID  string `json:"thread_id"`
	Title     string `json:"title,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
	Messages  int    `json:"messages"`
}

// SessionStore persists conversation history independently of checkpoints:
// checkpoints capture execution state for resumption, the session store keeps
// the durable chat record the UI lists and reloads.
type SessionStore interface {
	SaveMessage(ctx context.Context, threadID string, msg ChatMessage) error
	Messages(ctx context.Context, threadID string, limit int) ([]ChatMessage, error)
	Threads(ctx context.Context) ([]ThreadInfo, error)
	Close() error
}
