package weaver

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Checkpoint is one persisted state snapshot. Seq increases per thread;
// higher seq means later.
type Checkpoint struct {
	ThreadID  string          `json:"thread_id"`
	Seq       uint64          `json:"seq"`
	Node      string          `json:"node"`
	Snapshot  json.RawMessage `json:"snapshot"`
	CreatedAt int64           `json:"created_at"`
}

// CheckpointInfo is a checkpoint without its payload, for listings.
type CheckpointInfo struct {
	Seq       uint64 `json:"seq"`
	Node      string `json:"node"`
	CreatedAt int64  `json:"created_at"`
}

// Checkpointer persists conversation state at node boundaries so threads
// survive restarts and interrupts can resume. Implementations are safe for
// concurrent use across threads.
type Checkpointer interface {
	// Put stores a snapshot. Seq values per thread are assigned by the caller
	// and strictly increase.
	Put(ctx context.Context, cp Checkpoint) error

	// Latest returns the newest checkpoint for a thread. ok is false when the
	// thread has none.
	Latest(ctx context.Context, threadID string) (cp Checkpoint, ok bool, err error)

	// List returns all checkpoints of a thread, oldest first, payloads
	// omitted.
	List(ctx context.Context, threadID string) ([]CheckpointInfo, error)

	// Get returns the checkpoint with the given seq. ErrNotFound when absent.
	Get(ctx context.Context, threadID string, seq uint64) (Checkpoint, error)
}

// NopCheckpointer discards everything. Used when persistence is disabled;
// interrupts cannot be resumed across restarts with it.
type NopCheckpointer struct{}

var _ Checkpointer = NopCheckpointer{}

func (NopCheckpointer) Put(context.Context, Checkpoint) error { return nil }

func (NopCheckpointer) Latest(context.Context, string) (Checkpoint, bool, error) {
	return Checkpoint{}, false, nil
}

func (NopCheckpointer) List(context.Context, string) ([]CheckpointInfo, error) {
	return nil, nil
}

func (NopCheckpointer) Get(_ context.Context, threadID string, seq uint64) (Checkpoint, error) {
	return Checkpoint{}, ErrNotFound{What: "checkpoint", Key: threadID}
}

// MemoryCheckpointer keeps checkpoints in process memory. Suitable for tests
// and single-process deployments without durability needs.
type MemoryCheckpointer struct {
	mu      sync.RWMutex
	threads map[string][]Checkpoint
}

var _ Checkpointer = (*MemoryCheckpointer)(nil)

func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{threads: make(map[string][]Checkpoint)}
}

func (m *MemoryCheckpointer) Put(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cps := m.threads[cp.ThreadID]
	// replace on equal seq so a re-checkpoint of the same boundary is idempotent
	for i := range cps {
		if cps[i].Seq == cp.Seq {
			cps[i] = cp
			return nil
		}
	}
	cps = append(cps, cp)
	sort.Slice(cps, func(i, j int) bool { return cps[i].Seq < cps[j].Seq })
	m.threads[cp.ThreadID] = cps
	return nil
}

func (m *MemoryCheckpointer) Latest(_ context.Context, threadID string) (Checkpoint, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cps := m.threads[threadID]
	if len(cps) == 0 {
		return Checkpoint{}, false, nil
	}
	return cps[len(cps)-1], true, nil
}

func (m *MemoryCheckpointer) List(_ context.Context, threadID string) ([]CheckpointInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cps := m.threads[threadID]
	infos := make([]CheckpointInfo, len(cps))
	for i, cp := range cps {
		infos[i] = CheckpointInfo{Seq: cp.Seq, Node: cp.Node, CreatedAt: cp.CreatedAt}
	}
	return infos, nil
}

func (m *MemoryCheckpointer) Get(_ context.Context, threadID string, seq uint64) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cp := range m.threads[threadID] {
		if cp.Seq == seq {
			return cp, nil
		}
	}
	return Checkpoint{}, ErrNotFound{What: "checkpoint", Key: threadID}
}
