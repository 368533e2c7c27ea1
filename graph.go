package weaver

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sentinel node names. StartNode resolves to the graph entry; reaching
// EndNode completes the turn.
const (
	StartNode = "start"
	EndNode   = "end"
)

// NodeFunc is one unit of graph work. It reads the state, does its job, and
// returns a patch; it never mutates the state it was given. Returning a patch
// with an Interrupt set pauses the turn after this node.
type NodeFunc func(ctx context.Context, t *Turn, state *ConversationState) (StatePatch, error)

// Limits are the engine's execution deadlines and loop bounds.
type Limits struct {
	ToolTimeout        time.Duration
	LLMTimeout         time.Duration
	TurnTimeout        time.Duration
	MaxAgentIterations int
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{
		ToolTimeout:        60 * time.Second,
		LLMTimeout:         120 * time.Second,
		TurnTimeout:        600 * time.Second,
		MaxAgentIterations: 10,
	}
}

// Runtime bundles the capabilities nodes execute against. One Runtime serves
// all threads; per-turn state lives in Turn.
type Runtime struct {
	Provider     Provider
	Registry     *Registry
	Bus          *Bus
	Checkpointer Checkpointer
	Context      *ContextManager
	Router       *Router
	Research     *ResearchEngine
	Search       SearchClient
	Limits       Limits
	Logger       *slog.Logger
	Tracer       Tracer
}

func (rt *Runtime) logger() *slog.Logger {
	if rt.Logger == nil {
		return nopLogger
	}
	return rt.Logger
}

// Turn is one execution of the graph on a thread. It carries the cancel flag
// the controller flips and the emit shorthand nodes use.
type Turn struct {
	*Runtime
	ThreadID string

	cancelled atomic.Bool
}

// NewTurn prepares a turn for a thread.
func (rt *Runtime) NewTurn(threadID string) *Turn {
	return &Turn{Runtime: rt, ThreadID: threadID}
}

// Cancel requests the turn to stop. Monotonic: once set it stays set. The
// graph honors it at node boundaries; nodes poll it inside long loops.
func (t *Turn) Cancel() { t.cancelled.Store(true) }

// Cancelled reports whether cancellation was requested, either via Cancel or
// via ctx.
func (t *Turn) Cancelled(ctx context.Context) bool {
	return t.cancelled.Load() || ctx.Err() != nil
}

// Emit publishes an event on this turn's thread.
func (t *Turn) Emit(typ EventType, data any) uint64 {
	return t.Bus.Emit(t.ThreadID, typ, data)
}

// Graph is a directed execution plan: named nodes joined by static or
// conditional edges. Build it once at startup; Run it per turn.
type Graph struct {
	nodes map[string]NodeFunc
	edges map[string]string
	conds map[string]func(*ConversationState) string
	entry string
}

func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]NodeFunc),
		edges: make(map[string]string),
		conds: make(map[string]func(*ConversationState) string),
	}
}

// AddNode registers a node. The first node added becomes the entry unless
// SetEntry overrides it.
func (g *Graph) AddNode(name string, fn NodeFunc) *Graph {
	if g.entry == "" {
		g.entry = name
	}
	g.nodes[name] = fn
	return g
}

// SetEntry picks the node StartNode resolves to.
func (g *Graph) SetEntry(name string) *Graph {
	g.entry = name
	return g
}

// AddEdge wires an unconditional transition.
func (g *Graph) AddEdge(from, to string) *Graph {
	g.edges[from] = to
	return g
}

// AddConditionalEdge wires a transition picked from the state after the node
// runs. The picker returns the next node name or EndNode.
func (g *Graph) AddConditionalEdge(from string, pick func(*ConversationState) string) *Graph {
	g.conds[from] = pick
	return g
}

// Validate checks the graph is runnable: an entry exists, every edge target
// is a known node or EndNode, every node has some way out.
func (g *Graph) Validate() error {
	if g.entry == "" {
		return ErrValidation{Field: "graph", Reason: "no entry node"}
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return ErrValidation{Field: "graph", Reason: "entry node " + g.entry + " not registered"}
	}
	for from, to := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return ErrValidation{Field: "graph", Reason: "edge from unknown node " + from}
		}
		if to != EndNode {
			if _, ok := g.nodes[to]; !ok {
				return ErrValidation{Field: "graph", Reason: "edge to unknown node " + to}
			}
		}
	}
	for name := range g.nodes {
		_, hasEdge := g.edges[name]
		_, hasCond := g.conds[name]
		if !hasEdge && !hasCond {
			return ErrValidation{Field: "graph", Reason: "node " + name + " has no outgoing edge"}
		}
	}
	return nil
}

func (g *Graph) next(from string, state *ConversationState) (string, error) {
	if pick, ok := g.conds[from]; ok {
		to := pick(state)
		if to == EndNode {
			return EndNode, nil
		}
		if _, ok := g.nodes[to]; !ok {
			return "", fmt.Errorf("node %s routed to unknown node %s", from, to)
		}
		return to, nil
	}
	if to, ok := g.edges[from]; ok {
		return to, nil
	}
	return "", fmt.Errorf("node %s has no outgoing edge", from)
}

// Run executes the graph for one turn. It returns nil both on completion and
// on interrupt; after an interrupt state.PendingInterrupt is set and the turn
// can be continued later with Resume. State is checkpointed after every node.
func (g *Graph) Run(ctx context.Context, t *Turn, state *ConversationState) error {
	return g.run(ctx, t, state)
}

// Resume continues an interrupted turn from its checkpointed node, feeding
// the external decision in through the state.
func (g *Graph) Resume(ctx context.Context, t *Turn, state *ConversationState, res Resumption) error {
	if state.PendingInterrupt == nil {
		return ErrValidation{Field: "thread", Reason: "no pending interrupt"}
	}
	if res.InterruptID != "" && res.InterruptID != state.PendingInterrupt.ID {
		return ErrValidation{Field: "interrupt_id", Reason: "does not match pending interrupt"}
	}
	if res.Approved && len(res.ToolCalls) == 0 {
		res.ToolCalls = state.PendingInterrupt.ToolCalls
	}
	state.PendingInterrupt = nil
	state.Resume = &res
	return g.run(ctx, t, state)
}

func (g *Graph) run(ctx context.Context, t *Turn, state *ConversationState) error {
	if t.Limits.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Limits.TurnTimeout)
		defer cancel()
	}
	node := state.Node
	if node == "" || node == StartNode {
		node = g.entry
	}
	log := t.logger().With("thread", t.ThreadID)

	for {
		if t.Cancelled(ctx) {
			return g.abort(ctx, t, state, node, ErrCancelled)
		}
		fn, ok := g.nodes[node]
		if !ok {
			return g.abort(ctx, t, state, node, fmt.Errorf("unknown node %s", node))
		}

		state.Node = node
		t.Emit(EventStatus, map[string]any{"node": node, "state": "running"})
		nodeCtx, span := startSpan(ctx, t.Tracer, "node."+node, StringAttr("thread", t.ThreadID))
		started := time.Now()

		patch, err := fn(nodeCtx, t, state)
		if err != nil {
			span.RecordError(err)
			span.End()
			return g.abort(ctx, t, state, node, err)
		}
		span.End()
		log.Debug("node complete", "node", node, "duration", time.Since(started))

		state.Apply(patch)

		if state.PendingInterrupt != nil {
			if state.PendingInterrupt.ID == "" {
				state.PendingInterrupt.ID = NewID()
			}
			state.PendingInterrupt.Node = node
			state.Node = node // resume re-enters the interrupted node
			g.checkpoint(ctx, t, state)
			t.Emit(EventInterrupt, state.PendingInterrupt)
			log.Info("turn interrupted", "node", node, "reason", state.PendingInterrupt.Reason)
			return nil
		}

		next, err := g.next(node, state)
		if err != nil {
			return g.abort(ctx, t, state, node, err)
		}
		state.Node = next
		g.checkpoint(ctx, t, state)

		if next == EndNode {
			t.Emit(EventDone, map[string]any{
				"usage":    state.Usage,
				"warnings": state.Warnings,
			})
			return nil
		}
		node = next
	}
}

// abort ends a turn on error: classify, emit, checkpoint what we have.
func (g *Graph) abort(ctx context.Context, t *Turn, state *ConversationState, node string, err error) error {
	kind := Kind(err)
	if t.Cancelled(ctx) && kind != KindCancelled {
		// a node failing because its ctx was cancelled reports as cancelled
		kind = KindCancelled
	}
	t.Emit(EventError, map[string]any{
		"kind":    string(kind),
		"node":    node,
		"message": err.Error(),
	})
	t.logger().Error("turn aborted", "thread", t.ThreadID, "node", node, "kind", kind, "error", err)
	// best effort; the original error wins
	g.checkpoint(context.WithoutCancel(ctx), t, state)
	if kind == KindCancelled {
		return ErrCancelled
	}
	return err
}

func (g *Graph) checkpoint(ctx context.Context, t *Turn, state *ConversationState) {
	if t.Checkpointer == nil {
		return
	}
	state.Step++
	snap, err := state.Snapshot()
	if err != nil {
		t.logger().Error("checkpoint snapshot failed", "thread", t.ThreadID, "error", err)
		return
	}
	cp := Checkpoint{
		ThreadID:  t.ThreadID,
		Seq:       state.Step,
		Node:      state.Node,
		Snapshot:  snap,
		CreatedAt: NowUnix(),
	}
	if err := t.Checkpointer.Put(ctx, cp); err != nil {
		t.logger().Error("checkpoint write failed", "thread", t.ThreadID, "seq", cp.Seq, "error", err)
	}
}
