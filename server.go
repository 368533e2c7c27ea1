package weaver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

const sseKeepaliveInterval = 15 * time.Second

// ChatInput is the POST /api/chat request body.
type ChatInput struct {
	ThreadID     string        `json:"thread_id,omitempty"`
	Messages     []ChatMessage `json:"messages"`
	Stream       *bool         `json:"stream,omitempty"`
	SearchMode   SearchMode    `json:"search_mode,omitempty"`
	Model        string        `json:"model,omitempty"`
	AgentProfile *AgentProfile `json:"agent_profile,omitempty"`
	Images       []ImageData   `json:"images,omitempty"`
}

// AgentProfile selects which registered tools the turn may call.
type AgentProfile struct {
	EnabledTools map[string]bool `json:"enabled_tools,omitempty"`
}

// ResumeInput is the POST /api/interrupt/resume request body.
type ResumeInput struct {
	ThreadID    string          `json:"thread_id"`
	InterruptID string          `json:"interrupt_id,omitempty"`
	Approved    bool            `json:"approved"`
	ToolCalls   []ToolCall      `json:"tool_calls,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ServerOption configures a Server.
type ServerOption func(*Server)

func ServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func ServerSessions(store SessionStore) ServerOption {
	return func(s *Server) { s.sessions = store }
}

// Server is the HTTP facade of the engine: it owns turn lifecycles, pipes
// thread events out as SSE, and exposes cancel, resume and checkpoint
// management.
type Server struct {
	rt       *Runtime
	graph    *Graph
	sessions SessionStore
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*activeTurn
}

type activeTurn struct {
	turn   *Turn
	cancel context.CancelFunc
}

func NewServer(rt *Runtime, graph *Graph, opts ...ServerOption) *Server {
	s := &Server{
		rt:     rt,
		graph:  graph,
		logger: nopLogger,
		active: make(map[string]*activeTurn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the API router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/chat", s.handleChat)
	r.Post("/api/chat/cancel/{threadID}", s.handleCancel)
	r.Get("/api/events/{threadID}", s.handleEvents)
	r.Post("/api/interrupt/resume", s.handleResume)
	r.Get("/api/sessions", s.handleSessions)
	r.Get("/api/sessions/{threadID}/messages", s.handleMessages)
	r.Get("/api/sessions/{threadID}/versions", s.handleVersions)
	r.Post("/api/sessions/{threadID}/versions", s.handleCreateVersion)
	r.Post("/api/sessions/{threadID}/restore/{versionID}", s.handleRestore)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

// handleChat starts a turn and streams its events back as SSE. A client
// disconnect mid-stream cancels the turn; a finished thread can be replayed
// via /api/events.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var in ChatInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, ErrValidation{Field: "body", Reason: err.Error()})
		return
	}
	if len(in.Messages) == 0 {
		writeError(w, http.StatusBadRequest, ErrValidation{Field: "messages", Reason: "empty"})
		return
	}
	last := in.Messages[len(in.Messages)-1]
	if last.Role != "user" {
		writeError(w, http.StatusBadRequest, ErrValidation{Field: "messages", Reason: "last message must be from the user"})
		return
	}
	if last.Content == "" {
		writeError(w, http.StatusBadRequest, ErrValidation{Field: "messages", Reason: "last user message empty"})
		return
	}
	if in.SearchMode != "" && !in.SearchMode.valid() {
		writeError(w, http.StatusBadRequest, ErrValidation{Field: "search_mode", Reason: "unknown mode " + string(in.SearchMode)})
		return
	}
	threadID := in.ThreadID
	if threadID == "" {
		threadID = NewID()
	}

	state, err := s.loadState(r.Context(), threadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if state.PendingInterrupt != nil {
		writeError(w, http.StatusConflict, ErrValidation{Field: "thread_id", Reason: "interrupt pending; resolve it via /api/interrupt/resume"})
		return
	}

	incoming := append([]ChatMessage(nil), in.Messages...)
	incoming[len(incoming)-1].Images = in.Images
	state.Messages = append(state.Messages, incoming...)
	state.SearchMode = in.SearchMode
	state.Route = nil // every turn re-routes
	if in.Model != "" {
		state.Model = in.Model
	}
	if in.AgentProfile != nil && in.AgentProfile.EnabledTools != nil {
		state.EnabledTools = in.AgentProfile.EnabledTools
	}
	for _, msg := range incoming {
		s.saveMessage(threadID, msg)
	}

	sub, started := s.startTurn(threadID, state, func(ctx context.Context, t *Turn) error {
		return s.graph.Run(ctx, t, state)
	})
	if !started {
		writeError(w, http.StatusConflict, ErrValidation{Field: "thread_id", Reason: "turn already running"})
		return
	}

	if in.Stream != nil && !*in.Stream {
		sub.Close()
		w.Header().Set("X-Thread-ID", threadID)
		writeJSON(w, http.StatusAccepted, map[string]string{"thread_id": threadID, "status": "started"})
		return
	}
	defer sub.Close()

	w.Header().Set("X-Thread-ID", threadID)
	s.streamSSE(w, r, sub, true)
	if r.Context().Err() != nil {
		// client went away mid-turn; stop the work
		s.cancelTurn(threadID)
	}
}

// startTurn registers the turn, subscribes to its events from the current
// position, and launches graph execution in the background.
func (s *Server) startTurn(threadID string, state *ConversationState, run func(context.Context, *Turn) error) (*Subscription, bool) {
	s.mu.Lock()
	if _, busy := s.active[threadID]; busy {
		s.mu.Unlock()
		return nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := s.rt.NewTurn(threadID)
	s.active[threadID] = &activeTurn{turn: t, cancel: cancel}
	s.mu.Unlock()

	sub := s.rt.Bus.Subscribe(threadID, s.rt.Bus.LastSeq(threadID))

	go func() {
		defer cancel()
		start := time.Now()
		err := run(ctx, t)
		s.mu.Lock()
		delete(s.active, threadID)
		s.mu.Unlock()
		s.persistOutcome(threadID, state)
		if err != nil {
			s.logger.Error("turn ended with error", "thread", threadID, "kind", Kind(err), "error", err, "duration", time.Since(start))
			return
		}
		s.logger.Info("turn complete", "thread", threadID, "duration", time.Since(start))
	}()
	return sub, true
}

// persistOutcome writes the turn's new assistant and tool messages to the
// session store.
func (s *Server) persistOutcome(threadID string, state *ConversationState) {
	if s.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stored, err := s.sessions.Messages(ctx, threadID, 0)
	if err != nil {
		s.logger.Error("session read failed", "thread", threadID, "error", err)
		return
	}
	for _, msg := range state.Messages[min(len(stored), len(state.Messages)):] {
		if err := s.sessions.SaveMessage(ctx, threadID, msg); err != nil {
			s.logger.Error("session write failed", "thread", threadID, "error", err)
			return
		}
	}
}

func (s *Server) saveMessage(threadID string, msg ChatMessage) {
	if s.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sessions.SaveMessage(ctx, threadID, msg); err != nil {
		s.logger.Error("session write failed", "thread", threadID, "error", err)
	}
}

// loadState restores a thread's state from its latest checkpoint, falling
// back to session history, then to a fresh state.
func (s *Server) loadState(ctx context.Context, threadID string) (*ConversationState, error) {
	if s.rt.Checkpointer != nil {
		cp, ok, err := s.rt.Checkpointer.Latest(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if ok {
			state, err := RestoreState(cp.Snapshot)
			if err != nil {
				return nil, err
			}
			state.Node = ""
			return state, nil
		}
	}
	state := &ConversationState{ThreadID: threadID}
	if s.sessions != nil {
		msgs, err := s.sessions.Messages(ctx, threadID, 0)
		if err == nil {
			state.Messages = msgs
		}
	}
	return state, nil
}

// handleCancel requests a running turn to stop. The engine honors it at the
// next node boundary or loop check. Idempotent: cancelling an idle thread is
// accepted and does nothing.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	if s.cancelTurn(threadID) {
		s.logger.Info("cancel requested", "thread", threadID)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"thread_id": threadID, "status": "cancelling"})
}

// cancelTurn flags the thread's running turn as cancelled, reporting whether
// one was active.
func (s *Server) cancelTurn(threadID string) bool {
	s.mu.Lock()
	at, ok := s.active[threadID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	at.turn.Cancel()
	at.cancel()
	return true
}

// handleEvents attaches to a thread's event stream. Last-Event-ID replays
// missed events from the ring buffer.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	var afterSeq uint64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrValidation{Field: "Last-Event-ID", Reason: "not a sequence number"})
			return
		}
		afterSeq = n
	}
	sub := s.rt.Bus.Subscribe(threadID, afterSeq)
	defer sub.Close()
	s.streamSSE(w, r, sub, false)
}

// streamSSE pipes a subscription to the client with periodic keepalives.
// When untilTerminal is set the stream ends at the turn's done or error
// event; otherwise it runs until the client disconnects.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, sub *Subscription, untilTerminal bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if err := writeSSEEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if untilTerminal && ev.Terminal() {
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		data = []byte(`{"error":"event serialization failed"}`)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

// handleResume continues an interrupted turn with the caller's decision.
// Execution resumes in the background; events flow on the thread stream.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var in ResumeInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, ErrValidation{Field: "body", Reason: err.Error()})
		return
	}
	if in.ThreadID == "" {
		writeError(w, http.StatusBadRequest, ErrValidation{Field: "thread_id", Reason: "required"})
		return
	}
	state, err := s.loadInterrupted(r.Context(), in.ThreadID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	res := Resumption{
		InterruptID: in.InterruptID,
		Approved:    in.Approved,
		ToolCalls:   in.ToolCalls,
		Payload:     in.Payload,
	}
	_, started := s.startTurn(in.ThreadID, state, func(ctx context.Context, t *Turn) error {
		return s.graph.Resume(ctx, t, state, res)
	})
	if !started {
		writeError(w, http.StatusConflict, ErrValidation{Field: "thread_id", Reason: "turn already running"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"thread_id": in.ThreadID, "status": "resuming"})
}

func (s *Server) loadInterrupted(ctx context.Context, threadID string) (*ConversationState, error) {
	if s.rt.Checkpointer == nil {
		return nil, ErrValidation{Field: "checkpointer", Reason: "persistence disabled; nothing to resume"}
	}
	cp, ok, err := s.rt.Checkpointer.Latest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound{What: "thread", Key: threadID}
	}
	state, err := RestoreState(cp.Snapshot)
	if err != nil {
		return nil, err
	}
	if state.PendingInterrupt == nil {
		return nil, ErrValidation{Field: "thread_id", Reason: "no pending interrupt"}
	}
	return state, nil
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeJSON(w, http.StatusOK, []ThreadInfo{})
		return
	}
	threads, err := s.sessions.Threads(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if threads == nil {
		threads = []ThreadInfo{}
	}
	writeJSON(w, http.StatusOK, threads)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeJSON(w, http.StatusOK, []ChatMessage{})
		return
	}
	msgs, err := s.sessions.Messages(r.Context(), chi.URLParam(r, "threadID"), 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if msgs == nil {
		msgs = []ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	if s.rt.Checkpointer == nil {
		writeJSON(w, http.StatusOK, []CheckpointInfo{})
		return
	}
	infos, err := s.rt.Checkpointer.List(r.Context(), chi.URLParam(r, "threadID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if infos == nil {
		infos = []CheckpointInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleCreateVersion checkpoints the thread's current state as a new
// version on demand, outside the automatic per-node checkpoints.
func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	if s.rt.Checkpointer == nil {
		writeError(w, http.StatusConflict, ErrValidation{Field: "checkpointer", Reason: "persistence disabled"})
		return
	}
	threadID := chi.URLParam(r, "threadID")
	s.mu.Lock()
	_, busy := s.active[threadID]
	s.mu.Unlock()
	if busy {
		writeError(w, http.StatusConflict, ErrValidation{Field: "thread_id", Reason: "turn running"})
		return
	}
	latest, ok, err := s.rt.Checkpointer.Latest(r.Context(), threadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, ErrNotFound{What: "thread", Key: threadID})
		return
	}
	state, err := RestoreState(latest.Snapshot)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	state.Step = latest.Seq + 1
	snap, err := state.Snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	next := Checkpoint{
		ThreadID:  threadID,
		Seq:       state.Step,
		Node:      latest.Node,
		Snapshot:  snap,
		CreatedAt: NowUnix(),
	}
	if err := s.rt.Checkpointer.Put(r.Context(), next); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("version created", "thread", threadID, "seq", next.Seq)
	writeJSON(w, http.StatusCreated, CheckpointInfo{Seq: next.Seq, Node: next.Node, CreatedAt: next.CreatedAt})
}

// handleRestore makes an older checkpoint the thread's current state by
// re-checkpointing its snapshot on top of the history.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if s.rt.Checkpointer == nil {
		writeError(w, http.StatusConflict, ErrValidation{Field: "checkpointer", Reason: "persistence disabled"})
		return
	}
	threadID := chi.URLParam(r, "threadID")
	seq, err := strconv.ParseUint(chi.URLParam(r, "versionID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrValidation{Field: "version_id", Reason: "not a sequence number"})
		return
	}
	s.mu.Lock()
	_, busy := s.active[threadID]
	s.mu.Unlock()
	if busy {
		writeError(w, http.StatusConflict, ErrValidation{Field: "thread_id", Reason: "turn running"})
		return
	}
	cp, err := s.rt.Checkpointer.Get(r.Context(), threadID, seq)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	state, err := RestoreState(cp.Snapshot)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	latest, _, err := s.rt.Checkpointer.Latest(r.Context(), threadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	state.Step = latest.Seq + 1
	snap, err := state.Snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	next := Checkpoint{
		ThreadID:  threadID,
		Seq:       state.Step,
		Node:      cp.Node,
		Snapshot:  snap,
		CreatedAt: NowUnix(),
	}
	if err := s.rt.Checkpointer.Put(r.Context(), next); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("checkpoint restored", "thread", threadID, "from_seq", seq, "as_seq", next.Seq)
	writeJSON(w, http.StatusOK, CheckpointInfo{Seq: next.Seq, Node: next.Node, CreatedAt: next.CreatedAt})
}

func statusFor(err error) int {
	var nf ErrNotFound
	if errors.As(err, &nf) {
		return http.StatusNotFound
	}
	switch Kind(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(Kind(err)),
	})
}
