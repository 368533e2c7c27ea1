package weaver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const maxParallelDispatch = 4

const agentSystemPrompt = `You are a capable assistant with access to tools.
Use tools when they get you better answers; answer directly when they don't.
Think step by step, keep tool usage purposeful, and give a complete final answer.`

const webAnswerPrompt = `Answer the user's question using the numbered web results below.
Cite results you rely on with [n] markers. If the results don't cover the
question, say so and answer from general knowledge.`

// NewChatGraph builds the standard turn graph:
//
//	route ──► direct ─────────────► end
//	      ├─► web ────────────────► end
//	      ├─► agent ──────────────► end
//	      └─► deep ──┬────────────► end
//	                 └─(ultra)───► agent
func NewChatGraph() *Graph {
	g := NewGraph()
	g.AddNode("route", routeNode)
	g.AddNode("direct", directNode)
	g.AddNode("web", webNode)
	g.AddNode("agent", agentNode)
	g.AddNode("deep", deepNode)
	g.SetEntry("route")

	g.AddConditionalEdge("route", func(s *ConversationState) string {
		switch s.EffectiveMode() {
		case ModeWeb:
			return "web"
		case ModeAgent:
			return "agent"
		case ModeDeep, ModeUltra:
			return "deep"
		default:
			return "direct"
		}
	})
	g.AddEdge("direct", EndNode)
	g.AddEdge("web", EndNode)
	g.AddEdge("agent", EndNode)
	g.AddConditionalEdge("deep", func(s *ConversationState) string {
		if s.EffectiveMode() == ModeUltra {
			return "agent"
		}
		return EndNode
	})
	return g
}

// routeNode decides the execution mode. Idempotent: a resumed turn that
// already carries a decision keeps it.
func routeNode(ctx context.Context, t *Turn, state *ConversationState) (StatePatch, error) {
	if state.Route != nil {
		return StatePatch{}, nil
	}
	dec := t.Router.Route(ctx, state)
	t.logger().Info("routed", "thread", t.ThreadID, "mode", dec.Mode, "confidence", dec.Confidence)
	return StatePatch{Route: &dec}, nil
}

// llmHistory is the message view sent to the provider: a system prompt
// first, then the conversation.
func llmHistory(state *ConversationState, system string) []ChatMessage {
	if len(state.Messages) > 0 && state.Messages[0].Role == "system" {
		return state.Messages
	}
	msgs := make([]ChatMessage, 0, len(state.Messages)+1)
	msgs = append(msgs, SystemMessage(system))
	return append(msgs, state.Messages...)
}

// streamChat streams a completion, emitting text events as deltas arrive.
func streamChat(ctx context.Context, t *Turn, req ChatRequest) (ChatResponse, error) {
	if t.Limits.LLMTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Limits.LLMTimeout)
		defer cancel()
	}
	ch := make(chan Delta, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for d := range ch {
			if d.Type == DeltaText && d.Text != "" {
				t.Emit(EventText, map[string]any{"text": d.Text})
			}
		}
	}()
	resp, err := t.Provider.ChatStream(ctx, req, ch)
	close(ch)
	<-done
	return resp, err
}

// emitFitWarnings announces truncation on the stream the moment it happens;
// the same warnings also ride along in the terminal done event.
func emitFitWarnings(t *Turn, warns []string) {
	for _, w := range warns {
		t.Emit(EventStatus, map[string]any{"text": w})
	}
}

// directNode answers from the model alone.
func directNode(ctx context.Context, t *Turn, state *ConversationState) (StatePatch, error) {
	msgs, warns := t.Context.Fit(llmHistory(state, agentSystemPrompt))
	emitFitWarnings(t, warns)
	resp, err := streamChat(ctx, t, ChatRequest{Messages: msgs})
	if err != nil {
		return StatePatch{}, err
	}
	reply := AssistantMessage(resp.Content)
	t.Emit(EventMessage, reply)
	return StatePatch{
		Messages: []ChatMessage{reply},
		Warnings: warns,
		Usage:    &resp.Usage,
	}, nil
}

// webNode does one search pass and answers from the results. A failed search
// degrades to a direct answer with a warning rather than failing the turn.
func webNode(ctx context.Context, t *Turn, state *ConversationState) (StatePatch, error) {
	user, ok := state.LastUserMessage()
	if !ok {
		return StatePatch{}, ErrValidation{Field: "messages", Reason: "no user message to search for"}
	}

	var warns []string
	var block strings.Builder
	if t.Search == nil {
		warns = append(warns, "web_search_unavailable")
	} else {
		hits, err := t.Search.Search(ctx, user.Content, 5)
		t.Emit(EventSearch, map[string]any{"query": user.Content, "results": len(hits)})
		if err != nil {
			t.logger().Warn("web search failed", "thread", t.ThreadID, "error", err)
			warns = append(warns, "web_search_failed")
		}
		for i, h := range hits {
			fmt.Fprintf(&block, "[%d] %s (%s)\n%s\n\n", i+1, h.Title, h.URL, h.Snippet)
		}
	}

	msgs := llmHistory(state, agentSystemPrompt)
	if block.Len() > 0 {
		prompt := webAnswerPrompt + "\n\nWeb results:\n" + block.String()
		msgs = append(msgs[:len(msgs):len(msgs)], SystemMessage(prompt))
	}
	fitted, fitWarns := t.Context.Fit(msgs)
	emitFitWarnings(t, fitWarns)
	warns = append(warns, fitWarns...)

	resp, err := streamChat(ctx, t, ChatRequest{Messages: fitted})
	if err != nil {
		return StatePatch{}, err
	}
	reply := AssistantMessage(resp.Content)
	t.Emit(EventMessage, reply)
	return StatePatch{
		Messages: []ChatMessage{reply},
		Warnings: warns,
		Usage:    &resp.Usage,
	}, nil
}

// agentNode runs the iterative tool loop. Tools flagged RequiresApproval
// interrupt the turn; the resumed turn lands back here and consumes the
// approval decision from the state.
func agentNode(ctx context.Context, t *Turn, state *ConversationState) (StatePatch, error) {
	var patch StatePatch
	usage := &Usage{}
	patch.Usage = usage
	msgs := llmHistory(state, agentSystemPrompt)

	// approval decision from a resumed interrupt is consumed exactly once
	if res := state.Resume; res != nil {
		patch.ClearResume = true
		var results []ChatMessage
		if res.Approved {
			results = t.dispatchTools(ctx, res.ToolCalls)
		} else {
			for _, call := range interruptedCalls(state, res) {
				t.Emit(EventToolError, map[string]any{
					"id": call.ID, "name": call.Name, "error": "denied by user",
				})
				results = append(results, ToolResultMessage(call.ID, "Tool call denied by the user."))
			}
		}
		patch.Messages = append(patch.Messages, results...)
		msgs = append(msgs, results...)
	}

	for iter := 0; iter < t.Limits.MaxAgentIterations; iter++ {
		if t.Cancelled(ctx) {
			return patch, ErrCancelled
		}
		fitted, warns := t.Context.Fit(msgs)
		emitFitWarnings(t, warns)
		patch.Warnings = append(patch.Warnings, warns...)

		llmCtx := ctx
		if t.Limits.LLMTimeout > 0 {
			var cancel context.CancelFunc
			llmCtx, cancel = context.WithTimeout(ctx, t.Limits.LLMTimeout)
			defer cancel()
		}
		resp, err := t.Provider.ChatWithTools(llmCtx, ChatRequest{Messages: fitted}, t.Registry.Definitions(state.EnabledTools))
		if err != nil {
			return patch, err
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens

		if len(resp.ToolCalls) == 0 {
			reply := AssistantMessage(resp.Content)
			t.Emit(EventMessage, reply)
			patch.Messages = append(patch.Messages, reply)
			return patch, nil
		}

		call := AssistantMessage(resp.Content)
		call.ToolCalls = resp.ToolCalls
		patch.Messages = append(patch.Messages, call)
		msgs = append(msgs, call)

		if needsApproval(t.Registry, resp.ToolCalls) {
			patch.Interrupt = &Interrupt{
				Reason:    "tool_approval",
				ToolCalls: resp.ToolCalls,
			}
			return patch, nil
		}

		results := t.dispatchTools(ctx, resp.ToolCalls)
		patch.Messages = append(patch.Messages, results...)
		msgs = append(msgs, results...)
	}

	// loop budget exhausted: close out with a plain completion
	patch.Warnings = append(patch.Warnings, "agent_iterations_exhausted")
	fitted, warns := t.Context.Fit(append(msgs, SystemMessage("Tool budget exhausted. Give your best final answer now without calling tools.")))
	emitFitWarnings(t, warns)
	patch.Warnings = append(patch.Warnings, warns...)
	resp, err := t.Provider.Chat(ctx, ChatRequest{Messages: fitted})
	if err != nil {
		return patch, err
	}
	usage.InputTokens += resp.Usage.InputTokens
	usage.OutputTokens += resp.Usage.OutputTokens
	reply := AssistantMessage(resp.Content)
	t.Emit(EventMessage, reply)
	patch.Messages = append(patch.Messages, reply)
	return patch, nil
}

// interruptedCalls recovers the calls a denial refers to: the resumption's
// own list when present, otherwise the dangling assistant tool calls.
func interruptedCalls(state *ConversationState, res *Resumption) []ToolCall {
	if len(res.ToolCalls) > 0 {
		return res.ToolCalls
	}
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if len(state.Messages[i].ToolCalls) > 0 {
			return state.Messages[i].ToolCalls
		}
	}
	return nil
}

func needsApproval(reg *Registry, calls []ToolCall) bool {
	for _, call := range calls {
		if d, ok := reg.Get(call.Name); ok && d.RequiresApproval {
			return true
		}
	}
	return false
}

// dispatchTools executes tool calls with bounded parallelism. Every call
// produces exactly one tool result message, failures included, so the
// call/result pairing stays intact.
func (t *Turn) dispatchTools(ctx context.Context, calls []ToolCall) []ChatMessage {
	results := make([]ChatMessage, len(calls))
	sem := semaphore.NewWeighted(maxParallelDispatch)
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				results[i] = ToolResultMessage(call.ID, "Cancelled before execution.")
				return nil
			}
			defer sem.Release(1)
			results[i] = t.runTool(gctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// runTool executes one call end to end: validate, invoke with the tool
// deadline, stream progress, and report the outcome on the event stream.
// Failures come back as tool result content for the LLM, never as turn
// errors.
func (t *Turn) runTool(ctx context.Context, call ToolCall) ChatMessage {
	t.Emit(EventToolStart, map[string]any{
		"id":   call.ID,
		"name": call.Name,
		"args": json.RawMessage(call.Args),
	})
	started := time.Now()

	fail := func(err error) ChatMessage {
		t.Emit(EventToolError, map[string]any{
			"id":    call.ID,
			"name":  call.Name,
			"kind":  string(Kind(err)),
			"error": err.Error(),
		})
		t.logger().Warn("tool failed", "thread", t.ThreadID, "tool", call.Name, "error", err)
		return ToolResultMessage(call.ID, "Error: "+err.Error())
	}

	desc, ok := t.Registry.Get(call.Name)
	if !ok {
		return fail(ErrNotFound{What: "tool", Key: call.Name})
	}
	args, err := t.Registry.ValidateArgs(call.Name, call.Args)
	if err != nil {
		return fail(err)
	}

	toolCtx := ctx
	var cancel context.CancelFunc
	if t.Limits.ToolTimeout > 0 {
		toolCtx, cancel = context.WithTimeout(ctx, t.Limits.ToolTimeout)
		defer cancel()
	}

	var res ToolResult
	if sh, streaming := desc.Handler.(StreamingToolHandler); streaming {
		progress := make(chan ToolProgress, 16)
		progressDone := make(chan struct{})
		go func() {
			defer close(progressDone)
			for p := range progress {
				if p.Screenshot != "" {
					t.Emit(EventToolScreenshot, map[string]any{
						"id": call.ID, "name": call.Name, "screenshot": p.Screenshot,
					})
					continue
				}
				t.Emit(EventToolProgress, map[string]any{
					"id": call.ID, "name": call.Name, "message": p.Message, "percent": p.Percent,
				})
			}
		}()
		res, err = sh.InvokeStream(toolCtx, args, progress)
		close(progress)
		<-progressDone
	} else {
		res, err = desc.Handler.Invoke(toolCtx, args)
	}
	elapsed := time.Since(started)

	switch {
	case err != nil && toolCtx.Err() != nil && ctx.Err() == nil:
		return fail(ErrTimeout{Op: "tool " + call.Name, Limit: t.Limits.ToolTimeout})
	case err != nil:
		return fail(ErrTool{Tool: call.Name, Err: err})
	case res.Error != "":
		return fail(ErrTool{Tool: call.Name, Err: fmt.Errorf("%s", res.Error)})
	}

	t.Emit(EventToolResult, map[string]any{
		"id":          call.ID,
		"name":        call.Name,
		"content":     truncateStr(res.Content, 2000),
		"metadata":    res.Metadata,
		"duration_ms": elapsed.Milliseconds(),
	})
	return ToolResultMessage(call.ID, res.Content)
}

// deepNode runs the research engine and delivers the report as message and
// artifacts. In ultra mode the graph continues into the agent loop with the
// report on record.
func deepNode(ctx context.Context, t *Turn, state *ConversationState) (StatePatch, error) {
	user, ok := state.LastUserMessage()
	if !ok {
		return StatePatch{}, ErrValidation{Field: "messages", Reason: "no user message to research"}
	}
	if t.Research == nil {
		return StatePatch{}, ErrValidation{Field: "research", Reason: "research engine not configured"}
	}

	st, err := t.Research.Run(ctx, t, user.Content, state.Research)
	if err != nil {
		return StatePatch{Research: st}, err
	}

	var patch StatePatch
	patch.Research = st
	patch.Warnings = append(patch.Warnings, st.Warnings...)

	if bad := AuditCitations(st.Report, st.Sources); len(bad) > 0 {
		patch.Warnings = append(patch.Warnings, fmt.Sprintf("unresolved_citations:%v", bad))
	}

	md := Artifact{
		ID:      NewID(),
		Type:    ArtifactReport,
		Title:   "Research report",
		Content: st.Report,
		MIME:    "text/markdown",
	}
	patch.Artifacts = append(patch.Artifacts, md)
	t.Emit(EventArtifact, md)

	if html, err := RenderReportHTML(st.Report); err == nil {
		rendered := Artifact{
			ID:      NewID(),
			Type:    ArtifactReport,
			Title:   "Research report (HTML)",
			Content: html,
			MIME:    "text/html",
		}
		patch.Artifacts = append(patch.Artifacts, rendered)
		t.Emit(EventArtifact, rendered)
	}

	reply := AssistantMessage(st.Report)
	t.Emit(EventMessage, reply)
	patch.Messages = append(patch.Messages, reply)
	return patch, nil
}
