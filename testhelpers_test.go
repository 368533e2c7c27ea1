package weaver

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// providerStep is one scripted provider reply.
type providerStep struct {
	resp ChatResponse
	err  error
}

func textStep(content string) providerStep {
	return providerStep{resp: ChatResponse{
		Content:      content,
		FinishReason: "stop",
		Usage:        Usage{InputTokens: 10, OutputTokens: 5},
	}}
}

func toolStep(calls ...ToolCall) providerStep {
	return providerStep{resp: ChatResponse{
		ToolCalls:    calls,
		FinishReason: "tool_calls",
		Usage:        Usage{InputTokens: 10, OutputTokens: 5},
	}}
}

func errStep(err error) providerStep { return providerStep{err: err} }

// scriptedProvider replays queued responses in order across Chat,
// ChatWithTools and ChatStream, recording every request. An exhausted script
// answers with a plain "ok".
type scriptedProvider struct {
	mu       sync.Mutex
	steps    []providerStep
	requests []ChatRequest
}

func newScriptedProvider(steps ...providerStep) *scriptedProvider {
	return &scriptedProvider{steps: steps}
}

func (p *scriptedProvider) next(req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.steps) == 0 {
		return ChatResponse{Content: "ok", FinishReason: "stop"}, nil
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	return step.resp, step.err
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	return p.next(req)
}

func (p *scriptedProvider) ChatWithTools(_ context.Context, req ChatRequest, _ []ToolDefinition) (ChatResponse, error) {
	return p.next(req)
}

func (p *scriptedProvider) ChatStream(_ context.Context, req ChatRequest, ch chan<- Delta) (ChatResponse, error) {
	resp, err := p.next(req)
	if err != nil {
		return ChatResponse{}, err
	}
	if resp.Content != "" {
		ch <- Delta{Type: DeltaText, Text: resp.Content}
	}
	ch <- Delta{Type: DeltaFinish, FinishReason: resp.FinishReason}
	return resp, nil
}

func (p *scriptedProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) lastRequest() ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return ChatRequest{}
	}
	return p.requests[len(p.requests)-1]
}

// fakeSearch is a scripted SearchClient.
type fakeSearch struct {
	mu      sync.Mutex
	hits    []SearchResult
	err     error
	queries []string
}

func (f *fakeSearch) Search(_ context.Context, query string, _ int) ([]SearchResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	return f.hits, f.err
}

// echoDescriptor is a simple tool for agent loop tests.
func echoDescriptor() ToolDescriptor {
	return ToolDescriptor{
		Name:        "echo",
		Description: "echoes its input",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Handler: ToolHandlerFunc(func(_ context.Context, args json.RawMessage) (ToolResult, error) {
			var in struct {
				Text string `json:"text"`
			}
			_ = json.Unmarshal(args, &in)
			return ToolResult{Content: "echo: " + in.Text}, nil
		}),
	}
}

func testRegistry(t *testing.T, descs ...ToolDescriptor) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}
	r.Freeze()
	return r
}

// testManager builds a ContextManager on the codepoint estimator so token
// counts are deterministic regardless of cached encodings.
func testManager(budget int, strategy TruncationStrategy) *ContextManager {
	return &ContextManager{model: "test", budget: budget, strategy: strategy}
}

func testRuntime(p Provider, reg *Registry) *Runtime {
	return &Runtime{
		Provider:     p,
		Registry:     reg,
		Bus:          NewBus(),
		Checkpointer: NewMemoryCheckpointer(),
		Context:      testManager(100000, TruncateSmart),
		Router:       NewRouter(p),
		Limits:       DefaultLimits(),
	}
}

// drainEvents empties a subscription without blocking.
func drainEvents(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsOfType(events []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// waitEvent reads events until one of the wanted type arrives.
func waitEvent(t *testing.T, sub *Subscription, typ EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscription closed before %s event", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}
