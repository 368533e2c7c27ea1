package weaver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolResult is what a tool invocation produced. A non-empty Error marks a
// soft failure that is reported back to the LLM instead of aborting the turn.
type ToolResult struct {
	Content  string         `json:"content"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Duration time.Duration  `json:"-"`
}

// ToolProgress is an intermediate update from a streaming tool.
type ToolProgress struct {
	Message    string `json:"message,omitempty"`
	Percent    int    `json:"percent,omitempty"`
	Screenshot string `json:"screenshot,omitempty"` // base64 PNG, if the tool captures one
}

// ToolHandler executes a tool. Args have already been validated against the
// descriptor's Parameters schema.
type ToolHandler interface {
	Invoke(ctx context.Context, args json.RawMessage) (ToolResult, error)
}

// ToolHandlerFunc adapts a function to ToolHandler.
type ToolHandlerFunc func(ctx context.Context, args json.RawMessage) (ToolResult, error)

func (f ToolHandlerFunc) Invoke(ctx context.Context, args json.RawMessage) (ToolResult, error) {
	return f(ctx, args)
}

// StreamingToolHandler is implemented by tools that report progress while
// running. Progress updates surface as tool_progress (and tool_screenshot)
// events; the dispatcher owns the channel.
type StreamingToolHandler interface {
	ToolHandler
	InvokeStream(ctx context.Context, args json.RawMessage, progress chan<- ToolProgress) (ToolResult, error)
}

// ToolDescriptor declares a tool: contract plus behavior flags. Descriptors
// are plain values; the handler carries the implementation.
type ToolDescriptor struct {
	Name             string
	Description      string
	Parameters       json.RawMessage // JSON Schema for args
	Category         string
	RequiresApproval bool
	Handler          ToolHandler
}

// Definition returns the wire-level contract sent to the LLM.
func (d ToolDescriptor) Definition() ToolDefinition {
	return ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
}

type compiledTool struct {
	desc   ToolDescriptor
	schema *jsonschema.Schema
}

type registrySnapshot struct {
	tools map[string]*compiledTool
	order []string // registration order, stable across List calls
}

// Registry holds the tool catalogue. It has two phases: a mutable build phase
// during startup, and a frozen serving phase where lookups are lock-free.
// Catalogue changes after freeze go through Stage/Commit, which swaps the
// whole snapshot atomically so no in-flight turn ever sees a half-updated
// catalogue.
type Registry struct {
	mu      sync.Mutex
	frozen  bool
	pending []ToolDescriptor
	snap    atomic.Pointer[registrySnapshot]
}

// NewRegistry creates an empty, unfrozen registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&registrySnapshot{tools: map[string]*compiledTool{}})
	return r
}

// Register adds a tool during the build phase. Duplicate names and
// registration after Freeze are errors. The Parameters schema is compiled
// now so malformed schemas fail at startup, not mid-turn.
func (r *Registry) Register(d ToolDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrValidation{Field: d.Name, Reason: "registry is frozen; use Stage"}
	}
	for _, p := range r.pending {
		if p.Name == d.Name {
			return ErrValidation{Field: d.Name, Reason: "duplicate tool name"}
		}
	}
	if _, err := compileTool(d); err != nil {
		return err
	}
	r.pending = append(r.pending, d)
	return nil
}

// Freeze ends the build phase and publishes the catalogue.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return
	}
	snap := &registrySnapshot{tools: make(map[string]*compiledTool, len(r.pending))}
	for _, d := range r.pending {
		ct, _ := compileTool(d) // validated at Register
		snap.tools[d.Name] = ct
		snap.order = append(snap.order, d.Name)
	}
	r.snap.Store(snap)
	r.pending = nil
	r.frozen = true
}

func compileTool(d ToolDescriptor) (*compiledTool, error) {
	if d.Name == "" {
		return nil, ErrValidation{Field: "name", Reason: "empty tool name"}
	}
	if d.Handler == nil {
		return nil, ErrValidation{Field: d.Name, Reason: "nil handler"}
	}
	ct := &compiledTool{desc: d}
	if len(d.Parameters) > 0 {
		c := jsonschema.NewCompiler()
		url := "tool://" + d.Name + "/schema.json"
		if err := c.AddResource(url, bytes.NewReader(d.Parameters)); err != nil {
			return nil, ErrValidation{Field: d.Name, Reason: "bad schema: " + err.Error()}
		}
		schema, err := c.Compile(url)
		if err != nil {
			return nil, ErrValidation{Field: d.Name, Reason: "bad schema: " + err.Error()}
		}
		ct.schema = schema
	}
	return ct, nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (ToolDescriptor, bool) {
	ct, ok := r.snap.Load().tools[name]
	if !ok {
		return ToolDescriptor{}, false
	}
	return ct.desc, true
}

// List returns descriptors in registration order. When enabled is non-nil,
// only tools with enabled[name] == true are included.
func (r *Registry) List(enabled map[string]bool) []ToolDescriptor {
	snap := r.snap.Load()
	out := make([]ToolDescriptor, 0, len(snap.order))
	for _, name := range snap.order {
		if enabled != nil && !enabled[name] {
			continue
		}
		out = append(out, snap.tools[name].desc)
	}
	return out
}

// Definitions returns the LLM-facing contracts for the enabled tools.
func (r *Registry) Definitions(enabled map[string]bool) []ToolDefinition {
	descs := r.List(enabled)
	defs := make([]ToolDefinition, len(descs))
	for i, d := range descs {
		defs[i] = d.Definition()
	}
	return defs
}

// ValidateArgs checks raw args against the tool's schema and returns them
// normalized. Empty args validate as the empty object.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) (json.RawMessage, error) {
	ct, ok := r.snap.Load().tools[name]
	if !ok {
		return nil, ErrNotFound{What: "tool", Key: name}
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, ErrValidation{Field: name, Reason: "args are not valid JSON: " + err.Error()}
	}
	if ct.schema != nil {
		if err := ct.schema.Validate(decoded); err != nil {
			return nil, ErrValidation{Field: name, Reason: fmt.Sprintf("args rejected by schema: %v", err)}
		}
	}
	return args, nil
}

// Staging collects catalogue changes to be applied atomically.
type Staging struct {
	registry *Registry
	base     *registrySnapshot
	adds     []ToolDescriptor
	removes  map[string]bool
}

// Stage begins a catalogue update against the current snapshot.
func (r *Registry) Stage() *Staging {
	return &Staging{
		registry: r,
		base:     r.snap.Load(),
		removes:  make(map[string]bool),
	}
}

// Add stages a tool. Replacing an existing name is allowed; the new
// descriptor wins on Commit.
func (s *Staging) Add(d ToolDescriptor) error {
	if _, err := compileTool(d); err != nil {
		return err
	}
	s.adds = append(s.adds, d)
	return nil
}

// Remove stages a deletion.
func (s *Staging) Remove(name string) {
	s.removes[name] = true
}

// Commit swaps the staged catalogue in. In-flight turns keep the snapshot
// they started with; new lookups see the full update at once. Commit fails
// if the registry changed since Stage.
func (s *Staging) Commit() error {
	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	if s.registry.snap.Load() != s.base {
		return ErrValidation{Reason: "registry changed since staging began"}
	}
	next := &registrySnapshot{tools: make(map[string]*compiledTool, len(s.base.tools)+len(s.adds))}
	replaced := make(map[string]*compiledTool, len(s.adds))
	for _, d := range s.adds {
		ct, err := compileTool(d)
		if err != nil {
			return err
		}
		replaced[d.Name] = ct
	}
	for _, name := range s.base.order {
		if s.removes[name] {
			continue
		}
		if ct, ok := replaced[name]; ok {
			next.tools[name] = ct
			delete(replaced, name)
		} else {
			next.tools[name] = s.base.tools[name]
		}
		next.order = append(next.order, name)
	}
	// brand-new names append in a deterministic order
	newNames := make([]string, 0, len(replaced))
	for name := range replaced {
		newNames = append(newNames, name)
	}
	sort.Strings(newNames)
	for _, name := range newNames {
		next.tools[name] = replaced[name]
		next.order = append(next.order, name)
	}
	s.registry.snap.Store(next)
	return nil
}
