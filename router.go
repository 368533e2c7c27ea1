package weaver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
)

const routeConfidenceFloor = 0.5

const routerPrompt = `Classify the user's request into exactly one execution mode.

Modes:
- direct: answerable from general knowledge, no tools needed
- web: needs one round of current information from the web
- agent: needs tools or multiple steps (files, code, calculations, actions)
- deep: needs thorough multi-source research with a structured report

Reply with only a JSON object:
{"mode": "direct|web|agent|deep", "confidence": 0.0-1.0, "rationale": "one short sentence"}`

// RouterOption configures a Router.
type RouterOption func(*Router)

func RouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

func RouterTracer(t Tracer) RouterOption {
	return func(r *Router) { r.tracer = t }
}

// Router decides the execution mode for a turn: explicit client override
// first, then an LLM classification, then keyword heuristics whenever the
// classification is unavailable or unconvincing. Routing never fails a turn.
type Router struct {
	provider Provider
	logger   *slog.Logger
	tracer   Tracer
}

func NewRouter(p Provider, opts ...RouterOption) *Router {
	r := &Router{provider: p, logger: nopLogger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route classifies the turn. The returned decision always carries a valid
// mode.
func (r *Router) Route(ctx context.Context, state *ConversationState) RouteDecision {
	if state.SearchMode.valid() {
		return RouteDecision{Mode: state.SearchMode, Confidence: 1, Overridden: true}
	}
	user, ok := state.LastUserMessage()
	if !ok {
		return RouteDecision{Mode: ModeDirect, Confidence: 1, Rationale: "no user input"}
	}

	ctx, span := startSpan(ctx, r.tracer, "router.route")
	defer span.End()

	if dec, ok := r.classify(ctx, user.Content); ok && dec.Confidence >= routeConfidenceFloor {
		span.SetAttr(StringAttr("mode", string(dec.Mode)), Float64Attr("confidence", dec.Confidence))
		return dec
	}
	dec := heuristicRoute(user.Content)
	span.SetAttr(StringAttr("mode", string(dec.Mode)), BoolAttr("heuristic", true))
	return dec
}

func (r *Router) classify(ctx context.Context, query string) (RouteDecision, bool) {
	if r.provider == nil {
		return RouteDecision{}, false
	}
	resp, err := r.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
		SystemMessage(routerPrompt),
		UserMessage(query),
	}})
	if err != nil {
		r.logger.Warn("route classification failed, falling back", "error", err)
		return RouteDecision{}, false
	}
	var dec RouteDecision
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &dec); err != nil {
		r.logger.Warn("route classification unparseable", "content", truncateStr(resp.Content, 120))
		return RouteDecision{}, false
	}
	if !dec.Mode.valid() || dec.Mode == ModeUltra {
		return RouteDecision{}, false
	}
	return dec, true
}

// extractJSON pulls a JSON object out of an LLM reply that may wrap it in
// markdown fences or prose.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	if i := strings.IndexByte(s, '{'); i >= 0 {
		if j := strings.LastIndexByte(s, '}'); j > i {
			s = s[i : j+1]
		}
	}
	return strings.TrimSpace(s)
}

var (
	deepMarkers = []string{
		"research", "comprehensive", "in-depth", "in depth", "literature",
		"compare and contrast", "state of the art", "survey", "report on",
		"deep dive", "thorough",
	}
	agentMarkers = []string{
		"```", "stack trace", "refactor", "debug", "fix this", "run ",
		"calculate", "compute", "execute", "write a script", "write code",
		"implement",
	}
	webMarkers = []string{
		"latest", "today", "current", "news", "price", "weather",
		"this week", "this year", "right now", "recently",
	}
)

// heuristicRoute is the deterministic fallback: cheap signals only, biased
// toward direct when nothing matches.
func heuristicRoute(query string) RouteDecision {
	q := strings.ToLower(query)

	if containsURL(query) {
		return RouteDecision{Mode: ModeWeb, Confidence: 0.6, Rationale: "query contains a URL"}
	}
	if countMarkers(q, deepMarkers) >= 2 {
		return RouteDecision{Mode: ModeDeep, Confidence: 0.6, Rationale: "multiple research markers"}
	}
	if countMarkers(q, agentMarkers) >= 1 {
		return RouteDecision{Mode: ModeAgent, Confidence: 0.55, Rationale: "code or action markers"}
	}
	if countMarkers(q, webMarkers) >= 1 {
		return RouteDecision{Mode: ModeWeb, Confidence: 0.55, Rationale: "freshness markers"}
	}
	return RouteDecision{Mode: ModeDirect, Confidence: 0.5, Rationale: "no routing signal"}
}

func countMarkers(q string, markers []string) int {
	n := 0
	for _, m := range markers {
		if strings.Contains(q, m) {
			n++
		}
	}
	return n
}

func containsURL(s string) bool {
	for _, f := range strings.Fields(s) {
		if strings.HasPrefix(f, "http://") || strings.HasPrefix(f, "https://") {
			if u, err := url.Parse(f); err == nil && u.Host != "" {
				return true
			}
		}
	}
	return false
}
