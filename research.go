package weaver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	searchParallelism    = 5
	summarizeParallelism = 3

	coverageTarget        = 0.8
	citationTarget        = 0.7
	lowFreshnessThreshold = 0.3
)

// SearchResult is one hit from the web search capability.
type SearchResult struct {
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Snippet   string  `json:"snippet"`
	Published int64   `json:"published,omitempty"` // unix seconds, 0 when unknown
	Score     float64 `json:"score,omitempty"`
}

// SearchClient is the web search capability the research engine depends on.
type SearchClient interface {
	Search(ctx context.Context, query string, count int) ([]SearchResult, error)
}

// PageFetcher retrieves readable text for a URL. Optional; when present,
// summaries are grounded in page content rather than snippets alone.
type PageFetcher interface {
	FetchText(ctx context.Context, rawURL string) (string, error)
}

// ResearchCaps bound a research run.
type ResearchCaps struct {
	MaxEpochs           int
	MaxSubQueries       int
	MaxSourcesPerEpoch  int
	FreshnessWindowDays int
}

func DefaultResearchCaps() ResearchCaps {
	return ResearchCaps{
		MaxEpochs:           3,
		MaxSubQueries:       5,
		MaxSourcesPerEpoch:  15,
		FreshnessWindowDays: 30,
	}
}

// Source is one deduplicated research source. ID is its citation number,
// assigned in first-appearance order and never reassigned.
type Source struct {
	ID        int     `json:"id"`
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Canonical string  `json:"canonical"`
	Snippet   string  `json:"snippet,omitempty"`
	Summary   string  `json:"summary,omitempty"`
	Published int64   `json:"published,omitempty"`
	Score     float64 `json:"score,omitempty"`
	Epoch     int     `json:"epoch"`
	Query     string  `json:"query,omitempty"` // sub-query that found it
}

// Quality scores one research epoch. All metrics are in [0,1].
type Quality struct {
	Coverage      float64 `json:"coverage"`
	Citation      float64 `json:"citation"`
	Consistency   float64 `json:"consistency"`
	Freshness     float64 `json:"freshness"`
	QueryCoverage float64 `json:"query_coverage"`
}

// ResearchState is the research engine's slice of the conversation state.
type ResearchState struct {
	Query      string          `json:"query"`
	SubQueries []string        `json:"sub_queries"`
	Unanswered []string        `json:"unanswered,omitempty"`
	Epoch      int             `json:"epoch"`
	MaxEpochs  int             `json:"max_epochs"`
	Sources    []Source        `json:"sources"`
	Seen       map[string]bool `json:"seen"` // canonical URLs already admitted
	Quality    Quality         `json:"quality"`
	Warnings   []string        `json:"warnings,omitempty"`
	Report     string          `json:"report,omitempty"`
}

// ResearchOption configures a ResearchEngine.
type ResearchOption func(*ResearchEngine)

func ResearchLogger(l *slog.Logger) ResearchOption {
	return func(e *ResearchEngine) {
		if l != nil {
			e.logger = l
		}
	}
}

func ResearchTracer(t Tracer) ResearchOption {
	return func(e *ResearchEngine) { e.tracer = t }
}

// ResearchFetcher grounds summaries in fetched page text.
func ResearchFetcher(f PageFetcher) ResearchOption {
	return func(e *ResearchEngine) { e.fetcher = f }
}

// ResearchEngine runs bounded multi-epoch research: decompose the question,
// search in parallel, deduplicate, summarize, score, and decide whether
// another epoch is worth it before synthesizing a cited report.
type ResearchEngine struct {
	provider Provider
	search   SearchClient
	fetcher  PageFetcher
	caps     ResearchCaps
	logger   *slog.Logger
	tracer   Tracer
}

func NewResearchEngine(p Provider, search SearchClient, caps ResearchCaps, opts ...ResearchOption) *ResearchEngine {
	if caps.MaxEpochs <= 0 {
		caps = DefaultResearchCaps()
	}
	e := &ResearchEngine{provider: p, search: search, caps: caps, logger: nopLogger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes research for a query and returns the final state, report
// included. Progress is announced on the turn's event stream. A prior state
// (from an interrupted turn) continues where it left off.
func (e *ResearchEngine) Run(ctx context.Context, t *Turn, query string, prior *ResearchState) (*ResearchState, error) {
	st := prior
	if st == nil {
		st = &ResearchState{
			Query:     query,
			MaxEpochs: e.caps.MaxEpochs,
			Seen:      make(map[string]bool),
		}
	}
	if st.Seen == nil {
		st.Seen = make(map[string]bool)
	}

	ctx, span := startSpan(ctx, e.tracer, "research.run", StringAttr("thread", t.ThreadID))
	defer span.End()

	if len(st.SubQueries) == 0 {
		t.Emit(EventResearchNodeStart, map[string]any{"node": "decompose"})
		st.SubQueries = e.decompose(ctx, query)
		t.Emit(EventResearchNodeComplete, map[string]any{
			"node":        "decompose",
			"sub_queries": st.SubQueries,
		})
	}

	for st.Epoch < st.MaxEpochs {
		if t.Cancelled(ctx) {
			return st, ErrCancelled
		}
		st.Epoch++
		if err := e.runEpoch(ctx, t, st); err != nil {
			return st, err
		}
		t.Emit(EventQualityUpdate, st.Quality)
		e.emitTree(t, st)

		if !e.shouldContinue(st) {
			break
		}
		e.logger.Info("research continuing",
			"thread", t.ThreadID,
			"epoch", st.Epoch,
			"coverage", st.Quality.Coverage,
			"citation", st.Quality.Citation,
			"unanswered", len(st.Unanswered))
	}

	if t.Cancelled(ctx) {
		return st, ErrCancelled
	}
	t.Emit(EventResearchNodeStart, map[string]any{"node": "synthesize"})
	report, err := e.synthesize(ctx, st)
	if err != nil {
		return st, err
	}
	st.Report = report
	t.Emit(EventResearchNodeComplete, map[string]any{"node": "synthesize"})
	span.SetAttr(IntAttr("epochs", st.Epoch), IntAttr("sources", len(st.Sources)))
	return st, nil
}

// shouldContinue applies the continuation rule: more epochs only while under
// the cap and something is still lacking.
func (e *ResearchEngine) shouldContinue(st *ResearchState) bool {
	if st.Epoch >= st.MaxEpochs {
		return false
	}
	return st.Quality.Coverage < coverageTarget ||
		st.Quality.Citation < citationTarget ||
		len(st.Unanswered) > 0
}

func (e *ResearchEngine) runEpoch(ctx context.Context, t *Turn, st *ResearchState) error {
	ctx, span := startSpan(ctx, e.tracer, "research.epoch", IntAttr("epoch", st.Epoch))
	defer span.End()
	t.Emit(EventResearchNodeStart, map[string]any{"node": "search", "epoch": st.Epoch})

	queries := st.SubQueries
	if st.Epoch > 1 && len(st.Unanswered) > 0 {
		queries = st.Unanswered
	}

	candidates, err := e.searchAll(ctx, t, queries)
	if err != nil {
		return err
	}
	admitted := e.admit(st, candidates)
	t.Emit(EventResearchNodeComplete, map[string]any{
		"node":    "search",
		"epoch":   st.Epoch,
		"sources": len(admitted),
	})

	if len(admitted) > 0 {
		t.Emit(EventResearchNodeStart, map[string]any{"node": "summarize", "epoch": st.Epoch})
		if err := e.summarizeAll(ctx, st, admitted); err != nil {
			return err
		}
		t.Emit(EventResearchNodeComplete, map[string]any{"node": "summarize", "epoch": st.Epoch})
	}

	st.Quality = e.evaluate(ctx, st)
	if timeSensitiveQuery(st.Query) && st.Quality.Freshness < lowFreshnessThreshold {
		e.warn(t, st, "low_freshness_for_time_sensitive_query")
	}
	st.Unanswered = e.findUnanswered(ctx, st)
	return nil
}

// warn records a quality warning once per run and announces it on the stream.
func (e *ResearchEngine) warn(t *Turn, st *ResearchState, text string) {
	for _, w := range st.Warnings {
		if w == text {
			return
		}
	}
	st.Warnings = append(st.Warnings, text)
	t.Emit(EventStatus, map[string]any{"text": text})
	e.logger.Warn("research quality warning", "thread", t.ThreadID, "warning", text)
}

// searchAll fans sub-queries out with bounded parallelism. A single failed
// query degrades the epoch instead of failing it; the epoch fails only when
// every query does.
func (e *ResearchEngine) searchAll(ctx context.Context, t *Turn, queries []string) ([]Source, error) {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(searchParallelism)
	results := make([][]Source, len(queries))
	errs := make([]error, len(queries))

	for i, q := range queries {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			hits, err := e.search.Search(gctx, q, e.caps.MaxSourcesPerEpoch)
			if err != nil {
				errs[i] = err
				e.logger.Warn("search query failed", "query", q, "error", err)
				return nil
			}
			t.Emit(EventSearch, map[string]any{"query": q, "results": len(hits)})
			srcs := make([]Source, len(hits))
			for j, h := range hits {
				srcs[j] = Source{
					Title:     h.Title,
					URL:       h.URL,
					Canonical: CanonicalURL(h.URL),
					Snippet:   h.Snippet,
					Published: h.Published,
					Score:     h.Score,
					Query:     q,
				}
			}
			results[i] = srcs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []Source
	failed := 0
	for i := range queries {
		if errs[i] != nil {
			failed++
		}
		all = append(all, results[i]...)
	}
	if failed == len(queries) && len(queries) > 0 {
		return nil, ErrTool{Tool: "web_search", Err: errs[0]}
	}
	return all, nil
}

// admit deduplicates candidates against everything already seen, keeps the
// best by score up to the per-epoch cap, and assigns stable citation IDs in
// admission order.
func (e *ResearchEngine) admit(st *ResearchState, candidates []Source) []Source {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	var admitted []Source
	for _, c := range candidates {
		if len(admitted) >= e.caps.MaxSourcesPerEpoch {
			break
		}
		if c.Canonical == "" || st.Seen[c.Canonical] {
			continue
		}
		st.Seen[c.Canonical] = true
		c.ID = len(st.Sources) + 1
		c.Epoch = st.Epoch
		st.Sources = append(st.Sources, c)
		admitted = append(admitted, c)
	}
	return admitted
}

// summarizeAll produces grounded, citation-bearing summaries with bounded
// parallelism. Summary failures leave the snippet in place.
func (e *ResearchEngine) summarizeAll(ctx context.Context, st *ResearchState, admitted []Source) error {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(summarizeParallelism)
	for _, src := range admitted {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			summary := e.summarize(gctx, st.Query, src)
			for i := range st.Sources {
				if st.Sources[i].ID == src.ID {
					st.Sources[i].Summary = summary
					break
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *ResearchEngine) summarize(ctx context.Context, query string, src Source) string {
	body := src.Snippet
	if e.fetcher != nil {
		if text, err := e.fetcher.FetchText(ctx, src.URL); err == nil && text != "" {
			body = truncateStr(text, 8000)
		}
	}
	prompt := fmt.Sprintf(
		"Summarize what source [%d] contributes to the question below, in at most 5 sentences. "+
			"End every sentence that states a fact with the marker [%d]. "+
			"Use only the source text; say \"not relevant\" if it does not help.\n\n"+
			"Question: %s\n\nSource [%d] %q:\n%s",
		src.ID, src.ID, query, src.ID, src.Title, body)
	resp, err := e.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{UserMessage(prompt)}})
	if err != nil {
		e.logger.Warn("summary failed", "source", src.ID, "error", err)
		return src.Snippet
	}
	return strings.TrimSpace(resp.Content)
}

// evaluate scores the epoch. Coverage, citation, freshness and query coverage
// are computed deterministically; only consistency asks the LLM, falling back
// to a neutral 0.5 when that fails. The continuation rule keys off coverage
// and citation, so those two must never depend on a model judgment.
func (e *ResearchEngine) evaluate(ctx context.Context, st *ResearchState) Quality {
	return Quality{
		Coverage:      coverageScore(st.SubQueries, st.Sources),
		Citation:      citationScore(st.Sources),
		Consistency:   e.judgeConsistency(ctx, st),
		Freshness:     e.freshnessScore(st.Sources),
		QueryCoverage: queryCoverageScore(st.SubQueries, st.Sources),
	}
}

// citationScore is the fraction of summary sentences carrying a [n] marker.
func citationScore(sources []Source) float64 {
	total, cited := 0, 0
	for _, s := range sources {
		if s.Summary == "" {
			continue
		}
		for _, sent := range splitSentences(s.Summary) {
			total++
			if hasCitationMarker(sent) {
				cited++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(cited) / float64(total)
}

func (e *ResearchEngine) freshnessScore(sources []Source) float64 {
	if len(sources) == 0 {
		return 0
	}
	window := time.Duration(e.caps.FreshnessWindowDays) * 24 * time.Hour
	cutoff := time.Now().Add(-window).Unix()
	score := 0.0
	for _, s := range sources {
		switch {
		case s.Published == 0:
			score += 0.5 // unknown date counts half
		case s.Published >= cutoff:
			score++
		}
	}
	return score / float64(len(sources))
}

// coverageScore is the fraction of sub-queries that admitted at least one
// source.
func coverageScore(subQueries []string, sources []Source) float64 {
	if len(subQueries) == 0 {
		return 0
	}
	hit := make(map[string]bool)
	for _, s := range sources {
		hit[s.Query] = true
	}
	n := 0
	for _, q := range subQueries {
		if hit[q] {
			n++
		}
	}
	return float64(n) / float64(len(subQueries))
}

// queryCoverageScore is the fraction of sub-queries whose source summaries
// actually mention the sub-query's key terms. A sub-query with no key terms
// counts as covered when any of its sources has a summary.
func queryCoverageScore(subQueries []string, sources []Source) float64 {
	if len(subQueries) == 0 {
		return 0
	}
	summaries := make(map[string][]string)
	for _, s := range sources {
		if s.Summary != "" {
			summaries[s.Query] = append(summaries[s.Query], strings.ToLower(s.Summary))
		}
	}
	covered := 0
	for _, q := range subQueries {
		if mentionsKeyTerms(q, summaries[q]) {
			covered++
		}
	}
	return float64(covered) / float64(len(subQueries))
}

// mentionsKeyTerms reports whether the summaries mention at least half of the
// query's key terms.
func mentionsKeyTerms(query string, summaries []string) bool {
	if len(summaries) == 0 {
		return false
	}
	terms := keyTerms(query)
	if len(terms) == 0 {
		return true
	}
	joined := strings.Join(summaries, " ")
	found := 0
	for _, term := range terms {
		if strings.Contains(joined, term) {
			found++
		}
	}
	return found*2 >= len(terms)
}

// stopTerms are words too common to count as key terms of a query.
var stopTerms = map[string]bool{
	"what": true, "when": true, "where": true, "which": true, "whose": true,
	"does": true, "have": true, "with": true, "that": true, "this": true,
	"from": true, "about": true, "their": true, "between": true, "into": true,
	"how": true, "why": true, "who": true, "are": true, "the": true,
}

// keyTerms extracts the content-bearing words of a query: lowercased tokens
// of four or more letters, stop words removed.
func keyTerms(query string) []string {
	var terms []string
	for _, tok := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(tok) >= 4 && !stopTerms[tok] {
			terms = append(terms, tok)
		}
	}
	return terms
}

// timeSensitivityMarkers flag questions about the current state of the world,
// where stale sources degrade the answer.
var timeSensitivityMarkers = map[string]bool{
	"latest": true, "today": true, "current": true, "currently": true,
	"recent": true, "recently": true, "now": true, "news": true,
	"price": true, "prices": true,
}

func timeSensitiveQuery(query string) bool {
	toks := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z')
	})
	for i, tok := range toks {
		if timeSensitivityMarkers[tok] {
			return true
		}
		if tok == "this" && i+1 < len(toks) {
			switch toks[i+1] {
			case "week", "month", "year":
				return true
			}
		}
	}
	return false
}

func (e *ResearchEngine) judgeConsistency(ctx context.Context, st *ResearchState) float64 {
	var b strings.Builder
	for _, s := range st.Sources {
		if s.Summary != "" {
			fmt.Fprintf(&b, "[%d] %s\n", s.ID, truncateStr(s.Summary, 600))
		}
	}
	prompt := fmt.Sprintf(
		"Given the research question and the source summaries, rate consistency: "+
			"how free of mutual contradictions the summaries are (0.0-1.0).\n"+
			"Reply with only JSON: {\"consistency\": x}\n\n"+
			"Question: %s\n\nSummaries:\n%s", st.Query, b.String())
	resp, err := e.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{UserMessage(prompt)}})
	if err != nil {
		return 0.5
	}
	var out struct {
		Consistency float64 `json:"consistency"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &out); err != nil {
		return 0.5
	}
	return clamp01(out.Consistency)
}

// findUnanswered asks which sub-queries still lack support; falls back to
// the sub-queries that admitted nothing.
func (e *ResearchEngine) findUnanswered(ctx context.Context, st *ResearchState) []string {
	var b strings.Builder
	for _, s := range st.Sources {
		if s.Summary != "" {
			fmt.Fprintf(&b, "[%d] %s\n", s.ID, truncateStr(s.Summary, 400))
		}
	}
	prompt := fmt.Sprintf(
		"Which of these sub-questions are NOT yet answered by the summaries? "+
			"Reply with only a JSON array of the unanswered sub-questions, [] if all are answered.\n\n"+
			"Sub-questions:\n- %s\n\nSummaries:\n%s",
		strings.Join(st.SubQueries, "\n- "), b.String())
	resp, err := e.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{UserMessage(prompt)}})
	if err == nil {
		var out []string
		if json.Unmarshal([]byte(extractJSON(resp.Content)), &out) == nil {
			// only accept known sub-queries so the model cannot grow the plan
			known := make(map[string]bool, len(st.SubQueries))
			for _, q := range st.SubQueries {
				known[q] = true
			}
			var filtered []string
			for _, q := range out {
				if known[q] {
					filtered = append(filtered, q)
				}
			}
			return filtered
		}
	}
	hit := make(map[string]bool)
	for _, s := range st.Sources {
		hit[s.Query] = true
	}
	var missing []string
	for _, q := range st.SubQueries {
		if !hit[q] {
			missing = append(missing, q)
		}
	}
	return missing
}

// decompose splits the question into at most MaxSubQueries searchable
// sub-queries. On any failure the original question is the plan.
func (e *ResearchEngine) decompose(ctx context.Context, query string) []string {
	prompt := fmt.Sprintf(
		"Break this research question into at most %d focused web search queries "+
			"that together cover it. Reply with only a JSON array of strings.\n\nQuestion: %s",
		e.caps.MaxSubQueries, query)
	resp, err := e.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{UserMessage(prompt)}})
	if err != nil {
		return []string{query}
	}
	var subs []string
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &subs); err != nil || len(subs) == 0 {
		return []string{query}
	}
	if len(subs) > e.caps.MaxSubQueries {
		subs = subs[:e.caps.MaxSubQueries]
	}
	return subs
}

// synthesize writes the final report. Sources are presented in citation-ID
// order so [n] markers in the report line up with the source list.
func (e *ResearchEngine) synthesize(ctx context.Context, st *ResearchState) (string, error) {
	if len(st.Sources) == 0 {
		return "", ErrTool{Tool: "research", Err: fmt.Errorf("no sources found for %q", st.Query)}
	}
	var b strings.Builder
	for _, s := range st.Sources {
		body := s.Summary
		if body == "" {
			body = s.Snippet
		}
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", s.ID, s.Title, s.URL, truncateStr(body, 800))
	}
	prompt := fmt.Sprintf(
		"Write a well-structured markdown research report answering the question below, "+
			"grounded only in the numbered sources. Cite with [n] markers matching the source numbers. "+
			"Every factual claim needs a citation. Start with a short summary, use sections, "+
			"and end with a \"## Sources\" list of the cited sources as \"[n] title — url\".\n\n"+
			"Question: %s\n\nSources:\n%s", st.Query, b.String())
	resp, err := e.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{UserMessage(prompt)}})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", ErrLLM{Provider: e.provider.Name(), Message: "empty synthesis"}
	}
	return NormalizeReport(resp.Content, st.Sources), nil
}

func (e *ResearchEngine) emitTree(t *Turn, st *ResearchState) {
	nodes := make([]map[string]any, 0, len(st.Sources))
	for _, s := range st.Sources {
		nodes = append(nodes, map[string]any{
			"id":    s.ID,
			"title": s.Title,
			"url":   s.URL,
			"query": s.Query,
			"epoch": s.Epoch,
		})
	}
	t.Emit(EventResearchTreeUpdate, map[string]any{
		"query":       st.Query,
		"sub_queries": st.SubQueries,
		"epoch":       st.Epoch,
		"unanswered":  st.Unanswered,
		"sources":     nodes,
	})
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// trackingParams are query parameters stripped during URL canonicalization.
var trackingParams = map[string]bool{
	"fbclid": true, "gclid": true, "msclkid": true, "ref": true,
	"ref_src": true, "igshid": true, "mc_cid": true, "mc_eid": true,
}

// CanonicalURL normalizes a URL for deduplication: case-folded scheme and
// host, default ports and fragments dropped, tracking parameters removed,
// remaining query sorted, trailing slash trimmed. Invalid URLs canonicalize
// to "".
func CanonicalURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host
	u.Fragment = ""

	q := u.Query()
	for key := range q {
		if trackingParams[key] || strings.HasPrefix(key, "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode() // Encode sorts keys

	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String()
}
