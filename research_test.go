package weaver

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"HTTPS://Example.COM/Path/", "https://example.com/Path"},
		{"https://example.com:443/a", "https://example.com/a"},
		{"http://example.com:80/a", "http://example.com/a"},
		{"http://example.com:8080/a", "http://example.com:8080/a"},
		{"https://example.com/a#section", "https://example.com/a"},
		{"https://example.com/a?utm_source=x&utm_medium=y", "https://example.com/a"},
		{"https://example.com/a?fbclid=123&q=go", "https://example.com/a?q=go"},
		{"https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"https://example.com/", "https://example.com/"},
		{"  https://example.com/a  ", "https://example.com/a"},
		{"not a url", ""},
		{"/relative/path", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CanonicalURL(tt.in); got != tt.want {
			t.Errorf("CanonicalURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCanonicalURLDeduplicatesVariants(t *testing.T) {
	variants := []string{
		"https://example.com/article?utm_source=mail",
		"HTTPS://EXAMPLE.COM/article",
		"https://example.com:443/article/",
		"https://example.com/article#comments",
	}
	first := CanonicalURL(variants[0])
	for _, v := range variants[1:] {
		if got := CanonicalURL(v); got != first {
			t.Errorf("CanonicalURL(%q) = %q, want %q", v, got, first)
		}
	}
}

func researchEngine(p Provider, search SearchClient, caps ResearchCaps) *ResearchEngine {
	return NewResearchEngine(p, search, caps)
}

func TestAdmitDeduplicatesAndAssignsStableIDs(t *testing.T) {
	e := researchEngine(newScriptedProvider(), &fakeSearch{}, DefaultResearchCaps())
	st := &ResearchState{Epoch: 1, Seen: make(map[string]bool)}

	candidates := []Source{
		{URL: "https://a.example/x", Canonical: "https://a.example/x", Score: 0.5},
		{URL: "https://b.example/y", Canonical: "https://b.example/y", Score: 0.9},
		{URL: "https://a.example/x?utm_source=z", Canonical: "https://a.example/x", Score: 0.8}, // dup
		{URL: "://broken", Canonical: "", Score: 1.0},                                           // invalid
	}
	admitted := e.admit(st, candidates)

	if len(admitted) != 2 {
		t.Fatalf("admitted = %d, want 2", len(admitted))
	}
	// best score first, IDs in admission order
	if admitted[0].Canonical != "https://b.example/y" || admitted[0].ID != 1 {
		t.Fatalf("admitted[0] = %+v", admitted[0])
	}
	if admitted[1].ID != 2 {
		t.Fatalf("admitted[1].ID = %d, want 2", admitted[1].ID)
	}

	// a later epoch never reuses or reassigns IDs
	st.Epoch = 2
	more := e.admit(st, []Source{
		{URL: "https://a.example/x", Canonical: "https://a.example/x", Score: 1.0}, // already seen
		{URL: "https://c.example/z", Canonical: "https://c.example/z", Score: 0.1},
	})
	if len(more) != 1 || more[0].ID != 3 || more[0].Epoch != 2 {
		t.Fatalf("second epoch admission = %+v", more)
	}
	if st.Sources[0].ID != 1 || st.Sources[1].ID != 2 {
		t.Fatal("existing IDs changed")
	}
}

func TestAdmitHonorsPerEpochCap(t *testing.T) {
	caps := DefaultResearchCaps()
	caps.MaxSourcesPerEpoch = 2
	e := researchEngine(newScriptedProvider(), &fakeSearch{}, caps)
	st := &ResearchState{Epoch: 1, Seen: make(map[string]bool)}

	var candidates []Source
	for _, u := range []string{"https://a.example", "https://b.example", "https://c.example"} {
		candidates = append(candidates, Source{URL: u, Canonical: u, Score: 0.5})
	}
	if got := e.admit(st, candidates); len(got) != 2 {
		t.Fatalf("admitted = %d, want cap of 2", len(got))
	}
}

func TestShouldContinue(t *testing.T) {
	e := researchEngine(newScriptedProvider(), &fakeSearch{}, DefaultResearchCaps())
	tests := []struct {
		name string
		st   ResearchState
		want bool
	}{
		{"all satisfied", ResearchState{Epoch: 1, MaxEpochs: 3, Quality: Quality{Coverage: 0.9, Citation: 0.8}}, false},
		{"low coverage", ResearchState{Epoch: 1, MaxEpochs: 3, Quality: Quality{Coverage: 0.5, Citation: 0.8}}, true},
		{"low citation", ResearchState{Epoch: 1, MaxEpochs: 3, Quality: Quality{Coverage: 0.9, Citation: 0.5}}, true},
		{"unanswered remain", ResearchState{Epoch: 1, MaxEpochs: 3, Quality: Quality{Coverage: 0.9, Citation: 0.8}, Unanswered: []string{"q"}}, true},
		{"epoch cap", ResearchState{Epoch: 3, MaxEpochs: 3, Quality: Quality{Coverage: 0.1, Citation: 0.1}, Unanswered: []string{"q"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.shouldContinue(&tt.st); got != tt.want {
				t.Errorf("shouldContinue = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCitationScore(t *testing.T) {
	sources := []Source{
		{ID: 1, Summary: "Fact one [1]. Fact two [1]."},
		{ID: 2, Summary: "Cited claim [2]. Uncited claim."},
		{ID: 3}, // no summary, not counted
	}
	got := citationScore(sources)
	if got != 0.75 {
		t.Fatalf("citationScore = %v, want 0.75", got)
	}
	if citationScore(nil) != 0 {
		t.Fatal("empty sources should score 0")
	}
}

func TestCoverageScore(t *testing.T) {
	queries := []string{"q1", "q2", "q3", "q4"}
	sources := []Source{{Query: "q1"}, {Query: "q1"}, {Query: "q3"}}
	if got := coverageScore(queries, sources); got != 0.5 {
		t.Fatalf("coverageScore = %v, want 0.5", got)
	}
	if coverageScore(nil, sources) != 0 {
		t.Fatal("no sub-queries should score 0")
	}
}

func TestQueryCoverageScore(t *testing.T) {
	queries := []string{"lithium battery chemistry", "fast charging speed"}
	sources := []Source{
		{Query: "lithium battery chemistry", Summary: "Lithium cells trade battery chemistry against cost [1]."},
		{Query: "fast charging speed", Summary: "Nothing relevant here [2]."},
	}
	// the first sub-query's terms all appear in its summaries; the second's
	// never do
	if got := queryCoverageScore(queries, sources); got != 0.5 {
		t.Fatalf("queryCoverageScore = %v, want 0.5", got)
	}
	if queryCoverageScore(nil, sources) != 0 {
		t.Fatal("no sub-queries should score 0")
	}
	// a sub-query with no summarized sources is never covered
	if got := queryCoverageScore([]string{"unsearched topic"}, nil); got != 0 {
		t.Fatalf("queryCoverageScore = %v, want 0 without summaries", got)
	}
}

func TestTimeSensitiveQuery(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"latest battery breakthroughs", true},
		{"what is the copper price today", true},
		{"AI funding news this week", true},
		{"how do batteries work", false},
		{"history of the transistor", false},
	}
	for _, tt := range tests {
		if got := timeSensitiveQuery(tt.query); got != tt.want {
			t.Errorf("timeSensitiveQuery(%q) = %v, want %v", tt.query, got, tt.want)
		}
	}
}

func TestFreshnessScore(t *testing.T) {
	caps := DefaultResearchCaps()
	caps.FreshnessWindowDays = 30
	e := researchEngine(newScriptedProvider(), &fakeSearch{}, caps)

	now := time.Now().Unix()
	old := time.Now().Add(-90 * 24 * time.Hour).Unix()
	sources := []Source{
		{Published: now}, // fresh: 1
		{Published: old}, // stale: 0
		{Published: 0},   // unknown: 0.5
		{Published: 0},   // unknown: 0.5
	}
	if got := e.freshnessScore(sources); got != 0.5 {
		t.Fatalf("freshnessScore = %v, want 0.5", got)
	}
	if e.freshnessScore(nil) != 0 {
		t.Fatal("no sources should score 0")
	}
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("First claim [1]. Second claim! Is this third? Trailing fragment")
	want := []string{"First claim [1].", "Second claim!", "Is this third?", "Trailing fragment"}
	if len(got) != len(want) {
		t.Fatalf("sentences = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	// decimals don't split because no space follows the dot
	if got := splitSentences("Version 1.5 shipped."); len(got) != 1 {
		t.Fatalf("decimal split: %v", got)
	}
}

func TestDecomposeFallsBackToQuery(t *testing.T) {
	tests := []struct {
		name string
		step providerStep
	}{
		{"provider error", errStep(ErrHTTP{Status: 500})},
		{"unparseable", textStep("sure, here are some ideas")},
		{"empty array", textStep("[]")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := researchEngine(newScriptedProvider(tt.step), &fakeSearch{}, DefaultResearchCaps())
			subs := e.decompose(context.Background(), "original question")
			if len(subs) != 1 || subs[0] != "original question" {
				t.Fatalf("decompose = %v, want the original question", subs)
			}
		})
	}
}

func TestDecomposeCapsSubQueries(t *testing.T) {
	caps := DefaultResearchCaps()
	caps.MaxSubQueries = 2
	e := researchEngine(newScriptedProvider(textStep(`["a","b","c","d"]`)), &fakeSearch{}, caps)
	subs := e.decompose(context.Background(), "q")
	if len(subs) != 2 {
		t.Fatalf("sub-queries = %d, want cap of 2", len(subs))
	}
}

func TestSynthesizeWithoutSources(t *testing.T) {
	e := researchEngine(newScriptedProvider(), &fakeSearch{}, DefaultResearchCaps())
	_, err := e.synthesize(context.Background(), &ResearchState{Query: "q"})
	if Kind(err) != KindTool {
		t.Fatalf("error kind = %s, want tool", Kind(err))
	}
}

func TestSynthesizeEmptyReply(t *testing.T) {
	e := researchEngine(newScriptedProvider(textStep("   ")), &fakeSearch{}, DefaultResearchCaps())
	st := &ResearchState{Query: "q", Sources: []Source{{ID: 1, Title: "T", URL: "https://a.example"}}}
	_, err := e.synthesize(context.Background(), st)
	if Kind(err) != KindUpstream {
		t.Fatalf("error kind = %s, want upstream", Kind(err))
	}
}

// singleEpochScript returns the provider steps for a run that satisfies every
// quality gate after one epoch: decompose, summarize, consistency judgment,
// unanswered check, synthesis.
func singleEpochScript() []providerStep {
	return []providerStep{
		textStep(`["battery basics"]`),
		textStep("Solid fact [1]. Another fact [1]."),
		textStep(`{"consistency":0.95}`),
		textStep(`[]`),
		textStep("# Findings\n\nBatteries store energy [1].\n\n## Sources\n\n[1] Battery Review — https://a.example/review"),
	}
}

func TestResearchRunSingleEpoch(t *testing.T) {
	p := newScriptedProvider(singleEpochScript()...)
	search := &fakeSearch{hits: []SearchResult{
		{Title: "Battery Review", URL: "https://a.example/review", Snippet: "chemistry", Score: 0.9},
	}}
	e := researchEngine(p, search, DefaultResearchCaps())
	rt := testRuntime(p, testRegistry(t))
	turn := rt.NewTurn("t1")
	sub := rt.Bus.Subscribe("t1", 0)
	defer sub.Close()

	st, err := e.Run(context.Background(), turn, "how do batteries work", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Epoch != 1 {
		t.Fatalf("Epoch = %d, want 1 (quality gates satisfied)", st.Epoch)
	}
	if len(st.Sources) != 1 || st.Sources[0].ID != 1 {
		t.Fatalf("sources = %+v", st.Sources)
	}
	if st.Sources[0].Summary == "" {
		t.Fatal("source not summarized")
	}
	if st.Quality.Coverage != 1 || st.Quality.Citation != 1 {
		t.Fatalf("quality = %+v", st.Quality)
	}
	if st.Quality.Consistency != 0.95 {
		t.Fatalf("consistency = %v, want the judged 0.95", st.Quality.Consistency)
	}
	if !strings.Contains(st.Report, "## Sources") || !strings.Contains(st.Report, "[1]") {
		t.Fatalf("report missing citations or sources:\n%s", st.Report)
	}

	events := drainEvents(sub)
	if len(eventsOfType(events, EventQualityUpdate)) != 1 {
		t.Fatal("quality update not emitted")
	}
	if len(eventsOfType(events, EventSearch)) == 0 {
		t.Fatal("search progress not emitted")
	}
	if len(eventsOfType(events, EventResearchTreeUpdate)) != 1 {
		t.Fatal("tree update not emitted")
	}
}

func TestResearchRunContinuesWhenQualityLow(t *testing.T) {
	// epoch 1 scores poorly; epoch 2's search returns only duplicates so the
	// run rides the epoch cap down to synthesis
	caps := DefaultResearchCaps()
	caps.MaxEpochs = 2
	p := newScriptedProvider(
		textStep(`["q1"]`),
		textStep("Uncited claim."), // citation score 0 forces continuation
		textStep(`{"consistency":0.5}`),
		textStep(`[]`),
		// epoch 2: no new sources admitted, so no summarize step
		textStep(`{"consistency":0.5}`),
		textStep(`[]`),
		textStep("Report [1].\n\n## Sources\n\n[1] A — https://a.example"),
	)
	search := &fakeSearch{hits: []SearchResult{
		{Title: "A", URL: "https://a.example", Snippet: "s", Score: 0.5},
	}}
	e := researchEngine(p, search, caps)
	rt := testRuntime(p, testRegistry(t))

	st, err := e.Run(context.Background(), rt.NewTurn("t1"), "q", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Epoch != 2 {
		t.Fatalf("Epoch = %d, want the cap of 2", st.Epoch)
	}
	if len(st.Sources) != 1 {
		t.Fatalf("sources = %d, want duplicates rejected", len(st.Sources))
	}
}

func TestResearchRunWarnsOnStaleTimeSensitiveSources(t *testing.T) {
	caps := DefaultResearchCaps()
	caps.MaxEpochs = 1
	p := newScriptedProvider(
		textStep(`["battery news"]`),
		textStep("Old fact [1]."),
		textStep(`{"consistency":0.9}`),
		textStep(`[]`),
		textStep("Report [1].\n\n## Sources\n\n[1] A — https://a.example"),
	)
	stale := time.Now().Add(-90 * 24 * time.Hour).Unix()
	search := &fakeSearch{hits: []SearchResult{
		{Title: "A", URL: "https://a.example", Snippet: "s", Published: stale, Score: 0.5},
	}}
	e := researchEngine(p, search, caps)
	rt := testRuntime(p, testRegistry(t))
	turn := rt.NewTurn("t1")
	sub := rt.Bus.Subscribe("t1", 0)
	defer sub.Close()

	st, err := e.Run(context.Background(), turn, "latest battery news", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	found := false
	for _, w := range st.Warnings {
		if w == "low_freshness_for_time_sensitive_query" {
			found = true
		}
	}
	if !found {
		t.Fatalf("warnings = %v, want the low-freshness warning", st.Warnings)
	}

	var statusTexts []string
	for _, ev := range eventsOfType(drainEvents(sub), EventStatus) {
		if data, ok := ev.Data.(map[string]any); ok {
			if s, ok := data["text"].(string); ok {
				statusTexts = append(statusTexts, s)
			}
		}
	}
	if len(statusTexts) != 1 || statusTexts[0] != "low_freshness_for_time_sensitive_query" {
		t.Fatalf("status events = %v, want the warning announced once", statusTexts)
	}
}

func TestResearchRunAllSearchesFail(t *testing.T) {
	p := newScriptedProvider(textStep(`["q1","q2"]`))
	e := researchEngine(p, &fakeSearch{err: ErrHTTP{Status: 503}}, DefaultResearchCaps())
	rt := testRuntime(p, testRegistry(t))

	_, err := e.Run(context.Background(), rt.NewTurn("t1"), "q", nil)
	if Kind(err) != KindTool {
		t.Fatalf("error kind = %s, want tool", Kind(err))
	}
}

func TestResearchRunCancelled(t *testing.T) {
	p := newScriptedProvider()
	e := researchEngine(p, &fakeSearch{}, DefaultResearchCaps())
	rt := testRuntime(p, testRegistry(t))
	turn := rt.NewTurn("t1")
	turn.Cancel()

	st := &ResearchState{Query: "q", SubQueries: []string{"q"}, MaxEpochs: 3, Seen: map[string]bool{}}
	_, err := e.Run(context.Background(), turn, "q", st)
	if Kind(err) != KindCancelled {
		t.Fatalf("error kind = %s, want cancelled", Kind(err))
	}
}

func TestDeepNodeProducesReportAndArtifacts(t *testing.T) {
	p := newScriptedProvider(singleEpochScript()...)
	search := &fakeSearch{hits: []SearchResult{
		{Title: "Battery Review", URL: "https://a.example/review", Snippet: "chemistry", Score: 0.9},
	}}
	rt := testRuntime(p, testRegistry(t))
	rt.Search = search
	rt.Research = researchEngine(p, search, DefaultResearchCaps())
	turn := rt.NewTurn("t1")
	sub := rt.Bus.Subscribe("t1", 0)
	defer sub.Close()

	state := &ConversationState{ThreadID: "t1", Messages: []ChatMessage{UserMessage("how do batteries work")}}
	patch, err := deepNode(context.Background(), turn, state)
	if err != nil {
		t.Fatalf("deepNode: %v", err)
	}
	if patch.Research == nil || patch.Research.Report == "" {
		t.Fatal("research state not recorded")
	}
	if len(patch.Artifacts) != 2 {
		t.Fatalf("artifacts = %d, want markdown and HTML", len(patch.Artifacts))
	}
	if patch.Artifacts[0].MIME != "text/markdown" || patch.Artifacts[1].MIME != "text/html" {
		t.Fatalf("artifact MIME types = %s, %s", patch.Artifacts[0].MIME, patch.Artifacts[1].MIME)
	}
	if !strings.Contains(patch.Artifacts[1].Content, "<h1") {
		t.Fatal("HTML artifact not rendered")
	}
	for _, w := range patch.Warnings {
		if strings.HasPrefix(w, "unresolved_citations") {
			t.Fatalf("unexpected citation warning: %s", w)
		}
	}
	if len(patch.Messages) != 1 {
		t.Fatal("report not delivered as a message")
	}

	events := drainEvents(sub)
	if len(eventsOfType(events, EventArtifact)) != 2 {
		t.Fatal("artifact events not emitted")
	}
	if len(eventsOfType(events, EventMessage)) != 1 {
		t.Fatal("message event not emitted")
	}
}
