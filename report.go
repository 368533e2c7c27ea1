package weaver

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

// hasCitationMarker reports whether a sentence carries at least one [n].
func hasCitationMarker(s string) bool {
	return citationPattern.MatchString(s)
}

// splitSentences is a rough sentence splitter good enough for citation
// ratios; it does not try to handle abbreviations.
func splitSentences(s string) []string {
	var out []string
	start := 0
	runes := []rune(s)
	for i, r := range runes {
		if r == '.' || r == '!' || r == '?' {
			if i+1 == len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' {
				sent := strings.TrimSpace(string(runes[start : i+1]))
				if sent != "" {
					out = append(out, sent)
				}
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		out = append(out, rest)
	}
	return out
}

// NormalizeReport renumbers [n] citations by first appearance in the report
// and rebuilds the trailing Sources section to match, listing only sources
// the report actually cites. Markers citing unknown sources pass through
// untouched.
func NormalizeReport(report string, sources []Source) string {
	byID := make(map[int]Source, len(sources))
	for _, s := range sources {
		byID[s.ID] = s
	}

	body := report
	if i := findSourcesSection(report); i >= 0 {
		body = report[:i]
	}

	renum := make(map[int]int)
	order := []int{}
	for _, m := range citationPattern.FindAllStringSubmatch(body, -1) {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, known := byID[id]; !known {
			continue
		}
		if _, seen := renum[id]; !seen {
			renum[id] = len(order) + 1
			order = append(order, id)
		}
	}
	if len(order) == 0 {
		return report
	}

	rewritten := citationPattern.ReplaceAllStringFunc(body, func(m string) string {
		id, _ := strconv.Atoi(strings.Trim(m, "[]"))
		if n, ok := renum[id]; ok {
			return "[" + strconv.Itoa(n) + "]"
		}
		return m
	})

	var b strings.Builder
	b.WriteString(strings.TrimRight(rewritten, "\n"))
	b.WriteString("\n\n## Sources\n\n")
	for _, id := range order {
		s := byID[id]
		fmt.Fprintf(&b, "[%d] %s — %s\n", renum[id], s.Title, s.URL)
	}
	return b.String()
}

// findSourcesSection returns the byte offset of the trailing "## Sources"
// heading, -1 if absent.
func findSourcesSection(report string) int {
	lower := strings.ToLower(report)
	for _, h := range []string{"\n## sources", "\n# sources", "\n**sources**"} {
		if i := strings.LastIndex(lower, h); i >= 0 {
			return i
		}
	}
	return -1
}

var reportMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// RenderReportHTML converts a markdown report to HTML for artifact delivery.
func RenderReportHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := reportMarkdown.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// AuditCitations walks the report's markdown AST and returns the citation
// numbers that do not resolve to a listed source, ascending. Markdown is
// parsed rather than regexed so markers inside code blocks don't count.
func AuditCitations(md string, sources []Source) []int {
	known := make(map[int]bool, len(sources))
	for _, s := range sources {
		known[s.ID] = true
	}
	src := []byte(md)
	doc := reportMarkdown.Parser().Parse(text.NewReader(src))

	bad := make(map[int]bool)
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindCodeBlock, ast.KindFencedCodeBlock, ast.KindCodeSpan:
			return ast.WalkSkipChildren, nil
		case ast.KindText:
			seg := n.(*ast.Text).Segment
			for _, m := range citationPattern.FindAllSubmatch(seg.Value(src), -1) {
				id, err := strconv.Atoi(string(m[1]))
				if err == nil && !known[id] {
					bad[id] = true
				}
			}
		}
		return ast.WalkContinue, nil
	})

	out := make([]int, 0, len(bad))
	for id := range bad {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
