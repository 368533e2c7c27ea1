package weaver

import (
	"strings"
	"testing"
)

var reportSources = []Source{
	{ID: 1, Title: "Alpha", URL: "https://a.example"},
	{ID: 2, Title: "Beta", URL: "https://b.example"},
	{ID: 3, Title: "Gamma", URL: "https://c.example"},
}

func TestNormalizeReportRenumbersByFirstAppearance(t *testing.T) {
	report := "Claim one [3]. Claim two [1]. Claim three [3]."
	got := NormalizeReport(report, reportSources)

	if !strings.Contains(got, "Claim one [1].") {
		t.Errorf("first-cited source not renumbered to [1]:\n%s", got)
	}
	if !strings.Contains(got, "Claim two [2].") {
		t.Errorf("second-cited source not renumbered to [2]:\n%s", got)
	}
	if !strings.Contains(got, "Claim three [1].") {
		t.Errorf("repeat citation not stable:\n%s", got)
	}

	// sources section lists only cited sources, in citation order
	idx := strings.Index(got, "## Sources")
	if idx < 0 {
		t.Fatalf("no sources section:\n%s", got)
	}
	sourcesPart := got[idx:]
	if !strings.Contains(sourcesPart, "[1] Gamma — https://c.example") {
		t.Errorf("renumbered source list wrong:\n%s", sourcesPart)
	}
	if !strings.Contains(sourcesPart, "[2] Alpha — https://a.example") {
		t.Errorf("renumbered source list wrong:\n%s", sourcesPart)
	}
	if strings.Contains(sourcesPart, "Beta") {
		t.Errorf("uncited source listed:\n%s", sourcesPart)
	}
}

func TestNormalizeReportReplacesModelSourcesSection(t *testing.T) {
	report := "Fact [2].\n\n## Sources\n\n[2] Something the model wrote — https://wrong.example\n"
	got := NormalizeReport(report, reportSources)
	if strings.Contains(got, "wrong.example") {
		t.Errorf("model's own source list survived:\n%s", got)
	}
	if !strings.Contains(got, "[1] Beta — https://b.example") {
		t.Errorf("rebuilt list missing cited source:\n%s", got)
	}
}

func TestNormalizeReportUnknownMarkersPassThrough(t *testing.T) {
	report := "Known [1]. Unknown [9]."
	got := NormalizeReport(report, reportSources)
	if !strings.Contains(got, "Unknown [9].") {
		t.Errorf("unknown marker rewritten:\n%s", got)
	}
	if !strings.Contains(got, "Known [1].") {
		t.Errorf("known marker lost:\n%s", got)
	}
}

func TestNormalizeReportNoKnownCitations(t *testing.T) {
	report := "No citations here. Maybe [42] but that's unknown."
	if got := NormalizeReport(report, reportSources); got != report {
		t.Errorf("report without known citations changed:\n%s", got)
	}
}

func TestFindSourcesSection(t *testing.T) {
	tests := []struct {
		name   string
		report string
		found  bool
	}{
		{"h2", "body\n## Sources\nlist", true},
		{"h1", "body\n# Sources\nlist", true},
		{"bold", "body\n**Sources**\nlist", true},
		{"case insensitive", "body\n## SOURCES\nlist", true},
		{"absent", "body with no list", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := findSourcesSection(tt.report); (got >= 0) != tt.found {
				t.Errorf("findSourcesSection = %d, found want %v", got, tt.found)
			}
		})
	}
}

func TestRenderReportHTML(t *testing.T) {
	html, err := RenderReportHTML("# Title\n\nSome **bold** text.\n\n| a | b |\n|---|---|\n| 1 | 2 |")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(html, "<h1") || !strings.Contains(html, "<strong>bold</strong>") {
		t.Fatalf("markdown not rendered:\n%s", html)
	}
	// GFM tables render
	if !strings.Contains(html, "<table>") {
		t.Fatalf("table extension inactive:\n%s", html)
	}
}

func TestAuditCitations(t *testing.T) {
	md := "Good claim [1]. Bad claim [7]. Worse claim [9].\n\n```\ncode mentioning [5]\n```\n\nAnd `inline [6]` too."
	bad := AuditCitations(md, reportSources)
	if len(bad) != 2 || bad[0] != 7 || bad[1] != 9 {
		t.Fatalf("AuditCitations = %v, want [7 9]", bad)
	}
}

func TestAuditCitationsCleanReport(t *testing.T) {
	md := "All good [1] and [2] and [3]."
	if bad := AuditCitations(md, reportSources); len(bad) != 0 {
		t.Fatalf("AuditCitations = %v, want none", bad)
	}
}

func TestHasCitationMarker(t *testing.T) {
	if !hasCitationMarker("claim [12]") {
		t.Error("numeric marker not detected")
	}
	if hasCitationMarker("array[index]") {
		t.Error("non-numeric bracket detected")
	}
	if hasCitationMarker("no marker") {
		t.Error("false positive")
	}
}
