package report_test

import (
	"strings"
	"testing"
	"time"

	"sprintline/internal/domain"
	"sprintline/internal/report"
)

func fixedOptions() report.Options {
	return report.Options{
		Now: func() time.Time { return time.Date(2024, 3, 8, 9, 0, 0, 0, time.UTC) },
	}
}

func activeSprint() domain.Sprint {
	return domain.Sprint{
		ID:        "s1",
		Name:      "42",
		Status:    domain.SprintActive,
		StartedAt: "2024-03-04T09:00:00Z",
		EndsAt:    "2024-03-12T09:00:00Z",
	}
}

func TestRenderDailySummaryDeterministic(t *testing.T) {
	delta := domain.SprintDelta{
		SprintID: "s1",
		Tickets: []domain.Ticket{
			{ID: "c1", Title: "first", Stage: domain.StageInProgress, AgeDays: 2},
			{ID: "c2", Title: "second", Stage: domain.StageDone},
		},
	}
	m := domain.Metrics{CompletionPct: 50, CommittedCount: 2, CompletedCount: 1}

	a := report.RenderDailySummary(activeSprint(), delta, m, fixedOptions())
	b := report.RenderDailySummary(activeSprint(), delta, m, fixedOptions())
	if a != b {
		t.Fatalf("identical inputs rendered differently")
	}
	if !strings.Contains(a, "*Daily Summary: 03/08/24*") {
		t.Fatalf("missing header in:\n%s", a)
	}
	if !strings.Contains(a, "*1/2 Tickets* open.") {
		t.Fatalf("missing open count in:\n%s", a)
	}
	if !strings.Contains(a, "*50.00% of tasks completed.*") {
		t.Fatalf("missing completion in:\n%s", a)
	}
	if !strings.Contains(a, "*4 Days* remain") {
		t.Fatalf("missing days remaining in:\n%s", a)
	}
}

func TestRenderScopeIncreaseWarning(t *testing.T) {
	delta := domain.SprintDelta{
		SprintID: "s1",
		Added:    []domain.Ticket{{ID: "c9", Title: "surprise", Stage: domain.StageInProgress}},
		Tickets:  []domain.Ticket{{ID: "c9", Title: "surprise", Stage: domain.StageInProgress}},
	}
	out := report.RenderDailySummary(activeSprint(), delta, domain.Metrics{}, fixedOptions())
	if !strings.Contains(out, "⚠️ *1 ticket(s) added to sprint scope:*") {
		t.Fatalf("scope warning missing in:\n%s", out)
	}
	if !strings.Contains(out, "• surprise") {
		t.Fatalf("added ticket missing in:\n%s", out)
	}
}

func TestTicketMarkers(t *testing.T) {
	tickets := []domain.Ticket{
		{
			ID: "c1", Title: "worker", URL: "https://trello.com/c/c1",
			Stage: domain.StageInProgress, AgeDays: 3, IsGoal: true, IsBlocked: true,
		},
		{ID: "c2", Title: "rookie", Stage: domain.StageInScope, IsNew: true},
	}
	out := report.RenderKickoff(activeSprint(), tickets, fixedOptions())

	if !strings.Contains(out, "🐌🐌🐌") {
		t.Fatalf("age glyphs missing in:\n%s", out)
	}
	if !strings.Contains(out, "🏁") || !strings.Contains(out, "🚧") {
		t.Fatalf("goal/blocked markers missing in:\n%s", out)
	}
	if !strings.Contains(out, "🆕 rookie") {
		t.Fatalf("new marker missing in:\n%s", out)
	}
	if !strings.Contains(out, "<https://trello.com/c/c1|worker>") {
		t.Fatalf("link missing in:\n%s", out)
	}
}

func TestAgeGlyphsCapped(t *testing.T) {
	opts := fixedOptions()
	opts.MaxAgeGlyphs = 4
	tickets := []domain.Ticket{
		{ID: "c1", Title: "ancient", Stage: domain.StageInProgress, AgeDays: 30},
	}
	out := report.RenderKickoff(activeSprint(), tickets, opts)
	if strings.Count(out, "🐌") != 4 {
		t.Fatalf("glyphs = %d, want capped at 4 in:\n%s", strings.Count(out, "🐌"), out)
	}
}

func TestWarningsAndChecklist(t *testing.T) {
	tickets := []domain.Ticket{
		{
			ID: "c1", Title: "incomplete", Stage: domain.StageInProgress,
			MissingInfo:      []string{"assignee", "description"},
			ChecklistItems:   5,
			ChecklistChecked: 2,
		},
	}
	out := report.RenderKickoff(activeSprint(), tickets, fixedOptions())
	if !strings.Contains(out, "⚠️ Missing Assignees | Missing Description") {
		t.Fatalf("warnings missing in:\n%s", out)
	}
	if !strings.Contains(out, "2/5 completed") {
		t.Fatalf("checklist missing in:\n%s", out)
	}
}

func TestStageSections(t *testing.T) {
	tickets := []domain.Ticket{
		{ID: "c1", Title: "scoping", Stage: domain.StageInScope},
		{ID: "c2", Title: "building", Stage: domain.StageInProgress},
		{ID: "c3", Title: "shipped", Stage: domain.StageDone},
	}
	out := report.RenderKickoff(activeSprint(), tickets, fixedOptions())
	inScope := strings.Index(out, "In Scope")
	inProgress := strings.Index(out, "In Progress")
	done := strings.Index(out, "Done")
	if inScope < 0 || inProgress < 0 || done < 0 {
		t.Fatalf("missing stage sections in:\n%s", out)
	}
	if !(inScope < inProgress && inProgress < done) {
		t.Fatalf("stage sections out of order in:\n%s", out)
	}
}

func TestRenderReviewHistory(t *testing.T) {
	rec := domain.SprintRecord{
		SprintID: "s1", Name: "42",
		StartedAt: "2024-03-04T09:00:00Z", ClosedAt: "2024-03-08T09:00:00Z",
		CompletionPct: 20, CommittedCount: 5, CompletedCount: 1, ScopeAddedCount: 2,
	}
	history := []domain.SprintRecord{
		{
			SprintID: "s0", StartedAt: "2024-02-19T09:00:00Z", ClosedAt: "2024-03-01T09:00:00Z",
			CompletedCount: 4, CompletionPct: 80,
		},
	}
	out := report.RenderReview(activeSprint(), rec, nil, history, fixedOptions())
	if !strings.Contains(out, "🎆 *Sprint 42 Review: 03/08/24*") {
		t.Fatalf("review header missing in:\n%s", out)
	}
	if !strings.Contains(out, "*1/5 Tickets* completed.") {
		t.Fatalf("completion counts missing in:\n%s", out)
	}
	if !strings.Contains(out, "2 tickets added to scope after kickoff.") {
		t.Fatalf("scope line missing in:\n%s", out)
	}
	if !strings.Contains(out, "*Previous Sprints:*") {
		t.Fatalf("history header missing in:\n%s", out)
	}
	if !strings.Contains(out, "02/19/24 - 03/01/24: *4 tickets | 80.00%*") {
		t.Fatalf("history line missing in:\n%s", out)
	}
}

func TestTimeIndicatorProgresses(t *testing.T) {
	sprint := activeSprint()
	early := report.Options{Now: func() time.Time { return time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC) }}
	late := report.Options{Now: func() time.Time { return time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC) }}

	a := report.RenderDailySummary(sprint, domain.SprintDelta{}, domain.Metrics{}, early)
	b := report.RenderDailySummary(sprint, domain.SprintDelta{}, domain.Metrics{}, late)
	if !strings.HasPrefix(a, "🌕") {
		t.Fatalf("sprint start should render a full moon:\n%s", a)
	}
	if !strings.HasPrefix(b, "🌑") {
		t.Fatalf("sprint end should render a new moon:\n%s", b)
	}
}
