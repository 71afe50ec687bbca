// Package report renders sprint state into Slack mrkdwn text. Pure
// formatting: identical inputs produce identical output, and nothing here
// mutates engine state.
package report

import (
	"fmt"
	"strings"
	"time"

	"sprintline/internal/classify"
	"sprintline/internal/domain"
)

// Options tune rendering. Zero values fall back to defaults.
type Options struct {
	// MaxAgeGlyphs caps the per-ticket age indicator so long-lived
	// tickets cannot produce unbounded strings.
	MaxAgeGlyphs int
	// Now anchors date arithmetic; defaults to time.Now.
	Now func() time.Time
}

func (o Options) maxGlyphs() int {
	if o.MaxAgeGlyphs <= 0 {
		return 10
	}
	return o.MaxAgeGlyphs
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// RenderKickoffPreview formats the would-be committed set for the
// kickoff confirmation message.
func RenderKickoffPreview(preview domain.KickoffPreview, opts Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔭 *Sprint Preview: %s*\n", currentDate(opts.now()))
	fmt.Fprintf(&b, "*%d Tickets* would be committed", len(preview.Tickets))
	if preview.GoalCount > 0 {
		fmt.Fprintf(&b, " (%d goals)", preview.GoalCount)
	}
	b.WriteString(".\n")
	writeTicketSections(&b, preview.Tickets, opts)
	writeHistory(&b, preview.History)
	return b.String()
}

// RenderKickoff formats the kickoff announcement.
func RenderKickoff(sprint domain.Sprint, tickets []domain.Ticket, opts Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚀 *Sprint %s Kickoff: %s*\nSprint starts now!\n", sprint.Name, currentDate(opts.now()))
	fmt.Fprintf(&b, "*%d Tickets* committed.\n", len(tickets))
	writeTicketSections(&b, tickets, opts)
	return b.String()
}

// RenderDailySummary formats the scheduled daily report.
func RenderDailySummary(sprint domain.Sprint, delta domain.SprintDelta, m domain.Metrics, opts Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *Daily Summary: %s*\n", timeIndicator(sprint, opts.now()), currentDate(opts.now()))
	open := 0
	for _, t := range delta.Tickets {
		if t.Stage != domain.StageDone {
			open++
		}
	}
	fmt.Fprintf(&b, "*%d/%d Tickets* open.\n", open, len(delta.Tickets))
	if days, ok := daysUntil(sprint.EndsAt, opts.now()); ok {
		fmt.Fprintf(&b, "*%d Days* remain in sprint.\n", days)
	}
	fmt.Fprintf(&b, "*%.2f%% of tasks completed.*\n", m.CompletionPct)
	writeDelta(&b, delta)
	writeTicketSections(&b, delta.Tickets, opts)
	return b.String()
}

// RenderReview formats the close-of-sprint review.
func RenderReview(sprint domain.Sprint, rec domain.SprintRecord, tickets []domain.Ticket, history []domain.SprintRecord, opts Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🎆 *Sprint %s Review: %s*\n", sprint.Name, currentDate(opts.now()))
	fmt.Fprintf(&b, "*%d/%d Tickets* completed.\n", rec.CompletedCount, rec.CommittedCount)
	fmt.Fprintf(&b, "*%.2f%% of tasks completed.*\n", rec.CompletionPct)
	if rec.ScopeAddedCount > 0 {
		fmt.Fprintf(&b, "%d tickets added to scope after kickoff.\n", rec.ScopeAddedCount)
	}
	writeTicketSections(&b, tickets, opts)
	writeHistory(&b, history)
	return b.String()
}

// writeTicketSections groups tickets by stage in fixed stage order. Tickets
// are expected already sorted by stage then id; grouping preserves that.
func writeTicketSections(b *strings.Builder, tickets []domain.Ticket, opts Options) {
	for _, stage := range domain.StageOrder {
		var lines []string
		for _, t := range tickets {
			if t.Stage == stage {
				lines = append(lines, ticketLine(t, opts))
			}
		}
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(b, "\n*%s %s*\n", stageEmoji(stage), stage.Display())
		for _, l := range lines {
			b.WriteString(l)
			b.WriteString("\n")
		}
	}
}

// ticketLine renders one ticket with its markers and warnings.
func ticketLine(t domain.Ticket, opts Options) string {
	var parts []string
	if glyphs := ageGlyphs(t.AgeDays, opts.maxGlyphs()); glyphs != "" {
		parts = append(parts, glyphs)
	}
	if t.IsNew {
		parts = append(parts, "🆕")
	}
	if t.IsGoal {
		parts = append(parts, "🏁")
	}
	if t.IsBlocked {
		parts = append(parts, "🚧")
	}
	if t.URL != "" {
		parts = append(parts, fmt.Sprintf("<%s|%s>", t.URL, t.Title))
	} else {
		parts = append(parts, t.Title)
	}
	line := "• " + strings.Join(parts, " ")
	if len(t.MissingInfo) > 0 {
		warnings := make([]string, 0, len(t.MissingInfo))
		for _, m := range t.MissingInfo {
			warnings = append(warnings, classify.Warning(m))
		}
		line += "\n    ⚠️ " + strings.Join(warnings, " | ")
	}
	if t.ChecklistItems > 0 {
		line += fmt.Sprintf("\n    %d/%d completed", t.ChecklistChecked, t.ChecklistItems)
	}
	return line
}

func writeDelta(b *strings.Builder, delta domain.SprintDelta) {
	if len(delta.Added) > 0 {
		fmt.Fprintf(b, "⚠️ *%d ticket(s) added to sprint scope:*\n", len(delta.Added))
		for _, t := range delta.Added {
			fmt.Fprintf(b, "• %s\n", t.Title)
		}
	}
	if len(delta.Removed) > 0 {
		fmt.Fprintf(b, "*%d ticket(s) removed from the board:*\n", len(delta.Removed))
		for _, id := range delta.Removed {
			fmt.Fprintf(b, "• %s\n", id)
		}
	}
}

func writeHistory(b *strings.Builder, history []domain.SprintRecord) {
	if len(history) == 0 {
		return
	}
	b.WriteString("\n*Previous Sprints:*\n")
	for _, rec := range history {
		fmt.Fprintf(b, "%s - %s: *%d tickets | %.2f%%*\n",
			shortDate(rec.StartedAt), shortDate(rec.ClosedAt), rec.CompletedCount, rec.CompletionPct)
	}
}

// ageGlyphs repeats one glyph per day of sprint residency, capped.
func ageGlyphs(ageDays, limit int) string {
	if ageDays <= 0 {
		return ""
	}
	if ageDays > limit {
		ageDays = limit
	}
	return strings.Repeat("🐌", ageDays)
}

func stageEmoji(stage domain.Stage) string {
	switch stage {
	case domain.StageInScope:
		return "🗂"
	case domain.StageInvestigation:
		return "🔍"
	case domain.StageInProgress:
		return "🛠"
	case domain.StagePendingRelease:
		return "📢"
	case domain.StageDemo:
		return "🎬"
	case domain.StageDone:
		return "✅"
	}
	return "•"
}

// timeIndicator is a moon phase showing how far through the sprint we are.
func timeIndicator(sprint domain.Sprint, now time.Time) string {
	phases := []string{"🌕", "🌔", "🌓", "🌒", "🌑"}
	start, err1 := time.Parse(time.RFC3339, sprint.StartedAt)
	end, err2 := time.Parse(time.RFC3339, sprint.EndsAt)
	if err1 != nil || err2 != nil || !end.After(start) {
		return phases[0]
	}
	ratio := float64(now.Sub(start)) / float64(end.Sub(start))
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	idx := int(ratio*4 + 0.5)
	return phases[idx]
}

func daysUntil(endsAt string, now time.Time) (int, bool) {
	if endsAt == "" {
		return 0, false
	}
	end, err := time.Parse(time.RFC3339, endsAt)
	if err != nil {
		return 0, false
	}
	days := int(end.Sub(now).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return days, true
}

func currentDate(now time.Time) string {
	return now.UTC().Format("01/02/06")
}

func shortDate(rfc3339 string) string {
	t, err := time.Parse(time.RFC3339, rfc3339)
	if err != nil {
		return rfc3339
	}
	return t.UTC().Format("01/02/06")
}
