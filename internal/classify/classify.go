// Package classify maps normalized board cards onto sprint tickets. It is a
// pure re-derivation: tickets have no identity beyond the card id and are
// recomputed from scratch on every snapshot.
package classify

import (
	"time"

	"sprintline/internal/config"
	"sprintline/internal/domain"
)

// MissingUnmappedList flags a card sitting in a list the stage table does not
// know about; the card still classifies (as in_scope) so the pipeline never
// halts on unexpected board configuration.
const MissingUnmappedList = "unmapped-list"

// Human-readable warnings per missing requirement.
var missingLabels = map[string]string{
	config.RequireAssignee:    "Missing Assignees",
	config.RequireDescription: "Missing Description",
	config.RequireLabels:      "Missing Labels",
	config.RequirePullRequest: "Missing PR",
	MissingUnmappedList:       "Unmapped list",
}

// Warning returns the report text for a missing_info entry.
func Warning(entry string) string {
	if l, ok := missingLabels[entry]; ok {
		return l
	}
	return entry
}

// SprintContext is the slice of active-sprint state classification needs:
// when each ticket first entered the sprint. Empty values mean the ticket is
// being observed for the first time.
type SprintContext struct {
	Config    *config.Config
	EnteredAt map[string]string
	Now       time.Time
}

// Classify derives a Ticket from a Card. Total: every reachable card shape
// yields a ticket, data problems surface as missing_info warnings rather
// than errors.
func Classify(card domain.Card, sc SprintContext) domain.Ticket {
	cfg := sc.Config
	stage, mapped := cfg.StageFor(card.ListName)

	t := domain.Ticket{
		ID:               card.ID,
		Title:            card.Title,
		URL:              card.URL,
		Stage:            stage,
		IsGoal:           card.HasLabel(cfg.Labels.Goal),
		Members:          card.MemberIDs,
		ChecklistItems:   card.ChecklistItems,
		ChecklistChecked: card.ChecklistChecked,
	}
	if !mapped {
		t.MissingInfo = append(t.MissingInfo, MissingUnmappedList)
	}

	for _, field := range cfg.RequiredFields(stage) {
		if !satisfies(card, field) {
			t.MissingInfo = append(t.MissingInfo, field)
		}
	}

	t.IsBlocked = blocked(card, stage, cfg)
	t.AgeDays, t.IsNew = residency(card.ID, sc)
	return t
}

// ClassifyAll derives tickets for every sprint-board card in the snapshot,
// skipping cards on ignored (backlog/planning) lists.
func ClassifyAll(snapshot domain.BoardSnapshot, sc SprintContext) []domain.Ticket {
	var tickets []domain.Ticket
	for _, card := range snapshot.Cards {
		if sc.Config.IsIgnoredList(card.ListName) {
			continue
		}
		tickets = append(tickets, Classify(card, sc))
	}
	return tickets
}

func satisfies(card domain.Card, field string) bool {
	switch field {
	case config.RequireAssignee:
		return len(card.MemberIDs) > 0
	case config.RequireDescription:
		return card.HasDescription
	case config.RequireLabels:
		return card.HasLabels()
	case config.RequirePullRequest:
		return card.PRURL != ""
	}
	return true
}

// blocked is true for an explicit block label, or for a pending-release
// ticket whose linked PR is not approved/mergeable. PR status comes from the
// snapshot; the classifier never fetches.
func blocked(card domain.Card, stage domain.Stage, cfg *config.Config) bool {
	if cfg.Labels.Blocked != "" && card.HasLabel(cfg.Labels.Blocked) {
		return true
	}
	if stage != domain.StagePendingRelease || card.PRURL == "" {
		return false
	}
	switch card.PRState {
	case domain.PRStateApproved, domain.PRStateMergeable:
		return false
	}
	return true
}

// residency computes age in sprint-days. Age measures sprint residency, not
// card age: zero until the ticket is first observed inside the active sprint.
func residency(ticketID string, sc SprintContext) (ageDays int, isNew bool) {
	entered, ok := sc.EnteredAt[ticketID]
	if !ok || entered == "" {
		return 0, true
	}
	at, err := time.Parse(time.RFC3339, entered)
	if err != nil {
		return 0, true
	}
	days := int(sc.Now.UTC().Sub(at.UTC()).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return days, days < sc.Config.NewDays()
}
