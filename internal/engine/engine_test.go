package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"sprintline/internal/config"
	"sprintline/internal/db"
	"sprintline/internal/domain"
	"sprintline/internal/engine"
	"sprintline/internal/migrate"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		Ctx: context.Background(),
		now: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
	}
	env.Engine = engine.New(conn, config.Default("board-1"))
	env.Engine.Now = func() time.Time { return env.now }
	return env
}

func (env *testEnv) advanceDays(n int) {
	env.now = env.now.AddDate(0, 0, n)
}

func (env *testEnv) kickoff(t *testing.T, snap domain.BoardSnapshot) domain.Sprint {
	t.Helper()
	sprint, err := env.Engine.Kickoff(env.Ctx, snap, engine.KickoffOptions{
		Name:    "Sprint 1",
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("kickoff: %v", err)
	}
	return sprint
}

func (env *testEnv) eventCount(t *testing.T, sprintID string) int {
	t.Helper()
	n, err := env.Engine.Repo.CountEvents(env.Ctx, sprintID)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func snap(cards ...domain.Card) domain.BoardSnapshot {
	return domain.BoardSnapshot{
		BoardID: "board-1",
		TakenAt: "2024-03-04T09:00:00Z",
		Cards:   cards,
	}
}

func card(id, title, list string) domain.Card {
	return domain.Card{
		ID:       id,
		Title:    title,
		ListName: list,
		URL:      "https://trello.com/c/" + id,
	}
}

func TestKickoffExclusivity(t *testing.T) {
	env := newTestEnv(t)
	env.kickoff(t, snap(card("c1", "one", "In Scope")))
	_, err := env.Engine.Kickoff(env.Ctx, snap(card("c1", "one", "In Scope")), engine.KickoffOptions{
		Name: "Sprint 2", ActorID: "tester",
	})
	if !errors.Is(err, engine.ErrSprintActive) {
		t.Fatalf("expected ErrSprintActive, got %v", err)
	}
}

func TestKickoffCommitsNonDoneTickets(t *testing.T) {
	env := newTestEnv(t)
	sprint := env.kickoff(t, snap(
		card("c1", "one", "In Scope"),
		card("c2", "two", "In Progress"),
		card("c3", "leftover", "Done"),
		card("c4", "someday", "Backlog"),
	))
	rows, err := env.Engine.Repo.ListSprintTickets(env.Ctx, sprint.ID)
	if err != nil {
		t.Fatal(err)
	}
	committed := 0
	for _, row := range rows {
		if row.Committed {
			committed++
		}
	}
	if committed != 2 {
		t.Fatalf("committed = %d, want 2", committed)
	}
	// Backlog is ignored entirely, the done leftover is recorded but
	// outside the commitment.
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
}

func TestCommittedTicketsExcludeLeftoversAndScopeAdds(t *testing.T) {
	env := newTestEnv(t)
	env.kickoff(t, snap(
		card("c1", "one", "In Scope"),
		card("c2", "two", "In Progress"),
		card("c3", "leftover", "Done"),
	))
	env.advanceDays(1)
	if _, err := env.Engine.IngestSnapshot(env.Ctx, snap(
		card("c1", "one", "In Scope"),
		card("c2", "two", "In Progress"),
		card("c3", "leftover", "Done"),
		card("c4", "latecomer", "In Scope"),
	), "tester"); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	tickets, err := env.Engine.CommittedTickets(env.Ctx)
	if err != nil {
		t.Fatalf("committed tickets: %v", err)
	}
	if len(tickets) != 2 {
		t.Fatalf("committed = %d, want 2", len(tickets))
	}
	for _, tk := range tickets {
		if tk.ID == "c3" || tk.ID == "c4" {
			t.Fatalf("ticket %s should not be in the committed set", tk.ID)
		}
	}
}

func TestCommittedTicketsWithoutActiveSprint(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CommittedTickets(env.Ctx); !errors.Is(err, engine.ErrNoActiveSprint) {
		t.Fatalf("expected ErrNoActiveSprint, got %v", err)
	}
}

func TestCountTicketsByStage(t *testing.T) {
	env := newTestEnv(t)
	sprint := env.kickoff(t, snap(
		card("c1", "one", "In Scope"),
		card("c2", "two", "In Scope"),
		card("c3", "three", "In Progress"),
	))
	counts, err := env.Engine.Repo.CountTicketsByStage(env.Ctx, sprint.ID)
	if err != nil {
		t.Fatalf("count by stage: %v", err)
	}
	if counts[domain.StageInScope.String()] != 2 || counts[domain.StageInProgress.String()] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestIngestWithoutActiveSprint(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.IngestSnapshot(env.Ctx, snap(card("c1", "one", "In Scope")), "tester")
	if !errors.Is(err, engine.ErrNoActiveSprint) {
		t.Fatalf("expected ErrNoActiveSprint, got %v", err)
	}
}

func TestIngestIdempotent(t *testing.T) {
	env := newTestEnv(t)
	board := snap(card("c1", "one", "In Scope"), card("c2", "two", "In Progress"))
	sprint := env.kickoff(t, board)

	delta, err := env.Engine.IngestSnapshot(env.Ctx, board, "tester")
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if !delta.Empty() {
		t.Fatalf("first ingest of the kickoff board should be empty, got %+v", delta)
	}
	before := env.eventCount(t, sprint.ID)

	delta, err = env.Engine.IngestSnapshot(env.Ctx, board, "tester")
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !delta.Empty() {
		t.Fatalf("unchanged snapshot produced delta %+v", delta)
	}
	if after := env.eventCount(t, sprint.ID); after != before {
		t.Fatalf("idempotent ingest appended events: %d -> %d", before, after)
	}
}

func TestStageTransitionRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.kickoff(t, snap(card("c1", "one", "In Scope")))

	delta, err := env.Engine.IngestSnapshot(env.Ctx, snap(card("c1", "one", "In Progress")), "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(delta.Transitions) != 1 {
		t.Fatalf("transitions = %d, want 1", len(delta.Transitions))
	}
	tr := delta.Transitions[0]
	if tr.From != domain.StageInScope || tr.To != domain.StageInProgress {
		t.Fatalf("unexpected transition %s -> %s", tr.From, tr.To)
	}
}

func TestScopeIncreaseFlaggedOnce(t *testing.T) {
	env := newTestEnv(t)
	sprint := env.kickoff(t, snap(card("c1", "one", "In Scope")))

	env.advanceDays(1)
	grown := snap(card("c1", "one", "In Scope"), card("c2", "surprise", "In Progress"))
	delta, err := env.Engine.IngestSnapshot(env.Ctx, grown, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(delta.Added) != 1 || delta.Added[0].ID != "c2" {
		t.Fatalf("added = %+v, want c2", delta.Added)
	}

	delta, err = env.Engine.IngestSnapshot(env.Ctx, grown, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(delta.Added) != 0 {
		t.Fatalf("scope increase flagged twice: %+v", delta.Added)
	}

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, sprint.ID, "ticket.added", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("ticket.added events = %d, want 1", len(events))
	}
}

func TestDoneLeftoverIsNotScopeIncrease(t *testing.T) {
	env := newTestEnv(t)
	board := snap(card("c1", "one", "In Scope"), card("c9", "old glory", "Done"))
	env.kickoff(t, board)

	delta, err := env.Engine.IngestSnapshot(env.Ctx, board, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(delta.Added) != 0 {
		t.Fatalf("done leftover counted as scope increase: %+v", delta.Added)
	}
	rec, err := env.Engine.CloseSprint(env.Ctx, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ScopeAddedCount != 0 {
		t.Fatalf("scope added = %d, want 0", rec.ScopeAddedCount)
	}
}

func TestBlockedAndUnblocked(t *testing.T) {
	env := newTestEnv(t)
	env.kickoff(t, snap(card("c1", "one", "In Progress")))

	blocked := card("c1", "one", "In Progress")
	blocked.Labels = []string{"Blocked"}
	delta, err := env.Engine.IngestSnapshot(env.Ctx, snap(blocked), "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(delta.Blocked) != 1 {
		t.Fatalf("blocked = %v, want [c1]", delta.Blocked)
	}

	tickets, err := env.Engine.Blockers(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tickets) != 1 || tickets[0].ID != "c1" {
		t.Fatalf("blockers = %+v", tickets)
	}

	delta, err = env.Engine.IngestSnapshot(env.Ctx, snap(card("c1", "one", "In Progress")), "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(delta.Unblocked) != 1 {
		t.Fatalf("unblocked = %v, want [c1]", delta.Unblocked)
	}
}

func TestRemovedTicketStaysCommitted(t *testing.T) {
	env := newTestEnv(t)
	env.kickoff(t, snap(card("c1", "one", "In Scope"), card("c2", "two", "In Scope")))

	delta, err := env.Engine.IngestSnapshot(env.Ctx, snap(card("c1", "one", "In Scope")), "tester")
	if err != nil {
		t.Fatal(err)
	}
	if len(delta.Removed) != 1 || delta.Removed[0] != "c2" {
		t.Fatalf("removed = %v, want [c2]", delta.Removed)
	}

	_, tickets, err := env.Engine.Status(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tickets) != 1 || tickets[0].ID != "c1" {
		t.Fatalf("status tickets = %+v, want only c1", tickets)
	}

	// The removed ticket still burdens the commitment at close.
	rec, err := env.Engine.CloseSprint(env.Ctx, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if rec.CommittedCount != 2 {
		t.Fatalf("committed = %d, want 2", rec.CommittedCount)
	}
	if rec.CompletedCount != 0 {
		t.Fatalf("completed = %d, want 0", rec.CompletedCount)
	}
}

func TestAgeAccruesAcrossDailyIngestions(t *testing.T) {
	env := newTestEnv(t)
	board := snap(card("c1", "one", "In Progress"))
	env.kickoff(t, board)

	for i := 0; i < 3; i++ {
		env.advanceDays(1)
		if _, err := env.Engine.IngestSnapshot(env.Ctx, board, "tester"); err != nil {
			t.Fatalf("ingest day %d: %v", i+1, err)
		}
	}

	_, tickets, err := env.Engine.Status(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tickets) != 1 {
		t.Fatalf("tickets = %d, want 1", len(tickets))
	}
	if tickets[0].AgeDays != 3 {
		t.Fatalf("age = %d, want 3", tickets[0].AgeDays)
	}
	if tickets[0].IsNew {
		t.Fatalf("three day old ticket still flagged new")
	}
}

func TestCloseComputesCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.kickoff(t, snap(
		card("c1", "one", "In Scope"),
		card("c2", "two", "In Scope"),
		card("c3", "three", "In Progress"),
		card("c4", "four", "Investigation/Discussion"),
		card("c5", "five", "Pending Release"),
	))

	moved := snap(
		card("c1", "one", "Done"),
		card("c2", "two", "In Scope"),
		card("c3", "three", "In Progress"),
		card("c4", "four", "Investigation/Discussion"),
		card("c5", "five", "Pending Release"),
	)
	if _, err := env.Engine.IngestSnapshot(env.Ctx, moved, "tester"); err != nil {
		t.Fatal(err)
	}

	rec, err := env.Engine.CloseSprint(env.Ctx, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if rec.CommittedCount != 5 || rec.CompletedCount != 1 {
		t.Fatalf("committed/completed = %d/%d, want 5/1", rec.CommittedCount, rec.CompletedCount)
	}
	if rec.CompletionPct != 20 {
		t.Fatalf("completion = %.2f, want 20", rec.CompletionPct)
	}
}

func TestCloseTwiceReturnsSameRecord(t *testing.T) {
	env := newTestEnv(t)
	sprint := env.kickoff(t, snap(card("c1", "one", "In Scope")))

	first, err := env.Engine.CloseSprint(env.Ctx, "tester")
	if err != nil {
		t.Fatal(err)
	}
	events := env.eventCount(t, sprint.ID)

	second, err := env.Engine.CloseSprint(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if second != first {
		t.Fatalf("second close record differs:\n%+v\n%+v", first, second)
	}
	if after := env.eventCount(t, sprint.ID); after != events {
		t.Fatalf("second close appended events: %d -> %d", events, after)
	}
}

func TestCloseWithoutSprint(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CloseSprint(env.Ctx, "tester")
	if !errors.Is(err, engine.ErrNoActiveSprint) {
		t.Fatalf("expected ErrNoActiveSprint, got %v", err)
	}
}

func TestGoalScopeCountsWhenConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.kickoff(t, snap(card("c1", "one", "In Scope")))

	env.advanceDays(1)
	goal := card("c2", "stretch", "In Progress")
	goal.Labels = []string{"Goal"}
	if _, err := env.Engine.IngestSnapshot(env.Ctx, snap(card("c1", "one", "In Scope"), goal), "tester"); err != nil {
		t.Fatal(err)
	}

	rec, err := env.Engine.CloseSprint(env.Ctx, "tester")
	if err != nil {
		t.Fatal(err)
	}
	// Default config counts goal-labeled scope additions in the denominator.
	if rec.CommittedCount != 2 {
		t.Fatalf("committed = %d, want 2", rec.CommittedCount)
	}
	if rec.ScopeAddedCount != 1 {
		t.Fatalf("scope added = %d, want 1", rec.ScopeAddedCount)
	}
}

func TestPreviewKickoffLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	preview, err := env.Engine.PreviewKickoff(env.Ctx, snap(
		card("c1", "one", "In Scope"),
		card("c2", "two", "Done"),
	))
	if err != nil {
		t.Fatal(err)
	}
	if len(preview.Tickets) != 1 || preview.Tickets[0].ID != "c1" {
		t.Fatalf("preview tickets = %+v, want only c1", preview.Tickets)
	}
	if _, err := env.Engine.Repo.ActiveSprint(env.Ctx); err == nil {
		t.Fatalf("preview started a sprint")
	}
}
