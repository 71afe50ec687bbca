// Package engine owns the active sprint: kickoff, snapshot ingestion, close.
// Mutating operations are serialized and transactional; each observed change
// appends exactly one immutable event to the sprint history.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sprintline/internal/board"
	"sprintline/internal/classify"
	"sprintline/internal/config"
	"sprintline/internal/domain"
	"sprintline/internal/events"
	"sprintline/internal/repo"
)

// ErrSprintActive rejects kickoff while a sprint is already active.
var ErrSprintActive = errors.New("a sprint is already active")

// ErrNoActiveSprint rejects mutating operations when no sprint is active.
var ErrNoActiveSprint = errors.New("no active sprint")

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	mu sync.Mutex
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// PreviewKickoff shows what would become the committed set. Read-only and
// allowed anytime, active sprint or not.
func (e *Engine) PreviewKickoff(ctx context.Context, snapshot domain.BoardSnapshot) (domain.KickoffPreview, error) {
	if err := board.Validate(snapshot); err != nil {
		return domain.KickoffPreview{}, err
	}
	sc := classify.SprintContext{Config: e.Config, Now: e.now()}
	tickets := sortTickets(eligible(classify.ClassifyAll(snapshot, sc)))
	preview := domain.KickoffPreview{
		BoardID: snapshot.BoardID,
		Tickets: tickets,
	}
	for _, t := range tickets {
		if t.IsGoal {
			preview.GoalCount++
		}
	}
	history, err := e.Repo.ListSprintRecords(ctx, e.Config.VelocityWindow())
	if err != nil {
		return domain.KickoffPreview{}, err
	}
	preview.History = history
	return preview, nil
}

// KickoffOptions are parameters for starting a sprint.
type KickoffOptions struct {
	Name      string
	EndsAt    string
	ChannelID string
	ActorID   string
}

// Kickoff starts a new sprint, committing every ticket currently classified
// into a non-done stage. Fails with ErrSprintActive if one is running.
func (e *Engine) Kickoff(ctx context.Context, snapshot domain.BoardSnapshot, opts KickoffOptions) (domain.Sprint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.Repo.ActiveSprint(ctx); err == nil {
		return domain.Sprint{}, ErrSprintActive
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Sprint{}, err
	}
	if err := board.Validate(snapshot); err != nil {
		return domain.Sprint{}, err
	}
	if opts.Name == "" {
		return domain.Sprint{}, errors.New("sprint name is required")
	}

	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	sprint := domain.Sprint{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.Name+"|"+nowStr)).String(),
		Name:      opts.Name,
		Status:    domain.SprintActive,
		BoardID:   snapshot.BoardID,
		ChannelID: opts.ChannelID,
		StartedAt: nowStr,
		EndsAt:    opts.EndsAt,
	}

	sc := classify.SprintContext{Config: e.Config, Now: now}
	tickets := sortTickets(classify.ClassifyAll(snapshot, sc))
	committed := 0
	for _, t := range tickets {
		if t.Stage != domain.StageDone {
			committed++
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Sprint{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertSprintTx(ctx, tx, sprint); err != nil {
		return domain.Sprint{}, fmt.Errorf("insert sprint: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "sprint.kickoff", sprint.ID, "sprint", sprint.ID, opts.ActorID, events.EventPayload{
		"name":            sprint.Name,
		"committed_count": committed,
	}); err != nil {
		return domain.Sprint{}, err
	}
	for _, t := range tickets {
		// Cards already done at kickoff are leftovers from the previous
		// sprint: recorded so they never read as scope increases later,
		// but outside the commitment.
		row := domain.SprintTicket{
			SprintID:  sprint.ID,
			TicketID:  t.ID,
			Title:     t.Title,
			URL:       t.URL,
			Stage:     t.Stage,
			IsGoal:    t.IsGoal,
			IsBlocked: t.IsBlocked,
			Committed: t.Stage != domain.StageDone,
			EnteredAt: nowStr,
		}
		if err := e.Repo.UpsertSprintTicketTx(ctx, tx, row); err != nil {
			return domain.Sprint{}, fmt.Errorf("commit ticket %s: %w", t.ID, err)
		}
		if !row.Committed {
			continue
		}
		if err := e.Events.Append(ctx, tx, "ticket.committed", sprint.ID, "ticket", t.ID, opts.ActorID, events.EventPayload{
			"title": t.Title,
			"stage": t.Stage.String(),
		}); err != nil {
			return domain.Sprint{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Sprint{}, err
	}
	return sprint, nil
}

// IngestSnapshot reconciles one board snapshot against the recorded sprint
// state. Idempotent: an unchanged snapshot yields an empty delta and appends
// no events. The computed delta applies atomically or not at all.
func (e *Engine) IngestSnapshot(ctx context.Context, snapshot domain.BoardSnapshot, actorID string) (domain.SprintDelta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sprint, err := e.Repo.ActiveSprint(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.SprintDelta{}, ErrNoActiveSprint
		}
		return domain.SprintDelta{}, err
	}
	if err := board.Validate(snapshot); err != nil {
		return domain.SprintDelta{}, err
	}

	known, err := e.Repo.ListSprintTickets(ctx, sprint.ID)
	if err != nil {
		return domain.SprintDelta{}, err
	}
	prev := make(map[string]domain.SprintTicket, len(known))
	entered := make(map[string]string, len(known))
	for _, row := range known {
		prev[row.TicketID] = row
		entered[row.TicketID] = row.EnteredAt
	}

	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	sc := classify.SprintContext{Config: e.Config, EnteredAt: entered, Now: now}
	tickets := sortTickets(classify.ClassifyAll(snapshot, sc))

	delta := domain.SprintDelta{SprintID: sprint.ID, Tickets: tickets}
	var upserts []domain.SprintTicket
	seen := make(map[string]bool, len(tickets))

	for _, t := range tickets {
		seen[t.ID] = true
		row, ok := prev[t.ID]
		if !ok {
			// First observation inside the active sprint: a scope
			// increase, flagged once, never silently merged.
			delta.Added = append(delta.Added, t)
			if t.IsBlocked {
				delta.Blocked = append(delta.Blocked, t.ID)
			}
			upserts = append(upserts, domain.SprintTicket{
				SprintID:  sprint.ID,
				TicketID:  t.ID,
				Title:     t.Title,
				URL:       t.URL,
				Stage:     t.Stage,
				IsGoal:    t.IsGoal,
				IsBlocked: t.IsBlocked,
				Committed: false,
				EnteredAt: nowStr,
			})
			continue
		}
		changed := row.Removed // a removed ticket reappearing is a change
		if row.Stage != t.Stage {
			delta.Transitions = append(delta.Transitions, domain.StageTransition{
				TicketID: t.ID,
				Title:    t.Title,
				From:     row.Stage,
				To:       t.Stage,
			})
			changed = true
		}
		if row.IsBlocked != t.IsBlocked {
			if t.IsBlocked {
				delta.Blocked = append(delta.Blocked, t.ID)
			} else {
				delta.Unblocked = append(delta.Unblocked, t.ID)
			}
			changed = true
		}
		if row.Title != t.Title || row.URL != t.URL || row.IsGoal != t.IsGoal {
			changed = true
		}
		if changed {
			row.Title = t.Title
			row.URL = t.URL
			row.Stage = t.Stage
			row.IsGoal = t.IsGoal
			row.IsBlocked = t.IsBlocked
			row.Removed = false
			row.LastMovedOn = nowStr
			upserts = append(upserts, row)
		}
	}

	for _, row := range known {
		if !seen[row.TicketID] && !row.Removed {
			delta.Removed = append(delta.Removed, row.TicketID)
		}
	}

	if delta.Empty() && len(upserts) == 0 {
		return delta, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SprintDelta{}, err
	}
	defer tx.Rollback()

	for _, row := range upserts {
		if err := e.Repo.UpsertSprintTicketTx(ctx, tx, row); err != nil {
			return domain.SprintDelta{}, fmt.Errorf("upsert ticket %s: %w", row.TicketID, err)
		}
	}
	for _, t := range delta.Added {
		if err := e.Events.Append(ctx, tx, "ticket.added", sprint.ID, "ticket", t.ID, actorID, events.EventPayload{
			"title":          t.Title,
			"stage":          t.Stage.String(),
			"scope_increase": true,
		}); err != nil {
			return domain.SprintDelta{}, err
		}
	}
	for _, tr := range delta.Transitions {
		if err := e.Events.Append(ctx, tx, "ticket.stage_changed", sprint.ID, "ticket", tr.TicketID, actorID, events.EventPayload{
			"from": tr.From.String(),
			"to":   tr.To.String(),
		}); err != nil {
			return domain.SprintDelta{}, err
		}
	}
	for _, id := range delta.Removed {
		if err := e.Repo.MarkTicketRemovedTx(ctx, tx, sprint.ID, id); err != nil {
			return domain.SprintDelta{}, err
		}
		if err := e.Events.Append(ctx, tx, "ticket.removed", sprint.ID, "ticket", id, actorID, nil); err != nil {
			return domain.SprintDelta{}, err
		}
	}
	for _, id := range delta.Blocked {
		if err := e.Events.Append(ctx, tx, "ticket.blocked", sprint.ID, "ticket", id, actorID, nil); err != nil {
			return domain.SprintDelta{}, err
		}
	}
	for _, id := range delta.Unblocked {
		if err := e.Events.Append(ctx, tx, "ticket.unblocked", sprint.ID, "ticket", id, actorID, nil); err != nil {
			return domain.SprintDelta{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.SprintDelta{}, err
	}
	return delta, nil
}

// CloseSprint closes the active sprint and writes its one immutable record.
// Closing again after the latest sprint is already closed is a no-op that
// returns the existing record.
func (e *Engine) CloseSprint(ctx context.Context, actorID string) (domain.SprintRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sprint, err := e.Repo.ActiveSprint(ctx)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.SprintRecord{}, err
		}
		latest, lerr := e.Repo.LatestSprint(ctx)
		if lerr != nil || latest.Status != domain.SprintClosed {
			return domain.SprintRecord{}, ErrNoActiveSprint
		}
		return e.Repo.GetSprintRecord(ctx, latest.ID)
	}

	rows, err := e.Repo.ListSprintTickets(ctx, sprint.ID)
	if err != nil {
		return domain.SprintRecord{}, err
	}
	rec := e.buildRecord(sprint, rows)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SprintRecord{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.CloseSprintTx(ctx, tx, sprint.ID, rec.ClosedAt); err != nil {
		return domain.SprintRecord{}, err
	}
	if err := e.Repo.InsertSprintRecordTx(ctx, tx, rec); err != nil {
		return domain.SprintRecord{}, fmt.Errorf("insert sprint record: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "sprint.closed", sprint.ID, "sprint", sprint.ID, actorID, events.EventPayload{
		"completion_pct":  rec.CompletionPct,
		"completed_count": rec.CompletedCount,
		"committed_count": rec.CommittedCount,
	}); err != nil {
		return domain.SprintRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SprintRecord{}, err
	}
	return rec, nil
}

// buildRecord freezes the completion snapshot. Scope-increase tickets count
// toward the denominator only when goal-flagged and count_goal_scope is set;
// otherwise they are reported as scope growth, never conflated with the
// original commitment.
func (e *Engine) buildRecord(sprint domain.Sprint, rows []domain.SprintTicket) domain.SprintRecord {
	rec := domain.SprintRecord{
		SprintID:  sprint.ID,
		Name:      sprint.Name,
		StartedAt: sprint.StartedAt,
		ClosedAt:  e.now().UTC().Format(time.RFC3339),
	}
	countGoalScope := e.Config != nil && e.Config.Metrics.CountGoalScope
	denom := 0
	for _, row := range rows {
		scopeAdd := !row.Committed && row.EnteredAt != sprint.StartedAt
		counts := row.Committed || (countGoalScope && scopeAdd && row.IsGoal)
		if scopeAdd {
			rec.ScopeAddedCount++
		}
		if counts {
			denom++
			if row.Stage == domain.StageDone && !row.Removed {
				rec.CompletedCount++
			}
		}
	}
	rec.CommittedCount = denom
	if denom > 0 {
		rec.CompletionPct = float64(rec.CompletedCount) / float64(denom) * 100
	}
	return rec
}

// Status is the read side: the active sprint and its current tickets derived
// from recorded state, no board call required.
func (e *Engine) Status(ctx context.Context) (domain.Sprint, []domain.Ticket, error) {
	sprint, err := e.Repo.ActiveSprint(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Sprint{}, nil, ErrNoActiveSprint
		}
		return domain.Sprint{}, nil, err
	}
	rows, err := e.Repo.ListSprintTickets(ctx, sprint.ID)
	if err != nil {
		return domain.Sprint{}, nil, err
	}
	return sprint, sortTickets(e.ticketsFromRows(rows)), nil
}

// CommittedTickets returns the active sprint's committed set. Scope
// additions and done-list leftovers recorded at kickoff are excluded, so
// the result matches what kickoff actually committed.
func (e *Engine) CommittedTickets(ctx context.Context) ([]domain.Ticket, error) {
	sprint, err := e.Repo.ActiveSprint(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNoActiveSprint
		}
		return nil, err
	}
	rows, err := e.Repo.ListSprintTickets(ctx, sprint.ID)
	if err != nil {
		return nil, err
	}
	var committed []domain.SprintTicket
	for _, row := range rows {
		if row.Committed {
			committed = append(committed, row)
		}
	}
	return sortTickets(e.ticketsFromRows(committed)), nil
}

// Blockers returns the currently blocked tickets of the active sprint.
func (e *Engine) Blockers(ctx context.Context) ([]domain.Ticket, error) {
	_, tickets, err := e.Status(ctx)
	if err != nil {
		return nil, err
	}
	var blocked []domain.Ticket
	for _, t := range tickets {
		if t.IsBlocked {
			blocked = append(blocked, t)
		}
	}
	return blocked, nil
}

func (e *Engine) ticketsFromRows(rows []domain.SprintTicket) []domain.Ticket {
	now := e.now().UTC()
	var tickets []domain.Ticket
	for _, row := range rows {
		if row.Removed {
			continue
		}
		age := 0
		if at, err := time.Parse(time.RFC3339, row.EnteredAt); err == nil {
			age = int(now.Sub(at.UTC()).Hours() / 24)
			if age < 0 {
				age = 0
			}
		}
		tickets = append(tickets, domain.Ticket{
			ID:        row.TicketID,
			Title:     row.Title,
			URL:       row.URL,
			Stage:     row.Stage,
			AgeDays:   age,
			IsNew:     age < e.Config.NewDays(),
			IsGoal:    row.IsGoal,
			IsBlocked: row.IsBlocked,
		})
	}
	return tickets
}

// eligible filters the committed-eligible set at kickoff: everything on the
// sprint board except tickets already done.
func eligible(tickets []domain.Ticket) []domain.Ticket {
	var out []domain.Ticket
	for _, t := range tickets {
		if t.Stage != domain.StageDone {
			out = append(out, t)
		}
	}
	return out
}

// sortTickets orders by stage order then id so every downstream consumer
// sees a deterministic sequence.
func sortTickets(tickets []domain.Ticket) []domain.Ticket {
	sort.Slice(tickets, func(i, j int) bool {
		if tickets[i].Stage.Rank() != tickets[j].Stage.Rank() {
			return tickets[i].Stage.Rank() < tickets[j].Stage.Rank()
		}
		return tickets[i].ID < tickets[j].ID
	})
	return tickets
}
