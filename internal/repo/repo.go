package repo

import (
	"context"
	"database/sql"
	"errors"

	"sprintline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func scanSprint(row *sql.Row) (domain.Sprint, error) {
	var s domain.Sprint
	var boardID, channelID, endsAt, closedAt sql.NullString
	err := row.Scan(&s.ID, &s.Name, &s.Status, &boardID, &channelID, &s.StartedAt, &endsAt, &closedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.BoardID = boardID.String
	s.ChannelID = channelID.String
	s.EndsAt = endsAt.String
	if closedAt.Valid {
		s.ClosedAt = &closedAt.String
	}
	return s, nil
}

const sprintCols = `id,name,status,board_id,channel_id,started_at,ends_at,closed_at`

func (r Repo) GetSprint(ctx context.Context, id string) (domain.Sprint, error) {
	return scanSprint(r.DB.QueryRowContext(ctx, `SELECT `+sprintCols+` FROM sprints WHERE id=?`, id))
}

// ActiveSprint returns the single active sprint, or ErrNotFound.
func (r Repo) ActiveSprint(ctx context.Context) (domain.Sprint, error) {
	return scanSprint(r.DB.QueryRowContext(ctx, `SELECT `+sprintCols+` FROM sprints WHERE status='active' LIMIT 1`))
}

// LatestSprint returns the most recently started sprint regardless of status.
func (r Repo) LatestSprint(ctx context.Context) (domain.Sprint, error) {
	return scanSprint(r.DB.QueryRowContext(ctx, `SELECT `+sprintCols+` FROM sprints ORDER BY started_at DESC, id DESC LIMIT 1`))
}

func (r Repo) InsertSprintTx(ctx context.Context, tx *sql.Tx, s domain.Sprint) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sprints(id,name,status,board_id,channel_id,started_at,ends_at,closed_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.Name, s.Status, nullable(s.BoardID), nullable(s.ChannelID), s.StartedAt, nullable(s.EndsAt), nil)
	return err
}

func (r Repo) CloseSprintTx(ctx context.Context, tx *sql.Tx, id, closedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sprints SET status='closed', closed_at=? WHERE id=? AND status='active'`, closedAt, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSprintTicket(rows *sql.Rows) (domain.SprintTicket, error) {
	var t domain.SprintTicket
	var url, lastMoved sql.NullString
	err := rows.Scan(&t.SprintID, &t.TicketID, &t.Title, &url, &t.Stage, &t.IsGoal, &t.IsBlocked, &t.Committed, &t.EnteredAt, &lastMoved, &t.Removed)
	t.URL = url.String
	t.LastMovedOn = lastMoved.String
	return t, err
}

const sprintTicketCols = `sprint_id,ticket_id,title,url,stage,is_goal,is_blocked,committed,entered_at,last_moved_on,removed`

// ListSprintTickets returns all ticket rows for a sprint, removed ones
// included; callers filter. Ordered by ticket id for stable iteration.
func (r Repo) ListSprintTickets(ctx context.Context, sprintID string) ([]domain.SprintTicket, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sprintTicketCols+` FROM sprint_tickets WHERE sprint_id=? ORDER BY ticket_id`, sprintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SprintTicket
	for rows.Next() {
		t, err := scanSprintTicket(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpsertSprintTicketTx(ctx context.Context, tx *sql.Tx, t domain.SprintTicket) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sprint_tickets(`+sprintTicketCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(sprint_id,ticket_id) DO UPDATE SET
			title=excluded.title, url=excluded.url, stage=excluded.stage,
			is_goal=excluded.is_goal, is_blocked=excluded.is_blocked,
			last_moved_on=excluded.last_moved_on, removed=excluded.removed`,
		t.SprintID, t.TicketID, t.Title, nullable(t.URL), t.Stage.String(), t.IsGoal, t.IsBlocked, t.Committed, t.EnteredAt, nullable(t.LastMovedOn), t.Removed)
	return err
}

func (r Repo) MarkTicketRemovedTx(ctx context.Context, tx *sql.Tx, sprintID, ticketID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE sprint_tickets SET removed=1 WHERE sprint_id=? AND ticket_id=?`, sprintID, ticketID)
	return err
}

// CountTicketsByStage returns live (non-removed) ticket counts per stage.
func (r Repo) CountTicketsByStage(ctx context.Context, sprintID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stage, COUNT(*) FROM sprint_tickets WHERE sprint_id=? AND removed=0 GROUP BY stage`, sprintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var stage string
		var c int
		if err := rows.Scan(&stage, &c); err != nil {
			return nil, err
		}
		counts[stage] = c
	}
	return counts, rows.Err()
}

const recordCols = `sprint_id,name,started_at,closed_at,completion_pct,committed_count,completed_count,scope_added_count`

func (r Repo) InsertSprintRecordTx(ctx context.Context, tx *sql.Tx, rec domain.SprintRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sprint_records(`+recordCols+`) VALUES (?,?,?,?,?,?,?,?)`,
		rec.SprintID, rec.Name, rec.StartedAt, rec.ClosedAt, rec.CompletionPct, rec.CommittedCount, rec.CompletedCount, rec.ScopeAddedCount)
	return err
}

func (r Repo) GetSprintRecord(ctx context.Context, sprintID string) (domain.SprintRecord, error) {
	var rec domain.SprintRecord
	err := r.DB.QueryRowContext(ctx, `SELECT `+recordCols+` FROM sprint_records WHERE sprint_id=?`, sprintID).
		Scan(&rec.SprintID, &rec.Name, &rec.StartedAt, &rec.ClosedAt, &rec.CompletionPct, &rec.CommittedCount, &rec.CompletedCount, &rec.ScopeAddedCount)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

// ListSprintRecords returns closed sprint records, most recent first.
func (r Repo) ListSprintRecords(ctx context.Context, limit int) ([]domain.SprintRecord, error) {
	q := `SELECT ` + recordCols + ` FROM sprint_records ORDER BY closed_at DESC, sprint_id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SprintRecord
	for rows.Next() {
		var rec domain.SprintRecord
		if err := rows.Scan(&rec.SprintID, &rec.Name, &rec.StartedAt, &rec.ClosedAt, &rec.CompletionPct, &rec.CommittedCount, &rec.CompletedCount, &rec.ScopeAddedCount); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var sprintID, entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &sprintID, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.SprintID = sprintID.String
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, n int, sprintID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	q := `SELECT id,ts,type,sprint_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE 1=1`
	args := []any{}
	if sprintID != "" {
		q += ` AND sprint_id=?`
		args = append(args, sprintID)
	}
	if evtType != "" {
		q += ` AND type=?`
		args = append(args, evtType)
	}
	if entityKind != "" {
		q += ` AND entity_kind=?`
		args = append(args, entityKind)
	}
	if entityID != "" {
		q += ` AND entity_id=?`
		args = append(args, entityID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountEvents returns the number of events recorded for a sprint.
func (r Repo) CountEvents(ctx context.Context, sprintID string) (int, error) {
	var c int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE sprint_id=?`, sprintID).Scan(&c)
	return c, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
