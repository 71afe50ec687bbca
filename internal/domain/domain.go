package domain

// Stage is one of the six ticket lifecycle states on the sprint board.
type Stage string

const (
	StageInScope        Stage = "in_scope"
	StageInvestigation  Stage = "investigation"
	StageInProgress     Stage = "in_progress"
	StagePendingRelease Stage = "pending_release"
	StageDemo           Stage = "demo"
	StageDone           Stage = "done"
)

// StageOrder lists stages in board order; reports iterate it so output
// ordering is stable.
var StageOrder = []Stage{
	StageInScope,
	StageInvestigation,
	StageInProgress,
	StagePendingRelease,
	StageDemo,
	StageDone,
}

// Rank returns the position of the stage in StageOrder, or len(StageOrder)
// for unknown values so they sort last.
func (s Stage) Rank() int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return len(StageOrder)
}

func (s Stage) String() string { return string(s) }

// Display returns the human-readable stage name used in reports.
func (s Stage) Display() string {
	switch s {
	case StageInScope:
		return "In Scope"
	case StageInvestigation:
		return "Investigation/Discussion"
	case StageInProgress:
		return "In Progress"
	case StagePendingRelease:
		return "Pending Release"
	case StageDemo:
		return "Demo/Final Approval"
	case StageDone:
		return "Done"
	}
	return string(s)
}

// PR review state as resolved by the snapshot loader, once per run.
const (
	PRStateNone      = ""
	PRStateDraft     = "draft"
	PRStateOpen      = "open"
	PRStateApproved  = "approved"
	PRStateMergeable = "mergeable"
	PRStateFailing   = "failing"
)

// Card is the normalized, read-only board input. It is owned by the external
// board; the engine never mutates it.
type Card struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	ListName         string   `json:"list_name"`
	URL              string   `json:"url,omitempty"`
	MemberIDs        []string `json:"member_ids,omitempty"`
	HasDescription   bool     `json:"has_description"`
	Labels           []string `json:"labels,omitempty"`
	ChecklistItems   int      `json:"checklist_items"`
	ChecklistChecked int      `json:"checklist_checked"`
	PRURL            string   `json:"pr_url,omitempty"`
	PRState          string   `json:"pr_state,omitempty"`
	CreatedOn        string   `json:"created_on,omitempty" format:"date-time"`
	LastMovedOn      string   `json:"last_moved_on,omitempty" format:"date-time"`
}

// HasLabels reports whether the card carries at least one label.
func (c Card) HasLabels() bool { return len(c.Labels) > 0 }

// HasLabel reports whether the card carries the named label.
func (c Card) HasLabel(name string) bool {
	for _, l := range c.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// BoardSnapshot is one normalized read of the external board.
type BoardSnapshot struct {
	BoardID string `json:"board_id"`
	TakenAt string `json:"taken_at" format:"date-time"`
	Cards   []Card `json:"cards"`
}

// Ticket is the per-snapshot derivation of a Card. It has no identity beyond
// the card id and is recomputed on every snapshot.
type Ticket struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	URL              string   `json:"url,omitempty"`
	Stage            Stage    `json:"stage"`
	AgeDays          int      `json:"age_days"`
	IsNew            bool     `json:"is_new"`
	IsGoal           bool     `json:"is_goal"`
	IsBlocked        bool     `json:"is_blocked"`
	MissingInfo      []string `json:"missing_info,omitempty"`
	Members          []string `json:"members,omitempty"`
	ChecklistItems   int      `json:"checklist_items"`
	ChecklistChecked int      `json:"checklist_checked"`
}

// Sprint statuses.
const (
	SprintNotStarted = "not_started"
	SprintActive     = "active"
	SprintClosed     = "closed"
)

// Sprint is the aggregate the engine owns.
type Sprint struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Status    string  `json:"status" enum:"not_started,active,closed"`
	BoardID   string  `json:"board_id,omitempty"`
	ChannelID string  `json:"channel_id,omitempty"`
	StartedAt string  `json:"started_at" format:"date-time"`
	EndsAt    string  `json:"ends_at,omitempty" format:"date-time"`
	ClosedAt  *string `json:"closed_at,omitempty" format:"date-time"`
}

// SprintTicket is the persisted per-sprint state of one ticket: commitment,
// residency and last observed stage.
type SprintTicket struct {
	SprintID    string `json:"sprint_id"`
	TicketID    string `json:"ticket_id"`
	Title       string `json:"title"`
	URL         string `json:"url,omitempty"`
	Stage       Stage  `json:"stage"`
	IsGoal      bool   `json:"is_goal"`
	IsBlocked   bool   `json:"is_blocked"`
	Committed   bool   `json:"committed"`
	EnteredAt   string `json:"entered_at" format:"date-time"`
	LastMovedOn string `json:"last_moved_on,omitempty" format:"date-time"`
	Removed     bool   `json:"removed"`
}

// SprintRecord is the immutable per-sprint history row written at close.
type SprintRecord struct {
	SprintID        string  `json:"sprint_id"`
	Name            string  `json:"name"`
	StartedAt       string  `json:"started_at" format:"date-time"`
	ClosedAt        string  `json:"closed_at" format:"date-time"`
	CompletionPct   float64 `json:"completion_pct"`
	CommittedCount  int     `json:"committed_count"`
	CompletedCount  int     `json:"completed_count"`
	ScopeAddedCount int     `json:"scope_added_count"`
}

// StageTransition records one ticket moving between stages.
type StageTransition struct {
	TicketID string `json:"ticket_id"`
	Title    string `json:"title"`
	From     Stage  `json:"from"`
	To       Stage  `json:"to"`
}

// SprintDelta is the result of one snapshot ingestion: everything that
// changed relative to the previous recorded state.
type SprintDelta struct {
	SprintID    string            `json:"sprint_id"`
	Added       []Ticket          `json:"added,omitempty"`
	Transitions []StageTransition `json:"transitions,omitempty"`
	Removed     []string          `json:"removed,omitempty"`
	Blocked     []string          `json:"blocked,omitempty"`
	Unblocked   []string          `json:"unblocked,omitempty"`
	Tickets     []Ticket          `json:"tickets"`
}

// Empty reports whether the ingestion observed no change.
func (d SprintDelta) Empty() bool {
	return len(d.Added) == 0 && len(d.Transitions) == 0 && len(d.Removed) == 0 &&
		len(d.Blocked) == 0 && len(d.Unblocked) == 0
}

// KickoffPreview is a read-only view of what kickoff would commit.
type KickoffPreview struct {
	BoardID   string         `json:"board_id"`
	Tickets   []Ticket       `json:"tickets"`
	GoalCount int            `json:"goal_count"`
	History   []SprintRecord `json:"history,omitempty"`
}

// Metrics are derived read-only values over a sprint and closed records.
type Metrics struct {
	CompletionPct  float64 `json:"completion_pct"`
	Velocity       float64 `json:"velocity"`
	ScopeGrowthPct float64 `json:"scope_growth_pct"`
	Trend          string  `json:"trend" enum:"up,flat,down"`
	CommittedCount int     `json:"committed_count"`
	CompletedCount int     `json:"completed_count"`
	ScopeAdded     int     `json:"scope_added"`
}

// Event is one append-only history row.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SprintID   string `json:"sprint_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
