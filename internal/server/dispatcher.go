package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"sprintline/internal/board"
	"sprintline/internal/engine"
	"sprintline/internal/repo"
	"sprintline/internal/report"
	"sprintline/internal/slack"
)

// Slash commands understood by the dispatcher.
const (
	cmdKickoff        = "/sprint-kickoff"
	cmdKickoffConfirm = "/sprint-kickoff-confirm"
	cmdCheckIn        = "/sprint-check-in"
	cmdReview         = "/sprint-review"
)

const actionKickoffConfirm = "kickoff_confirm"

const helpText = "Commands: `/sprint-kickoff` preview the next sprint, " +
	"`/sprint-kickoff-confirm [name]` start it, " +
	"`/sprint-check-in` post a progress summary, " +
	"`/sprint-review` close the sprint and post the review."

// dispatcher routes verified Slack requests to engine operations. Every
// command produces a message; failures become replies, never dropped
// requests.
type dispatcher struct {
	cfg Config
}

func (d dispatcher) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, ok := d.verified(w, r)
	if !ok {
		return
	}
	cmd, err := slack.ParseSlashCommand(body)
	if err != nil {
		respondEphemeral(w, "could not read that command, try again")
		return
	}
	text := d.dispatchCommand(r.Context(), cmd)
	respondInChannel(w, text)
}

func (d dispatcher) handleInteraction(w http.ResponseWriter, r *http.Request) {
	body, ok := d.verified(w, r)
	if !ok {
		return
	}
	action, err := slack.ParseBlockAction(body)
	if err != nil {
		respondEphemeral(w, "could not read that interaction")
		return
	}
	switch action.ActionID {
	case actionKickoffConfirm:
		text := d.runKickoff(r.Context(), action.Value, action.ChannelID, action.UserID)
		respondInChannel(w, text)
	default:
		respondEphemeral(w, helpText)
	}
}

// verified reads the request body and checks the Slack v0 signature.
// Returns ok=false after writing the response itself.
func (d dispatcher) verified(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "request body unreadable", http.StatusBadRequest)
		return nil, false
	}
	err = slack.VerifySignature(
		d.cfg.SigningSecret,
		r.Header.Get("X-Slack-Request-Timestamp"),
		r.Header.Get("X-Slack-Signature"),
		body,
		d.cfg.now(),
	)
	if err != nil {
		log.Printf("slack: rejected request: %v", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

func (d dispatcher) dispatchCommand(ctx context.Context, cmd slack.SlashCommand) string {
	switch cmd.Command {
	case cmdKickoff:
		return d.runPreview(ctx)
	case cmdKickoffConfirm:
		return d.runKickoff(ctx, strings.TrimSpace(cmd.Text), cmd.ChannelID, cmd.UserID)
	case cmdCheckIn:
		return d.runCheckIn(ctx, cmd.UserID)
	case cmdReview:
		return d.runReview(ctx, cmd.UserID)
	default:
		return helpText
	}
}

func (d dispatcher) runPreview(ctx context.Context) string {
	snapshot, err := d.cfg.Source.Snapshot(ctx)
	if err != nil {
		return userMessage(err)
	}
	preview, err := d.cfg.Engine.PreviewKickoff(ctx, snapshot)
	if err != nil {
		return userMessage(err)
	}
	text := report.RenderKickoffPreview(preview, reportOptions(d.cfg))
	return text + "\nRun `" + cmdKickoffConfirm + "` to start the sprint."
}

func (d dispatcher) runKickoff(ctx context.Context, name, channelID, userID string) string {
	if name == "" {
		name = "Sprint " + d.cfg.now().UTC().Format("2006-01-02")
	}
	snapshot, err := d.cfg.Source.Snapshot(ctx)
	if err != nil {
		return userMessage(err)
	}
	sprint, err := d.cfg.Engine.Kickoff(ctx, snapshot, engine.KickoffOptions{
		Name:      name,
		ChannelID: channelID,
		ActorID:   actorOrDefault(userID),
	})
	if err != nil {
		return userMessage(err)
	}
	tickets, err := d.cfg.Engine.CommittedTickets(ctx)
	if err != nil {
		return userMessage(err)
	}
	return report.RenderKickoff(sprint, tickets, reportOptions(d.cfg))
}

func (d dispatcher) runCheckIn(ctx context.Context, userID string) string {
	snapshot, err := d.cfg.Source.Snapshot(ctx)
	if err != nil {
		return userMessage(err)
	}
	delta, err := d.cfg.Engine.IngestSnapshot(ctx, snapshot, actorOrDefault(userID))
	if err != nil {
		return userMessage(err)
	}
	sprint, _, err := d.cfg.Engine.Status(ctx)
	if err != nil {
		return userMessage(err)
	}
	m, err := computeMetrics(ctx, d.cfg.Engine)
	if err != nil {
		return userMessage(err)
	}
	return report.RenderDailySummary(sprint, delta, m, reportOptions(d.cfg))
}

func (d dispatcher) runReview(ctx context.Context, userID string) string {
	e := d.cfg.Engine
	sprint, tickets, statusErr := e.Status(ctx)
	rec, err := e.CloseSprint(ctx, actorOrDefault(userID))
	if err != nil {
		return userMessage(err)
	}
	if statusErr != nil {
		// Already closed before this request; report from the record.
		var getErr error
		sprint, getErr = e.Repo.GetSprint(ctx, rec.SprintID)
		if getErr != nil {
			return userMessage(getErr)
		}
		tickets = nil
	}
	history, err := e.Repo.ListSprintRecords(ctx, e.Config.VelocityWindow()+1)
	if err != nil {
		return userMessage(err)
	}
	// The record just written leads the list; history shows what came before.
	if len(history) > 0 && history[0].SprintID == rec.SprintID {
		history = history[1:]
	}
	return report.RenderReview(sprint, rec, tickets, history, reportOptions(d.cfg))
}

// userMessage turns engine and board errors into reply text. Unexpected
// errors are logged and reported generically.
func userMessage(err error) string {
	switch {
	case errors.Is(err, engine.ErrSprintActive):
		return "A sprint is already active. Close it with `" + cmdReview + "` before kicking off a new one."
	case errors.Is(err, engine.ErrNoActiveSprint):
		return "No sprint is active. Start one with `" + cmdKickoff + "`."
	case errors.Is(err, board.ErrUnavailable):
		return "The board is unreachable right now, try again in a minute."
	case errors.Is(err, board.ErrMalformedSnapshot):
		return "The board returned data I could not understand."
	case errors.Is(err, repo.ErrNotFound):
		return "Nothing recorded yet."
	default:
		log.Printf("slack: command failed: %v", err)
		return "Something went wrong handling that command."
	}
}

func actorOrDefault(userID string) string {
	if userID == "" {
		return "operator"
	}
	return "slack:" + userID
}

func respondInChannel(w http.ResponseWriter, text string) {
	respondJSON(w, slack.Message{Text: text, ResponseType: "in_channel"})
}

func respondEphemeral(w http.ResponseWriter, text string) {
	respondJSON(w, slack.Message{Text: text, ResponseType: "ephemeral"})
}

func respondJSON(w http.ResponseWriter, msg slack.Message) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		log.Printf("slack: write response: %v", err)
	}
}
