// Package metrics derives completion, velocity and trend figures from sprint
// state and closed sprint records. Stateless; all inputs are passed in.
package metrics

import (
	"sprintline/internal/domain"
)

// Options tune the calculation. Zero values fall back to defaults.
type Options struct {
	// VelocityWindow is the rolling-average window over closed records.
	VelocityWindow int
	// CountGoalScope counts goal-flagged scope additions toward the
	// completion denominator. Kept configurable; see sprintline.yml.
	CountGoalScope bool
}

func (o Options) window() int {
	if o.VelocityWindow <= 0 {
		return 3
	}
	return o.VelocityWindow
}

// Compute derives metrics for a sprint from its recorded ticket rows and the
// prior closed records (most recent first). Never fails: empty commitments
// yield 0%, short histories average over what exists.
func Compute(sprint domain.Sprint, rows []domain.SprintTicket, history []domain.SprintRecord, opts Options) domain.Metrics {
	var m domain.Metrics
	for _, row := range rows {
		scopeAdd := !row.Committed && row.EnteredAt != sprint.StartedAt
		counts := row.Committed || (opts.CountGoalScope && scopeAdd && row.IsGoal)
		if scopeAdd {
			m.ScopeAdded++
		}
		if counts {
			m.CommittedCount++
			if row.Stage == domain.StageDone && !row.Removed {
				m.CompletedCount++
			}
		}
	}
	if m.CommittedCount > 0 {
		m.CompletionPct = float64(m.CompletedCount) / float64(m.CommittedCount) * 100
	}
	if m.CommittedCount > 0 {
		m.ScopeGrowthPct = float64(m.ScopeAdded) / float64(m.CommittedCount) * 100
	}
	m.Velocity = Velocity(history, opts.window())
	m.Trend = trend(float64(m.CompletedCount), m.Velocity)
	return m
}

// Velocity is the mean completed-ticket count over the last n closed
// records. Degrades gracefully to the available sample size.
func Velocity(history []domain.SprintRecord, n int) float64 {
	if n <= 0 {
		n = 3
	}
	if len(history) < n {
		n = len(history)
	}
	if n == 0 {
		return 0
	}
	sum := 0
	for _, rec := range history[:n] {
		sum += rec.CompletedCount
	}
	return float64(sum) / float64(n)
}

func trend(completed, velocity float64) string {
	switch {
	case velocity == 0 || completed == velocity:
		return "flat"
	case completed > velocity:
		return "up"
	default:
		return "down"
	}
}
