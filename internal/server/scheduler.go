package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"sprintline/internal/engine"
	"sprintline/internal/report"
	"sprintline/internal/slack"
)

const defaultScheduleTimeout = 30 * time.Second

// scheduler posts the daily summary to the configured Slack webhook at a
// fixed local time. A failed run only logs; sprint state is untouched
// until the next tick.
type scheduler struct {
	cfg     Config
	dailyAt string
	postURL string
}

// StartScheduler launches the daily check-in loop when both a schedule
// and a webhook URL are configured. Returns false when it stays off.
func StartScheduler(cfg Config) bool {
	dailyAt := strings.TrimSpace(cfg.Engine.Config.Schedule.DailyAt)
	postURL := strings.TrimSpace(cfg.Engine.Config.Slack.WebhookURL)
	if dailyAt == "" || postURL == "" {
		return false
	}
	if _, err := time.Parse("15:04", dailyAt); err != nil {
		log.Printf("scheduler: bad daily_at %q: %v", dailyAt, err)
		return false
	}
	s := &scheduler{cfg: cfg, dailyAt: dailyAt, postURL: postURL}
	go s.run()
	return true
}

func (s *scheduler) run() {
	for {
		wait := untilNext(s.dailyAt, s.cfg.now())
		timer := time.NewTimer(wait)
		<-timer.C
		s.tick()
	}
}

func (s *scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultScheduleTimeout)
	defer cancel()

	text, err := s.checkIn(ctx)
	if err != nil {
		if errors.Is(err, engine.ErrNoActiveSprint) {
			return
		}
		log.Printf("scheduler: daily check-in failed: %v", err)
		return
	}
	if err := s.cfg.Slack.Post(ctx, s.postURL, slack.Message{Text: text}); err != nil {
		log.Printf("scheduler: post summary failed: %v", err)
	}
}

func (s *scheduler) checkIn(ctx context.Context) (string, error) {
	snapshot, err := s.cfg.Source.Snapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch snapshot: %w", err)
	}
	delta, err := s.cfg.Engine.IngestSnapshot(ctx, snapshot, "scheduler")
	if err != nil {
		return "", err
	}
	sprint, _, err := s.cfg.Engine.Status(ctx)
	if err != nil {
		return "", err
	}
	m, err := computeMetrics(ctx, s.cfg.Engine)
	if err != nil {
		return "", err
	}
	return report.RenderDailySummary(sprint, delta, m, reportOptions(s.cfg)), nil
}

// untilNext returns the duration to the next occurrence of clock "HH:MM"
// in now's location.
func untilNext(clock string, now time.Time) time.Duration {
	at, _ := time.Parse("15:04", clock)
	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
