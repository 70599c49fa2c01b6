package streak

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-hub/covenant/portal/internal/store"
)

// Source lists check-in history.
type Source interface {
	ListCheckInMembers(ctx context.Context, since string) ([]string, error)
	ListCheckInDays(ctx context.Context, memberID, since string) ([]string, error)
}

// Notifier warns a member that their streak is at risk.
type Notifier interface {
	NotifyAtRisk(ctx context.Context, memberID string, st Status) error
}

// JobConfig configures a Job.
type JobConfig struct {
	Interval    time.Duration
	MinStreak   int
	NotifyDelay time.Duration // pause between notifications
	Lookback    time.Duration
}

// Job periodically finds at-risk streaks and notifies their owners one at a time.
type Job struct {
	source   Source
	notifier Notifier
	cfg      JobConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewJob creates a streak warning job.
func NewJob(source Source, notifier Notifier, cfg JobConfig, logger *slog.Logger) *Job {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 30 * 24 * time.Hour
	}
	if cfg.MinStreak <= 0 {
		cfg.MinStreak = 1
	}
	return &Job{
		source:   source,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "streak-job"),
		now:      time.Now,
	}
}

// Run executes the job every interval until ctx is cancelled.
func (j *Job) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := j.RunOnce(ctx)
			if err != nil {
				j.logger.Warn("streak check failed", "error", err)
				continue
			}
			j.logger.Info("streak check complete", "notified", n)
		}
	}
}

// RunOnce checks every member with recent check-ins and returns how many
// were notified. A failed notification is logged and does not stop the run.
func (j *Job) RunOnce(ctx context.Context) (int, error) {
	now := j.now()
	since := Day(now.Add(-j.cfg.Lookback))

	members, err := j.source.ListCheckInMembers(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("list members: %w", err)
	}

	notified := 0
	for _, id := range members {
		days, err := j.source.ListCheckInDays(ctx, id, since)
		if err != nil {
			return notified, fmt.Errorf("list check-ins for %s: %w", id, err)
		}
		st := Compute(days, now)
		if !st.AtRisk || st.Current < j.cfg.MinStreak {
			continue
		}

		if notified > 0 && j.cfg.NotifyDelay > 0 {
			select {
			case <-ctx.Done():
				return notified, ctx.Err()
			case <-time.After(j.cfg.NotifyDelay):
			}
		}
		if err := j.notifier.NotifyAtRisk(ctx, id, st); err != nil {
			j.logger.Warn("notify failed", "member_id", id, "error", err)
			continue
		}
		notified++
	}
	return notified, nil
}

// AuditNotifier records at-risk warnings in the audit log.
type AuditNotifier struct {
	store  store.Store
	logger *slog.Logger
}

// NewAuditNotifier creates an AuditNotifier.
func NewAuditNotifier(s store.Store, logger *slog.Logger) *AuditNotifier {
	return &AuditNotifier{store: s, logger: logger}
}

func (n *AuditNotifier) NotifyAtRisk(ctx context.Context, memberID string, st Status) error {
	detail, _ := json.Marshal(map[string]any{
		"current":       st.Current,
		"last_check_in": st.LastCheckIn,
	})
	if err := n.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    "streak.at_risk",
		SubjectID: memberID,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	n.logger.Info("streak at risk", "member_id", memberID, "current", st.Current)
	return nil
}
