// Package reminder drives the reminder state machine: claiming due rows,
// applying lifecycle transitions after delivery, and computing recurrence.
package reminder

import (
	"context"
	"fmt"
	"time"

	"classbot/internal/domain"
	"classbot/internal/storage"
	"classbot/pkg/logx"
)

type Config struct {
	// MaxAttempts is the delivery retry budget per reminder; when exhausted
	// the reminder is force-cancelled and the user is told on their next
	// command. Default 5.
	MaxAttempts int
	// ClaimLimit bounds one tick's claim. Default 100.
	ClaimLimit int
}

type Scheduler struct {
	store       storage.ReminderStore
	log         logx.Logger
	maxAttempts int
	claimLimit  int
}

func NewScheduler(cfg Config, store storage.ReminderStore, log logx.Logger) *Scheduler {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	claimLimit := cfg.ClaimLimit
	if claimLimit <= 0 {
		claimLimit = 100
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{store: store, log: log, maxAttempts: maxAttempts, claimLimit: claimLimit}
}

// DueReminders claims all scheduled reminders with fire_at <= now, ordered
// by fire time then id. Claimed rows are in firing state; the caller must
// finish each one with CompleteFiring or RevertFiring.
func (s *Scheduler) DueReminders(ctx context.Context, now time.Time) ([]domain.Reminder, error) {
	return s.store.ClaimDue(ctx, now, s.claimLimit)
}

// CompleteFiring applies the post-delivery transition: one-shot reminders
// become done; recurring ones return to scheduled at the next occurrence.
func (s *Scheduler) CompleteFiring(ctx context.Context, r domain.Reminder, now time.Time) error {
	next, ok := NextOccurrence(r, now)
	if !ok {
		return s.store.CompleteFiring(ctx, r.ID, nil)
	}
	return s.store.CompleteFiring(ctx, r.ID, &next)
}

// RevertFiring returns a failed delivery to scheduled so the next tick
// retries it. When the retry budget is exhausted the reminder is cancelled
// instead and a notice is queued for the user's next interaction — a
// reminder is never dropped silently.
func (s *Scheduler) RevertFiring(ctx context.Context, r domain.Reminder) error {
	attempts := r.Attempts + 1
	if attempts < s.maxAttempts {
		return s.store.RevertFiring(ctx, r.ID, attempts)
	}

	s.log.Warn("reminder retry budget exhausted; cancelling",
		logx.Int64("reminder", r.ID), logx.Int64("user", r.UserID), logx.Int("attempts", attempts))
	if err := s.store.ForceCancelReminder(ctx, r.ID); err != nil {
		return err
	}
	notice := fmt.Sprintf(
		"Your reminder %q (due %s) was cancelled after %d failed delivery attempts.",
		r.Content, r.FireAt.Format("2006-01-02 15:04"), attempts,
	)
	return s.store.AddNotice(ctx, r.UserID, notice)
}

// NextOccurrence computes a recurring reminder's next fire time. The next
// time is an exact whole number of periods after the *original* fire time —
// never derived from the delivery time, so wall-clock jitter can't
// accumulate into drift. When the process was down across several periods,
// the schedule rolls forward past now in one step rather than firing a
// backlog burst.
func NextOccurrence(r domain.Reminder, now time.Time) (time.Time, bool) {
	period := r.Recurrence.Period()
	if period <= 0 {
		return time.Time{}, false
	}
	next := r.FireAt.Add(period)
	if next.After(now) {
		return next, true
	}
	missed := now.Sub(r.FireAt) / period
	next = r.FireAt.Add((missed + 1) * period)
	return next, true
}
