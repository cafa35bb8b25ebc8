package domain

import (
	"errors"
	"strings"
	"time"
)

// Recurrence of a reminder.
type Recurrence string

const (
	RecurNone   Recurrence = "none"
	RecurDaily  Recurrence = "daily"
	RecurWeekly Recurrence = "weekly"
)

// ParseRecurrence accepts the user-facing names ("daily", "weekly", "").
func ParseRecurrence(s string) (Recurrence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "once":
		return RecurNone, nil
	case "daily":
		return RecurDaily, nil
	case "weekly":
		return RecurWeekly, nil
	}
	return RecurNone, errors.New("recurrence must be daily or weekly")
}

// Period returns the recurrence interval, or 0 for one-shot reminders.
func (r Recurrence) Period() time.Duration {
	switch r {
	case RecurDaily:
		return 24 * time.Hour
	case RecurWeekly:
		return 7 * 24 * time.Hour
	}
	return 0
}

// ReminderState is the lifecycle state of a reminder.
//
// scheduled -> firing (claimed by the scheduler) -> done | scheduled (recurring)
// Any non-terminal state -> cancelled (user cancel, or retry budget exhausted).
type ReminderState string

const (
	StateScheduled ReminderState = "scheduled"
	StateFiring    ReminderState = "firing"
	StateDone      ReminderState = "done"
	StateCancelled ReminderState = "cancelled"
)

func (s ReminderState) Terminal() bool { return s == StateDone || s == StateCancelled }

type Reminder struct {
	ID         int64
	UserID     int64
	FireAt     time.Time
	Recurrence Recurrence
	Content    string
	State      ReminderState
	Attempts   int
	CreatedAt  time.Time
}

// ValidateNew rejects reminders that would never fire.
func (r Reminder) ValidateNew(now time.Time) error {
	if strings.TrimSpace(r.Content) == "" {
		return errors.New("reminder content is empty")
	}
	if !r.FireAt.After(now) {
		return errors.New("reminder time must be in the future")
	}
	return nil
}
