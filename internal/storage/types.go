package storage

import (
	"context"
	"time"

	"classbot/internal/domain"
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default (5s)
}

// UserStore manages linked accounts.
type UserStore interface {
	// UpsertUser links (or re-links) a Telegram identity to a Canvas token.
	// Re-linking clears the poll-paused flag.
	UpsertUser(ctx context.Context, telegramID int64, token string) (domain.User, error)
	UserByID(ctx context.Context, id int64) (domain.User, error)
	UserByTelegramID(ctx context.Context, telegramID int64) (domain.User, error)
	// ListPollableUsers returns linked users whose polling is not paused.
	ListPollableUsers(ctx context.Context) ([]domain.User, error)
	SetPollPaused(ctx context.Context, userID int64, paused bool) error
}

// SettingsStore manages per-user notification settings. Reads return
// all-false defaults when no row exists; the row is created lazily on the
// first explicit write, never by the polling path.
type SettingsStore interface {
	Settings(ctx context.Context, userID int64) (domain.NotificationSettings, error)
	UpdateSettings(ctx context.Context, userID int64, changes map[domain.SettingCategory]bool) (domain.NotificationSettings, error)
}

// SeenStore is the persisted set of already-notified event fingerprints.
type SeenStore interface {
	HasSeen(ctx context.Context, userID int64, kind domain.EventKind, sourceID string, version uint64) (bool, error)
	// MarkSeen is an idempotent insert: a duplicate key is a no-op, not an
	// error (concurrent pollers for the same user may race).
	MarkSeen(ctx context.Context, userID int64, kind domain.EventKind, sourceID string, version uint64, firstSeen time.Time) error
	PruneSeen(ctx context.Context, olderThan time.Time) (int64, error)
}

// ReminderStore manages reminder rows and their state machine.
type ReminderStore interface {
	CreateReminder(ctx context.Context, r domain.Reminder) (domain.Reminder, error)
	// ListReminders returns the user's non-terminal reminders, soonest first.
	ListReminders(ctx context.Context, userID int64) ([]domain.Reminder, error)
	// CancelReminder moves a non-terminal reminder to cancelled.
	// Returns domain.ErrNotFound if no such row (or already terminal).
	CancelReminder(ctx context.Context, userID, id int64) error

	// ClaimDue atomically flips scheduled reminders with fire_at <= now to
	// firing and returns them, ordered by fire_at then id. A reminder is
	// returned to at most one concurrent caller.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.Reminder, error)
	// CompleteFiring finishes a successful delivery: next == nil marks the
	// reminder done, otherwise it returns to scheduled at *next with the
	// attempt counter reset. A row no longer in firing state is a no-op.
	CompleteFiring(ctx context.Context, id int64, next *time.Time) error
	// RevertFiring returns a failed delivery to scheduled, recording the
	// attempt count, without touching fire_at.
	RevertFiring(ctx context.Context, id int64, attempts int) error
	// ForceCancelReminder cancels a firing reminder whose retry budget ran out.
	ForceCancelReminder(ctx context.Context, id int64) error
	// RecoverFiring returns every firing row to scheduled. Run once at
	// startup: a crash between claim and terminal transition must not
	// strand a reminder in the firing state.
	RecoverFiring(ctx context.Context) (int64, error)

	// AddNotice queues a user-visible notice surfaced on the user's next
	// command (failures are never pushed proactively).
	AddNotice(ctx context.Context, userID int64, text string) error
	// TakeNotices returns and clears pending notices for a user.
	TakeNotices(ctx context.Context, userID int64) ([]string, error)
}

// Store is the full persistence API.
type Store interface {
	UserStore
	SettingsStore
	SeenStore
	ReminderStore

	// DeleteUserData removes the user and everything owned by them in one
	// transaction (settings, seen events, reminders, notices).
	DeleteUserData(ctx context.Context, userID int64) error

	Close() error
}
