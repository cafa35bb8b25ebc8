package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"classbot/internal/domain"
	"classbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store, creating the file and schema as needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- users ----

const userCols = `id, telegram_id, canvas_token, poll_paused, created_at`

func scanUser(row interface{ Scan(...any) error }) (domain.User, error) {
	var u domain.User
	var paused int
	var createdMS int64
	if err := row.Scan(&u.ID, &u.TelegramID, &u.CanvasToken, &paused, &createdMS); err != nil {
		return domain.User{}, err
	}
	u.PollPaused = paused != 0
	u.CreatedAt = time.UnixMilli(createdMS).UTC()
	return u, nil
}

func (s *sqliteStore) UpsertUser(ctx context.Context, telegramID int64, token string) (domain.User, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(telegram_id, canvas_token, poll_paused, created_at) VALUES(?,?,0,?)
		 ON CONFLICT(telegram_id) DO UPDATE SET canvas_token=excluded.canvas_token, poll_paused=0`,
		telegramID, token, time.Now().UnixMilli(),
	)
	if err != nil {
		return domain.User{}, err
	}
	return s.UserByTelegramID(ctx, telegramID)
}

func (s *sqliteStore) UserByID(ctx context.Context, id int64) (domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	return u, err
}

func (s *sqliteStore) UserByTelegramID(ctx context.Context, telegramID int64) (domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE telegram_id = ?`, telegramID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	return u, err
}

func (s *sqliteStore) ListPollableUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userCols+` FROM users WHERE poll_paused = 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetPollPaused(ctx context.Context, userID int64, paused bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET poll_paused = ? WHERE id = ?`, boolInt(paused), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ---- notification settings ----

func (s *sqliteStore) Settings(ctx context.Context, userID int64) (domain.NotificationSettings, error) {
	st := domain.NotificationSettings{UserID: userID}
	var enabled, grades, due, ann int
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, grades, due_dates, announcements FROM notification_settings WHERE user_id = ?`,
		userID,
	).Scan(&enabled, &grades, &due, &ann)
	if errors.Is(err, sql.ErrNoRows) {
		// No row yet: defaults, all off.
		return st, nil
	}
	if err != nil {
		return st, err
	}
	st.Enabled = enabled != 0
	st.Grades = grades != 0
	st.DueDates = due != 0
	st.Announcements = ann != 0
	return st, nil
}

func (s *sqliteStore) UpdateSettings(ctx context.Context, userID int64, changes map[domain.SettingCategory]bool) (domain.NotificationSettings, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NotificationSettings{}, err
	}
	defer tx.Rollback()

	st := domain.NotificationSettings{UserID: userID}
	var enabled, grades, due, ann int
	err = tx.QueryRowContext(ctx,
		`SELECT enabled, grades, due_dates, announcements FROM notification_settings WHERE user_id = ?`,
		userID,
	).Scan(&enabled, &grades, &due, &ann)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// lazily created below
	case err != nil:
		return st, err
	default:
		st.Enabled = enabled != 0
		st.Grades = grades != 0
		st.DueDates = due != 0
		st.Announcements = ann != 0
	}

	for c, v := range changes {
		if err := st.Set(c, v); err != nil {
			return st, err
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO notification_settings(user_id, enabled, grades, due_dates, announcements) VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
			enabled=excluded.enabled, grades=excluded.grades,
			due_dates=excluded.due_dates, announcements=excluded.announcements`,
		userID, boolInt(st.Enabled), boolInt(st.Grades), boolInt(st.DueDates), boolInt(st.Announcements),
	)
	if err != nil {
		return st, err
	}
	return st, tx.Commit()
}

// ---- seen events ----

func (s *sqliteStore) HasSeen(ctx context.Context, userID int64, kind domain.EventKind, sourceID string, version uint64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM seen_events WHERE user_id=? AND kind=? AND source_id=? AND source_version=?`,
		userID, string(kind), sourceID, int64(version),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) MarkSeen(ctx context.Context, userID int64, kind domain.EventKind, sourceID string, version uint64, firstSeen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen_events(user_id, kind, source_id, source_version, first_seen_at) VALUES(?,?,?,?,?)`,
		userID, string(kind), sourceID, int64(version), firstSeen.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) PruneSeen(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen_events WHERE first_seen_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- reminders ----

const reminderCols = `id, user_id, fire_at, recurrence, content, state, attempts, created_at`

func scanReminder(row interface{ Scan(...any) error }) (domain.Reminder, error) {
	var r domain.Reminder
	var fireMS, createdMS int64
	var rec, state string
	if err := row.Scan(&r.ID, &r.UserID, &fireMS, &rec, &r.Content, &state, &r.Attempts, &createdMS); err != nil {
		return domain.Reminder{}, err
	}
	r.FireAt = time.UnixMilli(fireMS).UTC()
	r.CreatedAt = time.UnixMilli(createdMS).UTC()
	r.Recurrence = domain.Recurrence(rec)
	r.State = domain.ReminderState(state)
	return r, nil
}

func (s *sqliteStore) CreateReminder(ctx context.Context, r domain.Reminder) (domain.Reminder, error) {
	now := time.Now().UTC()
	if err := r.ValidateNew(now); err != nil {
		return domain.Reminder{}, err
	}
	if r.Recurrence == "" {
		r.Recurrence = domain.RecurNone
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(user_id, fire_at, recurrence, content, state, attempts, created_at)
		 VALUES(?,?,?,?,'scheduled',0,?)`,
		r.UserID, r.FireAt.UnixMilli(), string(r.Recurrence), r.Content, now.UnixMilli(),
	)
	if err != nil {
		return domain.Reminder{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Reminder{}, err
	}
	r.ID = id
	r.State = domain.StateScheduled
	r.Attempts = 0
	r.CreatedAt = now
	return r, nil
}

func (s *sqliteStore) ListReminders(ctx context.Context, userID int64) ([]domain.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderCols+` FROM reminders
		 WHERE user_id = ? AND state IN ('scheduled','firing')
		 ORDER BY fire_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CancelReminder(ctx context.Context, userID, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET state='cancelled' WHERE id=? AND user_id=? AND state IN ('scheduled','firing')`,
		id, userID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.Reminder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderCols+` FROM reminders
		 WHERE state='scheduled' AND fire_at <= ?
		 ORDER BY fire_at, id LIMIT ?`, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	candidates := make([]domain.Reminder, 0, 8)
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Per-row compare-and-set: only the caller whose UPDATE flips the state
	// owns the reminder. Losing a row here means another instance claimed it.
	claimed := candidates[:0]
	for _, r := range candidates {
		res, err := s.db.ExecContext(ctx,
			`UPDATE reminders SET state='firing' WHERE id=? AND state='scheduled'`, r.ID)
		if err != nil {
			return claimed, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			r.State = domain.StateFiring
			claimed = append(claimed, r)
		}
	}
	return claimed, nil
}

func (s *sqliteStore) CompleteFiring(ctx context.Context, id int64, next *time.Time) error {
	var err error
	if next == nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE reminders SET state='done', attempts=0 WHERE id=? AND state='firing'`, id)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE reminders SET state='scheduled', fire_at=?, attempts=0 WHERE id=? AND state='firing'`,
			next.UnixMilli(), id)
	}
	// Zero rows affected means the row was cancelled or deleted mid-flight;
	// that delete/cancel won the race, so this is a no-op.
	return err
}

func (s *sqliteStore) RevertFiring(ctx context.Context, id int64, attempts int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET state='scheduled', attempts=? WHERE id=? AND state='firing'`,
		attempts, id)
	return err
}

func (s *sqliteStore) ForceCancelReminder(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET state='cancelled' WHERE id=? AND state='firing'`, id)
	return err
}

func (s *sqliteStore) RecoverFiring(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET state='scheduled' WHERE state='firing'`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- notices ----

func (s *sqliteStore) AddNotice(ctx context.Context, userID int64, text string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminder_notices(user_id, text, created_at) VALUES(?,?,?)`,
		userID, text, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) TakeNotices(ctx context.Context, userID int64) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT text FROM reminder_notices WHERE user_id=? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(out) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM reminder_notices WHERE user_id=?`, userID); err != nil {
			return nil, err
		}
	}
	return out, tx.Commit()
}

// ---- account deletion ----

func (s *sqliteStore) DeleteUserData(ctx context.Context, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM reminders WHERE user_id=?`,
		`DELETE FROM seen_events WHERE user_id=?`,
		`DELETE FROM notification_settings WHERE user_id=?`,
		`DELETE FROM reminder_notices WHERE user_id=?`,
		`DELETE FROM users WHERE id=?`,
	} {
		if _, err := tx.ExecContext(ctx, q, userID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
