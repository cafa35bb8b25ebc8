package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"classbot/internal/canvas"
	"classbot/internal/domain"
	"classbot/internal/notify"
	"classbot/internal/poller"
	"classbot/internal/reminder"
	"classbot/internal/storage"
	"classbot/internal/transport"
	"classbot/pkg/logx"
)

func mkUsers(ids ...int64) []domain.User {
	out := make([]domain.User, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.User{ID: id})
	}
	return out
}

func ids(users []domain.User) []int64 {
	out := make([]int64, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	return out
}

func TestNextBatchRotation(t *testing.T) {
	t.Parallel()
	users := mkUsers(1, 2, 3, 4, 5)

	cursor := 0
	var seen []int64
	for i := 0; i < 3; i++ {
		b := nextBatch(users, cursor, 2)
		cursor = (cursor + len(b)) % len(users)
		seen = append(seen, ids(b)...)
	}
	want := []int64{1, 2, 3, 4, 5, 1}
	if len(seen) != len(want) {
		t.Fatalf("polled %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("polled %v, want %v", seen, want)
		}
	}
}

func TestNextBatchWrapsAndClamps(t *testing.T) {
	t.Parallel()
	users := mkUsers(7, 8, 9)

	b := nextBatch(users, 2, 2)
	if got := ids(b); got[0] != 9 || got[1] != 7 {
		t.Fatalf("batch at cursor 2 = %v, want [9 7]", got)
	}

	// Batch size beyond population yields everyone exactly once.
	b = nextBatch(users, 1, 10)
	if len(b) != 3 {
		t.Fatalf("oversized batch returned %d users, want 3", len(b))
	}

	if b := nextBatch(nil, 0, 5); b != nil {
		t.Fatalf("empty population returned %v", b)
	}
}

func TestNextBatchCursorBeyondLen(t *testing.T) {
	t.Parallel()
	// Cursor state can exceed the population after users unlink.
	users := mkUsers(1, 2)
	b := nextBatch(users, 7, 1)
	if got := ids(b); got[0] != 2 {
		t.Fatalf("batch at stale cursor = %v, want [2]", got)
	}
}

type fakeLMS struct {
	courses       []canvas.Course
	announcements map[int64][]canvas.Announcement
	err           error
}

func (f *fakeLMS) ListCourses(ctx context.Context, token string) ([]canvas.Course, error) {
	return f.courses, f.err
}

func (f *fakeLMS) ListAnnouncements(ctx context.Context, token string, courseID int64, since time.Time) ([]canvas.Announcement, error) {
	return f.announcements[courseID], nil
}

func (f *fakeLMS) ListAssignments(ctx context.Context, token string, courseID int64, dueBefore time.Time) ([]canvas.Assignment, error) {
	return nil, nil
}

// fakeSender captures sends; onSend (when set) runs before each one.
type fakeSender struct {
	mu     sync.Mutex
	sent   []string
	onSend func() error
}

func (f *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onSend != nil {
		if err := f.onSend(); err != nil {
			return 0, err
		}
	}
	f.sent = append(f.sent, text)
	return len(f.sent), nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestCoordinator(t *testing.T, lms *fakeLMS, sender *fakeSender) (*Coordinator, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	p := poller.New(poller.Config{}, lms, logx.Nop())
	dedup := poller.NewDedupFilter(st, logx.Nop())
	sched := reminder.NewScheduler(reminder.Config{}, st, logx.Nop())
	disp := notify.NewDispatcher(notify.Config{}, st, sender, logx.Nop())
	return New(Config{}, st, p, dedup, sched, disp, logx.Nop()), st
}

func linkUser(t *testing.T, st storage.Store, telegramID int64) domain.User {
	t.Helper()
	ctx := context.Background()
	u, err := st.UpsertUser(ctx, telegramID, "tok")
	if err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	_, err = st.UpdateSettings(ctx, u.ID, map[domain.SettingCategory]bool{
		domain.SettingEnabled:       true,
		domain.SettingAnnouncements: true,
	})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	return u
}

func dueReminder(t *testing.T, st storage.Store, userID int64, content string) domain.Reminder {
	t.Helper()
	r, err := st.CreateReminder(context.Background(), domain.Reminder{
		UserID: userID, FireAt: time.Now().UTC().Add(5 * time.Millisecond), Content: content,
	})
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	return r
}

func TestReminderPassDeliversAndCompletes(t *testing.T) {
	sender := &fakeSender{}
	c, st := newTestCoordinator(t, &fakeLMS{}, sender)
	ctx := context.Background()

	u := linkUser(t, st, 100)
	dueReminder(t, st, u.ID, "hand in essay")

	c.reminderPass(ctx, time.Now().UTC())

	texts := sender.texts()
	if len(texts) != 1 || !strings.Contains(texts[0], "hand in essay") {
		t.Fatalf("sent = %v, want the reminder text", texts)
	}
	if rs, _ := st.ListReminders(ctx, u.ID); len(rs) != 0 {
		t.Fatalf("one-shot reminder still active: %v", rs)
	}
}

func TestReminderPassDeliveryFailureReverts(t *testing.T) {
	sender := &fakeSender{onSend: func() error { return errors.New("telegram 502") }}
	c, st := newTestCoordinator(t, &fakeLMS{}, sender)
	ctx := context.Background()

	u := linkUser(t, st, 100)
	r := dueReminder(t, st, u.ID, "call advisor")

	c.reminderPass(ctx, time.Now().UTC())

	// Back to scheduled with the failure counted; the next tick can claim it.
	claimed, err := st.ClaimDue(ctx, time.Now().Add(time.Hour), 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimDue after revert = %v, %v; want 1 row", claimed, err)
	}
	if claimed[0].ID != r.ID || claimed[0].Attempts != 1 {
		t.Fatalf("reverted reminder = %+v, want id %d with 1 attempt", claimed[0], r.ID)
	}
}

func TestReminderPassOwnerGoneCancels(t *testing.T) {
	sender := &fakeSender{}
	c, st := newTestCoordinator(t, &fakeLMS{}, sender)
	ctx := context.Background()

	// A reminder whose owner row is gone (unlink raced the claim).
	dueReminder(t, st, 999, "orphan")

	c.reminderPass(ctx, time.Now().UTC())

	if texts := sender.texts(); len(texts) != 0 {
		t.Fatalf("delivered to a deleted user: %v", texts)
	}
	if claimed, _ := st.ClaimDue(ctx, time.Now().Add(time.Hour), 10); len(claimed) != 0 {
		t.Fatalf("ownerless reminder still claimable: %v", claimed)
	}
	if rs, _ := st.ListReminders(ctx, 999); len(rs) != 0 {
		t.Fatalf("ownerless reminder still active: %v", rs)
	}
}

func TestReminderPassShutdownReleasesClaim(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first delivery cancels the run context mid-pass, as a shutdown would.
	sender := &fakeSender{onSend: func() error { cancel(); return nil }}
	c, st := newTestCoordinator(t, &fakeLMS{}, sender)

	u := linkUser(t, st, 100)
	dueReminder(t, st, u.ID, "first")
	second := dueReminder(t, st, u.ID, "second")

	c.reminderPass(ctx, time.Now().UTC())

	// The undelivered claim must be released despite the dead run context,
	// with no attempt counted.
	fresh := context.Background()
	claimed, err := st.ClaimDue(fresh, time.Now().Add(time.Hour), 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimDue after shutdown = %v, %v; want the released reminder", claimed, err)
	}
	if claimed[0].ID != second.ID || claimed[0].Attempts != 0 {
		t.Fatalf("released reminder = %+v, want id %d with 0 attempts", claimed[0], second.ID)
	}
}

func TestStartRecoversInterruptedReminders(t *testing.T) {
	sender := &fakeSender{}
	c, st := newTestCoordinator(t, &fakeLMS{}, sender)
	ctx := context.Background()

	u := linkUser(t, st, 100)
	r := dueReminder(t, st, u.ID, "stuck")
	if claimed, err := st.ClaimDue(ctx, time.Now(), 10); err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimDue = %v, %v", claimed, err)
	}

	// A previous run died mid-fire; Start puts the row back in play.
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(ctx)

	claimed, err := st.ClaimDue(ctx, time.Now().Add(time.Hour), 10)
	if err != nil || len(claimed) != 1 || claimed[0].ID != r.ID {
		t.Fatalf("interrupted reminder not recovered: %v, %v", claimed, err)
	}
}

func TestPollUserInvalidCredentialPauses(t *testing.T) {
	sender := &fakeSender{}
	c, st := newTestCoordinator(t, &fakeLMS{err: domain.ErrInvalidCredential}, sender)
	ctx := context.Background()

	u := linkUser(t, st, 100)
	c.pollUser(ctx, u)

	got, err := st.UserByID(ctx, u.ID)
	if err != nil || !got.PollPaused {
		t.Fatalf("user = %+v, %v; want poll_paused set", got, err)
	}
	if pollable, _ := st.ListPollableUsers(ctx); len(pollable) != 0 {
		t.Fatalf("paused user still pollable: %v", pollable)
	}
}

func TestPollUserDeliversNovelEventsOnce(t *testing.T) {
	posted := time.Now().Add(-time.Hour)
	lms := &fakeLMS{
		courses: []canvas.Course{{ID: 1, Name: "Biology"}},
		announcements: map[int64][]canvas.Announcement{
			1: {{ID: 7, Title: "Field trip", PostedAt: &posted, CourseID: 1}},
		},
	}
	sender := &fakeSender{}
	c, st := newTestCoordinator(t, lms, sender)
	ctx := context.Background()

	u := linkUser(t, st, 100)
	c.pollUser(ctx, u)
	c.pollUser(ctx, u)

	texts := sender.texts()
	if len(texts) != 1 || !strings.Contains(texts[0], "Field trip") {
		t.Fatalf("sent = %v, want the announcement exactly once", texts)
	}
}
