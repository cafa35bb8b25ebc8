package reminder

import (
	"context"
	"strings"
	"testing"
	"time"

	"classbot/internal/domain"
	"classbot/pkg/logx"
)

func TestNextOccurrenceNoDrift(t *testing.T) {
	t.Parallel()
	origin := time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC)

	r := domain.Reminder{FireAt: origin, Recurrence: domain.RecurDaily}
	// Simulate N firings, each delivered with a few minutes of jitter.
	for n := 1; n <= 30; n++ {
		fired := r.FireAt.Add(4 * time.Minute) // tick granularity jitter
		next, ok := NextOccurrence(r, fired)
		if !ok {
			t.Fatal("daily reminder reported no next occurrence")
		}
		want := origin.Add(time.Duration(n) * 24 * time.Hour)
		if !next.Equal(want) {
			t.Fatalf("after %d firings next = %v, want %v", n, next, want)
		}
		r.FireAt = next
	}
}

func TestNextOccurrenceVariants(t *testing.T) {
	t.Parallel()
	origin := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		rec  domain.Recurrence
		now  time.Time
		want time.Time
		ok   bool
	}{
		{name: "one-shot", rec: domain.RecurNone, now: origin.Add(time.Minute), ok: false},
		{
			name: "weekly fired 5m late",
			rec:  domain.RecurWeekly,
			now:  origin.Add(5 * time.Minute),
			want: origin.Add(7 * 24 * time.Hour),
			ok:   true,
		},
		{
			name: "daily after 3 days of downtime rolls past now",
			rec:  domain.RecurDaily,
			now:  origin.Add(3*24*time.Hour + time.Hour),
			want: origin.Add(4 * 24 * time.Hour),
			ok:   true,
		},
		{
			name: "weekly exactly one period later",
			rec:  domain.RecurWeekly,
			now:  origin.Add(7 * 24 * time.Hour),
			want: origin.Add(14 * 24 * time.Hour),
			ok:   true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := domain.Reminder{FireAt: origin, Recurrence: tt.rec}
			next, ok := NextOccurrence(r, tt.now)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && !next.Equal(tt.want) {
				t.Fatalf("next = %v, want %v", next, tt.want)
			}
		})
	}
}

// fakeReminderStore records transitions for transition-path assertions.
type fakeReminderStore struct {
	completed map[int64]*time.Time
	reverted  map[int64]int
	cancelled map[int64]bool
	notices   map[int64][]string
}

func newFakeReminderStore() *fakeReminderStore {
	return &fakeReminderStore{
		completed: map[int64]*time.Time{},
		reverted:  map[int64]int{},
		cancelled: map[int64]bool{},
		notices:   map[int64][]string{},
	}
}

func (f *fakeReminderStore) CreateReminder(ctx context.Context, r domain.Reminder) (domain.Reminder, error) {
	return r, nil
}
func (f *fakeReminderStore) ListReminders(ctx context.Context, userID int64) ([]domain.Reminder, error) {
	return nil, nil
}
func (f *fakeReminderStore) CancelReminder(ctx context.Context, userID, id int64) error { return nil }
func (f *fakeReminderStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.Reminder, error) {
	return nil, nil
}
func (f *fakeReminderStore) CompleteFiring(ctx context.Context, id int64, next *time.Time) error {
	f.completed[id] = next
	return nil
}
func (f *fakeReminderStore) RevertFiring(ctx context.Context, id int64, attempts int) error {
	f.reverted[id] = attempts
	return nil
}
func (f *fakeReminderStore) ForceCancelReminder(ctx context.Context, id int64) error {
	f.cancelled[id] = true
	return nil
}
func (f *fakeReminderStore) RecoverFiring(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakeReminderStore) AddNotice(ctx context.Context, userID int64, text string) error {
	f.notices[userID] = append(f.notices[userID], text)
	return nil
}
func (f *fakeReminderStore) TakeNotices(ctx context.Context, userID int64) ([]string, error) {
	return nil, nil
}

func TestCompleteFiringOneShotIsDone(t *testing.T) {
	store := newFakeReminderStore()
	s := NewScheduler(Config{}, store, logx.Nop())

	r := domain.Reminder{ID: 1, FireAt: time.Now().Add(-time.Minute), Recurrence: domain.RecurNone}
	if err := s.CompleteFiring(context.Background(), r, time.Now()); err != nil {
		t.Fatalf("CompleteFiring: %v", err)
	}
	next, ok := store.completed[1]
	if !ok || next != nil {
		t.Fatalf("one-shot completion: next = %v, want nil", next)
	}
}

func TestCompleteFiringRecurringReschedules(t *testing.T) {
	store := newFakeReminderStore()
	s := NewScheduler(Config{}, store, logx.Nop())

	origin := time.Date(2026, 8, 29, 18, 0, 0, 0, time.UTC)
	r := domain.Reminder{ID: 2, FireAt: origin, Recurrence: domain.RecurWeekly}
	if err := s.CompleteFiring(context.Background(), r, origin.Add(5*time.Minute)); err != nil {
		t.Fatalf("CompleteFiring: %v", err)
	}
	next := store.completed[2]
	if next == nil || !next.Equal(origin.Add(7*24*time.Hour)) {
		t.Fatalf("recurring completion: next = %v", next)
	}
}

func TestRevertFiringRetriesThenForceCancels(t *testing.T) {
	store := newFakeReminderStore()
	s := NewScheduler(Config{MaxAttempts: 3}, store, logx.Nop())
	ctx := context.Background()

	r := domain.Reminder{ID: 9, UserID: 4, Content: "call home", FireAt: time.Now(), Attempts: 0}

	// Attempts 1 and 2 go back to scheduled.
	for i := 0; i < 2; i++ {
		if err := s.RevertFiring(ctx, r); err != nil {
			t.Fatalf("RevertFiring: %v", err)
		}
		r.Attempts = store.reverted[9]
	}
	if store.cancelled[9] {
		t.Fatal("cancelled before budget exhausted")
	}

	// Third failure exhausts the budget.
	if err := s.RevertFiring(ctx, r); err != nil {
		t.Fatalf("RevertFiring: %v", err)
	}
	if !store.cancelled[9] {
		t.Fatal("reminder not force-cancelled")
	}
	notes := store.notices[4]
	if len(notes) != 1 || !strings.Contains(notes[0], "call home") {
		t.Fatalf("missing user notice: %v", notes)
	}
}
