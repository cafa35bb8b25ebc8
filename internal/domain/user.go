package domain

import (
	"fmt"
	"time"
)

// User links a Telegram identity to a Canvas credential.
type User struct {
	ID          int64
	TelegramID  int64
	CanvasToken string
	// PollPaused is set when the token is rejected; cleared on re-login.
	PollPaused bool
	CreatedAt  time.Time
}

// SettingCategory names a notification toggle. The set is closed: settings
// updates are validated against it instead of interpolating column names.
type SettingCategory string

const (
	SettingEnabled       SettingCategory = "notifications"
	SettingGrades        SettingCategory = "grades"
	SettingDueDates      SettingCategory = "due_dates"
	SettingAnnouncements SettingCategory = "announcements"
)

// SettingCategories is the closed enumeration, in display order.
var SettingCategories = []SettingCategory{
	SettingEnabled, SettingGrades, SettingDueDates, SettingAnnouncements,
}

func ParseSettingCategory(s string) (SettingCategory, error) {
	for _, c := range SettingCategories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown setting %q", s)
}

// NotificationSettings gates delivery per user. Defaults are all-false until
// the user explicitly enables them; the polling path never creates the row.
type NotificationSettings struct {
	UserID        int64
	Enabled       bool
	Grades        bool
	DueDates      bool
	Announcements bool
}

// Allows reports whether a Canvas-derived event of the given kind passes the
// per-category flags. The global toggle is checked separately and gates
// reminders as well.
func (s NotificationSettings) Allows(kind EventKind) bool {
	switch kind {
	case KindAnnouncement:
		return s.Announcements
	case KindGrade:
		return s.Grades
	case KindDueDateSoon:
		return s.DueDates
	}
	return false
}

// Set applies one category flag. SettingEnabled maps to the global toggle.
func (s *NotificationSettings) Set(c SettingCategory, v bool) error {
	switch c {
	case SettingEnabled:
		s.Enabled = v
	case SettingGrades:
		s.Grades = v
	case SettingDueDates:
		s.DueDates = v
	case SettingAnnouncements:
		s.Announcements = v
	default:
		return fmt.Errorf("unknown setting %q", string(c))
	}
	return nil
}
