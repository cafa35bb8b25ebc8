package notify

import (
	"fmt"
	"strings"

	"classbot/internal/domain"
)

// FormatEvent renders a Canvas event as a plain-text notification.
func FormatEvent(e domain.Event) string {
	var b strings.Builder
	switch e.Kind {
	case domain.KindAnnouncement:
		fmt.Fprintf(&b, "📣 %s\nNew announcement: %s", e.Course, e.Title)
	case domain.KindGrade:
		fmt.Fprintf(&b, "💯 %s\nGrade posted: %s", e.Course, e.Title)
	case domain.KindDueDateSoon:
		fmt.Fprintf(&b, "📅 %s\n%s is due %s", e.Course, e.Title, e.When.Format("Mon, Jan 2 at 15:04"))
	default:
		fmt.Fprintf(&b, "%s: %s", e.Course, e.Title)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, "\n%s", e.URL)
	}
	return b.String()
}

// FormatReminder renders a fired reminder.
func FormatReminder(r domain.Reminder) string {
	recur := ""
	if r.Recurrence != domain.RecurNone {
		recur = fmt.Sprintf(" (repeats %s)", r.Recurrence)
	}
	return fmt.Sprintf("⏰ Reminder: %s%s", r.Content, recur)
}
