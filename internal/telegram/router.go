// Package telegram turns incoming chat messages into commands against the
// store and the Canvas API. Handlers are thin glue: parse, call, format.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"classbot/internal/canvas"
	"classbot/internal/domain"
	"classbot/internal/storage"
	"classbot/internal/transport"
	"classbot/pkg/logx"
)

// Canvas is the slice of the API the command handlers need.
type Canvas interface {
	ListCourses(ctx context.Context, token string) ([]canvas.Course, error)
	ListAnnouncements(ctx context.Context, token string, courseID int64, since time.Time) ([]canvas.Announcement, error)
	ListAssignments(ctx context.Context, token string, courseID int64, dueBefore time.Time) ([]canvas.Assignment, error)
}

type Config struct {
	// AnnouncementLookback bounds /announcements; default 7 days.
	AnnouncementLookback time.Duration
	// CalendarMaxAhead bounds /calendar; default 90 days.
	CalendarMaxAhead time.Duration
	// Location interprets user-entered reminder times; default time.Local.
	Location *time.Location
	// HandleTimeout bounds one command end to end; default 30s.
	HandleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.AnnouncementLookback <= 0 {
		c.AnnouncementLookback = 7 * 24 * time.Hour
	}
	if c.CalendarMaxAhead <= 0 {
		c.CalendarMaxAhead = 90 * 24 * time.Hour
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.HandleTimeout <= 0 {
		c.HandleTimeout = 30 * time.Second
	}
	return c
}

type Router struct {
	cfg     Config
	store   storage.Store
	canvas  Canvas
	adapter transport.Adapter
	log     logx.Logger
}

func NewRouter(cfg Config, store storage.Store, cv Canvas, adapter transport.Adapter, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{cfg: cfg.withDefaults(), store: store, canvas: cv, adapter: adapter, log: log}
}

// Run consumes updates until the channel closes or ctx is cancelled.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Message == nil || !strings.HasPrefix(u.Message.Text, "/") {
				continue
			}
			r.handle(ctx, u.Message)
		}
	}
}

func (r *Router) handle(ctx context.Context, msg *transport.Message) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.HandleTimeout)
	defer cancel()

	cmd, args := splitCommand(msg.Text)
	reply := r.dispatch(ctx, msg, cmd, args)
	if reply == "" {
		return
	}
	if notices := r.pendingNotices(ctx, msg.FromID); notices != "" {
		reply = notices + "\n\n" + reply
	}
	if _, err := r.adapter.SendText(ctx, transport.ChatTarget{ChatID: msg.ChatID}, reply, nil); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat", msg.ChatID), logx.String("command", cmd), logx.Err(err))
	}
}

func (r *Router) dispatch(ctx context.Context, msg *transport.Message, cmd string, args []string) string {
	switch cmd {
	case "/start", "/help":
		return helpText
	case "/login":
		return r.cmdLogin(ctx, msg, args)
	case "/logout":
		return r.cmdLogout(ctx, msg)
	case "/settings":
		return r.withUser(ctx, msg, func(u domain.User) string { return r.cmdSettings(ctx, u, args) })
	case "/classes":
		return r.withUser(ctx, msg, func(u domain.User) string { return r.cmdClasses(ctx, u) })
	case "/announcements":
		return r.withUser(ctx, msg, func(u domain.User) string { return r.cmdAnnouncements(ctx, u, args) })
	case "/calendar":
		return r.withUser(ctx, msg, func(u domain.User) string { return r.cmdCalendar(ctx, u, args) })
	case "/remind":
		return r.withUser(ctx, msg, func(u domain.User) string { return r.cmdRemind(ctx, u, args) })
	case "/reminders":
		return r.withUser(ctx, msg, func(u domain.User) string { return r.cmdReminders(ctx, u) })
	case "/cancel":
		return r.withUser(ctx, msg, func(u domain.User) string { return r.cmdCancel(ctx, u, args) })
	}
	return "Unknown command. Send /help for the list."
}

// withUser resolves the sender's linked account or answers with login guidance.
func (r *Router) withUser(ctx context.Context, msg *transport.Message, fn func(domain.User) string) string {
	user, err := r.store.UserByTelegramID(ctx, msg.FromID)
	if errors.Is(err, domain.ErrNotFound) {
		return "You are not linked to Canvas yet. Send /login <access-token> first."
	}
	if err != nil {
		r.log.Error("user lookup failed", logx.Int64("telegram_id", msg.FromID), logx.Err(err))
		return "Something went wrong, try again later."
	}
	return fn(user)
}

// pendingNotices drains queued notices (forced reminder cancellations) so
// they ride along with the next reply instead of being pushed proactively.
func (r *Router) pendingNotices(ctx context.Context, telegramID int64) string {
	user, err := r.store.UserByTelegramID(ctx, telegramID)
	if err != nil {
		return ""
	}
	notices, err := r.store.TakeNotices(ctx, user.ID)
	if err != nil {
		r.log.Warn("taking notices failed", logx.Int64("user", user.ID), logx.Err(err))
		return ""
	}
	if len(notices) == 0 {
		return ""
	}
	return "⚠️ " + strings.Join(notices, "\n⚠️ ")
}

func (r *Router) cmdLogin(ctx context.Context, msg *transport.Message, args []string) string {
	if len(args) != 1 {
		return "Usage: /login <canvas-access-token>"
	}
	token := args[0]

	// Validate the token before storing it; a bad one would only surface
	// later as a paused poller.
	courses, err := r.canvas.ListCourses(ctx, token)
	if errors.Is(err, domain.ErrInvalidCredential) {
		return "Canvas rejected that token. Generate a new access token and try again."
	}
	if err != nil {
		r.log.Warn("login validation failed", logx.Int64("telegram_id", msg.FromID), logx.Err(err))
		return "Could not reach Canvas to verify the token, try again later."
	}

	if _, err := r.store.UpsertUser(ctx, msg.FromID, token); err != nil {
		r.log.Error("upsert user failed", logx.Int64("telegram_id", msg.FromID), logx.Err(err))
		return "Something went wrong, try again later."
	}
	return fmt.Sprintf("Linked! I can see %d active course(s). Send /settings notifications=on to start receiving updates.", len(courses))
}

func (r *Router) cmdLogout(ctx context.Context, msg *transport.Message) string {
	user, err := r.store.UserByTelegramID(ctx, msg.FromID)
	if errors.Is(err, domain.ErrNotFound) {
		return "You were not linked."
	}
	if err != nil {
		r.log.Error("user lookup failed", logx.Int64("telegram_id", msg.FromID), logx.Err(err))
		return "Something went wrong, try again later."
	}
	if err := r.store.DeleteUserData(ctx, user.ID); err != nil {
		r.log.Error("delete user data failed", logx.Int64("user", user.ID), logx.Err(err))
		return "Something went wrong, try again later."
	}
	return "Unlinked. Your token, settings and reminders are gone."
}

func (r *Router) cmdSettings(ctx context.Context, user domain.User, args []string) string {
	if len(args) == 0 {
		st, err := r.store.Settings(ctx, user.ID)
		if err != nil {
			r.log.Error("settings read failed", logx.Int64("user", user.ID), logx.Err(err))
			return "Something went wrong, try again later."
		}
		return formatSettings(st)
	}

	changes := make(map[domain.SettingCategory]bool, len(args))
	for _, a := range args {
		name, raw, ok := strings.Cut(a, "=")
		if !ok {
			return fmt.Sprintf("Bad argument %q. Usage: /settings [name=on|off ...]", a)
		}
		cat, err := domain.ParseSettingCategory(strings.ToLower(name))
		if err != nil {
			return fmt.Sprintf("Unknown setting %q. Known: %s.", name, settingNames())
		}
		v, err := parseOnOff(raw)
		if err != nil {
			return fmt.Sprintf("Bad value %q for %s: use on or off.", raw, name)
		}
		changes[cat] = v
	}

	st, err := r.store.UpdateSettings(ctx, user.ID, changes)
	if err != nil {
		r.log.Error("settings update failed", logx.Int64("user", user.ID), logx.Err(err))
		return "Something went wrong, try again later."
	}
	return formatSettings(st)
}

func (r *Router) cmdClasses(ctx context.Context, user domain.User) string {
	courses, err := r.canvas.ListCourses(ctx, user.CanvasToken)
	if msg := canvasErrText(err); msg != "" {
		return msg
	}
	if len(courses) == 0 {
		return "No active courses."
	}
	var b strings.Builder
	b.WriteString("Your active courses:\n")
	for _, c := range courses {
		fmt.Fprintf(&b, "• %s\n", c.Name)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) cmdAnnouncements(ctx context.Context, user domain.User, args []string) string {
	if len(args) == 0 {
		return "Usage: /announcements <class>"
	}
	course, msg := r.matchCourse(ctx, user, strings.Join(args, " "))
	if msg != "" {
		return msg
	}

	since := time.Now().Add(-r.cfg.AnnouncementLookback)
	anns, err := r.canvas.ListAnnouncements(ctx, user.CanvasToken, course.ID, since)
	if msg := canvasErrText(err); msg != "" {
		return msg
	}
	if len(anns) == 0 {
		return fmt.Sprintf("No announcements in %s in the last %d days.", course.Name, int(r.cfg.AnnouncementLookback.Hours()/24))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Recent announcements in %s:\n", course.Name)
	for _, a := range anns {
		if a.PostedAt == nil {
			continue
		}
		fmt.Fprintf(&b, "• %s (%s)\n  %s\n", a.Title, a.PostedAt.In(r.cfg.Location).Format("Jan 2"), a.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) cmdCalendar(ctx context.Context, user domain.User, args []string) string {
	if len(args) == 0 {
		return "Usage: /calendar <YYYY-MM-DD> [class]"
	}
	until, err := time.ParseInLocation("2006-01-02", args[0], r.cfg.Location)
	if err != nil {
		return "Bad date. Usage: /calendar <YYYY-MM-DD> [class]"
	}
	// Inclusive of the named day.
	until = until.Add(24 * time.Hour)
	now := time.Now()
	if !until.After(now) {
		return "That date is in the past."
	}
	if until.After(now.Add(r.cfg.CalendarMaxAhead)) {
		return fmt.Sprintf("I can only look %d days ahead.", int(r.cfg.CalendarMaxAhead.Hours()/24))
	}

	courses, err := r.canvas.ListCourses(ctx, user.CanvasToken)
	if msg := canvasErrText(err); msg != "" {
		return msg
	}
	if filter := strings.Join(args[1:], " "); filter != "" {
		courses = filterCourses(courses, filter)
		if len(courses) == 0 {
			return fmt.Sprintf("No course matches %q. Send /classes for the list.", filter)
		}
	}

	var b strings.Builder
	total := 0
	for _, c := range courses {
		asgs, err := r.canvas.ListAssignments(ctx, user.CanvasToken, c.ID, until)
		if err != nil {
			// One broken course must not empty the whole calendar.
			r.log.Warn("calendar fetch failed", logx.Int64("course", c.ID), logx.Err(err))
			continue
		}
		lines := upcomingLines(asgs, now, r.cfg.Location)
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s:\n", c.Name)
		for _, l := range lines {
			b.WriteString(l + "\n")
		}
		total += len(lines)
	}
	if total == 0 {
		return "Nothing due before then. 🎉"
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) cmdRemind(ctx context.Context, user domain.User, args []string) string {
	const usage = "Usage: /remind <YYYY-MM-DD> <HH:MM> [daily|weekly] <text>"
	if len(args) < 3 {
		return usage
	}
	fireAt, err := time.ParseInLocation("2006-01-02 15:04", args[0]+" "+args[1], r.cfg.Location)
	if err != nil {
		return usage
	}
	rest := args[2:]
	recur := domain.RecurNone
	if rc, err := domain.ParseRecurrence(rest[0]); err == nil && rc != domain.RecurNone {
		recur = rc
		rest = rest[1:]
	}
	content := strings.TrimSpace(strings.Join(rest, " "))

	rem := domain.Reminder{
		UserID:     user.ID,
		FireAt:     fireAt,
		Recurrence: recur,
		Content:    content,
	}
	if err := rem.ValidateNew(time.Now()); err != nil {
		return "Cannot create that reminder: " + err.Error() + "."
	}
	created, err := r.store.CreateReminder(ctx, rem)
	if err != nil {
		r.log.Error("create reminder failed", logx.Int64("user", user.ID), logx.Err(err))
		return "Something went wrong, try again later."
	}
	return fmt.Sprintf("Reminder #%d set for %s%s.", created.ID,
		created.FireAt.In(r.cfg.Location).Format("Mon Jan 2 15:04"), recurSuffix(created.Recurrence))
}

func (r *Router) cmdReminders(ctx context.Context, user domain.User) string {
	rs, err := r.store.ListReminders(ctx, user.ID)
	if err != nil {
		r.log.Error("list reminders failed", logx.Int64("user", user.ID), logx.Err(err))
		return "Something went wrong, try again later."
	}
	if len(rs) == 0 {
		return "No reminders. Create one with /remind."
	}
	var b strings.Builder
	b.WriteString("Your reminders:\n")
	for _, rem := range rs {
		fmt.Fprintf(&b, "#%d — %s at %s%s\n", rem.ID, rem.Content,
			rem.FireAt.In(r.cfg.Location).Format("Mon Jan 2 15:04"), recurSuffix(rem.Recurrence))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) cmdCancel(ctx context.Context, user domain.User, args []string) string {
	if len(args) != 1 {
		return "Usage: /cancel <id>"
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
	if err != nil {
		return "Usage: /cancel <id>"
	}
	switch err := r.store.CancelReminder(ctx, user.ID, id); {
	case errors.Is(err, domain.ErrNotFound):
		return fmt.Sprintf("No active reminder #%d.", id)
	case err != nil:
		r.log.Error("cancel reminder failed", logx.Int64("user", user.ID), logx.Err(err))
		return "Something went wrong, try again later."
	}
	return fmt.Sprintf("Reminder #%d cancelled.", id)
}

// matchCourse finds the single active course whose name contains the query,
// case-insensitively.
func (r *Router) matchCourse(ctx context.Context, user domain.User, query string) (canvas.Course, string) {
	courses, err := r.canvas.ListCourses(ctx, user.CanvasToken)
	if msg := canvasErrText(err); msg != "" {
		return canvas.Course{}, msg
	}
	matched := filterCourses(courses, query)
	switch len(matched) {
	case 0:
		return canvas.Course{}, fmt.Sprintf("No course matches %q. Send /classes for the list.", query)
	case 1:
		return matched[0], ""
	}
	names := make([]string, 0, len(matched))
	for _, c := range matched {
		names = append(names, c.Name)
	}
	return canvas.Course{}, fmt.Sprintf("%q matches several courses: %s. Be more specific.", query, strings.Join(names, ", "))
}

func filterCourses(courses []canvas.Course, query string) []canvas.Course {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []canvas.Course
	for _, c := range courses {
		if strings.Contains(strings.ToLower(c.Name), q) {
			out = append(out, c)
		}
	}
	return out
}

func upcomingLines(asgs []canvas.Assignment, now time.Time, loc *time.Location) []string {
	var due []canvas.Assignment
	for _, a := range asgs {
		if a.DueAt == nil || !a.DueAt.After(now) {
			continue
		}
		due = append(due, a)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(*due[j].DueAt) })
	lines := make([]string, 0, len(due))
	for _, a := range due {
		lines = append(lines, fmt.Sprintf("• %s — due %s", a.Name, a.DueAt.In(loc).Format("Mon Jan 2 15:04")))
	}
	return lines
}

func canvasErrText(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrInvalidCredential):
		return "Canvas rejected your token. Re-link with /login <token>."
	default:
		return "Could not reach Canvas, try again later."
	}
}

func formatSettings(st domain.NotificationSettings) string {
	onOff := func(v bool) string {
		if v {
			return "on"
		}
		return "off"
	}
	return fmt.Sprintf("Your notification settings:\n"+
		"• notifications (master switch): %s\n"+
		"• announcements: %s\n"+
		"• grades: %s\n"+
		"• due_dates: %s",
		onOff(st.Enabled), onOff(st.Announcements), onOff(st.Grades), onOff(st.DueDates))
}

func settingNames() string {
	names := make([]string, 0, len(domain.SettingCategories))
	for _, c := range domain.SettingCategories {
		names = append(names, string(c))
	}
	return strings.Join(names, ", ")
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("bad boolean %q", s)
}

func recurSuffix(r domain.Recurrence) string {
	switch r {
	case domain.RecurDaily:
		return ", repeating daily"
	case domain.RecurWeekly:
		return ", repeating weekly"
	}
	return ""
}

// splitCommand strips a trailing @botname from the command word.
func splitCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil
	}
	cmd := fields[0]
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), fields[1:]
}

const helpText = `I link this chat to your Canvas account and watch it for you.

/login <token> — link your Canvas access token
/logout — unlink and delete all your data
/settings [name=on|off ...] — show or change notification flags
/classes — list your active courses
/announcements <class> — recent announcements
/calendar <YYYY-MM-DD> [class] — what's due before a date
/remind <YYYY-MM-DD> <HH:MM> [daily|weekly] <text> — set a reminder
/reminders — list reminders
/cancel <id> — cancel a reminder`
