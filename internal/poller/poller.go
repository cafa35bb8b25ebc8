// Package poller discovers candidate Canvas events for a user and filters
// out everything the user has already been notified about.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"classbot/internal/canvas"
	"classbot/internal/domain"
	"classbot/pkg/logx"
)

// LMS is the slice of the Canvas client the poller needs.
type LMS interface {
	ListCourses(ctx context.Context, token string) ([]canvas.Course, error)
	ListAnnouncements(ctx context.Context, token string, courseID int64, since time.Time) ([]canvas.Announcement, error)
	ListAssignments(ctx context.Context, token string, courseID int64, dueBefore time.Time) ([]canvas.Assignment, error)
}

type Config struct {
	AnnouncementLookback time.Duration // default 7 days
	AssignmentWindow     time.Duration // default 90 days
}

// Result is one poll's outcome. Category failures are flags, not errors:
// a failed announcements fetch must not cost the user their due-date
// notifications for the tick.
type Result struct {
	Events []domain.Event

	AnnouncementsFailed bool
	AssignmentsFailed   bool

	// Skipped counts items dropped for missing required timestamps.
	Skipped int
}

type Poller struct {
	lms      LMS
	log      logx.Logger
	lookback time.Duration
	window   time.Duration
}

func New(cfg Config, lms LMS, log logx.Logger) *Poller {
	lookback := cfg.AnnouncementLookback
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	window := cfg.AssignmentWindow
	if window <= 0 {
		window = 90 * 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{lms: lms, log: log, lookback: lookback, window: window}
}

// Poll fetches candidate events for one user. It returns an error only for
// whole-poll failures: a rejected credential, or the course list itself
// being unavailable. Per-category failures are reported in the Result.
func (p *Poller) Poll(ctx context.Context, user domain.User) (Result, error) {
	now := time.Now().UTC()
	var res Result

	courses, err := p.lms.ListCourses(ctx, user.CanvasToken)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCredential) {
			return res, err
		}
		return res, domain.Transient(err)
	}

	since := now.Add(-p.lookback)
	dueBefore := now.Add(p.window)

	for _, course := range courses {
		anns, err := p.lms.ListAnnouncements(ctx, user.CanvasToken, course.ID, since)
		switch {
		case errors.Is(err, domain.ErrInvalidCredential):
			return res, err
		case err != nil:
			res.AnnouncementsFailed = true
			p.log.Warn("announcements fetch failed",
				logx.Int64("user", user.ID), logx.Int64("course", course.ID), logx.Err(err))
		default:
			for _, a := range anns {
				if a.PostedAt == nil {
					res.Skipped++
					continue
				}
				res.Events = append(res.Events, announcementEvent(user.ID, course, a))
			}
		}

		asgs, err := p.lms.ListAssignments(ctx, user.CanvasToken, course.ID, dueBefore)
		switch {
		case errors.Is(err, domain.ErrInvalidCredential):
			return res, err
		case err != nil:
			res.AssignmentsFailed = true
			p.log.Warn("assignments fetch failed",
				logx.Int64("user", user.ID), logx.Int64("course", course.ID), logx.Err(err))
		default:
			for _, a := range asgs {
				if a.Submission != nil && a.Submission.GradedAt != nil && a.Submission.Score != nil {
					res.Events = append(res.Events, gradeEvent(user.ID, course, a))
				}
				if a.DueAt == nil {
					res.Skipped++
					continue
				}
				if a.DueAt.After(now) && a.DueAt.Before(dueBefore) {
					res.Events = append(res.Events, dueDateEvent(user.ID, course, a))
				}
			}
		}
	}

	return res, nil
}

func sourceID(courseID, itemID int64) string {
	return strconv.FormatInt(courseID, 10) + ":" + strconv.FormatInt(itemID, 10)
}

func announcementEvent(userID int64, course canvas.Course, a canvas.Announcement) domain.Event {
	return domain.Event{
		UserID:   userID,
		Kind:     domain.KindAnnouncement,
		SourceID: sourceID(course.ID, a.ID),
		// Title and body are the mutable fields: an edit re-notifies.
		SourceVersion: domain.VersionHash(a.Title, a.Message),
		Course:        course.Name,
		Title:         a.Title,
		URL:           a.URL,
		When:          a.PostedAt.UTC(),
	}
}

func dueDateEvent(userID int64, course canvas.Course, a canvas.Assignment) domain.Event {
	return domain.Event{
		UserID:        userID,
		Kind:          domain.KindDueDateSoon,
		SourceID:      sourceID(course.ID, a.ID),
		SourceVersion: domain.VersionHash(a.Name, a.DueAt.UTC().Format(time.RFC3339)),
		Course:        course.Name,
		Title:         a.Name,
		URL:           a.URL,
		When:          a.DueAt.UTC(),
	}
}

func gradeEvent(userID int64, course canvas.Course, a canvas.Assignment) domain.Event {
	score := fmt.Sprintf("%.2f/%.2f", *a.Submission.Score, a.PointsPossible)
	return domain.Event{
		UserID:   userID,
		Kind:     domain.KindGrade,
		SourceID: sourceID(course.ID, a.ID),
		// Score and grade time are the mutable fields: a re-grade re-notifies.
		SourceVersion: domain.VersionHash(score, a.Submission.GradedAt.UTC().Format(time.RFC3339)),
		Course:        course.Name,
		Title:         fmt.Sprintf("%s: %s", a.Name, score),
		URL:           a.URL,
		When:          a.Submission.GradedAt.UTC(),
	}
}
