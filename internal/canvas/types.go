package canvas

import "time"

// Course is one active enrollment. Canvas omits the name on
// access-restricted courses; those are filtered out by the client.
type Course struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Announcement is a course announcement (a discussion topic with
// only_announcements=true). PostedAt may be nil on unpublished items;
// callers skip those.
type Announcement struct {
	ID       int64      `json:"id"`
	Title    string     `json:"title"`
	Message  string     `json:"message"`
	URL      string     `json:"html_url"`
	PostedAt *time.Time `json:"posted_at"`

	CourseID int64 `json:"-"`
}

// Submission carries the caller's own grade state for an assignment.
type Submission struct {
	Score    *float64   `json:"score"`
	GradedAt *time.Time `json:"graded_at"`
}

// Assignment is a course assignment. DueAt may be nil (no due date).
type Assignment struct {
	ID             int64       `json:"id"`
	Name           string      `json:"name"`
	URL            string      `json:"html_url"`
	DueAt          *time.Time  `json:"due_at"`
	PointsPossible float64     `json:"points_possible"`
	Submission     *Submission `json:"submission"`

	CourseID int64 `json:"-"`
}
