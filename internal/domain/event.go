package domain

import (
	"fmt"
	"hash/fnv"
	"time"
)

// EventKind is the category of a notifiable Canvas event.
type EventKind string

const (
	KindAnnouncement EventKind = "announcement"
	KindGrade        EventKind = "grade"
	KindDueDateSoon  EventKind = "due_date_soon"
)

func (k EventKind) Valid() bool {
	switch k {
	case KindAnnouncement, KindGrade, KindDueDateSoon:
		return true
	}
	return false
}

// Event is one candidate notification produced by a poll.
//
// SourceID identifies the Canvas item ("courseID:itemID"); SourceVersion is a
// hash of the item's mutable fields, so an edited announcement or a re-graded
// submission shows up as new content.
type Event struct {
	UserID        int64
	Kind          EventKind
	SourceID      string
	SourceVersion uint64

	Course string
	Title  string
	URL    string
	When   time.Time // posted_at / due_at / graded_at, depending on Kind
}

// Fingerprint is the dedup key of an event.
func (e Event) Fingerprint() string {
	return fmt.Sprintf("%s/%s@%x", e.Kind, e.SourceID, e.SourceVersion)
}

// VersionHash folds an item's mutable fields into a SourceVersion.
func VersionHash(parts ...string) uint64 {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
