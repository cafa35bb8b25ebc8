package canvas

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"classbot/internal/domain"
	"classbot/pkg/logx"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestListCoursesFiltersUnnamed(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/courses" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("enrollment_state"); got != "active" {
			t.Errorf("enrollment_state = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":1,"name":"Algebra"},{"id":2}]`))
	})

	courses, err := c.ListCourses(context.Background(), "tok")
	if err != nil {
		t.Fatalf("ListCourses: %v", err)
	}
	if len(courses) != 1 || courses[0].Name != "Algebra" {
		t.Fatalf("unexpected courses: %+v", courses)
	}
}

func TestUnauthorizedMapsToInvalidCredential(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"message":"Invalid access token."}]}`, http.StatusUnauthorized)
	})

	_, err := c.ListCourses(context.Background(), "bad")
	if !errors.Is(err, domain.ErrInvalidCredential) {
		t.Fatalf("err = %v, want ErrInvalidCredential", err)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := c.ListCourses(context.Background(), "tok")
	if !domain.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestListAnnouncementsSinceFilter(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("only_announcements") != "true" {
			t.Errorf("only_announcements missing")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":10,"title":"old","posted_at":"2026-01-01T10:00:00Z"},
			{"id":11,"title":"new","posted_at":"2026-08-01T10:00:00Z"},
			{"id":12,"title":"draft","posted_at":null}
		]`))
	})

	since := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	anns, err := c.ListAnnouncements(context.Background(), "tok", 7, since)
	if err != nil {
		t.Fatalf("ListAnnouncements: %v", err)
	}
	// The old one is filtered; the nil-posted_at draft passes through for the
	// poller to skip (and count) explicitly.
	if len(anns) != 2 {
		t.Fatalf("got %d announcements, want 2: %+v", len(anns), anns)
	}
	if anns[0].Title != "new" || anns[0].CourseID != 7 {
		t.Fatalf("unexpected first announcement: %+v", anns[0])
	}
}

func TestListAssignmentsDueCutoff(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":1,"name":"soon","due_at":"2026-09-05T23:59:00Z"},
			{"id":2,"name":"far","due_at":"2027-05-01T23:59:00Z"},
			{"id":3,"name":"graded far","due_at":"2027-05-01T23:59:00Z",
			 "submission":{"score":9.5,"graded_at":"2026-08-20T12:00:00Z"}},
			{"id":4,"name":"no due date"}
		]`))
	})

	cutoff := time.Date(2026, 11, 27, 0, 0, 0, 0, time.UTC)
	asgs, err := c.ListAssignments(context.Background(), "tok", 3, cutoff)
	if err != nil {
		t.Fatalf("ListAssignments: %v", err)
	}
	names := make([]string, 0, len(asgs))
	for _, a := range asgs {
		names = append(names, a.Name)
	}
	want := []string{"soon", "graded far", "no due date"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}
