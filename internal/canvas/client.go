// Package canvas is the typed boundary to the Canvas LMS REST API.
// Nothing outside this package parses Canvas HTTP responses.
package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"classbot/internal/domain"
	"classbot/pkg/logx"
)

type Config struct {
	BaseURL        string
	RequestTimeout time.Duration // per call; default 15s
	RatePerSec     int           // outbound API rate cap; default 5
}

type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("canvas base url is empty")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:    base,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}, nil
}

// ListCourses returns the user's active courses for the current term.
func (c *Client) ListCourses(ctx context.Context, token string) ([]Course, error) {
	q := url.Values{}
	q.Set("enrollment_state", "active")
	q.Add("state[]", "available")
	q.Set("per_page", "100")

	var courses []Course
	if err := c.get(ctx, token, "/api/v1/courses", q, &courses); err != nil {
		return nil, err
	}
	// Access-restricted courses come back without a name; drop them.
	out := courses[:0]
	for _, co := range courses {
		if strings.TrimSpace(co.Name) != "" {
			out = append(out, co)
		}
	}
	return out, nil
}

// ListAnnouncements returns a course's announcements posted since the given time.
func (c *Client) ListAnnouncements(ctx context.Context, token string, courseID int64, since time.Time) ([]Announcement, error) {
	q := url.Values{}
	q.Set("only_announcements", "true")
	q.Set("per_page", "100")

	var anns []Announcement
	path := fmt.Sprintf("/api/v1/courses/%d/discussion_topics", courseID)
	if err := c.get(ctx, token, path, q, &anns); err != nil {
		return nil, err
	}
	out := anns[:0]
	for _, a := range anns {
		if a.PostedAt != nil && a.PostedAt.Before(since) {
			continue
		}
		a.CourseID = courseID
		out = append(out, a)
	}
	return out, nil
}

// ListAssignments returns a course's assignments (with the caller's
// submission attached) due before the given cutoff. Assignments with no due
// date are returned too when they carry grade state; the poller decides what
// is notifiable.
func (c *Client) ListAssignments(ctx context.Context, token string, courseID int64, dueBefore time.Time) ([]Assignment, error) {
	q := url.Values{}
	q.Add("include[]", "submission")
	q.Set("per_page", "100")

	var asgs []Assignment
	path := fmt.Sprintf("/api/v1/courses/%d/assignments", courseID)
	if err := c.get(ctx, token, path, q, &asgs); err != nil {
		return nil, err
	}
	out := asgs[:0]
	for _, a := range asgs {
		if a.DueAt != nil && a.DueAt.After(dueBefore) {
			// far-future due date, and no grade to report either
			if a.Submission == nil || a.Submission.GradedAt == nil {
				continue
			}
		}
		a.CourseID = courseID
		out = append(out, a)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, token, path string, q url.Values, v any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		_, _ = io.Copy(io.Discard, resp.Body)
		return domain.ErrInvalidCredential
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return domain.Transientf("canvas %s: status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return domain.Transientf("canvas %s: decode: %w", path, err)
	}
	return nil
}
