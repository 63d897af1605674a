package redmine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/newmanspace/redmine-mcp-server-sub000/internal/config"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/domain"
	"github.com/rs/zerolog"
)

// Client is a stateless, read-only Redmine REST client. List fetches use the
// longer ListTimeout; single-entity fetches use HTTPTimeout.
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	listHTTP *http.Client
	log      zerolog.Logger
	pageSize int
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(cfg.RedmineBaseURL, "/"),
		apiKey:   cfg.RedmineAPIKey,
		http:     &http.Client{Timeout: cfg.HTTPTimeout},
		listHTTP: &http.Client{Timeout: cfg.ListTimeout},
		log:      log,
		pageSize: cfg.PageSize,
	}
}

func (c *Client) apiURL(path string, q url.Values) string {
	if !strings.HasPrefix(path, "/") { path = "/" + path }
	u := c.baseURL + path
	if len(q) > 0 { u = u + "?" + q.Encode() }
	return u
}

func (c *Client) doJSON(ctx context.Context, hc *http.Client, u string, out any) error {
	if c.baseURL == "" { return errors.New("redmine: empty baseURL") }
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil { return err }
		if c.apiKey != "" { req.Header.Set("X-Redmine-API-Key", c.apiKey) }
		resp, err := hc.Do(req)
		if err != nil {
			lastErr = err
		} else {
			func() {
				defer resp.Body.Close()
				if resp.StatusCode >= 300 {
					b, _ := io.ReadAll(resp.Body)
					err = fmt.Errorf("redmine api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
					// retry only on 429/5xx
					if resp.StatusCode == 429 || resp.StatusCode >= 500 {
						lastErr = err
						err = nil
					}
					return
				}
				lastErr = nil
				err = json.NewDecoder(resp.Body).Decode(out)
			}()
			if err != nil { return err }
			if lastErr == nil { return nil }
		}
		if attempt == 2 { break }
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(300*(1<<attempt)) * time.Millisecond):
		}
	}
	return lastErr
}

// ---- wire types ----

type ref struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type wireDetail struct {
	Property string `json:"property"`
	Name     string `json:"name"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

type wireJournal struct {
	ID        int64        `json:"id"`
	User      ref          `json:"user"`
	Notes     string       `json:"notes"`
	CreatedOn string       `json:"created_on"`
	Details   []wireDetail `json:"details"`
}

type wireIssue struct {
	ID         int64         `json:"id"`
	Project    ref           `json:"project"`
	Subject    string        `json:"subject"`
	Status     ref           `json:"status"`
	Priority   *ref          `json:"priority"`
	AssignedTo *ref          `json:"assigned_to"`
	Author     ref           `json:"author"`
	CreatedOn  string        `json:"created_on"`
	UpdatedOn  string        `json:"updated_on"`
	ClosedOn   string        `json:"closed_on"`
	Journals   []wireJournal `json:"journals"`
}

type wireRole struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type wireMembership struct {
	User  ref        `json:"user"`
	Roles []wireRole `json:"roles"`
}

type wireProject struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	Identifier  string           `json:"identifier"`
	CreatedOn   string           `json:"created_on"`
	Memberships []wireMembership `json:"memberships"`
}

type wireUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
}

// ---- public types ----

type Project struct {
	ID         int64
	Name       string
	Identifier string
	CreatedOn  time.Time
}

type Role struct {
	ID   int64
	Name string
}

type Membership struct {
	UserID   int64
	UserName string
	Roles    []Role
}

type User struct {
	ID    int64
	Login string
	Name  string
}

// IssueFilter renders relative date filters the way the Redmine API expects
// (updated_on=>=TS or created_on=>=TS). Only one bound is sent; the API has no
// upper-bound date filter.
type IssueFilter struct {
	UpdatedSince *time.Time
	CreatedSince *time.Time
}

// IssuePage is one offset/limit slice of a project's issues, sorted ascending
// by creation. Journals is populated only when include=journals was requested.
// Fetched is the server's row count for the page before malformed rows were
// dropped; callers advance their offset by it, never by len(Issues).
type IssuePage struct {
	Issues     []domain.Issue
	Journals   map[int64][]domain.JournalEvent
	TotalCount int
	Offset     int
	Limit      int
	Fetched    int
}

// ParseTimeUTC parses the timestamp formats Redmine emits and normalizes to UTC.
func ParseTimeUTC(s string) (time.Time, bool) {
	if s == "" { return time.Time{}, false }
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05-0700", "2006-01-02"}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil { return t.UTC(), true }
	}
	return time.Time{}, false
}

func mapDetail(d wireDetail) domain.FieldChange {
	prop := domain.PropertyOther
	if d.Property == "attr" {
		switch d.Name {
		case "status_id":
			prop = domain.PropertyStatus
		case "priority_id":
			prop = domain.PropertyPriority
		case "assigned_to_id":
			prop = domain.PropertyAssignee
		}
	}
	return domain.FieldChange{Property: prop, Name: d.Name, OldValue: d.OldValue, NewValue: d.NewValue}
}

func mapJournal(issueID int64, j wireJournal) (domain.JournalEvent, error) {
	at, ok := ParseTimeUTC(j.CreatedOn)
	if !ok { return domain.JournalEvent{}, fmt.Errorf("journal %d: bad created_on %q", j.ID, j.CreatedOn) }
	ev := domain.JournalEvent{
		ID:         j.ID,
		IssueID:    issueID,
		AuthorID:   j.User.ID,
		AuthorName: j.User.Name,
		Notes:      j.Notes,
		CreatedAt:  at,
	}
	for _, d := range j.Details {
		ev.Changes = append(ev.Changes, mapDetail(d))
	}
	return ev, nil
}

func mapIssue(w wireIssue) (domain.Issue, error) {
	created, ok := ParseTimeUTC(w.CreatedOn)
	if !ok { return domain.Issue{}, fmt.Errorf("issue %d: bad created_on %q", w.ID, w.CreatedOn) }
	updated, ok := ParseTimeUTC(w.UpdatedOn)
	if !ok { updated = created }
	i := domain.Issue{
		ID:         w.ID,
		ProjectID:  w.Project.ID,
		Subject:    w.Subject,
		StatusID:   w.Status.ID,
		StatusName: w.Status.Name,
		AuthorID:   w.Author.ID,
		AuthorName: w.Author.Name,
		CreatedAt:  created,
		UpdatedAt:  updated,
	}
	if w.Priority != nil {
		id := w.Priority.ID
		i.PriorityID = &id
		i.PriorityName = w.Priority.Name
	}
	if w.AssignedTo != nil {
		id := w.AssignedTo.ID
		i.AssignedToID = &id
		i.AssignedToName = w.AssignedTo.Name
	}
	if t, ok := ParseTimeUTC(w.ClosedOn); ok { i.ClosedAt = &t }
	return i, nil
}

// ListIssues fetches one page of a project's issues. Malformed records are
// logged and skipped so one bad row cannot sink the page.
func (c *Client) ListIssues(ctx context.Context, projectID int64, f IssueFilter, offset int, includeJournals bool) (*IssuePage, error) {
	q := url.Values{}
	q.Set("project_id", strconv.FormatInt(projectID, 10))
	q.Set("status_id", "*")
	q.Set("limit", strconv.Itoa(c.pageSize))
	if offset > 0 { q.Set("offset", strconv.Itoa(offset)) }
	if f.UpdatedSince != nil {
		q.Set("updated_on", ">="+f.UpdatedSince.UTC().Format("2006-01-02T15:04:05Z"))
	} else if f.CreatedSince != nil {
		q.Set("created_on", ">="+f.CreatedSince.UTC().Format("2006-01-02T15:04:05Z"))
	}
	if includeJournals { q.Set("include", "journals") }
	var out struct {
		Issues     []wireIssue `json:"issues"`
		TotalCount int         `json:"total_count"`
		Offset     int         `json:"offset"`
		Limit      int         `json:"limit"`
	}
	if err := c.doJSON(ctx, c.listHTTP, c.apiURL("/issues.json", q), &out); err != nil { return nil, err }
	page := &IssuePage{TotalCount: out.TotalCount, Offset: out.Offset, Limit: out.Limit, Fetched: len(out.Issues)}
	if includeJournals { page.Journals = map[int64][]domain.JournalEvent{} }
	for _, w := range out.Issues {
		iss, err := mapIssue(w)
		if err != nil {
			c.log.Warn().Err(err).Int64("issue", w.ID).Msg("redmine: skipping malformed issue")
			continue
		}
		page.Issues = append(page.Issues, iss)
		if includeJournals {
			for _, j := range w.Journals {
				ev, err := mapJournal(w.ID, j)
				if err != nil {
					c.log.Warn().Err(err).Int64("issue", w.ID).Msg("redmine: skipping malformed journal")
					continue
				}
				page.Journals[w.ID] = append(page.Journals[w.ID], ev)
			}
		}
	}
	return page, nil
}

// IssueWithJournals fetches one issue and its full journal history.
func (c *Client) IssueWithJournals(ctx context.Context, id int64) (*domain.Issue, []domain.JournalEvent, error) {
	q := url.Values{}
	q.Set("include", "journals")
	var out struct {
		Issue wireIssue `json:"issue"`
	}
	u := c.apiURL("/issues/"+strconv.FormatInt(id, 10)+".json", q)
	if err := c.doJSON(ctx, c.http, u, &out); err != nil { return nil, nil, err }
	iss, err := mapIssue(out.Issue)
	if err != nil { return nil, nil, err }
	var journals []domain.JournalEvent
	for _, j := range out.Issue.Journals {
		ev, err := mapJournal(iss.ID, j)
		if err != nil {
			c.log.Warn().Err(err).Int64("issue", iss.ID).Msg("redmine: skipping malformed journal")
			continue
		}
		journals = append(journals, ev)
	}
	return &iss, journals, nil
}

func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var all []Project
	offset := 0
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(c.pageSize))
		if offset > 0 { q.Set("offset", strconv.Itoa(offset)) }
		var out struct {
			Projects   []wireProject `json:"projects"`
			TotalCount int           `json:"total_count"`
		}
		if err := c.doJSON(ctx, c.listHTTP, c.apiURL("/projects.json", q), &out); err != nil { return nil, err }
		for _, w := range out.Projects {
			p := Project{ID: w.ID, Name: w.Name, Identifier: w.Identifier}
			if t, ok := ParseTimeUTC(w.CreatedOn); ok { p.CreatedOn = t }
			all = append(all, p)
		}
		offset += len(out.Projects)
		if len(out.Projects) == 0 || offset >= out.TotalCount { break }
	}
	return all, nil
}

// Project fetches one project, optionally with its membership list.
func (c *Client) Project(ctx context.Context, id int64, includeMemberships bool) (*Project, []Membership, error) {
	q := url.Values{}
	if includeMemberships { q.Set("include", "memberships") }
	var out struct {
		Project wireProject `json:"project"`
	}
	u := c.apiURL("/projects/"+strconv.FormatInt(id, 10)+".json", q)
	if err := c.doJSON(ctx, c.http, u, &out); err != nil { return nil, nil, err }
	p := &Project{ID: out.Project.ID, Name: out.Project.Name, Identifier: out.Project.Identifier}
	if t, ok := ParseTimeUTC(out.Project.CreatedOn); ok { p.CreatedOn = t }
	var members []Membership
	for _, m := range out.Project.Memberships {
		if m.User.ID == 0 { continue } // group memberships carry no user
		mm := Membership{UserID: m.User.ID, UserName: m.User.Name}
		for _, r := range m.Roles { mm.Roles = append(mm.Roles, Role{ID: r.ID, Name: r.Name}) }
		members = append(members, mm)
	}
	return p, members, nil
}

func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var all []User
	offset := 0
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(c.pageSize))
		if offset > 0 { q.Set("offset", strconv.Itoa(offset)) }
		var out struct {
			Users      []wireUser `json:"users"`
			TotalCount int        `json:"total_count"`
		}
		if err := c.doJSON(ctx, c.listHTTP, c.apiURL("/users.json", q), &out); err != nil { return nil, err }
		for _, w := range out.Users {
			name := strings.TrimSpace(w.Firstname + " " + w.Lastname)
			if name == "" { name = w.Login }
			all = append(all, User{ID: w.ID, Login: w.Login, Name: name})
		}
		offset += len(out.Users)
		if len(out.Users) == 0 || offset >= out.TotalCount { break }
	}
	return all, nil
}
