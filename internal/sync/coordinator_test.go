package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/newmanspace/redmine-mcp-server-sub000/internal/adapters/redmine"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/config"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/domain"
	"github.com/rs/zerolog"
)

type fakeTracker struct {
	issues   []domain.Issue
	created  time.Time
	pageSize int
	listErr  error
}

func (f *fakeTracker) ListIssues(_ context.Context, projectID int64, _ redmine.IssueFilter, offset int, _ bool) (*redmine.IssuePage, error) {
	if f.listErr != nil { return nil, f.listErr }
	if offset >= len(f.issues) {
		return &redmine.IssuePage{TotalCount: len(f.issues), Offset: offset}, nil
	}
	end := len(f.issues)
	if f.pageSize > 0 && offset+f.pageSize < end { end = offset + f.pageSize }
	return &redmine.IssuePage{Issues: f.issues[offset:end], TotalCount: len(f.issues), Offset: offset, Fetched: end - offset}, nil
}

func (f *fakeTracker) Project(_ context.Context, id int64, _ bool) (*redmine.Project, []redmine.Membership, error) {
	return &redmine.Project{ID: id, CreatedOn: f.created}, nil, nil
}

type fakeStore struct {
	upserts   []domain.DailySnapshot
	prev      map[int64]*domain.DailySnapshot
	failIssue int64
	refreshed []time.Time
	cursors   map[int64]time.Time
}

func (f *fakeStore) UpsertSnapshot(_ context.Context, s domain.DailySnapshot) error {
	if f.failIssue != 0 && s.IssueID == f.failIssue { return errors.New("value too long for column") }
	f.upserts = append(f.upserts, s)
	return nil
}

func (f *fakeStore) GetPreviousSnapshot(_ context.Context, issueID int64, _ time.Time) (*domain.DailySnapshot, error) {
	return f.prev[issueID], nil
}

func (f *fakeStore) RefreshProjectSummary(_ context.Context, _ int64, d time.Time) error {
	f.refreshed = append(f.refreshed, d)
	return nil
}

func (f *fakeStore) GetProjectCursor(_ context.Context, projectID int64) (*time.Time, error) {
	if c, ok := f.cursors[projectID]; ok { return &c, nil }
	return nil, nil
}

func (f *fakeStore) AdvanceCursor(_ context.Context, projectID int64, end time.Time) error {
	if f.cursors == nil { f.cursors = map[int64]time.Time{} }
	f.cursors[projectID] = end
	return nil
}

func (f *fakeStore) GetSyncProgress(_ context.Context) ([]domain.SyncProgress, error) { return nil, nil }

type fakeRebuild struct {
	dates map[int64][]time.Time
	calls []int64
	fail  int64
}

func (f *fakeRebuild) ReconstructIssue(_ context.Context, issueID int64) (int64, []time.Time, error) {
	f.calls = append(f.calls, issueID)
	if f.fail != 0 && issueID == f.fail { return 0, nil, errors.New("issue fetch: 404") }
	return 7, f.dates[issueID], nil
}

func testCoordinator(tr *fakeTracker, st *fakeStore, rb *fakeRebuild, now time.Time) *Coordinator {
	cfg := config.Config{
		ProjectIDs:        []int64{7},
		SyncInterval:      10 * time.Minute,
		SyncSafetyBuffer:  5 * time.Minute,
		ProgressiveWindow: 7 * 24 * time.Hour,
		ClosedStatus:      "Closed",
	}
	if rb == nil { rb = &fakeRebuild{} }
	c := NewCoordinator(cfg, zerolog.Nop(), tr, st, rb)
	c.now = func() time.Time { return now }
	return c
}

func issueOn(id int64, created time.Time, status string) domain.Issue {
	return domain.Issue{ID: id, ProjectID: 7, Subject: "issue", StatusName: status, CreatedAt: created, UpdatedAt: created}
}

func TestRunIncrementalSkipsFailedRecord(t *testing.T) {
	now := ts("2026-05-10")
	tr := &fakeTracker{issues: []domain.Issue{
		issueOn(1, ts("2026-05-01"), "New"),
		issueOn(2, ts("2026-05-02"), "In Progress"),
		issueOn(3, ts("2026-05-03"), "New"),
		issueOn(4, ts("2026-05-04"), "Resolved"),
		issueOn(5, ts("2026-05-05"), "Closed"),
	}}
	st := &fakeStore{failIssue: 3}
	c := testCoordinator(tr, st, nil, now)

	results := c.RunIncremental(context.Background(), nil)
	if len(results) != 1 { t.Fatalf("results = %d", len(results)) }
	if results[0].Status != "success" { t.Fatalf("status = %s", results[0].Status) }
	if results[0].Count != 4 { t.Fatalf("count = %d, want 4 (one record skipped)", results[0].Count) }
	if len(st.upserts) != 4 { t.Fatalf("upserts = %d", len(st.upserts)) }
	if len(st.refreshed) != 1 || !st.refreshed[0].Equal(domain.DateOf(now)) {
		t.Fatalf("summary refresh = %v, want exactly one for today", st.refreshed)
	}
}

func TestRunIncrementalDropsOverlappingRun(t *testing.T) {
	c := testCoordinator(&fakeTracker{}, &fakeStore{}, nil, ts("2026-05-10"))
	c.inFlight.Store(true)
	if results := c.RunIncremental(context.Background(), nil); results != nil {
		t.Fatalf("overlapping run must be dropped, got %v", results)
	}
	c.inFlight.Store(false)
	if results := c.RunIncremental(context.Background(), nil); results == nil {
		t.Fatal("run after release must proceed")
	}
}

func TestRunIncrementalDerivesFlagsAgainstPreviousDay(t *testing.T) {
	now := ts("2026-05-10")
	tr := &fakeTracker{issues: []domain.Issue{
		issueOn(1, ts("2026-05-01"), "Closed"),
		issueOn(2, ts("2026-05-09"), "New"),
	}}
	st := &fakeStore{prev: map[int64]*domain.DailySnapshot{
		1: {IssueID: 1, StatusName: "Resolved", Subject: "issue"},
	}}
	c := testCoordinator(tr, st, nil, now)

	c.RunIncremental(context.Background(), nil)
	if len(st.upserts) != 2 { t.Fatalf("upserts = %d", len(st.upserts)) }
	if st.upserts[0].IsNew || !st.upserts[0].IsClosed || !st.upserts[0].IsUpdated {
		t.Fatalf("known issue flags = %+v", st.upserts[0])
	}
	if !st.upserts[1].IsNew || st.upserts[1].IsClosed {
		t.Fatalf("first-seen issue flags = %+v", st.upserts[1])
	}
}

func TestRunProgressiveWalksWindows(t *testing.T) {
	now := ts("2026-01-20")
	tr := &fakeTracker{
		created: ts("2026-01-01"),
		issues: []domain.Issue{
			issueOn(1, ts("2026-01-02"), "New"),
			issueOn(2, ts("2026-01-06"), "New"),
			issueOn(3, ts("2026-01-09"), "New"),
			issueOn(4, ts("2026-01-16"), "New"),
		},
	}
	st := &fakeStore{}
	c := testCoordinator(tr, st, nil, now)

	// window 1: [01-01, 01-08) covers issues 1 and 2
	results := c.RunProgressive(context.Background())
	if results[0].Count != 2 { t.Fatalf("window 1 count = %d", results[0].Count) }
	if cur := st.cursors[7]; !cur.Equal(ts("2026-01-08")) { t.Fatalf("cursor = %v", cur) }

	// window 2: [01-08, 01-15) covers issue 3
	results = c.RunProgressive(context.Background())
	if results[0].Count != 1 { t.Fatalf("window 2 count = %d", results[0].Count) }

	// window 3: [01-15, 01-20) clamped to now, covers issue 4
	results = c.RunProgressive(context.Background())
	if results[0].Count != 1 { t.Fatalf("window 3 count = %d", results[0].Count) }
	if cur := st.cursors[7]; !cur.Equal(now) { t.Fatalf("cursor = %v, want now", cur) }

	// caught up: no-op success
	results = c.RunProgressive(context.Background())
	if results[0].Status != "success" || results[0].Count != 0 {
		t.Fatalf("caught-up result = %+v", results[0])
	}
	if len(st.upserts) != 4 { t.Fatalf("total upserts = %d, want each issue exactly once", len(st.upserts)) }
}

func TestRunProgressiveHoldsCursorOnFailure(t *testing.T) {
	tr := &fakeTracker{created: ts("2026-01-01"), listErr: errors.New("redmine: 502")}
	st := &fakeStore{}
	c := testCoordinator(tr, st, nil, ts("2026-01-20"))

	results := c.RunProgressive(context.Background())
	if results[0].Status != "error" { t.Fatalf("status = %s", results[0].Status) }
	if len(st.cursors) != 0 { t.Fatal("cursor must not advance on a failed window") }
}

func TestBackfillRefreshesEachTouchedDateOnce(t *testing.T) {
	tr := &fakeTracker{
		created: ts("2026-01-01"),
		issues:  []domain.Issue{issueOn(1, ts("2026-01-02"), "New"), issueOn(2, ts("2026-01-03"), "New"), issueOn(3, ts("2026-01-04"), "New")},
	}
	st := &fakeStore{}
	rb := &fakeRebuild{
		dates: map[int64][]time.Time{
			1: {ts("2026-01-02"), ts("2026-01-05")},
			2: {ts("2026-01-05")}, // overlaps with issue 1
			3: {ts("2026-01-06")},
		},
		fail: 2,
	}
	c := testCoordinator(tr, st, rb, ts("2026-01-20"))

	result := c.BackfillProject(context.Background(), 7, nil)
	if result.Status != "success" { t.Fatalf("status = %s", result.Status) }
	if result.Count != 2 { t.Fatalf("count = %d, want 2 (one issue failed)", result.Count) }
	if len(rb.calls) != 3 { t.Fatalf("reconstruct calls = %d", len(rb.calls)) }
	// issue 2 failed, so its date set is not included
	if len(st.refreshed) != 3 { t.Fatalf("refreshes = %v, want 3 distinct dates", st.refreshed) }
}

func TestRunIncrementalEmptyProjectListReturnsEmptyResults(t *testing.T) {
	c := testCoordinator(&fakeTracker{}, &fakeStore{}, nil, ts("2026-05-10"))
	c.cfg.ProjectIDs = nil
	results := c.RunIncremental(context.Background(), nil)
	if results == nil { t.Fatal("an executed run must not be confused with a dropped one") }
	if len(results) != 0 { t.Fatalf("results = %v", results) }
}

// pagedTracker serves pre-built pages in order, the way the client returns them
// after dropping malformed rows: Fetched carries the wire count even when every
// row on the page was dropped.
type pagedTracker struct {
	pages   []*redmine.IssuePage
	offsets []int
}

func (p *pagedTracker) ListIssues(_ context.Context, _ int64, _ redmine.IssueFilter, offset int, _ bool) (*redmine.IssuePage, error) {
	p.offsets = append(p.offsets, offset)
	if len(p.offsets) > len(p.pages) { return &redmine.IssuePage{}, nil }
	return p.pages[len(p.offsets)-1], nil
}

func (p *pagedTracker) Project(_ context.Context, id int64, _ bool) (*redmine.Project, []redmine.Membership, error) {
	return &redmine.Project{ID: id, CreatedOn: ts("2026-01-01")}, nil, nil
}

func TestSyncProjectPaginatesPastFullyDroppedPage(t *testing.T) {
	tr := &pagedTracker{pages: []*redmine.IssuePage{
		{TotalCount: 5, Fetched: 3}, // every row on the first page was malformed
		{Issues: []domain.Issue{issueOn(4, ts("2026-05-01"), "New"), issueOn(5, ts("2026-05-02"), "New")}, TotalCount: 5, Offset: 3, Fetched: 2},
	}}
	st := &fakeStore{}
	c := testCoordinator(nil, st, nil, ts("2026-05-10"))
	c.rm = tr

	results := c.RunIncremental(context.Background(), nil)
	if results[0].Count != 2 { t.Fatalf("count = %d, want the second page synced", results[0].Count) }
	if len(tr.offsets) != 2 || tr.offsets[1] != 3 {
		t.Fatalf("offsets = %v, want the wire count advanced past the dropped page", tr.offsets)
	}
}

func TestSyncProjectPaginates(t *testing.T) {
	issues := make([]domain.Issue, 0, 7)
	for i := int64(1); i <= 7; i++ {
		issues = append(issues, issueOn(i, ts("2026-05-01"), "New"))
	}
	tr := &fakeTracker{issues: issues, pageSize: 3}
	st := &fakeStore{}
	c := testCoordinator(tr, st, nil, ts("2026-05-10"))

	results := c.RunIncremental(context.Background(), nil)
	if results[0].Count != 7 { t.Fatalf("count = %d, want all pages consumed", results[0].Count) }
}
