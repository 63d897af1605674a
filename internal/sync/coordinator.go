package sync

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/newmanspace/redmine-mcp-server-sub000/internal/adapters/redmine"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/config"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/domain"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/timeline"
	"github.com/rs/zerolog"
)

type trackerClient interface {
	ListIssues(ctx context.Context, projectID int64, f redmine.IssueFilter, offset int, includeJournals bool) (*redmine.IssuePage, error)
	Project(ctx context.Context, id int64, includeMemberships bool) (*redmine.Project, []redmine.Membership, error)
}

type snapshotStore interface {
	UpsertSnapshot(ctx context.Context, s domain.DailySnapshot) error
	GetPreviousSnapshot(ctx context.Context, issueID int64, date time.Time) (*domain.DailySnapshot, error)
	RefreshProjectSummary(ctx context.Context, projectID int64, date time.Time) error
	GetProjectCursor(ctx context.Context, projectID int64) (*time.Time, error)
	AdvanceCursor(ctx context.Context, projectID int64, end time.Time) error
	GetSyncProgress(ctx context.Context) ([]domain.SyncProgress, error)
}

type reconstructor interface {
	ReconstructIssue(ctx context.Context, issueID int64) (int64, []time.Time, error)
}

// Coordinator owns the sync loop: it decides which time window to fetch per
// project and drives the tracker client and the snapshot store. All project
// syncs within one run execute sequentially to bound remote API load.
type Coordinator struct {
	cfg      config.Config
	log      zerolog.Logger
	rm       trackerClient
	repo     snapshotStore
	rebuild  reconstructor
	closed   timeline.StatusMatcher
	inFlight atomic.Bool
	now      func() time.Time
}

func NewCoordinator(cfg config.Config, log zerolog.Logger, rm trackerClient, repo snapshotStore, rebuild reconstructor) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		log:     log,
		rm:      rm,
		repo:    repo,
		rebuild: rebuild,
		closed:  timeline.MatchAny(cfg.ClosedStatus),
		now:     time.Now,
	}
}

func (c *Coordinator) projects(ids []int64) []int64 {
	if len(ids) > 0 { return ids }
	return c.cfg.ProjectIDs
}

// RunIncremental fetches issues updated within the sync interval plus a safety
// buffer. At most one run is in flight; a tick firing during a running sync is
// dropped, not queued.
func (c *Coordinator) RunIncremental(ctx context.Context, projectIDs []int64) []domain.SyncResult {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.log.Info().Msg("sync: previous run still in flight, skipping")
		return nil
	}
	defer c.inFlight.Store(false)

	since := c.now().UTC().Add(-(c.cfg.SyncInterval + c.cfg.SyncSafetyBuffer))
	// non-nil even with zero projects: nil means the run was dropped, not empty
	results := []domain.SyncResult{}
	for _, pid := range c.projects(projectIDs) {
		count, err := c.syncProject(ctx, pid, redmine.IssueFilter{UpdatedSince: &since}, nil)
		results = append(results, toResult(pid, count, err))
		if err != nil {
			c.log.Error().Err(err).Int64("project", pid).Msg("sync: incremental fetch failed, project skipped until next tick")
		}
	}
	return results
}

// RunFull refetches everything created since the project's creation date, or
// since an explicit fromDate. Intended for forced refresh.
func (c *Coordinator) RunFull(ctx context.Context, projectIDs []int64, fromDate *time.Time) []domain.SyncResult {
	results := []domain.SyncResult{}
	for _, pid := range c.projects(projectIDs) {
		from := fromDate
		if from == nil {
			proj, _, err := c.rm.Project(ctx, pid, false)
			if err != nil {
				results = append(results, toResult(pid, 0, err))
				c.log.Error().Err(err).Int64("project", pid).Msg("sync: project fetch failed")
				continue
			}
			from = &proj.CreatedOn
		}
		count, err := c.syncProject(ctx, pid, redmine.IssueFilter{CreatedSince: from}, nil)
		results = append(results, toResult(pid, count, err))
		if err != nil {
			c.log.Error().Err(err).Int64("project", pid).Msg("sync: full fetch failed")
		}
	}
	return results
}

// RunProgressive advances each project's stored cursor by one window. The API
// has no upper-bound date filter, so results are filtered client-side to
// [start, end), short-circuiting on the server's ascending creation order.
func (c *Coordinator) RunProgressive(ctx context.Context) []domain.SyncResult {
	now := c.now().UTC()
	results := []domain.SyncResult{}
	for _, pid := range c.cfg.ProjectIDs {
		cursor, err := c.repo.GetProjectCursor(ctx, pid)
		if err != nil {
			results = append(results, toResult(pid, 0, err))
			continue
		}
		proj, _, err := c.rm.Project(ctx, pid, false)
		if err != nil {
			results = append(results, toResult(pid, 0, err))
			c.log.Error().Err(err).Int64("project", pid).Msg("sync: project fetch failed")
			continue
		}
		win, ok := nextWindow(pid, proj.CreatedOn, cursor, now, c.cfg.ProgressiveWindow)
		if !ok {
			results = append(results, domain.SyncResult{ProjectID: pid, Status: "success", Count: 0})
			continue
		}
		count, err := c.syncProject(ctx, pid, redmine.IssueFilter{CreatedSince: &win.Start}, &win)
		if err != nil {
			results = append(results, toResult(pid, count, err))
			c.log.Error().Err(err).Int64("project", pid).Msg("sync: progressive fetch failed, cursor not advanced")
			continue
		}
		if err := c.repo.AdvanceCursor(ctx, pid, win.End); err != nil {
			results = append(results, toResult(pid, count, err))
			continue
		}
		c.log.Info().Int64("project", pid).Time("start", win.Start).Time("end", win.End).Int("count", count).Msg("sync: progressive window done")
		results = append(results, toResult(pid, count, nil))
	}
	return results
}

// syncProject pages through one project's issues and upserts today's snapshot
// per issue. A single-record failure is logged and skipped; the rest of the
// batch still commits and the summary refresh still runs.
func (c *Coordinator) syncProject(ctx context.Context, projectID int64, f redmine.IssueFilter, win *domain.SyncWindow) (int, error) {
	today := domain.DateOf(c.now())
	count := 0
	offset := 0
	done := false
	for !done {
		page, err := c.rm.ListIssues(ctx, projectID, f, offset, false)
		if err != nil { return count, err }
		if page.Fetched == 0 { break }
		for _, issue := range page.Issues {
			if win != nil {
				if !issue.CreatedAt.Before(win.End) { done = true; break }
				if issue.CreatedAt.Before(win.Start) { continue }
			}
			prev, err := c.repo.GetPreviousSnapshot(ctx, issue.ID, today)
			if err != nil {
				c.log.Error().Err(err).Int64("issue", issue.ID).Msg("sync: previous snapshot lookup failed, record skipped")
				continue
			}
			snap := snapshotFromIssue(issue, today)
			snap.IsNew, snap.IsClosed, snap.IsUpdated = deriveFlags(prev, issue, c.closed)
			if err := c.repo.UpsertSnapshot(ctx, snap); err != nil {
				c.log.Error().Err(err).Int64("issue", issue.ID).Msg("sync: snapshot upsert failed, record skipped")
				continue
			}
			count++
		}
		offset += page.Fetched
		if offset >= page.TotalCount { break }
	}
	if err := c.repo.RefreshProjectSummary(ctx, projectID, today); err != nil {
		c.log.Error().Err(err).Int64("project", projectID).Msg("sync: summary refresh failed")
	}
	return count, nil
}

// BackfillProject replays journal history for every issue created since the
// given date (default: project creation) into historical snapshots, then
// refreshes each touched (project, date) summary once.
func (c *Coordinator) BackfillProject(ctx context.Context, projectID int64, fromDate *time.Time) domain.SyncResult {
	from := fromDate
	if from == nil {
		proj, _, err := c.rm.Project(ctx, projectID, false)
		if err != nil { return toResult(projectID, 0, err) }
		from = &proj.CreatedOn
	}
	touched := map[time.Time]struct{}{}
	count := 0
	offset := 0
	for {
		page, err := c.rm.ListIssues(ctx, projectID, redmine.IssueFilter{CreatedSince: from}, offset, false)
		if err != nil { return toResult(projectID, count, err) }
		if page.Fetched == 0 { break }
		for _, issue := range page.Issues {
			_, dates, err := c.rebuild.ReconstructIssue(ctx, issue.ID)
			if err != nil {
				c.log.Error().Err(err).Int64("issue", issue.ID).Msg("sync: backfill reconstruct failed, issue skipped")
				continue
			}
			for _, d := range dates { touched[d] = struct{}{} }
			count++
		}
		offset += page.Fetched
		if offset >= page.TotalCount { break }
	}
	for d := range touched {
		if err := c.repo.RefreshProjectSummary(ctx, projectID, d); err != nil {
			c.log.Error().Err(err).Int64("project", projectID).Time("date", d).Msg("sync: summary refresh failed")
		}
	}
	c.log.Info().Int64("project", projectID).Int("issues", count).Int("dates", len(touched)).Msg("sync: backfill done")
	return toResult(projectID, count, nil)
}

// Progress returns every project's stored progressive cursor.
func (c *Coordinator) Progress(ctx context.Context) ([]domain.SyncProgress, error) {
	return c.repo.GetSyncProgress(ctx)
}

func toResult(projectID int64, count int, err error) domain.SyncResult {
	if err != nil {
		return domain.SyncResult{ProjectID: projectID, Status: "error", Count: count, Error: err.Error()}
	}
	return domain.SyncResult{ProjectID: projectID, Status: "success", Count: count}
}
