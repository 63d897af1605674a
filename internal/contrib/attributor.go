package contrib

import (
	"context"

	"github.com/newmanspace/redmine-mcp-server-sub000/internal/adapters/redmine"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/config"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/domain"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/timeline"
	"github.com/rs/zerolog"
)

type tracker interface {
	IssueWithJournals(ctx context.Context, id int64) (*domain.Issue, []domain.JournalEvent, error)
	Project(ctx context.Context, id int64, includeMemberships bool) (*redmine.Project, []redmine.Membership, error)
	ListIssues(ctx context.Context, projectID int64, f redmine.IssueFilter, offset int, includeJournals bool) (*redmine.IssuePage, error)
}

type store interface {
	UpsertContributors(ctx context.Context, recs []domain.ContributorRecord) error
	UpsertRoleAssignments(ctx context.Context, assigns []domain.RoleAssignment) error
	GetRoleAssignments(ctx context.Context, projectID int64) (map[int64]domain.RoleAssignment, error)
}

// Attributor derives contributor records and role assignments from journals
// and persists them. Runs out-of-band from the incremental sync loop.
type Attributor struct {
	log      zerolog.Logger
	rm       tracker
	repo     store
	devTeam  DevTeam
	resolved timeline.StatusMatcher
	testing  timeline.StatusMatcher
}

func NewAttributor(cfg config.Config, log zerolog.Logger, rm tracker, repo store) *Attributor {
	return &Attributor{
		log:      log,
		rm:       rm,
		repo:     repo,
		devTeam:  NewDevTeam(cfg.DevTeamUsers),
		resolved: timeline.MatchAny(cfg.ResolvedStatus),
		testing:  timeline.MatchAny(cfg.TestingStatus),
	}
}

// RefreshProjectRoles recomputes the membership-role table for one project.
func (a *Attributor) RefreshProjectRoles(ctx context.Context, projectID int64) (map[int64]domain.RoleAssignment, error) {
	_, members, err := a.rm.Project(ctx, projectID, true)
	if err != nil { return nil, err }
	assigns := ResolveProjectRoles(projectID, members)
	if err := a.repo.UpsertRoleAssignments(ctx, assigns); err != nil { return nil, err }
	out := make(map[int64]domain.RoleAssignment, len(assigns))
	for _, as := range assigns { out[as.UserID] = as }
	return out, nil
}

// AnalyzeIssue extracts, classifies and persists one issue's contributors
// using the role-table model.
func (a *Attributor) AnalyzeIssue(ctx context.Context, issueID int64) ([]domain.ContributorRecord, error) {
	issue, journals, err := a.rm.IssueWithJournals(ctx, issueID)
	if err != nil { return nil, err }
	roles, err := a.repo.GetRoleAssignments(ctx, issue.ProjectID)
	if err != nil { return nil, err }
	if len(roles) == 0 {
		if roles, err = a.RefreshProjectRoles(ctx, issue.ProjectID); err != nil {
			a.log.Error().Err(err).Int64("project", issue.ProjectID).Msg("contrib: role refresh failed, using team heuristic only")
			roles = map[int64]domain.RoleAssignment{}
		}
	}
	recs := a.classify(*issue, journals, roles)
	if err := a.repo.UpsertContributors(ctx, recs); err != nil { return nil, err }
	return recs, nil
}

// AnalyzeProject walks every issue of a project and persists contributors.
// Per-issue failures are logged and skipped so one bad issue cannot abort the
// whole analysis.
func (a *Attributor) AnalyzeProject(ctx context.Context, projectID int64) (int, error) {
	roles, err := a.RefreshProjectRoles(ctx, projectID)
	if err != nil { return 0, err }
	count := 0
	offset := 0
	for {
		page, err := a.rm.ListIssues(ctx, projectID, redmine.IssueFilter{}, offset, true)
		if err != nil { return count, err }
		if page.Fetched == 0 { break }
		for _, issue := range page.Issues {
			recs := a.classify(issue, page.Journals[issue.ID], roles)
			if len(recs) == 0 { continue }
			if err := a.repo.UpsertContributors(ctx, recs); err != nil {
				a.log.Error().Err(err).Int64("issue", issue.ID).Msg("contrib: contributor upsert failed")
				continue
			}
			count += len(recs)
		}
		offset += page.Fetched
		if offset >= page.TotalCount { break }
	}
	return count, nil
}

func (a *Attributor) classify(issue domain.Issue, journals []domain.JournalEvent, roles map[int64]domain.RoleAssignment) []domain.ContributorRecord {
	cls := &RoleTableClassifier{Roles: roles, DevTeam: a.devTeam}
	recs := ExtractContributors(issue.ID, issue.ProjectID, journals)
	for i := range recs {
		recs[i].RoleCategory = cls.ClassifyContributor(issue, journals, recs[i].UserID)
	}
	return recs
}

// WorkloadReport is the coarse dev/tester split from the transition heuristic.
// It deliberately stays a separate model from the role-table classification.
type WorkloadReport struct {
	IssueID       int64  `json:"issue_id"`
	DeveloperID   int64  `json:"developer_id"`
	DeveloperName string `json:"developer_name,omitempty"`
	TesterID      int64  `json:"tester_id"`
	TesterName    string `json:"tester_name,omitempty"`
	Resolved      bool   `json:"resolved"`
}

// WorkloadSplit applies the transition heuristic to one issue.
func (a *Attributor) WorkloadSplit(ctx context.Context, issueID int64) (*WorkloadReport, error) {
	issue, journals, err := a.rm.IssueWithJournals(ctx, issueID)
	if err != nil { return nil, err }
	cls := &TransitionHeuristicClassifier{Resolved: a.resolved, Testing: a.testing, DevTeam: a.devTeam}
	dev, tester := cls.DeveloperAndTester(*issue, journals)
	rep := &WorkloadReport{IssueID: issue.ID, DeveloperID: dev, TesterID: tester, Resolved: dev != 0}
	if dev == issue.AuthorID { rep.DeveloperName = issue.AuthorName }
	if rep.DeveloperName == "" { rep.DeveloperName = userNameFromJournals(journals, dev) }
	rep.TesterName = userNameFromJournals(journals, tester)
	return rep, nil
}
