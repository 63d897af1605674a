package contrib

import (
	"sort"
	"strings"

	"github.com/newmanspace/redmine-mcp-server-sub000/internal/adapters/redmine"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/domain"
)

// ExtractContributors accumulates per-user activity counters across all of an
// issue's journals. Role categories are filled in by a Classifier afterwards.
func ExtractContributors(issueID, projectID int64, journals []domain.JournalEvent) []domain.ContributorRecord {
	byUser := map[int64]*domain.ContributorRecord{}
	for _, j := range journals {
		if j.AuthorID == 0 { continue }
		rec, ok := byUser[j.AuthorID]
		if !ok {
			rec = &domain.ContributorRecord{
				IssueID:           issueID,
				ProjectID:         projectID,
				UserID:            j.AuthorID,
				UserName:          j.AuthorName,
				FirstContribution: j.CreatedAt,
				LastContribution:  j.CreatedAt,
			}
			byUser[j.AuthorID] = rec
		}
		rec.JournalCount++
		if strings.TrimSpace(j.Notes) != "" { rec.NoteCount++ }
		for _, ch := range j.Changes {
			switch ch.Property {
			case domain.PropertyStatus:
				rec.StatusChangeCount++
			case domain.PropertyAssignee:
				rec.AssignedChangeCount++
			}
		}
		if j.CreatedAt.Before(rec.FirstContribution) { rec.FirstContribution = j.CreatedAt }
		if j.CreatedAt.After(rec.LastContribution) { rec.LastContribution = j.CreatedAt }
		if rec.UserName == "" { rec.UserName = j.AuthorName }
	}
	out := make([]domain.ContributorRecord, 0, len(byUser))
	for _, rec := range byUser { out = append(out, *rec) }
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// roleKeywords maps role display-name fragments to categories, checked in
// priority order so "Team Manager / Developer" resolves to manager.
var roleKeywords = []struct {
	category domain.RoleCategory
	words    []string
}{
	{domain.RoleManager, []string{"manager", "lead", "owner"}},
	{domain.RoleImplementation, []string{"product", "analyst", "architect", "design"}},
	{domain.RoleDeveloper, []string{"developer", "engineer", "programmer", "dev"}},
	{domain.RoleTester, []string{"test", "qa", "quality"}},
}

// CategoryForRole classifies one role display name.
func CategoryForRole(name string) domain.RoleCategory {
	n := strings.ToLower(name)
	for _, kw := range roleKeywords {
		for _, w := range kw.words {
			if strings.Contains(n, w) { return kw.category }
		}
	}
	return domain.RoleOther
}

// ResolveProjectRoles collapses each member's role list to the single
// highest-priority category. A user holding several memberships keeps every
// role id in AllRoleIDs but only the winning role's id/name.
func ResolveProjectRoles(projectID int64, memberships []redmine.Membership) []domain.RoleAssignment {
	byUser := map[int64]*domain.RoleAssignment{}
	for _, m := range memberships {
		a, ok := byUser[m.UserID]
		if !ok {
			a = &domain.RoleAssignment{
				ProjectID:    projectID,
				UserID:       m.UserID,
				UserName:     m.UserName,
				RoleCategory: domain.RoleOther,
				RolePriority: domain.RoleOther.Priority(),
			}
			byUser[m.UserID] = a
		}
		for _, r := range m.Roles {
			a.AllRoleIDs = append(a.AllRoleIDs, r.ID)
			cat := CategoryForRole(r.Name)
			if a.HighestRoleID == 0 || cat.Priority() < a.RolePriority {
				a.HighestRoleID = r.ID
				a.HighestRoleName = r.Name
				a.RoleCategory = cat
				a.RolePriority = cat.Priority()
			}
		}
	}
	out := make([]domain.RoleAssignment, 0, len(byUser))
	for _, a := range byUser { out = append(out, *a) }
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// DevTeam is the known developer-team membership set, matched on user name or
// login, case-insensitive.
type DevTeam map[string]struct{}

func NewDevTeam(names []string) DevTeam {
	t := DevTeam{}
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" { t[n] = struct{}{} }
	}
	return t
}

func (t DevTeam) Contains(name string) bool {
	_, ok := t[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Classifier resolves one contributor's role on one issue. The two
// implementations are intentionally separate models and are never reconciled.
type Classifier interface {
	ClassifyContributor(issue domain.Issue, journals []domain.JournalEvent, userID int64) domain.RoleCategory
}

// RoleTableClassifier uses explicit project-membership roles, falling back to
// the team heuristic for non-member contributors.
type RoleTableClassifier struct {
	Roles   map[int64]domain.RoleAssignment
	DevTeam DevTeam
}

func (c *RoleTableClassifier) ClassifyContributor(issue domain.Issue, journals []domain.JournalEvent, userID int64) domain.RoleCategory {
	if a, ok := c.Roles[userID]; ok { return a.RoleCategory }
	name := userNameFromJournals(journals, userID)
	if c.DevTeam.Contains(name) { return domain.RoleDeveloper }
	return domain.RoleImplementation
}

// TransitionHeuristicClassifier classifies strictly on status transitions: who
// resolved the issue, and who moved it into testing before that.
type TransitionHeuristicClassifier struct {
	Resolved func(value string) bool
	Testing  func(value string) bool
	DevTeam  DevTeam
}

// DeveloperAndTester resolves the coarse dev/tester split for one issue. The
// user transitioning to resolved is the developer when they belong to the dev
// team; otherwise they are the tester and the developer is the author of the
// most recent earlier transition into testing, or the issue author when none
// exists. Returns zero ids when the issue was never resolved.
func (c *TransitionHeuristicClassifier) DeveloperAndTester(issue domain.Issue, journals []domain.JournalEvent) (developerID, testerID int64) {
	ordered := make([]domain.JournalEvent, len(journals))
	copy(ordered, journals)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })

	resolvedIdx := -1
	for i, j := range ordered {
		for _, ch := range j.Changes {
			if ch.Property == domain.PropertyStatus && c.Resolved(ch.NewValue) { resolvedIdx = i }
		}
	}
	if resolvedIdx < 0 { return 0, 0 }
	resolver := ordered[resolvedIdx]
	if c.DevTeam.Contains(resolver.AuthorName) {
		return resolver.AuthorID, 0
	}
	testerID = resolver.AuthorID
	for i := resolvedIdx - 1; i >= 0; i-- {
		for _, ch := range ordered[i].Changes {
			if ch.Property == domain.PropertyStatus && c.Testing(ch.NewValue) {
				return ordered[i].AuthorID, testerID
			}
		}
	}
	return issue.AuthorID, testerID
}

func (c *TransitionHeuristicClassifier) ClassifyContributor(issue domain.Issue, journals []domain.JournalEvent, userID int64) domain.RoleCategory {
	dev, tester := c.DeveloperAndTester(issue, journals)
	switch userID {
	case 0:
		return domain.RoleOther
	case dev:
		return domain.RoleDeveloper
	case tester:
		return domain.RoleTester
	}
	return domain.RoleOther
}

func userNameFromJournals(journals []domain.JournalEvent, userID int64) string {
	for _, j := range journals {
		if j.AuthorID == userID && j.AuthorName != "" { return j.AuthorName }
	}
	return ""
}
