package sync

import (
	"time"

	"github.com/newmanspace/redmine-mcp-server-sub000/internal/domain"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/timeline"
)

// snapshotFromIssue projects a fetched issue onto a dated snapshot row. Flags
// are derived separately against the previous day's snapshot.
func snapshotFromIssue(issue domain.Issue, date time.Time) domain.DailySnapshot {
	return domain.DailySnapshot{
		IssueID:        issue.ID,
		ProjectID:      issue.ProjectID,
		Date:           date,
		Subject:        issue.Subject,
		StatusID:       issue.StatusID,
		StatusName:     issue.StatusName,
		PriorityID:     issue.PriorityID,
		PriorityName:   issue.PriorityName,
		AssignedToID:   issue.AssignedToID,
		AssignedToName: issue.AssignedToName,
		CreatedAt:      issue.CreatedAt,
		UpdatedAt:      issue.UpdatedAt,
	}
}

// deriveFlags diffs an issue against the previous day's snapshot (not the
// previous run's). is_closed is true only on the day the status became closed;
// the store keeps it sticky within a date after that.
func deriveFlags(prev *domain.DailySnapshot, cur domain.Issue, closed timeline.StatusMatcher) (isNew, isClosed, isUpdated bool) {
	closedNow := closed(cur.StatusName) || cur.ClosedAt != nil
	if prev == nil {
		return true, closedNow, false
	}
	prevClosed := closed(prev.StatusName)
	isClosed = closedNow && !prevClosed
	isUpdated = prev.Subject != cur.Subject ||
		prev.StatusName != cur.StatusName ||
		prev.PriorityName != cur.PriorityName ||
		prev.AssignedToName != cur.AssignedToName
	return false, isClosed, isUpdated
}
