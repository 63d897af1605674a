package sync

import (
	"time"

	"github.com/newmanspace/redmine-mcp-server-sub000/internal/domain"
)

// nextWindow computes a project's next progressive half-open window [start, end).
// Start is the stored cursor, defaulting to the project creation date; end is
// start+span clamped to now. Returns false when the cursor has caught up.
func nextWindow(projectID int64, created time.Time, cursor *time.Time, now time.Time, span time.Duration) (domain.SyncWindow, bool) {
	start := created
	if cursor != nil && cursor.After(start) { start = *cursor }
	if !start.Before(now) { return domain.SyncWindow{}, false }
	end := start.Add(span)
	if end.After(now) { end = now }
	return domain.SyncWindow{ProjectID: projectID, Start: start, End: end}, true
}
