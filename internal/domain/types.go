package domain

import "time"

// RoleCategory orders contributor roles by priority: a lower number wins when a
// user maps to several categories.
type RoleCategory string

const (
	RoleManager        RoleCategory = "manager"
	RoleImplementation RoleCategory = "implementation"
	RoleDeveloper      RoleCategory = "developer"
	RoleTester         RoleCategory = "tester"
	RoleOther          RoleCategory = "other"
)

func (c RoleCategory) Priority() int {
	switch c {
	case RoleManager:
		return 1
	case RoleImplementation:
		return 2
	case RoleDeveloper:
		return 3
	case RoleTester:
		return 4
	default:
		return 5
	}
}

// ChangeProperty tags a journal field change. Only status, priority and assignee
// affect snapshots; everything else is carried as PropertyOther and ignored.
type ChangeProperty string

const (
	PropertyStatus   ChangeProperty = "status"
	PropertyPriority ChangeProperty = "priority"
	PropertyAssignee ChangeProperty = "assignee"
	PropertyOther    ChangeProperty = "other"
)

type Issue struct {
	ID             int64
	ProjectID      int64
	Subject        string
	StatusID       int64
	StatusName     string
	PriorityID     *int64
	PriorityName   string
	AssignedToID   *int64
	AssignedToName string
	AuthorID       int64
	AuthorName     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ClosedAt       *time.Time
}

type FieldChange struct {
	Property ChangeProperty
	Name     string // raw field name from the tracker, e.g. status_id
	OldValue string
	NewValue string
}

// JournalEvent is one atomic remote change, append-only and ordered by CreatedAt.
type JournalEvent struct {
	ID         int64
	IssueID    int64
	AuthorID   int64
	AuthorName string
	Notes      string
	CreatedAt  time.Time
	Changes    []FieldChange
}

// DailySnapshot is an issue's state as of a calendar date, keyed (IssueID, Date).
type DailySnapshot struct {
	IssueID        int64
	ProjectID      int64
	Date           time.Time
	Subject        string
	StatusID       int64
	StatusName     string
	PriorityID     *int64
	PriorityName   string
	AssignedToID   *int64
	AssignedToName string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	IsNew          bool
	IsClosed       bool
	IsUpdated      bool
}

type ProjectDailySummary struct {
	ProjectID      int64
	Date           time.Time
	TotalIssues    int
	NewIssues      int
	ClosedIssues   int
	UpdatedIssues  int
	StatusCounts   map[string]int
	PriorityCounts map[string]int
}

// ContributorRecord accumulates one user's activity on one issue.
type ContributorRecord struct {
	IssueID             int64
	ProjectID           int64
	UserID              int64
	UserName            string
	RoleCategory        RoleCategory
	JournalCount        int
	StatusChangeCount   int
	NoteCount           int
	AssignedChangeCount int
	FirstContribution   time.Time
	LastContribution    time.Time
}

// RoleAssignment keeps only the highest-priority role a user holds on a project;
// AllRoleIDs records every membership role for reference.
type RoleAssignment struct {
	ProjectID       int64
	UserID          int64
	UserName        string
	HighestRoleID   int64
	HighestRoleName string
	RoleCategory    RoleCategory
	RolePriority    int
	AllRoleIDs      []int64
}

// SyncWindow is a half-open [Start, End) slice of a project's history.
type SyncWindow struct {
	ProjectID int64
	Start     time.Time
	End       time.Time
}

// SyncResult is the per-project outcome of an on-demand sync or backfill.
type SyncResult struct {
	ProjectID int64  `json:"project_id"`
	Status    string `json:"status"` // success | error
	Count     int    `json:"count,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SyncProgress is the persisted progressive-sync cursor for one project.
type SyncProgress struct {
	ProjectID int64      `json:"project_id"`
	WindowEnd *time.Time `json:"window_end"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// DateOf truncates t to its calendar date in UTC.
func DateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
