package timeline

import (
	"testing"
	"time"

	"github.com/newmanspace/redmine-mcp-server-sub000/internal/domain"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil { panic(err) }
	return t
}

func ch(prop domain.ChangeProperty, old, new string) domain.FieldChange {
	return domain.FieldChange{Property: prop, OldValue: old, NewValue: new}
}

func journal(id int64, at time.Time, changes ...domain.FieldChange) domain.JournalEvent {
	return domain.JournalEvent{ID: id, AuthorID: 1, CreatedAt: at, Changes: changes}
}

func testIssue(status string, created time.Time) domain.Issue {
	return domain.Issue{
		ID:         42,
		ProjectID:  7,
		Subject:    "payment gateway times out",
		StatusID:   1,
		StatusName: status,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func TestBuildTimeline_EmitsOneStatePerTrackedJournal(t *testing.T) {
	created := day("2026-01-01")
	issue := testIssue("Urgent", created) // current state, after all journals
	journals := []domain.JournalEvent{
		journal(1, day("2026-01-03"), ch(domain.PropertyStatus, "New", "In Progress")),
		journal(2, day("2026-01-04"), ch(domain.PropertyPriority, "Normal", "Urgent")),
		journal(3, day("2026-01-06"), ch(domain.PropertyStatus, "In Progress", "Resolved")),
	}
	states := BuildTimeline(issue, journals, MatchAny("Closed"))
	require.Len(t, states, 4)

	// creation state is rewound to the earliest old values
	require.True(t, states[0].IsNew)
	require.Equal(t, day("2026-01-01"), states[0].Date)
	require.Equal(t, "New", states[0].StatusName)
	require.Equal(t, "Normal", states[0].PriorityName)

	// each journal applies cumulatively
	require.Equal(t, "In Progress", states[1].StatusName)
	require.Equal(t, "Normal", states[1].PriorityName)
	require.True(t, states[1].IsUpdated)
	require.False(t, states[1].IsNew)

	require.Equal(t, "In Progress", states[2].StatusName)
	require.Equal(t, "Urgent", states[2].PriorityName)

	require.Equal(t, "Resolved", states[3].StatusName)
	require.Equal(t, "Urgent", states[3].PriorityName)
	require.Equal(t, day("2026-01-06"), states[3].Date)
}

func TestBuildTimeline_ClosedFlagSticky(t *testing.T) {
	created := day("2026-01-01")
	issue := testIssue("New", created)
	journals := []domain.JournalEvent{
		journal(1, day("2026-01-05"), ch(domain.PropertyStatus, "New", "Resolved")),
		journal(2, day("2026-01-10"), ch(domain.PropertyStatus, "Resolved", "Closed")),
		journal(3, day("2026-01-15"), ch(domain.PropertyStatus, "Closed", "New")),
	}
	states := BuildTimeline(issue, journals, MatchAny("Closed"))
	require.Len(t, states, 4)

	require.Equal(t, "New", states[0].StatusName)
	require.False(t, states[0].IsClosed)

	require.Equal(t, "Resolved", states[1].StatusName)
	require.False(t, states[1].IsClosed)

	require.Equal(t, "Closed", states[2].StatusName)
	require.True(t, states[2].IsClosed)

	// reopening does not clear the flag
	require.Equal(t, "New", states[3].StatusName)
	require.True(t, states[3].IsClosed)
	require.True(t, states[3].IsUpdated)
}

func TestBuildTimeline_CollapsesChangesWithinOneJournal(t *testing.T) {
	issue := testIssue("New", day("2026-02-01"))
	journals := []domain.JournalEvent{
		journal(1, day("2026-02-03"),
			ch(domain.PropertyStatus, "New", "In Progress"),
			ch(domain.PropertyAssignee, "", "12"),
			ch(domain.PropertyPriority, "Normal", "High"),
		),
	}
	states := BuildTimeline(issue, journals, MatchAny("Closed"))
	require.Len(t, states, 2)
	require.Equal(t, "In Progress", states[1].StatusName)
	require.Equal(t, "High", states[1].PriorityName)
	require.Equal(t, "12", states[1].AssignedToName)
	require.NotNil(t, states[1].AssignedToID)
	require.Equal(t, int64(12), *states[1].AssignedToID)
}

func TestBuildTimeline_IgnoresUntrackedProperties(t *testing.T) {
	issue := testIssue("New", day("2026-02-01"))
	journals := []domain.JournalEvent{
		{ID: 1, AuthorID: 1, CreatedAt: day("2026-02-02"), Notes: "looking into it"},
		journal(2, day("2026-02-03"), domain.FieldChange{Property: domain.PropertyOther, Name: "description", NewValue: "x"}),
	}
	states := BuildTimeline(issue, journals, MatchAny("Closed"))
	require.Len(t, states, 1) // creation only
}

func TestBuildTimeline_OutOfOrderJournalsAreSorted(t *testing.T) {
	issue := testIssue("Resolved", day("2026-03-01"))
	journals := []domain.JournalEvent{
		journal(2, day("2026-03-05"), ch(domain.PropertyStatus, "In Progress", "Resolved")),
		journal(1, day("2026-03-02"), ch(domain.PropertyStatus, "New", "In Progress")),
	}
	states := BuildTimeline(issue, journals, MatchAny("Closed"))
	require.Len(t, states, 3)
	require.Equal(t, "New", states[0].StatusName)
	require.Equal(t, "In Progress", states[1].StatusName)
	require.Equal(t, "Resolved", states[2].StatusName)
	for i := 1; i < len(states); i++ {
		require.False(t, states[i].Date.Before(states[i-1].Date), "dates must be non-decreasing")
	}
}

func TestMatchAny(t *testing.T) {
	m := MatchAny("Closed", "5")
	require.True(t, m("Closed"))
	require.True(t, m("closed"))
	require.True(t, m(" CLOSED "))
	require.True(t, m("5"))
	require.False(t, m("Resolved"))
	require.False(t, m(""))
}
