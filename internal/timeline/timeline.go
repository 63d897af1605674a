package timeline

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/newmanspace/redmine-mcp-server-sub000/internal/domain"
	"github.com/rs/zerolog"
)

// StatusMatcher reports whether a raw journal status value (a display name or a
// numeric id, depending on the tracker) means "closed".
type StatusMatcher func(value string) bool

// MatchAny builds a case-insensitive matcher over the given values.
func MatchAny(values ...string) StatusMatcher {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" { set[v] = struct{}{} }
	}
	return func(value string) bool {
		_, ok := set[strings.ToLower(strings.TrimSpace(value))]
		return ok
	}
}

// applyValue folds one tracked field change into the snapshot state. The raw
// value lands in the *_name column; numeric values also update the id column.
func applyValue(s *domain.DailySnapshot, prop domain.ChangeProperty, val string) {
	switch prop {
	case domain.PropertyStatus:
		s.StatusName = val
		if n, err := strconv.ParseInt(val, 10, 64); err == nil { s.StatusID = n }
	case domain.PropertyPriority:
		s.PriorityName = val
		if n, err := strconv.ParseInt(val, 10, 64); err == nil { s.PriorityID = &n }
	case domain.PropertyAssignee:
		s.AssignedToName = val
		if n, err := strconv.ParseInt(val, 10, 64); err == nil { s.AssignedToID = &n }
	}
}

// initialState rebuilds the issue's state at creation: current fields rewound
// to the old_value of the earliest journal change per tracked property.
func initialState(issue domain.Issue, journals []domain.JournalEvent) domain.DailySnapshot {
	s := domain.DailySnapshot{
		IssueID:        issue.ID,
		ProjectID:      issue.ProjectID,
		Subject:        issue.Subject,
		StatusID:       issue.StatusID,
		StatusName:     issue.StatusName,
		PriorityID:     issue.PriorityID,
		PriorityName:   issue.PriorityName,
		AssignedToID:   issue.AssignedToID,
		AssignedToName: issue.AssignedToName,
		CreatedAt:      issue.CreatedAt,
		UpdatedAt:      issue.CreatedAt,
	}
	seen := map[domain.ChangeProperty]bool{}
	for _, j := range journals {
		for _, ch := range j.Changes {
			if ch.Property == domain.PropertyOther || seen[ch.Property] { continue }
			applyValue(&s, ch.Property, ch.OldValue)
			seen[ch.Property] = true
		}
	}
	return s
}

// BuildTimeline replays an issue's journals into one dated state per change.
// The creation record seeds the first state (is_new); each journal carrying a
// tracked field change emits a copy (is_updated); is_closed is set the first
// time the status matches closed and never cleared afterwards. The sequence may
// contain several states for the same date; callers upsert by date so the last
// one wins.
func BuildTimeline(issue domain.Issue, journals []domain.JournalEvent, closed StatusMatcher) []domain.DailySnapshot {
	ordered := make([]domain.JournalEvent, len(journals))
	copy(ordered, journals)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })

	state := initialState(issue, ordered)
	state.Date = domain.DateOf(issue.CreatedAt)
	state.IsNew = true
	state.IsClosed = closed(state.StatusName)

	out := []domain.DailySnapshot{state}
	wasClosed := state.IsClosed

	for _, j := range ordered {
		touched := false
		for _, ch := range j.Changes {
			if ch.Property == domain.PropertyOther { continue }
			applyValue(&state, ch.Property, ch.NewValue)
			touched = true
		}
		if !touched { continue }
		state.Date = domain.DateOf(j.CreatedAt)
		state.UpdatedAt = j.CreatedAt
		state.IsNew = false
		state.IsUpdated = true
		if !wasClosed && closed(state.StatusName) { wasClosed = true }
		state.IsClosed = wasClosed
		out = append(out, state)
	}
	return out
}

type store interface {
	UpsertSnapshot(ctx context.Context, s domain.DailySnapshot) error
}

type fetcher interface {
	IssueWithJournals(ctx context.Context, id int64) (*domain.Issue, []domain.JournalEvent, error)
}

// Reconstructor replays remote journal history into historical snapshot rows.
// It runs out-of-band from the live incremental loop and relies on the upsert
// being idempotent under that overlap.
type Reconstructor struct {
	log    zerolog.Logger
	rm     fetcher
	repo   store
	closed StatusMatcher
}

func NewReconstructor(log zerolog.Logger, rm fetcher, repo store, closed StatusMatcher) *Reconstructor {
	return &Reconstructor{log: log, rm: rm, repo: repo, closed: closed}
}

// ReconstructIssue rebuilds one issue's daily history and upserts it. Returns
// the distinct dates touched; the caller refreshes summaries once per date
// after the whole backfill batch.
func (r *Reconstructor) ReconstructIssue(ctx context.Context, issueID int64) (int64, []time.Time, error) {
	issue, journals, err := r.rm.IssueWithJournals(ctx, issueID)
	if err != nil { return 0, nil, err }
	states := BuildTimeline(*issue, journals, r.closed)
	dates := map[time.Time]struct{}{}
	for _, s := range states {
		if err := r.repo.UpsertSnapshot(ctx, s); err != nil {
			r.log.Error().Err(err).Int64("issue", s.IssueID).Time("date", s.Date).Msg("timeline: snapshot upsert failed")
			continue
		}
		dates[s.Date] = struct{}{}
	}
	out := make([]time.Time, 0, len(dates))
	for d := range dates { out = append(out, d) }
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return issue.ProjectID, out, nil
}
