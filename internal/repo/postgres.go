package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/config"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/domain"
	"github.com/rs/zerolog"
)

type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

func MustOpen(ctx context.Context, cfg config.Config, log zerolog.Logger) *DB {
	pool, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil { log.Fatal().Err(err).Msg("db connect failed") }
	ctx2, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(ctx2); err != nil { log.Fatal().Err(err).Msg("db ping failed") }
	return &DB{Pool: pool, log: log}
}

func (d *DB) Close() { d.Pool.Close() }

// Repository is the snapshot store over the warehouse tables.
type Repository struct {
	db  *DB
	log zerolog.Logger
}

func NewRepository(d *DB, log zerolog.Logger) *Repository { return &Repository{db: d, log: log} }

func (r *Repository) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	var ok bool
	err := r.db.Pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok)
	return ok, err
}

func (r *Repository) AdvisoryUnlock(ctx context.Context, key int64) error {
	var ok bool
	err := r.db.Pool.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&ok)
	if !ok && err == nil { return errors.New("advisory unlock returned false") }
	return err
}

// UpsertSnapshot writes one (issue, date) row. Idempotent: identical input is a
// no-op in effect, and is_closed never reverts to false once set.
func (r *Repository) UpsertSnapshot(ctx context.Context, s domain.DailySnapshot) error {
	const q = `
        INSERT INTO dwd_issue_daily_snapshot(issue_id, project_id, snapshot_date, subject,
            status_id, status_name, priority_id, priority_name, assigned_to_id, assigned_to_name,
            created_at, updated_at, is_new, is_closed, is_updated)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
        ON CONFLICT(issue_id, snapshot_date) DO UPDATE SET
            project_id=EXCLUDED.project_id,
            subject=EXCLUDED.subject,
            status_id=EXCLUDED.status_id,
            status_name=EXCLUDED.status_name,
            priority_id=EXCLUDED.priority_id,
            priority_name=EXCLUDED.priority_name,
            assigned_to_id=EXCLUDED.assigned_to_id,
            assigned_to_name=EXCLUDED.assigned_to_name,
            created_at=EXCLUDED.created_at,
            updated_at=EXCLUDED.updated_at,
            is_new=EXCLUDED.is_new,
            is_closed=dwd_issue_daily_snapshot.is_closed OR EXCLUDED.is_closed,
            is_updated=EXCLUDED.is_updated`
	_, err := r.db.Pool.Exec(ctx, q, s.IssueID, s.ProjectID, s.Date, s.Subject,
		s.StatusID, s.StatusName, s.PriorityID, s.PriorityName, s.AssignedToID, s.AssignedToName,
		s.CreatedAt, s.UpdatedAt, s.IsNew, s.IsClosed, s.IsUpdated)
	return err
}

// GetPreviousSnapshot returns the latest snapshot strictly before date, or nil.
func (r *Repository) GetPreviousSnapshot(ctx context.Context, issueID int64, date time.Time) (*domain.DailySnapshot, error) {
	const q = `SELECT issue_id, project_id, snapshot_date, subject, status_id, status_name,
        priority_id, priority_name, assigned_to_id, assigned_to_name,
        created_at, updated_at, is_new, is_closed, is_updated
        FROM dwd_issue_daily_snapshot
        WHERE issue_id=$1 AND snapshot_date < $2
        ORDER BY snapshot_date DESC LIMIT 1`
	var s domain.DailySnapshot
	err := r.db.Pool.QueryRow(ctx, q, issueID, date).Scan(&s.IssueID, &s.ProjectID, &s.Date,
		&s.Subject, &s.StatusID, &s.StatusName, &s.PriorityID, &s.PriorityName,
		&s.AssignedToID, &s.AssignedToName, &s.CreatedAt, &s.UpdatedAt,
		&s.IsNew, &s.IsClosed, &s.IsUpdated)
	if errors.Is(err, pgx.ErrNoRows) { return nil, nil }
	if err != nil { return nil, err }
	return &s, nil
}

// GetSnapshots lists all snapshot rows for one project and date.
func (r *Repository) GetSnapshots(ctx context.Context, projectID int64, date time.Time) ([]domain.DailySnapshot, error) {
	const q = `SELECT issue_id, project_id, snapshot_date, subject, status_id, status_name,
        priority_id, priority_name, assigned_to_id, assigned_to_name,
        created_at, updated_at, is_new, is_closed, is_updated
        FROM dwd_issue_daily_snapshot
        WHERE project_id=$1 AND snapshot_date=$2`
	rows, err := r.db.Pool.Query(ctx, q, projectID, date)
	if err != nil { return nil, err }
	defer rows.Close()
	var out []domain.DailySnapshot
	for rows.Next() {
		var s domain.DailySnapshot
		if err := rows.Scan(&s.IssueID, &s.ProjectID, &s.Date, &s.Subject, &s.StatusID, &s.StatusName,
			&s.PriorityID, &s.PriorityName, &s.AssignedToID, &s.AssignedToName,
			&s.CreatedAt, &s.UpdatedAt, &s.IsNew, &s.IsClosed, &s.IsUpdated); err != nil { return nil, err }
		out = append(out, s)
	}
	return out, rows.Err()
}

// RefreshProjectSummary fully recomputes one (project, date) summary from its
// snapshot rows. Safe to call repeatedly.
func (r *Repository) RefreshProjectSummary(ctx context.Context, projectID int64, date time.Time) error {
	snaps, err := r.GetSnapshots(ctx, projectID, date)
	if err != nil { return err }
	sum := domain.ProjectDailySummary{
		ProjectID:      projectID,
		Date:           date,
		StatusCounts:   map[string]int{},
		PriorityCounts: map[string]int{},
	}
	for _, s := range snaps {
		sum.TotalIssues++
		if s.IsNew { sum.NewIssues++ }
		if s.IsClosed { sum.ClosedIssues++ }
		if s.IsUpdated { sum.UpdatedIssues++ }
		if s.StatusName != "" { sum.StatusCounts[s.StatusName]++ }
		if s.PriorityName != "" { sum.PriorityCounts[s.PriorityName]++ }
	}
	statusJSON, _ := json.Marshal(sum.StatusCounts)
	priorityJSON, _ := json.Marshal(sum.PriorityCounts)
	const q = `INSERT INTO dws_project_daily_summary(project_id, snapshot_date, total_issues,
            new_issues, closed_issues, updated_issues, status_counts, priority_counts)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT(project_id, snapshot_date) DO UPDATE SET
            total_issues=EXCLUDED.total_issues,
            new_issues=EXCLUDED.new_issues,
            closed_issues=EXCLUDED.closed_issues,
            updated_issues=EXCLUDED.updated_issues,
            status_counts=EXCLUDED.status_counts,
            priority_counts=EXCLUDED.priority_counts`
	_, err = r.db.Pool.Exec(ctx, q, projectID, date, sum.TotalIssues,
		sum.NewIssues, sum.ClosedIssues, sum.UpdatedIssues, statusJSON, priorityJSON)
	return err
}

func (r *Repository) UpsertContributors(ctx context.Context, recs []domain.ContributorRecord) error {
	if len(recs) == 0 { return nil }
	batch := &pgx.Batch{}
	const q = `INSERT INTO dws_issue_contributors(issue_id, project_id, user_id, user_name,
            role_category, journal_count, status_change_count, note_count, assigned_change_count,
            first_contribution, last_contribution)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT(issue_id, user_id) DO UPDATE SET
            project_id=EXCLUDED.project_id,
            user_name=EXCLUDED.user_name,
            role_category=EXCLUDED.role_category,
            journal_count=EXCLUDED.journal_count,
            status_change_count=EXCLUDED.status_change_count,
            note_count=EXCLUDED.note_count,
            assigned_change_count=EXCLUDED.assigned_change_count,
            first_contribution=EXCLUDED.first_contribution,
            last_contribution=EXCLUDED.last_contribution`
	for _, c := range recs {
		batch.Queue(q, c.IssueID, c.ProjectID, c.UserID, c.UserName, string(c.RoleCategory),
			c.JournalCount, c.StatusChangeCount, c.NoteCount, c.AssignedChangeCount,
			c.FirstContribution, c.LastContribution)
	}
	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range recs { if _, err := br.Exec(); err != nil { return err } }
	return nil
}

func (r *Repository) UpsertRoleAssignments(ctx context.Context, assigns []domain.RoleAssignment) error {
	if len(assigns) == 0 { return nil }
	batch := &pgx.Batch{}
	const q = `INSERT INTO dwd_user_project_role(project_id, user_id, user_name, highest_role_id,
            highest_role_name, role_category, role_priority, all_role_ids)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT(project_id, user_id) DO UPDATE SET
            user_name=EXCLUDED.user_name,
            highest_role_id=EXCLUDED.highest_role_id,
            highest_role_name=EXCLUDED.highest_role_name,
            role_category=EXCLUDED.role_category,
            role_priority=EXCLUDED.role_priority,
            all_role_ids=EXCLUDED.all_role_ids`
	for _, a := range assigns {
		batch.Queue(q, a.ProjectID, a.UserID, a.UserName, a.HighestRoleID, a.HighestRoleName,
			string(a.RoleCategory), a.RolePriority, a.AllRoleIDs)
	}
	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range assigns { if _, err := br.Exec(); err != nil { return err } }
	return nil
}

func (r *Repository) GetRoleAssignments(ctx context.Context, projectID int64) (map[int64]domain.RoleAssignment, error) {
	const q = `SELECT project_id, user_id, user_name, highest_role_id, highest_role_name,
        role_category, role_priority, all_role_ids
        FROM dwd_user_project_role WHERE project_id=$1`
	rows, err := r.db.Pool.Query(ctx, q, projectID)
	if err != nil { return nil, err }
	defer rows.Close()
	out := map[int64]domain.RoleAssignment{}
	for rows.Next() {
		var a domain.RoleAssignment
		var cat string
		if err := rows.Scan(&a.ProjectID, &a.UserID, &a.UserName, &a.HighestRoleID, &a.HighestRoleName,
			&cat, &a.RolePriority, &a.AllRoleIDs); err != nil { return nil, err }
		a.RoleCategory = domain.RoleCategory(cat)
		out[a.UserID] = a
	}
	return out, rows.Err()
}

// GetProjectCursor returns the progressive-sync cursor for one project, or nil
// if the project has never been progressively synced.
func (r *Repository) GetProjectCursor(ctx context.Context, projectID int64) (*time.Time, error) {
	var end *time.Time
	err := r.db.Pool.QueryRow(ctx,
		`SELECT window_end FROM dws_sync_progress WHERE project_id=$1`, projectID).Scan(&end)
	if errors.Is(err, pgx.ErrNoRows) { return nil, nil }
	if err != nil { return nil, err }
	return end, nil
}

// AdvanceCursor moves the cursor forward, never backward; GREATEST keeps the
// advance monotonic under concurrent writers.
func (r *Repository) AdvanceCursor(ctx context.Context, projectID int64, end time.Time) error {
	const q = `INSERT INTO dws_sync_progress(project_id, window_end, updated_at)
        VALUES($1,$2,now())
        ON CONFLICT(project_id) DO UPDATE SET
            window_end=GREATEST(dws_sync_progress.window_end, EXCLUDED.window_end),
            updated_at=now()`
	_, err := r.db.Pool.Exec(ctx, q, projectID, end)
	return err
}

func (r *Repository) GetSyncProgress(ctx context.Context) ([]domain.SyncProgress, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT project_id, window_end, updated_at FROM dws_sync_progress ORDER BY project_id`)
	if err != nil { return nil, err }
	defer rows.Close()
	var out []domain.SyncProgress
	for rows.Next() {
		var p domain.SyncProgress
		if err := rows.Scan(&p.ProjectID, &p.WindowEnd, &p.UpdatedAt); err != nil { return nil, err }
		out = append(out, p)
	}
	return out, rows.Err()
}
