package jobs

import (
	"context"
	"time"

	"github.com/newmanspace/redmine-mcp-server-sub000/internal/config"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/domain"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/repo"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type coordinator interface {
	RunIncremental(ctx context.Context, projectIDs []int64) []domain.SyncResult
}

type Cron struct {
	cfg   config.Config
	log   zerolog.Logger
	coord coordinator
	repo  *repo.Repository
	c     *cron.Cron
}

func NewCron(cfg config.Config, log zerolog.Logger, coord coordinator, r *repo.Repository) *Cron {
	loc, _ := time.LoadLocation(cfg.TZ)
	c := cron.New(cron.WithLocation(loc), cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)))
	cr := &Cron{cfg: cfg, log: log, coord: coord, repo: r, c: c}
	_, _ = c.AddFunc(cfg.SyncCron, cr.tick)
	return cr
}

func (cr *Cron) Start() { cr.c.Start() }
func (cr *Cron) Stop()  { cr.c.Stop() }

// tick drives one incremental run. The advisory lock keeps replicas from
// double-syncing; the coordinator's own guard drops misfired ticks in-process.
func (cr *Cron) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	const lockKey int64 = 731942
	ok, err := cr.repo.TryAdvisoryLock(ctx, lockKey)
	if err != nil { cr.log.Error().Err(err).Msg("cron: lock error"); return }
	if !ok { cr.log.Info().Msg("cron: already running elsewhere"); return }
	defer func() { _ = cr.repo.AdvisoryUnlock(context.Background(), lockKey) }()
	cr.log.Info().Msg("cron: incremental sync")
	results := cr.coord.RunIncremental(ctx, nil)
	for _, r := range results {
		if r.Status == "error" {
			cr.log.Error().Int64("project", r.ProjectID).Str("error", r.Error).Msg("cron: project sync failed")
		}
	}
}
