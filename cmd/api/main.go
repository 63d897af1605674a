package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/newmanspace/redmine-mcp-server-sub000/internal/adapters/redmine"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/config"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/contrib"
	httpapi "github.com/newmanspace/redmine-mcp-server-sub000/internal/http"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/jobs"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/logger"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/repo"
	syncer "github.com/newmanspace/redmine-mcp-server-sub000/internal/sync"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/timeline"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.RedmineBaseURL == "" { log.Fatal().Msg("REDMINE_BASE_URL is required") }

	// Warehouse schema must be current before anything writes
	if err := repo.Migrate(cfg.DBDSN); err != nil { log.Fatal().Err(err).Msg("migrations failed") }

	db := repo.MustOpen(ctx, cfg, log)
	defer db.Close()

	rm := redmine.NewClient(cfg, log)
	repository := repo.NewRepository(db, log)

	closed := timeline.MatchAny(cfg.ClosedStatus)
	rebuild := timeline.NewReconstructor(log, rm, repository, closed)
	coord := syncer.NewCoordinator(cfg, log, rm, repository, rebuild)
	attr := contrib.NewAttributor(cfg, log, rm, repository)

	router := httpapi.NewRouter(cfg, log, coord, attr)

	cron := jobs.NewCron(cfg, log, coord, repository)
	cron.Start()
	defer cron.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- router.Run(cfg.HTTPAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutting down...")
	case err := <-errCh:
		if err != nil { log.Error().Err(err).Msg("http server error") }
	}

	time.Sleep(500 * time.Millisecond)
}
