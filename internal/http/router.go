package http

import (
	"github.com/gin-gonic/gin"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/config"
	"github.com/rs/zerolog"
)

func NewRouter(cfg config.Config, log zerolog.Logger, coord coordinator, attr attributor) *gin.Engine {
	if cfg.AppEnv != "dev" { gin.SetMode(gin.ReleaseMode) }
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		c.Next()
		log.Info().Str("m", c.Request.Method).Str("p", c.FullPath()).Int("s", c.Writer.Status()).Msg("http")
	})

	h := NewHandlers(cfg, log, coord, attr)

	r.GET("/healthz", h.Healthz)
	r.POST("/sync/incremental", h.SyncIncremental)
	r.POST("/sync/full", h.SyncFull)
	r.POST("/sync/progressive", h.SyncProgressive)
	r.GET("/sync/progress", h.Progress)
	r.POST("/backfill/:project", h.Backfill)
	r.POST("/contributors/analyze", h.AnalyzeContributors)
	r.GET("/contributors/workload/:issue", h.Workload)

	return r
}
