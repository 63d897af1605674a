package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/config"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/contrib"
	"github.com/newmanspace/redmine-mcp-server-sub000/internal/domain"
	"github.com/rs/zerolog"
)

type coordinator interface {
	RunIncremental(ctx context.Context, projectIDs []int64) []domain.SyncResult
	RunFull(ctx context.Context, projectIDs []int64, fromDate *time.Time) []domain.SyncResult
	RunProgressive(ctx context.Context) []domain.SyncResult
	BackfillProject(ctx context.Context, projectID int64, fromDate *time.Time) domain.SyncResult
	Progress(ctx context.Context) ([]domain.SyncProgress, error)
}

type attributor interface {
	AnalyzeIssue(ctx context.Context, issueID int64) ([]domain.ContributorRecord, error)
	AnalyzeProject(ctx context.Context, projectID int64) (int, error)
	WorkloadSplit(ctx context.Context, issueID int64) (*contrib.WorkloadReport, error)
}

type Handlers struct {
	cfg   config.Config
	log   zerolog.Logger
	coord coordinator
	attr  attributor
}

func NewHandlers(cfg config.Config, log zerolog.Logger, coord coordinator, attr attributor) *Handlers {
	return &Handlers{cfg: cfg, log: log, coord: coord, attr: attr}
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type syncRequest struct {
	ProjectIDs []int64 `json:"project_ids"`
	FromDate   string  `json:"from_date"` // YYYY-MM-DD, full sync only
}

func (h *Handlers) SyncIncremental(c *gin.Context) {
	var req syncRequest
	_ = c.ShouldBindJSON(&req)
	results := h.coord.RunIncremental(c.Request.Context(), req.ProjectIDs)
	if results == nil {
		c.JSON(http.StatusConflict, gin.H{"status": "skipped", "reason": "previous run still in flight"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *Handlers) SyncFull(c *gin.Context) {
	var req syncRequest
	_ = c.ShouldBindJSON(&req)
	var from *time.Time
	if req.FromDate != "" {
		t, err := time.Parse("2006-01-02", req.FromDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from_date must be YYYY-MM-DD"})
			return
		}
		from = &t
	}
	results := h.coord.RunFull(c.Request.Context(), req.ProjectIDs, from)
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *Handlers) SyncProgressive(c *gin.Context) {
	results := h.coord.RunProgressive(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *Handlers) Backfill(c *gin.Context) {
	pid, err := strconv.ParseInt(c.Param("project"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}
	var from *time.Time
	if v := c.Query("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be YYYY-MM-DD"})
			return
		}
		from = &t
	}
	// Detached from the request so a client timeout cannot abandon the replay
	// halfway; the structured result is still returned on completion.
	result := h.coord.BackfillProject(context.Background(), pid, from)
	status := http.StatusOK
	if result.Status == "error" { status = http.StatusBadGateway }
	c.JSON(status, result)
}

type analyzeRequest struct {
	IssueID   int64 `json:"issue_id"`
	ProjectID int64 `json:"project_id"`
}

func (h *Handlers) AnalyzeContributors(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch {
	case req.IssueID > 0:
		recs, err := h.attr.AnalyzeIssue(c.Request.Context(), req.IssueID)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"contributors": recs})
	case req.ProjectID > 0:
		count, err := h.attr.AnalyzeProject(context.Background(), req.ProjectID)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "count": count})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "count": count})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "issue_id or project_id required"})
	}
}

func (h *Handlers) Workload(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("issue"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid issue id"})
		return
	}
	rep, err := h.attr.WorkloadSplit(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *Handlers) Progress(c *gin.Context) {
	progress, err := h.coord.Progress(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"progress": progress})
}
