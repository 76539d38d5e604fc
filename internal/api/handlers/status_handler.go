package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/andresuchdata/batchflow/internal/pipeline"
	"github.com/andresuchdata/batchflow/internal/repository"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 500
)

// Sweeps is the part of pipeline.Sweeper the API controls.
type Sweeps interface {
	Trigger(ctx context.Context) bool
	Running() bool
	LastSummary() *pipeline.Summary
}

type StatusHandler struct {
	// ctx outlives requests; triggered sweeps run under it.
	ctx    context.Context
	sweeps Sweeps
	runs   repository.RunRepository
}

// NewStatusHandler creates the status handler. runs may be nil when no
// ledger database is configured.
func NewStatusHandler(ctx context.Context, sweeps Sweeps, runs repository.RunRepository) *StatusHandler {
	return &StatusHandler{ctx: ctx, sweeps: sweeps, runs: runs}
}

// GetStatus returns whether a sweep is running and the last sweep summary
func (h *StatusHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"running":    h.sweeps.Running(),
		"last_sweep": h.sweeps.LastSummary(),
	})
}

// ListRuns returns the most recent ledger entries
func (h *StatusHandler) ListRuns(c *gin.Context) {
	if h.runs == nil {
		errorResponse(c, http.StatusServiceUnavailable, "run ledger is not configured")
		return
	}

	limit := defaultRunsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errorResponse(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := h.runs.Recent(c.Request.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list runs")
		errorResponse(c, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []repository.RunRecord{}
	}

	c.JSON(http.StatusOK, gin.H{"data": runs})
}

// TriggerSweep starts a sweep unless one is already running
func (h *StatusHandler) TriggerSweep(c *gin.Context) {
	if !h.sweeps.Trigger(h.ctx) {
		errorResponse(c, http.StatusConflict, pipeline.ErrSweepInProgress.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{"error": message})
}
