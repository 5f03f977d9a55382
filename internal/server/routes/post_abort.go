package routes

import (
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/align/backend/internal/queue"
	"github.com/OFFIS-RIT/align/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/align/backend/pkg/logger"
	"github.com/OFFIS-RIT/align/backend/pkg/store"

	"github.com/labstack/echo/v4"
)

// AbortAlignmentHandler aborts a queued alignment in place and broadcasts an
// abort request to the worker of a running one.
func AbortAlignmentHandler(c echo.Context) error {
	type abortBody struct {
		Reason string `json:"reason"`
	}

	data := new(abortBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	app := middleware.AppFrom(c)
	runID := c.Param("id")
	run, err := app.Runs.GetRun(c.Request().Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Alignment not found"})
		}
		logger.Error("[Server] Failed to get run", "run_id", runID, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	switch run.Status {
	case store.RunCompleted, store.RunError, store.RunAborted:
		return c.JSON(http.StatusConflict, map[string]string{"error": "Alignment already finished", "status": string(run.Status)})
	}

	if run.Status == store.RunQueued {
		aborted, err := app.Runs.AbortQueued(c.Request().Context(), runID, data.Reason)
		if err != nil {
			logger.Error("[Server] Failed to abort queued run", "run_id", runID, "err", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		}
		if aborted {
			logger.Info("[Server] Queued alignment aborted", "run_id", runID)
			return c.JSON(http.StatusOK, map[string]string{"message": "Alignment aborted", "run_id": runID})
		}
		// a worker picked the run up in the meantime
	}

	if err := queue.PublishAbort(app.Queue, queue.AbortMsg{RunID: runID, Reason: data.Reason}); err != nil {
		logger.Error("[Server] Failed to publish abort", "run_id", runID, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	logger.Info("[Server] Abort requested", "run_id", runID)
	return c.JSON(http.StatusAccepted, map[string]string{"message": "Abort requested", "run_id": runID})
}
