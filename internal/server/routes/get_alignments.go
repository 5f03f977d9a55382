package routes

import (
	"errors"
	"net/http"
	"time"

	"github.com/OFFIS-RIT/align/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/align/backend/internal/storage"
	"github.com/OFFIS-RIT/align/backend/internal/timing"
	"github.com/OFFIS-RIT/align/backend/pkg/common"
	"github.com/OFFIS-RIT/align/backend/pkg/logger"
	"github.com/OFFIS-RIT/align/backend/pkg/store"

	"github.com/labstack/echo/v4"
)

// GetAlignmentHandler returns status, progress and, once available, the
// coverage summary of a run.
func GetAlignmentHandler(c echo.Context) error {
	type getAlignmentResponse struct {
		*store.Run
		Summary *common.VennSummary `json:"summary,omitempty"`

		// EstimatedRemainingMs is only set for unfinished runs with history.
		EstimatedRemainingMs int64 `json:"estimated_remaining_ms,omitempty"`
	}

	app := middleware.AppFrom(c)
	ctx := c.Request().Context()
	runID := c.Param("id")

	run, err := app.Runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Alignment not found"})
		}
		logger.Error("[Server] Failed to get run", "run_id", runID, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	resp := getAlignmentResponse{Run: run}
	if app.Timings != nil && run.FinishedAt == nil {
		predicted, err := app.Timings.PredictRunTime(ctx, run.Elements)
		if err != nil {
			logger.Warn("[Server] Failed to predict run time", "run_id", runID, "err", err)
		} else {
			resp.EstimatedRemainingMs = timing.Remaining(predicted, run.CreatedAt, time.Now()).Milliseconds()
		}
	}
	venn, err := app.Runs.GetVenn(ctx, runID)
	switch {
	case err == nil:
		resp.Summary = &venn.Summary
	case !errors.Is(err, store.ErrVennNotReady):
		logger.Warn("[Server] Failed to load venn summary", "run_id", runID, "err", err)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetAlignmentVennHandler returns the full Venn result of a run.
func GetAlignmentVennHandler(c echo.Context) error {
	app := middleware.AppFrom(c)
	runID := c.Param("id")

	venn, err := app.Runs.GetVenn(c.Request().Context(), runID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrRunNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Alignment not found"})
		case errors.Is(err, store.ErrVennNotReady):
			return c.JSON(http.StatusConflict, map[string]string{"error": "Venn result not available yet"})
		}
		logger.Error("[Server] Failed to get venn", "run_id", runID, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	return c.JSON(http.StatusOK, venn)
}

// GetAlignmentArchiveHandler returns a presigned link to the archived result.
func GetAlignmentArchiveHandler(c echo.Context) error {
	app := middleware.AppFrom(c)
	if app.S3 == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Archive disabled"})
	}
	ctx := c.Request().Context()
	runID := c.Param("id")

	run, err := app.Runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Alignment not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	if run.FinishedAt == nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": "Alignment still running"})
	}

	link, err := storage.GenerateDownloadLink(ctx, app.S3, app.Bucket, storage.ResultKey(runID))
	if err != nil {
		logger.Error("[Server] Failed to presign archive", "run_id", runID, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	return c.JSON(http.StatusOK, map[string]string{"url": link})
}
