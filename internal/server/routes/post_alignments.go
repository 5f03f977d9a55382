package routes

import (
	"fmt"
	"net/http"

	"github.com/OFFIS-RIT/align/backend/internal/queue"
	"github.com/OFFIS-RIT/align/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/align/backend/pkg/common"
	"github.com/OFFIS-RIT/align/backend/pkg/logger"
	"github.com/OFFIS-RIT/align/backend/pkg/store"

	"github.com/labstack/echo/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

type elementBody struct {
	ID       string `json:"id" validate:"required"`
	Label    string `json:"label" validate:"required"`
	Content  string `json:"content"`
	Category string `json:"category"`
}

// toElements converts request elements and rejects duplicate ids.
func toElements(d common.Dataset, in []elementBody) ([]common.Element, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]common.Element, 0, len(in))
	for _, e := range in {
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("duplicate %s element id %q", d, e.ID)
		}
		seen[e.ID] = struct{}{}
		out = append(out, common.Element{
			ID:       e.ID,
			Label:    e.Label,
			Content:  e.Content,
			Category: e.Category,
			Dataset:  d,
		})
	}
	return out, nil
}

// CreateAlignmentHandler stores a new run and enqueues it.
func CreateAlignmentHandler(c echo.Context) error {
	type createAlignmentBody struct {
		ProjectKey string        `json:"project_key" validate:"required"`
		D1         []elementBody `json:"d1" validate:"required,min=1,dive"`
		D2         []elementBody `json:"d2" validate:"required,min=1,dive"`
	}

	type createAlignmentResponse struct {
		Message string `json:"message"`
		RunID   string `json:"run_id,omitempty"`
	}

	data := new(createAlignmentBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, createAlignmentResponse{
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, createAlignmentResponse{
			Message: "Invalid request body",
		})
	}

	d1, err := toElements(common.DatasetD1, data.D1)
	if err != nil {
		return c.JSON(http.StatusBadRequest, createAlignmentResponse{Message: err.Error()})
	}
	d2, err := toElements(common.DatasetD2, data.D2)
	if err != nil {
		return c.JSON(http.StatusBadRequest, createAlignmentResponse{Message: err.Error()})
	}

	runID, err := gonanoid.New()
	if err != nil {
		logger.Error("[Server] Failed to generate run id", "err", err)
		return c.JSON(http.StatusInternalServerError, createAlignmentResponse{
			Message: "Internal server error",
		})
	}

	app := middleware.AppFrom(c)
	ctx := c.Request().Context()
	err = app.Runs.CreateRun(ctx, store.NewRun{
		ID:         runID,
		ProjectKey: data.ProjectKey,
		D1:         d1,
		D2:         d2,
	})
	if err != nil {
		logger.Error("[Server] Failed to create run", "err", err)
		return c.JSON(http.StatusInternalServerError, createAlignmentResponse{
			Message: "Internal server error",
		})
	}

	err = queue.PublishJob(app.Queue, queue.AlignmentJobMsg{
		RunID:      runID,
		ProjectKey: data.ProjectKey,
		Message:    "Alignment requested",
	})
	if err != nil {
		logger.Error("[Server] Failed to enqueue run", "run_id", runID, "err", err)
		return c.JSON(http.StatusInternalServerError, createAlignmentResponse{
			Message: "Failed to enqueue alignment",
			RunID:   runID,
		})
	}

	logger.Info("[Server] Alignment queued", "run_id", runID, "project_key", data.ProjectKey, "d1", len(d1), "d2", len(d2))
	return c.JSON(http.StatusAccepted, createAlignmentResponse{
		Message: "Alignment queued",
		RunID:   runID,
	})
}
