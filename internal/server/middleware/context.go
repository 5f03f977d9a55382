package middleware

import (
	"context"
	"time"

	"github.com/OFFIS-RIT/align/backend/internal/queue"
	"github.com/OFFIS-RIT/align/backend/internal/storage"
	"github.com/OFFIS-RIT/align/backend/pkg/oracle"
	"github.com/OFFIS-RIT/align/backend/pkg/store"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/labstack/echo/v4"
)

// RunTimePredictor estimates run durations from past runs.
type RunTimePredictor interface {
	PredictRunTime(ctx context.Context, elements int) (time.Duration, error)
}

// App holds the collaborators shared by all handlers.
type App struct {
	Runs  store.RunStore
	Queue queue.Channel

	// Archive and S3 are nil when archiving is disabled.
	Archive *storage.Archive
	S3      *s3.Client
	Bucket  string

	// Oracles serve the /api/oracle endpoints. A zero Set disables them.
	Oracles oracle.Set

	// Timings is optional.
	Timings RunTimePredictor

	APIKey string
}

type AppContext struct {
	echo.Context
	App *App
}

// AppFrom returns the App of an AppContext.
func AppFrom(c echo.Context) *App {
	if cc, ok := c.(*AppContext); ok {
		return cc.App
	}
	return nil
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return next(&AppContext{c, app})
		}
	}
}
