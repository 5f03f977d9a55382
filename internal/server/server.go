package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/align/backend/internal/db"
	"github.com/OFFIS-RIT/align/backend/internal/metrics"
	"github.com/OFFIS-RIT/align/backend/internal/oracles"
	"github.com/OFFIS-RIT/align/backend/internal/queue"
	mid "github.com/OFFIS-RIT/align/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/align/backend/internal/storage"
	"github.com/OFFIS-RIT/align/backend/internal/timing"
	"github.com/OFFIS-RIT/align/backend/internal/util"
	"github.com/OFFIS-RIT/align/backend/pkg/logger"
	pgstore "github.com/OFFIS-RIT/align/backend/pkg/store/pgx"

	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/net/http2"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

// New returns an echo instance serving app. collector may be nil.
func New(app *mid.App, collector *metrics.Collector) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = &CustomValidator{validator: validator.New()}

	if collector != nil {
		e.Use(collector.Middleware())
	}
	e.Use(mid.AppContextMiddleware(app))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(util.GetEnvString("BODY_LIMIT", "64M")))

	RegisterRoutes(e, collector)
	return e
}

func Init() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	databaseURL := util.GetEnv("DATABASE_URL")
	if err := db.Migrate(databaseURL); err != nil {
		logger.Fatal("Failed to migrate database", "err", err)
	}
	conn, err := db.Connect(ctx, databaseURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", "err", err)
	}
	defer conn.Close()

	que, err := queue.Dial(queue.URLFromEnv())
	if err != nil {
		logger.Fatal("Failed to connect to rabbitmq", "err", err)
	}
	defer que.Close()
	ch, err := que.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, queue.AlignmentQueue); err != nil {
		logger.Fatal("Failed to setup queues", "err", err)
	}

	app := &mid.App{
		Runs:    pgstore.New(conn),
		Queue:   ch,
		Timings: timing.New(conn),
		APIKey:  util.GetEnv("MASTER_API_KEY"),
	}

	if bucket := util.GetEnv("AWS_BUCKET"); bucket != "" {
		s3Client, err := storage.NewS3Client(ctx)
		if err != nil {
			logger.Fatal("Failed to create s3 client", "err", err)
		}
		app.S3 = s3Client
		app.Bucket = bucket
		app.Archive = storage.NewArchive(s3Client, bucket)
	}

	if util.GetEnvBool("SERVE_ORACLES", false) {
		set, _, err := oracles.FromEnv()
		if err != nil {
			logger.Fatal("Failed to create oracles", "err", err)
		}
		app.Oracles = set
	}

	collector := metrics.NewCollector("align_server")
	e := New(app, collector)

	go func() {
		port := util.GetEnvString("PORT", "8080")
		logger.Info("[Server] Starting server", "port", port)
		if err := start(e, ":"+port, util.GetEnvBool("H2C", false)); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
	}
}

// start serves e on address, optionally as cleartext HTTP/2 so oracle
// streams can be multiplexed by clients that support it.
func start(e *echo.Echo, address string, h2c bool) error {
	if h2c {
		return e.StartH2CServer(address, &http2.Server{
			MaxConcurrentStreams: 250,
			IdleTimeout:          2 * time.Minute,
		})
	}
	return e.Start(address)
}
