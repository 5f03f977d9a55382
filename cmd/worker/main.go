package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/align/backend/internal/db"
	"github.com/OFFIS-RIT/align/backend/internal/metrics"
	"github.com/OFFIS-RIT/align/backend/internal/oracles"
	"github.com/OFFIS-RIT/align/backend/internal/queue"
	"github.com/OFFIS-RIT/align/backend/internal/storage"
	"github.com/OFFIS-RIT/align/backend/internal/timing"
	"github.com/OFFIS-RIT/align/backend/internal/tracing"
	"github.com/OFFIS-RIT/align/backend/internal/util"
	"github.com/OFFIS-RIT/align/backend/pkg/batch"
	"github.com/OFFIS-RIT/align/backend/pkg/logger"
	"github.com/OFFIS-RIT/align/backend/pkg/logger/console"
	"github.com/OFFIS-RIT/align/backend/pkg/merge"
	"github.com/OFFIS-RIT/align/backend/pkg/pipeline"
	"github.com/OFFIS-RIT/align/backend/pkg/runlock"
	"github.com/OFFIS-RIT/align/backend/pkg/store"
	pgstore "github.com/OFFIS-RIT/align/backend/pkg/store/pgx"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  debug,
		JSON:   util.GetEnvBool("LOG_JSON", false),
		Prefix: "worker",
	})
	logger.Init(consoleLogger)

	// tracing
	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: "align-worker",
		Endpoint:    util.GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:    util.GetEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		SampleRate:  util.GetEnvNumeric("OTEL_SAMPLE_RATE", 1),
	})
	if err != nil {
		logger.Fatal("Could not init tracing", "err", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Error("Failed to flush traces", "err", err)
		}
	}()

	// oracles
	oracleSet, aiClient, err := oracles.FromEnv()
	if err != nil {
		logger.Fatal("Could not create oracles", "err", err)
	}

	options, err := pipelineOptions()
	if err != nil {
		logger.Fatal("Invalid pipeline configuration", "err", err)
	}

	// Init pgx client
	databaseURL := util.GetEnv("DATABASE_URL")
	if err := db.Migrate(databaseURL); err != nil {
		logger.Fatal("Unable to migrate database", "err", err)
	}
	pgConn, err := db.Connect(ctx, databaseURL)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()
	runs := pgstore.New(pgConn)

	sinks := store.Fanout{runs}
	if bucket := util.GetEnv("AWS_BUCKET"); bucket != "" {
		s3Client, err := storage.NewS3Client(ctx)
		if err != nil {
			logger.Fatal("Could not create s3 client", "err", err)
		}
		sinks = append(sinks, storage.NewArchive(s3Client, bucket))
	}

	// Init rabbitmq
	conn, err := queue.Dial(queue.URLFromEnv())
	if err != nil {
		logger.Fatal("Failed to connect to rabbitmq", "err", err)
	}
	defer conn.Close()

	// Init rabbitmq queues if not exist
	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, queue.AlignmentQueue); err != nil {
		logger.Fatal("Failed to setup queues", "err", err)
	}

	// metrics
	collector := metrics.NewCollector("align_worker")
	metricsServer := &http.Server{
		Addr:              ":" + util.GetEnvString("METRICS_PORT", "9090"),
		Handler:           collector.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Serving metrics", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", "err", err)
		}
	}()
	defer metricsServer.Close()

	processor, err := queue.NewProcessor(queue.NewProcessorParams{
		Runs:             runs,
		Sink:             sinks,
		Locker:           runlock.New(pgConn, runlock.WithWait(time.Second, 500*time.Millisecond)),
		Aborts:           queue.NewAbortWatcher(conn),
		Timings:          timing.New(pgConn),
		Oracles:          oracleSet,
		Observer:         collector,
		Options:          options,
		ProgressInterval: util.GetEnvSeconds("ALIGN_PROGRESS_INTERVAL", 1),
	})
	if err != nil {
		logger.Fatal("Could not create processor", "err", err)
	}
	maxRetries := util.GetEnvInt("QUEUE_MAX_RETRIES", queue.DefaultMaxRetries)

	logger.Info("Listening for messages")

	// Single consumer channel with prefetch=1, so a worker runs one alignment
	// at a time
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	err = consumerCh.Qos(1, 0, true)
	if err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	msgs, err := consumerCh.Consume(
		queue.AlignmentQueue,
		fmt.Sprintf("%s_consumer", queue.AlignmentQueue),
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		logger.Fatal("Failed to start consuming", "queue", queue.AlignmentQueue, "err", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping message processor")
				return
			case msg, ok := <-msgs:
				if !ok {
					logger.Info("Message channel closed", "queue", queue.AlignmentQueue)
					stop()
					return
				}

				startTime := time.Now()
				logger.Info("Received message", "queue", queue.AlignmentQueue)

				processingErr := processor.ProcessAlignmentMessage(ctx, msg.Body)

				// If there was an error send to retry or dead-letter, otherwise ack the message
				if processingErr != nil {
					logger.Error("Error processing message", "queue", queue.AlignmentQueue, "err", processingErr)
					queue.HandleProcessingError(consumerCh, msg, queue.AlignmentQueue, maxRetries, processingErr)
				} else {
					if err := msg.Ack(false); err != nil {
						logger.Error("Failed to ack message", "err", err)
					}
					logger.Info("Message processed successfully", "queue", queue.AlignmentQueue)
				}

				if aiClient != nil {
					aiMetrics := aiClient.GetMetrics()
					collector.ObserveAI(aiMetrics)
					logger.Info(
						"AI Metrics",
						"input_tokens", aiMetrics.InputTokens,
						"output_tokens", aiMetrics.OutputTokens,
						"total_tokens", aiMetrics.TotalTokens,
						"duration", formatDuration(time.Duration(aiMetrics.DurationMs)*time.Millisecond),
					)
					aiClient.ResetMetrics()
				}

				logger.Info("Processing time", "duration", formatDuration(time.Since(startTime)))
				logger.Info("Waiting for next message")
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, exiting...")
}

// pipelineOptions reads batching and merge round settings.
func pipelineOptions() ([]pipeline.Option, error) {
	var options []pipeline.Option

	options = append(options, pipeline.WithBatchBudget(util.GetEnvInt("ALIGN_BATCH_BUDGET", batch.DefaultBudget)))
	if encoder := util.GetEnv("ALIGN_TOKEN_ENCODER"); encoder != "" {
		size, err := batch.TokenSize(encoder)
		if err != nil {
			return nil, err
		}
		options = append(options, pipeline.WithBatchOptions(batch.WithSize(size)))
	}

	policies := merge.DefaultPolicies(util.GetEnvInt("ALIGN_TARGET_CONCEPTS", 0))
	if path := util.GetEnv("ALIGN_ROUNDS_FILE"); path != "" {
		loaded, err := merge.LoadPolicies(path)
		if err != nil {
			return nil, err
		}
		policies = loaded
	}
	options = append(options, pipeline.WithPolicies(policies...))
	return options, nil
}

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}
