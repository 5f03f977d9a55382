package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/align/backend/internal/util"
	"github.com/OFFIS-RIT/align/backend/pkg/logger"
	"github.com/OFFIS-RIT/align/backend/pkg/oracle"
	"github.com/OFFIS-RIT/align/backend/pkg/pipeline"
	"github.com/OFFIS-RIT/align/backend/pkg/store"
)

// Aborts subscribes a run to abort requests.
type Aborts interface {
	Watch(ctx context.Context, runID string, onAbort func()) (func(), error)
}

// Locker serializes runs of one project.
type Locker interface {
	WithLock(ctx context.Context, projectKey, runID string, fn func(ctx context.Context) error) error
}

// Timings records durations of completed runs.
type Timings interface {
	AddRunTime(ctx context.Context, projectKey string, elements int, duration time.Duration) error
}

// Processor runs alignment jobs taken from the queue.
type Processor struct {
	runs             store.RunStore
	sink             store.ResultSink
	locker           Locker
	aborts           Aborts
	timings          Timings
	oracles          oracle.Set
	observer         pipeline.Observer
	options          []pipeline.Option
	progressInterval time.Duration
}

type NewProcessorParams struct {
	Runs     store.RunStore
	Sink     store.ResultSink
	Locker   Locker
	Aborts   Aborts
	Timings  Timings
	Oracles  oracle.Set
	Observer pipeline.Observer
	// Options are applied to every orchestrator, e.g. batch budget and
	// merge policies.
	Options          []pipeline.Option
	ProgressInterval time.Duration
}

func NewProcessor(params NewProcessorParams) (*Processor, error) {
	if params.Runs == nil {
		return nil, errors.New("processor needs a run store")
	}
	if err := params.Oracles.Validate(); err != nil {
		return nil, err
	}
	interval := params.ProgressInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Processor{
		runs:             params.Runs,
		sink:             params.Sink,
		locker:           params.Locker,
		aborts:           params.Aborts,
		timings:          params.Timings,
		oracles:          params.Oracles,
		observer:         params.Observer,
		options:          params.Options,
		progressInterval: interval,
	}, nil
}

// ProcessAlignmentMessage runs the job in body. Failed and aborted runs are
// recorded and not redelivered; only errors that kept the run from being
// recorded are returned. Malformed jobs are marked permanent.
func (p *Processor) ProcessAlignmentMessage(ctx context.Context, body []byte) error {
	var job AlignmentJobMsg
	if err := json.Unmarshal(body, &job); err != nil {
		return util.Permanent(fmt.Errorf("failed to unmarshal job: %w", err))
	}
	if job.RunID == "" {
		return util.Permanent(errors.New("job without run id"))
	}

	run, input, err := p.runs.LoadInput(ctx, job.RunID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return util.Permanent(err)
		}
		return fmt.Errorf("failed to load run %s: %w", job.RunID, err)
	}
	switch run.Status {
	case store.RunCompleted, store.RunAborted:
		logger.Info("[Queue] Skipping finished run", "run_id", run.ID, "status", run.Status)
		return nil
	}

	runFn := func(ctx context.Context) error { return p.execute(ctx, run, input) }
	if p.locker == nil {
		return runFn(ctx)
	}
	return p.locker.WithLock(ctx, run.ProjectKey, run.ID, runFn)
}

func (p *Processor) execute(ctx context.Context, run *store.Run, input pipeline.Input) error {
	if err := p.runs.MarkRunning(ctx, run.ID); err != nil {
		if errors.Is(err, store.ErrRunAborted) {
			logger.Info("[Queue] Skipping run aborted while queued", "run_id", run.ID)
			return nil
		}
		return err
	}

	recorder := store.NewProgressRecorder(p.runs, run.ID, p.progressInterval, func(err error) {
		logger.Warn("[Queue] Progress write failed", "run_id", run.ID, "err", err)
	})
	defer recorder.Close()
	opts := append([]pipeline.Option{
		pipeline.WithProgress(recorder.Record),
		pipeline.WithObserver(p.observer),
	}, p.options...)
	if p.sink != nil {
		opts = append(opts, pipeline.WithSink(p.sink))
	}

	orch, err := pipeline.NewOrchestrator(p.oracles, opts...)
	if err != nil {
		return util.Permanent(err)
	}

	if p.aborts != nil {
		stop, err := p.aborts.Watch(ctx, run.ID, orch.Abort)
		if err != nil {
			logger.Warn("[Queue] Running without abort subscription", "run_id", run.ID, "err", err)
		} else {
			defer stop()
		}
	}

	start := time.Now()
	logger.Info("[Queue] Running alignment",
		"run_id", run.ID,
		"project_key", run.ProjectKey,
		"d1", len(input.D1),
		"d2", len(input.D2),
	)
	res, err := orch.Run(ctx, input)
	recorder.Close()
	if res == nil {
		return err
	}

	// a canceled worker context is a shutdown, not a user abort
	if ctxErr := ctx.Err(); ctxErr != nil {
		if err := p.runs.Requeue(context.WithoutCancel(ctx), run.ID); err != nil {
			logger.Error("[Queue] Failed to requeue interrupted run", "run_id", run.ID, "err", err)
		}
		return fmt.Errorf("run %s interrupted: %w", run.ID, ctxErr)
	}

	logger.Info("[Queue] Alignment finished",
		"run_id", run.ID,
		"status", res.Status,
		"failures", len(res.Diagnostics.Failures),
		"duration", time.Since(start),
	)
	if p.timings != nil && res.Status == pipeline.StatusCompleted {
		elements := len(input.D1) + len(input.D2)
		if err := p.timings.AddRunTime(ctx, run.ProjectKey, elements, res.FinishedAt.Sub(res.StartedAt)); err != nil {
			logger.Warn("[Queue] Failed to record run time", "run_id", run.ID, "err", err)
		}
	}
	if res.Diagnostics.SinkError != "" {
		logger.Error("[Queue] Result was not fully stored", "run_id", run.ID, "err", res.Diagnostics.SinkError)
	}
	return nil
}
