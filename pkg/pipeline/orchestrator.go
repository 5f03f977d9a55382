// Package pipeline runs the concept alignment of two corpora: extraction,
// merging, graph rebuild, scoring and the Venn partition.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OFFIS-RIT/align/backend/pkg/batch"
	"github.com/OFFIS-RIT/align/backend/pkg/common"
	"github.com/OFFIS-RIT/align/backend/pkg/logger"
	"github.com/OFFIS-RIT/align/backend/pkg/merge"
	"github.com/OFFIS-RIT/align/backend/pkg/oracle"
	"github.com/OFFIS-RIT/align/backend/pkg/score"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrRunInProgress is returned when Run is called while a run is active.
var ErrRunInProgress = errors.New("alignment run already in progress")

// Observer is notified about progress and terminal results, e.g. to export
// metrics.
type Observer interface {
	ObserveProgress(p Progress)
	ObserveResult(res *Result)
}

// Input holds the two corpora of a run.
type Input struct {
	RunID string
	D1    []common.Element
	D2    []common.Element
}

// Orchestrator walks the phases of an alignment run. One instance runs one
// alignment at a time.
type Orchestrator struct {
	oracles    oracle.Set
	engine     *merge.Engine
	scorer     *score.Scorer
	budget     int
	batchOpts  []batch.Option
	onProgress ProgressFunc
	sink       Sink
	observer   Observer
	tracer     trace.Tracer

	arena   *Arena
	running atomic.Bool
	aborted atomic.Bool

	// publishMu serializes progress callbacks of the two extraction loops.
	publishMu sync.Mutex

	mu       sync.RWMutex
	runID    string
	phase    Phase
	progress Progress
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithProgress registers fn to receive progress snapshots.
func WithProgress(fn ProgressFunc) Option {
	return func(o *Orchestrator) { o.onProgress = fn }
}

// WithSink hands the result of every run to sink.
func WithSink(sink Sink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithObserver registers an observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithBatchBudget sets the extraction batch budget.
func WithBatchBudget(budget int) Option {
	return func(o *Orchestrator) { o.budget = budget }
}

// WithBatchOptions configures the batcher, e.g. with a token size measure.
func WithBatchOptions(opts ...batch.Option) Option {
	return func(o *Orchestrator) { o.batchOpts = append(o.batchOpts, opts...) }
}

// WithPolicies sets the merge round policies.
func WithPolicies(policies ...merge.Policy) Option {
	return func(o *Orchestrator) { o.engine = merge.NewEngine(o.oracles.Merger, policies...) }
}

// NewOrchestrator returns an orchestrator using the given oracles.
func NewOrchestrator(oracles oracle.Set, opts ...Option) (*Orchestrator, error) {
	if err := oracles.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		oracles: oracles,
		engine:  merge.NewEngine(oracles.Merger),
		scorer:  score.NewScorer(oracles.Scorer),
		budget:  batch.DefaultBudget,
		tracer:  otel.Tracer("github.com/OFFIS-RIT/align/backend/pkg/pipeline"),
		arena:   NewArena(),
		phase:   PhaseIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Abort requests cooperative cancellation of the active run. Oracle calls
// already issued finish; their results are discarded. An abort requested
// before Run stops that run at its first phase boundary.
func (o *Orchestrator) Abort() {
	if o.running.Load() {
		logger.Info("[Pipeline] Abort requested", "run_id", o.RunID())
	}
	o.aborted.Store(true)
}

// Phase returns the phase of the active or last run.
func (o *Orchestrator) Phase() Phase {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.phase
}

// Progress returns the last published progress snapshot.
func (o *Orchestrator) Progress() Progress {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.progress
}

// RunID returns the id of the active or last run.
func (o *Orchestrator) RunID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.runID
}

// Snapshot copies the current arena.
func (o *Orchestrator) Snapshot() Snapshot {
	return o.arena.Snapshot()
}

func (o *Orchestrator) stopRequested(ctx context.Context) bool {
	return o.aborted.Load() || ctx.Err() != nil
}

func (o *Orchestrator) checkAbort(ctx context.Context) error {
	if o.stopRequested(ctx) {
		return common.ErrPipelineAbort
	}
	return nil
}

func (o *Orchestrator) publish(phase Phase, message string, done, total int) {
	o.publishMu.Lock()
	defer o.publishMu.Unlock()

	p := Progress{
		Phase:   phase,
		Message: message,
		Percent: percentOf(phase, done, total),
		Counts:  o.arena.counts(),
	}

	o.mu.Lock()
	p.RunID = o.runID
	if _, ok := phaseRanges[phase]; !ok {
		// error and aborted keep the percentage reached so far
		p.Percent = o.progress.Percent
	}
	o.phase = phase
	o.progress = p
	o.mu.Unlock()

	if o.onProgress != nil {
		o.onProgress(p)
	}
	if o.observer != nil {
		o.observer.ObserveProgress(p)
	}
}

// runPhase runs fn inside a span named after phase and publishes the start of
// the phase.
func (o *Orchestrator) runPhase(ctx context.Context, phase Phase, message string, fn func(ctx context.Context) error) error {
	if err := o.checkAbort(ctx); err != nil {
		return err
	}

	ctx, span := o.tracer.Start(ctx, "pipeline."+string(phase), trace.WithAttributes(attribute.String("run_id", o.RunID())))
	defer span.End()

	o.publish(phase, message, 0, 1)
	logger.Info("[Pipeline] Phase", "phase", phase, "run_id", o.RunID())

	if err := fn(ctx); err != nil {
		if !errors.Is(err, common.ErrPipelineAbort) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
	return nil
}

// Run resets the arena and walks every phase. It always returns a result
// holding whatever the arena accumulated; the error is nil only for a
// completed run. An aborted run returns common.ErrPipelineAbort.
func (o *Orchestrator) Run(ctx context.Context, in Input) (*Result, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer o.running.Store(false)
	// the flag is cleared once the run is over so an abort delivered between
	// NewOrchestrator and Run is kept
	defer o.aborted.Store(false)

	o.mu.Lock()
	o.runID = in.RunID
	o.mu.Unlock()

	elements := make([]common.Element, 0, len(in.D1)+len(in.D2))
	d1 := tag(in.D1, common.DatasetD1)
	d2 := tag(in.D2, common.DatasetD2)
	elements = append(elements, d1...)
	elements = append(elements, d2...)
	o.arena.reset(elements)

	ctx, span := o.tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("run_id", in.RunID),
		attribute.Int("d1_elements", len(d1)),
		attribute.Int("d2_elements", len(d2)),
	))
	defer span.End()

	started := time.Now()
	var diag Diagnostics
	o.publish(PhaseIdle, "Starting alignment", 0, 1)

	err := o.run(ctx, d1, d2, &diag)
	if err != nil && !errors.Is(err, common.ErrPipelineAbort) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return o.finish(ctx, in.RunID, started, err, &diag)
}

func (o *Orchestrator) run(ctx context.Context, d1, d2 []common.Element, diag *Diagnostics) error {
	err := o.runPhase(ctx, PhaseCreating, "Creating element nodes", func(ctx context.Context) error {
		n, err := o.arena.addElementNodes()
		if err != nil {
			return fmt.Errorf("failed to create element nodes: %w", err)
		}
		logger.Debug("[Pipeline] Element nodes created", "count", n)
		return nil
	})
	if err != nil {
		return o.fail(diag, PhaseCreating, err)
	}

	if err := o.checkAbort(ctx); err != nil {
		return err
	}
	reports := o.extractAll(ctx, d1, d2)
	for _, r := range reports {
		diag.addExtraction(r)
	}
	if reports[0].Stopped || reports[1].Stopped {
		return common.ErrPipelineAbort
	}

	err = o.runPhase(ctx, PhaseMerging, "Merging concepts", func(ctx context.Context) error {
		return o.mergeAll(ctx, diag)
	})
	if err != nil {
		return o.fail(diag, PhaseMerging, err)
	}

	err = o.runPhase(ctx, PhaseGraph, "Rebuilding concept graph", func(ctx context.Context) error {
		res, err := o.arena.rebuildGraph()
		diag.Graph = graphReport(res)
		if err != nil {
			return fmt.Errorf("failed to rebuild graph: %w", err)
		}
		o.publish(PhaseGraph, "Concept graph rebuilt", 1, 1)
		return nil
	})
	if err != nil {
		return o.fail(diag, PhaseGraph, err)
	}

	err = o.runPhase(ctx, PhaseTesseract, "Scoring concepts", func(ctx context.Context) error {
		return o.scoreAll(ctx, diag)
	})
	if err != nil {
		return o.fail(diag, PhaseTesseract, err)
	}

	err = o.runPhase(ctx, PhaseVenn, "Generating Venn result", func(ctx context.Context) error {
		return o.buildVenn(ctx)
	})
	if err != nil {
		return o.fail(diag, PhaseVenn, err)
	}
	return nil
}

func (o *Orchestrator) fail(diag *Diagnostics, phase Phase, err error) error {
	if status, _ := statusFor(err); status == StatusAborted {
		return err
	}
	diag.PhaseError = &PhaseFailure{Phase: phase, Kind: common.Classify(err), Message: err.Error()}
	logger.Error("[Pipeline] Phase failed", "phase", phase, "run_id", o.RunID(), "kind", diag.PhaseError.Kind, "err", err)
	return err
}

func (o *Orchestrator) mergeAll(ctx context.Context, diag *Diagnostics) error {
	policies := o.engine.Policies()
	for i, policy := range policies {
		if err := o.checkAbort(ctx); err != nil {
			return err
		}

		concepts, nextID := o.arena.conceptsAndNextID()
		res, err := o.engine.RunRound(ctx, concepts, policy, nextID, func(msg string) {
			o.publish(PhaseMerging, msg, i, len(policies))
		})
		if res.Conservation.Round != 0 {
			diag.Conservation = append(diag.Conservation, res.Conservation)
		}
		if o.stopRequested(ctx) {
			logger.Debug("[Pipeline] Discarding merge round received after abort", "round", policy.Round)
			return common.ErrPipelineAbort
		}
		if err != nil {
			return err
		}

		o.arena.applyRound(res)
		diag.Rounds = append(diag.Rounds, res)
		o.publish(PhaseMerging, fmt.Sprintf("Merge round %d of %d applied", i+1, len(policies)), i+1, len(policies))
	}
	return nil
}

func (o *Orchestrator) scoreAll(ctx context.Context, diag *Diagnostics) error {
	concepts, _ := o.arena.conceptsAndNextID()
	final := common.ActiveConcepts(concepts)
	o.arena.setScoredTotal(len(final))

	out := o.scorer.ScoreAll(ctx, final, score.NewElementIndex(o.arena.elementsCopy()), score.Hooks{
		ShouldStop: func() bool { return o.stopRequested(ctx) },
		OnCell:     o.arena.addCell,
		OnScored: func(done, total int) {
			o.arena.setScored(done)
			o.publish(PhaseTesseract, fmt.Sprintf("Scored %d of %d concepts", done, total), done, total)
		},
	})
	diag.addScoring(out.Failures)
	if out.Stopped {
		return common.ErrPipelineAbort
	}
	return nil
}

func (o *Orchestrator) buildVenn(ctx context.Context) error {
	concepts, _ := o.arena.conceptsAndNextID()
	final := common.ActiveConcepts(concepts)
	cells := o.arena.cellsCopy()

	// The deterministic partition is committed first so a failing oracle
	// still leaves a usable result.
	o.arena.setVenn(score.Build(final, cells, nil))

	resp, err := o.oracles.Venn.Venn(ctx, score.VennRequestFor(final, cells), func(msg string) {
		o.publish(PhaseVenn, msg, 0, 1)
	})
	if err == nil {
		err = resp.Validate()
	}
	if err != nil {
		if o.stopRequested(ctx) {
			return common.ErrPipelineAbort
		}
		return fmt.Errorf("venn oracle failed: %w", err)
	}
	if o.stopRequested(ctx) {
		return common.ErrPipelineAbort
	}

	o.arena.setVenn(score.Build(final, cells, resp))
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, runID string, started time.Time, err error, diag *Diagnostics) (*Result, error) {
	status, phase := statusFor(err)
	if status == StatusAborted {
		err = common.ErrPipelineAbort
	}

	res := &Result{
		RunID:       runID,
		Status:      status,
		Phase:       phase,
		Snapshot:    o.arena.Snapshot(),
		Diagnostics: *diag,
		StartedAt:   started,
		FinishedAt:  time.Now(),
	}

	if o.sink != nil {
		saveCtx := context.WithoutCancel(ctx)
		if sinkErr := o.sink.SaveResult(saveCtx, res); sinkErr != nil {
			res.Diagnostics.SinkError = sinkErr.Error()
			logger.Error("[Pipeline] Failed to persist result", "run_id", runID, "err", sinkErr)
		}
	}

	o.publish(phase, fmt.Sprintf("Alignment %s", status), 1, 1)
	if o.observer != nil {
		o.observer.ObserveResult(res)
	}

	logger.Info("[Pipeline] Finished",
		"run_id", runID,
		"status", status,
		"nodes", len(res.Snapshot.Nodes),
		"edges", len(res.Snapshot.Edges),
		"cells", len(res.Snapshot.Cells),
		"duration", res.FinishedAt.Sub(started),
	)
	return res, err
}

func tag(elements []common.Element, d common.Dataset) []common.Element {
	out := make([]common.Element, len(elements))
	for i, e := range elements {
		e.Dataset = d
		out[i] = e
	}
	return out
}
