// Package store defines the persistence collaborators of the alignment
// pipeline: the result sink that receives the final arena and the run store
// that tracks queued and running alignments.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/OFFIS-RIT/align/backend/pkg/common"
	"github.com/OFFIS-RIT/align/backend/pkg/pipeline"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("alignment run not found")
	// ErrRunAborted is returned when a worker picks up a run that was
	// aborted while it waited in the queue.
	ErrRunAborted = errors.New("alignment run aborted")
	// ErrVennNotReady is returned while a run has no Venn result yet.
	ErrVennNotReady = errors.New("alignment run has no venn result")
)

// ResultSink persists the result of a run. Implementations write whole
// collections; no finer atomicity is assumed.
type ResultSink interface {
	SaveResult(ctx context.Context, res *pipeline.Result) error
}

// RunStatus extends the pipeline statuses with the states before a run
// starts.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = RunStatus(pipeline.StatusCompleted)
	RunError     RunStatus = RunStatus(pipeline.StatusError)
	RunAborted   RunStatus = RunStatus(pipeline.StatusAborted)
)

// Run is the persisted state of one alignment.
type Run struct {
	ID          string          `json:"id"`
	ProjectKey  string          `json:"project_key"`
	Status      RunStatus       `json:"status"`
	Phase       pipeline.Phase  `json:"phase"`
	Percent     float64         `json:"percent"`
	Message     string          `json:"message"`
	Counts      pipeline.Counts `json:"counts"`
	Elements    int             `json:"elements"`
	Diagnostics []byte          `json:"-"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// NewRun is the input of RunStore.CreateRun.
type NewRun struct {
	ID         string
	ProjectKey string
	D1         []common.Element
	D2         []common.Element
}

// RunStore tracks alignment runs and their inputs.
type RunStore interface {
	CreateRun(ctx context.Context, run NewRun) error
	LoadInput(ctx context.Context, runID string) (*Run, pipeline.Input, error)
	// MarkRunning fails with ErrRunAborted for runs aborted while queued.
	MarkRunning(ctx context.Context, runID string) error
	// AbortQueued marks a run no worker has picked up yet as aborted. It
	// reports false when the run has left the queued state.
	AbortQueued(ctx context.Context, runID, reason string) (bool, error)
	// Requeue puts an interrupted run back into the queued state.
	Requeue(ctx context.Context, runID string) error
	SaveProgress(ctx context.Context, runID string, p pipeline.Progress) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	GetVenn(ctx context.Context, runID string) (*common.VennResult, error)
}

// Fanout hands a result to several sinks concurrently and joins their errors.
type Fanout []ResultSink

// SaveResult implements ResultSink.
func (f Fanout) SaveResult(ctx context.Context, res *pipeline.Result) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, sink := range f {
		if sink == nil {
			continue
		}
		g.Go(func() error {
			if err := sink.SaveResult(ctx, res); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// ProgressRecorder writes progress snapshots to a RunStore in the
// background. Snapshots of a new phase are always written, others at most
// once per interval. While a write is in flight only the latest snapshot of
// the current phase is kept.
type ProgressRecorder struct {
	store   RunStore
	runID   string
	limiter *rate.Limiter
	timeout time.Duration
	errFn   func(error)

	mu      sync.Mutex
	phase   pipeline.Phase
	pending []pendingProgress
	closed  bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

type pendingProgress struct {
	progress pipeline.Progress
	// phase changes are never replaced by a later snapshot
	pinned bool
}

// NewProgressRecorder returns a recorder for runID and starts its writer.
// onError receives failed writes and may be nil. Close must be called once
// the run is over.
func NewProgressRecorder(s RunStore, runID string, interval time.Duration, onError func(error)) *ProgressRecorder {
	if interval <= 0 {
		interval = time.Second
	}
	r := &ProgressRecorder{
		store:   s,
		runID:   runID,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		timeout: 10 * time.Second,
		errFn:   onError,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record is a pipeline.ProgressFunc. It never blocks on the store.
func (r *ProgressRecorder) Record(p pipeline.Progress) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	changed := p.Phase != r.phase
	r.phase = p.Phase
	allowed := r.limiter.Allow()
	if !changed && !allowed {
		r.mu.Unlock()
		return
	}

	if n := len(r.pending); !changed && n > 0 && !r.pending[n-1].pinned && r.pending[n-1].progress.Phase == p.Phase {
		r.pending[n-1].progress = p
	} else {
		r.pending = append(r.pending, pendingProgress{progress: p, pinned: changed})
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
	r.mu.Unlock()
}

// Close writes the remaining snapshots and stops the writer. Later Record
// calls are dropped.
func (r *ProgressRecorder) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.wake)
		r.mu.Unlock()
	})
	<-r.done
}

func (r *ProgressRecorder) loop() {
	defer close(r.done)
	for range r.wake {
		r.flush()
	}
	r.flush()
}

func (r *ProgressRecorder) flush() {
	for {
		r.mu.Lock()
		batch := r.pending
		r.pending = nil
		r.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, item := range batch {
			r.save(item.progress)
		}
	}
}

func (r *ProgressRecorder) save(p pipeline.Progress) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.SaveProgress(ctx, r.runID, p); err != nil && r.errFn != nil {
		r.errFn(fmt.Errorf("failed to save progress of run %s: %w", r.runID, err))
	}
}

// ChunkRange calls fn for consecutive [start,end) windows of at most
// chunkSize covering [0,total).
func ChunkRange(total, chunkSize int, fn func(start, end int) error) error {
	if total <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = total
	}
	for start := 0; start < total; start += chunkSize {
		end := min(start+chunkSize, total)
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}
