package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/OFFIS-RIT/align/backend/pkg/common"
	"github.com/OFFIS-RIT/align/backend/pkg/graph"
	"github.com/OFFIS-RIT/align/backend/pkg/merge"
)

// Status is the overall outcome of a run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusAborted   Status = "aborted"
)

// PhaseFailure describes the failure that ended a run.
type PhaseFailure struct {
	Phase   Phase            `json:"phase"`
	Kind    common.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

// UnitFailure is one failed batch or concept.
type UnitFailure struct {
	Kind      common.ErrorKind `json:"kind"`
	Dataset   common.Dataset   `json:"dataset,omitempty"`
	Batch     int              `json:"batch,omitempty"`
	ConceptID common.ConceptID `json:"concept_id,omitempty"`
	Message   string           `json:"message"`
}

// Diagnostics collects the per-unit and per-phase detail of a run.
type Diagnostics struct {
	Extraction   []DatasetReport           `json:"extraction"`
	Failures     []UnitFailure             `json:"failures,omitempty"`
	Rounds       []merge.RoundResult       `json:"rounds,omitempty"`
	Conservation []merge.ConservationCheck `json:"conservation,omitempty"`
	Graph        *GraphReport              `json:"graph,omitempty"`
	ScoreFailed  int                       `json:"score_failed"`
	PhaseError   *PhaseFailure             `json:"phase_error,omitempty"`
	SinkError    string                    `json:"sink_error,omitempty"`
}

// GraphReport summarizes the graph rebuild.
type GraphReport struct {
	PrunedNodes int                      `json:"pruned_nodes"`
	PrunedEdges int                      `json:"pruned_edges"`
	PassThrough int                      `json:"pass_through"`
	Stages      map[common.NodeStage]int `json:"stages"`
}

func graphReport(r graph.RebuildResult) *GraphReport {
	return &GraphReport{
		PrunedNodes: r.PrunedNodes,
		PrunedEdges: r.PrunedEdges,
		PassThrough: len(r.PassThrough),
		Stages:      r.Stages,
	}
}

func (d *Diagnostics) addExtraction(r DatasetReport) {
	d.Extraction = append(d.Extraction, r)
	for _, f := range r.Failures {
		d.Failures = append(d.Failures, UnitFailure{
			Kind:    common.KindBatchExtraction,
			Dataset: f.Dataset,
			Batch:   f.Batch,
			Message: f.Error(),
		})
	}
	if r.Failed != nil {
		d.Failures = append(d.Failures, UnitFailure{
			Kind:    common.KindDatasetExtraction,
			Dataset: r.Dataset,
			Message: r.Failed.Error(),
		})
	}
}

func (d *Diagnostics) addScoring(failures []*common.ScoringItemError) {
	d.ScoreFailed += len(failures)
	for _, f := range failures {
		d.Failures = append(d.Failures, UnitFailure{
			Kind:      common.KindScoringItem,
			ConceptID: f.ConceptID,
			Message:   f.Error(),
		})
	}
}

// Result is the best-effort outcome of a run: the arena snapshot, the
// overall status and the diagnostics needed to find failed units.
type Result struct {
	RunID       string      `json:"run_id"`
	Status      Status      `json:"status"`
	Phase       Phase       `json:"phase"`
	Snapshot    Snapshot    `json:"snapshot"`
	Diagnostics Diagnostics `json:"diagnostics"`
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  time.Time   `json:"finished_at"`
}

// Sink receives the result of a run exactly once, whether the run completed,
// failed or was aborted.
type Sink interface {
	SaveResult(ctx context.Context, res *Result) error
}

// statusFor maps the error that ended a run onto its status and phase.
func statusFor(err error) (Status, Phase) {
	switch {
	case err == nil:
		return StatusCompleted, PhaseCompleted
	case errors.Is(err, common.ErrPipelineAbort), errors.Is(err, context.Canceled):
		return StatusAborted, PhaseAborted
	}
	return StatusError, PhaseError
}
