package common

import (
	"context"
	"errors"
	"fmt"
)

// ErrPipelineAbort marks cooperative cancellation of a run. Partial state is
// preserved when it is returned.
var ErrPipelineAbort = errors.New("pipeline aborted")

// ErrorKind names an entry of the pipeline error taxonomy.
type ErrorKind string

const (
	KindBatchExtraction   ErrorKind = "batch_extraction"
	KindDatasetExtraction ErrorKind = "dataset_extraction"
	KindMergeOracle       ErrorKind = "merge_oracle"
	KindStreamProtocol    ErrorKind = "stream_protocol"
	KindScoringItem       ErrorKind = "scoring_item"
	KindAbort             ErrorKind = "abort"
	KindUnknown           ErrorKind = "unknown"
)

// BatchExtractionError is the non-fatal failure of one extraction batch.
type BatchExtractionError struct {
	Dataset Dataset
	Batch   int
	Size    int
	Err     error
}

func (e *BatchExtractionError) Error() string {
	return fmt.Sprintf("extraction batch %d of %s (%d elements) failed: %v", e.Batch, e.Dataset, e.Size, e.Err)
}

func (e *BatchExtractionError) Unwrap() error { return e.Err }

// DatasetExtractionError means every batch of a dataset failed. The dataset
// contributes no concepts but the run continues.
type DatasetExtractionError struct {
	Dataset Dataset
	Batches int
}

func (e *DatasetExtractionError) Error() string {
	return fmt.Sprintf("all %d extraction batches of %s failed", e.Batches, e.Dataset)
}

// MergeOracleError is fatal to a run: no valid round result can be applied.
type MergeOracleError struct {
	Round int
	Err   error
}

func (e *MergeOracleError) Error() string {
	return fmt.Sprintf("merge oracle failed in round %d: %v", e.Round, e.Err)
}

func (e *MergeOracleError) Unwrap() error { return e.Err }

// StreamProtocolError reports a malformed streamed block. Such blocks are
// skipped, never re-parsed.
type StreamProtocolError struct {
	Event   string
	Payload string
	Err     error
}

func (e *StreamProtocolError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("malformed stream block: %v", e.Err)
	}
	return fmt.Sprintf("malformed %q stream block: %v", e.Event, e.Err)
}

func (e *StreamProtocolError) Unwrap() error { return e.Err }

// ScoringItemError is the non-fatal failure to score one concept.
type ScoringItemError struct {
	ConceptID ConceptID
	Label     string
	Err       error
}

func (e *ScoringItemError) Error() string {
	return fmt.Sprintf("scoring concept %s (%s) failed: %v", e.ConceptID, e.Label, e.Err)
}

func (e *ScoringItemError) Unwrap() error { return e.Err }

// UnknownError wraps any failure outside the taxonomy.
type UnknownError struct {
	Err error
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("unknown error: %v", e.Err)
}

func (e *UnknownError) Unwrap() error { return e.Err }

// Classify maps err onto the taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var (
		batchErr   *BatchExtractionError
		datasetErr *DatasetExtractionError
		mergeErr   *MergeOracleError
		streamErr  *StreamProtocolError
		scoreErr   *ScoringItemError
	)
	switch {
	case errors.Is(err, ErrPipelineAbort), errors.Is(err, context.Canceled):
		return KindAbort
	case errors.As(err, &mergeErr):
		return KindMergeOracle
	case errors.As(err, &datasetErr):
		return KindDatasetExtraction
	case errors.As(err, &batchErr):
		return KindBatchExtraction
	case errors.As(err, &scoreErr):
		return KindScoringItem
	case errors.As(err, &streamErr):
		return KindStreamProtocol
	}
	return KindUnknown
}
