package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestResolveConcept(t *testing.T) {
	concepts := []Concept{
		{ID: "C1", RemappedTo: "C4"},
		{ID: "C2", RemappedTo: "C4"},
		{ID: "C3"},
		{ID: "C4", RemappedTo: "C5"},
		{ID: "C5"},
	}

	tests := []struct {
		name string
		id   ConceptID
		want ConceptID
	}{
		{name: "active", id: "C3", want: "C3"},
		{name: "one hop", id: "C4", want: "C5"},
		{name: "two hops", id: "C1", want: "C5"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveConcept(concepts, tc.id)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.ID != tc.want {
				t.Fatalf("ResolveConcept(%s) = %s, want %s", tc.id, got.ID, tc.want)
			}
		})
	}
}

func TestResolveConceptCycleTerminates(t *testing.T) {
	concepts := []Concept{
		{ID: "C1", RemappedTo: "C2"},
		{ID: "C2", RemappedTo: "C1"},
	}

	_, err := ResolveConcept(concepts, "C1")
	if !errors.Is(err, ErrRemapCycle) {
		t.Fatalf("expected ErrRemapCycle, got %v", err)
	}
}

func TestResolveConceptDanglingAndUnknown(t *testing.T) {
	concepts := []Concept{{ID: "C1", RemappedTo: "C9"}}

	if _, err := ResolveConcept(concepts, "C1"); !errors.Is(err, ErrDanglingRemap) {
		t.Fatalf("expected ErrDanglingRemap, got %v", err)
	}
	if _, err := ResolveConcept(concepts, "C7"); !errors.Is(err, ErrUnknownConcept) {
		t.Fatalf("expected ErrUnknownConcept, got %v", err)
	}
}

func TestConceptState(t *testing.T) {
	active := Concept{ID: "C1"}
	if s := active.State(); !s.Active || s.Successor != "" {
		t.Fatalf("unexpected state for active concept: %+v", s)
	}

	gone := Concept{ID: "C1", RemappedTo: "C2"}
	if s := gone.State(); s.Active || s.Successor != "C2" {
		t.Fatalf("unexpected state for superseded concept: %+v", s)
	}
}

func TestGraphNodeStage(t *testing.T) {
	n := GraphNode{Metadata: map[string]any{MetaStage: "premerge"}}
	if n.Stage() != StagePremerge {
		t.Fatalf("expected premerge, got %q", n.Stage())
	}
	if (GraphNode{}).Stage() != "" {
		t.Fatal("expected empty stage for node without metadata")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "abort", err: fmt.Errorf("run: %w", ErrPipelineAbort), want: KindAbort},
		{name: "context", err: context.Canceled, want: KindAbort},
		{name: "merge", err: &MergeOracleError{Round: 2, Err: errors.New("boom")}, want: KindMergeOracle},
		{name: "batch", err: &BatchExtractionError{Dataset: DatasetD1, Err: errors.New("x")}, want: KindBatchExtraction},
		{name: "dataset", err: &DatasetExtractionError{Dataset: DatasetD2, Batches: 3}, want: KindDatasetExtraction},
		{name: "scoring", err: &ScoringItemError{ConceptID: "C1", Err: errors.New("x")}, want: KindScoringItem},
		{name: "stream", err: &StreamProtocolError{Event: "result", Err: errors.New("x")}, want: KindStreamProtocol},
		{name: "other", err: errors.New("disk on fire"), want: KindUnknown},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}
