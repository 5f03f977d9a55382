package pgx

import (
	"reflect"
	"testing"

	"github.com/OFFIS-RIT/align/backend/pkg/common"
	"github.com/OFFIS-RIT/align/backend/pkg/pipeline"
)

func TestRowsMatchColumns(t *testing.T) {
	nodes, err := nodeRows("r", []common.GraphNode{{ID: "n1", NodeType: common.NodeTypeConcept}})
	if err != nil {
		t.Fatal(err)
	}
	edges, err := edgeRows("r", []common.GraphEdge{{ID: "e1"}})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		columns []string
		row     []any
	}{
		{"elements", elementColumns, elementRows("r", common.DatasetD1, []common.Element{{ID: "a"}})[0]},
		{"nodes", nodeColumns, nodes[0]},
		{"edges", edgeColumns, edges[0]},
		{"concepts", conceptColumns, conceptRows("r", []common.Concept{{ID: "C1"}})[0]},
		{"merge_log", mergeLogColumns, mergeLogRows("r", []common.MergeLogEntry{{Round: 1}})[0]},
		{"cells", cellColumns, cellRows("r", []common.TesseractCell{{ID: "x"}})[0]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if len(tt.row) != len(tt.columns) {
				t.Fatalf("row has %d values for %d columns", len(tt.row), len(tt.columns))
			}
			if tt.row[0] != "r" {
				t.Fatalf("first value must be the run id, got %v", tt.row[0])
			}
		})
	}
}

func TestElementRowsKeepOrderAndSanitize(t *testing.T) {
	rows := elementRows("r", common.DatasetD2, []common.Element{
		{ID: "b", Label: "B\x00", Content: "x"},
		{ID: "a", Label: "A", Content: "y", Category: "req"},
	})
	want := [][]any{
		{"r", "d2", int32(0), "b", "B", "x", ""},
		{"r", "d2", int32(1), "a", "A", "y", "req"},
	}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("unexpected rows: %#v", rows)
	}
}

func TestConceptRowsTombstone(t *testing.T) {
	rows := conceptRows("r", []common.Concept{
		{ID: "C1", Label: "L", D1IDs: []string{"a"}, RemappedTo: "C3", Origin: common.OriginExtracted},
		{ID: "C3", Label: "M", Origin: common.OriginMerged},
	})

	remapped, ok := rows[0][7].(*string)
	if !ok || remapped == nil || *remapped != "C3" {
		t.Fatalf("tombstone must carry its successor, got %#v", rows[0][7])
	}
	if rows[1][7].(*string) != nil {
		t.Fatalf("active concept must store NULL remapped_to")
	}
	if got := rows[1][6].([]string); got == nil || len(got) != 0 {
		t.Fatalf("empty id lists must not be NULL, got %#v", got)
	}
	if rows[1][2] != int32(1) {
		t.Fatalf("position must follow arena order, got %v", rows[1][2])
	}
}

func TestNodeRowsMetadata(t *testing.T) {
	rows, err := nodeRows("r", []common.GraphNode{
		{ID: "n1", Metadata: map[string]any{common.MetaStage: common.StageMerged}},
		{ID: "n2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := string(rows[0][7].([]byte)); got != `{"stage":"merged"}` {
		t.Fatalf("unexpected metadata %s", got)
	}
	if got := string(rows[1][7].([]byte)); got != "{}" {
		t.Fatalf("missing metadata must be an empty object, got %s", got)
	}
}

func TestMergeLogRows(t *testing.T) {
	rows := mergeLogRows("r", []common.MergeLogEntry{
		{Round: 2, FromIDs: []common.ConceptID{"C1", "C2"}, FromLabels: []string{"a", "b"}, ToID: "C5", ToLabel: "ab"},
	})
	want := []any{"r", int32(0), int32(2), []string{"C1", "C2"}, []string{"a", "b"}, "C5", "ab"}
	if !reflect.DeepEqual(rows[0], want) {
		t.Fatalf("unexpected row %#v", rows[0])
	}
}

func TestRunError(t *testing.T) {
	tests := []struct {
		name string
		res  *pipeline.Result
		err  error
		want string
	}{
		{"clean", &pipeline.Result{}, nil, ""},
		{
			"phase",
			&pipeline.Result{Diagnostics: pipeline.Diagnostics{PhaseError: &pipeline.PhaseFailure{Message: "merge oracle failed"}}},
			nil,
			"merge oracle failed",
		},
		{
			"both",
			&pipeline.Result{Diagnostics: pipeline.Diagnostics{PhaseError: &pipeline.PhaseFailure{Message: "boom"}}},
			errString("disk full"),
			"boom; storage: disk full",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := runError(tt.res, tt.err); got != tt.want {
				t.Fatalf("runError() = %q, want %q", got, tt.want)
			}
		})
	}
}

type errString string

func (e errString) Error() string { return string(e) }
