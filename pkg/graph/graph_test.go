package graph

import (
	"errors"
	"testing"

	"github.com/OFFIS-RIT/align/backend/pkg/common"
)

func testElements() []common.Element {
	return []common.Element{
		{ID: "r1", Label: "Login", Content: "Users log in", Dataset: common.DatasetD1},
		{ID: "r2", Label: "Export", Content: "Export as CSV", Dataset: common.DatasetD1},
		{ID: "r1", Label: "auth.go", Content: "func Login()", Dataset: common.DatasetD2},
	}
}

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	g := New()
	n, err := g.AddElementNodes(testElements())
	if err != nil {
		t.Fatalf("AddElementNodes: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 element nodes, got %d", n)
	}
	return g
}

func TestAddElementNodesKeysByDataset(t *testing.T) {
	g := newTestGraph(t)

	d1, ok1 := g.ElementNodeID(common.DatasetD1, "r1")
	d2, ok2 := g.ElementNodeID(common.DatasetD2, "r1")
	if !ok1 || !ok2 || d1 == d2 {
		t.Fatalf("expected distinct nodes for r1 in both datasets, got %q and %q", d1, d2)
	}

	n, err := g.AddElementNodes(testElements()[:1])
	if err != nil || n != 0 {
		t.Fatalf("duplicate element should be skipped, got n=%d err=%v", n, err)
	}
}

func TestAddEdgeRefusesDanglingEndpoints(t *testing.T) {
	g := newTestGraph(t)
	src, _ := g.ElementNodeID(common.DatasetD1, "r1")

	err := g.AddEdge(common.GraphEdge{ID: "e", SourceNodeID: src, TargetNodeID: "nope"})
	if !errors.Is(err, ErrDanglingEdge) {
		t.Fatalf("expected ErrDanglingEdge, got %v", err)
	}
	if _, edges := g.Counts(); edges != 0 {
		t.Fatalf("edge must not be stored, got %d edges", edges)
	}
}

func TestAddConceptNodeWeights(t *testing.T) {
	g := newTestGraph(t)
	c := common.Concept{
		ID:    "C1",
		Label: "Auth",
		D1IDs: []string{"r1", "r1", "r2", "ghost"},
		D2IDs: []string{"r1"},
	}

	node, missing, err := g.AddConceptNode(c, common.StagePremerge)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if missing != 1 {
		t.Fatalf("expected 1 missing reference, got %d", missing)
	}
	if node.SourceDataset != SourceBoth || node.Stage() != common.StagePremerge {
		t.Fatalf("unexpected node: %+v", node)
	}

	d1r1, _ := g.ElementNodeID(common.DatasetD1, "r1")
	d2r1, _ := g.ElementNodeID(common.DatasetD2, "r1")
	edges := g.Edges()
	if len(edges) != 3 {
		t.Fatalf("expected 3 edges, got %d", len(edges))
	}
	for _, e := range edges {
		if e.TargetNodeID != node.ID {
			t.Fatalf("edge %s does not point at the concept", e.ID)
		}
		switch e.SourceNodeID {
		case d1r1:
			if e.Weight != 2 || e.EdgeType != common.EdgeDefines {
				t.Fatalf("unexpected D1 edge: %+v", e)
			}
		case d2r1:
			if e.Weight != 1 || e.EdgeType != common.EdgeImplements {
				t.Fatalf("unexpected D2 edge: %+v", e)
			}
		}
	}
}

func TestRebuildPrunesPremergeAtomically(t *testing.T) {
	g := newTestGraph(t)
	raw := []common.Concept{
		{ID: "C1", Label: "Login", D1IDs: []string{"r1"}, RemappedTo: "C3"},
		{ID: "C2", Label: "auth.go", D2IDs: []string{"r1"}, RemappedTo: "C3"},
		{ID: "C4", Label: "Export", D1IDs: []string{"r2"}},
	}
	for _, c := range raw {
		if _, _, err := g.AddConceptNode(c, common.StagePremerge); err != nil {
			t.Fatal(err)
		}
	}
	final := []common.Concept{
		{ID: "C3", Label: "Auth", D1IDs: []string{"r1"}, D2IDs: []string{"r1"}},
		raw[2],
	}

	res, err := g.Rebuild(final, raw, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PrunedNodes != 3 || res.PrunedEdges != 3 {
		t.Fatalf("expected 3 nodes and 3 edges pruned, got %d/%d", res.PrunedNodes, res.PrunedEdges)
	}
	if len(g.ConceptNodes(common.StagePremerge)) != 0 {
		t.Fatal("premerge nodes survived the rebuild")
	}
	if res.Stages[common.StageMerged] != 1 || res.Stages[common.StageGap] != 1 {
		t.Fatalf("unexpected stages: %+v", res.Stages)
	}
	if res.NextID != 5 || len(res.PassThrough) != 0 {
		t.Fatalf("no pass-through expected, got %+v", res)
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("dangling edges after rebuild: %v", err)
	}
	if nodes, edges := g.Counts(); nodes != 5 || edges != 3 {
		t.Fatalf("expected 5 nodes and 3 edges, got %d/%d", nodes, edges)
	}
}

func TestRebuildPassThroughFallback(t *testing.T) {
	g := newTestGraph(t)
	raw := []common.Concept{
		{ID: "C1", Label: "Login", D1IDs: []string{"r1"}},
		{ID: "C2", Label: "auth.go", D2IDs: []string{"r1"}},
	}

	res, err := g.Rebuild(nil, raw, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.PassThrough) != 2 || res.NextID != 5 {
		t.Fatalf("expected 2 pass-through concepts, got %+v", res)
	}
	pt := res.PassThrough[0]
	if pt.ID != "C3" || pt.Origin != common.OriginPassThrough || pt.Label != "Login" {
		t.Fatalf("unexpected pass-through concept: %+v", pt)
	}
	if res.Stages[common.StageGap] != 1 || res.Stages[common.StageOrphan] != 1 {
		t.Fatalf("unexpected stages: %+v", res.Stages)
	}
}

func TestRebuildEmpty(t *testing.T) {
	g := newTestGraph(t)
	res, err := g.Rebuild(nil, nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Concepts) != 0 || len(g.ConceptNodes()) != 0 {
		t.Fatalf("expected no concept nodes, got %+v", res)
	}
}

func TestStageFor(t *testing.T) {
	tests := []struct {
		name string
		c    common.Concept
		want common.NodeStage
	}{
		{"both", common.Concept{D1IDs: []string{"a"}, D2IDs: []string{"b"}}, common.StageMerged},
		{"d1 only", common.Concept{D1IDs: []string{"a"}}, common.StageGap},
		{"d2 only", common.Concept{D2IDs: []string{"b"}}, common.StageOrphan},
		{"empty", common.Concept{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StageFor(tt.c); got != tt.want {
				t.Fatalf("StageFor() = %q, want %q", got, tt.want)
			}
		})
	}
}
