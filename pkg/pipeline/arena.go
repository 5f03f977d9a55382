package pipeline

import (
	"fmt"
	"sync"

	"github.com/OFFIS-RIT/align/backend/pkg/common"
	"github.com/OFFIS-RIT/align/backend/pkg/graph"
	"github.com/OFFIS-RIT/align/backend/pkg/merge"
)

// Arena holds every entity of one run. It is owned by exactly one
// Orchestrator; each mutation is a single step under the arena lock so
// progress snapshots never observe a half applied change.
type Arena struct {
	mu       sync.RWMutex
	elements []common.Element
	graph    *graph.Graph
	concepts []common.Concept
	mergeLog []common.MergeLogEntry
	cells    []common.TesseractCell
	venn     *common.VennResult
	nextID   int

	batchesDone  int
	batchesTotal int
	scoredDone   int
	scoredTotal  int
	round        int
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{graph: graph.New(), nextID: 1}
}

func (a *Arena) reset(elements []common.Element) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.elements = elements
	a.graph.Reset()
	a.concepts = nil
	a.mergeLog = nil
	a.cells = nil
	a.venn = nil
	a.nextID = 1
	a.batchesDone, a.batchesTotal = 0, 0
	a.scoredDone, a.scoredTotal = 0, 0
	a.round = 0
}

func (a *Arena) addElementNodes() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.graph.AddElementNodes(a.elements)
}

// commitExtracted mints ids for the concepts of one batch and adds their
// premerge nodes.
func (a *Arena) commitExtracted(concepts []common.Concept) ([]common.Concept, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	committed := make([]common.Concept, 0, len(concepts))
	for _, c := range concepts {
		c.ID = common.NewConceptID(a.nextID)
		a.nextID++
		c.Origin = common.OriginExtracted
		if _, _, err := a.graph.AddConceptNode(c, common.StagePremerge); err != nil {
			return committed, fmt.Errorf("failed to add premerge node: %w", err)
		}
		a.concepts = append(a.concepts, c)
		committed = append(committed, c)
	}
	a.batchesDone++
	return committed, nil
}

func (a *Arena) batchFailed() {
	a.mu.Lock()
	a.batchesDone++
	a.mu.Unlock()
}

func (a *Arena) setBatchesTotal(n int) {
	a.mu.Lock()
	a.batchesTotal = n
	a.mu.Unlock()
}

func (a *Arena) conceptsAndNextID() ([]common.Concept, int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]common.Concept, len(a.concepts))
	copy(out, a.concepts)
	return out, a.nextID
}

func (a *Arena) applyRound(res merge.RoundResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.concepts = res.Concepts
	a.nextID = res.NextID
	a.mergeLog = append(a.mergeLog, res.Log...)
	a.round = res.Round
}

// rebuildGraph replaces premerge nodes with final concept nodes.
func (a *Arena) rebuildGraph() (graph.RebuildResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var raw []common.Concept
	for _, c := range a.concepts {
		if c.Origin == common.OriginExtracted {
			raw = append(raw, c)
		}
	}
	res, err := a.graph.Rebuild(common.ActiveConcepts(a.concepts), raw, a.nextID)
	a.concepts = append(a.concepts, res.PassThrough...)
	a.nextID = res.NextID
	return res, err
}

func (a *Arena) setScoredTotal(n int) {
	a.mu.Lock()
	a.scoredTotal = n
	a.mu.Unlock()
}

func (a *Arena) addCell(cell common.TesseractCell) {
	a.mu.Lock()
	a.cells = append(a.cells, cell)
	a.mu.Unlock()
}

func (a *Arena) setScored(done int) {
	a.mu.Lock()
	a.scoredDone = done
	a.mu.Unlock()
}

func (a *Arena) cellsCopy() []common.TesseractCell {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]common.TesseractCell, len(a.cells))
	copy(out, a.cells)
	return out
}

func (a *Arena) setVenn(v common.VennResult) {
	a.mu.Lock()
	a.venn = &v
	a.mu.Unlock()
}

func (a *Arena) elementsCopy() []common.Element {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]common.Element, len(a.elements))
	copy(out, a.elements)
	return out
}

func (a *Arena) counts() Counts {
	a.mu.RLock()
	defer a.mu.RUnlock()

	nodes, edges := a.graph.Counts()
	active := 0
	for _, c := range a.concepts {
		if c.IsActive() {
			active++
		}
	}
	return Counts{
		Elements:       len(a.elements),
		Concepts:       len(a.concepts),
		ActiveConcepts: active,
		Nodes:          nodes,
		Edges:          edges,
		Cells:          len(a.cells),
		BatchesDone:    a.batchesDone,
		BatchesTotal:   a.batchesTotal,
		Round:          a.round,
		ScoredDone:     a.scoredDone,
		ScoredTotal:    a.scoredTotal,
	}
}

// Snapshot is a deep enough copy of the arena to hand to other goroutines.
type Snapshot struct {
	Nodes    []common.GraphNode     `json:"nodes"`
	Edges    []common.GraphEdge     `json:"edges"`
	Concepts []common.Concept       `json:"concepts"`
	MergeLog []common.MergeLogEntry `json:"merge_log"`
	Cells    []common.TesseractCell `json:"cells"`
	Venn     *common.VennResult     `json:"venn,omitempty"`
}

// Snapshot copies the current arena contents.
func (a *Arena) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Snapshot{
		Nodes:    a.graph.Nodes(),
		Edges:    a.graph.Edges(),
		Concepts: make([]common.Concept, len(a.concepts)),
		MergeLog: make([]common.MergeLogEntry, len(a.mergeLog)),
		Cells:    make([]common.TesseractCell, len(a.cells)),
	}
	copy(s.Concepts, a.concepts)
	copy(s.MergeLog, a.mergeLog)
	copy(s.Cells, a.cells)
	if a.venn != nil {
		v := *a.venn
		s.Venn = &v
	}
	return s
}
