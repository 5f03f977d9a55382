package common

import (
	"errors"
	"fmt"
)

// Dataset identifies which of the two corpora an element or concept
// originates from.
type Dataset string

const (
	DatasetD1 Dataset = "d1"
	DatasetD2 Dataset = "d2"
)

// Valid reports whether d is one of the two known datasets.
func (d Dataset) Valid() bool {
	return d == DatasetD1 || d == DatasetD2
}

// Element is an immutable input record from one of the two corpora.
type Element struct {
	ID       string  `json:"id"`
	Label    string  `json:"label"`
	Content  string  `json:"content"`
	Category string  `json:"category,omitempty"`
	Dataset  Dataset `json:"dataset"`
}

// ConceptID is a run-unique, never reused concept identifier.
type ConceptID string

// NewConceptID formats the id minted from counter n.
func NewConceptID(n int) ConceptID {
	return ConceptID(fmt.Sprintf("C%d", n))
}

// ConceptOrigin records how a concept came to exist.
type ConceptOrigin string

const (
	OriginExtracted   ConceptOrigin = "extracted"
	OriginMerged      ConceptOrigin = "merged"
	OriginPassThrough ConceptOrigin = "passthrough"
)

// Concept is an extracted or merged thematic grouping of elements.
//
// A concept is active while RemappedTo is empty. Once superseded by a merge it
// is kept in place as a tombstone pointing at its successor so the merge
// history stays auditable.
type Concept struct {
	ID          ConceptID     `json:"id"`
	Label       string        `json:"label"`
	Description string        `json:"description"`
	D1IDs       []string      `json:"d1_ids"`
	D2IDs       []string      `json:"d2_ids"`
	RemappedTo  ConceptID     `json:"remapped_to,omitempty"`
	Origin      ConceptOrigin `json:"origin"`
}

// ConceptState is the tagged view of a concept: either active, or superseded
// by the concept named in Successor.
type ConceptState struct {
	Active    bool
	Successor ConceptID
}

// State returns the tagged state of c.
func (c Concept) State() ConceptState {
	if c.RemappedTo == "" {
		return ConceptState{Active: true}
	}
	return ConceptState{Successor: c.RemappedTo}
}

// IsActive reports whether c has not been superseded.
func (c Concept) IsActive() bool {
	return c.RemappedTo == ""
}

// Provenance reports which datasets contribute elements to c.
func (c Concept) Provenance() (hasD1, hasD2 bool) {
	return len(c.D1IDs) > 0, len(c.D2IDs) > 0
}

// ElementIDs returns the element ids of c attributed to dataset d.
func (c Concept) ElementIDs(d Dataset) []string {
	if d == DatasetD1 {
		return c.D1IDs
	}
	return c.D2IDs
}

var (
	ErrUnknownConcept = errors.New("unknown concept")
	ErrRemapCycle     = errors.New("concept remap cycle")
	ErrDanglingRemap  = errors.New("concept remapped to unknown successor")
)

// ResolveConcept follows the remap chain starting at id and returns the active
// concept it terminates at. A cycle or a pointer to an unknown concept is
// reported as an error instead of looping.
func ResolveConcept(concepts []Concept, id ConceptID) (Concept, error) {
	index := make(map[ConceptID]int, len(concepts))
	for i := range concepts {
		index[concepts[i].ID] = i
	}

	idx, ok := index[id]
	if !ok {
		return Concept{}, fmt.Errorf("%w: %s", ErrUnknownConcept, id)
	}

	seen := make(map[ConceptID]struct{})
	for {
		c := concepts[idx]
		if c.IsActive() {
			return c, nil
		}
		if _, loop := seen[c.ID]; loop {
			return Concept{}, fmt.Errorf("%w at %s", ErrRemapCycle, c.ID)
		}
		seen[c.ID] = struct{}{}

		next, ok := index[c.RemappedTo]
		if !ok {
			return Concept{}, fmt.Errorf("%w: %s -> %s", ErrDanglingRemap, c.ID, c.RemappedTo)
		}
		idx = next
	}
}

// ActiveConcepts returns the active concepts in their original order.
func ActiveConcepts(concepts []Concept) []Concept {
	out := make([]Concept, 0, len(concepts))
	for _, c := range concepts {
		if c.IsActive() {
			out = append(out, c)
		}
	}
	return out
}

// MergeLogEntry is an append-only audit record of one accepted merge group.
type MergeLogEntry struct {
	Round      int         `json:"round"`
	FromIDs    []ConceptID `json:"from_ids"`
	FromLabels []string    `json:"from_labels"`
	ToID       ConceptID   `json:"to_id"`
	ToLabel    string      `json:"to_label"`
}

// NodeType distinguishes permanent element nodes from concept nodes.
type NodeType string

const (
	NodeTypeElement NodeType = "element"
	NodeTypeConcept NodeType = "concept"
)

// NodeStage tags concept nodes with the phase that produced them.
type NodeStage string

const (
	StagePremerge NodeStage = "premerge"
	StageMerged   NodeStage = "merged"
	StageGap      NodeStage = "gap"
	StageOrphan   NodeStage = "orphan"
)

// Metadata keys used on graph nodes.
const (
	MetaStage     = "stage"
	MetaConceptID = "concept_id"
	MetaCategory  = "category"
)

// GraphNode is a vertex of the concept graph.
type GraphNode struct {
	ID               string         `json:"id"`
	Label            string         `json:"label"`
	Description      string         `json:"description"`
	NodeType         NodeType       `json:"node_type"`
	SourceDataset    string         `json:"source_dataset"`
	SourceElementIDs []string       `json:"source_element_ids"`
	Metadata         map[string]any `json:"metadata"`
}

// Stage returns the stage tag of a concept node, or "" for element nodes.
func (n GraphNode) Stage() NodeStage {
	if n.Metadata == nil {
		return ""
	}
	switch v := n.Metadata[MetaStage].(type) {
	case NodeStage:
		return v
	case string:
		return NodeStage(v)
	}
	return ""
}

// EdgeType mirrors the dataset of the element end of an edge.
type EdgeType string

const (
	EdgeDefines    EdgeType = "defines"
	EdgeImplements EdgeType = "implements"
)

// EdgeTypeFor returns the edge type used for elements of dataset d.
func EdgeTypeFor(d Dataset) EdgeType {
	if d == DatasetD2 {
		return EdgeImplements
	}
	return EdgeDefines
}

// GraphEdge connects an element node to a concept node.
type GraphEdge struct {
	ID           string         `json:"id"`
	SourceNodeID string         `json:"source_node_id"`
	TargetNodeID string         `json:"target_node_id"`
	EdgeType     EdgeType       `json:"edge_type"`
	Weight       float64        `json:"weight"`
	Metadata     map[string]any `json:"metadata"`
}

// TesseractCell is the polarity and rationale recorded for one scored concept.
type TesseractCell struct {
	ID           string    `json:"id"`
	ConceptID    ConceptID `json:"concept_id"`
	ConceptLabel string    `json:"concept_label"`
	Polarity     float64   `json:"polarity"`
	Rationale    string    `json:"rationale"`
	D1ElementIDs []string  `json:"d1_element_ids"`
	D2ElementIDs []string  `json:"d2_element_ids"`
}

// Criticality ranks how much attention a Venn item needs.
type Criticality string

const (
	CriticalityCritical Criticality = "critical"
	CriticalityMajor    Criticality = "major"
	CriticalityMinor    Criticality = "minor"
	CriticalityInfo     Criticality = "info"
)

// VennCategory is one of the three partitions of the coverage result.
type VennCategory string

const (
	CategoryUniqueD1 VennCategory = "unique_d1"
	CategoryAligned  VennCategory = "aligned"
	CategoryUniqueD2 VennCategory = "unique_d2"
)

// VennItem is one categorized concept of the Venn result.
type VennItem struct {
	ConceptID   ConceptID    `json:"concept_id,omitempty"`
	Category    VennCategory `json:"category"`
	Label       string       `json:"label"`
	Criticality Criticality  `json:"criticality"`
	Evidence    string       `json:"evidence"`
	Polarity    float64      `json:"polarity"`
	Description string       `json:"description"`
	Source      string       `json:"source"`
}

// VennSummary holds the coverage statistics of a Venn result.
type VennSummary struct {
	D1Coverage     float64 `json:"d1_coverage"`
	D2Coverage     float64 `json:"d2_coverage"`
	AlignmentScore float64 `json:"alignment_score"`
	AlignedCount   int     `json:"aligned_count"`
	UniqueD1Count  int     `json:"unique_d1_count"`
	UniqueD2Count  int     `json:"unique_d2_count"`
	AvgPolarity    float64 `json:"avg_polarity"`
}

// VennResult is the final three-way partition plus coverage statistics.
type VennResult struct {
	UniqueToD1    []VennItem     `json:"unique_to_d1"`
	Aligned       []VennItem     `json:"aligned"`
	UniqueToD2    []VennItem     `json:"unique_to_d2"`
	Summary       VennSummary    `json:"summary"`
	OracleSummary map[string]any `json:"oracle_summary,omitempty"`
}
