package graph

import (
	"fmt"

	"github.com/OFFIS-RIT/align/backend/pkg/common"
	"github.com/OFFIS-RIT/align/backend/pkg/logger"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// SourceBoth is the source dataset of concept nodes backed by both corpora.
const SourceBoth = "both"

// AddElementNodes creates one permanent node per element. An element whose
// dataset and id were already added is skipped.
func (g *Graph) AddElementNodes(elements []common.Element) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	added := 0
	for _, e := range elements {
		key := elementKey(e.Dataset, e.ID)
		if _, ok := g.elementNodes[key]; ok {
			logger.Warn("[Graph] Duplicate element skipped", "dataset", e.Dataset, "element_id", e.ID)
			continue
		}

		id, err := gonanoid.New()
		if err != nil {
			return added, fmt.Errorf("failed to generate node id: %w", err)
		}
		node := common.GraphNode{
			ID:               id,
			Label:            e.Label,
			Description:      e.Content,
			NodeType:         common.NodeTypeElement,
			SourceDataset:    string(e.Dataset),
			SourceElementIDs: []string{e.ID},
			Metadata:         map[string]any{common.MetaCategory: e.Category},
		}
		if err := g.addNode(node); err != nil {
			return added, err
		}
		g.elementNodes[key] = id
		added++
	}
	return added, nil
}

// StageFor returns the stage of a final concept from its provenance: merged
// when both datasets contribute, gap for D1 only and orphan for D2 only. A
// concept without elements has no stage.
func StageFor(c common.Concept) common.NodeStage {
	hasD1, hasD2 := c.Provenance()
	switch {
	case hasD1 && hasD2:
		return common.StageMerged
	case hasD1:
		return common.StageGap
	case hasD2:
		return common.StageOrphan
	}
	return ""
}

func sourceOf(c common.Concept) string {
	hasD1, hasD2 := c.Provenance()
	switch {
	case hasD1 && hasD2:
		return SourceBoth
	case hasD1:
		return string(common.DatasetD1)
	case hasD2:
		return string(common.DatasetD2)
	}
	return ""
}

// AddConceptNode creates the node of concept c tagged with stage, plus one
// edge per distinct referenced element. The edge weight is the number of
// times c references the element. References to elements without a node are
// skipped and counted in the returned int.
func (g *Graph) AddConceptNode(c common.Concept, stage common.NodeStage) (common.GraphNode, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := gonanoid.New()
	if err != nil {
		return common.GraphNode{}, 0, fmt.Errorf("failed to generate node id: %w", err)
	}
	node := common.GraphNode{
		ID:               id,
		Label:            c.Label,
		Description:      c.Description,
		NodeType:         common.NodeTypeConcept,
		SourceDataset:    sourceOf(c),
		SourceElementIDs: make([]string, 0, len(c.D1IDs)+len(c.D2IDs)),
		Metadata: map[string]any{
			common.MetaStage:     stage,
			common.MetaConceptID: string(c.ID),
		},
	}
	node.SourceElementIDs = append(node.SourceElementIDs, c.D1IDs...)
	node.SourceElementIDs = append(node.SourceElementIDs, c.D2IDs...)
	if err := g.addNode(node); err != nil {
		return common.GraphNode{}, 0, err
	}

	missing := 0
	for _, d := range []common.Dataset{common.DatasetD1, common.DatasetD2} {
		weights := make(map[string]int)
		var order []string
		for _, elementID := range c.ElementIDs(d) {
			if _, seen := weights[elementID]; !seen {
				order = append(order, elementID)
			}
			weights[elementID]++
		}

		for _, elementID := range order {
			elementNode, ok := g.elementNodes[elementKey(d, elementID)]
			if !ok {
				missing++
				continue
			}
			edgeID, err := gonanoid.New()
			if err != nil {
				return node, missing, fmt.Errorf("failed to generate edge id: %w", err)
			}
			err = g.addEdge(common.GraphEdge{
				ID:           edgeID,
				SourceNodeID: elementNode,
				TargetNodeID: node.ID,
				EdgeType:     common.EdgeTypeFor(d),
				Weight:       float64(weights[elementID]),
				Metadata:     map[string]any{"dataset": string(d)},
			})
			if err != nil {
				return node, missing, err
			}
		}
	}
	return node, missing, nil
}

// RebuildResult describes the outcome of Rebuild.
type RebuildResult struct {
	// Concepts are the concepts that received a node, pass-through ones
	// included.
	Concepts []common.Concept
	// PassThrough holds the concepts synthesized by the fallback.
	PassThrough []common.Concept
	NextID      int
	PrunedNodes int
	PrunedEdges int
	Stages      map[common.NodeStage]int
	// Skipped concepts had no element references and got no node.
	Skipped []common.ConceptID
}

// Rebuild replaces the premerge concept nodes with the final concepts.
//
// Every premerge node and every edge touching one is removed in one step.
// If final holds no concept with elements while raw does, raw is copied 1:1
// into fresh pass-through concepts so the graph is never spuriously empty.
// New concept ids are minted from nextID.
func (g *Graph) Rebuild(final, raw []common.Concept, nextID int) (RebuildResult, error) {
	result := RebuildResult{NextID: nextID, Stages: make(map[common.NodeStage]int)}

	result.PrunedNodes, result.PrunedEdges = g.RemoveNodes(func(n common.GraphNode) bool {
		return n.NodeType == common.NodeTypeConcept && n.Stage() == common.StagePremerge
	})

	targets := withElements(final)
	if len(targets) == 0 {
		for _, c := range withElements(raw) {
			pt := common.Concept{
				ID:          common.NewConceptID(result.NextID),
				Label:       c.Label,
				Description: c.Description,
				D1IDs:       append([]string(nil), c.D1IDs...),
				D2IDs:       append([]string(nil), c.D2IDs...),
				Origin:      common.OriginPassThrough,
			}
			result.NextID++
			result.PassThrough = append(result.PassThrough, pt)
		}
		if len(result.PassThrough) > 0 {
			logger.Warn("[Graph] No final concepts, using pass-through fallback", "concepts", len(result.PassThrough))
		}
		targets = result.PassThrough
	}

	for _, c := range final {
		if StageFor(c) == "" {
			result.Skipped = append(result.Skipped, c.ID)
		}
	}

	for _, c := range targets {
		stage := StageFor(c)
		_, missing, err := g.AddConceptNode(c, stage)
		if err != nil {
			return result, fmt.Errorf("failed to add concept node %s: %w", c.ID, err)
		}
		if missing > 0 {
			logger.Warn("[Graph] Concept references unknown elements", "concept_id", c.ID, "missing", missing)
		}
		result.Concepts = append(result.Concepts, c)
		result.Stages[stage]++
	}

	if err := g.Validate(); err != nil {
		return result, fmt.Errorf("graph invalid after rebuild: %w", err)
	}

	logger.Info("[Graph] Rebuilt",
		"pruned_nodes", result.PrunedNodes,
		"pruned_edges", result.PrunedEdges,
		"merged", result.Stages[common.StageMerged],
		"gap", result.Stages[common.StageGap],
		"orphan", result.Stages[common.StageOrphan],
	)
	return result, nil
}

func withElements(concepts []common.Concept) []common.Concept {
	out := make([]common.Concept, 0, len(concepts))
	for _, c := range concepts {
		if StageFor(c) != "" {
			out = append(out, c)
		}
	}
	return out
}
