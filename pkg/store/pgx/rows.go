package pgx

import (
	"encoding/json"
	"fmt"

	"github.com/OFFIS-RIT/align/backend/internal/util"
	"github.com/OFFIS-RIT/align/backend/pkg/common"
)

var (
	elementColumns  = []string{"run_id", "dataset", "position", "element_id", "label", "content", "category"}
	nodeColumns     = []string{"run_id", "id", "label", "description", "node_type", "source_dataset", "source_element_ids", "metadata"}
	edgeColumns     = []string{"run_id", "id", "source_node_id", "target_node_id", "edge_type", "weight", "metadata"}
	conceptColumns  = []string{"run_id", "id", "position", "label", "description", "d1_ids", "d2_ids", "remapped_to", "origin"}
	mergeLogColumns = []string{"run_id", "seq", "round", "from_ids", "from_labels", "to_id", "to_label"}
	cellColumns     = []string{"run_id", "id", "concept_id", "concept_label", "polarity", "rationale", "d1_element_ids", "d2_element_ids"}
)

func elementRows(runID string, d common.Dataset, elements []common.Element) [][]any {
	rows := make([][]any, 0, len(elements))
	for i, e := range elements {
		rows = append(rows, []any{
			runID,
			string(d),
			int32(i),
			util.SanitizePostgresText(e.ID),
			util.SanitizePostgresText(e.Label),
			util.SanitizePostgresText(e.Content),
			util.SanitizePostgresText(e.Category),
		})
	}
	return rows
}

func nodeRows(runID string, nodes []common.GraphNode) ([][]any, error) {
	rows := make([][]any, 0, len(nodes))
	for _, n := range nodes {
		meta, err := marshalMetadata(n.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata of node %s: %w", n.ID, err)
		}
		rows = append(rows, []any{
			runID,
			n.ID,
			util.SanitizePostgresText(n.Label),
			util.SanitizePostgresText(n.Description),
			string(n.NodeType),
			n.SourceDataset,
			util.SanitizePostgresTexts(n.SourceElementIDs),
			meta,
		})
	}
	return rows, nil
}

func edgeRows(runID string, edges []common.GraphEdge) ([][]any, error) {
	rows := make([][]any, 0, len(edges))
	for _, e := range edges {
		meta, err := marshalMetadata(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata of edge %s: %w", e.ID, err)
		}
		rows = append(rows, []any{
			runID,
			e.ID,
			e.SourceNodeID,
			e.TargetNodeID,
			string(e.EdgeType),
			e.Weight,
			meta,
		})
	}
	return rows, nil
}

func conceptRows(runID string, concepts []common.Concept) [][]any {
	rows := make([][]any, 0, len(concepts))
	for i, c := range concepts {
		var remapped *string
		if c.RemappedTo != "" {
			v := string(c.RemappedTo)
			remapped = &v
		}
		rows = append(rows, []any{
			runID,
			string(c.ID),
			int32(i),
			util.SanitizePostgresText(c.Label),
			util.SanitizePostgresText(c.Description),
			util.SanitizePostgresTexts(c.D1IDs),
			util.SanitizePostgresTexts(c.D2IDs),
			remapped,
			string(c.Origin),
		})
	}
	return rows
}

func mergeLogRows(runID string, log []common.MergeLogEntry) [][]any {
	rows := make([][]any, 0, len(log))
	for i, entry := range log {
		from := make([]string, len(entry.FromIDs))
		for j, id := range entry.FromIDs {
			from[j] = string(id)
		}
		rows = append(rows, []any{
			runID,
			int32(i),
			int32(entry.Round),
			from,
			util.SanitizePostgresTexts(entry.FromLabels),
			string(entry.ToID),
			util.SanitizePostgresText(entry.ToLabel),
		})
	}
	return rows
}

func cellRows(runID string, cells []common.TesseractCell) [][]any {
	rows := make([][]any, 0, len(cells))
	for _, c := range cells {
		rows = append(rows, []any{
			runID,
			c.ID,
			string(c.ConceptID),
			util.SanitizePostgresText(c.ConceptLabel),
			c.Polarity,
			util.SanitizePostgresText(c.Rationale),
			util.SanitizePostgresTexts(c.D1ElementIDs),
			util.SanitizePostgresTexts(c.D2ElementIDs),
		})
	}
	return rows
}

func marshalMetadata(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(meta)
}
