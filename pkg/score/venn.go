package score

import (
	"math"

	"github.com/OFFIS-RIT/align/backend/pkg/ai"
	"github.com/OFFIS-RIT/align/backend/pkg/common"
	"github.com/OFFIS-RIT/align/backend/pkg/oracle"
)

// Item sources.
const (
	SourcePipeline = "pipeline"
	SourceOracle   = "oracle"
)

// CriticalityFor maps the polarity of an aligned concept to its criticality.
func CriticalityFor(polarity float64) common.Criticality {
	switch {
	case polarity < 0:
		return common.CriticalityCritical
	case polarity < 0.3:
		return common.CriticalityMajor
	case polarity < 0.7:
		return common.CriticalityMinor
	}
	return common.CriticalityInfo
}

// VennRequestFor builds the request of the Venn oracle from the final
// concepts and their cells.
func VennRequestFor(concepts []common.Concept, cells []common.TesseractCell) oracle.VennRequest {
	req := oracle.VennRequest{
		MergedConcepts: []oracle.VennConcept{},
		UnmergedD1:     []oracle.VennConcept{},
		UnmergedD2:     []oracle.VennConcept{},
		TesseractCells: make([]oracle.VennCell, 0, len(cells)),
	}
	for _, c := range concepts {
		vc := oracle.VennConcept{
			ID:          string(c.ID),
			Label:       c.Label,
			Description: c.Description,
			D1IDs:       c.D1IDs,
			D2IDs:       c.D2IDs,
		}
		hasD1, hasD2 := c.Provenance()
		switch {
		case hasD1 && hasD2:
			req.MergedConcepts = append(req.MergedConcepts, vc)
		case hasD1:
			req.UnmergedD1 = append(req.UnmergedD1, vc)
		case hasD2:
			req.UnmergedD2 = append(req.UnmergedD2, vc)
		}
	}
	for _, cell := range cells {
		req.TesseractCells = append(req.TesseractCells, oracle.VennCell{
			ConceptLabel: cell.ConceptLabel,
			Polarity:     cell.Polarity,
			Rationale:    cell.Rationale,
		})
	}
	return req
}

// Partition sorts the final concepts into the three Venn categories.
//
// D1-only concepts are unique_d1 with criticality major and polarity -1.
// Concepts with both sides are aligned; polarity comes from their cell and
// criticality from the polarity. D2-only concepts are unique_d2 with
// criticality info and polarity 0. D2-only items surfaced by the oracle are
// added to unique_d2 unless an item with the same normalized label is
// already there, so distinct concepts sharing a label collapse into one.
func Partition(concepts []common.Concept, cells []common.TesseractCell, oracleD2 []oracle.VennEntry) common.VennResult {
	byConcept := make(map[common.ConceptID]common.TesseractCell, len(cells))
	for _, cell := range cells {
		byConcept[cell.ConceptID] = cell
	}

	result := common.VennResult{
		UniqueToD1: []common.VennItem{},
		Aligned:    []common.VennItem{},
		UniqueToD2: []common.VennItem{},
	}
	d2Labels := make(map[string]struct{})

	for _, c := range concepts {
		item := common.VennItem{
			ConceptID:   c.ID,
			Label:       c.Label,
			Description: c.Description,
			Source:      SourcePipeline,
		}
		hasD1, hasD2 := c.Provenance()
		switch {
		case hasD1 && hasD2:
			item.Category = common.CategoryAligned
			if cell, ok := byConcept[c.ID]; ok {
				item.Polarity = cell.Polarity
				item.Evidence = cell.Rationale
			}
			item.Criticality = CriticalityFor(item.Polarity)
			result.Aligned = append(result.Aligned, item)
		case hasD1:
			item.Category = common.CategoryUniqueD1
			item.Criticality = common.CriticalityMajor
			item.Polarity = -1
			if cell, ok := byConcept[c.ID]; ok {
				item.Evidence = cell.Rationale
			}
			result.UniqueToD1 = append(result.UniqueToD1, item)
		case hasD2:
			item.Category = common.CategoryUniqueD2
			item.Criticality = common.CriticalityInfo
			if cell, ok := byConcept[c.ID]; ok {
				item.Evidence = cell.Rationale
			}
			d2Labels[ai.NormalizeLabel(c.Label)] = struct{}{}
			result.UniqueToD2 = append(result.UniqueToD2, item)
		}
	}

	for _, entry := range oracleD2 {
		key := ai.NormalizeLabel(entry.Label)
		if key == "" {
			continue
		}
		if _, dup := d2Labels[key]; dup {
			continue
		}
		d2Labels[key] = struct{}{}
		result.UniqueToD2 = append(result.UniqueToD2, common.VennItem{
			Category:    common.CategoryUniqueD2,
			Label:       entry.Label,
			Criticality: common.CriticalityInfo,
			Evidence:    entry.Evidence,
			Description: entry.Description,
			Source:      SourceOracle,
		})
	}

	Summarize(&result)
	return result
}

// Summarize recomputes the coverage statistics of v from its item lists.
// Coverages are percentages in [0,100]; the alignment score is never
// negative.
func Summarize(v *common.VennResult) {
	aligned := len(v.Aligned)
	uniqueD1 := len(v.UniqueToD1)
	uniqueD2 := len(v.UniqueToD2)

	avg := 0.0
	if aligned > 0 {
		sum := 0.0
		for _, item := range v.Aligned {
			sum += item.Polarity
		}
		avg = sum / float64(aligned)
	}

	totalD1 := aligned + uniqueD1
	totalD2 := aligned + uniqueD2
	denominator := max(totalD1, totalD2)

	score := 0.0
	if denominator > 0 {
		score = float64(aligned) / float64(denominator) * 100 * (0.5 + 0.5*avg)
	}

	v.Summary = common.VennSummary{
		D1Coverage:     percent(aligned, totalD1),
		D2Coverage:     percent(aligned, totalD2),
		AlignmentScore: bound(score),
		AlignedCount:   aligned,
		UniqueD1Count:  uniqueD1,
		UniqueD2Count:  uniqueD2,
		AvgPolarity:    avg,
	}
}

func percent(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	return bound(float64(part) / float64(whole) * 100)
}

func bound(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(v, 100)
}

// Enrich attaches oracle evidence to items whose normalized label matches an
// oracle entry of the same category and no evidence yet, and keeps the
// oracle's own summary for diagnostics.
func Enrich(v *common.VennResult, resp *oracle.VennResponse) {
	if resp == nil {
		return
	}
	attach(v.UniqueToD1, resp.UniqueToD1)
	attach(v.Aligned, resp.Aligned)
	attach(v.UniqueToD2, resp.UniqueToD2)

	if resp.Summary != nil {
		v.OracleSummary = map[string]any{
			"overview": resp.Summary.Overview,
			"score":    resp.Summary.Score,
		}
	}
}

func attach(items []common.VennItem, entries []oracle.VennEntry) {
	evidence := make(map[string]oracle.VennEntry, len(entries))
	for _, e := range entries {
		key := ai.NormalizeLabel(e.Label)
		if _, ok := evidence[key]; !ok {
			evidence[key] = e
		}
	}
	for i := range items {
		e, ok := evidence[ai.NormalizeLabel(items[i].Label)]
		if !ok {
			continue
		}
		if items[i].Evidence == "" {
			items[i].Evidence = e.Evidence
		}
		if items[i].Description == "" {
			items[i].Description = e.Description
		}
	}
}

// Build partitions concepts, merges in the Venn oracle response when there is
// one, and fills the summary.
func Build(concepts []common.Concept, cells []common.TesseractCell, resp *oracle.VennResponse) common.VennResult {
	var oracleD2 []oracle.VennEntry
	if resp != nil {
		oracleD2 = resp.UniqueToD2
	}
	result := Partition(concepts, cells, oracleD2)
	Enrich(&result, resp)
	return result
}
