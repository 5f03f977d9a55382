// Package score rates the cross-corpus alignment of every final concept and
// partitions the result into the three Venn categories.
package score

import (
	"context"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/align/backend/pkg/ai"
	"github.com/OFFIS-RIT/align/backend/pkg/common"
	"github.com/OFFIS-RIT/align/backend/pkg/logger"
	"github.com/OFFIS-RIT/align/backend/pkg/oracle"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ElementIndex resolves element ids per dataset.
type ElementIndex map[string]common.Element

// NewElementIndex indexes elements by dataset and id.
func NewElementIndex(elements []common.Element) ElementIndex {
	idx := make(ElementIndex, len(elements))
	for _, e := range elements {
		idx[string(e.Dataset)+":"+e.ID] = e
	}
	return idx
}

// Lookup returns the element id of dataset d.
func (idx ElementIndex) Lookup(d common.Dataset, id string) (common.Element, bool) {
	e, ok := idx[string(d)+":"+id]
	return e, ok
}

// Hooks lets the caller observe and stop a scoring loop. All fields are
// optional.
type Hooks struct {
	// ShouldStop is polled before each concept and after each oracle call.
	ShouldStop func() bool
	// OnCell receives every cell as soon as it is accepted.
	OnCell func(cell common.TesseractCell)
	// OnScored is called after every concept, successful or not.
	OnScored func(done, total int)
}

func (h Hooks) stop() bool {
	return h.ShouldStop != nil && h.ShouldStop()
}

// Outcome accumulates the per-concept results of ScoreAll.
type Outcome struct {
	Cells    []common.TesseractCell     `json:"cells"`
	Failures []*common.ScoringItemError `json:"-"`
	Stopped  bool                       `json:"stopped"`
}

// Scorer submits concepts to a scoring oracle one at a time.
type Scorer struct {
	oracle oracle.Scorer
}

// NewScorer returns a Scorer backed by o.
func NewScorer(o oracle.Scorer) *Scorer {
	return &Scorer{oracle: o}
}

// ScoreAll scores concepts sequentially. A failed or empty response is
// recorded as a ScoringItemError and the loop moves on. Once hooks.ShouldStop
// reports true no further concept is submitted and a result that arrives
// afterwards is discarded.
func (s *Scorer) ScoreAll(
	ctx context.Context,
	concepts []common.Concept,
	elements ElementIndex,
	hooks Hooks,
) Outcome {
	var out Outcome
	total := len(concepts)

	for i, c := range concepts {
		if hooks.stop() || ctx.Err() != nil {
			out.Stopped = true
			break
		}

		cell, err := s.scoreOne(ctx, c, elements)
		if hooks.stop() {
			logger.Debug("[Score] Discarding result received after stop", "concept_id", c.ID)
			out.Stopped = true
			break
		}
		if err != nil {
			itemErr := &common.ScoringItemError{ConceptID: c.ID, Label: c.Label, Err: err}
			out.Failures = append(out.Failures, itemErr)
			logger.Warn("[Score] Concept failed", "concept_id", c.ID, "label", c.Label, "err", err)
		} else {
			out.Cells = append(out.Cells, cell)
			if hooks.OnCell != nil {
				hooks.OnCell(cell)
			}
		}

		if hooks.OnScored != nil {
			hooks.OnScored(i+1, total)
		}
	}

	logger.Info("[Score] Finished", "scored", len(out.Cells), "failed", len(out.Failures), "total", total, "stopped", out.Stopped)
	return out
}

func (s *Scorer) scoreOne(ctx context.Context, c common.Concept, elements ElementIndex) (common.TesseractCell, error) {
	d1IDs := distinct(c.D1IDs)
	d2IDs := distinct(c.D2IDs)

	req := oracle.ScoreRequest{Concept: oracle.ScoreConcept{
		ID:          string(c.ID),
		Label:       c.Label,
		Description: c.Description,
		D1Elements:  oracleElements(common.DatasetD1, d1IDs, elements),
		D2Elements:  oracleElements(common.DatasetD2, d2IDs, elements),
	}}

	resp, err := s.oracle.Score(ctx, req)
	if err != nil {
		return common.TesseractCell{}, err
	}
	if resp == nil {
		return common.TesseractCell{}, oracle.ErrEmptyResult
	}
	if err := resp.Validate(); err != nil {
		return common.TesseractCell{}, err
	}

	picked := resp.Cells[0]
	want := ai.NormalizeLabel(c.Label)
	for _, cell := range resp.Cells {
		if ai.NormalizeLabel(cell.ConceptLabel) == want {
			picked = cell
			break
		}
	}

	id, err := gonanoid.New()
	if err != nil {
		return common.TesseractCell{}, fmt.Errorf("failed to generate cell id: %w", err)
	}
	return common.TesseractCell{
		ID:           id,
		ConceptID:    c.ID,
		ConceptLabel: c.Label,
		Polarity:     picked.Polarity,
		Rationale:    strings.TrimSpace(picked.Rationale),
		D1ElementIDs: d1IDs,
		D2ElementIDs: d2IDs,
	}, nil
}

func oracleElements(d common.Dataset, ids []string, elements ElementIndex) []oracle.Element {
	out := make([]oracle.Element, 0, len(ids))
	for _, id := range ids {
		e, ok := elements.Lookup(d, id)
		if !ok {
			continue
		}
		out = append(out, oracle.Element{ID: e.ID, Label: e.Label, Content: e.Content, Category: e.Category})
	}
	return out
}

func distinct(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
