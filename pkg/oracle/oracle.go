// Package oracle defines the request/response contracts of the external
// decision services consulted by the alignment pipeline, and the interfaces
// the pipeline calls them through.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrEmptyResult is returned by Validate when an oracle answered successfully
// but produced nothing usable.
var ErrEmptyResult = errors.New("oracle returned an empty result")

// ProgressFunc receives human readable progress of a streamed oracle call.
type ProgressFunc func(message string)

// Extractor derives concepts from one batch of elements.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (*ExtractResponse, error)
}

// Merger proposes merge groups over the active concepts of one round.
type Merger interface {
	Merge(ctx context.Context, req MergeRequest, onProgress ProgressFunc) (*MergeResponse, error)
}

// Scorer rates the cross-corpus alignment of a single concept.
type Scorer interface {
	Score(ctx context.Context, req ScoreRequest) (*ScoreResponse, error)
}

// VennBuilder produces the oracle view of the coverage partition.
type VennBuilder interface {
	Venn(ctx context.Context, req VennRequest, onProgress ProgressFunc) (*VennResponse, error)
}

// Set bundles the four oracles a pipeline run needs.
type Set struct {
	Extractor Extractor
	Merger    Merger
	Scorer    Scorer
	Venn      VennBuilder
}

// Validate reports missing oracles.
func (s Set) Validate() error {
	var missing []string
	if s.Extractor == nil {
		missing = append(missing, "extractor")
	}
	if s.Merger == nil {
		missing = append(missing, "merger")
	}
	if s.Scorer == nil {
		missing = append(missing, "scorer")
	}
	if s.Venn == nil {
		missing = append(missing, "venn")
	}
	if len(missing) > 0 {
		return fmt.Errorf("oracle set incomplete: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Element is the wire form of an input element.
type Element struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Content  string `json:"content"`
	Category string `json:"category,omitempty"`
}

// ExtractRequest asks for the concepts contained in one batch.
type ExtractRequest struct {
	DatasetTag string    `json:"datasetTag"`
	Elements   []Element `json:"elements"`
}

// ExtractedConcept is one concept proposed by the extraction oracle.
type ExtractedConcept struct {
	Label       string   `json:"label" jsonschema_description:"Short name of the concept."`
	Description string   `json:"description" jsonschema_description:"One or two sentences describing the concept."`
	ElementIDs  []string `json:"elementIds" jsonschema_description:"Ids of the elements that express this concept."`
}

// ExtractResponse is the answer of the extraction oracle.
type ExtractResponse struct {
	Success  bool               `json:"success"`
	Concepts []ExtractedConcept `json:"concepts"`
	Error    string             `json:"error,omitempty"`
}

// Validate fails unsuccessful responses and drops concepts without a label
// or without element references. Element ids are checked against the batch by
// the caller.
func (r *ExtractResponse) Validate() error {
	if r == nil {
		return ErrEmptyResult
	}
	if !r.Success {
		if r.Error != "" {
			return fmt.Errorf("extraction failed: %s", r.Error)
		}
		return errors.New("extraction failed")
	}

	kept := r.Concepts[:0]
	for _, c := range r.Concepts {
		c.Label = strings.TrimSpace(c.Label)
		c.Description = strings.TrimSpace(c.Description)
		if c.Label == "" || len(c.ElementIDs) == 0 {
			continue
		}
		kept = append(kept, c)
	}
	r.Concepts = kept
	return nil
}

// MergeConcept is the wire form of an active concept offered for merging.
type MergeConcept struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// MergeRequest asks for merge groups over the active concepts of a round.
// Guidance and TargetCount carry the round policy.
type MergeRequest struct {
	Concepts    []MergeConcept `json:"concepts"`
	Round       int            `json:"round"`
	TotalRounds int            `json:"totalRounds"`
	Guidance    string         `json:"guidance,omitempty"`
	TargetCount int            `json:"targetCount,omitempty"`
}

// MergeGroup is one proposed merge.
type MergeGroup struct {
	SourceIDs         []string `json:"sourceIds" jsonschema_description:"Ids of the concepts to merge."`
	MergedLabel       string   `json:"mergedLabel" jsonschema_description:"Label of the merged concept."`
	MergedDescription string   `json:"mergedDescription" jsonschema_description:"Description of the merged concept."`
}

// MergeResponse is the final payload of the merge stream.
type MergeResponse struct {
	Merges []MergeGroup `json:"merges"`
}

// Validate normalizes labels. Groups are kept as proposed so the merge
// engine can record why it rejects them.
func (r *MergeResponse) Validate() error {
	if r == nil {
		return ErrEmptyResult
	}
	for i := range r.Merges {
		r.Merges[i].MergedLabel = strings.TrimSpace(r.Merges[i].MergedLabel)
		r.Merges[i].MergedDescription = strings.TrimSpace(r.Merges[i].MergedDescription)
	}
	return nil
}

// ScoreConcept is the full content of one concept from both corpora.
type ScoreConcept struct {
	ID          string    `json:"id"`
	Label       string    `json:"label"`
	Description string    `json:"description"`
	D1Elements  []Element `json:"d1Elements"`
	D2Elements  []Element `json:"d2Elements"`
}

// ScoreRequest asks for the alignment polarity of one concept.
type ScoreRequest struct {
	Concept ScoreConcept `json:"concept"`
}

// ScoreCell is one polarity judgement.
type ScoreCell struct {
	ConceptLabel string  `json:"conceptLabel" jsonschema_description:"Label of the scored concept."`
	Polarity     float64 `json:"polarity" jsonschema_description:"Alignment between -1 (contradicting) and 1 (fully aligned)."`
	Rationale    string  `json:"rationale" jsonschema_description:"Short justification of the polarity."`
}

// ScoreResponse is the answer of the scoring oracle.
type ScoreResponse struct {
	Success bool        `json:"success"`
	Cells   []ScoreCell `json:"cells"`
	Errors  []string    `json:"errors,omitempty"`
}

// Validate clamps polarities to [-1,1], drops cells with a non-numeric
// polarity and fails when nothing remains.
func (r *ScoreResponse) Validate() error {
	if r == nil {
		return ErrEmptyResult
	}
	if !r.Success && len(r.Cells) == 0 {
		if len(r.Errors) > 0 {
			return fmt.Errorf("scoring failed: %s", strings.Join(r.Errors, "; "))
		}
		return errors.New("scoring failed")
	}

	kept := r.Cells[:0]
	for _, c := range r.Cells {
		if math.IsNaN(c.Polarity) {
			continue
		}
		c.Polarity = ClampPolarity(c.Polarity)
		c.ConceptLabel = strings.TrimSpace(c.ConceptLabel)
		kept = append(kept, c)
	}
	r.Cells = kept
	if len(r.Cells) == 0 {
		return ErrEmptyResult
	}
	return nil
}

// VennConcept is the wire form of a final concept.
type VennConcept struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	Description string   `json:"description"`
	D1IDs       []string `json:"d1Ids"`
	D2IDs       []string `json:"d2Ids"`
}

// VennCell is the wire form of a tesseract cell.
type VennCell struct {
	ConceptLabel string  `json:"conceptLabel"`
	Polarity     float64 `json:"polarity"`
	Rationale    string  `json:"rationale"`
}

// VennRequest carries everything the Venn oracle needs.
type VennRequest struct {
	MergedConcepts []VennConcept `json:"mergedConcepts"`
	UnmergedD1     []VennConcept `json:"unmergedD1"`
	UnmergedD2     []VennConcept `json:"unmergedD2"`
	TesseractCells []VennCell    `json:"tesseractCells"`
}

// VennEntry is one item of the oracle partition.
type VennEntry struct {
	Label       string  `json:"label" jsonschema_description:"Concept label."`
	Criticality string  `json:"criticality" jsonschema_description:"One of critical, major, minor, info."`
	Evidence    string  `json:"evidence" jsonschema_description:"Evidence from the corpora for this categorization."`
	Polarity    float64 `json:"polarity" jsonschema_description:"Alignment polarity between -1 and 1."`
	Description string  `json:"description" jsonschema_description:"Short description."`
}

// VennSummary is the free-form summary block returned by the oracle.
type VennSummary struct {
	Overview string  `json:"overview" jsonschema_description:"One paragraph summary of the alignment."`
	Score    float64 `json:"score" jsonschema_description:"The oracle's own alignment estimate between 0 and 100."`
}

// VennResponse is the final payload of the Venn stream.
type VennResponse struct {
	UniqueToD1 []VennEntry  `json:"unique_to_d1"`
	Aligned    []VennEntry  `json:"aligned"`
	UniqueToD2 []VennEntry  `json:"unique_to_d2"`
	Summary    *VennSummary `json:"summary"`
}

// Validate drops unlabeled entries, clamps polarities and normalizes
// criticality names.
func (r *VennResponse) Validate() error {
	if r == nil {
		return ErrEmptyResult
	}
	r.UniqueToD1 = cleanEntries(r.UniqueToD1)
	r.Aligned = cleanEntries(r.Aligned)
	r.UniqueToD2 = cleanEntries(r.UniqueToD2)
	return nil
}

func cleanEntries(entries []VennEntry) []VennEntry {
	kept := entries[:0]
	for _, e := range entries {
		e.Label = strings.TrimSpace(e.Label)
		if e.Label == "" {
			continue
		}
		if math.IsNaN(e.Polarity) {
			e.Polarity = 0
		}
		e.Polarity = ClampPolarity(e.Polarity)
		e.Criticality = strings.ToLower(strings.TrimSpace(e.Criticality))
		kept = append(kept, e)
	}
	return kept
}

// ClampPolarity bounds p to [-1,1].
func ClampPolarity(p float64) float64 {
	if p < -1 {
		return -1
	}
	if p > 1 {
		return 1
	}
	return p
}
