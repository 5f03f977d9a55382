// Package llm implements the alignment oracles directly on a language model
// client.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/align/backend/internal/util"
	"github.com/OFFIS-RIT/align/backend/pkg/ai"
	"github.com/OFFIS-RIT/align/backend/pkg/logger"
	"github.com/OFFIS-RIT/align/backend/pkg/oracle"
)

// progressEvery is the number of streamed characters between progress reports.
const progressEvery = 2000

// Oracle answers extraction, merge, scoring and Venn requests with prompts
// against an ai.GraphAIClient. It implements every interface of oracle.Set.
type Oracle struct {
	client     ai.GraphAIClient
	maxRetries int
	opts       []ai.GenerateOption
}

// NewOracleParams configures an Oracle.
type NewOracleParams struct {
	Client ai.GraphAIClient
	// MaxRetries is the number of attempts per call for structured answers.
	MaxRetries int
	// Options are applied to every generation request.
	Options []ai.GenerateOption
}

// NewOracle returns an Oracle on params.Client.
func NewOracle(params NewOracleParams) *Oracle {
	retries := params.MaxRetries
	if retries < 1 {
		retries = 1
	}
	return &Oracle{
		client:     params.Client,
		maxRetries: retries,
		opts:       params.Options,
	}
}

// Set returns an oracle.Set backed by o.
func (o *Oracle) Set() oracle.Set {
	return oracle.Set{Extractor: o, Merger: o, Scorer: o, Venn: o}
}

func formatElements(elements []oracle.Element) string {
	if len(elements) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, e := range elements {
		fmt.Fprintf(&sb, "[%s] %s", e.ID, e.Label)
		if e.Category != "" {
			fmt.Fprintf(&sb, " (%s)", e.Category)
		}
		sb.WriteString("\n")
		if content := strings.TrimSpace(e.Content); content != "" {
			sb.WriteString(content)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatConcepts(concepts []oracle.VennConcept) string {
	if len(concepts) == 0 {
		return "(none)"
	}
	var sb strings.Builder
	for _, c := range concepts {
		fmt.Fprintf(&sb, "- %s: %s\n", c.Label, c.Description)
	}
	return sb.String()
}

// Extract implements oracle.Extractor.
func (o *Oracle) Extract(ctx context.Context, req oracle.ExtractRequest) (*oracle.ExtractResponse, error) {
	prompt := fmt.Sprintf(ai.ExtractConceptsPrompt, req.DatasetTag, formatElements(req.Elements))

	var out struct {
		Concepts []oracle.ExtractedConcept `json:"concepts" jsonschema_description:"Concepts found in the elements."`
	}
	err := util.RetryErrWithContext(ctx, o.maxRetries, func(ctx context.Context) error {
		return o.client.GenerateCompletionWithFormat(
			ctx, "extract_concepts", "Extract concepts from corpus elements.", prompt, &out, o.opts...,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract concepts: %w", err)
	}

	logger.Debug("[Oracle] Extracted concepts", "dataset", req.DatasetTag, "elements", len(req.Elements), "concepts", len(out.Concepts))
	return &oracle.ExtractResponse{Success: true, Concepts: out.Concepts}, nil
}

// Merge implements oracle.Merger. The answer is streamed and progress is
// reported while it arrives.
func (o *Oracle) Merge(ctx context.Context, req oracle.MergeRequest, onProgress oracle.ProgressFunc) (*oracle.MergeResponse, error) {
	var concepts strings.Builder
	for _, c := range req.Concepts {
		fmt.Fprintf(&concepts, "- %s | %s | %s\n", c.ID, c.Label, c.Description)
	}
	target := ""
	if req.TargetCount > 0 {
		target = fmt.Sprintf(ai.MergeTargetHint, req.TargetCount)
	}
	prompt := fmt.Sprintf(ai.MergeConceptsPrompt, req.Round, req.TotalRounds, req.Guidance, target, concepts.String())

	var resp oracle.MergeResponse
	if err := o.streamJSON(ctx, prompt, fmt.Sprintf("Merge round %d", req.Round), onProgress, &resp); err != nil {
		return nil, fmt.Errorf("failed to merge concepts in round %d: %w", req.Round, err)
	}
	return &resp, nil
}

// Score implements oracle.Scorer.
func (o *Oracle) Score(ctx context.Context, req oracle.ScoreRequest) (*oracle.ScoreResponse, error) {
	c := req.Concept
	prompt := fmt.Sprintf(ai.ScoreConceptPrompt, c.Label, c.Description,
		formatElements(c.D1Elements), formatElements(c.D2Elements))

	var out struct {
		Cells []oracle.ScoreCell `json:"cells" jsonschema_description:"Alignment judgements for the concept."`
	}
	err := util.RetryErrWithContext(ctx, o.maxRetries, func(ctx context.Context) error {
		return o.client.GenerateCompletionWithFormat(
			ctx, "score_concept", "Rate the alignment of one concept.", prompt, &out, o.opts...,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to score concept %s: %w", c.ID, err)
	}
	return &oracle.ScoreResponse{Success: true, Cells: out.Cells}, nil
}

// Venn implements oracle.VennBuilder.
func (o *Oracle) Venn(ctx context.Context, req oracle.VennRequest, onProgress oracle.ProgressFunc) (*oracle.VennResponse, error) {
	var cells strings.Builder
	for _, c := range req.TesseractCells {
		fmt.Fprintf(&cells, "- %s | %.2f | %s\n", c.ConceptLabel, c.Polarity, c.Rationale)
	}
	if cells.Len() == 0 {
		cells.WriteString("(none)")
	}
	prompt := fmt.Sprintf(ai.VennPrompt,
		formatConcepts(req.MergedConcepts),
		formatConcepts(req.UnmergedD1),
		formatConcepts(req.UnmergedD2),
		cells.String(),
	)

	var resp oracle.VennResponse
	if err := o.streamJSON(ctx, prompt, "Venn", onProgress, &resp); err != nil {
		return nil, fmt.Errorf("failed to build venn result: %w", err)
	}
	return &resp, nil
}

func (o *Oracle) streamJSON(
	ctx context.Context,
	prompt string,
	label string,
	onProgress oracle.ProgressFunc,
	out any,
) error {
	stream, err := o.client.GenerateChatStream(ctx, []ai.ChatMessage{{Role: "user", Message: prompt}}, o.opts...)
	if err != nil {
		return err
	}

	next := progressEvery
	text, err := ai.CollectStream(ctx, stream, func(chars int) {
		if onProgress == nil || chars < next {
			return
		}
		next = chars + progressEvery
		onProgress(fmt.Sprintf("%s: received %d characters", label, chars))
	})
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return oracle.ErrEmptyResult
	}
	return ai.UnmarshalFlexible(text, out)
}
