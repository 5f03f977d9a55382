package merge

import (
	"context"
	"fmt"

	"github.com/OFFIS-RIT/align/backend/pkg/common"
	"github.com/OFFIS-RIT/align/backend/pkg/logger"
	"github.com/OFFIS-RIT/align/backend/pkg/oracle"
)

// Engine runs merge rounds against a merge oracle.
type Engine struct {
	merger   oracle.Merger
	policies []Policy
}

// NewEngine returns an Engine. With no policies the defaults are used.
func NewEngine(merger oracle.Merger, policies ...Policy) *Engine {
	if len(policies) == 0 {
		policies = DefaultPolicies(0)
	}
	return &Engine{merger: merger, policies: policies}
}

// Policies returns the rounds the engine runs, in order.
func (e *Engine) Policies() []Policy {
	return e.policies
}

// RunRound offers the active concepts to the oracle under policy and applies
// the returned proposals. Rounds with fewer than two active concepts skip
// the oracle. Oracle failures are returned as *common.MergeOracleError.
func (e *Engine) RunRound(
	ctx context.Context,
	concepts []common.Concept,
	policy Policy,
	nextID int,
	onProgress oracle.ProgressFunc,
) (RoundResult, error) {
	active := common.ActiveConcepts(concepts)
	if len(active) < 2 {
		logger.Debug("[Merge] Skipping round", "round", policy.Round, "active", len(active))
		check, err := CheckConservation(concepts, concepts)
		check.Round = policy.Round
		return RoundResult{
			Round:        policy.Round,
			Concepts:     concepts,
			NextID:       nextID,
			Skipped:      true,
			Conservation: check,
		}, err
	}

	req := oracle.MergeRequest{
		Concepts:    make([]oracle.MergeConcept, 0, len(active)),
		Round:       policy.Round,
		TotalRounds: len(e.policies),
		Guidance:    policy.Guidance,
		TargetCount: policy.TargetCount,
	}
	for _, c := range active {
		req.Concepts = append(req.Concepts, oracle.MergeConcept{
			ID:          string(c.ID),
			Label:       c.Label,
			Description: c.Description,
		})
	}

	logger.Info("[Merge] Starting round", "round", policy.Round, "policy", policy.Name, "active", len(active))
	resp, err := e.merger.Merge(ctx, req, onProgress)
	if err != nil {
		return RoundResult{}, &common.MergeOracleError{Round: policy.Round, Err: err}
	}
	if err := resp.Validate(); err != nil {
		return RoundResult{}, &common.MergeOracleError{Round: policy.Round, Err: err}
	}

	result, err := Apply(concepts, resp.Merges, policy.Round, nextID)
	if err != nil {
		return result, fmt.Errorf("failed to apply merge round %d: %w", policy.Round, err)
	}

	for _, d := range result.Dropped {
		logger.Debug("[Merge] Dropped reference", "round", policy.Round, "group", d.Group, "id", d.ID, "reason", d.Reason)
	}
	for _, r := range result.Rejected {
		logger.Debug("[Merge] Rejected group", "round", policy.Round, "group", r.Group, "reason", r.Reason)
	}
	logger.Info("[Merge] Round finished",
		"round", policy.Round,
		"proposed", len(resp.Merges),
		"accepted", result.Accepted(),
		"rejected", len(result.Rejected),
		"active", len(common.ActiveConcepts(result.Concepts)),
	)
	return result, nil
}
