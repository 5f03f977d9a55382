package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/align/backend/internal/util"
	"github.com/OFFIS-RIT/align/backend/pkg/logger"
	"github.com/OFFIS-RIT/align/backend/pkg/pipeline"
)

// SaveResult writes every collection of the result in its own transaction
// and then records the final status of the run. A failed collection does
// not stop the others.
func (s *AlignmentStorage) SaveResult(ctx context.Context, res *pipeline.Result) error {
	if res == nil {
		return nil
	}
	snap := res.Snapshot

	var errs []error
	nodes, err := nodeRows(res.RunID, snap.Nodes)
	if err == nil {
		err = s.copyRows(ctx, res.RunID, "alignment_nodes", nodeColumns, nodes)
	}
	errs = append(errs, err)

	edges, err := edgeRows(res.RunID, snap.Edges)
	if err == nil {
		err = s.copyRows(ctx, res.RunID, "alignment_edges", edgeColumns, edges)
	}
	errs = append(errs, err)

	errs = append(errs,
		s.copyRows(ctx, res.RunID, "alignment_concepts", conceptColumns, conceptRows(res.RunID, snap.Concepts)),
		s.copyRows(ctx, res.RunID, "alignment_merge_log", mergeLogColumns, mergeLogRows(res.RunID, snap.MergeLog)),
		s.copyRows(ctx, res.RunID, "alignment_cells", cellColumns, cellRows(res.RunID, snap.Cells)),
	)

	if snap.Venn != nil {
		errs = append(errs, s.saveVenn(ctx, res.RunID, snap))
	}

	saveErr := errors.Join(errs...)
	if saveErr != nil {
		logger.Error("[Store] Failed to save collections", "run_id", res.RunID, "err", saveErr)
	}
	return errors.Join(saveErr, s.finishRun(ctx, res, saveErr))
}

func (s *AlignmentStorage) saveVenn(ctx context.Context, runID string, snap pipeline.Snapshot) error {
	data, err := json.Marshal(snap.Venn)
	if err != nil {
		return fmt.Errorf("failed to marshal venn: %w", err)
	}
	_, err = s.conn.Exec(ctx,
		`INSERT INTO alignment_venn (run_id, result, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (run_id) DO UPDATE SET result = EXCLUDED.result, updated_at = now()`,
		runID, data,
	)
	if err != nil {
		return fmt.Errorf("failed to save venn: %w", err)
	}
	return nil
}

func (s *AlignmentStorage) finishRun(ctx context.Context, res *pipeline.Result, saveErr error) error {
	diagnostics, err := json.Marshal(res.Diagnostics)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostics: %w", err)
	}

	var errText *string
	if msg := runError(res, saveErr); msg != "" {
		msg = util.SanitizePostgresText(msg)
		errText = &msg
	}

	tag, err := s.conn.Exec(ctx,
		`UPDATE alignment_runs
		    SET status = $2, phase = $3, diagnostics = $4, error = $5,
		        finished_at = $6, updated_at = now()
		  WHERE id = $1`,
		res.RunID, string(res.Status), string(res.Phase), diagnostics, errText, res.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to finish run %s: no such run", res.RunID)
	}
	return nil
}

// runError is the message stored in the error column of a finished run.
func runError(res *pipeline.Result, saveErr error) string {
	var msgs []string
	if res.Diagnostics.PhaseError != nil {
		msgs = append(msgs, res.Diagnostics.PhaseError.Message)
	}
	if saveErr != nil {
		msgs = append(msgs, "storage: "+saveErr.Error())
	}
	switch len(msgs) {
	case 0:
		return ""
	case 1:
		return msgs[0]
	}
	return msgs[0] + "; " + msgs[1]
}
