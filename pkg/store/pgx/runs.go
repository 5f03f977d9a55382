package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pgxv5 "github.com/jackc/pgx/v5"

	"github.com/OFFIS-RIT/align/backend/internal/util"
	"github.com/OFFIS-RIT/align/backend/pkg/common"
	"github.com/OFFIS-RIT/align/backend/pkg/pipeline"
	"github.com/OFFIS-RIT/align/backend/pkg/store"
)

// CreateRun inserts a queued run together with its elements.
func (s *AlignmentStorage) CreateRun(ctx context.Context, run store.NewRun) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO alignment_runs (id, project_key, status) VALUES ($1, $2, $3)`,
		run.ID, util.SanitizePostgresText(run.ProjectKey), string(store.RunQueued),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	rows := elementRows(run.ID, common.DatasetD1, run.D1)
	rows = append(rows, elementRows(run.ID, common.DatasetD2, run.D2)...)
	err = store.ChunkRange(len(rows), s.chunkSize, func(start, end int) error {
		_, err := tx.CopyFrom(ctx, pgxv5.Identifier{"alignment_elements"}, elementColumns, pgxv5.CopyFromRows(rows[start:end]))
		if err != nil {
			return fmt.Errorf("failed to copy elements: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// LoadInput returns the run and the elements it was created with.
func (s *AlignmentStorage) LoadInput(ctx context.Context, runID string) (*store.Run, pipeline.Input, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, pipeline.Input{}, err
	}

	rows, err := s.conn.Query(ctx,
		`SELECT dataset, element_id, label, content, category
		   FROM alignment_elements
		  WHERE run_id = $1
		  ORDER BY dataset, position`,
		runID,
	)
	if err != nil {
		return nil, pipeline.Input{}, fmt.Errorf("failed to query elements: %w", err)
	}
	defer rows.Close()

	input := pipeline.Input{RunID: runID}
	for rows.Next() {
		var e common.Element
		var dataset string
		if err := rows.Scan(&dataset, &e.ID, &e.Label, &e.Content, &e.Category); err != nil {
			return nil, pipeline.Input{}, fmt.Errorf("failed to scan element: %w", err)
		}
		e.Dataset = common.Dataset(dataset)
		switch e.Dataset {
		case common.DatasetD1:
			input.D1 = append(input.D1, e)
		case common.DatasetD2:
			input.D2 = append(input.D2, e)
		default:
			return nil, pipeline.Input{}, fmt.Errorf("element %s has unknown dataset %q", e.ID, dataset)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, pipeline.Input{}, fmt.Errorf("failed to read elements: %w", err)
	}
	return run, input, nil
}

// MarkRunning moves a run into the running state. Aborted runs are left
// untouched.
func (s *AlignmentStorage) MarkRunning(ctx context.Context, runID string) error {
	tag, err := s.conn.Exec(ctx,
		`UPDATE alignment_runs
		    SET status = $2, error = NULL, finished_at = NULL, updated_at = now()
		  WHERE id = $1 AND status <> $3`,
		runID, string(store.RunRunning), string(store.RunAborted),
	)
	if err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := s.conn.QueryRow(ctx, `SELECT status FROM alignment_runs WHERE id = $1`, runID).Scan(&status)
		if err != nil {
			if errors.Is(err, pgxv5.ErrNoRows) {
				return store.ErrRunNotFound
			}
			return fmt.Errorf("failed to get run status: %w", err)
		}
		return store.ErrRunAborted
	}
	return nil
}

// AbortQueued marks a queued run as aborted.
func (s *AlignmentStorage) AbortQueued(ctx context.Context, runID, reason string) (bool, error) {
	message := "Alignment aborted"
	if reason != "" {
		message += ": " + util.SanitizePostgresText(reason)
	}
	tag, err := s.conn.Exec(ctx,
		`UPDATE alignment_runs
		    SET status = $2, phase = $3, message = $4, finished_at = now(), updated_at = now()
		  WHERE id = $1 AND status = $5`,
		runID, string(store.RunAborted), string(pipeline.PhaseAborted), message, string(store.RunQueued),
	)
	if err != nil {
		return false, fmt.Errorf("failed to abort run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Requeue resets a run to queued so a redelivered job runs it again.
func (s *AlignmentStorage) Requeue(ctx context.Context, runID string) error {
	tag, err := s.conn.Exec(ctx,
		`UPDATE alignment_runs
		    SET status = $2, finished_at = NULL, updated_at = now()
		  WHERE id = $1`,
		runID, string(store.RunQueued),
	)
	if err != nil {
		return fmt.Errorf("failed to requeue run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrRunNotFound
	}
	return nil
}

// SaveProgress stores the latest progress snapshot of a run.
func (s *AlignmentStorage) SaveProgress(ctx context.Context, runID string, p pipeline.Progress) error {
	counts, err := json.Marshal(p.Counts)
	if err != nil {
		return fmt.Errorf("failed to marshal counts: %w", err)
	}
	tag, err := s.conn.Exec(ctx,
		`UPDATE alignment_runs
		    SET phase = $2, percent = $3, message = $4, counts = $5, updated_at = now()
		  WHERE id = $1`,
		runID, string(p.Phase), p.Percent, util.SanitizePostgresText(p.Message), counts,
	)
	if err != nil {
		return fmt.Errorf("failed to save progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrRunNotFound
	}
	return nil
}

// GetRun returns the stored state of a run.
func (s *AlignmentStorage) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	var (
		run        store.Run
		status     string
		phase      string
		counts     []byte
		elements   int64
		errText    *string
		finishedAt *time.Time
	)
	err := s.conn.QueryRow(ctx,
		`SELECT r.id, r.project_key, r.status, r.phase, r.percent, r.message, r.counts, r.diagnostics,
		        r.error, r.created_at, r.updated_at, r.finished_at,
		        (SELECT count(*) FROM alignment_elements e WHERE e.run_id = r.id)
		   FROM alignment_runs r
		  WHERE r.id = $1`,
		runID,
	).Scan(
		&run.ID, &run.ProjectKey, &status, &phase, &run.Percent, &run.Message, &counts, &run.Diagnostics,
		&errText, &run.CreatedAt, &run.UpdatedAt, &finishedAt, &elements,
	)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, store.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.Status = store.RunStatus(status)
	run.Phase = pipeline.Phase(phase)
	run.FinishedAt = finishedAt
	run.Elements = int(elements)
	if errText != nil {
		run.Error = *errText
	}
	if len(counts) > 0 {
		if err := json.Unmarshal(counts, &run.Counts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal counts: %w", err)
		}
	}
	return &run, nil
}

// GetVenn returns the Venn result of a run.
func (s *AlignmentStorage) GetVenn(ctx context.Context, runID string) (*common.VennResult, error) {
	var data []byte
	err := s.conn.QueryRow(ctx, `SELECT result FROM alignment_venn WHERE run_id = $1`, runID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			if _, runErr := s.GetRun(ctx, runID); runErr != nil {
				return nil, runErr
			}
			return nil, store.ErrVennNotReady
		}
		return nil, fmt.Errorf("failed to get venn: %w", err)
	}

	var venn common.VennResult
	if err := json.Unmarshal(data, &venn); err != nil {
		return nil, fmt.Errorf("failed to unmarshal venn: %w", err)
	}
	return &venn, nil
}
