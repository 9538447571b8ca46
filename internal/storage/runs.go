package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/anzen-health/anzen/internal/model"
)

// CreateRun inserts the initial (pending) record for a run. Called by the
// executor before the engine starts, so a crash before the first stage still
// leaves an inspectable row.
func (db *DB) CreateRun(ctx context.Context, run *model.Run) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, request_text, user_id, status, steps_completed, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.RequestText, run.UserID, string(run.Status),
		run.StepsCompleted, run.Metadata, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// UpdateRunStatus persists a status transition. Terminal transitions also
// write the terminal outputs; starting transitions set started_at once.
func (db *DB) UpdateRunStatus(ctx context.Context, run *model.Run) error {
	var requestType, riskLabel *string
	if v, ok := run.Metadata["request_type"].(string); ok {
		requestType = &v
	}
	if v, ok := run.Metadata["risk_label"].(string); ok {
		riskLabel = &v
	}

	var tag pgconn.CommandTag
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		var execErr error
		tag, execErr = db.pool.Exec(ctx,
			`UPDATE runs SET
			     status = $1,
			     request_type = COALESCE($2, request_type),
			     risk_label = COALESCE($3, risk_label),
			     final_answer = $4,
			     abstention_reason = $5,
			     error_message = $6,
			     steps_completed = $7,
			     started_at = COALESCE(started_at, $8),
			     completed_at = $9
			 WHERE id = $10`,
			string(run.Status), requestType, riskLabel,
			run.FinalAnswer, run.AbstentionReason, run.ErrorMessage,
			run.StepsCompleted, run.StartedAt, run.CompletedAt, run.ID,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("storage: update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: update run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

// GetRun loads a run and its step results. Returns ErrNotFound for unknown IDs.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	run := &model.Run{Steps: map[model.Stage]*model.StepResult{}}
	var status string
	err := db.pool.QueryRow(ctx,
		`SELECT id, request_text, user_id, status, final_answer, abstention_reason,
		        error_message, steps_completed, metadata, created_at, started_at, completed_at
		 FROM runs WHERE id = $1`, id,
	).Scan(
		&run.ID, &run.RequestText, &run.UserID, &status, &run.FinalAnswer,
		&run.AbstentionReason, &run.ErrorMessage, &run.StepsCompleted,
		&run.Metadata, &run.CreatedAt, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get run: %w", err)
	}
	run.Status = model.RunStatus(status)

	rows, err := db.pool.Query(ctx,
		`SELECT stage, status, result, error, started_at, completed_at
		 FROM step_results WHERE run_id = $1`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get step results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step model.StepResult
		var stage, stepStatus string
		if err := rows.Scan(&stage, &stepStatus, &step.Result, &step.Error,
			&step.StartedAt, &step.CompletedAt); err != nil {
			return nil, fmt.Errorf("storage: scan step result: %w", err)
		}
		step.Stage = model.Stage(stage)
		step.Status = model.StepStatus(stepStatus)
		run.Steps[step.Stage] = &step
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate step results: %w", err)
	}

	// Hydrate citations for completed runs.
	run.Citations, err = db.citationsForRun(ctx, id)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// SaveStepResult upserts the step_results row for one stage of a run. The
// engine writes each stage's result exactly twice: once when the stage
// starts and once when it finishes, so the upsert keeps the row current
// without a separate update path.
func (db *DB) SaveStepResult(ctx context.Context, runID uuid.UUID, step *model.StepResult) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO step_results (id, run_id, stage, status, result, error, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (run_id, stage) DO UPDATE SET
		     status = EXCLUDED.status,
		     result = EXCLUDED.result,
		     error = EXCLUDED.error,
		     completed_at = EXCLUDED.completed_at`,
		uuid.New(), runID, string(step.Stage), string(step.Status),
		step.Result, step.Error, step.StartedAt, step.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: save step result: %w", err)
	}
	return nil
}

// ListRuns returns recent runs ordered by creation time, newest first.
func (db *DB) ListRuns(ctx context.Context, limit, offset int) ([]model.Run, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, request_text, user_id, status, final_answer, abstention_reason,
		        error_message, steps_completed, metadata, created_at, started_at, completed_at
		 FROM runs ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var status string
		if err := rows.Scan(
			&r.ID, &r.RequestText, &r.UserID, &status, &r.FinalAnswer,
			&r.AbstentionReason, &r.ErrorMessage, &r.StepsCompleted,
			&r.Metadata, &r.CreatedAt, &r.StartedAt, &r.CompletedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		r.Status = model.RunStatus(status)
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

func (db *DB) citationsForRun(ctx context.Context, runID uuid.UUID) ([]model.Citation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT claim, document_id, doc_hash, score
		 FROM citations WHERE run_id = $1 ORDER BY score DESC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get citations: %w", err)
	}
	defer rows.Close()

	var citations []model.Citation
	for rows.Next() {
		var c model.Citation
		if err := rows.Scan(&c.Claim, &c.DocumentID, &c.DocHash, &c.Score); err != nil {
			return nil, fmt.Errorf("storage: scan citation: %w", err)
		}
		citations = append(citations, c)
	}
	return citations, rows.Err()
}
