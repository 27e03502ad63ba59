package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func insertPendingStage(ctx context.Context, tx txn, now any, runID int64, name string, attempt int) (int64, error) {
	var id int64
	if err := tx.queryRow(
		ctx,
		`INSERT INTO workflow_stages (
            run_id, stage_name, status, attempt_number, input_tokens, output_tokens, cost, created_at, updated_at
        ) VALUES (?, ?, ?, ?, 0, 0, 0, ?, ?) RETURNING id`,
		runID,
		name,
		StagePending,
		attempt,
		now,
		now,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert stage: %w", err)
	}
	return id, nil
}

// CreateStage inserts a pending attempt row for name and points the run's
// current_stage at it.
func (s *Store) CreateStage(ctx context.Context, runID int64, name string, attempt int) (*Stage, error) {
	if attempt < 1 {
		attempt = 1
	}
	var stageID int64
	err := s.withTx(ctx, func(tx txn) error {
		now := s.ts(s.now())
		id, err := insertPendingStage(ctx, tx, now, runID, name, attempt)
		if err != nil {
			return err
		}
		res, err := tx.exec(
			ctx,
			`UPDATE workflow_runs SET current_stage = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
			name,
			now,
			runID,
			RunPending,
			RunRunning,
		)
		if err != nil {
			return fmt.Errorf("set current stage: %w", err)
		}
		if err := expectOneRow(res, "set current stage"); err != nil {
			return err
		}
		stageID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetStage(ctx, stageID)
}

// GetStage fetches a stage row by identifier. A missing row returns nil without error.
func (s *Store) GetStage(ctx context.Context, id int64) (*Stage, error) {
	stage, err := scanStage(s.queryRow(ctx, `SELECT `+stageColumns+` FROM workflow_stages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stage: %w", err)
	}
	return stage, nil
}

// LatestStage returns the highest attempt row of name within a run.
func (s *Store) LatestStage(ctx context.Context, runID int64, name string) (*Stage, error) {
	stage, err := scanStage(s.queryRow(
		ctx,
		`SELECT `+stageColumns+` FROM workflow_stages
         WHERE run_id = ? AND stage_name = ?
         ORDER BY attempt_number DESC LIMIT 1`,
		runID,
		name,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest stage: %w", err)
	}
	return stage, nil
}

// ListStages returns every attempt row of a run in creation order.
func (s *Store) ListStages(ctx context.Context, runID int64) ([]*Stage, error) {
	rows, err := s.query(ctx, `SELECT `+stageColumns+` FROM workflow_stages WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()

	var stages []*Stage
	for rows.Next() {
		stage, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		stages = append(stages, stage)
	}
	return stages, rows.Err()
}

// ClaimStage moves a pending stage row to running and leases its run for
// lease. It returns ErrNotClaimed when the row is no longer pending, is locked
// by another claimer, or belongs to a finished run.
func (s *Store) ClaimStage(ctx context.Context, stageID int64, lease time.Duration) (*Stage, error) {
	err := s.withTx(ctx, func(tx txn) error {
		now := s.now()
		var (
			runID int64
			name  string
		)
		if s.dialect.rowLocks {
			err := tx.queryRow(
				ctx,
				`SELECT run_id, stage_name FROM workflow_stages
                 WHERE id = ? AND status = ?
                 FOR UPDATE SKIP LOCKED`,
				stageID,
				StagePending,
			).Scan(&runID, &name)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotClaimed
			}
			if err != nil {
				return fmt.Errorf("lock stage: %w", err)
			}
			if _, err := tx.exec(
				ctx,
				`UPDATE workflow_stages SET status = ?, started_at = ?, updated_at = ? WHERE id = ?`,
				StageRunning,
				s.ts(now),
				s.ts(now),
				stageID,
			); err != nil {
				return fmt.Errorf("claim stage: %w", err)
			}
		} else {
			res, err := tx.exec(
				ctx,
				`UPDATE workflow_stages SET status = ?, started_at = ?, updated_at = ?
                 WHERE id = ? AND status = ?`,
				StageRunning,
				s.ts(now),
				s.ts(now),
				stageID,
				StagePending,
			)
			if err != nil {
				return fmt.Errorf("claim stage: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("claim stage rows: %w", err)
			}
			if affected != 1 {
				return ErrNotClaimed
			}
			if err := tx.queryRow(ctx, `SELECT run_id, stage_name FROM workflow_stages WHERE id = ?`, stageID).Scan(&runID, &name); err != nil {
				return fmt.Errorf("read claimed stage: %w", err)
			}
		}

		res, err := tx.exec(
			ctx,
			`UPDATE workflow_runs
             SET status = ?, current_stage = ?, lock_expires_at = ?, updated_at = ?
             WHERE id = ? AND status IN (?, ?)`,
			RunRunning,
			name,
			s.ts(now.Add(lease)),
			s.ts(now),
			runID,
			RunPending,
			RunRunning,
		)
		if err != nil {
			return fmt.Errorf("lease run: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("lease run rows: %w", err)
		}
		if affected != 1 {
			return ErrNotClaimed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetStage(ctx, stageID)
}

// UpsertStage writes the record for one attempt. started_at keeps its first
// value and completed_at is stamped for finishing statuses.
func (s *Store) UpsertStage(ctx context.Context, rec StageRecord) (*Stage, error) {
	if rec.Attempt < 1 {
		return nil, fmt.Errorf("upsert stage: attempt must be positive, got %d", rec.Attempt)
	}
	now := s.now()
	var completedAt any
	if rec.Status.finishesStage() {
		completedAt = s.ts(now)
	}
	var id int64
	err := s.retryOnBusy(ensureContext(ctx), func() error {
		return s.queryRow(
			ctx,
			`INSERT INTO workflow_stages (
                run_id, stage_name, status, attempt_number, score, passed_threshold, output,
                judge_feedback, prompt_fingerprint, model_used, input_tokens, output_tokens, cost,
                started_at, completed_at, created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT (run_id, stage_name, attempt_number) DO UPDATE SET
                status = excluded.status,
                score = excluded.score,
                passed_threshold = excluded.passed_threshold,
                output = excluded.output,
                judge_feedback = excluded.judge_feedback,
                prompt_fingerprint = COALESCE(excluded.prompt_fingerprint, workflow_stages.prompt_fingerprint),
                model_used = COALESCE(excluded.model_used, workflow_stages.model_used),
                input_tokens = excluded.input_tokens,
                output_tokens = excluded.output_tokens,
                cost = excluded.cost,
                started_at = COALESCE(workflow_stages.started_at, excluded.started_at),
                completed_at = excluded.completed_at,
                updated_at = excluded.updated_at
            RETURNING id`,
			rec.RunID,
			rec.Name,
			rec.Status,
			rec.Attempt,
			nullableFloat(rec.Score),
			nullableBool(rec.PassedThreshold),
			nullableString(rec.Output),
			nullableString(rec.JudgeFeedback),
			nullableString(rec.PromptFingerprint),
			nullableString(rec.ModelUsed),
			rec.InputTokens,
			rec.OutputTokens,
			rec.Cost,
			s.ts(now),
			completedAt,
			s.ts(now),
			s.ts(now),
		).Scan(&id)
	})
	if err != nil {
		return nil, fmt.Errorf("upsert stage: %w", err)
	}
	return s.GetStage(ctx, id)
}

// ReclaimExpired returns the newest running or retrying attempt of every run
// whose lease ended before now to pending, and returns the rows to re-dispatch.
func (s *Store) ReclaimExpired(ctx context.Context, now time.Time) ([]StageRef, error) {
	var refs []StageRef
	err := s.withTx(ctx, func(tx txn) error {
		refs = refs[:0]
		rows, err := tx.query(
			ctx,
			`UPDATE workflow_stages SET status = ?, updated_at = ?
             WHERE status IN (?, ?)
               AND run_id IN (
                   SELECT id FROM workflow_runs
                   WHERE status = ? AND lock_expires_at IS NOT NULL AND lock_expires_at < ?
               )
               AND attempt_number = (
                   SELECT MAX(latest.attempt_number) FROM workflow_stages latest
                   WHERE latest.run_id = workflow_stages.run_id
                     AND latest.stage_name = workflow_stages.stage_name
               )
             RETURNING id, run_id, stage_name, attempt_number`,
			StagePending,
			s.ts(s.now()),
			StageRunning,
			StageRetrying,
			RunRunning,
			s.ts(now),
		)
		if err != nil {
			return fmt.Errorf("reclaim expired: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var ref StageRef
			if err := rows.Scan(&ref.StageID, &ref.RunID, &ref.Stage, &ref.Attempt); err != nil {
				return fmt.Errorf("scan reclaimed stage: %w", err)
			}
			refs = append(refs, ref)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// StalePending returns pending stage rows of live runs not touched since cutoff.
func (s *Store) StalePending(ctx context.Context, cutoff time.Time) ([]StageRef, error) {
	rows, err := s.query(
		ctx,
		`SELECT s.id, s.run_id, s.stage_name, s.attempt_number FROM workflow_stages s
         JOIN workflow_runs r ON r.id = s.run_id
         WHERE s.status = ? AND s.updated_at < ? AND r.status IN (?, ?)
         ORDER BY s.id`,
		StagePending,
		s.ts(cutoff),
		RunPending,
		RunRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("stale pending: %w", err)
	}
	defer rows.Close()

	var refs []StageRef
	for rows.Next() {
		var ref StageRef
		if err := rows.Scan(&ref.StageID, &ref.RunID, &ref.Stage, &ref.Attempt); err != nil {
			return nil, fmt.Errorf("scan stale stage: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// TouchStages refreshes updated_at on pending rows so the sweeper waits a full
// interval before re-dispatching them again.
func (s *Store) TouchStages(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, s.ts(s.now()), StagePending)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE workflow_stages SET updated_at = ? WHERE status = ? AND id IN (`+makePlaceholders(len(ids))+`)`,
		args...,
	); err != nil {
		return fmt.Errorf("touch stages: %w", err)
	}
	return nil
}
