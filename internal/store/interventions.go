package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// RestartStage resumes a run whose current stage is awaiting_restart. In one
// transaction it inserts the next pending attempt row, records the
// intervention, flags the run as human-intervened and re-leases it.
func (s *Store) RestartStage(ctx context.Context, req RestartRequest) (*RestartResult, error) {
	var stageID, interventionID int64
	err := s.withTx(ctx, func(tx txn) error {
		lock := ""
		if s.dialect.rowLocks {
			lock = " FOR UPDATE"
		}
		run, err := scanRun(tx.queryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`+lock, req.RunID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %d: %w", req.RunID, ErrRunNotFound)
		}
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}
		if run.Status != RunRunning {
			return fmt.Errorf("run %d is %s, not running: %w", run.ID, run.Status, ErrInvalidTransition)
		}

		latest, err := scanStage(tx.queryRow(
			ctx,
			`SELECT `+stageColumns+` FROM workflow_stages
             WHERE run_id = ? AND stage_name = ?
             ORDER BY attempt_number DESC LIMIT 1`,
			run.ID,
			run.CurrentStage,
		))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %d has no %s stage: %w", run.ID, run.CurrentStage, ErrInvalidTransition)
		}
		if err != nil {
			return fmt.Errorf("load latest stage: %w", err)
		}
		if latest.Status != StageAwaitingRestart {
			return fmt.Errorf("stage %s of run %d is %s, not awaiting_restart: %w", latest.Name, run.ID, latest.Status, ErrInvalidTransition)
		}

		current := s.now()
		now := s.ts(current)
		id, err := insertPendingStage(ctx, tx, now, run.ID, latest.Name, latest.AttemptNumber+1)
		if err != nil {
			return err
		}
		stageID = id

		if err := tx.queryRow(
			ctx,
			`INSERT INTO interventions (run_id, stage_name, action, operator, note, attempt_offset, created_at)
             VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
			run.ID,
			latest.Name,
			ActionRestart,
			nullableString(strings.TrimSpace(req.Operator)),
			nullableString(strings.TrimSpace(req.Note)),
			latest.AttemptNumber,
			now,
		).Scan(&interventionID); err != nil {
			return fmt.Errorf("insert intervention: %w", err)
		}

		if _, err := tx.exec(
			ctx,
			`UPDATE workflow_runs SET human_intervened = ?, lock_expires_at = ?, updated_at = ? WHERE id = ?`,
			true,
			s.ts(current.Add(req.Lease)),
			now,
			run.ID,
		); err != nil {
			return fmt.Errorf("lease restarted run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	stage, err := s.GetStage(ctx, stageID)
	if err != nil {
		return nil, err
	}
	intervention, err := scanIntervention(s.queryRow(ctx, `SELECT `+interventionColumns+` FROM interventions WHERE id = ?`, interventionID))
	if err != nil {
		return nil, fmt.Errorf("get intervention: %w", err)
	}
	return &RestartResult{Stage: stage, Intervention: intervention}, nil
}

// ListInterventions returns the interventions recorded against a run, oldest first.
func (s *Store) ListInterventions(ctx context.Context, runID int64) ([]*Intervention, error) {
	rows, err := s.query(ctx, `SELECT `+interventionColumns+` FROM interventions WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	defer rows.Close()

	var out []*Intervention
	for rows.Next() {
		intervention, err := scanIntervention(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		out = append(out, intervention)
	}
	return out, rows.Err()
}
