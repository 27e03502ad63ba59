package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateRun inserts a pending run together with the pending first attempt of
// its first stage.
func (s *Store) CreateRun(ctx context.Context, input NewRun) (*Run, *Stage, error) {
	firstStage := strings.TrimSpace(input.FirstStage)
	if firstStage == "" {
		return nil, nil, errors.New("first stage is required")
	}
	var runID, stageID int64
	err := s.withTx(ctx, func(tx txn) error {
		now := s.ts(s.now())
		if err := tx.queryRow(
			ctx,
			`INSERT INTO workflow_runs (
                topic_id, status, current_stage, total_cost, human_intervened,
                triggered_by, started_at, created_at, updated_at
            ) VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?) RETURNING id`,
			input.TopicID,
			RunPending,
			firstStage,
			false,
			nullableString(input.TriggeredBy),
			now,
			now,
			now,
		).Scan(&runID); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		id, err := insertPendingStage(ctx, tx, s.ts(s.now()), runID, firstStage, 1)
		if err != nil {
			return err
		}
		stageID = id
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	stage, err := s.GetStage(ctx, stageID)
	if err != nil {
		return nil, nil, err
	}
	return run, stage, nil
}

// GetRun fetches a run by identifier. A missing run returns nil without error.
func (s *Store) GetRun(ctx context.Context, id int64) (*Run, error) {
	run, err := scanRun(s.queryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs`
	args := make([]any, 0, len(filter.Statuses)+1)
	if len(filter.Statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(filter.Statuses)) + `)`
		for _, status := range filter.Statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// OldestPendingRun returns the earliest pending run, or nil when none exist.
func (s *Store) OldestPendingRun(ctx context.Context) (*Run, error) {
	run, err := scanRun(s.queryRow(
		ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE status = ? ORDER BY id LIMIT 1`,
		RunPending,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oldest pending run: %w", err)
	}
	return run, nil
}

// ExtendLease pushes lock_expires_at forward for a leased running run. It
// reports false when the run is no longer leased, which happens after a pause
// or a terminal transition.
func (s *Store) ExtendLease(ctx context.Context, runID int64, lease time.Duration) (bool, error) {
	now := s.now()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE workflow_runs SET lock_expires_at = ?, updated_at = ?
         WHERE id = ? AND status = ? AND lock_expires_at IS NOT NULL`,
		s.ts(now.Add(lease)),
		s.ts(now),
		runID,
		RunRunning,
	)
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend lease rows: %w", err)
	}
	return affected == 1, nil
}

// ClearLease removes the run lease so the reaper ignores the run.
func (s *Store) ClearLease(ctx context.Context, runID int64) error {
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE workflow_runs SET lock_expires_at = NULL, updated_at = ? WHERE id = ?`,
		s.ts(s.now()),
		runID,
	); err != nil {
		return fmt.Errorf("clear lease: %w", err)
	}
	return nil
}

// CompleteRun marks a running run completed. current_stage is left at the last
// stage that ran.
func (s *Store) CompleteRun(ctx context.Context, runID int64, finalScore *float64) error {
	now := s.ts(s.now())
	res, err := s.execWithRetry(
		ctx,
		`UPDATE workflow_runs
         SET status = ?, final_score = ?, completed_at = ?, lock_expires_at = NULL, updated_at = ?
         WHERE id = ? AND status = ?`,
		RunCompleted,
		nullableFloat(finalScore),
		now,
		now,
		runID,
		RunRunning,
	)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return expectOneRow(res, "complete run")
}

// FailRun marks a non-terminal run failed with message.
func (s *Store) FailRun(ctx context.Context, runID int64, message string) error {
	now := s.ts(s.now())
	res, err := s.execWithRetry(
		ctx,
		`UPDATE workflow_runs
         SET status = ?, error_message = ?, failed_at = ?, lock_expires_at = NULL, updated_at = ?
         WHERE id = ? AND status IN (?, ?)`,
		RunFailed,
		nullableString(message),
		now,
		now,
		runID,
		RunPending,
		RunRunning,
	)
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	return expectOneRow(res, "fail run")
}

// AddRunCost adds delta to the run's accumulated cost.
func (s *Store) AddRunCost(ctx context.Context, runID int64, delta float64) error {
	if delta == 0 {
		return nil
	}
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE workflow_runs SET total_cost = total_cost + ?, updated_at = ? WHERE id = ?`,
		delta,
		s.ts(s.now()),
		runID,
	); err != nil {
		return fmt.Errorf("add run cost: %w", err)
	}
	return nil
}

// LatestScore returns the score of the most recently completed scored stage.
func (s *Store) LatestScore(ctx context.Context, runID int64) (*float64, error) {
	var score sql.NullFloat64
	err := s.queryRow(
		ctx,
		`SELECT score FROM workflow_stages
         WHERE run_id = ? AND status = ? AND score IS NOT NULL
         ORDER BY id DESC LIMIT 1`,
		runID,
		StageCompleted,
	).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest score: %w", err)
	}
	if !score.Valid {
		return nil, nil
	}
	v := score.Float64
	return &v, nil
}

func expectOneRow(res sql.Result, operation string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", operation, err)
	}
	if affected != 1 {
		return fmt.Errorf("%s: %w", operation, ErrInvalidTransition)
	}
	return nil
}
