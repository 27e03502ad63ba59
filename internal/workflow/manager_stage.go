package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pmwflow/internal/dispatch"
	"pmwflow/internal/logging"
	"pmwflow/internal/pipeline"
	"pmwflow/internal/services"
	"pmwflow/internal/store"
)

// processToken claims the stage named by token and executes it. A token for a
// row that is no longer pending is a dispatch race and is dropped.
func (m *Manager) processToken(ctx context.Context, logger *slog.Logger, token dispatch.Token) error {
	ctx = services.WithRequestID(services.WithRunID(ctx, token.RunID), uuid.NewString())
	ctx = services.WithStageID(ctx, token.StageID)

	claimed, err := m.store.ClaimStage(ctx, token.StageID, m.cfg.Lease())
	if errors.Is(err, store.ErrNotClaimed) {
		logging.WithContext(ctx, logger).Debug("stage already claimed or finished; token dropped",
			logging.EventType("dispatch_token_dropped"),
		)
		return nil
	}
	if err != nil {
		return err
	}
	if claimed.RunID != token.RunID {
		logging.WithContext(ctx, logger).Debug("token run does not match stage row",
			logging.Int64("token_run_id", token.RunID),
			logging.Int64("stage_run_id", claimed.RunID),
		)
	}
	return m.executeClaimed(ctx, logger, claimed)
}

// executeClaimed runs a claimed stage under the lease heartbeat and pushes the
// next stage's token when the run advances.
func (m *Manager) executeClaimed(ctx context.Context, logger *slog.Logger, claimed *store.Stage) error {
	ctx = services.WithStage(services.WithRunID(ctx, claimed.RunID), claimed.Name)
	ctx = services.WithStageID(ctx, claimed.ID)
	stageLogger := logging.WithContext(ctx, logger)
	started := time.Now()

	var step pipeline.StepResult
	err := m.heartbeat.Guard(ctx, claimed.RunID, func() (stepErr error) {
		defer func() {
			if r := recover(); r != nil {
				stepErr = fmt.Errorf("stage %s panicked: %v", claimed.Name, r)
			}
		}()
		step, stepErr = m.runner.Step(ctx, claimed)
		return stepErr
	})
	m.setLastStage(claimed)
	m.processed.Add(1)
	if err != nil {
		m.handleStageException(ctx, stageLogger, claimed, err)
		return nil
	}

	stageLogger.Info("stage processed",
		logging.EventType("stage_processed"),
		logging.String("outcome", string(step.Outcome.Status)),
		logging.Attempt(step.Outcome.Attempt),
		logging.Duration("stage_duration", time.Since(started)),
	)

	if step.Next != nil {
		m.pushToken(ctx, stageLogger, step.Next)
		return nil
	}
	if step.Outcome.Advances() {
		m.onRunCompleted(ctx, claimed.RunID)
	}
	return nil
}

func (m *Manager) pushToken(ctx context.Context, logger *slog.Logger, next *store.Stage) {
	if m.queue == nil {
		return
	}
	if err := m.queue.Push(ctx, dispatch.Token{StageID: next.ID, RunID: next.RunID}); err != nil {
		logging.WarnWithContext(logger, "dispatch push failed", "dispatch_push_failed",
			logging.Int64("next_stage_id", next.ID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check redis connectivity; the sweeper re-dispatches the stage"),
		)
	}
}

// tick drives one run to completion or pause. Tokens queued by a trigger,
// restart or the reaper take precedence over the oldest pending run.
func (m *Manager) tick(ctx context.Context, logger *slog.Logger) error {
	runID, err := m.nextTickRun(ctx, logger)
	if err != nil || runID == 0 {
		return err
	}
	ctx = services.WithRequestID(services.WithRunID(ctx, runID), uuid.NewString())
	tickLogger := logging.WithContext(ctx, logger)

	var state *pipeline.PipelineState
	err = m.heartbeat.Guard(ctx, runID, func() error {
		var runErr error
		state, runErr = m.runner.RunAll(ctx, runID)
		return runErr
	})
	m.processed.Add(1)
	switch {
	case errors.Is(err, store.ErrNotClaimed), errors.Is(err, services.ErrInvalidState):
		tickLogger.Debug("run not runnable this tick", logging.Error(err))
		return nil
	case err != nil:
		m.failRunningStage(ctx, tickLogger, runID, err)
		return nil
	}
	tickLogger.Info("tick finished",
		logging.EventType("tick_finished"),
		logging.String("run_status", state.Status),
		logging.Float64("total_cost", state.TotalCost),
	)
	if state.Status == pipeline.RunStatusComplete {
		m.onRunCompleted(ctx, runID)
	}
	return nil
}

func (m *Manager) nextTickRun(ctx context.Context, logger *slog.Logger) (int64, error) {
	if m.queue != nil {
		token, ok, err := m.queue.Pop(ctx, 10*time.Millisecond)
		switch {
		case errors.Is(err, dispatch.ErrMalformedToken):
			logger.Warn("discarded malformed dispatch token",
				logging.Error(err),
				logging.EventType("dispatch_token_malformed"),
				logging.String(logging.FieldErrorHint, "only push {\"stage_id\",\"run_id\"} JSON to the queue key"),
			)
		case err != nil && !errors.Is(err, dispatch.ErrQueueClosed):
			return 0, err
		case ok:
			return token.RunID, nil
		}
	}

	run, err := m.store.OldestPendingRun(ctx)
	if err != nil {
		return 0, err
	}
	if run != nil {
		return run.ID, nil
	}
	if !m.cfg.Workflow.ScheduleRuns {
		return 0, nil
	}
	result, err := m.service().Trigger(ctx, TriggerRequest{TriggeredBy: store.TriggerScheduler})
	if err != nil {
		return 0, err
	}
	return result.RunID, nil
}
