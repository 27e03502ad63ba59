package workflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"pmwflow/internal/events"
	"pmwflow/internal/logging"
	"pmwflow/internal/services"
	"pmwflow/internal/store"
)

// handleStageException records an unexpected error from a claimed stage: the
// newest attempt row becomes failed with the error as feedback and the run
// fails.
func (m *Manager) handleStageException(ctx context.Context, logger *slog.Logger, claimed *store.Stage, stageErr error) {
	message := classifyStageFailure(claimed.Name, stageErr)
	details := services.Details(stageErr)
	attrs := []logging.Attr{
		logging.String("error_message", message),
		logging.Alert("stage_failure"),
		logging.String(logging.FieldErrorKind, string(details.Kind)),
		logging.String(logging.FieldErrorHint, details.Hint),
		logging.Error(stageErr),
		logging.EventType("stage_exception"),
	}
	logger.Error("stage raised an unexpected error", logging.Args(attrs...)...)

	row := claimed
	if latest, err := m.store.LatestStage(ctx, claimed.RunID, claimed.Name); err == nil && latest != nil && latest.AttemptNumber >= claimed.AttemptNumber {
		row = latest
	}
	attempt := max(row.AttemptNumber, 1)
	if _, err := m.store.UpsertStage(ctx, store.StageRecord{
		RunID:             claimed.RunID,
		Name:              claimed.Name,
		Attempt:           attempt,
		Status:            store.StageFailed,
		Score:             row.Score,
		JudgeFeedback:     message,
		PromptFingerprint: row.PromptFingerprint,
		ModelUsed:         row.ModelUsed,
		InputTokens:       row.InputTokens,
		OutputTokens:      row.OutputTokens,
		Cost:              row.Cost,
	}); err != nil {
		logger.Error("failed to persist stage failure", logging.Error(err))
	}
	if err := m.store.FailRun(ctx, claimed.RunID, message); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			logger.Debug("run already finished; failure not recorded", logging.Error(err))
		} else {
			logger.Error("failed to persist run failure", logging.Error(err))
		}
		return
	}
	m.emitter.Emit(ctx, events.Envelope{
		Type:  events.RunFailed,
		RunID: claimed.RunID,
		Agent: claimed.Name + "_agent",
		Stage: claimed.Name,
		Payload: map[string]any{
			"final_error": message,
			"attempts":    attempt,
		},
	})
}

// failRunningStage applies the exception path in tick mode, where the failing
// row is the run's current stage.
func (m *Manager) failRunningStage(ctx context.Context, logger *slog.Logger, runID int64, stageErr error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil || run == nil {
		logger.Error("run failed and could not be reloaded", logging.Error(stageErr))
		return
	}
	latest, err := m.store.LatestStage(ctx, runID, run.CurrentStage)
	if err != nil || latest == nil {
		latest = &store.Stage{RunID: runID, Name: run.CurrentStage, AttemptNumber: 1}
	}
	m.handleStageException(ctx, logger, latest, stageErr)
}

func classifyStageFailure(stageName string, stageErr error) string {
	if stageErr == nil {
		return stageName + " failed without error detail"
	}
	message := strings.TrimSpace(stageErr.Error())
	if message == "" {
		message = stageName + " failed"
	}
	return message
}
