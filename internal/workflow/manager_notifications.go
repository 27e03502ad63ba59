package workflow

import (
	"context"
	"errors"

	"pmwflow/internal/logging"
	"pmwflow/internal/notifications"
)

func (m *Manager) onRunCompleted(ctx context.Context, runID int64) {
	if m.notifier == nil {
		return
	}
	logger := logging.WithContext(ctx, m.logger)
	payload := notifications.Payload{"runID": runID}
	if run, err := m.store.GetRun(ctx, runID); err == nil && run != nil {
		payload["cost"] = run.TotalCost
		if run.FinalScore != nil {
			payload["finalScore"] = *run.FinalScore
		}
	}
	if err := m.notifier.Publish(ctx, notifications.EventRunCompleted, payload); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("daemon shutting down, could not send completion notification")
		} else {
			logger.Debug("run completion notification failed", logging.Error(err))
		}
	}
}
