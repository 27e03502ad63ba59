package workflow

import (
	"context"

	"pmwflow/internal/logging"
	"pmwflow/internal/stage"
	"pmwflow/internal/store"
)

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running     bool                    `json:"running"`
	Mode        string                  `json:"mode"`
	Workers     int                     `json:"workers"`
	InFlight    int64                   `json:"in_flight"`
	Processed   uint64                  `json:"processed"`
	QueueDepth  int64                   `json:"queue_depth"`
	LastError   string                  `json:"last_error,omitempty"`
	LastStage   *store.Stage            `json:"last_stage,omitempty"`
	Runs        store.HealthSummary     `json:"runs"`
	StageHealth map[string]stage.Health `json:"stage_health"`
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	running := m.running
	lastErr := m.lastErr
	lastStage := m.lastStage
	m.mu.RUnlock()

	summary := StatusSummary{
		Running:   running,
		Mode:      m.cfg.Workflow.Mode,
		Workers:   m.cfg.Workflow.Workers,
		InFlight:  m.inflight.Load(),
		Processed: m.processed.Load(),
	}

	runs, err := m.store.Health(ctx)
	if err != nil {
		m.logger.Warn("failed to read run stats", logging.Error(err))
	}
	summary.Runs = runs

	if m.queue != nil {
		depth, err := m.queue.Len(ctx)
		if err != nil {
			m.logger.Warn("failed to read queue depth", logging.Error(err))
		}
		summary.QueueDepth = depth
	}

	summary.StageHealth = make(map[string]stage.Health, len(m.executors))
	for name, exec := range m.executors {
		summary.StageHealth[name] = stage.Check(ctx, name, exec)
	}
	if lastErr != nil {
		summary.LastError = lastErr.Error()
	}
	if lastStage != nil {
		copy := *lastStage
		summary.LastStage = &copy
	}
	return summary
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) setLastStage(st *store.Stage) {
	m.mu.Lock()
	if st != nil {
		copy := *st
		m.lastStage = &copy
	} else {
		m.lastStage = nil
	}
	m.mu.Unlock()
}
