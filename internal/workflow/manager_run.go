package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"pmwflow/internal/config"
	"pmwflow/internal/dispatch"
	"pmwflow/internal/logging"
	"pmwflow/internal/services"
)

// Start launches the worker and background loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if m.runner == nil {
		m.mu.Unlock()
		return errors.New("workflow runner not configured")
	}
	if m.cfg.Workflow.Mode == config.ModeQueue && m.queue == nil {
		m.mu.Unlock()
		return errors.New("queue mode requires a dispatch queue")
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	m.cancel = cancel
	m.group = group
	m.running = true
	m.mu.Unlock()

	switch m.cfg.Workflow.Mode {
	case config.ModeTick:
		group.Go(func() error {
			m.runTickLoop(groupCtx)
			return nil
		})
	default:
		for i := 1; i <= max(m.cfg.Workflow.Workers, 1); i++ {
			name := fmt.Sprintf("worker-%d", i)
			group.Go(func() error {
				m.runWorker(groupCtx, name)
				return nil
			})
		}
	}
	group.Go(func() error {
		m.runReaperLoop(groupCtx)
		return nil
	})

	m.logger.Info("workflow started",
		logging.String("mode", m.cfg.Workflow.Mode),
		logging.Int("workers", m.cfg.Workflow.Workers),
		logging.EventType("workflow_started"),
	)
	return nil
}

// Stop cancels the loops and waits for in-flight stages to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	group := m.group
	m.running = false
	m.cancel = nil
	m.group = nil
	m.mu.Unlock()

	cancel()
	_ = group.Wait()
	m.logger.Info("workflow stopped",
		logging.Uint64("processed", m.processed.Load()),
		logging.EventType("workflow_stopped"),
	)
}

func (m *Manager) runWorker(ctx context.Context, name string) {
	logger := m.logger.With(logging.String(logging.FieldWorker, name))
	timeout := m.cfg.DequeueTimeout()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		token, ok, err := m.queue.Pop(ctx, timeout)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, dispatch.ErrQueueClosed):
				return
			case errors.Is(err, dispatch.ErrMalformedToken):
				logging.WarnWithContext(logger, "discarded malformed dispatch token", "dispatch_token_malformed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "only push {\"stage_id\",\"run_id\"} JSON to the queue key"),
				)
				continue
			default:
				m.handleDequeueError(ctx, logger, err)
				continue
			}
		}
		if !ok {
			continue
		}

		// The unit of work is detached from shutdown so a claimed stage always
		// reaches a recorded outcome.
		unitCtx := services.WithWorker(context.WithoutCancel(ctx), name)
		m.safeProcess(unitCtx, logger, func(ctx context.Context) error {
			return m.processToken(ctx, logger, token)
		})
	}
}

func (m *Manager) runTickLoop(ctx context.Context) {
	logger := m.logger.With(logging.String(logging.FieldWorker, "tick"))
	interval := seconds(m.cfg.Workflow.TickInterval)
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		unitCtx := services.WithWorker(context.WithoutCancel(ctx), "tick")
		m.safeProcess(unitCtx, logger, func(ctx context.Context) error {
			return m.tick(ctx, logger)
		})

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) runReaperLoop(ctx context.Context) {
	interval := seconds(m.cfg.Workflow.ReaperInterval)
	if interval <= 0 {
		return
	}
	logger := m.logger.With(logging.String("component", "workflow-reaper"))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := m.reaper.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.setLastError(err)
			logging.WarnWithContext(logger, "reaper sweep failed", "reaper_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check database access"),
				logging.String(logging.FieldImpact, "stages of crashed workers stay claimed until the next sweep"),
			)
		}
	}
}

// safeProcess runs one unit of work and keeps the loop alive on panics and errors.
func (m *Manager) safeProcess(ctx context.Context, logger *slog.Logger, fn func(context.Context) error) {
	m.inflight.Add(1)
	defer m.inflight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("unit of work panicked: %v", r)
			m.setLastError(err)
			logger.Error("unit of work panicked",
				logging.Any("panic", r),
				logging.EventType("worker_panic"),
				logging.String(logging.FieldErrorHint, "inspect the stack trace and the stage executor"),
			)
		}
	}()
	if err := fn(ctx); err != nil {
		m.setLastError(err)
		logger.Error("unit of work failed",
			logging.Error(err),
			logging.EventType("unit_failed"),
			logging.String(logging.FieldErrorHint, "check database and executor availability"),
		)
	}
}

func (m *Manager) handleDequeueError(ctx context.Context, logger *slog.Logger, err error) {
	m.setLastError(err)
	logger.Error("failed to dequeue dispatch token",
		logging.Error(err),
		logging.EventType("dispatch_pop_failed"),
		logging.String(logging.FieldErrorHint, "check redis connectivity"),
	)
	select {
	case <-ctx.Done():
	case <-time.After(seconds(m.cfg.Workflow.ErrorRetryInterval)):
	}
}
