package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pmwflow/internal/dispatch"
	"pmwflow/internal/events"
	"pmwflow/internal/logging"
	"pmwflow/internal/pipeline"
	"pmwflow/internal/retry"
	"pmwflow/internal/services"
	"pmwflow/internal/store"
)

// StatusQueued is reported once a stage token has been handed to the queue.
const StatusQueued = "queued"

// Service creates and resumes runs on behalf of the API, the CLI and the
// tick scheduler.
type Service struct {
	store   *store.Store
	queue   dispatch.Queue
	emitter retry.Emitter
	order   pipeline.Order
	lease   time.Duration
	logger  *slog.Logger
}

// TriggerRequest describes a new run.
type TriggerRequest struct {
	TopicID     *int64
	TriggeredBy string
}

// TriggerResult identifies the created run and its first stage.
type TriggerResult struct {
	RunID   int64  `json:"run_id"`
	StageID int64  `json:"stage_id"`
	Status  string `json:"status"`
}

// RestartRequest identifies a paused run and the operator resuming it.
type RestartRequest struct {
	RunID    int64
	Operator string
	Note     string
}

// RestartResult identifies the new attempt row created by a restart.
type RestartResult struct {
	RunID         int64  `json:"run_id"`
	StageID       int64  `json:"stage_id"`
	Stage         string `json:"stage"`
	Attempt       int    `json:"attempt"`
	AttemptOffset int    `json:"attempt_offset"`
	Status        string `json:"status"`
}

// NewService builds a Service. queue may be nil when nothing consumes tokens,
// as with the CLI operating against a tick-mode deployment.
func NewService(st *store.Store, queue dispatch.Queue, emitter retry.Emitter, order pipeline.Order, lease time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	if emitter == nil {
		emitter = events.NewEmitter(nil, logger)
	}
	return &Service{
		store:   st,
		queue:   queue,
		emitter: emitter,
		order:   order,
		lease:   lease,
		logger:  logging.NewComponentLogger(logger, "workflow-service"),
	}
}

func (m *Manager) service() *Service {
	return NewService(m.store, m.queue, m.emitter, m.runner.Order(), m.cfg.Lease(), m.logger)
}

// Service returns the trigger and restart surface bound to this manager's
// store, queue and emitter.
func (m *Manager) Service() *Service {
	return m.service()
}

// Trigger creates a run with its first stage pending and dispatches it.
func (s *Service) Trigger(ctx context.Context, req TriggerRequest) (TriggerResult, error) {
	first := s.order.First()
	if first == "" {
		return TriggerResult{}, services.Wrap(services.ErrConfiguration, "", "trigger", "stage order is empty", nil)
	}
	triggeredBy := strings.TrimSpace(req.TriggeredBy)
	if triggeredBy == "" {
		triggeredBy = store.TriggerAPI
	}
	run, stageRow, err := s.store.CreateRun(ctx, store.NewRun{
		TopicID:     req.TopicID,
		TriggeredBy: triggeredBy,
		FirstStage:  first,
	})
	if err != nil {
		return TriggerResult{}, fmt.Errorf("create run: %w", err)
	}
	ctx = services.WithRunID(ctx, run.ID)
	logger := logging.WithContext(ctx, s.logger)

	payload := map[string]any{
		"triggered_by": triggeredBy,
		"stage_id":     stageRow.ID,
		"first_stage":  first,
	}
	if req.TopicID != nil {
		payload["topic_id"] = *req.TopicID
	}
	s.emitter.Emit(ctx, events.Envelope{
		Type:    events.RunStarted,
		RunID:   run.ID,
		Agent:   "orchestrator",
		Stage:   first,
		Payload: payload,
	})
	s.push(ctx, logger, stageRow)

	logger.Info("run triggered",
		logging.EventType("run_triggered"),
		logging.String("triggered_by", triggeredBy),
		logging.StageID(stageRow.ID),
	)
	return TriggerResult{RunID: run.ID, StageID: stageRow.ID, Status: StatusQueued}, nil
}

// Restart resumes a run paused for operator review. The new attempt continues
// the attempt numbering of the paused stage.
func (s *Service) Restart(ctx context.Context, req RestartRequest) (RestartResult, error) {
	operator := strings.TrimSpace(req.Operator)
	if operator == "" {
		return RestartResult{}, services.Wrap(services.ErrValidation, "", "restart", "operator is required", nil)
	}
	result, err := s.store.RestartStage(ctx, store.RestartRequest{
		RunID:    req.RunID,
		Operator: operator,
		Note:     req.Note,
		Lease:    s.lease,
	})
	if err != nil {
		return RestartResult{}, err
	}
	ctx = services.WithStage(services.WithRunID(ctx, req.RunID), result.Stage.Name)
	logger := logging.WithContext(ctx, s.logger)

	s.push(ctx, logger, result.Stage)
	s.emitter.Emit(ctx, events.Envelope{
		Type:  events.InterventionApplied,
		RunID: req.RunID,
		Agent: "operator",
		Stage: result.Stage.Name,
		Payload: map[string]any{
			"action":         result.Intervention.Action,
			"operator":       operator,
			"note":           strings.TrimSpace(req.Note),
			"attempt_offset": result.Intervention.AttemptOffset,
			"stage_id":       result.Stage.ID,
		},
	})
	logger.Info("run restarted by operator",
		logging.EventType("run_restarted"),
		logging.String("operator", operator),
		logging.Int("attempt_offset", result.Intervention.AttemptOffset),
	)
	return RestartResult{
		RunID:         req.RunID,
		StageID:       result.Stage.ID,
		Stage:         result.Stage.Name,
		Attempt:       result.Stage.AttemptNumber,
		AttemptOffset: result.Intervention.AttemptOffset,
		Status:        StatusQueued,
	}, nil
}

func (s *Service) push(ctx context.Context, logger *slog.Logger, row *store.Stage) {
	if s.queue == nil {
		return
	}
	if err := s.queue.Push(ctx, dispatch.Token{StageID: row.ID, RunID: row.RunID}); err != nil {
		logging.WarnWithContext(logger, "dispatch push failed", "dispatch_push_failed",
			logging.StageID(row.ID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check redis connectivity; the sweeper re-dispatches pending stages"),
		)
	}
}
