package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pmwflow/internal/events"
	"pmwflow/internal/logging"
	"pmwflow/internal/retry"
	"pmwflow/internal/services"
	"pmwflow/internal/stage"
	"pmwflow/internal/store"
)

// Store is the persistence surface the runner needs.
type Store interface {
	retry.Store
	GetRun(ctx context.Context, id int64) (*store.Run, error)
	ListStages(ctx context.Context, runID int64) ([]*store.Stage, error)
	LatestStage(ctx context.Context, runID int64, name string) (*store.Stage, error)
	ClaimStage(ctx context.Context, stageID int64, lease time.Duration) (*store.Stage, error)
	CreateStage(ctx context.Context, runID int64, name string, attempt int) (*store.Stage, error)
	CompleteRun(ctx context.Context, runID int64, finalScore *float64) error
	LatestScore(ctx context.Context, runID int64) (*float64, error)
}

// Options configures a Runner.
type Options struct {
	Store     Store
	Engine    *retry.Engine
	Emitter   retry.Emitter
	Executors stage.Set
	Policies  map[string]stage.Policy
	Order     Order
	Lease     time.Duration
	Logger    *slog.Logger
}

// Runner executes claimed stages and advances their runs.
type Runner struct {
	store     Store
	engine    *retry.Engine
	emitter   retry.Emitter
	executors stage.Set
	policies  map[string]stage.Policy
	order     Order
	lease     time.Duration
	logger    *slog.Logger
}

// StepResult describes one executed stage.
type StepResult struct {
	Outcome retry.Outcome
	Phase   PhaseResult
	State   *PipelineState
	// Next is the pending row created for the following stage, nil when the
	// run did not advance or has finished.
	Next *store.Stage
}

// NewRunner validates opts and builds a Runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Store == nil || opts.Engine == nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "build runner", "store and engine are required", nil)
	}
	if len(opts.Order) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, "", "build runner", "stage order is empty", nil)
	}
	for _, name := range opts.Order {
		if _, ok := opts.Executors.Lookup(name); !ok {
			return nil, services.Wrap(services.ErrConfiguration, name, "build runner", "no executor registered", nil)
		}
		if _, ok := opts.Policies[name]; !ok {
			return nil, services.Wrap(services.ErrConfiguration, name, "build runner", "no policy configured", nil)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.NewEmitter(nil, logger)
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	return &Runner{
		store:     opts.Store,
		engine:    opts.Engine,
		emitter:   emitter,
		executors: opts.Executors,
		policies:  opts.Policies,
		order:     opts.Order,
		lease:     lease,
		logger:    logging.NewComponentLogger(logger, "pipeline"),
	}, nil
}

// Order returns the stage order the runner advances through.
func (r *Runner) Order() Order { return r.order }

// Step executes a stage row that the caller has already claimed and applies
// the outcome to the run. The offset of the engine is the number of attempts
// persisted before this row.
func (r *Runner) Step(ctx context.Context, claimed *store.Stage) (StepResult, error) {
	if claimed == nil {
		return StepResult{}, errors.New("step: nil stage")
	}
	run, err := r.store.GetRun(ctx, claimed.RunID)
	if err != nil {
		return StepResult{}, err
	}
	if run == nil {
		return StepResult{}, fmt.Errorf("step stage %d: %w", claimed.ID, store.ErrRunNotFound)
	}
	rows, err := r.store.ListStages(ctx, run.ID)
	if err != nil {
		return StepResult{}, err
	}
	exec, ok := r.executors.Lookup(claimed.Name)
	if !ok {
		return StepResult{}, services.Wrap(services.ErrConfiguration, claimed.Name, "step", "no executor registered", nil)
	}
	policy := r.policies[claimed.Name]

	state := Rebuild(r.order, run, rows)
	phase := NewPhase(claimed.Name, run.ID)
	task := retry.Task{
		RunID:   run.ID,
		StageID: claimed.ID,
		Stage:   claimed.Name,
		Offset:  max(claimed.AttemptNumber-1, 0),
		Input:   phase.Input(state),
		Agent:   claimed.Name + "_agent",
	}

	outcome, err := r.engine.ExecuteWithRetries(ctx, task, exec, policy)
	if err != nil {
		return StepResult{}, err
	}
	phase.Absorb(outcome)
	result := phase.Result()
	state.Fold(claimed.Name, result)

	step := StepResult{Outcome: outcome, Phase: result, State: state}
	if !outcome.Advances() {
		return step, nil
	}
	next, err := r.advance(ctx, task, outcome)
	if err != nil {
		return step, err
	}
	step.Next = next
	if next == nil {
		state.Status = RunStatusComplete
	}
	return step, nil
}

// advance creates the next stage row or completes the run.
func (r *Runner) advance(ctx context.Context, task retry.Task, outcome retry.Outcome) (*store.Stage, error) {
	logger := logging.WithContext(services.WithStage(services.WithRunID(ctx, task.RunID), task.Stage), r.logger)
	payload := map[string]any{
		"attempt": outcome.Attempt,
		"status":  string(outcome.Status),
		"cost":    outcome.Usage.Cost,
	}
	if outcome.Response.Score != nil {
		payload["score"] = *outcome.Response.Score
	}

	if nextName, ok := r.order.Next(task.Stage); ok {
		next, err := r.store.CreateStage(ctx, task.RunID, nextName, 1)
		if err != nil {
			return nil, fmt.Errorf("create stage %s: %w", nextName, err)
		}
		payload["next_stage"] = nextName
		payload["next_stage_id"] = next.ID
		r.emit(ctx, task, events.StageComplete, payload)
		logger.Info("stage advanced",
			logging.EventType("stage_advanced"),
			logging.String("next_stage", nextName),
			logging.Int64("next_stage_id", next.ID),
		)
		return next, nil
	}

	finalScore, err := r.store.LatestScore(ctx, task.RunID)
	if err != nil {
		return nil, err
	}
	if err := r.store.CompleteRun(ctx, task.RunID, finalScore); err != nil {
		return nil, fmt.Errorf("complete run: %w", err)
	}
	r.emit(ctx, task, events.StageComplete, payload)
	complete := map[string]any{"stage_count": len(r.order)}
	if finalScore != nil {
		complete["final_score"] = *finalScore
	}
	r.emit(ctx, task, events.RunComplete, complete)
	logger.Info("run completed",
		logging.EventType("run_complete"),
		logging.Any("final_score", finalScore),
	)
	return nil, nil
}

// RunAll drives runID to completion, a pause or a failure in this goroutine.
// Each stage is claimed before it runs, so a queue worker never executes the
// same row.
func (r *Runner) RunAll(ctx context.Context, runID int64) (*PipelineState, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run %d: %w", runID, store.ErrRunNotFound)
	}
	current := run.CurrentStage
	if current == "" {
		current = r.order.First()
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := r.store.LatestStage(ctx, runID, current)
		if err != nil {
			return nil, err
		}
		if row == nil || row.Status != store.StagePending {
			return nil, services.Wrap(services.ErrInvalidState, current, "run pipeline", "stage has no pending attempt", nil)
		}
		claimed, err := r.store.ClaimStage(ctx, row.ID, r.lease)
		if err != nil {
			return nil, err
		}
		step, err := r.Step(ctx, claimed)
		if err != nil {
			return nil, err
		}
		if step.Next == nil {
			return step.State, nil
		}
		current = step.Next.Name
	}
}

func (r *Runner) emit(ctx context.Context, task retry.Task, eventType string, payload map[string]any) {
	r.emitter.Emit(ctx, events.Envelope{
		Type:    eventType,
		RunID:   task.RunID,
		Agent:   task.Agent,
		Stage:   task.Stage,
		Payload: payload,
	})
}
