package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pmwflow/internal/events"
	"pmwflow/internal/logging"
	"pmwflow/internal/services"
	"pmwflow/internal/stage"
	"pmwflow/internal/store"
)

// Engine executes stages with retries and records every attempt.
type Engine struct {
	store   Store
	emitter Emitter
	alert   AlertFunc
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option customizes an Engine.
type Option func(*Engine)

// WithAlert sets the exhaustion callback.
func WithAlert(fn AlertFunc) Option {
	return func(e *Engine) { e.alert = fn }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logging.NewComponentLogger(logger, "retry")
		}
	}
}

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// NewEngine builds an engine writing to st and emitting through emitter.
func NewEngine(st Store, emitter Emitter, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		emitter: emitter,
		logger:  logging.NewNop(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteWithRetries runs exec under policy for task. The returned error is
// reserved for persistence failures; stage failures are reported through the
// Outcome.
func (e *Engine) ExecuteWithRetries(ctx context.Context, task Task, exec stage.Executor, policy stage.Policy) (Outcome, error) {
	if exec == nil {
		return Outcome{}, services.Wrap(services.ErrConfiguration, task.Stage, "execute", "no executor registered", nil)
	}
	ctx = services.WithRunID(services.WithStage(ctx, task.Stage), task.RunID)
	ctx = services.WithStageID(ctx, task.StageID)
	logger := logging.WithContext(ctx, e.logger)

	maxAttempts := policy.MaxAttempts()
	if policy.SingleShot || stage.IsSingleShot(exec) {
		maxAttempts = 1
	}

	var (
		usage       Usage
		lastErr     error
		lastResp    stage.Response
		fingerprint string
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		abs := task.Offset + attempt
		temperature := policy.TemperatureFor(attempt)
		attemptLogger := logger.With(logging.Attempt(abs))
		lastResp = stage.Response{}

		if attempt == 1 {
			eventType := events.StageStarted
			if task.Offset > 0 {
				eventType = events.StageResumed
			}
			attemptLogger.Info("stage started",
				logging.EventType("stage_start"),
				logging.Float64("temperature", temperature),
				logging.Int("max_attempts", maxAttempts),
			)
			e.emit(ctx, task, eventType, map[string]any{
				"attempt":     abs,
				"temperature": temperature,
				"model":       policy.Model,
			})
			if _, err := e.store.UpsertStage(ctx, store.StageRecord{
				RunID:   task.RunID,
				Name:    task.Stage,
				Attempt: abs,
				Status:  store.StageRunning,
			}); err != nil {
				e.warnProgressWrite(attemptLogger, store.StageRunning, err)
			}
		}

		resp, err := exec.Execute(ctx, stage.Request{
			RunID:       task.RunID,
			StageID:     task.StageID,
			Stage:       task.Stage,
			Attempt:     abs,
			Temperature: temperature,
			Input:       task.Input,
			Model:       policy.Model,
		})
		var passed *bool
		if err != nil {
			lastErr = services.Wrap(services.ErrExecutor, task.Stage, "execute", "executor call failed", err)
		} else {
			lastResp = resp
			if resp.Prompt != "" {
				fingerprint = stage.Fingerprint(resp.Prompt)
			}
			cost := resp.Cost
			if cost <= 0 {
				cost = policy.PriceTokens(resp.InputTokens, resp.OutputTokens)
			}
			cost = stage.RoundCost(cost)
			usage.add(resp, cost)
			e.emit(ctx, task, events.CostUpdate, map[string]any{
				"attempt":          abs,
				"model":            modelOf(resp, policy),
				"input_tokens":     resp.InputTokens,
				"output_tokens":    resp.OutputTokens,
				"cost":             cost,
				"accumulated_cost": usage.Cost,
			})

			lastErr = validate(policy, resp)
			if policy.JudgeThreshold != nil {
				ok := lastErr == nil
				passed = &ok
			}
			if lastErr == nil {
				record, err := e.store.UpsertStage(ctx, store.StageRecord{
					RunID:             task.RunID,
					Name:              task.Stage,
					Attempt:           abs,
					Status:            store.StageCompleted,
					Score:             resp.Score,
					PassedThreshold:   passed,
					Output:            stage.StripCodeFence(resp.Output),
					JudgeFeedback:     resp.Feedback,
					PromptFingerprint: fingerprint,
					ModelUsed:         modelOf(resp, policy),
					InputTokens:       usage.InputTokens,
					OutputTokens:      usage.OutputTokens,
					Cost:              usage.Cost,
				})
				if err != nil {
					return Outcome{}, fmt.Errorf("record completed attempt: %w", err)
				}
				if err := e.store.AddRunCost(ctx, task.RunID, usage.Cost); err != nil {
					return Outcome{}, fmt.Errorf("add stage cost: %w", err)
				}
				attemptLogger.Info("stage completed",
					logging.EventType("stage_complete"),
					logging.Float64("cost", usage.Cost),
				)
				return Outcome{Status: Completed, Attempt: abs, Record: record, Response: resp, Usage: usage}, nil
			}
		}

		if attempt == maxAttempts {
			break
		}
		next := policy.TemperatureFor(attempt + 1)
		attemptLogger.Info("stage attempt failed, retrying",
			logging.EventType("stage_retry"),
			logging.String("reason", lastErr.Error()),
			logging.Float64("next_temperature", next),
		)
		e.emit(ctx, task, events.StageRetry, map[string]any{
			"attempt":          abs,
			"error":            lastErr.Error(),
			"next_temperature": next,
		})
		if _, err := e.store.UpsertStage(ctx, store.StageRecord{
			RunID:             task.RunID,
			Name:              task.Stage,
			Attempt:           abs,
			Status:            store.StageRetrying,
			Score:             lastResp.Score,
			PassedThreshold:   passed,
			JudgeFeedback:     lastErr.Error(),
			PromptFingerprint: fingerprint,
			ModelUsed:         modelOf(lastResp, policy),
			InputTokens:       usage.InputTokens,
			OutputTokens:      usage.OutputTokens,
			Cost:              usage.Cost,
		}); err != nil {
			e.warnProgressWrite(attemptLogger, store.StageRetrying, err)
		}
		if err := e.sleep(ctx, policy.Retry.RetryDelay); err != nil {
			return Outcome{}, err
		}
	}

	return e.HandleExhaustion(ctx, task, policy, Exhausted{
		Attempt:     task.Offset + maxAttempts,
		Err:         lastErr,
		Response:    lastResp,
		Usage:       usage,
		Fingerprint: fingerprint,
	})
}

// HandleExhaustion records the final attempt and applies the failure policy:
// pause for a human restart, skip a non-fatal stage, or fail the run. The
// invocation's cost is added to the run total in every branch.
func (e *Engine) HandleExhaustion(ctx context.Context, task Task, policy stage.Policy, last Exhausted) (Outcome, error) {
	logger := logging.WithContext(ctx, e.logger).With(logging.Attempt(last.Attempt))
	message := failureMessage(policy, last.Err)

	outcome := Outcome{
		Attempt:  last.Attempt,
		Response: last.Response,
		Usage:    last.Usage,
		Message:  message,
		Err:      services.Wrap(services.ErrExhausted, task.Stage, "execute", message, last.Err),
	}
	status := store.StageFailed
	switch {
	case policy.Failure.HumanInTheLoop:
		outcome.Status = Paused
		status = store.StageAwaitingRestart
	case policy.Failure.NonFatal:
		outcome.Status = Skipped
	default:
		outcome.Status = Failed
	}

	var passed *bool
	if policy.JudgeThreshold != nil {
		no := false
		passed = &no
	}
	record, err := e.store.UpsertStage(ctx, store.StageRecord{
		RunID:             task.RunID,
		Name:              task.Stage,
		Attempt:           last.Attempt,
		Status:            status,
		Score:             last.Response.Score,
		PassedThreshold:   passed,
		JudgeFeedback:     message,
		PromptFingerprint: last.Fingerprint,
		ModelUsed:         modelOf(last.Response, policy),
		InputTokens:       last.Usage.InputTokens,
		OutputTokens:      last.Usage.OutputTokens,
		Cost:              last.Usage.Cost,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("record exhausted attempt: %w", err)
	}
	outcome.Record = record
	if err := e.store.AddRunCost(ctx, task.RunID, last.Usage.Cost); err != nil {
		return Outcome{}, fmt.Errorf("add stage cost: %w", err)
	}

	payload := map[string]any{
		"attempts":       last.Attempt,
		"final_error":    errorText(last.Err),
		"judge_feedback": message,
		"cost":           last.Usage.Cost,
	}
	switch outcome.Status {
	case Paused:
		if err := e.store.ClearLease(ctx, task.RunID); err != nil {
			return Outcome{}, fmt.Errorf("release lease for restart: %w", err)
		}
		logging.WarnWithContext(logger, "stage awaiting operator restart", "stage_awaiting_restart",
			logging.String("reason", message),
			logging.String(logging.FieldErrorHint, fmt.Sprintf("fix the cause, then pmw restart %d", task.RunID)),
			logging.String(logging.FieldImpact, "run is paused until restarted"),
		)
		e.emit(ctx, task, events.StageAwaitingRestart, payload)
	case Skipped:
		logging.WarnWithContext(logger, "non-fatal stage failed, continuing", "stage_skipped",
			logging.String("reason", message),
			logging.String(logging.FieldImpact, "run continues without this stage's output"),
		)
		e.emit(ctx, task, events.MediaWarning, payload)
	default:
		if err := e.store.FailRun(ctx, task.RunID, message); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			return Outcome{}, fmt.Errorf("fail run: %w", err)
		}
		logging.ErrorWithContext(logger, "stage failed, run halted", "run_failed",
			logging.String("reason", message),
			logging.String(logging.FieldErrorHint, "inspect the stage feedback and trigger a new run"),
		)
		e.emit(ctx, task, events.RunFailed, payload)
	}

	e.invokeAlert(ctx, logger, Alert{
		RunID:    task.RunID,
		Stage:    task.Stage,
		Status:   outcome.Status,
		Attempts: last.Attempt,
		Message:  message,
		Cost:     last.Usage.Cost,
	})
	return outcome, nil
}

// warnProgressWrite logs a failed running or retrying record. Terminal
// records still propagate their write errors.
func (e *Engine) warnProgressWrite(logger *slog.Logger, status store.StageStatus, err error) {
	logging.WarnWithContext(logger, "stage progress write failed", "stage_record_failed",
		append(logging.ErrorAttrs(err),
			logging.String("stage_status", string(status)),
			logging.String(logging.FieldImpact, "stage history is missing this attempt state"),
		)...,
	)
}

func (e *Engine) invokeAlert(ctx context.Context, logger *slog.Logger, alert Alert) {
	if e.alert == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.WarnWithContext(logger, "alert callback panicked", "alert_failed",
				logging.Any("panic", r),
				logging.String(logging.FieldImpact, "operators were not alerted"),
			)
		}
	}()
	if err := e.alert(ctx, alert); err != nil {
		logging.WarnWithContext(logger, "alert callback failed", "alert_failed",
			append(logging.ErrorAttrs(err),
				logging.String(logging.FieldImpact, "operators were not alerted"),
			)...,
		)
	}
}

func (e *Engine) emit(ctx context.Context, task Task, eventType string, payload map[string]any) {
	if e.emitter == nil {
		return
	}
	agent := task.Agent
	if agent == "" {
		agent = task.Stage + "_agent"
	}
	e.emitter.Emit(ctx, events.Envelope{
		Type:    eventType,
		RunID:   task.RunID,
		Agent:   agent,
		Stage:   task.Stage,
		Payload: payload,
	})
}

func validate(policy stage.Policy, resp stage.Response) error {
	if policy.Validator == nil {
		return nil
	}
	if err := policy.Validator.Validate(resp); err != nil {
		if errors.Is(err, services.ErrValidation) {
			return err
		}
		return services.Wrap(services.ErrValidation, policy.Name, "validate", "output rejected", err)
	}
	return nil
}

func failureMessage(policy stage.Policy, err error) string {
	base := strings.TrimSpace(policy.Failure.FailureMessage)
	if base == "" {
		base = policy.Name + " stage failed"
	}
	return base + " | " + errorText(err)
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func modelOf(resp stage.Response, policy stage.Policy) string {
	if resp.Model != "" {
		return resp.Model
	}
	return policy.Model
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
