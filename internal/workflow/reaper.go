package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pmwflow/internal/dispatch"
	"pmwflow/internal/events"
	"pmwflow/internal/logging"
	"pmwflow/internal/retry"
	"pmwflow/internal/store"
)

// Reaper recovers stages abandoned by crashed workers and re-dispatches
// pending stages whose token never reached a worker.
type Reaper struct {
	store        *store.Store
	queue        dispatch.Queue
	emitter      retry.Emitter
	logger       *slog.Logger
	requeueAfter time.Duration
	now          func() time.Time
}

// SweepResult counts the stages re-dispatched by one Sweep.
type SweepResult struct {
	Reclaimed int
	Requeued  int
}

// NewReaper creates a reaper. A non-positive requeueAfter disables the
// pending sweep. Each reclaimed attempt is reported through emitter.
func NewReaper(st *store.Store, queue dispatch.Queue, emitter retry.Emitter, logger *slog.Logger, requeueAfter time.Duration) *Reaper {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Reaper{
		store:        st,
		queue:        queue,
		emitter:      emitter,
		logger:       logging.NewComponentLogger(logger, "reaper"),
		requeueAfter: requeueAfter,
		now:          time.Now,
	}
}

// Sweep reclaims expired leases and re-pushes stale pending stages. Tokens for
// rows that are already claimed are discarded by the claim, so a duplicate push
// is harmless.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := r.now()

	reclaimed, err := r.store.ReclaimExpired(ctx, now)
	if err != nil {
		return result, fmt.Errorf("reclaim expired: %w", err)
	}
	for _, ref := range reclaimed {
		r.emitReclaimed(ctx, ref)
	}
	result.Reclaimed = r.push(ctx, reclaimed)
	if len(reclaimed) > 0 {
		r.logger.Info("reclaimed stages with expired leases",
			logging.Int("count", len(reclaimed)),
			logging.EventType("stages_reclaimed"),
		)
	}

	if r.requeueAfter <= 0 || r.queue == nil {
		return result, nil
	}
	stale, err := r.store.StalePending(ctx, now.Add(-r.requeueAfter))
	if err != nil {
		return result, fmt.Errorf("stale pending: %w", err)
	}
	if len(stale) == 0 {
		return result, nil
	}
	result.Requeued = r.push(ctx, stale)
	ids := make([]int64, 0, len(stale))
	for _, ref := range stale {
		ids = append(ids, ref.StageID)
	}
	if err := r.store.TouchStages(ctx, ids...); err != nil {
		return result, err
	}
	r.logger.Info("re-dispatched stale pending stages",
		logging.Int("count", result.Requeued),
		logging.EventType("stages_requeued"),
	)
	return result, nil
}

func (r *Reaper) push(ctx context.Context, refs []store.StageRef) int {
	if r.queue == nil {
		return len(refs)
	}
	pushed := 0
	for _, ref := range refs {
		if err := r.queue.Push(ctx, dispatch.Token{StageID: ref.StageID, RunID: ref.RunID}); err != nil {
			logging.WarnWithContext(r.logger, "re-dispatch push failed", "dispatch_push_failed",
				logging.StageID(ref.StageID),
				logging.RunID(ref.RunID),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check redis connectivity; the sweeper retries on its next pass"),
			)
			continue
		}
		pushed++
	}
	return pushed
}

func (r *Reaper) emitReclaimed(ctx context.Context, ref store.StageRef) {
	if r.emitter == nil {
		return
	}
	r.emitter.Emit(ctx, events.Envelope{
		Type:  events.StageReclaimed,
		RunID: ref.RunID,
		Agent: "reaper",
		Stage: ref.Stage,
		Payload: map[string]any{
			"stage_id": ref.StageID,
			"attempt":  ref.Attempt,
			"from":     string(store.StageRunning),
			"to":       string(store.StagePending),
		},
	})
}
