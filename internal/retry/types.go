package retry

import (
	"context"

	"pmwflow/internal/events"
	"pmwflow/internal/stage"
	"pmwflow/internal/store"
)

// Store is the persistence surface the engine writes to.
type Store interface {
	UpsertStage(ctx context.Context, rec store.StageRecord) (*store.Stage, error)
	AddRunCost(ctx context.Context, runID int64, delta float64) error
	ClearLease(ctx context.Context, runID int64) error
	FailRun(ctx context.Context, runID int64, message string) error
}

// Emitter receives workflow events.
type Emitter interface {
	Emit(ctx context.Context, env events.Envelope)
}

// Task identifies the stage row being executed.
type Task struct {
	RunID   int64
	StageID int64
	Stage   string
	// Offset is the number of attempts persisted before this invocation.
	Offset int
	Input  map[string]any
	Agent  string
}

// Status classifies how an invocation ended.
type Status string

const (
	Completed Status = "completed"
	Paused    Status = "paused"
	Skipped   Status = "skipped"
	Failed    Status = "failed"
)

// Usage accumulates token counts and cost over the attempts of one invocation.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

func (u *Usage) add(resp stage.Response, cost float64) {
	u.InputTokens += resp.InputTokens
	u.OutputTokens += resp.OutputTokens
	u.Cost = stage.RoundCost(u.Cost + cost)
}

// Outcome is the result of one engine invocation.
type Outcome struct {
	Status Status
	// Attempt is the absolute attempt number of the final record.
	Attempt  int
	Record   *store.Stage
	Response stage.Response
	Usage    Usage
	// Message is the failure text on exhaustion.
	Message string
	Err     error
}

// Advances reports whether the pipeline moves to the next stage.
func (o Outcome) Advances() bool {
	return o.Status == Completed || o.Status == Skipped
}

// Exhausted describes the last attempt of an invocation that ran out of retries.
type Exhausted struct {
	Attempt     int
	Err         error
	Response    stage.Response
	Usage       Usage
	Fingerprint string
}

// Alert is passed to the alert callback on exhaustion.
type Alert struct {
	RunID    int64
	Stage    string
	Status   Status
	Attempts int
	Message  string
	Cost     float64
}

// AlertFunc is invoked on every exhaustion branch. Errors and panics are
// logged and never propagate.
type AlertFunc func(ctx context.Context, alert Alert) error
