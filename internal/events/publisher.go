package events

import (
	"context"
	"log/slog"
	"time"

	"pmwflow/internal/logging"
)

// Publisher delivers envelopes to observers. Implementations never block on
// slow consumers and never return delivery errors to the caller.
type Publisher interface {
	Publish(ctx context.Context, env Envelope)
}

// Recorder appends an event to the audit chain of its run.
type Recorder interface {
	Append(ctx context.Context, runID int64, eventType, stageName string, payload any)
}

// Emitter stamps envelopes and hands them to every publisher and the recorder.
type Emitter struct {
	publishers []Publisher
	recorder   Recorder
	logger     *slog.Logger
	now        func() time.Time
}

// NewEmitter builds an emitter. recorder may be nil.
func NewEmitter(recorder Recorder, logger *slog.Logger, publishers ...Publisher) *Emitter {
	if logger == nil {
		logger = logging.NewNop()
	}
	filtered := make([]Publisher, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			filtered = append(filtered, p)
		}
	}
	return &Emitter{
		publishers: filtered,
		recorder:   recorder,
		logger:     logging.NewComponentLogger(logger, "events"),
		now:        time.Now,
	}
}

// Emit publishes env and appends it to the vault.
func (e *Emitter) Emit(ctx context.Context, env Envelope) {
	if e == nil {
		return
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = e.now().UTC()
	}
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	logging.WithContext(ctx, e.logger).Debug("emit event",
		logging.EventType(env.Type),
		logging.RunID(env.RunID),
	)
	for _, p := range e.publishers {
		p.Publish(ctx, env)
	}
	if e.recorder != nil && env.RunID > 0 {
		e.recorder.Append(ctx, env.RunID, env.Type, env.Stage, env.Fields())
	}
}

// Discard drops every envelope.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, Envelope) {}
