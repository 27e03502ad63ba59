package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted by the workflow core.
const (
	StageStarted         = "stage.started"
	StageResumed         = "stage.resumed"
	StageRetry           = "stage.retry"
	StageComplete        = "stage.complete"
	StageAwaitingRestart = "stage.awaiting_restart"
	StageReclaimed       = "stage.reclaimed"
	CostUpdate           = "cost.update"
	MediaWarning         = "media.warning"
	RunStarted           = "run.started"
	RunComplete          = "run.complete"
	RunFailed            = "run.failed"
	InterventionApplied  = "intervention.applied"
)

// Envelope is one workflow event.
type Envelope struct {
	Type      string
	RunID     int64
	Agent     string
	Stage     string
	Timestamp time.Time
	Payload   map[string]any
}

// Fields flattens the envelope into the map that goes on the wire. Fixed keys
// win over payload keys of the same name.
func (e Envelope) Fields() map[string]any {
	out := make(map[string]any, len(e.Payload)+5)
	for key, value := range e.Payload {
		out[key] = value
	}
	out["event_type"] = e.Type
	out["run_id"] = e.RunID
	out["agent"] = e.Agent
	out["stage"] = e.Stage
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	out["ts"] = ts.UTC().Format(time.RFC3339Nano)
	return out
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Fields())
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	eventType, _ := fields["event_type"].(string)
	if eventType == "" {
		return fmt.Errorf("event envelope missing event_type")
	}
	decoded := Envelope{Type: eventType, Payload: make(map[string]any)}
	if runID, ok := fields["run_id"].(float64); ok {
		decoded.RunID = int64(runID)
	}
	decoded.Agent, _ = fields["agent"].(string)
	decoded.Stage, _ = fields["stage"].(string)
	if raw, ok := fields["ts"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			decoded.Timestamp = ts
		}
	}
	for key, value := range fields {
		switch key {
		case "event_type", "run_id", "agent", "stage", "ts":
			continue
		}
		decoded.Payload[key] = value
	}
	*e = decoded
	return nil
}
