package pipeline

import (
	"time"

	"pmwflow/internal/retry"
)

// PhaseStatus is the status a phase reports to the run.
type PhaseStatus string

const (
	PhaseComplete PhaseStatus = "complete"
	PhaseFailed   PhaseStatus = "failed"
	PhaseHITL     PhaseStatus = "hitl"
	// PhaseSkipped is reported by a non-fatal phase that exhausted its retries.
	PhaseSkipped PhaseStatus = "skipped"
)

// PhaseError is one error a phase surfaces to the run.
type PhaseError struct {
	Phase     string    `json:"phase"`
	Stage     string    `json:"stage"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"ts"`
}

// PhaseResult is everything a phase exposes to the run.
type PhaseResult struct {
	RunID  int64          `json:"run_id"`
	Status PhaseStatus    `json:"status"`
	Output map[string]any `json:"output"`
	Cost   float64        `json:"cost"`
	Errors []PhaseError   `json:"errors"`
	Meta   map[string]any `json:"meta"`
}

// Succeeded reports a complete phase that produced output.
func (r PhaseResult) Succeeded() bool {
	return r.Status == PhaseComplete && r.Output != nil
}

// NeedsHITL reports a phase paused for an operator.
func (r PhaseResult) NeedsHITL() bool {
	return r.Status == PhaseHITL
}

func statusFor(outcome retry.Outcome) PhaseStatus {
	switch outcome.Status {
	case retry.Completed:
		return PhaseComplete
	case retry.Paused:
		return PhaseHITL
	case retry.Skipped:
		return PhaseSkipped
	default:
		return PhaseFailed
	}
}
