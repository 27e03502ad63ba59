package store

import (
	"strings"
	"time"
)

// RunStatus represents the lifecycle of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// StageStatus represents the lifecycle of one stage attempt row.
type StageStatus string

const (
	StagePending         StageStatus = "pending"
	StageRunning         StageStatus = "running"
	StageRetrying        StageStatus = "retrying"
	StageCompleted       StageStatus = "completed"
	StageFailed          StageStatus = "failed"
	StageAwaitingRestart StageStatus = "awaiting_restart"
)

// Triggered-by labels recorded on new runs.
const (
	TriggerAPI       = "api"
	TriggerCLI       = "cli"
	TriggerScheduler = "scheduler"
)

// ActionRestart is the intervention action recorded when an operator resumes a paused stage.
const ActionRestart = "restart"

var runStatuses = []RunStatus{RunPending, RunRunning, RunCompleted, RunFailed}

// RunStatuses returns every run status in lifecycle order.
func RunStatuses() []RunStatus {
	out := make([]RunStatus, len(runStatuses))
	copy(out, runStatuses)
	return out
}

// ParseRunStatus converts user input into a RunStatus value.
func ParseRunStatus(value string) (RunStatus, bool) {
	normalized := RunStatus(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range runStatuses {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether the run can no longer change status.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed
}

// finishesStage reports whether the status closes an attempt and stamps completed_at.
func (s StageStatus) finishesStage() bool {
	return s == StageCompleted || s == StageFailed || s == StageAwaitingRestart
}

// Run is one execution of the content pipeline.
type Run struct {
	ID              int64
	TopicID         *int64
	Status          RunStatus
	CurrentStage    string
	LockExpiresAt   *time.Time
	FinalScore      *float64
	TotalCost       float64
	HumanIntervened bool
	ErrorMessage    string
	TriggeredBy     string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	FailedAt        *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsPaused reports whether the run is running without a lease, which happens
// while a stage waits for an operator restart.
func (r *Run) IsPaused() bool {
	return r != nil && r.Status == RunRunning && r.LockExpiresAt == nil
}

// Stage is one attempt row of a named stage within a run.
type Stage struct {
	ID                int64
	RunID             int64
	Name              string
	Status            StageStatus
	AttemptNumber     int
	Score             *float64
	PassedThreshold   *bool
	Output            string
	JudgeFeedback     string
	PromptFingerprint string
	ModelUsed         string
	InputTokens       int64
	OutputTokens      int64
	Cost              float64
	StartedAt         *time.Time
	CompletedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// StageRecord is the upsert payload for one attempt, keyed by
// (RunID, Name, Attempt).
type StageRecord struct {
	RunID             int64
	Name              string
	Attempt           int
	Status            StageStatus
	Score             *float64
	PassedThreshold   *bool
	Output            string
	JudgeFeedback     string
	PromptFingerprint string
	ModelUsed         string
	InputTokens       int64
	OutputTokens      int64
	Cost              float64
}

// StageRef identifies a dispatchable stage row.
type StageRef struct {
	StageID int64
	RunID   int64
	Stage   string
	Attempt int
}

// NewRun describes a run to create.
type NewRun struct {
	TopicID     *int64
	TriggeredBy string
	FirstStage  string
}

// RunFilter limits ListRuns results. Zero values mean no restriction.
type RunFilter struct {
	Statuses []RunStatus
	Limit    int
}

// VaultEvent is one link of a run's hash chain.
type VaultEvent struct {
	ID             int64
	IdempotencyKey string
	EventType      string
	RunID          int64
	StageName      string
	Payload        string
	PayloadHash    string
	PreviousHash   string
	CreatedAt      time.Time
}

// Intervention records an operator action against a run.
type Intervention struct {
	ID            int64
	RunID         int64
	StageName     string
	Action        string
	Operator      string
	Note          string
	AttemptOffset int
	CreatedAt     time.Time
}

// RestartRequest describes an operator restart of a paused stage.
type RestartRequest struct {
	RunID    int64
	Operator string
	Note     string
	Lease    time.Duration
}

// RestartResult carries the rows written by RestartStage.
type RestartResult struct {
	Stage        *Stage
	Intervention *Intervention
}

// HealthSummary aggregates run counts by status.
type HealthSummary struct {
	Total     int
	Pending   int
	Running   int
	Paused    int
	Completed int
	Failed    int
}

// DatabaseHealth describes the store connection for diagnostics.
type DatabaseHealth struct {
	Driver         string
	Location       string
	Reachable      bool
	AppliedVersion string
	Error          string
}
