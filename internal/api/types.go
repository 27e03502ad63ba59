package api

import "encoding/json"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Run describes a workflow run in a transport-friendly format.
type Run struct {
	ID              int64    `json:"id"`
	TopicID         *int64   `json:"topic_id,omitempty"`
	Status          string   `json:"status"`
	Paused          bool     `json:"paused"`
	CurrentStage    string   `json:"current_stage"`
	FinalScore      *float64 `json:"final_score,omitempty"`
	TotalCost       float64  `json:"total_cost"`
	HumanIntervened bool     `json:"human_intervened"`
	ErrorMessage    string   `json:"error_message,omitempty"`
	TriggeredBy     string   `json:"triggered_by"`
	LeaseExpiresAt  string   `json:"lease_expires_at,omitempty"`
	StartedAt       string   `json:"started_at,omitempty"`
	CompletedAt     string   `json:"completed_at,omitempty"`
	FailedAt        string   `json:"failed_at,omitempty"`
	CreatedAt       string   `json:"created_at,omitempty"`
	UpdatedAt       string   `json:"updated_at,omitempty"`
}

// Stage describes one attempt row.
type Stage struct {
	ID                int64           `json:"id"`
	RunID             int64           `json:"run_id"`
	Name              string          `json:"stage"`
	Status            string          `json:"status"`
	Attempt           int             `json:"attempt"`
	Score             *float64        `json:"score,omitempty"`
	PassedThreshold   *bool           `json:"passed_threshold,omitempty"`
	Output            json.RawMessage `json:"output,omitempty"`
	OutputText        string          `json:"output_text,omitempty"`
	JudgeFeedback     string          `json:"judge_feedback,omitempty"`
	PromptFingerprint string          `json:"prompt_fingerprint,omitempty"`
	Model             string          `json:"model,omitempty"`
	InputTokens       int64           `json:"input_tokens"`
	OutputTokens      int64           `json:"output_tokens"`
	Cost              float64         `json:"cost"`
	StartedAt         string          `json:"started_at,omitempty"`
	CompletedAt       string          `json:"completed_at,omitempty"`
}

// Intervention describes an operator action.
type Intervention struct {
	ID            int64  `json:"id"`
	Stage         string `json:"stage"`
	Action        string `json:"action"`
	Operator      string `json:"operator"`
	Note          string `json:"note,omitempty"`
	AttemptOffset int    `json:"attempt_offset"`
	CreatedAt     string `json:"created_at,omitempty"`
}

// RunDetail is a run with its attempt history.
type RunDetail struct {
	Run
	Stages        []Stage        `json:"stages"`
	Interventions []Intervention `json:"interventions"`
}

// RunListResponse wraps a collection of runs.
type RunListResponse struct {
	Runs []Run `json:"runs"`
}

// RunResponse wraps a single run with its history.
type RunResponse struct {
	Run RunDetail `json:"run"`
}

// TriggerRequest is the body of POST /api/workflow/trigger.
type TriggerRequest struct {
	TopicID *int64 `json:"topic_id" validate:"omitempty,gt=0"`
}

// RestartRequest is the body of POST /api/workflow/restart.
type RestartRequest struct {
	RunID    int64  `json:"run_id" validate:"required,gt=0"`
	Operator string `json:"operator" validate:"required,max=128"`
	Note     string `json:"note" validate:"max=2000"`
}

// TriggerResponse identifies the queued first stage of a new run.
type TriggerResponse struct {
	RunID   int64  `json:"run_id"`
	StageID int64  `json:"stage_id"`
	Status  string `json:"status"`
}

// RestartResponse identifies the queued attempt created by a restart.
type RestartResponse struct {
	RunID         int64  `json:"run_id"`
	StageID       int64  `json:"stage_id"`
	Stage         string `json:"stage"`
	Attempt       int    `json:"attempt"`
	AttemptOffset int    `json:"attempt_offset"`
	Status        string `json:"status"`
}

// VerifyResponse reports the integrity of one run's audit chain.
type VerifyResponse struct {
	RunID       int64  `json:"run_id"`
	Events      int    `json:"events"`
	Valid       bool   `json:"valid"`
	BrokenIndex int    `json:"broken_index"`
	Reason      string `json:"reason,omitempty"`
}

// RunCounts aggregates runs by status.
type RunCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Paused    int `json:"paused"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// StageHealth mirrors readiness reporting for stage executors.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// WorkflowStatus summarizes worker execution state.
type WorkflowStatus struct {
	Running     bool          `json:"running"`
	Mode        string        `json:"mode"`
	Workers     int           `json:"workers"`
	InFlight    int64         `json:"in_flight"`
	Processed   uint64        `json:"processed"`
	QueueDepth  int64         `json:"queue_depth"`
	LastError   string        `json:"last_error,omitempty"`
	LastStage   *Stage        `json:"last_stage,omitempty"`
	Runs        RunCounts     `json:"runs"`
	StageHealth []StageHealth `json:"stage_health"`
}

// DatabaseStatus reports store reachability.
type DatabaseStatus struct {
	Driver         string `json:"driver"`
	Location       string `json:"location"`
	Reachable      bool   `json:"reachable"`
	AppliedVersion string `json:"applied_version,omitempty"`
	Error          string `json:"error,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	LockFilePath string         `json:"lock_file_path"`
	Database     DatabaseStatus `json:"database"`
	Workflow     WorkflowStatus `json:"workflow"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string         `json:"status"`
	Database DatabaseStatus `json:"database"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}
