package api

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"pmwflow/internal/audit"
	"pmwflow/internal/stage"
	"pmwflow/internal/store"
	"pmwflow/internal/workflow"
)

// FromRun converts a run record to its API representation.
func FromRun(run *store.Run) Run {
	if run == nil {
		return Run{}
	}
	return Run{
		ID:              run.ID,
		TopicID:         run.TopicID,
		Status:          string(run.Status),
		Paused:          run.IsPaused(),
		CurrentStage:    run.CurrentStage,
		FinalScore:      run.FinalScore,
		TotalCost:       run.TotalCost,
		HumanIntervened: run.HumanIntervened,
		ErrorMessage:    run.ErrorMessage,
		TriggeredBy:     run.TriggeredBy,
		LeaseExpiresAt:  formatTimePtr(run.LockExpiresAt),
		StartedAt:       formatTimePtr(run.StartedAt),
		CompletedAt:     formatTimePtr(run.CompletedAt),
		FailedAt:        formatTimePtr(run.FailedAt),
		CreatedAt:       formatTime(run.CreatedAt),
		UpdatedAt:       formatTime(run.UpdatedAt),
	}
}

// FromRuns converts a slice of run records into API DTOs.
func FromRuns(runs []*store.Run) []Run {
	out := make([]Run, 0, len(runs))
	for _, run := range runs {
		out = append(out, FromRun(run))
	}
	return out
}

// FromStage converts an attempt row. JSON output is passed through as raw
// JSON; anything else is returned as text.
func FromStage(row *store.Stage) Stage {
	if row == nil {
		return Stage{}
	}
	dto := Stage{
		ID:                row.ID,
		RunID:             row.RunID,
		Name:              row.Name,
		Status:            string(row.Status),
		Attempt:           row.AttemptNumber,
		Score:             row.Score,
		PassedThreshold:   row.PassedThreshold,
		JudgeFeedback:     row.JudgeFeedback,
		PromptFingerprint: row.PromptFingerprint,
		Model:             row.ModelUsed,
		InputTokens:       row.InputTokens,
		OutputTokens:      row.OutputTokens,
		Cost:              row.Cost,
		StartedAt:         formatTimePtr(row.StartedAt),
		CompletedAt:       formatTimePtr(row.CompletedAt),
	}
	if output := strings.TrimSpace(row.Output); output != "" {
		if json.Valid([]byte(output)) {
			dto.Output = json.RawMessage(output)
		} else {
			dto.OutputText = row.Output
		}
	}
	return dto
}

// FromStages converts attempt rows in order.
func FromStages(rows []*store.Stage) []Stage {
	out := make([]Stage, 0, len(rows))
	for _, row := range rows {
		out = append(out, FromStage(row))
	}
	return out
}

// FromInterventions converts operator actions in order.
func FromInterventions(items []*store.Intervention) []Intervention {
	out := make([]Intervention, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		out = append(out, Intervention{
			ID:            item.ID,
			Stage:         item.StageName,
			Action:        item.Action,
			Operator:      item.Operator,
			Note:          item.Note,
			AttemptOffset: item.AttemptOffset,
			CreatedAt:     formatTime(item.CreatedAt),
		})
	}
	return out
}

// FromRunCounts converts the store health summary.
func FromRunCounts(summary store.HealthSummary) RunCounts {
	return RunCounts{
		Total:     summary.Total,
		Pending:   summary.Pending,
		Running:   summary.Running,
		Paused:    summary.Paused,
		Completed: summary.Completed,
		Failed:    summary.Failed,
	}
}

// FromDatabaseHealth converts store diagnostics.
func FromDatabaseHealth(health store.DatabaseHealth) DatabaseStatus {
	return DatabaseStatus{
		Driver:         health.Driver,
		Location:       health.Location,
		Reachable:      health.Reachable,
		AppliedVersion: health.AppliedVersion,
		Error:          health.Error,
	}
}

// FromStatusSummary converts workflow diagnostics.
func FromStatusSummary(summary workflow.StatusSummary) WorkflowStatus {
	status := WorkflowStatus{
		Running:     summary.Running,
		Mode:        summary.Mode,
		Workers:     summary.Workers,
		InFlight:    summary.InFlight,
		Processed:   summary.Processed,
		QueueDepth:  summary.QueueDepth,
		LastError:   summary.LastError,
		Runs:        FromRunCounts(summary.Runs),
		StageHealth: StageHealthSlice(summary.StageHealth),
	}
	if summary.LastStage != nil {
		last := FromStage(summary.LastStage)
		last.Output = nil
		last.OutputText = ""
		status.LastStage = &last
	}
	return status
}

// FromReport converts an audit verification report.
func FromReport(report audit.Report) VerifyResponse {
	return VerifyResponse{
		RunID:       report.RunID,
		Events:      report.Events,
		Valid:       report.Valid,
		BrokenIndex: report.Broken,
		Reason:      report.Reason,
	}
}

// StageHealthSlice orders stage health by name for deterministic output.
func StageHealthSlice(health map[string]stage.Health) []StageHealth {
	out := make([]StageHealth, 0, len(health))
	for name, h := range health {
		out = append(out, StageHealth{Name: name, Ready: h.Ready, Detail: h.Detail})
	}
	slices.SortFunc(out, func(a, b StageHealth) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
