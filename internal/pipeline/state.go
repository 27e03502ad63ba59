package pipeline

import (
	"pmwflow/internal/retry"
	"pmwflow/internal/stage"
	"pmwflow/internal/store"
)

// Run-level status values of PipelineState.
const (
	RunStatusRunning  = "running"
	RunStatusComplete = "complete"
	RunStatusFailed   = "failed"
	RunStatusHITL     = "hitl"
)

// PipelineState is the run-level view built from phase results only.
type PipelineState struct {
	RunID       int64
	TopicID     *int64
	TriggeredBy string

	ReaderIntent   string
	TopicTitle     any
	ResearchBundle map[string]any
	ContentPlan    map[string]any
	Content        map[string]any
	Media          map[string]any
	Published      map[string]any
	// Outputs holds every stage output by name, including stages outside
	// the default order.
	Outputs map[string]map[string]any

	PhaseStatuses map[string]PhaseStatus
	Scores        map[string]float64
	TotalCost     float64
	Errors        []PhaseError
	Status        string

	lastStage string
}

// NewPipelineState starts an empty state for run.
func NewPipelineState(run *store.Run) *PipelineState {
	state := &PipelineState{
		Outputs:       make(map[string]map[string]any),
		PhaseStatuses: make(map[string]PhaseStatus),
		Scores:        make(map[string]float64),
		Status:        RunStatusRunning,
	}
	if run != nil {
		state.RunID = run.ID
		state.TopicID = run.TopicID
		state.TriggeredBy = run.TriggeredBy
	}
	return state
}

// Fold merges one phase result into the run state.
func (p *PipelineState) Fold(name string, result PhaseResult) {
	p.PhaseStatuses[name] = result.Status
	p.TotalCost = stage.RoundCost(p.TotalCost + result.Cost)
	p.Errors = append(p.Errors, result.Errors...)
	if score, ok := result.Meta["score"].(float64); ok {
		p.Scores[name] = score
	}

	switch result.Status {
	case PhaseHITL:
		p.Status = RunStatusHITL
		return
	case PhaseFailed:
		p.Status = RunStatusFailed
		return
	}
	p.Status = RunStatusRunning
	if !result.Succeeded() {
		return
	}
	p.Outputs[name] = result.Output
	p.lastStage = name
	switch name {
	case StageResearch:
		p.ResearchBundle = result.Output
		if intent, ok := result.Meta["reader_intent"].(string); ok {
			p.ReaderIntent = intent
		}
		if title, ok := result.Meta["topic_title"]; ok {
			p.TopicTitle = title
		}
	case StagePlanning:
		p.ContentPlan = result.Output
	case StageContent:
		p.Content = result.Output
	case StageMedia:
		p.Media = result.Output
	case StagePublish:
		p.Published = result.Output
	}
}

// LastOutput returns the output of the most recent successful phase.
func (p *PipelineState) LastOutput() map[string]any {
	if p.lastStage == "" {
		return nil
	}
	return p.Outputs[p.lastStage]
}

// Rebuild replays the persisted stage rows of run through their phases. The
// newest row of each stage decides its status; a failed row before the
// current stage belongs to a skipped non-fatal phase.
func Rebuild(order Order, run *store.Run, stages []*store.Stage) *PipelineState {
	state := NewPipelineState(run)
	latest := make(map[string]*store.Stage, len(order))
	for _, row := range stages {
		prev, ok := latest[row.Name]
		if !ok || row.AttemptNumber > prev.AttemptNumber {
			latest[row.Name] = row
		}
	}
	current := order.Index(run.CurrentStage)
	for idx, name := range order {
		row, ok := latest[name]
		if !ok {
			continue
		}
		var status retry.Status
		switch row.Status {
		case store.StageCompleted:
			status = retry.Completed
		case store.StageFailed:
			if idx < current {
				status = retry.Skipped
			} else {
				status = retry.Failed
			}
		case store.StageAwaitingRestart:
			status = retry.Paused
		default:
			continue
		}
		phase := NewPhase(name, run.ID)
		phase.Absorb(outcomeFromRow(status, row))
		state.Fold(name, phase.Result())
	}
	state.TotalCost = run.TotalCost
	switch run.Status {
	case store.RunCompleted:
		state.Status = RunStatusComplete
	case store.RunFailed:
		state.Status = RunStatusFailed
	}
	return state
}

func outcomeFromRow(status retry.Status, row *store.Stage) retry.Outcome {
	return retry.Outcome{
		Status:  status,
		Attempt: row.AttemptNumber,
		Record:  row,
		Response: stage.Response{
			Output:       row.Output,
			Score:        row.Score,
			Feedback:     row.JudgeFeedback,
			Model:        row.ModelUsed,
			InputTokens:  row.InputTokens,
			OutputTokens: row.OutputTokens,
			Cost:         row.Cost,
		},
		Usage: retry.Usage{
			InputTokens:  row.InputTokens,
			OutputTokens: row.OutputTokens,
			Cost:         row.Cost,
		},
		Message: row.JudgeFeedback,
	}
}
