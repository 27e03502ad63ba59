package pipeline

import (
	"encoding/json"
	"strings"
	"time"

	"pmwflow/internal/retry"
	"pmwflow/internal/stage"
)

// Phase is the working state of one stage. Input selects what the stage reads
// from the run, Absorb folds an engine outcome in, and Result projects the
// state onto the PhaseResult boundary.
type Phase interface {
	Name() string
	Input(state *PipelineState) map[string]any
	Absorb(outcome retry.Outcome)
	Result() PhaseResult
}

// NewPhase returns a fresh working state for the named stage. Stages outside
// the default order get a generic state that passes the output through.
func NewPhase(name string, runID int64) Phase {
	core := phaseCore{name: name, runID: runID}
	switch name {
	case StageResearch:
		return &ResearchState{phaseCore: core}
	case StagePlanning:
		return &PlanningState{phaseCore: core}
	case StageContent:
		return &ContentState{phaseCore: core}
	case StageMedia:
		return &MediaState{phaseCore: core}
	case StagePublish:
		return &PublishState{phaseCore: core}
	default:
		return &genericState{phaseCore: core}
	}
}

// ModelUsage records the token spend of one stage invocation.
type ModelUsage struct {
	Stage        string  `json:"stage"`
	Model        string  `json:"model"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

type phaseCore struct {
	name       string
	runID      int64
	status     PhaseStatus
	score      *float64
	cost       float64
	attempt    int
	errors     []PhaseError
	modelUsage []ModelUsage
	raw        map[string]any
}

func (c *phaseCore) Name() string { return c.name }

// absorb records the outcome and returns the raw output document, if any.
func (c *phaseCore) absorb(outcome retry.Outcome) []byte {
	c.status = statusFor(outcome)
	c.attempt = outcome.Attempt
	c.score = outcome.Response.Score
	c.cost = stage.RoundCost(c.cost + outcome.Usage.Cost)
	model := outcome.Response.Model
	if model == "" && outcome.Record != nil {
		model = outcome.Record.ModelUsed
	}
	c.modelUsage = append(c.modelUsage, ModelUsage{
		Stage:        c.name,
		Model:        model,
		InputTokens:  outcome.Usage.InputTokens,
		OutputTokens: outcome.Usage.OutputTokens,
		Cost:         outcome.Usage.Cost,
	})
	if outcome.Status != retry.Completed {
		msg := outcome.Message
		if msg == "" && outcome.Err != nil {
			msg = outcome.Err.Error()
		}
		c.errors = append(c.errors, PhaseError{
			Phase:     c.name,
			Stage:     c.name,
			Error:     msg,
			Timestamp: time.Now().UTC(),
		})
		return nil
	}
	text := strings.TrimSpace(stage.StripCodeFence(outcome.Response.Output))
	if text == "" {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		c.raw = map[string]any{"text": text}
		return nil
	}
	c.raw = doc
	return []byte(text)
}

func (c *phaseCore) result(output map[string]any, meta map[string]any) PhaseResult {
	if c.status != PhaseComplete {
		output = nil
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["attempt"] = c.attempt
	if c.score != nil {
		meta["score"] = *c.score
	}
	return PhaseResult{
		RunID:  c.runID,
		Status: c.status,
		Output: output,
		Cost:   c.cost,
		Errors: append([]PhaseError(nil), c.errors...),
		Meta:   meta,
	}
}

type genericState struct {
	phaseCore
}

func (g *genericState) Input(state *PipelineState) map[string]any {
	input := map[string]any{"run_id": state.RunID}
	if prev := state.LastOutput(); prev != nil {
		input["previous"] = prev
	}
	return input
}

func (g *genericState) Absorb(outcome retry.Outcome) { g.absorb(outcome) }

func (g *genericState) Result() PhaseResult { return g.result(g.raw, nil) }
