package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Deterministic is a scripted executor for development and tests. It echoes
// the request as a JSON document and reports a fixed score.
type Deterministic struct {
	Score float64
	Model string
}

// NewDeterministic builds a deterministic executor reporting score.
func NewDeterministic(score float64) *Deterministic {
	return &Deterministic{Score: score, Model: "deterministic"}
}

// Execute implements Executor.
func (d *Deterministic) Execute(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	keys := make([]string, 0, len(req.Input))
	for key := range req.Input {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	output, err := json.Marshal(map[string]any{
		"stage":       req.Stage,
		"attempt":     req.Attempt,
		"temperature": req.Temperature,
		"inputs":      keys,
		"summary":     fmt.Sprintf("%s output for run %d", req.Stage, req.RunID),
	})
	if err != nil {
		return Response{}, err
	}
	prompt := fmt.Sprintf("stage=%s run=%d attempt=%d temperature=%.2f", req.Stage, req.RunID, req.Attempt, req.Temperature)
	score := d.Score
	model := d.Model
	if req.Model != "" {
		model = req.Model
	}
	return Response{
		Output:       string(output),
		Score:        &score,
		Model:        model,
		Prompt:       prompt,
		InputTokens:  int64(len(prompt)),
		OutputTokens: int64(len(output)),
	}, nil
}

// HealthCheck implements HealthChecker.
func (d *Deterministic) HealthCheck(context.Context) Health {
	return Healthy("deterministic")
}
