package api

import (
	"context"
	"fmt"

	"pmwflow/internal/store"
)

// RunReader abstracts the store queries needed for run views.
type RunReader interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
	GetRun(ctx context.Context, id int64) (*store.Run, error)
	ListStages(ctx context.Context, runID int64) ([]*store.Stage, error)
	ListInterventions(ctx context.Context, runID int64) ([]*store.Intervention, error)
}

// RunService exposes read-only run operations returning API DTOs.
type RunService struct {
	store RunReader
}

// NewRunService constructs a RunService around the provided reader.
func NewRunService(reader RunReader) *RunService {
	if reader == nil {
		return nil
	}
	return &RunService{store: reader}
}

// List returns runs, newest first, filtered by status.
func (s *RunService) List(ctx context.Context, limit int, statuses ...store.RunStatus) ([]Run, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	runs, err := s.store.ListRuns(ctx, store.RunFilter{Statuses: statuses, Limit: limit})
	if err != nil {
		return nil, err
	}
	return FromRuns(runs), nil
}

// Describe fetches one run with its attempt rows and interventions. A missing
// run returns nil without error.
func (s *RunService) Describe(ctx context.Context, id int64) (*RunDetail, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	run, err := s.store.GetRun(ctx, id)
	if err != nil || run == nil {
		return nil, err
	}
	stages, err := s.store.ListStages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	interventions, err := s.store.ListInterventions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	return &RunDetail{
		Run:           FromRun(run),
		Stages:        FromStages(stages),
		Interventions: FromInterventions(interventions),
	}, nil
}
