package store

import (
	"errors"
	"fmt"

	"pmwflow/internal/services"
)

// ErrNotClaimed reports that a stage was no longer pending when a worker tried
// to claim it. It is an expected dispatch race, not a failure.
var ErrNotClaimed = errors.New("stage not claimed")

// ErrInvalidTransition reports a status update rejected by its guard.
var ErrInvalidTransition = fmt.Errorf("%w: status transition not allowed", services.ErrInvalidState)

// ErrRunNotFound reports a missing run.
var ErrRunNotFound = fmt.Errorf("%w: workflow run", services.ErrNotFound)
