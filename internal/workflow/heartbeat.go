package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"pmwflow/internal/logging"
	"pmwflow/internal/store"
)

// LeaseHeartbeat keeps a run's lease alive while one of its stages executes.
type LeaseHeartbeat struct {
	store    *store.Store
	logger   *slog.Logger
	interval time.Duration
	lease    time.Duration
}

// NewLeaseHeartbeat creates a heartbeat that extends leases by lease every interval.
func NewLeaseHeartbeat(st *store.Store, logger *slog.Logger, interval, lease time.Duration) *LeaseHeartbeat {
	if interval <= 0 {
		interval = lease / 3
	}
	return &LeaseHeartbeat{
		store:    st,
		logger:   logger,
		interval: interval,
		lease:    lease,
	}
}

// StartLoop extends the lease of runID until ctx is cancelled or the run is
// no longer leased.
func (h *LeaseHeartbeat) StartLoop(ctx context.Context, wg *sync.WaitGroup, runID int64) {
	defer wg.Done()
	if h.interval <= 0 {
		return
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	logger := logging.WithContext(ctx, h.logger.With(logging.String("component", "workflow-heartbeat")))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			leased, err := h.store.ExtendLease(ctx, runID, h.lease)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Warn("lease heartbeat failed",
					logging.Error(err),
					logging.EventType("heartbeat_failed"),
					logging.String(logging.FieldErrorHint, "check database connectivity; the reaper reclaims the stage if the lease expires"),
				)
				continue
			}
			if !leased {
				logger.Debug("run no longer leased; heartbeat stopped")
				return
			}
		}
	}
}

// Guard runs fn while the lease of runID is extended in the background.
func (h *LeaseHeartbeat) Guard(ctx context.Context, runID int64, fn func() error) error {
	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go h.StartLoop(hbCtx, &hbWG, runID)

	err := fn()
	hbCancel()
	hbWG.Wait()
	return err
}
