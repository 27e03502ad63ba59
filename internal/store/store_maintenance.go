package store

import (
	"context"
	"fmt"
	"time"
)

// Stats returns a count of runs grouped by status.
func (s *Store) Stats(ctx context.Context) (map[RunStatus]int, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(1) FROM workflow_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[RunStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[RunStatus(status)] = count
	}
	return stats, rows.Err()
}

// Health aggregates run state for status output. Paused runs are running runs
// without a lease.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case RunPending:
			health.Pending += count
		case RunRunning:
			health.Running += count
		case RunCompleted:
			health.Completed += count
		case RunFailed:
			health.Failed += count
		}
	}
	if err := s.queryRow(
		ctx,
		`SELECT COUNT(1) FROM workflow_runs WHERE status = ? AND lock_expires_at IS NULL`,
		RunRunning,
	).Scan(&health.Paused); err != nil {
		return HealthSummary{}, fmt.Errorf("paused runs: %w", err)
	}
	return health, nil
}

// CheckHealth pings the database and reports the applied schema version.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{Driver: s.dialect.name, Location: s.location}
	if s.db == nil {
		return health, fmt.Errorf("database connection unavailable")
	}

	connCtx, cancel := context.WithTimeout(ensureContext(ctx), 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping database: %w", err)
	}
	health.Reachable = true

	version, err := s.AppliedVersion(connCtx)
	if err != nil {
		health.Error = err.Error()
		return health, err
	}
	health.AppliedVersion = version
	return health, nil
}
