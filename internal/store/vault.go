package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InsertVaultEvent appends one chain link. The store never updates or deletes
// vault rows.
func (s *Store) InsertVaultEvent(ctx context.Context, event VaultEvent) (*VaultEvent, error) {
	created := event.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	var id int64
	err := s.retryOnBusy(ensureContext(ctx), func() error {
		return s.queryRow(
			ctx,
			`INSERT INTO vault_events (
                idempotency_key, event_type, run_id, stage_name, payload, payload_hash, previous_hash, created_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
			event.IdempotencyKey,
			event.EventType,
			event.RunID,
			nullableString(event.StageName),
			event.Payload,
			event.PayloadHash,
			event.PreviousHash,
			s.ts(created),
		).Scan(&id)
	})
	if err != nil {
		return nil, fmt.Errorf("insert vault event: %w", err)
	}
	event.ID = id
	event.CreatedAt = created
	return &event, nil
}

// LatestVaultHash returns the payload hash of the newest link for runID and
// whether one exists.
func (s *Store) LatestVaultHash(ctx context.Context, runID int64) (string, bool, error) {
	var hash string
	err := s.queryRow(ctx, `SELECT payload_hash FROM vault_events WHERE run_id = ? ORDER BY id DESC LIMIT 1`, runID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("latest vault hash: %w", err)
	}
	return hash, true, nil
}

// ListVaultEvents returns a run's chain in insertion order.
func (s *Store) ListVaultEvents(ctx context.Context, runID int64) ([]*VaultEvent, error) {
	rows, err := s.query(ctx, `SELECT `+vaultColumns+` FROM vault_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list vault events: %w", err)
	}
	defer rows.Close()

	var events []*VaultEvent
	for rows.Next() {
		event, err := scanVaultEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vault event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
