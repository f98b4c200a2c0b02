package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rrelayer/rrelayer-go/internal/apptypes"
)

// SaveWebhookDelivery upserts a delivery record. The dispatcher calls
// this after every attempt so a crash mid-retry loop loses nothing (spec
// §4.6).
func (s *Store) SaveWebhookDelivery(ctx context.Context, d *apptypes.WebhookDelivery) error {
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal webhook payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (
			id, relayer_id, endpoint, event_type, payload, attempts, max_retries,
			next_retry_at, completed, abandoned, last_error, created_at, last_attempt_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			attempts = excluded.attempts,
			next_retry_at = excluded.next_retry_at,
			completed = excluded.completed,
			abandoned = excluded.abandoned,
			last_error = excluded.last_error,
			last_attempt_at = excluded.last_attempt_at`,
		d.ID.String(), d.RelayerID.String(), d.Endpoint, string(d.EventType), string(payload),
		d.Attempts, d.MaxRetries, nullableTime(d.NextRetryAt), boolToInt(d.Completed), boolToInt(d.Abandoned),
		d.LastError, nullableTime(d.CreatedAt), nullableTime(d.LastAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("store: save webhook delivery: %w", err)
	}
	return nil
}

// DuePendingDeliveries returns every delivery not yet completed or
// abandoned whose next_retry_at has passed, used by the dispatcher's
// 30-second retry tick (spec §4.6).
func (s *Store) DuePendingDeliveries(ctx context.Context, now time.Time, limit int) ([]*apptypes.WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, relayer_id, endpoint, event_type, payload, attempts, max_retries,
			next_retry_at, completed, abandoned, last_error, created_at, last_attempt_at
		FROM webhook_deliveries
		WHERE completed = 0 AND abandoned = 0 AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at ASC LIMIT ?`, now.UTC().Format(timeFormat), limit)
	if err != nil {
		return nil, fmt.Errorf("store: due pending deliveries: %w", err)
	}
	defer rows.Close()

	var out []*apptypes.WebhookDelivery
	for rows.Next() {
		d, err := scanWebhookDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan webhook delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PruneCompleted deletes completed/abandoned deliveries older than before
// (spec §4.6's hourly DB-prune tick, bounded by the configured retention
// window).
func (s *Store) PruneCompleted(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM webhook_deliveries
		WHERE (completed = 1 OR abandoned = 1) AND created_at < ?`, before.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("store: prune completed deliveries: %w", err)
	}
	return res.RowsAffected()
}

func scanWebhookDelivery(row rowScanner) (*apptypes.WebhookDelivery, error) {
	var (
		idStr, relayerIDStr, eventType, payloadJSON string
		nextRetryAt, createdAt, lastAttemptAt        sql.NullString
		completed, abandoned                         int
		d                                             apptypes.WebhookDelivery
	)
	if err := row.Scan(&idStr, &relayerIDStr, &d.Endpoint, &eventType, &payloadJSON, &d.Attempts, &d.MaxRetries,
		&nextRetryAt, &completed, &abandoned, &d.LastError, &createdAt, &lastAttemptAt); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt delivery id %q: %w", idStr, err)
	}
	relayerID, err := uuid.Parse(relayerIDStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt relayer_id %q: %w", relayerIDStr, err)
	}
	d.ID = id
	d.RelayerID = relayerID
	d.EventType = apptypes.EventType(eventType)
	d.Completed = completed != 0
	d.Abandoned = abandoned != 0

	if err := json.Unmarshal([]byte(payloadJSON), &d.Payload); err != nil {
		return nil, fmt.Errorf("corrupt webhook payload: %w", err)
	}

	var parseErr error
	d.NextRetryAt, parseErr = parseNullTime(nextRetryAt, parseErr)
	d.CreatedAt, parseErr = parseNullTime(createdAt, parseErr)
	d.LastAttemptAt, parseErr = parseNullTime(lastAttemptAt, parseErr)
	if parseErr != nil {
		return nil, parseErr
	}
	return &d, nil
}
