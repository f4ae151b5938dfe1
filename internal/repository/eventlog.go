package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront-payments/internal/domain/payment"
)

const (
	eventSeenSQL = `SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1)`

	recordEventSQL = `INSERT INTO webhook_events (event_id, event_type) VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`

	countEventsSQL = `SELECT count(*) FROM webhook_events`

	listEventIDsSQL = `SELECT event_id FROM webhook_events`
)

var _ payment.EventLog = (*EventLogRepository)(nil)

// EventLogRepository is the processed webhook event log.
type EventLogRepository struct {
	pool *pgxpool.Pool
}

// NewEventLogRepository returns an EventLogRepository that uses the given pool.
func NewEventLogRepository(pool *pgxpool.Pool) *EventLogRepository {
	return &EventLogRepository{pool: pool}
}

func (r *EventLogRepository) Seen(ctx context.Context, eventID string) (bool, error) {
	var seen bool
	if err := r.pool.QueryRow(ctx, eventSeenSQL, eventID).Scan(&seen); err != nil {
		return false, fmt.Errorf("checking event %q: %w", eventID, err)
	}
	return seen, nil
}

func (r *EventLogRepository) Record(ctx context.Context, eventID, eventType string) error {
	if _, err := r.pool.Exec(ctx, recordEventSQL, eventID, eventType); err != nil {
		return fmt.Errorf("recording event %q: %w", eventID, err)
	}
	return nil
}

// Count returns the number of processed events.
func (r *EventLogRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, countEventsSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

// EachID streams every processed event id to fn.
func (r *EventLogRepository) EachID(ctx context.Context, fn func(id string) error) error {
	rows, err := r.pool.Query(ctx, listEventIDsSQL)
	if err != nil {
		return fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scanning event id: %w", err)
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return rows.Err()
}
