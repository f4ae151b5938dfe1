package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront-payments/internal/domain/checkout"
)

const (
	saveSessionSQL = `INSERT INTO checkout_sessions (session_id, order_id, user_id, created_at)
		VALUES ($1, $2, $3, $4)`

	getSessionSQL = `SELECT session_id, order_id, user_id, created_at, consumed_at
		FROM checkout_sessions WHERE session_id = $1`

	consumeSessionSQL = `UPDATE checkout_sessions SET consumed_at = now()
		WHERE session_id = $1 AND consumed_at IS NULL`

	sessionExistsSQL = `SELECT EXISTS (SELECT 1 FROM checkout_sessions WHERE session_id = $1)`
)

var _ checkout.SessionStore = (*SessionRepository)(nil)

// SessionRepository stores checkout session correlation records.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository returns a SessionRepository that uses the given pool.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

func (r *SessionRepository) Save(ctx context.Context, rec checkout.Record) error {
	_, err := r.pool.Exec(ctx, saveSessionSQL, rec.SessionID, rec.OrderID, rec.UserID, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving session %q: %w", rec.SessionID, err)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*checkout.Record, error) {
	rows, err := r.pool.Query(ctx, getSessionSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("getting session %q: %w", sessionID, err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (checkout.Record, error) {
		var rec checkout.Record
		err := row.Scan(&rec.SessionID, &rec.OrderID, &rec.UserID, &rec.CreatedAt, &rec.ConsumedAt)
		return rec, err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, checkout.ErrSessionNotFound
		}
		return nil, fmt.Errorf("getting session %q: %w", sessionID, err)
	}
	return &rec, nil
}

// Consume sets consumed_at once. It returns checkout.ErrSessionNotFound for
// an unknown session.
func (r *SessionRepository) Consume(ctx context.Context, sessionID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, consumeSessionSQL, sessionID)
	if err != nil {
		return false, fmt.Errorf("consuming session %q: %w", sessionID, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, sessionExistsSQL, sessionID).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking session %q: %w", sessionID, err)
	}
	if !exists {
		return false, checkout.ErrSessionNotFound
	}
	return false, nil
}
