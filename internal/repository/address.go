package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront-payments/internal/domain/address"
)

const (
	addressColumns = `id, user_id, first_name, last_name, street, city, state, zipcode, country, phone`

	findAddressSQL = `SELECT ` + addressColumns + ` FROM addresses WHERE id = $1`

	upsertAddressSQL = `INSERT INTO addresses (` + addressColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name,
			street = EXCLUDED.street, city = EXCLUDED.city, state = EXCLUDED.state,
			zipcode = EXCLUDED.zipcode, country = EXCLUDED.country, phone = EXCLUDED.phone
		WHERE addresses.user_id = EXCLUDED.user_id`
)

var _ address.Repository = (*AddressRepository)(nil)

// AddressRepository implements address.Repository backed by PostgreSQL.
type AddressRepository struct {
	pool *pgxpool.Pool
}

// NewAddressRepository returns an AddressRepository that uses the given pool.
func NewAddressRepository(pool *pgxpool.Pool) *AddressRepository {
	return &AddressRepository{pool: pool}
}

// FindByID returns the address or address.ErrNotFound.
func (r *AddressRepository) FindByID(ctx context.Context, id string) (*address.Address, error) {
	rows, err := r.pool.Query(ctx, findAddressSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting address %q: %w", id, err)
	}
	a, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (address.Address, error) {
		var a address.Address
		err := row.Scan(&a.ID, &a.UserID, &a.FirstName, &a.LastName, &a.Street,
			&a.City, &a.State, &a.Zipcode, &a.Country, &a.Phone)
		return a, err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, address.ErrNotFound
		}
		return nil, fmt.Errorf("getting address %q: %w", id, err)
	}
	return &a, nil
}

// Upsert saves an address. An existing address owned by another user is
// left untouched.
func (r *AddressRepository) Upsert(ctx context.Context, a address.Address) error {
	_, err := r.pool.Exec(ctx, upsertAddressSQL, a.ID, a.UserID, a.FirstName, a.LastName,
		a.Street, a.City, a.State, a.Zipcode, a.Country, a.Phone)
	if err != nil {
		return fmt.Errorf("upserting address %q: %w", a.ID, err)
	}
	return nil
}
