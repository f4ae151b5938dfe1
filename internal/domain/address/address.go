package address

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when an address does not exist.
var ErrNotFound = errors.New("address not found")

// Address is a saved shipping address.
type Address struct {
	ID        string
	UserID    string
	FirstName string
	LastName  string
	Street    string
	City      string
	State     string
	Zipcode   string
	Country   string
	Phone     string
}

// Repository reads saved addresses.
type Repository interface {
	FindByID(ctx context.Context, id string) (*Address, error)
}
