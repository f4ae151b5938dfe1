// Package pricing turns requested line items into a priced quote.
//
// All amounts produced here are int64 minor currency units. Catalog prices
// are decimal major units and are converted exactly once, when the quote is
// built; nothing downstream re-reads the catalog.
package pricing

import (
	"context"
	"fmt"
	"math"
	"math/bits"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-payments/internal/domain/product"
)

// SurchargeRate is the fixed tax surcharge applied once to the subtotal.
var SurchargeRate = decimal.RequireFromString("0.02")

// MaxQuantity is the largest quantity accepted for a single line.
const MaxQuantity = 10_000

// ErrAmountOverflow is returned when a total does not fit in int64 minor
// units.
var ErrAmountOverflow = errors.New("order amount out of range")

// ProductNotFoundError indicates a requested product does not exist.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// Item is a requested product and quantity.
type Item struct {
	ProductID string
	Quantity  int
}

// Line is a priced item. UnitPrice is the snapshot taken at quote time.
type Line struct {
	ProductID string
	Name      string
	UnitPrice int64
	Quantity  int
}

// Total returns UnitPrice * Quantity. It wraps on overflow; use
// CheckedTotal for untrusted input.
func (l Line) Total() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

// CheckedTotal returns UnitPrice * Quantity or ErrAmountOverflow.
func (l Line) CheckedTotal() (int64, error) {
	if l.UnitPrice < 0 || l.Quantity < 0 {
		return 0, errors.Wrapf(ErrAmountOverflow, "product %s: negative line", l.ProductID)
	}
	hi, lo := bits.Mul64(uint64(l.UnitPrice), uint64(l.Quantity))
	if hi != 0 || lo > math.MaxInt64 {
		return 0, errors.Wrapf(ErrAmountOverflow, "product %s", l.ProductID)
	}
	return int64(lo), nil
}

func addChecked(a, b int64) (int64, error) {
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 || sum > math.MaxInt64 {
		return 0, ErrAmountOverflow
	}
	return int64(sum), nil
}

// Quote is the result of pricing a set of items.
type Quote struct {
	Lines     []Line
	Subtotal  int64
	Surcharge int64
	Amount    int64
}

// Engine computes order totals from current catalog prices.
type Engine struct {
	products product.Repository
}

// NewEngine creates an Engine reading prices from the given repository.
func NewEngine(products product.Repository) *Engine {
	return &Engine{products: products}
}

// ComputeTotal resolves every referenced product in a single batch and only
// then sums, so a lookup failure can never leave a partial total behind.
func (e *Engine) ComputeTotal(ctx context.Context, items []Item) (*Quote, error) {
	ids := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it.Quantity <= 0 || it.Quantity > MaxQuantity {
			return nil, errors.Errorf("product %s: quantity must be between 1 and %d", it.ProductID, MaxQuantity)
		}
		if _, ok := seen[it.ProductID]; ok {
			continue
		}
		seen[it.ProductID] = struct{}{}
		ids = append(ids, it.ProductID)
	}

	fetched, err := e.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}

	byID := make(map[string]product.Product, len(fetched))
	for _, p := range fetched {
		byID[p.ID] = p
	}

	lines := make([]Line, len(items))
	for i, it := range items {
		p, ok := byID[it.ProductID]
		if !ok {
			return nil, &ProductNotFoundError{ProductID: it.ProductID}
		}
		lines[i] = Line{
			ProductID: p.ID,
			Name:      p.Name,
			UnitPrice: MinorUnits(p.Price),
			Quantity:  it.Quantity,
		}
	}

	return Summarize(lines)
}

// Summarize computes subtotal, surcharge and amount for already priced
// lines. Line prices must be non-negative.
func Summarize(lines []Line) (*Quote, error) {
	var subtotal int64
	for _, l := range lines {
		total, err := l.CheckedTotal()
		if err != nil {
			return nil, err
		}
		if subtotal, err = addChecked(subtotal, total); err != nil {
			return nil, errors.Wrap(err, "subtotal")
		}
	}
	surcharge := Surcharge(subtotal)
	amount, err := addChecked(subtotal, surcharge)
	if err != nil {
		return nil, errors.Wrap(err, "amount")
	}
	return &Quote{
		Lines:     lines,
		Subtotal:  subtotal,
		Surcharge: surcharge,
		Amount:    amount,
	}, nil
}

// Surcharge returns floor(subtotal * SurchargeRate).
func Surcharge(subtotal int64) int64 {
	return decimal.NewFromInt(subtotal).Mul(SurchargeRate).Floor().IntPart()
}

// MinorUnits converts a major-unit price to minor units, rounding half away
// from zero past the second decimal place.
func MinorUnits(price decimal.Decimal) int64 {
	return price.Shift(2).Round(0).IntPart()
}
