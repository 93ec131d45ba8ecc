package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrNegativePool      = errors.New("pool amount must not be negative")
	ErrFractionalCents   = errors.New("pool amount must be whole cents")
	ErrNoWeights         = errors.New("at least one weight is required to allocate a positive pool")
	ErrNonPositiveWeight = errors.New("weights must be greater than zero")
)

// Weight is one participant in a proportional split.
type Weight struct {
	ID     string
	Weight decimal.Decimal
}

// Share is a participant's slice of the pool.
type Share struct {
	ID     string          `json:"id"`
	Weight decimal.Decimal `json:"weight"`
	Share  decimal.Decimal `json:"share"`
}

// Allocate splits pool across weights in proportion to each weight. Each share
// is rounded to cents and the last entry absorbs whatever rounding difference
// remains, so the shares always sum to pool exactly. Input order is preserved.
func Allocate(pool decimal.Decimal, weights []Weight) ([]Share, error) {
	if pool.IsNegative() {
		return nil, ErrNegativePool
	}
	if !IsWholeCents(pool) {
		return nil, ErrFractionalCents
	}

	shares := make([]Share, len(weights))
	for i, w := range weights {
		shares[i] = Share{ID: w.ID, Weight: w.Weight, Share: decimal.Zero}
	}
	if pool.IsZero() {
		return shares, nil
	}
	if len(weights) == 0 {
		return nil, ErrNoWeights
	}

	total := decimal.Zero
	for _, w := range weights {
		if !w.Weight.IsPositive() {
			return nil, ErrNonPositiveWeight
		}
		total = total.Add(w.Weight)
	}

	allocated := decimal.Zero
	for i, w := range weights {
		share := Round2(pool.Mul(w.Weight).Div(total))
		shares[i].Share = share
		allocated = allocated.Add(share)
	}

	last := len(shares) - 1
	shares[last].Share = shares[last].Share.Add(pool.Sub(allocated))

	return shares, nil
}
