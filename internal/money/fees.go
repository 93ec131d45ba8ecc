/**
 * @description
 * Processor fee arithmetic for settlements. The processor charges a fixed
 * percentage plus a flat amount on every disbursed charge; these helpers convert
 * between gross and net amounts under that model.
 *
 * @notes
 * - Every intermediate result is rounded to cents (half away from zero) before it
 *   feeds the next step, so quotes match what the processor statement shows.
 *
 * @dependencies
 * - github.com/shopspring/decimal: exact decimal arithmetic for currency values.
 */
package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrNegativeAmount  = errors.New("amount must not be negative")
	ErrInvalidFeeModel = errors.New("fee percent must be in [0, 1) and flat fee must not be negative")
)

var (
	// DefaultFeePercent is 2.9%.
	DefaultFeePercent = decimal.RequireFromString("0.029")
	// DefaultFeeFlat is $0.30.
	DefaultFeeFlat = decimal.RequireFromString("0.30")
)

// Round2 rounds to cents, half away from zero.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// IsWholeCents reports whether d has no fractional cents.
func IsWholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

// FeeCalculator applies a percentage-plus-flat processor fee model.
type FeeCalculator struct {
	Percent decimal.Decimal
	Flat    decimal.Decimal
}

// Disbursement is the priced outcome of moving an amount out of a gift pool.
type Disbursement struct {
	NetToRecipient decimal.Decimal `json:"net_to_recipient"`
	TotalCharged   decimal.Decimal `json:"total_charged"`
	Fee            decimal.Decimal `json:"fee"`
}

// NewFeeCalculator validates the fee model.
func NewFeeCalculator(percent, flat decimal.Decimal) (FeeCalculator, error) {
	if percent.IsNegative() || percent.GreaterThanOrEqual(decimal.NewFromInt(1)) || flat.IsNegative() {
		return FeeCalculator{}, ErrInvalidFeeModel
	}
	return FeeCalculator{Percent: percent, Flat: flat}, nil
}

// DefaultFeeCalculator returns the 2.9% + $0.30 model.
func DefaultFeeCalculator() FeeCalculator {
	return FeeCalculator{Percent: DefaultFeePercent, Flat: DefaultFeeFlat}
}

// TotalWithFeesForNet returns the gross charge that leaves exactly net after the fee.
func (c FeeCalculator) TotalWithFeesForNet(net decimal.Decimal) decimal.Decimal {
	numerator := Round2(net.Add(c.Flat))
	return Round2(numerator.Div(decimal.NewFromInt(1).Sub(c.Percent)))
}

// FeeFromTotal returns the fee implied by a known gross charge.
func (c FeeCalculator) FeeFromTotal(total decimal.Decimal) decimal.Decimal {
	return Round2(Round2(total.Mul(c.Percent)).Add(c.Flat))
}

// FeeFromAmount returns the fee deducted from amount when the payer does not cover it.
func (c FeeCalculator) FeeFromAmount(amount decimal.Decimal) decimal.Decimal {
	return Round2(Round2(amount.Mul(c.Percent)).Add(c.Flat))
}

// ComputeDisbursement prices amount. When feeCovered is true the pool absorbs
// the fee on top of amount; otherwise the fee comes out of amount.
func (c FeeCalculator) ComputeDisbursement(amount decimal.Decimal, feeCovered bool) Disbursement {
	amount = Round2(amount)
	if feeCovered {
		total := c.TotalWithFeesForNet(amount)
		return Disbursement{
			NetToRecipient: amount,
			TotalCharged:   total,
			Fee:            total.Sub(amount),
		}
	}

	fee := c.FeeFromAmount(amount)
	if fee.GreaterThan(amount) {
		// The processor cannot take more than was charged.
		fee = amount
	}
	return Disbursement{
		NetToRecipient: decimal.Max(decimal.Zero, amount.Sub(fee)),
		TotalCharged:   amount,
		Fee:            fee,
	}
}

// Quote is ComputeDisbursement with input validation for callers handling user input.
func (c FeeCalculator) Quote(amount decimal.Decimal, feeCovered bool) (Disbursement, error) {
	if amount.IsNegative() {
		return Disbursement{}, ErrNegativeAmount
	}
	return c.ComputeDisbursement(amount, feeCovered), nil
}
