// Package valuation implements share pricing for club markets.
//
// A club's net asset value (NAV) is its market capitalization divided by
// shares outstanding; before any shares exist the launch price stands in.
// Match settlements move a fixed fraction of the losing club's
// capitalization to the winner, with a hard floor under the loser.
//
// All monetary values use shopspring/decimal — never float64 for money.
package valuation

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidEpsilon is returned when the quote tolerance is not positive.
	ErrInvalidEpsilon = errors.New("valuation: price epsilon must be positive")

	// ErrInvalidTransferRate is returned when the loss transfer rate is
	// outside (0, 1).
	ErrInvalidTransferRate = errors.New("valuation: transfer rate must be in (0, 1)")

	// ErrInvalidMinCap is returned when the capitalization floor is negative.
	ErrInvalidMinCap = errors.New("valuation: minimum capitalization must be non-negative")

	// NAVScale is the number of decimal places NAV is rounded to.
	NAVScale int32 = 8
)

// NAV returns capitalization / sharesOutstanding, falling back to the
// launch price while no shares are outstanding.
func NAV(capitalization decimal.Decimal, sharesOutstanding int64, launchPrice decimal.Decimal) decimal.Decimal {
	if sharesOutstanding == 0 {
		return launchPrice
	}
	return capitalization.Div(decimal.NewFromInt(sharesOutstanding)).Round(NAVScale)
}

// Valuer holds the pricing parameters shared by the trade and settlement
// paths. It is stateless — club state is passed as arguments, not stored.
type Valuer struct {
	epsilon      decimal.Decimal
	transferRate decimal.Decimal
	minCap       decimal.Decimal
}

// NewValuer creates a Valuer. epsilon is the maximum allowed deviation
// between a quoted price and the live NAV, transferRate the fraction of a
// losing club's capitalization moved to the winner, and minCap the floor a
// losing club can never be pushed below.
func NewValuer(epsilon, transferRate, minCap decimal.Decimal) (*Valuer, error) {
	if epsilon.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidEpsilon
	}
	if transferRate.LessThanOrEqual(decimal.Zero) || transferRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, ErrInvalidTransferRate
	}
	if minCap.IsNegative() {
		return nil, ErrInvalidMinCap
	}
	return &Valuer{
		epsilon:      epsilon,
		transferRate: transferRate,
		minCap:       minCap,
	}, nil
}

// Epsilon returns the quote tolerance.
func (v *Valuer) Epsilon() decimal.Decimal { return v.epsilon }

// TransferRate returns the loss transfer rate.
func (v *Valuer) TransferRate() decimal.Decimal { return v.transferRate }

// MinCap returns the capitalization floor.
func (v *Valuer) MinCap() decimal.Decimal { return v.minCap }

// QuoteFresh reports whether a quoted price is within epsilon of the live
// NAV. Quotes that drift further are stale and must be re-fetched.
func (v *Valuer) QuoteFresh(quoted, nav decimal.Decimal) bool {
	return quoted.Sub(nav).Abs().LessThanOrEqual(v.epsilon)
}

// LosingTransfer computes the settlement transfer for a losing club.
// The transfer is transferRate × loserCap, always credited in full to the
// winner; the loser's new capitalization is floored at minCap, so the
// debit actually applied to the loser may be smaller than the transfer.
func (v *Valuer) LosingTransfer(loserCap decimal.Decimal) (transfer, flooredCap decimal.Decimal) {
	transfer = loserCap.Mul(v.transferRate)
	flooredCap = loserCap.Sub(transfer)
	if flooredCap.LessThan(v.minCap) {
		flooredCap = v.minCap
	}
	return transfer, flooredCap
}
