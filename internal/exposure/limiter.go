// Package exposure implements per-user position limits for share
// purchases.
//
// A user accumulating shares across every club in a league has
// concentrated risk on the league's settlement cycle: one bad weekend
// of fixtures can move all of it at once. This package caps the share
// count a user may hold in any single club and the total cost basis
// across their whole portfolio, and rejects purchases that would breach
// either cap before they reach the books.
package exposure

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/kickcap/exchange-engine/internal/model"
)

var (
	// ErrClubLimitExceeded is returned when a purchase would push the
	// user's holding in a single club beyond the per-club maximum.
	ErrClubLimitExceeded = errors.New("exposure: per-club share limit exceeded")

	// ErrPortfolioLimitExceeded is returned when a purchase would push
	// the user's total invested cost across all clubs beyond the
	// portfolio maximum.
	ErrPortfolioLimitExceeded = errors.New("exposure: portfolio cost limit exceeded")
)

// Limiter enforces purchase limits against a user's open positions.
type Limiter struct {
	// MaxSharesPerClub is the maximum number of shares a user may hold
	// in any single club.
	MaxSharesPerClub int64

	// MaxTotalInvested is the maximum aggregate cost basis across all
	// of a user's positions.
	MaxTotalInvested decimal.Decimal
}

// NewLimiter creates a limiter with the given per-club and portfolio
// limits.
func NewLimiter(maxSharesPerClub int64, maxTotalInvested decimal.Decimal) *Limiter {
	return &Limiter{
		MaxSharesPerClub: maxSharesPerClub,
		MaxTotalInvested: maxTotalInvested,
	}
}

// Check validates whether a purchase respects position limits.
//
// Parameters:
//   - clubID: club whose shares are being bought
//   - sharesDelta: number of shares the purchase adds
//   - costDelta: cost basis the purchase adds
//   - positions: the user's current open positions
//
// Returns nil if the purchase is within limits, or an error describing
// the violation.
func (l *Limiter) Check(
	clubID string,
	sharesDelta int64,
	costDelta decimal.Decimal,
	positions []model.Position,
) error {
	// 1. Per-club share limit.
	var currentInClub int64
	for _, p := range positions {
		if p.ClubID == clubID {
			currentInClub = p.Quantity
			break
		}
	}
	if currentInClub+sharesDelta > l.MaxSharesPerClub {
		return ErrClubLimitExceeded
	}

	// 2. Portfolio cost limit: sum cost basis across every position.
	totalInvested := costDelta
	for _, p := range positions {
		totalInvested = totalInvested.Add(p.TotalInvested)
	}
	if totalInvested.GreaterThan(l.MaxTotalInvested) {
		return ErrPortfolioLimitExceeded
	}

	return nil
}
