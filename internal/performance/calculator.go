// Package performance computes each user's weekly return and persists
// the weekly leaderboard.
//
// A user's total value at an instant is their wallet value plus their
// portfolio value. Both are reconstructed from history, never from live
// state: the wallet folds its transaction log, and the portfolio prices
// net holdings from order history at the club's NAV as of that instant.
// Weeks run Monday 00:00 UTC to the next Monday.
package performance

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kickcap/exchange-engine/internal/metrics"
	"github.com/kickcap/exchange-engine/internal/model"
	"github.com/kickcap/exchange-engine/internal/store"
)

// minDenominator keeps the weekly return defined for users whose week
// started from nothing.
var minDenominator = decimal.NewFromFloat(0.01)

// WeekStart normalizes t to its week's Monday 00:00 UTC.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	offset := (int(midnight.Weekday()) + 6) % 7
	return midnight.AddDate(0, 0, -offset)
}

// Calculator computes weekly performance from stored history.
type Calculator struct {
	store store.Store
}

// NewCalculator creates a performance calculator.
func NewCalculator(st store.Store) *Calculator {
	return &Calculator{store: st}
}

// WalletValueAt folds the user's wallet transactions created strictly
// before t. The live wallet row is never consulted.
func (c *Calculator) WalletValueAt(ctx context.Context, userID string, t time.Time) (decimal.Decimal, error) {
	txns, err := c.store.GetWalletTransactionsBefore(ctx, userID, t)
	if err != nil {
		return decimal.Decimal{}, err
	}
	total := decimal.Zero
	for _, txn := range txns {
		total = total.Add(txn.Amount)
	}
	return total, nil
}

// PortfolioValueAt prices the user's net holdings from orders executed at
// or before t, using each club's NAV as of t. Clubs with no ledger entry
// before t are priced at their launch price.
func (c *Calculator) PortfolioValueAt(ctx context.Context, userID string, t time.Time) (decimal.Decimal, error) {
	orders, err := c.store.GetOrdersByUserThrough(ctx, userID, t)
	if err != nil {
		return decimal.Decimal{}, err
	}

	holdings := make(map[string]int64)
	for _, o := range orders {
		switch o.Side {
		case model.SideBuy:
			holdings[o.ClubID] += o.Quantity
		case model.SideSell:
			holdings[o.ClubID] -= o.Quantity
		}
	}

	total := decimal.Zero
	for clubID, qty := range holdings {
		if qty <= 0 {
			continue
		}
		nav, err := c.navAt(ctx, clubID, t)
		if err != nil {
			return decimal.Decimal{}, err
		}
		total = total.Add(nav.Mul(decimal.NewFromInt(qty)))
	}
	return total, nil
}

func (c *Calculator) navAt(ctx context.Context, clubID string, t time.Time) (decimal.Decimal, error) {
	entry, err := c.store.GetLastEntryBefore(ctx, clubID, t)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if entry != nil {
		return entry.NAVAfter, nil
	}
	club, err := c.store.GetClub(ctx, clubID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return club.LaunchPricePerShare, nil
}

// computeUser builds one user's unranked leaderboard entry for the week
// [weekStart, weekEnd).
func (c *Calculator) computeUser(ctx context.Context, userID string, weekStart, weekEnd time.Time) (*model.LeaderboardEntry, error) {
	startWallet, err := c.WalletValueAt(ctx, userID, weekStart)
	if err != nil {
		return nil, err
	}
	endWallet, err := c.WalletValueAt(ctx, userID, weekEnd)
	if err != nil {
		return nil, err
	}
	startPortfolio, err := c.PortfolioValueAt(ctx, userID, weekStart)
	if err != nil {
		return nil, err
	}
	endPortfolio, err := c.PortfolioValueAt(ctx, userID, weekEnd)
	if err != nil {
		return nil, err
	}

	txns, err := c.store.GetWalletTransactionsBefore(ctx, userID, weekEnd)
	if err != nil {
		return nil, err
	}
	deposits := decimal.Zero
	for _, txn := range txns {
		if txn.Kind == model.WalletDeposit && !txn.CreatedAt.Before(weekStart) {
			deposits = deposits.Add(txn.Amount)
		}
	}

	start := startWallet.Add(startPortfolio)
	end := endWallet.Add(endPortfolio)

	// Deposits during the week are not gains, so they are subtracted from
	// the numerator and widen the denominator: depositing late in the
	// week cannot manufacture a huge return on a small starting value.
	denominator := start
	if deposits.GreaterThan(denominator) {
		denominator = deposits
	}
	if minDenominator.GreaterThan(denominator) {
		denominator = minDenominator
	}
	weeklyReturn := end.Sub(start).Sub(deposits).Div(denominator)

	return &model.LeaderboardEntry{
		UserID:              userID,
		WeekStart:           weekStart,
		StartWalletValue:    startWallet,
		EndWalletValue:      endWallet,
		StartPortfolioValue: startPortfolio,
		EndPortfolioValue:   endPortfolio,
		DepositsDuringWeek:  deposits,
		WeeklyReturn:        weeklyReturn,
	}, nil
}

// RunWeek computes and persists the leaderboard for the week containing
// weekStart. A week that was already computed is returned as stored, with
// computed=false; nothing is recalculated or overwritten.
func (c *Calculator) RunWeek(ctx context.Context, weekStart time.Time) ([]model.LeaderboardEntry, bool, error) {
	weekStart = WeekStart(weekStart)
	weekEnd := weekStart.AddDate(0, 0, 7)

	exists, err := c.store.LeaderboardExists(ctx, weekStart)
	if err != nil {
		return nil, false, err
	}
	if exists {
		entries, err := c.store.GetLeaderboard(ctx, weekStart)
		if err != nil {
			return nil, false, err
		}
		slog.Info("leaderboard already computed", "week", weekStart.Format("2006-01-02"))
		return entries, false, nil
	}

	users, err := c.store.ListTradingUserIDs(ctx)
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	entries := make([]model.LeaderboardEntry, 0, len(users))
	for _, userID := range users {
		entry, err := c.computeUser(ctx, userID, weekStart, weekEnd)
		if err != nil {
			return nil, false, err
		}
		entry.ID = uuid.New().String()
		entry.IsLatest = true
		entry.ComputedAt = now
		entries = append(entries, *entry)
	}
	if len(entries) == 0 {
		return entries, true, nil
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].WeeklyReturn.Equal(entries[j].WeeklyReturn) {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].WeeklyReturn.GreaterThan(entries[j].WeeklyReturn)
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}

	if err := c.store.SaveLeaderboard(ctx, weekStart, entries); err != nil {
		return nil, false, err
	}

	metrics.LeaderboardRuns.Inc()
	slog.Info("leaderboard computed",
		"week", weekStart.Format("2006-01-02"),
		"users", len(entries),
	)
	return entries, true, nil
}
