// Package model defines the core domain types shared across the exchange engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of a share order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderStatus is the lifecycle state of an order. Orders are never
// mutated once they reach StatusFilled.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// EntryKind classifies a ledger entry by the event that produced it.
type EntryKind string

const (
	EntrySharePurchase    EntryKind = "SHARE_PURCHASE"
	EntryShareSale        EntryKind = "SHARE_SALE"
	EntryMatchWin         EntryKind = "MATCH_WIN"
	EntryMatchLoss        EntryKind = "MATCH_LOSS"
	EntryMatchDraw        EntryKind = "MATCH_DRAW"
	EntryInitial          EntryKind = "INITIAL"
	EntryManualAdjustment EntryKind = "MANUAL_ADJUSTMENT"
)

// FixtureStatus tracks a fixture through its lifecycle.
type FixtureStatus string

const (
	FixtureScheduled FixtureStatus = "SCHEDULED"
	FixtureLive      FixtureStatus = "LIVE"
	FixtureSettled   FixtureStatus = "SETTLED"
	FixturePostponed FixtureStatus = "POSTPONED"
)

// MatchResult is the outcome of a fixture. A fixture settles exactly once,
// on the transition away from ResultPending.
type MatchResult string

const (
	ResultPending MatchResult = "PENDING"
	ResultHomeWin MatchResult = "HOME_WIN"
	ResultAwayWin MatchResult = "AWAY_WIN"
	ResultDraw    MatchResult = "DRAW"
)

// WalletTxnKind classifies a wallet transaction.
type WalletTxnKind string

const (
	WalletDeposit      WalletTxnKind = "DEPOSIT"
	WalletPurchase     WalletTxnKind = "PURCHASE"
	WalletSaleProceeds WalletTxnKind = "SALE_PROCEEDS"
	WalletRefund       WalletTxnKind = "REFUND"
)

// Club is a tradable synthetic security over a sports club. Capitalization
// and shares outstanding change only through engine transactions that hold
// the club's row lock; InitialCapitalization is immutable after launch.
type Club struct {
	ID                    string          `json:"id" db:"id"`
	Name                  string          `json:"name" db:"name"`
	Capitalization        decimal.Decimal `json:"capitalization" db:"capitalization"`
	SharesOutstanding     int64           `json:"shares_outstanding" db:"shares_outstanding"`
	InitialCapitalization decimal.Decimal `json:"initial_capitalization" db:"initial_capitalization"`
	LaunchPricePerShare   decimal.Decimal `json:"launch_price_per_share" db:"launch_price_per_share"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
}

// Order is an executed (or rejected) share order. Once Status is FILLED the
// row is immutable: the Before/After snapshots preserve the club state at
// execution for point-in-time portfolio valuation.
type Order struct {
	ID                      string          `json:"id" db:"id"`
	UserID                  string          `json:"user_id" db:"user_id"`
	ClubID                  string          `json:"club_id" db:"club_id"`
	Side                    OrderSide       `json:"side" db:"side"`
	Quantity                int64           `json:"quantity" db:"quantity"`
	PricePerShare           decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	TotalAmount             decimal.Decimal `json:"total_amount" db:"total_amount"`
	Status                  OrderStatus     `json:"status" db:"status"`
	CapitalizationBefore    decimal.Decimal `json:"capitalization_before" db:"capitalization_before"`
	CapitalizationAfter     decimal.Decimal `json:"capitalization_after" db:"capitalization_after"`
	SharesOutstandingBefore int64           `json:"shares_outstanding_before" db:"shares_outstanding_before"`
	SharesOutstandingAfter  int64           `json:"shares_outstanding_after" db:"shares_outstanding_after"`
	ExecutedAt              time.Time       `json:"executed_at" db:"executed_at"`
}

// Position is a user's aggregate holding in one club. No per-lot cost
// basis is kept; TotalInvested moves by the full order amount on buys and
// by average cost on sells. The valuation fields are computed at read time
// and not persisted.
type Position struct {
	UserID        string          `json:"user_id" db:"user_id"`
	ClubID        string          `json:"club_id" db:"club_id"`
	Quantity      int64           `json:"quantity" db:"quantity"`
	TotalInvested decimal.Decimal `json:"total_invested" db:"total_invested"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`

	CurrentNAV    decimal.Decimal `json:"current_nav,omitempty" db:"-"`
	CurrentValue  decimal.Decimal `json:"current_value,omitempty" db:"-"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl,omitempty" db:"-"`
}

// LedgerEntry is an immutable record of one capitalization change.
// Entries are append-only: no update or delete path exists anywhere.
// The authoritative ordering within a club is (EventTimestamp, InsertSeq);
// InsertSeq breaks ties only and carries no cross-club meaning.
type LedgerEntry struct {
	ID                      string          `json:"id" db:"id"`
	InsertSeq               int64           `json:"insert_seq" db:"insert_seq"`
	ClubID                  string          `json:"club_id" db:"club_id"`
	Kind                    EntryKind       `json:"kind" db:"kind"`
	EventTimestamp          time.Time       `json:"event_timestamp" db:"event_timestamp"`
	CapitalizationBefore    decimal.Decimal `json:"capitalization_before" db:"capitalization_before"`
	CapitalizationAfter     decimal.Decimal `json:"capitalization_after" db:"capitalization_after"`
	SharesOutstandingBefore int64           `json:"shares_outstanding_before" db:"shares_outstanding_before"`
	SharesOutstandingAfter  int64           `json:"shares_outstanding_after" db:"shares_outstanding_after"`
	NAVBefore               decimal.Decimal `json:"nav_before" db:"nav_before"`
	NAVAfter                decimal.Decimal `json:"nav_after" db:"nav_after"`
	PriceImpact             decimal.Decimal `json:"price_impact" db:"price_impact"` // capAfter - capBefore (signed)
	SharesTraded            int64           `json:"shares_traded" db:"shares_traded"`
	OpponentClubID          string          `json:"opponent_club_id,omitempty" db:"opponent_club_id"`
	OpponentName            string          `json:"opponent_name,omitempty" db:"opponent_name"`
	MatchResult             MatchResult     `json:"match_result,omitempty" db:"match_result"`
	Score                   string          `json:"score,omitempty" db:"score"`
	Note                    string          `json:"note,omitempty" db:"note"`
	TriggerType             string          `json:"trigger_type" db:"trigger_type"` // "order", "fixture", "launch", "adjustment"
	TriggerID               string          `json:"trigger_id" db:"trigger_id"`
}

// Fixture is a scheduled match between two clubs. Result stays PENDING
// until settlement; the PENDING→non-PENDING transition is guarded by a
// compare-and-set so each fixture settles at most once.
type Fixture struct {
	ID         string        `json:"id" db:"id"`
	HomeClubID string        `json:"home_club_id" db:"home_club_id"`
	AwayClubID string        `json:"away_club_id" db:"away_club_id"`
	KickoffAt  time.Time     `json:"kickoff_at" db:"kickoff_at"`
	BuyCloseAt time.Time     `json:"buy_close_at" db:"buy_close_at"` // trading halts at this instant
	Status     FixtureStatus `json:"status" db:"status"`
	Result     MatchResult   `json:"result" db:"result"`
	Score      string        `json:"score,omitempty" db:"score"`
	SettledAt  *time.Time    `json:"settled_at,omitempty" db:"settled_at"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
}

// Transfer records the capital moved by one settled non-draw fixture.
// FixtureID is unique: at most one transfer per fixture.
type Transfer struct {
	ID             string          `json:"id" db:"id"`
	FixtureID      string          `json:"fixture_id" db:"fixture_id"`
	WinnerClubID   string          `json:"winner_club_id" db:"winner_club_id"`
	LoserClubID    string          `json:"loser_club_id" db:"loser_club_id"`
	TransferAmount decimal.Decimal `json:"transfer_amount" db:"transfer_amount"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Wallet holds a user's spendable cash balance.
type Wallet struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// WalletTransaction is an append-only wallet movement. Amount is signed:
// deposits, sale proceeds and refunds are positive, purchases negative.
// ReferenceID is unique and makes every movement idempotent.
type WalletTransaction struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Kind        WalletTxnKind   `json:"kind" db:"kind"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	ReferenceID string          `json:"reference_id" db:"reference_id"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// LeaderboardEntry is one user's computed performance for one week.
// (UserID, WeekStart) is unique; IsLatest marks the most recent completed
// week and is swapped atomically when a new week is persisted.
type LeaderboardEntry struct {
	ID                  string          `json:"id" db:"id"`
	UserID              string          `json:"user_id" db:"user_id"`
	WeekStart           time.Time       `json:"week_start" db:"week_start"`
	Rank                int             `json:"rank" db:"rank"`
	StartWalletValue    decimal.Decimal `json:"start_wallet_value" db:"start_wallet_value"`
	EndWalletValue      decimal.Decimal `json:"end_wallet_value" db:"end_wallet_value"`
	StartPortfolioValue decimal.Decimal `json:"start_portfolio_value" db:"start_portfolio_value"`
	EndPortfolioValue   decimal.Decimal `json:"end_portfolio_value" db:"end_portfolio_value"`
	DepositsDuringWeek  decimal.Decimal `json:"deposits_during_week" db:"deposits_during_week"`
	WeeklyReturn        decimal.Decimal `json:"weekly_return" db:"weekly_return"`
	IsLatest            bool            `json:"is_latest" db:"is_latest"`
	ComputedAt          time.Time       `json:"computed_at" db:"computed_at"`
}
