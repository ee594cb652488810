// Package exchange executes share purchases and sales against club
// capitalization. Every fill moves the club's capitalization by the
// trade total, appends a chained ledger entry, and updates the buyer's
// position, all inside one row-locked store transaction.
//
// All monetary values use shopspring/decimal — never float64 for money.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kickcap/exchange-engine/internal/exposure"
	"github.com/kickcap/exchange-engine/internal/ledger"
	"github.com/kickcap/exchange-engine/internal/metrics"
	"github.com/kickcap/exchange-engine/internal/model"
	"github.com/kickcap/exchange-engine/internal/store"
	"github.com/kickcap/exchange-engine/internal/stream"
	"github.com/kickcap/exchange-engine/internal/valuation"
	"github.com/kickcap/exchange-engine/internal/wallet"
)

var (
	// ErrInvalidQuantity is returned when an order quantity is not a
	// positive whole number of shares.
	ErrInvalidQuantity = errors.New("exchange: quantity must be positive")

	// ErrInvalidPrice is returned when the quoted price is not positive.
	ErrInvalidPrice = errors.New("exchange: price must be positive")

	// ErrStalePrice is returned when the quoted price has drifted from
	// the club's NAV beyond the freshness epsilon.
	ErrStalePrice = errors.New("exchange: quoted price is stale")

	// ErrTradingClosed is returned when purchases are blocked by an
	// unsettled fixture past its buy-close time.
	ErrTradingClosed = errors.New("exchange: buying is closed until the fixture settles")

	// ErrInsufficientShares is returned when a sale exceeds the seller's
	// position.
	ErrInsufficientShares = errors.New("exchange: insufficient shares")

	// ErrInvalidAdjustment is returned when a manual adjustment has a zero
	// delta or would take capitalization negative.
	ErrInvalidAdjustment = errors.New("exchange: invalid adjustment")
)

// Service executes orders. Concurrency control lives in the store: the
// club row lock serializes fills per club, and lock waits beyond the
// configured timeout surface as store.ErrBusy.
type Service struct {
	store   store.Store
	valuer  *valuation.Valuer
	wallets *wallet.Service
	limiter *exposure.Limiter // optional position limits on purchases
	hub     *stream.Hub       // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new exchange service.
// Pass nil for limiter to disable position limits, and nil for hub if
// WebSocket broadcasting is not needed.
func NewService(st store.Store, valuer *valuation.Valuer, wallets *wallet.Service, limiter *exposure.Limiter, hub *stream.Hub) *Service {
	return &Service{
		store:   st,
		valuer:  valuer,
		wallets: wallets,
		limiter: limiter,
		hub:     hub,
	}
}

// Execution is the outcome of a filled order.
type Execution struct {
	Order *model.Order       `json:"order"`
	Entry *model.LedgerEntry `json:"entry"`
}

// ProcessPurchase fills a buy order: quantity shares at the quoted
// price, provided the quote is still fresh against NAV and no unsettled
// fixture has closed buying. The club's capitalization grows by the
// trade total, so NAV is unchanged when the quote equals NAV exactly.
func (s *Service) ProcessPurchase(ctx context.Context, userID, clubID string, quantity int64, quotedPrice decimal.Decimal) (*Execution, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if quotedPrice.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidPrice
	}

	if s.limiter != nil {
		positions, err := s.store.GetUserPositions(ctx, userID)
		if err != nil {
			return nil, err
		}
		cost := quotedPrice.Mul(decimal.NewFromInt(quantity))
		if err := s.limiter.Check(clubID, quantity, cost, positions); err != nil {
			metrics.ExposureRejections.Inc()
			return nil, err
		}
	}

	start := time.Now()
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	club, err := tx.LockClub(ctx, clubID)
	if err != nil {
		return nil, s.countBusy(err)
	}

	now := time.Now().UTC()
	if blocking, err := tx.GetBlockingFixture(ctx, clubID, now); err != nil {
		return nil, err
	} else if blocking != nil {
		return nil, fmt.Errorf("%w: fixture %s", ErrTradingClosed, blocking.ID)
	}

	nav := valuation.NAV(club.Capitalization, club.SharesOutstanding, club.LaunchPricePerShare)
	if !s.valuer.QuoteFresh(quotedPrice, nav) {
		metrics.StaleQuoteRejections.Inc()
		return nil, fmt.Errorf("%w: quoted %s, nav %s", ErrStalePrice, quotedPrice, nav)
	}

	qty := decimal.NewFromInt(quantity)
	total := quotedPrice.Mul(qty)

	order := &model.Order{
		ID:            uuid.New().String(),
		UserID:        userID,
		ClubID:        clubID,
		Side:          model.SideBuy,
		Quantity:      quantity,
		PricePerShare: quotedPrice,
		TotalAmount:   total,
		Status:        model.StatusFilled,
		ExecutedAt:    now,
	}
	entry := ledger.NewEntry(club, model.EntrySharePurchase, total, quantity, now, "order", order.ID)
	order.CapitalizationBefore = entry.CapitalizationBefore
	order.CapitalizationAfter = entry.CapitalizationAfter
	order.SharesOutstandingBefore = entry.SharesOutstandingBefore
	order.SharesOutstandingAfter = entry.SharesOutstandingAfter

	if err := tx.InsertOrder(ctx, order); err != nil {
		return nil, err
	}
	if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}
	if err := tx.ApplyClubDelta(ctx, clubID, total, quantity); err != nil {
		return nil, s.countBusy(err)
	}
	if err := tx.UpsertPosition(ctx, userID, clubID, quantity, total); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true

	metrics.OrdersTotal.WithLabelValues(string(model.SideBuy)).Inc()
	metrics.OrderLatency.WithLabelValues(string(model.SideBuy)).Observe(time.Since(start).Seconds())
	metrics.LedgerEntriesTotal.WithLabelValues(string(model.EntrySharePurchase)).Inc()

	slog.Info("purchase filled",
		"order_id", order.ID,
		"user", userID,
		"club", clubID,
		"qty", quantity,
		"price", quotedPrice.String(),
		"total", total.String(),
		"nav_after", entry.NAVAfter.String(),
	)

	s.broadcastOrder(club, order, entry)
	return &Execution{Order: order, Entry: entry}, nil
}

// ProcessSale fills a sell order: quantity shares at the quoted price,
// bounded by the seller's position. Sales stay open while buying is
// blocked by a pending fixture; the capitalization shrinks by the trade
// total.
func (s *Service) ProcessSale(ctx context.Context, userID, clubID string, quantity int64, quotedPrice decimal.Decimal) (*Execution, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if quotedPrice.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidPrice
	}

	start := time.Now()
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	club, err := tx.LockClub(ctx, clubID)
	if err != nil {
		return nil, s.countBusy(err)
	}

	pos, err := tx.GetPosition(ctx, userID, clubID)
	if err != nil {
		return nil, err
	}
	if pos == nil || pos.Quantity < quantity {
		held := int64(0)
		if pos != nil {
			held = pos.Quantity
		}
		return nil, fmt.Errorf("%w: have %d, selling %d", ErrInsufficientShares, held, quantity)
	}

	nav := valuation.NAV(club.Capitalization, club.SharesOutstanding, club.LaunchPricePerShare)
	if !s.valuer.QuoteFresh(quotedPrice, nav) {
		metrics.StaleQuoteRejections.Inc()
		return nil, fmt.Errorf("%w: quoted %s, nav %s", ErrStalePrice, quotedPrice, nav)
	}

	qty := decimal.NewFromInt(quantity)
	total := quotedPrice.Mul(qty)
	if club.Capitalization.Sub(total).IsNegative() {
		return nil, fmt.Errorf("%w: sale of %s exceeds capitalization %s", ErrStalePrice, total, club.Capitalization)
	}

	// Release cost basis proportionally; a full exit releases it all.
	costOut := pos.TotalInvested.Mul(qty).Div(decimal.NewFromInt(pos.Quantity))

	now := time.Now().UTC()
	order := &model.Order{
		ID:            uuid.New().String(),
		UserID:        userID,
		ClubID:        clubID,
		Side:          model.SideSell,
		Quantity:      quantity,
		PricePerShare: quotedPrice,
		TotalAmount:   total,
		Status:        model.StatusFilled,
		ExecutedAt:    now,
	}
	entry := ledger.NewEntry(club, model.EntryShareSale, total.Neg(), -quantity, now, "order", order.ID)
	order.CapitalizationBefore = entry.CapitalizationBefore
	order.CapitalizationAfter = entry.CapitalizationAfter
	order.SharesOutstandingBefore = entry.SharesOutstandingBefore
	order.SharesOutstandingAfter = entry.SharesOutstandingAfter

	if err := tx.InsertOrder(ctx, order); err != nil {
		return nil, err
	}
	if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}
	if err := tx.ApplyClubDelta(ctx, clubID, total.Neg(), -quantity); err != nil {
		return nil, s.countBusy(err)
	}
	if err := tx.UpsertPosition(ctx, userID, clubID, -quantity, costOut.Neg()); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true

	metrics.OrdersTotal.WithLabelValues(string(model.SideSell)).Inc()
	metrics.OrderLatency.WithLabelValues(string(model.SideSell)).Observe(time.Since(start).Seconds())
	metrics.LedgerEntriesTotal.WithLabelValues(string(model.EntryShareSale)).Inc()

	slog.Info("sale filled",
		"order_id", order.ID,
		"user", userID,
		"club", clubID,
		"qty", quantity,
		"price", quotedPrice.String(),
		"proceeds", total.String(),
		"nav_after", entry.NAVAfter.String(),
	)

	s.broadcastOrder(club, order, entry)
	return &Execution{Order: order, Entry: entry}, nil
}

// ProcessAdjustment applies a manual capitalization correction. The delta
// moves capitalization directly; shares outstanding are untouched, so NAV
// shifts with it.
func (s *Service) ProcessAdjustment(ctx context.Context, clubID string, delta decimal.Decimal, note string) (*model.LedgerEntry, error) {
	if delta.IsZero() {
		return nil, fmt.Errorf("%w: delta must be non-zero", ErrInvalidAdjustment)
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	club, err := tx.LockClub(ctx, clubID)
	if err != nil {
		return nil, s.countBusy(err)
	}
	if club.Capitalization.Add(delta).IsNegative() {
		return nil, fmt.Errorf("%w: capitalization would go negative", ErrInvalidAdjustment)
	}

	now := time.Now().UTC()
	entry := ledger.NewEntry(club, model.EntryManualAdjustment, delta, 0, now, "adjustment", uuid.New().String())
	entry.Note = note

	if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}
	if err := tx.ApplyClubDelta(ctx, clubID, delta, 0); err != nil {
		return nil, s.countBusy(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true

	metrics.LedgerEntriesTotal.WithLabelValues(string(model.EntryManualAdjustment)).Inc()

	slog.Info("manual adjustment applied",
		"club", clubID,
		"delta", delta.String(),
		"capitalization_after", entry.CapitalizationAfter.String(),
	)
	return entry, nil
}

func (s *Service) countBusy(err error) error {
	if errors.Is(err, store.ErrBusy) {
		metrics.LockTimeouts.Inc()
	}
	return err
}

func (s *Service) broadcastOrder(club *model.Club, order *model.Order, entry *model.LedgerEntry) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(stream.Event{
		Type:           stream.EventOrderExecuted,
		ClubID:         club.ID,
		ClubName:       club.Name,
		Side:           string(order.Side),
		Quantity:       strconv.FormatInt(order.Quantity, 10),
		NAV:            entry.NAVAfter.String(),
		Capitalization: entry.CapitalizationAfter.String(),
	})
}
