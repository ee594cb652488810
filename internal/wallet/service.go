// Package wallet manages user cash balances. Every balance change is a
// signed WalletTransaction keyed by a caller-supplied reference ID, so
// retried webhooks and replayed order flows never double-apply.
//
// All monetary values use shopspring/decimal — never float64 for money.
package wallet

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kickcap/exchange-engine/internal/metrics"
	"github.com/kickcap/exchange-engine/internal/model"
	"github.com/kickcap/exchange-engine/internal/store"
)

var (
	// ErrInvalidAmount is returned when a credit or debit amount is not
	// strictly positive.
	ErrInvalidAmount = errors.New("wallet: amount must be positive")

	// ErrMissingReference is returned when no reference ID accompanies a
	// balance movement.
	ErrMissingReference = errors.New("wallet: reference id is required")
)

// Service applies balance movements and reads wallet state.
type Service struct {
	store store.Store
}

// NewService creates a new wallet service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Credit adds amount to the user's balance. The bool reports whether the
// movement was applied now; false means the reference ID was already
// processed and the returned wallet is simply the current state.
func (s *Service) Credit(ctx context.Context, userID string, amount decimal.Decimal, kind model.WalletTxnKind, referenceID string) (*model.Wallet, bool, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, false, ErrInvalidAmount
	}
	return s.apply(ctx, userID, amount, kind, referenceID)
}

// Debit removes amount from the user's balance. Returns
// store.ErrInsufficientFunds when the balance would go negative; the
// idempotency contract matches Credit.
func (s *Service) Debit(ctx context.Context, userID string, amount decimal.Decimal, kind model.WalletTxnKind, referenceID string) (*model.Wallet, bool, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, false, ErrInvalidAmount
	}
	return s.apply(ctx, userID, amount.Neg(), kind, referenceID)
}

func (s *Service) apply(ctx context.Context, userID string, amount decimal.Decimal, kind model.WalletTxnKind, referenceID string) (*model.Wallet, bool, error) {
	if userID == "" {
		return nil, false, errors.New("wallet: user id is required")
	}
	if referenceID == "" {
		return nil, false, ErrMissingReference
	}

	wallet, applied, err := s.store.ApplyWalletTransaction(ctx, &model.WalletTransaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		Kind:        kind,
		Amount:      amount,
		ReferenceID: referenceID,
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		metrics.WalletTransactionsTotal.WithLabelValues(string(kind)).Inc()
	}
	return wallet, applied, nil
}

// Balance returns the user's wallet; users with no recorded movements
// get a zero balance.
func (s *Service) Balance(ctx context.Context, userID string) (*model.Wallet, error) {
	return s.store.GetWallet(ctx, userID)
}

// History returns the user's balance movements in chronological order.
func (s *Service) History(ctx context.Context, userID string) ([]model.WalletTransaction, error) {
	return s.store.GetWalletTransactions(ctx, userID)
}
