package wallet

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/kickcap/exchange-engine/internal/model"
)

// DepositRequest is the JSON body for POST /api/v1/wallet/deposits.
// ReferenceID comes from the funding provider and makes retries safe.
type DepositRequest struct {
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	ReferenceID string          `json:"reference_id"`
}

// DepositResponse is returned from POST /api/v1/wallet/deposits.
type DepositResponse struct {
	Wallet  *model.Wallet `json:"wallet"`
	Applied bool          `json:"applied"`
}

// WalletResponse is returned from GET /api/v1/wallet/{userID}.
type WalletResponse struct {
	Wallet       *model.Wallet             `json:"wallet"`
	Transactions []model.WalletTransaction `json:"transactions"`
}

// Deposit handles POST /api/v1/wallet/deposits
// Replays of the same reference_id return 200 with the current balance
// and applied=false.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	wallet, applied, err := s.Credit(r.Context(), req.UserID, req.Amount, model.WalletDeposit, req.ReferenceID)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAmount):
			writeError(w, "amount must be positive", http.StatusBadRequest)
		case errors.Is(err, ErrMissingReference):
			writeError(w, "reference_id is required", http.StatusBadRequest)
		default:
			writeError(w, "failed to apply deposit", http.StatusInternalServerError)
		}
		return
	}

	if applied {
		slog.Info("deposit applied",
			"user", req.UserID,
			"amount", req.Amount.String(),
			"reference", req.ReferenceID,
		)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(DepositResponse{Wallet: wallet, Applied: true})
		return
	}

	slog.Info("deposit replayed", "user", req.UserID, "reference", req.ReferenceID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DepositResponse{Wallet: wallet, Applied: false})
}

// GetWallet handles GET /api/v1/wallet/{userID}
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	wallet, err := s.Balance(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load wallet", http.StatusInternalServerError)
		return
	}
	txns, err := s.History(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load wallet history", http.StatusInternalServerError)
		return
	}
	if txns == nil {
		txns = []model.WalletTransaction{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(WalletResponse{Wallet: wallet, Transactions: txns})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
