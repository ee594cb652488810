package exchange

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kickcap/exchange-engine/internal/exposure"
	"github.com/kickcap/exchange-engine/internal/ledger"
	"github.com/kickcap/exchange-engine/internal/metrics"
	"github.com/kickcap/exchange-engine/internal/model"
	"github.com/kickcap/exchange-engine/internal/store"
	"github.com/kickcap/exchange-engine/internal/stream"
	"github.com/kickcap/exchange-engine/internal/valuation"
)

// --- Request/Response types ---

// CreateClubRequest is the request body for launching a club.
type CreateClubRequest struct {
	Name                  string          `json:"name"`
	InitialCapitalization decimal.Decimal `json:"initial_capitalization"`
	LaunchPricePerShare   decimal.Decimal `json:"launch_price_per_share"`
}

// PlaceOrderRequest is the request body for executing an order.
type PlaceOrderRequest struct {
	UserID        string          `json:"user_id"`
	ClubID        string          `json:"club_id"`
	Side          model.OrderSide `json:"side"`
	Quantity      int64           `json:"quantity"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
}

// OrderResponse is returned for a filled order.
type OrderResponse struct {
	Order  *model.Order       `json:"order"`
	Entry  *model.LedgerEntry `json:"entry"`
	Wallet *model.Wallet      `json:"wallet,omitempty"`
}

// NAVResponse is the live valuation of one club.
type NAVResponse struct {
	ClubID            string          `json:"club_id"`
	NAV               decimal.Decimal `json:"nav"`
	Capitalization    decimal.Decimal `json:"capitalization"`
	SharesOutstanding int64           `json:"shares_outstanding"`
}

// AdjustmentRequest is the request body for a manual capitalization
// correction.
type AdjustmentRequest struct {
	Delta decimal.Decimal `json:"delta"`
	Note  string          `json:"note"`
}

// --- HTTP Handlers ---

// CreateClub handles POST /api/v1/clubs.
func (s *Service) CreateClub(w http.ResponseWriter, r *http.Request) {
	var req CreateClubRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.InitialCapitalization.LessThanOrEqual(decimal.Zero) {
		writeError(w, "initial_capitalization must be positive", http.StatusBadRequest)
		return
	}
	if req.LaunchPricePerShare.LessThanOrEqual(decimal.Zero) {
		writeError(w, "launch_price_per_share must be positive", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	club := &model.Club{
		ID:                    uuid.New().String(),
		Name:                  req.Name,
		Capitalization:        req.InitialCapitalization,
		SharesOutstanding:     0,
		InitialCapitalization: req.InitialCapitalization,
		LaunchPricePerShare:   req.LaunchPricePerShare,
		CreatedAt:             now,
	}
	initial := ledger.NewEntry(club, model.EntryInitial, decimal.Zero, 0, now, "launch", club.ID)

	if err := s.store.CreateClub(r.Context(), club, initial); err != nil {
		slog.Error("failed to create club", "error", err)
		writeError(w, "failed to create club", http.StatusInternalServerError)
		return
	}

	metrics.ClubsLaunched.Inc()
	metrics.LedgerEntriesTotal.WithLabelValues(string(model.EntryInitial)).Inc()

	slog.Info("club launched",
		"club", club.ID,
		"name", club.Name,
		"capitalization", club.Capitalization.String(),
		"launch_price", club.LaunchPricePerShare.String(),
	)

	if s.hub != nil {
		s.hub.Broadcast(stream.Event{
			Type:           stream.EventClubLaunched,
			ClubID:         club.ID,
			ClubName:       club.Name,
			NAV:            club.LaunchPricePerShare.String(),
			Capitalization: club.Capitalization.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(club)
}

// ListClubs handles GET /api/v1/clubs.
func (s *Service) ListClubs(w http.ResponseWriter, r *http.Request) {
	clubs, err := s.store.ListClubs(r.Context())
	if err != nil {
		slog.Error("failed to list clubs", "error", err)
		writeError(w, "failed to list clubs", http.StatusInternalServerError)
		return
	}
	if clubs == nil {
		clubs = []model.Club{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(clubs)
}

// GetClub handles GET /api/v1/clubs/{clubID}.
func (s *Service) GetClub(w http.ResponseWriter, r *http.Request) {
	club, err := s.store.GetClub(r.Context(), chi.URLParam(r, "clubID"))
	if err != nil {
		if errors.Is(err, store.ErrClubNotFound) {
			writeError(w, "club not found", http.StatusNotFound)
			return
		}
		slog.Error("failed to get club", "error", err)
		writeError(w, "failed to get club", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(club)
}

// GetNAV handles GET /api/v1/clubs/{clubID}/nav.
func (s *Service) GetNAV(w http.ResponseWriter, r *http.Request) {
	club, err := s.store.GetClub(r.Context(), chi.URLParam(r, "clubID"))
	if err != nil {
		if errors.Is(err, store.ErrClubNotFound) {
			writeError(w, "club not found", http.StatusNotFound)
			return
		}
		slog.Error("failed to get club", "error", err)
		writeError(w, "failed to get club", http.StatusInternalServerError)
		return
	}
	resp := NAVResponse{
		ClubID:            club.ID,
		NAV:               valuation.NAV(club.Capitalization, club.SharesOutstanding, club.LaunchPricePerShare),
		Capitalization:    club.Capitalization,
		SharesOutstanding: club.SharesOutstanding,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// PlaceOrder handles POST /api/v1/orders.
//
// Buys debit the wallet before execution and refund it if the fill fails;
// sells credit the proceeds after the fill. Wallet movements run outside
// the club-lock transaction, keyed by reference IDs so retries stay
// idempotent.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.ClubID == "" {
		writeError(w, "user_id and club_id are required", http.StatusBadRequest)
		return
	}
	if req.Quantity <= 0 {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}
	if req.PricePerShare.LessThanOrEqual(decimal.Zero) {
		writeError(w, "price_per_share must be positive", http.StatusBadRequest)
		return
	}

	switch req.Side {
	case model.SideBuy:
		s.placeBuy(w, r, req)
	case model.SideSell:
		s.placeSell(w, r, req)
	default:
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
	}
}

func (s *Service) placeBuy(w http.ResponseWriter, r *http.Request, req PlaceOrderRequest) {
	ctx := r.Context()
	cost := req.PricePerShare.Mul(decimal.NewFromInt(req.Quantity))
	attemptID := uuid.New().String()

	wal, _, err := s.wallets.Debit(ctx, req.UserID, cost, model.WalletPurchase, "order:"+attemptID)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			writeError(w, "insufficient funds", http.StatusBadRequest)
			return
		}
		slog.Error("failed to debit wallet", "error", err, "user", req.UserID)
		writeError(w, "failed to debit wallet", http.StatusInternalServerError)
		return
	}

	exec, err := s.ProcessPurchase(ctx, req.UserID, req.ClubID, req.Quantity, req.PricePerShare)
	if err != nil {
		if _, _, rerr := s.wallets.Credit(ctx, req.UserID, cost, model.WalletRefund, "refund:order:"+attemptID); rerr != nil {
			slog.Error("failed to refund rejected order", "error", rerr, "user", req.UserID, "attempt", attemptID)
		}
		writeOrderError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(OrderResponse{Order: exec.Order, Entry: exec.Entry, Wallet: wal})
}

func (s *Service) placeSell(w http.ResponseWriter, r *http.Request, req PlaceOrderRequest) {
	ctx := r.Context()

	exec, err := s.ProcessSale(ctx, req.UserID, req.ClubID, req.Quantity, req.PricePerShare)
	if err != nil {
		writeOrderError(w, err)
		return
	}

	wal, _, err := s.wallets.Credit(ctx, req.UserID, exec.Order.TotalAmount, model.WalletSaleProceeds, "sale:"+exec.Order.ID)
	if err != nil {
		slog.Error("failed to credit sale proceeds", "error", err, "user", req.UserID, "order", exec.Order.ID)
		writeError(w, "sale executed but crediting proceeds failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(OrderResponse{Order: exec.Order, Entry: exec.Entry, Wallet: wal})
}

// GetUserOrders handles GET /api/v1/users/{userID}/orders.
func (s *Service) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.GetOrdersByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		slog.Error("failed to list orders", "error", err)
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(orders)
}

// GetUserPositions handles GET /api/v1/users/{userID}/positions.
// Each position carries its live NAV, market value and unrealized PnL.
func (s *Service) GetUserPositions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	positions, err := s.store.GetUserPositions(ctx, chi.URLParam(r, "userID"))
	if err != nil {
		slog.Error("failed to list positions", "error", err)
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	for i := range positions {
		club, err := s.store.GetClub(ctx, positions[i].ClubID)
		if err != nil {
			continue
		}
		nav := valuation.NAV(club.Capitalization, club.SharesOutstanding, club.LaunchPricePerShare)
		positions[i].CurrentNAV = nav
		positions[i].CurrentValue = nav.Mul(decimal.NewFromInt(positions[i].Quantity))
		positions[i].UnrealizedPnL = positions[i].CurrentValue.Sub(positions[i].TotalInvested)
	}
	if positions == nil {
		positions = []model.Position{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// CreateAdjustment handles POST /api/v1/clubs/{clubID}/adjustments.
func (s *Service) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	entry, err := s.ProcessAdjustment(r.Context(), chi.URLParam(r, "clubID"), req.Delta, req.Note)
	if err != nil {
		writeOrderError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(entry)
}

// writeOrderError maps execution errors onto HTTP statuses.
func writeOrderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInvalidPrice),
		errors.Is(err, ErrInvalidAdjustment),
		errors.Is(err, store.ErrInsufficientFunds):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrClubNotFound):
		writeError(w, "club not found", http.StatusNotFound)
	case errors.Is(err, ErrStalePrice),
		errors.Is(err, ErrTradingClosed),
		errors.Is(err, ErrInsufficientShares),
		errors.Is(err, exposure.ErrClubLimitExceeded),
		errors.Is(err, exposure.ErrPortfolioLimitExceeded):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrBusy):
		writeError(w, "club busy, try again", http.StatusServiceUnavailable)
	default:
		slog.Error("order execution failed", "error", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
