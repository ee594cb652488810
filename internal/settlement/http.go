package settlement

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kickcap/exchange-engine/internal/model"
	"github.com/kickcap/exchange-engine/internal/score"
	"github.com/kickcap/exchange-engine/internal/store"
)

// --- Request/Response types ---

// CreateFixtureRequest is the request body for scheduling a fixture.
// BuyCloseAt is optional and defaults to kickoff.
type CreateFixtureRequest struct {
	HomeClubID string    `json:"home_club_id"`
	AwayClubID string    `json:"away_club_id"`
	KickoffAt  time.Time `json:"kickoff_at"`
	BuyCloseAt time.Time `json:"buy_close_at"`
}

// SubmitResultRequest is the request body for settling a fixture.
type SubmitResultRequest struct {
	Result model.MatchResult `json:"result"`
	Score  string            `json:"score"`
}

// FixtureResponse is a fixture together with its transfer, if settled
// with a winner.
type FixtureResponse struct {
	Fixture  *model.Fixture  `json:"fixture"`
	Transfer *model.Transfer `json:"transfer,omitempty"`
}

// --- HTTP Handlers ---

// CreateFixture handles POST /api/v1/fixtures.
func (e *Engine) CreateFixture(w http.ResponseWriter, r *http.Request) {
	var req CreateFixtureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.HomeClubID == "" || req.AwayClubID == "" {
		writeError(w, "home_club_id and away_club_id are required", http.StatusBadRequest)
		return
	}
	if req.HomeClubID == req.AwayClubID {
		writeError(w, ErrSameClub.Error(), http.StatusBadRequest)
		return
	}
	if req.KickoffAt.IsZero() {
		writeError(w, "kickoff_at is required", http.StatusBadRequest)
		return
	}
	buyClose := req.BuyCloseAt
	if buyClose.IsZero() {
		buyClose = req.KickoffAt
	}
	if buyClose.After(req.KickoffAt) {
		writeError(w, "buy_close_at must not be after kickoff_at", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	for _, clubID := range []string{req.HomeClubID, req.AwayClubID} {
		if _, err := e.store.GetClub(ctx, clubID); err != nil {
			if errors.Is(err, store.ErrClubNotFound) {
				writeError(w, "club not found: "+clubID, http.StatusNotFound)
				return
			}
			slog.Error("failed to load club", "error", err, "club", clubID)
			writeError(w, "failed to load club", http.StatusInternalServerError)
			return
		}
	}

	fixture := &model.Fixture{
		ID:         uuid.New().String(),
		HomeClubID: req.HomeClubID,
		AwayClubID: req.AwayClubID,
		KickoffAt:  req.KickoffAt.UTC(),
		BuyCloseAt: buyClose.UTC(),
		Status:     model.FixtureScheduled,
		Result:     model.ResultPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateFixture(ctx, fixture); err != nil {
		slog.Error("failed to create fixture", "error", err)
		writeError(w, "failed to create fixture", http.StatusInternalServerError)
		return
	}

	slog.Info("fixture scheduled",
		"fixture", fixture.ID,
		"home", fixture.HomeClubID,
		"away", fixture.AwayClubID,
		"kickoff", fixture.KickoffAt,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(fixture)
}

// GetFixture handles GET /api/v1/fixtures/{fixtureID}.
func (e *Engine) GetFixture(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fixtureID := chi.URLParam(r, "fixtureID")

	fixture, err := e.store.GetFixture(ctx, fixtureID)
	if err != nil {
		if errors.Is(err, store.ErrFixtureNotFound) {
			writeError(w, "fixture not found", http.StatusNotFound)
			return
		}
		slog.Error("failed to get fixture", "error", err)
		writeError(w, "failed to get fixture", http.StatusInternalServerError)
		return
	}
	transfer, err := e.store.GetTransferByFixture(ctx, fixtureID)
	if err != nil {
		slog.Error("failed to get transfer", "error", err)
		writeError(w, "failed to get transfer", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(FixtureResponse{Fixture: fixture, Transfer: transfer})
}

// SubmitResult handles POST /api/v1/fixtures/{fixtureID}/result.
// Submitting a result for an already-settled fixture returns 200 with
// already_settled set; nothing is applied twice.
func (e *Engine) SubmitResult(w http.ResponseWriter, r *http.Request) {
	var req SubmitResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	summary, err := e.Settle(r.Context(), chi.URLParam(r, "fixtureID"), req.Result, req.Score)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidResult),
			errors.Is(err, score.ErrInvalidScore),
			errors.Is(err, score.ErrResultMismatch):
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, store.ErrFixtureNotFound):
			writeError(w, "fixture not found", http.StatusNotFound)
		case errors.Is(err, store.ErrBusy):
			writeError(w, "clubs busy, try again", http.StatusServiceUnavailable)
		default:
			slog.Error("settlement failed", "error", err)
			writeError(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
