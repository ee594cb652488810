package performance

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kickcap/exchange-engine/internal/model"
)

// --- Request/Response types ---

// RunWeekRequest optionally names the week to compute. Any instant inside
// the week works; it is normalized to the week's Monday. When omitted the
// most recently completed week is used.
type RunWeekRequest struct {
	WeekStart time.Time `json:"week_start"`
}

// RunWeekResponse is the outcome of a leaderboard run.
type RunWeekResponse struct {
	WeekStart time.Time                `json:"week_start"`
	Computed  bool                     `json:"computed"`
	Entries   []model.LeaderboardEntry `json:"entries"`
}

// --- HTTP Handlers ---

// Run handles POST /api/v1/leaderboard/run.
func (c *Calculator) Run(w http.ResponseWriter, r *http.Request) {
	var req RunWeekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	weekStart := req.WeekStart
	if weekStart.IsZero() {
		weekStart = WeekStart(time.Now().UTC()).AddDate(0, 0, -7)
	}
	weekStart = WeekStart(weekStart)

	entries, computed, err := c.RunWeek(r.Context(), weekStart)
	if err != nil {
		slog.Error("leaderboard run failed", "error", err, "week", weekStart.Format("2006-01-02"))
		writeError(w, "failed to compute leaderboard", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(RunWeekResponse{
		WeekStart: weekStart,
		Computed:  computed,
		Entries:   entries,
	})
}

// GetWeek handles GET /api/v1/leaderboard/{weekStart}, where weekStart is
// a date like 2026-08-17.
func (c *Calculator) GetWeek(w http.ResponseWriter, r *http.Request) {
	weekStart, err := time.Parse("2006-01-02", chi.URLParam(r, "weekStart"))
	if err != nil {
		writeError(w, "week must be a date like 2026-08-17", http.StatusBadRequest)
		return
	}

	entries, err := c.store.GetLeaderboard(r.Context(), WeekStart(weekStart))
	if err != nil {
		slog.Error("failed to load leaderboard", "error", err)
		writeError(w, "failed to load leaderboard", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// GetLatest handles GET /api/v1/leaderboard/latest.
func (c *Calculator) GetLatest(w http.ResponseWriter, r *http.Request) {
	entries, err := c.store.GetLatestLeaderboard(r.Context())
	if err != nil {
		slog.Error("failed to load leaderboard", "error", err)
		writeError(w, "failed to load leaderboard", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
