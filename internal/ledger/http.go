package ledger

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kickcap/exchange-engine/internal/model"
	"github.com/kickcap/exchange-engine/internal/store"
)

// GetTimeline handles GET /api/v1/clubs/{clubID}/timeline
func (j *Journal) GetTimeline(w http.ResponseWriter, r *http.Request) {
	clubID := chi.URLParam(r, "clubID")

	entries, err := j.Timeline(r.Context(), clubID)
	if err != nil {
		if errors.Is(err, store.ErrClubNotFound) {
			writeError(w, "club not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load timeline", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// GetStateAt handles GET /api/v1/clubs/{clubID}/state-at?t=<RFC3339>
// Responds with the snapshot in force at t, or JSON null when the club
// had no entries strictly before t.
func (j *Journal) GetStateAt(w http.ResponseWriter, r *http.Request) {
	clubID := chi.URLParam(r, "clubID")

	raw := r.URL.Query().Get("t")
	if raw == "" {
		writeError(w, "query parameter t is required", http.StatusBadRequest)
		return
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, "t must be RFC3339", http.StatusBadRequest)
		return
	}

	entry, err := j.StateAt(r.Context(), clubID, t)
	if err != nil {
		if errors.Is(err, store.ErrClubNotFound) {
			writeError(w, "club not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load state", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}

// GetReconciliation handles GET /api/v1/clubs/{clubID}/reconcile
func (j *Journal) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	clubID := chi.URLParam(r, "clubID")

	report, err := j.Reconcile(r.Context(), clubID)
	if err != nil {
		if errors.Is(err, store.ErrClubNotFound) {
			writeError(w, "club not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to reconcile", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
