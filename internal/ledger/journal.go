// Package ledger maintains the immutable per-club event journal: every
// capitalization change is recorded as a chained before/after snapshot,
// so any club's valuation history can be reconstructed as of any instant.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kickcap/exchange-engine/internal/model"
	"github.com/kickcap/exchange-engine/internal/store"
)

// Journal reads and audits a club's ledger history.
type Journal struct {
	store store.Store
}

// NewJournal creates a journal over the given store.
func NewJournal(st store.Store) *Journal {
	return &Journal{store: st}
}

// Timeline returns the club's full entry history ordered by event time,
// insertion order breaking ties.
func (j *Journal) Timeline(ctx context.Context, clubID string) ([]model.LedgerEntry, error) {
	if _, err := j.store.GetClub(ctx, clubID); err != nil {
		return nil, err
	}
	return j.store.GetLedgerEntries(ctx, clubID)
}

// StateAt returns the last entry strictly before t, which carries the
// club's capitalization, shares, and NAV as they stood at that instant.
// Returns nil before the club's first entry: the club had no recorded
// state yet, and callers must not substitute the live row.
func (j *Journal) StateAt(ctx context.Context, clubID string, t time.Time) (*model.LedgerEntry, error) {
	if _, err := j.store.GetClub(ctx, clubID); err != nil {
		return nil, err
	}
	return j.store.GetLastEntryBefore(ctx, clubID, t)
}

// ChainBreak describes one snapshot mismatch found during reconciliation.
type ChainBreak struct {
	EntryID  string `json:"entry_id"`
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// ReconcileReport is the outcome of auditing a club's ledger against its
// live row. It only reports: reconciliation never mutates the ledger or
// the club.
type ReconcileReport struct {
	ClubID                 string          `json:"club_id"`
	EntryCount             int             `json:"entry_count"`
	InitialCapitalization  decimal.Decimal `json:"initial_capitalization"`
	ImpactSum              decimal.Decimal `json:"impact_sum"`
	ExpectedCapitalization decimal.Decimal `json:"expected_capitalization"`
	ActualCapitalization   decimal.Decimal `json:"actual_capitalization"`
	Consistent             bool            `json:"consistent"`
	ChainBreaks            []ChainBreak    `json:"chain_breaks"`
}

// Reconcile audits a club's ledger: the live capitalization must equal
// initial capitalization plus the sum of all price impacts, consecutive
// entries must chain (each before snapshot equals the previous after
// snapshot), every entry's own arithmetic must hold, and shares may only
// move on purchase or sale entries.
func (j *Journal) Reconcile(ctx context.Context, clubID string) (*ReconcileReport, error) {
	club, err := j.store.GetClub(ctx, clubID)
	if err != nil {
		return nil, err
	}
	entries, err := j.store.GetLedgerEntries(ctx, clubID)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{
		ClubID:                clubID,
		EntryCount:            len(entries),
		InitialCapitalization: club.InitialCapitalization,
		ActualCapitalization:  club.Capitalization,
		ImpactSum:             decimal.Zero,
		ChainBreaks:           []ChainBreak{},
	}

	for i := range entries {
		e := &entries[i]
		report.ImpactSum = report.ImpactSum.Add(e.PriceImpact)

		if wantCap := e.CapitalizationBefore.Add(e.PriceImpact); !e.CapitalizationAfter.Equal(wantCap) {
			report.ChainBreaks = append(report.ChainBreaks, ChainBreak{
				EntryID:  e.ID,
				Field:    "capitalization_after",
				Expected: wantCap.String(),
				Actual:   e.CapitalizationAfter.String(),
			})
		}
		if wantShares := e.SharesOutstandingBefore + e.SharesTraded; e.SharesOutstandingAfter != wantShares {
			report.ChainBreaks = append(report.ChainBreaks, ChainBreak{
				EntryID:  e.ID,
				Field:    "shares_outstanding_after",
				Expected: int64String(wantShares),
				Actual:   int64String(e.SharesOutstandingAfter),
			})
		}
		if e.SharesTraded != 0 && e.Kind != model.EntrySharePurchase && e.Kind != model.EntryShareSale {
			report.ChainBreaks = append(report.ChainBreaks, ChainBreak{
				EntryID:  e.ID,
				Field:    "shares_traded",
				Expected: "0",
				Actual:   int64String(e.SharesTraded),
			})
		}

		if i == 0 {
			continue
		}
		prev := &entries[i-1]
		if !e.CapitalizationBefore.Equal(prev.CapitalizationAfter) {
			report.ChainBreaks = append(report.ChainBreaks, ChainBreak{
				EntryID:  e.ID,
				Field:    "capitalization_before",
				Expected: prev.CapitalizationAfter.String(),
				Actual:   e.CapitalizationBefore.String(),
			})
		}
		if e.SharesOutstandingBefore != prev.SharesOutstandingAfter {
			report.ChainBreaks = append(report.ChainBreaks, ChainBreak{
				EntryID:  e.ID,
				Field:    "shares_outstanding_before",
				Expected: int64String(prev.SharesOutstandingAfter),
				Actual:   int64String(e.SharesOutstandingBefore),
			})
		}
		if !e.NAVBefore.Equal(prev.NAVAfter) {
			report.ChainBreaks = append(report.ChainBreaks, ChainBreak{
				EntryID:  e.ID,
				Field:    "nav_before",
				Expected: prev.NAVAfter.String(),
				Actual:   e.NAVBefore.String(),
			})
		}
	}

	report.ExpectedCapitalization = report.InitialCapitalization.Add(report.ImpactSum)
	report.Consistent = report.ExpectedCapitalization.Equal(report.ActualCapitalization) &&
		len(report.ChainBreaks) == 0
	return report, nil
}

func int64String(n int64) string {
	return strconv.FormatInt(n, 10)
}
