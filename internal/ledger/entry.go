package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kickcap/exchange-engine/internal/model"
	"github.com/kickcap/exchange-engine/internal/valuation"
)

// NewEntry builds a ledger entry chained to the club's current state:
// the before snapshot is taken from the club as passed in, the after
// snapshot applies priceImpact and sharesTraded on top of it. Callers
// must hold the club's row lock so the snapshot cannot go stale between
// read and append.
func NewEntry(club *model.Club, kind model.EntryKind, priceImpact decimal.Decimal, sharesTraded int64, at time.Time, triggerType, triggerID string) *model.LedgerEntry {
	capBefore := club.Capitalization
	capAfter := capBefore.Add(priceImpact)
	sharesBefore := club.SharesOutstanding
	sharesAfter := sharesBefore + sharesTraded

	return &model.LedgerEntry{
		ID:                      uuid.New().String(),
		ClubID:                  club.ID,
		Kind:                    kind,
		EventTimestamp:          at,
		CapitalizationBefore:    capBefore,
		CapitalizationAfter:     capAfter,
		SharesOutstandingBefore: sharesBefore,
		SharesOutstandingAfter:  sharesAfter,
		NAVBefore:               valuation.NAV(capBefore, sharesBefore, club.LaunchPricePerShare),
		NAVAfter:                valuation.NAV(capAfter, sharesAfter, club.LaunchPricePerShare),
		PriceImpact:             priceImpact,
		SharesTraded:            sharesTraded,
		TriggerType:             triggerType,
		TriggerID:               triggerID,
	}
}

// WithMatch annotates a settlement entry with opponent and result context.
func WithMatch(e *model.LedgerEntry, opponent *model.Club, result model.MatchResult, score string) *model.LedgerEntry {
	e.OpponentClubID = opponent.ID
	e.OpponentName = opponent.Name
	e.MatchResult = result
	e.Score = score
	return e
}
