// Package settlement applies match results to club capitalization.
//
// A fixture settles exactly once: the engine claims the PENDING result
// with a compare-and-set before touching any club, so concurrent
// submissions of the same result race on the claim and every loser of
// that race sees a no-op duplicate. A win moves a fixed fraction of the
// losing club's capitalization to the winner; the loser is floored at
// the minimum capitalization but the winner is always credited in full.
// A draw moves nothing and records a MATCH_DRAW entry for both clubs.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kickcap/exchange-engine/internal/ledger"
	"github.com/kickcap/exchange-engine/internal/metrics"
	"github.com/kickcap/exchange-engine/internal/model"
	"github.com/kickcap/exchange-engine/internal/score"
	"github.com/kickcap/exchange-engine/internal/store"
	"github.com/kickcap/exchange-engine/internal/stream"
	"github.com/kickcap/exchange-engine/internal/valuation"
)

var (
	// ErrInvalidResult is returned when a submitted result is not
	// HOME_WIN, AWAY_WIN or DRAW.
	ErrInvalidResult = errors.New("settlement: invalid result")

	// ErrSameClub is returned when a fixture names one club on both sides.
	ErrSameClub = errors.New("settlement: home and away must differ")
)

// Engine settles fixtures. Both club rows are locked in ascending id
// order for the duration of a settlement.
type Engine struct {
	store  store.Store
	valuer *valuation.Valuer
	hub    *stream.Hub // optional WebSocket hub for real-time broadcasts
}

// NewEngine creates a settlement engine.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewEngine(st store.Store, valuer *valuation.Valuer, hub *stream.Hub) *Engine {
	return &Engine{
		store:  st,
		valuer: valuer,
		hub:    hub,
	}
}

// Summary describes the outcome of one settlement call. A duplicate
// submission returns the already-settled fixture with AlreadySettled set
// and no new entries.
type Summary struct {
	Fixture        *model.Fixture       `json:"fixture"`
	Entries        []*model.LedgerEntry `json:"entries,omitempty"`
	Transfer       *model.Transfer      `json:"transfer,omitempty"`
	AlreadySettled bool                 `json:"already_settled"`
}

// Settle records a fixture's result and applies the capital transfer.
// Settling a fixture that already has a result is a no-op success.
func (e *Engine) Settle(ctx context.Context, fixtureID string, result model.MatchResult, scoreStr string) (*Summary, error) {
	switch result {
	case model.ResultHomeWin, model.ResultAwayWin, model.ResultDraw:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidResult, result)
	}
	if err := score.ValidateResult(result, scoreStr); err != nil {
		return nil, err
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	// Claim the result before locking clubs: the compare-and-set on the
	// PENDING result is what makes settlement exactly-once.
	fixture, err := tx.ClaimFixtureResult(ctx, fixtureID, result, scoreStr)
	if err != nil {
		if errors.Is(err, store.ErrAlreadySettled) {
			return e.duplicateSummary(ctx, fixtureID)
		}
		return nil, e.countBusy(err)
	}

	clubs, err := tx.LockClubs(ctx, fixture.HomeClubID, fixture.AwayClubID)
	if err != nil {
		return nil, e.countBusy(err)
	}
	home := clubs[fixture.HomeClubID]
	away := clubs[fixture.AwayClubID]

	now := time.Now().UTC()
	summary := &Summary{Fixture: fixture}

	if result == model.ResultDraw {
		homeEntry := ledger.WithMatch(
			ledger.NewEntry(home, model.EntryMatchDraw, decimal.Zero, 0, now, "fixture", fixture.ID),
			away, result, scoreStr)
		awayEntry := ledger.WithMatch(
			ledger.NewEntry(away, model.EntryMatchDraw, decimal.Zero, 0, now, "fixture", fixture.ID),
			home, result, scoreStr)
		if err := tx.AppendLedgerEntry(ctx, homeEntry); err != nil {
			return nil, err
		}
		if err := tx.AppendLedgerEntry(ctx, awayEntry); err != nil {
			return nil, err
		}
		summary.Entries = []*model.LedgerEntry{homeEntry, awayEntry}
	} else {
		winner, loser := home, away
		if result == model.ResultAwayWin {
			winner, loser = away, home
		}

		transfer, flooredCap := e.valuer.LosingTransfer(loser.Capitalization)
		loserDelta := flooredCap.Sub(loser.Capitalization)

		winnerEntry := ledger.WithMatch(
			ledger.NewEntry(winner, model.EntryMatchWin, transfer, 0, now, "fixture", fixture.ID),
			loser, result, scoreStr)
		loserEntry := ledger.WithMatch(
			ledger.NewEntry(loser, model.EntryMatchLoss, loserDelta, 0, now, "fixture", fixture.ID),
			winner, result, scoreStr)

		if err := tx.AppendLedgerEntry(ctx, winnerEntry); err != nil {
			return nil, err
		}
		if err := tx.AppendLedgerEntry(ctx, loserEntry); err != nil {
			return nil, err
		}
		if err := tx.ApplyClubDelta(ctx, winner.ID, transfer, 0); err != nil {
			return nil, e.countBusy(err)
		}
		if err := tx.ApplyClubDelta(ctx, loser.ID, loserDelta, 0); err != nil {
			return nil, e.countBusy(err)
		}

		record := &model.Transfer{
			ID:             uuid.New().String(),
			FixtureID:      fixture.ID,
			WinnerClubID:   winner.ID,
			LoserClubID:    loser.ID,
			TransferAmount: transfer,
			CreatedAt:      now,
		}
		if err := tx.InsertTransfer(ctx, record); err != nil {
			return nil, err
		}
		summary.Entries = []*model.LedgerEntry{winnerEntry, loserEntry}
		summary.Transfer = record
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true

	metrics.SettlementsTotal.WithLabelValues(string(result)).Inc()
	for _, entry := range summary.Entries {
		metrics.LedgerEntriesTotal.WithLabelValues(string(entry.Kind)).Inc()
	}

	logArgs := []any{
		"fixture", fixture.ID,
		"result", string(result),
		"home", fixture.HomeClubID,
		"away", fixture.AwayClubID,
	}
	if summary.Transfer != nil {
		logArgs = append(logArgs, "transfer", summary.Transfer.TransferAmount.String())
	}
	slog.Info("fixture settled", logArgs...)

	e.broadcast(summary, result, scoreStr)
	return summary, nil
}

// duplicateSummary builds the no-op response for a fixture that was
// already settled. The surrounding transaction holds nothing at this
// point; reads go through the plain store.
func (e *Engine) duplicateSummary(ctx context.Context, fixtureID string) (*Summary, error) {
	fixture, err := e.store.GetFixture(ctx, fixtureID)
	if err != nil {
		return nil, err
	}
	transfer, err := e.store.GetTransferByFixture(ctx, fixtureID)
	if err != nil {
		return nil, err
	}
	slog.Info("duplicate settlement ignored", "fixture", fixtureID, "result", string(fixture.Result))
	return &Summary{
		Fixture:        fixture,
		Transfer:       transfer,
		AlreadySettled: true,
	}, nil
}

func (e *Engine) countBusy(err error) error {
	if errors.Is(err, store.ErrBusy) {
		metrics.LockTimeouts.Inc()
	}
	return err
}

func (e *Engine) broadcast(summary *Summary, result model.MatchResult, scoreStr string) {
	if e.hub == nil {
		return
	}
	event := stream.Event{
		Type:      stream.EventMatchSettled,
		FixtureID: summary.Fixture.ID,
		Result:    string(result),
		Score:     scoreStr,
	}
	if summary.Transfer != nil {
		event.WinnerClubID = summary.Transfer.WinnerClubID
		event.LoserClubID = summary.Transfer.LoserClubID
		event.TransferAmount = summary.Transfer.TransferAmount.String()
	}
	e.hub.Broadcast(event)
}
