package valuation

import (
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestValuer(t *testing.T) *Valuer {
	t.Helper()
	v, err := NewValuer(d(0.01), d(0.10), d(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return v
}

// --- Constructor tests ---

func TestNewValuer_Valid(t *testing.T) {
	v, err := NewValuer(d(0.01), d(0.10), d(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.TransferRate().Equal(d(0.10)) {
		t.Errorf("expected rate=0.10, got %s", v.TransferRate())
	}
	if !v.MinCap().Equal(d(10)) {
		t.Errorf("expected minCap=10, got %s", v.MinCap())
	}
}

func TestNewValuer_ZeroEpsilon(t *testing.T) {
	_, err := NewValuer(d(0), d(0.10), d(10))
	if err != ErrInvalidEpsilon {
		t.Errorf("expected ErrInvalidEpsilon, got %v", err)
	}
}

func TestNewValuer_RateOutOfRange(t *testing.T) {
	for _, rate := range []float64{0, 1, 1.5, -0.1} {
		if _, err := NewValuer(d(0.01), d(rate), d(10)); err != ErrInvalidTransferRate {
			t.Errorf("rate=%v: expected ErrInvalidTransferRate, got %v", rate, err)
		}
	}
}

func TestNewValuer_NegativeMinCap(t *testing.T) {
	_, err := NewValuer(d(0.01), d(0.10), d(-1))
	if err != ErrInvalidMinCap {
		t.Errorf("expected ErrInvalidMinCap, got %v", err)
	}
}

// --- NAV tests ---

func TestNAV_Basic(t *testing.T) {
	nav := NAV(d(100), 5, d(1))
	if !nav.Equal(d(20)) {
		t.Errorf("expected NAV=20, got %s", nav)
	}
}

func TestNAV_ZeroSharesFallsBackToLaunchPrice(t *testing.T) {
	nav := NAV(d(100), 0, d(7.5))
	if !nav.Equal(d(7.5)) {
		t.Errorf("expected launch price 7.5, got %s", nav)
	}
}

func TestNAV_ExactDivision(t *testing.T) {
	// 140 / 7 must come out exactly 20, no float drift.
	nav := NAV(d(140), 7, d(1))
	if !nav.Equal(d(20)) {
		t.Errorf("expected NAV=20, got %s", nav)
	}
}

func TestNAV_RepeatingDecimal(t *testing.T) {
	nav := NAV(d(100), 3, d(1))
	expected, _ := decimal.NewFromString("33.33333333")
	if !nav.Equal(expected) {
		t.Errorf("expected %s, got %s", expected, nav)
	}
}

// --- Quote freshness tests ---

func TestQuoteFresh_WithinEpsilon(t *testing.T) {
	v := newTestValuer(t)
	tests := []struct {
		quoted, nav float64
		fresh       bool
	}{
		{20, 20, true},
		{20.01, 20, true},  // exactly at the boundary
		{19.99, 20, true},
		{20.011, 20, false},
		{19.98, 20, false},
		{25, 20, false},
	}
	for _, tt := range tests {
		if got := v.QuoteFresh(d(tt.quoted), d(tt.nav)); got != tt.fresh {
			t.Errorf("QuoteFresh(%v, %v) = %v, want %v", tt.quoted, tt.nav, got, tt.fresh)
		}
	}
}

// --- Losing transfer tests ---

func TestLosingTransfer_Basic(t *testing.T) {
	v := newTestValuer(t)
	transfer, floored := v.LosingTransfer(d(140))
	if !transfer.Equal(d(14)) {
		t.Errorf("expected transfer=14, got %s", transfer)
	}
	if !floored.Equal(d(126)) {
		t.Errorf("expected new cap=126, got %s", floored)
	}
}

func TestLosingTransfer_FloorApplies(t *testing.T) {
	v := newTestValuer(t)
	// 11 - 1.1 = 9.9, below the floor of 10.
	transfer, floored := v.LosingTransfer(d(11))
	if !transfer.Equal(d(1.1)) {
		t.Errorf("expected transfer=1.1, got %s", transfer)
	}
	if !floored.Equal(d(10)) {
		t.Errorf("expected cap floored at 10, got %s", floored)
	}
}

func TestLosingTransfer_AtFloorStaysAtFloor(t *testing.T) {
	v := newTestValuer(t)
	transfer, floored := v.LosingTransfer(d(10))
	if !transfer.Equal(d(1)) {
		t.Errorf("expected transfer=1, got %s", transfer)
	}
	if !floored.Equal(d(10)) {
		t.Errorf("expected cap to stay at 10, got %s", floored)
	}
}

func TestLosingTransfer_WinnerCreditExceedsLoserDebitAtFloor(t *testing.T) {
	v := newTestValuer(t)
	transfer, floored := v.LosingTransfer(d(10.5))
	// Winner is credited the full transfer even though the loser only
	// gives up 0.5 before hitting the floor.
	if !transfer.Equal(d(1.05)) {
		t.Errorf("expected transfer=1.05, got %s", transfer)
	}
	loserDebit := d(10.5).Sub(floored)
	if !loserDebit.Equal(d(0.5)) {
		t.Errorf("expected loser debit=0.5, got %s", loserDebit)
	}
}
