package exchange_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kickcap/exchange-engine/internal/exchange"
	"github.com/kickcap/exchange-engine/internal/exposure"
	"github.com/kickcap/exchange-engine/internal/ledger"
	"github.com/kickcap/exchange-engine/internal/model"
	"github.com/kickcap/exchange-engine/internal/store"
	"github.com/kickcap/exchange-engine/internal/valuation"
	"github.com/kickcap/exchange-engine/internal/wallet"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestEnv(t *testing.T) (*exchange.Service, *wallet.Service, *store.MemoryStore, *chi.Mux) {
	t.Helper()
	ms := store.NewMemoryStore()
	valuer, err := valuation.NewValuer(d(0.01), d(0.10), d(10))
	if err != nil {
		t.Fatalf("failed to create valuer: %v", err)
	}
	wallets := wallet.NewService(ms)
	svc := exchange.NewService(ms, valuer, wallets, nil, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/clubs", svc.CreateClub)
	r.Get("/api/v1/clubs", svc.ListClubs)
	r.Get("/api/v1/clubs/{clubID}", svc.GetClub)
	r.Get("/api/v1/clubs/{clubID}/nav", svc.GetNAV)
	r.Post("/api/v1/clubs/{clubID}/adjustments", svc.CreateAdjustment)
	r.Post("/api/v1/orders", svc.PlaceOrder)
	r.Get("/api/v1/users/{userID}/orders", svc.GetUserOrders)
	r.Get("/api/v1/users/{userID}/positions", svc.GetUserPositions)
	return svc, wallets, ms, r
}

// seedClub inserts a club directly at the given capitalization and share
// count, bypassing the HTTP launch path.
func seedClub(t *testing.T, ms *store.MemoryStore, name string, cap float64, shares int64, launch float64) *model.Club {
	t.Helper()
	now := time.Now().UTC().Add(-time.Hour)
	club := &model.Club{
		ID:                    uuid.New().String(),
		Name:                  name,
		Capitalization:        d(cap),
		SharesOutstanding:     shares,
		InitialCapitalization: d(cap),
		LaunchPricePerShare:   d(launch),
		CreatedAt:             now,
	}
	initial := ledger.NewEntry(club, model.EntryInitial, decimal.Zero, 0, now, "launch", club.ID)
	if err := ms.CreateClub(context.Background(), club, initial); err != nil {
		t.Fatalf("failed to seed club: %v", err)
	}
	return club
}

func seedPosition(t *testing.T, ms *store.MemoryStore, userID, clubID string, qty int64, invested float64) {
	t.Helper()
	ctx := context.Background()
	tx, err := ms.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin tx: %v", err)
	}
	if _, err := tx.LockClub(ctx, clubID); err != nil {
		t.Fatalf("failed to lock club: %v", err)
	}
	if err := tx.UpsertPosition(ctx, userID, clubID, qty, d(invested)); err != nil {
		t.Fatalf("failed to seed position: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
}

func doJSON(t *testing.T, router *chi.Mux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// --- Typed execution path ---

func TestProcessPurchase_MovesCapitalizationAndShares(t *testing.T) {
	svc, _, ms, _ := newTestEnv(t)
	club := seedClub(t, ms, "FC United", 100, 5, 20)
	ctx := context.Background()

	exec, err := svc.ProcessPurchase(ctx, "user-1", club.ID, 2, d(20))
	if err != nil {
		t.Fatalf("purchase failed: %v", err)
	}

	if !exec.Order.TotalAmount.Equal(d(40)) {
		t.Errorf("expected total 40, got %s", exec.Order.TotalAmount)
	}
	if exec.Order.Status != model.StatusFilled {
		t.Errorf("expected FILLED, got %s", exec.Order.Status)
	}
	if !exec.Entry.CapitalizationBefore.Equal(d(100)) || !exec.Entry.CapitalizationAfter.Equal(d(140)) {
		t.Errorf("expected cap 100 -> 140, got %s -> %s",
			exec.Entry.CapitalizationBefore, exec.Entry.CapitalizationAfter)
	}
	if exec.Entry.SharesOutstandingAfter != 7 {
		t.Errorf("expected 7 shares outstanding, got %d", exec.Entry.SharesOutstandingAfter)
	}
	if !exec.Entry.NAVAfter.Equal(d(20)) {
		t.Errorf("expected nav 20 after buying at nav, got %s", exec.Entry.NAVAfter)
	}

	got, err := ms.GetClub(ctx, club.ID)
	if err != nil {
		t.Fatalf("failed to reload club: %v", err)
	}
	if !got.Capitalization.Equal(d(140)) || got.SharesOutstanding != 7 {
		t.Errorf("expected club at 140/7, got %s/%d", got.Capitalization, got.SharesOutstanding)
	}

	pos, err := ms.GetUserPositions(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to load positions: %v", err)
	}
	if len(pos) != 1 || pos[0].Quantity != 2 || !pos[0].TotalInvested.Equal(d(40)) {
		t.Errorf("expected position 2 shares / 40 invested, got %+v", pos)
	}
}

func TestProcessPurchase_QuoteWithinEpsilonAccepted(t *testing.T) {
	svc, _, ms, _ := newTestEnv(t)
	club := seedClub(t, ms, "FC United", 100, 5, 20)

	exec, err := svc.ProcessPurchase(context.Background(), "user-1", club.ID, 1, d(20.01))
	if err != nil {
		t.Fatalf("expected quote at epsilon boundary to fill, got %v", err)
	}
	if !exec.Order.PricePerShare.Equal(d(20.01)) {
		t.Errorf("expected fill at quoted 20.01, got %s", exec.Order.PricePerShare)
	}
}

func TestProcessPurchase_StaleQuoteRejected(t *testing.T) {
	svc, _, ms, _ := newTestEnv(t)
	club := seedClub(t, ms, "FC United", 100, 5, 20)

	_, err := svc.ProcessPurchase(context.Background(), "user-1", club.ID, 1, d(20.02))
	if !errors.Is(err, exchange.ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}

	got, _ := ms.GetClub(context.Background(), club.ID)
	if !got.Capitalization.Equal(d(100)) || got.SharesOutstanding != 5 {
		t.Errorf("rejected purchase must not move the club, got %s/%d",
			got.Capitalization, got.SharesOutstanding)
	}
}

func TestProcessPurchase_LaunchPriceBeforeFirstShare(t *testing.T) {
	svc, _, ms, _ := newTestEnv(t)
	club := seedClub(t, ms, "FC United", 100, 0, 10)

	exec, err := svc.ProcessPurchase(context.Background(), "user-1", club.ID, 3, d(10))
	if err != nil {
		t.Fatalf("purchase at launch price failed: %v", err)
	}
	if !exec.Entry.NAVBefore.Equal(d(10)) {
		t.Errorf("expected launch-price nav 10 before first share, got %s", exec.Entry.NAVBefore)
	}
	if !exec.Entry.CapitalizationAfter.Equal(d(130)) || exec.Entry.SharesOutstandingAfter != 3 {
		t.Errorf("expected 130/3 after, got %s/%d",
			exec.Entry.CapitalizationAfter, exec.Entry.SharesOutstandingAfter)
	}
}

func TestProcessPurchase_InvalidQuantity(t *testing.T) {
	svc, _, ms, _ := newTestEnv(t)
	club := seedClub(t, ms, "FC United", 100, 5, 20)

	for _, qty := range []int64{0, -3} {
		if _, err := svc.ProcessPurchase(context.Background(), "user-1", club.ID, qty, d(20)); !errors.Is(err, exchange.ErrInvalidQuantity) {
			t.Errorf("qty %d: expected ErrInvalidQuantity, got %v", qty, err)
		}
	}
	if _, err := svc.ProcessPurchase(context.Background(), "user-1", club.ID, 1, d(0)); !errors.Is(err, exchange.ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice for zero price, got %v", err)
	}
}

func TestProcessPurchase_UnknownClub(t *testing.T) {
	svc, _, _, _ := newTestEnv(t)

	_, err := svc.ProcessPurchase(context.Background(), "user-1", "nope", 1, d(20))
	if !errors.Is(err, store.ErrClubNotFound) {
		t.Fatalf("expected ErrClubNotFound, got %v", err)
	}
}

func TestProcessPurchase_BlockedByPendingFixture(t *testing.T) {
	svc, _, ms, _ := newTestEnv(t)
	club := seedClub(t, ms, "FC United", 100, 5, 20)
	rival := seedClub(t, ms, "Rival Town", 100, 5, 20)
	ctx := context.Background()

	now := time.Now().UTC()
	fixture := &model.Fixture{
		ID:         uuid.New().String(),
		HomeClubID: club.ID,
		AwayClubID: rival.ID,
		KickoffAt:  now.Add(30 * time.Minute),
		BuyCloseAt: now.Add(-time.Minute),
		Status:     model.FixtureScheduled,
		Result:     model.ResultPending,
		CreatedAt:  now,
	}
	if err := ms.CreateFixture(ctx, fixture); err != nil {
		t.Fatalf("failed to create fixture: %v", err)
	}

	if _, err := svc.ProcessPurchase(ctx, "user-1", club.ID, 1, d(20)); !errors.Is(err, exchange.ErrTradingClosed) {
		t.Fatalf("expected ErrTradingClosed for home club, got %v", err)
	}
	if _, err := svc.ProcessPurchase(ctx, "user-1", rival.ID, 1, d(20)); !errors.Is(err, exchange.ErrTradingClosed) {
		t.Fatalf("expected ErrTradingClosed for away club, got %v", err)
	}

	// Sales stay open while buying is blocked.
	seedPosition(t, ms, "user-1", club.ID, 2, 40)
	if _, err := svc.ProcessSale(ctx, "user-1", club.ID, 1, d(20)); err != nil {
		t.Fatalf("expected sale to fill while buying is blocked, got %v", err)
	}
}

func TestProcessPurchase_BusyOnContendedLock(t *testing.T) {
	svc, _, ms, _ := newTestEnv(t)
	club := seedClub(t, ms, "FC United", 100, 5, 20)
	ms.LockTimeout = 50 * time.Millisecond
	ctx := context.Background()

	tx, err := ms.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin tx: %v", err)
	}
	if _, err := tx.LockClub(ctx, club.ID); err != nil {
		t.Fatalf("failed to lock club: %v", err)
	}
	defer tx.Rollback(ctx)

	if _, err := svc.ProcessPurchase(ctx, "user-1", club.ID, 1, d(20)); !errors.Is(err, store.ErrBusy) {
		t.Fatalf("expected ErrBusy while club is locked, got %v", err)
	}
}

func TestProcessPurchase_ClubLimitRejected(t *testing.T) {
	ms := store.NewMemoryStore()
	valuer, err := valuation.NewValuer(d(0.01), d(0.10), d(10))
	if err != nil {
		t.Fatalf("failed to create valuer: %v", err)
	}
	limiter := exposure.NewLimiter(10, d(100000))
	svc := exchange.NewService(ms, valuer, wallet.NewService(ms), limiter, nil)
	club := seedClub(t, ms, "FC United", 100, 5, 20)
	seedPosition(t, ms, "user-1", club.ID, 8, 160)
	ctx := context.Background()

	// 8 held + 3 more = 11 > 10.
	if _, err := svc.ProcessPurchase(ctx, "user-1", club.ID, 3, d(20)); !errors.Is(err, exposure.ErrClubLimitExceeded) {
		t.Fatalf("expected ErrClubLimitExceeded, got %v", err)
	}

	// Topping up to exactly the cap still fills.
	if _, err := svc.ProcessPurchase(ctx, "user-1", club.ID, 2, d(20)); err != nil {
		t.Fatalf("purchase at the cap should fill, got %v", err)
	}

	got, _ := ms.GetClub(ctx, club.ID)
	if got.SharesOutstanding != 7 {
		t.Errorf("only the allowed purchase should move the club, got %d shares", got.SharesOutstanding)
	}
}

func TestProcessPurchase_PortfolioLimitRejected(t *testing.T) {
	ms := store.NewMemoryStore()
	valuer, err := valuation.NewValuer(d(0.01), d(0.10), d(10))
	if err != nil {
		t.Fatalf("failed to create valuer: %v", err)
	}
	limiter := exposure.NewLimiter(1000, d(500))
	svc := exchange.NewService(ms, valuer, wallet.NewService(ms), limiter, nil)
	clubA := seedClub(t, ms, "FC United", 100, 5, 20)
	clubB := seedClub(t, ms, "Rival Town", 100, 5, 20)
	seedPosition(t, ms, "user-1", clubA.ID, 20, 400)
	ctx := context.Background()

	// 400 invested + 120 more = 520 > 500, even in another club.
	if _, err := svc.ProcessPurchase(ctx, "user-1", clubB.ID, 6, d(20)); !errors.Is(err, exposure.ErrPortfolioLimitExceeded) {
		t.Fatalf("expected ErrPortfolioLimitExceeded, got %v", err)
	}

	// A different user is unaffected.
	if _, err := svc.ProcessPurchase(ctx, "user-2", clubB.ID, 6, d(20)); err != nil {
		t.Fatalf("other users should be unaffected, got %v", err)
	}
}

func TestConcurrentPurchasesSerialize(t *testing.T) {
	svc, _, ms, _ := newTestEnv(t)
	club := seedClub(t, ms, "FC United", 100, 5, 20)
	ctx := context.Background()

	// Buying exactly at NAV keeps NAV constant, so every racer's quote
	// stays fresh no matter the interleaving.
	const buyers = 8
	var wg sync.WaitGroup
	errs := make([]error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ProcessPurchase(ctx, fmt.Sprintf("user-%d", i), club.ID, 1, d(20))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("buyer %d failed: %v", i, err)
		}
	}

	got, _ := ms.GetClub(ctx, club.ID)
	if !got.Capitalization.Equal(d(260)) || got.SharesOutstanding != 13 {
		t.Fatalf("expected 260/13 after 8 serialized buys, got %s/%d",
			got.Capitalization, got.SharesOutstanding)
	}

	entries, _ := ms.GetLedgerEntries(ctx, club.ID)
	for i := 1; i < len(entries); i++ {
		if !entries[i].CapitalizationBefore.Equal(entries[i-1].CapitalizationAfter) {
			t.Errorf("entry %d breaks the capitalization chain: %s != %s",
				i, entries[i].CapitalizationBefore, entries[i-1].CapitalizationAfter)
		}
	}
}

func TestProcessSale_ReducesCapitalizationAndPosition(t *testing.T) {
	svc, _, ms, _ := newTestEnv(t)
	club := seedClub(t, ms, "FC United", 100, 5, 20)
	seedPosition(t, ms, "user-1", club.ID, 5, 100)
	ctx := context.Background()

	exec, err := svc.ProcessSale(ctx, "user-1", club.ID, 2, d(20))
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}
	if exec.Order.Side != model.SideSell || !exec.Order.TotalAmount.Equal(d(40)) {
		t.Errorf("expected SELL for 40, got %s for %s", exec.Order.Side, exec.Order.TotalAmount)
	}
	if !exec.Entry.PriceImpact.Equal(d(-40)) || exec.Entry.SharesTraded != -2 {
		t.Errorf("expected impact -40 / -2 shares, got %s / %d",
			exec.Entry.PriceImpact, exec.Entry.SharesTraded)
	}

	got, _ := ms.GetClub(ctx, club.ID)
	if !got.Capitalization.Equal(d(60)) || got.SharesOutstanding != 3 {
		t.Errorf("expected club at 60/3, got %s/%d", got.Capitalization, got.SharesOutstanding)
	}

	pos, _ := ms.GetUserPositions(ctx, "user-1")
	if len(pos) != 1 || pos[0].Quantity != 3 || !pos[0].TotalInvested.Equal(d(60)) {
		t.Errorf("expected position 3 shares / 60 invested, got %+v", pos)
	}
}

func TestProcessSale_FullExitReleasesAllCost(t *testing.T) {
	svc, _, ms, _ := newTestEnv(t)
	club := seedClub(t, ms, "FC United", 100, 5, 20)
	seedPosition(t, ms, "user-1", club.ID, 3, 33.34)
	ctx := context.Background()

	if _, err := svc.ProcessSale(ctx, "user-1", club.ID, 3, d(20)); err != nil {
		t.Fatalf("sale failed: %v", err)
	}

	// Closed positions drop out of listings.
	pos, _ := ms.GetUserPositions(ctx, "user-1")
	if len(pos) != 0 {
		t.Fatalf("expected closed position to leave the listing, got %+v", pos)
	}

	// The underlying row zeroes out rather than going negative.
	tx, err := ms.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin tx: %v", err)
	}
	defer tx.Rollback(ctx)
	p, err := tx.GetPosition(ctx, "user-1", club.ID)
	if err != nil {
		t.Fatalf("failed to load position: %v", err)
	}
	if p == nil || p.Quantity != 0 || !p.TotalInvested.Equal(decimal.Zero) {
		t.Errorf("expected empty position after full exit, got %+v", p)
	}
}

func TestProcessSale_InsufficientShares(t *testing.T) {
	svc, _, ms, _ := newTestEnv(t)
	club := seedClub(t, ms, "FC United", 100, 5, 20)
	seedPosition(t, ms, "user-1", club.ID, 1, 20)
	ctx := context.Background()

	if _, err := svc.ProcessSale(ctx, "user-1", club.ID, 2, d(20)); !errors.Is(err, exchange.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
	if _, err := svc.ProcessSale(ctx, "user-2", club.ID, 1, d(20)); !errors.Is(err, exchange.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares without a position, got %v", err)
	}
}

func TestProcessAdjustment_MovesCapitalizationOnly(t *testing.T) {
	svc, _, ms, _ := newTestEnv(t)
	club := seedClub(t, ms, "FC United", 100, 5, 20)
	ctx := context.Background()

	entry, err := svc.ProcessAdjustment(ctx, club.ID, d(-20), "data correction")
	if err != nil {
		t.Fatalf("adjustment failed: %v", err)
	}
	if entry.Kind != model.EntryManualAdjustment || entry.SharesTraded != 0 {
		t.Errorf("expected MANUAL_ADJUSTMENT with no shares traded, got %s / %d",
			entry.Kind, entry.SharesTraded)
	}
	if entry.Note != "data correction" {
		t.Errorf("expected note to be recorded, got %q", entry.Note)
	}

	got, _ := ms.GetClub(ctx, club.ID)
	if !got.Capitalization.Equal(d(80)) || got.SharesOutstanding != 5 {
		t.Errorf("expected 80/5 after adjustment, got %s/%d",
			got.Capitalization, got.SharesOutstanding)
	}

	if _, err := svc.ProcessAdjustment(ctx, club.ID, decimal.Zero, ""); !errors.Is(err, exchange.ErrInvalidAdjustment) {
		t.Errorf("expected ErrInvalidAdjustment for zero delta, got %v", err)
	}
	if _, err := svc.ProcessAdjustment(ctx, club.ID, d(-1000), ""); !errors.Is(err, exchange.ErrInvalidAdjustment) {
		t.Errorf("expected ErrInvalidAdjustment for negative capitalization, got %v", err)
	}
}

// --- HTTP handlers ---

func TestCreateClub_LaunchesWithInitialEntry(t *testing.T) {
	_, _, ms, router := newTestEnv(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/clubs", exchange.CreateClubRequest{
		Name:                  "FC United",
		InitialCapitalization: d(100),
		LaunchPricePerShare:   d(10),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var club model.Club
	if err := json.Unmarshal(rec.Body.Bytes(), &club); err != nil {
		t.Fatalf("failed to decode club: %v", err)
	}
	if club.SharesOutstanding != 0 || !club.Capitalization.Equal(d(100)) {
		t.Errorf("expected fresh club at 100/0, got %s/%d", club.Capitalization, club.SharesOutstanding)
	}

	entries, err := ms.GetLedgerEntries(context.Background(), club.ID)
	if err != nil {
		t.Fatalf("failed to load entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != model.EntryInitial {
		t.Fatalf("expected one INITIAL entry, got %+v", entries)
	}
	if !entries[0].NAVAfter.Equal(d(10)) {
		t.Errorf("expected launch nav 10, got %s", entries[0].NAVAfter)
	}
}

func TestCreateClub_Validation(t *testing.T) {
	_, _, _, router := newTestEnv(t)

	cases := []struct {
		name string
		req  exchange.CreateClubRequest
	}{
		{"missing name", exchange.CreateClubRequest{InitialCapitalization: d(100), LaunchPricePerShare: d(10)}},
		{"zero capitalization", exchange.CreateClubRequest{Name: "X", LaunchPricePerShare: d(10)}},
		{"zero launch price", exchange.CreateClubRequest{Name: "X", InitialCapitalization: d(100)}},
	}
	for _, tc := range cases {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/clubs", tc.req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d: %s", tc.name, rec.Code, rec.Body.String())
		}
	}
}

func TestGetNAV_FallsBackToLaunchPrice(t *testing.T) {
	_, _, ms, router := newTestEnv(t)
	fresh := seedClub(t, ms, "Fresh FC", 100, 0, 10)
	traded := seedClub(t, ms, "Traded FC", 100, 5, 10)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/clubs/"+fresh.ID+"/nav", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp exchange.NAVResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.NAV.Equal(d(10)) {
		t.Errorf("expected launch-price nav 10, got %s", resp.NAV)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/clubs/"+traded.ID+"/nav", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.NAV.Equal(d(20)) {
		t.Errorf("expected nav 20 = 100/5, got %s", resp.NAV)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/clubs/nope/nav", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for unknown club, got %d", rec.Code)
	}
}

func TestPlaceOrder_BuyDebitsWallet(t *testing.T) {
	_, wallets, ms, router := newTestEnv(t)
	club := seedClub(t, ms, "FC United", 100, 5, 20)
	ctx := context.Background()

	if _, _, err := wallets.Credit(ctx, "user-1", d(100), model.WalletDeposit, "dep-1"); err != nil {
		t.Fatalf("failed to seed wallet: %v", err)
	}

	rec := doJSON(t, router, http.MethodPost, "/api/v1/orders", exchange.PlaceOrderRequest{
		UserID:        "user-1",
		ClubID:        club.ID,
		Side:          model.SideBuy,
		Quantity:      2,
		PricePerShare: d(20),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp exchange.OrderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Order == nil || resp.Order.Side != model.SideBuy {
		t.Fatalf("expected a BUY order in response, got %+v", resp.Order)
	}
	if resp.Wallet == nil || !resp.Wallet.Balance.Equal(d(60)) {
		t.Errorf("expected wallet balance 60 after 40 debit, got %+v", resp.Wallet)
	}

	wal, err := ms.GetWallet(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to load wallet: %v", err)
	}
	if !wal.Balance.Equal(d(60)) {
		t.Errorf("expected persisted balance 60, got %s", wal.Balance)
	}
}

func TestPlaceOrder_BuyRefundsOnRejectedFill(t *testing.T) {
	_, wallets, ms, router := newTestEnv(t)
	club := seedClub(t, ms, "FC United", 100, 5, 20)
	ctx := context.Background()

	if _, _, err := wallets.Credit(ctx, "user-1", d(100), model.WalletDeposit, "dep-1"); err != nil {
		t.Fatalf("failed to seed wallet: %v", err)
	}

	// Stale quote: nav is 20, quote 25.
	rec := doJSON(t, router, http.MethodPost, "/api/v1/orders", exchange.PlaceOrderRequest{
		UserID:        "user-1",
		ClubID:        club.ID,
		Side:          model.SideBuy,
		Quantity:      1,
		PricePerShare: d(25),
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409 for stale quote, got %d: %s", rec.Code, rec.Body.String())
	}

	wal, _ := ms.GetWallet(ctx, "user-1")
	if !wal.Balance.Equal(d(100)) {
		t.Errorf("expected balance restored to 100, got %s", wal.Balance)
	}

	txns, _ := ms.GetWalletTransactions(ctx, "user-1")
	var kinds []model.WalletTxnKind
	for _, txn := range txns {
		kinds = append(kinds, txn.Kind)
	}
	if len(txns) != 3 || txns[1].Kind != model.WalletPurchase || txns[2].Kind != model.WalletRefund {
		t.Errorf("expected DEPOSIT, PURCHASE, REFUND trail, got %v", kinds)
	}
}

func TestPlaceOrder_InsufficientFunds(t *testing.T) {
	_, _, ms, router := newTestEnv(t)
	club := seedClub(t, ms, "FC United", 100, 5, 20)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/orders", exchange.PlaceOrderRequest{
		UserID:        "user-1",
		ClubID:        club.ID,
		Side:          model.SideBuy,
		Quantity:      2,
		PricePerShare: d(20),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", rec.Code, rec.Body.String())
	}

	got, _ := ms.GetClub(context.Background(), club.ID)
	if !got.Capitalization.Equal(d(100)) {
		t.Errorf("unfunded order must not move the club, got %s", got.Capitalization)
	}
}

func TestPlaceOrder_SellCreditsProceeds(t *testing.T) {
	_, _, ms, router := newTestEnv(t)
	club := seedClub(t, ms, "FC United", 100, 5, 20)
	seedPosition(t, ms, "user-1", club.ID, 5, 100)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/orders", exchange.PlaceOrderRequest{
		UserID:        "user-1",
		ClubID:        club.ID,
		Side:          model.SideSell,
		Quantity:      2,
		PricePerShare: d(20),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp exchange.OrderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Wallet == nil || !resp.Wallet.Balance.Equal(d(40)) {
		t.Errorf("expected proceeds of 40 credited, got %+v", resp.Wallet)
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	_, _, ms, router := newTestEnv(t)
	club := seedClub(t, ms, "FC United", 100, 5, 20)

	cases := []struct {
		name string
		req  exchange.PlaceOrderRequest
	}{
		{"unknown side", exchange.PlaceOrderRequest{UserID: "u", ClubID: club.ID, Side: "HOLD", Quantity: 1, PricePerShare: d(20)}},
		{"zero quantity", exchange.PlaceOrderRequest{UserID: "u", ClubID: club.ID, Side: model.SideBuy, PricePerShare: d(20)}},
		{"missing user", exchange.PlaceOrderRequest{ClubID: club.ID, Side: model.SideBuy, Quantity: 1, PricePerShare: d(20)}},
		{"zero price", exchange.PlaceOrderRequest{UserID: "u", ClubID: club.ID, Side: model.SideBuy, Quantity: 1}},
	}
	for _, tc := range cases {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/orders", tc.req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d: %s", tc.name, rec.Code, rec.Body.String())
		}
	}
}

func TestGetUserPositions_IncludesValuation(t *testing.T) {
	_, _, ms, router := newTestEnv(t)
	club := seedClub(t, ms, "FC United", 100, 5, 20)
	seedPosition(t, ms, "user-1", club.ID, 5, 90)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/users/user-1/positions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var positions []model.Position
	if err := json.Unmarshal(rec.Body.Bytes(), &positions); err != nil {
		t.Fatalf("failed to decode positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected one position, got %d", len(positions))
	}
	p := positions[0]
	if !p.CurrentNAV.Equal(d(20)) || !p.CurrentValue.Equal(d(100)) || !p.UnrealizedPnL.Equal(d(10)) {
		t.Errorf("expected nav 20 / value 100 / pnl 10, got %s / %s / %s",
			p.CurrentNAV, p.CurrentValue, p.UnrealizedPnL)
	}
}

func TestGetUserOrders_EmptyIsList(t *testing.T) {
	_, _, _, router := newTestEnv(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/users/nobody/orders", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("expected empty JSON list, got %q", body)
	}
}

func TestCreateAdjustment_Handler(t *testing.T) {
	_, _, ms, router := newTestEnv(t)
	club := seedClub(t, ms, "FC United", 100, 5, 20)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/clubs/"+club.ID+"/adjustments", exchange.AdjustmentRequest{
		Delta: d(25),
		Note:  "sponsor bonus",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var entry model.LedgerEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode entry: %v", err)
	}
	if entry.Kind != model.EntryManualAdjustment || !entry.CapitalizationAfter.Equal(d(125)) {
		t.Errorf("expected MANUAL_ADJUSTMENT to 125, got %s to %s", entry.Kind, entry.CapitalizationAfter)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/clubs/"+club.ID+"/adjustments", exchange.AdjustmentRequest{
		Delta: d(-9999),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for negative capitalization, got %d", rec.Code)
	}
}
