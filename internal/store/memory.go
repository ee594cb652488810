package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kickcap/exchange-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Engine transactions emulate row locking with a per-club lock table:
// LockClub blocks until the club lock frees or LockTimeout elapses,
// returning ErrBusy just like the PostgreSQL store does on a
// lock_timeout abort.
type MemoryStore struct {
	mu sync.RWMutex

	clubs     map[string]*model.Club
	orders    []model.Order
	positions map[string]*model.Position // userID|clubID
	ledger    []model.LedgerEntry
	fixtures  map[string]*model.Fixture
	transfers map[string]*model.Transfer // keyed by fixture ID
	wallets   map[string]*model.Wallet
	txns      []model.WalletTransaction
	txnRefs   map[string]string // referenceID -> transaction ID
	board     []model.LeaderboardEntry

	nextSeq int64
	locks   *lockTable

	// LockTimeout bounds how long LockClub waits for a contended club.
	LockTimeout time.Duration
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clubs:       make(map[string]*model.Club),
		positions:   make(map[string]*model.Position),
		fixtures:    make(map[string]*model.Fixture),
		transfers:   make(map[string]*model.Transfer),
		wallets:     make(map[string]*model.Wallet),
		txnRefs:     make(map[string]string),
		locks:       newLockTable(),
		LockTimeout: 3 * time.Second,
	}
}

func positionKey(userID, clubID string) string {
	return userID + "|" + clubID
}

func (s *MemoryStore) CreateClub(_ context.Context, club *model.Club, initial *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clubs[club.ID]; exists {
		return fmt.Errorf("club %s already exists", club.ID)
	}

	// Store copies to avoid external mutation.
	c := *club
	s.clubs[club.ID] = &c

	s.nextSeq++
	initial.InsertSeq = s.nextSeq
	s.ledger = append(s.ledger, *initial)
	return nil
}

func (s *MemoryStore) GetClub(_ context.Context, id string) (*model.Club, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clubLocked(id)
}

func (s *MemoryStore) clubLocked(id string) (*model.Club, error) {
	club, ok := s.clubs[id]
	if !ok {
		return nil, ErrClubNotFound
	}
	c := *club
	return &c, nil
}

func (s *MemoryStore) ListClubs(_ context.Context) ([]model.Club, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clubs := make([]model.Club, 0, len(s.clubs))
	for _, club := range s.clubs {
		clubs = append(clubs, *club)
	}
	sort.Slice(clubs, func(i, j int) bool {
		if clubs[i].CreatedAt.Equal(clubs[j].CreatedAt) {
			return clubs[i].ID < clubs[j].ID
		}
		return clubs[i].CreatedAt.Before(clubs[j].CreatedAt)
	})
	return clubs, nil
}

func (s *MemoryStore) GetOrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ordersLocked(userID, time.Time{}), nil
}

func (s *MemoryStore) GetOrdersByUserThrough(_ context.Context, userID string, t time.Time) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ordersLocked(userID, t), nil
}

func (s *MemoryStore) ordersLocked(userID string, through time.Time) []model.Order {
	var orders []model.Order
	for _, o := range s.orders {
		if o.UserID != userID {
			continue
		}
		if !through.IsZero() && o.ExecutedAt.After(through) {
			continue
		}
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].ExecutedAt.Equal(orders[j].ExecutedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].ExecutedAt.Before(orders[j].ExecutedAt)
	})
	return orders
}

func (s *MemoryStore) GetUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.UserID == userID && p.Quantity > 0 {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].ClubID < positions[j].ClubID
	})
	return positions, nil
}

func (s *MemoryStore) GetLedgerEntries(_ context.Context, clubID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []model.LedgerEntry
	for _, e := range s.ledger {
		if e.ClubID == clubID {
			entries = append(entries, e)
		}
	}
	sortEntries(entries)
	return entries, nil
}

func (s *MemoryStore) GetLastEntryBefore(_ context.Context, clubID string, t time.Time) (*model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *model.LedgerEntry
	for i := range s.ledger {
		e := &s.ledger[i]
		if e.ClubID != clubID || !e.EventTimestamp.Before(t) {
			continue
		}
		if last == nil || entryAfter(e, last) {
			last = e
		}
	}
	if last == nil {
		return nil, nil
	}
	e := *last
	return &e, nil
}

func sortEntries(entries []model.LedgerEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].EventTimestamp.Equal(entries[j].EventTimestamp) {
			return entries[i].InsertSeq < entries[j].InsertSeq
		}
		return entries[i].EventTimestamp.Before(entries[j].EventTimestamp)
	})
}

func entryAfter(a, b *model.LedgerEntry) bool {
	if a.EventTimestamp.Equal(b.EventTimestamp) {
		return a.InsertSeq > b.InsertSeq
	}
	return a.EventTimestamp.After(b.EventTimestamp)
}

func (s *MemoryStore) CreateFixture(_ context.Context, f *model.Fixture) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.fixtures[f.ID]; exists {
		return fmt.Errorf("fixture %s already exists", f.ID)
	}
	fx := *f
	s.fixtures[f.ID] = &fx
	return nil
}

func (s *MemoryStore) GetFixture(_ context.Context, id string) (*model.Fixture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.fixtures[id]
	if !ok {
		return nil, ErrFixtureNotFound
	}
	fx := *f
	return &fx, nil
}

func (s *MemoryStore) GetBlockingFixture(_ context.Context, clubID string, at time.Time) (*model.Fixture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blockingFixtureLocked(clubID, at), nil
}

func (s *MemoryStore) blockingFixtureLocked(clubID string, at time.Time) *model.Fixture {
	var blocking *model.Fixture
	for _, f := range s.fixtures {
		if f.HomeClubID != clubID && f.AwayClubID != clubID {
			continue
		}
		if f.Result != model.ResultPending || f.BuyCloseAt.After(at) {
			continue
		}
		if f.Status != model.FixtureScheduled && f.Status != model.FixtureLive {
			continue
		}
		if blocking == nil || f.KickoffAt.Before(blocking.KickoffAt) {
			blocking = f
		}
	}
	if blocking == nil {
		return nil
	}
	fx := *blocking
	return &fx
}

func (s *MemoryStore) GetTransferByFixture(_ context.Context, fixtureID string) (*model.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transfers[fixtureID]
	if !ok {
		return nil, nil
	}
	tr := *t
	return &tr, nil
}

func (s *MemoryStore) ApplyWalletTransaction(_ context.Context, txn *model.WalletTransaction) (*model.Wallet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}

	if _, seen := s.txnRefs[txn.ReferenceID]; seen {
		return s.walletLocked(txn.UserID), false, nil
	}

	wallet, ok := s.wallets[txn.UserID]
	if !ok {
		wallet = &model.Wallet{UserID: txn.UserID, Balance: decimal.Zero, UpdatedAt: txn.CreatedAt}
		s.wallets[txn.UserID] = wallet
	}

	newBalance := wallet.Balance.Add(txn.Amount)
	if newBalance.IsNegative() {
		return nil, false, ErrInsufficientFunds
	}

	wallet.Balance = newBalance
	wallet.UpdatedAt = txn.CreatedAt
	s.txns = append(s.txns, *txn)
	s.txnRefs[txn.ReferenceID] = txn.ID

	w := *wallet
	return &w, true, nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.walletLocked(userID), nil
}

func (s *MemoryStore) walletLocked(userID string) *model.Wallet {
	if wallet, ok := s.wallets[userID]; ok {
		w := *wallet
		return &w
	}
	return &model.Wallet{UserID: userID, Balance: decimal.Zero}
}

func (s *MemoryStore) GetWalletTransactions(_ context.Context, userID string) ([]model.WalletTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.txnsLocked(userID, time.Time{}), nil
}

func (s *MemoryStore) GetWalletTransactionsBefore(_ context.Context, userID string, t time.Time) ([]model.WalletTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.txnsLocked(userID, t), nil
}

func (s *MemoryStore) txnsLocked(userID string, before time.Time) []model.WalletTransaction {
	var txns []model.WalletTransaction
	for _, t := range s.txns {
		if t.UserID != userID {
			continue
		}
		if !before.IsZero() && !t.CreatedAt.Before(before) {
			continue
		}
		txns = append(txns, t)
	}
	sort.Slice(txns, func(i, j int) bool {
		if txns[i].CreatedAt.Equal(txns[j].CreatedAt) {
			return txns[i].ID < txns[j].ID
		}
		return txns[i].CreatedAt.Before(txns[j].CreatedAt)
	})
	return txns
}

func (s *MemoryStore) SaveLeaderboard(_ context.Context, weekStart time.Time, entries []model.LeaderboardEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]bool)
	for _, e := range s.board {
		if e.WeekStart.Equal(weekStart) {
			existing[e.UserID] = true
		}
	}
	for _, e := range entries {
		if existing[e.UserID] {
			continue
		}
		s.board = append(s.board, e)
	}
	for i := range s.board {
		if !s.board[i].WeekStart.Equal(weekStart) {
			s.board[i].IsLatest = false
		}
	}
	return nil
}

func (s *MemoryStore) GetLeaderboard(_ context.Context, weekStart time.Time) ([]model.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []model.LeaderboardEntry
	for _, e := range s.board {
		if e.WeekStart.Equal(weekStart) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Rank < entries[j].Rank })
	return entries, nil
}

func (s *MemoryStore) GetLatestLeaderboard(_ context.Context) ([]model.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []model.LeaderboardEntry
	for _, e := range s.board {
		if e.IsLatest {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Rank < entries[j].Rank })
	return entries, nil
}

func (s *MemoryStore) LeaderboardExists(_ context.Context, weekStart time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.board {
		if e.WeekStart.Equal(weekStart) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListTradingUserIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, t := range s.txns {
		seen[t.UserID] = true
	}
	for _, o := range s.orders {
		seen[o.UserID] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) BeginTx(_ context.Context) (Tx, error) {
	return &memTx{store: s}, nil
}

type clubDelta struct {
	clubID      string
	capDelta    decimal.Decimal
	sharesDelta int64
}

type positionDelta struct {
	userID        string
	clubID        string
	qtyDelta      int64
	investedDelta decimal.Decimal
	at            time.Time
}

// claimedFixture remembers the pre-claim state so Rollback can restore it.
// The compare-and-set on the fixture result is applied immediately rather
// than staged, otherwise two concurrent settlements could both pass the
// gate before either commits.
type claimedFixture struct {
	id            string
	prevResult    model.MatchResult
	prevStatus    model.FixtureStatus
	prevScore     string
	prevSettledAt *time.Time
}

// memTx stages writes until Commit so a Rollback leaves the store
// untouched, mirroring the transactional PostgreSQL store.
type memTx struct {
	store *MemoryStore
	done  bool

	locked     []string
	clubDeltas []clubDelta
	orders     []model.Order
	entries    []model.LedgerEntry
	posDeltas  []positionDelta
	transfers  []model.Transfer
	claimed    *claimedFixture
}

func (t *memTx) holdsLock(clubID string) bool {
	for _, id := range t.locked {
		if id == clubID {
			return true
		}
	}
	return false
}

func (t *memTx) LockClub(_ context.Context, clubID string) (*model.Club, error) {
	if !t.holdsLock(clubID) {
		if err := t.store.locks.acquire(clubID, t.store.LockTimeout); err != nil {
			return nil, err
		}
		t.locked = append(t.locked, clubID)
	}

	t.store.mu.RLock()
	club, err := t.store.clubLocked(clubID)
	t.store.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	// Reflect this transaction's own staged writes.
	for _, d := range t.clubDeltas {
		if d.clubID == clubID {
			club.Capitalization = club.Capitalization.Add(d.capDelta)
			club.SharesOutstanding += d.sharesDelta
		}
	}
	return club, nil
}

func (t *memTx) LockClubs(ctx context.Context, clubIDs ...string) (map[string]*model.Club, error) {
	ids := append([]string(nil), clubIDs...)
	sort.Strings(ids)

	clubs := make(map[string]*model.Club, len(ids))
	for _, id := range ids {
		club, err := t.LockClub(ctx, id)
		if err != nil {
			return nil, err
		}
		clubs[id] = club
	}
	return clubs, nil
}

func (t *memTx) ApplyClubDelta(_ context.Context, clubID string, capDelta decimal.Decimal, sharesDelta int64) error {
	t.store.mu.RLock()
	_, exists := t.store.clubs[clubID]
	t.store.mu.RUnlock()
	if !exists {
		return ErrClubNotFound
	}
	t.clubDeltas = append(t.clubDeltas, clubDelta{clubID: clubID, capDelta: capDelta, sharesDelta: sharesDelta})
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	t.orders = append(t.orders, *o)
	return nil
}

func (t *memTx) AppendLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	// Sequences do not roll back, same as PostgreSQL.
	t.store.mu.Lock()
	t.store.nextSeq++
	e.InsertSeq = t.store.nextSeq
	t.store.mu.Unlock()

	t.entries = append(t.entries, *e)
	return nil
}

func (t *memTx) GetPosition(_ context.Context, userID, clubID string) (*model.Position, error) {
	t.store.mu.RLock()
	stored, ok := t.store.positions[positionKey(userID, clubID)]
	var pos model.Position
	if ok {
		pos = *stored
	}
	t.store.mu.RUnlock()

	if !ok {
		pos = model.Position{UserID: userID, ClubID: clubID, TotalInvested: decimal.Zero}
	}
	found := ok
	for _, d := range t.posDeltas {
		if d.userID == userID && d.clubID == clubID {
			pos.Quantity += d.qtyDelta
			pos.TotalInvested = pos.TotalInvested.Add(d.investedDelta)
			pos.UpdatedAt = d.at
			found = true
		}
	}
	if !found {
		return nil, nil
	}
	return &pos, nil
}

func (t *memTx) UpsertPosition(_ context.Context, userID, clubID string, qtyDelta int64, investedDelta decimal.Decimal) error {
	t.posDeltas = append(t.posDeltas, positionDelta{
		userID:        userID,
		clubID:        clubID,
		qtyDelta:      qtyDelta,
		investedDelta: investedDelta,
		at:            time.Now().UTC(),
	})
	return nil
}

func (t *memTx) GetBlockingFixture(_ context.Context, clubID string, at time.Time) (*model.Fixture, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.blockingFixtureLocked(clubID, at), nil
}

func (t *memTx) ClaimFixtureResult(_ context.Context, fixtureID string, result model.MatchResult, score string) (*model.Fixture, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	f, ok := t.store.fixtures[fixtureID]
	if !ok {
		return nil, ErrFixtureNotFound
	}
	if f.Result != model.ResultPending {
		return nil, ErrAlreadySettled
	}

	t.claimed = &claimedFixture{
		id:            fixtureID,
		prevResult:    f.Result,
		prevStatus:    f.Status,
		prevScore:     f.Score,
		prevSettledAt: f.SettledAt,
	}

	now := time.Now().UTC()
	f.Result = result
	f.Score = score
	f.Status = model.FixtureSettled
	f.SettledAt = &now

	fx := *f
	return &fx, nil
}

func (t *memTx) InsertTransfer(_ context.Context, tr *model.Transfer) error {
	t.transfers = append(t.transfers, *tr)
	return nil
}

func (t *memTx) Commit(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	for _, d := range t.clubDeltas {
		if club, ok := s.clubs[d.clubID]; ok {
			club.Capitalization = club.Capitalization.Add(d.capDelta)
			club.SharesOutstanding += d.sharesDelta
		}
	}
	s.orders = append(s.orders, t.orders...)
	s.ledger = append(s.ledger, t.entries...)
	for _, d := range t.posDeltas {
		key := positionKey(d.userID, d.clubID)
		pos, ok := s.positions[key]
		if !ok {
			pos = &model.Position{UserID: d.userID, ClubID: d.clubID, TotalInvested: decimal.Zero}
			s.positions[key] = pos
		}
		pos.Quantity += d.qtyDelta
		pos.TotalInvested = pos.TotalInvested.Add(d.investedDelta)
		pos.UpdatedAt = d.at
	}
	for i := range t.transfers {
		tr := t.transfers[i]
		s.transfers[tr.FixtureID] = &tr
	}
	s.mu.Unlock()

	t.releaseLocks()
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true

	if t.claimed != nil {
		s := t.store
		s.mu.Lock()
		if f, ok := s.fixtures[t.claimed.id]; ok {
			f.Result = t.claimed.prevResult
			f.Status = t.claimed.prevStatus
			f.Score = t.claimed.prevScore
			f.SettledAt = t.claimed.prevSettledAt
		}
		s.mu.Unlock()
	}

	t.releaseLocks()
	return nil
}

func (t *memTx) releaseLocks() {
	for _, id := range t.locked {
		t.store.locks.release(id)
	}
	t.locked = nil
}

// lockTable hands out one-slot channels per club ID.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]chan struct{})}
}

func (lt *lockTable) acquire(id string, timeout time.Duration) error {
	lt.mu.Lock()
	ch, ok := lt.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		lt.locks[id] = ch
	}
	lt.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return nil
	case <-time.After(timeout):
		return ErrBusy
	}
}

func (lt *lockTable) release(id string) {
	lt.mu.Lock()
	ch := lt.locks[id]
	lt.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case <-ch:
	default:
	}
}
